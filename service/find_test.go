package service

import (
	"testing"

	"github.com/dimsenet/dimsenet/dcmerr"
	"github.com/dimsenet/dimsenet/dimsemsg"
)

type sentFind struct {
	rsp        dimsemsg.CFindResponse
	identifier []byte
}

func runFindWith(t *testing.T, results []FindResult, cancelled func() bool) []sentFind {
	t.Helper()
	var sent []sentFind
	RunFind(FindEnv{
		MessageID:   7,
		SOPClassUID: "1.2.840.10008.5.1.4.1.2.2.1",
		Results: func(yield func(FindResult) bool) {
			for _, r := range results {
				if !yield(r) {
					return
				}
			}
		},
		Cancelled: cancelled,
		Emit: func(rsp dimsemsg.CFindResponse, identifier []byte) error {
			sent = append(sent, sentFind{rsp: rsp, identifier: identifier})
			return nil
		},
	})
	return sent
}

func never() bool { return false }

func TestRunFind_PendingStreamThenImplicitSuccess(t *testing.T) {
	dsA := []byte{0x01}
	dsB := []byte{0x02}
	dsC := []byte{0x03}
	sent := runFindWith(t, []FindResult{
		{Status: 0xFF00, Identifier: dsA},
		{Status: 0xFF00, Identifier: dsB},
		{Status: 0xFF01, Identifier: dsC},
	}, never)

	if len(sent) != 4 {
		t.Fatalf("got %d responses, want 4", len(sent))
	}
	for i, want := range []uint16{0xFF00, 0xFF00, 0xFF01, 0x0000} {
		if sent[i].rsp.Status != want {
			t.Errorf("response %d status = 0x%04X, want 0x%04X", i, sent[i].rsp.Status, want)
		}
	}
	if sent[3].identifier != nil {
		t.Errorf("final response carried an identifier")
	}
	for i := 0; i < 3; i++ {
		if len(sent[i].identifier) == 0 {
			t.Errorf("pending response %d missing identifier", i)
		}
		if !sent[i].rsp.HasIdentifier {
			t.Errorf("pending response %d has HasIdentifier=false", i)
		}
	}
	if sent[0].rsp.MessageIDBeingRespondedTo != 7 {
		t.Errorf("MessageIDBeingRespondedTo = %d, want 7", sent[0].rsp.MessageIDBeingRespondedTo)
	}
}

func TestRunFind_TerminalStatusStopsStream(t *testing.T) {
	sent := runFindWith(t, []FindResult{
		{Status: 0xFF00, Identifier: []byte{0x01}},
		{Status: 0xA700},
		{Status: 0xFF00, Identifier: []byte{0x02}}, // must never be sent
	}, never)

	if len(sent) != 2 {
		t.Fatalf("got %d responses, want 2", len(sent))
	}
	if sent[1].rsp.Status != 0xA700 {
		t.Errorf("terminal status = 0x%04X, want 0xA700", sent[1].rsp.Status)
	}
}

func TestRunFind_ExplicitSuccessSuppressesImplicitOne(t *testing.T) {
	sent := runFindWith(t, []FindResult{
		{Status: 0xFF00, Identifier: []byte{0x01}},
		{Status: 0x0000},
	}, never)

	if len(sent) != 2 {
		t.Fatalf("got %d responses, want 2", len(sent))
	}
}

func TestRunFind_CancelResult(t *testing.T) {
	sent := runFindWith(t, []FindResult{
		{Status: 0xFF00, Identifier: []byte{0x01}},
		{Status: 0xFE00},
	}, never)

	if len(sent) != 2 {
		t.Fatalf("got %d responses, want 2", len(sent))
	}
	if sent[1].rsp.Status != dimsemsg.StatusCancel {
		t.Errorf("status = 0x%04X, want 0xFE00", sent[1].rsp.Status)
	}
}

func TestRunFind_CancelledFlagHonouredBeforeYield(t *testing.T) {
	sent := runFindWith(t, []FindResult{
		{Status: 0xFF00, Identifier: []byte{0x01}},
	}, func() bool { return true })

	if len(sent) != 1 {
		t.Fatalf("got %d responses, want 1", len(sent))
	}
	if sent[0].rsp.Status != dimsemsg.StatusCancel {
		t.Errorf("status = 0x%04X, want 0xFE00", sent[0].rsp.Status)
	}
}

func TestRunFind_PendingWithoutIdentifier(t *testing.T) {
	sent := runFindWith(t, []FindResult{
		{Status: 0xFF00},
	}, never)

	if len(sent) != 1 {
		t.Fatalf("got %d responses, want 1", len(sent))
	}
	if sent[0].rsp.Status != dimsemsg.StatusFindMalformedOutboundIdent {
		t.Errorf("status = 0x%04X, want 0x%04X", sent[0].rsp.Status, dimsemsg.StatusFindMalformedOutboundIdent)
	}
}

func TestRunFind_PanicMidStream(t *testing.T) {
	var sent []sentFind
	RunFind(FindEnv{
		MessageID:   3,
		SOPClassUID: "1.2.840.10008.5.1.4.1.2.2.1",
		Results: func(yield func(FindResult) bool) {
			yield(FindResult{Status: 0xFF00, Identifier: []byte{0x01}})
			panic("handler blew up")
		},
		Cancelled: never,
		Emit: func(rsp dimsemsg.CFindResponse, identifier []byte) error {
			sent = append(sent, sentFind{rsp: rsp, identifier: identifier})
			return nil
		},
	})

	if len(sent) != 2 {
		t.Fatalf("got %d responses, want 2", len(sent))
	}
	if sent[1].rsp.Status != dcmerr.StatusFindHandlerFailure {
		t.Errorf("status = 0x%04X, want 0x%04X", sent[1].rsp.Status, dcmerr.StatusFindHandlerFailure)
	}
}
