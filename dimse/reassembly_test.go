package dimse

import (
	"testing"

	"github.com/dimsenet/dimsenet/dimsemsg"
	"github.com/dimsenet/dimsenet/pdu"
)

func TestReassembler_RejectsMismatchedContext(t *testing.T) {
	r := NewReassembler()
	ra := newReassembler(1)
	r.byContext[1] = ra

	_, err := ra.feed(pdu.PresentationDataValue{ContextID: 2, IsCommand: true, IsLast: true})
	if err == nil {
		t.Fatal("expected an error feeding a PDV with the wrong context id")
	}
}

func TestReassembler_RejectsDatasetBeforeCommand(t *testing.T) {
	ra := newReassembler(1)
	_, err := ra.feed(pdu.PresentationDataValue{ContextID: 1, IsCommand: false, IsLast: true, Value: []byte{1}})
	if err == nil {
		t.Fatal("expected an error for a dataset PDV arriving before its command")
	}
}

func TestReassembler_CompletesOnNoDatasetCommand(t *testing.T) {
	cmd := dimsemsg.Encode(dimsemsg.CommandSet{
		CommandField:       dimsemsg.CEchoRQ,
		MessageID:          1,
		CommandDataSetType: dimsemsg.NoDataSet,
	})

	r := NewReassembler()
	msgs, err := r.Feed([]pdu.PresentationDataValue{
		{ContextID: 1, IsCommand: true, IsLast: true, Value: cmd},
	})
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Command.CommandField != dimsemsg.CEchoRQ {
		t.Errorf("CommandField = 0x%04x, want C-ECHO-RQ", msgs[0].Command.CommandField)
	}
	if len(msgs[0].Dataset) != 0 {
		t.Errorf("expected empty dataset, got %d bytes", len(msgs[0].Dataset))
	}
}

func TestReassembler_WaitsForDatasetFragments(t *testing.T) {
	cmd := dimsemsg.Encode(dimsemsg.CommandSet{
		CommandField:       dimsemsg.CStoreRQ,
		MessageID:          2,
		CommandDataSetType: 0x0000,
	})

	r := NewReassembler()

	msgs, err := r.Feed([]pdu.PresentationDataValue{
		{ContextID: 1, IsCommand: true, IsLast: true, Value: cmd},
	})
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("command alone should not complete a message expecting a dataset, got %d", len(msgs))
	}

	msgs, err = r.Feed([]pdu.PresentationDataValue{
		{ContextID: 1, IsCommand: false, IsLast: false, Value: []byte{0xAA, 0xBB}},
	})
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("non-last dataset fragment should not complete the message, got %d", len(msgs))
	}

	msgs, err = r.Feed([]pdu.PresentationDataValue{
		{ContextID: 1, IsCommand: false, IsLast: true, Value: []byte{0xCC}},
	})
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 completed message, got %d", len(msgs))
	}
	if string(msgs[0].Dataset) != "\xAA\xBB\xCC" {
		t.Errorf("Dataset = %x, want AABBCC", msgs[0].Dataset)
	}
}

func TestReassembler_MultiplexesAcrossContexts(t *testing.T) {
	cmdA := dimsemsg.Encode(dimsemsg.CommandSet{
		CommandField:       dimsemsg.CEchoRQ,
		MessageID:          1,
		CommandDataSetType: dimsemsg.NoDataSet,
	})
	cmdB := dimsemsg.Encode(dimsemsg.CommandSet{
		CommandField:       dimsemsg.CEchoRQ,
		MessageID:          2,
		CommandDataSetType: dimsemsg.NoDataSet,
	})

	r := NewReassembler()
	msgs, err := r.Feed([]pdu.PresentationDataValue{
		{ContextID: 1, IsCommand: true, IsLast: true, Value: cmdA},
		{ContextID: 3, IsCommand: true, IsLast: true, Value: cmdB},
	})
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 completed messages across 2 contexts, got %d", len(msgs))
	}
}
