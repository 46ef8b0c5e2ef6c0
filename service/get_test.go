package service

import (
	"testing"

	"github.com/dimsenet/dimsenet/dicom"
	"github.com/dimsenet/dimsenet/dimsemsg"
	"github.com/dimsenet/dimsenet/sopclass"
)

const getSOPClass = "1.2.840.10008.5.1.4.1.2.2.3"

type getHarness struct {
	sent       []GetResponse
	storeCalls []SubOpResult
	storeIDs   []uint16
	cancelled  bool
	strip      bool
}

func (h *getHarness) run(t *testing.T, messageID uint16, prog GetProgram) {
	t.Helper()
	RunGet(GetEnv{
		MessageID:   messageID,
		SOPClassUID: getSOPClass,
		Program:     prog,
		Store: func(msgID uint16, op SubOpResult) (uint16, error) {
			h.storeIDs = append(h.storeIDs, msgID)
			h.storeCalls = append(h.storeCalls, op)
			return dimsemsg.StatusSuccess, nil
		},
		StripBulkData:  h.strip,
		TransferSyntax: sopclass.ExplicitVRLittleEndian,
		Cancelled:      func() bool { return h.cancelled },
		Emit: func(rsp GetResponse) error {
			h.sent = append(h.sent, rsp)
			return nil
		},
	})
}

func TestRunGet_SuccessPath(t *testing.T) {
	h := &getHarness{}
	h.run(t, 10, GetProgram{
		Total:  2,
		SubOps: subOps(pendingOp("1.2.3.1"), pendingOp("1.2.3.2")),
	})

	if len(h.sent) != 3 {
		t.Fatalf("got %d responses, want 3", len(h.sent))
	}
	final := h.sent[2].Command
	if final.Status != dimsemsg.StatusSuccess {
		t.Errorf("final status = 0x%04X, want success", final.Status)
	}
	if got := h.storeIDs; len(got) != 2 || got[0] != 11 || got[1] != 12 {
		t.Errorf("sub-op message IDs = %v, want [11 12]", got)
	}
}

func TestRunGet_PendingCountersDescend(t *testing.T) {
	h := &getHarness{}
	h.run(t, 1, GetProgram{
		Total:  2,
		SubOps: subOps(pendingOp("1.2.3.1"), pendingOp("1.2.3.2")),
	})

	first := h.sent[0].Command
	if first.NumberOfRemainingSuboperations == nil || *first.NumberOfRemainingSuboperations != 1 {
		t.Errorf("first pending remaining = %v, want 1", first.NumberOfRemainingSuboperations)
	}
	second := h.sent[1].Command
	if second.NumberOfRemainingSuboperations == nil || *second.NumberOfRemainingSuboperations != 0 {
		t.Errorf("second pending remaining = %v, want 0", second.NumberOfRemainingSuboperations)
	}
}

func TestRunGet_StripsBulkData(t *testing.T) {
	ds := dicom.NewDataset()
	ds.AddElement(dicom.Tag{Group: 0x0008, Element: 0x0018}, dicom.VR_UI, "1.2.3.1")
	ds.AddElement(dicom.Tag{Group: 0x7FE0, Element: 0x0010}, dicom.VR_OW, "pixels")
	item := dicom.NewDataset()
	item.AddElement(dicom.Tag{Group: 0x5400, Element: 0x1010}, dicom.VR_OW, "waveform-bytes")
	item.AddElement(dicom.Tag{Group: 0x0018, Element: 0x0015}, dicom.VR_CS, "CHEST")
	ds.SetSequence(dicom.Tag{Group: 0x5400, Element: 0x0100}, []*dicom.Dataset{item})

	encoded, err := dicom.EncodeDatasetWithTransferSyntax(ds, sopclass.ExplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	h := &getHarness{strip: true}
	h.run(t, 1, GetProgram{
		Total: 1,
		SubOps: subOps(SubOpResult{
			Status:                 dimsemsg.StatusPending,
			AffectedSOPClassUID:    "1.2.840.10008.5.1.4.1.1.9.1.1",
			AffectedSOPInstanceUID: "1.2.3.1",
			Dataset:                encoded,
		}),
	})

	if len(h.storeCalls) != 1 {
		t.Fatalf("got %d store calls, want 1", len(h.storeCalls))
	}
	stored, err := dicom.ParseDatasetWithTransferSyntax(h.storeCalls[0].Dataset, sopclass.ExplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("parse stored dataset: %v", err)
	}
	if _, ok := stored.GetElement(dicom.Tag{Group: 0x7FE0, Element: 0x0010}); ok {
		t.Error("PixelData survived the strip")
	}
	if got := stored.GetString(dicom.Tag{Group: 0x0008, Element: 0x0018}); got != "1.2.3.1" {
		t.Errorf("SOPInstanceUID = %q, want 1.2.3.1", got)
	}
	items, ok := stored.Sequence(dicom.Tag{Group: 0x5400, Element: 0x0100})
	if !ok || len(items) != 1 {
		t.Fatalf("WaveformSequence missing after strip")
	}
	if _, ok := items[0].GetElement(dicom.Tag{Group: 0x5400, Element: 0x1010}); ok {
		t.Error("WaveformData survived inside WaveformSequence item")
	}
	if got := items[0].GetString(dicom.Tag{Group: 0x0018, Element: 0x0015}); got != "CHEST" {
		t.Errorf("non-bulk item element lost: %q", got)
	}
}

func TestRunGet_CancelledEmitsCancel(t *testing.T) {
	h := &getHarness{cancelled: true}
	h.run(t, 1, GetProgram{Total: 1, SubOps: subOps(pendingOp("1.2.3.1"))})

	if len(h.sent) != 1 || h.sent[0].Command.Status != dimsemsg.StatusCancel {
		t.Fatalf("expected a single cancel response, got %+v", h.sent)
	}
}

func TestStripBulkData_RemovesEveryListedElement(t *testing.T) {
	ds := dicom.NewDataset()
	ds.AddElement(dicom.Tag{Group: 0x7FE0, Element: 0x0008}, dicom.VR_OF, "float-pixels")
	ds.AddElement(dicom.Tag{Group: 0x7FE0, Element: 0x0009}, dicom.VR_OD, "double-pixels")
	ds.AddElement(dicom.Tag{Group: 0x0028, Element: 0x7FE0}, dicom.VR_UR, "http://bulk")
	ds.AddElement(dicom.Tag{Group: 0x0042, Element: 0x0011}, dicom.VR_OB, "doc")
	ds.AddElement(dicom.Tag{Group: 0x6002, Element: 0x3000}, dicom.VR_OW, "overlay")
	ds.AddElement(dicom.Tag{Group: 0x0010, Element: 0x0020}, dicom.VR_LO, "PATIENT1")

	encoded, err := dicom.EncodeDatasetWithTransferSyntax(ds, sopclass.ImplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	stripped, err := StripBulkData(encoded, sopclass.ImplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("StripBulkData: %v", err)
	}
	out, err := dicom.ParseDatasetWithTransferSyntax(stripped, sopclass.ImplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for _, tag := range []dicom.Tag{
		{Group: 0x7FE0, Element: 0x0008},
		{Group: 0x7FE0, Element: 0x0009},
		{Group: 0x0028, Element: 0x7FE0},
		{Group: 0x0042, Element: 0x0011},
		{Group: 0x6002, Element: 0x3000},
	} {
		if _, ok := out.GetElement(tag); ok {
			t.Errorf("element %s survived the strip", tag)
		}
	}
	if got := out.GetString(dicom.Tag{Group: 0x0010, Element: 0x0020}); got != "PATIENT1" {
		t.Errorf("PatientID = %q, want PATIENT1", got)
	}
}
