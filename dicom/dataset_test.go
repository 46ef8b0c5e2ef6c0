package dicom

import (
	"testing"
)

var (
	tagPatientName = Tag{Group: 0x0010, Element: 0x0010}
	tagPatientID   = Tag{Group: 0x0010, Element: 0x0020}
	tagStudyUID    = Tag{Group: 0x0020, Element: 0x000D}
	tagModality    = Tag{Group: 0x0008, Element: 0x0060}
)

func TestTagString(t *testing.T) {
	got := Tag{Group: 0x7FE0, Element: 0x0010}.String()
	if got != "(7fe0,0010)" {
		t.Errorf("Tag.String() = %q", got)
	}
}

func TestAddGetRemoveElement(t *testing.T) {
	ds := NewDataset()
	ds.AddElement(tagPatientName, VR_PN, "DOE^JOHN")

	el, ok := ds.GetElement(tagPatientName)
	if !ok {
		t.Fatal("element missing after AddElement")
	}
	if el.VR != VR_PN {
		t.Errorf("VR = %q", el.VR)
	}
	if got := ds.GetString(tagPatientName); got != "DOE^JOHN" {
		t.Errorf("GetString() = %q", got)
	}

	ds.RemoveElement(tagPatientName)
	if _, ok := ds.GetElement(tagPatientName); ok {
		t.Error("element present after RemoveElement")
	}
}

func TestGetStrings_MultiValue(t *testing.T) {
	ds := NewDataset()
	ds.AddElement(tagModality, VR_CS, `CT\MR\US`)
	got := ds.GetStrings(tagModality)
	want := []string{"CT", "MR", "US"}
	if len(got) != len(want) {
		t.Fatalf("GetStrings() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("value %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRoundTrip_ExplicitVR(t *testing.T) {
	ds := NewDataset()
	ds.AddElement(tagPatientName, VR_PN, "DOE^JANE")
	ds.AddElement(tagPatientID, VR_LO, "PID42")
	ds.AddElement(tagStudyUID, VR_UI, "1.2.840.1.1")

	parsed, err := ParseDataset(ds.EncodeDataset())
	if err != nil {
		t.Fatalf("ParseDataset() error = %v", err)
	}
	for _, tc := range []struct {
		tag  Tag
		want string
	}{
		{tagPatientName, "DOE^JANE"},
		{tagPatientID, "PID42"},
		{tagStudyUID, "1.2.840.1.1"},
	} {
		if got := parsed.GetString(tc.tag); got != tc.want {
			t.Errorf("%s = %q, want %q", tc.tag, got, tc.want)
		}
	}
}

func TestRoundTrip_ImplicitVR(t *testing.T) {
	ds := NewDataset()
	ds.AddElement(tagPatientID, VR_LO, "PID7")
	ds.AddElement(tagStudyUID, VR_UI, "1.2.3")

	encoded, err := EncodeDatasetWithTransferSyntax(ds, TransferSyntaxImplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	parsed, err := ParseDatasetWithTransferSyntax(encoded, TransferSyntaxImplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := parsed.GetString(tagStudyUID); got != "1.2.3" {
		t.Errorf("StudyInstanceUID = %q", got)
	}
	// Implicit VR carries no VR on the wire; the dictionary fills it back in.
	if el, _ := parsed.GetElement(tagStudyUID); el.VR != VR_UI {
		t.Errorf("StudyInstanceUID VR = %q, want UI", el.VR)
	}
}

func TestEncode_TagsSorted(t *testing.T) {
	ds := NewDataset()
	ds.AddElement(tagStudyUID, VR_UI, "1.2.3")
	ds.AddElement(tagModality, VR_CS, "CT")
	ds.AddElement(tagPatientID, VR_LO, "P1")

	encoded := ds.EncodeDataset()
	// First element on the wire must be the lowest tag, (0008,0060).
	if encoded[0] != 0x08 || encoded[1] != 0x00 || encoded[2] != 0x60 || encoded[3] != 0x00 {
		t.Errorf("first encoded tag = %02x%02x,%02x%02x", encoded[1], encoded[0], encoded[3], encoded[2])
	}
}

func TestEncode_OddLengthPadded(t *testing.T) {
	ds := NewDataset()
	ds.AddElement(tagPatientID, VR_LO, "ODD") // 3 bytes, must pad to 4
	parsed, err := ParseDataset(ds.EncodeDataset())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := parsed.GetString(tagPatientID); got != "ODD" {
		t.Errorf("PatientID = %q", got)
	}
}

func TestSequenceRoundTrip(t *testing.T) {
	seqTag := Tag{Group: 0x5400, Element: 0x0100}
	item1 := NewDataset()
	item1.AddElement(tagModality, VR_CS, "ECG")
	item2 := NewDataset()
	item2.AddElement(tagModality, VR_CS, "HD")

	for _, ts := range []string{TransferSyntaxExplicitVRLittleEndian, TransferSyntaxImplicitVRLittleEndian} {
		ds := NewDataset()
		ds.AddElement(tagPatientID, VR_LO, "P1")
		ds.SetSequence(seqTag, []*Dataset{item1, item2})

		encoded, err := EncodeDatasetWithTransferSyntax(ds, ts)
		if err != nil {
			t.Fatalf("encode (%s): %v", ts, err)
		}
		parsed, err := ParseDatasetWithTransferSyntax(encoded, ts)
		if err != nil {
			t.Fatalf("parse (%s): %v", ts, err)
		}
		items, ok := parsed.Sequence(seqTag)
		if !ok || len(items) != 2 {
			t.Fatalf("sequence (%s): ok=%v items=%d", ts, ok, len(items))
		}
		if got := items[0].GetString(tagModality); got != "ECG" {
			t.Errorf("item 0 modality (%s) = %q", ts, got)
		}
		if got := items[1].GetString(tagModality); got != "HD" {
			t.Errorf("item 1 modality (%s) = %q", ts, got)
		}
	}
}

func TestClone_IsolatesMutation(t *testing.T) {
	seqTag := Tag{Group: 0x5400, Element: 0x0100}
	item := NewDataset()
	item.AddElement(tagModality, VR_CS, "ECG")
	ds := NewDataset()
	ds.AddElement(tagPatientID, VR_LO, "P1")
	ds.SetSequence(seqTag, []*Dataset{item})

	clone := ds.Clone()
	clone.RemoveElement(tagPatientID)
	items, _ := clone.Sequence(seqTag)
	items[0].RemoveElement(tagModality)

	if got := ds.GetString(tagPatientID); got != "P1" {
		t.Error("clone mutation leaked into the original dataset")
	}
	origItems, _ := ds.Sequence(seqTag)
	if got := origItems[0].GetString(tagModality); got != "ECG" {
		t.Error("clone mutation leaked into a sequence item")
	}
}

func TestParseDataset_Truncated(t *testing.T) {
	ds := NewDataset()
	ds.AddElement(tagPatientID, VR_LO, "PATIENT")
	encoded := ds.EncodeDataset()

	// A truncated value stops the walk without error; the partial element
	// is simply absent.
	parsed, err := ParseDataset(encoded[:len(encoded)-3])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, ok := parsed.GetElement(tagPatientID); ok {
		t.Error("truncated element should not be present")
	}
}
