package dicom

import (
	"encoding/binary"
	"testing"
)

// part10File assembles a minimal Part 10 stream: preamble, DICM, the given
// meta elements (group 0x0002, Explicit VR), then a PatientName dataset.
func part10File(meta ...[]byte) []byte {
	data := make([]byte, 128)
	data = append(data, "DICM"...)
	for _, m := range meta {
		data = append(data, m...)
	}

	ds := NewDataset()
	ds.AddElement(Tag{Group: 0x0010, Element: 0x0010}, VR_PN, "TEST^PATIENT")
	return append(data, ds.EncodeDataset()...)
}

func shortVRElement(group, element uint16, vr, value string) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint16(out[0:2], group)
	binary.LittleEndian.PutUint16(out[2:4], element)
	out = append(out, vr...)
	length := make([]byte, 2)
	binary.LittleEndian.PutUint16(length, uint16(len(value)))
	out = append(out, length...)
	return append(out, value...)
}

func longVRElement(group, element uint16, vr, value string) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint16(out[0:2], group)
	binary.LittleEndian.PutUint16(out[2:4], element)
	out = append(out, vr...)
	out = append(out, 0x00, 0x00)
	length := make([]byte, 4)
	binary.LittleEndian.PutUint32(length, uint32(len(value)))
	out = append(out, length...)
	return append(out, value...)
}

func metaTransferSyntax(uid string) []byte {
	return shortVRElement(0x0002, 0x0010, VR_UI, uid+"\x00")
}

func TestStripPart10Header(t *testing.T) {
	file := part10File(metaTransferSyntax(TransferSyntaxExplicitVRLittleEndian))

	body, err := StripPart10Header(file)
	if err != nil {
		t.Fatalf("StripPart10Header() error = %v", err)
	}
	ds, err := ParseDataset(body)
	if err != nil {
		t.Fatalf("ParseDataset() error = %v", err)
	}
	if got := ds.GetString(Tag{Group: 0x0010, Element: 0x0010}); got != "TEST^PATIENT" {
		t.Errorf("PatientName = %q", got)
	}
}

func TestStripPart10Header_MultipleMetaElements(t *testing.T) {
	file := part10File(
		shortVRElement(0x0002, 0x0002, VR_UI, "1.2.840.10008.5.1.4.1.1.2\x00"),
		shortVRElement(0x0002, 0x0003, VR_UI, "1.2.3.4\x00"),
		metaTransferSyntax(TransferSyntaxImplicitVRLittleEndian),
	)
	body, err := StripPart10Header(file)
	if err != nil {
		t.Fatalf("StripPart10Header() error = %v", err)
	}
	// The body must start at the first non-meta group.
	if binary.LittleEndian.Uint16(body[0:2]) != 0x0010 {
		t.Errorf("body starts at group 0x%04x", binary.LittleEndian.Uint16(body[0:2]))
	}
}

func TestStripPart10Header_LongVRMetaElement(t *testing.T) {
	file := part10File(
		longVRElement(0x0002, 0x0001, VR_OB, "\x00\x01"),
		metaTransferSyntax(TransferSyntaxExplicitVRLittleEndian),
	)
	if _, err := StripPart10Header(file); err != nil {
		t.Fatalf("StripPart10Header() error = %v", err)
	}
}

func TestStripPart10Header_Invalid(t *testing.T) {
	cases := map[string][]byte{
		"too short":    make([]byte, 50),
		"missing DICM": make([]byte, 200),
		"wrong marker": append(append(make([]byte, 128), "DCM4"...), make([]byte, 20)...),
	}
	for name, data := range cases {
		if _, err := StripPart10Header(data); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestStripPart10Header_NoDatasetAfterMeta(t *testing.T) {
	data := make([]byte, 128)
	data = append(data, "DICM"...)
	data = append(data, metaTransferSyntax(TransferSyntaxExplicitVRLittleEndian)...)
	if _, err := StripPart10Header(data); err == nil {
		t.Error("expected error when nothing follows the meta group")
	}
}

func TestPart10TransferSyntax(t *testing.T) {
	file := part10File(metaTransferSyntax(TransferSyntaxImplicitVRLittleEndian))
	ts, err := Part10TransferSyntax(file)
	if err != nil {
		t.Fatalf("Part10TransferSyntax() error = %v", err)
	}
	if ts != TransferSyntaxImplicitVRLittleEndian {
		t.Errorf("transfer syntax = %q", ts)
	}

	noTS := part10File(shortVRElement(0x0002, 0x0003, VR_UI, "1.2.3.4\x00"))
	ts, err = Part10TransferSyntax(noTS)
	if err != nil {
		t.Fatalf("Part10TransferSyntax() error = %v", err)
	}
	if ts != "" {
		t.Errorf("transfer syntax = %q, want empty", ts)
	}
}

func TestHasPart10Header(t *testing.T) {
	if !HasPart10Header(part10File(metaTransferSyntax(TransferSyntaxExplicitVRLittleEndian))) {
		t.Error("valid file not recognized")
	}
	if HasPart10Header(make([]byte, 10)) {
		t.Error("short buffer recognized as Part 10")
	}
	raw := NewDataset()
	raw.AddElement(Tag{Group: 0x0010, Element: 0x0020}, VR_LO, "P1")
	if HasPart10Header(raw.EncodeDataset()) {
		t.Error("bare dataset recognized as Part 10")
	}
}
