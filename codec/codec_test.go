package codec

import (
	"testing"

	suyashdicom "github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/dimsenet/dimsenet/sopclass"
)

func mustElement(t *testing.T, tg tag.Tag, value interface{}) *suyashdicom.Element {
	t.Helper()
	elem, err := suyashdicom.NewElement(tg, value)
	if err != nil {
		t.Fatalf("NewElement(%v): %v", tg, err)
	}
	return elem
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ds := suyashdicom.Dataset{Elements: []*suyashdicom.Element{
		mustElement(t, tag.MediaStorageSOPClassUID, []string{sopclass.SecondaryCaptureImageStorage}),
		mustElement(t, tag.MediaStorageSOPInstanceUID, []string{"1.2.3.4.5"}),
		mustElement(t, tag.TransferSyntaxUID, []string{sopclass.ExplicitVRLittleEndian}),
		mustElement(t, tag.SOPClassUID, []string{sopclass.SecondaryCaptureImageStorage}),
		mustElement(t, tag.SOPInstanceUID, []string{"1.2.3.4.5"}),
		mustElement(t, tag.PatientName, []string{"DOE^JANE"}),
	}}

	raw, err := Encode(ds)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if len(raw) < 132 {
		t.Fatalf("encoded stream too short to be Part 10: %d bytes", len(raw))
	}
	if string(raw[128:132]) != "DICM" {
		t.Error("missing DICM prefix in encoded stream")
	}

	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	elem, err := decoded.FindElementByTag(tag.PatientName)
	if err != nil {
		t.Fatalf("PatientName missing after round trip: %v", err)
	}
	values, ok := elem.Value.GetValue().([]string)
	if !ok || len(values) != 1 || values[0] != "DOE^JANE" {
		t.Errorf("PatientName = %v", elem.Value.GetValue())
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not a dicom stream")); err == nil {
		t.Error("Decode() accepted garbage input")
	}
}

func TestIsImplicitVR(t *testing.T) {
	if !IsImplicitVR(sopclass.ImplicitVRLittleEndian) {
		t.Error("implicit VR syntax not recognized")
	}
	if !IsImplicitVR("") {
		t.Error("empty transfer syntax must default to implicit VR")
	}
	if IsImplicitVR(sopclass.ExplicitVRLittleEndian) {
		t.Error("explicit VR syntax misclassified")
	}
}
