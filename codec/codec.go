// Package codec adapts github.com/suyashkumar/dicom at the boundary where a
// stored instance needs to become, or come from, a full DICOM dataset
// rather than the flat command-set encoding the dimsemsg package owns. It
// is a thin passthrough: no protocol logic lives here.
package codec

import (
	"bytes"

	suyashdicom "github.com/suyashkumar/dicom"

	"github.com/dimsenet/dimsenet/dcmerr"
	"github.com/dimsenet/dimsenet/sopclass"
)

// Encode serializes ds as a complete DICOM Part 10 stream (preamble, file
// meta group, dataset). The dataset must carry its file meta elements,
// including TransferSyntaxUID, which the writer uses to pick the dataset
// encoding. Strip the Part 10 wrapper (dicom.StripPart10Header) before
// putting the result on a DIMSE association.
func Encode(ds suyashdicom.Dataset) ([]byte, error) {
	var buf bytes.Buffer
	if err := suyashdicom.Write(&buf, ds, suyashdicom.SkipVRVerification()); err != nil {
		return nil, &dcmerr.EncodeFailure{Context: "codec.Encode", Err: err}
	}
	return buf.Bytes(), nil
}

// Decode parses a complete DICOM Part 10 stream into a suyashkumar/dicom
// Dataset. Pixel data is retained; callers that only need metadata can
// pass the result through their own projection.
func Decode(raw []byte) (suyashdicom.Dataset, error) {
	r := bytes.NewReader(raw)
	ds, err := suyashdicom.Parse(r, int64(r.Len()), nil)
	if err != nil {
		return suyashdicom.Dataset{}, &dcmerr.DecodeFailure{Context: "codec.Decode", Err: err}
	}
	return ds, nil
}

// IsImplicitVR reports whether transferSyntaxUID is the Implicit VR Little
// Endian syntax, the one case where the element stream carries no VR field.
func IsImplicitVR(transferSyntaxUID string) bool {
	return transferSyntaxUID == sopclass.ImplicitVRLittleEndian || transferSyntaxUID == ""
}
