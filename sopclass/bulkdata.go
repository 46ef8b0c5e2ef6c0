package sopclass

// Tag is a local (group, element) pair, duplicated from the dicom package's
// Tag rather than imported from it: dicom imports sopclass for transfer
// syntax constants, so sopclass must not import dicom back.
type Tag struct {
	Group   uint16
	Element uint16
}

// BulkDataTags lists the well-known bulk-data elements stripped by the
// C-GET engine when the request's abstract syntax is
// CompositeInstanceRetrieveWithoutBulkDataGet (PS3.4 Annex Y.4.1).
var BulkDataTags = []Tag{
	{Group: 0x7FE0, Element: 0x0010}, // PixelData
	{Group: 0x7FE0, Element: 0x0008}, // FloatPixelData
	{Group: 0x7FE0, Element: 0x0009}, // DoubleFloatPixelData
	{Group: 0x0028, Element: 0x7FE0}, // PixelDataProviderURL
	{Group: 0x0018, Element: 0x9929}, // SpectroscopyData
	{Group: 0x6000, Element: 0x3000}, // OverlayData (first repeating group; others matched by IsOverlayDataTag)
	{Group: 0x5000, Element: 0x3000}, // CurveData (first repeating group; others matched by IsCurveDataTag)
	{Group: 0x5400, Element: 0x1010}, // AudioSampleData
	{Group: 0x0042, Element: 0x0011}, // EncapsulatedDocument
}

// WaveformDataTag is stripped from every item of WaveformSequence rather
// than from the top-level dataset.
var WaveformDataTag = Tag{Group: 0x5400, Element: 0x1010}

// WaveformSequenceTag identifies the sequence whose items are walked to
// strip WaveformDataTag.
var WaveformSequenceTag = Tag{Group: 0x5400, Element: 0x0100}

// IsOverlayDataTag reports whether tag is one of the repeating-group
// Overlay Data elements (group 0x6000-0x60FF, element 0x3000).
func IsOverlayDataTag(t Tag) bool {
	return t.Group >= 0x6000 && t.Group <= 0x60FF && t.Element == 0x3000
}

// IsCurveDataTag reports whether tag is one of the retired repeating-group
// Curve Data elements (group 0x5000-0x50FF, element 0x3000).
func IsCurveDataTag(t Tag) bool {
	return t.Group >= 0x5000 && t.Group <= 0x50FF && t.Element == 0x3000
}

// IsBulkDataTag reports whether tag is stripped by the "Composite Instance
// Retrieve Without Bulk Data" C-GET engine, excluding the
// WaveformSequence-nested WaveformData case which callers handle separately.
func IsBulkDataTag(t Tag) bool {
	if IsOverlayDataTag(t) || IsCurveDataTag(t) {
		return true
	}
	for _, bulk := range BulkDataTags {
		if bulk == t {
			return true
		}
	}
	return false
}
