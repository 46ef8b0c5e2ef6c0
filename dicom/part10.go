package dicom

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// part10HeaderSize is the 128-byte preamble plus the 4-byte "DICM" marker.
const part10HeaderSize = 132

// HasPart10Header reports whether data starts with a DICOM Part 10 header
// (128-byte preamble followed by "DICM").
func HasPart10Header(data []byte) bool {
	return len(data) >= part10HeaderSize && string(data[128:132]) == "DICM"
}

// StripPart10Header removes the Part 10 preamble and the File Meta
// Information group from a stored file, returning the bare dataset bytes a
// C-STORE payload carries. The wrapper's transfer syntax is discarded; use
// Part10TransferSyntax when the caller needs it.
func StripPart10Header(data []byte) ([]byte, error) {
	body, _, err := splitPart10(data)
	return body, err
}

// Part10TransferSyntax returns the TransferSyntaxUID (0002,0010) recorded
// in a Part 10 file's meta group, or "" when the element is absent.
func Part10TransferSyntax(data []byte) (string, error) {
	_, ts, err := splitPart10(data)
	return ts, err
}

// splitPart10 walks the File Meta Information group (always Explicit VR
// Little Endian, PS3.10 section 7.1) and returns the dataset bytes that
// follow it plus the recorded transfer syntax UID.
func splitPart10(data []byte) ([]byte, string, error) {
	if !HasPart10Header(data) {
		return nil, "", fmt.Errorf("not a DICOM Part 10 stream (missing DICM marker)")
	}

	offset := part10HeaderSize
	transferSyntax := ""
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		if group != 0x0002 {
			break
		}
		vr := string(data[offset+4 : offset+6])

		var length int
		var valueStart int
		switch vr {
		case "OB", "OW", "OF", "SQ", "UN", "UT":
			if offset+12 > len(data) {
				return nil, "", fmt.Errorf("truncated file meta element at offset %d", offset)
			}
			length = int(binary.LittleEndian.Uint32(data[offset+8 : offset+12]))
			valueStart = offset + 12
		default:
			length = int(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
			valueStart = offset + 8
		}
		if valueStart+length > len(data) {
			return nil, "", fmt.Errorf("file meta element value exceeds stream at offset %d", offset)
		}

		if element == 0x0010 {
			transferSyntax = strings.TrimRight(string(data[valueStart:valueStart+length]), "\x00 ")
		}
		offset = valueStart + length
	}

	if offset >= len(data) {
		return nil, "", fmt.Errorf("no dataset after file meta information")
	}
	return data[offset:], transferSyntax, nil
}
