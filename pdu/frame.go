// Package pdu implements the DICOM Upper Layer protocol data units (PS3.8
// section 9.3): association establishment/rejection, data transfer, release
// and abort, plus the presentation-context negotiation table and the ACSE
// state machine that drives them. It knows nothing about DIMSE command
// semantics; the dimse package owns that layer.
package pdu

import (
	"encoding/binary"

	"github.com/dimsenet/dimsenet/dcmerr"
	"github.com/dimsenet/dimsenet/transport"
)

// PDU types (PS3.8 Table 9-1).
const (
	TypeAssociateRQ = 0x01
	TypeAssociateAC = 0x02
	TypeAssociateRJ = 0x03
	TypePDataTF     = 0x04
	TypeReleaseRQ   = 0x05
	TypeReleaseRP   = 0x06
	TypeAbort       = 0x07
)

// DefaultMaxPDULength is proposed/accepted when nothing overrides it.
const DefaultMaxPDULength = 16384

// Frame is a raw, undecoded PDU: a one-byte type, a reserved byte, and a
// 4-byte big-endian length followed by that many bytes of body.
type Frame struct {
	Type byte
	Data []byte
}

// ReadFrame reads one PDU header+body from c.
func ReadFrame(c *transport.Conn) (*Frame, error) {
	header, err := c.ReadExact(6)
	if err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[2:6])
	var body []byte
	if length > 0 {
		body, err = c.ReadExact(int(length))
		if err != nil {
			return nil, err
		}
	}
	return &Frame{Type: header[0], Data: body}, nil
}

// WriteFrame writes f to c as one WriteAll call, so concurrent senders
// never interleave partial PDUs on the wire.
func WriteFrame(c *transport.Conn, f *Frame) error {
	buf := make([]byte, 6, 6+len(f.Data))
	buf[0] = f.Type
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(f.Data)))
	buf = append(buf, f.Data...)
	return c.WriteAll(buf)
}

// item is a generic variable-length TLV sub-item used throughout the
// association PDUs: 1-byte type, 1 reserved byte, 2-byte big-endian length.
func appendItem(buf []byte, itemType byte, value []byte) []byte {
	buf = append(buf, itemType, 0x00)
	lenBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBytes, uint16(len(value)))
	buf = append(buf, lenBytes...)
	return append(buf, value...)
}

func readItemHeader(data []byte, offset int) (itemType byte, value []byte, next int, err error) {
	if offset+4 > len(data) {
		return 0, nil, 0, dcmerr.NewPeerProtocolError("truncated item header at offset %d", offset)
	}
	itemType = data[offset]
	length := binary.BigEndian.Uint16(data[offset+2 : offset+4])
	valueStart := offset + 4
	valueEnd := valueStart + int(length)
	if valueEnd > len(data) {
		return 0, nil, 0, dcmerr.NewPeerProtocolError("item value exceeds PDU length at offset %d", offset)
	}
	return itemType, data[valueStart:valueEnd], valueEnd, nil
}
