package pdu

import (
	"encoding/binary"

	"github.com/dimsenet/dimsenet/dcmerr"
)

// PresentationDataValue is one PDV inside a P-DATA-TF PDU: the presentation
// context it belongs to, whether it carries a command or a dataset
// fragment, and whether it is the last fragment of that message.
type PresentationDataValue struct {
	ContextID  byte
	IsCommand  bool
	IsLast     bool
	Value      []byte
}

// messageControlHeader bits (PS3.8 Table 9-23).
const (
	mchCommandBit = 0x01
	mchLastBit    = 0x02
)

// EncodePDataTF serializes one or more PDVs into a single P-DATA-TF PDU body.
func EncodePDataTF(pdvs []PresentationDataValue) []byte {
	var body []byte
	for _, pdv := range pdvs {
		header := byte(0)
		if pdv.IsCommand {
			header |= mchCommandBit
		}
		if pdv.IsLast {
			header |= mchLastBit
		}
		item := append([]byte{pdv.ContextID, header}, pdv.Value...)
		length := make([]byte, 4)
		binary.BigEndian.PutUint32(length, uint32(len(item)))
		body = append(body, length...)
		body = append(body, item...)
	}
	return body
}

// DecodePDataTF parses a P-DATA-TF PDU body into its constituent PDVs.
func DecodePDataTF(data []byte) ([]PresentationDataValue, error) {
	var pdvs []PresentationDataValue
	offset := 0
	for offset < len(data) {
		if offset+4 > len(data) {
			return nil, dcmerr.NewPeerProtocolError("P-DATA-TF PDV length header truncated")
		}
		length := binary.BigEndian.Uint32(data[offset : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(length)
		if valueEnd > len(data) || length < 2 {
			return nil, dcmerr.NewPeerProtocolError("P-DATA-TF PDV exceeds PDU length")
		}
		item := data[valueStart:valueEnd]
		pdvs = append(pdvs, PresentationDataValue{
			ContextID: item[0],
			IsCommand: item[1]&mchCommandBit != 0,
			IsLast:    item[1]&mchLastBit != 0,
			Value:     item[2:],
		})
		offset = valueEnd
	}
	return pdvs, nil
}

// EncodeReleaseRQ/RP: both bodies are 4 reserved bytes (PS3.8 9.3.6/9.3.7).
func EncodeReleaseRQ() []byte { return make([]byte, 4) }
func EncodeReleaseRP() []byte { return make([]byte, 4) }
