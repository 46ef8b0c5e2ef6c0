package dimse

import (
	"github.com/dimsenet/dimsenet/dimsemsg"
	"github.com/dimsenet/dimsenet/pdu"
)

// pduOverhead is the P-DATA-TF PDU header (6 bytes) plus one PDV length
// field (4 bytes) plus the PDV's own context-id/control-header bytes (2
// bytes); it bounds how much of MaxPDULength is left over for payload.
const pduOverhead = 6 + 4 + 2

// Fragment splits data into chunks no larger than maxPDULength allows,
// tagging every chunk as command or dataset on contextID and marking only
// the final chunk as the last fragment of that part.
func Fragment(contextID byte, isCommand bool, data []byte, maxPDULength uint32) []pdu.PresentationDataValue {
	maxChunk := int(maxPDULength) - pduOverhead
	if maxChunk <= 0 {
		maxChunk = pdu.DefaultMaxPDULength - pduOverhead
	}

	if len(data) == 0 {
		return []pdu.PresentationDataValue{{ContextID: contextID, IsCommand: isCommand, IsLast: true}}
	}

	var pdvs []pdu.PresentationDataValue
	for offset := 0; offset < len(data); offset += maxChunk {
		end := offset + maxChunk
		if end > len(data) {
			end = len(data)
		}
		pdvs = append(pdvs, pdu.PresentationDataValue{
			ContextID: contextID,
			IsCommand: isCommand,
			IsLast:    end == len(data),
			Value:     data[offset:end],
		})
	}
	return pdvs
}

// Encode fragments a full DIMSE message (command, and its dataset if
// present) into the PDV sequence Send would hand to pdu.Machine.
func Encode(msg Message, maxPDULength uint32) []pdu.PresentationDataValue {
	cmdBytes := dimsemsg.Encode(msg.Command)
	pdvs := Fragment(msg.ContextID, true, cmdBytes, maxPDULength)
	if msg.Command.CommandDataSetType != dimsemsg.NoDataSet && len(msg.Dataset) > 0 {
		pdvs = append(pdvs, Fragment(msg.ContextID, false, msg.Dataset, maxPDULength)...)
	}
	return pdvs
}

// Send encodes msg and writes it to the association via m.SendData.
func Send(m *pdu.Machine, msg Message, maxPDULength uint32) error {
	return m.SendData(Encode(msg, maxPDULength))
}
