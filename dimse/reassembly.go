// Package dimse implements the DIMSE message exchange layer: it takes the
// command/dataset primitives from dimsemsg, fragments them into PDVs sized
// to the peer's negotiated Max PDU Length, and reassembles incoming PDV
// fragments back into a complete command plus optional dataset. It knows
// nothing about association setup; that is pdu.Machine's job, and nothing
// about service dispatch; that is service's job.
package dimse

import (
	"github.com/dimsenet/dimsenet/dcmerr"
	"github.com/dimsenet/dimsenet/dimsemsg"
	"github.com/dimsenet/dimsenet/pdu"
)

// Message is one complete DIMSE exchange: a command set and its optional
// dataset, addressed to the presentation context it arrived or will depart
// on.
type Message struct {
	ContextID byte
	Command   dimsemsg.CommandSet
	Dataset   []byte
}

// reassembler accumulates PDV fragments for a single presentation context
// into a complete command and dataset. One reassembler handles one message
// at a time; a new command fragment with CommandDataSetType other than
// dimsemsg.NoDataSet expects the dataset fragments to follow on the same
// context before the message is complete.
type reassembler struct {
	contextID      byte
	commandBuf     []byte
	commandDone    bool
	datasetBuf     []byte
	datasetWanted  bool
	command        dimsemsg.CommandSet
}

func newReassembler(contextID byte) *reassembler {
	return &reassembler{contextID: contextID}
}

// feed folds one PDV into the reassembler. It returns the completed Message
// once both the command and (if expected) its dataset have arrived.
func (r *reassembler) feed(pdv pdu.PresentationDataValue) (*Message, error) {
	if pdv.ContextID != r.contextID {
		return nil, dcmerr.NewPeerProtocolError(
			"PDV presentation context id %d does not match expected %d", pdv.ContextID, r.contextID)
	}

	if pdv.IsCommand {
		r.commandBuf = append(r.commandBuf, pdv.Value...)
		if !pdv.IsLast {
			return nil, nil
		}
		r.command = dimsemsg.Decode(r.commandBuf)
		r.commandDone = true
		r.datasetWanted = r.command.CommandDataSetType != dimsemsg.NoDataSet
		if !r.datasetWanted {
			return r.complete(), nil
		}
		return nil, nil
	}

	if !r.commandDone {
		return nil, dcmerr.NewPeerProtocolError("dataset PDV received before command on context %d", r.contextID)
	}
	r.datasetBuf = append(r.datasetBuf, pdv.Value...)
	if !pdv.IsLast {
		return nil, nil
	}
	return r.complete(), nil
}

func (r *reassembler) complete() *Message {
	msg := &Message{ContextID: r.contextID, Command: r.command, Dataset: r.datasetBuf}
	r.commandBuf = nil
	r.commandDone = false
	r.datasetBuf = nil
	r.datasetWanted = false
	return msg
}

// Reassembler multiplexes PDV reassembly across every presentation context
// active on an association; DIMSE messages may interleave across contexts on
// the same P-DATA-TF stream (PS3.7 9.3.1), though in practice association
// peers rarely pipeline more than one in flight per context.
type Reassembler struct {
	byContext map[byte]*reassembler
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{byContext: make(map[byte]*reassembler)}
}

// Feed folds every PDV in pdvs through its context's reassembler, returning
// every Message completed as a result (usually zero or one, but a PDU can
// carry a tail fragment and the next message's head in the same payload).
func (r *Reassembler) Feed(pdvs []pdu.PresentationDataValue) ([]*Message, error) {
	var out []*Message
	for _, pdv := range pdvs {
		ra, ok := r.byContext[pdv.ContextID]
		if !ok {
			ra = newReassembler(pdv.ContextID)
			r.byContext[pdv.ContextID] = ra
		}
		msg, err := ra.feed(pdv)
		if err != nil {
			return out, err
		}
		if msg != nil {
			out = append(out, msg)
		}
	}
	return out, nil
}
