package dimse

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dimsenet/dimsenet/dcmerr"
	"github.com/dimsenet/dimsenet/dimsemsg"
	"github.com/dimsenet/dimsenet/pdu"
)

// Sentinel errors Recv returns when the association ends for a reason other
// than data arriving. Callers that drive the release handshake distinguish
// the peer asking to release from the handshake having completed.
var (
	ErrReleaseRequested = errors.New("dimsenet: peer requested association release")
	ErrReleased         = errors.New("dimsenet: association released")
)

// Exchanger sits between an association's pdu.Machine and the service
// dispatcher: it fragments outgoing messages to the peer's negotiated Max
// PDU Length, reassembles incoming ones, and intercepts C-CANCEL-RQ so a
// long-running C-FIND/C-GET/C-MOVE handler can poll for cancellation
// instead of receiving it as an ordinary message.
type Exchanger struct {
	machine      *pdu.Machine
	maxPDULength uint32
	timeout      time.Duration

	reassembler *Reassembler
	messages    chan *Message
	done        chan struct{}

	mu        sync.Mutex
	terminal  error
	cancelled map[uint16]bool
}

// NewExchanger wraps an established association's state machine. maxPDULength
// is the value negotiated for this association (the peer's advertised Max
// PDU Length sub-item, or pdu.DefaultMaxPDULength if it offered none).
// timeout is the per-message DIMSE timeout applied by Recv; zero disables it.
func NewExchanger(m *pdu.Machine, maxPDULength uint32, timeout time.Duration) *Exchanger {
	e := &Exchanger{
		machine:      m,
		maxPDULength: maxPDULength,
		timeout:      timeout,
		reassembler:  NewReassembler(),
		messages:     make(chan *Message, 4),
		done:         make(chan struct{}),
		cancelled:    make(map[uint16]bool),
	}
	go e.pump()
	return e
}

// pump drains the machine's Indications channel, reassembling P-DATA-TF
// payloads into complete Messages and filtering out C-CANCEL-RQ so it never
// reaches the dispatcher as an ordinary request. On any terminal indication
// it latches the error and wakes every Recv waiter at once.
func (e *Exchanger) pump() {
	for ind := range e.machine.Indications {
		switch ind.Kind {
		case pdu.IndicationDataReceived:
			msgs, err := e.reassembler.Feed(ind.PDVs)
			if err != nil {
				e.finish(err)
				return
			}
			for _, msg := range msgs {
				if msg.Command.CommandField == dimsemsg.CCancelRQ {
					e.mu.Lock()
					e.cancelled[msg.Command.MessageIDBeingRespondedTo] = true
					e.mu.Unlock()
					continue
				}
				e.messages <- msg
			}
		case pdu.IndicationAborted, pdu.IndicationClosed:
			if ind.AbortErr != nil {
				e.finish(ind.AbortErr)
			} else {
				e.finish(dcmerr.ErrAssociationClosed)
			}
			return
		case pdu.IndicationReleaseRequested:
			e.finish(ErrReleaseRequested)
			return
		case pdu.IndicationReleased:
			e.finish(ErrReleased)
			return
		}
	}
	e.finish(dcmerr.ErrAssociationClosed)
}

// finish latches the terminal error; every current and future Recv caller
// observes it.
func (e *Exchanger) finish(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminal != nil {
		return
	}
	e.terminal = err
	close(e.done)
}

// Terminal returns the error the association ended with, nil while it is
// still exchanging messages.
func (e *Exchanger) Terminal() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminal
}

// Send fragments and writes msg to the peer.
func (e *Exchanger) Send(msg Message) error {
	return Send(e.machine, msg, e.maxPDULength)
}

// Recv blocks for the next complete DIMSE message (other than a C-CANCEL-RQ,
// which Cancelled reports instead), honoring ctx cancellation and the
// Exchanger's configured per-message timeout.
func (e *Exchanger) Recv(ctx context.Context) (*Message, error) {
	var timeoutCh <-chan time.Time
	if e.timeout > 0 {
		t := time.NewTimer(e.timeout)
		defer t.Stop()
		timeoutCh = t.C
	}
	// Deliver messages already reassembled before reporting termination.
	select {
	case msg := <-e.messages:
		return msg, nil
	default:
	}
	select {
	case msg := <-e.messages:
		return msg, nil
	case <-e.done:
		return nil, e.Terminal()
	case <-timeoutCh:
		return nil, dcmerr.NewTimeout(dcmerr.WhichDIMSE)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancelled reports whether a C-CANCEL-RQ has arrived for the given
// messageID (the MessageID of the original C-FIND/C-GET/C-MOVE request).
// Callers in a streaming responder loop poll this between pending responses.
func (e *Exchanger) Cancelled(messageID uint16) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled[messageID]
}

// ClearCancelled forgets a recorded cancellation, once the operation it
// applied to has terminated and the messageID could plausibly be reused.
func (e *Exchanger) ClearCancelled(messageID uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancelled, messageID)
}
