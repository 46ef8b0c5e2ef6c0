package service

import (
	"iter"

	"github.com/rs/zerolog"

	"github.com/dimsenet/dimsenet/dcmerr"
	"github.com/dimsenet/dimsenet/dimsemsg"
)

// FindEnv is everything RunFind needs to turn a handler's result stream
// into the C-FIND response stream: the request being answered, the lazy
// sequence the handler produced, a cancellation probe, and the emit
// callback that puts one response on the wire.
type FindEnv struct {
	MessageID   uint16
	SOPClassUID string
	Results     iter.Seq[FindResult]
	Cancelled   func() bool
	Emit        func(rsp dimsemsg.CFindResponse, identifier []byte) error
	Logger      zerolog.Logger
}

// RunFind drives one C-FIND (or Modality Worklist) request to completion.
// Pending results are relayed with their identifiers; a Cancel, Failure or
// Success result terminates the stream; a handler that stops producing
// without a terminal status gets a final Success appended on its behalf.
// A panic mid-stream becomes the Find handler-failure status.
func RunFind(env FindEnv) {
	emit := func(status uint16, identifier []byte) bool {
		rsp := dimsemsg.CFindResponse{
			MessageIDBeingRespondedTo: env.MessageID,
			AffectedSOPClassUID:       env.SOPClassUID,
			Status:                    status,
			HasIdentifier:             len(identifier) > 0,
		}
		if err := env.Emit(rsp, identifier); err != nil {
			env.Logger.Warn().Err(err).Uint16("message_id", env.MessageID).Msg("failed to send find response")
			return false
		}
		return true
	}

	terminal := false
	err := runProtected(func() {
		for res := range env.Results {
			if env.Cancelled() {
				emit(dimsemsg.StatusCancel, nil)
				terminal = true
				return
			}
			switch Classify(res.Status) {
			case KindPending:
				if len(res.Identifier) == 0 {
					emit(dimsemsg.StatusFindMalformedOutboundIdent, nil)
					terminal = true
					return
				}
				if !emit(res.Status, res.Identifier) {
					terminal = true
					return
				}
			case KindCancel:
				emit(dimsemsg.StatusCancel, nil)
				terminal = true
				return
			default:
				emit(res.Status, nil)
				terminal = true
				return
			}
		}
	})
	if err != nil {
		env.Logger.Error().Err(err).Uint16("message_id", env.MessageID).Msg("find handler panicked mid-stream")
		emit(dcmerr.StatusFindHandlerFailure, nil)
		return
	}
	if !terminal {
		emit(dimsemsg.StatusSuccess, nil)
	}
}

// runProtected runs fn, converting a panic into an error so handler
// failures translate into statuses instead of tearing down the reactor.
func runProtected(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoverAsError(r)
		}
	}()
	fn()
	return nil
}
