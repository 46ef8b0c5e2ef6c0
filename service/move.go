package service

import (
	"github.com/rs/zerolog"

	"github.com/dimsenet/dimsenet/dcmerr"
	"github.com/dimsenet/dimsenet/dimsemsg"
)

// MoveEnv is everything RunMove needs: the request being answered, the
// handler's program (destination, declared sub-operation count, sub-op
// stream), a Connect callback that opens the secondary association toward
// the destination and returns the C-STORE issuer plus its release func,
// a cancellation probe, and the emit callback.
type MoveEnv struct {
	MessageID   uint16
	SOPClassUID string

	Program   MoveProgram
	Connect   func(dest MoveDestination) (StoreSubOp, func(), error)
	Cancelled func() bool
	Emit      func(rsp MoveResponse) error
	Logger    zerolog.Logger
}

// subOpCounters tracks the C-STORE fan-out bookkeeping shared by the Move
// and Get engines.
type subOpCounters struct {
	remaining int
	completed int
	failed    int
	warning   int
	failedUIDs []string
}

func (c *subOpCounters) pointers() (rem, com, fail, warn *uint16) {
	return uint16Ptr(uint16(c.remaining)), uint16Ptr(uint16(c.completed)),
		uint16Ptr(uint16(c.failed)), uint16Ptr(uint16(c.warning))
}

// RunMove drives one C-MOVE request: it opens the secondary association,
// issues one C-STORE sub-operation per pending handler yield with the
// wrapped Message ID sequence, relays running counters as Pending
// responses, and closes out with the terminal status the sub-operation
// results dictate. The secondary association is released on every exit
// path.
func RunMove(env MoveEnv) {
	emit := func(status uint16, c *subOpCounters, pending, withList bool) bool {
		rsp := MoveResponse{Command: dimsemsg.CMoveResponse{
			MessageIDBeingRespondedTo: env.MessageID,
			AffectedSOPClassUID:       env.SOPClassUID,
			Status:                    status,
		}}
		if c != nil {
			rem, com, fail, warn := c.pointers()
			if pending {
				rsp.Command.NumberOfRemainingSuboperations = rem
			}
			rsp.Command.NumberOfCompletedSuboperations = com
			rsp.Command.NumberOfFailedSuboperations = fail
			rsp.Command.NumberOfWarningSuboperations = warn
		}
		if withList {
			rsp.Command.HasIdentifier = true
			rsp.FailedSOPInstanceUIDList = c.failedUIDs
		}
		if err := env.Emit(rsp); err != nil {
			env.Logger.Warn().Err(err).Uint16("message_id", env.MessageID).Msg("failed to send move response")
			return false
		}
		return true
	}

	dest := env.Program.Destination
	if !dest.Known {
		env.Logger.Warn().Uint16("message_id", env.MessageID).Msg("move destination unknown")
		emit(dimsemsg.StatusMoveDestinationUnknown, &subOpCounters{}, false, false)
		return
	}

	store, release, err := env.Connect(dest)
	if err != nil {
		env.Logger.Error().Err(err).Str("address", dest.Address).Int("port", dest.Port).
			Msg("unable to associate with move destination")
		emit(dimsemsg.StatusMoveDestinationUnknown, &subOpCounters{}, false, false)
		return
	}
	defer release()

	if env.Program.Total < 0 {
		emit(dimsemsg.StatusInvalidNumberOfSubOps, &subOpCounters{}, false, false)
		return
	}

	c := &subOpCounters{remaining: env.Program.Total}
	subOpIndex := 0
	terminal := false

	panicErr := runProtected(func() {
		for op := range env.Program.SubOps {
			if env.Cancelled() {
				emit(dimsemsg.StatusCancel, c, false, true)
				terminal = true
				return
			}
			if c.remaining == 0 && Classify(op.Status) == KindPending {
				env.Logger.Warn().Uint16("message_id", env.MessageID).
					Msg("handler yielded more sub-operations than declared, discarding")
				continue
			}
			switch Classify(op.Status) {
			case KindCancel:
				emit(dimsemsg.StatusCancel, c, false, true)
				terminal = true
				return
			case KindFailure, KindWarning:
				c.failed += c.remaining
				c.remaining = 0
				emit(op.Status, c, false, true)
				terminal = true
				return
			case KindSuccess:
				status := uint16(dimsemsg.StatusSuccess)
				withList := false
				if c.failed > 0 || c.warning > 0 {
					status = dimsemsg.StatusWarning
					withList = true
				}
				emit(status, c, false, withList)
				terminal = true
				return
			case KindPending:
				subOpIndex++
				c.apply(runStoreSubOp(store, wrapMessageID(env.MessageID, subOpIndex), op, env.Logger))
				if !emit(dimsemsg.StatusPending, c, true, false) {
					terminal = true
					return
				}
			}
		}
	})
	if panicErr != nil {
		env.Logger.Error().Err(panicErr).Uint16("message_id", env.MessageID).Msg("move handler panicked mid-stream")
		emit(dcmerr.StatusMoveHandlerFailure, c, false, true)
		return
	}
	if terminal {
		return
	}
	emitExhausted(c, emit)
}

// subOpOutcome is one classified C-STORE sub-operation result.
type subOpOutcome struct {
	kind Kind
	uid  string
}

// runStoreSubOp issues one C-STORE sub-operation and classifies the
// outcome. A missing dataset or a transport/handler error counts as a
// Failure; the instance UID is recorded for the FailedSOPInstanceUIDList
// on failures and warnings.
func runStoreSubOp(store StoreSubOp, messageID uint16, op SubOpResult, logger zerolog.Logger) subOpOutcome {
	if len(op.Dataset) == 0 {
		logger.Error().Uint16("sub_op_message_id", messageID).Msg("handler yielded pending without a dataset")
		return subOpOutcome{kind: KindFailure, uid: op.AffectedSOPInstanceUID}
	}
	status, err := store(messageID, op)
	if err != nil {
		logger.Warn().Err(err).Uint16("sub_op_message_id", messageID).
			Str("sop_instance", op.AffectedSOPInstanceUID).Msg("c-store sub-operation failed")
		return subOpOutcome{kind: KindFailure, uid: op.AffectedSOPInstanceUID}
	}
	switch Classify(status) {
	case KindSuccess:
		return subOpOutcome{kind: KindSuccess}
	case KindWarning:
		return subOpOutcome{kind: KindWarning, uid: op.AffectedSOPInstanceUID}
	default:
		return subOpOutcome{kind: KindFailure, uid: op.AffectedSOPInstanceUID}
	}
}

func (c *subOpCounters) apply(out subOpOutcome) {
	switch out.kind {
	case KindSuccess:
		c.completed++
	case KindWarning:
		c.warning++
		c.failedUIDs = append(c.failedUIDs, out.uid)
	default:
		c.failed++
		c.failedUIDs = append(c.failedUIDs, out.uid)
	}
	if c.remaining > 0 {
		c.remaining--
	}
}

// emitExhausted sends the final response after the handler stream ran dry
// without a terminal status: Success when everything stored cleanly,
// "unable to perform sub-operations" when any failed, Warning when only
// warnings accumulated.
func emitExhausted(c *subOpCounters, emit func(status uint16, c *subOpCounters, pending, withList bool) bool) {
	switch {
	case c.failed == 0 && c.warning == 0:
		emit(dimsemsg.StatusSuccess, c, false, false)
	case c.failed > 0:
		emit(dimsemsg.StatusSubOpsUnable, c, false, true)
	default:
		emit(dimsemsg.StatusWarning, c, false, true)
	}
}
