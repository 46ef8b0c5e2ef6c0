package assoc

import (
	"time"

	"github.com/dimsenet/dimsenet/event"
	"github.com/dimsenet/dimsenet/pdu"
)

// DIMSEEvent is published for every DIMSE message sent or received on an
// association.
type DIMSEEvent struct {
	Assoc        *Association
	CommandField uint16
	MessageID    uint16
	Timestamp    time.Time
}

// Hooks bundles the lifecycle notification registries an association
// publishes to: handshake milestones, termination, and per-message DIMSE
// traffic. All are fan-out notifiers; registering handlers is optional.
type Hooks struct {
	Requested   *event.Notifier[*pdu.AssociateRQ]
	Accepted    *event.Notifier[*pdu.AssociateAC]
	Rejected    *event.Notifier[*pdu.AssociateRJ]
	Established *event.Notifier[*Association]
	Released    *event.Notifier[*Association]
	Aborted     *event.Notifier[*Association]
	DIMSESent   *event.Notifier[DIMSEEvent]
	DIMSERecv   *event.Notifier[DIMSEEvent]
}

// NewHooks returns a Hooks with every notifier initialized and no
// subscribers.
func NewHooks() *Hooks {
	return &Hooks{
		Requested:   event.NewNotifier[*pdu.AssociateRQ](),
		Accepted:    event.NewNotifier[*pdu.AssociateAC](),
		Rejected:    event.NewNotifier[*pdu.AssociateRJ](),
		Established: event.NewNotifier[*Association](),
		Released:    event.NewNotifier[*Association](),
		Aborted:     event.NewNotifier[*Association](),
		DIMSESent:   event.NewNotifier[DIMSEEvent](),
		DIMSERecv:   event.NewNotifier[DIMSEEvent](),
	}
}

func (a *Association) noteSent(commandField, messageID uint16) {
	a.hooks.DIMSESent.Publish(DIMSEEvent{Assoc: a, CommandField: commandField, MessageID: messageID, Timestamp: time.Now()})
}

func (a *Association) noteRecv(commandField, messageID uint16) {
	a.hooks.DIMSERecv.Publish(DIMSEEvent{Assoc: a, CommandField: commandField, MessageID: messageID, Timestamp: time.Now()})
}
