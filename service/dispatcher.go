package service

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/rs/zerolog"

	"github.com/dimsenet/dimsenet/dcmerr"
	"github.com/dimsenet/dimsenet/dimsemsg"
	"github.com/dimsenet/dimsenet/event"
)

// NRequest is the uniform request shape the six N-services share: a
// SOP Class/Instance pair plus whatever type-specific fields and dataset
// bytes the caller attaches (EventTypeID for N-EVENT-REPORT, ActionTypeID
// for N-ACTION, AttributeIdentifierList for N-GET).
type NRequest struct {
	MessageID               uint16
	SOPClassUID              string
	SOPInstanceUID           string
	TypeID                   uint16
	AttributeIdentifierList  [][2]uint16
	Dataset                  []byte
}

// NResult is what an N-service handler returns: a status plus, for every
// service but Delete, the response dataset.
type NResult struct {
	Status  uint16
	Dataset []byte
}

// Dispatcher holds one handler registry per service class, keyed by
// Affected/Requested SOP Class UID: exactly one handler per key,
// synchronous invocation, unknown key is NoSuchService.
type Dispatcher struct {
	Verification *event.Intervention[string, VerificationRequest, uint16]
	Storage      *event.Intervention[string, StorageRequest, uint16]
	Find         *event.Intervention[string, FindRequest, iter.Seq[FindResult]]
	Move         *event.Intervention[string, FindRequest, MoveProgram]
	Get          *event.Intervention[string, FindRequest, GetProgram]

	EventReport *event.Intervention[string, NRequest, NResult]
	NGet        *event.Intervention[string, NRequest, NResult]
	NSet        *event.Intervention[string, NRequest, NResult]
	Action      *event.Intervention[string, NRequest, NResult]
	Create      *event.Intervention[string, NRequest, NResult]
	Delete      *event.Intervention[string, NRequest, uint16]

	Logger zerolog.Logger
}

// NewDispatcher returns a Dispatcher with every registry initialized and no
// handlers registered; the service runs with no supported SOP classes until
// the caller registers some.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		Verification: event.NewIntervention[string, VerificationRequest, uint16](),
		Storage:      event.NewIntervention[string, StorageRequest, uint16](),
		Find:         event.NewIntervention[string, FindRequest, iter.Seq[FindResult]](),
		Move:         event.NewIntervention[string, FindRequest, MoveProgram](),
		Get:          event.NewIntervention[string, FindRequest, GetProgram](),
		EventReport:  event.NewIntervention[string, NRequest, NResult](),
		NGet:         event.NewIntervention[string, NRequest, NResult](),
		NSet:         event.NewIntervention[string, NRequest, NResult](),
		Action:       event.NewIntervention[string, NRequest, NResult](),
		Create:       event.NewIntervention[string, NRequest, NResult](),
		Delete:       event.NewIntervention[string, NRequest, uint16](),
		Logger:       zerolog.Nop(),
	}
}

// HandleVerification runs the Verification handler for req, if any. Per
// PS3.4 Annex A, C-ECHO always succeeds: a missing handler or a handler
// exception is logged and the response is forced to Success rather than
// propagated as a failure status.
func (d *Dispatcher) HandleVerification(ctx context.Context, req VerificationRequest) uint16 {
	status, err := d.Verification.Invoke(ctx, req.AffectedSOPClassUID, req)
	if err != nil {
		if !errors.Is(err, dcmerr.ErrNoSuchService) {
			d.Logger.Warn().Err(err).Str("sop_class", req.AffectedSOPClassUID).Msg("verification handler error, forcing success")
		}
		return dimsemsg.StatusSuccess
	}
	return status
}

// HandleStorage runs the Storage handler for req. A missing handler or a
// handler exception becomes dcmerr.StatusStoreHandlerFailure (0xC211).
func (d *Dispatcher) HandleStorage(ctx context.Context, req StorageRequest) uint16 {
	status, err := d.Storage.Invoke(ctx, req.AffectedSOPClassUID, req)
	if err != nil {
		d.Logger.Error().Err(err).Str("sop_class", req.AffectedSOPClassUID).
			Str("sop_instance", req.AffectedSOPInstanceUID).Msg("storage handler failed")
		return dcmerr.StatusStoreHandlerFailure
	}
	return status
}

// runN dispatches one of the six N-service handlers and maps a missing
// registration or a handler exception to dcmerr.StatusNServiceFailure
// (0x0110), the N-service processing-failure status.
func runN(ctx context.Context, logger zerolog.Logger, name string, iv *event.Intervention[string, NRequest, NResult], req NRequest) NResult {
	res, err := iv.Invoke(ctx, req.SOPClassUID, req)
	if err != nil {
		logger.Error().Err(err).Str("service", name).Str("sop_class", req.SOPClassUID).Msg("n-service handler failed")
		return NResult{Status: dcmerr.StatusNServiceFailure}
	}
	return res
}

func (d *Dispatcher) HandleEventReport(ctx context.Context, req NRequest) NResult {
	return runN(ctx, d.Logger, "n-event-report", d.EventReport, req)
}

func (d *Dispatcher) HandleNGet(ctx context.Context, req NRequest) NResult {
	return runN(ctx, d.Logger, "n-get", d.NGet, req)
}

func (d *Dispatcher) HandleNSet(ctx context.Context, req NRequest) NResult {
	return runN(ctx, d.Logger, "n-set", d.NSet, req)
}

func (d *Dispatcher) HandleAction(ctx context.Context, req NRequest) NResult {
	return runN(ctx, d.Logger, "n-action", d.Action, req)
}

func (d *Dispatcher) HandleCreate(ctx context.Context, req NRequest) NResult {
	return runN(ctx, d.Logger, "n-create", d.Create, req)
}

// HandleDelete dispatches N-DELETE, whose handler returns a bare status
// (never a dataset).
func (d *Dispatcher) HandleDelete(ctx context.Context, req NRequest) uint16 {
	status, err := d.Delete.Invoke(ctx, req.SOPClassUID, req)
	if err != nil {
		d.Logger.Error().Err(err).Str("sop_class", req.SOPClassUID).Msg("n-delete handler failed")
		return dcmerr.StatusNServiceFailure
	}
	return status
}

// wrapMessageID computes the k-th sub-operation Message ID from base:
// next_id = base + k; if next_id > 65535, subtract 65535 (not 65536) so
// IDs wrap through 1, never through 0.
func wrapMessageID(base uint16, k int) uint16 {
	next := int(base) + k
	if next > 65535 {
		next -= 65535
	}
	return uint16(next)
}

func uint16Ptr(v uint16) *uint16 { return &v }

var errHandlerPanic = errors.New("dimsenet: service handler panicked")

func recoverAsError(r any) error {
	return fmt.Errorf("%w: %v", errHandlerPanic, r)
}
