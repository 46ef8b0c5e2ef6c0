package assoc

import (
	"context"
	"errors"
	"iter"

	"github.com/dimsenet/dimsenet/dcmerr"
	"github.com/dimsenet/dimsenet/dicom"
	"github.com/dimsenet/dimsenet/dimse"
	"github.com/dimsenet/dimsenet/dimsemsg"
	"github.com/dimsenet/dimsenet/service"
	"github.com/dimsenet/dimsenet/sopclass"
)

// StoreRequest is the caller-facing C-STORE request: the instance
// identity, its encoding, and the payload. TransferSyntaxUID names the
// dataset's actual encoding and must match an accepted presentation
// context; when empty it is read from the Part 10 file meta if Data
// carries one, else Implicit VR Little Endian is assumed. A leading Part
// 10 header on Data is stripped before transmission.
type StoreRequest struct {
	SOPClassUID             string
	SOPInstanceUID          string
	TransferSyntaxUID       string
	Priority                uint16
	Data                    []byte
	MessageID               uint16
	MoveOriginatorAE        string
	MoveOriginatorMessageID *uint16
}

// Query is the shared request shape of C-FIND, C-GET, and (with a
// destination) C-MOVE: an information-model SOP class and an encoded
// identifier dataset. A zero MessageID is assigned automatically.
type Query struct {
	SOPClassUID string
	Priority    uint16
	MessageID   uint16
	Identifier  []byte
}

// MoveQuery adds the destination AE title the peer should store toward.
type MoveQuery struct {
	Query
	Destination string
}

// QueryResult is one C-FIND response: a status and, while pending, the
// encoded match identifier.
type QueryResult struct {
	Status     uint16
	Identifier []byte
}

// RetrieveResult is one C-MOVE or C-GET response with its sub-operation
// counters. Identifier carries the failed-instance list on warning and
// failure terminal responses.
type RetrieveResult struct {
	Status     uint16
	Remaining  uint16
	Completed  uint16
	Failed     uint16
	Warning    uint16
	Identifier []byte
}

// StoreHandler serves the C-STORE sub-operations a C-GET directs back
// over the requesting association.
type StoreHandler func(req service.StorageRequest) uint16

// send writes one DIMSE message and publishes the sent hook.
func (a *Association) send(contextID byte, cs dimsemsg.CommandSet, dataset []byte) error {
	if err := a.ex.Send(dimse.Message{ContextID: contextID, Command: cs, Dataset: dataset}); err != nil {
		return err
	}
	a.noteSent(cs.CommandField, cs.MessageID)
	return nil
}

// recvResponse blocks for the response matching (commandField, messageID).
// On a local abort it returns (nil, nil): pending calls complete with an
// empty result. Responses for other message IDs are dropped with a log
// line; protocol-terminal errors surface as-is.
func (a *Association) recvResponse(ctx context.Context, commandField, messageID uint16) (*dimse.Message, error) {
	for {
		msg, err := a.ex.Recv(ctx)
		if err != nil {
			if a.locallyAborted() {
				return nil, nil
			}
			a.failExchange(err)
			return nil, err
		}
		a.noteRecv(msg.Command.CommandField, msg.Command.MessageIDBeingRespondedTo)
		if msg.Command.CommandField == commandField && msg.Command.MessageIDBeingRespondedTo == messageID {
			return msg, nil
		}
		a.logger.Debug().
			Uint16("command_field", msg.Command.CommandField).
			Uint16("responded_to", msg.Command.MessageIDBeingRespondedTo).
			Msg("dropping response for a different exchange")
	}
}

// failExchange marks the association terminal after a receive error. A
// DIMSE timeout additionally aborts the peer, per the timeout contract.
func (a *Association) failExchange(err error) {
	var timeout *dcmerr.Timeout
	if errors.As(err, &timeout) {
		_ = a.machine.Abort(0)
	}
	a.terminate(true, false)
}

func (a *Association) requireEstablished() error {
	if !a.IsEstablished() {
		return dcmerr.ErrAssociationClosed
	}
	return nil
}

// SendCEcho performs one C-ECHO exchange and returns the peer's status.
func (a *Association) SendCEcho(ctx context.Context) (uint16, error) {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	if err := a.requireEstablished(); err != nil {
		return 0, err
	}
	c, err := a.contexts.Find(sopclass.VerificationSOPClass, "", false)
	if err != nil {
		return 0, err
	}
	req := dimsemsg.CEchoRequest{MessageID: a.nextID(), AffectedSOPClassUID: sopclass.VerificationSOPClass}
	if err := req.Validate(); err != nil {
		return 0, err
	}
	if err := a.send(c.ID, req.ToCommandSet(), nil); err != nil {
		return 0, err
	}
	rsp, err := a.recvResponse(ctx, dimsemsg.CEchoRSP, req.MessageID)
	if err != nil || rsp == nil {
		return 0, err
	}
	return rsp.Command.Status, nil
}

// SendCStore transmits one composite instance and returns the peer's
// status. No PDU is sent when the dataset's transfer syntax matches no
// accepted context.
func (a *Association) SendCStore(ctx context.Context, req StoreRequest) (uint16, error) {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	if err := a.requireEstablished(); err != nil {
		return 0, err
	}

	ts := req.TransferSyntaxUID
	data := req.Data
	if dicom.HasPart10Header(data) {
		if ts == "" {
			detected, err := dicom.Part10TransferSyntax(data)
			if err != nil {
				return 0, &dcmerr.DecodeFailure{Context: "part 10 header", Err: err}
			}
			ts = detected
		}
		stripped, err := dicom.StripPart10Header(data)
		if err != nil {
			return 0, &dcmerr.DecodeFailure{Context: "part 10 header", Err: err}
		}
		data = stripped
	}
	if ts == "" {
		ts = sopclass.ImplicitVRLittleEndian
	}
	c, err := a.contexts.Find(req.SOPClassUID, ts, false)
	if err != nil {
		return 0, err
	}

	messageID := req.MessageID
	if messageID == 0 {
		messageID = a.nextID()
	}
	cmd := dimsemsg.CStoreRequest{
		MessageID:               messageID,
		AffectedSOPClassUID:     req.SOPClassUID,
		AffectedSOPInstanceUID:  req.SOPInstanceUID,
		Priority:                req.Priority,
		MoveOriginatorAE:        req.MoveOriginatorAE,
		MoveOriginatorMessageID: req.MoveOriginatorMessageID,
		HasDataSet:              len(data) > 0,
	}
	if err := cmd.Validate(); err != nil {
		return 0, err
	}
	if err := a.send(c.ID, cmd.ToCommandSet(), data); err != nil {
		return 0, err
	}
	rsp, err := a.recvResponse(ctx, dimsemsg.CStoreRSP, messageID)
	if err != nil || rsp == nil {
		return 0, err
	}
	return rsp.Command.Status, nil
}

// SendCCancel asks the peer to cancel the in-flight operation identified
// by messageID. There is no response.
func (a *Association) SendCCancel(messageID uint16) error {
	if err := a.requireEstablished(); err != nil {
		return err
	}
	// C-CANCEL travels on any accepted context; it is sent on whichever
	// accepted context the map iteration yields first.
	for _, c := range a.contexts.ByID {
		cancel := dimsemsg.CCancelRequest{MessageIDBeingRespondedTo: messageID}
		return a.send(c.ID, cancel.ToCommandSet(), nil)
	}
	return dcmerr.ErrAssociationClosed
}

// SendCFind issues a C-FIND and returns the lazy response stream: zero or
// more Pending results carrying identifiers, then one terminal result.
// Abandoning the iterator early sends a C-CANCEL and drains the stream.
func (a *Association) SendCFind(ctx context.Context, q Query) iter.Seq2[QueryResult, error] {
	return func(yield func(QueryResult, error) bool) {
		a.opMu.Lock()
		defer a.opMu.Unlock()
		if err := a.requireEstablished(); err != nil {
			yield(QueryResult{}, err)
			return
		}
		c, err := a.contexts.Find(q.SOPClassUID, "", false)
		if err != nil {
			yield(QueryResult{}, err)
			return
		}
		messageID := q.MessageID
		if messageID == 0 {
			messageID = a.nextID()
		}
		cmd := dimsemsg.CFindRequest{MessageID: messageID, AffectedSOPClassUID: q.SOPClassUID, Priority: q.Priority}
		if err := cmd.Validate(); err != nil {
			yield(QueryResult{}, err)
			return
		}
		if err := a.send(c.ID, cmd.ToCommandSet(), q.Identifier); err != nil {
			yield(QueryResult{}, err)
			return
		}
		for {
			rsp, err := a.recvResponse(ctx, dimsemsg.CFindRSP, messageID)
			if err != nil {
				yield(QueryResult{}, err)
				return
			}
			if rsp == nil {
				yield(QueryResult{}, nil)
				return
			}
			res := QueryResult{Status: rsp.Command.Status, Identifier: rsp.Dataset}
			terminal := service.Classify(res.Status) != service.KindPending
			if !yield(res, nil) {
				if !terminal {
					a.cancelAndDrain(ctx, dimsemsg.CFindRSP, messageID)
				}
				return
			}
			if terminal {
				return
			}
		}
	}
}

// SendCMove issues a C-MOVE toward q.Destination and returns the lazy
// response stream of sub-operation progress reports.
func (a *Association) SendCMove(ctx context.Context, q MoveQuery) iter.Seq2[RetrieveResult, error] {
	return func(yield func(RetrieveResult, error) bool) {
		a.opMu.Lock()
		defer a.opMu.Unlock()
		if err := a.requireEstablished(); err != nil {
			yield(RetrieveResult{}, err)
			return
		}
		c, err := a.contexts.Find(q.SOPClassUID, "", false)
		if err != nil {
			yield(RetrieveResult{}, err)
			return
		}
		messageID := q.MessageID
		if messageID == 0 {
			messageID = a.nextID()
		}
		cmd := dimsemsg.CMoveRequest{
			MessageID:           messageID,
			AffectedSOPClassUID: q.SOPClassUID,
			Priority:            q.Priority,
			MoveDestination:     q.Destination,
		}
		if err := cmd.Validate(); err != nil {
			yield(RetrieveResult{}, err)
			return
		}
		if err := a.send(c.ID, cmd.ToCommandSet(), q.Identifier); err != nil {
			yield(RetrieveResult{}, err)
			return
		}
		a.streamRetrieve(ctx, dimsemsg.CMoveRSP, messageID, nil, yield)
	}
}

// SendCGet issues a C-GET and serves the peer's C-STORE sub-operations
// with onStore while streaming progress responses. The association must
// have negotiated SCP role selection for the expected Storage classes.
func (a *Association) SendCGet(ctx context.Context, q Query, onStore StoreHandler) iter.Seq2[RetrieveResult, error] {
	return func(yield func(RetrieveResult, error) bool) {
		a.opMu.Lock()
		defer a.opMu.Unlock()
		if err := a.requireEstablished(); err != nil {
			yield(RetrieveResult{}, err)
			return
		}
		c, err := a.contexts.Find(q.SOPClassUID, "", false)
		if err != nil {
			yield(RetrieveResult{}, err)
			return
		}
		messageID := q.MessageID
		if messageID == 0 {
			messageID = a.nextID()
		}
		cmd := dimsemsg.CGetRequest{MessageID: messageID, AffectedSOPClassUID: q.SOPClassUID, Priority: q.Priority}
		if err := cmd.Validate(); err != nil {
			yield(RetrieveResult{}, err)
			return
		}
		if err := a.send(c.ID, cmd.ToCommandSet(), q.Identifier); err != nil {
			yield(RetrieveResult{}, err)
			return
		}
		a.streamRetrieve(ctx, dimsemsg.CGetRSP, messageID, onStore, yield)
	}
}

// streamRetrieve consumes C-MOVE/C-GET responses for messageID until a
// terminal status, servicing interleaved C-STORE sub-operation requests
// when onStore is provided.
func (a *Association) streamRetrieve(ctx context.Context, rspField, messageID uint16, onStore StoreHandler, yield func(RetrieveResult, error) bool) {
	for {
		msg, err := a.ex.Recv(ctx)
		if err != nil {
			if a.locallyAborted() {
				yield(RetrieveResult{}, nil)
				return
			}
			a.failExchange(err)
			yield(RetrieveResult{}, err)
			return
		}
		a.noteRecv(msg.Command.CommandField, msg.Command.MessageID)

		if msg.Command.CommandField == dimsemsg.CStoreRQ && onStore != nil {
			a.serveSubOpStore(msg, onStore)
			continue
		}
		if msg.Command.CommandField != rspField || msg.Command.MessageIDBeingRespondedTo != messageID {
			a.logger.Debug().Uint16("command_field", msg.Command.CommandField).
				Msg("dropping message outside retrieve exchange")
			continue
		}

		res := RetrieveResult{Status: msg.Command.Status, Identifier: msg.Dataset}
		if v := msg.Command.NumberOfRemainingSuboperations; v != nil {
			res.Remaining = *v
		}
		if v := msg.Command.NumberOfCompletedSuboperations; v != nil {
			res.Completed = *v
		}
		if v := msg.Command.NumberOfFailedSuboperations; v != nil {
			res.Failed = *v
		}
		if v := msg.Command.NumberOfWarningSuboperations; v != nil {
			res.Warning = *v
		}
		terminal := service.Classify(res.Status) != service.KindPending
		if !yield(res, nil) {
			if !terminal {
				a.cancelAndDrainRetrieve(ctx, rspField, messageID, onStore)
			}
			return
		}
		if terminal {
			return
		}
	}
}

// serveSubOpStore answers one inbound C-STORE sub-operation during C-GET.
func (a *Association) serveSubOpStore(msg *dimse.Message, onStore StoreHandler) {
	req := service.StorageRequest{
		MessageID:               msg.Command.MessageID,
		AffectedSOPClassUID:     msg.Command.AffectedSOPClassUID,
		AffectedSOPInstanceUID:  msg.Command.AffectedSOPInstanceUID,
		Priority:                msg.Command.Priority,
		MoveOriginatorAE:        msg.Command.MoveOriginatorAE,
		MoveOriginatorMessageID: msg.Command.MoveOriginatorMessageID,
		Dataset:                 msg.Dataset,
	}
	status := onStore(req)
	rsp := dimsemsg.CStoreResponse{
		MessageIDBeingRespondedTo: msg.Command.MessageID,
		AffectedSOPClassUID:       msg.Command.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    msg.Command.AffectedSOPInstanceUID,
		Status:                    status,
	}
	if err := a.send(msg.ContextID, rsp.ToCommandSet(), nil); err != nil {
		a.logger.Warn().Err(err).Msg("failed to answer c-store sub-operation")
	}
}

// cancelAndDrain sends C-CANCEL for an abandoned C-FIND and discards
// responses until the terminal one.
func (a *Association) cancelAndDrain(ctx context.Context, rspField, messageID uint16) {
	if err := a.SendCCancel(messageID); err != nil {
		return
	}
	for {
		rsp, err := a.recvResponse(ctx, rspField, messageID)
		if err != nil || rsp == nil {
			return
		}
		if service.Classify(rsp.Command.Status) != service.KindPending {
			return
		}
	}
}

// cancelAndDrainRetrieve is cancelAndDrain for abandoned C-MOVE/C-GET
// streams, still answering sub-operation stores while draining.
func (a *Association) cancelAndDrainRetrieve(ctx context.Context, rspField, messageID uint16, onStore StoreHandler) {
	if err := a.SendCCancel(messageID); err != nil {
		return
	}
	for {
		msg, err := a.ex.Recv(ctx)
		if err != nil {
			return
		}
		if msg.Command.CommandField == dimsemsg.CStoreRQ && onStore != nil {
			a.serveSubOpStore(msg, onStore)
			continue
		}
		if msg.Command.CommandField == rspField && msg.Command.MessageIDBeingRespondedTo == messageID &&
			service.Classify(msg.Command.Status) != service.KindPending {
			return
		}
	}
}
