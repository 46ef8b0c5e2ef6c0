package assoc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/dimsenet/dimsenet/dcmerr"
	"github.com/dimsenet/dimsenet/dicom"
	"github.com/dimsenet/dimsenet/dimse"
	"github.com/dimsenet/dimsenet/dimsemsg"
	"github.com/dimsenet/dimsenet/pdu"
	"github.com/dimsenet/dimsenet/service"
	"github.com/dimsenet/dimsenet/sopclass"
)

// failedSOPInstanceUIDListTag is (0008,0058), the element carrying the
// accumulated failure list on warning/failure retrieve responses.
var failedSOPInstanceUIDListTag = dicom.Tag{Group: 0x0008, Element: 0x0058}

// Serve runs the acceptor-side reactor: it reads DIMSE requests off the
// association, dispatches them through the configured service.Dispatcher,
// and writes the responses. It returns nil after a clean release or a
// local abort, and the terminal error otherwise.
func (a *Association) Serve(ctx context.Context) error {
	d := a.cfg.Dispatcher
	if d == nil {
		return errors.New("dimsenet: association has no dispatcher to serve with")
	}
	for {
		a.checkpoint.sync()
		msg, err := a.ex.Recv(ctx)
		if err != nil {
			return a.finishServe(err)
		}
		a.noteRecv(msg.Command.CommandField, msg.Command.MessageID)

		c, ok := a.contexts.Get(msg.ContextID)
		if !ok {
			a.logger.Error().Uint8("context_id", msg.ContextID).Msg("pdv on unnegotiated presentation context, aborting")
			_ = a.machine.Abort(0)
			a.terminate(true, false)
			a.hooks.Aborted.Publish(a)
			return dcmerr.NewPeerProtocolError("PDV on unknown presentation context %d", msg.ContextID)
		}
		a.dispatch(ctx, d, msg, c)
	}
}

// finishServe translates the terminal Recv error into the association's
// terminal state and Serve's return value.
func (a *Association) finishServe(err error) error {
	switch {
	case errors.Is(err, dimse.ErrReleaseRequested):
		if ackErr := a.machine.AcknowledgeRelease(); ackErr != nil {
			a.terminate(true, false)
			return ackErr
		}
		a.terminate(false, true)
		a.hooks.Released.Publish(a)
		return nil
	case errors.Is(err, dimse.ErrReleased):
		a.terminate(false, true)
		a.hooks.Released.Publish(a)
		return nil
	case a.locallyAborted():
		return nil
	default:
		a.failExchange(err)
		a.hooks.Aborted.Publish(a)
		return err
	}
}

func (a *Association) dispatch(ctx context.Context, d *service.Dispatcher, msg *dimse.Message, c pdu.AcceptedContext) {
	switch msg.Command.CommandField {
	case dimsemsg.CEchoRQ:
		a.serveEcho(ctx, d, msg, c)
	case dimsemsg.CStoreRQ:
		a.serveStore(ctx, d, msg, c)
	case dimsemsg.CFindRQ:
		a.serveFind(ctx, d, msg, c)
	case dimsemsg.CMoveRQ:
		a.serveMove(ctx, d, msg, c)
	case dimsemsg.CGetRQ:
		a.serveGet(ctx, d, msg, c)
	case dimsemsg.NEventReportRQ, dimsemsg.NGetRQ, dimsemsg.NSetRQ, dimsemsg.NActionRQ, dimsemsg.NCreateRQ, dimsemsg.NDeleteRQ:
		a.serveN(ctx, d, msg, c)
	default:
		a.logger.Error().Uint16("command_field", msg.Command.CommandField).Msg("unsupported command field, aborting")
		_ = a.machine.Abort(0)
		a.terminate(true, false)
	}
}

func (a *Association) serveEcho(ctx context.Context, d *service.Dispatcher, msg *dimse.Message, c pdu.AcceptedContext) {
	status := d.HandleVerification(ctx, service.VerificationRequest{
		MessageID:           msg.Command.MessageID,
		AffectedSOPClassUID: msg.Command.AffectedSOPClassUID,
	})
	rsp := dimsemsg.CEchoResponse{
		MessageIDBeingRespondedTo: msg.Command.MessageID,
		AffectedSOPClassUID:       msg.Command.AffectedSOPClassUID,
		Status:                    status,
	}
	if err := a.send(c.ID, rsp.ToCommandSet(), nil); err != nil {
		a.logger.Warn().Err(err).Msg("failed to send echo response")
	}
}

func (a *Association) serveStore(ctx context.Context, d *service.Dispatcher, msg *dimse.Message, c pdu.AcceptedContext) {
	status := d.HandleStorage(ctx, service.StorageRequest{
		MessageID:               msg.Command.MessageID,
		AffectedSOPClassUID:     msg.Command.AffectedSOPClassUID,
		AffectedSOPInstanceUID:  msg.Command.AffectedSOPInstanceUID,
		Priority:                msg.Command.Priority,
		MoveOriginatorAE:        msg.Command.MoveOriginatorAE,
		MoveOriginatorMessageID: msg.Command.MoveOriginatorMessageID,
		Dataset:                 msg.Dataset,
	})
	rsp := dimsemsg.CStoreResponse{
		MessageIDBeingRespondedTo: msg.Command.MessageID,
		AffectedSOPClassUID:       msg.Command.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    msg.Command.AffectedSOPInstanceUID,
		Status:                    status,
	}
	if err := a.send(c.ID, rsp.ToCommandSet(), nil); err != nil {
		a.logger.Warn().Err(err).Msg("failed to send store response")
	}
}

func (a *Association) serveFind(ctx context.Context, d *service.Dispatcher, msg *dimse.Message, c pdu.AcceptedContext) {
	messageID := msg.Command.MessageID
	sop := msg.Command.AffectedSOPClassUID
	emit := func(rsp dimsemsg.CFindResponse, identifier []byte) error {
		err := a.send(c.ID, rsp.ToCommandSet(), identifier)
		if err == nil {
			a.noteSent(dimsemsg.CFindRSP, messageID)
		}
		return err
	}

	if len(msg.Dataset) == 0 {
		_ = emit(dimsemsg.CFindResponse{
			MessageIDBeingRespondedTo: messageID,
			AffectedSOPClassUID:       sop,
			Status:                    dimsemsg.StatusFindMalformedInboundIdent,
		}, nil)
		return
	}

	results, err := invokeProtected(func() (service.FindResults, error) {
		return d.Find.Invoke(ctx, sop, service.FindRequest{
			MessageID:           messageID,
			AffectedSOPClassUID: sop,
			Priority:            msg.Command.Priority,
			Identifier:          msg.Dataset,
		})
	})
	if err != nil {
		a.logger.Error().Err(err).Str("sop_class", sop).Msg("find handler failed")
		_ = emit(dimsemsg.CFindResponse{
			MessageIDBeingRespondedTo: messageID,
			AffectedSOPClassUID:       sop,
			Status:                    dcmerr.StatusFindHandlerFailure,
		}, nil)
		return
	}

	service.RunFind(service.FindEnv{
		MessageID:   messageID,
		SOPClassUID: sop,
		Results:     results,
		Cancelled:   func() bool { return a.ex.Cancelled(messageID) },
		Emit:        emit,
		Logger:      a.logger,
	})
	a.ex.ClearCancelled(messageID)
}

func (a *Association) serveMove(ctx context.Context, d *service.Dispatcher, msg *dimse.Message, c pdu.AcceptedContext) {
	messageID := msg.Command.MessageID
	sop := msg.Command.AffectedSOPClassUID
	emit := func(rsp service.MoveResponse) error {
		identifier, err := a.encodeFailedList(rsp.Command.HasIdentifier, rsp.FailedSOPInstanceUIDList, c.TransferSyntax)
		if err != nil {
			rsp.Command.HasIdentifier = false
			identifier = nil
		}
		sendErr := a.send(c.ID, rsp.Command.ToCommandSet(), identifier)
		if sendErr == nil {
			a.noteSent(dimsemsg.CMoveRSP, messageID)
		}
		return sendErr
	}
	fail := func(status uint16) {
		_ = emit(service.MoveResponse{Command: dimsemsg.CMoveResponse{
			MessageIDBeingRespondedTo: messageID,
			AffectedSOPClassUID:       sop,
			Status:                    status,
		}})
	}

	if len(msg.Dataset) == 0 {
		fail(dimsemsg.StatusIdentifierDecodeFailure)
		return
	}

	prog, err := invokeProtected(func() (service.MoveProgram, error) {
		return d.Move.Invoke(ctx, sop, service.FindRequest{
			MessageID:           messageID,
			AffectedSOPClassUID: sop,
			Priority:            msg.Command.Priority,
			Identifier:          msg.Dataset,
		})
	})
	if err != nil {
		a.logger.Error().Err(err).Str("sop_class", sop).Msg("move handler failed")
		fail(dcmerr.StatusMoveHandlerFailure)
		return
	}

	prog.Destination = a.resolveDestination(prog.Destination, msg.Command.MoveDestination)

	service.RunMove(service.MoveEnv{
		MessageID:   messageID,
		SOPClassUID: sop,
		Program:     prog,
		Connect:     a.moveConnect(ctx, msg.Command.Priority, messageID, c.TransferSyntax),
		Cancelled:   func() bool { return a.ex.Cancelled(messageID) },
		Emit:        emit,
		Logger:      a.logger,
	})
	a.ex.ClearCancelled(messageID)
}

// resolveDestination fills in the network address of a Move destination
// the handler named only by AE title, consulting the configured directory.
func (a *Association) resolveDestination(dest service.MoveDestination, commandDestination string) service.MoveDestination {
	if !dest.Known || dest.Address != "" {
		return dest
	}
	title := dest.AETitle
	if title == "" {
		title = commandDestination
	}
	if a.cfg.Directory == nil {
		dest.Known = false
		return dest
	}
	entry, ok := a.cfg.Directory.Lookup(title)
	if !ok {
		dest.Known = false
		return dest
	}
	dest.AETitle = entry.AETitle
	dest.Address = entry.Address
	dest.Port = entry.Port
	return dest
}

// moveConnect opens the secondary association toward a Move destination
// and returns the C-STORE issuer bound to it plus its release func.
func (a *Association) moveConnect(ctx context.Context, priority, originatorMsgID uint16, transferSyntax string) func(dest service.MoveDestination) (service.StoreSubOp, func(), error) {
	return func(dest service.MoveDestination) (service.StoreSubOp, func(), error) {
		sub, err := Dial(ctx, net.JoinHostPort(dest.Address, strconv.Itoa(dest.Port)), Config{
			CallingAETitle: a.LocalAETitle,
			CalledAETitle:  dest.AETitle,
			MaxPDULength:   a.cfg.MaxPDULength,
			ACSETimeout:    a.cfg.ACSETimeout,
			DIMSETimeout:   a.cfg.DIMSETimeout,
			NetworkTimeout: a.cfg.NetworkTimeout,
			Contexts:       StorageRequestorContexts(),
			Logger:         a.logger.With().Str("secondary", "move-store").Logger(),
		})
		if err != nil {
			return nil, nil, err
		}
		originator := a.RemoteAETitle
		store := func(messageID uint16, op service.SubOpResult) (uint16, error) {
			id := originatorMsgID
			return sub.SendCStore(ctx, StoreRequest{
				SOPClassUID:             op.AffectedSOPClassUID,
				SOPInstanceUID:          op.AffectedSOPInstanceUID,
				TransferSyntaxUID:       transferSyntax,
				Priority:                priority,
				Data:                    op.Dataset,
				MessageID:               messageID,
				MoveOriginatorAE:        originator,
				MoveOriginatorMessageID: &id,
			})
		}
		release := func() {
			if err := sub.Release(ctx); err != nil {
				a.logger.Debug().Err(err).Msg("secondary association release failed")
			}
		}
		return store, release, nil
	}
}

func (a *Association) serveGet(ctx context.Context, d *service.Dispatcher, msg *dimse.Message, c pdu.AcceptedContext) {
	messageID := msg.Command.MessageID
	sop := msg.Command.AffectedSOPClassUID
	emit := func(rsp service.GetResponse) error {
		identifier, err := a.encodeFailedList(rsp.Command.HasIdentifier, rsp.FailedSOPInstanceUIDList, c.TransferSyntax)
		if err != nil {
			rsp.Command.HasIdentifier = false
			identifier = nil
		}
		sendErr := a.send(c.ID, rsp.Command.ToCommandSet(), identifier)
		if sendErr == nil {
			a.noteSent(dimsemsg.CGetRSP, messageID)
		}
		return sendErr
	}
	fail := func(status uint16) {
		_ = emit(service.GetResponse{Command: dimsemsg.CGetResponse{
			MessageIDBeingRespondedTo: messageID,
			AffectedSOPClassUID:       sop,
			Status:                    status,
		}})
	}

	if len(msg.Dataset) == 0 {
		fail(dimsemsg.StatusGetIdentifierDecodeFailure)
		return
	}

	prog, err := invokeProtected(func() (service.GetProgram, error) {
		return d.Get.Invoke(ctx, sop, service.FindRequest{
			MessageID:           messageID,
			AffectedSOPClassUID: sop,
			Priority:            msg.Command.Priority,
			Identifier:          msg.Dataset,
		})
	})
	if err != nil {
		a.logger.Error().Err(err).Str("sop_class", sop).Msg("get handler failed")
		fail(dcmerr.StatusGetHandlerFailure)
		return
	}

	service.RunGet(service.GetEnv{
		MessageID:      messageID,
		SOPClassUID:    sop,
		Program:        prog,
		Store:          a.getStoreSubOp(ctx, msg.Command.Priority, c.TransferSyntax),
		StripBulkData:  sop == sopclass.CompositeInstanceRetrieveWithoutBulkDataGet,
		TransferSyntax: c.TransferSyntax,
		Cancelled:      func() bool { return a.ex.Cancelled(messageID) },
		Emit:           emit,
		Logger:         a.logger,
	})
	a.ex.ClearCancelled(messageID)
}

// getStoreSubOp issues one C-STORE sub-operation back over this
// association, which requires the peer to have negotiated the SCP role
// for the instance's Storage class.
func (a *Association) getStoreSubOp(ctx context.Context, priority uint16, transferSyntax string) service.StoreSubOp {
	return func(messageID uint16, op service.SubOpResult) (uint16, error) {
		c, err := a.contexts.Find(op.AffectedSOPClassUID, transferSyntax, false)
		if err != nil {
			return 0, err
		}
		cmd := dimsemsg.CStoreRequest{
			MessageID:              messageID,
			AffectedSOPClassUID:    op.AffectedSOPClassUID,
			AffectedSOPInstanceUID: op.AffectedSOPInstanceUID,
			Priority:               priority,
			HasDataSet:             true,
		}
		if err := cmd.Validate(); err != nil {
			return 0, err
		}
		if err := a.send(c.ID, cmd.ToCommandSet(), op.Dataset); err != nil {
			return 0, err
		}
		for {
			msg, err := a.ex.Recv(ctx)
			if err != nil {
				return 0, err
			}
			if msg.Command.CommandField == dimsemsg.CStoreRSP && msg.Command.MessageIDBeingRespondedTo == messageID {
				return msg.Command.Status, nil
			}
			a.logger.Debug().Uint16("command_field", msg.Command.CommandField).
				Msg("dropping message while awaiting sub-operation store response")
		}
	}
}

func (a *Association) serveN(ctx context.Context, d *service.Dispatcher, msg *dimse.Message, c pdu.AcceptedContext) {
	cmd := msg.Command
	sop := cmd.AffectedSOPClassUID
	instance := cmd.AffectedSOPInstanceUID
	if sop == "" {
		sop = cmd.RequestedSOPClassUID
	}
	if instance == "" {
		instance = cmd.RequestedSOPInstanceUID
	}
	req := service.NRequest{
		MessageID:               cmd.MessageID,
		SOPClassUID:             sop,
		SOPInstanceUID:          instance,
		AttributeIdentifierList: cmd.AttributeIdentifierList,
		Dataset:                 msg.Dataset,
	}
	if cmd.EventTypeID != nil {
		req.TypeID = *cmd.EventTypeID
	}
	if cmd.ActionTypeID != nil {
		req.TypeID = *cmd.ActionTypeID
	}

	var rspSet dimsemsg.CommandSet
	var dataset []byte
	switch cmd.CommandField {
	case dimsemsg.NEventReportRQ:
		res := d.HandleEventReport(ctx, req)
		dataset = res.Dataset
		rspSet = (&dimsemsg.NEventReportResponse{
			MessageIDBeingRespondedTo: cmd.MessageID,
			AffectedSOPClassUID:       sop,
			AffectedSOPInstanceUID:    instance,
			EventTypeID:               req.TypeID,
			Status:                    res.Status,
			HasDataSet:                len(res.Dataset) > 0,
		}).ToCommandSet()
	case dimsemsg.NGetRQ:
		res := d.HandleNGet(ctx, req)
		dataset = res.Dataset
		rspSet = (&dimsemsg.NGetResponse{
			MessageIDBeingRespondedTo: cmd.MessageID,
			AffectedSOPClassUID:       sop,
			AffectedSOPInstanceUID:    instance,
			Status:                    res.Status,
			HasDataSet:                len(res.Dataset) > 0,
		}).ToCommandSet()
	case dimsemsg.NSetRQ:
		res := d.HandleNSet(ctx, req)
		dataset = res.Dataset
		rspSet = (&dimsemsg.NSetResponse{
			MessageIDBeingRespondedTo: cmd.MessageID,
			AffectedSOPClassUID:       sop,
			AffectedSOPInstanceUID:    instance,
			Status:                    res.Status,
			HasDataSet:                len(res.Dataset) > 0,
		}).ToCommandSet()
	case dimsemsg.NActionRQ:
		res := d.HandleAction(ctx, req)
		dataset = res.Dataset
		rspSet = (&dimsemsg.NActionResponse{
			MessageIDBeingRespondedTo: cmd.MessageID,
			AffectedSOPClassUID:       sop,
			AffectedSOPInstanceUID:    instance,
			ActionTypeID:              req.TypeID,
			Status:                    res.Status,
			HasDataSet:                len(res.Dataset) > 0,
		}).ToCommandSet()
	case dimsemsg.NCreateRQ:
		res := d.HandleCreate(ctx, req)
		dataset = res.Dataset
		rspSet = (&dimsemsg.NCreateResponse{
			MessageIDBeingRespondedTo: cmd.MessageID,
			AffectedSOPClassUID:       sop,
			AffectedSOPInstanceUID:    instance,
			Status:                    res.Status,
			HasDataSet:                len(res.Dataset) > 0,
		}).ToCommandSet()
	case dimsemsg.NDeleteRQ:
		status := d.HandleDelete(ctx, req)
		rspSet = (&dimsemsg.NDeleteResponse{
			MessageIDBeingRespondedTo: cmd.MessageID,
			AffectedSOPClassUID:       sop,
			AffectedSOPInstanceUID:    instance,
			Status:                    status,
		}).ToCommandSet()
	}

	if err := a.send(c.ID, rspSet, dataset); err != nil {
		a.logger.Warn().Err(err).Uint16("command_field", cmd.CommandField).Msg("failed to send n-service response")
	}
}

// encodeFailedList builds the (0008,0058) FailedSOPInstanceUIDList
// identifier dataset attached to warning/failure retrieve responses.
func (a *Association) encodeFailedList(has bool, uids []string, transferSyntax string) ([]byte, error) {
	if !has {
		return nil, nil
	}
	ds := dicom.NewDataset()
	ds.AddElement(failedSOPInstanceUIDListTag, dicom.VR_UI, uids)
	return dicom.EncodeDatasetWithTransferSyntax(ds, transferSyntax)
}

// invokeProtected calls fn, converting a handler panic into an error at
// the dispatch boundary.
func invokeProtected[T any](fn func() (T, error)) (res T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dimsenet: service handler panicked: %v", r)
		}
	}()
	return fn()
}
