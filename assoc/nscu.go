package assoc

import (
	"context"

	"github.com/dimsenet/dimsenet/dimsemsg"
)

// The N-service SCU methods share one exchange shape: send the request
// command (with its dataset when the service carries one), then block for
// the matching response and hand back (status, dataset).

func (a *Association) exchangeN(ctx context.Context, sopClassUID string, cs dimsemsg.CommandSet, dataset []byte, rspField uint16) (uint16, []byte, error) {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	if err := a.requireEstablished(); err != nil {
		return 0, nil, err
	}
	c, err := a.contexts.Find(sopClassUID, "", false)
	if err != nil {
		return 0, nil, err
	}
	if len(dataset) == 0 {
		cs.CommandDataSetType = dimsemsg.NoDataSet
	}
	if err := a.send(c.ID, cs, dataset); err != nil {
		return 0, nil, err
	}
	rsp, err := a.recvResponse(ctx, rspField, cs.MessageID)
	if err != nil || rsp == nil {
		return 0, nil, err
	}
	return rsp.Command.Status, rsp.Dataset, nil
}

// SendNEventReport notifies the peer of an event on the named SOP
// instance, returning the peer's status and reply dataset.
func (a *Association) SendNEventReport(ctx context.Context, sopClassUID, sopInstanceUID string, eventTypeID uint16, dataset []byte) (uint16, []byte, error) {
	req := dimsemsg.NEventReportRequest{
		MessageID:              a.nextID(),
		AffectedSOPClassUID:    sopClassUID,
		AffectedSOPInstanceUID: sopInstanceUID,
		EventTypeID:            eventTypeID,
	}
	if err := req.Validate(); err != nil {
		return 0, nil, err
	}
	return a.exchangeN(ctx, sopClassUID, req.ToCommandSet(), dataset, dimsemsg.NEventReportRSP)
}

// SendNGet retrieves the named attributes of a SOP instance.
func (a *Association) SendNGet(ctx context.Context, sopClassUID, sopInstanceUID string, attributes [][2]uint16) (uint16, []byte, error) {
	req := dimsemsg.NGetRequest{
		MessageID:               a.nextID(),
		RequestedSOPClassUID:    sopClassUID,
		RequestedSOPInstanceUID: sopInstanceUID,
		AttributeIdentifierList: attributes,
	}
	if err := req.Validate(); err != nil {
		return 0, nil, err
	}
	return a.exchangeN(ctx, sopClassUID, req.ToCommandSet(), nil, dimsemsg.NGetRSP)
}

// SendNSet modifies a SOP instance with the given modification list.
func (a *Association) SendNSet(ctx context.Context, sopClassUID, sopInstanceUID string, dataset []byte) (uint16, []byte, error) {
	req := dimsemsg.NSetRequest{
		MessageID:               a.nextID(),
		RequestedSOPClassUID:    sopClassUID,
		RequestedSOPInstanceUID: sopInstanceUID,
	}
	if err := req.Validate(); err != nil {
		return 0, nil, err
	}
	return a.exchangeN(ctx, sopClassUID, req.ToCommandSet(), dataset, dimsemsg.NSetRSP)
}

// SendNAction invokes the given action type on a SOP instance.
func (a *Association) SendNAction(ctx context.Context, sopClassUID, sopInstanceUID string, actionTypeID uint16, dataset []byte) (uint16, []byte, error) {
	req := dimsemsg.NActionRequest{
		MessageID:               a.nextID(),
		RequestedSOPClassUID:    sopClassUID,
		RequestedSOPInstanceUID: sopInstanceUID,
		ActionTypeID:            actionTypeID,
	}
	if err := req.Validate(); err != nil {
		return 0, nil, err
	}
	return a.exchangeN(ctx, sopClassUID, req.ToCommandSet(), dataset, dimsemsg.NActionRSP)
}

// SendNCreate asks the peer to create a SOP instance; sopInstanceUID may
// be empty to let the peer assign one. The peer carries the assigned UID in
// its response command, which this method does not return: only the
// status and the response dataset come back.
func (a *Association) SendNCreate(ctx context.Context, sopClassUID, sopInstanceUID string, dataset []byte) (uint16, []byte, error) {
	req := dimsemsg.NCreateRequest{
		MessageID:              a.nextID(),
		AffectedSOPClassUID:    sopClassUID,
		AffectedSOPInstanceUID: sopInstanceUID,
	}
	if err := req.Validate(); err != nil {
		return 0, nil, err
	}
	return a.exchangeN(ctx, sopClassUID, req.ToCommandSet(), dataset, dimsemsg.NCreateRSP)
}

// SendNDelete deletes a SOP instance; the response is a bare status.
func (a *Association) SendNDelete(ctx context.Context, sopClassUID, sopInstanceUID string) (uint16, error) {
	req := dimsemsg.NDeleteRequest{
		MessageID:               a.nextID(),
		RequestedSOPClassUID:    sopClassUID,
		RequestedSOPInstanceUID: sopInstanceUID,
	}
	if err := req.Validate(); err != nil {
		return 0, err
	}
	status, _, err := a.exchangeN(ctx, sopClassUID, req.ToCommandSet(), nil, dimsemsg.NDeleteRSP)
	return status, err
}
