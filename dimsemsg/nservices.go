package dimsemsg

// The six normalized (N-*) services share a uniform request/response shape:
// request -> handler -> response, where the handler returns (status,
// dataset) for Create/Get/Set/Action/Event-Report and a bare status for
// Delete.

type NEventReportRequest struct {
	MessageID              uint16
	AffectedSOPClassUID     string
	AffectedSOPInstanceUID  string
	EventTypeID             uint16
}

func (r *NEventReportRequest) Validate() error {
	if err := validateUID("AffectedSOPClassUID", r.AffectedSOPClassUID); err != nil {
		return err
	}
	return validateUID("AffectedSOPInstanceUID", r.AffectedSOPInstanceUID)
}

func (r *NEventReportRequest) ToCommandSet() CommandSet {
	eventType := r.EventTypeID
	return CommandSet{
		CommandField:           NEventReportRQ,
		MessageID:              r.MessageID,
		AffectedSOPClassUID:    r.AffectedSOPClassUID,
		AffectedSOPInstanceUID: r.AffectedSOPInstanceUID,
		EventTypeID:            &eventType,
		CommandDataSetType:     0x0000,
	}
}

type NEventReportResponse struct {
	MessageIDBeingRespondedTo uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	EventTypeID               uint16
	Status                    uint16
	HasDataSet                bool
}

func (r *NEventReportResponse) ToCommandSet() CommandSet {
	dst := NoDataSet
	if r.HasDataSet {
		dst = 0x0000
	}
	eventType := r.EventTypeID
	return CommandSet{
		CommandField:              NEventReportRSP,
		MessageIDBeingRespondedTo: r.MessageIDBeingRespondedTo,
		AffectedSOPClassUID:       r.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    r.AffectedSOPInstanceUID,
		EventTypeID:               &eventType,
		CommandDataSetType:        uint16(dst),
		Status:                    r.Status,
	}
}

type NGetRequest struct {
	MessageID                uint16
	RequestedSOPClassUID      string
	RequestedSOPInstanceUID   string
	AttributeIdentifierList   [][2]uint16
}

func (r *NGetRequest) Validate() error {
	if err := validateUID("RequestedSOPClassUID", r.RequestedSOPClassUID); err != nil {
		return err
	}
	return validateUID("RequestedSOPInstanceUID", r.RequestedSOPInstanceUID)
}

func (r *NGetRequest) ToCommandSet() CommandSet {
	return CommandSet{
		CommandField:             NGetRQ,
		MessageID:                r.MessageID,
		RequestedSOPClassUID:     r.RequestedSOPClassUID,
		RequestedSOPInstanceUID:  r.RequestedSOPInstanceUID,
		AttributeIdentifierList:  r.AttributeIdentifierList,
		CommandDataSetType:       NoDataSet,
	}
}

type NGetResponse struct {
	MessageIDBeingRespondedTo uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	Status                    uint16
	HasDataSet                bool
}

func (r *NGetResponse) ToCommandSet() CommandSet {
	dst := NoDataSet
	if r.HasDataSet {
		dst = 0x0000
	}
	return CommandSet{
		CommandField:              NGetRSP,
		MessageIDBeingRespondedTo: r.MessageIDBeingRespondedTo,
		AffectedSOPClassUID:       r.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    r.AffectedSOPInstanceUID,
		CommandDataSetType:        uint16(dst),
		Status:                    r.Status,
	}
}

type NSetRequest struct {
	MessageID               uint16
	RequestedSOPClassUID    string
	RequestedSOPInstanceUID string
}

func (r *NSetRequest) Validate() error {
	if err := validateUID("RequestedSOPClassUID", r.RequestedSOPClassUID); err != nil {
		return err
	}
	return validateUID("RequestedSOPInstanceUID", r.RequestedSOPInstanceUID)
}

func (r *NSetRequest) ToCommandSet() CommandSet {
	return CommandSet{
		CommandField:            NSetRQ,
		MessageID:               r.MessageID,
		RequestedSOPClassUID:    r.RequestedSOPClassUID,
		RequestedSOPInstanceUID: r.RequestedSOPInstanceUID,
		CommandDataSetType:      0x0000,
	}
}

type NSetResponse struct {
	MessageIDBeingRespondedTo uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	Status                    uint16
	HasDataSet                bool
}

func (r *NSetResponse) ToCommandSet() CommandSet {
	dst := NoDataSet
	if r.HasDataSet {
		dst = 0x0000
	}
	return CommandSet{
		CommandField:              NSetRSP,
		MessageIDBeingRespondedTo: r.MessageIDBeingRespondedTo,
		AffectedSOPClassUID:       r.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    r.AffectedSOPInstanceUID,
		CommandDataSetType:        uint16(dst),
		Status:                    r.Status,
	}
}

type NActionRequest struct {
	MessageID                uint16
	RequestedSOPClassUID     string
	RequestedSOPInstanceUID  string
	ActionTypeID             uint16
}

func (r *NActionRequest) Validate() error {
	if err := validateUID("RequestedSOPClassUID", r.RequestedSOPClassUID); err != nil {
		return err
	}
	return validateUID("RequestedSOPInstanceUID", r.RequestedSOPInstanceUID)
}

func (r *NActionRequest) ToCommandSet() CommandSet {
	action := r.ActionTypeID
	return CommandSet{
		CommandField:            NActionRQ,
		MessageID:               r.MessageID,
		RequestedSOPClassUID:    r.RequestedSOPClassUID,
		RequestedSOPInstanceUID: r.RequestedSOPInstanceUID,
		ActionTypeID:            &action,
		CommandDataSetType:      0x0000,
	}
}

type NActionResponse struct {
	MessageIDBeingRespondedTo uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	ActionTypeID              uint16
	Status                    uint16
	HasDataSet                bool
}

func (r *NActionResponse) ToCommandSet() CommandSet {
	dst := NoDataSet
	if r.HasDataSet {
		dst = 0x0000
	}
	action := r.ActionTypeID
	return CommandSet{
		CommandField:              NActionRSP,
		MessageIDBeingRespondedTo: r.MessageIDBeingRespondedTo,
		AffectedSOPClassUID:       r.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    r.AffectedSOPInstanceUID,
		ActionTypeID:              &action,
		CommandDataSetType:        uint16(dst),
		Status:                    r.Status,
	}
}

type NCreateRequest struct {
	MessageID              uint16
	AffectedSOPClassUID    string
	AffectedSOPInstanceUID string
}

func (r *NCreateRequest) Validate() error {
	return validateUID("AffectedSOPClassUID", r.AffectedSOPClassUID)
}

func (r *NCreateRequest) ToCommandSet() CommandSet {
	return CommandSet{
		CommandField:           NCreateRQ,
		MessageID:              r.MessageID,
		AffectedSOPClassUID:    r.AffectedSOPClassUID,
		AffectedSOPInstanceUID: r.AffectedSOPInstanceUID,
		CommandDataSetType:     0x0000,
	}
}

type NCreateResponse struct {
	MessageIDBeingRespondedTo uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	Status                    uint16
	HasDataSet                bool
}

func (r *NCreateResponse) ToCommandSet() CommandSet {
	dst := NoDataSet
	if r.HasDataSet {
		dst = 0x0000
	}
	return CommandSet{
		CommandField:              NCreateRSP,
		MessageIDBeingRespondedTo: r.MessageIDBeingRespondedTo,
		AffectedSOPClassUID:       r.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    r.AffectedSOPInstanceUID,
		CommandDataSetType:        uint16(dst),
		Status:                    r.Status,
	}
}

type NDeleteRequest struct {
	MessageID               uint16
	RequestedSOPClassUID     string
	RequestedSOPInstanceUID  string
}

func (r *NDeleteRequest) Validate() error {
	if err := validateUID("RequestedSOPClassUID", r.RequestedSOPClassUID); err != nil {
		return err
	}
	return validateUID("RequestedSOPInstanceUID", r.RequestedSOPInstanceUID)
}

func (r *NDeleteRequest) ToCommandSet() CommandSet {
	return CommandSet{
		CommandField:            NDeleteRQ,
		MessageID:               r.MessageID,
		RequestedSOPClassUID:    r.RequestedSOPClassUID,
		RequestedSOPInstanceUID: r.RequestedSOPInstanceUID,
		CommandDataSetType:      NoDataSet,
	}
}

// NDeleteResponse carries a bare status, no dataset: Delete never returns one.
type NDeleteResponse struct {
	MessageIDBeingRespondedTo uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	Status                    uint16
}

func (r *NDeleteResponse) ToCommandSet() CommandSet {
	return CommandSet{
		CommandField:              NDeleteRSP,
		MessageIDBeingRespondedTo: r.MessageIDBeingRespondedTo,
		AffectedSOPClassUID:       r.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    r.AffectedSOPInstanceUID,
		CommandDataSetType:        NoDataSet,
		Status:                    r.Status,
	}
}
