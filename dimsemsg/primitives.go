package dimsemsg

// CEchoRequest is the C-ECHO-RQ primitive; CEchoResponse below is its RSP.
type CEchoRequest struct {
	MessageID           uint16
	AffectedSOPClassUID string
}

func (r *CEchoRequest) Validate() error {
	if err := validateUID("AffectedSOPClassUID", r.AffectedSOPClassUID); err != nil {
		return err
	}
	return nil
}

func (r *CEchoRequest) ToCommandSet() CommandSet {
	return CommandSet{
		CommandField:        CEchoRQ,
		MessageID:            r.MessageID,
		AffectedSOPClassUID:  r.AffectedSOPClassUID,
		CommandDataSetType:   NoDataSet,
	}
}

type CEchoResponse struct {
	MessageIDBeingRespondedTo uint16
	AffectedSOPClassUID       string
	Status                    uint16
}

func (r *CEchoResponse) ToCommandSet() CommandSet {
	return CommandSet{
		CommandField:              CEchoRSP,
		MessageIDBeingRespondedTo: r.MessageIDBeingRespondedTo,
		AffectedSOPClassUID:       r.AffectedSOPClassUID,
		CommandDataSetType:        NoDataSet,
		Status:                    r.Status,
	}
}

// CStoreRequest carries a composite instance to store, plus the optional
// Move Originator fields a C-MOVE sub-operation fan-out sets.
type CStoreRequest struct {
	MessageID               uint16
	AffectedSOPClassUID      string
	AffectedSOPInstanceUID   string
	Priority                 uint16
	MoveOriginatorAE         string
	MoveOriginatorMessageID  *uint16
	HasDataSet               bool
}

func (r *CStoreRequest) Validate() error {
	if err := validateUID("AffectedSOPClassUID", r.AffectedSOPClassUID); err != nil {
		return err
	}
	if err := validateUID("AffectedSOPInstanceUID", r.AffectedSOPInstanceUID); err != nil {
		return err
	}
	return validatePriority(r.Priority)
}

func (r *CStoreRequest) ToCommandSet() CommandSet {
	dst := NoDataSet
	if r.HasDataSet {
		dst = 0x0000
	}
	return CommandSet{
		CommandField:            CStoreRQ,
		MessageID:               r.MessageID,
		AffectedSOPClassUID:     r.AffectedSOPClassUID,
		AffectedSOPInstanceUID:  r.AffectedSOPInstanceUID,
		Priority:                r.Priority,
		CommandDataSetType:      uint16(dst),
		MoveOriginatorAE:        r.MoveOriginatorAE,
		MoveOriginatorMessageID: r.MoveOriginatorMessageID,
	}
}

type CStoreResponse struct {
	MessageIDBeingRespondedTo uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	Status                    uint16
}

func (r *CStoreResponse) ToCommandSet() CommandSet {
	return CommandSet{
		CommandField:              CStoreRSP,
		MessageIDBeingRespondedTo: r.MessageIDBeingRespondedTo,
		AffectedSOPClassUID:       r.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    r.AffectedSOPInstanceUID,
		CommandDataSetType:        NoDataSet,
		Status:                    r.Status,
	}
}

// CFindRequest carries an Identifier dataset the caller attaches separately;
// the primitive only owns the command-set fields.
type CFindRequest struct {
	MessageID           uint16
	AffectedSOPClassUID string
	Priority             uint16
}

func (r *CFindRequest) Validate() error {
	if err := validateUID("AffectedSOPClassUID", r.AffectedSOPClassUID); err != nil {
		return err
	}
	return validatePriority(r.Priority)
}

func (r *CFindRequest) ToCommandSet() CommandSet {
	return CommandSet{
		CommandField:         CFindRQ,
		MessageID:            r.MessageID,
		AffectedSOPClassUID:  r.AffectedSOPClassUID,
		Priority:             r.Priority,
		CommandDataSetType:   0x0000,
	}
}

type CFindResponse struct {
	MessageIDBeingRespondedTo uint16
	AffectedSOPClassUID       string
	Status                    uint16
	HasIdentifier             bool
}

func (r *CFindResponse) ToCommandSet() CommandSet {
	dst := NoDataSet
	if r.HasIdentifier {
		dst = 0x0000
	}
	return CommandSet{
		CommandField:              CFindRSP,
		MessageIDBeingRespondedTo: r.MessageIDBeingRespondedTo,
		AffectedSOPClassUID:       r.AffectedSOPClassUID,
		CommandDataSetType:        uint16(dst),
		Status:                    r.Status,
	}
}

// CGetRequest: same shape as C-FIND but drives the same-association
// C-STORE sub-operation fan-out instead of a pure query.
type CGetRequest struct {
	MessageID           uint16
	AffectedSOPClassUID string
	Priority             uint16
}

func (r *CGetRequest) Validate() error {
	if err := validateUID("AffectedSOPClassUID", r.AffectedSOPClassUID); err != nil {
		return err
	}
	return validatePriority(r.Priority)
}

func (r *CGetRequest) ToCommandSet() CommandSet {
	return CommandSet{
		CommandField:        CGetRQ,
		MessageID:           r.MessageID,
		AffectedSOPClassUID: r.AffectedSOPClassUID,
		Priority:            r.Priority,
		CommandDataSetType:  0x0000,
	}
}

type CGetResponse struct {
	MessageIDBeingRespondedTo      uint16
	AffectedSOPClassUID            string
	Status                         uint16
	NumberOfRemainingSuboperations *uint16
	NumberOfCompletedSuboperations *uint16
	NumberOfFailedSuboperations    *uint16
	NumberOfWarningSuboperations   *uint16
	HasIdentifier                  bool
}

func (r *CGetResponse) ToCommandSet() CommandSet {
	dst := NoDataSet
	if r.HasIdentifier {
		dst = 0x0000
	}
	return CommandSet{
		CommandField:                   CGetRSP,
		MessageIDBeingRespondedTo:      r.MessageIDBeingRespondedTo,
		AffectedSOPClassUID:            r.AffectedSOPClassUID,
		CommandDataSetType:             uint16(dst),
		Status:                         r.Status,
		NumberOfRemainingSuboperations: r.NumberOfRemainingSuboperations,
		NumberOfCompletedSuboperations: r.NumberOfCompletedSuboperations,
		NumberOfFailedSuboperations:    r.NumberOfFailedSuboperations,
		NumberOfWarningSuboperations:   r.NumberOfWarningSuboperations,
	}
}

// CMoveRequest additionally names the destination AE the SCP will open a
// secondary association to and C-STORE instances toward.
type CMoveRequest struct {
	MessageID           uint16
	AffectedSOPClassUID string
	Priority             uint16
	MoveDestination      string
}

func (r *CMoveRequest) Validate() error {
	if err := validateUID("AffectedSOPClassUID", r.AffectedSOPClassUID); err != nil {
		return err
	}
	if err := validateAETitle("MoveDestination", r.MoveDestination); err != nil {
		return err
	}
	return validatePriority(r.Priority)
}

func (r *CMoveRequest) ToCommandSet() CommandSet {
	return CommandSet{
		CommandField:        CMoveRQ,
		MessageID:           r.MessageID,
		AffectedSOPClassUID: r.AffectedSOPClassUID,
		Priority:            r.Priority,
		MoveDestination:     r.MoveDestination,
		CommandDataSetType:  0x0000,
	}
}

type CMoveResponse struct {
	MessageIDBeingRespondedTo      uint16
	AffectedSOPClassUID            string
	Status                         uint16
	NumberOfRemainingSuboperations *uint16
	NumberOfCompletedSuboperations *uint16
	NumberOfFailedSuboperations    *uint16
	NumberOfWarningSuboperations   *uint16
	HasIdentifier                  bool
}

func (r *CMoveResponse) ToCommandSet() CommandSet {
	dst := NoDataSet
	if r.HasIdentifier {
		dst = 0x0000
	}
	return CommandSet{
		CommandField:                   CMoveRSP,
		MessageIDBeingRespondedTo:      r.MessageIDBeingRespondedTo,
		AffectedSOPClassUID:            r.AffectedSOPClassUID,
		CommandDataSetType:             uint16(dst),
		Status:                         r.Status,
		NumberOfRemainingSuboperations: r.NumberOfRemainingSuboperations,
		NumberOfCompletedSuboperations: r.NumberOfCompletedSuboperations,
		NumberOfFailedSuboperations:    r.NumberOfFailedSuboperations,
		NumberOfWarningSuboperations:   r.NumberOfWarningSuboperations,
	}
}

// CCancelRequest carries only the MessageIDBeingRespondedTo of the
// operation it targets; there is no response primitive, per PS3.7.
type CCancelRequest struct {
	MessageIDBeingRespondedTo uint16
}

func (r *CCancelRequest) ToCommandSet() CommandSet {
	return CommandSet{
		CommandField:              CCancelRQ,
		MessageIDBeingRespondedTo: r.MessageIDBeingRespondedTo,
		CommandDataSetType:        NoDataSet,
	}
}
