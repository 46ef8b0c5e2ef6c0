package service

import (
	"iter"

	"github.com/dimsenet/dimsenet/dimsemsg"
)

// VerificationRequest is the handler-facing view of a C-ECHO-RQ.
type VerificationRequest struct {
	MessageID           uint16
	AffectedSOPClassUID string
}

// StorageRequest is the handler-facing view of a C-STORE-RQ plus its
// attached dataset, which dimsemsg.CStoreRequest leaves to the caller.
type StorageRequest struct {
	MessageID               uint16
	AffectedSOPClassUID      string
	AffectedSOPInstanceUID   string
	Priority                 uint16
	MoveOriginatorAE         string
	MoveOriginatorMessageID  *uint16
	Dataset                  []byte
}

// FindRequest is the handler-facing view of a C-FIND-RQ/C-GET-RQ/C-MOVE-RQ
// identifier. Find, Move and Get handlers all consume the same shape; Move
// and Get additionally drive a sub-operation fan-out (see MoveProgram).
type FindRequest struct {
	MessageID           uint16
	AffectedSOPClassUID string
	Priority             uint16
	Identifier           []byte
}

// FindResult is one value a Find handler yields: a status plus the
// identifier to attach when the status is Pending.
type FindResult struct {
	Status     uint16
	Identifier []byte
}

// FindResults is the lazy stream a Find handler returns.
type FindResults = iter.Seq[FindResult]

// MoveDestination is the first value a Move handler yields: the
// (address, port) pair of the peer AE to open a secondary association
// toward, or Known == false to reject with StatusMoveDestinationUnknown.
type MoveDestination struct {
	AETitle string
	Address string
	Port    int
	Known   bool
}

// SubOpResult is one value a Move or Get handler yields after the header
// values (destination, count): a status plus, when the status is Pending,
// the instance to C-STORE.
type SubOpResult struct {
	Status                 uint16
	AffectedSOPClassUID     string
	AffectedSOPInstanceUID  string
	Dataset                 []byte
}

// MoveProgram is what a Move handler returns: the destination, the
// declared sub-operation count, and the lazy sequence of sub-op results.
// The destination and count come first, then the lazy sub-op stream;
// Total is declared up front since Go iterators carry no length.
type MoveProgram struct {
	Destination MoveDestination
	Total       int
	SubOps      iter.Seq[SubOpResult]
}

// GetProgram is the Get-engine analog of MoveProgram: no destination, since
// Get's sub-operations run over the same association.
type GetProgram struct {
	Total  int
	SubOps iter.Seq[SubOpResult]
}

// MoveResponse is what RunMove/RunGet emit at every step: a CMoveResponse
// (shared shape with CGetResponse) plus the failed-instance UID list the
// wire layer attaches as a FailedSOPInstanceUIDList dataset when non-empty.
type MoveResponse struct {
	Command                 dimsemsg.CMoveResponse
	FailedSOPInstanceUIDList []string
}

// GetResponse mirrors MoveResponse for the Get engine.
type GetResponse struct {
	Command                 dimsemsg.CGetResponse
	FailedSOPInstanceUIDList []string
}

// StoreSubOp performs one C-STORE sub-operation (over a secondary
// association for Move, the same association for Get) and classifies the
// result. A non-nil error counts as a failed sub-operation.
type StoreSubOp func(messageID uint16, op SubOpResult) (status uint16, err error)
