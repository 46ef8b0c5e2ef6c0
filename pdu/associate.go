package pdu

import (
	"encoding/binary"
	"strings"

	"github.com/dimsenet/dimsenet/dcmerr"
	"github.com/dimsenet/dimsenet/sopclass"
)

// Variable item types carried inside A-ASSOCIATE-RQ/AC (PS3.8 Table 9-11/9-18).
const (
	itemApplicationContext  = 0x10
	itemPresentationContext = 0x20 // RQ form
	itemPresentationResult  = 0x21 // AC form
	itemAbstractSyntax      = 0x30
	itemTransferSyntax      = 0x40
	itemUserInformation     = 0x50
	itemMaxPDULength        = 0x51
	itemImplementationUID   = 0x52
	itemAsyncOpsWindow      = 0x53
	itemRoleSelection       = 0x54
	itemImplementationVer   = 0x55
	itemSOPClassExtended    = 0x56
	itemSOPClassCommonExt   = 0x57
	itemUserIdentityRQ      = 0x58
	itemUserIdentityAC      = 0x59
)

// Presentation context result codes (PS3.8 Table 9-18).
const (
	ResultAcceptance           byte = 0x00
	ResultUserRejection        byte = 0x01
	ResultNoReasonGiven        byte = 0x02
	ResultAbstractSyntaxReject byte = 0x03
	ResultTransferSyntaxReject byte = 0x04
)

// ProposedContext is one presentation context as proposed by the requestor:
// one abstract syntax and one or more candidate transfer syntaxes. Role
// negotiation for the abstract syntax travels separately, as a Role
// Selection sub-item inside User Information (see RoleSelection).
type ProposedContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// RoleSelection is one SCP/SCU Role Selection sub-item (PS3.7 D.3.3.4):
// for the named SOP class, whether the association requestor proposes to
// act as SCU and/or as SCP. The acceptor answers with the roles it agrees
// to. A C-GET requestor sets SCPRole on its Storage SOP classes so the
// peer may direct C-STORE sub-operations back over the same association.
type RoleSelection struct {
	SOPClassUID string
	SCURole     bool
	SCPRole     bool
}

// NegotiatedContext is the acceptor's answer to one proposed context.
type NegotiatedContext struct {
	ID             byte
	Result         byte
	AbstractSyntax string // echoed back by the caller, not present on the wire
	TransferSyntax string
}

// UserInformation carries the User Information item sub-fields this
// implementation understands: Max PDU Length, Implementation Class/Version,
// the peer's offered Asynchronous Operations Window (when present), and any
// SCP/SCU Role Selection sub-items. Sub-items it does not understand (SOP
// Class Extended, Common Extended, User Identity) are skipped on input and
// never emitted on output.
type UserInformation struct {
	MaxPDULength            uint32
	ImplementationClassUID  string
	ImplementationVersion   string
	MaxOperationsInvoked    uint16
	MaxOperationsPerformed  uint16
	HasAsyncOpsWindow       bool
	RoleSelections          []RoleSelection
}

// AssociateRQ is a decoded/to-be-encoded A-ASSOCIATE-RQ PDU.
type AssociateRQ struct {
	CalledAETitle  string
	CallingAETitle string
	Contexts       []ProposedContext
	UserInfo       UserInformation
}

// AssociateAC mirrors AssociateRQ with the acceptor's answers.
type AssociateAC struct {
	CalledAETitle  string
	CallingAETitle string
	Contexts       []NegotiatedContext
	UserInfo       UserInformation
}

// AssociateRJ is sent instead of AssociateAC when the provider or user
// rejects the association outright (PS3.8 Table 9-21).
type AssociateRJ struct {
	Result dcmerr.RejectResult
	Source dcmerr.AssociationRejectSource
	Reason dcmerr.AssociationRejectReason
}

func padAE(ae string) []byte {
	b := make([]byte, 16)
	for i := range b {
		b[i] = ' '
	}
	copy(b, ae)
	return b
}

func trimAE(b []byte) string {
	return strings.TrimRight(string(b), "\x00 ")
}

func encodeUserInformation(u UserInformation) []byte {
	var data []byte

	maxPDU := make([]byte, 4)
	binary.BigEndian.PutUint32(maxPDU, u.MaxPDULength)
	data = appendItem(data, itemMaxPDULength, maxPDU)

	implClass := u.ImplementationClassUID
	if implClass == "" {
		implClass = sopclass.ApplicationContextUID // never empty on the wire
	}
	data = appendItem(data, itemImplementationUID, []byte(implClass))

	if u.ImplementationVersion != "" {
		data = appendItem(data, itemImplementationVer, []byte(u.ImplementationVersion))
	}

	if u.HasAsyncOpsWindow {
		async := make([]byte, 4)
		binary.BigEndian.PutUint16(async[0:2], u.MaxOperationsInvoked)
		binary.BigEndian.PutUint16(async[2:4], u.MaxOperationsPerformed)
		data = appendItem(data, itemAsyncOpsWindow, async)
	}

	for _, rs := range u.RoleSelections {
		body := make([]byte, 2, 2+len(rs.SOPClassUID)+2)
		binary.BigEndian.PutUint16(body[0:2], uint16(len(rs.SOPClassUID)))
		body = append(body, rs.SOPClassUID...)
		body = append(body, boolByte(rs.SCURole), boolByte(rs.SCPRole))
		data = appendItem(data, itemRoleSelection, body)
	}

	return appendItem(nil, itemUserInformation, data)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func decodeRoleSelection(value []byte) (RoleSelection, bool) {
	if len(value) < 2 {
		return RoleSelection{}, false
	}
	uidLen := int(binary.BigEndian.Uint16(value[0:2]))
	if 2+uidLen+2 > len(value) {
		return RoleSelection{}, false
	}
	return RoleSelection{
		SOPClassUID: trimAE(value[2 : 2+uidLen]),
		SCURole:     value[2+uidLen] == 1,
		SCPRole:     value[2+uidLen+1] == 1,
	}, true
}

func decodeUserInformation(data []byte) (UserInformation, error) {
	var u UserInformation
	seenRoles := make(map[string]bool)
	offset := 0
	for offset < len(data) {
		itemType, value, next, err := readItemHeader(data, offset)
		if err != nil {
			return u, err
		}
		switch itemType {
		case itemMaxPDULength:
			if len(value) == 4 {
				u.MaxPDULength = binary.BigEndian.Uint32(value)
			}
		case itemImplementationUID:
			u.ImplementationClassUID = trimAE(value)
		case itemImplementationVer:
			u.ImplementationVersion = trimAE(value)
		case itemAsyncOpsWindow:
			if len(value) == 4 {
				u.HasAsyncOpsWindow = true
				u.MaxOperationsInvoked = binary.BigEndian.Uint16(value[0:2])
				u.MaxOperationsPerformed = binary.BigEndian.Uint16(value[2:4])
			}
		case itemRoleSelection:
			// First item for a given SOP class wins; later duplicates are
			// dropped.
			if rs, ok := decodeRoleSelection(value); ok && !seenRoles[rs.SOPClassUID] {
				seenRoles[rs.SOPClassUID] = true
				u.RoleSelections = append(u.RoleSelections, rs)
			}
		case itemSOPClassExtended, itemSOPClassCommonExt, itemUserIdentityRQ, itemUserIdentityAC:
			// Recognized but not acted upon: extended negotiation and user
			// identity aren't required for the services this library
			// implements today.
		}
		offset = next
	}
	return u, nil
}

// EncodeAssociateRQ serializes rq as a complete PDU frame body.
func EncodeAssociateRQ(rq AssociateRQ) []byte {
	fixed := make([]byte, 68)
	binary.BigEndian.PutUint16(fixed[0:2], 0x0001)
	copy(fixed[4:20], padAE(rq.CalledAETitle))
	copy(fixed[20:36], padAE(rq.CallingAETitle))

	appCtx := appendItem(nil, itemApplicationContext, []byte(sopclass.ApplicationContextUID))

	var presItems []byte
	for _, ctx := range rq.Contexts {
		var sub []byte
		sub = appendItem(sub, itemAbstractSyntax, []byte(ctx.AbstractSyntax))
		for _, ts := range ctx.TransferSyntaxes {
			sub = appendItem(sub, itemTransferSyntax, []byte(ts))
		}
		body := append([]byte{ctx.ID, 0x00, 0x00, 0x00}, sub...)
		presItems = appendItem(presItems, itemPresentationContext, body)
	}

	userInfo := encodeUserInformation(rq.UserInfo)

	body := append(fixed, appCtx...)
	body = append(body, presItems...)
	body = append(body, userInfo...)
	return body
}

// DecodeAssociateRQ parses the body of an A-ASSOCIATE-RQ PDU frame.
func DecodeAssociateRQ(data []byte) (*AssociateRQ, error) {
	if len(data) < 68 {
		return nil, dcmerr.NewPeerProtocolError("A-ASSOCIATE-RQ too short: %d bytes", len(data))
	}
	rq := &AssociateRQ{
		CalledAETitle:  trimAE(data[4:20]),
		CallingAETitle: trimAE(data[20:36]),
	}

	offset := 68
	for offset < len(data) {
		itemType, value, next, err := readItemHeader(data, offset)
		if err != nil {
			return nil, err
		}
		switch itemType {
		case itemApplicationContext:
			// Not validated further: an unexpected application context UID
			// would only matter to an interoperability auditor, not to
			// wire-level parsing.
		case itemPresentationContext:
			ctx, err := decodeProposedContext(value)
			if err != nil {
				return nil, err
			}
			rq.Contexts = append(rq.Contexts, *ctx)
		case itemUserInformation:
			info, err := decodeUserInformation(value)
			if err != nil {
				return nil, err
			}
			rq.UserInfo = info
		}
		offset = next
	}
	return rq, nil
}

func decodeProposedContext(data []byte) (*ProposedContext, error) {
	if len(data) < 4 {
		return nil, dcmerr.NewPeerProtocolError("presentation context item too short")
	}
	ctx := &ProposedContext{ID: data[0]}
	offset := 4
	for offset < len(data) {
		itemType, value, next, err := readItemHeader(data, offset)
		if err != nil {
			return nil, err
		}
		switch itemType {
		case itemAbstractSyntax:
			ctx.AbstractSyntax = trimAE(value)
		case itemTransferSyntax:
			ctx.TransferSyntaxes = append(ctx.TransferSyntaxes, trimAE(value))
		}
		offset = next
	}
	if ctx.AbstractSyntax == "" {
		return nil, dcmerr.NewPeerProtocolError("presentation context %d missing abstract syntax", ctx.ID)
	}
	return ctx, nil
}

// EncodeAssociateAC serializes ac as a complete PDU frame body.
func EncodeAssociateAC(ac AssociateAC) []byte {
	fixed := make([]byte, 68)
	binary.BigEndian.PutUint16(fixed[0:2], 0x0001)
	copy(fixed[4:20], padAE(ac.CalledAETitle))
	copy(fixed[20:36], padAE(ac.CallingAETitle))

	appCtx := appendItem(nil, itemApplicationContext, []byte(sopclass.ApplicationContextUID))

	var presItems []byte
	for _, ctx := range ac.Contexts {
		var sub []byte
		if ctx.Result == ResultAcceptance {
			sub = appendItem(sub, itemTransferSyntax, []byte(ctx.TransferSyntax))
		}
		body := append([]byte{ctx.ID, ctx.Result, 0x00, 0x00}, sub...)
		presItems = appendItem(presItems, itemPresentationResult, body)
	}

	userInfo := encodeUserInformation(ac.UserInfo)

	body := append(fixed, appCtx...)
	body = append(body, presItems...)
	body = append(body, userInfo...)
	return body
}

// DecodeAssociateAC parses the body of an A-ASSOCIATE-AC PDU frame.
func DecodeAssociateAC(data []byte) (*AssociateAC, error) {
	if len(data) < 68 {
		return nil, dcmerr.NewPeerProtocolError("A-ASSOCIATE-AC too short: %d bytes", len(data))
	}
	ac := &AssociateAC{
		CalledAETitle:  trimAE(data[4:20]),
		CallingAETitle: trimAE(data[20:36]),
	}

	offset := 68
	for offset < len(data) {
		itemType, value, next, err := readItemHeader(data, offset)
		if err != nil {
			return nil, err
		}
		switch itemType {
		case itemPresentationResult:
			if len(value) < 4 {
				return nil, dcmerr.NewPeerProtocolError("presentation result item too short")
			}
			ctx := NegotiatedContext{ID: value[0], Result: value[1]}
			subOffset := 4
			for subOffset < len(value) {
				subType, subValue, subNext, err := readItemHeader(value, subOffset)
				if err != nil {
					return nil, err
				}
				if subType == itemTransferSyntax {
					ctx.TransferSyntax = trimAE(subValue)
				}
				subOffset = subNext
			}
			ac.Contexts = append(ac.Contexts, ctx)
		case itemUserInformation:
			info, err := decodeUserInformation(value)
			if err != nil {
				return nil, err
			}
			ac.UserInfo = info
		}
		offset = next
	}
	return ac, nil
}

// EncodeAssociateRJ serializes an A-ASSOCIATE-RJ body (4 bytes: reserved,
// result, source, reason).
func EncodeAssociateRJ(rj AssociateRJ) []byte {
	return []byte{0x00, byte(rj.Result), byte(rj.Source), byte(rj.Reason)}
}

// DecodeAssociateRJ parses an A-ASSOCIATE-RJ body.
func DecodeAssociateRJ(data []byte) (*AssociateRJ, error) {
	if len(data) < 4 {
		return nil, dcmerr.NewPeerProtocolError("A-ASSOCIATE-RJ too short: %d bytes", len(data))
	}
	return &AssociateRJ{
		Result: dcmerr.RejectResult(data[1]),
		Source: dcmerr.AssociationRejectSource(data[2]),
		Reason: dcmerr.AssociationRejectReason(data[3]),
	}, nil
}

// EncodeAbort serializes an A-ABORT body: reserved, reserved, source, reason.
func EncodeAbort(source dcmerr.AbortSource, reason byte) []byte {
	return []byte{0x00, 0x00, byte(source), reason}
}

// DecodeAbort parses an A-ABORT body.
func DecodeAbort(data []byte) (dcmerr.AbortSource, byte, error) {
	if len(data) < 4 {
		return 0, 0, dcmerr.NewPeerProtocolError("A-ABORT too short: %d bytes", len(data))
	}
	return dcmerr.AbortSource(data[2]), data[3], nil
}
