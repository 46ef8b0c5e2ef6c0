package pdu

import (
	"github.com/dimsenet/dimsenet/dcmerr"
	"github.com/dimsenet/dimsenet/sopclass"
)

// AcceptedContext is one presentation context that survived negotiation:
// the small-integer ID both sides will tag PDVs with, the abstract syntax,
// the single transfer syntax the acceptor selected, and the roles this side
// may exercise on it.
type AcceptedContext struct {
	ID             byte
	AbstractSyntax string
	TransferSyntax string
	AsSCU          bool
	AsSCP          bool
}

// ContextTable maps negotiated context IDs to their accepted parameters for
// one association. Rejected contexts are kept separately so callers can
// report why a SOP class is unavailable.
type ContextTable struct {
	ByID     map[byte]AcceptedContext
	Rejected map[byte]NegotiatedContext

	// AllowUPSPushOverPull permits dispatching Unified Procedure Step Push
	// requests over an accepted UPS Pull context when no Push context was
	// negotiated. Off by default; strict peers may not expect it.
	AllowUPSPushOverPull bool
}

// NewContextTable folds the requestor's proposals and the acceptor's
// answers into a table, applying any role-selection answers from the
// acceptor's User Information. When no role selection was negotiated for
// an abstract syntax the default DICOM roles apply: the association
// requestor is SCU, the acceptor is SCP.
func NewContextTable(proposed []ProposedContext, negotiated []NegotiatedContext, roles []RoleSelection, isRequestor bool) *ContextTable {
	t := &ContextTable{
		ByID:     make(map[byte]AcceptedContext),
		Rejected: make(map[byte]NegotiatedContext),
	}

	abstractByID := make(map[byte]string, len(proposed))
	for _, p := range proposed {
		abstractByID[p.ID] = p.AbstractSyntax
	}

	roleByUID := make(map[string]RoleSelection, len(roles))
	for _, rs := range roles {
		if _, dup := roleByUID[rs.SOPClassUID]; !dup {
			roleByUID[rs.SOPClassUID] = rs
		}
	}

	for _, n := range negotiated {
		abstract := n.AbstractSyntax
		if abstract == "" {
			abstract = abstractByID[n.ID]
		}
		if n.Result != ResultAcceptance {
			t.Rejected[n.ID] = NegotiatedContext{ID: n.ID, Result: n.Result, AbstractSyntax: abstract}
			continue
		}
		ac := AcceptedContext{
			ID:             n.ID,
			AbstractSyntax: abstract,
			TransferSyntax: n.TransferSyntax,
			AsSCU:          isRequestor,
			AsSCP:          !isRequestor,
		}
		if rs, ok := roleByUID[abstract]; ok {
			if isRequestor {
				ac.AsSCU = rs.SCURole
				ac.AsSCP = rs.SCPRole
			} else {
				// Mirror image: the peer acting as SCP means we act as SCU.
				ac.AsSCU = rs.SCPRole
				ac.AsSCP = rs.SCURole
			}
		}
		t.ByID[n.ID] = ac
	}
	return t
}

// Get returns the accepted context for id.
func (t *ContextTable) Get(id byte) (AcceptedContext, bool) {
	c, ok := t.ByID[id]
	return c, ok
}

// Find selects the context a request for the given SOP class should travel
// on. A non-empty transferSyntax must equal the context's accepted transfer
// syntax; pass an empty transferSyntax to accept any accepted transfer
// syntax for the abstract syntax. As a last resort, a UPS Push request may
// ride an accepted UPS Pull context when AllowUPSPushOverPull is set.
// needSCP selects contexts this side may answer requests on rather than
// issue them.
func (t *ContextTable) Find(sopClassUID, transferSyntax string, needSCP bool) (AcceptedContext, error) {
	roleOK := func(c AcceptedContext) bool {
		if needSCP {
			return c.AsSCP
		}
		return c.AsSCU
	}

	if transferSyntax != "" {
		for _, c := range t.ByID {
			if c.AbstractSyntax == sopClassUID && c.TransferSyntax == transferSyntax && roleOK(c) {
				return c, nil
			}
		}
	}
	for _, c := range t.ByID {
		if c.AbstractSyntax == sopClassUID && (transferSyntax == "" || c.TransferSyntax == transferSyntax) && roleOK(c) {
			return c, nil
		}
	}
	if transferSyntax == "" {
		for _, c := range t.ByID {
			if c.AbstractSyntax == sopClassUID && roleOK(c) {
				return c, nil
			}
		}
	}

	if t.AllowUPSPushOverPull && sopClassUID == sopclass.UnifiedProcedureStepPushSOPClass {
		if c, err := t.Find(sopclass.UnifiedProcedureStepPullSOPClass, transferSyntax, needSCP); err == nil {
			return c, nil
		}
	}

	role := "scu"
	if needSCP {
		role = "scp"
	}
	return AcceptedContext{}, &dcmerr.NoAcceptableContext{
		SOPClassUID:       sopClassUID,
		TransferSyntaxUID: transferSyntax,
		Role:              role,
	}
}

// IDs returns every accepted context ID, for validation of inbound PDVs.
func (t *ContextTable) IDs() []byte {
	ids := make([]byte, 0, len(t.ByID))
	for id := range t.ByID {
		ids = append(ids, id)
	}
	return ids
}
