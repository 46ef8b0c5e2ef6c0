package pdu

import (
	"errors"
	"testing"

	"github.com/dimsenet/dimsenet/dcmerr"
	"github.com/dimsenet/dimsenet/sopclass"
)

func acceptedTable(t *testing.T) *ContextTable {
	t.Helper()
	proposed := []ProposedContext{
		{ID: 1, AbstractSyntax: sopclass.VerificationSOPClass,
			TransferSyntaxes: []string{sopclass.ImplicitVRLittleEndian}},
		{ID: 3, AbstractSyntax: sopclass.CTImageStorage,
			TransferSyntaxes: []string{sopclass.ExplicitVRLittleEndian, sopclass.ImplicitVRLittleEndian}},
		{ID: 5, AbstractSyntax: sopclass.CTImageStorage,
			TransferSyntaxes: []string{sopclass.ImplicitVRLittleEndian}},
		{ID: 7, AbstractSyntax: sopclass.MRImageStorage,
			TransferSyntaxes: []string{sopclass.ExplicitVRLittleEndian}},
	}
	negotiated := []NegotiatedContext{
		{ID: 1, Result: ResultAcceptance, TransferSyntax: sopclass.ImplicitVRLittleEndian},
		{ID: 3, Result: ResultAcceptance, TransferSyntax: sopclass.ExplicitVRLittleEndian},
		{ID: 5, Result: ResultAcceptance, TransferSyntax: sopclass.ImplicitVRLittleEndian},
		{ID: 7, Result: ResultTransferSyntaxReject},
	}
	return NewContextTable(proposed, negotiated, nil, true)
}

func TestContextTable_AcceptedAndRejected(t *testing.T) {
	table := acceptedTable(t)
	if len(table.ByID) != 3 {
		t.Fatalf("accepted %d contexts, want 3", len(table.ByID))
	}
	if _, ok := table.Get(7); ok {
		t.Error("rejected context 7 present in accepted table")
	}
	if _, ok := table.Rejected[7]; !ok {
		t.Error("rejected context 7 missing from rejected table")
	}
	for _, id := range table.IDs() {
		if id%2 == 0 {
			t.Errorf("accepted context ID %d is even", id)
		}
	}
}

func TestContextTable_FindPrefersExactTransferSyntax(t *testing.T) {
	table := acceptedTable(t)
	c, err := table.Find(sopclass.CTImageStorage, sopclass.ImplicitVRLittleEndian, false)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if c.ID != 5 {
		t.Errorf("Find() chose context %d, want 5 (exact transfer syntax match)", c.ID)
	}
}

func TestContextTable_FindAnyTransferSyntax(t *testing.T) {
	table := acceptedTable(t)
	c, err := table.Find(sopclass.VerificationSOPClass, "", false)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if c.ID != 1 {
		t.Errorf("Find() chose context %d, want 1", c.ID)
	}
}

func TestContextTable_FindNoMatch(t *testing.T) {
	table := acceptedTable(t)
	_, err := table.Find(sopclass.CTImageStorage, sopclass.JPEGBaseline8Bit, false)
	var want *dcmerr.NoAcceptableContext
	if !errors.As(err, &want) {
		t.Fatalf("Find() error = %v, want NoAcceptableContext", err)
	}
	if want.SOPClassUID != sopclass.CTImageStorage {
		t.Errorf("error SOP class = %q", want.SOPClassUID)
	}
}

func TestContextTable_RoleSelectionFlipsDirection(t *testing.T) {
	proposed := []ProposedContext{
		{ID: 1, AbstractSyntax: sopclass.CTImageStorage,
			TransferSyntaxes: []string{sopclass.ImplicitVRLittleEndian}},
	}
	negotiated := []NegotiatedContext{
		{ID: 1, Result: ResultAcceptance, TransferSyntax: sopclass.ImplicitVRLittleEndian},
	}
	roles := []RoleSelection{{SOPClassUID: sopclass.CTImageStorage, SCURole: false, SCPRole: true}}

	// Requestor proposing SCP role: it may answer stores, not issue them.
	requestor := NewContextTable(proposed, negotiated, roles, true)
	if _, err := requestor.Find(sopclass.CTImageStorage, "", false); err == nil {
		t.Error("requestor with SCP-only role selection may not issue C-STORE")
	}
	if _, err := requestor.Find(sopclass.CTImageStorage, "", true); err != nil {
		t.Errorf("requestor with SCP role selection must act as SCP: %v", err)
	}

	// Acceptor seeing that same proposal acts as the mirror image.
	acceptor := NewContextTable(proposed, negotiated, roles, false)
	if _, err := acceptor.Find(sopclass.CTImageStorage, "", false); err != nil {
		t.Errorf("acceptor must issue C-STORE on a peer-SCP context: %v", err)
	}
}

func TestContextTable_UPSPushOverPullFallback(t *testing.T) {
	proposed := []ProposedContext{
		{ID: 1, AbstractSyntax: sopclass.UnifiedProcedureStepPullSOPClass,
			TransferSyntaxes: []string{sopclass.ImplicitVRLittleEndian}},
	}
	negotiated := []NegotiatedContext{
		{ID: 1, Result: ResultAcceptance, TransferSyntax: sopclass.ImplicitVRLittleEndian},
	}

	strict := NewContextTable(proposed, negotiated, nil, true)
	if _, err := strict.Find(sopclass.UnifiedProcedureStepPushSOPClass, "", false); err == nil {
		t.Error("UPS Push matched a Pull context without the fallback enabled")
	}

	relaxed := NewContextTable(proposed, negotiated, nil, true)
	relaxed.AllowUPSPushOverPull = true
	c, err := relaxed.Find(sopclass.UnifiedProcedureStepPushSOPClass, "", false)
	if err != nil {
		t.Fatalf("Find() with fallback error = %v", err)
	}
	if c.AbstractSyntax != sopclass.UnifiedProcedureStepPullSOPClass {
		t.Errorf("fallback chose %q", c.AbstractSyntax)
	}
}
