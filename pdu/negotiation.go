package pdu

import "github.com/dimsenet/dimsenet/sopclass"

// Negotiator decides, for each proposed presentation context, whether this
// AE supports the abstract syntax and which of the proposed transfer
// syntaxes it will use. It replaces a hardcoded accept-everything table with
// one a server can configure per AE (see sopclass for the SOP class and
// transfer syntax catalogs it draws from).
type Negotiator struct {
	AbstractSyntaxes  map[string]bool
	TransferSyntaxes  map[string]bool
}

// NewNegotiator builds a Negotiator that accepts the full set of SOP classes
// this library implements services for (Verification, the Storage SOP
// classes listed in the sopclass registry, Query/Retrieve Find/Get/Move across all three information
// models, Modality Worklist, and MPPS/Storage Commitment/UPS) plus the
// uncompressed transfer syntaxes.
func NewNegotiator() *Negotiator {
	n := &Negotiator{
		AbstractSyntaxes: map[string]bool{
			sopclass.VerificationSOPClass: true,

			sopclass.PatientRootQueryRetrieveInformationModelFind:      true,
			sopclass.StudyRootQueryRetrieveInformationModelFind:        true,
			sopclass.PatientStudyOnlyQueryRetrieveInformationModelFind: true,
			sopclass.PatientRootQueryRetrieveInformationModelMove:      true,
			sopclass.StudyRootQueryRetrieveInformationModelMove:        true,
			sopclass.PatientStudyOnlyQueryRetrieveInformationModelMove: true,
			sopclass.PatientRootQueryRetrieveInformationModelGet:       true,
			sopclass.StudyRootQueryRetrieveInformationModelGet:         true,
			sopclass.PatientStudyOnlyQueryRetrieveInformationModelGet:  true,
			sopclass.CompositeInstanceRootRetrieveMove:                true,
			sopclass.CompositeInstanceRootRetrieveGet:                 true,
			sopclass.CompositeInstanceRetrieveWithoutBulkDataGet:      true,

			sopclass.ModalityWorklistInformationModelFind:         true,
			sopclass.GeneralPurposeWorklistInformationModelFind:   true,
			sopclass.GeneralPurposeScheduledProcedureStepSOPClass: true,
			sopclass.GeneralPurposePerformedProcedureStepSOPClass: true,

			sopclass.ModalityPerformedProcedureStepSOPClass:             true,
			sopclass.ModalityPerformedProcedureStepRetrieveSOPClass:     true,
			sopclass.ModalityPerformedProcedureStepNotificationSOPClass: true,

			sopclass.StorageCommitmentPushModelSOPClass: true,
			sopclass.StorageCommitmentPullModelSOPClass: true,

			sopclass.UnifiedProcedureStepPushSOPClass:  true,
			sopclass.UnifiedProcedureStepWatchSOPClass: true,
			sopclass.UnifiedProcedureStepPullSOPClass:  true,
			sopclass.UnifiedProcedureStepEventSOPClass: true,
			sopclass.UnifiedProcedureStepQuerySOPClass: true,
		},
		TransferSyntaxes: map[string]bool{
			sopclass.ImplicitVRLittleEndian: true,
			sopclass.ExplicitVRLittleEndian: true,
		},
	}
	return n
}

func (n *Negotiator) supportsAbstractSyntax(uid string) bool {
	if n.AbstractSyntaxes[uid] {
		return true
	}
	return sopclass.IsStorageSOPClass(uid)
}

func (n *Negotiator) supportsTransferSyntax(uid string) bool {
	return n.TransferSyntaxes[uid]
}

// Negotiate answers every proposed context in order, picking the first
// mutually supported transfer syntax (PS3.8 9.3.3.2: one result per
// proposed context, same ID, in the order received).
func (n *Negotiator) Negotiate(proposed []ProposedContext) []NegotiatedContext {
	out := make([]NegotiatedContext, 0, len(proposed))
	for _, ctx := range proposed {
		result := ResultAbstractSyntaxReject
		selected := ""
		if n.supportsAbstractSyntax(ctx.AbstractSyntax) {
			result = ResultTransferSyntaxReject
			for _, ts := range ctx.TransferSyntaxes {
				if n.supportsTransferSyntax(ts) {
					selected = ts
					result = ResultAcceptance
					break
				}
			}
		}
		out = append(out, NegotiatedContext{
			ID:             ctx.ID,
			Result:         result,
			AbstractSyntax: ctx.AbstractSyntax,
			TransferSyntax: selected,
		})
	}
	return out
}
