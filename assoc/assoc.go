// Package assoc is the user-facing association façade: it glues the ACSE
// state machine (pdu.Machine), the DIMSE exchange layer (dimse.Exchanger)
// and the service dispatch engines (service) into one Association object
// with blocking SCU methods on one side and a serve loop for acceptors on
// the other.
package assoc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dimsenet/dimsenet/dcmerr"
	"github.com/dimsenet/dimsenet/dimse"
	"github.com/dimsenet/dimsenet/pdu"
	"github.com/dimsenet/dimsenet/service"
	"github.com/dimsenet/dimsenet/sopclass"
)

// Implementation identity sent in the User Information item.
const (
	ImplementationClassUID    = "1.2.826.0.1.3680043.10.1081.1"
	ImplementationVersionName = "DIMSENET_010"
)

// Role names an association's side of the connection.
type Role int

const (
	RoleRequestor Role = iota
	RoleAcceptor
)

// Config carries everything an Association needs before its socket is
// bound. Zero values fall back to sensible defaults in New.
type Config struct {
	CallingAETitle string
	CalledAETitle  string

	MaxPDULength uint32

	// ACSETimeout bounds association negotiation and the ARTIM cleanup
	// states; DIMSETimeout bounds the wait between expected DIMSE
	// messages; NetworkTimeout bounds dialing. Zero means no limit.
	ACSETimeout    time.Duration
	DIMSETimeout   time.Duration
	NetworkTimeout time.Duration

	ImplementationClassUID    string
	ImplementationVersionName string

	// Contexts are the presentation contexts proposed when requesting;
	// empty means DefaultRequestorContexts(). RoleSelections carries any
	// SCP/SCU role negotiation items to send with them (a C-GET requestor
	// adds SCP role selections for its Storage classes).
	Contexts       []pdu.ProposedContext
	RoleSelections []pdu.RoleSelection

	// AllowUPSPushOverPull enables dispatching UPS Push requests over an
	// accepted UPS Pull context when no Push context was negotiated.
	AllowUPSPushOverPull bool

	// StripAETitles removes trailing spaces before comparing called AE
	// titles on the acceptor side.
	StripAETitles bool

	// OnAssociateRequest, when set on an acceptor, may reject an inbound
	// association before negotiation by returning a non-nil rejection.
	OnAssociateRequest func(*pdu.AssociateRQ) *pdu.AssociateRJ

	// Dispatcher serves inbound requests on the acceptor side (and C-GET
	// sub-operation stores on the requestor side when set).
	Dispatcher *service.Dispatcher

	// Directory resolves C-MOVE destination AE titles to network
	// addresses when the Move handler names a destination without one.
	Directory *AEDirectory

	Hooks  *Hooks
	Logger zerolog.Logger
}

// Association is the runtime context for one DICOM association over one
// TCP connection.
type Association struct {
	cfg  Config
	role Role

	LocalAETitle  string
	RemoteAETitle string

	conn     net.Conn
	machine  *pdu.Machine
	ex       *dimse.Exchanger
	contexts *pdu.ContextTable

	peerMaxPDULength uint32

	// opMu serializes SCU operations: one outstanding request/response
	// exchange per association at a time.
	opMu sync.Mutex

	mu            sync.Mutex
	nextMessageID uint16
	established   bool
	released      bool
	rejected      bool
	aborted       bool
	localAbort    bool

	checkpoint *Checkpoint
	hooks      *Hooks
	logger     zerolog.Logger
}

// New builds an unconnected Association from cfg. Bind a socket with
// SetSocket (or use Dial/Accept) before requesting or serving.
func New(cfg Config) *Association {
	if cfg.MaxPDULength == 0 {
		cfg.MaxPDULength = pdu.DefaultMaxPDULength
	}
	if cfg.ImplementationClassUID == "" {
		cfg.ImplementationClassUID = ImplementationClassUID
	}
	if cfg.ImplementationVersionName == "" {
		cfg.ImplementationVersionName = ImplementationVersionName
	}
	hooks := cfg.Hooks
	if hooks == nil {
		hooks = NewHooks()
	}
	return &Association{
		cfg:          cfg,
		LocalAETitle: cfg.CallingAETitle,
		checkpoint:   NewCheckpoint(),
		hooks:        hooks,
		logger:       cfg.Logger,
	}
}

// SetSocket binds conn to the association. Binding twice is an error; the
// first socket stays bound.
func (a *Association) SetSocket(conn net.Conn) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		return dcmerr.ErrSocketAlreadySet
	}
	a.conn = conn
	return nil
}

// Hooks returns the notification registries for this association.
func (a *Association) Hooks() *Hooks { return a.hooks }

// Checkpoint returns the reactor checkpoint used to quiesce the serve loop.
func (a *Association) Checkpoint() *Checkpoint { return a.checkpoint }

// Contexts returns the negotiated presentation context table, nil before
// establishment.
func (a *Association) Contexts() *pdu.ContextTable { return a.contexts }

// IsEstablished reports whether the association reached the established
// state and has not yet terminated.
func (a *Association) IsEstablished() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.established && !a.released && !a.aborted
}

// IsReleased reports a completed release handshake.
func (a *Association) IsReleased() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.released
}

// IsRejected reports a peer rejection during negotiation.
func (a *Association) IsRejected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rejected
}

// IsAborted reports a local or peer abort.
func (a *Association) IsAborted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.aborted
}

func (a *Association) locallyAborted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.localAbort
}

// nextID hands out request Message IDs, wrapping 65535 back to 1.
func (a *Association) nextID() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextMessageID++
	if a.nextMessageID == 0 {
		a.nextMessageID = 1
	}
	return a.nextMessageID
}

// Dial connects to address, binds the socket, and negotiates an
// association as requestor.
func Dial(ctx context.Context, address string, cfg Config) (*Association, error) {
	a := New(cfg)
	dialer := &net.Dialer{Timeout: cfg.NetworkTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	if err := a.SetSocket(conn); err != nil {
		conn.Close()
		return nil, err
	}
	if err := a.Request(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Request negotiates the association over the bound socket as requestor.
func (a *Association) Request(ctx context.Context) error {
	a.mu.Lock()
	if a.conn == nil {
		a.mu.Unlock()
		return errors.New("dimsenet: no socket bound to association")
	}
	if a.machine != nil {
		a.mu.Unlock()
		return dcmerr.ErrSocketAlreadySet
	}
	m := pdu.NewRequestorMachine(a.conn, a.cfg.ACSETimeout)
	a.machine = m
	a.role = RoleRequestor
	a.mu.Unlock()

	go m.Run()

	contexts := a.cfg.Contexts
	if len(contexts) == 0 {
		contexts = DefaultRequestorContexts()
	}
	rq := pdu.AssociateRQ{
		CalledAETitle:  a.cfg.CalledAETitle,
		CallingAETitle: a.cfg.CallingAETitle,
		Contexts:       contexts,
		UserInfo: pdu.UserInformation{
			MaxPDULength:           a.cfg.MaxPDULength,
			ImplementationClassUID: a.cfg.ImplementationClassUID,
			ImplementationVersion:  a.cfg.ImplementationVersionName,
			RoleSelections:         a.cfg.RoleSelections,
		},
	}
	if err := m.SendAssociateRQ(rq); err != nil {
		a.terminate(true, false)
		return err
	}

	ind, err := a.awaitIndication(ctx, m)
	if err != nil {
		a.terminate(true, false)
		return err
	}
	switch ind.Kind {
	case pdu.IndicationHandshakeAccepted:
		if err := a.establish(contexts, ind.Accept.Contexts, ind.Accept.UserInfo, true); err != nil {
			return err
		}
		a.RemoteAETitle = ind.Accept.CalledAETitle
		a.hooks.Accepted.Publish(ind.Accept)
		a.hooks.Established.Publish(a)
		return nil
	case pdu.IndicationHandshakeRejected:
		a.mu.Lock()
		a.rejected = true
		a.mu.Unlock()
		a.hooks.Rejected.Publish(ind.Reject)
		return &dcmerr.AssociationRejected{
			Result: ind.Reject.Result,
			Source: ind.Reject.Source,
			Reason: ind.Reject.Reason,
		}
	default:
		a.terminate(true, false)
		if ind.AbortErr != nil {
			return ind.AbortErr
		}
		return dcmerr.ErrAssociationClosed
	}
}

// Accept negotiates an association over an accepted connection, answering
// the peer's proposal from pdu.NewNegotiator's default SOP class and
// transfer syntax tables; the configured dispatcher's registrations are not
// consulted during negotiation.
func Accept(ctx context.Context, conn net.Conn, cfg Config) (*Association, error) {
	a := New(cfg)
	if err := a.SetSocket(conn); err != nil {
		return nil, err
	}
	a.role = RoleAcceptor
	a.LocalAETitle = cfg.CalledAETitle

	m := pdu.NewAcceptorMachine(conn, cfg.ACSETimeout)
	a.mu.Lock()
	a.machine = m
	a.mu.Unlock()
	go m.Run()

	ind, err := a.awaitIndication(ctx, m)
	if err != nil {
		a.terminate(true, false)
		return nil, err
	}
	if ind.Kind != pdu.IndicationHandshakeRequested {
		a.terminate(true, false)
		if ind.AbortErr != nil {
			return nil, ind.AbortErr
		}
		return nil, dcmerr.ErrAssociationClosed
	}
	rq := ind.Associate
	a.hooks.Requested.Publish(rq)
	a.RemoteAETitle = rq.CallingAETitle

	if rj := a.screen(rq); rj != nil {
		_ = m.RejectAssociate(*rj)
		a.mu.Lock()
		a.rejected = true
		a.mu.Unlock()
		a.hooks.Rejected.Publish(rj)
		return nil, &dcmerr.AssociationRejected{Result: rj.Result, Source: rj.Source, Reason: rj.Reason}
	}

	negotiated := pdu.NewNegotiator().Negotiate(rq.Contexts)
	roles := a.answerRoles(rq.UserInfo.RoleSelections)

	ac := pdu.AssociateAC{
		CalledAETitle:  rq.CalledAETitle,
		CallingAETitle: rq.CallingAETitle,
		Contexts:       negotiated,
		UserInfo: pdu.UserInformation{
			MaxPDULength:           a.cfg.MaxPDULength,
			ImplementationClassUID: a.cfg.ImplementationClassUID,
			ImplementationVersion:  a.cfg.ImplementationVersionName,
			RoleSelections:         roles,
		},
	}
	if err := m.AcceptAssociate(ac); err != nil {
		a.terminate(true, false)
		return nil, err
	}
	if err := a.establish(rq.Contexts, negotiated, rq.UserInfo, false); err != nil {
		return nil, err
	}
	a.hooks.Established.Publish(a)
	return a, nil
}

// screen applies the caller-configured association screening: the optional
// OnAssociateRequest hook first, then the called AE title check.
func (a *Association) screen(rq *pdu.AssociateRQ) *pdu.AssociateRJ {
	if a.cfg.OnAssociateRequest != nil {
		if rj := a.cfg.OnAssociateRequest(rq); rj != nil {
			return rj
		}
	}
	if a.cfg.CalledAETitle != "" {
		want, got := a.cfg.CalledAETitle, rq.CalledAETitle
		if a.cfg.StripAETitles {
			want = trimSpaces(want)
			got = trimSpaces(got)
		}
		if want != got {
			return &pdu.AssociateRJ{
				Result: dcmerr.RejectResultPermanent,
				Source: dcmerr.RejectSourceServiceUser,
				Reason: dcmerr.RejectReasonCalledAENotRecognized,
			}
		}
	}
	return nil
}

// answerRoles accepts every role the peer proposed for SOP classes this AE
// recognizes. Duplicates were already collapsed during decode.
func (a *Association) answerRoles(proposed []pdu.RoleSelection) []pdu.RoleSelection {
	out := make([]pdu.RoleSelection, 0, len(proposed))
	for _, rs := range proposed {
		if sopclass.GetSOPClassInfo(rs.SOPClassUID).Category != sopclass.CategoryUnknown {
			out = append(out, rs)
		}
	}
	return out
}

// establish validates the negotiation outcome and brings up the DIMSE
// exchange layer. Accepted context IDs must be odd and unique, each with
// exactly one transfer syntax; a violation aborts the association.
func (a *Association) establish(proposed []pdu.ProposedContext, negotiated []pdu.NegotiatedContext, peerInfo pdu.UserInformation, isRequestor bool) error {
	seen := make(map[byte]bool)
	for _, n := range negotiated {
		if n.Result != pdu.ResultAcceptance {
			continue
		}
		if n.ID%2 == 0 || seen[n.ID] || n.TransferSyntax == "" {
			_ = a.machine.Abort(0)
			a.terminate(true, false)
			return dcmerr.NewPeerProtocolError("invalid accepted presentation context id %d", n.ID)
		}
		seen[n.ID] = true
	}

	roles := peerInfo.RoleSelections
	table := pdu.NewContextTable(proposed, negotiated, roles, isRequestor)
	table.AllowUPSPushOverPull = a.cfg.AllowUPSPushOverPull

	peerMax := peerInfo.MaxPDULength
	if peerMax == 0 {
		peerMax = pdu.DefaultMaxPDULength
	}

	a.mu.Lock()
	a.contexts = table
	a.peerMaxPDULength = peerMax
	a.ex = dimse.NewExchanger(a.machine, peerMax, a.cfg.DIMSETimeout)
	a.established = true
	a.mu.Unlock()
	return nil
}

// awaitIndication reads one indication from the machine during negotiation,
// bounded by the ACSE timeout and ctx.
func (a *Association) awaitIndication(ctx context.Context, m *pdu.Machine) (pdu.Indication, error) {
	var timeoutCh <-chan time.Time
	if a.cfg.ACSETimeout > 0 {
		t := time.NewTimer(a.cfg.ACSETimeout)
		defer t.Stop()
		timeoutCh = t.C
	}
	select {
	case ind, ok := <-m.Indications:
		if !ok {
			return pdu.Indication{}, dcmerr.ErrAssociationClosed
		}
		return ind, nil
	case <-timeoutCh:
		return pdu.Indication{}, dcmerr.NewTimeout(dcmerr.WhichACSE)
	case <-ctx.Done():
		return pdu.Indication{}, ctx.Err()
	}
}

// Release performs the graceful release handshake and blocks until the
// peer acknowledges (or the association aborts underneath it).
func (a *Association) Release(ctx context.Context) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	a.mu.Lock()
	if !a.established || a.released || a.aborted {
		a.mu.Unlock()
		return dcmerr.ErrAssociationClosed
	}
	m := a.machine
	ex := a.ex
	a.mu.Unlock()

	if err := m.Release(); err != nil {
		a.terminate(true, false)
		return err
	}

	for {
		_, err := ex.Recv(ctx)
		switch {
		case err == nil:
			// Late message racing the release; drop it.
			continue
		case errors.Is(err, dimse.ErrReleased):
			a.terminate(false, true)
			a.hooks.Released.Publish(a)
			return nil
		case errors.Is(err, dimse.ErrReleaseRequested):
			// Release collision: answer the peer's RQ, then wait for its
			// RP directly off the machine (the exchange pump has stopped).
			if rpErr := m.ReleaseResponse(); rpErr != nil {
				a.terminate(true, false)
				return rpErr
			}
			if waitErr := a.awaitCollisionRelease(ctx, m); waitErr != nil {
				a.terminate(true, false)
				return waitErr
			}
			a.terminate(false, true)
			a.hooks.Released.Publish(a)
			return nil
		default:
			a.terminate(true, false)
			return err
		}
	}
}

func (a *Association) awaitCollisionRelease(ctx context.Context, m *pdu.Machine) error {
	for {
		ind, err := a.awaitIndication(ctx, m)
		if err != nil {
			return err
		}
		switch ind.Kind {
		case pdu.IndicationReleased, pdu.IndicationClosed:
			return nil
		case pdu.IndicationAborted:
			if ind.AbortErr != nil {
				return ind.AbortErr
			}
			return dcmerr.ErrAssociationClosed
		}
	}
}

// Abort sends A-ABORT and transitions to the aborted state synchronously;
// pending SCU calls complete with empty results.
func (a *Association) Abort() {
	a.mu.Lock()
	m := a.machine
	alreadyTerminal := a.released || a.aborted || a.rejected
	a.localAbort = true
	a.mu.Unlock()
	if alreadyTerminal || m == nil {
		return
	}
	_ = m.Abort(0)
	a.terminate(true, false)
	a.hooks.Aborted.Publish(a)
}

// terminate records the association's terminal state, keeping exactly one
// of released/aborted set.
func (a *Association) terminate(aborted, released bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released || a.aborted {
		return
	}
	a.aborted = aborted
	a.released = released
	if a.conn != nil {
		_ = a.conn.Close()
	}
}

func trimSpaces(s string) string {
	for len(s) > 0 && s[len(s)-1] == ' ' {
		s = s[:len(s)-1]
	}
	return s
}

// DefaultRequestorContexts proposes Verification, the Query/Retrieve
// information models, Modality Worklist, and every registered Storage SOP
// class, each offering the uncompressed transfer syntaxes.
func DefaultRequestorContexts() []pdu.ProposedContext {
	syntaxes := []string{sopclass.ExplicitVRLittleEndian, sopclass.ImplicitVRLittleEndian}
	abstract := []string{
		sopclass.VerificationSOPClass,
		sopclass.StudyRootQueryRetrieveInformationModelFind,
		sopclass.StudyRootQueryRetrieveInformationModelMove,
		sopclass.StudyRootQueryRetrieveInformationModelGet,
		sopclass.PatientRootQueryRetrieveInformationModelFind,
		sopclass.PatientRootQueryRetrieveInformationModelMove,
		sopclass.PatientRootQueryRetrieveInformationModelGet,
		sopclass.ModalityWorklistInformationModelFind,
	}
	abstract = append(abstract, sopclass.StorageSOPClasses()...)
	return ContextsFor(abstract, syntaxes)
}

// StorageRequestorContexts proposes every registered Storage SOP class,
// for the secondary association a C-MOVE opens toward its destination.
func StorageRequestorContexts() []pdu.ProposedContext {
	syntaxes := []string{sopclass.ExplicitVRLittleEndian, sopclass.ImplicitVRLittleEndian}
	return ContextsFor(sopclass.StorageSOPClasses(), syntaxes)
}

// ContextsFor assigns odd context IDs 1,3,5,... to the given abstract
// syntaxes in order, all proposing the same transfer syntax list. At most
// 128 contexts fit in the odd ID space; extras are dropped.
func ContextsFor(abstractSyntaxes []string, transferSyntaxes []string) []pdu.ProposedContext {
	out := make([]pdu.ProposedContext, 0, len(abstractSyntaxes))
	id := byte(1)
	for _, as := range abstractSyntaxes {
		out = append(out, pdu.ProposedContext{
			ID:               id,
			AbstractSyntax:   as,
			TransferSyntaxes: transferSyntaxes,
		})
		if id == 255 {
			break
		}
		id += 2
	}
	return out
}
