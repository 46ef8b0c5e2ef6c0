package pdu

import (
	"net"
	"sync"
	"time"

	"github.com/dimsenet/dimsenet/dcmerr"
	"github.com/dimsenet/dimsenet/transport"
)

// State is one of the 13 ACSE association states (PS3.8 section 9.2).
type State int

const (
	Sta1  State = iota + 1 // Idle
	Sta2                   // Transport connection open, awaiting A-ASSOCIATE-RQ
	Sta3                   // Awaiting local A-ASSOCIATE response (from service user)
	Sta4                   // Awaiting transport connection to complete (requestor side)
	Sta5                   // Awaiting A-ASSOCIATE-AC or -RJ
	Sta6                   // Association established, ready for data transfer
	Sta7                   // Awaiting A-RELEASE-RP
	Sta8                   // Awaiting local A-RELEASE response
	Sta9                   // Release collision, requestor side, awaiting local response
	Sta10                  // Release collision, acceptor side, awaiting A-RELEASE-RP
	Sta11                  // Release collision, requestor side, awaiting A-RELEASE-RP
	Sta12                  // Release collision, acceptor side, awaiting local response
	Sta13                  // Awaiting transport close
)

// Event is one of the 19 ACSE events.
type Event int

const (
	Evt1  Event = iota + 1 // A-ASSOCIATE request (local user)
	Evt2                   // Transport connected (requestor side)
	Evt3                   // A-ASSOCIATE-AC received
	Evt4                   // A-ASSOCIATE-RJ received
	Evt5                   // Transport connection accepted (acceptor side)
	Evt6                   // A-ASSOCIATE-RQ received
	Evt7                   // A-ASSOCIATE response (accept, local user)
	Evt8                   // A-ASSOCIATE response (reject, local user)
	Evt9                   // P-DATA request (local user)
	Evt10                  // P-DATA-TF received
	Evt11                  // A-RELEASE request (local user)
	Evt12                  // A-RELEASE-RQ received
	Evt13                  // A-RELEASE-RP received
	Evt14                  // A-RELEASE response (local user)
	Evt15                  // A-ABORT request (local user)
	Evt16                  // A-ABORT received
	Evt17                  // Transport closed
	Evt18                  // ARTIM timer expired
	Evt19                  // Unrecognized or invalid PDU received
)

// Indication is what the state machine hands the owning Association when
// something the upper layer must react to happens.
type Indication struct {
	Kind      IndicationKind
	Associate *AssociateRQ  // HandshakeRequested
	Accept    *AssociateAC  // HandshakeAccepted
	Reject    *AssociateRJ  // HandshakeRejected
	PDVs      []PresentationDataValue // DataReceived
	AbortSrc  dcmerr.AbortSource
	AbortErr  error
}

type IndicationKind int

const (
	IndicationHandshakeRequested IndicationKind = iota // acceptor: peer RQ arrived, ask upper layer to accept/reject
	IndicationHandshakeAccepted
	IndicationHandshakeRejected
	IndicationDataReceived
	IndicationReleaseRequested
	IndicationReleased
	IndicationAborted
	IndicationClosed
)

// Machine drives one association's ACSE state for one TCP connection. It is
// not safe for concurrent use; the owning Association serializes access
// through its own reactor goroutine.
type Machine struct {
	IsRequestor bool
	conn        *transport.Conn
	state       State
	artimTimer  *time.Timer
	artimDur    time.Duration
	Indications chan Indication
	readErrCh   chan error
	frameCh     chan *Frame
	doneCh      chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewAcceptorMachine starts a state machine on an already-accepted
// connection, in Sta2 awaiting the peer's A-ASSOCIATE-RQ.
func NewAcceptorMachine(conn net.Conn, artimTimeout time.Duration) *Machine {
	m := &Machine{
		conn:        transport.New(conn),
		state:       Sta2,
		artimDur:    artimTimeout,
		Indications: make(chan Indication, 8),
		readErrCh:   make(chan error, 1),
		frameCh:     make(chan *Frame, 8),
		doneCh:      make(chan struct{}),
	}
	go m.readLoop()
	return m
}

// NewRequestorMachine starts a state machine on a dialed connection, in
// Sta4 ready to send A-ASSOCIATE-RQ via SendAssociateRQ.
func NewRequestorMachine(conn net.Conn, artimTimeout time.Duration) *Machine {
	m := &Machine{
		IsRequestor: true,
		conn:        transport.New(conn),
		state:       Sta4,
		artimDur:    artimTimeout,
		Indications: make(chan Indication, 8),
		readErrCh:   make(chan error, 1),
		frameCh:     make(chan *Frame, 8),
		doneCh:      make(chan struct{}),
	}
	go m.readLoop()
	return m
}

func (m *Machine) readLoop() {
	for {
		f, err := ReadFrame(m.conn)
		if err != nil {
			m.readErrCh <- err
			close(m.frameCh)
			return
		}
		select {
		case m.frameCh <- f:
		case <-m.doneCh:
			return
		}
	}
}

func (m *Machine) startARTIM() {
	if m.artimDur <= 0 {
		return
	}
	m.artimTimer = time.AfterFunc(m.artimDur, func() {
		m.fireTimeout()
	})
}

func (m *Machine) stopARTIM() {
	if m.artimTimer != nil {
		m.artimTimer.Stop()
	}
}

func (m *Machine) fireTimeout() {
	m.emit(Indication{Kind: IndicationAborted, AbortErr: dcmerr.NewTimeout(dcmerr.WhichACSE)})
	m.closeConn()
}

func (m *Machine) emit(ind Indication) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	// Blocks on a slow consumer rather than dropping a protocol
	// indication; the channel buffer absorbs the terminal burst.
	m.Indications <- ind
}

func (m *Machine) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Machine) closeConn() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	close(m.doneCh)
	m.stopARTIM()
	m.conn.Close()
}

// State returns the current ACSE state.
func (m *Machine) State() State { return m.state }

// SendAssociateRQ transitions Sta4 -> Sta5, sending the proposal.
func (m *Machine) SendAssociateRQ(rq AssociateRQ) error {
	if err := WriteFrame(m.conn, &Frame{Type: TypeAssociateRQ, Data: EncodeAssociateRQ(rq)}); err != nil {
		return err
	}
	m.state = Sta5
	m.startARTIM()
	return nil
}

// AcceptAssociate transitions Sta3 -> Sta6, sending A-ASSOCIATE-AC.
func (m *Machine) AcceptAssociate(ac AssociateAC) error {
	if err := WriteFrame(m.conn, &Frame{Type: TypeAssociateAC, Data: EncodeAssociateAC(ac)}); err != nil {
		return err
	}
	m.state = Sta6
	return nil
}

// RejectAssociate transitions Sta3 -> Sta13, sending A-ASSOCIATE-RJ.
func (m *Machine) RejectAssociate(rj AssociateRJ) error {
	if err := WriteFrame(m.conn, &Frame{Type: TypeAssociateRJ, Data: EncodeAssociateRJ(rj)}); err != nil {
		return err
	}
	m.state = Sta13
	m.startARTIM()
	return nil
}

// SendData transitions (stays in) Sta6, writing one P-DATA-TF PDU.
func (m *Machine) SendData(pdvs []PresentationDataValue) error {
	if m.state != Sta6 {
		return dcmerr.ErrAssociationClosed
	}
	return WriteFrame(m.conn, &Frame{Type: TypePDataTF, Data: EncodePDataTF(pdvs)})
}

// Release transitions Sta6 -> Sta7, sending A-RELEASE-RQ.
func (m *Machine) Release() error {
	// Enter Sta7 before the RQ reaches the wire: the peer's RP can be handled
	// on the Run goroutine as soon as the write completes.
	prev := m.state
	m.state = Sta7
	if err := WriteFrame(m.conn, &Frame{Type: TypeReleaseRQ, Data: EncodeReleaseRQ()}); err != nil {
		m.state = prev
		return err
	}
	return nil
}

// AcknowledgeRelease transitions Sta8 -> Sta13, sending A-RELEASE-RP.
func (m *Machine) AcknowledgeRelease() error {
	if err := WriteFrame(m.conn, &Frame{Type: TypeReleaseRP, Data: EncodeReleaseRP()}); err != nil {
		return err
	}
	m.state = Sta13
	m.startARTIM()
	return nil
}

// Abort sends A-ABORT (service-user source) from any state and closes. The
// aborted indication is emitted locally so consumers blocked on the
// association observe the termination immediately.
func (m *Machine) Abort(reason byte) error {
	err := WriteFrame(m.conn, &Frame{Type: TypeAbort, Data: EncodeAbort(dcmerr.AbortSourceServiceUser, reason)})
	m.emit(Indication{
		Kind:     IndicationAborted,
		AbortSrc: dcmerr.AbortSourceServiceUser,
		AbortErr: &dcmerr.AssociationAborted{Source: dcmerr.AbortSourceServiceUser, Reason: reason},
	})
	m.closeConn()
	return err
}

// Run processes incoming frames and timer/transport events until the
// connection closes; it is meant to run in its own goroutine and feeds
// m.Indications for the owning Association to consume.
func (m *Machine) Run() {
	frames := m.frameCh
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			m.handleFrame(f)
		case err := <-m.readErrCh:
			if err != nil {
				m.emit(Indication{Kind: IndicationClosed, AbortErr: err})
			} else {
				m.emit(Indication{Kind: IndicationClosed})
			}
			m.closeConn()
			return
		}
		if m.isClosed() {
			return
		}
	}
}

func (m *Machine) handleFrame(f *Frame) {
	switch f.Type {
	case TypeAssociateRQ:
		if m.state != Sta2 {
			m.abortProtocolError()
			return
		}
		m.stopARTIM()
		rq, err := DecodeAssociateRQ(f.Data)
		if err != nil {
			m.abortProtocolError()
			return
		}
		m.state = Sta3
		m.emit(Indication{Kind: IndicationHandshakeRequested, Associate: rq})

	case TypeAssociateAC:
		if m.state != Sta5 {
			m.abortProtocolError()
			return
		}
		m.stopARTIM()
		ac, err := DecodeAssociateAC(f.Data)
		if err != nil {
			m.abortProtocolError()
			return
		}
		m.state = Sta6
		m.emit(Indication{Kind: IndicationHandshakeAccepted, Accept: ac})

	case TypeAssociateRJ:
		if m.state != Sta5 {
			m.abortProtocolError()
			return
		}
		m.stopARTIM()
		rj, err := DecodeAssociateRJ(f.Data)
		if err != nil {
			m.abortProtocolError()
			return
		}
		m.state = Sta1
		m.emit(Indication{Kind: IndicationHandshakeRejected, Reject: rj})
		m.closeConn()

	case TypePDataTF:
		if m.state != Sta6 && m.state != Sta7 {
			m.abortProtocolError()
			return
		}
		pdvs, err := DecodePDataTF(f.Data)
		if err != nil {
			m.abortProtocolError()
			return
		}
		m.emit(Indication{Kind: IndicationDataReceived, PDVs: pdvs})

	case TypeReleaseRQ:
		switch m.state {
		case Sta6:
			m.state = Sta8
			m.emit(Indication{Kind: IndicationReleaseRequested})
		case Sta7:
			// Release collision: both sides requested release at once.
			if m.IsRequestor {
				m.state = Sta9
			} else {
				m.state = Sta10
			}
			m.emit(Indication{Kind: IndicationReleaseRequested})
		default:
			m.abortProtocolError()
		}

	case TypeReleaseRP:
		switch m.state {
		case Sta7, Sta11:
			m.state = Sta1
			m.emit(Indication{Kind: IndicationReleased})
			m.closeConn()
		case Sta10:
			m.state = Sta12
			m.emit(Indication{Kind: IndicationReleaseRequested})
		default:
			m.abortProtocolError()
		}

	case TypeAbort:
		src, reason, err := DecodeAbort(f.Data)
		if err != nil {
			m.abortProtocolError()
			return
		}
		m.emit(Indication{Kind: IndicationAborted, AbortSrc: src, AbortErr: &dcmerr.AssociationAborted{Source: src, Reason: reason}})
		m.closeConn()

	default:
		m.abortProtocolError()
	}
}

func (m *Machine) abortProtocolError() {
	_ = WriteFrame(m.conn, &Frame{Type: TypeAbort, Data: EncodeAbort(dcmerr.AbortSourceServiceProvider, 0)})
	m.emit(Indication{Kind: IndicationAborted, AbortErr: dcmerr.NewPeerProtocolError("protocol violation in state %d", m.state)})
	m.closeConn()
}

// ReleaseResponse answers the peer's A-RELEASE-RQ during a release
// collision, from Sta9 (moving to Sta11) or Sta12 (moving to Sta13); in any
// other state it returns dcmerr.ErrAssociationClosed.
func (m *Machine) ReleaseResponse() error {
	switch m.state {
	case Sta9:
		if err := WriteFrame(m.conn, &Frame{Type: TypeReleaseRP, Data: EncodeReleaseRP()}); err != nil {
			return err
		}
		m.state = Sta11
		return nil
	case Sta12:
		if err := WriteFrame(m.conn, &Frame{Type: TypeReleaseRP, Data: EncodeReleaseRP()}); err != nil {
			return err
		}
		m.state = Sta13
		m.startARTIM()
		return nil
	default:
		return dcmerr.ErrAssociationClosed
	}
}
