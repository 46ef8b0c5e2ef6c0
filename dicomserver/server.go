// Package dicomserver listens for DICOM Upper Layer connections and spawns
// one acceptor association per connection, dispatching inbound service
// requests through a shared service.Dispatcher.
package dicomserver

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dimsenet/dimsenet/assoc"
	"github.com/dimsenet/dimsenet/service"
)

// Option configures a Server instance.
type Option func(*Server)

// WithLogger overrides the logger used by the server.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.Logger = logger
	}
}

// WithACSETimeout sets the association negotiation / ARTIM timeout.
func WithACSETimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.ACSETimeout = timeout
	}
}

// WithDIMSETimeout sets the per-message DIMSE timeout.
func WithDIMSETimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.DIMSETimeout = timeout
	}
}

// WithMaxPDULength sets the Max PDU Length advertised to peers.
func WithMaxPDULength(length uint32) Option {
	return func(s *Server) {
		s.MaxPDULength = length
	}
}

// WithDirectory sets the AE directory Move handlers resolve destinations
// against.
func WithDirectory(d *assoc.AEDirectory) Option {
	return func(s *Server) {
		s.Directory = d
	}
}

// WithMetrics attaches a Metrics collector; every association and DIMSE
// message is counted.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) {
		s.Metrics = m
	}
}

// Server exposes a reusable DICOM listener that wires the association,
// DIMSE, and service layers together.
type Server struct {
	AETitle      string
	Dispatcher   *service.Dispatcher
	Logger       zerolog.Logger
	ACSETimeout  time.Duration
	DIMSETimeout time.Duration
	MaxPDULength uint32
	Directory    *assoc.AEDirectory
	Metrics      *Metrics
}

// New builds a Server with the provided AE title and dispatcher.
func New(aeTitle string, dispatcher *service.Dispatcher, opts ...Option) *Server {
	srv := &Server{AETitle: aeTitle, Dispatcher: dispatcher, Logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// ListenAndServe listens on the given address and serves until the context
// is done or an unrecoverable error occurs.
func ListenAndServe(ctx context.Context, address, aeTitle string, dispatcher *service.Dispatcher, opts ...Option) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	defer listener.Close()

	srv := New(aeTitle, dispatcher, opts...)
	return srv.Serve(ctx, listener)
}

// Serve accepts connections from listener until ctx is cancelled or an
// unrecoverable error occurs.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if listener == nil {
		return errors.New("dicomserver: listener is required")
	}
	if s == nil {
		return errors.New("dicomserver: server is nil")
	}
	if s.Dispatcher == nil {
		return errors.New("dicomserver: dispatcher is required")
	}
	if s.AETitle == "" {
		return errors.New("dicomserver: AE title is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	s.Logger.Info().
		Str("address", listener.Addr().String()).
		Str("ae_title", s.AETitle).
		Msg("dicom server listening")

	var (
		wg       sync.WaitGroup
		serveErr error
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.Logger.Warn().Err(err).Msg("accept timeout")
				continue
			}
			serveErr = err
			break
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			s.handleConnection(ctx, c)
		}(conn)
	}

	wg.Wait()

	if serveErr != nil {
		return serveErr
	}
	return ctx.Err()
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	logger := s.Logger.With().Str("remote_addr", conn.RemoteAddr().String()).Logger()
	logger.Info().Msg("accepted dicom connection")

	hooks := assoc.NewHooks()
	if s.Metrics != nil {
		s.Metrics.Observe(hooks)
	}

	a, err := assoc.Accept(ctx, conn, assoc.Config{
		CalledAETitle: s.AETitle,
		MaxPDULength:  s.MaxPDULength,
		ACSETimeout:   s.ACSETimeout,
		DIMSETimeout:  s.DIMSETimeout,
		StripAETitles: true,
		Dispatcher:    s.Dispatcher,
		Directory:     s.Directory,
		Hooks:         hooks,
		Logger:        logger,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("association negotiation failed")
		_ = conn.Close()
		return
	}

	logger.Info().
		Str("calling_ae", a.RemoteAETitle).
		Msg("association established")

	if err := a.Serve(ctx); err != nil && ctx.Err() == nil {
		logger.Warn().Err(err).Msg("association ended")
	} else {
		logger.Info().Msg("association closed")
	}
}
