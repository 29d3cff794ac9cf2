// Package bridge exports a local MBIM endpoint to one remote host at a time.
//
// Fragments travel over a TCP connection or a single QUIC stream using the
// length-prefixed framing of the endpoint package, so a host can drive the
// function with endpoint.NewTCPEndpoint or endpoint.NewQUICEndpoint.
package bridge

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"

	"avaneesh/mbim-go/pkg/channel"
	"avaneesh/mbim-go/pkg/endpoint"
	"avaneesh/mbim-go/pkg/internal/logger"
)

// Transport selects how the bridge listens
type Transport string

const (
	TransportTCP  Transport = "tcp"
	TransportQUIC Transport = "quic"
)

// Config configures a bridge server
type Config struct {
	Transport Transport
	Address   string      // "host:port" format
	TLSConfig *tls.Config // QUIC only; if nil a self-signed certificate is generated

	RequestQueueSize  int
	ResponseQueueSize int
}

// DefaultConfig returns default bridge configuration
func DefaultConfig() Config {
	return Config{
		Transport:         TransportTCP,
		Address:           "127.0.0.1:7170",
		RequestQueueSize:  64,
		ResponseQueueSize: 256,
	}
}

// errHostDisconnected ends a session without stopping the server
var errHostDisconnected = errors.New("host disconnected")

// Server relays fragments between remote hosts and a local endpoint
type Server struct {
	config   Config
	endpoint channel.Endpoint
	logger   logger.Logger

	tcpListener  net.Listener
	udpConn      *net.UDPConn
	quicListener *quic.Listener

	sessions atomic.Uint64
	closed   atomic.Bool
}

// NewServer binds the listening socket
func NewServer(ep channel.Endpoint, config Config, log logger.Logger) (*Server, error) {
	if ep == nil {
		return nil, errors.New("endpoint is required")
	}
	if config.Address == "" {
		return nil, errors.New("address is required")
	}
	defaults := DefaultConfig()
	if config.RequestQueueSize <= 0 {
		config.RequestQueueSize = defaults.RequestQueueSize
	}
	if config.ResponseQueueSize <= 0 {
		config.ResponseQueueSize = defaults.ResponseQueueSize
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	s := &Server{
		config:   config,
		endpoint: ep,
		logger:   log,
	}

	switch config.Transport {
	case TransportTCP, "":
		listener, err := net.Listen("tcp", config.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", config.Address, err)
		}
		s.tcpListener = listener

	case TransportQUIC:
		if err := s.listenQUIC(); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unknown transport %q", config.Transport)
	}

	s.logger.Info("Bridge listening on %s/%s", s.Addr(), s.transport())
	return s, nil
}

func (s *Server) listenQUIC() error {
	tlsConfig := s.config.TLSConfig
	if tlsConfig == nil {
		var err error
		tlsConfig, err = endpoint.GenerateTLSConfig()
		if err != nil {
			return fmt.Errorf("failed to generate TLS config: %w", err)
		}
	}

	udpAddr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address %s: %w", s.config.Address, err)
	}

	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	listener, err := quic.Listen(udpConn, tlsConfig, &quic.Config{KeepAlivePeriod: endpoint.KeepAlivePeriod})
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("failed to create QUIC listener: %w", err)
	}

	s.udpConn = udpConn
	s.quicListener = listener
	return nil
}

func (s *Server) transport() Transport {
	if s.quicListener != nil {
		return TransportQUIC
	}
	return TransportTCP
}

// Addr returns the listening address
func (s *Server) Addr() net.Addr {
	if s.quicListener != nil {
		return s.quicListener.Addr()
	}
	return s.tcpListener.Addr()
}

// Sessions returns the number of host sessions served so far
func (s *Server) Sessions() uint64 {
	return s.sessions.Load()
}

// Serve accepts hosts one at a time and relays their fragments until ctx is
// cancelled, the server is closed, or the local endpoint fails. The server is
// closed when Serve returns.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		rwc, remote, err := s.accept(ctx)
		if err != nil {
			if s.closed.Load() || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		id := uuid.New()
		s.sessions.Add(1)
		s.logger.Info("Bridge session %s: host %s connected", id, remote)

		err = s.serveConn(ctx, id, rwc)
		switch {
		case err == nil, errors.Is(err, errHostDisconnected):
			s.logger.Info("Bridge session %s: host %s disconnected", id, remote)
		case ctx.Err() != nil:
			return nil
		default:
			s.logger.Error("Bridge session %s: %v", id, err)
			return err
		}
	}
}

// accept waits for the next host and returns its fragment stream
func (s *Server) accept(ctx context.Context) (io.ReadWriteCloser, net.Addr, error) {
	if s.tcpListener != nil {
		conn, err := s.tcpListener.Accept()
		if err != nil {
			return nil, nil, err
		}
		return conn, conn.RemoteAddr(), nil
	}

	for {
		conn, err := s.quicListener.Accept(ctx)
		if err != nil {
			return nil, nil, err
		}
		// The stream is announced with the host's first fragment
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			conn.CloseWithError(0, "no stream")
			if ctx.Err() != nil {
				return nil, nil, err
			}
			s.logger.Warn("Bridge: host %s opened no stream: %v", conn.RemoteAddr(), err)
			continue
		}
		return endpoint.QUICStream(conn, stream), conn.RemoteAddr(), nil
	}
}

// serveConn relays one host session through the local endpoint
func (s *Server) serveConn(ctx context.Context, id uuid.UUID, rwc io.ReadWriteCloser) error {
	requests := channel.NewRequestQueue(s.config.RequestQueueSize)
	responses := make(chan []byte, s.config.ResponseQueueSize)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		rwc.Close()
		return nil
	})

	g.Go(func() error {
		err := s.endpoint.Run(gctx, requests, responses)
		if gctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("endpoint stopped")
		}
		return fmt.Errorf("local endpoint: %w", err)
	})

	// Host to function
	g.Go(func() error {
		for {
			frame, err := endpoint.ReadFrame(rwc)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				s.logger.Debug("Bridge session %s: read ended: %v", id, err)
				return errHostDisconnected
			}
			logger.FrameDump(s.logger, "HOST", frame)
			if err := requests.Put(gctx, frame); err != nil {
				return nil
			}
		}
	})

	// Function to host
	g.Go(func() error {
		for {
			select {
			case frame := <-responses:
				logger.FrameDump(s.logger, "FUNCTION", frame)
				if err := endpoint.WriteFrame(rwc, frame); err != nil {
					if gctx.Err() != nil {
						return nil
					}
					s.logger.Debug("Bridge session %s: write ended: %v", id, err)
					return errHostDisconnected
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	return g.Wait()
}

// Close stops accepting hosts. A session in progress ends when Serve's
// context is cancelled.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	var result *multierror.Error
	if s.tcpListener != nil {
		if err := s.tcpListener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	if s.quicListener != nil {
		if err := s.quicListener.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if s.udpConn != nil {
		if err := s.udpConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
