package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"avaneesh/mbim-go/pkg/channel"
	"avaneesh/mbim-go/pkg/internal/logger"
)

// TCPEndpoint drives a modem exported by a bridge server over TCP
type TCPEndpoint struct {
	conn     net.Conn
	connLock sync.Mutex
	address  string

	stats  counters
	logger logger.Logger
	closed atomic.Bool
}

// TCPConfig configures a TCP endpoint
type TCPConfig struct {
	Address     string        // "host:port" format
	DialTimeout time.Duration // Connection timeout
}

// NewTCPEndpoint connects to a bridge server
func NewTCPEndpoint(config TCPConfig, log logger.Logger) (*TCPEndpoint, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("address is required")
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 10 * time.Second
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	conn, err := net.DialTimeout("tcp", config.Address, config.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", config.Address, err)
	}

	te := &TCPEndpoint{
		conn:    conn,
		address: config.Address,
		logger:  log,
	}
	te.stats.connects.Add(1)
	te.logger.Info("TCP endpoint connected to %s", config.Address)
	return te, nil
}

// Run implements channel.Endpoint.Run
func (te *TCPEndpoint) Run(ctx context.Context, requests *channel.RequestQueue, responses chan<- []byte) error {
	te.connLock.Lock()
	conn := te.conn
	te.connLock.Unlock()
	if conn == nil {
		return fmt.Errorf("TCP endpoint %s is closed", te.address)
	}

	err := Pump(ctx, countingStream{ReadWriteCloser: conn, stats: &te.stats}, requests, responses)
	te.stats.disconnects.Add(1)
	return err
}

// Close implements channel.Endpoint.Close
func (te *TCPEndpoint) Close() error {
	if !te.closed.CompareAndSwap(false, true) {
		return nil
	}

	te.connLock.Lock()
	defer te.connLock.Unlock()

	if te.conn == nil {
		return nil
	}
	err := te.conn.Close()
	te.conn = nil
	if err != nil && !isClosedConnError(err) {
		return err
	}
	return nil
}

// Statistics returns transport statistics
func (te *TCPEndpoint) Statistics() TransportStats {
	return te.stats.snapshot()
}

// RemoteAddr returns the bridge address
func (te *TCPEndpoint) RemoteAddr() net.Addr {
	te.connLock.Lock()
	defer te.connLock.Unlock()
	if te.conn != nil {
		return te.conn.RemoteAddr()
	}
	return nil
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
