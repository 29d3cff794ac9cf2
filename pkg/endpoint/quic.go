package endpoint

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"avaneesh/mbim-go/pkg/channel"
	"avaneesh/mbim-go/pkg/internal/logger"
)

// ALPN is the application protocol negotiated by bridge clients and servers
const ALPN = "mbim-bridge"

// KeepAlivePeriod keeps idle bridge sessions from hitting the QUIC idle timeout
const KeepAlivePeriod = 10 * time.Second

// QUICEndpoint drives a modem exported by a bridge server over a single QUIC stream
type QUICEndpoint struct {
	udpConn    *net.UDPConn
	connection *quic.Conn
	stream     *quic.Stream
	connLock   sync.Mutex
	address    string

	stats  counters
	logger logger.Logger
	closed atomic.Bool
}

// QUICConfig configures a QUIC endpoint
type QUICConfig struct {
	Address     string        // "host:port" format
	DialTimeout time.Duration // Handshake timeout
	TLSConfig   *tls.Config   // Optional TLS config (if nil, accepts the bridge's self-signed cert)
}

// NewQUICEndpoint connects to a bridge server and opens the fragment stream
func NewQUICEndpoint(config QUICConfig, log logger.Logger) (*QUICEndpoint, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("address is required")
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 10 * time.Second
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	tlsConfig := config.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{
			NextProtos:         []string{ALPN},
			InsecureSkipVerify: true, // For self-signed certs
		}
	}

	udpAddr, err := net.ResolveUDPAddr("udp", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve local UDP address: %w", err)
	}

	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create UDP socket: %w", err)
	}

	remoteAddr, err := net.ResolveUDPAddr("udp", config.Address)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("failed to resolve remote address %s: %w", config.Address, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()

	conn, err := quic.Dial(ctx, udpConn, remoteAddr, tlsConfig, &quic.Config{KeepAlivePeriod: KeepAlivePeriod})
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", config.Address, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "failed to open stream")
		udpConn.Close()
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	qe := &QUICEndpoint{
		udpConn:    udpConn,
		connection: conn,
		stream:     stream,
		address:    config.Address,
		logger:     log,
	}
	qe.stats.connects.Add(1)
	qe.logger.Info("QUIC endpoint connected to %s", config.Address)
	return qe, nil
}

// Run implements channel.Endpoint.Run
func (qe *QUICEndpoint) Run(ctx context.Context, requests *channel.RequestQueue, responses chan<- []byte) error {
	qe.connLock.Lock()
	conn, stream := qe.connection, qe.stream
	qe.connLock.Unlock()
	if conn == nil {
		return fmt.Errorf("QUIC endpoint %s is closed", qe.address)
	}

	rwc := countingStream{ReadWriteCloser: QUICStream(conn, stream), stats: &qe.stats}
	err := Pump(ctx, rwc, requests, responses)
	qe.stats.disconnects.Add(1)
	return err
}

// Close implements channel.Endpoint.Close
func (qe *QUICEndpoint) Close() error {
	if !qe.closed.CompareAndSwap(false, true) {
		return nil
	}

	qe.connLock.Lock()
	defer qe.connLock.Unlock()

	if qe.connection != nil {
		qe.connection.CloseWithError(0, "endpoint closed")
		qe.connection = nil
		qe.stream = nil
	}
	if qe.udpConn != nil {
		err := qe.udpConn.Close()
		qe.udpConn = nil
		if err != nil && !isClosedConnError(err) {
			return err
		}
	}
	return nil
}

// Statistics returns transport statistics
func (qe *QUICEndpoint) Statistics() TransportStats {
	return qe.stats.snapshot()
}

// RemoteAddr returns the bridge address
func (qe *QUICEndpoint) RemoteAddr() net.Addr {
	qe.connLock.Lock()
	defer qe.connLock.Unlock()
	if qe.connection != nil {
		return qe.connection.RemoteAddr()
	}
	return nil
}

// quicStream closes the whole connection on Close so that blocked reads return
type quicStream struct {
	*quic.Stream
	conn *quic.Conn
}

// QUICStream adapts a stream to io.ReadWriteCloser for Pump
func QUICStream(conn *quic.Conn, stream *quic.Stream) io.ReadWriteCloser {
	return quicStream{Stream: stream, conn: conn}
}

func (s quicStream) Close() error {
	s.Stream.CancelRead(0)
	s.Stream.Close()
	return s.conn.CloseWithError(0, "stream closed")
}

// GenerateTLSConfig generates a self-signed certificate for a bridge server
func GenerateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{ALPN},
	}, nil
}
