package channel

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
)

// quicProtocol is the ALPN name offered by both ends
const quicProtocol = "ddcmp-quic"

// QUICChannel implements PhysicalChannel over one bidirectional QUIC
// stream. Frames are delimited with FrameReader; carrier follows the
// stream.
type QUICChannel struct {
	listenerSlot

	// Connection
	connection *quic.Conn
	stream     *quic.Stream
	reader     *FrameReader
	connLock   sync.RWMutex
	streamLock sync.RWMutex

	// Configuration
	address        string
	isServer       bool
	listener       *quic.Listener
	reconnectDelay time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	tlsConfig      *tls.Config

	// Statistics
	stats struct {
		bytesSent     atomic.Uint64
		bytesReceived atomic.Uint64
		writeErrors   atomic.Uint64
		readErrors    atomic.Uint64
		connects      atomic.Uint64
		disconnects   atomic.Uint64
		skipped       atomic.Uint64
	}

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// QUICChannelConfig configures a QUIC channel
type QUICChannelConfig struct {
	Address        string        // "host:port" format
	IsServer       bool          // true = listen, false = connect
	ReconnectDelay time.Duration // Delay between reconnection attempts (client only)
	ReadTimeout    time.Duration // Drop a silent stream after this long (0 = never)
	WriteTimeout   time.Duration // Write timeout (0 = default)
	TLSConfig      *tls.Config   // Optional TLS config (if nil, a self-signed cert is generated)
}

// NewQUICChannel creates a new QUIC channel
func NewQUICChannel(config QUICChannelConfig) (*QUICChannel, error) {
	if config.Address == "" {
		return nil, errors.New("address is required")
	}

	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}

	tlsConfig := config.TLSConfig
	if tlsConfig == nil {
		var err error
		tlsConfig, err = generateTLSConfig()
		if err != nil {
			return nil, errors.Wrap(err, "failed to generate TLS config")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	qc := &QUICChannel{
		address:        config.Address,
		isServer:       config.IsServer,
		reconnectDelay: config.ReconnectDelay,
		readTimeout:    config.ReadTimeout,
		writeTimeout:   config.WriteTimeout,
		tlsConfig:      tlsConfig,
		ctx:            ctx,
		cancel:         cancel,
	}

	if config.IsServer {
		if err := qc.startServer(); err != nil {
			cancel()
			return nil, err
		}
	} else {
		if err := qc.connect(); err != nil {
			cancel()
			return nil, err
		}
	}

	return qc, nil
}

// generateTLSConfig generates a self-signed certificate for QUIC
func generateTLSConfig() (*tls.Config, error) {
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
		Certificates:       []tls.Certificate{tlsCert},
		NextProtos:         []string{quicProtocol},
		InsecureSkipVerify: true, // Self-signed
	}, nil
}

// startServer starts listening for incoming QUIC connections
func (qc *QUICChannel) startServer() error {
	udpAddr, err := net.ResolveUDPAddr("udp", qc.address)
	if err != nil {
		return errors.Wrapf(err, "failed to resolve UDP address %s", qc.address)
	}

	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", qc.address)
	}

	listener, err := quic.Listen(udpConn, qc.tlsConfig, nil)
	if err != nil {
		udpConn.Close()
		return errors.Wrap(err, "failed to create QUIC listener")
	}

	qc.listener = listener

	qc.wg.Add(1)
	go qc.acceptLoop()

	return nil
}

// acceptLoop accepts incoming QUIC connections. A new peer replaces the old one.
func (qc *QUICChannel) acceptLoop() {
	defer qc.wg.Done()

	for {
		conn, err := qc.listener.Accept(qc.ctx)
		if err != nil {
			if qc.closed.Load() || qc.ctx.Err() != nil {
				return
			}
			continue
		}

		qc.wg.Add(1)
		go qc.acceptStream(conn)
	}
}

// acceptStream waits for the peer's stream on conn and installs it
func (qc *QUICChannel) acceptStream(conn *quic.Conn) {
	defer qc.wg.Done()

	stream, err := conn.AcceptStream(qc.ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return
	}

	qc.install(conn, stream)
}

// connect establishes a QUIC connection to the remote server
func (qc *QUICChannel) connect() error {
	conn, stream, err := qc.dial()
	if err != nil {
		return err
	}
	qc.install(conn, stream)

	qc.wg.Add(1)
	go qc.reconnectLoop()

	return nil
}

// dial opens a connection and its stream
func (qc *QUICChannel) dial() (*quic.Conn, *quic.Stream, error) {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create UDP socket")
	}

	remoteAddr, err := net.ResolveUDPAddr("udp", qc.address)
	if err != nil {
		udpConn.Close()
		return nil, nil, errors.Wrapf(err, "failed to resolve remote address %s", qc.address)
	}

	conn, err := quic.Dial(qc.ctx, udpConn, remoteAddr, qc.tlsConfig, nil)
	if err != nil {
		udpConn.Close()
		return nil, nil, errors.Wrapf(err, "failed to connect to %s", qc.address)
	}

	stream, err := conn.OpenStreamSync(qc.ctx)
	if err != nil {
		conn.CloseWithError(0, "failed to open stream")
		return nil, nil, errors.Wrap(err, "failed to open stream")
	}

	return conn, stream, nil
}

// install makes conn and stream current, replacing any previous pair
func (qc *QUICChannel) install(conn *quic.Conn, stream *quic.Stream) {
	qc.connLock.Lock()
	replaced := qc.connection != nil
	if replaced {
		qc.connection.CloseWithError(0, "replaced")
		qc.stats.disconnects.Add(1)
	}
	qc.connection = conn
	qc.stats.connects.Add(1)
	qc.connLock.Unlock()

	qc.streamLock.Lock()
	if qc.stream != nil {
		qc.stream.Close()
	}
	qc.stream = stream
	qc.reader = NewFrameReader(stream)
	qc.streamLock.Unlock()

	if replaced {
		qc.notifyConnectionLost()
	}
	qc.notifyConnectionEstablished()
}

// reconnectLoop handles automatic reconnection for client mode
func (qc *QUICChannel) reconnectLoop() {
	defer qc.wg.Done()

	for {
		select {
		case <-qc.ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}

		qc.connLock.RLock()
		conn := qc.connection
		qc.connLock.RUnlock()

		if conn != nil && conn.Context().Err() == nil {
			continue
		}
		if conn != nil {
			qc.drop(conn)
		}

		select {
		case <-qc.ctx.Done():
			return
		case <-time.After(qc.reconnectDelay):
		}

		newConn, stream, err := qc.dial()
		if err != nil {
			continue
		}
		if qc.closed.Load() {
			newConn.CloseWithError(0, "channel closed")
			return
		}
		qc.install(newConn, stream)
	}
}

// SetConnectionStateListener implements PhysicalChannel.SetConnectionStateListener.
// A connection that is already up is reported at once.
func (qc *QUICChannel) SetConnectionStateListener(listener ConnectionStateListener) {
	qc.listenerSlot.SetConnectionStateListener(listener)
	if qc.IsConnected() {
		qc.notifyConnectionEstablished()
	}
}

// Read implements PhysicalChannel.Read
func (qc *QUICChannel) Read(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-qc.ctx.Done():
			return nil, ErrChannelClosed
		default:
		}

		var stream *quic.Stream
		var reader *FrameReader
		for {
			qc.streamLock.RLock()
			stream, reader = qc.stream, qc.reader
			qc.streamLock.RUnlock()

			if stream != nil {
				break
			}

			select {
			case <-time.After(100 * time.Millisecond):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-qc.ctx.Done():
				return nil, ErrChannelClosed
			}
		}

		if qc.readTimeout > 0 {
			stream.SetReadDeadline(time.Now().Add(qc.readTimeout))
		}

		before := reader.Skipped()
		frame, err := reader.ReadFrame()
		qc.stats.skipped.Add(reader.Skipped() - before)
		if err != nil {
			qc.stats.readErrors.Add(1)
			qc.dropStream(stream)
			continue
		}

		qc.stats.bytesReceived.Add(uint64(len(frame)))
		return frame, nil
	}
}

// Write implements PhysicalChannel.Write
func (qc *QUICChannel) Write(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-qc.ctx.Done():
		return ErrChannelClosed
	default:
	}

	qc.streamLock.RLock()
	stream := qc.stream
	qc.streamLock.RUnlock()

	if stream == nil {
		qc.stats.writeErrors.Add(1)
		return errors.New("no stream")
	}

	if qc.writeTimeout > 0 {
		stream.SetWriteDeadline(time.Now().Add(qc.writeTimeout))
	}

	if _, err := stream.Write(data); err != nil {
		qc.stats.writeErrors.Add(1)
		qc.dropStream(stream)
		return err
	}

	qc.stats.bytesSent.Add(uint64(len(data)))
	return nil
}

// dropStream tears down the connection owning stream after an I/O error
func (qc *QUICChannel) dropStream(stream *quic.Stream) {
	qc.streamLock.RLock()
	current := qc.stream == stream
	qc.streamLock.RUnlock()
	if !current {
		return
	}

	qc.connLock.RLock()
	conn := qc.connection
	qc.connLock.RUnlock()
	qc.drop(conn)
}

// drop closes conn and its stream if they are still current and
// reports carrier loss
func (qc *QUICChannel) drop(conn *quic.Conn) {
	if qc.closed.Load() || conn == nil {
		return
	}

	qc.connLock.Lock()
	lost := qc.connection == conn
	if lost {
		qc.connection.CloseWithError(0, "connection lost")
		qc.stats.disconnects.Add(1)
		qc.connection = nil
	}
	qc.connLock.Unlock()
	if !lost {
		return
	}

	qc.streamLock.Lock()
	if qc.stream != nil {
		qc.stream.Close()
		qc.stream = nil
		qc.reader = nil
	}
	qc.streamLock.Unlock()

	qc.notifyConnectionLost()
}

// Close implements PhysicalChannel.Close
func (qc *QUICChannel) Close() error {
	if !qc.closed.CompareAndSwap(false, true) {
		return nil
	}

	qc.cancel()

	if qc.listener != nil {
		qc.listener.Close()
	}

	qc.streamLock.Lock()
	if qc.stream != nil {
		qc.stream.Close()
		qc.stream = nil
		qc.reader = nil
	}
	qc.streamLock.Unlock()

	qc.connLock.Lock()
	if qc.connection != nil {
		qc.connection.CloseWithError(0, "channel closed")
		qc.stats.disconnects.Add(1)
		qc.connection = nil
	}
	qc.connLock.Unlock()

	qc.wg.Wait()

	return nil
}

// Statistics implements PhysicalChannel.Statistics
func (qc *QUICChannel) Statistics() TransportStats {
	return TransportStats{
		BytesSent:     qc.stats.bytesSent.Load(),
		BytesReceived: qc.stats.bytesReceived.Load(),
		WriteErrors:   qc.stats.writeErrors.Load(),
		ReadErrors:    qc.stats.readErrors.Load(),
		Connects:      qc.stats.connects.Load(),
		Disconnects:   qc.stats.disconnects.Load(),
		SkippedBytes:  qc.stats.skipped.Load(),
	}
}

// IsConnected returns true if there is an active connection
func (qc *QUICChannel) IsConnected() bool {
	qc.connLock.RLock()
	defer qc.connLock.RUnlock()
	return qc.connection != nil && qc.connection.Context().Err() == nil
}

// LocalAddr returns the local address of the connection
func (qc *QUICChannel) LocalAddr() net.Addr {
	if qc.listener != nil {
		return qc.listener.Addr()
	}
	qc.connLock.RLock()
	defer qc.connLock.RUnlock()
	if qc.connection != nil {
		return qc.connection.LocalAddr()
	}
	return nil
}

// RemoteAddr returns the remote address of the connection
func (qc *QUICChannel) RemoteAddr() net.Addr {
	qc.connLock.RLock()
	defer qc.connLock.RUnlock()
	if qc.connection != nil {
		return qc.connection.RemoteAddr()
	}
	return nil
}
