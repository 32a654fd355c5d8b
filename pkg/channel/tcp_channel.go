package channel

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// TCPChannel implements PhysicalChannel over a TCP stream. Frames are
// delimited with FrameReader; carrier follows the TCP connection.
type TCPChannel struct {
	listenerSlot

	// Connection
	conn     net.Conn
	reader   *FrameReader
	connLock sync.RWMutex

	// Configuration
	address        string
	isServer       bool
	listener       net.Listener
	reconnectDelay time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration

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

// TCPChannelConfig configures a TCP channel
type TCPChannelConfig struct {
	Address        string        // "host:port" format
	IsServer       bool          // true = listen, false = connect
	ReconnectDelay time.Duration // Delay between reconnection attempts (client only)
	ReadTimeout    time.Duration // Drop a silent connection after this long (0 = never)
	WriteTimeout   time.Duration // Write timeout (0 = default)
}

// NewTCPChannel creates a new TCP channel
func NewTCPChannel(config TCPChannelConfig) (*TCPChannel, error) {
	if config.Address == "" {
		return nil, errors.New("address is required")
	}

	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	tc := &TCPChannel{
		address:        config.Address,
		isServer:       config.IsServer,
		reconnectDelay: config.ReconnectDelay,
		readTimeout:    config.ReadTimeout,
		writeTimeout:   config.WriteTimeout,
		ctx:            ctx,
		cancel:         cancel,
	}

	if config.IsServer {
		if err := tc.startServer(); err != nil {
			cancel()
			return nil, err
		}
	} else {
		if err := tc.connect(); err != nil {
			cancel()
			return nil, err
		}
	}

	return tc, nil
}

// startServer starts listening for incoming connections
func (tc *TCPChannel) startServer() error {
	listener, err := net.Listen("tcp", tc.address)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", tc.address)
	}

	tc.listener = listener

	tc.wg.Add(1)
	go tc.acceptLoop()

	return nil
}

// acceptLoop accepts incoming connections. A new peer replaces the old one.
func (tc *TCPChannel) acceptLoop() {
	defer tc.wg.Done()

	for {
		select {
		case <-tc.ctx.Done():
			return
		default:
		}

		if tcpListener, ok := tc.listener.(*net.TCPListener); ok {
			tcpListener.SetDeadline(time.Now().Add(1 * time.Second))
		}

		conn, err := tc.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if tc.closed.Load() {
				return
			}
			continue
		}

		tc.connLock.Lock()
		replaced := tc.conn != nil
		if replaced {
			tc.conn.Close()
			tc.stats.disconnects.Add(1)
		}
		tc.setConn(conn)
		tc.connLock.Unlock()

		if replaced {
			tc.notifyConnectionLost()
		}
		tc.notifyConnectionEstablished()
	}
}

// connect establishes a connection to the remote server
func (tc *TCPChannel) connect() error {
	conn, err := net.DialTimeout("tcp", tc.address, 10*time.Second)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to %s", tc.address)
	}

	tc.connLock.Lock()
	tc.setConn(conn)
	tc.connLock.Unlock()
	tc.notifyConnectionEstablished()

	tc.wg.Add(1)
	go tc.reconnectLoop()

	return nil
}

// setConn installs a connection. Caller holds connLock.
func (tc *TCPChannel) setConn(conn net.Conn) {
	tc.conn = conn
	tc.reader = NewFrameReader(conn)
	tc.stats.connects.Add(1)
}

// reconnectLoop handles automatic reconnection for client mode
func (tc *TCPChannel) reconnectLoop() {
	defer tc.wg.Done()

	for {
		select {
		case <-tc.ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}

		tc.connLock.RLock()
		conn := tc.conn
		tc.connLock.RUnlock()
		if conn != nil {
			continue
		}

		select {
		case <-tc.ctx.Done():
			return
		case <-time.After(tc.reconnectDelay):
		}

		newConn, err := net.DialTimeout("tcp", tc.address, 10*time.Second)
		if err != nil {
			continue
		}

		tc.connLock.Lock()
		if tc.closed.Load() {
			tc.connLock.Unlock()
			newConn.Close()
			return
		}
		tc.setConn(newConn)
		tc.connLock.Unlock()
		tc.notifyConnectionEstablished()
	}
}

// SetConnectionStateListener implements PhysicalChannel.SetConnectionStateListener.
// A connection that is already up is reported at once.
func (tc *TCPChannel) SetConnectionStateListener(listener ConnectionStateListener) {
	tc.listenerSlot.SetConnectionStateListener(listener)
	if tc.IsConnected() {
		tc.notifyConnectionEstablished()
	}
}

// Read implements PhysicalChannel.Read
func (tc *TCPChannel) Read(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tc.ctx.Done():
			return nil, ErrChannelClosed
		default:
		}

		// Wait for a connection
		var conn net.Conn
		var reader *FrameReader
		for {
			tc.connLock.RLock()
			conn, reader = tc.conn, tc.reader
			tc.connLock.RUnlock()

			if conn != nil {
				break
			}

			select {
			case <-time.After(100 * time.Millisecond):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-tc.ctx.Done():
				return nil, ErrChannelClosed
			}
		}

		if tc.readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(tc.readTimeout))
		}

		before := reader.Skipped()
		frame, err := reader.ReadFrame()
		tc.stats.skipped.Add(reader.Skipped() - before)
		if err != nil {
			tc.handleError(conn, &tc.stats.readErrors)
			continue
		}

		tc.stats.bytesReceived.Add(uint64(len(frame)))
		return frame, nil
	}
}

// Write implements PhysicalChannel.Write
func (tc *TCPChannel) Write(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tc.ctx.Done():
		return ErrChannelClosed
	default:
	}

	tc.connLock.RLock()
	conn := tc.conn
	tc.connLock.RUnlock()

	if conn == nil {
		tc.stats.writeErrors.Add(1)
		return errors.New("no connection")
	}

	if tc.writeTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(tc.writeTimeout))
	}

	if _, err := conn.Write(data); err != nil {
		tc.handleError(conn, &tc.stats.writeErrors)
		return err
	}

	tc.stats.bytesSent.Add(uint64(len(data)))
	return nil
}

// Close implements PhysicalChannel.Close
func (tc *TCPChannel) Close() error {
	if !tc.closed.CompareAndSwap(false, true) {
		return nil
	}

	tc.cancel()

	if tc.listener != nil {
		tc.listener.Close()
	}

	tc.connLock.Lock()
	if tc.conn != nil {
		tc.conn.Close()
		tc.stats.disconnects.Add(1)
		tc.conn = nil
		tc.reader = nil
	}
	tc.connLock.Unlock()

	tc.wg.Wait()

	return nil
}

// Statistics implements PhysicalChannel.Statistics
func (tc *TCPChannel) Statistics() TransportStats {
	return TransportStats{
		BytesSent:     tc.stats.bytesSent.Load(),
		BytesReceived: tc.stats.bytesReceived.Load(),
		WriteErrors:   tc.stats.writeErrors.Load(),
		ReadErrors:    tc.stats.readErrors.Load(),
		Connects:      tc.stats.connects.Load(),
		Disconnects:   tc.stats.disconnects.Load(),
		SkippedBytes:  tc.stats.skipped.Load(),
	}
}

// handleError drops conn after an I/O error and reports carrier loss.
// A connection already replaced is left alone.
func (tc *TCPChannel) handleError(conn net.Conn, counter *atomic.Uint64) {
	if tc.closed.Load() {
		return
	}
	counter.Add(1)

	tc.connLock.Lock()
	lost := tc.conn == conn
	if lost {
		tc.conn.Close()
		tc.stats.disconnects.Add(1)
		tc.conn = nil
		tc.reader = nil
	}
	tc.connLock.Unlock()

	if lost {
		tc.notifyConnectionLost()
	}
}

// IsConnected returns true if there is an active connection
func (tc *TCPChannel) IsConnected() bool {
	tc.connLock.RLock()
	defer tc.connLock.RUnlock()
	return tc.conn != nil
}

// LocalAddr returns the local address of the connection
func (tc *TCPChannel) LocalAddr() net.Addr {
	if tc.listener != nil {
		return tc.listener.Addr()
	}
	tc.connLock.RLock()
	defer tc.connLock.RUnlock()
	if tc.conn != nil {
		return tc.conn.LocalAddr()
	}
	return nil
}

// RemoteAddr returns the remote address of the connection
func (tc *TCPChannel) RemoteAddr() net.Addr {
	tc.connLock.RLock()
	defer tc.connLock.RUnlock()
	if tc.conn != nil {
		return tc.conn.RemoteAddr()
	}
	return nil
}
