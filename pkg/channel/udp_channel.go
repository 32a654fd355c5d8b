package channel

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"avaneesh/ddcmp-go/pkg/ddcmp"

	"github.com/pkg/errors"
)

// maxDatagram holds the largest DDCMP frame
const maxDatagram = ddcmp.HeaderSize + ddcmp.MaxDataLength + ddcmp.CRCSize

// UDPChannel implements PhysicalChannel over UDP, one frame per datagram.
// A server reports carrier once the first peer has been heard from; a
// client reports it as soon as its socket is bound.
type UDPChannel struct {
	listenerSlot

	// Connection
	conn     *net.UDPConn
	connLock sync.RWMutex

	// Configuration
	address      string
	isServer     bool
	remoteAddr   *net.UDPAddr // Client mode destination
	lastPeerAddr *net.UDPAddr // Server mode: last peer heard from
	peerLock     sync.RWMutex
	readTimeout  time.Duration
	writeTimeout time.Duration

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
	closed atomic.Bool
}

// UDPChannelConfig configures a UDP channel
type UDPChannelConfig struct {
	Address      string        // "host:port" format
	IsServer     bool          // true = bind and answer the last peer, false = send to Address
	ReadTimeout  time.Duration // Poll interval for context checks (0 = default)
	WriteTimeout time.Duration // Write timeout (0 = default)
}

// NewUDPChannel creates a new UDP channel
func NewUDPChannel(config UDPChannelConfig) (*UDPChannel, error) {
	if config.Address == "" {
		return nil, errors.New("address is required")
	}

	if config.ReadTimeout == 0 {
		config.ReadTimeout = 1 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	uc := &UDPChannel{
		address:      config.Address,
		isServer:     config.IsServer,
		readTimeout:  config.ReadTimeout,
		writeTimeout: config.WriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	if err := uc.initialize(); err != nil {
		cancel()
		return nil, err
	}

	return uc, nil
}

// initialize sets up the UDP socket
func (uc *UDPChannel) initialize() error {
	addr, err := net.ResolveUDPAddr("udp", uc.address)
	if err != nil {
		return errors.Wrapf(err, "failed to resolve UDP address %s", uc.address)
	}

	if uc.isServer {
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return errors.Wrapf(err, "failed to listen on %s", uc.address)
		}
		uc.conn = conn
		return nil
	}

	uc.remoteAddr = addr
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return errors.Wrap(err, "failed to create UDP socket")
	}
	uc.conn = conn
	uc.stats.connects.Add(1)
	return nil
}

// SetConnectionStateListener implements PhysicalChannel.SetConnectionStateListener.
// A client reports carrier immediately.
func (uc *UDPChannel) SetConnectionStateListener(listener ConnectionStateListener) {
	uc.listenerSlot.SetConnectionStateListener(listener)
	if !uc.isServer && !uc.closed.Load() {
		uc.notifyConnectionEstablished()
	}
}

// Read implements PhysicalChannel.Read
func (uc *UDPChannel) Read(ctx context.Context) ([]byte, error) {
	buffer := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-uc.ctx.Done():
			return nil, ErrChannelClosed
		default:
		}

		uc.connLock.RLock()
		conn := uc.conn
		uc.connLock.RUnlock()

		if conn == nil {
			return nil, ErrChannelClosed
		}

		if uc.readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(uc.readTimeout))
		}

		n, remoteAddr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if uc.closed.Load() {
				return nil, ErrChannelClosed
			}
			uc.stats.readErrors.Add(1)
			return nil, err
		}

		if uc.isServer && remoteAddr != nil {
			uc.peerLock.Lock()
			first := uc.lastPeerAddr == nil
			uc.lastPeerAddr = remoteAddr
			uc.peerLock.Unlock()
			if first {
				uc.stats.connects.Add(1)
				uc.notifyConnectionEstablished()
			}
		}

		if n < ddcmp.HeaderSize || !isFrameType(buffer[0]) {
			uc.stats.skipped.Add(uint64(n))
			continue
		}

		uc.stats.bytesReceived.Add(uint64(n))
		frame := make([]byte, n)
		copy(frame, buffer[:n])
		return frame, nil
	}
}

// Write implements PhysicalChannel.Write
func (uc *UDPChannel) Write(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-uc.ctx.Done():
		return ErrChannelClosed
	default:
	}

	uc.connLock.RLock()
	conn := uc.conn
	uc.connLock.RUnlock()

	if conn == nil {
		uc.stats.writeErrors.Add(1)
		return ErrChannelClosed
	}

	destAddr := uc.remoteAddr
	if uc.isServer {
		uc.peerLock.RLock()
		destAddr = uc.lastPeerAddr
		uc.peerLock.RUnlock()

		if destAddr == nil {
			uc.stats.writeErrors.Add(1)
			return errors.New("no peer address available (no data received yet)")
		}
	}

	if uc.writeTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(uc.writeTimeout))
	}

	if _, err := conn.WriteToUDP(data, destAddr); err != nil {
		uc.stats.writeErrors.Add(1)
		return err
	}

	uc.stats.bytesSent.Add(uint64(len(data)))
	return nil
}

// Close implements PhysicalChannel.Close
func (uc *UDPChannel) Close() error {
	if !uc.closed.CompareAndSwap(false, true) {
		return nil
	}

	uc.cancel()

	uc.connLock.Lock()
	if uc.conn != nil {
		uc.conn.Close()
		uc.stats.disconnects.Add(1)
		uc.conn = nil
	}
	uc.connLock.Unlock()

	return nil
}

// Statistics implements PhysicalChannel.Statistics
func (uc *UDPChannel) Statistics() TransportStats {
	return TransportStats{
		BytesSent:     uc.stats.bytesSent.Load(),
		BytesReceived: uc.stats.bytesReceived.Load(),
		WriteErrors:   uc.stats.writeErrors.Load(),
		ReadErrors:    uc.stats.readErrors.Load(),
		Connects:      uc.stats.connects.Load(),
		Disconnects:   uc.stats.disconnects.Load(),
		SkippedBytes:  uc.stats.skipped.Load(),
	}
}

// LocalAddr returns the local address of the socket
func (uc *UDPChannel) LocalAddr() net.Addr {
	uc.connLock.RLock()
	defer uc.connLock.RUnlock()
	if uc.conn != nil {
		return uc.conn.LocalAddr()
	}
	return nil
}

// RemoteAddr returns the peer address: the last peer heard from in
// server mode, the configured address in client mode
func (uc *UDPChannel) RemoteAddr() net.Addr {
	if uc.isServer {
		uc.peerLock.RLock()
		defer uc.peerLock.RUnlock()
		if uc.lastPeerAddr == nil {
			return nil
		}
		return uc.lastPeerAddr
	}
	return uc.remoteAddr
}
