package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

// SerialChannel implements PhysicalChannel on a serial port. DTR follows
// the line enable request; carrier is DSR or DCD, polled.
type SerialChannel struct {
	listenerSlot

	port      serial.Port
	reader    *FrameReader
	writeLock sync.Mutex

	// Configuration
	name          string
	pollInterval  time.Duration
	ignoreCarrier bool

	carrier atomic.Bool

	// Statistics
	stats struct {
		bytesSent     atomic.Uint64
		bytesReceived atomic.Uint64
		writeErrors   atomic.Uint64
		readErrors    atomic.Uint64
		connects      atomic.Uint64
		disconnects   atomic.Uint64
	}

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// SerialChannelConfig configures a serial channel
type SerialChannelConfig struct {
	Port          string        // Device name, e.g. /dev/ttyUSB0
	BaudRate      int           // Line speed (0 = 9600)
	PollInterval  time.Duration // Modem status poll period (0 = 250ms)
	ReadTimeout   time.Duration // Port read timeout (0 = 100ms)
	IgnoreCarrier bool          // Treat the line as always connected
}

// NewSerialChannel opens a serial port
func NewSerialChannel(config SerialChannelConfig) (*SerialChannel, error) {
	if config.Port == "" {
		return nil, errors.New("port is required")
	}

	if config.BaudRate == 0 {
		config.BaudRate = 9600
	}
	if config.PollInterval == 0 {
		config.PollInterval = 250 * time.Millisecond
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 100 * time.Millisecond
	}

	mode := &serial.Mode{
		BaudRate: config.BaudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(config.Port, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", config.Port)
	}
	if err := port.SetReadTimeout(config.ReadTimeout); err != nil {
		port.Close()
		return nil, errors.Wrapf(err, "failed to set read timeout on %s", config.Port)
	}

	ctx, cancel := context.WithCancel(context.Background())

	sc := &SerialChannel{
		port:          port,
		name:          config.Port,
		pollInterval:  config.PollInterval,
		ignoreCarrier: config.IgnoreCarrier,
		ctx:           ctx,
		cancel:        cancel,
	}
	sc.reader = NewFrameReader(&portReader{sc: sc})

	sc.wg.Add(1)
	go sc.pollLoop()

	return sc, nil
}

// portReader turns read timeouts into retries so FrameReader only sees
// data, errors or close
type portReader struct {
	sc *SerialChannel
}

func (r *portReader) Read(p []byte) (int, error) {
	for {
		n, err := r.sc.port.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
		if r.sc.closed.Load() {
			return 0, ErrChannelClosed
		}
	}
}

// pollLoop samples the modem status lines and reports carrier changes
func (sc *SerialChannel) pollLoop() {
	defer sc.wg.Done()

	ticker := time.NewTicker(sc.pollInterval)
	defer ticker.Stop()

	for {
		sc.sampleCarrier()

		select {
		case <-sc.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (sc *SerialChannel) sampleCarrier() {
	up := true
	if !sc.ignoreCarrier {
		bits, err := sc.port.GetModemStatusBits()
		if err != nil {
			sc.stats.readErrors.Add(1)
			return
		}
		up = bits.DSR || bits.DCD
	}

	if sc.carrier.Swap(up) == up {
		return
	}
	if up {
		sc.stats.connects.Add(1)
		sc.notifyConnectionEstablished()
	} else {
		sc.stats.disconnects.Add(1)
		sc.notifyConnectionLost()
	}
}

// SetConnectionStateListener implements PhysicalChannel.SetConnectionStateListener.
// Carrier that is already up is reported at once.
func (sc *SerialChannel) SetConnectionStateListener(listener ConnectionStateListener) {
	sc.listenerSlot.SetConnectionStateListener(listener)
	if sc.carrier.Load() {
		sc.notifyConnectionEstablished()
	}
}

// SetDTR implements LineControl
func (sc *SerialChannel) SetDTR(enabled bool) error {
	if sc.closed.Load() {
		return ErrChannelClosed
	}
	return errors.Wrapf(sc.port.SetDTR(enabled), "%s: set DTR", sc.name)
}

// Read implements PhysicalChannel.Read
func (sc *SerialChannel) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-sc.ctx.Done():
		return nil, ErrChannelClosed
	default:
	}

	frame, err := sc.reader.ReadFrame()
	if err != nil {
		if sc.closed.Load() {
			return nil, ErrChannelClosed
		}
		sc.stats.readErrors.Add(1)
		return nil, errors.Wrapf(err, "%s: read", sc.name)
	}

	sc.stats.bytesReceived.Add(uint64(len(frame)))
	return frame, nil
}

// Write implements PhysicalChannel.Write
func (sc *SerialChannel) Write(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sc.ctx.Done():
		return ErrChannelClosed
	default:
	}

	sc.writeLock.Lock()
	defer sc.writeLock.Unlock()

	if _, err := sc.port.Write(data); err != nil {
		sc.stats.writeErrors.Add(1)
		return errors.Wrapf(err, "%s: write", sc.name)
	}

	sc.stats.bytesSent.Add(uint64(len(data)))
	return nil
}

// Close implements PhysicalChannel.Close
func (sc *SerialChannel) Close() error {
	if !sc.closed.CompareAndSwap(false, true) {
		return nil
	}

	sc.cancel()
	sc.wg.Wait()

	sc.port.SetDTR(false)
	return sc.port.Close()
}

// Statistics implements PhysicalChannel.Statistics
func (sc *SerialChannel) Statistics() TransportStats {
	return TransportStats{
		BytesSent:     sc.stats.bytesSent.Load(),
		BytesReceived: sc.stats.bytesReceived.Load(),
		WriteErrors:   sc.stats.writeErrors.Load(),
		ReadErrors:    sc.stats.readErrors.Load(),
		Connects:      sc.stats.connects.Load(),
		Disconnects:   sc.stats.disconnects.Load(),
		SkippedBytes:  sc.reader.Skipped(),
	}
}
