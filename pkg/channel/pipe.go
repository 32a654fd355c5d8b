package channel

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

const pipeQueueSize = 64

var errNoCarrier = errors.New("no carrier")

// pipeState is shared by both ends of a pipe
type pipeState struct {
	mu      sync.Mutex
	carrier bool
	done    chan struct{}
	once    sync.Once
	ends    [2]*PipeEnd
}

// PipeEnd is one end of an in-memory connected pair. Frames written to
// one end are read, whole and in order, from the other.
type PipeEnd struct {
	listenerSlot

	in    chan []byte
	peer  *PipeEnd
	state *pipeState

	mu    sync.Mutex
	stats TransportStats
}

// NewPipe returns two connected ends with carrier up
func NewPipe() (*PipeEnd, *PipeEnd) {
	state := &pipeState{carrier: true, done: make(chan struct{})}
	a := &PipeEnd{in: make(chan []byte, pipeQueueSize), state: state}
	b := &PipeEnd{in: make(chan []byte, pipeQueueSize), state: state}
	a.peer, b.peer = b, a
	state.ends = [2]*PipeEnd{a, b}
	return a, b
}

// Read implements PhysicalChannel.Read
func (p *PipeEnd) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.state.done:
		return nil, ErrChannelClosed
	case frame := <-p.in:
		p.mu.Lock()
		p.stats.BytesReceived += uint64(len(frame))
		p.mu.Unlock()
		return frame, nil
	}
}

// Write implements PhysicalChannel.Write. Frames written while carrier
// is down are lost.
func (p *PipeEnd) Write(ctx context.Context, data []byte) error {
	p.state.mu.Lock()
	up := p.state.carrier
	p.state.mu.Unlock()

	if !up {
		p.mu.Lock()
		p.stats.WriteErrors++
		p.mu.Unlock()
		return errNoCarrier
	}

	frame := make([]byte, len(data))
	copy(frame, data)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.state.done:
		return ErrChannelClosed
	case p.peer.in <- frame:
		p.mu.Lock()
		p.stats.BytesSent += uint64(len(data))
		p.mu.Unlock()
		return nil
	}
}

// Close implements PhysicalChannel.Close. Closing either end closes both.
func (p *PipeEnd) Close() error {
	p.state.once.Do(func() {
		close(p.state.done)
		p.SetCarrier(false)
	})
	return nil
}

// Statistics implements PhysicalChannel.Statistics
func (p *PipeEnd) Statistics() TransportStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// SetConnectionStateListener implements PhysicalChannel.SetConnectionStateListener.
// Carrier that is already up is reported at once.
func (p *PipeEnd) SetConnectionStateListener(listener ConnectionStateListener) {
	p.listenerSlot.SetConnectionStateListener(listener)

	p.state.mu.Lock()
	up := p.state.carrier
	p.state.mu.Unlock()
	if up {
		p.notifyConnectionEstablished()
	}
}

// SetCarrier raises or drops carrier on both ends
func (p *PipeEnd) SetCarrier(up bool) {
	p.state.mu.Lock()
	changed := p.state.carrier != up
	p.state.carrier = up
	p.state.mu.Unlock()
	if !changed {
		return
	}

	for _, end := range p.state.ends {
		end.mu.Lock()
		if up {
			end.stats.Connects++
		} else {
			end.stats.Disconnects++
		}
		end.mu.Unlock()

		if up {
			end.notifyConnectionEstablished()
		} else {
			end.notifyConnectionLost()
		}
	}
}
