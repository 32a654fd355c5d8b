package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"avaneesh/ddcmp-go/pkg/internal/logger"

	"github.com/pkg/errors"
)

var (
	ErrChannelClosed = errors.New("channel is closed")
	ErrChannelOpen   = errors.New("channel is already open")
)

const (
	writeQueueSize = 16
	readRetryDelay = 100 * time.Millisecond
)

// FrameHandler receives every frame read from the physical channel.
// It is called from the read goroutine.
type FrameHandler func(frame []byte)

// Channel runs the read and write loops of one physical channel
type Channel struct {
	id              string
	physicalChannel PhysicalChannel
	stats           *Statistics
	logger          logger.Logger

	handler   FrameHandler
	handlerMu sync.RWMutex

	// State
	state   ChannelState
	stateMu sync.RWMutex

	// Concurrency
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Write queue for serializing writes
	writeQueue chan *writeRequest
}

// writeRequest is one frame waiting for the write loop. Exactly one of
// resp and onSent is set.
type writeRequest struct {
	data   []byte
	resp   chan error
	onSent func(error)
}

func (r *writeRequest) done(err error) {
	if r.onSent != nil {
		r.onSent(err)
		return
	}
	r.resp <- err
}

// New creates a new channel
func New(id string, physical PhysicalChannel, log logger.Logger) *Channel {
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Channel{
		id:              id,
		physicalChannel: physical,
		stats:           NewStatistics(),
		logger:          log,
		state:           ChannelStateClosed,
		ctx:             ctx,
		cancel:          cancel,
		writeQueue:      make(chan *writeRequest, writeQueueSize),
	}
}

// ID returns the channel ID
func (c *Channel) ID() string {
	return c.id
}

// SetFrameHandler sets the receiver of incoming frames
func (c *Channel) SetFrameHandler(h FrameHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handler = h
}

// Physical returns the underlying physical channel
func (c *Channel) Physical() PhysicalChannel {
	return c.physicalChannel
}

// Open opens the channel and starts processing
func (c *Channel) Open() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.state == ChannelStateOpen {
		return ErrChannelOpen
	}
	if c.ctx.Err() != nil {
		return ErrChannelClosed
	}

	c.state = ChannelStateOpen

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.writeLoop()
	}()

	c.logger.Info("Channel %s opened", c.id)
	return nil
}

// Close closes the channel. Frames still queued are completed with
// ErrChannelClosed.
func (c *Channel) Close() error {
	c.stateMu.Lock()
	if c.state == ChannelStateClosed {
		c.stateMu.Unlock()
		return nil
	}
	c.state = ChannelStateClosed
	c.stateMu.Unlock()

	c.logger.Info("Channel %s closing", c.id)

	c.cancel()

	if err := c.physicalChannel.Close(); err != nil {
		c.logger.Error("Channel %s: error closing physical channel: %v", c.id, err)
	}

	c.wg.Wait()

	c.logger.Info("Channel %s closed", c.id)
	return nil
}

// readLoop continuously reads frames from the physical channel
func (c *Channel) readLoop() {
	c.logger.Debug("Channel %s read loop started", c.id)
	defer c.logger.Debug("Channel %s read loop stopped", c.id)

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		frame, err := c.physicalChannel.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Debug("Channel %s read error: %v", c.id, err)
			c.stats.ReadError()
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(readRetryDelay):
			}
			continue
		}

		c.stats.FrameRx()

		c.handlerMu.RLock()
		h := c.handler
		c.handlerMu.RUnlock()
		if h != nil {
			h(frame)
		}
	}
}

// writeLoop processes write requests
func (c *Channel) writeLoop() {
	c.logger.Debug("Channel %s write loop started", c.id)
	defer c.logger.Debug("Channel %s write loop stopped", c.id)

	for {
		select {
		case <-c.ctx.Done():
			for {
				select {
				case req := <-c.writeQueue:
					req.done(ErrChannelClosed)
				default:
					return
				}
			}

		case req := <-c.writeQueue:
			err := c.physicalChannel.Write(c.ctx, req.data)
			if err != nil {
				c.stats.WriteError()
				c.logger.Warn("Channel %s write error: %v", c.id, err)
			} else {
				c.stats.FrameTx()
			}
			req.done(err)
		}
	}
}

// Write writes a frame and waits for the result
func (c *Channel) Write(data []byte) error {
	c.stateMu.RLock()
	if c.state != ChannelStateOpen {
		c.stateMu.RUnlock()
		return ErrChannelClosed
	}

	req := &writeRequest{
		data: data,
		resp: make(chan error, 1),
	}

	select {
	case c.writeQueue <- req:
		c.stateMu.RUnlock()
		return <-req.resp
	case <-c.ctx.Done():
		c.stateMu.RUnlock()
		return ErrChannelClosed
	}
}

// TrySend queues a frame without blocking. It returns false if the
// channel is closed or the write queue is full; otherwise onSent is
// called exactly once, from the write goroutine, when the frame has been
// written or abandoned.
func (c *Channel) TrySend(data []byte, onSent func(error)) bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	if c.state != ChannelStateOpen {
		c.stats.Refused()
		return false
	}

	select {
	case c.writeQueue <- &writeRequest{data: data, onSent: onSent}:
		return true
	default:
		c.stats.Refused()
		return false
	}
}

// GetStatistics returns channel statistics
func (c *Channel) GetStatistics() *Statistics {
	return c.stats
}

// GetPhysicalStatistics returns physical channel statistics
func (c *Channel) GetPhysicalStatistics() TransportStats {
	return c.physicalChannel.Statistics()
}

// State returns the current channel state
func (c *Channel) State() ChannelState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// String returns string representation of channel
func (c *Channel) String() string {
	return fmt.Sprintf("Channel{ID=%s, State=%s}", c.id, c.State())
}
