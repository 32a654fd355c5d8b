package controller

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"avaneesh/ddcmp-go/pkg/channel"
	"avaneesh/ddcmp-go/pkg/ddcmp"
	"avaneesh/ddcmp-go/pkg/internal/logger"
	"avaneesh/ddcmp-go/pkg/journal"

	"github.com/pkg/errors"
)

var (
	ErrNotRunning     = errors.New("controller is not running")
	ErrAlreadyRunning = errors.New("controller is already running")
)

const (
	frameQueueSize  = 64
	statusQueueSize = 16
)

// CompletionHandler receives every completion of a line. It runs on the
// controller goroutine and must not call back into the controller.
type CompletionHandler func(c ddcmp.Completion)

// Recorder stores line events. *journal.Journal implements it.
type Recorder interface {
	Record(ev journal.LineEvent) error
}

// Status is a snapshot of a line
type Status struct {
	State     ddcmp.State
	Vars      ddcmp.Vars
	Counters  ddcmp.Counters
	Receive   int // Receive buffers waiting for data
	Transmit  int // Transmit buffers not yet sent
	AckWait   int // Buffers sent and not yet acknowledged
	Connected bool
}

// request is a host call executed on the controller goroutine
type request struct {
	fn   func() error
	resp chan error
}

// Controller drives one DDCMP line. A single goroutine, Run, owns the
// link; host calls, received frames, transmit completions, carrier
// changes and timer ticks are all serialised through it.
type Controller struct {
	cfg     Config
	link    *ddcmp.Link
	ch      *channel.Channel
	logger  logger.Logger
	handler CompletionHandler
	rec     Recorder
	corrupt *channel.Corruptor

	requests chan request
	frames   chan []byte
	sent     chan struct{}
	status   chan bool

	// Completions of frames the corruption policy dropped
	pendingSent int
	lastState   ddcmp.State

	running atomic.Bool
	done    chan struct{}
}

// New creates a controller for a line carried by physical
func New(cfg Config, physical channel.PhysicalChannel, handler CompletionHandler, log logger.Logger) *Controller {
	cfg.applyDefaults()
	if log == nil {
		log = logger.GetDefault()
	}

	c := &Controller{
		cfg:      cfg,
		ch:       channel.New(cfg.ID, physical, log),
		logger:   log,
		handler:  handler,
		requests: make(chan request),
		frames:   make(chan []byte, frameQueueSize),
		sent:     make(chan struct{}, frameQueueSize),
		status:   make(chan bool, statusQueueSize),
		done:     make(chan struct{}),
	}
	c.link = ddcmp.NewLink(cfg.Link, ddcmp.TransmitterFunc(c.transmit), log)
	c.lastState = c.link.State()
	if cfg.CorruptPerMille > 0 {
		c.corrupt = channel.NewCorruptor(cfg.CorruptPerMille, cfg.CorruptSeed)
	}
	return c
}

// SetRecorder sets the journal for line events. Call before Run.
func (c *Controller) SetRecorder(r Recorder) {
	c.rec = r
}

// ID returns the line id
func (c *Controller) ID() string {
	return c.cfg.ID
}

// Channel returns the channel carrying the line
func (c *Controller) Channel() *channel.Channel {
	return c.ch
}

// Run drives the line until ctx is cancelled or the link hits a fatal
// error, which is returned. Run may be called once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	c.ch.SetFrameHandler(c.onFrame)
	if err := c.ch.Open(); err != nil {
		close(c.done)
		return errors.Wrapf(err, "line %s", c.cfg.ID)
	}
	defer func() {
		close(c.done)
		c.ch.Close()
	}()
	c.ch.Physical().SetConnectionStateListener(carrier{c})

	c.logger.Info("Line %s: controller started", c.cfg.ID)
	if c.cfg.EnableOnRun {
		c.setLineEnabled(true)
		c.flush()
	}

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Line %s: controller stopping", c.cfg.ID)
			return nil
		case req := <-c.requests:
			req.resp <- req.fn()
		case frame := <-c.frames:
			c.receive(frame)
		case <-c.sent:
			c.link.TransmitComplete()
		case up := <-c.status:
			if up {
				c.logger.Info("Line %s: carrier up", c.cfg.ID)
			} else {
				c.logger.Info("Line %s: carrier down", c.cfg.ID)
			}
			c.link.SetLineConnected(up)
		case <-ticker.C:
			c.link.Tick()
		}

		c.flush()
		if err := c.link.Err(); err != nil {
			return err
		}
	}
}

// flush finishes locally completed transmissions, then hands every
// completion to the host and the journal
func (c *Controller) flush() {
	for c.pendingSent > 0 {
		c.pendingSent--
		c.link.TransmitComplete()
	}

	for {
		comp, ok := c.link.TakeCompletion()
		if !ok {
			break
		}
		c.record(journal.LineEvent{
			Kind:     journal.KindCompletion,
			Event:    comp.Event.String(),
			BufferID: comp.BufferID,
			Length:   comp.Length,
		})
		if comp.Event == ddcmp.EventFatal && c.link.Err() != nil {
			c.record(journal.LineEvent{
				Kind:   journal.KindFatal,
				Detail: fmt.Sprintf("%v\n%s", c.link.Err(), c.link.Dump()),
			})
		}
		if c.handler != nil {
			c.handler(comp)
		}
	}

	if s := c.link.State(); s != c.lastState {
		c.lastState = s
		c.record(journal.LineEvent{Kind: journal.KindState})
	}
}

func (c *Controller) record(ev journal.LineEvent) {
	if c.rec == nil {
		return
	}
	ev.Line = c.cfg.ID
	ev.State = c.link.State().String()
	if err := c.rec.Record(ev); err != nil {
		c.logger.Warn("Line %s: journal: %v", c.cfg.ID, err)
	}
}

// transmit is the link's Transmitter
func (c *Controller) transmit(frame []byte) bool {
	if logger.FrameDebug() {
		c.logger.Debug("Line %s TX %d bytes\n%s", c.cfg.ID, len(frame), logger.HexDump(frame))
	}

	if c.corrupt != nil {
		out, what := c.corrupt.Apply(frame)
		switch what {
		case channel.CorruptDrop:
			c.ch.GetStatistics().Dropped()
			c.logger.Debug("Line %s: outbound frame dropped", c.cfg.ID)
			c.pendingSent++
			return true
		case channel.CorruptFlip:
			c.ch.GetStatistics().Corrupted()
			c.logger.Debug("Line %s: outbound frame corrupted", c.cfg.ID)
		}
		frame = out
	}

	return c.ch.TrySend(frame, c.onSent)
}

// onSent runs on the channel's write goroutine
func (c *Controller) onSent(err error) {
	if err != nil {
		c.logger.Debug("Line %s: frame lost: %v", c.cfg.ID, err)
	}
	select {
	case c.sent <- struct{}{}:
	case <-c.done:
	}
}

// onFrame runs on the channel's read goroutine
func (c *Controller) onFrame(frame []byte) {
	select {
	case c.frames <- frame:
	case <-c.done:
	}
}

func (c *Controller) receive(frame []byte) {
	if c.corrupt != nil {
		out, what := c.corrupt.Apply(frame)
		switch what {
		case channel.CorruptDrop:
			c.ch.GetStatistics().Dropped()
			c.logger.Debug("Line %s: inbound frame dropped", c.cfg.ID)
			return
		case channel.CorruptFlip:
			c.ch.GetStatistics().Corrupted()
			c.logger.Debug("Line %s: inbound frame corrupted", c.cfg.ID)
		}
		frame = out
	}

	if logger.FrameDebug() {
		c.logger.Debug("Line %s RX %d bytes\n%s", c.cfg.ID, len(frame), logger.HexDump(frame))
	}
	c.link.Receive(frame)
}

func (c *Controller) setLineEnabled(enabled bool) {
	c.link.SetLineEnabled(enabled)
	if lc, ok := c.ch.Physical().(channel.LineControl); ok {
		if err := lc.SetDTR(enabled); err != nil {
			c.logger.Warn("Line %s: %v", c.cfg.ID, err)
		}
	}
}

// carrier adapts the controller to channel.ConnectionStateListener
type carrier struct {
	c *Controller
}

func (l carrier) OnConnectionEstablished() { l.c.postStatus(true) }
func (l carrier) OnConnectionLost()        { l.c.postStatus(false) }

func (c *Controller) postStatus(up bool) {
	select {
	case c.status <- up:
	case <-c.done:
	}
}

// call runs fn on the controller goroutine and returns its result
func (c *Controller) call(fn func() error) error {
	if !c.running.Load() {
		return ErrNotRunning
	}
	req := request{fn: fn, resp: make(chan error, 1)}
	select {
	case c.requests <- req:
		return <-req.resp
	case <-c.done:
		return ErrNotRunning
	}
}

// Host interface

// AssignReceiveBuffer hands the line an empty receive buffer
func (c *Controller) AssignReceiveBuffer(id uint32, length int) error {
	return c.call(func() error { return c.link.AssignReceiveBuffer(id, length) })
}

// KillReceiveBuffers returns all pending receive buffers
func (c *Controller) KillReceiveBuffers(enable bool) error {
	return c.call(func() error {
		c.link.KillReceiveBuffers(enable)
		return nil
	})
}

// EnqueueTransmitBuffer queues data for transmission
func (c *Controller) EnqueueTransmitBuffer(id uint32, data []byte, eom bool) error {
	return c.call(func() error { return c.link.EnqueueTransmitBuffer(id, data, eom) })
}

// KillTransmitBuffers returns all buffers not yet transmitted
func (c *Controller) KillTransmitBuffers(enable bool) error {
	return c.call(func() error {
		c.link.KillTransmitBuffers(enable)
		return nil
	})
}

// SetLineEnabled raises or drops the line, and DTR where the transport has it
func (c *Controller) SetLineEnabled(enabled bool) error {
	return c.call(func() error {
		c.setLineEnabled(enabled)
		return nil
	})
}

// EnterMaintenance switches a halted line to maintenance mode
func (c *Controller) EnterMaintenance() error {
	return c.call(c.link.EnterMaintenance)
}

// SetCorruption changes the test corruption probability (per mille)
func (c *Controller) SetCorruption(perMille int) error {
	return c.call(func() error {
		if c.corrupt == nil {
			c.corrupt = channel.NewCorruptor(perMille, c.cfg.CorruptSeed)
			return nil
		}
		c.corrupt.SetPerMille(perMille)
		return nil
	})
}

// State returns the link state
func (c *Controller) State() (ddcmp.State, error) {
	var s ddcmp.State
	err := c.call(func() error {
		s = c.link.State()
		return nil
	})
	return s, err
}

// Counters returns a snapshot of the link counters
func (c *Controller) Counters() (ddcmp.Counters, error) {
	var counters ddcmp.Counters
	err := c.call(func() error {
		counters = c.link.Counters()
		return nil
	})
	return counters, err
}

// Status returns a snapshot of the whole line
func (c *Controller) Status() (Status, error) {
	var st Status
	err := c.call(func() error {
		st = Status{
			State:     c.link.State(),
			Vars:      c.link.Vars(),
			Counters:  c.link.Counters(),
			Connected: c.link.Connected(),
		}
		st.Receive, st.Transmit, st.AckWait, _ = c.link.QueueLengths()
		return nil
	})
	return st, err
}

// String returns string representation of the controller
func (c *Controller) String() string {
	return fmt.Sprintf("Controller{ID=%s, Running=%v}", c.cfg.ID, c.running.Load())
}
