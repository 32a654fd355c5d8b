package ddcmp

import (
	"avaneesh/ddcmp-go/pkg/internal/logger"
	"avaneesh/ddcmp-go/pkg/internal/queue"

	"github.com/pkg/errors"
)

// LinkConfig holds per-line protocol parameters
type LinkConfig struct {
	Name          string // Used in log lines
	QueueDepth    int    // Receive, transmit and ack-wait queue depth
	ReplyTimeout  int    // Reply timer length in ticks
	MaxDataLength int    // Largest data message accepted or sent
	ControlQueue  int    // Control frames waiting for the transmitter
}

// DefaultLinkConfig returns default link configuration
func DefaultLinkConfig() LinkConfig {
	return LinkConfig{
		Name:          "line0",
		QueueDepth:    7,
		ReplyTimeout:  3,
		MaxDataLength: MaxDataLength,
		ControlQueue:  16,
	}
}

func (c *LinkConfig) applyDefaults() {
	def := DefaultLinkConfig()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = def.QueueDepth
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = def.ReplyTimeout
	}
	if c.MaxDataLength <= 0 || c.MaxDataLength > MaxDataLength {
		c.MaxDataLength = def.MaxDataLength
	}
	if c.ControlQueue <= 0 {
		c.ControlQueue = def.ControlQueue
	}
}

// Transmitter accepts frames for the wire. Every accepted frame must be
// followed by exactly one call to Link.TransmitComplete; a refused frame
// is never completed.
type Transmitter interface {
	Send(frame []byte) bool
}

// TransmitterFunc adapts a function to Transmitter
type TransmitterFunc func(frame []byte) bool

// Send calls f(frame)
func (f TransmitterFunc) Send(frame []byte) bool { return f(frame) }

// Completion is a notification for the host
type Completion struct {
	Event    Event
	BufferID uint32 // Zero for protocol events
	Length   int    // Bytes actually transferred
	Data     []byte // Received payload
	Buffer   bool   // The record returns a host buffer
}

// Vars is a snapshot of the protocol variables
type Vars struct {
	R, N, A, T, X  uint8
	SACK           bool
	SNAK           bool
	SREP           bool
	NakReason      NakReason
	TimerRunning   bool
	TimerRemaining int
}

type flightKind int

const (
	flightNone flightKind = iota
	flightControl
	flightData
	flightMaint
)

// flight describes the frame currently held by the transmitter
type flight struct {
	kind    flightKind
	num     uint8
	handles []queue.Handle
}

// Link is one DDCMP line: protocol variables, buffer queues, reply timer
// and the rule table dispatcher. A Link is not safe for concurrent use;
// its owner serialises every call.
type Link struct {
	cfg    LinkConfig
	tx     Transmitter
	logger logger.Logger

	state State
	rules []rule
	win   Window

	// Protocol variables
	r, n, a, t, x uint8
	sack          bool
	snak          bool
	srep          bool
	nakReason     NakReason

	// Line latches
	startup       bool // Host wants the line running (DTR)
	connected     bool // Transport reports carrier
	startReceived bool // Peer restarted while we were running
	rxEnabled     bool
	txEnabled     bool

	timer *Timer
	pool  *queue.Pool
	ctl   *queue.Queue[[]byte]

	txBusy   bool
	inflight flight

	// Dispatcher
	events      []event
	dispatching bool
	ev          event
	consumed    bool
	fired       []bool

	counters Counters
	err      error
}

// NewLink creates a halted link
func NewLink(cfg LinkConfig, tx Transmitter, log logger.Logger) *Link {
	cfg.applyDefaults()
	if log == nil {
		log = logger.GetDefault()
	}

	pool := queue.NewPool(cfg.QueueDepth)
	win := NewWindow(pool.Size())
	if cfg.ControlQueue < win.Size+2 {
		// Room for a full window of gap NAKs plus STRT/STACK
		cfg.ControlQueue = win.Size + 2
	}
	l := &Link{
		cfg:       cfg,
		tx:        tx,
		logger:    log,
		state:     StateHalt,
		rules:     ruleTable,
		win:       win,
		t:         1,
		rxEnabled: true,
		txEnabled: true,
		timer:     NewTimer(cfg.ReplyTimeout),
		pool:      pool,
		ctl:       queue.NewQueue[[]byte]("control", cfg.ControlQueue),
		fired:     make([]bool, len(ruleTable)),
		counters:  newCounters(),
	}
	return l
}

// Name returns the line name
func (l *Link) Name() string {
	return l.cfg.Name
}

// State returns the current link state
func (l *Link) State() State {
	return l.state
}

// Vars returns a snapshot of the protocol variables
func (l *Link) Vars() Vars {
	return Vars{
		R: l.r, N: l.n, A: l.a, T: l.t, X: l.x,
		SACK:           l.sack,
		SNAK:           l.snak,
		SREP:           l.srep,
		NakReason:      l.nakReason,
		TimerRunning:   l.timer.IsRunning(),
		TimerRemaining: l.timer.Remaining(),
	}
}

// Counters returns a snapshot of the link counters
func (l *Link) Counters() Counters {
	return l.counters.snapshot()
}

// Err returns the fatal error that halted the link, if any
func (l *Link) Err() error {
	return l.err
}

// StartReceived reports whether the peer restarted the line while it was running
func (l *Link) StartReceived() bool {
	return l.startReceived
}

// Connected reports the last line status given to SetLineConnected
func (l *Link) Connected() bool {
	return l.connected
}

// TransmitterBusy reports whether a frame is in flight
func (l *Link) TransmitterBusy() bool {
	return l.txBusy
}

// QueueLengths returns the receive, transmit, ack-wait and completion queue lengths
func (l *Link) QueueLengths() (receive, transmit, ackWait, completion int) {
	return l.pool.Receive.Len(), l.pool.Transmit.Len(), l.pool.AckWait.Len(), l.pool.Completion.Len()
}

// Dump renders the buffer queues for diagnostics
func (l *Link) Dump() string {
	return l.pool.Dump()
}

// Host interface

// AssignReceiveBuffer hands the link an empty buffer of length bytes
func (l *Link) AssignReceiveBuffer(id uint32, length int) error {
	if err := l.usable(); err != nil {
		return err
	}
	if !l.rxEnabled {
		return ErrReceiveDisabled
	}
	if length <= 0 {
		return errors.Wrapf(ErrInvalidLength, "receive buffer %#x length %d", id, length)
	}
	if length > l.cfg.MaxDataLength {
		return errors.Wrapf(ErrMessageTooLong, "receive buffer %#x length %d", id, length)
	}
	if l.pool.Receive.Full() {
		return ErrQueueFull
	}

	h, err := l.pool.Alloc(queue.KindReceive, id, length)
	if err != nil {
		return l.fail(err)
	}
	l.pool.Put(l.pool.Receive, h)
	l.post(event{kind: evKick})
	return nil
}

// KillReceiveBuffers returns every pending receive buffer to the host.
// While enable is false new receive buffers are refused.
func (l *Link) KillReceiveBuffers(enable bool) {
	l.rxEnabled = enable
	l.killQueue(l.pool.Receive)
}

// EnqueueTransmitBuffer queues data for transmission. Buffers without
// eom are fragments of a message ended by the next eom buffer.
func (l *Link) EnqueueTransmitBuffer(id uint32, data []byte, eom bool) error {
	if err := l.usable(); err != nil {
		return err
	}
	if !l.txEnabled {
		return ErrTransmitDisabled
	}
	if len(data) == 0 {
		return errors.Wrapf(ErrInvalidLength, "transmit buffer %#x is empty", id)
	}
	if pending := l.partialLength() + len(data); pending > l.cfg.MaxDataLength {
		return errors.Wrapf(ErrMessageTooLong, "message of %d bytes", pending)
	}
	if l.pool.Transmit.Len()+l.pool.AckWait.Len() >= l.cfg.QueueDepth {
		return ErrQueueFull
	}

	h, err := l.pool.Alloc(queue.KindTransmitData, id, len(data))
	if err != nil {
		return l.fail(err)
	}
	b := l.pool.Get(h)
	b.Data = append([]byte(nil), data...)
	b.EOM = eom
	l.pool.Put(l.pool.Transmit, h)
	l.post(event{kind: evKick})
	return nil
}

// KillTransmitBuffers returns every buffer not yet transmitted to the
// host. Buffers awaiting acknowledgement are kept. While enable is false
// new transmit buffers are refused.
func (l *Link) KillTransmitBuffers(enable bool) {
	l.txEnabled = enable
	l.killQueue(l.pool.Transmit)
}

// SetLineEnabled raises or drops the host's request to run the line
func (l *Link) SetLineEnabled(enabled bool) {
	if enabled {
		l.startup = true
		l.rxEnabled = true
		l.txEnabled = true
		l.post(event{kind: evUserStartup})
		return
	}
	l.post(event{kind: evUserHalt})
}

// EnterMaintenance switches a halted line to maintenance mode
func (l *Link) EnterMaintenance() error {
	if err := l.usable(); err != nil {
		return err
	}
	if l.state != StateHalt && l.state != StateMaintenance {
		return errors.Wrapf(ErrLineRunning, "state %s", l.state)
	}
	l.post(event{kind: evUserMaintenance})
	return nil
}

// TakeCompletion returns the next completion record. Buffers handed back
// are released to the free pool.
func (l *Link) TakeCompletion() (Completion, bool) {
	rec, ok := l.pool.NextCompletion()
	if !ok {
		return Completion{}, false
	}

	c := Completion{Event: Event(rec.Code)}
	if rec.Handle == queue.NoBuffer {
		return c, true
	}

	b := l.pool.Get(rec.Handle)
	c.Buffer = true
	c.BufferID = b.ID
	c.Length = b.Actual
	if b.Kind == queue.KindReceive {
		c.Data = b.Data
	}
	if err := l.pool.Release(rec.Handle); err != nil {
		l.logger.Error("Link %s: release of buffer %d failed: %v", l.cfg.Name, rec.Handle, err)
	}
	return c, true
}

// Transport interface

// Receive hands the link one frame from the wire
func (l *Link) Receive(frame []byte) {
	l.counters.FramesReceived++

	pkt, err := Parse(frame)
	if err != nil {
		var me *MessageError
		if !errors.As(err, &me) || me.Discard {
			l.counters.Discarded++
			l.logger.Debug("Link %s: discarded frame: %v", l.cfg.Name, err)
			return
		}
		switch me.Reason {
		case NakHeaderCRC:
			l.counters.HeaderCRCErrors++
		case NakDataCRC:
			l.counters.DataCRCErrors++
		default:
			l.counters.FormatErrors++
		}
		l.logger.Debug("Link %s: message error: %v", l.cfg.Name, err)
		l.post(event{kind: evMessageError, reason: me.Reason})
		return
	}

	l.post(event{kind: packetEvent(pkt), pkt: pkt})
}

// TransmitComplete reports that the frame last accepted by the
// transmitter has been sent
func (l *Link) TransmitComplete() {
	l.post(event{kind: evTransmitComplete})
}

// SetLineConnected reports a change of carrier
func (l *Link) SetLineConnected(connected bool) {
	l.connected = connected
	if connected {
		l.post(event{kind: evLineConnected})
	} else {
		l.post(event{kind: evLineDisconnected})
	}
}

// Tick advances the reply timer by one tick
func (l *Link) Tick() {
	if l.timer.Clock() {
		l.counters.Timeouts++
		l.logger.Debug("Link %s: reply timer expired in %s", l.cfg.Name, l.state)
		l.post(event{kind: evTimerExpired})
	}
}

// Dispatcher

// post queues an event and drains the queue unless a dispatch is
// already running, in which case the running loop picks it up
func (l *Link) post(ev event) {
	l.events = append(l.events, ev)
	if l.dispatching {
		return
	}

	l.dispatching = true
	for len(l.events) > 0 {
		next := l.events[0]
		l.events = l.events[1:]
		l.dispatch(next)
	}
	l.events = l.events[:0]
	l.dispatching = false
}

// dispatch runs the rule table for one event. The first matching rule
// fires, then the table is scanned again from the top until nothing
// matches; each rule fires at most once per event and an event is
// consumed by the first rule that handles it unless that rule passes it on.
func (l *Link) dispatch(ev event) {
	if ev.kind == evTransmitComplete {
		ev = l.transmitDone()
	}

	l.ev = ev
	l.consumed = false
	for i := range l.fired {
		l.fired[i] = false
	}

	for {
		idx := -1
		for i := range l.rules {
			if !l.fired[i] && l.rules[i].matches(l) {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		l.fired[idx] = true
		l.fire(&l.rules[idx])
	}
}

func (l *Link) fire(r *rule) {
	old := l.state
	if r.on != 0 && !r.pass {
		l.consumed = true
	}
	for _, act := range r.do {
		act(l)
	}
	if r.next != stay {
		l.setState(r.next)
	}
	l.logger.Debug("Link %s: rule %s on %s (%s -> %s)", l.cfg.Name, r.name, l.ev.kind, old, l.state)
}

func (l *Link) setState(s State) {
	if s == l.state {
		return
	}
	if l.state == StateRun && l.inflight.kind == flightData {
		// The sequence number in flight belongs to the old session
		l.inflight.kind = flightControl
	}
	l.logger.Info("Link %s: %s -> %s", l.cfg.Name, l.state, s)
	l.state = s
}

// transmitDone frees the transmitter, starts the next queued control
// frame and turns the completion into the event it stands for
func (l *Link) transmitDone() event {
	done := l.inflight
	l.inflight = flight{}
	l.txBusy = false

	if frame, ok := l.ctl.Dequeue(); ok {
		l.transmit(frame, flight{kind: flightControl})
	}

	switch done.kind {
	case flightData:
		return event{kind: evDataSent, num: done.num}
	case flightMaint:
		return event{kind: evMaintSent, handles: done.handles}
	default:
		return event{kind: evControlSent}
	}
}

// transmit hands frame to the transport if the transmitter is free
func (l *Link) transmit(frame []byte, f flight) bool {
	if l.txBusy {
		return false
	}
	l.inflight = f
	l.txBusy = true
	if !l.tx.Send(frame) {
		l.txBusy = false
		l.inflight = flight{}
		l.counters.SendRefused++
		return false
	}
	l.counters.FramesSent++
	return true
}

// sendControl transmits a control frame now or queues it behind the
// frame in flight
func (l *Link) sendControl(frame []byte) {
	if !l.txBusy && l.ctl.Empty() {
		l.transmit(frame, flight{kind: flightControl})
		return
	}
	if !l.ctl.Enqueue(frame) {
		l.counters.ControlDropped++
		l.logger.Warn("Link %s: control queue full, frame dropped", l.cfg.Name)
	}
}

// Buffer helpers

func (l *Link) usable() error {
	if l.err != nil {
		return errors.Wrap(ErrLineHalted, l.err.Error())
	}
	return nil
}

// fail halts the link after an unrecoverable buffer error
func (l *Link) fail(err error) error {
	if l.err == nil {
		l.err = errors.Wrapf(err, "line %s", l.cfg.Name)
		l.logger.Error("Link %s: %v\n%s", l.cfg.Name, err, l.pool.Dump())
		l.post(event{kind: evFatal})
	}
	return l.err
}

// notify queues a protocol event for the host. Room is always kept for
// every buffer of the pool.
func (l *Link) notify(e Event) {
	c := l.pool.Completion
	if c.Len() >= c.Cap()-l.pool.Size() {
		l.counters.CompletionsDropped++
		l.logger.Warn("Link %s: completion queue full, %s dropped", l.cfg.Name, e)
		return
	}
	l.pool.Complete(queue.NoBuffer, int(e))
}

// complete hands an in-flight buffer back to the host
func (l *Link) complete(h queue.Handle, e Event) {
	if !l.pool.Complete(h, int(e)) {
		l.logger.Error("Link %s: completion of buffer %d failed", l.cfg.Name, h)
		if err := l.pool.Release(h); err != nil {
			l.logger.Error("Link %s: release of buffer %d failed: %v", l.cfg.Name, h, err)
		}
	}
}

func (l *Link) killQueue(q *queue.Queue[queue.Handle]) {
	for {
		h, ok := l.pool.Take(q)
		if !ok {
			return
		}
		l.pool.Get(h).Actual = 0
		l.complete(h, EventKilled)
	}
}

// partialLength returns the length of the message being assembled at
// the tail of the transmit queue
func (l *Link) partialLength() int {
	total := 0
	l.pool.Transmit.Each(func(_ int, h queue.Handle) bool {
		b := l.pool.Get(h)
		if b.EOM {
			total = 0
		} else {
			total += b.Count
		}
		return true
	})
	return total
}

// queuedMessage returns how many buffers at the head of the transmit
// queue make up the first complete message, or 0 if none is complete
func (l *Link) queuedMessage() int {
	count := 0
	l.pool.Transmit.Each(func(i int, h queue.Handle) bool {
		if l.pool.Get(h).EOM {
			count = i + 1
			return false
		}
		return true
	})
	return count
}

// takeMessage moves the first complete message off the transmit queue.
// Its buffers are in flight afterwards.
func (l *Link) takeMessage() ([]queue.Handle, []byte) {
	n := l.queuedMessage()
	handles := make([]queue.Handle, 0, n)
	var payload []byte
	for i := 0; i < n; i++ {
		h, _ := l.pool.Take(l.pool.Transmit)
		handles = append(handles, h)
		payload = append(payload, l.pool.Get(h).Data...)
	}
	return handles, payload
}

// requeueAckWait puts every unacknowledged buffer back at the head of
// the transmit queue in its original order
func (l *Link) requeueAckWait() {
	var handles []queue.Handle
	for {
		h, ok := l.pool.Take(l.pool.AckWait)
		if !ok {
			break
		}
		handles = append(handles, h)
	}
	for i := len(handles) - 1; i >= 0; i-- {
		if !l.pool.PutFront(l.pool.Transmit, handles[i]) {
			l.logger.Error("Link %s: transmit queue full on replay, buffer %d lost", l.cfg.Name, handles[i])
			l.complete(handles[i], EventKilled)
		}
	}
	if len(handles) > 0 {
		l.logger.Info("Link %s: %d unacknowledged buffers queued for replay", l.cfg.Name, len(handles))
	}
}
