package ddcmp

import (
	"avaneesh/ddcmp-go/pkg/internal/queue"
)

type eventKind int

const (
	evKick eventKind = iota // Host request, only idle rules apply
	evUserHalt
	evUserStartup
	evUserMaintenance
	evLineConnected
	evLineDisconnected
	evReceiveAck
	evReceiveNak
	evReceiveRep
	evReceiveStrt
	evReceiveStack
	evReceiveData
	evReceiveMaint
	evMessageError
	evTransmitComplete
	evDataSent
	evMaintSent
	evControlSent
	evTimerExpired
	evFatal
)

// String returns string representation of eventKind
func (k eventKind) String() string {
	switch k {
	case evKick:
		return "Kick"
	case evUserHalt:
		return "UserHalt"
	case evUserStartup:
		return "UserStartup"
	case evUserMaintenance:
		return "UserMaintenance"
	case evLineConnected:
		return "LineConnected"
	case evLineDisconnected:
		return "LineDisconnected"
	case evReceiveAck:
		return "ReceiveAck"
	case evReceiveNak:
		return "ReceiveNak"
	case evReceiveRep:
		return "ReceiveRep"
	case evReceiveStrt:
		return "ReceiveStrt"
	case evReceiveStack:
		return "ReceiveStack"
	case evReceiveData:
		return "ReceiveDataMsg"
	case evReceiveMaint:
		return "ReceiveMaintMsg"
	case evMessageError:
		return "MessageError"
	case evTransmitComplete:
		return "TransmitComplete"
	case evDataSent:
		return "DataMessageSent"
	case evMaintSent:
		return "MaintSent"
	case evControlSent:
		return "ControlSent"
	case evTimerExpired:
		return "TimerExpired"
	case evFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

type event struct {
	kind    eventKind
	pkt     *Packet
	reason  NakReason      // evMessageError
	num     uint8          // evDataSent
	handles []queue.Handle // evMaintSent
}

func packetEvent(p *Packet) eventKind {
	switch p.Type {
	case SOH:
		return evReceiveData
	case DLE:
		return evReceiveMaint
	}
	switch p.Control {
	case CtlAck:
		return evReceiveAck
	case CtlNak:
		return evReceiveNak
	case CtlRep:
		return evReceiveRep
	case CtlStrt:
		return evReceiveStrt
	default:
		return evReceiveStack
	}
}

type eventMask uint32

func on(kinds ...eventKind) eventMask {
	var m eventMask
	for _, k := range kinds {
		m |= 1 << uint(k)
	}
	return m
}

func (m eventMask) has(k eventKind) bool {
	return m&(1<<uint(k)) != 0
}

// condition is a predicate over the link; it must not modify it
type condition func(l *Link) bool

type action func(l *Link)

// stay keeps the current state when a rule fires
const stay = StateAny

// rule is one row of the protocol table
type rule struct {
	name  string
	state State       // StateAny matches every state
	on    eventMask   // Events the rule handles, 0 for idle rules
	pass  bool        // Leave the event for later rules
	when  []condition // All must hold
	next  State
	do    []action
}

func (r *rule) matches(l *Link) bool {
	if r.state != StateAny && r.state != l.state {
		return false
	}
	if r.on != 0 && (l.consumed || !r.on.has(l.ev.kind)) {
		return false
	}
	for _, c := range r.when {
		if !c(l) {
			return false
		}
	}
	return true
}

// Conditions

func txIdle(l *Link) bool { return !l.txBusy && l.ctl.Empty() }
func timerStopped(l *Link) bool { return !l.timer.IsRunning() }
func startupWanted(l *Link) bool { return l.startup && l.err == nil }
func lineConnected(l *Link) bool { return l.connected }
func sackSet(l *Link) bool { return l.sack }
func snakSet(l *Link) bool { return l.snak }
func srepSet(l *Link) bool { return l.srep }
func numIsNext(l *Link) bool { return l.ev.pkt.Num == l.r+1 }
func numAhead(l *Link) bool { return l.win.GT(l.ev.pkt.Num, l.r+1) }
func numIsR(l *Link) bool { return l.ev.pkt.Num == l.r }
func rxBufferReady(l *Link) bool { return !l.pool.Receive.Empty() }
func allSent(l *Link) bool { return l.t == l.n+1 }
func retransmitDue(l *Link) bool { return l.win.LT(l.t, l.n+1) }
func ackWaitHasRoom(l *Link) bool { return l.pool.AckWait.Cap()-l.pool.AckWait.Len() >= l.queuedMessage() }
func messageQueued(l *Link) bool { return l.queuedMessage() > 0 }
func windowOpen(l *Link) bool { return l.win.InWindow(l.a, l.n+1) }
func dataTooLong(l *Link) bool { return l.ev.pkt.Count > l.headReceive().Count }

// respAcks holds for A < RESP <= N
func respAcks(l *Link) bool {
	resp := l.ev.pkt.Resp
	return l.win.LT(l.a, resp) && l.win.LE(resp, l.n)
}

// respInRange holds for A <= RESP <= N
func respInRange(l *Link) bool {
	resp := l.ev.pkt.Resp
	return l.win.LE(l.a, resp) && l.win.LE(resp, l.n)
}

func (l *Link) headReceive() *queue.Buffer {
	h, _ := l.pool.Receive.Peek()
	return l.pool.Get(h)
}

// Actions

func stopTimer(l *Link) { l.timer.Stop() }
func startTimer(l *Link) { l.timer.Start() }

func clearStartup(l *Link) { l.startup = false }

func flushControl(l *Link) {
	for !l.ctl.Empty() {
		l.ctl.Dequeue()
	}
}

func requeueAckWait(l *Link) { l.requeueAckWait() }

func resetVars(l *Link) {
	l.r, l.n, l.a, l.x = 0, 0, 0, 0
	l.t = 1
	l.sack, l.snak, l.srep = false, false, false
	l.nakReason = NakNone
}

func setSACK(l *Link) {
	l.sack = true
	l.snak = false
}

func setSNAK(reason NakReason) action {
	return func(l *Link) {
		l.snak = true
		l.sack = false
		l.nakReason = reason
	}
}

func setSNAKFromError(l *Link) { setSNAK(l.ev.reason)(l) }

func setSREP(l *Link) { l.srep = true }

func notify(e Event) action {
	return func(l *Link) { l.notify(e) }
}

func markStartReceived(l *Link) { l.startReceived = true }
func clearStartReceived(l *Link) { l.startReceived = false }

func sendStrt(l *Link) {
	l.sendControl(BuildStart(FlagSelect | FlagQSync))
}

func sendStack(l *Link) {
	l.sendControl(BuildStartAck(FlagSelect | FlagQSync))
}

func sendAck(l *Link) {
	if l.transmit(BuildAck(l.r, 0), flight{kind: flightControl}) {
		l.sack = false
	}
}

func sendNak(l *Link) {
	if l.transmit(BuildNak(l.nakReason, l.r, 0), flight{kind: flightControl}) {
		l.counters.NaksSent[l.nakReason]++
		l.logger.Debug("Link %s: NAK %s sent, R=%d", l.cfg.Name, l.nakReason, l.r)
		l.snak = false
		l.nakReason = NakNone
	}
}

func sendRep(l *Link) {
	if l.transmit(BuildRep(l.n, 0), flight{kind: flightControl}) {
		l.counters.RepsSent++
		l.logger.Debug("Link %s: REP %d sent", l.cfg.Name, l.n)
		l.srep = false
		l.timer.Start()
	}
}

// sendGapNaks asks for every message from R up to the one received.
// RESP stays R so no missing message is acknowledged by accident.
func sendGapNaks(l *Link) {
	gap := Distance(l.r, l.ev.pkt.Num)
	if gap > l.win.Size {
		gap = l.win.Size
	}
	for i := 0; i < gap; i++ {
		l.sendControl(buildGapNak(l.r, l.r+uint8(i), 0))
		l.counters.NaksSent[NakHeaderCRC]++
	}
	l.counters.DataDropped++
	l.logger.Debug("Link %s: gap before message %d, R=%d, %d NAKs queued", l.cfg.Name, l.ev.pkt.Num, l.r, gap)
}

func deliverData(l *Link) {
	h, _ := l.pool.Take(l.pool.Receive)
	b := l.pool.Get(h)
	b.Data = l.ev.pkt.Payload
	b.Actual = len(b.Data)
	l.complete(h, EventReceived)
	l.r++
	l.counters.DataReceived++
}

func dropData(l *Link) { l.counters.DataDropped++ }

// completeAcked returns every ack-wait buffer up to RESP to the host
func completeAcked(l *Link) {
	resp := l.ev.pkt.Resp
	for {
		h, ok := l.pool.AckWait.Peek()
		if !ok {
			return
		}
		b := l.pool.Get(h)
		if !l.win.LE(b.Num, resp) {
			return
		}
		l.pool.Take(l.pool.AckWait)
		b.Actual = b.Count
		l.complete(h, EventTransmitted)
	}
}

func ackAdvance(l *Link) {
	l.a = l.ev.pkt.Resp
	if l.win.LE(l.t, l.a) {
		l.t = l.a + 1
	}
	if l.win.GE(l.a, l.x) {
		l.timer.Stop()
	}
}

func nakRewind(l *Link) {
	l.a = l.ev.pkt.Resp
	l.t = l.a + 1
	l.timer.Stop()
	l.counters.NaksReceived[l.ev.pkt.Reason]++
	l.logger.Debug("Link %s: NAK %s received, retransmitting from %d", l.cfg.Name, l.ev.pkt.Reason, l.t)
}

func countNak(l *Link) { l.counters.NaksReceived[l.ev.pkt.Reason]++ }
func countRep(l *Link) { l.counters.RepsReceived++ }

func dataSent(l *Link) {
	l.x = l.ev.num
	if l.win.LT(l.a, l.x) {
		l.timer.Start()
	} else {
		l.timer.Stop()
	}
}

func sendNewData(l *Link) {
	handles, payload := l.takeMessage()
	num := l.n + 1
	frame, err := BuildData(payload, 0, num, l.r)
	if err != nil {
		l.logger.Error("Link %s: %v", l.cfg.Name, err)
		for _, h := range handles {
			l.complete(h, EventKilled)
		}
		return
	}
	if !l.transmit(frame, flight{kind: flightData, num: num}) {
		for i := len(handles) - 1; i >= 0; i-- {
			l.pool.PutFront(l.pool.Transmit, handles[i])
		}
		return
	}
	for _, h := range handles {
		l.pool.Get(h).Num = num
		l.pool.Put(l.pool.AckWait, h)
	}
	l.n = num
	l.t = l.n + 1
	l.sack = false
	l.counters.DataSent++
}

func retransmit(l *Link) {
	var payload []byte
	l.pool.AckWait.Each(func(_ int, h queue.Handle) bool {
		b := l.pool.Get(h)
		if b.Num == l.t {
			payload = append(payload, b.Data...)
		}
		return true
	})
	if payload == nil {
		l.logger.Warn("Link %s: message %d not on ack-wait queue", l.cfg.Name, l.t)
		l.t++
		return
	}

	frame, err := BuildData(payload, 0, l.t, l.r)
	if err != nil {
		l.logger.Error("Link %s: %v", l.cfg.Name, err)
		return
	}
	if !l.transmit(frame, flight{kind: flightData, num: l.t}) {
		return
	}
	l.logger.Debug("Link %s: retransmitted message %d", l.cfg.Name, l.t)
	l.t++
	l.sack = false
	l.counters.Retransmissions++
}

func deliverMaint(l *Link) {
	pkt := l.ev.pkt
	if l.pool.Receive.Empty() || pkt.Count > l.headReceive().Count {
		l.counters.DataDropped++
		l.logger.Debug("Link %s: maintenance message of %d bytes dropped", l.cfg.Name, pkt.Count)
		return
	}
	h, _ := l.pool.Take(l.pool.Receive)
	b := l.pool.Get(h)
	b.Data = pkt.Payload
	b.Actual = len(b.Data)
	l.complete(h, EventMaintenanceReceived)
	l.counters.MaintReceived++
}

func sendMaint(l *Link) {
	handles, payload := l.takeMessage()
	for _, h := range handles {
		l.pool.Get(h).Kind = queue.KindTransmitControl
	}
	frame, err := BuildMaintenance(payload)
	if err == nil && l.transmit(frame, flight{kind: flightMaint, handles: handles}) {
		l.counters.MaintSent++
		return
	}
	for i := len(handles) - 1; i >= 0; i-- {
		l.pool.PutFront(l.pool.Transmit, handles[i])
	}
}

func completeMaint(l *Link) {
	for _, h := range l.ev.handles {
		b := l.pool.Get(h)
		b.Actual = b.Count
		l.complete(h, EventMaintenanceSent)
	}
}

func seq(actions ...action) []action     { return actions }
func when(conds ...condition) []condition { return conds }

// ruleTable is scanned top to bottom for every event
var ruleTable = []rule{
	// Any state
	{name: "halt", state: StateAny, on: on(evUserHalt), next: StateHalt,
		do: seq(stopTimer, clearStartup, requeueAckWait, flushControl)},
	{name: "fatal", state: StateAny, on: on(evFatal), next: StateHalt,
		do: seq(stopTimer, clearStartup, requeueAckWait, flushControl, notify(EventFatal))},
	{name: "maint-sent", state: StateAny, on: on(evMaintSent), next: stay,
		do: seq(completeMaint)},

	// Halt
	{name: "halt-maintenance", state: StateHalt, on: on(evUserMaintenance), next: StateMaintenance},
	{name: "halt-maint-msg", state: StateHalt, on: on(evReceiveMaint), pass: true, next: StateMaintenance},
	{name: "halt-start", state: StateHalt, when: when(startupWanted, lineConnected), next: StateIStart,
		do: seq(resetVars, flushControl, sendStrt, stopTimer)},

	// IStart
	{name: "istart-disconnect", state: StateIStart, on: on(evLineDisconnected), next: StateHalt,
		do: seq(stopTimer, flushControl)},
	{name: "istart-maint-msg", state: StateIStart, on: on(evReceiveMaint), pass: true, next: StateMaintenance,
		do: seq(stopTimer)},
	{name: "istart-stack", state: StateIStart, on: on(evReceiveStack), next: StateRun,
		do: seq(setSACK, stopTimer, notify(EventRunning))},
	{name: "istart-strt", state: StateIStart, on: on(evReceiveStrt), next: StateAStart,
		do: seq(sendStack, startTimer)},
	{name: "istart-timeout", state: StateIStart, on: on(evTimerExpired), next: stay,
		do: seq(sendStrt, startTimer)},
	{name: "istart-timer", state: StateIStart, when: when(timerStopped), next: stay,
		do: seq(startTimer)},

	// AStart
	{name: "astart-disconnect", state: StateAStart, on: on(evLineDisconnected), next: StateHalt,
		do: seq(stopTimer, flushControl)},
	{name: "astart-maint-msg", state: StateAStart, on: on(evReceiveMaint), pass: true, next: StateMaintenance,
		do: seq(stopTimer)},
	{name: "astart-confirm", state: StateAStart, on: on(evReceiveAck, evReceiveData), pass: true, next: StateRun,
		do: seq(stopTimer, notify(EventRunning))},
	{name: "astart-stack", state: StateAStart, on: on(evReceiveStack), next: StateRun,
		do: seq(setSACK, stopTimer, notify(EventRunning))},
	{name: "astart-resend", state: StateAStart, on: on(evReceiveStrt, evTimerExpired), next: stay,
		do: seq(sendStack, startTimer)},

	// Run: line and session changes
	{name: "run-disconnect", state: StateRun, on: on(evLineDisconnected), next: StateHalt,
		do: seq(stopTimer, requeueAckWait, flushControl, notify(EventDisconnected), clearStartReceived)},
	{name: "run-strt", state: StateRun, on: on(evReceiveStrt), next: StateHalt,
		do: seq(stopTimer, requeueAckWait, flushControl, markStartReceived, notify(EventStartReceived))},
	{name: "run-maint-msg", state: StateRun, on: on(evReceiveMaint), pass: true, next: StateMaintenance,
		do: seq(stopTimer, requeueAckWait, flushControl)},
	{name: "run-stack", state: StateRun, on: on(evReceiveStack), next: stay,
		do: seq(setSACK)},
	{name: "run-msg-error", state: StateRun, on: on(evMessageError), next: stay,
		do: seq(setSNAKFromError)},

	// Run: acknowledgements
	{name: "run-ack", state: StateRun, on: on(evReceiveAck, evReceiveData), pass: true, when: when(respAcks), next: stay,
		do: seq(completeAcked, ackAdvance)},
	{name: "run-nak", state: StateRun, on: on(evReceiveNak), when: when(respInRange), next: stay,
		do: seq(completeAcked, nakRewind)},
	{name: "run-nak-stale", state: StateRun, on: on(evReceiveNak), next: stay,
		do: seq(countNak)},
	{name: "run-rep-ok", state: StateRun, on: on(evReceiveRep), when: when(numIsR), next: stay,
		do: seq(countRep, setSACK)},
	{name: "run-rep-mismatch", state: StateRun, on: on(evReceiveRep), next: stay,
		do: seq(countRep, setSNAK(NakRepResponse))},

	// Run: data
	{name: "run-data-too-long", state: StateRun, on: on(evReceiveData), when: when(numIsNext, rxBufferReady, dataTooLong), next: stay,
		do: seq(dropData, setSNAK(NakTooLong))},
	{name: "run-data", state: StateRun, on: on(evReceiveData), when: when(numIsNext, rxBufferReady), next: stay,
		do: seq(deliverData, setSACK)},
	{name: "run-data-no-buffer", state: StateRun, on: on(evReceiveData), when: when(numIsNext), next: stay,
		do: seq(dropData, setSNAK(NakBufferTemporary))},
	{name: "run-data-gap", state: StateRun, on: on(evReceiveData), when: when(numAhead), next: stay,
		do: seq(sendGapNaks)},
	{name: "run-data-duplicate", state: StateRun, on: on(evReceiveData), next: stay,
		do: seq(dropData, setSACK)},

	// Run: timer and transmitter
	{name: "run-timeout", state: StateRun, on: on(evTimerExpired), next: stay,
		do: seq(setSREP)},
	{name: "run-data-sent", state: StateRun, on: on(evDataSent), next: stay,
		do: seq(dataSent)},
	{name: "run-send-nak", state: StateRun, when: when(txIdle, snakSet), next: stay,
		do: seq(sendNak)},
	{name: "run-send-rep", state: StateRun, when: when(txIdle, srepSet), next: stay,
		do: seq(sendRep)},
	{name: "run-retransmit", state: StateRun, when: when(txIdle, retransmitDue), next: stay,
		do: seq(retransmit)},
	{name: "run-send-data", state: StateRun, when: when(txIdle, allSent, messageQueued, ackWaitHasRoom, windowOpen), next: stay,
		do: seq(sendNewData)},
	{name: "run-send-ack", state: StateRun, when: when(txIdle, sackSet, allSent), next: stay,
		do: seq(sendAck)},

	// Maintenance
	{name: "maint-disconnect", state: StateMaintenance, on: on(evLineDisconnected), next: StateHalt},
	{name: "maint-startup", state: StateMaintenance, on: on(evUserStartup), when: when(lineConnected), next: StateIStart,
		do: seq(resetVars, flushControl, sendStrt, stopTimer)},
	{name: "maint-msg", state: StateMaintenance, on: on(evReceiveMaint), next: stay,
		do: seq(deliverMaint)},
	{name: "maint-send", state: StateMaintenance, when: when(txIdle, messageQueued), next: stay,
		do: seq(sendMaint)},
}
