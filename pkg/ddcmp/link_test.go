package ddcmp

import (
	"bytes"
	"testing"

	"avaneesh/ddcmp-go/pkg/internal/logger"
	"avaneesh/ddcmp-go/pkg/internal/queue"

	"github.com/pkg/errors"
)

// fakeWire records frames and optionally completes them at once
type fakeWire struct {
	link   *Link
	frames [][]byte
	auto   bool
	refuse bool
}

func (w *fakeWire) Send(frame []byte) bool {
	if w.refuse {
		return false
	}
	w.frames = append(w.frames, bytes.Clone(frame))
	if w.auto {
		w.link.TransmitComplete()
	}
	return true
}

func (w *fakeWire) packets(t *testing.T) []*Packet {
	t.Helper()
	var out []*Packet
	for _, f := range w.frames {
		p, err := Parse(f)
		if err != nil {
			t.Fatalf("sent frame % X does not parse: %v", f, err)
		}
		out = append(out, p)
	}
	return out
}

func (w *fakeWire) reset() {
	w.frames = nil
}

func newTestLink(t *testing.T) (*Link, *fakeWire) {
	t.Helper()
	w := &fakeWire{auto: true}
	l := NewLink(DefaultLinkConfig(), w, logger.NewNoOpLogger())
	w.link = l
	return l, w
}

// runningLink returns a link that has completed the start handshake
func runningLink(t *testing.T) (*Link, *fakeWire) {
	t.Helper()
	l, w := newTestLink(t)
	l.SetLineEnabled(true)
	l.SetLineConnected(true)
	l.Receive(BuildStartAck(FlagSelect | FlagQSync))
	if l.State() != StateRun {
		t.Fatalf("state = %s, want Run", l.State())
	}
	drain(l)
	w.reset()
	return l, w
}

func drain(l *Link) []Completion {
	var out []Completion
	for {
		c, ok := l.TakeCompletion()
		if !ok {
			return out
		}
		out = append(out, c)
	}
}

func dataFrame(t *testing.T, payload string, num, resp uint8) []byte {
	t.Helper()
	f, err := BuildData([]byte(payload), 0, num, resp)
	if err != nil {
		t.Fatalf("BuildData() error = %v", err)
	}
	return f
}

func controlTypes(pkts []*Packet) []ControlType {
	var out []ControlType
	for _, p := range pkts {
		out = append(out, p.Control)
	}
	return out
}

// TestStartupHandshake tests Halt -> IStart -> AStart -> Run
func TestStartupHandshake(t *testing.T) {
	l, w := newTestLink(t)

	l.SetLineEnabled(true)
	if l.State() != StateHalt || len(w.frames) != 0 {
		t.Fatalf("without carrier: state %s, %d frames", l.State(), len(w.frames))
	}

	l.SetLineConnected(true)
	pkts := w.packets(t)
	if l.State() != StateIStart {
		t.Fatalf("state = %s, want IStart", l.State())
	}
	if len(pkts) != 1 || pkts[0].Control != CtlStrt {
		t.Fatalf("sent %v, want one STRT", controlTypes(pkts))
	}
	if pkts[0].Flags != FlagSelect|FlagQSync {
		t.Errorf("STRT flags = 0x%02X", pkts[0].Flags)
	}
	if !l.Vars().TimerRunning {
		t.Error("timer should run in IStart")
	}

	w.reset()
	l.Receive(BuildStart(FlagSelect | FlagQSync))
	pkts = w.packets(t)
	if l.State() != StateAStart {
		t.Fatalf("state = %s, want AStart", l.State())
	}
	if len(pkts) != 1 || pkts[0].Control != CtlStack {
		t.Fatalf("sent %v, want one STACK", controlTypes(pkts))
	}

	w.reset()
	l.Receive(BuildStartAck(FlagSelect | FlagQSync))
	if l.State() != StateRun {
		t.Fatalf("state = %s, want Run", l.State())
	}
	pkts = w.packets(t)
	if len(pkts) != 1 || pkts[0].Control != CtlAck || pkts[0].Resp != 0 {
		t.Errorf("sent %v, want ACK 0", pkts)
	}
	if l.Vars().TimerRunning {
		t.Error("timer should stop on entering Run")
	}

	comps := drain(l)
	if len(comps) != 1 || comps[0].Event != EventRunning {
		t.Errorf("completions = %+v, want Running", comps)
	}
}

// TestStartupTimeout tests STRT retransmission on timer expiry
func TestStartupTimeout(t *testing.T) {
	l, w := newTestLink(t)
	l.SetLineEnabled(true)
	l.SetLineConnected(true)
	w.reset()

	for i := 0; i < DefaultLinkConfig().ReplyTimeout; i++ {
		l.Tick()
	}
	pkts := w.packets(t)
	if len(pkts) != 1 || pkts[0].Control != CtlStrt {
		t.Fatalf("sent %v after timeout, want STRT", controlTypes(pkts))
	}
	if !l.Vars().TimerRunning {
		t.Error("timer should restart after STRT resend")
	}
}

// TestAStartConfirmedByData tests that data confirms the start and is delivered
func TestAStartConfirmedByData(t *testing.T) {
	l, _ := newTestLink(t)
	l.SetLineEnabled(true)
	l.SetLineConnected(true)
	l.Receive(BuildStart(FlagSelect | FlagQSync))
	if err := l.AssignReceiveBuffer(1, 32); err != nil {
		t.Fatal(err)
	}
	drain(l)

	l.Receive(dataFrame(t, "first", 1, 0))
	if l.State() != StateRun {
		t.Fatalf("state = %s, want Run", l.State())
	}
	comps := drain(l)
	if len(comps) != 2 || comps[0].Event != EventRunning || comps[1].Event != EventReceived {
		t.Fatalf("completions = %+v", comps)
	}
	if string(comps[1].Data) != "first" || l.Vars().R != 1 {
		t.Errorf("delivered %q, R=%d", comps[1].Data, l.Vars().R)
	}
}

// TestInOrderDelivery tests NUM == R+1 with a buffer available
func TestInOrderDelivery(t *testing.T) {
	l, w := runningLink(t)
	l.r = 5
	w.refuse = true

	if err := l.AssignReceiveBuffer(0x1000, 64); err != nil {
		t.Fatal(err)
	}
	l.Receive(dataFrame(t, "hello", 6, 0))

	v := l.Vars()
	if v.R != 6 || !v.SACK || v.SNAK {
		t.Errorf("R=%d SACK=%v SNAK=%v, want 6 true false", v.R, v.SACK, v.SNAK)
	}

	comps := drain(l)
	if len(comps) != 1 {
		t.Fatalf("completions = %+v", comps)
	}
	c := comps[0]
	if c.Event != EventReceived || c.BufferID != 0x1000 || c.Length != 5 || string(c.Data) != "hello" {
		t.Errorf("completion = %+v", c)
	}

	// Once the transmitter accepts frames again the ACK goes out
	w.refuse = false
	l.AssignReceiveBuffer(0x2000, 64)
	pkts := w.packets(t)
	if len(pkts) != 1 || pkts[0].Control != CtlAck || pkts[0].Resp != 6 {
		t.Errorf("sent %v, want ACK 6", pkts)
	}
	if l.Vars().SACK {
		t.Error("SACK still set after ACK sent")
	}
}

// TestGapHandling tests NAKs for every missing message
func TestGapHandling(t *testing.T) {
	l, w := runningLink(t)
	l.r = 5
	l.AssignReceiveBuffer(1, 64)

	l.Receive(dataFrame(t, "early", 8, 0))

	pkts := w.packets(t)
	if len(pkts) != 3 {
		t.Fatalf("sent %d frames, want 3 NAKs", len(pkts))
	}
	for i, p := range pkts {
		if p.Control != CtlNak {
			t.Errorf("frame %d is %s, want NAK", i, p.Control)
		}
		if p.Num != uint8(5+i) {
			t.Errorf("NAK %d names message %d, want %d", i, p.Num, 5+i)
		}
		if p.Resp != 5 {
			t.Errorf("NAK %d RESP = %d, want 5", i, p.Resp)
		}
	}
	if l.Vars().R != 5 {
		t.Errorf("R = %d, want 5", l.Vars().R)
	}
	if comps := drain(l); len(comps) != 0 {
		t.Errorf("payload delivered: %+v", comps)
	}
	if n := l.Counters().NaksSent[NakHeaderCRC]; n != 3 {
		t.Errorf("NaksSent[HeaderCRC] = %d, want 3", n)
	}
}

// TestCRCRejection tests NAK reasons for damaged frames
func TestCRCRejection(t *testing.T) {
	tests := []struct {
		name   string
		damage int // byte index to flip
		reason NakReason
	}{
		{"data CRC", HeaderSize + 1, NakDataCRC},
		{"header CRC on NUM", 4, NakHeaderCRC},
		{"header CRC on count", 1, NakHeaderCRC},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, w := runningLink(t)
			l.r = 5
			l.AssignReceiveBuffer(1, 64)

			frame := dataFrame(t, "payload", 6, 0)
			frame[tt.damage] ^= 0x04
			l.Receive(frame)

			pkts := w.packets(t)
			if len(pkts) != 1 || pkts[0].Control != CtlNak {
				t.Fatalf("sent %v, want one NAK", controlTypes(pkts))
			}
			if pkts[0].Reason != tt.reason || pkts[0].Resp != 5 {
				t.Errorf("NAK reason %s RESP %d, want %s RESP 5", pkts[0].Reason, pkts[0].Resp, tt.reason)
			}
			if l.Vars().R != 5 || len(drain(l)) != 0 {
				t.Error("damaged message was delivered")
			}
		})
	}
}

// TestMessageErrorOutsideRun tests that errors are ignored before Run
func TestMessageErrorOutsideRun(t *testing.T) {
	l, w := newTestLink(t)
	frame := BuildAck(0, 0)
	frame[3] ^= 0xFF
	l.Receive(frame)

	if len(w.frames) != 0 || l.State() != StateHalt {
		t.Errorf("halted link reacted to a bad frame: %d frames, state %s", len(w.frames), l.State())
	}
	if l.Counters().HeaderCRCErrors != 1 {
		t.Errorf("HeaderCRCErrors = %d", l.Counters().HeaderCRCErrors)
	}
}

// TestReceiveBufferProblems tests NAK 8 and NAK 16
func TestReceiveBufferProblems(t *testing.T) {
	t.Run("no buffer", func(t *testing.T) {
		l, w := runningLink(t)
		l.Receive(dataFrame(t, "data", 1, 0))
		pkts := w.packets(t)
		if len(pkts) != 1 || pkts[0].Reason != NakBufferTemporary {
			t.Fatalf("sent %v, want NAK 8", pkts)
		}
		if l.Vars().R != 0 {
			t.Error("R advanced without a buffer")
		}
	})

	t.Run("too long", func(t *testing.T) {
		l, w := runningLink(t)
		l.AssignReceiveBuffer(1, 4)
		l.Receive(dataFrame(t, "much too long", 1, 0))
		pkts := w.packets(t)
		if len(pkts) != 1 || pkts[0].Reason != NakTooLong {
			t.Fatalf("sent %v, want NAK 16", pkts)
		}
		if _, transmit, _, _ := l.QueueLengths(); transmit != 0 {
			t.Error("unexpected transmit queue entries")
		}
		if receive, _, _, _ := l.QueueLengths(); receive != 1 {
			t.Error("receive buffer was consumed")
		}
	})

	t.Run("duplicate", func(t *testing.T) {
		l, w := runningLink(t)
		l.r = 5
		l.AssignReceiveBuffer(1, 64)
		l.Receive(dataFrame(t, "again", 5, 0))
		pkts := w.packets(t)
		if len(pkts) != 1 || pkts[0].Control != CtlAck || pkts[0].Resp != 5 {
			t.Fatalf("sent %v, want ACK 5", pkts)
		}
		if len(drain(l)) != 0 {
			t.Error("duplicate delivered")
		}
	})
}

// TestAckDrivenCompletion tests completing ack-wait buffers up to RESP
func TestAckDrivenCompletion(t *testing.T) {
	l, w := runningLink(t)
	l.n, l.a, l.t, l.x = 9, 9, 10, 9

	for i, msg := range []string{"m10", "m11", "m12"} {
		if err := l.EnqueueTransmitBuffer(uint32(10+i), []byte(msg), true); err != nil {
			t.Fatal(err)
		}
	}

	pkts := w.packets(t)
	if len(pkts) != 3 {
		t.Fatalf("sent %d frames, want 3", len(pkts))
	}
	for i, p := range pkts {
		if !p.IsData() || p.Num != uint8(10+i) {
			t.Errorf("frame %d = %v, want data %d", i, p, 10+i)
		}
	}
	if v := l.Vars(); v.N != 12 || v.T != 13 || v.X != 12 || !v.TimerRunning {
		t.Errorf("vars after send = %+v", v)
	}

	l.Receive(BuildAck(11, 0))

	comps := drain(l)
	if len(comps) != 2 {
		t.Fatalf("completions = %+v, want 2", comps)
	}
	for i, c := range comps {
		if c.Event != EventTransmitted || c.BufferID != uint32(10+i) || c.Length != 3 {
			t.Errorf("completion %d = %+v", i, c)
		}
	}

	_, _, ackWait, _ := l.QueueLengths()
	if ackWait != 1 {
		t.Errorf("ack-wait length = %d, want 1", ackWait)
	}
	h, _ := l.pool.AckWait.Peek()
	if l.pool.Get(h).Num != 12 {
		t.Errorf("remaining ack-wait buffer has NUM %d", l.pool.Get(h).Num)
	}
	if v := l.Vars(); v.A != 11 || !v.TimerRunning {
		t.Errorf("A=%d timer=%v, want 11 running", v.A, v.TimerRunning)
	}

	l.Receive(BuildAck(12, 0))
	if v := l.Vars(); v.A != 12 || v.TimerRunning {
		t.Errorf("A=%d timer=%v, want 12 stopped", v.A, v.TimerRunning)
	}

	// Stale ACKs change nothing
	l.Receive(BuildAck(11, 0))
	if l.Vars().A != 12 {
		t.Error("stale ACK moved A backwards")
	}
}

// TestPiggybackedAck tests that data messages acknowledge and deliver at once
func TestPiggybackedAck(t *testing.T) {
	l, w := runningLink(t)
	l.AssignReceiveBuffer(1, 64)
	l.EnqueueTransmitBuffer(7, []byte("out"), true)
	w.reset()

	l.Receive(dataFrame(t, "in", 1, 1))

	comps := drain(l)
	events := map[Event]bool{}
	for _, c := range comps {
		events[c.Event] = true
	}
	if !events[EventTransmitted] || !events[EventReceived] {
		t.Errorf("completions = %+v, want Transmitted and Received", comps)
	}
	if v := l.Vars(); v.A != 1 || v.R != 1 {
		t.Errorf("A=%d R=%d, want 1 1", v.A, v.R)
	}
}

// TestReplyTimeout tests REP on timeout and retransmission after NAK
func TestReplyTimeout(t *testing.T) {
	l, w := runningLink(t)
	l.EnqueueTransmitBuffer(1, []byte("lost"), true)
	w.reset()

	for i := 0; i < DefaultLinkConfig().ReplyTimeout; i++ {
		l.Tick()
	}
	pkts := w.packets(t)
	if len(pkts) != 1 || pkts[0].Control != CtlRep || pkts[0].Num != 1 {
		t.Fatalf("sent %v, want REP 1", pkts)
	}
	if !l.Vars().TimerRunning {
		t.Error("timer should run while waiting for the REP answer")
	}

	w.reset()
	l.Receive(BuildNak(NakRepResponse, 0, 0))
	pkts = w.packets(t)
	if len(pkts) != 1 || !pkts[0].IsData() || pkts[0].Num != 1 || string(pkts[0].Payload) != "lost" {
		t.Fatalf("sent %v, want retransmission of 1", pkts)
	}
	c := l.Counters()
	if c.Retransmissions != 1 || c.RepsSent != 1 || c.NaksReceived[NakRepResponse] != 1 {
		t.Errorf("counters = %+v", c)
	}
}

// TestRepAnswers tests ACK or NAK 3 in answer to REP
func TestRepAnswers(t *testing.T) {
	tests := []struct {
		name    string
		num     uint8
		control ControlType
		reason  NakReason
	}{
		{"matches R", 5, CtlAck, NakNone},
		{"ahead of R", 7, CtlNak, NakRepResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, w := runningLink(t)
			l.r = 5
			l.Receive(BuildRep(tt.num, 0))
			pkts := w.packets(t)
			if len(pkts) != 1 || pkts[0].Control != tt.control || pkts[0].Reason != tt.reason || pkts[0].Resp != 5 {
				t.Errorf("sent %v, want %s %s RESP 5", pkts, tt.control, tt.reason)
			}
		})
	}
}

// TestMultiBufferMessage tests that fragments share one data message
func TestMultiBufferMessage(t *testing.T) {
	l, w := runningLink(t)
	l.EnqueueTransmitBuffer(1, []byte("abc"), false)
	if len(w.frames) != 0 {
		t.Fatal("incomplete message was sent")
	}
	l.EnqueueTransmitBuffer(2, []byte("def"), true)

	pkts := w.packets(t)
	if len(pkts) != 1 || string(pkts[0].Payload) != "abcdef" {
		t.Fatalf("sent %v, want one message abcdef", pkts)
	}

	l.Receive(BuildAck(1, 0))
	comps := drain(l)
	if len(comps) != 2 || comps[0].BufferID != 1 || comps[1].BufferID != 2 {
		t.Errorf("completions = %+v", comps)
	}
}

// TestIdempotentHalt tests UserHalt from every state
func TestIdempotentHalt(t *testing.T) {
	setups := []struct {
		name  string
		state State
		setup func(l *Link)
	}{
		{"Halt", StateHalt, func(l *Link) {}},
		{"IStart", StateIStart, func(l *Link) {
			l.SetLineEnabled(true)
			l.SetLineConnected(true)
		}},
		{"AStart", StateAStart, func(l *Link) {
			l.SetLineEnabled(true)
			l.SetLineConnected(true)
			l.Receive(BuildStart(FlagSelect | FlagQSync))
		}},
		{"Run", StateRun, func(l *Link) {
			l.SetLineEnabled(true)
			l.SetLineConnected(true)
			l.Receive(BuildStartAck(FlagSelect | FlagQSync))
			l.EnqueueTransmitBuffer(1, []byte("x"), true)
		}},
		{"Maintenance", StateMaintenance, func(l *Link) {
			l.EnterMaintenance()
		}},
	}

	for _, tt := range setups {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := newTestLink(t)
			tt.setup(l)
			if l.State() != tt.state {
				t.Fatalf("setup reached %s, want %s", l.State(), tt.state)
			}

			l.SetLineEnabled(false)
			if l.State() != StateHalt || l.Vars().TimerRunning {
				t.Errorf("after halt: state %s timer %v", l.State(), l.Vars().TimerRunning)
			}

			l.SetLineEnabled(false)
			if l.State() != StateHalt {
				t.Errorf("second halt: state %s", l.State())
			}
		})
	}
}

// TestDisconnectReplay tests that unacknowledged buffers are replayed in order
func TestDisconnectReplay(t *testing.T) {
	l, w := runningLink(t)
	for i := 1; i <= 3; i++ {
		l.EnqueueTransmitBuffer(uint32(i), []byte{byte('a' + i - 1)}, true)
	}
	if _, _, ackWait, _ := l.QueueLengths(); ackWait != 3 {
		t.Fatalf("ack-wait length = %d, want 3", ackWait)
	}

	l.SetLineConnected(false)
	if l.State() != StateHalt {
		t.Fatalf("state = %s, want Halt", l.State())
	}
	comps := drain(l)
	if len(comps) != 1 || comps[0].Event != EventDisconnected {
		t.Errorf("completions = %+v, want Disconnected", comps)
	}

	l.EnqueueTransmitBuffer(4, []byte("d"), true)
	l.SetLineConnected(true)
	if l.State() != StateIStart {
		t.Fatalf("state after reconnect = %s, want IStart", l.State())
	}

	var ids []uint32
	l.pool.Transmit.Each(func(_ int, h queue.Handle) bool {
		ids = append(ids, l.pool.Get(h).ID)
		return true
	})
	if len(ids) != 4 || ids[0] != 1 || ids[1] != 2 || ids[2] != 3 || ids[3] != 4 {
		t.Fatalf("transmit queue ids = %v, want [1 2 3 4]", ids)
	}

	w.reset()
	l.Receive(BuildStartAck(FlagSelect | FlagQSync))
	var payload []byte
	for _, p := range w.packets(t) {
		if p.IsData() {
			payload = append(payload, p.Payload...)
			if p.Num != uint8(len(payload)) {
				t.Errorf("replayed message %q has NUM %d", p.Payload, p.Num)
			}
		}
	}
	if string(payload) != "abcd" {
		t.Errorf("replayed payloads %q, want abcd", payload)
	}
}

// TestPeerRestart tests STRT received while running
func TestPeerRestart(t *testing.T) {
	l, w := runningLink(t)
	l.Receive(BuildStart(FlagSelect | FlagQSync))

	comps := drain(l)
	if len(comps) != 1 || comps[0].Event != EventStartReceived {
		t.Errorf("completions = %+v, want StartReceived", comps)
	}
	if l.State() != StateIStart {
		t.Errorf("state = %s, want IStart (line still enabled)", l.State())
	}
	pkts := w.packets(t)
	if len(pkts) != 1 || pkts[0].Control != CtlStrt {
		t.Errorf("sent %v, want STRT", controlTypes(pkts))
	}
}

// TestMaintenanceMode tests DLE send and receive
func TestMaintenanceMode(t *testing.T) {
	l, w := newTestLink(t)
	if err := l.EnterMaintenance(); err != nil {
		t.Fatal(err)
	}
	l.AssignReceiveBuffer(5, 64)
	l.EnqueueTransmitBuffer(6, []byte("boot"), true)

	pkts := w.packets(t)
	if len(pkts) != 1 || !pkts[0].IsMaintenance() || string(pkts[0].Payload) != "boot" {
		t.Fatalf("sent %v, want maintenance boot", pkts)
	}

	m, _ := BuildMaintenance([]byte("reply"))
	l.Receive(m)

	comps := drain(l)
	if len(comps) != 2 {
		t.Fatalf("completions = %+v", comps)
	}
	if comps[0].Event != EventMaintenanceSent || comps[0].BufferID != 6 || comps[0].Length != 4 {
		t.Errorf("first completion = %+v", comps[0])
	}
	if comps[1].Event != EventMaintenanceReceived || string(comps[1].Data) != "reply" {
		t.Errorf("second completion = %+v", comps[1])
	}
}

// TestMaintenanceMessageWhileHalted tests entry to maintenance on a DLE frame
func TestMaintenanceMessageWhileHalted(t *testing.T) {
	l, _ := newTestLink(t)
	l.AssignReceiveBuffer(1, 64)
	m, _ := BuildMaintenance([]byte("hi"))
	l.Receive(m)

	if l.State() != StateMaintenance {
		t.Fatalf("state = %s, want Maintenance", l.State())
	}
	if comps := drain(l); len(comps) != 1 || comps[0].Event != EventMaintenanceReceived {
		t.Errorf("completions = %+v", comps)
	}
}

// TestEnterMaintenanceWhileRunning tests the refusal
func TestEnterMaintenanceWhileRunning(t *testing.T) {
	l, _ := runningLink(t)
	if err := l.EnterMaintenance(); !errors.Is(err, ErrLineRunning) {
		t.Errorf("EnterMaintenance() error = %v, want ErrLineRunning", err)
	}
}

// TestKillBuffers tests returning queued buffers to the host
func TestKillBuffers(t *testing.T) {
	l, _ := newTestLink(t)
	l.EnqueueTransmitBuffer(1, []byte("a"), true)
	l.EnqueueTransmitBuffer(2, []byte("b"), true)
	l.AssignReceiveBuffer(3, 16)

	l.KillTransmitBuffers(false)
	comps := drain(l)
	if len(comps) != 2 {
		t.Fatalf("completions = %+v", comps)
	}
	for _, c := range comps {
		if c.Event != EventKilled || c.Length != 0 {
			t.Errorf("completion = %+v, want Killed length 0", c)
		}
	}
	if err := l.EnqueueTransmitBuffer(4, []byte("c"), true); !errors.Is(err, ErrTransmitDisabled) {
		t.Errorf("EnqueueTransmitBuffer() error = %v, want ErrTransmitDisabled", err)
	}

	l.KillReceiveBuffers(true)
	comps = drain(l)
	if len(comps) != 1 || comps[0].BufferID != 3 || comps[0].Event != EventKilled {
		t.Errorf("completions = %+v", comps)
	}
	if err := l.AssignReceiveBuffer(5, 16); err != nil {
		t.Errorf("AssignReceiveBuffer() after enable kill: %v", err)
	}
}

// TestHostErrors tests argument and capacity checks
func TestHostErrors(t *testing.T) {
	l, _ := newTestLink(t)
	depth := DefaultLinkConfig().QueueDepth

	if err := l.AssignReceiveBuffer(1, 0); !errors.Is(err, ErrInvalidLength) {
		t.Errorf("zero length: %v", err)
	}
	if err := l.AssignReceiveBuffer(1, MaxDataLength+1); !errors.Is(err, ErrMessageTooLong) {
		t.Errorf("oversized receive buffer: %v", err)
	}
	if err := l.EnqueueTransmitBuffer(1, nil, true); !errors.Is(err, ErrInvalidLength) {
		t.Errorf("empty transmit buffer: %v", err)
	}

	l.EnqueueTransmitBuffer(1, make([]byte, MaxDataLength-10), false)
	if err := l.EnqueueTransmitBuffer(2, make([]byte, 20), true); !errors.Is(err, ErrMessageTooLong) {
		t.Errorf("oversized message: %v", err)
	}
	l.KillTransmitBuffers(true)
	drain(l)

	for i := 0; i < depth; i++ {
		if err := l.EnqueueTransmitBuffer(uint32(i), []byte("x"), true); err != nil {
			t.Fatalf("EnqueueTransmitBuffer(%d) error = %v", i, err)
		}
	}
	if err := l.EnqueueTransmitBuffer(99, []byte("x"), true); !errors.Is(err, ErrQueueFull) {
		t.Errorf("full transmit queue: %v", err)
	}
}

// TestPoolExhaustionIsFatal tests the fatal path when the host never collects completions
func TestPoolExhaustionIsFatal(t *testing.T) {
	l, _ := newTestLink(t)
	depth := DefaultLinkConfig().QueueDepth

	for i := 0; i < depth; i++ {
		l.AssignReceiveBuffer(uint32(i), 8)
	}
	l.KillReceiveBuffers(true)
	for i := 0; i < depth; i++ {
		if err := l.AssignReceiveBuffer(uint32(100+i), 8); err != nil {
			t.Fatalf("AssignReceiveBuffer(%d) error = %v", i, err)
		}
	}

	err := l.EnqueueTransmitBuffer(200, []byte("x"), true)
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("EnqueueTransmitBuffer() error = %v, want ErrPoolExhausted", err)
	}
	if !errors.Is(l.Err(), ErrPoolExhausted) || l.State() != StateHalt {
		t.Errorf("Err() = %v, state %s", l.Err(), l.State())
	}

	fatal := false
	for _, c := range drain(l) {
		if c.Event == EventFatal {
			fatal = true
		}
	}
	if !fatal {
		t.Error("no Fatal completion queued")
	}

	if err := l.AssignReceiveBuffer(300, 8); !errors.Is(err, ErrLineHalted) {
		t.Errorf("call after fatal error = %v, want ErrLineHalted", err)
	}
	l.SetLineEnabled(true)
	l.SetLineConnected(true)
	if l.State() != StateHalt {
		t.Errorf("line restarted after fatal error: %s", l.State())
	}
}

// TestControlQueueBehindData tests that control frames wait for the transmitter
func TestControlQueueBehindData(t *testing.T) {
	l, w := runningLink(t)
	w.auto = false

	l.EnqueueTransmitBuffer(1, []byte("slow"), true)
	if !l.TransmitterBusy() {
		t.Fatal("transmitter should be busy")
	}
	l.Receive(BuildStartAck(FlagSelect | FlagQSync)) // sets SACK
	l.Receive(BuildRep(0, 0))                        // sets SACK again
	if len(w.frames) != 1 {
		t.Fatalf("sent %d frames while busy", len(w.frames))
	}

	l.TransmitComplete()
	pkts := w.packets(t)
	if len(pkts) != 2 || pkts[1].Control != CtlAck {
		t.Errorf("sent %v, want data then ACK", pkts)
	}
	if l.Vars().X != 1 {
		t.Errorf("X = %d, want 1", l.Vars().X)
	}
}

// BenchmarkLinkDataExchange benchmarks a send and its acknowledgement
func BenchmarkLinkDataExchange(b *testing.B) {
	w := &fakeWire{auto: true}
	l := NewLink(DefaultLinkConfig(), w, logger.NewNoOpLogger())
	w.link = l
	l.SetLineEnabled(true)
	l.SetLineConnected(true)
	l.Receive(BuildStartAck(FlagSelect | FlagQSync))
	payload := make([]byte, 128)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.EnqueueTransmitBuffer(uint32(i), payload, true)
		l.Receive(BuildAck(l.n, 0))
		for {
			if _, ok := l.TakeCompletion(); !ok {
				break
			}
		}
		w.frames = w.frames[:0]
	}
}
