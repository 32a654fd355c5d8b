package queue

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
)

// Errors
var (
	ErrPoolExhausted = errors.New("buffer pool exhausted")
	ErrNotOwned      = errors.New("buffer is not allocated")
	ErrBadHandle     = errors.New("invalid buffer handle")
	ErrStillQueued   = errors.New("buffer is still queued")
)

// Kind tags what a buffer is used for
type Kind int

const (
	KindReceive Kind = iota
	KindTransmitData
	KindTransmitControl
)

// String returns string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindReceive:
		return "Receive"
	case KindTransmitData:
		return "TransmitData"
	case KindTransmitControl:
		return "TransmitControl"
	default:
		return "Unknown"
	}
}

// Handle identifies a buffer slot in the pool arena
type Handle int

// NoBuffer is the handle carried by completion records that refer to no buffer
const NoBuffer Handle = -1

// Buffer is a unit of data ownership supplied by the host
type Buffer struct {
	ID     uint32 // Host buffer identifier (address)
	Kind   Kind
	Count  int    // Requested length (capacity for receive, payload length for transmit)
	Actual int    // Bytes actually transferred
	Data   []byte // Payload
	Num    uint8  // Sequence number once framed
	EOM    bool   // Last buffer of a message

	owner string // Queue holding the buffer, "" while in flight
	inUse bool
}

// Record is a completion queue entry
type Record struct {
	Handle Handle // NoBuffer for pure protocol events
	Code   int
}

// Pool owns a fixed arena of buffers and the five per-link queues.
// A buffer is referenced by at most one queue at any time; Put and
// Take are the only ways buffers change queue membership.
type Pool struct {
	arena []Buffer

	Free       *Queue[Handle]
	Receive    *Queue[Handle]
	Transmit   *Queue[Handle]
	AckWait    *Queue[Handle]
	Completion *Queue[Record]
}

// completionSlack leaves room for event-only records next to buffer completions
const completionSlack = 16

// NewPool creates a pool for the given protocol queue depth.
// The free pool holds twice the depth.
func NewPool(depth int) *Pool {
	if depth < 1 {
		depth = 1
	}
	size := 2 * depth

	p := &Pool{
		arena:      make([]Buffer, size),
		Free:       NewQueue[Handle]("free", size),
		Receive:    NewQueue[Handle]("receive", depth),
		Transmit:   NewQueue[Handle]("transmit", depth),
		AckWait:    NewQueue[Handle]("ack-wait", depth),
		Completion: NewQueue[Record]("completion", size+completionSlack),
	}
	for i := range p.arena {
		p.arena[i].owner = p.Free.Name()
		p.Free.Enqueue(Handle(i))
	}
	return p
}

// Size returns the number of buffers in the arena
func (p *Pool) Size() int {
	return len(p.arena)
}

// Alloc takes a buffer from the free queue and initialises it.
// The returned buffer is in flight until it is Put on a queue.
func (p *Pool) Alloc(kind Kind, id uint32, count int) (Handle, error) {
	h, ok := p.Free.Dequeue()
	if !ok {
		return NoBuffer, ErrPoolExhausted
	}
	p.arena[h] = Buffer{
		ID:    id,
		Kind:  kind,
		Count: count,
		inUse: true,
	}
	return h, nil
}

// Release returns a buffer to the free queue
func (p *Pool) Release(h Handle) error {
	if !p.valid(h) {
		return ErrBadHandle
	}
	b := &p.arena[h]
	if !b.inUse {
		return ErrNotOwned
	}
	if b.owner != "" {
		return errors.Wrapf(ErrStillQueued, "handle %d on %s", h, b.owner)
	}
	*b = Buffer{owner: p.Free.Name()}
	if !p.Free.Enqueue(h) {
		return errors.Wrapf(ErrBadHandle, "free queue overflow on handle %d", h)
	}
	return nil
}

// Get returns the buffer for h
func (p *Pool) Get(h Handle) *Buffer {
	if !p.valid(h) {
		return nil
	}
	return &p.arena[h]
}

// Owner returns the name of the queue holding h, or "" while in flight
func (p *Pool) Owner(h Handle) string {
	if !p.valid(h) {
		return ""
	}
	return p.arena[h].owner
}

// Put enqueues an in-flight buffer on q
func (p *Pool) Put(q *Queue[Handle], h Handle) bool {
	if !p.valid(h) || p.arena[h].owner != "" {
		return false
	}
	if !q.Enqueue(h) {
		return false
	}
	p.arena[h].owner = q.Name()
	return true
}

// PutFront inserts an in-flight buffer at the head of q
func (p *Pool) PutFront(q *Queue[Handle], h Handle) bool {
	if !p.valid(h) || p.arena[h].owner != "" {
		return false
	}
	if !q.PushFront(h) {
		return false
	}
	p.arena[h].owner = q.Name()
	return true
}

// Take dequeues the head of q; the buffer is in flight afterwards
func (p *Pool) Take(q *Queue[Handle]) (Handle, bool) {
	h, ok := q.Dequeue()
	if !ok {
		return NoBuffer, false
	}
	p.arena[h].owner = ""
	return h, true
}

// Move transfers the head of from to the tail of to.
// Nothing moves if to is full.
func (p *Pool) Move(from, to *Queue[Handle]) (Handle, bool) {
	if to.Full() {
		return NoBuffer, false
	}
	h, ok := p.Take(from)
	if !ok {
		return NoBuffer, false
	}
	p.Put(to, h)
	return h, true
}

// Complete queues a completion record. A buffer handed over here is
// owned by the completion queue until the host picks it up.
func (p *Pool) Complete(h Handle, code int) bool {
	if h != NoBuffer && (!p.valid(h) || p.arena[h].owner != "") {
		return false
	}
	if !p.Completion.Enqueue(Record{Handle: h, Code: code}) {
		return false
	}
	if h != NoBuffer {
		p.arena[h].owner = p.Completion.Name()
	}
	return true
}

// NextCompletion dequeues the next completion record; its buffer, if
// any, is in flight until released
func (p *Pool) NextCompletion() (Record, bool) {
	r, ok := p.Completion.Dequeue()
	if !ok {
		return r, false
	}
	if r.Handle != NoBuffer {
		p.arena[r.Handle].owner = ""
	}
	return r, true
}

// Dump renders the state of every queue and buffer for diagnostics
func (p *Pool) Dump() string {
	var buf bytes.Buffer
	for _, q := range []*Queue[Handle]{p.Free, p.Receive, p.Transmit, p.AckWait} {
		fmt.Fprintf(&buf, "%-10s %d/%d [", q.Name(), q.Len(), q.Cap())
		q.Each(func(i int, h Handle) bool {
			if i > 0 {
				buf.WriteString(" ")
			}
			fmt.Fprintf(&buf, "%d", h)
			return true
		})
		buf.WriteString("]\n")
	}
	fmt.Fprintf(&buf, "%-10s %d/%d\n", p.Completion.Name(), p.Completion.Len(), p.Completion.Cap())
	for i := range p.arena {
		b := &p.arena[i]
		if !b.inUse {
			continue
		}
		owner := b.owner
		if owner == "" {
			owner = "in-flight"
		}
		fmt.Fprintf(&buf, "buf %2d id=%#x kind=%s count=%d actual=%d num=%d eom=%t in=%s\n",
			i, b.ID, b.Kind, b.Count, b.Actual, b.Num, b.EOM, owner)
	}
	return buf.String()
}

func (p *Pool) valid(h Handle) bool {
	return h >= 0 && int(h) < len(p.arena)
}
