package channel

import (
	"math/rand/v2"
	"sync"
)

// Corruption is what a Corruptor did to a frame
type Corruption int

const (
	CorruptNone Corruption = iota
	CorruptDrop
	CorruptFlip
)

// String returns string representation of Corruption
func (c Corruption) String() string {
	switch c {
	case CorruptNone:
		return "None"
	case CorruptDrop:
		return "Drop"
	case CorruptFlip:
		return "Flip"
	default:
		return "Unknown"
	}
}

// MaxPerMille is the highest corruption probability accepted
const MaxPerMille = 999

// Corruptor damages frames for testing error recovery. Each frame is hit
// with probability perMille/1000; a hit drops the frame or flips one bit,
// with even odds. The generator is seeded so runs are repeatable.
type Corruptor struct {
	mu       sync.Mutex
	perMille int
	rng      *rand.Rand
}

// NewCorruptor creates a corruptor. perMille is clamped to 0..999.
func NewCorruptor(perMille int, seed uint64) *Corruptor {
	c := &Corruptor{rng: rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15))}
	c.SetPerMille(perMille)
	return c
}

// SetPerMille changes the corruption probability
func (c *Corruptor) SetPerMille(perMille int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perMille = min(max(perMille, 0), MaxPerMille)
}

// PerMille returns the corruption probability
func (c *Corruptor) PerMille() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perMille
}

// Apply decides the fate of frame. A flipped frame is a modified copy;
// the input is never changed. A dropped frame is returned as nil.
func (c *Corruptor) Apply(frame []byte) ([]byte, Corruption) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.perMille == 0 || len(frame) == 0 || c.rng.IntN(1000) >= c.perMille {
		return frame, CorruptNone
	}
	if c.rng.IntN(2) == 0 {
		return nil, CorruptDrop
	}

	out := make([]byte, len(frame))
	copy(out, frame)
	bit := c.rng.IntN(len(out) * 8)
	out[bit/8] ^= 1 << (bit % 8)
	return out, CorruptFlip
}
