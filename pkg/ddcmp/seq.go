package ddcmp

// Window compares 8-bit message numbers. A number up to Size ahead of
// another is greater than it, a number up to Size behind is less, and
// anything in between falls back to half-range serial arithmetic so the
// ordering stays antisymmetric.
type Window struct {
	Size int
}

// MaxWindow is the largest usable window
const MaxWindow = 127

// NewWindow creates a comparator for the given window size
func NewWindow(size int) Window {
	if size < 1 {
		size = 1
	}
	if size > MaxWindow {
		size = MaxWindow
	}
	return Window{Size: size}
}

// Distance returns how far b is ahead of a, modulo 256
func Distance(a, b uint8) int {
	return int(b - a)
}

// Cmp returns -1 if a precedes b, 0 if they are equal and +1 if a follows b
func (w Window) Cmp(a, b uint8) int {
	d := Distance(a, b)
	switch {
	case d == 0:
		return 0
	case d <= w.Size:
		return -1
	case d >= 256-w.Size:
		return 1
	case d < 128:
		return -1
	case d > 128:
		return 1
	case a < b:
		return -1
	default:
		return 1
	}
}

// EQ reports a == b
func (w Window) EQ(a, b uint8) bool { return a == b }

// NE reports a != b
func (w Window) NE(a, b uint8) bool { return a != b }

// LT reports a < b
func (w Window) LT(a, b uint8) bool { return w.Cmp(a, b) < 0 }

// LE reports a <= b
func (w Window) LE(a, b uint8) bool { return w.Cmp(a, b) <= 0 }

// GT reports a > b
func (w Window) GT(a, b uint8) bool { return w.Cmp(a, b) > 0 }

// GE reports a >= b
func (w Window) GE(a, b uint8) bool { return w.Cmp(a, b) >= 0 }

// InWindow reports whether b is ahead of a by at most the window size
func (w Window) InWindow(a, b uint8) bool {
	d := Distance(a, b)
	return d > 0 && d <= w.Size
}
