package ddcmp

// Timer is the single reply timer of a link, counted in ticks
type Timer struct {
	timeout   int
	remaining int
	running   bool
}

// NewTimer creates a stopped timer that runs for timeout ticks once started
func NewTimer(timeout int) *Timer {
	if timeout < 1 {
		timeout = 1
	}
	return &Timer{timeout: timeout}
}

// Start (re)starts the timer with the full timeout
func (t *Timer) Start() {
	t.remaining = t.timeout
	t.running = true
}

// Stop stops the timer
func (t *Timer) Stop() {
	t.running = false
	t.remaining = 0
}

// IsRunning returns true if the timer is counting down
func (t *Timer) IsRunning() bool {
	return t.running
}

// Remaining returns the ticks left before expiry
func (t *Timer) Remaining() int {
	return t.remaining
}

// Clock advances the timer by one tick and reports whether it expired.
// An expired timer stays stopped until started again.
func (t *Timer) Clock() bool {
	if !t.running {
		return false
	}
	t.remaining--
	if t.remaining > 0 {
		return false
	}
	t.running = false
	t.remaining = 0
	return true
}
