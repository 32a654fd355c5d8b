package channel

import "sync/atomic"

// Statistics tracks channel-level frame statistics
type Statistics struct {
	numFramesTx    uint64
	numFramesRx    uint64
	numReadErrors  uint64
	numWriteErrors uint64
	numRefused     uint64

	// Test corruption policy
	numDropped   uint64
	numCorrupted uint64
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	return &Statistics{}
}

// FrameTx increments transmitted frames
func (s *Statistics) FrameTx() {
	atomic.AddUint64(&s.numFramesTx, 1)
}

// FrameRx increments received frames
func (s *Statistics) FrameRx() {
	atomic.AddUint64(&s.numFramesRx, 1)
}

// ReadError increments read errors
func (s *Statistics) ReadError() {
	atomic.AddUint64(&s.numReadErrors, 1)
}

// WriteError increments write errors
func (s *Statistics) WriteError() {
	atomic.AddUint64(&s.numWriteErrors, 1)
}

// Refused increments frames refused because the write queue was full or closed
func (s *Statistics) Refused() {
	atomic.AddUint64(&s.numRefused, 1)
}

// Dropped increments frames dropped by the corruption policy
func (s *Statistics) Dropped() {
	atomic.AddUint64(&s.numDropped, 1)
}

// Corrupted increments frames altered by the corruption policy
func (s *Statistics) Corrupted() {
	atomic.AddUint64(&s.numCorrupted, 1)
}

// GetFramesTx returns transmitted frames
func (s *Statistics) GetFramesTx() uint64 {
	return atomic.LoadUint64(&s.numFramesTx)
}

// GetFramesRx returns received frames
func (s *Statistics) GetFramesRx() uint64 {
	return atomic.LoadUint64(&s.numFramesRx)
}

// GetReadErrors returns read errors
func (s *Statistics) GetReadErrors() uint64 {
	return atomic.LoadUint64(&s.numReadErrors)
}

// GetWriteErrors returns write errors
func (s *Statistics) GetWriteErrors() uint64 {
	return atomic.LoadUint64(&s.numWriteErrors)
}

// GetRefused returns refused frames
func (s *Statistics) GetRefused() uint64 {
	return atomic.LoadUint64(&s.numRefused)
}

// GetDropped returns frames dropped by the corruption policy
func (s *Statistics) GetDropped() uint64 {
	return atomic.LoadUint64(&s.numDropped)
}

// GetCorrupted returns frames altered by the corruption policy
func (s *Statistics) GetCorrupted() uint64 {
	return atomic.LoadUint64(&s.numCorrupted)
}

// Reset resets all statistics
func (s *Statistics) Reset() {
	atomic.StoreUint64(&s.numFramesTx, 0)
	atomic.StoreUint64(&s.numFramesRx, 0)
	atomic.StoreUint64(&s.numReadErrors, 0)
	atomic.StoreUint64(&s.numWriteErrors, 0)
	atomic.StoreUint64(&s.numRefused, 0)
	atomic.StoreUint64(&s.numDropped, 0)
	atomic.StoreUint64(&s.numCorrupted, 0)
}
