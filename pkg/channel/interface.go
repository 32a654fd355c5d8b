package channel

import (
	"context"
	"sync"
)

// ConnectionStateListener receives notifications about connection state changes
type ConnectionStateListener interface {
	// OnConnectionEstablished is called when carrier comes up
	OnConnectionEstablished()

	// OnConnectionLost is called when carrier drops
	OnConnectionLost()
}

// PhysicalChannel represents a pluggable byte transport carrying DDCMP frames.
// Users implement this interface to provide TCP, serial or any custom transport.
type PhysicalChannel interface {
	// Read returns the next complete DDCMP frame from the medium.
	// Blocks until a frame is available or ctx is cancelled.
	Read(ctx context.Context) ([]byte, error)

	// Write writes one frame to the medium
	Write(ctx context.Context, data []byte) error

	// Close closes the physical connection and unblocks pending Read/Write
	Close() error

	// Statistics returns transport-level statistics
	Statistics() TransportStats

	// SetConnectionStateListener sets a listener for carrier changes.
	// Transports without a notion of carrier may ignore it.
	SetConnectionStateListener(listener ConnectionStateListener)
}

// LineControl is implemented by transports that can raise or drop DTR
type LineControl interface {
	SetDTR(enabled bool) error
}

// TransportStats provides transport-level statistics
type TransportStats struct {
	BytesSent     uint64 // Total bytes sent
	BytesReceived uint64 // Total bytes received
	WriteErrors   uint64 // Number of write errors
	ReadErrors    uint64 // Number of read errors
	Connects      uint64 // Number of carrier-up transitions
	Disconnects   uint64 // Number of carrier-down transitions
	SkippedBytes  uint64 // Bytes discarded while hunting for a frame header
}

// ChannelState represents the state of a channel
type ChannelState int

const (
	ChannelStateOpen ChannelState = iota
	ChannelStateClosed
)

// String returns string representation of ChannelState
func (s ChannelState) String() string {
	switch s {
	case ChannelStateOpen:
		return "Open"
	case ChannelStateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// listenerSlot holds a ConnectionStateListener behind a lock. Transports
// embed it to share the notify helpers.
type listenerSlot struct {
	mu       sync.RWMutex
	listener ConnectionStateListener
}

// SetConnectionStateListener implements PhysicalChannel.SetConnectionStateListener
func (s *listenerSlot) SetConnectionStateListener(listener ConnectionStateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = listener
}

func (s *listenerSlot) notifyConnectionEstablished() {
	s.mu.RLock()
	listener := s.listener
	s.mu.RUnlock()

	if listener != nil {
		listener.OnConnectionEstablished()
	}
}

func (s *listenerSlot) notifyConnectionLost() {
	s.mu.RLock()
	listener := s.listener
	s.mu.RUnlock()

	if listener != nil {
		listener.OnConnectionLost()
	}
}
