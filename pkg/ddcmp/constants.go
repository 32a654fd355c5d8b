package ddcmp

import (
	"avaneesh/ddcmp-go/pkg/internal/queue"

	"github.com/pkg/errors"
)

// DDCMP Constants

// Message type markers (byte 0)
const (
	SOH uint8 = 0201 // Numbered data message
	ENQ uint8 = 0005 // Control message
	DLE uint8 = 0220 // Maintenance message
)

// Frame sizes
const (
	HeaderSize    = 8     // Header including header CRC
	CRCSize       = 2     // Size of each CRC field
	MaxDataLength = 16383 // 14-bit count field
	StationAddr   = 1     // Point-to-point station address
)

// Flag bits in the top of byte 2
const (
	FlagSelect uint8 = 0x80
	FlagQSync  uint8 = 0x40
	FlagMask   uint8 = 0xC0
	countMask  uint8 = 0x3F
)

// ControlType identifies a control message (byte 1 of an ENQ frame)
type ControlType uint8

const (
	CtlAck   ControlType = 1
	CtlNak   ControlType = 2
	CtlRep   ControlType = 3
	CtlStrt  ControlType = 6
	CtlStack ControlType = 7
)

// String returns string representation of ControlType
func (c ControlType) String() string {
	switch c {
	case CtlAck:
		return "ACK"
	case CtlNak:
		return "NAK"
	case CtlRep:
		return "REP"
	case CtlStrt:
		return "STRT"
	case CtlStack:
		return "STACK"
	default:
		return "Unknown"
	}
}

// NakReason is the 6-bit reason code carried by a NAK
type NakReason uint8

const (
	NakNone            NakReason = 0
	NakHeaderCRC       NakReason = 1  // Header block check error
	NakDataCRC         NakReason = 2  // Data field block check error
	NakRepResponse     NakReason = 3  // REP response
	NakBufferTemporary NakReason = 8  // Buffer temporarily unavailable
	NakTooLong         NakReason = 16 // Message too long
	NakHeaderFormat    NakReason = 17 // Message header format error
)

// String returns string representation of NakReason
func (r NakReason) String() string {
	switch r {
	case NakNone:
		return "None"
	case NakHeaderCRC:
		return "HeaderCRC"
	case NakDataCRC:
		return "DataCRC"
	case NakRepResponse:
		return "REPResponse"
	case NakBufferTemporary:
		return "BufferUnavailable"
	case NakTooLong:
		return "MessageTooLong"
	case NakHeaderFormat:
		return "HeaderFormat"
	default:
		return "Unknown"
	}
}

// State is the DDCMP link state
type State int

const (
	StateHalt State = iota
	StateIStart
	StateAStart
	StateRun
	StateMaintenance

	// StateAny matches every state in the rule table
	StateAny State = -1
)

// String returns string representation of State
func (s State) String() string {
	switch s {
	case StateHalt:
		return "Halt"
	case StateIStart:
		return "IStart"
	case StateAStart:
		return "AStart"
	case StateRun:
		return "Run"
	case StateMaintenance:
		return "Maintenance"
	case StateAny:
		return "Any"
	default:
		return "Unknown"
	}
}

// Event codes delivered to the host with completion records
type Event int

const (
	EventReceived Event = iota + 1
	EventTransmitted
	EventMaintenanceReceived
	EventMaintenanceSent
	EventKilled
	EventDisconnected
	EventStartReceived
	EventRunning
	EventFatal
)

// String returns string representation of Event
func (e Event) String() string {
	switch e {
	case EventReceived:
		return "Received"
	case EventTransmitted:
		return "Transmitted"
	case EventMaintenanceReceived:
		return "MaintenanceReceived"
	case EventMaintenanceSent:
		return "MaintenanceSent"
	case EventKilled:
		return "Killed"
	case EventDisconnected:
		return "Disconnected"
	case EventStartReceived:
		return "StartReceived"
	case EventRunning:
		return "Running"
	case EventFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Errors
var (
	ErrFrameTooShort    = errors.New("frame too short")
	ErrUnknownType      = errors.New("unknown message type")
	ErrHeaderCRC        = errors.New("header CRC error")
	ErrDataCRC          = errors.New("data CRC error")
	ErrHeaderFormat     = errors.New("header format error")
	ErrMessageTooLong   = errors.New("message too long")
	ErrInvalidLength    = errors.New("invalid buffer length")
	ErrQueueFull        = errors.New("queue full")
	ErrLineHalted       = errors.New("line halted after fatal error")
	ErrLineRunning      = errors.New("line is not halted")
	ErrReceiveDisabled  = errors.New("receive buffers disabled")
	ErrTransmitDisabled = errors.New("transmit buffers disabled")
	ErrPoolExhausted    = queue.ErrPoolExhausted
)

// MessageError reports a frame the codec rejected. Reason is the NAK
// reason the link should send; Discard frames are dropped silently.
type MessageError struct {
	Reason  NakReason
	Discard bool
	Err     error
}

// Error implements error
func (e *MessageError) Error() string {
	if e.Discard {
		return "discarded: " + e.Err.Error()
	}
	return e.Err.Error() + " (NAK " + e.Reason.String() + ")"
}

// Unwrap returns the underlying sentinel error
func (e *MessageError) Unwrap() error {
	return e.Err
}
