package journal

import (
	"fmt"
	"time"
)

// Event kinds
const (
	KindCompletion = "completion" // A completion handed to the host
	KindState      = "state"      // Link state change
	KindFatal      = "fatal"      // Line halted by a fatal error
)

// LineEvent is one journal row
type LineEvent struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	Line      string    `gorm:"index;size:64;not null" json:"line"`
	Kind      string    `gorm:"index;size:16;not null" json:"kind"`
	Event     string    `gorm:"size:32" json:"event"`
	BufferID  uint32    `json:"buffer_id"`
	Length    int       `json:"length"`
	State     string    `gorm:"size:16" json:"state"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// TableName specifies the table name for GORM
func (LineEvent) TableName() string {
	return "line_events"
}

// String returns a one-line rendering for logs
func (e LineEvent) String() string {
	switch e.Kind {
	case KindCompletion:
		return fmt.Sprintf("%s %s buffer=%#x len=%d state=%s", e.Line, e.Event, e.BufferID, e.Length, e.State)
	case KindFatal:
		return fmt.Sprintf("%s fatal: %s", e.Line, e.Detail)
	default:
		return fmt.Sprintf("%s %s state=%s", e.Line, e.Kind, e.State)
	}
}
