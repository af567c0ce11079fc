// Package progress carries live run/batch events from the orchestrators to streaming clients.
package progress

import "time"

const (
	TypeProgress         = "progress"
	TypePosition         = "position"
	TypeClaim            = "claim"
	TypeCompression      = "compression"
	TypeComplete         = "complete"
	TypeError            = "error"
	TypeProviderStarted  = "provider_started"
	TypeProviderComplete = "provider_complete"
	TypeProviderError    = "provider_error"
	TypeBatchComplete    = "batch_complete"
	TypeBatchError       = "batch_error"
)

type Event struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func NewEvent(eventType, message string, data map[string]interface{}) Event {
	return Event{
		Type:      eventType,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Terminal reports whether the event ends a run or batch stream.
func (e Event) Terminal() bool {
	switch e.Type {
	case TypeComplete, TypeError, TypeBatchComplete, TypeBatchError:
		return true
	}
	return false
}
