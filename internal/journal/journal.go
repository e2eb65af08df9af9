// Package journal records engine events and the append-only trade ledger.
package journal

import "time"

// Event represents a journaled event.
type Event struct {
	Time        time.Time
	Type        string // e.g., "open", "settle", "reconcile", "error"
	Description string
	Data        map[string]any
}

// Journaler interface for journaling events.
type Journaler interface {
	LogEvent(event Event) error
	GetEvents(eventType string, start, end time.Time) ([]Event, error)
}

