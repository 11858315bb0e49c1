package imap

import "time"

// EventKind names a connection lifecycle event.
type EventKind string

const (
	EventConnectionLost     EventKind = "connection_lost"
	EventReconnectScheduled EventKind = "reconnect_scheduled"
	EventReconnectSucceeded EventKind = "reconnect_succeeded"
	EventReconnectFailed    EventKind = "reconnect_failed"
)

// Event is emitted by the Supervisor for every loss and reconnect attempt.
type Event struct {
	Kind    EventKind     `json:"kind"`
	Account string        `json:"account"`
	Attempt int           `json:"attempt,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"`
	Error   string        `json:"error,omitempty"`
	Time    time.Time     `json:"time"`
}
