// Package history journals lifecycle transitions to pluggable sinks so
// the run of a container can be audited after the fact.
package history

import (
	"context"
	"time"
)

// Entry is one lifecycle transition of one service.
type Entry struct {
	Service  string    `json:"service"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	PID      int       `json:"pid,omitempty"`
	ExitCode int       `json:"exit_code,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Sink is a destination for lifecycle entries (databases, analytics
// systems). Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Entry) error
	Close() error
}
