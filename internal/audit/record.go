// Package audit keeps the append-only trail of craft attempts.
//
// Records are handed to a Logger, which writes them to one or more sinks in
// the background. A sink failure is retried and finally reported through the
// process log; it never reaches the caller that produced the record.
package audit

import (
	"context"
	"time"

	"github.com/gravitas-games/crafting/internal/inventory"
	"github.com/gravitas-games/crafting/internal/recipe"
)

// Outcome is the terminal state of one craft attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeBlocked Outcome = "blocked"
	OutcomeFailed  Outcome = "failed"
)

// Source tells whether an attempt came from a player command or the scheduler.
type Source string

const (
	SourceManual Source = "manual"
	SourceAuto   Source = "auto"
)

// Produced describes the result credited by a successful craft.
type Produced struct {
	Ref      inventory.ItemRef  `json:"ref"`
	Quantity int                `json:"quantity"`
	Balls    []inventory.BallID `json:"balls,omitempty"`
}

// Record is one immutable audit entry.
type Record struct {
	ID       string                 `json:"id"`
	Time     time.Time              `json:"time"`
	Player   inventory.PlayerID     `json:"player"`
	Recipe   recipe.ID              `json:"recipe"`
	Outcome  Outcome                `json:"outcome"`
	Reason   string                 `json:"reason,omitempty"`
	Detail   string                 `json:"detail,omitempty"`
	Source   Source                 `json:"source"`
	Consumed *inventory.Consumption `json:"consumed,omitempty"`
	Produced *Produced              `json:"produced,omitempty"`
}

// Sink durably stores records. Append must be all-or-nothing per call so a
// retry never duplicates part of a batch.
type Sink interface {
	Append(ctx context.Context, records []Record) error
}

// Filter selects records for moderation queries. Zero fields match all.
type Filter struct {
	Player inventory.PlayerID
	Recipe recipe.ID
	Limit  int
}

// Reader is implemented by sinks that can be queried, newest first.
type Reader interface {
	Query(ctx context.Context, f Filter) ([]Record, error)
}

// Match reports whether rec passes the player and recipe filters.
func (f Filter) Match(rec Record) bool {
	if f.Player != "" && rec.Player != f.Player {
		return false
	}
	if f.Recipe != "" && rec.Recipe != f.Recipe {
		return false
	}
	return true
}
