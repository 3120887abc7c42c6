// Package analysis talks to the remote conversation analysis service and
// caches its urgency signals.
package analysis

import (
	"context"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
)

// Signals is what the analysis service reports about a conversation.
type Signals struct {
	HasUrgent   bool `json:"hasUrgent" cbor:"has_urgent"`
	UrgentCount int  `json:"urgentCount" cbor:"urgent_count"`
}

// Result is the outcome of one analysis. Success false with an ErrorCode is a
// service-level refusal, not a transport error.
type Result struct {
	Success   bool
	Signals   Signals
	ErrorCode string
	// FetchedAt is when the service produced the signals.
	FetchedAt time.Time
	Cached    bool
}

// Options for a single analysis.
type Options struct {
	// ForceRefresh bypasses any cache.
	ForceRefresh bool
}

// Analyzer scores the recent messages of a conversation.
type Analyzer interface {
	Analyze(ctx context.Context, conversationID string, messages []store.Message, opts Options) (Result, error)
}
