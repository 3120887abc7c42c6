package priority

import (
	"sync"
	"time"
)

// DefaultThrottle is the minimum time between two escalations of the same
// conversation.
const DefaultThrottle = 5 * time.Minute

// Throttle remembers when each conversation was last escalated.
type Throttle struct {
	window time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

// NewThrottle creates a throttle with the given window.
func NewThrottle(window time.Duration) *Throttle {
	if window <= 0 {
		window = DefaultThrottle
	}
	return &Throttle{window: window, last: make(map[string]time.Time)}
}

// Claim reports whether conversationID may be escalated at now and, if so,
// records the escalation. Check and record happen under one lock, so two
// concurrent passes never both escalate the same conversation.
func (t *Throttle) Claim(conversationID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.last[conversationID]; ok && now.Sub(last) < t.window {
		return false
	}
	t.last[conversationID] = now
	return true
}

// Last returns when a conversation was last escalated.
func (t *Throttle) Last(conversationID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.last[conversationID]
	return last, ok
}
