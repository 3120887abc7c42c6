// Package priority orders conversations by a local score, refined for the
// most important ones by remote urgency signals.
package priority

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/analysis"
	"github.com/matheus3301/chatsync/internal/store"
)

// Score weights.
const (
	MaxScore = 100.0

	unreadCap       = 10
	unreadWeight    = 4.0
	recencyWeight   = 30.0
	recencyHorizon  = 24 * time.Hour
	questionBonus   = 10.0
	ownLastPenalty  = 15.0
	urgentBoost     = 20.0
	multiUrgentBump = 10.0

	// Escalation thresholds.
	escalateScore  = 50.0
	escalateUnread = 5
)

// Score is the ranking of one conversation.
type Score struct {
	ConversationID string
	Local          float64
	Final          float64
	Unread         int
	LastMessageAt  int64
	// Signals is set when remote signals contributed to Final.
	Signals   *analysis.Signals
	Escalated bool
}

// LocalScore scores a conversation from local data only.
func LocalScore(c *store.Conversation, userID string, now time.Time) float64 {
	s := float64(min(c.UnreadCount, unreadCap)) * unreadWeight

	if c.LastMessageAt > 0 {
		age := now.Sub(time.UnixMilli(c.LastMessageAt))
		if age < 0 {
			age = 0
		}
		s += recencyWeight * max(0, 1-float64(age)/float64(recencyHorizon))
	}

	switch {
	case c.LastSenderID == "":
	case c.LastSenderID == userID:
		s -= ownLastPenalty
	case strings.Contains(c.LastMessageText, "?"):
		s += questionBonus
	}
	return clamp(s)
}

// FinalScore applies remote signals to a local score.
func FinalScore(local float64, sig *analysis.Signals) float64 {
	if sig == nil || !sig.HasUrgent {
		return clamp(local)
	}
	s := local + urgentBoost
	if sig.UrgentCount > 1 {
		s += multiUrgentBump
	}
	return clamp(s)
}

// Eligible reports whether a conversation is worth a remote analysis,
// ignoring the throttle.
func Eligible(local float64, unread int) bool {
	return local > escalateScore || unread > escalateUnread
}

// Sort orders scores by final score, then unread count, then recency, then
// id so the order is total.
func Sort(scores []Score) {
	slices.SortFunc(scores, func(a, b Score) int {
		if c := cmp.Compare(b.Final, a.Final); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Unread, a.Unread); c != 0 {
			return c
		}
		if c := cmp.Compare(b.LastMessageAt, a.LastMessageAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ConversationID, b.ConversationID)
	})
}

func clamp(s float64) float64 {
	return min(max(s, 0), MaxScore)
}
