package bus

import "time"

// Event kinds. Subscribers filter by prefix, e.g. "network." or "message.".
const (
	NetworkOnline  = "network.online"
	NetworkOffline = "network.offline"

	ConversationUpserted = "conversation.upserted"
	MessageUpserted      = "message.upserted"

	OutboxSent   = "outbox.sent"
	OutboxFailed = "outbox.failed"

	SyncStatusChanged = "sync.status_changed"
	SyncCompleted     = "sync.completed"

	RankingUpdated = "ranking.updated"

	AppForeground = "app.foreground"
	AppBackground = "app.background"
)

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
