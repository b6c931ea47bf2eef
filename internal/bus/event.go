package bus

import "time"

// Event is a notification published on the bus. Kind is dot separated with
// the namespace first, for example "queue.synced".
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the sync subsystem.
const (
	NetOnline  = "net.online"
	NetOffline = "net.offline"

	QueueSending  = "queue.sending"
	QueueSent     = "queue.sent"
	QueueEnqueued = "queue.enqueued"
	QueueSynced   = "queue.synced"
	QueueDropped  = "queue.dropped"

	MessageUpserted   = "message.upserted"
	MessageSendAck    = "message.send_ack"
	MessageSendFailed = "message.send_failed"

	RealtimeStatusChanged = "realtime.status_changed"
	TypingChanged         = "typing.changed"
	ConversationsChanged  = "conversations.changed"
)
