package model

// Status is the delivery lifecycle state of a message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// ResolveStatus derives the lifecycle state from the message timestamps.
// It never looks at m.Status.
func ResolveStatus(m *Message) Status {
	switch {
	case m.SentAt == nil:
		return StatusSending
	case m.ReadAt != nil:
		return StatusRead
	case m.DeliveredAt != nil:
		return StatusDelivered
	default:
		return StatusSent
	}
}

// Annotate recomputes Status for every message in place.
func Annotate(msgs []Message) {
	for i := range msgs {
		msgs[i].Status = ResolveStatus(&msgs[i])
	}
}
