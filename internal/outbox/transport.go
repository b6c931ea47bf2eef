package outbox

import (
	"context"
	"time"

	ds "github.com/cherrygifts/cherrychat/internal/dataservice"
	"github.com/cherrygifts/cherrychat/internal/model"
)

// ServiceTransport inserts messages through a data service as one sender.
type ServiceTransport struct {
	Service  ds.Service
	SenderID string
	IsAdmin  bool
	Now      func() time.Time
}

// InsertMessage implements Transport. The row is stamped sent_at so the
// stored message resolves to sent.
func (t *ServiceTransport) InsertMessage(ctx context.Context, conversationID, content string) (model.Message, error) {
	if err := model.ValidateContent(content); err != nil {
		return model.Message{}, err
	}
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	sent := now()
	msg := model.Message{
		ConversationID: conversationID,
		SenderID:       t.SenderID,
		Content:        content,
		MessageType:    model.DetectType(content),
		IsAdmin:        t.IsAdmin,
		SentAt:         &sent,
	}
	row, err := t.Service.Insert(ctx, model.CollectionMessages, model.MessageToRow(&msg))
	if err != nil {
		return model.Message{}, model.Classify(model.CodeSendFailed, "send message", err)
	}
	return model.MessageFromRow(row), nil
}
