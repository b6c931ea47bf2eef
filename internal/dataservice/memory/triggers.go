package memory

import (
	"context"

	ds "github.com/cherrygifts/cherrychat/internal/dataservice"
	"github.com/cherrygifts/cherrychat/internal/model"
)

// TouchConversation keeps a conversation's summary columns in step with its
// messages: every inserted message becomes the last message and bumps the
// unread counter. Read marking resets the counter.
func TouchConversation(ctx context.Context, b *Backend, c ds.Change) {
	if c.Type != ds.ChangeInsert {
		return
	}
	msg := model.MessageFromRow(c.New)
	if msg.ConversationID == "" {
		return
	}
	b.Mutate(ctx, model.CollectionConversations, []ds.Filter{ds.Eq("id", msg.ConversationID)}, func(row ds.Row) {
		row["last_message_at"] = msg.CreatedAt.UnixMilli()
		row["last_message_content"] = msg.Content
		row["is_active"] = true
		n, _ := model.Int64(row["unread_count"])
		row["unread_count"] = n + 1
	})
}
