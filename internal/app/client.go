package app

import (
	"context"
	"errors"

	"github.com/cherrygifts/cherrychat/internal/bus"
	"github.com/cherrygifts/cherrychat/internal/cache"
	"github.com/cherrygifts/cherrychat/internal/conversations"
	ds "github.com/cherrygifts/cherrychat/internal/dataservice"
	"github.com/cherrygifts/cherrychat/internal/model"
	"github.com/cherrygifts/cherrychat/internal/network"
	"github.com/cherrygifts/cherrychat/internal/outbox"
	intsync "github.com/cherrygifts/cherrychat/internal/sync"
	"github.com/cherrygifts/cherrychat/internal/typing"
	"go.uber.org/zap"
)

// ErrNoConversation is returned by thread operations before Open.
var ErrNoConversation = errors.New("no conversation open")

// Client is the assembled client stack. Binaries obtain it with fx.Populate.
type Client struct {
	Logger        *zap.Logger
	Bus           *bus.Bus
	Me            model.Identity
	Service       ds.Service
	Monitor       *network.Monitor
	Cache         *cache.Manager
	Queue         *outbox.Queue
	Engine        *intsync.Engine
	Typing        *typing.Broadcaster
	Conversations *conversations.Synchronizer
}

// NewClient groups the components.
func NewClient(
	logger *zap.Logger,
	b *bus.Bus,
	me model.Identity,
	svc ds.Service,
	mon *network.Monitor,
	cm *cache.Manager,
	q *outbox.Queue,
	engine *intsync.Engine,
	tb *typing.Broadcaster,
	cs *conversations.Synchronizer,
) *Client {
	return &Client{
		Logger:        logger,
		Bus:           b,
		Me:            me,
		Service:       svc,
		Monitor:       mon,
		Cache:         cm,
		Queue:         q,
		Engine:        engine,
		Typing:        tb,
		Conversations: cs,
	}
}

// Open attaches the message engine and the typing channel to a conversation
// and returns its messages.
func (c *Client) Open(ctx context.Context, conversationID string) ([]model.Message, error) {
	if err := c.Engine.Attach(ctx, conversationID); err != nil {
		return c.Engine.Messages(), err
	}
	if err := c.Typing.Attach(ctx, conversationID); err != nil {
		c.Logger.Warn("typing channel unavailable", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return c.Engine.Messages(), nil
}

// CloseConversation detaches from the open conversation.
func (c *Client) CloseConversation() {
	c.Typing.Detach()
	c.Engine.Detach()
}

// Send sends to the open conversation through the offline queue. The
// engine follows the queue's events, so the message shows up at once.
func (c *Client) Send(ctx context.Context, content string) outbox.SendResult {
	conv := c.Engine.ConversationID()
	if conv == "" {
		return outbox.SendResult{Error: ErrNoConversation}
	}
	res := c.Queue.SendMessage(ctx, conv, content)
	if res.Success {
		if err := c.Typing.MessageSent(ctx); err != nil {
			c.Logger.Debug("typing reset failed", zap.Error(err))
		}
	}
	return res
}

// MarkRead marks the open conversation read for the current user.
func (c *Client) MarkRead(ctx context.Context) error {
	if c.Engine.ConversationID() == "" {
		return ErrNoConversation
	}
	return c.Engine.MarkAsRead(ctx, c.Me.UserID)
}

// followNetwork rebuilds the conversation feed after the backend comes back.
// The engine and the queue follow the network on their own.
func (c *Client) followNetwork(ctx context.Context) {
	ch, unsub := c.Bus.Subscribe("net.", 16)
	defer unsub()
	for {
		select {
		case evt := <-ch:
			if evt.Kind != bus.NetOnline {
				continue
			}
			c.Conversations.Stop()
			if err := c.Conversations.Start(ctx); err != nil {
				c.Logger.Warn("conversation feed unavailable", zap.Error(err))
				continue
			}
			c.Cache.InvalidatePattern(cache.Conversations.Collection + ":")
			if _, err := c.Conversations.Load(ctx); err != nil {
				c.Logger.Warn("conversation reload failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
