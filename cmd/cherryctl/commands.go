package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cherrygifts/cherrychat/internal/app"
	"github.com/cherrygifts/cherrychat/internal/bus"
	"github.com/cherrygifts/cherrychat/internal/conversations"
	"github.com/cherrygifts/cherrychat/internal/model"
	intsync "github.com/cherrygifts/cherrychat/internal/sync"
	"github.com/cherrygifts/cherrychat/internal/typing"
	"github.com/spf13/cobra"
)

var (
	conversationsFilter string
	conversationsPages  int
)

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *app.Client) error {
			list, err := c.Conversations.Load(ctx)
			if err != nil {
				return err
			}
			for i := 1; i < conversationsPages && c.Conversations.HasMore(); i++ {
				if list, err = c.Conversations.LoadMore(ctx); err != nil {
					return err
				}
			}
			list = conversations.Filter(list, conversationsFilter)
			if jsonOutput {
				return outputJSON(list)
			}
			if len(list) == 0 {
				fmt.Println("No conversations.")
				return nil
			}
			for _, conv := range list {
				name := conv.UserID
				if conv.User != nil && conv.User.DisplayName != "" {
					name = conv.User.DisplayName
				}
				last := "-"
				if conv.LastMessageAt != nil {
					last = conv.LastMessageAt.Local().Format("2006-01-02 15:04")
				}
				fmt.Printf("%-36s  %-20s  %3d unread  %s  %s\n", conv.ID, name, conv.UnreadCount, last, conv.LastMessageContent)
			}
			return nil
		})
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Print the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *app.Client) error {
			msgs, err := c.Open(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(msgs)
			}
			for _, m := range msgs {
				printMessage(c, m)
			}
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message, queueing it while offline",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *app.Client) error {
			waitOnline(c, 3*time.Second)
			if _, err := c.Open(ctx, args[0]); err != nil && c.Monitor.IsOnline() {
				return err
			}
			res := c.Send(ctx, strings.Join(args[1:], " "))
			if jsonOutput {
				return outputJSON(res)
			}
			switch {
			case res.Queued:
				fmt.Println("Backend unreachable, message queued. It is sent on the next connection.")
			case res.Success:
				fmt.Printf("Message sent: %s\n", res.MessageID)
			default:
				return res.Error
			}
			return nil
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *app.Client) error {
			if _, err := c.Open(ctx, args[0]); err != nil {
				return err
			}
			if err := c.MarkRead(ctx); err != nil {
				return err
			}
			fmt.Println("Marked read.")
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Follow a conversation in realtime until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *app.Client) error {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			events, unsub := c.Bus.Subscribe("", 256)
			defer unsub()

			waitOnline(c, 3*time.Second)
			msgs, err := c.Open(ctx, args[0])
			if err != nil {
				return err
			}
			for _, m := range msgs {
				printMessage(c, m)
			}
			fmt.Fprintln(os.Stderr, "-- watching, Ctrl-C to stop --")

			for {
				select {
				case evt := <-events:
					printEvent(c, evt)
				case <-ctx.Done():
					return nil
				}
			}
		})
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and flush the offline queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued messages",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *app.Client) error {
			pending := c.Queue.Pending()
			if jsonOutput {
				return outputJSON(pending)
			}
			if len(pending) == 0 {
				fmt.Println("Queue is empty.")
				return nil
			}
			for _, q := range pending {
				fmt.Printf("%s  %s  retries=%d  %s\n", q.ID, q.ConversationID, q.RetryCount, q.Content)
			}
			return nil
		})
	},
}

var queueSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Send queued messages now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *app.Client) error {
			if !waitOnline(c, 5*time.Second) {
				return fmt.Errorf("backend unreachable, %d message(s) still queued", c.Queue.Len())
			}
			report := c.Queue.SyncAll(ctx)
			if jsonOutput {
				return outputJSON(report)
			}
			if report.Skipped {
				fmt.Println("A sync is already running.")
				return nil
			}
			fmt.Printf("Synced %d, retrying %d, dropped %d. %d left.\n", report.Synced, report.Retried, len(report.Dropped), c.Queue.Len())
			return nil
		})
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the local cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every cached entry in memory and on disk",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *app.Client) error {
			c.Cache.ClearAll()
			fmt.Println("Cache cleared.")
			return nil
		})
	},
}

func init() {
	conversationsCmd.Flags().StringVar(&conversationsFilter, "filter", "", "match username, display name or last message")
	conversationsCmd.Flags().IntVar(&conversationsPages, "pages", 1, "number of pages to load")

	queueCmd.AddCommand(queueListCmd, queueSyncCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	rootCmd.AddCommand(conversationsCmd, messagesCmd, sendCmd, readCmd, watchCmd, queueCmd, cacheCmd)
}

func printMessage(c *app.Client, m model.Message) {
	who := m.SenderID
	if m.SenderID == c.Me.UserID {
		who = "me"
	}
	fmt.Printf("[%s] %-10s %s  (%s)\n", m.CreatedAt.Local().Format("15:04:05"), who, m.Content, m.Status)
}

func printEvent(c *app.Client, evt bus.Event) {
	switch p := evt.Payload.(type) {
	case intsync.Upsert:
		if p.Message != nil {
			printMessage(c, *p.Message)
		}
	case typing.Changed:
		if len(p.Typers) == 0 {
			return
		}
		names := make([]string, 0, len(p.Typers))
		for _, t := range p.Typers {
			names = append(names, t.Username)
		}
		fmt.Fprintf(os.Stderr, "... %s typing\n", strings.Join(names, ", "))
	default:
		switch evt.Kind {
		case bus.NetOnline, bus.NetOffline, bus.RealtimeStatusChanged, bus.QueueDropped:
			fmt.Fprintf(os.Stderr, "-- %s\n", evt.Kind)
		}
	}
}
