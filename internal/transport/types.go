// Package transport holds the chat delivery types shared by the notifier,
// the relay and the log sink. The relay only sends; nothing reads chats.
package transport

import "context"

type ChatTarget struct {
	ChatID   int64
	ThreadID int // forum topic, 0 for none
}

func (t ChatTarget) IsZero() bool { return t.ChatID == 0 }

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Silent         bool
}

// Notification is one queued chat message.
type Notification struct {
	Channel  string // relay rule or source name, used for dedup
	Priority int    // 0 low .. 10 high
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

// Sender delivers text to a chat. Long texts may go out as several
// messages; the ref is the first one.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// LogSender adapts a Sender to a fixed target for log forwarding.
type LogSender struct {
	Sender Sender
	Target ChatTarget
}

func (l LogSender) SendLog(ctx context.Context, text string) error {
	if l.Sender == nil || l.Target.IsZero() {
		return nil
	}
	_, err := l.Sender.SendText(ctx, l.Target, text, &SendOptions{DisablePreview: true, Silent: true})
	return err
}
