// Package messaging is the boundary to the chat transport.
package messaging

import (
	"context"
	"fmt"
)

// ChatID identifies a conversation.
type ChatID int64

// Target addresses one posted notification so it can be edited or deleted.
type Target struct {
	Chat      ChatID
	MessageID int
}

// Gateway posts and edits notifications and delivers files. Notification
// texts use lightweight markup; Reply is plain text.
type Gateway interface {
	Notify(ctx context.Context, chat ChatID, text string) (Target, error)
	UpdateNotification(ctx context.Context, target Target, text string) error
	DeleteNotification(ctx context.Context, target Target) error
	SendFile(ctx context.Context, chat ChatID, path, displayName, caption string) error
	Reply(ctx context.Context, chat ChatID, text string) error
}

// Inbound is a message received from a user.
type Inbound struct {
	UserID      int64
	DisplayName string
	Chat        ChatID
	Text        string
	// Command is set, without the leading slash, when the message is a bot command.
	Command string
}

// NotificationError wraps any gateway failure. The job lifecycle logs and
// swallows these; they never fail a job.
type NotificationError struct {
	Op  string
	Err error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notification %s failed: %v", e.Op, e.Err)
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}
