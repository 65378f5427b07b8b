// Package telegram implements the messaging gateway on the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/italolelis/magnet_relay/internal/logctx"
	"github.com/italolelis/magnet_relay/internal/messaging"
)

const updateTimeoutSeconds = 60

// botAPI is the slice of *tgbotapi.BotAPI the gateway relies on.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Gateway is a messaging.Gateway and update listener for one bot.
type Gateway struct {
	bot botAPI
}

var _ messaging.Gateway = (*Gateway)(nil)

// New connects to the Bot API with token.
func New(token string, uploadTimeout time.Duration) (*Gateway, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, newHTTPClient(uploadTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to telegram: %w", err)
	}

	return &Gateway{bot: bot}, nil
}

func newGateway(bot botAPI) *Gateway {
	return &Gateway{bot: bot}
}

func (g *Gateway) Notify(ctx context.Context, chat messaging.ChatID, text string) (messaging.Target, error) {
	if err := ctx.Err(); err != nil {
		return messaging.Target{}, &messaging.NotificationError{Op: "notify", Err: err}
	}

	msg := tgbotapi.NewMessage(int64(chat), text)
	msg.ParseMode = tgbotapi.ModeMarkdown

	sent, err := g.bot.Send(msg)
	if err != nil {
		return messaging.Target{}, &messaging.NotificationError{Op: "notify", Err: err}
	}

	return messaging.Target{Chat: chat, MessageID: sent.MessageID}, nil
}

func (g *Gateway) UpdateNotification(ctx context.Context, target messaging.Target, text string) error {
	if err := ctx.Err(); err != nil {
		return &messaging.NotificationError{Op: "update", Err: err}
	}

	edit := tgbotapi.NewEditMessageText(int64(target.Chat), target.MessageID, text)
	edit.ParseMode = tgbotapi.ModeMarkdown

	if _, err := g.bot.Request(edit); err != nil && !isNotModified(err) {
		return &messaging.NotificationError{Op: "update", Err: err}
	}

	return nil
}

// Telegram refuses edits that would not change the message.
func isNotModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}

func (g *Gateway) DeleteNotification(ctx context.Context, target messaging.Target) error {
	if err := ctx.Err(); err != nil {
		return &messaging.NotificationError{Op: "delete", Err: err}
	}

	if _, err := g.bot.Request(tgbotapi.NewDeleteMessage(int64(target.Chat), target.MessageID)); err != nil {
		return &messaging.NotificationError{Op: "delete", Err: err}
	}

	return nil
}

// SendFile streams path as a document. The Bot API client is not context
// aware; the HTTP client's timeout bounds the upload instead.
func (g *Gateway) SendFile(ctx context.Context, chat messaging.ChatID, path, displayName, caption string) error {
	if err := ctx.Err(); err != nil {
		return &messaging.NotificationError{Op: "send_file", Err: err}
	}

	f, err := os.Open(path)
	if err != nil {
		return &messaging.NotificationError{Op: "send_file", Err: err}
	}
	defer f.Close()

	doc := tgbotapi.NewDocument(int64(chat), tgbotapi.FileReader{Name: displayName, Reader: f})
	doc.Caption = caption

	if _, err := g.bot.Send(doc); err != nil {
		return &messaging.NotificationError{Op: "send_file", Err: err}
	}

	return nil
}

func (g *Gateway) Reply(ctx context.Context, chat messaging.ChatID, text string) error {
	if err := ctx.Err(); err != nil {
		return &messaging.NotificationError{Op: "reply", Err: err}
	}

	if _, err := g.bot.Send(tgbotapi.NewMessage(int64(chat), text)); err != nil {
		return &messaging.NotificationError{Op: "reply", Err: err}
	}

	return nil
}

// Listen long-polls for updates and hands every text message to fn on its
// own goroutine. It returns when ctx is cancelled.
func (g *Gateway) Listen(ctx context.Context, fn func(context.Context, messaging.Inbound)) {
	logger := logctx.LoggerFromContext(ctx)

	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = updateTimeoutSeconds

	updates := g.bot.GetUpdatesChan(cfg)

	logger.InfoContext(ctx, "listening for telegram updates")

	for {
		select {
		case <-ctx.Done():
			g.bot.StopReceivingUpdates()

			logger.InfoContext(ctx, "telegram listener shutdown", "reason", "context_cancelled")

			return
		case update, ok := <-updates:
			if !ok {
				return
			}

			in, ok := toInbound(update)
			if !ok {
				continue
			}

			go dispatch(ctx, fn, in)
		}
	}
}

func dispatch(ctx context.Context, fn func(context.Context, messaging.Inbound), in messaging.Inbound) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).Error("message handler panic",
				"user_id", in.UserID,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	fn(ctx, in)
}

func toInbound(update tgbotapi.Update) (messaging.Inbound, bool) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return messaging.Inbound{}, false
	}

	in := messaging.Inbound{
		UserID:      msg.From.ID,
		DisplayName: displayName(msg.From),
		Chat:        messaging.ChatID(msg.Chat.ID),
		Text:        msg.Text,
	}

	if msg.IsCommand() {
		in.Command = msg.Command()
	}

	return in, true
}

func displayName(u *tgbotapi.User) string {
	switch {
	case u.UserName != "":
		return "@" + u.UserName
	case u.FirstName != "":
		return u.FirstName
	default:
		return strconv.FormatInt(u.ID, 10)
	}
}
