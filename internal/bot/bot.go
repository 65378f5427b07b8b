// Package bot maps chat messages onto job manager operations.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/magnet_relay/internal/downloader"
	"github.com/italolelis/magnet_relay/internal/job"
	"github.com/italolelis/magnet_relay/internal/logctx"
	"github.com/italolelis/magnet_relay/internal/messaging"
	"github.com/italolelis/magnet_relay/internal/progress"
)

const (
	invalidMagnetText = "❌ Invalid magnet link. Please send a valid magnet link starting with 'magnet:?xt='"
	duplicateText     = "⏳ You already have an active download. Please wait for it to complete."
	busyText          = "⏳ Too many downloads are running right now. Please try again in a few minutes."
	restartingText    = "⚠️ The bot is restarting. Please try again shortly."
	submitFailedText  = "❌ Failed to add torrent. Please check the magnet link."
	noDownloadsText   = "No active downloads."
	nothingToCancel   = "You have no active download to cancel."
	cancellingText    = "🛑 Cancelling your download..."
	tooLateText       = "📤 Your download already finished and the files are being sent. It can no longer be cancelled."
	unknownText       = "I don't know that command. Use /help to see what I can do."
)

// Jobs is the part of the lifecycle manager the bot drives.
type Jobs interface {
	CreateJob(ctx context.Context, req downloader.Request) (string, error)
	Cancel(ctx context.Context, owner job.Owner) error
	AggregateStatus(ctx context.Context) []downloader.StatusEntry
}

type Handler struct {
	jobs        Jobs
	gateway     messaging.Gateway
	maxFileSize int64
}

func NewHandler(jobs Jobs, g messaging.Gateway, maxFileSize int64) *Handler {
	return &Handler{jobs: jobs, gateway: g, maxFileSize: maxFileSize}
}

// Handle processes one inbound message. Failures to answer are logged only.
func (h *Handler) Handle(ctx context.Context, in messaging.Inbound) {
	logger := logctx.LoggerFromContext(ctx).With("user_id", in.UserID, "chat_id", in.Chat)
	ctx = logctx.WithLogger(ctx, logger)

	var err error

	switch in.Command {
	case "":
		err = h.magnet(ctx, in)
	case "start":
		_, err = h.gateway.Notify(ctx, in.Chat, h.welcomeText())
	case "help":
		_, err = h.gateway.Notify(ctx, in.Chat, helpText)
	case "status":
		err = h.status(ctx, in)
	case "cancel":
		err = h.cancel(ctx, in)
	default:
		err = h.gateway.Reply(ctx, in.Chat, unknownText)
	}

	if err != nil {
		logger.WarnContext(ctx, "failed to answer message", "command", in.Command, "err", err)
	}
}

func (h *Handler) magnet(ctx context.Context, in messaging.Inbound) error {
	text := strings.TrimSpace(in.Text)
	if !strings.HasPrefix(text, "magnet:?xt=") {
		return h.gateway.Reply(ctx, in.Chat, invalidMagnetText)
	}

	_, err := h.jobs.CreateJob(ctx, downloader.Request{
		Owner:        ownerOf(in),
		OwnerDisplay: in.DisplayName,
		Chat:         in.Chat,
		Descriptor:   text,
	})
	if err == nil {
		return nil
	}

	reason, rejected := downloader.ReasonOf(err)
	if !rejected {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to start job", "err", err)

		return h.gateway.Reply(ctx, in.Chat, submitFailedText)
	}

	switch reason {
	case downloader.ReasonInvalidDescriptor:
		return h.gateway.Reply(ctx, in.Chat, invalidMagnetText)
	case downloader.ReasonDuplicate:
		return h.gateway.Reply(ctx, in.Chat, duplicateText)
	case downloader.ReasonBusy:
		return h.gateway.Reply(ctx, in.Chat, busyText)
	case downloader.ReasonShuttingDown:
		return h.gateway.Reply(ctx, in.Chat, restartingText)
	default:
		return h.gateway.Reply(ctx, in.Chat, submitFailedText)
	}
}

func (h *Handler) status(ctx context.Context, in messaging.Inbound) error {
	entries := h.jobs.AggregateStatus(ctx)
	if len(entries) == 0 {
		return h.gateway.Reply(ctx, in.Chat, noDownloadsText)
	}

	_, err := h.gateway.Notify(ctx, in.Chat, StatusText(entries))

	return err
}

func (h *Handler) cancel(ctx context.Context, in messaging.Inbound) error {
	err := h.jobs.Cancel(ctx, ownerOf(in))
	if errors.Is(err, downloader.ErrNoActiveJob) {
		return h.gateway.Reply(ctx, in.Chat, nothingToCancel)
	}

	if errors.Is(err, downloader.ErrUploading) {
		return h.gateway.Reply(ctx, in.Chat, tooLateText)
	}

	if err != nil {
		return err
	}

	return h.gateway.Reply(ctx, in.Chat, cancellingText)
}

// StatusText renders the aggregate status listing.
func StatusText(entries []downloader.StatusEntry) string {
	var b strings.Builder

	b.WriteString("*Active Downloads:*\n\n")

	for _, e := range entries {
		fmt.Fprintf(&b, "%s\n👤 %s\n\n", e.Snapshot.StatusLine(), progress.Escape(e.OwnerDisplay))
	}

	return strings.TrimRight(b.String(), "\n")
}

func (h *Handler) welcomeText() string {
	return fmt.Sprintf(welcomeTemplate, humanize.Bytes(uint64(h.maxFileSize)))
}

func ownerOf(in messaging.Inbound) job.Owner {
	return job.Owner(strconv.FormatInt(in.UserID, 10))
}

const welcomeTemplate = `🤖 *Magnet Relay*

Welcome! Send me a magnet link and I'll download the torrent for you.

*Features:*
• Support for files up to %s
• Real-time download progress
• Automatic file upload to Telegram

*Usage:*
Just send me a magnet link starting with ` + "`magnet:?xt=`" + `

*Commands:*
/start - Show this message
/status - Show active downloads
/cancel - Cancel your download
/help - Show help information`

const helpText = `*How to use:*

1. Send me a magnet link
2. I'll start downloading the torrent
3. You'll see real-time progress updates
4. Once complete, I'll upload the files to this chat

*Tips:*
• One download per user at a time
• Use /status to check active downloads
• Use /cancel to stop your download
• Download speed depends on seeders
• Large files may take time to upload`
