package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/italolelis/magnet_relay/internal/bot"
	"github.com/italolelis/magnet_relay/internal/cleanup"
	"github.com/italolelis/magnet_relay/internal/config"
	"github.com/italolelis/magnet_relay/internal/downloader"
	"github.com/italolelis/magnet_relay/internal/engine"
	"github.com/italolelis/magnet_relay/internal/engine/deluge"
	"github.com/italolelis/magnet_relay/internal/engine/putio"
	"github.com/italolelis/magnet_relay/internal/engine/torrent"
	"github.com/italolelis/magnet_relay/internal/http/rest"
	"github.com/italolelis/magnet_relay/internal/job"
	"github.com/italolelis/magnet_relay/internal/logctx"
	"github.com/italolelis/magnet_relay/internal/messaging"
	"github.com/italolelis/magnet_relay/internal/messaging/telegram"
	"github.com/italolelis/magnet_relay/internal/notifier"
	"github.com/italolelis/magnet_relay/internal/telemetry"
	"github.com/italolelis/magnet_relay/internal/upload"
	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// A .env file is optional; the environment always wins.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("failed to load .env file", "err", err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	instance := downloader.InstanceID()

	handler := slog.NewJSONHandler(logOutput(cfg), &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewContextHandler(handler)).With("instance_id", instance)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("magnet relay starting...", "log_level", cfg.LogLevel, "engine", cfg.DownloadEngine, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg, instance); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, instance string) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("failed to create download dir: %w", err)
	}

	// =========================================================================
	// Start Download Engine
	eng, closeEngine, err := buildEngine(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build download engine: %w", err)
	}
	defer closeEngine()

	// =========================================================================
	// Start Messaging Gateway
	tg, err := telegram.New(cfg.BotToken, cfg.UploadTimeout)
	if err != nil {
		return err
	}

	gateway := messaging.NewInstrumented(tg, tel)

	// =========================================================================
	// Start Job Manager
	manager := downloader.NewManager(
		downloader.Options{
			DownloadDir:       cfg.DownloadDir,
			PollInterval:      cfg.PollInterval,
			ProgressThreshold: cfg.ProgressThreshold,
			MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		},
		engine.NewInstrumented(eng, tel, cfg.DownloadEngine),
		gateway,
		upload.NewPipeline(gateway, tel, cfg.MaxFileSize, cfg.UploadTimeout),
		tel,
		job.NewTable(),
	)

	// =========================================================================
	// Start Notification
	setupNotificationForManager(ctx, manager, cfg)

	// =========================================================================
	// Start Cleanup
	setupCleanup(ctx, manager, cfg)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := rest.NewServer(ctx, rest.ServerConfig{
		BindAddress:  cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
	}, rest.NewRouter(tel, rest.NewJobsHandler(cfg.Status.Username, cfg.Status.Password, instance, manager)))

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// =========================================================================
	// Start Bot
	go tg.Listen(ctx, bot.NewHandler(manager, gateway, cfg.MaxFileSize).Handle)

	logger.Info("waiting for magnet links...",
		"download_dir", cfg.DownloadDir,
		"poll_interval", cfg.PollInterval.String(),
		"progress_threshold", cfg.ProgressThreshold,
		"max_concurrent_jobs", cfg.MaxConcurrentJobs,
	)

	var runErr error

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("start shutdown")
	}

	// Give live jobs and outstanding requests a deadline for completion.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
	defer cancel()

	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to stop all jobs in time", "err", err)
	} else {
		manager.Close()
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to gracefully shutdown the server", "err", err)

		if err = server.Close(); err != nil {
			return errors.Join(runErr, fmt.Errorf("could not stop server gracefully: %w", err))
		}
	}

	return runErr
}

// logOutput is stdout, teed into a rotating file when LOG_FILE is set.
func logOutput(cfg *config.Config) io.Writer {
	if cfg.LogFile == "" {
		return os.Stdout
	}

	return io.MultiWriter(os.Stdout, &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   true,
	})
}

// This is an abstract factory for the download engine.
func buildEngine(ctx context.Context, cfg *config.Config) (engine.Engine, func(), error) {
	logger := logctx.LoggerFromContext(ctx)

	switch cfg.DownloadEngine {
	case "torrent":
		e, err := torrent.New(torrent.Options{
			DataDir:       filepath.Join(cfg.DownloadDir, ".torrent"),
			ListenPort:    cfg.TorrentListenPort,
			SubmitTimeout: cfg.SubmitTimeout,
		})
		if err != nil {
			return nil, nil, err
		}

		return e, func() {
			if err := e.Close(); err != nil {
				logger.Error("failed to close torrent client", "err", err)
			}
		}, nil
	case "deluge":
		c := deluge.NewClient(cfg.DelugeBaseURL, cfg.DelugeAPIPath, cfg.DelugePassword, true)

		if err := c.Authenticate(ctx); err != nil {
			return nil, nil, fmt.Errorf("authentication error: %w", err)
		}

		return c, func() {}, nil
	case "putio":
		return putio.NewClient(cfg.PutioToken, cfg.MaxParallel), func() {}, nil
	}

	return nil, nil, fmt.Errorf("invalid download engine: %s", cfg.DownloadEngine)
}

func setupNotificationForManager(ctx context.Context, manager *downloader.Manager, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	// Events keep arriving while jobs are cancelled on shutdown.
	ctx = context.WithoutCancel(ctx)

	var notif notifier.Notifier = notifier.Noop{}
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	go func() {
		for event := range manager.OnJobFailed {
			logger.WarnContext(ctx, "job failed", "job_id", event.JobID, "owner", event.Owner, "outcome", event.Outcome, "err", event.Err)

			if notifyErr := notif.Notify(ctx, failedMessage(event)); notifyErr != nil {
				logger.ErrorContext(ctx, "failed to send notification", "job_id", event.JobID, "err", notifyErr)
			}
		}
	}()

	go func() {
		for event := range manager.OnJobFinished {
			logger.InfoContext(ctx, "job finished", "job_id", event.JobID, "owner", event.Owner, "name", event.Name)

			if notifyErr := notif.Notify(ctx, finishedMessage(event)); notifyErr != nil {
				logger.ErrorContext(ctx, "failed to send notification", "job_id", event.JobID, "err", notifyErr)
			}
		}
	}()
}

func finishedMessage(event downloader.Event) notifier.Message {
	return notifier.Message{
		Title:   "✅ Download finished",
		Summary: event.Name,
		Fields: []notifier.Field{
			{Name: "Owner", Value: event.OwnerDisplay},
			{Name: "Took", Value: event.Duration.Round(time.Second).String()},
			{Name: "Uploaded", Value: strconv.Itoa(event.Report.Count(upload.Uploaded))},
			{Name: "Too large", Value: strconv.Itoa(event.Report.Count(upload.TooLarge))},
			{Name: "Failed", Value: strconv.Itoa(event.Report.Count(upload.Failed))},
		},
	}
}

func failedMessage(event downloader.Event) notifier.Message {
	msg := notifier.Message{
		Title:   "❌ Download " + string(event.Outcome),
		Summary: event.Name,
		Failed:  true,
		Fields: []notifier.Field{
			{Name: "Owner", Value: event.OwnerDisplay},
			{Name: "Took", Value: event.Duration.Round(time.Second).String()},
		},
	}

	if event.Err != nil {
		msg.Fields = append(msg.Fields, notifier.Field{Name: "Reason", Value: event.Err.Error()})
	}

	return msg
}

func setupCleanup(ctx context.Context, manager *downloader.Manager, cfg *config.Config) {
	table := manager.Table()

	sweeper := &cleanup.Sweeper{
		Dir:      cfg.DownloadDir,
		Interval: cfg.CleanupInterval,
		Grace:    cfg.OrphanGrace,
		// Hidden entries belong to the engines, not to jobs.
		IsLive: func(name string) bool {
			return strings.HasPrefix(name, ".") || table.Contains(name)
		},
	}

	sweeper.Start(ctx)
}
