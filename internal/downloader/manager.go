// Package downloader is the job lifecycle manager. It turns chat requests
// into engine downloads, watches them, and hands finished data to the upload
// pipeline, cleaning up after every job no matter how it ends.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/italolelis/magnet_relay/internal/cleanup"
	"github.com/italolelis/magnet_relay/internal/engine"
	"github.com/italolelis/magnet_relay/internal/job"
	"github.com/italolelis/magnet_relay/internal/logctx"
	"github.com/italolelis/magnet_relay/internal/messaging"
	"github.com/italolelis/magnet_relay/internal/progress"
	"github.com/italolelis/magnet_relay/internal/telemetry"
	"github.com/italolelis/magnet_relay/internal/upload"
)

const (
	startingText  = "🔄 *Starting download...*\n\nPlease wait while I fetch torrent information."
	failedText    = "❌ *Download failed*\n\nThe download could not be completed. Please try again later."
	cancelledText = "🛑 *Download cancelled*"
	shutdownText  = "⚠️ *Download aborted*\n\nThe bot is restarting. Please send the magnet link again later."

	detachedTimeout = 30 * time.Second
	eventBuffer     = 16
)

// Job outcomes as recorded in metrics and events.
const (
	OutcomeUploaded  = "uploaded"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Uploader delivers the files under storagePath to the chat of target.
type Uploader interface {
	Upload(ctx context.Context, storagePath string, target messaging.Target) upload.Report
}

type Options struct {
	DownloadDir       string
	PollInterval      time.Duration
	ProgressThreshold float64
	// MaxConcurrentJobs caps live jobs across owners; 0 means no cap.
	MaxConcurrentJobs int
}

// Request is a user's ask to fetch a magnet link.
type Request struct {
	Owner        job.Owner
	OwnerDisplay string
	Chat         messaging.ChatID
	Descriptor   string
}

// Event describes a job that reached Done.
type Event struct {
	JobID        string
	Owner        job.Owner
	OwnerDisplay string
	Name         string
	Outcome      string
	Duration     time.Duration
	Report       upload.Report
	Err          error
}

// StatusEntry is one line of the aggregate status.
type StatusEntry struct {
	JobID        string
	Owner        job.Owner
	OwnerDisplay string
	State        job.State
	Snapshot     progress.Snapshot
}

type Manager struct {
	opts      Options
	engine    engine.Engine
	gateway   messaging.Gateway
	uploader  Uploader
	telemetry *telemetry.Telemetry
	table     *job.Table
	slots     chan struct{}
	now       func() time.Time

	mu       sync.Mutex
	cancels  map[string]context.CancelCauseFunc
	draining bool
	wg       sync.WaitGroup

	OnJobFailed   chan Event
	OnJobFinished chan Event
}

func NewManager(
	opts Options,
	e engine.Engine,
	g messaging.Gateway,
	u Uploader,
	tel *telemetry.Telemetry,
	table *job.Table,
) *Manager {
	m := &Manager{
		opts:          opts,
		engine:        e,
		gateway:       g,
		uploader:      u,
		telemetry:     tel,
		table:         table,
		now:           time.Now,
		cancels:       make(map[string]context.CancelCauseFunc),
		OnJobFailed:   make(chan Event, eventBuffer),
		OnJobFinished: make(chan Event, eventBuffer),
	}

	if opts.MaxConcurrentJobs > 0 {
		m.slots = make(chan struct{}, opts.MaxConcurrentJobs)
	}

	return m
}

// Table exposes the live jobs for read-only consumers such as the orphan sweeper.
func (m *Manager) Table() *job.Table {
	return m.table
}

// CreateJob validates req, registers the job and starts its monitoring task.
// The returned error is a RejectedError when no job was created for policy
// reasons, or an engine error when the engine refused the download.
func (m *Manager) CreateJob(ctx context.Context, req Request) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	descriptor, err := engine.ParseDescriptor(req.Descriptor)
	if err != nil {
		return "", m.reject(ctx, ReasonInvalidDescriptor, err)
	}

	m.mu.Lock()
	draining := m.draining
	m.mu.Unlock()

	if draining {
		return "", m.reject(ctx, ReasonShuttingDown, nil)
	}

	rec := job.New(req.Owner, req.OwnerDisplay, req.Chat, descriptor, m.opts.DownloadDir, m.now())

	if !m.table.TryCreate(rec) {
		return "", m.reject(ctx, ReasonDuplicate, nil)
	}

	if !m.acquireSlot() {
		m.table.Remove(rec)

		return "", m.reject(ctx, ReasonBusy, nil)
	}

	ctx = logctx.WithJob(ctx, string(rec.Owner), rec.ID)

	handle, err := m.engine.Submit(ctx, descriptor, rec.StoragePath)
	if err != nil {
		logger.ErrorContext(ctx, "failed to submit download", "err", err)

		m.discard(ctx, rec)

		return "", err
	}

	rec.SetHandle(handle)

	monitorCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))

	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		cancel(errShutdown)

		m.releaseHandle(ctx, handle)
		m.discard(ctx, rec)

		return "", m.reject(ctx, ReasonShuttingDown, nil)
	}

	m.cancels[rec.ID] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	m.telemetry.IncrementActiveJobs(ctx)

	m.show(ctx, rec, startingText)

	logger.InfoContext(ctx, "job created",
		"handle", handle,
		"name", descriptor.Label(),
		"storage_path", rec.StoragePath)

	go m.monitor(monitorCtx, rec)

	return rec.ID, nil
}

// Cancel stops the owner's live job. The job moves to Failed and is cleaned
// up by its monitoring task. Once the download has completed the job can no
// longer be cancelled and ErrUploading is returned.
func (m *Manager) Cancel(ctx context.Context, owner job.Owner) error {
	rec, ok := m.table.Get(owner)
	if !ok {
		return ErrNoActiveJob
	}

	// Serialized with the Downloading -> Completed edge in complete.
	m.mu.Lock()
	defer m.mu.Unlock()

	cancel, ok := m.cancels[rec.ID]
	if !ok {
		return ErrNoActiveJob
	}

	if !rec.State().HoldsHandle() {
		return ErrUploading
	}

	ctx = logctx.WithJob(ctx, string(owner), rec.ID)
	logctx.LoggerFromContext(ctx).InfoContext(ctx, "cancelling job")

	cancel(errCancelled)

	return nil
}

// AggregateStatus polls every live job that still holds an engine handle.
// Jobs whose poll fails are left out.
func (m *Manager) AggregateStatus(ctx context.Context) []StatusEntry {
	logger := logctx.LoggerFromContext(ctx)
	now := m.now()

	var entries []StatusEntry

	for _, rec := range m.table.Snapshot() {
		h, ok := rec.Handle()
		if !ok {
			continue
		}

		st, err := m.engine.Poll(ctx, h)
		if err != nil {
			logger.DebugContext(ctx, "omitting job from status", "job_id", rec.ID, "err", err)

			continue
		}

		snap := progress.Format(st, rec.StartedAt, now)
		if snap.Name == "" {
			// No metadata yet; the magnet's display name or info hash stands in.
			snap.Name = rec.Descriptor.Label()
		}

		entries = append(entries, StatusEntry{
			JobID:        rec.ID,
			Owner:        rec.Owner,
			OwnerDisplay: rec.OwnerDisplay,
			State:        rec.State(),
			Snapshot:     snap,
		})
	}

	return entries
}

// Shutdown refuses new jobs, cancels every live one and waits for their
// monitoring tasks to finish cleaning up.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.draining = true

	for _, cancel := range m.cancels {
		cancel(errShutdown)
	}
	m.mu.Unlock()

	done := make(chan struct{})

	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs to stop: %w", ctx.Err())
	}
}

// Close releases the event channels. Call it only after Shutdown returned.
func (m *Manager) Close() {
	close(m.OnJobFailed)
	close(m.OnJobFinished)
}

func (m *Manager) monitor(ctx context.Context, rec *job.Record) {
	logger := logctx.LoggerFromContext(ctx)

	ev := Event{
		JobID:        rec.ID,
		Owner:        rec.Owner,
		OwnerDisplay: rec.OwnerDisplay,
		Name:         rec.Descriptor.Label(),
		Outcome:      OutcomeFailed,
	}

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "job monitor panic",
				"operation", "monitor",
				"panic", r,
				"stack", string(debug.Stack()))

			m.telemetry.RecordSystemError(ctx, "downloader", "panic")

			ev.Outcome = OutcomeFailed
			ev.Err = fmt.Errorf("monitor panic: %v", r)

			if rec.State() != job.Failed && rec.State() != job.Done && rec.State() != job.Uploading {
				m.fail(ctx, rec, failedText)
			}
		}

		m.finish(ctx, rec, ev)
	}()

	ev.Outcome, ev.Report, ev.Err = m.run(ctx, rec)
}

func (m *Manager) run(ctx context.Context, rec *job.Record) (string, upload.Report, error) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		h, ok := rec.Handle()
		if !ok {
			return OutcomeFailed, upload.Report{}, fmt.Errorf("job %s lost its engine handle in state %s", rec.ID, rec.State())
		}

		st, err := m.engine.Poll(ctx, h)
		if ctx.Err() != nil {
			return m.abort(ctx, rec)
		}

		if err != nil {
			logger.ErrorContext(ctx, "download failed", "handle", h, "err", err)

			m.fail(ctx, rec, failedText)

			return OutcomeFailed, upload.Report{}, err
		}

		// A job leaves Submitted only once the engine knows what it is fetching.
		if st.HasMetadata || st.IsFinished {
			if err := rec.Transition(job.Downloading); err != nil {
				return OutcomeFailed, upload.Report{}, err
			}
		}

		snap := progress.Format(st, rec.StartedAt, m.now())

		if st.IsFinished {
			return m.complete(ctx, rec, h, snap)
		}

		if rec.Advance(snap.Percent, m.opts.ProgressThreshold, false) {
			m.show(ctx, rec, snap.Text())
			m.telemetry.RecordProgressUpdate(ctx, false)

			logger.DebugContext(ctx, "progress reported", "percent", snap.Percent, "rate", snap.RateText())
		}

		select {
		case <-ctx.Done():
			return m.abort(ctx, rec)
		case <-ticker.C:
		}
	}
}

// complete runs Downloading -> Completed -> Uploading -> Done.
func (m *Manager) complete(ctx context.Context, rec *job.Record, h engine.Handle, snap progress.Snapshot) (string, upload.Report, error) {
	logger := logctx.LoggerFromContext(ctx)

	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()

		return m.abort(ctx, rec)
	}

	err := rec.Transition(job.Completed)
	m.mu.Unlock()

	if err != nil {
		return OutcomeFailed, upload.Report{}, err
	}

	rec.Advance(snap.Percent, m.opts.ProgressThreshold, true)
	m.releaseHandle(ctx, h)

	m.show(ctx, rec, snap.CompletionText())
	m.telemetry.RecordProgressUpdate(ctx, true)

	logger.InfoContext(ctx, "download completed", "name", snap.Name, "elapsed", snap.Elapsed.String())

	if err := rec.Transition(job.Uploading); err != nil {
		return OutcomeFailed, upload.Report{}, err
	}

	report := m.uploader.Upload(ctx, rec.StoragePath, rec.Target())

	return OutcomeUploaded, report, report.Err
}

// abort handles a cancelled monitoring task: owner cancel or shutdown.
func (m *Manager) abort(ctx context.Context, rec *job.Record) (string, upload.Report, error) {
	cause := context.Cause(ctx)

	text := cancelledText
	if errors.Is(cause, errShutdown) {
		text = shutdownText
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "job aborted", "cause", cause)

	m.fail(ctx, rec, text)

	return OutcomeCancelled, upload.Report{}, cause
}

// fail moves rec to Failed, abandons its handle and tells the owner.
func (m *Manager) fail(ctx context.Context, rec *job.Record, text string) {
	h, held := rec.Handle()

	if err := rec.Transition(job.Failed); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to mark job as failed", "state", rec.State(), "err", err)
	}

	if held {
		m.releaseHandle(ctx, h)
	}

	dctx, cancel := detached(ctx)
	defer cancel()

	m.show(dctx, rec, text)
	m.telemetry.RecordProgressUpdate(dctx, true)
}

// finish is the single exit path of every monitoring task.
func (m *Manager) finish(ctx context.Context, rec *job.Record, ev Event) {
	defer m.wg.Done()

	logger := logctx.LoggerFromContext(ctx)

	dctx, cancel := detached(ctx)
	defer cancel()

	if h, held := rec.Handle(); held {
		if err := rec.Transition(job.Failed); err == nil {
			m.releaseHandle(dctx, h)
		}
	}

	if err := rec.Transition(job.Done); err != nil {
		logger.WarnContext(dctx, "job finished from unexpected state", "state", rec.State(), "err", err)
	}

	if err := cleanup.Purge(dctx, rec.StoragePath); err != nil {
		logger.ErrorContext(dctx, "failed to purge job storage", "err", err)
	}

	m.table.Remove(rec)
	m.releaseSlot()

	m.mu.Lock()
	if cancelJob, ok := m.cancels[rec.ID]; ok {
		cancelJob(nil)
		delete(m.cancels, rec.ID)
	}
	m.mu.Unlock()

	ev.Duration = m.now().Sub(rec.StartedAt)

	m.telemetry.DecrementActiveJobs(dctx)
	m.telemetry.RecordJob(dctx, ev.Outcome, ev.Duration)

	logger.InfoContext(dctx, "job done", "outcome", ev.Outcome, "duration", ev.Duration.String())

	if ev.Outcome == OutcomeUploaded {
		m.emit(dctx, m.OnJobFinished, ev)
	} else {
		m.emit(dctx, m.OnJobFailed, ev)
	}
}

// discard undoes a job that never got a monitoring task.
func (m *Manager) discard(ctx context.Context, rec *job.Record) {
	_ = cleanup.Purge(ctx, rec.StoragePath)
	m.table.Remove(rec)
	m.releaseSlot()
}

func (m *Manager) emit(ctx context.Context, ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default:
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "dropping job event, no consumer", "job_id", ev.JobID)
	}
}

// show edits the job's notification, or posts it when there is none yet.
// Gateway failures are logged and swallowed.
func (m *Manager) show(ctx context.Context, rec *job.Record, text string) {
	logger := logctx.LoggerFromContext(ctx)

	target := rec.Target()
	if target.MessageID == 0 {
		t, err := m.gateway.Notify(ctx, rec.Chat, text)
		if err != nil {
			logger.WarnContext(ctx, "failed to post job notification", "err", err)

			return
		}

		rec.SetTarget(t)

		return
	}

	if err := m.gateway.UpdateNotification(ctx, target, text); err != nil {
		logger.WarnContext(ctx, "failed to update job notification", "err", err)
	}
}

func (m *Manager) releaseHandle(ctx context.Context, h engine.Handle) {
	dctx, cancel := detached(ctx)
	defer cancel()

	if err := m.engine.Cancel(dctx, h); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to release engine handle", "handle", h, "err", err)
	}
}

func (m *Manager) reject(ctx context.Context, reason RejectReason, err error) error {
	m.telemetry.RecordRejectedJob(ctx, string(reason))

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "job rejected", "reason", reason, "err", err)

	return &RejectedError{Reason: reason, Err: err}
}

func (m *Manager) acquireSlot() bool {
	if m.slots == nil {
		return true
	}

	select {
	case m.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (m *Manager) releaseSlot() {
	if m.slots == nil {
		return
	}

	select {
	case <-m.slots:
	default:
	}
}

// detached returns a context that survives cancellation of ctx, for cleanup
// work that must still reach the engine and the chat.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), detachedTimeout)
}
