// Package torrent runs downloads in-process with anacrolix/torrent.
package torrent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/storage"
	"github.com/italolelis/magnet_relay/internal/engine"
	"github.com/italolelis/magnet_relay/internal/logctx"
)

const (
	dirPerm = 0755

	// Rates are only resampled once this much time has passed, so two polls
	// in quick succession do not report a burst as the steady rate.
	minSampleWindow = time.Second
)

var errUnknownHandle = errors.New("unknown handle")

// Options configures the in-process client.
type Options struct {
	DataDir       string
	ListenPort    int
	SubmitTimeout time.Duration
	NoDHT         bool
}

type tracked struct {
	t       *torrent.Torrent
	addedAt time.Time

	sampledAt   time.Time
	lastRead    int64
	lastWritten int64
	downRate    int64
	upRate      int64
}

// Engine is an engine.Engine backed by a single torrent client shared by all jobs.
type Engine struct {
	client        *torrent.Client
	submitTimeout time.Duration

	mu   sync.Mutex
	jobs map[engine.Handle]*tracked
}

var _ engine.Engine = (*Engine)(nil)

// New starts a torrent client.
func New(opts Options) (*Engine, error) {
	cfg := torrent.NewDefaultClientConfig()
	cfg.DataDir = opts.DataDir
	cfg.ListenPort = opts.ListenPort
	cfg.NoDHT = opts.NoDHT
	cfg.Seed = false
	cfg.DefaultStorage = fileStorage(opts.DataDir)

	client, err := torrent.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create torrent client: %w", err)
	}

	return &Engine{
		client:        client,
		submitTimeout: opts.SubmitTimeout,
		jobs:          make(map[engine.Handle]*tracked),
	}, nil
}

// fileStorage keeps piece completion in memory so no bookkeeping database
// lands next to the payload, where the upload pipeline would pick it up.
func fileStorage(dir string) storage.ClientImplCloser {
	return storage.NewFileOpts(storage.NewFileClientOpts{
		ClientBaseDir:   dir,
		PieceCompletion: storage.NewMapPieceCompletion(),
	})
}

// Submit adds the magnet with file storage rooted at savePath. Pieces are
// requested as soon as metadata arrives.
func (e *Engine) Submit(ctx context.Context, d engine.Descriptor, savePath string) (engine.Handle, error) {
	logger := logctx.LoggerFromContext(ctx).With("info_hash", d.InfoHash)

	spec, err := torrent.TorrentSpecFromMagnetUri(d.URI)
	if err != nil {
		return "", &engine.InvalidDescriptorError{Descriptor: d.URI, Reason: "not a valid magnet uri", Err: err}
	}

	if err := os.MkdirAll(savePath, dirPerm); err != nil {
		return "", &engine.EngineError{Op: "submit", Err: fmt.Errorf("failed to create save path: %w", err)}
	}

	spec.Storage = fileStorage(savePath)

	t, isNew, err := e.client.AddTorrentSpec(spec)
	if err != nil {
		return "", &engine.EngineError{Op: "submit", Err: err}
	}

	h := engine.Handle(t.InfoHash().HexString())

	if !isNew {
		// The client dedupes by info hash; a second job would share the first one's storage.
		return "", &engine.EngineError{Op: "submit", Handle: h, Err: errors.New("torrent is already being downloaded")}
	}

	now := time.Now()

	e.mu.Lock()
	e.jobs[h] = &tracked{t: t, addedAt: now, sampledAt: now}
	e.mu.Unlock()

	go func() {
		select {
		case <-t.GotInfo():
			logger.DebugContext(ctx, "torrent metadata received", "name", t.Name())
			t.DownloadAll()
		case <-t.Closed():
		}
	}()

	logger.InfoContext(ctx, "torrent added", "save_path", savePath)

	return h, nil
}

// Poll returns the normalized status. A torrent that has neither metadata nor
// peers once the submit timeout expires is reported as failed.
func (e *Engine) Poll(_ context.Context, h engine.Handle) (engine.Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tr, ok := e.jobs[h]
	if !ok {
		return engine.Status{}, &engine.EngineError{Op: "poll", Handle: h, Err: errUnknownHandle}
	}

	now := time.Now()
	stats := tr.t.Stats()

	if tr.t.Info() == nil {
		if e.submitTimeout > 0 && now.Sub(tr.addedAt) > e.submitTimeout && stats.ActivePeers == 0 {
			return engine.Status{}, &engine.EngineError{
				Op:     "poll",
				Handle: h,
				Err:    fmt.Errorf("no metadata and no peers after %s", e.submitTimeout),
			}
		}

		return engine.Status{
			Name:       tr.t.Name(),
			PeerCount:  stats.ActivePeers,
			StateLabel: "fetching metadata",
		}, nil
	}

	read := stats.BytesReadUsefulData.Int64()
	written := stats.BytesWrittenData.Int64()

	if elapsed := now.Sub(tr.sampledAt); elapsed >= minSampleWindow {
		tr.downRate = rate(tr.lastRead, read, elapsed)
		tr.upRate = rate(tr.lastWritten, written, elapsed)
		tr.lastRead, tr.lastWritten, tr.sampledAt = read, written, now
	}

	total := tr.t.Length()
	done := tr.t.BytesCompleted()
	finished := tr.t.BytesMissing() == 0

	status := engine.Status{
		Name:            tr.t.Name(),
		Percent:         percentOf(done, total),
		DownloadRate:    tr.downRate,
		UploadRate:      tr.upRate,
		TotalBytes:      total,
		DownloadedBytes: done,
		PeerCount:       stats.ActivePeers,
		IsFinished:      finished,
		HasMetadata:     true,
		StateLabel:      stateLabel(finished, stats.ActivePeers),
	}

	return status, nil
}

// Cancel drops the torrent from the client. Files stay on disk.
func (e *Engine) Cancel(_ context.Context, h engine.Handle) error {
	e.mu.Lock()
	tr, ok := e.jobs[h]
	delete(e.jobs, h)
	e.mu.Unlock()

	if !ok {
		return &engine.EngineError{Op: "cancel", Handle: h, Err: errUnknownHandle}
	}

	tr.t.Drop()

	return nil
}

// Close shuts the client down, dropping every torrent.
func (e *Engine) Close() error {
	return errors.Join(e.client.Close()...)
}

func rate(prev, cur int64, elapsed time.Duration) int64 {
	if elapsed <= 0 || cur < prev {
		return 0
	}

	return int64(float64(cur-prev) / elapsed.Seconds())
}

func percentOf(done, total int64) float64 {
	if total <= 0 {
		return 0
	}

	return float64(done) * 100 / float64(total)
}

func stateLabel(finished bool, peers int) string {
	switch {
	case finished:
		return "finished"
	case peers == 0:
		return "waiting for peers"
	default:
		return "downloading"
	}
}
