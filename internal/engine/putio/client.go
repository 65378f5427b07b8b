// Package putio delegates the swarm work to put.io and then fetches the
// finished files into the job's save path.
//
// Progress is reported in two halves: the remote transfer covers 0-50% and
// the local fetch 50-100%.
package putio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/magnet_relay/internal/engine"
	"github.com/italolelis/magnet_relay/internal/logctx"
	"github.com/italolelis/magnet_relay/internal/progress"
	"github.com/putdotio/go-putio"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

const (
	dirPerm          = 0755
	progressInterval = 4 * 1024 * 1024
	minSampleWindow  = time.Second
)

type phase int

const (
	phaseRemote phase = iota
	phaseFetching
	phaseDone
	phaseFailed
)

// API is the subset of put.io used by the engine.
type API interface {
	AddTransfer(ctx context.Context, url string) (putio.Transfer, error)
	GetTransfer(ctx context.Context, id int64) (putio.Transfer, error)
	CancelTransfer(ctx context.Context, id int64) error
	GetFile(ctx context.Context, id int64) (putio.File, error)
	ListFiles(ctx context.Context, parentID int64) ([]putio.File, error)
	FileURL(ctx context.Context, id int64) (string, error)
	DeleteFile(ctx context.Context, id int64) error
}

type job struct {
	transferID int64
	savePath   string
	name       string
	phase      phase
	fileID     int64
	fetchErr   error
	cancel     context.CancelFunc

	totalBytes int64
	fetched    atomic.Int64

	sampledAt   time.Time
	lastFetched int64
	rate        int64
}

// Client is an engine.Engine backed by put.io.
type Client struct {
	api         API
	httpClient  *http.Client
	maxParallel int

	mu   sync.Mutex
	jobs map[engine.Handle]*job
}

var _ engine.Engine = (*Client)(nil)

// NewClient creates a client authenticating with an OAuth token.
func NewClient(token string, maxParallel int) *Client {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	oauthClient := oauth2.NewClient(context.Background(), tokenSource)

	return NewWithAPI(&putioAPI{client: putio.NewClient(oauthClient)}, http.DefaultClient, maxParallel)
}

// NewWithAPI creates a client on top of an arbitrary API implementation.
func NewWithAPI(api API, httpClient *http.Client, maxParallel int) *Client {
	if maxParallel < 1 {
		maxParallel = 1
	}

	return &Client{
		api:         api,
		httpClient:  httpClient,
		maxParallel: maxParallel,
		jobs:        make(map[engine.Handle]*job),
	}
}

// Submit creates a put.io transfer in the account root.
func (c *Client) Submit(ctx context.Context, d engine.Descriptor, savePath string) (engine.Handle, error) {
	logger := logctx.LoggerFromContext(ctx)

	t, err := c.api.AddTransfer(ctx, d.URI)
	if err != nil {
		return "", &engine.EngineError{Op: "submit", Err: err}
	}

	h := engine.Handle(strconv.FormatInt(t.ID, 10))

	c.mu.Lock()
	c.jobs[h] = &job{transferID: t.ID, savePath: savePath, name: t.Name}
	c.mu.Unlock()

	logger.InfoContext(ctx, "transfer added to put.io", "transfer_id", t.ID)

	return h, nil
}

// Poll reports remote progress until put.io has the files, then starts the
// local fetch in the background and reports its progress.
func (c *Client) Poll(ctx context.Context, h engine.Handle) (engine.Status, error) {
	c.mu.Lock()
	j, ok := c.jobs[h]
	var (
		ph       phase
		fetchErr error
	)
	if ok {
		ph, fetchErr = j.phase, j.fetchErr
	}
	c.mu.Unlock()

	if !ok {
		return engine.Status{}, &engine.EngineError{Op: "poll", Handle: h, Err: errors.New("unknown handle")}
	}

	switch ph {
	case phaseRemote:
		return c.pollRemote(ctx, h, j)
	case phaseFetching:
		return c.fetchStatus(j, false), nil
	case phaseDone:
		return c.fetchStatus(j, true), nil
	default:
		return engine.Status{}, &engine.EngineError{Op: "fetch", Handle: h, Err: fetchErr}
	}
}

func (c *Client) pollRemote(ctx context.Context, h engine.Handle, j *job) (engine.Status, error) {
	t, err := c.api.GetTransfer(ctx, j.transferID)
	if err != nil {
		return engine.Status{}, &engine.EngineError{Op: "poll", Handle: h, Err: err}
	}

	status := strings.ToUpper(t.Status)
	if status == "ERROR" {
		return engine.Status{}, &engine.EngineError{Op: "poll", Handle: h, Err: errors.New(t.ErrorMessage)}
	}

	c.mu.Lock()
	if t.Name != "" {
		j.name = t.Name
	}
	name := j.name
	c.mu.Unlock()

	if isAvailable(status) && t.FileID != 0 {
		// A concurrent poll may have started the fetch already; its
		// progress is reported either way.
		c.startFetch(ctx, h, j, t.FileID)

		return c.fetchStatus(j, false), nil
	}

	return engine.Status{
		Name:            name,
		HasMetadata:     t.Size > 0,
		Percent:         float64(t.PercentDone) / 2,
		DownloadRate:    int64(t.DownloadSpeed),
		TotalBytes:      int64(t.Size),
		DownloadedBytes: t.Downloaded,
		PeerCount:       int(t.PeersConnected),
		StateLabel:      "downloading on put.io",
	}, nil
}

func isAvailable(status string) bool {
	return status == "COMPLETED" || status == "SEEDING" || status == "SEEDINGWAIT" || status == "FINISHED"
}

func (c *Client) fetchStatus(j *job, done bool) engine.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	fetched := j.fetched.Load()

	now := time.Now()
	if elapsed := now.Sub(j.sampledAt); elapsed >= minSampleWindow {
		if fetched >= j.lastFetched {
			j.rate = int64(float64(fetched-j.lastFetched) / elapsed.Seconds())
		}

		j.lastFetched, j.sampledAt = fetched, now
	}

	percent := 50.0
	if j.totalBytes > 0 {
		percent += float64(fetched) * 50 / float64(j.totalBytes)
	}

	if done {
		return engine.Status{
			Name:            j.name,
			Percent:         100,
			TotalBytes:      j.totalBytes,
			DownloadedBytes: j.totalBytes,
			IsFinished:      true,
			HasMetadata:     true,
			StateLabel:      "finished",
		}
	}

	return engine.Status{
		Name:            j.name,
		Percent:         min(percent, 99.9),
		DownloadRate:    j.rate,
		TotalBytes:      j.totalBytes,
		DownloadedBytes: fetched,
		HasMetadata:     true,
		StateLabel:      "fetching",
	}
}

type remoteFile struct {
	ID   int64
	Path string
	Size int64
}

// startFetch moves the job from the remote phase to the fetching phase and
// reports whether this call started the fetch. Only one fetch ever runs per
// job. The fetch outlives the poll that started it and is stopped only by
// Cancel.
func (c *Client) startFetch(ctx context.Context, h engine.Handle, j *job, fileID int64) bool {
	logger := logctx.LoggerFromContext(ctx).With("transfer_id", j.transferID)

	c.mu.Lock()
	if j.phase != phaseRemote {
		c.mu.Unlock()

		return false
	}

	fetchCtx, cancel := context.WithCancel(logctx.WithLogger(context.Background(), logger))

	j.phase = phaseFetching
	j.fileID = fileID
	j.cancel = cancel
	j.sampledAt = time.Now()
	c.mu.Unlock()

	go func() {
		err := c.fetch(fetchCtx, j, fileID)

		c.mu.Lock()
		defer c.mu.Unlock()

		if err != nil {
			logger.ErrorContext(fetchCtx, "failed to fetch files from put.io", "handle", h, "err", err)

			j.phase = phaseFailed
			j.fetchErr = err

			return
		}

		j.phase = phaseDone
	}()

	return true
}

func (c *Client) fetch(ctx context.Context, j *job, fileID int64) error {
	logger := logctx.LoggerFromContext(ctx)

	root, err := c.api.GetFile(ctx, fileID)
	if err != nil {
		return fmt.Errorf("failed to get file: %w", err)
	}

	files, err := c.listFilesRecursively(ctx, root, "")
	if err != nil {
		return err
	}

	var total int64
	for _, f := range files {
		total += f.Size
	}

	c.mu.Lock()
	j.totalBytes = total
	c.mu.Unlock()

	logger.InfoContext(ctx, "fetching files from put.io", "file_count", len(files), "total_size", humanize.Bytes(uint64(total)))

	wg, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, c.maxParallel)

	for _, f := range files {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return wg.Wait()
		}

		wg.Go(func() error {
			defer func() { <-sem }()

			return c.fetchFile(ctx, j, f)
		})
	}

	if err := wg.Wait(); err != nil {
		return fmt.Errorf("failed to fetch files: %w", err)
	}

	return nil
}

func (c *Client) fetchFile(ctx context.Context, j *job, f remoteFile) error {
	url, err := c.api.FileURL(ctx, f.ID)
	if err != nil {
		return fmt.Errorf("failed to get file download url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &engine.NetworkError{Operation: "fetch", APIMessage: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &engine.NetworkError{Operation: "fetch", StatusCode: resp.StatusCode, APIMessage: resp.Status}
	}

	target := filepath.Join(j.savePath, f.Path)
	if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create target file: %w", err)
	}
	defer out.Close()

	var last int64

	pr := progress.NewReader(resp.Body, f.Size, progressInterval, func(read, _ int64) {
		j.fetched.Add(read - last)
		last = read
	})

	if _, err := io.Copy(out, pr); err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}

	return nil
}

func (c *Client) listFilesRecursively(ctx context.Context, file putio.File, basePath string) ([]remoteFile, error) {
	path := filepath.Join(basePath, filepath.Base(file.Name))

	if !file.IsDir() {
		return []remoteFile{{ID: file.ID, Path: path, Size: file.Size}}, nil
	}

	children, err := c.api.ListFiles(ctx, file.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	var result []remoteFile

	for _, child := range children {
		nested, err := c.listFilesRecursively(ctx, child, path)
		if err != nil {
			return nil, err
		}

		result = append(result, nested...)
	}

	return result, nil
}

// Cancel stops any fetch in flight, cancels the transfer and deletes the
// remote copy.
func (c *Client) Cancel(ctx context.Context, h engine.Handle) error {
	logger := logctx.LoggerFromContext(ctx)

	c.mu.Lock()
	j, ok := c.jobs[h]
	delete(c.jobs, h)
	c.mu.Unlock()

	if !ok {
		return &engine.EngineError{Op: "cancel", Handle: h, Err: errors.New("unknown handle")}
	}

	c.mu.Lock()
	if j.cancel != nil {
		j.cancel()
	}
	fileID := j.fileID
	c.mu.Unlock()

	var errs []error

	if err := c.api.CancelTransfer(ctx, j.transferID); err != nil {
		errs = append(errs, fmt.Errorf("failed to cancel transfer: %w", err))
	}

	if fileID != 0 {
		if err := c.api.DeleteFile(ctx, fileID); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete remote files: %w", err))
		} else {
			logger.DebugContext(ctx, "remote files deleted", "file_id", fileID)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return &engine.EngineError{Op: "cancel", Handle: h, Err: err}
	}

	return nil
}

// putioAPI adapts *putio.Client to API.
type putioAPI struct {
	client *putio.Client
}

func (a *putioAPI) AddTransfer(ctx context.Context, url string) (putio.Transfer, error) {
	return a.client.Transfers.Add(ctx, url, 0, "")
}

func (a *putioAPI) GetTransfer(ctx context.Context, id int64) (putio.Transfer, error) {
	return a.client.Transfers.Get(ctx, id)
}

func (a *putioAPI) CancelTransfer(ctx context.Context, id int64) error {
	return a.client.Transfers.Cancel(ctx, id)
}

func (a *putioAPI) GetFile(ctx context.Context, id int64) (putio.File, error) {
	return a.client.Files.Get(ctx, id)
}

func (a *putioAPI) ListFiles(ctx context.Context, parentID int64) ([]putio.File, error) {
	children, _, err := a.client.Files.List(ctx, parentID)

	return children, err
}

func (a *putioAPI) FileURL(ctx context.Context, id int64) (string, error) {
	return a.client.Files.URL(ctx, id, false)
}

func (a *putioAPI) DeleteFile(ctx context.Context, id int64) error {
	return a.client.Files.Delete(ctx, id)
}
