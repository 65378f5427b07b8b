package upload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/magnet_relay/internal/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gib = int64(1024 * 1024 * 1024)

type fakeGateway struct {
	mu       sync.Mutex
	nextID   int
	notified []string
	updated  map[int]string
	deleted  []int
	replies  []string
	sent     []string
	failSend map[string]bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{updated: map[int]string{}, failSend: map[string]bool{}}
}

func (f *fakeGateway) Notify(_ context.Context, chat messaging.ChatID, text string) (messaging.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	f.notified = append(f.notified, text)

	return messaging.Target{Chat: chat, MessageID: f.nextID}, nil
}

func (f *fakeGateway) UpdateNotification(_ context.Context, target messaging.Target, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.updated[target.MessageID] = text

	return nil
}

func (f *fakeGateway) DeleteNotification(_ context.Context, target messaging.Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleted = append(f.deleted, target.MessageID)

	return nil
}

func (f *fakeGateway) SendFile(_ context.Context, _ messaging.ChatID, path, name, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failSend[name] {
		return &messaging.NotificationError{Op: "send_file", Err: errors.New("request entity too large")}
	}

	f.sent = append(f.sent, filepath.Base(path))

	return nil
}

func (f *fakeGateway) Reply(_ context.Context, _ messaging.ChatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.replies = append(f.replies, text)

	return nil
}

// sparse creates a file of the given size without writing its contents.
func sparse(t *testing.T, path string, size int64) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, os.Truncate(path, size))
}

var target = messaging.Target{Chat: 1, MessageID: 100}

func TestUploadSkipsOversizedFiles(t *testing.T) {
	dir := t.TempDir()
	sparse(t, filepath.Join(dir, "small.bin"), 10*1024*1024)
	sparse(t, filepath.Join(dir, "nested", "huge.bin"), 5*gib)

	gw := newFakeGateway()
	p := NewPipeline(gw, nil, 4*gib, time.Minute)

	report := p.Upload(context.Background(), dir, target)

	assert.False(t, report.NothingUploaded)
	assert.NoError(t, report.Err)
	assert.Equal(t, 1, report.Count(Uploaded))
	assert.Equal(t, 1, report.Count(TooLarge))
	assert.Equal(t, []string{"small.bin"}, gw.sent)

	for _, f := range report.Files {
		if f.Outcome == TooLarge {
			assert.Equal(t, "huge.bin", f.Name)
			assert.ErrorIs(t, f.Err, ErrFileTooLarge)
		}
	}

	require.Len(t, gw.replies, 1)
	assert.Contains(t, gw.replies[0], "File too large: huge.bin")

	require.Len(t, gw.notified, 1)
	assert.Contains(t, gw.notified[0], "Uploading: small.bin")
	assert.Equal(t, []int{1}, gw.deleted, "upload notice is removed on success")
}

func TestUploadNothingQualifies(t *testing.T) {
	dir := t.TempDir()
	sparse(t, filepath.Join(dir, "huge.bin"), 5*gib)

	gw := newFakeGateway()
	report := NewPipeline(gw, nil, 4*gib, time.Minute).Upload(context.Background(), dir, target)

	assert.True(t, report.NothingUploaded)
	assert.Equal(t, 1, report.Count(TooLarge))
	assert.Equal(t, "❌ No files found or all files are too large.", gw.replies[len(gw.replies)-1])
}

func TestUploadEmptyDirectory(t *testing.T) {
	gw := newFakeGateway()
	report := NewPipeline(gw, nil, gib, time.Minute).Upload(context.Background(), t.TempDir(), target)

	assert.True(t, report.NothingUploaded)
	assert.Empty(t, report.Files)
}

func TestUploadFailuresAreIndependent(t *testing.T) {
	dir := t.TempDir()
	sparse(t, filepath.Join(dir, "a_first.bin"), 10)
	sparse(t, filepath.Join(dir, "b_second.bin"), 10)
	sparse(t, filepath.Join(dir, "c_third.bin"), 10)

	gw := newFakeGateway()
	gw.failSend["b_second.bin"] = true

	report := NewPipeline(gw, nil, gib, time.Minute).Upload(context.Background(), dir, target)

	assert.Equal(t, 2, report.Count(Uploaded))
	assert.Equal(t, 1, report.Count(Failed))
	assert.ElementsMatch(t, []string{"a_first.bin", "c_third.bin"}, gw.sent)

	// notices are numbered in walk order; the second one is edited, not deleted.
	assert.Equal(t, []int{1, 3}, gw.deleted)
	assert.True(t, strings.HasPrefix(gw.updated[2], "❌ Failed to upload: b\\_second.bin"))
}

func TestUploadMissingStoragePath(t *testing.T) {
	gw := newFakeGateway()
	report := NewPipeline(gw, nil, gib, time.Minute).Upload(context.Background(), filepath.Join(t.TempDir(), "gone"), target)

	assert.Error(t, report.Err)
	assert.True(t, report.NothingUploaded)
	assert.Equal(t, []string{"❌ Error during file upload process."}, gw.replies)
}
