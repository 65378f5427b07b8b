package putio

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/magnet_relay/internal/engine"
	"github.com/putdotio/go-putio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mu        sync.Mutex
	transfer  putio.Transfer
	files     map[int64]putio.File
	children  map[int64][]putio.File
	baseURL   string
	cancelled []int64
	deleted   []int64
	getFiles  atomic.Int32
}

func (f *fakeAPI) AddTransfer(_ context.Context, url string) (putio.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !strings.HasPrefix(url, "magnet:") {
		return putio.Transfer{}, errors.New("bad url")
	}

	return f.transfer, nil
}

func (f *fakeAPI) GetTransfer(context.Context, int64) (putio.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.transfer, nil
}

func (f *fakeAPI) CancelTransfer(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancelled = append(f.cancelled, id)

	return nil
}

func (f *fakeAPI) GetFile(_ context.Context, id int64) (putio.File, error) {
	f.getFiles.Add(1)

	return f.files[id], nil
}

func (f *fakeAPI) ListFiles(_ context.Context, parentID int64) ([]putio.File, error) {
	return f.children[parentID], nil
}

func (f *fakeAPI) FileURL(_ context.Context, id int64) (string, error) {
	return f.baseURL + "/" + strconv.FormatInt(id, 10), nil
}

func (f *fakeAPI) DeleteFile(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleted = append(f.deleted, id)

	return nil
}

func (f *fakeAPI) setTransfer(t putio.Transfer) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.transfer = t
}

var contents = map[string]string{
	"/11": "episode one",
	"/12": "episode two, longer",
}

func newFake(t *testing.T) *fakeAPI {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := contents[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)

	return &fakeAPI{
		transfer: putio.Transfer{ID: 7, Name: "show", Status: "DOWNLOADING", PercentDone: 40, Size: 1000, Downloaded: 400},
		files: map[int64]putio.File{
			10: {ID: 10, Name: "show", ContentType: "application/x-directory", FileType: "FOLDER"},
		},
		children: map[int64][]putio.File{
			10: {
				{ID: 11, Name: "e01.mkv", Size: int64(len(contents["/11"])), ContentType: "video/x-matroska", FileType: "VIDEO"},
				{ID: 12, Name: "e02.mkv", Size: int64(len(contents["/12"])), ContentType: "video/x-matroska", FileType: "VIDEO"},
			},
		},
		baseURL: ts.URL,
	}
}

const magnet = "magnet:?xt=urn:btih:c12fe1c06bba254a9dc9f519b335aa7c1367a88a"

func TestPollRemoteIsFirstHalf(t *testing.T) {
	fake := newFake(t)
	c := NewWithAPI(fake, http.DefaultClient, 2)
	ctx := context.Background()

	h, err := c.Submit(ctx, engine.Descriptor{URI: magnet}, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, engine.Handle("7"), h)

	st, err := c.Poll(ctx, h)
	require.NoError(t, err)
	assert.InDelta(t, 20.0, st.Percent, 0.001)
	assert.Equal(t, "downloading on put.io", st.StateLabel)
	assert.True(t, st.HasMetadata)
	assert.False(t, st.IsFinished)
}

func TestPollRemoteError(t *testing.T) {
	fake := newFake(t)
	c := NewWithAPI(fake, http.DefaultClient, 2)
	ctx := context.Background()

	h, err := c.Submit(ctx, engine.Descriptor{URI: magnet}, t.TempDir())
	require.NoError(t, err)

	fake.setTransfer(putio.Transfer{ID: 7, Status: "ERROR", ErrorMessage: "dead torrent"})

	_, err = c.Poll(ctx, h)

	var engineErr *engine.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Contains(t, err.Error(), "dead torrent")
}

func TestFetchCompletesAndCancelCleansRemote(t *testing.T) {
	fake := newFake(t)
	c := NewWithAPI(fake, http.DefaultClient, 2)
	ctx := context.Background()
	dir := t.TempDir()

	h, err := c.Submit(ctx, engine.Descriptor{URI: magnet}, dir)
	require.NoError(t, err)

	fake.setTransfer(putio.Transfer{ID: 7, Name: "show", Status: "COMPLETED", PercentDone: 100, FileID: 10})

	st, err := c.Poll(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "fetching", st.StateLabel)
	assert.GreaterOrEqual(t, st.Percent, 50.0)

	require.Eventually(t, func() bool {
		st, err = c.Poll(ctx, h)

		return err == nil && st.IsFinished
	}, 5*time.Second, 10*time.Millisecond)

	assert.InDelta(t, 100.0, st.Percent, 0.001)
	assert.Equal(t, int64(len(contents["/11"])+len(contents["/12"])), st.TotalBytes)

	b, err := os.ReadFile(filepath.Join(dir, "show", "e02.mkv"))
	require.NoError(t, err)
	assert.Equal(t, contents["/12"], string(b))

	require.NoError(t, c.Cancel(ctx, h))
	assert.Equal(t, []int64{7}, fake.cancelled)
	assert.Equal(t, []int64{10}, fake.deleted)

	_, err = c.Poll(ctx, h)
	assert.Error(t, err)
}

func TestFetchFailureSurfacesAsEngineError(t *testing.T) {
	fake := newFake(t)
	fake.children[10] = append(fake.children[10], putio.File{ID: 99, Name: "missing.nfo", Size: 3, FileType: "TEXT"})

	c := NewWithAPI(fake, http.DefaultClient, 1)
	ctx := context.Background()

	h, err := c.Submit(ctx, engine.Descriptor{URI: magnet}, t.TempDir())
	require.NoError(t, err)

	fake.setTransfer(putio.Transfer{ID: 7, Name: "show", Status: "SEEDING", FileID: 10})

	_, err = c.Poll(ctx, h)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err = c.Poll(ctx, h)

		return err != nil
	}, 5*time.Second, 10*time.Millisecond)

	var netErr *engine.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, http.StatusNotFound, netErr.StatusCode)
}

func TestPollUnknownHandle(t *testing.T) {
	c := NewWithAPI(newFake(t), http.DefaultClient, 1)

	_, err := c.Poll(context.Background(), "nope")
	assert.Error(t, err)
}

// barrierAPI holds every GetTransfer until all expected callers are inside it, so
// concurrent polls all observe the same remote state.
type barrierAPI struct {
	*fakeAPI

	arrived sync.WaitGroup
}

func (b *barrierAPI) GetTransfer(ctx context.Context, id int64) (putio.Transfer, error) {
	b.arrived.Done()
	b.arrived.Wait()

	return b.fakeAPI.GetTransfer(ctx, id)
}

func TestConcurrentPollsStartOneFetch(t *testing.T) {
	const pollers = 4

	fake := newFake(t)
	api := &barrierAPI{fakeAPI: fake}
	api.arrived.Add(pollers)

	c := NewWithAPI(api, http.DefaultClient, 2)
	ctx := context.Background()
	dir := t.TempDir()

	h, err := c.Submit(ctx, engine.Descriptor{URI: magnet}, dir)
	require.NoError(t, err)

	fake.setTransfer(putio.Transfer{ID: 7, Name: "show", Status: "COMPLETED", PercentDone: 100, FileID: 10})

	var wg sync.WaitGroup
	for range pollers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			st, err := c.Poll(ctx, h)
			assert.NoError(t, err)
			assert.True(t, st.HasMetadata)
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		st, err := c.Poll(ctx, h)

		return err == nil && st.IsFinished
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), fake.getFiles.Load(), "one fetch per handle")

	b, err := os.ReadFile(filepath.Join(dir, "show", "e01.mkv"))
	require.NoError(t, err)
	assert.Equal(t, contents["/11"], string(b))
}

func TestPollRemoteWithoutSizeHasNoMetadata(t *testing.T) {
	fake := newFake(t)
	fake.transfer = putio.Transfer{ID: 7, Status: "IN_QUEUE"}

	c := NewWithAPI(fake, http.DefaultClient, 1)
	ctx := context.Background()

	h, err := c.Submit(ctx, engine.Descriptor{URI: magnet}, t.TempDir())
	require.NoError(t, err)

	st, err := c.Poll(ctx, h)
	require.NoError(t, err)
	assert.False(t, st.HasMetadata)
}
