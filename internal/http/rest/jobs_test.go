package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/italolelis/magnet_relay/internal/downloader"
	"github.com/italolelis/magnet_relay/internal/job"
	"github.com/italolelis/magnet_relay/internal/progress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJobs struct {
	entries   []downloader.StatusEntry
	cancelErr error
	cancelled []job.Owner
}

func (f *fakeJobs) AggregateStatus(context.Context) []downloader.StatusEntry {
	return f.entries
}

func (f *fakeJobs) Cancel(_ context.Context, owner job.Owner) error {
	f.cancelled = append(f.cancelled, owner)

	return f.cancelErr
}

func newTestRouter(jobs Jobs, username, password string) http.Handler {
	return NewRouter(nil, NewJobsHandler(username, password, "test-instance", jobs))
}

func TestListJobs(t *testing.T) {
	jobs := &fakeJobs{entries: []downloader.StatusEntry{
		{
			JobID:        "j1",
			Owner:        "1001",
			OwnerDisplay: "@alice",
			State:        job.Downloading,
			Snapshot: progress.Snapshot{
				Name: "Cosmos", Percent: 50, DownloadedBytes: 500, TotalBytes: 1000,
				Rate: 100, PeerCount: 3, ETA: 5 * time.Second, ETAKnown: true,
				Elapsed: time.Minute, StateLabel: "downloading",
			},
		},
		{
			JobID:        "j2",
			Owner:        "1002",
			OwnerDisplay: "@bob",
			State:        job.Submitted,
			Snapshot:     progress.Snapshot{Name: "Sintel", StateLabel: "fetching metadata"},
		},
	}}

	rec := httptest.NewRecorder()
	newTestRouter(jobs, "", "").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var resp JobsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))

	assert.Equal(t, "test-instance", resp.Instance)
	require.Len(t, resp.Jobs, 2)

	first := resp.Jobs[0]
	assert.Equal(t, "j1", first.ID)
	assert.Equal(t, "1001", first.Owner)
	assert.Equal(t, "@alice", first.OwnerDisplay)
	assert.Equal(t, "downloading", first.State)
	assert.InDelta(t, 50, first.Percent, 0.001)
	require.NotNil(t, first.ETASeconds)
	assert.EqualValues(t, 5, *first.ETASeconds)
	assert.EqualValues(t, 60, first.ElapsedSeconds)

	assert.Nil(t, resp.Jobs[1].ETASeconds, "unknown eta is null")
	assert.Equal(t, "submitted", resp.Jobs[1].State)
}

func TestListJobsEmptyIsArray(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(&fakeJobs{}, "", "").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"instance":"test-instance","jobs":[]}`, rec.Body.String())
}

func TestBasicAuth(t *testing.T) {
	router := newTestRouter(&fakeJobs{}, "admin", "secret")

	tests := []struct {
		name     string
		user     string
		pass     string
		setAuth  bool
		wantCode int
	}{
		{name: "missing credentials", wantCode: http.StatusUnauthorized},
		{name: "wrong password", user: "admin", pass: "nope", setAuth: true, wantCode: http.StatusUnauthorized},
		{name: "wrong user", user: "root", pass: "secret", setAuth: true, wantCode: http.StatusUnauthorized},
		{name: "valid", user: "admin", pass: "secret", setAuth: true, wantCode: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
			if tt.setAuth {
				req.SetBasicAuth(tt.user, tt.pass)
			}

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestHealthAndMetricsSkipAuth(t *testing.T) {
	router := newTestRouter(&fakeJobs{}, "admin", "secret")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.NotEqual(t, http.StatusUnauthorized, rec.Code)
}

func TestCancelJob(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		jobs := &fakeJobs{}

		rec := httptest.NewRecorder()
		newTestRouter(jobs, "", "").ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs/42/cancel", nil))

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, []job.Owner{"42"}, jobs.cancelled)
	})

	t.Run("no active job", func(t *testing.T) {
		rec := httptest.NewRecorder()
		newTestRouter(&fakeJobs{cancelErr: downloader.ErrNoActiveJob}, "", "").
			ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs/42/cancel", nil))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.JSONEq(t, `{"error":"no active job for owner"}`, rec.Body.String())
	})

	t.Run("already uploading", func(t *testing.T) {
		rec := httptest.NewRecorder()
		newTestRouter(&fakeJobs{cancelErr: downloader.ErrUploading}, "", "").
			ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs/42/cancel", nil))

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.JSONEq(t, `{"error":"job is already uploading"}`, rec.Body.String())
	})

	t.Run("unexpected error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		newTestRouter(&fakeJobs{cancelErr: errors.New("boom")}, "", "").
			ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs/42/cancel", nil))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "boom")
	})
}

func TestListedOwnerCancelsJob(t *testing.T) {
	jobs := &fakeJobs{entries: []downloader.StatusEntry{
		{JobID: "j1", Owner: "1001", OwnerDisplay: "@alice", State: job.Downloading},
	}}
	router := newTestRouter(jobs, "", "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp JobsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Jobs, 1)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs/"+resp.Jobs[0].Owner+"/cancel", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []job.Owner{"1001"}, jobs.cancelled)
}
