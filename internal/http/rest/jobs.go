package rest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/magnet_relay/internal/downloader"
	"github.com/italolelis/magnet_relay/internal/job"
	"github.com/italolelis/magnet_relay/internal/logctx"
)

// Jobs is the read side of the lifecycle manager plus operator cancel.
type Jobs interface {
	AggregateStatus(ctx context.Context) []downloader.StatusEntry
	Cancel(ctx context.Context, owner job.Owner) error
}

type JobView struct {
	ID string `json:"id"`
	// Owner is the key accepted by POST /jobs/{owner}/cancel.
	Owner           string  `json:"owner"`
	OwnerDisplay    string  `json:"ownerDisplay"`
	State           string  `json:"state"`
	Name            string  `json:"name"`
	Percent         float64 `json:"percent"`
	DownloadedBytes int64   `json:"downloadedBytes"`
	TotalBytes      int64   `json:"totalBytes"`
	RateBytesPerSec int64   `json:"rateBytesPerSec"`
	Peers           int     `json:"peers"`
	// ETASeconds is null while the estimate is unknown.
	ETASeconds     *int64 `json:"etaSeconds"`
	ElapsedSeconds int64  `json:"elapsedSeconds"`
	StateLabel     string `json:"stateLabel"`
}

type JobsResponse struct {
	Instance string    `json:"instance"`
	Jobs     []JobView `json:"jobs"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type JobsHandler struct {
	username string
	password string
	instance string
	jobs     Jobs
}

// NewJobsHandler creates the jobs API. Empty credentials disable basic auth.
func NewJobsHandler(username, password, instance string, jobs Jobs) *JobsHandler {
	return &JobsHandler{
		username: username,
		password: password,
		instance: instance,
		jobs:     jobs,
	}
}

func (h *JobsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Get("/jobs", h.HandleList)
	r.Post("/jobs/{owner}/cancel", h.HandleCancel)

	return r
}

// HandleList returns every live job that the engine could report on.
func (h *JobsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	entries := h.jobs.AggregateStatus(r.Context())

	views := make([]JobView, 0, len(entries))
	for _, e := range entries {
		views = append(views, toView(e))
	}

	writeJSON(r.Context(), w, http.StatusOK, JobsResponse{Instance: h.instance, Jobs: views})
}

// HandleCancel cancels the live job of the owner in the path.
func (h *JobsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := job.Owner(chi.URLParam(r, "owner"))

	err := h.jobs.Cancel(ctx, owner)
	switch {
	case errors.Is(err, downloader.ErrNoActiveJob):
		writeJSON(ctx, w, http.StatusNotFound, errorResponse{Error: "no active job for owner"})
	case errors.Is(err, downloader.ErrUploading):
		writeJSON(ctx, w, http.StatusConflict, errorResponse{Error: "job is already uploading"})
	case err != nil:
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to cancel job", "owner", owner, "err", err)
		writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Error: "failed to cancel job"})
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func (h *JobsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="magnet_relay"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		userOK := subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) == 1

		if !userOK || !passOK {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func toView(e downloader.StatusEntry) JobView {
	s := e.Snapshot

	v := JobView{
		ID:              e.JobID,
		Owner:           string(e.Owner),
		OwnerDisplay:    e.OwnerDisplay,
		State:           e.State.String(),
		Name:            s.Name,
		Percent:         s.Percent,
		DownloadedBytes: s.DownloadedBytes,
		TotalBytes:      s.TotalBytes,
		RateBytesPerSec: s.Rate,
		Peers:           s.PeerCount,
		ElapsedSeconds:  int64(s.Elapsed.Seconds()),
		StateLabel:      s.StateLabel,
	}

	if s.ETAKnown {
		eta := int64(s.ETA.Seconds())
		v.ETASeconds = &eta
	}

	return v
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to encode response", "err", err)
	}
}
