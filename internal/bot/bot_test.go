package bot

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/italolelis/magnet_relay/internal/downloader"
	"github.com/italolelis/magnet_relay/internal/engine"
	"github.com/italolelis/magnet_relay/internal/job"
	"github.com/italolelis/magnet_relay/internal/logctx"
	"github.com/italolelis/magnet_relay/internal/messaging"
	"github.com/italolelis/magnet_relay/internal/progress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const magnet = "magnet:?xt=urn:btih:c9e15763f722f23e98a29decdfae341b98d53056&dn=Cosmos"

type fakeJobs struct {
	createErr error
	cancelErr error
	entries   []downloader.StatusEntry

	requests  []downloader.Request
	cancelled []job.Owner
}

func (f *fakeJobs) CreateJob(_ context.Context, req downloader.Request) (string, error) {
	f.requests = append(f.requests, req)

	return "job-1", f.createErr
}

func (f *fakeJobs) Cancel(_ context.Context, owner job.Owner) error {
	f.cancelled = append(f.cancelled, owner)

	return f.cancelErr
}

func (f *fakeJobs) AggregateStatus(context.Context) []downloader.StatusEntry {
	return f.entries
}

type fakeGateway struct {
	mu       sync.Mutex
	notices  []string
	replies  []string
	replyErr error
}

func (g *fakeGateway) Notify(_ context.Context, chat messaging.ChatID, text string) (messaging.Target, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.notices = append(g.notices, text)

	return messaging.Target{Chat: chat, MessageID: len(g.notices)}, nil
}

func (g *fakeGateway) UpdateNotification(context.Context, messaging.Target, string) error { return nil }
func (g *fakeGateway) DeleteNotification(context.Context, messaging.Target) error         { return nil }
func (g *fakeGateway) SendFile(context.Context, messaging.ChatID, string, string, string) error {
	return nil
}

func (g *fakeGateway) Reply(_ context.Context, _ messaging.ChatID, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.replies = append(g.replies, text)

	return g.replyErr
}

func inbound(text, command string) messaging.Inbound {
	return messaging.Inbound{UserID: 42, DisplayName: "@alice", Chat: 7, Text: text, Command: command}
}

func ctx() context.Context {
	return logctx.Discard(context.Background())
}

func TestMagnetStartsJob(t *testing.T) {
	jobs := &fakeJobs{}
	gw := &fakeGateway{}

	NewHandler(jobs, gw, 4<<30).Handle(ctx(), inbound("  "+magnet+"\n", ""))

	require.Len(t, jobs.requests, 1)
	assert.Equal(t, downloader.Request{
		Owner:        "42",
		OwnerDisplay: "@alice",
		Chat:         7,
		Descriptor:   magnet,
	}, jobs.requests[0])
	assert.Empty(t, gw.replies, "the manager posts the job notification itself")
}

func TestMagnetRejections(t *testing.T) {
	tests := []struct {
		name string
		text string
		err  error
		want string
	}{
		{name: "not a magnet", text: "hello there", want: invalidMagnetText},
		{name: "unparseable magnet", text: magnet, err: &downloader.RejectedError{Reason: downloader.ReasonInvalidDescriptor}, want: invalidMagnetText},
		{name: "duplicate", text: magnet, err: &downloader.RejectedError{Reason: downloader.ReasonDuplicate}, want: duplicateText},
		{name: "busy", text: magnet, err: &downloader.RejectedError{Reason: downloader.ReasonBusy}, want: busyText},
		{name: "shutting down", text: magnet, err: &downloader.RejectedError{Reason: downloader.ReasonShuttingDown}, want: restartingText},
		{name: "engine failure", text: magnet, err: &engine.EngineError{Op: "submit", Err: errors.New("secret detail")}, want: submitFailedText},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := &fakeJobs{createErr: tt.err}
			gw := &fakeGateway{}

			NewHandler(jobs, gw, 4<<30).Handle(ctx(), inbound(tt.text, ""))

			require.Len(t, gw.replies, 1)
			assert.Equal(t, tt.want, gw.replies[0])
			assert.NotContains(t, gw.replies[0], "secret detail")
		})
	}
}

func TestNonMagnetNeverReachesManager(t *testing.T) {
	jobs := &fakeJobs{}

	NewHandler(jobs, &fakeGateway{}, 1).Handle(ctx(), inbound("https://example.com", ""))

	assert.Empty(t, jobs.requests)
}

func TestStartAndHelp(t *testing.T) {
	gw := &fakeGateway{}
	h := NewHandler(&fakeJobs{}, gw, 4<<30)

	h.Handle(ctx(), inbound("/start", "start"))
	h.Handle(ctx(), inbound("/help", "help"))

	require.Len(t, gw.notices, 2)
	assert.Contains(t, gw.notices[0], "Support for files up to 4.3 GB")
	assert.Contains(t, gw.notices[0], "/status")
	assert.Contains(t, gw.notices[1], "How to use")
}

func TestStatus(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		gw := &fakeGateway{}

		NewHandler(&fakeJobs{}, gw, 1).Handle(ctx(), inbound("/status", "status"))

		assert.Equal(t, []string{noDownloadsText}, gw.replies)
	})

	t.Run("listing", func(t *testing.T) {
		gw := &fakeGateway{}
		jobs := &fakeJobs{entries: []downloader.StatusEntry{
			{OwnerDisplay: "@alice", Snapshot: progress.Snapshot{Name: "Cosmos", Percent: 12.34, Rate: 2_000_000, PeerCount: 4}},
			{OwnerDisplay: "@bob_smith", Snapshot: progress.Snapshot{Name: "Sintel", Percent: 99}},
		}}

		NewHandler(jobs, gw, 1).Handle(ctx(), inbound("/status", "status"))

		require.Len(t, gw.notices, 1)

		text := gw.notices[0]
		assert.Contains(t, text, "*Active Downloads:*")
		assert.Contains(t, text, "*Cosmos*\nProgress: 12.3%\nSpeed: 2.0 MB/s\nPeers: 4")
		assert.Contains(t, text, "👤 @bob\\_smith")
		assert.NotContains(t, text, "\n\n\n")
	})
}

func TestCancel(t *testing.T) {
	gw := &fakeGateway{}
	jobs := &fakeJobs{}

	NewHandler(jobs, gw, 1).Handle(ctx(), inbound("/cancel", "cancel"))

	assert.Equal(t, []job.Owner{"42"}, jobs.cancelled)
	assert.Equal(t, []string{cancellingText}, gw.replies)

	gw = &fakeGateway{}
	jobs = &fakeJobs{cancelErr: downloader.ErrNoActiveJob}

	NewHandler(jobs, gw, 1).Handle(ctx(), inbound("/cancel", "cancel"))

	assert.Equal(t, []string{nothingToCancel}, gw.replies)

	gw = &fakeGateway{}
	jobs = &fakeJobs{cancelErr: downloader.ErrUploading}

	NewHandler(jobs, gw, 1).Handle(ctx(), inbound("/cancel", "cancel"))

	assert.Equal(t, []string{tooLateText}, gw.replies)
}

func TestUnknownCommand(t *testing.T) {
	gw := &fakeGateway{}

	NewHandler(&fakeJobs{}, gw, 1).Handle(ctx(), inbound("/frobnicate", "frobnicate"))

	assert.Equal(t, []string{unknownText}, gw.replies)
}

func TestReplyFailureIsSwallowed(t *testing.T) {
	gw := &fakeGateway{replyErr: errors.New("chat gone")}

	assert.NotPanics(t, func() {
		NewHandler(&fakeJobs{}, gw, 1).Handle(ctx(), inbound("nope", ""))
	})
}
