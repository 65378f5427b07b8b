package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEngine struct {
	status    Status
	err       error
	cancelled []Handle
}

func (s *stubEngine) Submit(_ context.Context, d Descriptor, _ string) (Handle, error) {
	if s.err != nil {
		return "", s.err
	}

	return Handle(d.InfoHash), nil
}

func (s *stubEngine) Poll(context.Context, Handle) (Status, error) {
	return s.status, s.err
}

func (s *stubEngine) Cancel(_ context.Context, h Handle) error {
	s.cancelled = append(s.cancelled, h)

	return s.err
}

func TestInstrumentedPassesThrough(t *testing.T) {
	stub := &stubEngine{status: Status{Name: "ubuntu.iso", Percent: 42}}
	e := NewInstrumented(stub, nil, "stub")
	ctx := context.Background()

	h, err := e.Submit(ctx, Descriptor{InfoHash: "abc"}, "/tmp/x")
	require.NoError(t, err)
	assert.Equal(t, Handle("abc"), h)

	st, err := e.Poll(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "ubuntu.iso", st.Name)

	require.NoError(t, e.Cancel(ctx, h))
	assert.Equal(t, []Handle{"abc"}, stub.cancelled)
}

func TestInstrumentedReturnsZeroValuesOnError(t *testing.T) {
	boom := errors.New("boom")
	stub := &stubEngine{status: Status{Percent: 10}, err: boom}
	e := NewInstrumented(stub, nil, "stub")

	st, err := e.Poll(context.Background(), "abc")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, Status{}, st)
}
