package pause

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/penguiflow/penguiflow/runtime/statestore/inmem"
)

func TestPauseResumeRoundTrip(t *testing.T) {
	c := NewController(nil, time.Hour, nil)
	ctx := context.Background()

	rec, err := c.Pause(ctx, "trace-1", "sess-1", "oauth_required",
		map[string]any{"provider": "github"},
		Snapshot{TraceID: "trace-1", HopsRemaining: 5, ActionSeq: 2})
	require.NoError(t, err)
	require.Len(t, rec.ResumeToken, 32)
	require.True(t, c.Pending(rec.ResumeToken))

	got, err := c.Resume(ctx, rec.ResumeToken)
	require.NoError(t, err)
	require.Equal(t, "oauth_required", got.Reason)
	require.Equal(t, 5, got.Snapshot.HopsRemaining)
	require.Equal(t, 2, got.Snapshot.ActionSeq)
}

func TestResumeIsSingleUse(t *testing.T) {
	c := NewController(nil, time.Hour, nil)
	ctx := context.Background()

	rec, err := c.Pause(ctx, "t", "", "form", nil, Snapshot{TraceID: "t"})
	require.NoError(t, err)

	_, err = c.Resume(ctx, rec.ResumeToken)
	require.NoError(t, err)
	_, err = c.Resume(ctx, rec.ResumeToken)
	require.ErrorIs(t, err, ErrPauseNotFound)
}

func TestUnknownTokenFails(t *testing.T) {
	c := NewController(nil, time.Hour, nil)
	_, err := c.Resume(context.Background(), "deadbeefdeadbeefdeadbeefdeadbeef")
	require.ErrorIs(t, err, ErrPauseNotFound)
}

func TestExpiredTokenIndistinguishableFromMissing(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewController(nil, time.Minute, func() time.Time { return now })
	ctx := context.Background()

	rec, err := c.Pause(ctx, "t", "", "form", nil, Snapshot{TraceID: "t"})
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = c.Resume(ctx, rec.ResumeToken)
	require.ErrorIs(t, err, ErrPauseNotFound)
	require.False(t, c.Pending(rec.ResumeToken))
}

func TestTokensAreUnique(t *testing.T) {
	c := NewController(nil, time.Hour, nil)
	ctx := context.Background()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		rec, err := c.Pause(ctx, "t", "", "r", nil, Snapshot{TraceID: "t"})
		require.NoError(t, err)
		require.False(t, seen[rec.ResumeToken])
		seen[rec.ResumeToken] = true
	}
}

func TestResumeFromStoreAcrossControllers(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()

	first := NewController(store, time.Hour, nil)
	rec, err := first.Pause(ctx, "t", "s", "oauth_required", nil, Snapshot{TraceID: "t", ActionSeq: 1})
	require.NoError(t, err)

	// A second controller sharing the store resumes the pause, as if in
	// another process.
	second := NewController(store, time.Hour, nil)
	got, err := second.Resume(ctx, rec.ResumeToken)
	require.NoError(t, err)
	require.Equal(t, 1, got.Snapshot.ActionSeq)

	// The snapshot is consumed everywhere.
	_, err = NewController(store, time.Hour, nil).Resume(ctx, rec.ResumeToken)
	require.ErrorIs(t, err, ErrPauseNotFound)
}
