package stream

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rook2pawn/audio-chunk/internal/audio"
	"github.com/rook2pawn/audio-chunk/internal/metrics"
)

func newTestManager(t *testing.T, config ManagerConfig) (*Manager, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	if config.CleanupInterval == 0 {
		config.CleanupInterval = time.Hour
	}
	mgr := NewManager(testLogger(), config, m)
	t.Cleanup(mgr.Stop)
	return mgr, m
}

func TestManagerPublishCreatesSessions(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(1_000)
	mgr, m := newTestManager(t, ManagerConfig{Clock: clock.Now})

	require.NoError(t, mgr.Publish(ctx, chunkAt(t, "mic-1", 1_000)))
	require.NoError(t, mgr.Publish(ctx, chunkAt(t, "mic-1", 1_000)))
	require.NoError(t, mgr.Publish(ctx, chunkAt(t, "", 1_000)))

	assert.Equal(t, 2, mgr.GetActiveSessionCount())
	_, ok := mgr.GetSession(DefaultStreamID)
	assert.True(t, ok)

	infos := mgr.GetAllSessions()
	require.Len(t, infos, 2)
	assert.Equal(t, DefaultStreamID, infos[0].StreamID)
	assert.Equal(t, "mic-1", infos[1].StreamID)
	assert.Equal(t, uint64(2), infos[1].ChunksReceived)
	assert.Equal(t, 2, infos[1].Buffer.Chunks)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.StreamsCreated))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveStreams))
}

func TestManagerSubscribeLive(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(0)
	mgr, m := newTestManager(t, ManagerConfig{Clock: clock.Now})

	sub, err := mgr.Subscribe("mic-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Subscribers))

	chunks := []*audio.Chunk{chunkAt(t, "mic-1", 1), chunkAt(t, "mic-1", 2), chunkAt(t, "mic-1", 3)}
	require.NoError(t, mgr.Publish(ctx, chunkAt(t, "other", 1)))
	for _, c := range chunks {
		require.NoError(t, mgr.Publish(ctx, c))
	}

	for _, want := range chunks {
		got, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Same(t, want, got)
	}

	require.NoError(t, sub.Close())
	session, _ := mgr.GetSession("mic-1")
	assert.Zero(t, session.GetSessionInfo().Subscribers)
	assert.Zero(t, testutil.ToFloat64(m.Subscribers))
}

func TestManagerSubscribeReplay(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(10_000)
	mgr, _ := newTestManager(t, ManagerConfig{Clock: clock.Now, MaxAge: time.Minute})

	old := chunkAt(t, "mic-1", 2_000)
	recent := chunkAt(t, "mic-1", 9_000)
	require.NoError(t, mgr.Publish(ctx, old))
	require.NoError(t, mgr.Publish(ctx, recent))

	sub, err := mgr.Subscribe("mic-1", 5*time.Second)
	require.NoError(t, err)
	defer sub.Close()

	live := chunkAt(t, "mic-1", 10_000)
	require.NoError(t, mgr.Publish(ctx, live))

	for _, want := range []*audio.Chunk{recent, live} {
		got, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Same(t, want, got)
	}

	chunks, err := mgr.Recent("mic-1", Forever)
	require.NoError(t, err)
	assert.Equal(t, []*audio.Chunk{old, recent, live}, chunks)
}

func TestManagerRecentUnknownStream(t *testing.T) {
	mgr, _ := newTestManager(t, ManagerConfig{})
	_, err := mgr.Recent("nope", Forever)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManagerTapSeesEveryStream(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t, ManagerConfig{})

	tap := mgr.Tap(BridgeConfig{})
	defer tap.Close()

	a := chunkAt(t, "a", 1)
	b := chunkAt(t, "b", 2)
	require.NoError(t, mgr.Publish(ctx, a))
	require.NoError(t, mgr.Publish(ctx, b))

	got, err := tap.Next(ctx)
	require.NoError(t, err)
	assert.Same(t, a, got)
	got, err = tap.Next(ctx)
	require.NoError(t, err)
	assert.Same(t, b, got)
}

func TestManagerMaxSessions(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t, ManagerConfig{MaxSessions: 1})

	require.NoError(t, mgr.Publish(ctx, chunkAt(t, "a", 1)))
	require.NoError(t, mgr.Publish(ctx, chunkAt(t, "a", 2)))
	assert.ErrorIs(t, mgr.Publish(ctx, chunkAt(t, "b", 1)), ErrTooManySessions)

	_, err := mgr.Subscribe("c", 0)
	assert.ErrorIs(t, err, ErrTooManySessions)
}

func TestManagerSlowSubscriberDrops(t *testing.T) {
	ctx := context.Background()
	mgr, m := newTestManager(t, ManagerConfig{
		Subscriber: BridgeConfig{Capacity: 1, Overflow: DropNewest},
	})

	sub, err := mgr.Subscribe("mic", 0)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, mgr.Publish(ctx, chunkAt(t, "mic", int64(i))))
	}

	session, _ := mgr.GetSession("mic")
	assert.Equal(t, uint64(2), session.GetSessionInfo().SubscriberDrops)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SubscriberDrops))

	got, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Timestamp.UnixMilli())
}

func TestManagerBlockingSubscriberHonoursContext(t *testing.T) {
	mgr, _ := newTestManager(t, ManagerConfig{
		Subscriber: BridgeConfig{Capacity: 1, Overflow: Block},
	})

	sub, err := mgr.Subscribe("mic", 0)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, mgr.Publish(context.Background(), chunkAt(t, "mic", 1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, mgr.Publish(ctx, chunkAt(t, "mic", 2)), context.DeadlineExceeded)
}

func TestManagerRemoveSessionDrainsSubscribers(t *testing.T) {
	ctx := context.Background()
	mgr, m := newTestManager(t, ManagerConfig{})

	sub, err := mgr.Subscribe("mic", 0)
	require.NoError(t, err)
	c := chunkAt(t, "mic", 1)
	require.NoError(t, mgr.Publish(ctx, c))

	assert.True(t, mgr.RemoveSession("mic"))
	assert.False(t, mgr.RemoveSession("mic"))

	got, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Same(t, c, got)

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamsDestroyed))
}

func TestManagerCleanupExpiredSessions(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(0)
	mgr, _ := newTestManager(t, ManagerConfig{Clock: clock.Now, SessionTimeout: time.Minute})

	require.NoError(t, mgr.Publish(ctx, chunkAt(t, "idle", 0)))
	clock.Set(50_000)
	require.NoError(t, mgr.Publish(ctx, chunkAt(t, "busy", 50_000)))

	clock.Set(90_000)
	assert.Equal(t, 1, mgr.cleanupExpiredSessions())

	_, ok := mgr.GetSession("idle")
	assert.False(t, ok)
	_, ok = mgr.GetSession("busy")
	assert.True(t, ok)
}

func TestManagerStopFinishesTaps(t *testing.T) {
	mgr := NewManager(testLogger(), ManagerConfig{}, nil)
	tap := mgr.Tap(BridgeConfig{})
	sub, err := mgr.Subscribe("x", 0)
	require.NoError(t, err)

	mgr.Stop()

	_, err = tap.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, mgr.GetActiveSessionCount())
}

func TestStreamKey(t *testing.T) {
	assert.Equal(t, DefaultStreamID, StreamKey(chunkAt(t, "", 0)))
	assert.Equal(t, "abc", StreamKey(chunkAt(t, "abc", 0)))
}
