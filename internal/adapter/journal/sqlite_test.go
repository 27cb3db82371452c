package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moe-serifu-circle/moe-serifu-agent/internal/domain"
	"github.com/moe-serifu-circle/moe-serifu-agent/internal/usecase/eventbus"
)

var kindPing = domain.NewKind("PingEvent", 10, `{
	"type": "object",
	"properties": {"n": {"type": "integer"}}
}`)

var kindPong = domain.NewKind("PongEvent", 10, "")

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "journal.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func ping(t *testing.T, n int) *domain.Event {
	t.Helper()
	e, err := domain.NewEvent(kindPing, map[string]any{"n": n})
	require.NoError(t, err)
	return e
}

func TestRecordAndRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := range 3 {
		require.NoError(t, store.Record(ctx, ping(t, i)))
	}

	got, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, float64(2), got[0].Event.EventData["n"])
	assert.Equal(t, float64(1), got[1].Event.EventData["n"])
	assert.Equal(t, "PingEvent", got[0].Kind)
	assert.Equal(t, 10, got[0].Priority)
	assert.Equal(t, domain.PropagateAll, got[0].Target)
	assert.NotEmpty(t, got[0].ID)
	assert.NotEqual(t, got[0].ID, got[1].ID)
	assert.WithinDuration(t, time.Now(), got[0].RecordedAt, time.Minute)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRecentRejectsNonPositiveLimit(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Recent(context.Background(), 0)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRecentOfKind(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pong, err := domain.NewEvent(kindPong, nil)
	require.NoError(t, err)
	require.NoError(t, store.Record(ctx, ping(t, 1)))
	require.NoError(t, store.Record(ctx, pong.WithSource("client-a")))
	require.NoError(t, store.Record(ctx, ping(t, 2)))

	got, err := store.RecentOfKind(ctx, "PongEvent", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "client-a", got[0].Source)
}

func TestMaxEntriesPrunes(t *testing.T) {
	store := newTestStore(t, WithMaxEntries(2))
	ctx := context.Background()

	for i := range 5 {
		require.NoError(t, store.Record(ctx, ping(t, i)))
	}

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, float64(4), got[0].Event.EventData["n"])
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Record(ctx, ping(t, 7)))
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSubscribeJournalsDispatchedEvents(t *testing.T) {
	store := newTestStore(t)
	bus := eventbus.New(nil)
	t.Cleanup(bus.Close)

	unsub, err := store.Subscribe(bus)
	require.NoError(t, err)
	defer unsub()

	bus.FireEvent(ping(t, 1))
	bus.FireEvent(ping(t, 2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Listen(ctx)

	require.Eventually(t, func() bool {
		n, err := store.Count(context.Background())
		return err == nil && n == 2
	}, 2*time.Second, 5*time.Millisecond)
}
