package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Memory, string) {
	t.Helper()
	m := NewMemory(nil)
	id, err := m.UpsertStream(context.Background(), "fwd-a", "10.0.0.1:10000", "")
	require.NoError(t, err)
	return m, id
}

func TestUpsertStreamIsStable(t *testing.T) {
	m, id := newTestStore(t)
	again, err := m.UpsertStream(context.Background(), "fwd-a", "10.0.0.1:10000", "timing tent")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	s, err := m.StreamByKey(context.Background(), "fwd-a", "10.0.0.1:10000")
	require.NoError(t, err)
	assert.Equal(t, "timing tent", s.DisplayName)
	assert.Equal(t, uint64(1), s.StreamEpoch)

	_, err = m.StreamByKey(context.Background(), "fwd-a", "10.9.9.9:10000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertEventRetransmitIdempotence(t *testing.T) {
	m, id := newTestStore(t)
	ctx := context.Background()

	out, err := m.UpsertEvent(ctx, id, 1, 1, "10:00:00.000", "LINE_1", "RAW", "tag1")
	require.NoError(t, err)
	assert.Equal(t, Inserted, out.Result)

	out, err = m.UpsertEvent(ctx, id, 1, 1, "10:00:00.000", "LINE_1", "RAW", "tag1")
	require.NoError(t, err)
	assert.Equal(t, Retransmit, out.Result)

	events, err := m.EventsAfterCursor(ctx, id, Cursor{}, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	metrics, err := m.Metrics(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), metrics.RawCount)
	assert.Equal(t, int64(1), metrics.DedupCount)
	assert.Equal(t, int64(1), metrics.RetransmitCount)
}

func TestUpsertEventIntegrityConflict(t *testing.T) {
	m, id := newTestStore(t)
	ctx := context.Background()

	out, err := m.UpsertEvent(ctx, id, 1, 1, "", "ORIGINAL", "RAW", "")
	require.NoError(t, err)
	assert.Equal(t, Inserted, out.Result)

	out, err = m.UpsertEvent(ctx, id, 1, 1, "", "DIFFERENT", "RAW", "")
	require.NoError(t, err)
	assert.Equal(t, IntegrityConflict, out.Result)

	events, err := m.EventsAfterCursor(ctx, id, Cursor{}, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ORIGINAL", events[0].RawFrame)
}

func TestUpsertEventEpochAdvanceResetsEpochMetrics(t *testing.T) {
	m, id := newTestStore(t)
	ctx := context.Background()

	for seq := uint64(1); seq <= 3; seq++ {
		_, err := m.UpsertEvent(ctx, id, 1, seq, "", "x", "RAW", "t")
		require.NoError(t, err)
	}
	out, err := m.UpsertEvent(ctx, id, 2, 1, "", "y", "RAW", "t2")
	require.NoError(t, err)
	assert.Equal(t, Inserted, out.Result)
	assert.Equal(t, uint64(2), out.EpochAdvancedTo)

	metrics, err := m.Metrics(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(4), metrics.RawCount)
	assert.Equal(t, int64(1), metrics.EpochRawCount)
	assert.Equal(t, int64(1), metrics.EpochDedupCount)

	// A historic-epoch write is accepted but leaves epoch counters alone.
	out, err = m.UpsertEvent(ctx, id, 1, 4, "", "z", "RAW", "t")
	require.NoError(t, err)
	assert.Equal(t, Inserted, out.Result)
	assert.Zero(t, out.EpochAdvancedTo)

	metrics, err = m.Metrics(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(5), metrics.RawCount)
	assert.Equal(t, int64(1), metrics.EpochRawCount)
}

func TestEventsAfterCursorBounds(t *testing.T) {
	m, id := newTestStore(t)
	ctx := context.Background()
	for seq := uint64(1); seq <= 5; seq++ {
		_, err := m.UpsertEvent(ctx, id, 1, seq, "", "x", "RAW", "")
		require.NoError(t, err)
	}

	events, err := m.EventsAfterCursor(ctx, id, Cursor{Epoch: 1, Seq: 2}, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(3), events[0].Seq)
	assert.Equal(t, uint64(5), events[2].Seq)

	bounded, err := m.EventsAfterCursorThrough(ctx, id, Cursor{}, Cursor{Epoch: 1, Seq: 4}, 2)
	require.NoError(t, err)
	require.Len(t, bounded, 2)
	assert.Equal(t, uint64(1), bounded[0].Seq)

	cur, ok, err := m.MaxEventCursor(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Cursor{Epoch: 1, Seq: 5}, cur)
}

func TestReceiverCursorMonotonic(t *testing.T) {
	m, id := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, m.UpsertReceiverCursor(ctx, "rcv-a", id, 1, 5))
	require.NoError(t, m.UpsertReceiverCursor(ctx, "rcv-a", id, 1, 3)) // stale, ignored
	seq, ok, err := m.ReceiverCursor(ctx, "rcv-a", id, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(5), seq)

	require.NoError(t, m.UpsertReceiverCursor(ctx, "rcv-a", id, 2, 1))
	cur, ok, err := m.LatestReceiverCursor(ctx, "rcv-a", id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Cursor{Epoch: 2, Seq: 1}, cur)
}

func TestPruneStaleCursors(t *testing.T) {
	now := time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	m := NewMemory(clock)
	ctx := context.Background()
	id, err := m.UpsertStream(ctx, "fwd-a", "10.0.0.1:10000", "")
	require.NoError(t, err)

	_, err = m.UpsertEvent(ctx, id, 9, 1, "", "x", "RAW", "")
	require.NoError(t, err)
	// Cursor at the stream's current epoch is never pruned.
	require.NoError(t, m.UpsertReceiverCursor(ctx, "rcv-a", id, 9, 5))
	// Historic-epoch cursor from long ago is prunable.
	require.NoError(t, m.UpsertReceiverCursor(ctx, "rcv-b", id, 7, 5))

	now = now.Add(40 * 24 * time.Hour)
	deleted, err := m.PruneStaleCursors(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, ok, err := m.ReceiverCursor(ctx, "rcv-b", id, 7)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTokenLifecycle(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()
	hash := []byte("0123456789abcdef0123456789abcdef")

	require.NoError(t, m.CreateDeviceToken(ctx, hash, "forwarder", "fwd-a"))
	claims, err := m.ClaimsForTokenHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "forwarder", claims.DeviceType)
	assert.Equal(t, "fwd-a", claims.DeviceID)

	require.NoError(t, m.RevokeDeviceToken(ctx, hash))
	_, err = m.ClaimsForTokenHash(ctx, hash)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRaceMapping(t *testing.T) {
	m, id := newTestStore(t)
	ctx := context.Background()
	raceID, err := m.CreateRace(ctx, "spring 10k")
	require.NoError(t, err)

	require.NoError(t, m.MapStreamEpochToRace(ctx, id, 1, raceID))
	require.NoError(t, m.MapStreamEpochToRace(ctx, id, 2, raceID))

	mapped, err := m.RaceStreams(ctx, raceID)
	require.NoError(t, err)
	require.Len(t, mapped, 2)
	assert.Equal(t, uint64(1), mapped[0].StreamEpoch)

	require.NoError(t, m.UnmapStreamEpoch(ctx, id, 1))
	mapped, err = m.RaceStreams(ctx, raceID)
	require.NoError(t, err)
	require.Len(t, mapped, 1)
}
