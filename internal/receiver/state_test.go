package receiver

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestState(t *testing.T) *State {
	t.Helper()
	state, err := OpenState(filepath.Join(t.TempDir(), "receiver.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = state.Close() })
	return state
}

func TestProfileRoundTrip(t *testing.T) {
	state := openTestState(t)

	_, err := state.LoadProfile()
	assert.ErrorIs(t, err, ErrNoProfile)

	saved := Profile{ServerURL: "ws://server:8600", Token: "secret", ReceiverID: "rcv-a"}
	require.NoError(t, state.SaveProfile(saved))
	loaded, err := state.LoadProfile()
	require.NoError(t, err)
	assert.Equal(t, saved, loaded)
}

func TestSubscriptionsRoundTrip(t *testing.T) {
	state := openTestState(t)
	sub := Subscription{ForwarderID: "fwd-a", ReaderAddress: "10.0.0.1:10000", PortOverride: 15000}
	require.NoError(t, state.AddSubscription(sub))
	require.NoError(t, state.AddSubscription(Subscription{ForwarderID: "fwd-b", ReaderAddress: "10.0.0.2:10000"}))

	subs, err := state.Subscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Contains(t, subs, sub)

	require.NoError(t, state.RemoveSubscription(sub.Key()))
	subs, err = state.Subscriptions()
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestCursorMonotonicAndResume(t *testing.T) {
	state := openTestState(t)
	require.NoError(t, state.AddSubscription(Subscription{ForwarderID: "fwd-a", ReaderAddress: "10.0.0.1:10000"}))

	require.NoError(t, state.UpdateCursor("fwd-a", "10.0.0.1:10000", 1, 5))
	require.NoError(t, state.UpdateCursor("fwd-a", "10.0.0.1:10000", 1, 3)) // stale
	require.NoError(t, state.UpdateCursor("fwd-a", "10.0.0.1:10000", 2, 1))

	cursors, err := state.ResumeCursors()
	require.NoError(t, err)
	require.Len(t, cursors, 1)
	assert.Equal(t, uint64(2), cursors[0].StreamEpoch)
	assert.Equal(t, uint64(1), cursors[0].LastSeq)
}

func TestLastFrameCacheRoundTrip(t *testing.T) {
	state := openTestState(t)
	key := StreamKey("fwd-a", "10.0.0.1:10000")

	frame, err := state.LastFrame(key)
	require.NoError(t, err)
	assert.Nil(t, frame)

	require.NoError(t, state.CacheLastFrame(key, []byte("09001234567890001 10:00:00.000 1")))
	frame, err = state.LastFrame(key)
	require.NoError(t, err)
	assert.Equal(t, []byte("09001234567890001 10:00:00.000 1"), frame)
}
