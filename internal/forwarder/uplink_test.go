package forwarder

import (
	"context"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerelay/internal/config"
	"timerelay/internal/journal"
	"timerelay/internal/logging"
	"timerelay/internal/protocol"
	"timerelay/internal/server"
	"timerelay/internal/server/store"
	"timerelay/internal/websockettest"
)

const (
	uplinkToken  = "uplink-token-1"
	uplinkReader = "10.0.0.9:10000"
)

func startRelayServer(t *testing.T) (*store.Memory, string) {
	t.Helper()
	cfg := &config.ServerConfig{
		DatabaseURL:       "memory",
		HeartbeatInterval: time.Second,
		SessionTimeout:    5 * time.Second,
		ReplayPageSize:    500,
		BroadcastBuffer:   256,
	}
	mem := store.NewMemory(nil)
	require.NoError(t, mem.CreateDeviceToken(context.Background(),
		server.HashToken(uplinkToken), server.DeviceTypeForwarder, "fwd-up"))
	srv := server.New(cfg, mem, logging.NewTestLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return mem, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func seedJournal(t *testing.T, j *journal.Journal, from, through uint64) {
	t.Helper()
	require.NoError(t, j.EnsureStream(uplinkReader, 1))
	for seq := from; seq <= through; seq++ {
		allocated, err := j.AllocateSeq(uplinkReader)
		require.NoError(t, err)
		require.Equal(t, seq, allocated)
		require.NoError(t, j.Append(uplinkReader, 1, seq, "10:00:00.000",
			[]byte(fmt.Sprintf("LINE_%d", seq)), "RAW"))
	}
}

func waitForCursor(t *testing.T, j *journal.Journal, want journal.Cursor) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		cursor, err := j.AckCursor(uplinkReader)
		if err == nil && cursor == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("cursor never reached %+v (got %+v, err %v)", want, cursor, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestUplinkReplaysJournalAndAdvancesCursor(t *testing.T) {
	mem, baseURL := startRelayServer(t)
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.sqlite3"))
	require.NoError(t, err)
	defer j.Close()
	seedJournal(t, j, 1, 5)

	uplink := &Uplink{
		ServerURL:      baseURL,
		Token:          uplinkToken,
		ForwarderID:    "fwd-up",
		ReaderKeys:     []string{uplinkReader},
		BatchMode:      "batched",
		FlushInterval:  100 * time.Millisecond,
		MaxBatchEvents: 500,
		Journal:        j,
		Log:            logging.NewTestLogger(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go uplink.Run(ctx)

	waitForCursor(t, j, journal.Cursor{Epoch: 1, Seq: 5})

	st, err := mem.StreamByKey(context.Background(), "fwd-up", uplinkReader)
	require.NoError(t, err)
	stored, err := mem.EventsAfterCursor(context.Background(), st.ID, store.Cursor{}, 0)
	require.NoError(t, err)
	require.Len(t, stored, 5)
	assert.Equal(t, "LINE_1", stored[0].RawFrame)
}

func TestUplinkSendsNewEventsInSteadyState(t *testing.T) {
	mem, baseURL := startRelayServer(t)
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.sqlite3"))
	require.NoError(t, err)
	defer j.Close()
	require.NoError(t, j.EnsureStream(uplinkReader, 1))

	uplink := &Uplink{
		ServerURL:      baseURL,
		Token:          uplinkToken,
		ForwarderID:    "fwd-up",
		ReaderKeys:     []string{uplinkReader},
		BatchMode:      "batched",
		FlushInterval:  50 * time.Millisecond,
		MaxBatchEvents: 500,
		Journal:        j,
		Log:            logging.NewTestLogger(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go uplink.Run(ctx)

	// Journal an event after the session is up; the flush loop picks it up.
	time.Sleep(300 * time.Millisecond)
	seq, err := j.AllocateSeq(uplinkReader)
	require.NoError(t, err)
	require.NoError(t, j.Append(uplinkReader, 1, seq, "", []byte("STEADY_1"), "RAW"))

	waitForCursor(t, j, journal.Cursor{Epoch: 1, Seq: 1})

	st, err := mem.StreamByKey(context.Background(), "fwd-up", uplinkReader)
	require.NoError(t, err)
	stored, err := mem.EventsAfterCursor(context.Background(), st.ID, store.Cursor{}, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "STEADY_1", stored[0].RawFrame)
}

// TestUplinkRetransmitIsIdempotent models an ack lost to a crash: the
// server already holds the events, the journal cursor does not, and the
// reconnecting uplink retransmits everything above its cursor.
func TestUplinkRetransmitIsIdempotent(t *testing.T) {
	mem, baseURL := startRelayServer(t)
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.sqlite3"))
	require.NoError(t, err)
	defer j.Close()
	seedJournal(t, j, 1, 3)

	// First delivery bypasses the journal cursor: send the same events
	// through a bare session, then drop it.
	client, err := websockettest.DialWithToken(baseURL+"/ws/v1/forwarders", uplinkToken)
	require.NoError(t, err)
	require.NoError(t, client.Send(protocol.KindForwarderHello, protocol.ForwarderHello{
		ForwarderID:     "fwd-up",
		ReaderAddresses: []string{uplinkReader},
	}))
	_, err = client.RecvKind(protocol.KindHeartbeat, 5*time.Second)
	require.NoError(t, err)
	events := make([]protocol.ReadEvent, 0, 3)
	for seq := uint64(1); seq <= 3; seq++ {
		events = append(events, protocol.ReadEvent{
			ForwarderID:   "fwd-up",
			ReaderAddress: uplinkReader,
			StreamEpoch:   1,
			Seq:           seq,
			RawFrame:      fmt.Sprintf("LINE_%d", seq),
			ReadType:      "RAW",
		})
	}
	require.NoError(t, client.Send(protocol.KindForwarderEventBatch, protocol.ForwarderEventBatch{
		SessionID: "s", BatchID: "b", Events: events,
	}))
	_, err = client.RecvKind(protocol.KindForwarderAck, 5*time.Second)
	require.NoError(t, err)
	client.Close()
	time.Sleep(200 * time.Millisecond) // release the singleton slot

	// The journal cursor is still (0, 0): the uplink resends 1..3 and the
	// server answers with a full-coverage ack despite inserting nothing.
	uplink := &Uplink{
		ServerURL:      baseURL,
		Token:          uplinkToken,
		ForwarderID:    "fwd-up",
		ReaderKeys:     []string{uplinkReader},
		BatchMode:      "batched",
		FlushInterval:  50 * time.Millisecond,
		MaxBatchEvents: 500,
		Journal:        j,
		Log:            logging.NewTestLogger(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go uplink.Run(ctx)
	waitForCursor(t, j, journal.Cursor{Epoch: 1, Seq: 3})

	sctx := context.Background()
	st, err := mem.StreamByKey(sctx, "fwd-up", uplinkReader)
	require.NoError(t, err)
	stored, err := mem.EventsAfterCursor(sctx, st.ID, store.Cursor{}, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 3)

	metrics, err := mem.Metrics(sctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), metrics.DedupCount)
	assert.Equal(t, int64(3), metrics.RetransmitCount)
}
