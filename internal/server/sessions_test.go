package server

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerelay/internal/config"
	"timerelay/internal/logging"
	"timerelay/internal/protocol"
	"timerelay/internal/server/store"
	"timerelay/internal/websockettest"
)

const (
	testForwarderToken = "fwd-token-1"
	testReceiverToken  = "rcv-token-1"
	testReader         = "10.0.0.1:10000"
	recvTimeout        = 5 * time.Second
)

func newTestServer(t *testing.T) (*store.Memory, string) {
	t.Helper()
	cfg := &config.ServerConfig{
		DatabaseURL:       "memory",
		HeartbeatInterval: time.Second,
		SessionTimeout:    5 * time.Second,
		ReplayPageSize:    500,
		BroadcastBuffer:   256,
	}
	mem := store.NewMemory(nil)
	ctx := context.Background()
	require.NoError(t, mem.CreateDeviceToken(ctx, HashToken(testForwarderToken), DeviceTypeForwarder, "fwd-a"))
	require.NoError(t, mem.CreateDeviceToken(ctx, HashToken(testReceiverToken), DeviceTypeReceiver, "rcv-a"))

	srv := New(cfg, mem, logging.NewTestLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return mem, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func connectForwarder(t *testing.T, baseURL string) (*websockettest.Client, string) {
	t.Helper()
	client, err := websockettest.DialWithToken(baseURL+"/ws/v1/forwarders", testForwarderToken)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	require.NoError(t, client.Send(protocol.KindForwarderHello, protocol.ForwarderHello{
		ForwarderID:     "fwd-a",
		ReaderAddresses: []string{testReader},
	}))
	raw, err := client.RecvKind(protocol.KindHeartbeat, recvTimeout)
	require.NoError(t, err)
	var hb protocol.Heartbeat
	require.NoError(t, protocol.DecodeInto(raw, &hb))
	require.NotEmpty(t, hb.SessionID)
	return client, hb.SessionID
}

func forwarderEvents(from, through uint64) []protocol.ReadEvent {
	events := make([]protocol.ReadEvent, 0, through-from+1)
	for seq := from; seq <= through; seq++ {
		events = append(events, protocol.ReadEvent{
			ForwarderID:   "fwd-a",
			ReaderAddress: testReader,
			StreamEpoch:   1,
			Seq:           seq,
			RawFrame:      fmt.Sprintf("LINE_%d", seq),
			ReadType:      "RAW",
		})
	}
	return events
}

func sendBatchAndAwaitAck(t *testing.T, client *websockettest.Client, sessionID string, events []protocol.ReadEvent) protocol.ForwarderAck {
	t.Helper()
	require.NoError(t, client.Send(protocol.KindForwarderEventBatch, protocol.ForwarderEventBatch{
		SessionID: sessionID,
		BatchID:   "batch-1",
		Events:    events,
	}))
	raw, err := client.RecvKind(protocol.KindForwarderAck, recvTimeout)
	require.NoError(t, err)
	var ack protocol.ForwarderAck
	require.NoError(t, protocol.DecodeInto(raw, &ack))
	return ack
}

func connectReceiver(t *testing.T, baseURL string, hello protocol.ReceiverHello) *websockettest.Client {
	t.Helper()
	client, err := websockettest.DialWithToken(baseURL+"/ws/v1.2/receivers", testReceiverToken)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	require.NoError(t, client.Send(protocol.KindReceiverHelloV12, hello))
	_, err = client.RecvKind(protocol.KindHeartbeat, recvTimeout)
	require.NoError(t, err)
	_, err = client.RecvKind(protocol.KindReceiverModeApplied, recvTimeout)
	require.NoError(t, err)
	return client
}

// collectEvents reads receiver batches until n events arrived.
func collectEvents(t *testing.T, client *websockettest.Client, n int) []protocol.ReadEvent {
	t.Helper()
	var events []protocol.ReadEvent
	deadline := time.Now().Add(recvTimeout)
	for len(events) < n {
		require.Greater(t, time.Until(deadline), time.Duration(0), "timed out after %d/%d events", len(events), n)
		raw, err := client.RecvKind(protocol.KindReceiverEventBatch, time.Until(deadline))
		require.NoError(t, err)
		var batch protocol.ReceiverEventBatch
		require.NoError(t, protocol.DecodeInto(raw, &batch))
		events = append(events, batch.Events...)
	}
	require.Len(t, events, n)
	return events
}

func liveHello(floorEpoch uint64) protocol.ReceiverHello {
	return protocol.ReceiverHello{
		ReceiverID: "rcv-a",
		Selection: &protocol.Selection{
			Mode:    protocol.ModeLive,
			Streams: []protocol.StreamRef{{ForwarderID: "fwd-a", ReaderAddress: testReader}},
			EarliestEpochs: []protocol.EpochFloor{{
				Stream: protocol.StreamRef{ForwarderID: "fwd-a", ReaderAddress: testReader},
				Epoch:  floorEpoch,
			}},
		},
	}
}

func TestForwarderServerReceiverSingleEvent(t *testing.T) {
	mem, baseURL := newTestServer(t)
	fwd, sessionID := connectForwarder(t, baseURL)

	ack := sendBatchAndAwaitAck(t, fwd, sessionID, forwarderEvents(1, 1))
	require.Len(t, ack.Entries, 1)
	assert.Equal(t, uint64(1), ack.Entries[0].LastSeq)

	rcv := connectReceiver(t, baseURL, protocol.ReceiverHello{
		ReceiverID: "rcv-a",
		Resume: []protocol.ResumeCursor{{
			ForwarderID: "fwd-a", ReaderAddress: testReader, StreamEpoch: 1, LastSeq: 0,
		}},
		Selection: liveHello(1).Selection,
	})
	events := collectEvents(t, rcv, 1)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, "LINE_1", events[0].RawFrame)

	st, err := mem.StreamByKey(context.Background(), "fwd-a", testReader)
	require.NoError(t, err)
	stored, err := mem.EventsAfterCursor(context.Background(), st.ID, store.Cursor{}, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestRetransmitIsIdempotent(t *testing.T) {
	mem, baseURL := newTestServer(t)
	fwd, sessionID := connectForwarder(t, baseURL)

	first := sendBatchAndAwaitAck(t, fwd, sessionID, forwarderEvents(1, 1))
	second := sendBatchAndAwaitAck(t, fwd, sessionID, forwarderEvents(1, 1))
	require.Len(t, first.Entries, 1)
	require.Len(t, second.Entries, 1)
	// Retransmits advance the high-water mark exactly as inserts do.
	assert.Equal(t, uint64(1), second.Entries[0].LastSeq)

	ctx := context.Background()
	st, err := mem.StreamByKey(ctx, "fwd-a", testReader)
	require.NoError(t, err)
	stored, err := mem.EventsAfterCursor(ctx, st.ID, store.Cursor{}, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 1)

	metrics, err := mem.Metrics(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), metrics.RawCount)
	assert.Equal(t, int64(1), metrics.DedupCount)
	assert.Equal(t, int64(1), metrics.RetransmitCount)
}

func TestIntegrityConflictRejectsBatch(t *testing.T) {
	mem, baseURL := newTestServer(t)
	fwd, sessionID := connectForwarder(t, baseURL)

	events := forwarderEvents(1, 1)
	events[0].RawFrame = "ORIGINAL"
	sendBatchAndAwaitAck(t, fwd, sessionID, events)

	conflicting := forwarderEvents(1, 1)
	conflicting[0].RawFrame = "DIFFERENT"
	require.NoError(t, fwd.Send(protocol.KindForwarderEventBatch, protocol.ForwarderEventBatch{
		SessionID: sessionID,
		BatchID:   "batch-2",
		Events:    conflicting,
	}))
	raw, err := fwd.RecvKind(protocol.KindError, recvTimeout)
	require.NoError(t, err)
	var msg protocol.ErrorMessage
	require.NoError(t, protocol.DecodeInto(raw, &msg))
	assert.Equal(t, protocol.CodeIntegrityConflict, msg.Code)
	assert.False(t, msg.Retryable)

	ctx := context.Background()
	st, err := mem.StreamByKey(ctx, "fwd-a", testReader)
	require.NoError(t, err)
	stored, err := mem.EventsAfterCursor(ctx, st.ID, store.Cursor{}, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "ORIGINAL", stored[0].RawFrame)
}

func TestSecondForwarderSessionRefused(t *testing.T) {
	_, baseURL := newTestServer(t)
	connectForwarder(t, baseURL)

	second, err := websockettest.DialWithToken(baseURL+"/ws/v1/forwarders", testForwarderToken)
	require.NoError(t, err)
	defer second.Close()
	raw, err := second.RecvKind(protocol.KindError, recvTimeout)
	require.NoError(t, err)
	var msg protocol.ErrorMessage
	require.NoError(t, protocol.DecodeInto(raw, &msg))
	assert.Equal(t, protocol.CodeProtocolError, msg.Code)
}

func TestInvalidTokenRefused(t *testing.T) {
	_, baseURL := newTestServer(t)
	client, err := websockettest.DialWithToken(baseURL+"/ws/v1/forwarders", "not-a-token")
	require.NoError(t, err)
	defer client.Close()
	raw, err := client.RecvKind(protocol.KindError, recvTimeout)
	require.NoError(t, err)
	var msg protocol.ErrorMessage
	require.NoError(t, protocol.DecodeInto(raw, &msg))
	assert.Equal(t, protocol.CodeInvalidToken, msg.Code)
}

func TestIdentityMismatchRefused(t *testing.T) {
	_, baseURL := newTestServer(t)
	client, err := websockettest.DialWithToken(baseURL+"/ws/v1/forwarders", testForwarderToken)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Send(protocol.KindForwarderHello, protocol.ForwarderHello{
		ForwarderID:     "somebody-else",
		ReaderAddresses: []string{testReader},
	}))
	raw, err := client.RecvKind(protocol.KindError, recvTimeout)
	require.NoError(t, err)
	var msg protocol.ErrorMessage
	require.NoError(t, protocol.DecodeInto(raw, &msg))
	assert.Equal(t, protocol.CodeIdentityMismatch, msg.Code)
}

func TestCursorBoundedReplayAfterAck(t *testing.T) {
	_, baseURL := newTestServer(t)
	fwd, sessionID := connectForwarder(t, baseURL)
	sendBatchAndAwaitAck(t, fwd, sessionID, forwarderEvents(1, 5))

	first := connectReceiver(t, baseURL, liveHello(1))
	events := collectEvents(t, first, 5)
	assert.Equal(t, uint64(1), events[0].Seq)

	// Ack through seq 2 and disconnect.
	require.NoError(t, first.Send(protocol.KindReceiverAck, protocol.ReceiverAck{
		SessionID: "ignored",
		Entries: []protocol.AckEntry{{
			ForwarderID: "fwd-a", ReaderAddress: testReader, StreamEpoch: 1, LastSeq: 2,
		}},
	}))
	time.Sleep(200 * time.Millisecond) // let the ack land before closing
	first.Close()
	time.Sleep(200 * time.Millisecond) // let the session release the singleton slot

	// Reconnect with resume (1, 2): only 3, 4, 5 come back.
	second := connectReceiver(t, baseURL, protocol.ReceiverHello{
		ReceiverID: "rcv-a",
		Resume: []protocol.ResumeCursor{{
			ForwarderID: "fwd-a", ReaderAddress: testReader, StreamEpoch: 1, LastSeq: 2,
		}},
		Selection: liveHello(1).Selection,
	})
	replayed := collectEvents(t, second, 3)
	assert.Equal(t, uint64(3), replayed[0].Seq)
	assert.Equal(t, uint64(4), replayed[1].Seq)
	assert.Equal(t, uint64(5), replayed[2].Seq)
}

func TestChunkedBacklogReplay(t *testing.T) {
	mem, baseURL := newTestServer(t)
	ctx := context.Background()
	id, err := mem.UpsertStream(ctx, "fwd-a", testReader, "")
	require.NoError(t, err)
	for seq := uint64(1); seq <= 600; seq++ {
		_, err := mem.UpsertEvent(ctx, id, 1, seq, "", fmt.Sprintf("LINE_%d", seq), "RAW", "")
		require.NoError(t, err)
	}

	rcv, err := websockettest.DialWithToken(baseURL+"/ws/v1.2/receivers", testReceiverToken)
	require.NoError(t, err)
	defer rcv.Close()
	client := rcv
	require.NoError(t, client.Send(protocol.KindReceiverHelloV12, liveHello(1)))
	_, err = client.RecvKind(protocol.KindHeartbeat, recvTimeout)
	require.NoError(t, err)
	_, err = client.RecvKind(protocol.KindReceiverModeApplied, recvTimeout)
	require.NoError(t, err)

	var events []protocol.ReadEvent
	batches := 0
	for len(events) < 600 {
		raw, err := client.RecvKind(protocol.KindReceiverEventBatch, recvTimeout)
		require.NoError(t, err)
		var batch protocol.ReceiverEventBatch
		require.NoError(t, protocol.DecodeInto(raw, &batch))
		batches++
		events = append(events, batch.Events...)
	}
	assert.GreaterOrEqual(t, batches, 2)
	require.Len(t, events, 600)
	for i, event := range events {
		assert.Equal(t, uint64(i+1), event.Seq)
	}
}

func TestLiveAndReplayHandoff(t *testing.T) {
	_, baseURL := newTestServer(t)
	fwd, sessionID := connectForwarder(t, baseURL)
	sendBatchAndAwaitAck(t, fwd, sessionID, forwarderEvents(1, 20))

	rcv := connectReceiver(t, baseURL, liveHello(1))
	sendBatchAndAwaitAck(t, fwd, sessionID, forwarderEvents(21, 30))

	events := collectEvents(t, rcv, 30)
	for i, event := range events {
		assert.Equal(t, uint64(i+1), event.Seq, "events must be strictly increasing")
	}
}

func TestTargetedReplayIsSnapshotBounded(t *testing.T) {
	mem, baseURL := newTestServer(t)
	ctx := context.Background()
	id, err := mem.UpsertStream(ctx, "fwd-a", testReader, "")
	require.NoError(t, err)
	for seq := uint64(1); seq <= 10; seq++ {
		_, err := mem.UpsertEvent(ctx, id, 1, seq, "", fmt.Sprintf("LINE_%d", seq), "RAW", "")
		require.NoError(t, err)
	}

	rcv := connectReceiver(t, baseURL, protocol.ReceiverHello{
		ReceiverID: "rcv-a",
		Selection: &protocol.Selection{
			Mode: protocol.ModeTargetedReplay,
			Targets: []protocol.ReplayTarget{{
				ForwarderID: "fwd-a", ReaderAddress: testReader, StreamEpoch: 1, FromSeq: 3,
			}},
		},
	})
	events := collectEvents(t, rcv, 8)
	assert.Equal(t, uint64(3), events[0].Seq)
	assert.Equal(t, uint64(10), events[7].Seq)

	// Targeted acks never persist cursors.
	require.NoError(t, rcv.Send(protocol.KindReceiverAck, protocol.ReceiverAck{
		Entries: []protocol.AckEntry{{
			ForwarderID: "fwd-a", ReaderAddress: testReader, StreamEpoch: 1, LastSeq: 10,
		}},
	}))
	time.Sleep(200 * time.Millisecond)
	_, ok, err := mem.ReceiverCursor(ctx, "rcv-a", id, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	// Events written after the session snapshot are not delivered.
	_, err = mem.UpsertEvent(ctx, id, 1, 11, "", "LINE_11", "RAW", "")
	require.NoError(t, err)
	_, err = rcv.RecvKind(protocol.KindReceiverEventBatch, 300*time.Millisecond)
	assert.Error(t, err)
}

func TestReceiverSubscribeMidSession(t *testing.T) {
	_, baseURL := newTestServer(t)
	fwd, sessionID := connectForwarder(t, baseURL)
	sendBatchAndAwaitAck(t, fwd, sessionID, forwarderEvents(1, 3))

	rcv := connectReceiver(t, baseURL, protocol.ReceiverHello{
		ReceiverID: "rcv-a",
		Selection:  &protocol.Selection{Mode: protocol.ModeLive},
	})
	require.NoError(t, rcv.Send(protocol.KindReceiverSubscribe, protocol.ReceiverSubscribe{
		Streams: []protocol.StreamRef{{ForwarderID: "fwd-a", ReaderAddress: testReader}},
	}))
	events := collectEvents(t, rcv, 3)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, uint64(3), events[2].Seq)
}
