package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeTagsKind(t *testing.T) {
	raw, err := Encode(KindForwarderHello, ForwarderHello{
		ForwarderID:     "fwd-a",
		ReaderAddresses: []string{"10.0.0.1:10000"},
	})
	require.NoError(t, err)

	kind, err := Kind(raw)
	require.NoError(t, err)
	assert.Equal(t, KindForwarderHello, kind)

	var hello ForwarderHello
	require.NoError(t, DecodeInto(raw, &hello))
	assert.Equal(t, "fwd-a", hello.ForwarderID)
	assert.Equal(t, []string{"10.0.0.1:10000"}, hello.ReaderAddresses)
}

func TestEncodeEmptyPayload(t *testing.T) {
	raw, err := Encode(KindHeartbeat, struct{}{})
	require.NoError(t, err)
	kind, err := Kind(raw)
	require.NoError(t, err)
	assert.Equal(t, KindHeartbeat, kind)
}

func TestKindRejectsUntagged(t *testing.T) {
	_, err := Kind([]byte(`{"session_id":"x"}`))
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = Kind([]byte(`not json`))
	assert.Error(t, err)
}

func TestSelectionRoundTrip(t *testing.T) {
	sel := Selection{
		Mode:    ModeTargetedReplay,
		Targets: []ReplayTarget{{ForwarderID: "fwd-a", ReaderAddress: "10.0.0.1:10000", StreamEpoch: 2, FromSeq: 10}},
	}
	raw, err := Encode(KindReceiverSetSelection, ReceiverSetSelection{Selection: sel})
	require.NoError(t, err)

	var decoded ReceiverSetSelection
	require.NoError(t, DecodeInto(raw, &decoded))
	assert.Equal(t, sel, decoded.Selection)
}

func TestBatchCarriesEventsInOrder(t *testing.T) {
	events := []ReadEvent{
		{ForwarderID: "fwd-a", ReaderAddress: "10.0.0.1:10000", StreamEpoch: 1, Seq: 1, RawFrame: "LINE_1", ReadType: "RAW"},
		{ForwarderID: "fwd-a", ReaderAddress: "10.0.0.1:10000", StreamEpoch: 1, Seq: 2, RawFrame: "LINE_2", ReadType: "RAW"},
	}
	raw, err := Encode(KindReceiverEventBatch, ReceiverEventBatch{SessionID: "s1", Events: events})
	require.NoError(t, err)

	var decoded ReceiverEventBatch
	require.NoError(t, DecodeInto(raw, &decoded))
	require.Len(t, decoded.Events, 2)
	assert.Equal(t, uint64(1), decoded.Events[0].Seq)
	assert.Equal(t, uint64(2), decoded.Events[1].Seq)
	assert.Equal(t, "s1", decoded.SessionID)
}
