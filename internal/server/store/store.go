// Package store persists the server's streams, events, metrics, device
// tokens, receiver cursors, and race mappings. The Postgres
// implementation backs production; the memory implementation backs tests
// and single-process development runs.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// IngestResult classifies one UpsertEvent call.
type IngestResult int

const (
	// Inserted means a new canonical row was written.
	Inserted IngestResult = iota
	// Retransmit means the key existed with an identical payload.
	Retransmit
	// IntegrityConflict means the key existed with a different payload.
	IntegrityConflict
)

func (r IngestResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Retransmit:
		return "retransmit"
	case IntegrityConflict:
		return "integrity_conflict"
	default:
		return "unknown"
	}
}

// UpsertOutcome reports the result of one event upsert and whether the
// stream's current epoch advanced as a side effect.
type UpsertOutcome struct {
	Result IngestResult
	// EpochAdvancedTo is non-zero when this event moved the stream to a
	// newer epoch and reset the per-epoch metrics.
	EpochAdvancedTo uint64
}

// Cursor is an (epoch, seq) position in a stream's event space.
type Cursor struct {
	Epoch uint64
	Seq   uint64
}

// Less orders cursors lexicographically.
func (c Cursor) Less(other Cursor) bool {
	return c.Epoch < other.Epoch || (c.Epoch == other.Epoch && c.Seq < other.Seq)
}

// Stream is one (forwarder, reader) event sequence known to the server.
type Stream struct {
	ID            string    `db:"stream_id"`
	ForwarderID   string    `db:"forwarder_id"`
	ReaderAddress string    `db:"reader_address"`
	DisplayName   string    `db:"display_name"`
	Online        bool      `db:"online"`
	StreamEpoch   uint64    `db:"stream_epoch"`
	CreatedAt     time.Time `db:"created_at"`
}

// EventRow is one stored event joined with its stream identity.
type EventRow struct {
	ForwarderID     string `db:"forwarder_id"`
	ReaderAddress   string `db:"reader_address"`
	StreamEpoch     uint64 `db:"stream_epoch"`
	Seq             uint64 `db:"seq"`
	ReaderTimestamp string `db:"reader_timestamp"`
	RawFrame        string `db:"raw_frame"`
	ReadType        string `db:"read_type"`
}

// Metrics carries the per-stream ingest counters. Epoch-scoped counters
// reset when the stream advances to a newer epoch.
type Metrics struct {
	RawCount             int64  `db:"raw_count"`
	DedupCount           int64  `db:"dedup_count"`
	RetransmitCount      int64  `db:"retransmit_count"`
	EpochRawCount        int64  `db:"epoch_raw_count"`
	EpochDedupCount      int64  `db:"epoch_dedup_count"`
	EpochRetransmitCount int64  `db:"epoch_retransmit_count"`
	LastTagID            string `db:"last_tag_id"`
	LastReaderTimestamp  string `db:"last_reader_timestamp"`
}

// Claims is the identity a bearer token resolves to.
type Claims struct {
	DeviceType string `db:"device_type"`
	DeviceID   string `db:"device_id"`
}

// RaceStream is one (stream, epoch) mapped into a race.
type RaceStream struct {
	StreamID    string `db:"stream_id"`
	StreamEpoch uint64 `db:"stream_epoch"`
}

// Store is the server's persistence surface.
type Store interface {
	// Migrate creates or upgrades the schema. Fatal at startup on error.
	Migrate(ctx context.Context) error

	// UpsertStream creates the stream row (and its metrics row) on first
	// observation and refreshes the display name after, returning the
	// stable stream id.
	UpsertStream(ctx context.Context, forwarderID, readerAddress, displayName string) (string, error)
	UpdateDisplayName(ctx context.Context, forwarderID, displayName string) error
	SetStreamOnline(ctx context.Context, streamID string, online bool) error
	StreamByKey(ctx context.Context, forwarderID, readerAddress string) (*Stream, error)
	StreamByID(ctx context.Context, streamID string) (*Stream, error)
	StreamIDsByForwarder(ctx context.Context, forwarderID string) ([]string, error)
	ListStreams(ctx context.Context) ([]Stream, error)

	// UpsertEvent performs the idempotent per-stream ingest: epoch
	// advancement with metric reset, insert/retransmit/conflict
	// classification, and counter updates, atomically per stream.
	UpsertEvent(ctx context.Context, streamID string, epoch, seq uint64, readerTimestamp, rawFrame, readType, tagID string) (UpsertOutcome, error)

	EventsAfterCursor(ctx context.Context, streamID string, after Cursor, limit int) ([]EventRow, error)
	EventsAfterCursorThrough(ctx context.Context, streamID string, after, through Cursor, limit int) ([]EventRow, error)
	EventsForEpochFromSeq(ctx context.Context, streamID string, epoch, fromSeq uint64, through Cursor, limit int) ([]EventRow, error)
	MaxEventCursor(ctx context.Context, streamID string) (Cursor, bool, error)
	Metrics(ctx context.Context, streamID string) (*Metrics, error)

	// UpsertReceiverCursor advances a (receiver, stream, epoch) cursor iff
	// lastSeq is strictly greater than the stored value.
	UpsertReceiverCursor(ctx context.Context, receiverID, streamID string, epoch, lastSeq uint64) error
	ReceiverCursor(ctx context.Context, receiverID, streamID string, epoch uint64) (uint64, bool, error)
	// LatestReceiverCursor returns the receiver's highest (epoch, seq)
	// cursor for a stream across epochs.
	LatestReceiverCursor(ctx context.Context, receiverID, streamID string) (Cursor, bool, error)
	// PruneStaleCursors deletes cursors not touched since cutoff whose
	// epoch is no longer the stream's current epoch.
	PruneStaleCursors(ctx context.Context, cutoff time.Time) (int64, error)

	CreateDeviceToken(ctx context.Context, tokenHash []byte, deviceType, deviceID string) error
	RevokeDeviceToken(ctx context.Context, tokenHash []byte) error
	ClaimsForTokenHash(ctx context.Context, tokenHash []byte) (*Claims, error)

	CreateRace(ctx context.Context, name string) (string, error)
	MapStreamEpochToRace(ctx context.Context, streamID string, epoch uint64, raceID string) error
	UnmapStreamEpoch(ctx context.Context, streamID string, epoch uint64) error
	RaceStreams(ctx context.Context, raceID string) ([]RaceStream, error)
}
