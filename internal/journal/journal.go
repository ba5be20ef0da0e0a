// Package journal implements the forwarder's durable per-stream event log.
//
// Storage is a single sqlite file opened with WAL journaling and
// synchronous=FULL so that a row reported as appended survives a process
// crash. PRAGMA integrity_check runs at open; a failing check refuses to
// start rather than risk serving a corrupt log.
package journal

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

var (
	// ErrEmptyFrame rejects appends with no payload.
	ErrEmptyFrame = errors.New("raw_frame must not be empty")
	// ErrUnknownStream indicates stream_state has no row for the key.
	ErrUnknownStream = errors.New("unknown stream key")
	// ErrIntegrityCheck indicates the database failed its open-time check.
	ErrIntegrityCheck = errors.New("journal integrity check failed")
)

// Cursor is an (epoch, seq) acknowledgement position. The zero value means
// nothing has been acknowledged.
type Cursor struct {
	Epoch uint64
	Seq   uint64
}

// Less reports whether c orders strictly before other, lexicographically.
func (c Cursor) Less(other Cursor) bool {
	return c.Epoch < other.Epoch || (c.Epoch == other.Epoch && c.Seq < other.Seq)
}

// Event is one journaled chip read.
type Event struct {
	ID              int64  `db:"id"`
	StreamKey       string `db:"stream_key"`
	StreamEpoch     uint64 `db:"stream_epoch"`
	Seq             uint64 `db:"seq"`
	ReaderTimestamp string `db:"reader_timestamp"`
	RawFrame        []byte `db:"raw_frame"`
	ReadType        string `db:"read_type"`
	ReceivedAt      string `db:"received_at"`
}

// StreamState mirrors one stream_state row.
type StreamState struct {
	StreamKey       string `db:"stream_key"`
	StreamEpoch     uint64 `db:"stream_epoch"`
	NextSeq         uint64 `db:"next_seq"`
	AckedEpoch      uint64 `db:"acked_epoch"`
	AckedThroughSeq uint64 `db:"acked_through_seq"`
}

// Journal is the durable store for a single forwarder process. All
// operations serialize behind one mutex; the sqlite connection is the
// single owner of the file.
type Journal struct {
	mu sync.Mutex
	db *sqlx.DB
}

// Open opens (or creates) the journal at path, applies the durability
// pragmas, runs the integrity check, and creates tables if needed.
func Open(path string) (*Journal, error) {
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=wal_autocheckpoint(1000)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=busy_timeout(5000)"
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	var result string
	if err := db.Get(&result, `PRAGMA integrity_check`); err != nil {
		db.Close()
		return nil, fmt.Errorf("run integrity_check: %w", err)
	}
	if result != "ok" {
		db.Close()
		return nil, fmt.Errorf("%w: %s", ErrIntegrityCheck, result)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.db.Close()
}

// EnsureStream initialises stream_state for a newly discovered reader.
// Idempotent: an existing row (from a previous run) is left untouched.
func (j *Journal) EnsureStream(streamKey string, initialEpoch uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.Exec(
		`INSERT OR IGNORE INTO stream_state
		     (stream_key, stream_epoch, next_seq, acked_epoch, acked_through_seq)
		 VALUES (?, ?, 1, 0, 0)`,
		streamKey, initialEpoch,
	)
	return err
}

// CurrentEpochAndNextSeq returns the stream's current epoch and the seq
// that the next append will receive.
func (j *Journal) CurrentEpochAndNextSeq(streamKey string) (uint64, uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var state StreamState
	err := j.db.Get(&state,
		`SELECT stream_key, stream_epoch, next_seq, acked_epoch, acked_through_seq
		 FROM stream_state WHERE stream_key = ?`, streamKey)
	if err != nil {
		return 0, 0, streamErr(streamKey, err)
	}
	return state.StreamEpoch, state.NextSeq, nil
}

// AllocateSeq atomically claims the next sequence number for a stream.
// Concurrent callers receive distinct values.
func (j *Journal) AllocateSeq(streamKey string) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var allocated uint64
	err := j.db.Get(&allocated,
		`UPDATE stream_state SET next_seq = next_seq + 1
		 WHERE stream_key = ? RETURNING next_seq - 1`, streamKey)
	if err != nil {
		return 0, streamErr(streamKey, err)
	}
	return allocated, nil
}

// Append persists one event row. Fails if rawFrame is empty.
func (j *Journal) Append(streamKey string, epoch, seq uint64, readerTimestamp string, rawFrame []byte, readType string) error {
	if len(rawFrame) == 0 {
		return ErrEmptyFrame
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.Exec(
		`INSERT INTO journal
		     (stream_key, stream_epoch, seq, reader_timestamp, raw_frame, read_type, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		streamKey, epoch, seq, readerTimestamp, rawFrame, readType,
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// BumpEpoch moves the stream to newEpoch and resets next_seq to 1. Rows
// from prior epochs stay replayable until acked and pruned.
func (j *Journal) BumpEpoch(streamKey string, newEpoch uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	res, err := j.db.Exec(
		`UPDATE stream_state SET stream_epoch = ?, next_seq = 1 WHERE stream_key = ?`,
		newEpoch, streamKey)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownStream, streamKey)
	}
	return nil
}

// AckCursor returns the highest (epoch, seq) the server has confirmed.
func (j *Journal) AckCursor(streamKey string) (Cursor, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.ackCursorLocked(streamKey)
}

func (j *Journal) ackCursorLocked(streamKey string) (Cursor, error) {
	var state StreamState
	err := j.db.Get(&state,
		`SELECT stream_key, stream_epoch, next_seq, acked_epoch, acked_through_seq
		 FROM stream_state WHERE stream_key = ?`, streamKey)
	if err != nil {
		return Cursor{}, streamErr(streamKey, err)
	}
	return Cursor{Epoch: state.AckedEpoch, Seq: state.AckedThroughSeq}, nil
}

// UpdateAckCursor advances the cursor iff the new position is
// lexicographically greater than the stored one; stale acks are no-ops.
func (j *Journal) UpdateAckCursor(streamKey string, epoch, seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	current, err := j.ackCursorLocked(streamKey)
	if err != nil {
		return err
	}
	next := Cursor{Epoch: epoch, Seq: seq}
	if !current.Less(next) {
		return nil
	}
	_, err = j.db.Exec(
		`UPDATE stream_state SET acked_epoch = ?, acked_through_seq = ? WHERE stream_key = ?`,
		epoch, seq, streamKey)
	return err
}

// Unacked returns events with (epoch, seq) above the ack cursor, ordered
// by (epoch asc, seq asc). limit <= 0 means unbounded.
func (j *Journal) Unacked(streamKey string, limit int) ([]Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	cursor, err := j.ackCursorLocked(streamKey)
	if err != nil {
		return nil, err
	}
	query := `SELECT id, stream_key, stream_epoch, seq,
	                 COALESCE(reader_timestamp, '') AS reader_timestamp,
	                 raw_frame, read_type, received_at
	          FROM journal
	          WHERE stream_key = ?
	            AND (stream_epoch > ? OR (stream_epoch = ? AND seq > ?))
	          ORDER BY stream_epoch ASC, seq ASC`
	args := []any{streamKey, cursor.Epoch, cursor.Epoch, cursor.Seq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var events []Event
	if err := j.db.Select(&events, query, args...); err != nil {
		return nil, err
	}
	return events, nil
}

// PruneAcked deletes up to limit rows at or below the ack cursor, oldest
// first, returning the deleted rows so callers can archive them.
func (j *Journal) PruneAcked(streamKey string, limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	cursor, err := j.ackCursorLocked(streamKey)
	if err != nil {
		return nil, err
	}
	var victims []Event
	err = j.db.Select(&victims,
		`SELECT id, stream_key, stream_epoch, seq,
		        COALESCE(reader_timestamp, '') AS reader_timestamp,
		        raw_frame, read_type, received_at
		 FROM journal
		 WHERE stream_key = ?
		   AND (stream_epoch < ? OR (stream_epoch = ? AND seq <= ?))
		 ORDER BY id ASC
		 LIMIT ?`,
		streamKey, cursor.Epoch, cursor.Epoch, cursor.Seq, limit)
	if err != nil {
		return nil, err
	}
	if len(victims) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(victims))
	for i, v := range victims {
		ids[i] = v.ID
	}
	query, args, err := sqlx.In(`DELETE FROM journal WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	if _, err := j.db.Exec(j.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return victims, nil
}

// EventCount reports the number of journaled rows for a stream across
// all epochs.
func (j *Journal) EventCount(streamKey string) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var count int64
	err := j.db.Get(&count, `SELECT COUNT(*) FROM journal WHERE stream_key = ?`, streamKey)
	return count, err
}

// TotalEventCount reports the number of journaled rows across all streams.
func (j *Journal) TotalEventCount() (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var count int64
	err := j.db.Get(&count, `SELECT COUNT(*) FROM journal`)
	return count, err
}

// StreamKeys lists every stream the journal has state for.
func (j *Journal) StreamKeys() ([]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var keys []string
	err := j.db.Select(&keys, `SELECT stream_key FROM stream_state ORDER BY stream_key`)
	return keys, err
}

func streamErr(streamKey string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrUnknownStream, streamKey)
	}
	return err
}
