package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

//go:embed schema.sql
var pgSchema string

// Postgres implements Store on a PostgreSQL pool.
type Postgres struct {
	db *sqlx.DB
}

var _ Store = (*Postgres)(nil)

// OpenPostgres connects with a bounded pool sized for the session
// handlers plus the admin surface.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Postgres{db: db}, nil
}

// Close releases the pool.
func (p *Postgres) Close() error { return p.db.Close() }

// Migrate applies the schema. Refuses to start the server on failure.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) UpsertStream(ctx context.Context, forwarderID, readerAddress, displayName string) (string, error) {
	var id string
	err := p.db.GetContext(ctx, &id,
		`INSERT INTO streams (forwarder_id, reader_address, display_name)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (forwarder_id, reader_address)
		 DO UPDATE SET display_name = EXCLUDED.display_name
		 RETURNING stream_id::text`,
		forwarderID, readerAddress, displayName)
	if err != nil {
		return "", err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO stream_metrics (stream_id) VALUES ($1::uuid) ON CONFLICT (stream_id) DO NOTHING`, id)
	return id, err
}

func (p *Postgres) UpdateDisplayName(ctx context.Context, forwarderID, displayName string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE streams SET display_name = $1 WHERE forwarder_id = $2`, displayName, forwarderID)
	return err
}

func (p *Postgres) SetStreamOnline(ctx context.Context, streamID string, online bool) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE streams SET online = $1 WHERE stream_id = $2::uuid`, online, streamID)
	return err
}

const streamColumns = `stream_id::text AS stream_id, forwarder_id, reader_address, display_name, online, stream_epoch, created_at`

func (p *Postgres) StreamByKey(ctx context.Context, forwarderID, readerAddress string) (*Stream, error) {
	var s Stream
	err := p.db.GetContext(ctx, &s,
		`SELECT `+streamColumns+` FROM streams WHERE forwarder_id = $1 AND reader_address = $2`,
		forwarderID, readerAddress)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *Postgres) StreamByID(ctx context.Context, streamID string) (*Stream, error) {
	var s Stream
	err := p.db.GetContext(ctx, &s,
		`SELECT `+streamColumns+` FROM streams WHERE stream_id = $1::uuid`, streamID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *Postgres) StreamIDsByForwarder(ctx context.Context, forwarderID string) ([]string, error) {
	var ids []string
	err := p.db.SelectContext(ctx, &ids,
		`SELECT stream_id::text FROM streams WHERE forwarder_id = $1 ORDER BY stream_id`, forwarderID)
	return ids, err
}

func (p *Postgres) ListStreams(ctx context.Context) ([]Stream, error) {
	var out []Stream
	err := p.db.SelectContext(ctx, &out,
		`SELECT `+streamColumns+` FROM streams ORDER BY forwarder_id, reader_address`)
	return out, err
}

// UpsertEvent runs the idempotent ingest inside one transaction holding a
// row lock on the stream, so concurrent batches for the same stream
// serialize and per-epoch metric resets never race.
func (p *Postgres) UpsertEvent(ctx context.Context, streamID string, epoch, seq uint64, readerTimestamp, rawFrame, readType, tagID string) (UpsertOutcome, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return UpsertOutcome{}, err
	}
	defer tx.Rollback()

	var currentEpoch uint64
	err = tx.GetContext(ctx, &currentEpoch,
		`SELECT stream_epoch FROM streams WHERE stream_id = $1::uuid FOR UPDATE`, streamID)
	if errors.Is(err, sql.ErrNoRows) {
		return UpsertOutcome{}, ErrNotFound
	}
	if err != nil {
		return UpsertOutcome{}, err
	}

	var outcome UpsertOutcome
	if epoch > currentEpoch {
		if _, err := tx.ExecContext(ctx,
			`UPDATE streams SET stream_epoch = $2 WHERE stream_id = $1::uuid`, streamID, epoch); err != nil {
			return UpsertOutcome{}, err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE stream_metrics
			 SET epoch_raw_count = 0, epoch_dedup_count = 0, epoch_retransmit_count = 0,
			     epoch_last_received_at = NULL, last_tag_id = NULL, last_reader_timestamp = NULL
			 WHERE stream_id = $1::uuid`, streamID); err != nil {
			return UpsertOutcome{}, err
		}
		currentEpoch = epoch
		outcome.EpochAdvancedTo = epoch
	}
	isCurrent := epoch == currentEpoch

	var existing string
	err = tx.GetContext(ctx, &existing,
		`SELECT raw_frame FROM events WHERE stream_id = $1::uuid AND stream_epoch = $2 AND seq = $3`,
		streamID, epoch, seq)
	switch {
	case err == nil && existing == rawFrame:
		query := `UPDATE stream_metrics
		          SET raw_count = raw_count + 1, retransmit_count = retransmit_count + 1
		          WHERE stream_id = $1::uuid`
		if isCurrent {
			query = `UPDATE stream_metrics
			         SET raw_count = raw_count + 1, retransmit_count = retransmit_count + 1,
			             epoch_raw_count = epoch_raw_count + 1, epoch_retransmit_count = epoch_retransmit_count + 1
			         WHERE stream_id = $1::uuid`
		}
		if _, err := tx.ExecContext(ctx, query, streamID); err != nil {
			return UpsertOutcome{}, err
		}
		outcome.Result = Retransmit
	case err == nil:
		outcome.Result = IntegrityConflict
		// No writes: the stored payload is never touched on conflict.
		return outcome, tx.Commit()
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (stream_id, stream_epoch, seq, reader_timestamp, raw_frame, read_type, tag_id)
			 VALUES ($1::uuid, $2, $3, $4, $5, $6, NULLIF($7, ''))`,
			streamID, epoch, seq, readerTimestamp, rawFrame, readType, tagID); err != nil {
			return UpsertOutcome{}, err
		}
		if isCurrent {
			if _, err := tx.ExecContext(ctx,
				`UPDATE stream_metrics
				 SET raw_count = raw_count + 1, dedup_count = dedup_count + 1,
				     last_received_at = now(),
				     epoch_raw_count = epoch_raw_count + 1, epoch_dedup_count = epoch_dedup_count + 1,
				     epoch_last_received_at = now(),
				     last_tag_id = NULLIF($2, ''), last_reader_timestamp = NULLIF($3, '')
				 WHERE stream_id = $1::uuid`,
				streamID, tagID, readerTimestamp); err != nil {
				return UpsertOutcome{}, err
			}
		} else {
			if _, err := tx.ExecContext(ctx,
				`UPDATE stream_metrics
				 SET raw_count = raw_count + 1, dedup_count = dedup_count + 1, last_received_at = now()
				 WHERE stream_id = $1::uuid`, streamID); err != nil {
				return UpsertOutcome{}, err
			}
		}
		outcome.Result = Inserted
	default:
		return UpsertOutcome{}, err
	}
	return outcome, tx.Commit()
}

const eventColumns = `e.stream_epoch, e.seq, e.reader_timestamp, e.raw_frame, e.read_type,
	s.forwarder_id, s.reader_address`

func (p *Postgres) EventsAfterCursor(ctx context.Context, streamID string, after Cursor, limit int) ([]EventRow, error) {
	var out []EventRow
	err := p.db.SelectContext(ctx, &out,
		`SELECT `+eventColumns+`
		 FROM events e JOIN streams s ON s.stream_id = e.stream_id
		 WHERE e.stream_id = $1::uuid
		   AND (e.stream_epoch > $2 OR (e.stream_epoch = $2 AND e.seq > $3))
		 ORDER BY e.stream_epoch ASC, e.seq ASC
		 LIMIT $4`,
		streamID, after.Epoch, after.Seq, nullableLimit(limit))
	return out, err
}

func (p *Postgres) EventsAfterCursorThrough(ctx context.Context, streamID string, after, through Cursor, limit int) ([]EventRow, error) {
	var out []EventRow
	err := p.db.SelectContext(ctx, &out,
		`SELECT `+eventColumns+`
		 FROM events e JOIN streams s ON s.stream_id = e.stream_id
		 WHERE e.stream_id = $1::uuid
		   AND (e.stream_epoch > $2 OR (e.stream_epoch = $2 AND e.seq > $3))
		   AND (e.stream_epoch < $4 OR (e.stream_epoch = $4 AND e.seq <= $5))
		 ORDER BY e.stream_epoch ASC, e.seq ASC
		 LIMIT $6`,
		streamID, after.Epoch, after.Seq, through.Epoch, through.Seq, nullableLimit(limit))
	return out, err
}

func (p *Postgres) EventsForEpochFromSeq(ctx context.Context, streamID string, epoch, fromSeq uint64, through Cursor, limit int) ([]EventRow, error) {
	var out []EventRow
	err := p.db.SelectContext(ctx, &out,
		`SELECT `+eventColumns+`
		 FROM events e JOIN streams s ON s.stream_id = e.stream_id
		 WHERE e.stream_id = $1::uuid
		   AND e.stream_epoch = $2
		   AND e.seq >= $3
		   AND (e.stream_epoch < $4 OR (e.stream_epoch = $4 AND e.seq <= $5))
		 ORDER BY e.seq ASC
		 LIMIT $6`,
		streamID, epoch, fromSeq, through.Epoch, through.Seq, nullableLimit(limit))
	return out, err
}

func (p *Postgres) MaxEventCursor(ctx context.Context, streamID string) (Cursor, bool, error) {
	var c Cursor
	err := p.db.QueryRowxContext(ctx,
		`SELECT stream_epoch, seq FROM events
		 WHERE stream_id = $1::uuid
		 ORDER BY stream_epoch DESC, seq DESC LIMIT 1`, streamID).Scan(&c.Epoch, &c.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, err
	}
	return c, true, nil
}

func (p *Postgres) Metrics(ctx context.Context, streamID string) (*Metrics, error) {
	var m Metrics
	err := p.db.GetContext(ctx, &m,
		`SELECT raw_count, dedup_count, retransmit_count,
		        epoch_raw_count, epoch_dedup_count, epoch_retransmit_count,
		        COALESCE(last_tag_id, '') AS last_tag_id,
		        COALESCE(last_reader_timestamp, '') AS last_reader_timestamp
		 FROM stream_metrics WHERE stream_id = $1::uuid`, streamID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (p *Postgres) UpsertReceiverCursor(ctx context.Context, receiverID, streamID string, epoch, lastSeq uint64) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO receiver_cursors (receiver_id, stream_id, stream_epoch, last_seq, updated_at)
		 VALUES ($1, $2::uuid, $3, $4, now())
		 ON CONFLICT (receiver_id, stream_id, stream_epoch)
		 DO UPDATE SET last_seq = EXCLUDED.last_seq, updated_at = now()
		 WHERE receiver_cursors.last_seq < EXCLUDED.last_seq`,
		receiverID, streamID, epoch, lastSeq)
	return err
}

func (p *Postgres) ReceiverCursor(ctx context.Context, receiverID, streamID string, epoch uint64) (uint64, bool, error) {
	var lastSeq uint64
	err := p.db.GetContext(ctx, &lastSeq,
		`SELECT last_seq FROM receiver_cursors
		 WHERE receiver_id = $1 AND stream_id = $2::uuid AND stream_epoch = $3`,
		receiverID, streamID, epoch)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return lastSeq, true, nil
}

func (p *Postgres) LatestReceiverCursor(ctx context.Context, receiverID, streamID string) (Cursor, bool, error) {
	var c Cursor
	err := p.db.QueryRowxContext(ctx,
		`SELECT stream_epoch, last_seq FROM receiver_cursors
		 WHERE receiver_id = $1 AND stream_id = $2::uuid
		 ORDER BY stream_epoch DESC, last_seq DESC LIMIT 1`,
		receiverID, streamID).Scan(&c.Epoch, &c.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, err
	}
	return c, true, nil
}

func (p *Postgres) PruneStaleCursors(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM receiver_cursors rc
		 USING streams s
		 WHERE s.stream_id = rc.stream_id
		   AND rc.updated_at < $1
		   AND rc.stream_epoch <> s.stream_epoch`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *Postgres) CreateDeviceToken(ctx context.Context, tokenHash []byte, deviceType, deviceID string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO device_tokens (token_hash, device_type, device_id) VALUES ($1, $2, $3)`,
		tokenHash, deviceType, deviceID)
	return err
}

func (p *Postgres) RevokeDeviceToken(ctx context.Context, tokenHash []byte) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE device_tokens SET revoked_at = now() WHERE token_hash = $1 AND revoked_at IS NULL`,
		tokenHash)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ClaimsForTokenHash(ctx context.Context, tokenHash []byte) (*Claims, error) {
	var c Claims
	err := p.db.GetContext(ctx, &c,
		`SELECT device_type, device_id FROM device_tokens
		 WHERE token_hash = $1 AND revoked_at IS NULL`, tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *Postgres) CreateRace(ctx context.Context, name string) (string, error) {
	var id string
	err := p.db.GetContext(ctx, &id,
		`INSERT INTO races (name) VALUES ($1) RETURNING race_id::text`, name)
	return id, err
}

func (p *Postgres) MapStreamEpochToRace(ctx context.Context, streamID string, epoch uint64, raceID string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO stream_epoch_races (stream_id, stream_epoch, race_id)
		 VALUES ($1::uuid, $2, $3::uuid)
		 ON CONFLICT (stream_id, stream_epoch) DO UPDATE SET race_id = EXCLUDED.race_id`,
		streamID, epoch, raceID)
	return err
}

func (p *Postgres) UnmapStreamEpoch(ctx context.Context, streamID string, epoch uint64) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM stream_epoch_races WHERE stream_id = $1::uuid AND stream_epoch = $2`,
		streamID, epoch)
	return err
}

func (p *Postgres) RaceStreams(ctx context.Context, raceID string) ([]RaceStream, error) {
	var out []RaceStream
	err := p.db.SelectContext(ctx, &out,
		`SELECT stream_id::text AS stream_id, stream_epoch
		 FROM stream_epoch_races WHERE race_id = $1::uuid
		 ORDER BY stream_id, stream_epoch`, raceID)
	return out, err
}

// nullableLimit maps "no limit" onto SQL NULL so LIMIT is a no-op.
func nullableLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
