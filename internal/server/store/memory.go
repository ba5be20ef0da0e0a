package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memEvent struct {
	EventRow
	receivedAt time.Time
}

type memStream struct {
	Stream
	events  []memEvent // sorted by (epoch, seq)
	metrics Metrics
}

type memCursorKey struct {
	receiverID string
	streamID   string
	epoch      uint64
}

type memCursor struct {
	lastSeq   uint64
	updatedAt time.Time
}

type memToken struct {
	claims  Claims
	revoked bool
}

type raceKey struct {
	streamID string
	epoch    uint64
}

// Memory is an in-process Store used by tests and development runs.
type Memory struct {
	mu       sync.Mutex
	now      func() time.Time
	nextID   int
	streams  map[string]*memStream
	byKey    map[string]string // forwarder\x00reader → stream id
	cursors  map[memCursorKey]*memCursor
	tokens   map[string]*memToken // hex-free: raw hash bytes as string
	races    map[string]string    // race id → name
	raceMap  map[raceKey]string   // (stream, epoch) → race id
	raceSeq  int
}

// NewMemory constructs an empty in-memory store. clock is optional and
// exists for deterministic retention tests.
func NewMemory(clock func() time.Time) *Memory {
	if clock == nil {
		clock = time.Now
	}
	return &Memory{
		now:     clock,
		streams: make(map[string]*memStream),
		byKey:   make(map[string]string),
		cursors: make(map[memCursorKey]*memCursor),
		tokens:  make(map[string]*memToken),
		races:   make(map[string]string),
		raceMap: make(map[raceKey]string),
	}
}

var _ Store = (*Memory)(nil)

func streamKey(forwarderID, readerAddress string) string {
	return forwarderID + "\x00" + readerAddress
}

// Migrate is a no-op for the memory store.
func (m *Memory) Migrate(context.Context) error { return nil }

func (m *Memory) UpsertStream(_ context.Context, forwarderID, readerAddress, displayName string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := streamKey(forwarderID, readerAddress)
	if id, ok := m.byKey[key]; ok {
		m.streams[id].DisplayName = displayName
		return id, nil
	}
	m.nextID++
	id := fmt.Sprintf("stream-%08d", m.nextID)
	m.streams[id] = &memStream{Stream: Stream{
		ID:            id,
		ForwarderID:   forwarderID,
		ReaderAddress: readerAddress,
		DisplayName:   displayName,
		StreamEpoch:   1,
		CreatedAt:     m.now().UTC(),
	}}
	m.byKey[key] = id
	return id, nil
}

func (m *Memory) UpdateDisplayName(_ context.Context, forwarderID, displayName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.streams {
		if s.ForwarderID == forwarderID {
			s.DisplayName = displayName
		}
	}
	return nil
}

func (m *Memory) SetStreamOnline(_ context.Context, streamID string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		return ErrNotFound
	}
	s.Online = online
	return nil
}

func (m *Memory) StreamByKey(_ context.Context, forwarderID, readerAddress string) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[streamKey(forwarderID, readerAddress)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := m.streams[id].Stream
	return &clone, nil
}

func (m *Memory) StreamByID(_ context.Context, streamID string) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := s.Stream
	return &clone, nil
}

func (m *Memory) StreamIDsByForwarder(_ context.Context, forwarderID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, s := range m.streams {
		if s.ForwarderID == forwarderID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) ListStreams(_ context.Context) ([]Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Stream, 0, len(m.streams))
	for _, s := range m.streams {
		out = append(out, s.Stream)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpsertEvent(_ context.Context, streamID string, epoch, seq uint64, readerTimestamp, rawFrame, readType, tagID string) (UpsertOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		return UpsertOutcome{}, ErrNotFound
	}

	var outcome UpsertOutcome
	if epoch > s.StreamEpoch {
		s.StreamEpoch = epoch
		s.metrics.EpochRawCount = 0
		s.metrics.EpochDedupCount = 0
		s.metrics.EpochRetransmitCount = 0
		s.metrics.LastTagID = ""
		s.metrics.LastReaderTimestamp = ""
		outcome.EpochAdvancedTo = epoch
	}
	isCurrent := epoch == s.StreamEpoch

	idx := sort.Search(len(s.events), func(i int) bool {
		e := s.events[i]
		return e.StreamEpoch > epoch || (e.StreamEpoch == epoch && e.Seq >= seq)
	})
	if idx < len(s.events) && s.events[idx].StreamEpoch == epoch && s.events[idx].Seq == seq {
		if bytes.Equal([]byte(s.events[idx].RawFrame), []byte(rawFrame)) {
			s.metrics.RawCount++
			s.metrics.RetransmitCount++
			if isCurrent {
				s.metrics.EpochRawCount++
				s.metrics.EpochRetransmitCount++
			}
			outcome.Result = Retransmit
			return outcome, nil
		}
		outcome.Result = IntegrityConflict
		return outcome, nil
	}

	row := memEvent{
		EventRow: EventRow{
			ForwarderID:     s.ForwarderID,
			ReaderAddress:   s.ReaderAddress,
			StreamEpoch:     epoch,
			Seq:             seq,
			ReaderTimestamp: readerTimestamp,
			RawFrame:        rawFrame,
			ReadType:        readType,
		},
		receivedAt: m.now().UTC(),
	}
	s.events = append(s.events, memEvent{})
	copy(s.events[idx+1:], s.events[idx:])
	s.events[idx] = row

	s.metrics.RawCount++
	s.metrics.DedupCount++
	if isCurrent {
		s.metrics.EpochRawCount++
		s.metrics.EpochDedupCount++
		s.metrics.LastTagID = tagID
		s.metrics.LastReaderTimestamp = readerTimestamp
	}
	outcome.Result = Inserted
	return outcome, nil
}

func (m *Memory) EventsAfterCursor(ctx context.Context, streamID string, after Cursor, limit int) ([]EventRow, error) {
	return m.EventsAfterCursorThrough(ctx, streamID, after, Cursor{Epoch: ^uint64(0), Seq: ^uint64(0)}, limit)
}

func (m *Memory) EventsAfterCursorThrough(_ context.Context, streamID string, after, through Cursor, limit int) ([]EventRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		return nil, ErrNotFound
	}
	var out []EventRow
	for _, e := range s.events {
		pos := Cursor{Epoch: e.StreamEpoch, Seq: e.Seq}
		if !after.Less(pos) {
			continue
		}
		if through.Less(pos) {
			break
		}
		out = append(out, e.EventRow)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) EventsForEpochFromSeq(_ context.Context, streamID string, epoch, fromSeq uint64, through Cursor, limit int) ([]EventRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		return nil, ErrNotFound
	}
	var out []EventRow
	for _, e := range s.events {
		if e.StreamEpoch != epoch || e.Seq < fromSeq {
			continue
		}
		pos := Cursor{Epoch: e.StreamEpoch, Seq: e.Seq}
		if through.Less(pos) {
			continue
		}
		out = append(out, e.EventRow)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MaxEventCursor(_ context.Context, streamID string) (Cursor, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		return Cursor{}, false, ErrNotFound
	}
	if len(s.events) == 0 {
		return Cursor{}, false, nil
	}
	last := s.events[len(s.events)-1]
	return Cursor{Epoch: last.StreamEpoch, Seq: last.Seq}, true, nil
}

func (m *Memory) Metrics(_ context.Context, streamID string) (*Metrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := s.metrics
	return &clone, nil
}

func (m *Memory) UpsertReceiverCursor(_ context.Context, receiverID, streamID string, epoch, lastSeq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memCursorKey{receiverID: receiverID, streamID: streamID, epoch: epoch}
	cur, ok := m.cursors[key]
	if !ok {
		m.cursors[key] = &memCursor{lastSeq: lastSeq, updatedAt: m.now().UTC()}
		return nil
	}
	if lastSeq <= cur.lastSeq {
		return nil
	}
	cur.lastSeq = lastSeq
	cur.updatedAt = m.now().UTC()
	return nil
}

func (m *Memory) ReceiverCursor(_ context.Context, receiverID, streamID string, epoch uint64) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.cursors[memCursorKey{receiverID: receiverID, streamID: streamID, epoch: epoch}]
	if !ok {
		return 0, false, nil
	}
	return cur.lastSeq, true, nil
}

func (m *Memory) LatestReceiverCursor(_ context.Context, receiverID, streamID string) (Cursor, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best Cursor
	found := false
	for key, cur := range m.cursors {
		if key.receiverID != receiverID || key.streamID != streamID {
			continue
		}
		pos := Cursor{Epoch: key.epoch, Seq: cur.lastSeq}
		if !found || best.Less(pos) {
			best = pos
			found = true
		}
	}
	return best, found, nil
}

func (m *Memory) PruneStaleCursors(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for key, cur := range m.cursors {
		if !cur.updatedAt.Before(cutoff) {
			continue
		}
		if s, ok := m.streams[key.streamID]; ok && s.StreamEpoch == key.epoch {
			continue
		}
		delete(m.cursors, key)
		deleted++
	}
	return deleted, nil
}

func (m *Memory) CreateDeviceToken(_ context.Context, tokenHash []byte, deviceType, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[string(tokenHash)] = &memToken{claims: Claims{DeviceType: deviceType, DeviceID: deviceID}}
	return nil
}

func (m *Memory) RevokeDeviceToken(_ context.Context, tokenHash []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[string(tokenHash)]
	if !ok {
		return ErrNotFound
	}
	tok.revoked = true
	return nil
}

func (m *Memory) ClaimsForTokenHash(_ context.Context, tokenHash []byte) (*Claims, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[string(tokenHash)]
	if !ok || tok.revoked {
		return nil, ErrNotFound
	}
	clone := tok.claims
	return &clone, nil
}

func (m *Memory) CreateRace(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raceSeq++
	id := fmt.Sprintf("race-%08d", m.raceSeq)
	m.races[id] = name
	return id, nil
}

func (m *Memory) MapStreamEpochToRace(_ context.Context, streamID string, epoch uint64, raceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.races[raceID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.streams[streamID]; !ok {
		return ErrNotFound
	}
	m.raceMap[raceKey{streamID: streamID, epoch: epoch}] = raceID
	return nil
}

func (m *Memory) UnmapStreamEpoch(_ context.Context, streamID string, epoch uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.raceMap, raceKey{streamID: streamID, epoch: epoch})
	return nil
}

func (m *Memory) RaceStreams(_ context.Context, raceID string) ([]RaceStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RaceStream
	for key, id := range m.raceMap {
		if id == raceID {
			out = append(out, RaceStream{StreamID: key.streamID, StreamEpoch: key.epoch})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StreamID != out[j].StreamID {
			return out[i].StreamID < out[j].StreamID
		}
		return out[i].StreamEpoch < out[j].StreamEpoch
	})
	return out, nil
}
