package journal

// Group is the unacked suffix of one (stream, epoch), ordered by seq.
type Group struct {
	StreamKey   string
	StreamEpoch uint64
	Events      []Event
}

// ReplayEngine computes, per stream, the unacked suffix above the
// persisted ack cursor. Consumed by the uplink at session start and on
// every steady-state flush.
type ReplayEngine struct {
	journal *Journal
}

// NewReplayEngine binds a replay engine to a journal.
func NewReplayEngine(j *Journal) *ReplayEngine {
	return &ReplayEngine{journal: j}
}

// Pending groups the stream's unacked events by epoch, epochs ascending,
// seqs ascending within each group. limit bounds the total event count
// across groups; <= 0 means unbounded.
func (r *ReplayEngine) Pending(streamKey string, limit int) ([]Group, error) {
	events, err := r.journal.Unacked(streamKey, limit)
	if err != nil {
		return nil, err
	}
	var groups []Group
	for _, ev := range events {
		if len(groups) == 0 || groups[len(groups)-1].StreamEpoch != ev.StreamEpoch {
			groups = append(groups, Group{StreamKey: streamKey, StreamEpoch: ev.StreamEpoch})
		}
		last := &groups[len(groups)-1]
		last.Events = append(last.Events, ev)
	}
	return groups, nil
}
