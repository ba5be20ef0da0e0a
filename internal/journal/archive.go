package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/klauspost/compress/gzip"
)

var streamKeyCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// ArchiveWriter persists pruned journal rows as gzip JSONL artifacts so
// bounded-work compaction never silently discards history.
type ArchiveWriter struct {
	dir string
	now func() time.Time
}

// NewArchiveWriter creates the archive directory if needed. clock is
// optional and exists for deterministic tests.
func NewArchiveWriter(dir string, clock func() time.Time) (*ArchiveWriter, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive directory must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &ArchiveWriter{dir: dir, now: clock}, nil
}

type archiveRow struct {
	StreamKey       string `json:"stream_key"`
	StreamEpoch     uint64 `json:"stream_epoch"`
	Seq             uint64 `json:"seq"`
	ReaderTimestamp string `json:"reader_timestamp,omitempty"`
	RawFrame        string `json:"raw_frame"`
	ReadType        string `json:"read_type"`
	ReceivedAt      string `json:"received_at"`
}

// Write stores the pruned rows for one stream and returns the artifact
// path. An empty slice is a no-op.
func (w *ArchiveWriter) Write(streamKey string, events []Event) (string, error) {
	if w == nil || len(events) == 0 {
		return "", nil
	}
	cleaned := streamKeyCleaner.ReplaceAllString(streamKey, "_")
	name := fmt.Sprintf("prune-%s-%s.jsonl.gz", cleaned, w.now().UTC().Format("20060102T150405"))
	path := filepath.Join(w.dir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	gz := gzip.NewWriter(file)
	enc := json.NewEncoder(gz)
	for _, ev := range events {
		row := archiveRow{
			StreamKey:       ev.StreamKey,
			StreamEpoch:     ev.StreamEpoch,
			Seq:             ev.Seq,
			ReaderTimestamp: ev.ReaderTimestamp,
			RawFrame:        string(ev.RawFrame),
			ReadType:        ev.ReadType,
			ReceivedAt:      ev.ReceivedAt,
		}
		if err := enc.Encode(&row); err != nil {
			gz.Close()
			file.Close()
			return "", err
		}
	}
	if err := gz.Close(); err != nil {
		file.Close()
		return "", err
	}
	if err := file.Close(); err != nil {
		return "", err
	}
	return path, nil
}
