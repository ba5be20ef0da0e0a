package forwarder

import (
	"context"
	"time"

	"go.uber.org/zap"

	"timerelay/internal/journal"
)

const pruneInterval = time.Minute

// Pruner periodically compacts acked journal rows in bounded batches,
// optionally archiving the deleted rows as gzip artifacts.
type Pruner struct {
	Journal *journal.Journal
	Archive *journal.ArchiveWriter // nil disables archiving
	Batch   int
	Log     *zap.Logger
}

// Run sweeps every stream once per interval until ctx is cancelled.
func (p *Pruner) Run(ctx context.Context) {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	batch := p.Batch
	if batch <= 0 {
		batch = 1000
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		keys, err := p.Journal.StreamKeys()
		if err != nil {
			log.Error("failed to list journal streams", zap.Error(err))
			continue
		}
		for _, key := range keys {
			pruned, err := p.Journal.PruneAcked(key, batch)
			if err != nil {
				log.Error("journal prune failed", zap.Error(err), zap.String("stream", key))
				continue
			}
			if len(pruned) == 0 {
				continue
			}
			if p.Archive != nil {
				if path, err := p.Archive.Write(key, pruned); err != nil {
					log.Warn("prune archive failed", zap.Error(err), zap.String("stream", key))
				} else {
					log.Debug("prune archive written", zap.String("path", path))
				}
			}
			log.Info("pruned acked journal rows",
				zap.String("stream", key), zap.Int("rows", len(pruned)))
		}
	}
}
