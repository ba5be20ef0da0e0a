// forwarder reads frames from IPICO timing hardware, journals them
// durably, re-emits them to local TCP consumers, and streams them to the
// central server over an authenticated websocket session.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"timerelay/internal/config"
	"timerelay/internal/forwarder"
	"timerelay/internal/journal"
	"timerelay/internal/logging"
	"timerelay/internal/receiver"
)

func main() {
	configPath := flag.String("config", "/etc/timerelay/forwarder.toml", "path to the forwarder configuration file")
	flag.Parse()

	cfg, err := config.LoadForwarder(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New("forwarder", cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	forwarderID := cfg.ForwarderID
	if forwarderID == "" {
		forwarderID = deriveForwarderID(cfg.Token)
	}
	logger.Info("forwarder starting", zap.String("forwarder_id", forwarderID))

	jnl, err := journal.Open(cfg.JournalPath)
	if err != nil {
		logger.Fatal("failed to open journal", zap.Error(err))
	}
	defer jnl.Close()
	logger.Info("journal opened", zap.String("path", cfg.JournalPath))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	var readerKeys []string

	uplink := &forwarder.Uplink{
		ServerURL:      cfg.ServerURL,
		Token:          cfg.Token,
		ForwarderID:    forwarderID,
		DisplayName:    cfg.DisplayName,
		BatchMode:      cfg.Uplink.BatchMode,
		FlushInterval:  time.Duration(cfg.Uplink.BatchFlushMs) * time.Millisecond,
		MaxBatchEvents: cfg.Uplink.BatchMaxEvents,
		Journal:        jnl,
		Control:        newFileControl(*configPath, cfg, stop, logger),
		Log:            logger.With(zap.String("component", "uplink")),
	}

	for _, readerCfg := range cfg.Readers {
		if !readerCfg.Enabled {
			logger.Info("reader disabled, skipping", zap.String("target", readerCfg.Target))
			continue
		}
		port := readerCfg.LocalFanoutPort
		if port == 0 {
			// Same deterministic mapping the receiver proxies use, so local
			// consumers find a stream on the same port at either tier.
			port = receiver.DefaultPort(readerCfg.Target)
		}
		fanout, err := forwarder.NewFanout(fmt.Sprintf("0.0.0.0:%d", port), logger)
		if err != nil {
			logger.Fatal("failed to bind local fanout",
				zap.String("target", readerCfg.Target), zap.Int("port", port), zap.Error(err))
		}
		logger.Info("local fanout listening",
			zap.String("target", readerCfg.Target), zap.String("addr", fanout.Addr().String()))
		wg.Add(1)
		go func() {
			defer wg.Done()
			fanout.Run(ctx)
		}()

		reader := &forwarder.Reader{
			Target:   readerCfg.Target,
			ReadType: readerCfg.ReadType,
			Journal:  jnl,
			Fanout:   fanout,
			Log:      logger,
			Notify:   uplink.NotifyAppend,
		}
		readerKeys = append(readerKeys, readerCfg.Target)
		wg.Add(1)
		go func() {
			defer wg.Done()
			reader.Run(ctx)
		}()
	}
	uplink.ReaderKeys = readerKeys

	wg.Add(1)
	go func() {
		defer wg.Done()
		uplink.Run(ctx)
	}()

	var archive *journal.ArchiveWriter
	if cfg.PruneArchiveDir != "" {
		archive, err = journal.NewArchiveWriter(cfg.PruneArchiveDir, nil)
		if err != nil {
			logger.Fatal("failed to initialise prune archive", zap.Error(err))
		}
	}
	pruner := &forwarder.Pruner{Journal: jnl, Archive: archive, Batch: cfg.PruneBatch, Log: logger}
	wg.Add(1)
	go func() {
		defer wg.Done()
		pruner.Run(ctx)
	}()

	logger.Info("forwarder initialised", zap.Int("readers", len(readerKeys)))
	<-ctx.Done()
	logger.Info("shutdown signal received")
	wg.Wait()
	logger.Info("forwarder stopped")
}

// deriveForwarderID derives a stable identity from the token: "fwd-" plus
// the first 16 hex characters of its SHA-256.
func deriveForwarderID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "fwd-" + hex.EncodeToString(sum[:])[:16]
}
