// receiver subscribes to streams on the central server and re-emits each
// stream to local TCP consumers, exactly as the reader hardware would.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"timerelay/internal/config"
	"timerelay/internal/logging"
	"timerelay/internal/receiver"
)

func main() {
	configPath := flag.String("config", "/etc/timerelay/receiver.toml", "path to the receiver configuration file")
	flag.Parse()

	cfg, err := config.LoadReceiver(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New("receiver", cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	state, err := receiver.OpenState(cfg.StatePath)
	if err != nil {
		logger.Fatal("failed to open local state", zap.Error(err))
	}
	defer state.Close()

	receiverID := cfg.ReceiverID
	if receiverID == "" {
		receiverID = "receiver-main"
	}
	if err := state.SaveProfile(receiver.Profile{
		ServerURL:  cfg.ServerURL,
		Token:      cfg.Token,
		ReceiverID: receiverID,
	}); err != nil {
		logger.Fatal("failed to save profile", zap.Error(err))
	}
	for _, sub := range cfg.Subscriptions {
		if err := state.AddSubscription(receiver.Subscription{
			ForwarderID:   sub.ForwarderID,
			ReaderAddress: sub.ReaderAddress,
			PortOverride:  sub.LocalPort,
		}); err != nil {
			logger.Fatal("failed to store subscription", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := receiver.NewEventBus()
	proxies := receiver.NewProxyManager(bus, logger)
	defer proxies.Shutdown()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			subs, err := state.Subscriptions()
			if err != nil {
				logger.Error("failed to load subscriptions", zap.Error(err))
			} else {
				proxies.Reconcile(subs)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	session := &receiver.Session{
		ServerURL:  cfg.ServerURL,
		Token:      cfg.Token,
		ReceiverID: receiverID,
		State:      state,
		Bus:        bus,
		Log:        logger.With(zap.String("component", "session")),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		session.Run(ctx)
	}()

	logger.Info("receiver started", zap.String("receiver_id", receiverID))
	<-ctx.Done()
	logger.Info("shutdown signal received")
	wg.Wait()
	logger.Info("receiver stopped")
}
