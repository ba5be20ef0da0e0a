package forwarder

import (
	"bufio"
	"context"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"timerelay/internal/ipico"
	"timerelay/internal/journal"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Reader is the per-reader TCP client: it connects with exponential
// backoff, reads line-delimited frames, journals each valid frame, and
// fans the raw line out to local consumers.
type Reader struct {
	// Target is the reader's "ip:port" endpoint; it doubles as the
	// stream key for the journal and the wire protocol.
	Target   string
	ReadType string

	Journal *journal.Journal
	Fanout  *Fanout
	Log     *zap.Logger

	// Notify, when set, wakes the uplink after each journaled frame
	// (immediate flush mode). Must not block.
	Notify func()

	// dial exists for tests; nil uses net.Dialer.
	dial func(ctx context.Context, addr string) (net.Conn, error)
}

// Run drives the connect/read state machine until ctx is cancelled.
func (r *Reader) Run(ctx context.Context) {
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("reader", r.Target))
	dial := r.dial
	if dial == nil {
		var d net.Dialer
		dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}

	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			log.Info("reader task stopping")
			return
		}
		conn, err := dial(ctx, r.Target)
		if err != nil {
			log.Warn("reader connect failed, retrying",
				zap.Error(err), zap.Duration("backoff", backoff))
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		log.Info("reader connected")
		backoff = initialBackoff

		// Seed stream state on first contact. The initial epoch is the
		// connect-time Unix timestamp so a rebuilt journal never reuses a
		// sequence space the server has already seen.
		if err := r.Journal.EnsureStream(r.Target, uint64(time.Now().Unix())); err != nil {
			log.Error("failed to initialise stream state", zap.Error(err))
			conn.Close()
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		r.readFrames(ctx, conn, log)
		conn.Close()

		if ctx.Err() != nil {
			log.Info("reader task stopping")
			return
		}
		log.Info("waiting before reconnect", zap.Duration("backoff", backoff))
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

// readFrames consumes lines until read error, peer close, or shutdown.
func (r *Reader) readFrames(ctx context.Context, conn net.Conn, log *zap.Logger) {
	// Cancellation closes the socket, aborting any blocked read.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), ipico.MaxLineBytes)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		read, err := ipico.Parse([]byte(line))
		if err != nil {
			log.Warn("skipping unparseable line", zap.String("line", line))
			continue
		}

		epoch, _, err := r.Journal.CurrentEpochAndNextSeq(r.Target)
		if err != nil {
			log.Error("failed to read stream state", zap.Error(err))
			return
		}
		seq, err := r.Journal.AllocateSeq(r.Target)
		if err != nil {
			log.Error("failed to allocate seq", zap.Error(err))
			return
		}
		if err := r.Journal.Append(r.Target, epoch, seq, read.Timestamp, []byte(line), r.ReadType); err != nil {
			log.Error("journal append failed", zap.Error(err))
			return
		}
		log.Debug("event journaled", zap.Uint64("stream_epoch", epoch), zap.Uint64("seq", seq))

		if r.Fanout != nil {
			r.Fanout.Publish(append([]byte(line), '\n'))
		}
		if r.Notify != nil {
			r.Notify()
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		log.Warn("reader read error, reconnecting", zap.Error(err))
	} else if ctx.Err() == nil {
		log.Warn("reader closed connection, reconnecting")
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

// sleepCtx waits for d, reporting false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
