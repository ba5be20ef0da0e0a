// Package forwarder implements the edge process: per-reader TCP clients,
// the durable journal glue, local fan-out listeners, the websocket uplink
// with replay and acknowledgement cursors, and journal compaction.
package forwarder

import (
	"context"
	"net"
	"sync"

	"go.uber.org/zap"
)

// Fanout re-emits reader frames to local TCP consumers, live-only: a
// client that connects mid-stream sees only frames received after its
// accept. Slow clients are dropped rather than backpressuring the reader.
type Fanout struct {
	listener net.Listener
	log      *zap.Logger

	mu      sync.Mutex
	clients map[*fanoutClient]struct{}
	closed  bool
}

type fanoutClient struct {
	conn net.Conn
	send chan []byte
}

// NewFanout binds the local fan-out listener on addr.
func NewFanout(addr string, log *zap.Logger) (*Fanout, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Fanout{
		listener: listener,
		log:      log.With(zap.String("fanout_addr", listener.Addr().String())),
		clients:  make(map[*fanoutClient]struct{}),
	}, nil
}

// Addr reports the bound listener address.
func (f *Fanout) Addr() net.Addr { return f.listener.Addr() }

// Run accepts consumers until the context is cancelled.
func (f *Fanout) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		f.Close()
	}()
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		client := &fanoutClient{conn: conn, send: make(chan []byte, 256)}
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			conn.Close()
			return
		}
		f.clients[client] = struct{}{}
		f.mu.Unlock()
		go f.writeLoop(client)
	}
}

func (f *Fanout) writeLoop(client *fanoutClient) {
	defer func() {
		f.drop(client)
		client.conn.Close()
	}()
	for frame := range client.send {
		if _, err := client.conn.Write(frame); err != nil {
			return
		}
	}
}

func (f *Fanout) drop(client *fanoutClient) {
	f.mu.Lock()
	if _, ok := f.clients[client]; ok {
		delete(f.clients, client)
		close(client.send)
	}
	f.mu.Unlock()
}

// Publish queues a frame for every connected consumer. A consumer whose
// queue is full is disconnected; local delivery never blocks ingest.
func (f *Fanout) Publish(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for client := range f.clients {
		select {
		case client.send <- frame:
		default:
			delete(f.clients, client)
			close(client.send)
			f.log.Warn("dropping slow local consumer",
				zap.String("remote_addr", client.conn.RemoteAddr().String()))
		}
	}
}

// Close shuts the listener and disconnects every consumer.
func (f *Fanout) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for client := range f.clients {
		delete(f.clients, client)
		close(client.send)
	}
	f.mu.Unlock()
	_ = f.listener.Close()
}
