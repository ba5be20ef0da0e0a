package receiver

import (
	"context"
	"net"
	"sync"

	"go.uber.org/zap"
)

// LocalProxy binds one TCP listener for a subscribed stream and re-emits
// each event's raw frame followed by a newline. Live-only: clients see no
// replay of frames that arrived before their accept.
type LocalProxy struct {
	Port int

	listener net.Listener
	sub      *BusSub
	log      *zap.Logger
	cancel   context.CancelFunc

	mu      sync.Mutex
	clients map[*proxyClient]struct{}
	closed  bool
}

type proxyClient struct {
	conn net.Conn
	send chan []byte
}

// StartProxy binds the listener and starts the accept and pump loops.
func StartProxy(port int, bus *EventBus, streamKey string, log *zap.Logger) (*LocalProxy, error) {
	listener, err := net.Listen("tcp", FormatAddr(port))
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	proxy := &LocalProxy{
		Port:     port,
		listener: listener,
		sub:      bus.Subscribe(streamKey),
		log:      log.With(zap.String("stream", streamKey), zap.Int("port", port)),
		cancel:   cancel,
		clients:  make(map[*proxyClient]struct{}),
	}
	go proxy.acceptLoop()
	go proxy.pumpLoop(ctx)
	return proxy, nil
}

func (p *LocalProxy) acceptLoop() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return
		}
		client := &proxyClient{conn: conn, send: make(chan []byte, 256)}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			conn.Close()
			return
		}
		p.clients[client] = struct{}{}
		p.mu.Unlock()
		go p.writeLoop(client)
	}
}

func (p *LocalProxy) pumpLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-p.sub.Events():
			frame := append([]byte(event.RawFrame), '\n')
			p.mu.Lock()
			for client := range p.clients {
				select {
				case client.send <- frame:
				default:
					delete(p.clients, client)
					close(client.send)
					p.log.Warn("dropping slow proxy consumer",
						zap.String("remote_addr", client.conn.RemoteAddr().String()))
				}
			}
			p.mu.Unlock()
		}
	}
}

func (p *LocalProxy) writeLoop(client *proxyClient) {
	defer func() {
		p.mu.Lock()
		if _, ok := p.clients[client]; ok {
			delete(p.clients, client)
			close(client.send)
		}
		p.mu.Unlock()
		client.conn.Close()
	}()
	for frame := range client.send {
		if _, err := client.conn.Write(frame); err != nil {
			return
		}
	}
}

// Shutdown releases the listener, the bus subscription, and every client.
func (p *LocalProxy) Shutdown() {
	p.cancel()
	p.sub.Close()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for client := range p.clients {
		delete(p.clients, client)
		close(client.send)
	}
	p.mu.Unlock()
	_ = p.listener.Close()
}

// ProxyManager reconciles running proxies against the desired
// subscription set: removed streams stop their proxy, new streams start
// one, and port collisions are reported and skipped.
type ProxyManager struct {
	bus     *EventBus
	log     *zap.Logger
	proxies map[string]*LocalProxy
	// Status records the latest per-subscription port outcome.
	mu     sync.Mutex
	status map[string]PortAssignment
}

// NewProxyManager constructs a manager over the shared event bus.
func NewProxyManager(bus *EventBus, log *zap.Logger) *ProxyManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &ProxyManager{
		bus:     bus,
		log:     log,
		proxies: make(map[string]*LocalProxy),
		status:  make(map[string]PortAssignment),
	}
}

// Reconcile brings the running proxies in line with subs.
func (m *ProxyManager) Reconcile(subs []Subscription) {
	assignments := ResolvePorts(subs)

	m.mu.Lock()
	m.status = assignments
	m.mu.Unlock()

	desired := make(map[string]struct{}, len(assignments))
	for key, assignment := range assignments {
		if assignment.CollidesWith == "" {
			desired[key] = struct{}{}
		}
	}
	for key, proxy := range m.proxies {
		if _, want := desired[key]; !want {
			m.log.Info("stopping local proxy", zap.String("stream", key), zap.Int("port", proxy.Port))
			proxy.Shutdown()
			delete(m.proxies, key)
		}
	}
	for _, sub := range subs {
		key := sub.Key()
		if _, running := m.proxies[key]; running {
			continue
		}
		assignment := assignments[key]
		if assignment.CollidesWith != "" {
			m.log.Warn("port collision, skipping proxy",
				zap.String("stream", key),
				zap.Int("port", assignment.Port),
				zap.String("collides_with", assignment.CollidesWith))
			continue
		}
		proxy, err := StartProxy(assignment.Port, m.bus, key, m.log)
		if err != nil {
			m.log.Error("failed to bind local proxy",
				zap.String("stream", key), zap.Int("port", assignment.Port), zap.Error(err))
			continue
		}
		m.log.Info("local proxy started", zap.String("stream", key), zap.Int("port", assignment.Port))
		m.proxies[key] = proxy
	}
}

// Status reports the latest port assignment per subscription key.
func (m *ProxyManager) Status() map[string]PortAssignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]PortAssignment, len(m.status))
	for k, v := range m.status {
		out[k] = v
	}
	return out
}

// Shutdown stops every running proxy.
func (m *ProxyManager) Shutdown() {
	for key, proxy := range m.proxies {
		proxy.Shutdown()
		delete(m.proxies, key)
	}
}
