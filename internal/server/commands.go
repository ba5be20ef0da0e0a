package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"timerelay/internal/protocol"
)

var (
	// ErrForwarderOffline indicates no session is connected for the device.
	ErrForwarderOffline = errors.New("forwarder is not connected")
	// ErrForwarderDisconnected is delivered to waiters whose forwarder
	// session ended before replying.
	ErrForwarderDisconnected = errors.New("forwarder disconnected")
	// ErrRequestTimeout indicates the forwarder did not reply in time.
	ErrRequestTimeout = errors.New("forwarder request timed out")
)

type forwarderCommand interface{ isForwarderCommand() }

type epochResetCommand struct {
	cmd protocol.EpochResetCommand
}

type configGetCommand struct {
	requestID string
	reply     chan configGetResult
}

type configSetCommand struct {
	requestID string
	section   string
	payload   json.RawMessage
	reply     chan configSetResult
}

type restartCommand struct {
	requestID string
	reply     chan restartResult
}

func (epochResetCommand) isForwarderCommand() {}
func (configGetCommand) isForwarderCommand()  {}
func (configSetCommand) isForwarderCommand()  {}
func (restartCommand) isForwarderCommand()    {}

type configGetResult struct {
	resp protocol.ConfigGetResponse
	err  error
}

type configSetResult struct {
	resp protocol.ConfigSetResponse
	err  error
}

type restartResult struct {
	resp protocol.RestartResponse
	err  error
}

// CommandRouter hands admin-initiated commands to the session loop that
// owns the target forwarder's websocket.
type CommandRouter struct {
	mu      sync.RWMutex
	senders map[string]chan forwarderCommand
}

// NewCommandRouter constructs an empty router.
func NewCommandRouter() *CommandRouter {
	return &CommandRouter{senders: make(map[string]chan forwarderCommand)}
}

func (r *CommandRouter) register(deviceID string) chan forwarderCommand {
	ch := make(chan forwarderCommand, 8)
	r.mu.Lock()
	r.senders[deviceID] = ch
	r.mu.Unlock()
	return ch
}

func (r *CommandRouter) unregister(deviceID string, ch chan forwarderCommand) {
	r.mu.Lock()
	if r.senders[deviceID] == ch {
		delete(r.senders, deviceID)
	}
	r.mu.Unlock()
}

func (r *CommandRouter) send(deviceID string, cmd forwarderCommand) error {
	r.mu.RLock()
	ch, ok := r.senders[deviceID]
	r.mu.RUnlock()
	if !ok {
		return ErrForwarderOffline
	}
	select {
	case ch <- cmd:
		return nil
	default:
		return ErrForwarderOffline
	}
}

// SendEpochReset enqueues an epoch reset for the forwarder's session.
func (r *CommandRouter) SendEpochReset(deviceID string, cmd protocol.EpochResetCommand) error {
	return r.send(deviceID, epochResetCommand{cmd: cmd})
}

// ConfigGet proxies a config read to the forwarder and waits for the
// correlated reply, the session's end, or the context deadline.
func (r *CommandRouter) ConfigGet(ctx context.Context, deviceID string) (protocol.ConfigGetResponse, error) {
	reply := make(chan configGetResult, 1)
	cmd := configGetCommand{requestID: NewSessionID(), reply: reply}
	if err := r.send(deviceID, cmd); err != nil {
		return protocol.ConfigGetResponse{}, err
	}
	select {
	case result := <-reply:
		return result.resp, result.err
	case <-ctx.Done():
		return protocol.ConfigGetResponse{}, ErrRequestTimeout
	}
}

// ConfigSet proxies a config write to the forwarder.
func (r *CommandRouter) ConfigSet(ctx context.Context, deviceID, section string, payload json.RawMessage) (protocol.ConfigSetResponse, error) {
	reply := make(chan configSetResult, 1)
	cmd := configSetCommand{requestID: NewSessionID(), section: section, payload: payload, reply: reply}
	if err := r.send(deviceID, cmd); err != nil {
		return protocol.ConfigSetResponse{}, err
	}
	select {
	case result := <-reply:
		return result.resp, result.err
	case <-ctx.Done():
		return protocol.ConfigSetResponse{}, ErrRequestTimeout
	}
}

// Restart asks the forwarder to restart itself.
func (r *CommandRouter) Restart(ctx context.Context, deviceID string) (protocol.RestartResponse, error) {
	reply := make(chan restartResult, 1)
	cmd := restartCommand{requestID: NewSessionID(), reply: reply}
	if err := r.send(deviceID, cmd); err != nil {
		return protocol.RestartResponse{}, err
	}
	select {
	case result := <-reply:
		return result.resp, result.err
	case <-ctx.Done():
		return protocol.RestartResponse{}, ErrRequestTimeout
	}
}

// pendingReplies correlates in-flight request ids with their waiters for
// one forwarder session. On session end Drain delivers a synthetic
// disconnect to every waiter so nothing blocks forever.
type pendingReplies struct {
	configGets map[string]chan configGetResult
	configSets map[string]chan configSetResult
	restarts   map[string]chan restartResult
}

func newPendingReplies() *pendingReplies {
	return &pendingReplies{
		configGets: make(map[string]chan configGetResult),
		configSets: make(map[string]chan configSetResult),
		restarts:   make(map[string]chan restartResult),
	}
}

func (p *pendingReplies) deliverConfigGet(resp protocol.ConfigGetResponse) {
	if ch, ok := p.configGets[resp.RequestID]; ok {
		delete(p.configGets, resp.RequestID)
		ch <- configGetResult{resp: resp}
	}
}

func (p *pendingReplies) deliverConfigSet(resp protocol.ConfigSetResponse) {
	if ch, ok := p.configSets[resp.RequestID]; ok {
		delete(p.configSets, resp.RequestID)
		ch <- configSetResult{resp: resp}
	}
}

func (p *pendingReplies) deliverRestart(resp protocol.RestartResponse) {
	if ch, ok := p.restarts[resp.RequestID]; ok {
		delete(p.restarts, resp.RequestID)
		ch <- restartResult{resp: resp}
	}
}

func (p *pendingReplies) drain() {
	for id, ch := range p.configGets {
		delete(p.configGets, id)
		ch <- configGetResult{err: ErrForwarderDisconnected}
	}
	for id, ch := range p.configSets {
		delete(p.configSets, id)
		ch <- configSetResult{err: ErrForwarderDisconnected}
	}
	for id, ch := range p.restarts {
		delete(p.restarts, id)
		ch <- restartResult{err: ErrForwarderDisconnected}
	}
}
