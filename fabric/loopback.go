package fabric

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Loopback returns a Connector backed by an in-process simulated provider.
// Dialed calls are answered immediately and media stays local. Used for
// development builds and integration tests; a real provider binding supplies
// its own Connector.
func Loopback() Connector {
	return func(ctx context.Context, opts ConnectOptions) (Client, error) {
		if opts.Token == "" {
			return nil, fmt.Errorf("loopback: connect without token")
		}
		return &loopbackClient{
			token:  opts.Token,
			host:   opts.Host,
			events: make(chan Event, 16),
		}, nil
	}
}

// InviteSimulator is implemented by the loopback client so callers can inject
// inbound call offers as if pushed by the provider.
type InviteSimulator interface {
	SimulateInvite(details InviteDetails)
}

type loopbackClient struct {
	mu       sync.Mutex
	token    string
	host     string
	online   bool
	closed   bool
	onInvite InviteHandler
	events   chan Event
}

func (c *loopbackClient) Online(ctx context.Context, onInvite InviteHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("loopback: client disconnected")
	}
	c.online = true
	c.onInvite = onInvite
	return nil
}

func (c *loopbackClient) Offline(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online = false
	c.onInvite = nil
	return nil
}

func (c *loopbackClient) Dial(ctx context.Context, params DialParams) (Call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("loopback: client disconnected")
	}
	call := &loopbackCall{
		client:     c,
		id:         uuid.NewString(),
		answeredAt: time.Now().Unix(),
		stream:     &loopbackStream{tracks: []AudioTrack{&loopbackTrack{enabled: true}}},
	}
	c.emitLocked(Event{Name: EventCallState, Payload: map[string]any{
		"params": map[string]any{
			"call_state": "answered",
			"call_id":    call.id,
			"direction":  "outbound",
		},
	}})
	return call, nil
}

func (c *loopbackClient) UpdateToken(ctx context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("loopback: client disconnected")
	}
	c.token = token
	return nil
}

func (c *loopbackClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.online = false
	c.onInvite = nil
	close(c.events)
	return nil
}

func (c *loopbackClient) Events() <-chan Event {
	return c.events
}

// SimulateInvite delivers an inbound offer to the registered handler. Offers
// arriving while the client is not online are dropped, matching provider
// behavior for unregistered clients.
func (c *loopbackClient) SimulateInvite(details InviteDetails) {
	c.mu.Lock()
	handler := c.onInvite
	c.mu.Unlock()
	if handler == nil {
		return
	}
	handler(&loopbackInvite{client: c, details: details})
}

func (c *loopbackClient) emitLocked(ev Event) {
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}

func (c *loopbackClient) emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitLocked(ev)
}

type loopbackInvite struct {
	client  *loopbackClient
	details InviteDetails

	mu       sync.Mutex
	consumed bool
}

func (i *loopbackInvite) Details() InviteDetails { return i.details }

func (i *loopbackInvite) Accept(ctx context.Context, params MediaParams) (Call, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.consumed {
		return nil, fmt.Errorf("loopback: invite already consumed")
	}
	i.consumed = true
	return &loopbackCall{
		client:     i.client,
		id:         uuid.NewString(),
		answeredAt: time.Now().Unix(),
		stream:     &loopbackStream{tracks: []AudioTrack{&loopbackTrack{enabled: true}}},
	}, nil
}

func (i *loopbackInvite) Reject(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.consumed {
		return fmt.Errorf("loopback: invite already consumed")
	}
	i.consumed = true
	return nil
}

type loopbackCall struct {
	client     *loopbackClient
	id         string
	answeredAt int64
	stream     *loopbackStream

	mu     sync.Mutex
	digits string
	ended  bool
}

func (c *loopbackCall) ID() string { return c.id }

func (c *loopbackCall) Hangup(ctx context.Context) error {
	c.end("hangup", "local")
	return nil
}

// RemoteHangup simulates the far end terminating the call.
func (c *loopbackCall) RemoteHangup() {
	c.end("cancel", "remote")
}

func (c *loopbackCall) end(reason, source string) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.mu.Unlock()
	c.client.emit(Event{Name: EventCallState, Payload: map[string]any{
		"params": map[string]any{
			"call_state":  "ended",
			"call_id":     c.id,
			"answer_time": c.answeredAt,
			"end_reason":  reason,
			"end_source":  source,
		},
	}})
}

func (c *loopbackCall) SendDigits(ctx context.Context, digits string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return fmt.Errorf("loopback: call already ended")
	}
	c.digits += digits
	return nil
}

// SentDigits reports every digit transmitted on this call.
func (c *loopbackCall) SentDigits() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.digits
}

func (c *loopbackCall) LocalStream() MediaStream { return c.stream }

type loopbackStream struct {
	tracks []AudioTrack
}

func (s *loopbackStream) AudioTracks() []AudioTrack { return s.tracks }

type loopbackTrack struct {
	mu      sync.Mutex
	enabled bool
}

func (t *loopbackTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

// Enabled reports whether the track is currently live.
func (t *loopbackTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}
