package main

import (
	"context"
	"sync"

	"github.com/briankwest/swdialer/fabric"
)

// fakeClient implements fabric.Client (and fabric.TokenUpdater) for tests.
type fakeClient struct {
	mu           sync.Mutex
	onlineErrs   []error
	onlineCalls  int
	offlineCalls int
	onInvite     fabric.InviteHandler
	dialErr      error
	dialed       []fabric.DialParams
	dialCall     *fakeCall
	tokens       []string
	updateErr    error
	disconnected bool
	events       chan fabric.Event
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan fabric.Event, 16)}
}

func (c *fakeClient) Online(ctx context.Context, onInvite fabric.InviteHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onlineCalls++
	if len(c.onlineErrs) > 0 {
		err := c.onlineErrs[0]
		c.onlineErrs = c.onlineErrs[1:]
		if err != nil {
			return err
		}
	}
	c.onInvite = onInvite
	return nil
}

func (c *fakeClient) Offline(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offlineCalls++
	c.onInvite = nil
	return nil
}

func (c *fakeClient) Dial(ctx context.Context, params fabric.DialParams) (fabric.Call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialed = append(c.dialed, params)
	if c.dialErr != nil {
		return nil, c.dialErr
	}
	if c.dialCall == nil {
		c.dialCall = &fakeCall{id: "call-1"}
	}
	return c.dialCall, nil
}

func (c *fakeClient) UpdateToken(ctx context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.updateErr != nil {
		return c.updateErr
	}
	c.tokens = append(c.tokens, token)
	return nil
}

func (c *fakeClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.disconnected {
		c.disconnected = true
		close(c.events)
	}
	return nil
}

func (c *fakeClient) Events() <-chan fabric.Event {
	return c.events
}

func (c *fakeClient) emit(ev fabric.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.disconnected {
		c.events <- ev
	}
}

func (c *fakeClient) deliverInvite(inv fabric.Invite) bool {
	c.mu.Lock()
	handler := c.onInvite
	c.mu.Unlock()
	if handler == nil {
		return false
	}
	handler(inv)
	return true
}

func (c *fakeClient) stats() (online, offline, dials int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onlineCalls, c.offlineCalls, len(c.dialed)
}

// noUpdateClient strips the TokenUpdater capability from a fakeClient.
type noUpdateClient struct {
	inner *fakeClient
}

func (c *noUpdateClient) Online(ctx context.Context, onInvite fabric.InviteHandler) error {
	return c.inner.Online(ctx, onInvite)
}
func (c *noUpdateClient) Offline(ctx context.Context) error { return c.inner.Offline(ctx) }
func (c *noUpdateClient) Dial(ctx context.Context, params fabric.DialParams) (fabric.Call, error) {
	return c.inner.Dial(ctx, params)
}
func (c *noUpdateClient) Disconnect(ctx context.Context) error { return c.inner.Disconnect(ctx) }
func (c *noUpdateClient) Events() <-chan fabric.Event          { return c.inner.Events() }

type fakeInvite struct {
	mu        sync.Mutex
	details   fabric.InviteDetails
	acceptErr error
	rejectErr error
	accepted  int
	rejected  int
	call      *fakeCall
}

func (i *fakeInvite) Details() fabric.InviteDetails { return i.details }

func (i *fakeInvite) Accept(ctx context.Context, params fabric.MediaParams) (fabric.Call, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.accepted++
	if i.acceptErr != nil {
		return nil, i.acceptErr
	}
	if i.call == nil {
		i.call = &fakeCall{id: "accepted-1"}
	}
	return i.call, nil
}

func (i *fakeInvite) Reject(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.rejected++
	return i.rejectErr
}

type fakeCall struct {
	mu        sync.Mutex
	id        string
	hangupErr error
	digitsErr error
	hangups   int
	digits    string
}

func (c *fakeCall) ID() string {
	return c.id
}

func (c *fakeCall) Hangup(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hangups++
	return c.hangupErr
}

func (c *fakeCall) SendDigits(ctx context.Context, digits string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.digitsErr != nil {
		return c.digitsErr
	}
	c.digits += digits
	return nil
}

func (c *fakeCall) sentDigits() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.digits
}

func (c *fakeCall) hangupCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hangups
}

// fakeConnector hands out clients and counts connection attempts.
type fakeConnector struct {
	mu       sync.Mutex
	connects int
	errs     []error
	clients  []fabric.Client
	// gate, when set, blocks connect attempts until released.
	gate chan struct{}
}

func (f *fakeConnector) connector() fabric.Connector {
	return func(ctx context.Context, opts fabric.ConnectOptions) (fabric.Client, error) {
		f.mu.Lock()
		gate := f.gate
		f.mu.Unlock()
		if gate != nil {
			<-gate
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		f.connects++
		if len(f.errs) > 0 {
			err := f.errs[0]
			f.errs = f.errs[1:]
			if err != nil {
				return nil, err
			}
		}
		var client fabric.Client
		if len(f.clients) > 0 {
			client = f.clients[0]
			if len(f.clients) > 1 {
				f.clients = f.clients[1:]
			}
		} else {
			client = newFakeClient()
		}
		return client, nil
	}
}

func (f *fakeConnector) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}
