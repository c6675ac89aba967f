package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tevino/abool"

	"github.com/briankwest/swdialer/fabric"
)

const (
	// registerRetryDelay is the fixed wait between failed registration
	// attempts. A connected-but-unregistered session silently drops all
	// inbound calls, so this loop never gives up and never surfaces.
	registerRetryDelay = 2 * time.Second
	// reconnectRetryDelay is the fixed wait between failed reconnects.
	reconnectRetryDelay = 5 * time.Second
)

var (
	// ErrNoInvite reports an answer or reject with no pending offer.
	ErrNoInvite = errors.New("no incoming call")
	// ErrCallInProgress reports an accept while a call already exists.
	ErrCallInProgress = errors.New("call already in progress")
	// ErrNotConnected reports an operation requiring a live client.
	ErrNotConnected = errors.New("provider client not connected")
)

// SessionManager owns the single connection to the telephony provider and
// the singleton Invite and Call references. Only it may create or destroy
// them; other components receive read access or narrow action methods.
type SessionManager struct {
	settings  *Settings
	creds     *CredentialManager
	connector fabric.Connector
	clock     Clock
	norm      *Normalizer

	// onUp is invoked after every successful connect, including retry
	// successes, so observers can track transport availability.
	onUp func()

	mu        sync.Mutex
	client    fabric.Client
	invite    fabric.Invite
	call      fabric.Call
	sessionID string

	// Guard flags for async-spanning operations, each set before the
	// operation's first blocking step.
	initializing *abool.AtomicBool
	initialized  *abool.AtomicBool
	online       *abool.AtomicBool
	listening    *abool.AtomicBool
	reconnecting *abool.AtomicBool

	initMu   sync.Mutex
	initDone chan struct{}
	initErr  error
}

// NewSessionManager creates a session manager. Nothing connects until
// Initialize.
func NewSessionManager(settings *Settings, creds *CredentialManager, connector fabric.Connector, clock Clock, norm *Normalizer) *SessionManager {
	return &SessionManager{
		settings:     settings,
		creds:        creds,
		connector:    connector,
		clock:        clock,
		norm:         norm,
		initializing: abool.New(),
		initialized:  abool.New(),
		online:       abool.New(),
		listening:    abool.New(),
		reconnecting: abool.New(),
	}
}

// SetOnUp registers the transport-available callback. Must be set before
// Initialize.
func (s *SessionManager) SetOnUp(fn func()) {
	s.onUp = fn
}

// Initialize acquires a token, opens the transport, registers for inbound
// calls and arms the refresh timer. Idempotent and re-entrant-safe:
// concurrent callers while an attempt is in flight await that attempt and
// observe its result rather than starting a second one.
func (s *SessionManager) Initialize(ctx context.Context) error {
	if s.initialized.IsSet() {
		sessionLog.Debug("already initialized, skipping")
		return nil
	}

	s.initMu.Lock()
	if s.initializing.IsSet() {
		done := s.initDone
		s.initMu.Unlock()
		sessionLog.Debug("initialization already in progress, awaiting")
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.initMu.Lock()
		err := s.initErr
		s.initMu.Unlock()
		return err
	}
	// Set before the first blocking step so a racing caller awaits us.
	s.initializing.Set()
	s.initDone = make(chan struct{})
	s.initMu.Unlock()

	sessionLog.Info("initializing provider session")
	err := s.connect(ctx)

	s.initMu.Lock()
	s.initErr = err
	if err == nil {
		s.initialized.Set()
	}
	s.initializing.UnSet()
	close(s.initDone)
	s.initMu.Unlock()

	if err != nil {
		sessionLog.Errorf("initialization failed: %v", err)
		return err
	}
	sessionLog.Info("provider session initialized")
	return nil
}

// connect performs one full connection attempt: token, transport,
// registration, event pump, refresh timer.
func (s *SessionManager) connect(ctx context.Context) error {
	token := s.creds.Token()
	if token == nil {
		var err error
		token, err = s.creds.Obtain(ctx)
		if err != nil {
			return err
		}
	}

	host := s.settings.ProviderHost()
	if host == "" {
		host = token.SpaceName
	}

	client, err := s.connector(ctx, fabric.ConnectOptions{Token: token.Token, Host: host})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.client = client
	s.sessionID = uuid.NewString()
	sid := s.sessionID
	s.mu.Unlock()
	sessionLog.WithField("session_id", sid).Info("transport connected")

	// A connection that cannot receive calls is not considered online;
	// register immediately. Failures retry in the background.
	s.register(ctx)
	s.startPump(client)
	s.creds.ScheduleRefresh()

	if s.onUp != nil {
		s.onUp()
	}
	return nil
}

// register goes online to receive inbound calls. Idempotent: a no-op while
// already online. Failures are never surfaced; a retry is armed instead.
func (s *SessionManager) register(ctx context.Context) {
	// Set before the blocking call so a concurrent attempt skips instead of
	// registering the same client twice.
	if !s.online.SetToIf(false, true) {
		sessionLog.Debug("already online or registering, skipping")
		return
	}

	client := s.currentClient()
	if client == nil {
		sessionLog.Debug("no client, skipping registration")
		s.online.UnSet()
		return
	}

	if err := client.Online(ctx, s.handleInvite); err != nil {
		sessionLog.Errorf("registration for inbound calls failed, retrying in %s: %v", registerRetryDelay, err)
		s.online.UnSet()
		s.clock.AfterFunc(registerRetryDelay, func() {
			s.register(context.Background())
		})
		return
	}

	sessionLog.Info("registered for inbound calls, session online")
}

// startPump forwards raw provider events to the normalizer. Armed at most
// once per connection lifetime: re-registering listeners duplicates events
// on reconnect.
func (s *SessionManager) startPump(client fabric.Client) {
	if !s.listening.SetToIf(false, true) {
		sessionLog.Debug("event pump already running, skipping")
		return
	}
	go func() {
		for ev := range client.Events() {
			s.norm.HandleEvent(ev)
		}
		sessionLog.Debug("provider event stream closed")
	}()
}

// handleInvite stores the pending offer and forwards it for normalization.
// While an invite or call is outstanding the stored reference is left alone
// and the superseding offer is declined directly: an invite is consumed only
// by accept, reject or a terminal event, never displaced by a later offer.
func (s *SessionManager) handleInvite(invite fabric.Invite) {
	s.mu.Lock()
	busy := s.invite != nil || s.call != nil
	if !busy {
		s.invite = invite
	}
	s.mu.Unlock()

	if busy {
		sessionLog.Warnf("offer from %s while another call or offer is active, rejecting",
			invite.Details().CallerIDNumber)
		if err := invite.Reject(context.Background()); err != nil {
			sessionLog.Debugf("busy reject (ignored): %v", err)
		}
		return
	}
	s.norm.HandleInvite(invite.Details())
}

// Reconnect tears down the existing transport for a clean slate and
// re-initializes with the current token. Teardown errors are swallowed; a
// failed reconnect is retried after a fixed delay.
func (s *SessionManager) Reconnect(ctx context.Context) error {
	if !s.reconnecting.SetToIf(false, true) {
		sessionLog.Debug("reconnect already in progress, skipping")
		return nil
	}
	retry := false
	defer func() {
		s.reconnecting.UnSet()
		if retry {
			s.clock.AfterFunc(reconnectRetryDelay, func() {
				_ = s.Reconnect(context.Background())
			})
		}
	}()

	sessionLog.Info("reconnecting to provider")

	s.online.UnSet()
	s.listening.UnSet()

	s.mu.Lock()
	old := s.client
	s.client = nil
	s.invite = nil
	s.call = nil
	s.mu.Unlock()

	if old != nil {
		if err := old.Disconnect(ctx); err != nil {
			sessionLog.Debugf("teardown during reconnect (ignored): %v", err)
		}
	}

	if s.creds.Token() == nil {
		if _, err := s.creds.Obtain(ctx); err != nil {
			sessionLog.Errorf("reconnect failed, retrying in %s: %v", reconnectRetryDelay, err)
			retry = true
			return err
		}
	}

	if err := s.connect(ctx); err != nil {
		sessionLog.Errorf("reconnect failed, retrying in %s: %v", reconnectRetryDelay, err)
		retry = true
		return err
	}

	sessionLog.Info("reconnected")
	return nil
}

// ApplyToken pushes a refreshed token into the live session, in place when
// the transport supports it and via full reconnect otherwise.
func (s *SessionManager) ApplyToken(ctx context.Context, token *TokenData) error {
	client := s.currentClient()
	if client == nil {
		return s.Reconnect(ctx)
	}
	if updater, ok := client.(fabric.TokenUpdater); ok {
		if err := updater.UpdateToken(ctx, token.Token); err != nil {
			return err
		}
		sessionLog.Info("token updated without disconnecting")
		return nil
	}
	sessionLog.Info("in-place token update not supported, reconnecting")
	return s.Reconnect(ctx)
}

// Disconnect tears the session down for process shutdown. Never invoked on
// transient UI unmount: the transport must survive re-renders. A no-op
// without a connection. Every step is wrapped so one failure cannot block
// the next.
func (s *SessionManager) Disconnect(ctx context.Context) {
	s.mu.Lock()
	client := s.client
	call := s.call
	s.client = nil
	s.call = nil
	s.invite = nil
	s.mu.Unlock()

	if client == nil {
		sessionLog.Debug("disconnect without a client, ignoring")
		return
	}

	sessionLog.Info("disconnecting provider session")

	s.creds.StopRefresh()

	if call != nil {
		if err := call.Hangup(ctx); err != nil {
			sessionLog.Debugf("hangup during disconnect (ignored): %v", err)
		}
	}

	if err := client.Offline(ctx); err != nil {
		sessionLog.Debugf("offline during disconnect (ignored): %v", err)
	}
	s.online.UnSet()

	if err := client.Disconnect(ctx); err != nil {
		sessionLog.Debugf("client disconnect (ignored): %v", err)
	}

	s.listening.UnSet()
	s.initialized.UnSet()
}

// Dial places an outbound call through the live client. The returned handle
// is not yet adopted; callers confirm against the state machine first.
func (s *SessionManager) Dial(ctx context.Context, to string) (fabric.Call, error) {
	client := s.currentClient()
	if client == nil {
		// Attempt recovery with the current token before giving up.
		if s.creds.Token() == nil {
			return nil, ErrNotConnected
		}
		if err := s.Reconnect(ctx); err != nil {
			return nil, ErrNotConnected
		}
		if client = s.currentClient(); client == nil {
			return nil, ErrNotConnected
		}
	}

	call, err := client.Dial(ctx, fabric.DialParams{
		To:             to,
		CallerIDName:   s.settings.CallerIDName(),
		CallerIDNumber: s.settings.CallerIDNumber(),
		Audio:          true,
	})
	if err != nil {
		return nil, err
	}
	return call, nil
}

// AdoptCall installs the dialed call as the active one.
func (s *SessionManager) AdoptCall(call fabric.Call) {
	s.mu.Lock()
	s.call = call
	s.mu.Unlock()
}

// AcceptInvite promotes the pending invite to the active call. The invite
// reference is cleared atomically with taking it, so a duplicate accept
// cannot race into a renegotiation loop.
func (s *SessionManager) AcceptInvite(ctx context.Context) (fabric.Call, error) {
	s.mu.Lock()
	if s.call != nil {
		s.mu.Unlock()
		return nil, ErrCallInProgress
	}
	invite := s.invite
	s.invite = nil
	s.mu.Unlock()

	if invite == nil {
		return nil, ErrNoInvite
	}

	call, err := invite.Accept(ctx, fabric.MediaParams{Audio: true})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.call = call
	s.mu.Unlock()
	return call, nil
}

// RejectInvite declines the pending invite. The reference is cleared
// regardless of the outcome so the UI is never stuck on a dead offer.
func (s *SessionManager) RejectInvite(ctx context.Context) error {
	s.mu.Lock()
	invite := s.invite
	s.invite = nil
	s.mu.Unlock()

	if invite == nil {
		return ErrNoInvite
	}
	return invite.Reject(ctx)
}

// HangupCall ends the active call. A no-op without one; the reference is
// cleared by the terminal event, or immediately if the hangup itself fails.
func (s *SessionManager) HangupCall(ctx context.Context) error {
	s.mu.Lock()
	call := s.call
	s.mu.Unlock()

	if call == nil {
		return nil
	}
	if err := call.Hangup(ctx); err != nil {
		s.mu.Lock()
		s.call = nil
		s.mu.Unlock()
		return err
	}
	return nil
}

// ClearCall drops the active call and any pending invite after a terminal
// signal.
func (s *SessionManager) ClearCall() {
	s.mu.Lock()
	s.call = nil
	s.invite = nil
	s.mu.Unlock()
}

// ActiveCall returns the current call handle, nil without one.
func (s *SessionManager) ActiveCall() fabric.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call
}

// HasCall reports whether a call handle exists.
func (s *SessionManager) HasCall() bool {
	return s.ActiveCall() != nil
}

// HasInvite reports whether an inbound offer is pending.
func (s *SessionManager) HasInvite() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invite != nil
}

// Online reports whether the session is registered for inbound calls.
func (s *SessionManager) Online() bool {
	return s.online.IsSet()
}

func (s *SessionManager) currentClient() fabric.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}
