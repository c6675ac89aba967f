package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/tevino/abool"
)

// refreshFraction is the share of a token's lifetime after which the next
// refresh is attempted.
const refreshFraction = 0.8

// refreshRetryDelay is the fixed wait between failed refresh attempts. An
// expired token is fatal to all future calls, so this path never gives up.
const refreshRetryDelay = 5 * time.Second

// authAPI is the slice of the backend the credential manager needs.
type authAPI interface {
	GetToken(ctx context.Context, subscriberID string) (*TokenData, error)
	RefreshToken(ctx context.Context, oldToken string) (*TokenData, error)
}

// CredentialManager owns the single current provider token, keeps it fresh by
// scheduling a refresh at 80% of its lifetime, and applies replacements
// through the session without dropping the connection when possible.
type CredentialManager struct {
	auth            authAPI
	clock           Clock
	subscriberID    string
	defaultLifetime time.Duration

	// apply pushes a replacement token into the live session. Set once at
	// composition time, before any refresh can fire.
	apply func(ctx context.Context, token *TokenData) error

	mu    sync.Mutex
	token *TokenData
	timer Timer

	// refreshing guarantees a new timer is armed only after the previous
	// refresh settles.
	refreshing *abool.AtomicBool
}

// NewCredentialManager creates a manager; no token is acquired yet.
func NewCredentialManager(auth authAPI, clock Clock, settings *Settings) *CredentialManager {
	return &CredentialManager{
		auth:            auth,
		clock:           clock,
		subscriberID:    settings.SubscriberID(),
		defaultLifetime: settings.TokenLifetime(),
		refreshing:      abool.New(),
	}
}

// SetApplyFunc wires the session-side token application. Must be called
// before ScheduleRefresh.
func (m *CredentialManager) SetApplyFunc(apply func(ctx context.Context, token *TokenData) error) {
	m.apply = apply
}

// Obtain performs the first token acquisition and stores the result.
func (m *CredentialManager) Obtain(ctx context.Context) (*TokenData, error) {
	token, err := m.auth.GetToken(ctx, m.subscriberID)
	if err != nil {
		return nil, fmt.Errorf("obtain token: %w", err)
	}
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
	coreLog.Infof("token obtained, lifetime %s", m.lifetime(token))
	return token, nil
}

// Token returns the current token, nil before the first acquisition.
func (m *CredentialManager) Token() *TokenData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// ScheduleRefresh arms the refresh timer at 80% of the current token's
// lifetime, replacing any previously armed timer.
func (m *CredentialManager) ScheduleRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
	if m.token == nil {
		return
	}
	delay := time.Duration(float64(m.lifetime(m.token)) * refreshFraction)
	m.timer = m.clock.AfterFunc(delay, m.refresh)
	coreLog.Debugf("token refresh scheduled in %s", delay)
}

// RefreshNow runs a refresh immediately, ahead of the scheduled window. Used
// when the provider warns that the current credential is about to lapse. A
// refresh already in flight makes this a no-op.
func (m *CredentialManager) RefreshNow() {
	m.refresh()
}

// StopRefresh cancels any pending refresh timer.
func (m *CredentialManager) StopRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// refresh runs on timer expiry. On failure the current, still valid token is
// kept and another attempt is armed after a fixed delay.
func (m *CredentialManager) refresh() {
	if !m.refreshing.SetToIf(false, true) {
		return
	}
	defer m.refreshing.UnSet()

	ctx := context.Background()

	m.mu.Lock()
	old := m.token
	m.mu.Unlock()

	hint := ""
	if old != nil {
		hint = old.Token
	}

	token, err := m.auth.RefreshToken(ctx, hint)
	if err == nil && m.apply != nil {
		err = m.apply(ctx, token)
	}
	if err != nil {
		coreLog.Warnf("token refresh failed, retrying in %s: %v", refreshRetryDelay, err)
		m.mu.Lock()
		m.timer = m.clock.AfterFunc(refreshRetryDelay, m.refresh)
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
	coreLog.Info("token refreshed")
	m.ScheduleRefresh()
}

// lifetime resolves a token's validity window: the backend's expires_in when
// present, else the exp claim of the token itself, else the configured
// default.
func (m *CredentialManager) lifetime(token *TokenData) time.Duration {
	if token.ExpiresIn > 0 {
		return time.Duration(token.ExpiresIn) * time.Second
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token.Token, claims); err == nil {
		if exp, ok := claims["exp"].(float64); ok {
			if d := time.Unix(int64(exp), 0).Sub(m.clock.Now()); d > 0 {
				return d
			}
		}
	}
	return m.defaultLifetime
}
