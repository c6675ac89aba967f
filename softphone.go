package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/briankwest/swdialer/fabric"
)

// Softphone is the composition root for the call orchestration layer. It
// validates user commands against the call state machine, drives the session
// manager, and consumes normalized provider signals.
type Softphone struct {
	settings *Settings
	store    *Store
	backend  *BackendClient
	creds    *CredentialManager
	session  *SessionManager
	csm      *CallStateMachine
	media    *MediaControl
	norm     *Normalizer

	mu       sync.Mutex
	recordID string

	// onDialedCleared fires when an ended outbound call clears the dialed
	// number, so the presentation layer can empty its input.
	onDialedCleared func()
}

// NewSoftphone wires the orchestration layer together. Nothing connects
// until Start.
func NewSoftphone(settings *Settings, store *Store, backend *BackendClient, connector fabric.Connector, clock Clock) *Softphone {
	p := &Softphone{
		settings: settings,
		store:    store,
		backend:  backend,
		csm:      NewCallStateMachine(),
	}
	p.creds = NewCredentialManager(backend, clock, settings)
	p.norm = NewNormalizer(p.live)
	p.session = NewSessionManager(settings, p.creds, connector, clock, p.norm)
	p.media = NewMediaControl(p.session)

	p.creds.SetApplyFunc(p.session.ApplyToken)
	p.session.SetOnUp(func() { p.csm.SetSessionUp(true) })
	return p
}

// SetOnDialedCleared registers the dialed-number-cleared hook.
func (p *Softphone) SetOnDialedCleared(fn func()) {
	p.onDialedCleared = fn
}

// live reports whether anything is outstanding: a pending invite, an active
// call, or a dial still in flight. Provider events arriving outside these
// windows are stale.
func (p *Softphone) live() bool {
	return p.session.HasCall() || p.session.HasInvite() || p.csm.DialPending()
}

// Start initializes the provider session and begins consuming signals. The
// signal loop runs until ctx is canceled.
func (p *Softphone) Start(ctx context.Context) error {
	if err := p.session.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize session: %w", err)
	}
	go p.loop(ctx)
	return nil
}

func (p *Softphone) loop(ctx context.Context) {
	for {
		select {
		case sig := <-p.norm.Signals():
			p.handleSignal(ctx, sig)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Softphone) handleSignal(ctx context.Context, sig Signal) {
	switch sig.Kind {
	case SignalInviteReceived:
		if !p.csm.InviteReceived(sig.CallerID) {
			callLog.Warnf("invite from %s while busy, rejecting", sig.CallerID)
			if err := p.session.RejectInvite(ctx); err != nil {
				callLog.Debugf("busy reject (ignored): %v", err)
			}
		}

	case SignalCallEnded:
		if sig.Unanswered {
			callLog.Info("unanswered call, caller hung up")
		} else if sig.RemoteEnded {
			callLog.Info("remote party ended the call")
		}
		wasOutbound := p.csm.CallEnded()
		p.session.ClearCall()
		if wasOutbound {
			p.clearDialed(ctx)
		}

	case SignalSessionLost:
		p.csm.SessionLost()
		p.session.ClearCall()
		go func() {
			if err := p.session.Reconnect(context.Background()); err != nil {
				sessionLog.Debugf("reconnect after session loss pending retry: %v", err)
			}
		}()

	case SignalTokenExpiring:
		go p.creds.RefreshNow()
	}
}

// Dial validates, formats and places an outbound call. A concurrent dial is
// rejected without altering the pending one; a provider rejection rolls the
// state machine back to idle and is surfaced to the caller.
func (p *Softphone) Dial(ctx context.Context, number string) error {
	if err := p.csm.StartDial(number); err != nil {
		return err
	}

	formatted := formatDialNumber(number)
	callLog.Infof("dialing %s", formatted)

	record, err := p.backend.InitiateCall(ctx, formatted)
	if err != nil {
		p.csm.DialFailed()
		return fmt.Errorf("dial: %w", err)
	}
	p.mu.Lock()
	p.recordID = record.ID
	p.mu.Unlock()

	p.csm.DialIssued()

	call, err := p.session.Dial(ctx, formatted)
	if err != nil {
		p.csm.DialFailed()
		return fmt.Errorf("dial: %w", err)
	}

	if err := p.csm.ConfirmDial(); err != nil {
		// A terminal event raced the pending dial; drop the handle.
		callLog.Warnf("dial to %s canceled mid-flight", formatted)
		if herr := call.Hangup(ctx); herr != nil {
			callLog.Debugf("hangup of canceled dial (ignored): %v", herr)
		}
		return err
	}
	p.session.AdoptCall(call)

	if err := p.store.SetLastDialed(number); err != nil {
		coreLog.Warnf("persisting last dialed number: %v", err)
	}
	return nil
}

// Hangup ends the active call. A no-op without one.
func (p *Softphone) Hangup(ctx context.Context) error {
	if err := p.session.HangupCall(ctx); err != nil {
		callLog.Warnf("hangup failed: %v", err)
		return err
	}
	return nil
}

// Answer accepts the pending invite. With a call already in progress it is
// a no-op, preventing a duplicate accept from triggering renegotiation.
func (p *Softphone) Answer(ctx context.Context) error {
	if p.session.HasCall() {
		callLog.Warn("call already in progress, ignoring answer")
		return nil
	}
	if _, err := p.session.AcceptInvite(ctx); err != nil {
		p.csm.Rejected()
		return fmt.Errorf("answer: %w", err)
	}
	p.csm.Answered()
	callLog.Info("call answered")
	return nil
}

// Reject declines the pending invite. The state machine returns to idle
// whether or not the provider reject succeeds.
func (p *Softphone) Reject(ctx context.Context) error {
	err := p.session.RejectInvite(ctx)
	p.csm.Rejected()
	if err != nil {
		return fmt.Errorf("reject: %w", err)
	}
	callLog.Info("call rejected")
	return nil
}

// SetMuted toggles the microphone. The observable state updates
// optimistically; the media operation is best effort.
func (p *Softphone) SetMuted(muted bool) {
	p.csm.SetMuted(muted)
	p.media.SetMuted(muted)
}

// ToggleSpeaker requests speaker routing, which this layer cannot provide.
func (p *Softphone) ToggleSpeaker(on bool) error {
	if err := p.media.SetSpeaker(on); err != nil {
		callLog.Infof("speaker routing unavailable: %v", err)
		return err
	}
	return nil
}

// SendDigit transmits a DTMF digit on the active call.
func (p *Softphone) SendDigit(ctx context.Context, digit string) error {
	return p.media.SendDigit(ctx, digit)
}

// Snapshot returns the current observable call state.
func (p *Softphone) Snapshot() CallState {
	return p.csm.Snapshot()
}

// Subscribe registers a call-state observer.
func (p *Softphone) Subscribe(fn func(CallState)) {
	p.csm.Subscribe(fn)
}

// LastDialed returns the persisted last dialed number.
func (p *Softphone) LastDialed() (string, error) {
	return p.store.LastDialed()
}

// History fetches recent call records from the backend.
func (p *Softphone) History(ctx context.Context, limit int) ([]CallRecord, error) {
	return p.backend.CallHistory(ctx, limit)
}

// Close tears down the provider session. Only called on process shutdown.
func (p *Softphone) Close(ctx context.Context) {
	p.session.Disconnect(ctx)
}

// clearDialed closes out an ended outbound call: the backend record is
// marked ended best-effort and the persisted number is cleared.
func (p *Softphone) clearDialed(ctx context.Context) {
	p.mu.Lock()
	recordID := p.recordID
	p.recordID = ""
	p.mu.Unlock()

	if recordID != "" {
		if _, err := p.backend.EndCall(ctx, recordID); err != nil {
			coreLog.Debugf("closing backend call record (ignored): %v", err)
		}
	}
	if err := p.store.SetLastDialed(""); err != nil {
		coreLog.Warnf("clearing last dialed number: %v", err)
	}
	if p.onDialedCleared != nil {
		p.onDialedCleared()
	}
}
