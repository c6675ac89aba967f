package main

import (
	"errors"
	"sync"
)

// CallStatus represents the observable phase of the current call, if any.
type CallStatus int

const (
	StatusIdle CallStatus = iota
	StatusConnecting
	StatusDialing
	StatusRinging
	StatusConnected
	StatusEnded
)

func (s CallStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusDialing:
		return "dialing"
	case StatusRinging:
		return "ringing"
	case StatusConnected:
		return "connected"
	case StatusEnded:
		return "ended"
	}
	return "unknown"
}

// Direction values for CallState.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// CallState is the externally observed snapshot of the dialer. It is a
// simplified projection: observers never touch provider objects.
type CallState struct {
	Connected    bool
	InCall       bool
	Incoming     bool
	Muted        bool
	SpeakerOn    bool
	RemoteNumber string
	Direction    string
	Status       CallStatus
}

var (
	// ErrDialPending rejects a second dial while one is in flight.
	ErrDialPending = errors.New("dial already in progress")
	// ErrCallActive rejects a dial while a call or invite exists.
	ErrCallActive = errors.New("call already active")
	// ErrDialCanceled reports that a terminal event arrived while the dial
	// was still pending.
	ErrDialCanceled = errors.New("dial canceled")
)

// CallStateMachine is the authoritative in-memory representation of what is
// happening right now. All mutation goes through its transition methods;
// observers receive immutable snapshots.
type CallStateMachine struct {
	mu        sync.Mutex
	state     CallState
	observers []func(CallState)

	// wasIncoming remembers the direction recorded when the call started,
	// not re-derived from current state at end time.
	wasIncoming bool
}

// NewCallStateMachine creates a machine in the idle state.
func NewCallStateMachine() *CallStateMachine {
	return &CallStateMachine{}
}

// Subscribe registers an observer for state snapshots. Observers are invoked
// outside the machine's lock, in registration order.
func (m *CallStateMachine) Subscribe(fn func(CallState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Snapshot returns the current observable state.
func (m *CallStateMachine) Snapshot() CallState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetSessionUp records transport connectivity.
func (m *CallStateMachine) SetSessionUp(up bool) {
	m.mu.Lock()
	m.state.Connected = up
	snap := m.state
	m.mu.Unlock()
	m.notify(snap)
}

// StartDial validates and begins an outbound call attempt. Only one dial may
// be in flight; a concurrent request is rejected rather than queued.
func (m *CallStateMachine) StartDial(number string) error {
	m.mu.Lock()
	switch m.state.Status {
	case StatusConnecting, StatusDialing:
		m.mu.Unlock()
		return ErrDialPending
	case StatusIdle, StatusEnded:
	default:
		m.mu.Unlock()
		return ErrCallActive
	}
	m.state.Status = StatusConnecting
	m.state.Direction = DirectionOutbound
	m.state.RemoteNumber = number
	m.wasIncoming = false
	snap := m.state
	m.mu.Unlock()
	m.notify(snap)
	return nil
}

// DialIssued marks the provider dial request as sent.
func (m *CallStateMachine) DialIssued() {
	m.mu.Lock()
	if m.state.Status == StatusConnecting {
		m.state.Status = StatusDialing
	}
	snap := m.state
	m.mu.Unlock()
	m.notify(snap)
}

// ConfirmDial promotes a pending dial to a connected call. It fails when a
// terminal event short-circuited the dial while it was in flight.
func (m *CallStateMachine) ConfirmDial() error {
	m.mu.Lock()
	if m.state.Status != StatusConnecting && m.state.Status != StatusDialing {
		m.mu.Unlock()
		return ErrDialCanceled
	}
	m.state.Status = StatusConnected
	m.state.InCall = true
	snap := m.state
	m.mu.Unlock()
	m.notify(snap)
	return nil
}

// DialFailed rolls a rejected dial back to idle.
func (m *CallStateMachine) DialFailed() {
	m.mu.Lock()
	m.resetLocked()
	snap := m.state
	m.mu.Unlock()
	m.notify(snap)
}

// InviteReceived transitions idle to ringing. It reports false when a call
// or another invite is already active, in which case the offer must not be
// surfaced.
func (m *CallStateMachine) InviteReceived(callerID string) bool {
	m.mu.Lock()
	if m.state.Status != StatusIdle && m.state.Status != StatusEnded {
		m.mu.Unlock()
		return false
	}
	m.state.Status = StatusRinging
	m.state.Incoming = true
	m.state.Direction = DirectionInbound
	m.state.RemoteNumber = callerID
	m.wasIncoming = true
	snap := m.state
	m.mu.Unlock()
	m.notify(snap)
	return true
}

// Answered promotes a ringing invite to a connected call.
func (m *CallStateMachine) Answered() {
	m.mu.Lock()
	if m.state.Status != StatusRinging {
		m.mu.Unlock()
		return
	}
	m.state.Status = StatusConnected
	m.state.Incoming = false
	m.state.InCall = true
	snap := m.state
	m.mu.Unlock()
	m.notify(snap)
}

// Rejected returns a ringing invite to idle.
func (m *CallStateMachine) Rejected() {
	m.mu.Lock()
	m.resetLocked()
	snap := m.state
	m.mu.Unlock()
	m.notify(snap)
}

// CallEnded drives any in-progress call or attempt back to idle and reports
// whether the ended call was outbound, per the direction remembered when it
// started. Ending with nothing in progress is a no-op.
func (m *CallStateMachine) CallEnded() (wasOutbound bool) {
	m.mu.Lock()
	if m.state.Status == StatusIdle || m.state.Status == StatusEnded {
		m.mu.Unlock()
		return false
	}
	wasOutbound = !m.wasIncoming
	m.state.Status = StatusEnded
	ended := m.state
	m.resetLocked()
	idle := m.state
	m.mu.Unlock()
	m.notify(ended)
	m.notify(idle)
	return wasOutbound
}

// SessionLost drops everything back to idle; a lost transport cannot sustain
// a call.
func (m *CallStateMachine) SessionLost() {
	m.mu.Lock()
	m.resetLocked()
	m.state.Connected = false
	snap := m.state
	m.mu.Unlock()
	m.notify(snap)
}

// SetMuted records the mute toggle. Optimistic: media control is best effort.
func (m *CallStateMachine) SetMuted(muted bool) {
	m.mu.Lock()
	m.state.Muted = muted
	snap := m.state
	m.mu.Unlock()
	m.notify(snap)
}

// DialPending reports whether an outbound attempt is still in flight.
func (m *CallStateMachine) DialPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Status == StatusConnecting || m.state.Status == StatusDialing
}

// resetLocked clears call state while preserving transport connectivity.
func (m *CallStateMachine) resetLocked() {
	connected := m.state.Connected
	m.state = CallState{Connected: connected}
	m.wasIncoming = false
}

func (m *CallStateMachine) notify(snap CallState) {
	m.mu.Lock()
	observers := make([]func(CallState), len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()
	for _, fn := range observers {
		fn(snap)
	}
}
