package main

import (
	"github.com/briankwest/swdialer/fabric"
)

// SignalKind enumerates the normalized signals derived from the provider's
// raw event surface.
type SignalKind int

const (
	// SignalInviteReceived reports a pending inbound call offer.
	SignalInviteReceived SignalKind = iota
	// SignalCallEnded reports that the outstanding call or invite reached a
	// terminal condition.
	SignalCallEnded
	// SignalSessionLost reports that the transport connection dropped.
	SignalSessionLost
	// SignalTokenExpiring reports the provider warning that the current
	// credential is about to lapse, ahead of the scheduled refresh.
	SignalTokenExpiring
)

func (k SignalKind) String() string {
	switch k {
	case SignalInviteReceived:
		return "invite-received"
	case SignalCallEnded:
		return "call-ended"
	case SignalSessionLost:
		return "session-lost"
	case SignalTokenExpiring:
		return "token-expiring"
	}
	return "unknown"
}

// Signal is a normalized event toward the call state machine.
type Signal struct {
	Kind     SignalKind
	CallerID string
	// Unanswered marks a call that ended before any answer timestamp was
	// recorded: stop the ringing indicator, play no disconnect cue.
	Unanswered bool
	// RemoteEnded marks an answered call terminated by the far end, the
	// only case that warrants a disconnect cue. Best-effort: derived from
	// provider end_reason/end_source fields whose exact semantics are
	// provider-defined.
	RemoteEnded bool
}

// Normalizer reduces raw provider notifications to invite-received,
// call-ended and session-lost signals. Events arriving while nothing is
// outstanding are discarded as stale.
type Normalizer struct {
	signals chan Signal
	live    func() bool
}

// NewNormalizer creates a normalizer; live reports whether an invite, a call
// or a pending dial is currently outstanding.
func NewNormalizer(live func() bool) *Normalizer {
	return &Normalizer{
		signals: make(chan Signal, 16),
		live:    live,
	}
}

// Signals is the normalized stream consumed by the call state machine.
func (n *Normalizer) Signals() <-chan Signal {
	return n.signals
}

// HandleInvite resolves caller identity from the offer's ambiguous fields
// and emits invite-received.
func (n *Normalizer) HandleInvite(details fabric.InviteDetails) {
	caller := details.CallerIDNumber
	if caller == "" {
		caller = details.CallerIDName
	}
	if caller == "" {
		caller = details.From
	}
	if caller == "" {
		caller = "Unknown"
	}
	sessionLog.Infof("incoming call from %s", caller)
	n.emit(Signal{Kind: SignalInviteReceived, CallerID: caller})
}

// HandleEvent classifies a raw provider event.
func (n *Normalizer) HandleEvent(ev fabric.Event) {
	if providerEvents {
		sessionLog.Debugf("provider event: %s %v", ev.Name, ev.Payload)
	}

	switch ev.Name {
	case fabric.EventCallState:
		n.handleCallState(ev.Payload)
	case fabric.EventCallBye:
		// Remote hangup notification. Only meaningful with a live call.
		if !n.live() {
			sessionLog.Debug("ignoring bye, nothing outstanding")
			return
		}
		n.emit(Signal{Kind: SignalCallEnded, RemoteEnded: true})
	case fabric.EventSessionDisconnected:
		sessionLog.Warn("session disconnected")
		n.emit(Signal{Kind: SignalSessionLost})
	case fabric.EventSessionAuthError:
		sessionLog.Warn("session auth error")
		n.emit(Signal{Kind: SignalSessionLost})
	case fabric.EventSessionExpiring:
		sessionLog.Warn("session credential expiring, refreshing early")
		n.emit(Signal{Kind: SignalTokenExpiring})
	case fabric.EventSessionReconnecting:
		sessionLog.Warn("session reconnecting")
	case fabric.EventSessionConnected:
		sessionLog.Info("session established")
	}
}

// handleCallState processes a call-state-change notification. Fields of
// interest may sit at the top level or nested under "params".
func (n *Normalizer) handleCallState(payload map[string]any) {
	params := payload
	if nested, ok := payload["params"].(map[string]any); ok {
		params = nested
	}

	state, _ := params["call_state"].(string)
	if state != "ending" && state != "ended" {
		return
	}
	if !n.live() {
		sessionLog.Debug("ignoring stale call state, nothing outstanding")
		return
	}

	answered := numberField(params, "answer_time") > 0
	endReason, _ := params["end_reason"].(string)
	endSource, _ := params["end_source"].(string)

	sig := Signal{Kind: SignalCallEnded}
	if !answered {
		// Caller hung up before answer: no disconnect cue.
		sig.Unanswered = true
	} else {
		// A locally initiated hangup must not replay as a remote end.
		sig.RemoteEnded = endReason == "cancel" || endSource != "local"
	}
	n.emit(sig)
}

func (n *Normalizer) emit(sig Signal) {
	select {
	case n.signals <- sig:
	default:
		sessionLog.Warnf("signal channel full, dropping %s", sig.Kind)
	}
}

// numberField reads a numeric payload field that may decode as float64,
// int64 or int depending on the transport.
func numberField(params map[string]any, key string) int64 {
	switch v := params[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}
