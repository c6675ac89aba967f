package main

import (
	"context"

	"github.com/briankwest/swdialer/fabric"
)

// MediaControl performs mute and DTMF against the currently active call
// handle. The underlying call object's media surface varies by transport, so
// muting probes a sequence of optional capabilities and gives up silently:
// a failed mute is a UX nicety, never a user-visible error.
type MediaControl struct {
	session *SessionManager
}

// NewMediaControl creates media control bound to the session's active call.
func NewMediaControl(session *SessionManager) *MediaControl {
	return &MediaControl{session: session}
}

// SetMuted enables or disables the local audio tracks of the active call.
func (m *MediaControl) SetMuted(muted bool) {
	call := m.session.ActiveCall()
	if call == nil {
		callLog.Debug("no active call to mute/unmute")
		return
	}

	enabled := !muted

	// Nearest structured capability first: the peer/track map.
	if peers, ok := call.(fabric.PeerTracks); ok {
		if tracks := peers.PeerAudioTracks(); len(tracks) > 0 {
			for _, track := range tracks {
				track.SetEnabled(enabled)
			}
			callLog.Debugf("mute=%v via peer track map", muted)
			return
		}
	}

	// Raw local stream reference.
	if streamer, ok := call.(fabric.LocalStreamer); ok {
		if stream := streamer.LocalStream(); stream != nil {
			if tracks := stream.AudioTracks(); len(tracks) > 0 {
				for _, track := range tracks {
					track.SetEnabled(enabled)
				}
				callLog.Debugf("mute=%v via local stream", muted)
				return
			}
		}
	}

	// Low-level connection senders.
	if lister, ok := call.(fabric.SenderLister); ok {
		for _, sender := range lister.Senders() {
			if sender.Kind() != "audio" {
				continue
			}
			if track := sender.Track(); track != nil {
				track.SetEnabled(enabled)
				callLog.Debugf("mute=%v via connection sender", muted)
				return
			}
		}
	}

	// Exhaustive scan of every stream embedded in the call object.
	if scanner, ok := call.(fabric.StreamScanner); ok {
		for _, stream := range scanner.Streams() {
			if tracks := stream.AudioTracks(); len(tracks) > 0 {
				for _, track := range tracks {
					track.SetEnabled(enabled)
				}
				callLog.Debugf("mute=%v via stream scan", muted)
				return
			}
		}
	}

	callLog.Warn("no audio track found to mute/unmute")
}

// SendDigit transmits a DTMF digit on the active call. Without one it is a
// silent no-op.
func (m *MediaControl) SendDigit(ctx context.Context, digit string) error {
	call := m.session.ActiveCall()
	if call == nil {
		callLog.Debugf("no active call, dropping DTMF %q", digit)
		return nil
	}
	if err := call.SendDigits(ctx, digit); err != nil {
		return err
	}
	callLog.Debugf("sent DTMF %q", digit)
	return nil
}

// SetSpeaker reports the speaker-routing capability gap: the transport
// cannot redirect the output device.
func (m *MediaControl) SetSpeaker(on bool) error {
	return fabric.ErrNotSupported
}
