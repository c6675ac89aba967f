package fabric

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoopbackClient(t *testing.T) Client {
	t.Helper()
	client, err := Loopback()(context.Background(), ConnectOptions{Token: "tok", Host: "local"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	return client
}

func TestLoopbackRequiresToken(t *testing.T) {
	_, err := Loopback()(context.Background(), ConnectOptions{})
	assert.Error(t, err)
}

func TestLoopbackDialAnswersImmediately(t *testing.T) {
	client := newLoopbackClient(t)

	call, err := client.Dial(context.Background(), DialParams{To: "+15550001111", Audio: true})
	require.NoError(t, err)
	require.NotEmpty(t, call.ID())

	ev := <-client.Events()
	assert.Equal(t, EventCallState, ev.Name)
	params, ok := ev.Payload["params"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "answered", params["call_state"])
	assert.Equal(t, call.ID(), params["call_id"])
}

func TestLoopbackHangupEmitsTerminalState(t *testing.T) {
	client := newLoopbackClient(t)

	call, err := client.Dial(context.Background(), DialParams{To: "100"})
	require.NoError(t, err)
	<-client.Events() // answered

	require.NoError(t, call.Hangup(context.Background()))
	ev := <-client.Events()
	params := ev.Payload["params"].(map[string]any)
	assert.Equal(t, "ended", params["call_state"])
	assert.Equal(t, "hangup", params["end_reason"])
	assert.Equal(t, "local", params["end_source"])
	assert.Greater(t, params["answer_time"].(int64), int64(0))

	// A second hangup emits nothing further.
	require.NoError(t, call.Hangup(context.Background()))
	select {
	case ev := <-client.Events():
		t.Fatalf("unexpected event %s", ev.Name)
	default:
	}
}

func TestLoopbackRemoteHangup(t *testing.T) {
	client := newLoopbackClient(t)

	call, err := client.Dial(context.Background(), DialParams{To: "100"})
	require.NoError(t, err)
	<-client.Events()

	call.(*loopbackCall).RemoteHangup()
	ev := <-client.Events()
	params := ev.Payload["params"].(map[string]any)
	assert.Equal(t, "cancel", params["end_reason"])
	assert.Equal(t, "remote", params["end_source"])
}

func TestLoopbackInviteDelivery(t *testing.T) {
	client := newLoopbackClient(t)
	sim := client.(InviteSimulator)

	var received []Invite
	require.NoError(t, client.Online(context.Background(), func(inv Invite) {
		received = append(received, inv)
	}))

	sim.SimulateInvite(InviteDetails{CallerIDNumber: "+15559990000"})
	require.Len(t, received, 1)
	assert.Equal(t, "+15559990000", received[0].Details().CallerIDNumber)

	call, err := received[0].Accept(context.Background(), MediaParams{Audio: true})
	require.NoError(t, err)
	assert.NotEmpty(t, call.ID())

	// The invite is consumed: neither a second accept nor a reject works.
	_, err = received[0].Accept(context.Background(), MediaParams{})
	assert.Error(t, err)
	assert.Error(t, received[0].Reject(context.Background()))
}

func TestLoopbackInviteDroppedWhileOffline(t *testing.T) {
	client := newLoopbackClient(t)
	sim := client.(InviteSimulator)

	delivered := 0
	require.NoError(t, client.Online(context.Background(), func(Invite) { delivered++ }))
	require.NoError(t, client.Offline(context.Background()))

	sim.SimulateInvite(InviteDetails{})
	assert.Zero(t, delivered)
}

func TestLoopbackTokenUpdate(t *testing.T) {
	client := newLoopbackClient(t)

	updater, ok := client.(TokenUpdater)
	require.True(t, ok)
	require.NoError(t, updater.UpdateToken(context.Background(), "fresh"))
	assert.Equal(t, "fresh", client.(*loopbackClient).token)
}

func TestLoopbackDisconnectClosesEvents(t *testing.T) {
	client := newLoopbackClient(t)

	require.NoError(t, client.Disconnect(context.Background()))
	_, open := <-client.Events()
	assert.False(t, open)

	// Idempotent, and further operations fail cleanly.
	require.NoError(t, client.Disconnect(context.Background()))
	_, err := client.Dial(context.Background(), DialParams{To: "100"})
	assert.Error(t, err)
	assert.Error(t, client.Online(context.Background(), func(Invite) {}))
}

func TestLoopbackCallDigitsAndMedia(t *testing.T) {
	client := newLoopbackClient(t)

	call, err := client.Dial(context.Background(), DialParams{To: "100"})
	require.NoError(t, err)

	require.NoError(t, call.SendDigits(context.Background(), "12"))
	require.NoError(t, call.SendDigits(context.Background(), "#"))
	lc := call.(*loopbackCall)
	assert.Equal(t, "12#", lc.SentDigits())

	streamer, ok := call.(LocalStreamer)
	require.True(t, ok)
	tracks := streamer.LocalStream().AudioTracks()
	require.Len(t, tracks, 1)
	track := tracks[0].(*loopbackTrack)
	assert.True(t, track.Enabled())
	tracks[0].SetEnabled(false)
	assert.False(t, track.Enabled())

	require.NoError(t, call.Hangup(context.Background()))
	assert.Error(t, call.SendDigits(context.Background(), "1"))
}
