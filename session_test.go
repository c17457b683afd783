package client

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harshabose/simple_webrtc_comm/callclient/pkg/signaling"
)

func newTestSession(t *testing.T, queueSize int) (*session, *fakeTransport) {
	t.Helper()

	s := newSession(context.Background(), "call-1", RoleCaller, "alice", "bob", queueSize, zerolog.Nop())
	transport := &fakeTransport{label: "call-1", host: "alice.local"}
	require.NoError(t, s.attach(func() { s.transport = transport }))
	return s, transport
}

func TestSubscriptionGroupCancelsOnce(t *testing.T) {
	var cancelled atomic.Int32
	sub := signaling.SubscriptionFunc(func() { cancelled.Add(1) })

	var g subscriptionGroup
	g.Add(sub)
	g.Add(sub)
	assert.Equal(t, 2, g.Len())

	g.Cancel()
	g.Cancel()
	assert.Equal(t, int32(2), cancelled.Load())
	assert.Zero(t, g.Len())

	g.Add(sub)
	assert.Equal(t, int32(3), cancelled.Load(), "late subscriptions are cancelled on arrival")
	assert.Zero(t, g.Len())
}

func TestSessionStartsByRole(t *testing.T) {
	caller := newSession(context.Background(), "c", RoleCaller, "alice", "bob", 1, zerolog.Nop())
	callee := newSession(context.Background(), "c", RoleCallee, "bob", "alice", 1, zerolog.Nop())

	assert.Equal(t, StateOffering, caller.State())
	assert.Equal(t, StateRinging, callee.State())
}

func TestSessionStateOnlyMovesForward(t *testing.T) {
	s, _ := newTestSession(t, 4)

	assert.True(t, s.setState(StateActive))
	assert.False(t, s.setState(StateConnecting))
	assert.False(t, s.setState(StateActive))
	assert.Equal(t, StateActive, s.State())

	transport, _, _ := s.detach()
	assert.NotNil(t, transport)
	assert.True(t, s.ended())
	assert.False(t, s.setState(StateActive))
	assert.ErrorIs(t, s.attach(func() {}), errCallEnded)
}

func TestSessionQueuesCandidatesUntilRemoteDescription(t *testing.T) {
	s, transport := newTestSession(t, 4)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.addRemoteCandidate(fmt.Sprintf("c%d", i), testCandidate("10.0.0.1")))
	}
	require.NoError(t, s.addRemoteCandidate("c1", testCandidate("10.0.0.1")))
	assert.Equal(t, 3, s.queued())
	assert.Zero(t, transport.appliedCandidates())

	applied, err := s.applyRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Zero(t, s.queued())
	assert.Equal(t, 3, transport.appliedCandidates())

	require.NoError(t, s.addRemoteCandidate("c3", testCandidate("10.0.0.2")))
	require.NoError(t, s.addRemoteCandidate("c0", testCandidate("10.0.0.1")))
	assert.Equal(t, 4, transport.appliedCandidates())
}

func TestSessionAppliesRemoteDescriptionOnce(t *testing.T) {
	s, transport := newTestSession(t, 4)
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP}

	applied, err := s.applyRemote(desc)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.applyRemote(desc)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 1, transport.remoteDescriptionSets())
}

func TestSessionCandidateQueueIsBounded(t *testing.T) {
	s, _ := newTestSession(t, 2)

	require.NoError(t, s.addRemoteCandidate("a", testCandidate("10.0.0.1")))
	require.NoError(t, s.addRemoteCandidate("b", testCandidate("10.0.0.2")))
	require.ErrorIs(t, s.addRemoteCandidate("c", testCandidate("10.0.0.3")), ErrCandidateQueueFull)
	assert.Equal(t, 2, s.queued())

	// a dropped candidate is not remembered, so a redelivery can still land
	_, err := s.applyRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP})
	require.NoError(t, err)
	require.NoError(t, s.addRemoteCandidate("c", testCandidate("10.0.0.3")))
}

func TestSessionRejectsCandidatesAfterTeardown(t *testing.T) {
	s, _ := newTestSession(t, 2)
	s.detach()

	require.ErrorIs(t, s.addRemoteCandidate("a", testCandidate("10.0.0.1")), errCallEnded)
	_, err := s.applyRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP})
	require.ErrorIs(t, err, errCallEnded)
}
