package client

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

const testSDP = "v=0\r\no=- 4215775240449105457 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

var errNoRemoteDescription = errors.New("remote description not set")

func testCandidate(host string) webrtc.ICECandidateInit {
	mid := "0"
	index := uint16(0)
	return webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 " + host + " 5000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	}
}

// fakeTransport connects once it has both descriptions and a remote candidate.
// Remote candidates are rejected until the remote description is set.
type fakeTransport struct {
	label string
	host  string

	mux         sync.Mutex
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	remoteSets  int
	candidates  []webrtc.ICECandidateInit
	tracks      []webrtc.TrackLocal
	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	connected   bool
	closed      bool
}

func (t *fakeTransport) CreateOffer(_ context.Context) (webrtc.SessionDescription, error) {
	return t.createLocal(webrtc.SDPTypeOffer)
}

func (t *fakeTransport) CreateAnswer(_ context.Context) (webrtc.SessionDescription, error) {
	t.mux.Lock()
	hasRemote := t.remote != nil
	t.mux.Unlock()

	if !hasRemote {
		return webrtc.SessionDescription{}, errNoRemoteDescription
	}
	return t.createLocal(webrtc.SDPTypeAnswer)
}

func (t *fakeTransport) createLocal(kind webrtc.SDPType) (webrtc.SessionDescription, error) {
	desc := webrtc.SessionDescription{Type: kind, SDP: testSDP}

	t.mux.Lock()
	if t.closed {
		t.mux.Unlock()
		return webrtc.SessionDescription{}, errors.New("transport closed")
	}
	t.local = &desc
	fn := t.onCandidate
	t.mux.Unlock()

	if fn != nil {
		go fn(testCandidate(t.host))
	}
	t.maybeConnect()
	return desc, nil
}

func (t *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	t.mux.Lock()
	t.remote = &desc
	t.remoteSets++
	t.mux.Unlock()

	t.maybeConnect()
	return nil
}

func (t *fakeTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	t.mux.Lock()
	if t.remote == nil {
		t.mux.Unlock()
		return errNoRemoteDescription
	}
	t.candidates = append(t.candidates, candidate)
	t.mux.Unlock()

	t.maybeConnect()
	return nil
}

func (t *fakeTransport) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	t.mux.Lock()
	defer t.mux.Unlock()

	t.tracks = append(t.tracks, track)
	return nil, nil
}

func (t *fakeTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.mux.Lock()
	defer t.mux.Unlock()

	t.onCandidate = fn
}

func (t *fakeTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	t.mux.Lock()
	defer t.mux.Unlock()

	t.onState = fn
}

func (t *fakeTransport) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (t *fakeTransport) Close() error {
	t.mux.Lock()
	defer t.mux.Unlock()

	t.closed = true
	return nil
}

func (t *fakeTransport) maybeConnect() {
	t.mux.Lock()
	if t.connected || t.closed || t.local == nil || t.remote == nil || len(t.candidates) == 0 {
		t.mux.Unlock()
		return
	}
	t.connected = true
	fn := t.onState
	t.mux.Unlock()

	if fn != nil {
		go fn(webrtc.PeerConnectionStateConnected)
	}
}

// fail reports a failed ICE transport as pion would.
func (t *fakeTransport) fail() {
	t.mux.Lock()
	fn := t.onState
	t.mux.Unlock()

	if fn != nil {
		go fn(webrtc.PeerConnectionStateFailed)
	}
}

func (t *fakeTransport) isClosed() bool {
	t.mux.Lock()
	defer t.mux.Unlock()

	return t.closed
}

func (t *fakeTransport) appliedCandidates() int {
	t.mux.Lock()
	defer t.mux.Unlock()

	return len(t.candidates)
}

func (t *fakeTransport) remoteDescriptionSets() int {
	t.mux.Lock()
	defer t.mux.Unlock()

	return t.remoteSets
}

type fakeFactory struct {
	host string

	mux        sync.Mutex
	transports []*fakeTransport
	err        error
}

func (f *fakeFactory) NewTransport(label string) (Transport, error) {
	f.mux.Lock()
	defer f.mux.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	t := &fakeTransport{label: label, host: f.host}
	f.transports = append(f.transports, t)
	return t, nil
}

func (f *fakeFactory) created() int {
	f.mux.Lock()
	defer f.mux.Unlock()

	return len(f.transports)
}

func (f *fakeFactory) last() *fakeTransport {
	f.mux.Lock()
	defer f.mux.Unlock()

	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}
