package client

import (
	"errors"

	"github.com/harshabose/simple_webrtc_comm/callclient/pkg/mediasource"
)

var (
	ErrDeviceUnavailable    = mediasource.ErrDeviceUnavailable
	ErrAlreadyInCall        = errors.New("a call is already in progress")
	ErrCallExpired          = errors.New("call no longer exists or has already ended")
	ErrSignalingWriteFailed = errors.New("signaling write failed")
	ErrTransportError       = errors.New("peer transport error")
	ErrCandidateQueueFull   = errors.New("remote candidate queue is full")
	ErrNotStarted           = errors.New("client not started")

	errCallEnded = errors.New("call ended during setup")
)
