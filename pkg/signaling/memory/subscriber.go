package memory

import (
	"sync"

	"github.com/harshabose/simple_webrtc_comm/callclient/pkg/signaling"
)

// subscriber delivers batches on its own goroutine so writers never block on
// listeners, while keeping per-subscription order.
type subscriber struct {
	fn       signaling.Listener
	match    func(path string, fields signaling.Fields) bool
	onCancel func()

	mux      sync.Mutex
	queue    [][]signaling.Change
	wake     chan struct{}
	done     chan struct{}
	once     sync.Once
	canceled bool
}

func newSubscriber(fn signaling.Listener, match func(string, signaling.Fields) bool) *subscriber {
	return &subscriber{
		fn:    fn,
		match: match,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (s *subscriber) push(changes []signaling.Change) {
	s.mux.Lock()
	if s.canceled {
		s.mux.Unlock()
		return
	}
	s.queue = append(s.queue, changes)
	s.mux.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) next() ([]signaling.Change, bool) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.canceled || len(s.queue) == 0 {
		return nil, false
	}
	changes := s.queue[0]
	s.queue = s.queue[1:]
	return changes, true
}

func (s *subscriber) loop() {
	for {
		for {
			changes, ok := s.next()
			if !ok {
				break
			}
			s.fn(changes, nil)
		}

		select {
		case <-s.done:
			return
		case <-s.wake:
		}
	}
}

func (s *subscriber) Cancel() {
	s.once.Do(func() {
		s.mux.Lock()
		s.canceled = true
		s.queue = nil
		s.mux.Unlock()

		close(s.done)
		if s.onCancel != nil {
			s.onCancel()
		}
	})
}
