package registry

import (
	"sync"

	"github.com/cheddar/seaport/internal/auth"
)

// EventKind classifies registry events.
type EventKind int

const (
	// EventRegister fires when a service record appears, local or remote.
	EventRegister EventKind = iota
	// EventFree fires when a service record is removed. Service holds the
	// state it had before removal.
	EventFree
	// EventHost fires when this node learns its own host address.
	EventHost
	// EventReject fires when a remote update fails verification.
	EventReject
	// EventClose is the last event before the channel closes.
	EventClose
)

// String returns the string representation of EventKind.
func (k EventKind) String() string {
	switch k {
	case EventRegister:
		return "register"
	case EventFree:
		return "free"
	case EventHost:
		return "host"
	case EventReject:
		return "reject"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers.
type Event struct {
	Kind    EventKind
	Service Service
	Host    string
	Reject  auth.Reject
}

// subscriber buffers events without bound so the loop never blocks on a
// slow reader.
type subscriber struct {
	mu     sync.Mutex
	queue  []Event
	closed bool
	ready  chan struct{}
	out    chan Event
	cancel chan struct{}
	once   sync.Once
}

func newSubscriber() *subscriber {
	s := &subscriber{
		ready:  make(chan struct{}, 1),
		out:    make(chan Event),
		cancel: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

// close lets the pump deliver what is queued, then close the channel.
func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

// stop abandons queued events.
func (s *subscriber) stop() {
	s.once.Do(func() { close(s.cancel) })
	s.close()
}

func (s *subscriber) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.cancel:
			return
		case <-s.ready:
		}
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		closed := s.closed
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.out <- ev:
			case <-s.cancel:
				return
			}
		}
		if closed {
			s.mu.Lock()
			empty := len(s.queue) == 0
			s.mu.Unlock()
			if empty {
				return
			}
			s.signal()
		}
	}
}
