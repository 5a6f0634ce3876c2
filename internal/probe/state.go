package probe

import (
	"sync"

	"github.com/hamed0406/brokerprobe/internal/domain"
)

// state is shared between the run sequence and transport goroutines
// (failure listener, asynchronous delivery). Every field is guarded by mu.
type state struct {
	mu       sync.Mutex
	sent     bool
	received bool
	running  bool
	fault    error
	verdict  domain.Verdict
	final    bool
	stop     chan struct{}
}

func newState() *state {
	return &state{running: true, verdict: domain.Unknown, stop: make(chan struct{})}
}

func (s *state) markSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = true
}

// markReceived reports whether this call was the first to observe a message.
func (s *state) markReceived() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := !s.received
	s.received = true
	return first
}

func (s *state) isReceived() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

func (s *state) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// fail records an asynchronous transport fault: the verdict is forced to
// CRITICAL and the run loop told to stop. Only the first fault is kept.
func (s *state) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault == nil {
		s.fault = err
	}
	if s.running {
		s.running = false
		close(s.stop)
	}
}

func (s *state) faulted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

// stopped is closed once running is cleared.
func (s *state) stopped() <-chan struct{} { return s.stop }

// finalize sets the verdict the first time it is called and returns the
// verdict in force. A recorded fault overrides v with CRITICAL.
func (s *state) finalize(v domain.Verdict) domain.Verdict {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.final {
		if s.fault != nil {
			v = domain.Critical
		}
		s.verdict = v
		s.final = true
	}
	return s.verdict
}

func (s *state) snapshot() (sent, received bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.received
}
