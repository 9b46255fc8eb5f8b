package runtime

import (
	"sync"
	"time"
)

// Recorder captures the values a subscriber handled or a publisher sent
// while a test harness is attached.
type Recorder struct {
	mu     sync.Mutex
	calls  []any
	notify chan struct{}
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{})}
}

// Record appends v and wakes up WaitCall.
func (r *Recorder) Record(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, v)
	close(r.notify)
	r.notify = make(chan struct{})
}

// Calls returns a copy of every recorded value in order.
func (r *Recorder) Calls() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.calls...)
}

func (r *Recorder) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// LastCall returns the most recent value.
func (r *Recorder) LastCall() (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return nil, false
	}
	return r.calls[len(r.calls)-1], true
}

// WaitCall blocks until at least one value is recorded or timeout elapses
// and returns the most recent value.
func (r *Recorder) WaitCall(timeout time.Duration) (any, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		r.mu.Lock()
		if n := len(r.calls); n > 0 {
			last := r.calls[n-1]
			r.mu.Unlock()
			return last, true
		}
		wake := r.notify
		r.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			return nil, false
		}
	}
}

// Reset forgets every recorded value.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}
