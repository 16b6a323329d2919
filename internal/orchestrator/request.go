package orchestrator

import (
	"context"
	"sync"

	"github.com/ternarybob/arbor"

	"evlogai/internal/callback"
	"evlogai/internal/model"
)

// Status is the state of a PendingRequest.
type Status int

const (
	Idle Status = iota
	Listening
	Dispatched
	Completed
	Failed
	TimedOut
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Dispatched:
		return "dispatched"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	switch s {
	case Completed, Failed, TimedOut, Cancelled:
		return true
	}
	return false
}

// PendingRequest tracks one round trip. It owns the callback listener until
// the request reaches a terminal status.
type PendingRequest struct {
	job    model.Job
	logger arbor.ILogger

	mu       sync.Mutex
	status   Status
	err      error
	text     string
	listener *callback.Listener
	addr     string
	cancel   context.CancelFunc

	done     chan struct{}
	released chan struct{}
}

func newPendingRequest(job model.Job, logger arbor.ILogger) *PendingRequest {
	return &PendingRequest{
		job:      job,
		logger:   logger,
		status:   Idle,
		done:     make(chan struct{}),
		released: make(chan struct{}),
	}
}

func (r *PendingRequest) Job() model.Job { return r.job }

func (r *PendingRequest) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Err is the failure that ended the request; nil unless terminal and unsuccessful.
func (r *PendingRequest) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Text is the analysis text extracted from the callback.
func (r *PendingRequest) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.text
}

// ListenAddr is the address the callback listener is bound to.
func (r *PendingRequest) ListenAddr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

// Done is closed when the request reaches a terminal status.
func (r *PendingRequest) Done() <-chan struct{} { return r.done }

// Released is closed once the callback listener has fully shut down.
func (r *PendingRequest) Released() <-chan struct{} { return r.released }

// Wait blocks until the request is terminal and returns its error.
func (r *PendingRequest) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *PendingRequest) attach(l *callback.Listener, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
	r.addr = l.Addr().String()
	r.cancel = cancel
}

func (r *PendingRequest) setStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.Debug().Str("from", r.status.String()).Str("to", s.String()).Msg("Request status changed")
	r.status = s
}

// advance moves from -> to, failing when the request has moved on.
func (r *PendingRequest) advance(from, to Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != from {
		return false
	}
	r.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("Request status changed")
	r.status = to
	return true
}

// finish records a terminal status. The first call wins; it stops the
// listener and closes Done. Later calls return false.
func (r *PendingRequest) finish(s Status, err error, text string) bool {
	r.mu.Lock()
	if r.status.Terminal() {
		r.mu.Unlock()
		return false
	}
	from := r.status
	r.status, r.err, r.text = s, err, text
	l, cancel := r.listener, r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if l != nil {
		stopped := l.Stop()
		go func() {
			<-stopped
			close(r.released)
		}()
	} else {
		close(r.released)
	}
	close(r.done)

	ev := r.logger.Info()
	if err != nil {
		ev = r.logger.Error().Err(err)
	}
	ev.Str("from", from.String()).Str("status", s.String()).Msg("Round trip finished")
	return true
}
