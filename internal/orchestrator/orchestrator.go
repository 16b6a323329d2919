package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"evlogai/internal/api"
	"evlogai/internal/callback"
	"evlogai/internal/model"
)

// Dispatcher posts a job and reports the synchronous acknowledgement.
type Dispatcher interface {
	Send(ctx context.Context, job model.Job) api.AckResult
}

// Renderer displays the analysis text for a job.
type Renderer interface {
	Render(ctx context.Context, text string, job model.Job) error
}

type Deps struct {
	Dispatcher Dispatcher
	Renderer   Renderer
}

type Options struct {
	Listener callback.Config
	// WaitTimeout bounds the wait for the callback after dispatch. Zero waits forever.
	WaitTimeout time.Duration
}

// Orchestrator runs one round trip at a time: bind the callback listener,
// dispatch the job, wait for the result and render it.
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger arbor.ILogger

	mu      sync.Mutex
	current *PendingRequest
}

func New(deps Deps, opts Options, logger arbor.ILogger) *Orchestrator {
	return &Orchestrator{deps: deps, opts: opts, logger: logger}
}

// Start begins a round trip for job. It fails with model.ErrAlreadyInFlight
// while another request is not terminal, and with a *model.BindError when the
// callback port cannot be bound; in that case the request is Failed and
// nothing is dispatched.
func (o *Orchestrator) Start(ctx context.Context, job model.Job) (*PendingRequest, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if cur := o.current; cur != nil && !cur.Status().Terminal() {
		o.logger.Warn().
			Str("job_id", job.ID).
			Str("in_flight", cur.job.ID).
			Str("status", cur.Status().String()).
			Msg("Rejected start while a request is in flight")
		return nil, model.ErrAlreadyInFlight
	}

	logger := o.logger.WithCorrelationId(job.ID)
	req := newPendingRequest(job, logger)
	o.current = req

	l, err := callback.Start(o.opts.Listener, logger)
	if err != nil {
		logger.Error().Err(err).Str("addr", o.opts.Listener.Addr).Msg("Callback listener bind failed")
		req.finish(Failed, err, "")
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	req.attach(l, cancel)
	req.setStatus(Listening)

	logger.Info().
		Str("title", job.Title).
		Str("channel", job.CategoryChannel).
		Int("records", len(job.Records)).
		Str("listen", req.ListenAddr()).
		Msg("Round trip started")

	go o.run(runCtx, req, l)
	return req, nil
}

// Cancel ends the current request if it is not terminal. Callbacks arriving
// afterwards have no effect.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	req := o.current
	o.mu.Unlock()
	if req == nil {
		return false
	}
	return req.finish(Cancelled, model.ErrCancelled, "")
}

// Current returns the most recent request, or nil before the first Start.
func (o *Orchestrator) Current() *PendingRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

func (o *Orchestrator) run(ctx context.Context, req *PendingRequest, l *callback.Listener) {
	ack := o.deps.Dispatcher.Send(ctx, req.job)
	if err := ack.Err(); err != nil {
		if ctx.Err() != nil {
			req.finish(Cancelled, model.ErrCancelled, "")
			return
		}
		req.finish(Failed, err, "")
		return
	}
	if !req.advance(Listening, Dispatched) {
		return
	}
	req.logger.Info().Int("status", ack.StatusCode).Msg("Dispatch accepted; waiting for callback")

	var timeout <-chan time.Time
	if o.opts.WaitTimeout > 0 {
		t := time.NewTimer(o.opts.WaitTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case d := <-l.Deliveries():
		if d.Err != nil {
			req.finish(Failed, d.Err, "")
			return
		}
		text := d.Payload.Text()
		if err := o.deps.Renderer.Render(ctx, text, req.job); err != nil {
			req.finish(Failed, fmt.Errorf("render result: %w", err), text)
			return
		}
		req.finish(Completed, nil, text)
	case <-timeout:
		req.finish(TimedOut, fmt.Errorf("%w after %s", model.ErrCallbackTimeout, o.opts.WaitTimeout), "")
	case <-ctx.Done():
		req.finish(Cancelled, model.ErrCancelled, "")
	}
}
