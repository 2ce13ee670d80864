package engine

import (
	"context"
	"errors"
	"sync"
)

// Rescanner serializes parameter changes against one session. Each request
// cancels the in-flight evaluation; only the newest request publishes, so a
// burst of slider changes yields exactly one visible result.
type Rescanner struct {
	session *Session

	mu         sync.Mutex
	cancel     context.CancelFunc
	generation uint64
}

func NewRescanner(session *Session) *Rescanner {
	return &Rescanner{session: session}
}

// Request schedules an evaluation with params. publish receives the result
// unless a newer request supersedes this one first.
func (r *Rescanner) Request(params RunParams, publish func(*Result, error)) {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.generation++
	gen := r.generation
	r.mu.Unlock()

	go func() {
		defer cancel()
		res, err := r.session.Evaluate(ctx, params)

		r.mu.Lock()
		newest := gen == r.generation
		r.mu.Unlock()
		if !newest || errors.Is(err, context.Canceled) {
			return
		}
		publish(res, err)
	}()
}

// Stop cancels any in-flight evaluation.
func (r *Rescanner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}
