package production

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Recorder is an in-process backend that fabricates artifact references
// instead of calling anything external. It backs `waifugend replay` and
// tests: a dry tick runs the full reserve/produce/commit path against it.
type Recorder struct {
	// Cost, if > 0, is reported as the actual spend instead of the full
	// reserved amount.
	Cost int64
	// Fail makes every call return a non-retryable error.
	Fail bool
	// Delay is applied before answering, still honoring ctx.
	Delay time.Duration

	mu   sync.Mutex
	seen []Request
}

func (r *Recorder) Produce(ctx context.Context, req Request) (Result, error) {
	if r.Delay > 0 {
		t := time.NewTimer(r.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-t.C:
		}
	}
	r.mu.Lock()
	r.seen = append(r.seen, req)
	r.mu.Unlock()
	if r.Fail {
		return Result{}, &BackendError{Ref: "recorder", Retryable: false, Err: fmt.Errorf("forced failure")}
	}
	return Result{
		ArtifactRef:  fmt.Sprintf("recorder://%s/%s/%s", req.Date, req.SlotID, req.Persona),
		CostConsumed: r.Cost,
		Elapsed:      r.Delay,
	}, nil
}

// Requests returns a copy of every request seen so far.
func (r *Recorder) Requests() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Request(nil), r.seen...)
}
