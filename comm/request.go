package comm

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// Request is the handle of a posted non-blocking send or receive.
type Request struct {
	done  chan struct{}
	count int
	err   error
}

func newRequest() *Request {
	return &Request{done: make(chan struct{})}
}

func (r *Request) complete(count int, err error) {
	r.count, r.err = count, err
	close(r.done)
}

// Test reports whether the request has completed, and its error if so. It
// never blocks.
func (r *Request) Test() (done bool, err error) {
	select {
	case <-r.done:
		return true, r.err
	default:
		return false, nil
	}
}

// Count is the number of values moved by a completed request.
func (r *Request) Count() int {
	if done, _ := r.Test(); !done {
		return 0
	}
	return r.count
}

// Wait blocks until the request completes following the backoff policy.
func (r *Request) Wait(ctx context.Context, b Backoff) error {
	return b.wait(ctx, r)
}

// Backoff is the completion polling policy. The request is tested SpinCount
// times, yielding the processor between tests, then tested once every Sleep.
// A zero Sleep parks on the request instead of polling. A non-zero Timeout
// bounds the whole wait.
type Backoff struct {
	SpinCount int
	Sleep     time.Duration
	Timeout   time.Duration
}

var (
	// DefaultBackoff spins briefly and then polls at a low CPU cost, which
	// suits peers that spend most of a step computing.
	DefaultBackoff = Backoff{SpinCount: 1000, Sleep: 100 * time.Microsecond}
	// Blocking parks on the request without polling.
	Blocking = Backoff{}
)

func (b Backoff) String() string {
	return fmt.Sprintf("spin=%d sleep=%s timeout=%s", b.SpinCount, b.Sleep, b.Timeout)
}

func (b Backoff) wait(ctx context.Context, r *Request) error {
	for i := 0; i < b.SpinCount; i++ {
		if done, err := r.Test(); done {
			return err
		}
		runtime.Gosched()
	}
	var deadline <-chan time.Time
	if b.Timeout > 0 {
		timer := time.NewTimer(b.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	if b.Sleep <= 0 {
		select {
		case <-r.done:
			return r.err
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("%w (%s)", ErrTimeout, b.Timeout)
		}
	}
	ticker := time.NewTicker(b.Sleep)
	defer ticker.Stop()
	for {
		if done, err := r.Test(); done {
			return err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("%w (%s)", ErrTimeout, b.Timeout)
		}
	}
}

// WaitAll waits for every request and returns the first error met. Requests
// are independent, so waiting in order costs no more than waiting on the
// slowest one.
func WaitAll(ctx context.Context, b Backoff, reqs ...*Request) (err error) {
	for _, r := range reqs {
		if r == nil {
			continue
		}
		if werr := r.Wait(ctx, b); werr != nil && err == nil {
			err = werr
		}
	}
	return
}
