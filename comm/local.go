package comm

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/hashicorp/go-metrics"
)

// LocalWorld is a pool whose ranks all live in this process, typically one
// goroutine per rank. Sends are eager: the payload is copied at post time and
// the send request completes immediately.
type LocalWorld struct {
	inboxes []*mailbox
	comms   []*LocalComm
}

// LocalComm is the endpoint of one rank of a LocalWorld.
type LocalComm struct {
	world  *LocalWorld
	rank   int
	closed atomic.Bool
	msink  metrics.MetricSink
	labels []metrics.Label
}

// NewLocalWorld builds a pool of size ranks.
func NewLocalWorld(size int, opts ...Option) *LocalWorld {
	if size < 1 {
		panic("local world needs at least one rank")
	}
	o := buildOptions(opts)
	w := &LocalWorld{
		inboxes: make([]*mailbox, size),
		comms:   make([]*LocalComm, size),
	}
	for r := 0; r < size; r++ {
		w.inboxes[r] = newMailbox()
		w.comms[r] = &LocalComm{
			world:  w,
			rank:   r,
			msink:  o.metricSink,
			labels: append([]metrics.Label{LabelRank.M(strconv.Itoa(r))}, o.metricLabels...),
		}
	}
	return w
}

// Comm returns the endpoint of rank.
func (w *LocalWorld) Comm(rank int) *LocalComm {
	return w.comms[rank]
}

func (w *LocalWorld) Size() int { return len(w.comms) }

// Close closes every rank.
func (w *LocalWorld) Close() {
	for _, c := range w.comms {
		_ = c.Close()
	}
}

func (c *LocalComm) Rank() int { return c.rank }
func (c *LocalComm) Size() int { return len(c.world.comms) }

func (c *LocalComm) Isend(dest, tag int, data []float64) (*Request, error) {
	if err := checkTag(tag); err != nil {
		return nil, err
	}
	return c.isend(dest, tag, data)
}

func (c *LocalComm) Irecv(src, tag int, buf []float64) (*Request, error) {
	if err := checkTag(tag); err != nil {
		return nil, err
	}
	return c.irecv(src, tag, buf)
}

func (c *LocalComm) isend(dest, tag int, data []float64) (*Request, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if err := checkRank(dest, c.Size()); err != nil {
		return nil, err
	}
	msg := make([]float64, len(data))
	copy(msg, data)
	req := newRequest()
	if err := c.world.inboxes[dest].deliver(c.rank, tag, msg); err != nil {
		c.msink.IncrCounterWithLabels(MetricSendErrors, 1, c.labels)
		return nil, err
	}
	c.msink.IncrCounterWithLabels(MetricSendBytes, float32(8*len(data)), c.labels)
	req.complete(len(data), nil)
	return req, nil
}

func (c *LocalComm) irecv(src, tag int, buf []float64) (*Request, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if err := checkRank(src, c.Size()); err != nil {
		return nil, err
	}
	c.msink.IncrCounterWithLabels(MetricRecvBytes, float32(8*len(buf)), c.labels)
	return c.world.inboxes[c.rank].post(src, tag, buf), nil
}

func (c *LocalComm) Send(ctx context.Context, dest, tag int, data []float64) error {
	req, err := c.Isend(dest, tag, data)
	if err != nil {
		return err
	}
	return req.Wait(ctx, Blocking)
}

func (c *LocalComm) Recv(ctx context.Context, src, tag int, buf []float64) (int, error) {
	req, err := c.Irecv(src, tag, buf)
	if err != nil {
		return 0, err
	}
	if err = req.Wait(ctx, Blocking); err != nil {
		return req.Count(), err
	}
	return req.Count(), nil
}

func (c *LocalComm) Allgather(ctx context.Context, local []float64) ([]float64, error) {
	return allgather(ctx, c, local)
}

// Close fails the pending receives of this rank and refuses further traffic
// addressed to it.
func (c *LocalComm) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.world.inboxes[c.rank].close(ErrClosed)
	return nil
}
