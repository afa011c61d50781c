// Package coupling couples two independently partitioned solvers running in
// one process pool.
//
// At setup every rank computes the bounding box of the geometry it owns, all
// boxes are all-gathered over the pool, and each rank opens a PeerChannel to
// every rank of the other solver whose box overlaps its own. A discovery
// round then fixes, per channel, which owned cells travel in which buffer
// slot. From there on each coupling step only posts non-blocking sends of
// field buffers, or posts receives and scatters the arrived values back into
// the caller's field.
//
// A Coupler is driven by a single goroutine, the solver's time loop. Every
// substrate failure is fatal: the first one is latched and returned by every
// later call.
package coupling

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/notargets/gocouple/comm"
	"github.com/notargets/gocouple/geometry"
	"gonum.org/v1/gonum/spatial/r3"
)

type Coupler struct {
	comm    comm.Comm
	topo    Topology
	domain  Domain
	mode    Mode
	backoff comm.Backoff
	logger  *slog.Logger
	msink   metrics.MetricSink
	labels  []metrics.Label

	box      r3.Box
	boxes    *BoxTable
	overlap  *OverlapMatrix
	channels []*PeerChannel

	// Directions agreed with the other solver during setup.
	sending, receiving bool

	initialized bool
	err         error
}

func NewCoupler(c comm.Comm, topo Topology, d Domain, opts ...Option) *Coupler {
	cfg := &config{mode: ModeBoth, backoff: comm.DefaultBackoff}
	for _, opt := range opts {
		opt(cfg)
	}
	cp := &Coupler{
		comm:    c,
		topo:    topo,
		domain:  d,
		mode:    cfg.mode,
		backoff: cfg.backoff,
		msink:   cfg.metricSink,
		labels: append([]metrics.Label{
			comm.LabelRank.M(strconv.Itoa(topo.GlobalRank)),
		}, cfg.metricLabels...),
	}
	if cp.msink == nil {
		cp.msink = metrics.Default()
	}
	logger := slog.Default()
	if cfg.logHandler != nil {
		logger = slog.New(cfg.logHandler)
	}
	cp.logger = logger.With(
		comm.LabelRank.L(topo.GlobalRank),
		slog.String("group", topo.Mine.String()),
	)
	return cp
}

// Initialize runs the setup once: local box, box all-gather, overlap matrix,
// channel registry and index discovery. It is collective over the pool.
func (cp *Coupler) Initialize(ctx context.Context) error {
	if cp.err != nil || cp.initialized {
		return cp.err
	}
	if err := cp.setup(ctx); err != nil {
		return err
	}
	cp.initialized = true
	return nil
}

func (cp *Coupler) setup(ctx context.Context) error {
	start := time.Now()
	if n := len(cp.domain.Points()); n != len(cp.domain.IDs()) {
		return fmt.Errorf("%w: %d points but %d ids", ErrFieldSize, n, len(cp.domain.IDs()))
	}
	cp.box = ComputeLocalBox(cp.domain)
	boxes, err := ExchangeBoxes(ctx, cp.comm, cp.topo, cp.box, cp.mode)
	if err != nil {
		cp.err = err
		cp.logger.Error("box exchange failed", comm.LabelError.L(err))
		return err
	}
	cp.boxes = boxes
	cp.sending = cp.mode.Sends() && boxes.TheirMode.Receives()
	cp.receiving = cp.mode.Receives() && boxes.TheirMode.Sends()
	if !cp.sending && !cp.receiving {
		cp.err = fmt.Errorf("%w: this solver is %s, the other is %s",
			ErrMode, cp.mode, boxes.TheirMode)
		return cp.err
	}

	cp.overlap = NewOverlapMatrix(boxes.Mine, boxes.Theirs)
	cp.openChannels()
	if err = cp.discover(ctx); err != nil {
		return cp.fail("discovery", err)
	}

	var nRecv, nSend int
	for _, ch := range cp.channels {
		nRecv += ch.NRecv()
		nSend += ch.NSend()
	}
	cp.msink.SetGaugeWithLabels(MetricChannels, float32(len(cp.channels)), cp.labels)
	cp.msink.SetGaugeWithLabels(MetricMatchedRecv, float32(nRecv), cp.labels)
	cp.msink.SetGaugeWithLabels(MetricMatchedSend, float32(nSend), cp.labels)
	cp.logger.Info("coupling initialized",
		"box", geometry.String(cp.box),
		"channels", len(cp.channels),
		"sending", cp.sending, "receiving", cp.receiving,
		"matched_recv", nRecv, "matched_send", nSend,
		"elapsed", time.Since(start))
	return nil
}

// RefreshBoxes reruns the setup after the decomposition changed. In-flight
// sends are completed first. It is collective over the pool.
func (cp *Coupler) RefreshBoxes(ctx context.Context) error {
	if err := cp.check("refresh", true); err != nil {
		return err
	}
	for _, ch := range cp.channels {
		if err := ch.drain(ctx, cp.backoff); err != nil {
			return cp.fail("refresh", err)
		}
	}
	cp.channels = nil
	return cp.setup(ctx)
}

// Channels are the open peer channels in increasing peer rank.
func (cp *Coupler) Channels() []*PeerChannel { return cp.channels }

func (cp *Coupler) Box() r3.Box { return cp.box }

func (cp *Coupler) Boxes() *BoxTable { return cp.boxes }

func (cp *Coupler) Overlap() *OverlapMatrix { return cp.overlap }

func (cp *Coupler) Topology() Topology { return cp.topo }

func (cp *Coupler) Mode() Mode { return cp.mode }

// Sending and Receiving report the directions agreed at setup.
func (cp *Coupler) Sending() bool   { return cp.sending }
func (cp *Coupler) Receiving() bool { return cp.receiving }

// Err is the latched fatal error, if any.
func (cp *Coupler) Err() error { return cp.err }

// Close completes in-flight sends and releases the channels. The
// communicator is left open.
func (cp *Coupler) Close(ctx context.Context) (err error) {
	for _, ch := range cp.channels {
		if werr := ch.drain(ctx, cp.backoff); werr != nil && err == nil {
			err = werr
		}
	}
	cp.channels = nil
	cp.initialized = false
	return
}

func (cp *Coupler) check(op string, allowed bool) error {
	switch {
	case cp.err != nil:
		return cp.err
	case !cp.initialized:
		return ErrNotInitialized
	case !allowed:
		return fmt.Errorf("%w: %s (mode %s)", ErrMode, op, cp.mode)
	}
	return nil
}

func (cp *Coupler) fail(op string, err error) error {
	cp.err = fmt.Errorf("%w: %s: %w", ErrMessaging, op, err)
	cp.logger.Error("coupling failed", "op", op, comm.LabelError.L(err))
	return cp.err
}

func (cp *Coupler) observe(op string, start time.Time) {
	cp.msink.AddSampleWithLabels(MetricExchangeMs,
		float32(time.Since(start).Seconds()*1e3),
		append([]metrics.Label{{Name: "op", Value: op}}, cp.labels...))
}
