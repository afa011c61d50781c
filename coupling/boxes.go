package coupling

import (
	"context"
	"fmt"

	"github.com/notargets/gocouple/comm"
	"github.com/notargets/gocouple/geometry"
	"gonum.org/v1/gonum/spatial/r3"
)

// setupRecordLen is one rank's contribution to the box all-gather: its box
// followed by its solver's coupling mode.
const setupRecordLen = geometry.BoxLen + 1

// BoxTable holds the boxes of every rank of both solvers, indexed by rank
// within the solver. It is identical on every rank of the pool.
type BoxTable struct {
	Mine, Theirs []r3.Box
	TheirMode    Mode
}

// ComputeLocalBox is the tight box around the owned geometry.
func ComputeLocalBox(d Domain) r3.Box {
	return geometry.BoundingBox(d.Vertices(), d.Points())
}

// ExchangeBoxes all-gathers the local boxes over the whole pool. Every rank
// of both solvers must call it.
func ExchangeBoxes(ctx context.Context, c comm.Comm, topo Topology, local r3.Box, mode Mode) (*BoxTable, error) {
	record := append(geometry.Flatten(local), float64(mode))
	all, err := c.Allgather(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("%w: box exchange: %w", ErrMessaging, err)
	}
	if len(all) != setupRecordLen*topo.PoolSize {
		return nil, fmt.Errorf("%w: box exchange returned %d values for a pool of %d",
			ErrMessaging, len(all), topo.PoolSize)
	}
	bt := &BoxTable{
		Mine:   make([]r3.Box, topo.Mine.Size),
		Theirs: make([]r3.Box, topo.Theirs.Size),
	}
	var (
		modes = make(map[Mode]bool)
		rec   []float64
	)
	for i := range bt.Mine {
		rec = all[(topo.Mine.Start+i)*setupRecordLen:]
		bt.Mine[i] = geometry.Unflatten(rec[:geometry.BoxLen])
		if Mode(rec[geometry.BoxLen]) != mode {
			return nil, fmt.Errorf("%w: rank %d of this solver couples in mode %s, expected %s",
				ErrTopology, topo.Mine.Start+i, Mode(rec[geometry.BoxLen]), mode)
		}
	}
	for i := range bt.Theirs {
		rec = all[(topo.Theirs.Start+i)*setupRecordLen:]
		bt.Theirs[i] = geometry.Unflatten(rec[:geometry.BoxLen])
		modes[Mode(rec[geometry.BoxLen])] = true
		bt.TheirMode = Mode(rec[geometry.BoxLen])
	}
	if len(modes) != 1 {
		return nil, fmt.Errorf("%w: ranks of the other solver disagree on the coupling mode", ErrTopology)
	}
	return bt, nil
}
