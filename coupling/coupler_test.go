package coupling

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/hashicorp/go-metrics"
	"github.com/notargets/gocouple/comm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

// lineDomain is a row of n cells of width h along x starting at x0, each
// spanning [0,1] in y and z.
type lineDomain struct {
	x0, h     float64
	idBase, n int
}

func (d lineDomain) Points() (pts []r3.Vec) {
	for i := 0; i < d.n; i++ {
		pts = append(pts, r3.Vec{X: d.x0 + (float64(i)+0.5)*d.h, Y: 0.5, Z: 0.5})
	}
	return
}

func (d lineDomain) IDs() (ids []int) {
	for i := 0; i < d.n; i++ {
		ids = append(ids, d.idBase+i)
	}
	return
}

func (d lineDomain) Vertices() []r3.Vec {
	return []r3.Vec{{X: d.x0}, {X: d.x0 + float64(d.n)*d.h, Y: 1, Z: 1}}
}

func (d lineDomain) Locate(p r3.Vec) (int, bool) {
	if p.Y < 0 || p.Y > 1 || p.Z < 0 || p.Z > 1 {
		return 0, false
	}
	i := int(math.Floor((p.X - d.x0) / d.h))
	return i, i >= 0 && i < d.n
}

// The first solver runs ranks 0:2 with unit cells on [0,4], the second runs
// ranks 2:5 with cells of 0.75 on [0.0625,3.8125]. No cell centre of one
// lies on a cell face of the other.
var (
	solverA = RankRange{0, 2}
	solverB = RankRange{2, 3}
	domains = []lineDomain{
		{0, 1, 0, 2}, {2, 1, 2, 2},
		{0.0625, 0.75, 0, 2}, {1.5625, 0.75, 2, 1}, {2.3125, 0.75, 3, 2},
	}
)

// valueA is what the first solver holds in the cell containing x at a step.
func valueA(x float64, step int) float64 { return 10 + math.Floor(x) + 100*float64(step) }

func valueB(x float64, step int) float64 {
	return 20 + math.Floor((x-0.0625)/0.75) + 100*float64(step)
}

func newTestCoupler(t *testing.T, c comm.Comm, d Domain, opts ...Option) *Coupler {
	mine, theirs := solverA, solverB
	if solverB.Contains(c.Rank()) {
		mine, theirs = solverB, solverA
	}
	topo, err := ResolveTopology(c.Size(), c.Rank(), mine, theirs)
	require.NoError(t, err)
	opts = append([]Option{
		WithBackoff(comm.Blocking),
		WithMetricSink(&metrics.BlackholeSink{}),
	}, opts...)
	return NewCoupler(c, topo, d, opts...)
}

// runPool runs fn for every rank in its own goroutine.
func runPool(t *testing.T, size int, fn func(c comm.Comm)) {
	w := comm.NewLocalWorld(size, comm.WithMetricSink(&metrics.BlackholeSink{}))
	defer w.Close()
	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func(c comm.Comm) {
			defer wg.Done()
			fn(c)
		}(w.Comm(rank))
	}
	wg.Wait()
}

func TestCoupler_Setup(t *testing.T) {
	ctx := context.Background()
	channels := make([][]*PeerChannel, 5)
	runPool(t, 5, func(c comm.Comm) {
		cp := newTestCoupler(t, c, domains[c.Rank()])
		if !assert.NoError(t, cp.Initialize(ctx)) {
			return
		}
		channels[c.Rank()] = cp.Channels()
		assert.Len(t, cp.Boxes().Mine, cp.Topology().Mine.Size)
		assert.Len(t, cp.Boxes().Theirs, cp.Topology().Theirs.Size)
		assert.Equal(t, ModeBoth, cp.Boxes().TheirMode)
		assert.NoError(t, cp.Close(ctx))
	})
	peers := func(chs []*PeerChannel) (ranks []int) {
		for _, ch := range chs {
			ranks = append(ranks, ch.Rank)
			assert.True(t, ch.BoxOverlap)
		}
		return
	}
	assert.Equal(t, []int{2, 3}, peers(channels[0]))
	assert.Equal(t, []int{3, 4}, peers(channels[1]))
	assert.Equal(t, []int{0}, peers(channels[2]))
	assert.Equal(t, []int{0, 1}, peers(channels[3]))
	assert.Equal(t, []int{1}, peers(channels[4]))

	// Rank 1 and rank 3 overlap by box only, no cell centre of either lies in
	// the other's box. The channel stays open with nothing to move.
	assert.Equal(t, 0, channels[1][0].NRecv())
	assert.Equal(t, 0, channels[3][1].NRecv())
	assert.Equal(t, 1, channels[3][0].NRecv())

	// Rank 0 answers rank 2 for both of its cell centres, and rank 3 for one
	ch := channels[0][0]
	assert.Equal(t, []int{0, 1}, ch.SendCells)
	assert.Equal(t, []int{0, 1}, ch.SendIDs)
	assert.Equal(t, []r3.Vec{{X: 0.4375, Y: .5, Z: .5}, {X: 1.1875, Y: .5, Z: .5}}, ch.Positions)
	assert.Equal(t, []int{1}, channels[0][1].SendCells)
	assert.Equal(t, []int{0, 1}, channels[2][0].RecvCells)
}

func TestCoupler_Exchange(t *testing.T) {
	ctx := context.Background()
	const steps = 3
	runPool(t, 5, func(c comm.Comm) {
		var (
			rank   = c.Rank()
			d      = domains[rank]
			pts    = d.Points()
			first  = solverA.Contains(rank)
			mine   = valueA
			theirs = valueB
		)
		if !first {
			mine, theirs = valueB, valueA
		}
		cp := newTestCoupler(t, c, d)
		if !assert.NoError(t, cp.Initialize(ctx)) {
			return
		}
		defer cp.Close(ctx)
		for step := 0; step < steps; step++ {
			var (
				scalar = make([]float64, len(pts))
				vector = make([]r3.Vec, len(pts))
				symm   = make([]SymmTensor, len(pts))
				diag   = make([]Tensor, len(pts))
			)
			for i, p := range pts {
				v := mine(p.X, step)
				scalar[i] = v
				vector[i] = r3.Vec{X: v, Y: 2 * v, Z: -v}
				symm[i] = SymmTensor{v, v + 1, v + 2, v + 3, v + 4, v + 5}
				diag[i] = Tensor{v, 1, 1, 1, 2 * v, 1, 1, 1, 3 * v}
			}
			if !assert.NoError(t, cp.SendScalar(ctx, scalar)) ||
				!assert.NoError(t, cp.SendVector(ctx, vector)) ||
				!assert.NoError(t, cp.SendSymmTensor(ctx, symm)) ||
				!assert.NoError(t, cp.SendDiagTensor(ctx, diag)) {
				return
			}
			if !assert.NoError(t, cp.RecvScalar(ctx, scalar)) ||
				!assert.NoError(t, cp.RecvVector(ctx, vector)) ||
				!assert.NoError(t, cp.RecvSymmTensor(ctx, symm)) ||
				!assert.NoError(t, cp.RecvDiagTensor(ctx, diag)) {
				return
			}
			for i, p := range pts {
				v := theirs(p.X, step)
				assert.Equal(t, v, scalar[i], "rank %d cell %d step %d", rank, i, step)
				assert.Equal(t, r3.Vec{X: v, Y: 2 * v, Z: -v}, vector[i])
				assert.Equal(t, SymmTensor{v, v + 1, v + 2, v + 3, v + 4, v + 5}, symm[i])
				assert.Equal(t, Tensor{v, 0, 0, 0, 2 * v, 0, 0, 0, 3 * v}, diag[i])
			}

			status := StatusContinue
			if step == steps-1 {
				status = StatusLastIteration
			}
			if !assert.NoError(t, cp.SendStatus(ctx, status)) {
				return
			}
			got, err := cp.RecvStatus(ctx)
			assert.NoError(t, err)
			assert.Equal(t, status, got)
		}
	})
}

func TestCoupler_StatusError(t *testing.T) {
	ctx := context.Background()
	results := make([]error, 5)
	runPool(t, 5, func(c comm.Comm) {
		rank := c.Rank()
		cp := newTestCoupler(t, c, domains[rank])
		if !assert.NoError(t, cp.Initialize(ctx)) {
			return
		}
		if solverA.Contains(rank) {
			status := StatusContinue
			if rank == 0 {
				status = StatusError
			}
			assert.NoError(t, cp.SendStatus(ctx, status))
			results[rank] = cp.SendScalar(ctx, make([]float64, 2))
			return
		}
		got, err := cp.RecvStatus(ctx)
		if rank == 4 {
			assert.Equal(t, StatusContinue, got)
		} else {
			assert.Equal(t, StatusError, got)
		}
		results[rank] = err
		if err != nil {
			// Latched, the exchange is never attempted
			assert.ErrorIs(t, cp.RecvScalar(ctx, make([]float64, len(domains[rank].Points()))), ErrPeerAbort)
		}
	})
	assert.ErrorIs(t, results[0], ErrAborted)
	assert.NoError(t, results[1])
	assert.ErrorIs(t, results[2], ErrPeerAbort)
	assert.ErrorIs(t, results[3], ErrPeerAbort)
	assert.NoError(t, results[4])
}

func TestCoupler_Modes(t *testing.T) {
	ctx := context.Background()
	{ // One way coupling: the first solver only sends
		runPool(t, 5, func(c comm.Comm) {
			rank := c.Rank()
			d := domains[rank]
			mode := ModeReceive
			if solverA.Contains(rank) {
				mode = ModeSend
			}
			cp := newTestCoupler(t, c, d, WithMode(mode))
			if !assert.NoError(t, cp.Initialize(ctx)) {
				return
			}
			field := make([]float64, len(d.Points()))
			if mode == ModeSend {
				assert.ErrorIs(t, cp.RecvScalar(ctx, field), ErrMode)
				for i, p := range d.Points() {
					field[i] = valueA(p.X, 0)
				}
				assert.NoError(t, cp.SendScalar(ctx, field))
				return
			}
			assert.ErrorIs(t, cp.SendScalar(ctx, field), ErrMode)
			assert.NoError(t, cp.RecvScalar(ctx, field))
			for i, p := range d.Points() {
				assert.Equal(t, valueA(p.X, 0), field[i])
			}
		})
	}
	{ // Both solvers only send
		runPool(t, 5, func(c comm.Comm) {
			cp := newTestCoupler(t, c, domains[c.Rank()], WithMode(ModeSend))
			assert.ErrorIs(t, cp.Initialize(ctx), ErrMode)
			assert.ErrorIs(t, cp.SendScalar(ctx, nil), ErrMode)
		})
	}
	{ // Ranks of one solver disagree
		runPool(t, 5, func(c comm.Comm) {
			mode := ModeBoth
			if c.Rank() == 1 {
				mode = ModeSend
			}
			cp := newTestCoupler(t, c, domains[c.Rank()], WithMode(mode))
			assert.ErrorIs(t, cp.Initialize(ctx), ErrTopology)
		})
	}
}

func TestCoupler_NoOverlap(t *testing.T) {
	ctx := context.Background()
	far := []lineDomain{{0, 1, 0, 2}, {100, 1, 0, 3}}
	runPool(t, 2, func(c comm.Comm) {
		mine, theirs := RankRange{0, 1}, RankRange{1, 1}
		if c.Rank() == 1 {
			mine, theirs = theirs, mine
		}
		topo, err := ResolveTopology(2, c.Rank(), mine, theirs)
		require.NoError(t, err)
		d := far[c.Rank()]
		cp := NewCoupler(c, topo, d, WithMetricSink(&metrics.BlackholeSink{}))
		if !assert.NoError(t, cp.Initialize(ctx)) {
			return
		}
		assert.Empty(t, cp.Channels())
		field := []float64{-1, -1, -1}[:d.n]
		assert.NoError(t, cp.SendScalar(ctx, field))
		assert.NoError(t, cp.RecvScalar(ctx, field))
		for _, v := range field {
			assert.Equal(t, -1., v)
		}
		require.NoError(t, cp.SendStatus(ctx, StatusError))
		status, err := cp.RecvStatus(ctx)
		// Nobody listens, and this rank stopped itself
		assert.ErrorIs(t, err, ErrAborted)
		assert.Equal(t, StatusError, status)
	})
}

func TestCoupler_RefreshBoxes(t *testing.T) {
	ctx := context.Background()
	runPool(t, 5, func(c comm.Comm) {
		rank := c.Rank()
		cp := newTestCoupler(t, c, domains[rank])
		assert.ErrorIs(t, cp.RefreshBoxes(ctx), ErrNotInitialized)
		if !assert.NoError(t, cp.Initialize(ctx)) {
			return
		}
		before := len(cp.Channels())
		field := make([]float64, len(domains[rank].Points()))
		assert.NoError(t, cp.SendScalar(ctx, field))
		assert.NoError(t, cp.RecvScalar(ctx, field))
		if !assert.NoError(t, cp.RefreshBoxes(ctx)) {
			return
		}
		assert.Len(t, cp.Channels(), before)
		assert.NoError(t, cp.SendScalar(ctx, field))
		assert.NoError(t, cp.RecvScalar(ctx, field))
	})
}

func TestCoupler_FieldSize(t *testing.T) {
	ctx := context.Background()
	runPool(t, 5, func(c comm.Comm) {
		cp := newTestCoupler(t, c, domains[c.Rank()])
		assert.ErrorIs(t, cp.SendScalar(ctx, nil), ErrNotInitialized)
		if !assert.NoError(t, cp.Initialize(ctx)) {
			return
		}
		assert.ErrorIs(t, cp.SendScalar(ctx, make([]float64, 7)), ErrFieldSize)
		// Not fatal
		assert.NoError(t, cp.Err())
		assert.NoError(t, cp.SendScalar(ctx, make([]float64, len(domains[c.Rank()].Points()))))
		assert.NoError(t, cp.RecvScalar(ctx, make([]float64, len(domains[c.Rank()].Points()))))
	})
}
