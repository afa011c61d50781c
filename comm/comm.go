// Package comm is the message passing substrate used by the coupler: a small
// MPI-like point-to-point and all-gather interface over float64 payloads.
//
// Every rank of a pool holds one Comm. Messages between a (source,
// destination, tag) triple are delivered in the order they were posted, so a
// protocol that keeps one message in flight per tag never needs sequence
// numbers. Non-blocking calls return a *Request whose buffer must not be
// touched until the request completes.
//
// Two implementations exist: LocalWorld runs every rank inside one process and
// is what the tests and the single-process coupled runs use, QuicComm runs
// one rank per process over QUIC streams.
package comm

import (
	"context"
)

// Comm is one rank's endpoint into a process pool.
type Comm interface {
	// Rank of this endpoint, 0 <= Rank() < Size().
	Rank() int
	// Size of the pool.
	Size() int

	// Isend posts data to dest. data must not be modified until the request
	// completes.
	Isend(dest, tag int, data []float64) (*Request, error)
	// Irecv posts buf to receive the next message from src with tag.
	Irecv(src, tag int, buf []float64) (*Request, error)

	// Send and Recv are the blocking forms, Recv returns the received count.
	Send(ctx context.Context, dest, tag int, data []float64) error
	Recv(ctx context.Context, src, tag int, buf []float64) (int, error)

	// Allgather concatenates every rank's local slice in rank order. All
	// contributions must have the same length.
	Allgather(ctx context.Context, local []float64) ([]float64, error)

	Close() error
}

// Reserved tags, user tags are >= 0.
const (
	tagAllgather = -1
	tagHello     = -2
)

func checkTag(tag int) error {
	if tag < 0 {
		return ErrInvalidTag
	}
	return nil
}

func checkRank(rank, size int) error {
	if rank < 0 || rank >= size {
		return ErrRankOutOfRange
	}
	return nil
}

// pointToPoint is the subset of a Comm the collectives are built from.
type pointToPoint interface {
	Rank() int
	Size() int
	isend(dest, tag int, data []float64) (*Request, error)
	irecv(src, tag int, buf []float64) (*Request, error)
}

// allgather exchanges local with every other rank over the reserved tag. Each
// rank sends its slice to all others, then receives one slice per peer.
func allgather(ctx context.Context, c pointToPoint, local []float64) ([]float64, error) {
	var (
		n      = len(local)
		size   = c.Size()
		me     = c.Rank()
		out    = make([]float64, n*size)
		header = []float64{float64(n)}
		sends  []*Request
	)
	copy(out[me*n:], local)
	for r := 0; r < size; r++ {
		if r == me {
			continue
		}
		req, err := c.isend(r, tagAllgather, header)
		if err != nil {
			return nil, err
		}
		sends = append(sends, req)
		if req, err = c.isend(r, tagAllgather, local); err != nil {
			return nil, err
		}
		sends = append(sends, req)
	}
	count := make([]float64, 1)
	for r := 0; r < size; r++ {
		if r == me {
			continue
		}
		req, err := c.irecv(r, tagAllgather, count)
		if err != nil {
			return nil, err
		}
		if err = req.Wait(ctx, Blocking); err != nil {
			return nil, err
		}
		if int(count[0]) != n {
			return nil, ErrCollective
		}
		if req, err = c.irecv(r, tagAllgather, out[r*n:(r+1)*n]); err != nil {
			return nil, err
		}
		if err = req.Wait(ctx, Blocking); err != nil {
			return nil, err
		}
	}
	if err := WaitAll(ctx, Blocking, sends...); err != nil {
		return nil, err
	}
	return out, nil
}
