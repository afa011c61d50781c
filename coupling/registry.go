package coupling

import (
	"context"
	"fmt"

	"github.com/notargets/gocouple/comm"
	"github.com/notargets/gocouple/geometry"
)

// Message tags. Each exchange direction owns its own block of tags, picked
// from the sender's position in the pool.
const (
	tagStatus = iota
	tagQueryCount
	tagQuery
	tagFoundCount
	tagFound
	tagField // tagField+b for send buffer b

	directionStride = 16
)

func directionTag(base int, senderFirst bool) int {
	if senderFirst {
		return base
	}
	return base + directionStride
}

// outTag is the tag of a message this rank sends, inTag of one it receives.
func (cp *Coupler) outTag(base int) int { return directionTag(base, cp.topo.MineFirst()) }
func (cp *Coupler) inTag(base int) int  { return directionTag(base, !cp.topo.MineFirst()) }

// openChannels allocates one channel per overlapping peer, in peer order.
func (cp *Coupler) openChannels() {
	peers := cp.overlap.Row(cp.topo.LocalRank)
	cp.channels = make([]*PeerChannel, len(peers))
	for i, j := range peers {
		cp.channels[i] = &PeerChannel{
			Rank:       cp.topo.TheirGlobal(j),
			LocalRank:  j,
			BoxOverlap: true,
		}
	}
}

// discover fills the index lists of every channel. The receiving side
// offers the points of its cells lying in the peer's box, the sending side
// locates them in its own cells and answers with the offers it holds.
// Everything is posted before anything is awaited, so both solvers can run
// both directions at once.
func (cp *Coupler) discover(ctx context.Context) error {
	var (
		sends  []*comm.Request
		points = cp.domain.Points()
		ids    = cp.domain.IDs()
	)
	isend := func(dest, tag int, data []float64) error {
		req, err := cp.comm.Isend(dest, tag, data)
		if err != nil {
			return err
		}
		sends = append(sends, req)
		return nil
	}
	recvSized := func(src, countTag, tag int) ([]float64, error) {
		count := make([]float64, 1)
		if _, err := cp.comm.Recv(ctx, src, countTag, count); err != nil {
			return nil, err
		}
		buf := make([]float64, int(count[0]))
		n, err := cp.comm.Recv(ctx, src, tag, buf)
		if err == nil && n != len(buf) {
			err = fmt.Errorf("expected %d values from rank %d, got %d", len(buf), src, n)
		}
		return buf, err
	}

	if cp.receiving {
		for _, ch := range cp.channels {
			peerBox := cp.boxes.Theirs[ch.LocalRank]
			ch.query = ch.query[:0]
			var offer []float64
			for cell, p := range points {
				if geometry.Contains(peerBox, p) {
					ch.query = append(ch.query, cell)
					offer = append(offer, p.X, p.Y, p.Z)
				}
			}
			if err := isend(ch.Rank, cp.outTag(tagQueryCount), []float64{float64(len(ch.query))}); err != nil {
				return err
			}
			if err := isend(ch.Rank, cp.outTag(tagQuery), offer); err != nil {
				return err
			}
		}
	}

	if cp.sending {
		for _, ch := range cp.channels {
			flat, err := recvSized(ch.Rank, cp.inTag(tagQueryCount), cp.inTag(tagQuery))
			if err != nil {
				return err
			}
			var found []float64
			ch.SendCells, ch.SendIDs, ch.Positions = nil, nil, nil
			for k, p := range geometry.UnflattenPoints(flat) {
				cell, ok := cp.domain.Locate(p)
				if !ok {
					continue
				}
				found = append(found, float64(k))
				ch.SendCells = append(ch.SendCells, cell)
				ch.SendIDs = append(ch.SendIDs, ids[cell])
				ch.Positions = append(ch.Positions, p)
			}
			if err = isend(ch.Rank, cp.outTag(tagFoundCount), []float64{float64(len(found))}); err != nil {
				return err
			}
			if err = isend(ch.Rank, cp.outTag(tagFound), found); err != nil {
				return err
			}
		}
	}

	if cp.receiving {
		for _, ch := range cp.channels {
			found, err := recvSized(ch.Rank, cp.inTag(tagFoundCount), cp.inTag(tagFound))
			if err != nil {
				return err
			}
			ch.RecvCells = make([]int, len(found))
			for k, slot := range found {
				if int(slot) < 0 || int(slot) >= len(ch.query) {
					return fmt.Errorf("rank %d answered with offer %d of %d", ch.Rank, int(slot), len(ch.query))
				}
				ch.RecvCells[k] = ch.query[int(slot)]
			}
			ch.query = nil
		}
	}
	return comm.WaitAll(ctx, comm.Blocking, sends...)
}
