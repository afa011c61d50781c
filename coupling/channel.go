package coupling

import (
	"context"

	"github.com/notargets/gocouple/comm"
	"gonum.org/v1/gonum/spatial/r3"
)

// Components of a field rotate over maxSendBuffers send buffers, so a
// buffer is refilled at most every third component.
const maxSendBuffers = 3

// handle is Idle while req is nil and Posted otherwise.
type handle struct {
	req *comm.Request
}

func (h *handle) posted() bool { return h.req != nil }

func (h *handle) post(req *comm.Request) { h.req = req }

// wait completes a posted request and returns the handle to Idle.
func (h *handle) wait(ctx context.Context, b comm.Backoff) (count int, err error) {
	if h.req == nil {
		return 0, nil
	}
	req := h.req
	h.req = nil
	err = req.Wait(ctx, b)
	return req.Count(), err
}

// PeerChannel is the persistent state kept for one rank of the other solver
// whose box overlaps ours. Index lists are fixed at setup: buffer slot k
// always carries the same cell for the whole run.
type PeerChannel struct {
	Rank       int // global rank of the peer
	LocalRank  int // rank of the peer within its solver
	BoxOverlap bool

	// RecvCells[k] is the owned cell written from receive buffer slot k.
	RecvCells []int
	recvBuf   []float64
	recvReq   handle

	// SendCells[k] is the owned cell read into send buffer slot k, SendIDs[k]
	// its global identifier and Positions[k] the point the peer asked for.
	SendCells []int
	SendIDs   []int
	Positions []r3.Vec
	sendBuf   [maxSendBuffers][]float64
	sendReq   handle // one send in flight at most

	// query holds the owned cells offered to the peer during discovery.
	query []int
}

func (ch *PeerChannel) NRecv() int { return len(ch.RecvCells) }
func (ch *PeerChannel) NSend() int { return len(ch.SendCells) }

func (ch *PeerChannel) recvBuffer() []float64 {
	if len(ch.recvBuf) != len(ch.RecvCells) {
		ch.recvBuf = make([]float64, len(ch.RecvCells))
	}
	return ch.recvBuf
}

func (ch *PeerChannel) sendBuffer(b int) []float64 {
	if len(ch.sendBuf[b]) != len(ch.SendCells) {
		ch.sendBuf[b] = make([]float64, len(ch.SendCells))
	}
	return ch.sendBuf[b]
}

// drain waits for the send and the receive still in flight.
func (ch *PeerChannel) drain(ctx context.Context, b comm.Backoff) (err error) {
	_, err = ch.sendReq.wait(ctx, b)
	if _, werr := ch.recvReq.wait(ctx, b); werr != nil && err == nil {
		err = werr
	}
	return
}
