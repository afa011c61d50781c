package coupling

import (
	"context"
	"fmt"
	"time"

	"github.com/notargets/gocouple/comm"
	"gonum.org/v1/gonum/spatial/r3"
)

// SendScalar posts f, one value per owned cell, to every peer channel.
func (cp *Coupler) SendScalar(ctx context.Context, f []float64) error {
	return cp.send(ctx, "send_scalar", len(f), 1, func(cell, _ int) float64 {
		return f[cell]
	})
}

func (cp *Coupler) SendVector(ctx context.Context, f []r3.Vec) error {
	return cp.send(ctx, "send_vector", len(f), 3, func(cell, c int) float64 {
		return vecComponent(f[cell], c)
	})
}

func (cp *Coupler) SendSymmTensor(ctx context.Context, f []SymmTensor) error {
	return cp.send(ctx, "send_symm_tensor", len(f), 6, func(cell, c int) float64 {
		return f[cell][c]
	})
}

// SendDiagTensor posts the diagonal of f as a vector.
func (cp *Coupler) SendDiagTensor(ctx context.Context, f []Tensor) error {
	return cp.send(ctx, "send_diag_tensor", len(f), 3, func(cell, c int) float64 {
		return f[cell][4*c]
	})
}

// RecvScalar writes the values received from every peer into f. Cells no
// peer covers are left untouched. When peers cover the same cell, the peer
// with the highest rank wins.
func (cp *Coupler) RecvScalar(ctx context.Context, f []float64) error {
	return cp.recv(ctx, "recv_scalar", len(f), 1, func(cell, _ int, v float64) {
		f[cell] = v
	})
}

func (cp *Coupler) RecvVector(ctx context.Context, f []r3.Vec) error {
	return cp.recv(ctx, "recv_vector", len(f), 3, func(cell, c int, v float64) {
		setVecComponent(&f[cell], c, v)
	})
}

func (cp *Coupler) RecvSymmTensor(ctx context.Context, f []SymmTensor) error {
	return cp.recv(ctx, "recv_symm_tensor", len(f), 6, func(cell, c int, v float64) {
		f[cell][c] = v
	})
}

// RecvDiagTensor receives a vector onto the diagonal of f. The off diagonal
// entries of every covered cell are zeroed.
func (cp *Coupler) RecvDiagTensor(ctx context.Context, f []Tensor) error {
	return cp.recv(ctx, "recv_diag_tensor", len(f), 3, func(cell, c int, v float64) {
		if c == 0 {
			f[cell] = Tensor{}
		}
		f[cell][4*c] = v
	})
}

// send fills the send buffers component by component and posts them. The
// previous send of a channel completes before the next one is posted.
func (cp *Coupler) send(ctx context.Context, op string, n, ncomp int,
	get func(cell, c int) float64) error {
	if err := cp.check(op, cp.sending); err != nil {
		return err
	}
	if err := cp.checkLen(op, n); err != nil {
		return err
	}
	defer cp.observe(op, time.Now())
	for c := 0; c < ncomp; c++ {
		b := c % maxSendBuffers
		for _, ch := range cp.channels {
			if _, err := ch.sendReq.wait(ctx, cp.backoff); err != nil {
				return cp.fail(op, err)
			}
			buf := ch.sendBuffer(b)
			for k, cell := range ch.SendCells {
				buf[k] = get(cell, c)
			}
			req, err := cp.comm.Isend(ch.Rank, cp.outTag(tagField+b), buf)
			if err != nil {
				return cp.fail(op, err)
			}
			ch.sendReq.post(req)
		}
	}
	cp.logger.Debug("posted", "op", op, "channels", len(cp.channels))
	return nil
}

// recv posts one receive per channel for each component, waits for all of
// them and scatters the buffers in channel order.
func (cp *Coupler) recv(ctx context.Context, op string, n, ncomp int,
	set func(cell, c int, v float64)) error {
	if err := cp.check(op, cp.receiving); err != nil {
		return err
	}
	if err := cp.checkLen(op, n); err != nil {
		return err
	}
	defer cp.observe(op, time.Now())
	for c := 0; c < ncomp; c++ {
		tag := cp.inTag(tagField + c%maxSendBuffers)
		for _, ch := range cp.channels {
			req, err := cp.comm.Irecv(ch.Rank, tag, ch.recvBuffer())
			if err != nil {
				return cp.fail(op, err)
			}
			ch.recvReq.post(req)
		}
		for _, ch := range cp.channels {
			count, err := ch.recvReq.wait(ctx, cp.backoff)
			if err == nil && count != ch.NRecv() {
				err = fmt.Errorf("rank %d sent %d values, expected %d", ch.Rank, count, ch.NRecv())
			}
			if err != nil {
				return cp.fail(op, err)
			}
		}
		for _, ch := range cp.channels {
			for k, cell := range ch.RecvCells {
				set(cell, c, ch.recvBuf[k])
			}
		}
	}
	cp.logger.Debug("received", "op", op, "channels", len(cp.channels))
	return nil
}

func (cp *Coupler) checkLen(op string, n int) error {
	if want := len(cp.domain.Points()); n != want {
		return fmt.Errorf("%w: %s got %d values for %d cells", ErrFieldSize, op, n, want)
	}
	return nil
}

// SendStatus sends s to every peer channel and blocks until it is handed to
// the substrate. Sending StatusError stops this coupler: later calls return
// ErrAborted.
func (cp *Coupler) SendStatus(ctx context.Context, s Status) error {
	if err := cp.check("send_status", true); err != nil {
		return err
	}
	defer cp.observe("send_status", time.Now())
	msg := []float64{float64(s)}
	for _, ch := range cp.channels {
		if err := cp.comm.Send(ctx, ch.Rank, cp.outTag(tagStatus), msg); err != nil {
			return cp.fail("send_status", err)
		}
	}
	if s == StatusError {
		cp.err = ErrAborted
		cp.logger.Warn("error status sent, coupling stopped")
	}
	return nil
}

// RecvStatus receives one status from every peer channel and returns the
// lowest, so a single StatusError or StatusLastIteration wins. An error
// status stops this coupler with ErrPeerAbort. A rank without peers always
// sees StatusContinue.
func (cp *Coupler) RecvStatus(ctx context.Context) (Status, error) {
	if err := cp.check("recv_status", true); err != nil {
		return StatusError, err
	}
	defer cp.observe("recv_status", time.Now())
	var (
		status = StatusContinue
		msg    = make([]float64, 1)
		from   = -1
	)
	for _, ch := range cp.channels {
		n, err := cp.comm.Recv(ctx, ch.Rank, cp.inTag(tagStatus), msg)
		if err == nil && n != 1 {
			err = fmt.Errorf("%w: status from rank %d has %d values", comm.ErrProtocol, ch.Rank, n)
		}
		if err != nil {
			return StatusError, cp.fail("recv_status", err)
		}
		if s := Status(msg[0]); s < status {
			status, from = s, ch.Rank
		}
	}
	if status == StatusError {
		cp.err = fmt.Errorf("%w: rank %d", ErrPeerAbort, from)
		cp.logger.Error("peer reported an error status", comm.LabelPeer.L(from))
		return status, cp.err
	}
	return status, nil
}

func vecComponent(v r3.Vec, c int) float64 {
	switch c {
	case 0:
		return v.X
	case 1:
		return v.Y
	}
	return v.Z
}

func setVecComponent(v *r3.Vec, c int, x float64) {
	switch c {
	case 0:
		v.X = x
	case 1:
		v.Y = x
	default:
		v.Z = x
	}
}
