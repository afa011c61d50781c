package comm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorld(size int) *LocalWorld {
	return NewLocalWorld(size, WithMetricSink(&metrics.BlackholeSink{}))
}

func TestLocal_SendRecv(t *testing.T) {
	ctx := context.Background()
	w := newTestWorld(2)
	defer w.Close()
	a, b := w.Comm(0), w.Comm(1)

	{ // Receive posted after the send
		req, err := a.Isend(1, 3, []float64{1, 2, 3})
		require.NoError(t, err)
		done, err := req.Test()
		assert.True(t, done)
		assert.NoError(t, err)

		buf := make([]float64, 3)
		n, err := b.Recv(ctx, 0, 3, buf)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.Equal(t, []float64{1, 2, 3}, buf)
	}
	{ // Receive posted before the send
		buf := make([]float64, 2)
		req, err := b.Irecv(0, 4, buf)
		require.NoError(t, err)
		done, _ := req.Test()
		assert.False(t, done)
		require.NoError(t, a.Send(ctx, 1, 4, []float64{5, 6}))
		require.NoError(t, req.Wait(ctx, DefaultBackoff))
		assert.Equal(t, []float64{5, 6}, buf)
		assert.Equal(t, 2, req.Count())
	}
	{ // The sender may reuse its buffer as soon as the send completes
		data := []float64{7}
		require.NoError(t, a.Send(ctx, 1, 5, data))
		data[0] = 8
		buf := make([]float64, 1)
		_, err := b.Recv(ctx, 0, 5, buf)
		require.NoError(t, err)
		assert.Equal(t, 7., buf[0])
	}
}

func TestLocal_Ordering(t *testing.T) {
	ctx := context.Background()
	w := newTestWorld(2)
	defer w.Close()
	a, b := w.Comm(0), w.Comm(1)
	for i := 0; i < 10; i++ {
		require.NoError(t, a.Send(ctx, 1, 0, []float64{float64(i)}))
		require.NoError(t, a.Send(ctx, 1, 1, []float64{float64(100 + i)}))
	}
	buf := make([]float64, 1)
	// Tags are independent streams, each in posting order.
	for i := 0; i < 10; i++ {
		_, err := b.Recv(ctx, 0, 1, buf)
		require.NoError(t, err)
		assert.Equal(t, float64(100+i), buf[0])
	}
	for i := 0; i < 10; i++ {
		_, err := b.Recv(ctx, 0, 0, buf)
		require.NoError(t, err)
		assert.Equal(t, float64(i), buf[0])
	}
}

func TestLocal_Errors(t *testing.T) {
	ctx := context.Background()
	w := newTestWorld(2)
	a, b := w.Comm(0), w.Comm(1)

	_, err := a.Isend(2, 0, nil)
	assert.ErrorIs(t, err, ErrRankOutOfRange)
	_, err = a.Irecv(-1, 0, nil)
	assert.ErrorIs(t, err, ErrRankOutOfRange)
	_, err = a.Isend(1, -5, nil)
	assert.ErrorIs(t, err, ErrInvalidTag)

	require.NoError(t, a.Send(ctx, 1, 0, []float64{1, 2, 3}))
	_, err = b.Recv(ctx, 0, 0, make([]float64, 2))
	assert.ErrorIs(t, err, ErrTruncate)

	req, err := b.Irecv(0, 9, make([]float64, 1))
	require.NoError(t, err)
	require.NoError(t, b.Close())
	assert.ErrorIs(t, req.Wait(ctx, Blocking), ErrClosed)
	_, err = a.Isend(1, 0, []float64{1})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = b.Isend(0, 0, []float64{1})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLocal_Allgather(t *testing.T) {
	var (
		ctx  = context.Background()
		size = 5
		w    = newTestWorld(size)
		out  = make([][]float64, size)
		errs = make([]error, size)
		wg   sync.WaitGroup
	)
	defer w.Close()
	for r := 0; r < size; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			out[r], errs[r] = w.Comm(r).Allgather(ctx, []float64{float64(r), float64(10 * r)})
		}(r)
	}
	wg.Wait()
	expected := []float64{0, 0, 1, 10, 2, 20, 3, 30, 4, 40}
	for r := 0; r < size; r++ {
		require.NoError(t, errs[r])
		assert.Equal(t, expected, out[r])
	}
}

func TestLocal_AllgatherMismatch(t *testing.T) {
	var (
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		w           = newTestWorld(2)
		errs        = make([]error, 2)
		wg          sync.WaitGroup
	)
	defer cancel()
	defer w.Close()
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			_, errs[r] = w.Comm(r).Allgather(ctx, make([]float64, r+1))
		}(r)
	}
	wg.Wait()
	assert.ErrorIs(t, errs[0], ErrCollective)
	assert.ErrorIs(t, errs[1], ErrCollective)
}
