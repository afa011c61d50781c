package comm

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startQuicPool(t *testing.T, size int) []*QuicComm {
	t.Helper()
	tlsConf, err := DevTLSConfig()
	require.NoError(t, err)

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})
	pool := make([]*QuicComm, size)
	addrs := make([]string, size)
	for r := 0; r < size; r++ {
		pool[r], err = ListenQuic(QuicConfig{
			Rank:         r,
			Size:         size,
			BindAddr:     "127.0.0.1:0",
			TLSConfig:    tlsConf,
			DialTimeout:  5 * time.Second,
			CloseTimeout: 2 * time.Second,
		}, WithLog(handler), WithMetricSink(&metrics.BlackholeSink{}))
		require.NoError(t, err)
		addrs[r] = pool[r].LocalAddr()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	errs := make([]error, size)
	var wg sync.WaitGroup
	for r := 0; r < size; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			errs[r] = pool[r].Connect(ctx, addrs)
		}(r)
	}
	wg.Wait()
	for r := 0; r < size; r++ {
		require.NoError(t, errs[r])
	}
	return pool
}

func closeQuicPool(pool []*QuicComm) {
	var wg sync.WaitGroup
	for _, c := range pool {
		wg.Add(1)
		go func(c *QuicComm) {
			defer wg.Done()
			_ = c.Close()
		}(c)
	}
	wg.Wait()
}

func TestQuic_PointToPoint(t *testing.T) {
	pool := startQuicPool(t, 2)
	defer closeQuicPool(pool)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	buf := make([]float64, 3)
	req, err := pool[1].Irecv(0, 2, buf)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, pool[0].Send(ctx, 1, 1, []float64{float64(i)}))
	}
	require.NoError(t, pool[0].Send(ctx, 1, 2, []float64{0.5, 1.5, 2.5}))
	require.NoError(t, req.Wait(ctx, DefaultBackoff))
	assert.Equal(t, []float64{0.5, 1.5, 2.5}, buf)

	one := make([]float64, 1)
	for i := 0; i < 5; i++ {
		n, err := pool[1].Recv(ctx, 0, 1, one)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, float64(i), one[0])
	}

	// Self sends never touch the network.
	require.NoError(t, pool[1].Send(ctx, 1, 0, []float64{42}))
	_, err = pool[1].Recv(ctx, 1, 0, one)
	require.NoError(t, err)
	assert.Equal(t, 42., one[0])
}

func TestQuic_Allgather(t *testing.T) {
	size := 3
	pool := startQuicPool(t, size)
	defer closeQuicPool(pool)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := make([][]float64, size)
	errs := make([]error, size)
	var wg sync.WaitGroup
	for r := 0; r < size; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			out[r], errs[r] = pool[r].Allgather(ctx, []float64{float64(r), -float64(r)})
		}(r)
	}
	wg.Wait()
	for r := 0; r < size; r++ {
		require.NoError(t, errs[r])
		assert.Equal(t, []float64{0, 0, 1, -1, 2, -2}, out[r])
	}
}

func TestQuic_Config(t *testing.T) {
	_, err := ListenQuic(QuicConfig{Rank: 0, Size: 1, BindAddr: "127.0.0.1:0"})
	assert.ErrorIs(t, err, ErrNoTLSConfig)

	tlsConf, err := DevTLSConfig()
	require.NoError(t, err)
	_, err = ListenQuic(QuicConfig{Rank: 2, Size: 2, BindAddr: "127.0.0.1:0", TLSConfig: tlsConf})
	assert.ErrorIs(t, err, ErrRankOutOfRange)
}

func TestQuic_FullSendQueue(t *testing.T) {
	// A link whose writer never drains its queue
	c := &QuicComm{
		cfg:    QuicConfig{Rank: 0, Size: 2},
		msink:  &metrics.BlackholeSink{},
		inbox:  newMailbox(),
		links:  []*link{nil, {rank: 1, jobs: make(chan sendJob)}},
		logger: slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
	req, err := c.Isend(1, 0, []float64{1})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Nil(t, req)

	// The failed send does not hold the link table
	locked := make(chan struct{})
	go func() {
		c.mu.Lock()
		c.mu.Unlock()
		close(locked)
	}()
	select {
	case <-locked:
	case <-time.After(time.Second):
		t.Fatal("link table still locked after a failed send")
	}
}
