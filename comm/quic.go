package comm

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
)

const (
	alpnProtocol        = "gocouple/1"
	defaultDialTimeout  = 30 * time.Second
	defaultCloseTimeout = 10 * time.Second
	sendQueueDepth      = 256
)

// QuicConfig describes one rank of a pool running one process per rank.
type QuicConfig struct {
	Rank int
	Size int

	// BindAddr is the UDP address this rank listens on. Port 0 picks a free
	// port, see QuicComm.LocalAddr.
	BindAddr string

	// TLSConfig must carry this rank's certificate. It is used both to accept
	// peers and to dial them.
	TLSConfig *tls.Config

	// DialTimeout bounds how long peers that are not listening yet are
	// retried during Connect.
	DialTimeout time.Duration

	// CloseTimeout bounds how long Close waits for peers to finish sending.
	CloseTimeout time.Duration

	MaxFrameSize int
}

// QuicComm runs one rank over QUIC. Every rank opens one unidirectional
// stream to every other rank and writes length-prefixed frames on it, so
// messages from one source arrive in posting order.
type QuicComm struct {
	cfg    QuicConfig
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	ln    *quic.Listener
	inbox *mailbox

	mu      sync.RWMutex
	links   []*link
	conns   []quic.Connection
	writers sync.WaitGroup
	readers sync.WaitGroup
}

type sendJob struct {
	tag  int
	data []float64
	req  *Request
}

type link struct {
	rank   int
	stream quic.SendStream
	jobs   chan sendJob
}

// ListenQuic binds the listener of one rank. Call Connect once every rank
// of the pool is listening.
func ListenQuic(cfg QuicConfig, opts ...Option) (*QuicComm, error) {
	if cfg.TLSConfig == nil {
		return nil, ErrNoTLSConfig
	}
	if err := checkRank(cfg.Rank, cfg.Size); err != nil {
		return nil, err
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.CloseTimeout == 0 {
		cfg.CloseTimeout = defaultCloseTimeout
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = defaultMaxFrameSize
	}
	cfg.TLSConfig = cfg.TLSConfig.Clone()
	if len(cfg.TLSConfig.NextProtos) == 0 {
		cfg.TLSConfig.NextProtos = []string{alpnProtocol}
	}

	o := buildOptions(opts)
	c := &QuicComm{
		cfg:    cfg,
		logger: o.logger().With(LabelRank.L(cfg.Rank)),
		msink:  o.metricSink,
		labels: append([]metrics.Label{LabelRank.M(strconv.Itoa(cfg.Rank))}, o.metricLabels...),
		inbox:  newMailbox(),
		links:  make([]*link, cfg.Size),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	ln, err := quic.ListenAddr(cfg.BindAddr, cfg.TLSConfig, c.quicConfig())
	if err != nil {
		c.cancel()
		return nil, fmt.Errorf("comm: failed to allocate QUIC listener: %w", err)
	}
	c.ln = ln
	go c.acceptLoop()
	c.logger.Debug("listening", "addr", ln.Addr().String())
	return c, nil
}

func (c *QuicComm) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        time.Minute,
		KeepAlivePeriod:       10 * time.Second,
		MaxIncomingUniStreams: int64(c.cfg.Size),
	}
}

// LocalAddr is the address peers should dial.
func (c *QuicComm) LocalAddr() string {
	return c.ln.Addr().String()
}

// Connect dials every other rank. addrs is indexed by rank.
func (c *QuicComm) Connect(ctx context.Context, addrs []string) error {
	if len(addrs) != c.cfg.Size {
		return fmt.Errorf("comm: %d addresses for a pool of %d", len(addrs), c.cfg.Size)
	}
	for r, addr := range addrs {
		if r == c.cfg.Rank {
			continue
		}
		conn, err := c.dial(ctx, addr)
		if err != nil {
			return fmt.Errorf("comm: rank %d could not reach rank %d at %s: %w",
				c.cfg.Rank, r, addr, err)
		}
		stream, err := conn.OpenUniStreamSync(ctx)
		if err != nil {
			return fmt.Errorf("comm: open stream to rank %d: %w", r, err)
		}
		if _, err = stream.Write(appendFrame(nil, tagHello, []float64{float64(c.cfg.Rank)})); err != nil {
			return fmt.Errorf("comm: hello to rank %d: %w", r, err)
		}
		l := &link{rank: r, stream: stream, jobs: make(chan sendJob, sendQueueDepth)}
		c.mu.Lock()
		c.links[r] = l
		c.conns = append(c.conns, conn)
		c.mu.Unlock()
		c.writers.Add(1)
		go c.writeLoop(l)
		c.msink.IncrCounterWithLabels(MetricConnEst, 1, c.labels)
		c.logger.Debug("connected", LabelPeer.L(r), LabelPeerAddr.L(addr))
	}
	return nil
}

func (c *QuicComm) dial(ctx context.Context, addr string) (quic.Connection, error) {
	tlsConf := c.cfg.TLSConfig.Clone()
	if tlsConf.ServerName == "" && !tlsConf.InsecureSkipVerify {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			tlsConf.ServerName = host
		}
	}
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	for {
		conn, err := quic.DialAddr(dctx, addr, tlsConf, c.quicConfig())
		if err == nil {
			return conn, nil
		}
		// Peers start in any order, keep trying until they listen.
		select {
		case <-dctx.Done():
			return nil, err
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (c *QuicComm) acceptLoop() {
	for {
		conn, err := c.ln.Accept(c.ctx)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.conns = append(c.conns, conn)
		c.mu.Unlock()
		go c.serveConn(conn)
	}
}

func (c *QuicComm) serveConn(conn quic.Connection) {
	for {
		stream, err := conn.AcceptUniStream(c.ctx)
		if err != nil {
			return
		}
		c.readers.Add(1)
		go c.readLoop(conn, stream)
	}
}

func (c *QuicComm) readLoop(conn quic.Connection, stream quic.ReceiveStream) {
	defer c.readers.Done()
	r := bufio.NewReader(stream)
	tag, hello, err := readFrame(r, c.cfg.MaxFrameSize)
	if err != nil || tag != tagHello || len(hello) != 1 {
		c.logger.Error("peer did not identify itself",
			LabelPeerAddr.L(conn.RemoteAddr().String()), LabelError.L(err))
		return
	}
	src := int(hello[0])
	if checkRank(src, c.cfg.Size) != nil {
		c.logger.Error("peer announced an invalid rank", LabelPeer.L(src))
		return
	}
	for {
		tag, data, err := readFrame(r, c.cfg.MaxFrameSize)
		if err != nil {
			if c.closed.Load() {
				return
			}
			if errors.Is(err, io.EOF) {
				// Messages already queued from src stay receivable.
				c.inbox.closeSource(src, fmt.Errorf("%w: rank %d ended its stream", ErrClosed, src))
				return
			}
			// A torn stream leaves receives from src unsatisfiable.
			c.logger.Error("stream failed", LabelPeer.L(src), LabelError.L(err))
			c.inbox.close(fmt.Errorf("comm: stream from rank %d: %w", src, err))
			return
		}
		c.msink.IncrCounterWithLabels(MetricRecvBytes, float32(8*len(data)), c.labels)
		if err = c.inbox.deliver(src, tag, data); err != nil {
			return
		}
	}
}

func (c *QuicComm) writeLoop(l *link) {
	defer c.writers.Done()
	var buf []byte
	for job := range l.jobs {
		buf = appendFrame(buf[:0], job.tag, job.data)
		if _, err := l.stream.Write(buf); err != nil {
			c.msink.IncrCounterWithLabels(MetricSendErrors, 1, c.labels)
			job.req.complete(0, fmt.Errorf("comm: send to rank %d: %w", l.rank, err))
			continue
		}
		c.msink.IncrCounterWithLabels(MetricSendBytes, float32(8*len(job.data)), c.labels)
		job.req.complete(len(job.data), nil)
	}
}

func (c *QuicComm) Rank() int { return c.cfg.Rank }
func (c *QuicComm) Size() int { return c.cfg.Size }

func (c *QuicComm) Isend(dest, tag int, data []float64) (*Request, error) {
	if err := checkTag(tag); err != nil {
		return nil, err
	}
	return c.isend(dest, tag, data)
}

func (c *QuicComm) Irecv(src, tag int, buf []float64) (*Request, error) {
	if err := checkTag(tag); err != nil {
		return nil, err
	}
	return c.irecv(src, tag, buf)
}

func (c *QuicComm) isend(dest, tag int, data []float64) (*Request, error) {
	if err := checkRank(dest, c.cfg.Size); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed.Load() {
		return nil, ErrClosed
	}
	req := newRequest()
	if dest == c.cfg.Rank {
		msg := make([]float64, len(data))
		copy(msg, data)
		if err := c.inbox.deliver(dest, tag, msg); err != nil {
			return nil, err
		}
		req.complete(len(data), nil)
		return req, nil
	}
	l := c.links[dest]
	if l == nil {
		return nil, fmt.Errorf("comm: rank %d is not connected", dest)
	}
	// Close waits for the write lock, so a full queue fails the send here.
	select {
	case l.jobs <- sendJob{tag: tag, data: data, req: req}:
	default:
		c.msink.IncrCounterWithLabels(MetricSendErrors, 1, c.labels)
		return nil, fmt.Errorf("%w: rank %d", ErrQueueFull, dest)
	}
	return req, nil
}

func (c *QuicComm) irecv(src, tag int, buf []float64) (*Request, error) {
	if err := checkRank(src, c.cfg.Size); err != nil {
		return nil, err
	}
	return c.inbox.post(src, tag, buf), nil
}

func (c *QuicComm) Send(ctx context.Context, dest, tag int, data []float64) error {
	req, err := c.Isend(dest, tag, data)
	if err != nil {
		return err
	}
	return req.Wait(ctx, Blocking)
}

func (c *QuicComm) Recv(ctx context.Context, src, tag int, buf []float64) (int, error) {
	req, err := c.Irecv(src, tag, buf)
	if err != nil {
		return 0, err
	}
	err = req.Wait(ctx, Blocking)
	return req.Count(), err
}

func (c *QuicComm) Allgather(ctx context.Context, local []float64) ([]float64, error) {
	return allgather(ctx, c, local)
}

// Close flushes queued sends, half-closes the outgoing streams and waits for
// peers to do the same before tearing the connections down.
func (c *QuicComm) Close() error {
	c.mu.Lock()
	if c.closed.Swap(true) {
		c.mu.Unlock()
		return nil
	}
	for _, l := range c.links {
		if l != nil {
			close(l.jobs)
		}
	}
	c.mu.Unlock()
	c.writers.Wait()
	for _, l := range c.links {
		if l != nil {
			_ = l.stream.Close()
		}
	}

	drained := make(chan struct{})
	go func() {
		c.readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(c.cfg.CloseTimeout):
		c.logger.Warn("peers still sending at close", "timeout", c.cfg.CloseTimeout)
	}

	c.cancel()
	c.mu.Lock()
	for _, conn := range c.conns {
		_ = conn.CloseWithError(0, "shutdown")
	}
	c.mu.Unlock()
	c.inbox.close(ErrClosed)
	return c.ln.Close()
}
