package comm

import "sync"

type mailKey struct {
	src, tag int
}

type pendingRecv struct {
	buf []float64
	req *Request
}

// mailQueue holds either undelivered messages or unmatched receives for one
// (source, tag) pair, never both.
type mailQueue struct {
	msgs  [][]float64
	recvs []pendingRecv
}

// mailbox is the inbox of one rank. Messages are matched to receives in
// posting order per (source, tag).
type mailbox struct {
	mu     sync.Mutex
	queues map[mailKey]*mailQueue
	closed error
	gone   map[int]error // sources that will send nothing more
}

func newMailbox() *mailbox {
	return &mailbox{queues: make(map[mailKey]*mailQueue), gone: make(map[int]error)}
}

func (mb *mailbox) queue(k mailKey) *mailQueue {
	q, ok := mb.queues[k]
	if !ok {
		q = &mailQueue{}
		mb.queues[k] = q
	}
	return q
}

// deliver hands msg to the oldest matching receive or queues it. msg is
// owned by the mailbox afterwards.
func (mb *mailbox) deliver(src, tag int, msg []float64) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed != nil {
		return mb.closed
	}
	q := mb.queue(mailKey{src, tag})
	if len(q.recvs) == 0 {
		q.msgs = append(q.msgs, msg)
		return nil
	}
	pr := q.recvs[0]
	q.recvs = q.recvs[1:]
	fill(pr, msg)
	return nil
}

func (mb *mailbox) post(src, tag int, buf []float64) *Request {
	req := newRequest()
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed != nil {
		req.complete(0, mb.closed)
		return req
	}
	q := mb.queue(mailKey{src, tag})
	if len(q.msgs) == 0 {
		if err := mb.gone[src]; err != nil {
			req.complete(0, err)
			return req
		}
		q.recvs = append(q.recvs, pendingRecv{buf: buf, req: req})
		return req
	}
	msg := q.msgs[0]
	q.msgs = q.msgs[1:]
	fill(pendingRecv{buf: buf, req: req}, msg)
	return req
}

// close fails every pending and future receive with err.
func (mb *mailbox) close(err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed != nil {
		return
	}
	mb.closed = err
	for _, q := range mb.queues {
		for _, pr := range q.recvs {
			pr.req.complete(0, err)
		}
		q.recvs = nil
	}
}

// closeSource fails the pending receives from src with err. Messages already
// queued from src are still matched, later receives that find none fail.
func (mb *mailbox) closeSource(src int, err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed != nil || mb.gone[src] != nil {
		return
	}
	mb.gone[src] = err
	for k, q := range mb.queues {
		if k.src != src {
			continue
		}
		for _, pr := range q.recvs {
			pr.req.complete(0, err)
		}
		q.recvs = nil
	}
}

func fill(pr pendingRecv, msg []float64) {
	if len(msg) > len(pr.buf) {
		pr.req.complete(copy(pr.buf, msg), ErrTruncate)
		return
	}
	pr.req.complete(copy(pr.buf, msg), nil)
}
