package ble

import (
	"context"
	"errors"
	"sync"
	"time"

	pq "github.com/Workiva/go-datastructures/queue"
	"go.uber.org/zap"
)

// Queue defaults.
const (
	DefaultOperationTimeout = 10 * time.Second
	DefaultRetryAttempts    = 3
	DefaultRetryDelay       = 100 * time.Millisecond
)

// QueueOptions configures the operation queue.
type QueueOptions struct {
	Timeout time.Duration // default deadline for operations without one
	Retry   RetryPolicy   // default retry budget for operations without one
	Logger  *zap.Logger
}

func (o *QueueOptions) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultOperationTimeout
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry.MaxAttempts = DefaultRetryAttempts
	}
	if o.Retry.Delay <= 0 {
		o.Retry.Delay = DefaultRetryDelay
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

type entryState int

const (
	entryPending entryState = iota
	entryRunning
	entryDone
)

// entry is the queue's record of one enqueued operation.
type entry struct {
	seq      uint64
	op       Operation
	retry    RetryPolicy
	deadline time.Time
	handle   *Handle

	state    entryState
	attempts int
	retryAt  time.Time
	gen      uint32 // bumped whenever heap keys for this entry go stale
	expiry   *time.Timer

	abort   context.CancelCauseFunc // set while running
	stop    context.CancelFunc
	abandon chan struct{} // closed when the queue stops waiting for the running call
}

func (e *entry) isLinkControl() bool {
	switch e.op.(type) {
	case Connect, Disconnect:
		return true
	}
	return false
}

// heapKey orders entries by (priority, sequence id). Keys whose gen no longer
// matches their entry are stale and skipped.
type heapKey struct {
	e    *entry
	gen  uint32
	prio Priority
	seq  uint64
}

func (k heapKey) Compare(other pq.Item) int {
	o := other.(heapKey)
	switch {
	case k.prio < o.prio:
		return -1
	case k.prio > o.prio:
		return 1
	case k.seq < o.seq:
		return -1
	case k.seq > o.seq:
		return 1
	}
	return 0
}

func (k heapKey) live() bool { return k.e.gen == k.gen && k.e.state == entryPending }

// opQueue runs operations one at a time in (priority, sequence) order.
//
// The queue starts halted: until a Connect succeeds only Connect and
// Disconnect may run, everything else waits. A Disconnect starting, or
// linkLost, cancels every other pending operation and halts it again.
type opQueue struct {
	r    runner
	opts QueueOptions
	log  *zap.Logger

	mu      sync.Mutex
	heap    *pq.PriorityQueue
	entries map[uint64]*entry // pending and running
	seq     uint64
	running *entry
	halted  bool
	closed  bool

	wake    chan struct{}
	stopped chan struct{}
}

func newQueue(r runner, opts QueueOptions) *opQueue {
	opts.setDefaults()
	q := &opQueue{
		r:       r,
		opts:    opts,
		log:     opts.Logger,
		heap:    pq.NewPriorityQueue(16, false),
		entries: make(map[uint64]*entry),
		halted:  true,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go q.run()
	return q
}

// enqueue adds ops with consecutive sequence ids. It never blocks.
func (q *opQueue) enqueue(ops ...Operation) []*Handle {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	handles := make([]*Handle, 0, len(ops))
	for _, op := range ops {
		q.seq++
		h := newHandle(q, q.seq, op)
		handles = append(handles, h)
		if q.closed {
			h.resolve(Result{}, &OpError{Kind: KindCancelled, Op: op.Name(), Seq: h.seq, Err: errQueueClosed})
			continue
		}

		pol := op.policy()
		timeout := pol.Timeout
		if timeout <= 0 {
			timeout = q.opts.Timeout
		}
		retry := pol.Retry
		if retry.MaxAttempts <= 0 {
			retry = q.opts.Retry
		}

		e := &entry{
			seq:      h.seq,
			op:       op,
			retry:    retry,
			deadline: now.Add(timeout),
			handle:   h,
		}
		e.expiry = time.AfterFunc(timeout, func() { q.expire(e) })
		q.entries[e.seq] = e
		q.push(e)
		q.log.Debug("ble: enqueued", zap.String("op", op.Name()), zap.Uint64("seq", e.seq), zap.Stringer("priority", op.Priority()))
	}
	q.signal()
	return handles
}

var errQueueClosed = errors.New("ble: queue closed")

// push must be called with mu held.
func (q *opQueue) push(e *entry) {
	e.gen++
	_ = q.heap.Put(heapKey{e: e, gen: e.gen, prio: e.op.Priority(), seq: e.seq})
}

func (q *opQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// cancel removes a pending operation, or asks a running one to abort.
func (q *opQueue) cancel(seq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[seq]
	if !ok {
		return
	}
	switch e.state {
	case entryPending:
		q.resolveLocked(e, Result{}, &OpError{Kind: KindCancelled, Op: e.op.Name(), Seq: e.seq})
		q.signal()
	case entryRunning:
		// The running call decides: a context error resolves Cancelled, a
		// result that was already on its way resolves normally.
		e.abort(ErrCancelled)
	}
}

// expire resolves a pending operation whose deadline passed. Running
// operations are timed out by the run loop.
func (q *opQueue) expire(e *entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e.state != entryPending {
		return
	}
	q.log.Debug("ble: operation expired while queued", zap.String("op", e.op.Name()), zap.Uint64("seq", e.seq))
	q.resolveLocked(e, Result{}, &OpError{Kind: KindTimeout, Op: e.op.Name(), Seq: e.seq})
	q.signal()
}

// resolveLocked must be called with mu held.
func (q *opQueue) resolveLocked(e *entry, res Result, err error) {
	e.state = entryDone
	if e.expiry != nil {
		e.expiry.Stop()
	}
	delete(q.entries, e.seq)
	e.handle.resolve(res, err)
}

// flushLocked cancels every pending entry except keep.
func (q *opQueue) flushLocked(keep *entry) int {
	n := 0
	for _, e := range q.entries {
		if e == keep || e.state != entryPending {
			continue
		}
		q.resolveLocked(e, Result{}, &OpError{Kind: KindCancelled, Op: e.op.Name(), Seq: e.seq})
		n++
	}
	return n
}

// linkLost cancels all pending operations and the running one, then halts
// the queue until the next Connect.
func (q *opQueue) linkLost() {
	q.mu.Lock()
	q.halted = true
	n := q.flushLocked(nil)
	abandoned := q.abandonRunningLocked(KindCancelled, errLinkLost)
	q.mu.Unlock()

	if n > 0 || abandoned != nil {
		q.log.Info("ble: link lost, cancelled queued operations", zap.Int("count", n))
	}
	if abandoned != nil {
		q.r.abandoned(abandoned, KindCancelled)
	}
}

var errLinkLost = errors.New("ble: link lost")

// abandonRunningLocked resolves the running entry without waiting for its
// call to return. A running Disconnect is left to finish unless the queue is
// closing.
func (q *opQueue) abandonRunningLocked(kind ErrorKind, cause error) Operation {
	e := q.running
	if e == nil || e.state != entryRunning {
		return nil
	}
	if _, ok := e.op.(Disconnect); ok && !q.closed {
		return nil
	}
	e.abort(cause)
	q.resolveLocked(e, Result{}, &OpError{Kind: kind, Op: e.op.Name(), Seq: e.seq, Err: cause})
	close(e.abandon)
	return e.op
}

// close cancels everything and stops the loop.
func (q *opQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.flushLocked(nil)
	abandoned := q.abandonRunningLocked(KindCancelled, errQueueClosed)
	q.mu.Unlock()

	q.signal()
	<-q.stopped
	q.heap.Dispose()
	if abandoned != nil {
		q.r.abandoned(abandoned, KindCancelled)
	}
}

// len returns the number of pending and running operations.
func (q *opQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *opQueue) run() {
	defer close(q.stopped)
	for {
		e, ctx, wait, ok := q.next()
		if !ok {
			return
		}
		if e == nil {
			q.idle(wait)
			continue
		}
		q.execute(e, ctx)
	}
}

func (q *opQueue) idle(wait time.Duration) {
	if wait <= 0 {
		<-q.wake
		return
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-q.wake:
	case <-t.C:
	}
}

// next picks the entry to run and marks it running. It returns a nil entry
// and a wait duration (0 = until signalled) when nothing can run yet.
func (q *opQueue) next() (*entry, context.Context, time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, nil, 0, false
	}

	var e *entry
	if q.halted {
		e = q.firstLinkControlLocked()
	} else {
		e = q.peekLocked()
	}
	if e == nil {
		return nil, nil, 0, true
	}
	if wait := time.Until(e.retryAt); wait > 0 {
		return nil, nil, wait, true
	}

	e.state = entryRunning
	e.gen++
	e.attempts++
	e.abandon = make(chan struct{})
	base, cancel := context.WithCancelCause(context.Background())
	ctx, stop := context.WithDeadlineCause(base, e.deadline, ErrTimeout)
	e.abort = cancel
	e.stop = stop
	q.running = e

	if _, ok := e.op.(Disconnect); ok {
		q.halted = true
		if n := q.flushLocked(e); n > 0 {
			q.log.Debug("ble: disconnect cancelled queued operations", zap.Int("count", n))
		}
	}
	return e, ctx, 0, true
}

// peekLocked drops stale heap keys and returns the first live entry.
func (q *opQueue) peekLocked() *entry {
	for !q.heap.Empty() {
		k := q.heap.Peek().(heapKey)
		if k.live() {
			return k.e
		}
		_, _ = q.heap.Get(1)
	}
	return nil
}

// firstLinkControlLocked returns the oldest pending Connect or Disconnect.
func (q *opQueue) firstLinkControlLocked() *entry {
	var first *entry
	for _, e := range q.entries {
		if e.state != entryPending || !e.isLinkControl() {
			continue
		}
		if first == nil || e.seq < first.seq {
			first = e
		}
	}
	return first
}

type outcome struct {
	res Result
	err error
}

func (q *opQueue) execute(e *entry, ctx context.Context) {
	defer func() {
		q.mu.Lock()
		q.running = nil
		q.mu.Unlock()
		e.stop()
		e.abort(nil)
	}()

	q.log.Debug("ble: running", zap.String("op", e.op.Name()), zap.Uint64("seq", e.seq), zap.Int("attempt", e.attempts))

	done := make(chan outcome, 1)
	go func() {
		res, err := e.op.exec(ctx, q.r)
		done <- outcome{res, err}
	}()

	deadline := time.NewTimer(time.Until(e.deadline))
	defer deadline.Stop()

	select {
	case out := <-done:
		q.finish(e, ctx, out)
	case <-deadline.C:
		select {
		case out := <-done:
			q.finish(e, ctx, out)
			return
		default:
		}
		q.mu.Lock()
		abandoned := q.abandonTimedOutLocked(e)
		q.mu.Unlock()
		if abandoned {
			q.log.Warn("ble: operation timed out", zap.String("op", e.op.Name()), zap.Uint64("seq", e.seq))
			q.r.abandoned(e.op, KindTimeout)
		}
	case <-e.abandon:
	}
}

func (q *opQueue) abandonTimedOutLocked(e *entry) bool {
	if e.state != entryRunning {
		return false
	}
	e.abort(ErrTimeout)
	q.resolveLocked(e, Result{}, &OpError{Kind: KindTimeout, Op: e.op.Name(), Seq: e.seq})
	close(e.abandon)
	return true
}

func (q *opQueue) finish(e *entry, ctx context.Context, out outcome) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e.state != entryRunning {
		// Already resolved by linkLost or close.
		return
	}
	if out.err == nil {
		if _, ok := e.op.(Connect); ok {
			q.halted = false
		}
		q.resolveLocked(e, out.res, nil)
		return
	}

	kind := failureKind(ctx, out.err)
	if kind == KindTransportBusy && !q.closed && e.attempts < e.retry.MaxAttempts {
		delay := e.retry.backoff(e.attempts)
		if retryAt := time.Now().Add(delay); retryAt.Before(e.deadline) {
			q.log.Debug("ble: retrying",
				zap.String("op", e.op.Name()),
				zap.Uint64("seq", e.seq),
				zap.Int("attempt", e.attempts),
				zap.Duration("backoff", delay),
				zap.Error(out.err),
			)
			e.state = entryPending
			e.retryAt = retryAt
			q.push(e)
			q.signal()
			return
		}
	}

	q.log.Debug("ble: operation failed", zap.String("op", e.op.Name()), zap.Uint64("seq", e.seq), zap.Stringer("kind", kind), zap.Error(out.err))
	if kind == KindCancelled || kind == KindTimeout {
		if errors.Is(out.err, context.Canceled) || errors.Is(out.err, context.DeadlineExceeded) {
			out.err = nil
		}
	}
	q.resolveLocked(e, Result{}, &OpError{Kind: kind, Op: e.op.Name(), Seq: e.seq, Err: out.err})
}

// failureKind classifies a failed call, preferring the reason the queue
// aborted it for.
func failureKind(ctx context.Context, err error) ErrorKind {
	if ctx.Err() != nil {
		switch cause := context.Cause(ctx); {
		case errors.Is(cause, ErrTimeout):
			return KindTimeout
		case errors.Is(cause, ErrCancelled), errors.Is(cause, errLinkLost), errors.Is(cause, errQueueClosed):
			return KindCancelled
		}
	}
	return classify(err)
}

// Handle is the completion sink of one enqueued operation. It resolves
// exactly once.
type Handle struct {
	q    *opQueue
	seq  uint64
	op   Operation
	once sync.Once
	done chan struct{}
	res  Result
	err  error
}

func newHandle(q *opQueue, seq uint64, op Operation) *Handle {
	return &Handle{q: q, seq: seq, op: op, done: make(chan struct{})}
}

func (h *Handle) resolve(res Result, err error) {
	h.once.Do(func() {
		h.res, h.err = res, err
		close(h.done)
	})
}

// Seq returns the sequence id assigned at enqueue.
func (h *Handle) Seq() uint64 { return h.seq }

// Operation returns the operation this handle tracks.
func (h *Handle) Operation() Operation { return h.op }

// Done is closed once the operation resolved.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the resolution. Only valid after Done is closed.
func (h *Handle) Result() (Result, error) {
	<-h.done
	return h.res, h.err
}

// Cancel cancels the operation. See Session.Enqueue for the semantics.
func (h *Handle) Cancel() { h.q.cancel(h.seq) }

// Wait blocks until the operation resolves. If ctx ends first the operation
// is cancelled and ctx.Err() is returned.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.res, h.err
	case <-ctx.Done():
		h.Cancel()
		return Result{}, ctx.Err()
	}
}
