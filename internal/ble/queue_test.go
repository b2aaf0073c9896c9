package ble

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeRunner records every call the queue makes against the link.
type fakeRunner struct {
	mu       sync.Mutex
	calls    []string
	abandons []string

	onWrite func(ctx context.Context, data []byte) error
	onRead  func(ctx context.Context) ([]byte, error)
}

func (f *fakeRunner) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeRunner) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeRunner) abandonLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.abandons)
}

func (f *fakeRunner) openLink(context.Context, Connect) error {
	f.record("connect")
	return nil
}

func (f *fakeRunner) closeLink(context.Context) error {
	f.record("disconnect")
	return nil
}

func (f *fakeRunner) requestMTU(_ context.Context, size int) (int, error) {
	f.record("mtu")
	return size, nil
}

func (f *fakeRunner) write(ctx context.Context, _ Target, data []byte, _ WriteMode) error {
	f.record("write:" + string(data))
	if f.onWrite != nil {
		return f.onWrite(ctx, data)
	}
	return nil
}

func (f *fakeRunner) read(ctx context.Context, _ Target) ([]byte, error) {
	f.record("read")
	if f.onRead != nil {
		return f.onRead(ctx)
	}
	return []byte("value"), nil
}

func (f *fakeRunner) subscribe(context.Context, Target, NotifyMode) error {
	f.record("subscribe")
	return nil
}

func (f *fakeRunner) waitNotification(ctx context.Context, _ WaitForNotification) ([]byte, error) {
	f.record("wait")
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeRunner) abandoned(op Operation, kind ErrorKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandons = append(f.abandons, op.Name()+":"+kind.String())
}

var testTarget = Target{Service: "svc", Characteristic: "chr"}

func newTestQueue(t *testing.T, r *fakeRunner) *opQueue {
	t.Helper()
	q := newQueue(r, QueueOptions{
		Timeout: 2 * time.Second,
		Retry:   RetryPolicy{MaxAttempts: 1},
	})
	t.Cleanup(q.close)
	return q
}

func write(s string) Write { return Write{Target: testTarget, Payload: []byte(s)} }

// resolve waits for h with a test deadline.
func resolve(t *testing.T, h *Handle) (Result, error) {
	t.Helper()
	select {
	case <-h.Done():
		return h.Result()
	case <-time.After(3 * time.Second):
		t.Fatalf("%s #%d did not resolve", h.Operation().Name(), h.Seq())
		return Result{}, nil
	}
}

func mustSucceed(t *testing.T, h *Handle) Result {
	t.Helper()
	res, err := resolve(t, h)
	if err != nil {
		t.Fatalf("%s #%d: %v", h.Operation().Name(), h.Seq(), err)
	}
	return res
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 1s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func connectQueue(t *testing.T, q *opQueue) {
	t.Helper()
	mustSucceed(t, q.enqueue(Connect{})[0])
}

// gate blocks the first write until released.
type gate struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) onWrite(ctx context.Context, data []byte) error {
	if string(data) != "block" {
		return nil
	}
	g.once.Do(func() { close(g.started) })
	<-g.release
	return nil
}

func TestQueueStartsHalted(t *testing.T) {
	r := &fakeRunner{}
	q := newTestQueue(t, r)

	w := q.enqueue(write("a"))[0]
	select {
	case <-w.Done():
		t.Fatal("write ran before connect")
	case <-time.After(30 * time.Millisecond):
	}

	connectQueue(t, q)
	mustSucceed(t, w)

	want := []string{"connect", "write:a"}
	if got := r.callLog(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestQueueOrdersByPriorityThenSequence(t *testing.T) {
	g := newGate()
	r := &fakeRunner{onWrite: g.onWrite}
	q := newTestQueue(t, r)
	connectQueue(t, q)

	first := q.enqueue(write("block"))[0]
	<-g.started

	handles := q.enqueue(write("1"), write("2"))
	handles = append(handles, q.enqueue(RequestMTU{Size: 185})...)
	handles = append(handles, q.enqueue(write("3"))...)
	close(g.release)

	mustSucceed(t, first)
	for _, h := range handles {
		mustSucceed(t, h)
	}

	want := []string{"connect", "write:block", "mtu", "write:1", "write:2", "write:3"}
	if got := r.callLog(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestQueueSequenceIDsIncrease(t *testing.T) {
	q := newTestQueue(t, &fakeRunner{})
	hs := q.enqueue(write("a"), write("b"), write("c"))
	for i := 1; i < len(hs); i++ {
		if hs[i].Seq() != hs[i-1].Seq()+1 {
			t.Errorf("seq[%d] = %d, want %d", i, hs[i].Seq(), hs[i-1].Seq()+1)
		}
	}
}

func TestQueueRetriesBusyTransport(t *testing.T) {
	var attempts int
	r := &fakeRunner{onWrite: func(context.Context, []byte) error {
		attempts++
		if attempts < 3 {
			return ErrTransportBusy
		}
		return nil
	}}
	q := newTestQueue(t, r)
	connectQueue(t, q)

	h := q.enqueue(Write{Target: testTarget, Payload: []byte("x"), Policy: Policy{
		Retry: RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond},
	}})[0]
	mustSucceed(t, h)
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestQueueRetryExhausted(t *testing.T) {
	r := &fakeRunner{onWrite: func(context.Context, []byte) error {
		return ErrTransportBusy
	}}
	q := newTestQueue(t, r)
	connectQueue(t, q)

	h := q.enqueue(Write{Target: testTarget, Payload: []byte("x"), Policy: Policy{
		Retry: RetryPolicy{MaxAttempts: 2, Delay: time.Millisecond},
	}})[0]
	_, err := resolve(t, h)
	if !errors.Is(err, ErrTransportBusy) {
		t.Fatalf("err = %v, want ErrTransportBusy", err)
	}
	if got := len(r.callLog()); got != 3 { // connect + 2 attempts
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestQueueRejectedIsNotRetried(t *testing.T) {
	cause := errors.New("gatt: write not permitted")
	r := &fakeRunner{onWrite: func(context.Context, []byte) error { return cause }}
	q := newTestQueue(t, r)
	connectQueue(t, q)

	h := q.enqueue(Write{Target: testTarget, Payload: []byte("x"), Policy: Policy{
		Retry: RetryPolicy{MaxAttempts: 5, Delay: time.Millisecond},
	}})[0]
	_, err := resolve(t, h)
	if KindOf(err) != KindTransportRejected {
		t.Fatalf("kind = %v, want %v", KindOf(err), KindTransportRejected)
	}
	if !errors.Is(err, cause) {
		t.Errorf("err = %v, want it to wrap %v", err, cause)
	}
	if got := len(r.callLog()); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestQueueTimesOutSilentTransport(t *testing.T) {
	hang := make(chan struct{})
	defer close(hang)
	r := &fakeRunner{onRead: func(context.Context) ([]byte, error) {
		<-hang // ignores ctx
		return nil, nil
	}}
	q := newTestQueue(t, r)
	connectQueue(t, q)

	start := time.Now()
	h := q.enqueue(Read{Target: testTarget, Policy: Policy{Timeout: 50 * time.Millisecond}})[0]
	_, err := resolve(t, h)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
	eventually(t, func() bool { return slices.Equal(r.abandonLog(), []string{"read:timeout"}) })

	// The queue moves on.
	mustSucceed(t, q.enqueue(write("next"))[0])
}

func TestQueuePendingOperationExpires(t *testing.T) {
	g := newGate()
	r := &fakeRunner{onWrite: g.onWrite}
	q := newTestQueue(t, r)
	connectQueue(t, q)
	defer close(g.release)

	q.enqueue(write("block"))
	<-g.started

	h := q.enqueue(Write{Target: testTarget, Payload: []byte("late"), Policy: Policy{Timeout: 20 * time.Millisecond}})[0]
	_, err := resolve(t, h)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if slices.Contains(r.callLog(), "write:late") {
		t.Error("expired operation reached the transport")
	}
}

func TestQueueCancelPending(t *testing.T) {
	g := newGate()
	r := &fakeRunner{onWrite: g.onWrite}
	q := newTestQueue(t, r)
	connectQueue(t, q)

	q.enqueue(write("block"))
	<-g.started
	h := q.enqueue(write("cancelled"))[0]
	h.Cancel()
	close(g.release)

	_, err := resolve(t, h)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	mustSucceed(t, q.enqueue(write("after"))[0])
	if slices.Contains(r.callLog(), "write:cancelled") {
		t.Error("cancelled operation reached the transport")
	}
}

func TestQueueCancelRunning(t *testing.T) {
	started := make(chan struct{})
	r := &fakeRunner{onRead: func(ctx context.Context) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	q := newTestQueue(t, r)
	connectQueue(t, q)

	h := q.enqueue(Read{Target: testTarget})[0]
	<-started
	h.Cancel()
	_, err := resolve(t, h)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
}

func TestQueueCancelLosesRaceToCompletion(t *testing.T) {
	started := make(chan struct{})
	proceed := make(chan struct{})
	r := &fakeRunner{onRead: func(ctx context.Context) ([]byte, error) {
		close(started)
		<-proceed
		return []byte("done"), nil // already succeeded, ignores the abort
	}}
	q := newTestQueue(t, r)
	connectQueue(t, q)

	h := q.enqueue(Read{Target: testTarget})[0]
	<-started
	h.Cancel()
	close(proceed)

	res := mustSucceed(t, h)
	if string(res.Value) != "done" {
		t.Errorf("value = %q, want %q", res.Value, "done")
	}
}

func TestQueueDisconnectCancelsPending(t *testing.T) {
	g := newGate()
	r := &fakeRunner{onWrite: g.onWrite}
	q := newTestQueue(t, r)
	connectQueue(t, q)

	running := q.enqueue(write("block"))[0]
	<-g.started

	pending := q.enqueue(write("1"), write("2"), write("3"), write("4"), write("5"))
	disc := q.enqueue(Disconnect{})[0]
	close(g.release)

	mustSucceed(t, running)
	mustSucceed(t, disc)
	for _, h := range pending {
		if _, err := resolve(t, h); !errors.Is(err, ErrCancelled) {
			t.Errorf("#%d: err = %v, want ErrCancelled", h.Seq(), err)
		}
	}

	// Nothing but Connect may start until the link is back.
	late := q.enqueue(write("late"))[0]
	select {
	case <-late.Done():
		t.Fatal("write ran while disconnected")
	case <-time.After(30 * time.Millisecond):
	}

	calls := r.callLog()
	if last := calls[len(calls)-1]; last != "disconnect" {
		t.Errorf("calls = %v, want disconnect last", calls)
	}
}

func TestQueueLinkLost(t *testing.T) {
	started := make(chan struct{})
	r := &fakeRunner{onRead: func(ctx context.Context) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	q := newTestQueue(t, r)
	connectQueue(t, q)

	running := q.enqueue(Read{Target: testTarget})[0]
	<-started
	pending := q.enqueue(write("a"), write("b"))

	q.linkLost()

	for _, h := range append([]*Handle{running}, pending...) {
		if _, err := resolve(t, h); !errors.Is(err, ErrCancelled) {
			t.Errorf("%s #%d: err = %v, want ErrCancelled", h.Operation().Name(), h.Seq(), err)
		}
	}
	if got := r.abandonLog(); !slices.Equal(got, []string{"read:cancelled"}) {
		t.Errorf("abandoned = %v", got)
	}

	// A new Connect resumes the queue.
	after := q.enqueue(write("after"))[0]
	connectQueue(t, q)
	mustSucceed(t, after)
}

func TestQueueControlRunsWhileHalted(t *testing.T) {
	r := &fakeRunner{}
	q := newTestQueue(t, r)

	w := q.enqueue(write("a"))[0]
	mtu := q.enqueue(RequestMTU{Size: 100})[0]
	disc := q.enqueue(Disconnect{})[0]
	mustSucceed(t, disc)

	// Disconnect flushed the rest even though nothing was connected.
	for _, h := range []*Handle{w, mtu} {
		if _, err := resolve(t, h); !errors.Is(err, ErrCancelled) {
			t.Errorf("%s: err = %v, want ErrCancelled", h.Operation().Name(), err)
		}
	}
}

func TestQueueClose(t *testing.T) {
	r := &fakeRunner{}
	q := newQueue(r, QueueOptions{})
	connectQueue(t, q)
	pending := q.enqueue(Read{Target: testTarget, Policy: Policy{Timeout: time.Hour}})[0]

	q.close()
	q.close()

	if _, err := resolve(t, pending); err != nil && !errors.Is(err, ErrCancelled) {
		t.Errorf("pending: err = %v, want nil or ErrCancelled", err)
	}
	h := q.enqueue(write("after"))[0]
	if _, err := resolve(t, h); !errors.Is(err, ErrCancelled) {
		t.Errorf("after close: err = %v, want ErrCancelled", err)
	}
	if q.len() != 0 {
		t.Errorf("len = %d after close", q.len())
	}
}

func TestHandleWaitContext(t *testing.T) {
	q := newTestQueue(t, &fakeRunner{})
	h := q.enqueue(write("never")) // halted: stays pending

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := h[0].Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() err = %v, want DeadlineExceeded", err)
	}
	if _, err := resolve(t, h[0]); !errors.Is(err, ErrCancelled) {
		t.Errorf("err = %v, want ErrCancelled after Wait gave up", err)
	}
}

func TestOpErrorMessage(t *testing.T) {
	err := &OpError{Kind: KindTransportRejected, Op: "write", Err: errors.New("boom")}
	if msg := err.Error(); !strings.Contains(msg, "write") || !strings.Contains(msg, "boom") {
		t.Errorf("Error() = %q", msg)
	}
	if !errors.Is(err, ErrTransportRejected) {
		t.Error("errors.Is(ErrTransportRejected) = false")
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("errors.Is(ErrTimeout) = true")
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{Delay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	want := []time.Duration{10, 20, 40, 50, 50}
	for i, w := range want {
		if got := p.backoff(i + 1); got != w*time.Millisecond {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, w*time.Millisecond)
		}
	}
	if got := (RetryPolicy{}).backoff(3); got != 0 {
		t.Errorf("zero policy backoff = %v, want 0", got)
	}
}
