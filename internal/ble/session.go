package ble

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chaz8081/blelink/internal/ble/protocol"
)

// Link defaults.
const (
	DefaultATTMTU         = 23  // ATT MTU before negotiation
	DefaultRequestMTU     = 247 // MTU requested during setup
	DefaultConnectTimeout = 30 * time.Second

	attHeaderSize = 3
	closeTimeout  = 5 * time.Second
)

// Sealer protects whole messages before they are framed. *crypto.Sealer
// implements it.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Options configures a Session.
type Options struct {
	Address     string // peer address used by Connect
	AutoConnect bool

	TX       Target   // message frames are written here
	RX       Target   // message frames are notified here
	Required []Target // targets the peer must expose to become Ready
	// Readiness replaces the default check that every Required target exists.
	Readiness func(ctx context.Context, t Transport) (bool, error)

	MTU       int       // MTU requested during setup (default 247)
	WriteMode WriteMode // mode used for message frames

	Timeout        time.Duration // default operation deadline
	ConnectTimeout time.Duration // deadline of Connect, including setup
	Retry          RetryPolicy   // default retry budget for busy transports

	ReconnectMax int // max reconnect backoff in seconds; 0 disables auto-reconnect

	Sealer Sealer
	// DisconnectOnIntegrityError closes the link when an inbound message
	// fails to reassemble or open. By default the error is only reported on
	// Messages and the link stays up.
	DisconnectOnIntegrityError bool

	Logger *zap.Logger
}

func (o *Options) setDefaults() {
	if o.MTU <= 0 {
		o.MTU = DefaultRequestMTU
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// inbound is one item of the Messages stream.
type inbound struct {
	msg []byte
	err error
}

// Session drives one link: a Transport, the queue serializing every call to
// it, the connection state and the message codec.
type Session struct {
	t    Transport
	opts Options
	log  *zap.Logger

	q    *opQueue
	sm   *StateMachine
	bond *bondTracker

	mu      sync.Mutex
	mtu     int
	waiters map[Target]*feed[[]byte]

	rxMu     sync.Mutex
	merger   protocol.Merger
	messages *feed[inbound]

	// linkMu is held while a Connect attempt changes link state. attempt is
	// the id of the newest attempt; older ones may no longer touch the link.
	linkMu  sync.Mutex
	attempt uint64

	want         atomic.Bool // the application wants the link up
	reconnecting atomic.Bool
	closed       atomic.Bool
	done         chan struct{}
}

// NewSession creates a session over t and binds itself as t's event handler.
// The link stays down until Connect.
func NewSession(t Transport, opts Options) (*Session, error) {
	if t == nil {
		return nil, errors.New("ble: nil transport")
	}
	if opts.MTU != 0 && opts.MTU < DefaultATTMTU {
		return nil, fmt.Errorf("ble: mtu %d below minimum %d", opts.MTU, DefaultATTMTU)
	}
	opts.setDefaults()

	s := &Session{
		t:        t,
		opts:     opts,
		log:      opts.Logger,
		sm:       NewStateMachine(),
		bond:     newBondTracker(),
		mtu:      DefaultATTMTU,
		waiters:  make(map[Target]*feed[[]byte]),
		messages: newFeed[inbound](),
		done:     make(chan struct{}),
	}
	s.q = newQueue(s, QueueOptions{
		Timeout: opts.Timeout,
		Retry:   opts.Retry,
		Logger:  opts.Logger,
	})
	t.Bind(s)
	return s, nil
}

// State returns the current connection state.
func (s *Session) State() ConnectionState { return s.sm.State() }

// States yields the current state and then every transition, in order.
func (s *Session) States(ctx context.Context) iter.Seq[ConnectionState] {
	return s.sm.Observe(ctx)
}

// Bond returns the current bond state.
func (s *Session) Bond() BondState { return s.bond.get() }

// BondStates yields the current bond state and then every change.
func (s *Session) BondStates(ctx context.Context) iter.Seq[BondState] {
	return s.bond.observe(ctx)
}

// MTU returns the negotiated ATT MTU, or 23 while not negotiated.
func (s *Session) MTU() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mtu
}

// Pending returns the number of queued and running operations.
func (s *Session) Pending() int { return s.q.len() }

// Enqueue queues op and returns its handle.
//
// Cancelling a queued operation resolves it ErrCancelled. Cancelling a
// running one aborts its transport call: it resolves ErrCancelled if the call
// gives up, or normally if the call had already succeeded.
func (s *Session) Enqueue(op Operation) *Handle { return s.q.enqueue(op)[0] }

// EnqueueBatch queues ops with consecutive sequence ids.
func (s *Session) EnqueueBatch(ops ...Operation) []*Handle { return s.q.enqueue(ops...) }

// Cancel cancels the operation with sequence id seq.
func (s *Session) Cancel(seq uint64) { s.q.cancel(seq) }

func (s *Session) connectOp() Connect {
	return Connect{
		Address:     s.opts.Address,
		AutoConnect: s.opts.AutoConnect,
		Policy:      Policy{Timeout: s.opts.ConnectTimeout, Retry: s.opts.Retry},
	}
}

// Connect opens the link and waits until it is Ready.
func (s *Session) Connect(ctx context.Context) error {
	s.want.Store(true)
	_, err := s.Enqueue(s.connectOp()).Wait(ctx)
	return err
}

// Disconnect closes the link. Operations still queued are cancelled.
func (s *Session) Disconnect(ctx context.Context) error {
	s.want.Store(false)
	_, err := s.Enqueue(Disconnect{}).Wait(ctx)
	return err
}

// Read reads target.
func (s *Session) Read(ctx context.Context, target Target) ([]byte, error) {
	res, err := s.Enqueue(Read{Target: target}).Wait(ctx)
	return res.Value, err
}

// Write writes data to target as a single operation.
func (s *Session) Write(ctx context.Context, target Target, data []byte, mode WriteMode) error {
	_, err := s.Enqueue(Write{Target: target, Payload: data, Mode: mode}).Wait(ctx)
	return err
}

// WaitForNotification waits for count notifications on target, passing each
// one to onValue when set, and returns the last.
func (s *Session) WaitForNotification(ctx context.Context, target Target, count int, onValue func([]byte)) ([]byte, error) {
	res, err := s.Enqueue(WaitForNotification{Target: target, Count: count, OnValue: onValue}).Wait(ctx)
	return res.Value, err
}

// SendMessage seals msg when a Sealer is configured, splits it into frames
// sized for the current MTU and writes them to the TX target in order. If a
// frame fails the remaining frames are cancelled.
func (s *Session) SendMessage(ctx context.Context, msg []byte) error {
	if s.opts.TX == (Target{}) {
		return errors.New("ble: send message: no TX target configured")
	}
	payload := msg
	if s.opts.Sealer != nil {
		sealed, err := s.opts.Sealer.Seal(msg)
		if err != nil {
			return fmt.Errorf("ble: seal message: %w", err)
		}
		payload = sealed
	}

	frames, err := protocol.Split(payload, s.MTU()-attHeaderSize)
	if err != nil {
		return fmt.Errorf("ble: split message: %w", err)
	}
	ops := make([]Operation, len(frames))
	for i, f := range frames {
		ops[i] = Write{Target: s.opts.TX, Payload: f, Mode: s.opts.WriteMode}
	}

	handles := s.q.enqueue(ops...)
	for i, h := range handles {
		if _, err := h.Wait(ctx); err != nil {
			for _, rest := range handles[i+1:] {
				rest.Cancel()
			}
			return err
		}
	}
	s.log.Debug("ble: message sent", zap.Int("bytes", len(msg)), zap.Int("frames", len(frames)))
	return nil
}

// Messages yields every message reassembled from the RX target, or the
// integrity error that ended a broken one.
func (s *Session) Messages(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for in := range s.messages.seq(ctx, nil) {
			if !yield(in.msg, in.err) {
				return
			}
		}
	}
}

// Subscribe starts buffering inbound messages at once, where Messages waits
// for iteration to begin. next blocks for the following message or
// integrity error; ok is false once ctx ends or the session closes. stop
// releases the subscription.
func (s *Session) Subscribe(ctx context.Context) (next func() (msg []byte, ok bool, err error), stop func()) {
	sub := s.messages.subscribe()
	next = func() ([]byte, bool, error) {
		in, ok := sub.next(ctx)
		return in.msg, ok, in.err
	}
	return next, sub.cancel
}

// Close disconnects if needed, cancels every operation and ends all streams.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.want.Store(false)
	close(s.done)

	var err error
	if s.sm.State().Phase != PhaseDisconnected {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		_, err = s.Enqueue(Disconnect{Policy: Policy{Timeout: closeTimeout}}).Wait(ctx)
		cancel()
	}
	if n := s.q.len(); n > 0 {
		s.log.Warn("ble: closing with pending operations", zap.Int("count", n))
	}
	s.q.close()
	s.sm.close()
	s.bond.feed.close()
	s.messages.close()
	return err
}

// --- EventHandler ---

// OnLinkOpened implements EventHandler.
func (s *Session) OnLinkOpened() {
	if _, err := s.sm.Fire(Event{Kind: EventLinkOpened}); err != nil {
		s.log.Debug("ble: link opened event ignored", zap.Error(err))
	}
}

// OnLinkClosed implements EventHandler.
func (s *Session) OnLinkClosed(reason DisconnectReason) {
	prev, next, err := s.sm.fire(Event{Kind: EventLinkClosed, Reason: reason})
	if err != nil {
		s.log.Debug("ble: link closed event ignored", zap.Error(err))
		return
	}
	s.resetLink()
	if prev.Phase == PhaseDisconnecting {
		s.log.Info("ble: disconnected", zap.Stringer("state", next))
		return
	}

	s.log.Warn("ble: link lost", zap.Stringer("from", prev), zap.Stringer("reason", reason))
	s.q.linkLost()
	s.maybeReconnect()
}

// OnBondStateChanged implements EventHandler.
func (s *Session) OnBondStateChanged(state BondState) {
	if s.bond.set(state) {
		s.log.Info("ble: bond state changed", zap.Stringer("bond", state))
	}
}

func (s *Session) resetLink() {
	s.mu.Lock()
	s.mtu = DefaultATTMTU
	s.mu.Unlock()

	s.rxMu.Lock()
	s.merger.Reset()
	s.rxMu.Unlock()
}

// --- runner ---

func (s *Session) openLink(ctx context.Context, op Connect) error {
	if s.sm.State().IsReady() {
		return nil
	}
	id := s.beginAttempt()
	var err error
	if !s.whileCurrent(id, func() { _, err = s.sm.Fire(Event{Kind: EventConnect}) }) {
		return fmt.Errorf("ble: connect: %w", ErrCancelled)
	}
	if err != nil {
		return fmt.Errorf("ble: connect: %w", err)
	}

	addr := op.Address
	if addr == "" {
		addr = s.opts.Address
	}
	s.log.Info("ble: connecting", zap.String("address", addr))

	if err = s.t.OpenLink(ctx, addr, op.AutoConnect); err != nil {
		s.setupFailed(ctx, id, false)
		return fmt.Errorf("ble: open link to %s: %w", addr, err)
	}
	if ctx.Err() != nil {
		s.setupFailed(ctx, id, true)
		return fmt.Errorf("ble: open link to %s: %w", addr, context.Cause(ctx))
	}
	// Transports may report the link before or instead of OnLinkOpened.
	s.whileCurrent(id, func() {
		if s.sm.State().Phase == PhaseConnecting {
			s.OnLinkOpened()
		}
	})

	ready, err := s.checkReadiness(ctx)
	if err == nil && ctx.Err() != nil {
		err = context.Cause(ctx)
	}
	if err != nil {
		s.setupFailed(ctx, id, true)
		return fmt.Errorf("ble: readiness check: %w", err)
	}
	if !ready {
		s.whileCurrent(id, func() {
			if _, err := s.sm.Fire(Event{Kind: EventNotSupported}); err == nil {
				s.log.Warn("ble: peer does not support required targets", zap.String("address", addr))
			}
			s.closeQuietly(ctx)
		})
		return fmt.Errorf("ble: connect to %s: %w", addr, ErrNotSupported)
	}

	mtu, err := s.t.RequestMTU(ctx, s.opts.MTU)
	switch {
	case ctx.Err() != nil:
		s.setupFailed(ctx, id, true)
		return fmt.Errorf("ble: request mtu: %w", context.Cause(ctx))
	case err != nil:
		s.log.Warn("ble: mtu negotiation failed, keeping default", zap.Error(err), zap.Int("mtu", DefaultATTMTU))
	default:
		s.whileCurrent(id, func() { s.setMTU(mtu) })
	}

	if s.opts.RX != (Target{}) {
		err := s.subscribe(ctx, s.opts.RX, Notify)
		if err == nil && ctx.Err() != nil {
			err = fmt.Errorf("ble: enable notify on %s: %w", s.opts.RX, context.Cause(ctx))
		}
		if err != nil {
			s.setupFailed(ctx, id, true)
			return err
		}
	}

	if ctx.Err() != nil {
		s.setupFailed(ctx, id, true)
		return fmt.Errorf("ble: connect to %s: %w", addr, context.Cause(ctx))
	}
	var readyErr error
	if !s.whileCurrent(id, func() { _, readyErr = s.sm.Fire(Event{Kind: EventReady}) }) || readyErr != nil {
		// The link went away while setting up.
		return fmt.Errorf("ble: connect to %s: %w", addr, ErrCancelled)
	}
	s.log.Info("ble: ready", zap.String("address", addr), zap.Int("mtu", s.MTU()))
	return nil
}

// beginAttempt starts a Connect attempt and retires every older one. It
// waits for an older attempt that is still cleaning up.
func (s *Session) beginAttempt() uint64 {
	s.linkMu.Lock()
	defer s.linkMu.Unlock()
	s.attempt++
	return s.attempt
}

// whileCurrent runs fn if attempt id is still the newest, and reports
// whether it did. No newer attempt can start while fn runs.
func (s *Session) whileCurrent(id uint64, fn func()) bool {
	s.linkMu.Lock()
	defer s.linkMu.Unlock()
	if s.attempt != id {
		s.log.Debug("ble: stale connect attempt dropped", zap.Uint64("attempt", id))
		return false
	}
	fn()
	return true
}

func (s *Session) checkReadiness(ctx context.Context) (bool, error) {
	if s.opts.Readiness != nil {
		return s.opts.Readiness(ctx, s.t)
	}
	for _, target := range s.opts.Required {
		ok, err := s.t.HasTarget(ctx, target)
		if err != nil {
			return false, err
		}
		if !ok {
			s.log.Debug("ble: required target missing", zap.Stringer("target", target))
			return false, nil
		}
	}
	return true, nil
}

// setupFailed moves a failed Connect attempt to Disconnected and closes the
// link when it was opened. It does nothing once a newer attempt started.
func (s *Session) setupFailed(ctx context.Context, id uint64, opened bool) {
	reason := ReasonUnknown
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, ErrTimeout):
		reason = ReasonTimeout
	case cause != nil:
		reason = ReasonCancelled
	}
	s.whileCurrent(id, func() {
		if _, err := s.sm.Fire(Event{Kind: EventConnectFailed, Reason: reason}); err == nil {
			s.log.Warn("ble: connect failed", zap.Stringer("reason", reason))
		}
		if opened {
			s.closeQuietly(ctx)
		}
	})
}

func (s *Session) closeQuietly(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := s.t.CloseLink(ctx); err != nil {
		s.log.Debug("ble: close after failed setup", zap.Error(err))
	}
	s.resetLink()
}

func (s *Session) closeLink(ctx context.Context) error {
	if s.sm.State().Phase == PhaseDisconnected {
		return nil
	}
	if _, err := s.sm.Fire(Event{Kind: EventDisconnect}); err != nil {
		return fmt.Errorf("ble: disconnect: %w", err)
	}
	s.log.Info("ble: disconnecting")

	err := s.t.CloseLink(ctx)
	if err != nil {
		// The link state is unknown; consider it gone so Connect can run again.
		s.OnLinkClosed(ReasonUnknown)
		return fmt.Errorf("ble: close link: %w", err)
	}
	if s.sm.State().Phase == PhaseDisconnecting {
		s.OnLinkClosed(ReasonSuccess)
	}
	return nil
}

func (s *Session) setMTU(mtu int) {
	s.mu.Lock()
	s.mtu = mtu
	s.mu.Unlock()
}

func (s *Session) requestMTU(ctx context.Context, size int) (int, error) {
	mtu, err := s.t.RequestMTU(ctx, size)
	if err != nil {
		return 0, fmt.Errorf("ble: request mtu %d: %w", size, err)
	}
	s.setMTU(mtu)
	return mtu, nil
}

func (s *Session) write(ctx context.Context, target Target, data []byte, mode WriteMode) error {
	if err := s.t.Write(ctx, target, data, mode); err != nil {
		return fmt.Errorf("ble: write %s: %w", target, err)
	}
	return nil
}

func (s *Session) read(ctx context.Context, target Target) ([]byte, error) {
	v, err := s.t.Read(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("ble: read %s: %w", target, err)
	}
	return v, nil
}

func (s *Session) subscribe(ctx context.Context, target Target, mode NotifyMode) error {
	sink := func(b []byte) { s.onNotified(target, b) }
	if err := s.t.SetNotificationSink(ctx, target, mode, sink); err != nil {
		return fmt.Errorf("ble: enable %s on %s: %w", mode, target, err)
	}
	return nil
}

func (s *Session) waitNotification(ctx context.Context, op WaitForNotification) ([]byte, error) {
	f := newFeed[[]byte]()
	s.mu.Lock()
	if _, busy := s.waiters[op.Target]; busy {
		s.mu.Unlock()
		return nil, fmt.Errorf("ble: wait on %s: already waiting", op.Target)
	}
	s.waiters[op.Target] = f
	sub := f.subscribe()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.waiters, op.Target)
		s.mu.Unlock()
		f.close()
	}()

	var last []byte
	for n := 0; n < max(op.Count, 1); n++ {
		v, ok := sub.next(ctx)
		if !ok {
			return nil, fmt.Errorf("ble: wait on %s: %w", op.Target, context.Cause(ctx))
		}
		if op.OnValue != nil {
			op.OnValue(v)
		}
		last = v
	}
	return last, nil
}

func (s *Session) abandoned(op Operation, kind ErrorKind) {
	if kind != KindTimeout {
		return
	}
	switch op.(type) {
	case Connect:
		if _, err := s.sm.Fire(Event{Kind: EventConnectFailed, Reason: ReasonTimeout}); err == nil {
			s.log.Warn("ble: connect timed out")
		}
	case Disconnect:
		s.OnLinkClosed(ReasonTimeout)
	}
}

// --- receive path ---

// onNotified routes a value from the transport: to a pending
// WaitForNotification on the same target if there is one, otherwise RX
// values go to the merger.
func (s *Session) onNotified(target Target, value []byte) {
	value = bytes.Clone(value)

	s.mu.Lock()
	w := s.waiters[target]
	s.mu.Unlock()
	if w != nil {
		w.publish(value)
		return
	}
	if target == s.opts.RX {
		s.receiveFrame(value)
		return
	}
	s.log.Debug("ble: unsolicited notification", zap.Stringer("target", target), zap.Int("bytes", len(value)))
}

func (s *Session) receiveFrame(frame []byte) {
	s.rxMu.Lock()
	defer s.rxMu.Unlock()

	done, err := s.merger.Merge(frame)
	if err != nil {
		s.merger.Reset()
		s.integrityError(err)
		return
	}
	if !done {
		return
	}
	msg := bytes.Clone(s.merger.Message())
	s.merger.Reset()

	if s.opts.Sealer != nil {
		msg, err = s.opts.Sealer.Open(msg)
		if err != nil {
			s.integrityError(err)
			return
		}
	}
	s.messages.publish(inbound{msg: msg})
}

func (s *Session) integrityError(err error) {
	s.log.Warn("ble: dropped inbound message", zap.Error(err))
	s.messages.publish(inbound{err: &OpError{Kind: KindIntegrity, Op: "receive", Err: err}})
	if s.opts.DisconnectOnIntegrityError {
		s.want.Store(false)
		s.Enqueue(Disconnect{})
	}
}

var (
	_ runner       = (*Session)(nil)
	_ EventHandler = (*Session)(nil)
)
