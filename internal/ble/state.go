package ble

import (
	"context"
	"fmt"
	"iter"
	"sync"
)

// Phase is the lifecycle position of a link.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseInitializing
	PhaseReady
	PhaseDisconnecting
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseInitializing:
		return "initializing"
	case PhaseReady:
		return "ready"
	case PhaseDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// DisconnectReason says why a link ended up Disconnected.
type DisconnectReason int

const (
	ReasonUnknown DisconnectReason = iota
	ReasonSuccess
	ReasonTerminatedByLocalHost
	ReasonTerminatedByPeer
	ReasonLinkLoss
	ReasonNotSupported
	ReasonCancelled
	ReasonTimeout
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonSuccess:
		return "success"
	case ReasonTerminatedByLocalHost:
		return "terminated by local host"
	case ReasonTerminatedByPeer:
		return "terminated by peer"
	case ReasonLinkLoss:
		return "link loss"
	case ReasonNotSupported:
		return "not supported"
	case ReasonCancelled:
		return "cancelled"
	case ReasonTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ConnectionState is the observable state of a link. Reason is only set
// when Phase is PhaseDisconnected.
type ConnectionState struct {
	Phase  Phase
	Reason DisconnectReason
}

// Disconnected returns the Disconnected state with reason r.
func Disconnected(r DisconnectReason) ConnectionState {
	return ConnectionState{Phase: PhaseDisconnected, Reason: r}
}

// IsConnected is true while the link is up: Initializing or Ready.
func (s ConnectionState) IsConnected() bool {
	return s.Phase == PhaseInitializing || s.Phase == PhaseReady
}

// IsReady is true only in Ready.
func (s ConnectionState) IsReady() bool { return s.Phase == PhaseReady }

func (s ConnectionState) String() string {
	if s.Phase == PhaseDisconnected {
		return fmt.Sprintf("disconnected(%s)", s.Reason)
	}
	return s.Phase.String()
}

// BondState is the pairing state of the peer. It is independent of the
// connection: a peer stays Bonded while disconnected.
type BondState int

const (
	NotBonded BondState = iota
	Bonding
	Bonded
)

func (b BondState) String() string {
	switch b {
	case Bonding:
		return "bonding"
	case Bonded:
		return "bonded"
	default:
		return "not bonded"
	}
}

// EventKind names an input of the state machine.
type EventKind int

const (
	EventConnect EventKind = iota + 1
	EventLinkOpened
	EventConnectFailed
	EventReady
	EventNotSupported
	EventDisconnect
	EventLinkClosed
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventLinkOpened:
		return "link-opened"
	case EventConnectFailed:
		return "connect-failed"
	case EventReady:
		return "ready"
	case EventNotSupported:
		return "not-supported"
	case EventDisconnect:
		return "disconnect"
	case EventLinkClosed:
		return "link-closed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is fed to StateMachine.Fire. Reason is used by EventConnectFailed
// and EventLinkClosed.
type Event struct {
	Kind   EventKind
	Reason DisconnectReason
}

// StateMachine derives the ConnectionState from link events. Every accepted
// transition is published to observers after the state is updated, while the
// state lock is still held, so observers see transitions in order.
type StateMachine struct {
	mu    sync.Mutex
	state ConnectionState
	feed  *feed[ConnectionState]
}

// NewStateMachine starts in Disconnected(unknown).
func NewStateMachine() *StateMachine {
	return &StateMachine{
		state: Disconnected(ReasonUnknown),
		feed:  newFeed[ConnectionState](),
	}
}

// State returns the current state.
func (m *StateMachine) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fire applies ev. It returns the resulting state, or ErrIllegalTransition
// when the current state does not accept ev; nothing is emitted then.
func (m *StateMachine) Fire(ev Event) (ConnectionState, error) {
	_, next, err := m.fire(ev)
	return next, err
}

// fire is Fire that also reports the state ev was applied to.
func (m *StateMachine) fire(ev Event) (prev, next ConnectionState, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev = m.state
	next, ok := transition(prev, ev)
	if !ok {
		return prev, prev, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, ev.Kind, prev)
	}
	m.state = next
	m.feed.publish(next)
	return prev, next, nil
}

// Observe yields the current state followed by every later transition.
// Each iteration is an independent subscription.
func (m *StateMachine) Observe(ctx context.Context) iter.Seq[ConnectionState] {
	return m.feed.seq(ctx, func() *subscription[ConnectionState] {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.feed.subscribe(m.state)
	})
}

func (m *StateMachine) close() { m.feed.close() }

func transition(cur ConnectionState, ev Event) (ConnectionState, bool) {
	switch cur.Phase {
	case PhaseDisconnected:
		if ev.Kind == EventConnect {
			return ConnectionState{Phase: PhaseConnecting}, true
		}
	case PhaseConnecting:
		switch ev.Kind {
		case EventLinkOpened:
			return ConnectionState{Phase: PhaseInitializing}, true
		case EventConnectFailed:
			return Disconnected(ev.Reason), true
		case EventDisconnect:
			return ConnectionState{Phase: PhaseDisconnecting}, true
		case EventLinkClosed:
			return Disconnected(ReasonLinkLoss), true
		}
	case PhaseInitializing:
		switch ev.Kind {
		case EventReady:
			return ConnectionState{Phase: PhaseReady}, true
		case EventNotSupported:
			return Disconnected(ReasonNotSupported), true
		case EventConnectFailed:
			return Disconnected(ev.Reason), true
		case EventDisconnect:
			return ConnectionState{Phase: PhaseDisconnecting}, true
		case EventLinkClosed:
			return Disconnected(ReasonLinkLoss), true
		}
	case PhaseReady:
		switch ev.Kind {
		case EventDisconnect:
			return ConnectionState{Phase: PhaseDisconnecting}, true
		case EventLinkClosed:
			return Disconnected(ReasonLinkLoss), true
		}
	case PhaseDisconnecting:
		if ev.Kind == EventLinkClosed {
			return Disconnected(ev.Reason), true
		}
	}
	return cur, false
}

// bondTracker holds the bond state and publishes its changes.
type bondTracker struct {
	mu    sync.Mutex
	state BondState
	feed  *feed[BondState]
}

func newBondTracker() *bondTracker {
	return &bondTracker{feed: newFeed[BondState]()}
}

func (b *bondTracker) get() BondState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// set records s, publishing only real changes.
func (b *bondTracker) set(s BondState) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == s {
		return false
	}
	b.state = s
	b.feed.publish(s)
	return true
}

func (b *bondTracker) observe(ctx context.Context) iter.Seq[BondState] {
	return b.feed.seq(ctx, func() *subscription[BondState] {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.feed.subscribe(b.state)
	})
}
