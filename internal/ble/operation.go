package ble

import (
	"context"
	"time"
)

// Priority orders operations in the queue. Lower values run first.
type Priority int

const (
	// PriorityControl is used for connection setup and teardown so that they
	// are never stuck behind a backlog of data operations.
	PriorityControl Priority = iota
	PriorityNormal
)

func (p Priority) String() string {
	if p == PriorityControl {
		return "control"
	}
	return "normal"
}

// RetryPolicy bounds how often a transiently failing operation is retried.
// The delay doubles after every attempt, capped at MaxDelay when set.
type RetryPolicy struct {
	MaxAttempts int // total attempts including the first; <= 1 disables retries
	Delay       time.Duration
	MaxDelay    time.Duration
}

// backoff returns the wait before the given retry (1 for the first retry).
func (p RetryPolicy) backoff(retry int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	shift := min(retry-1, 30)
	d := p.Delay << uint(shift)
	if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		return p.MaxDelay
	}
	return d
}

// Policy is the per-operation timeout and retry budget. Zero fields fall
// back to the queue defaults.
type Policy struct {
	Timeout time.Duration // deadline measured from enqueue
	Retry   RetryPolicy
}

// Result is what a successful operation resolves with.
type Result struct {
	Value []byte // Read and WaitForNotification
	MTU   int    // RequestMTU
}

// Operation is one unit of work against the link. The set of operations is
// closed: Connect, Disconnect, RequestMTU, Write, Read, EnableNotifications,
// EnableIndications and WaitForNotification.
type Operation interface {
	// Name is a short identifier used in errors and logs.
	Name() string
	// Priority is the queue class of the operation.
	Priority() Priority
	policy() Policy
	exec(ctx context.Context, r runner) (Result, error)
}

// runner is the link the queue executes operations against.
type runner interface {
	openLink(ctx context.Context, op Connect) error
	closeLink(ctx context.Context) error
	requestMTU(ctx context.Context, size int) (int, error)
	write(ctx context.Context, target Target, data []byte, mode WriteMode) error
	read(ctx context.Context, target Target) ([]byte, error)
	subscribe(ctx context.Context, target Target, mode NotifyMode) error
	waitNotification(ctx context.Context, op WaitForNotification) ([]byte, error)
	// abandoned is called when the queue resolves an operation that is still
	// running, because of its deadline or because the link went away.
	abandoned(op Operation, kind ErrorKind)
}

// Connect opens the link and brings it to Ready.
type Connect struct {
	Address     string // empty uses the session's configured peer
	AutoConnect bool
	Policy
}

func (Connect) Name() string       { return "connect" }
func (Connect) Priority() Priority { return PriorityControl }
func (o Connect) policy() Policy   { return o.Policy }
func (o Connect) exec(ctx context.Context, r runner) (Result, error) {
	return Result{}, r.openLink(ctx, o)
}

// Disconnect closes the link. When it starts, every other pending operation
// is cancelled.
type Disconnect struct {
	Policy
}

func (Disconnect) Name() string       { return "disconnect" }
func (Disconnect) Priority() Priority { return PriorityControl }
func (o Disconnect) policy() Policy   { return o.Policy }
func (o Disconnect) exec(ctx context.Context, r runner) (Result, error) {
	return Result{}, r.closeLink(ctx)
}

// RequestMTU negotiates the ATT MTU.
type RequestMTU struct {
	Size int
	Policy
}

func (RequestMTU) Name() string       { return "request-mtu" }
func (RequestMTU) Priority() Priority { return PriorityControl }
func (o RequestMTU) policy() Policy   { return o.Policy }
func (o RequestMTU) exec(ctx context.Context, r runner) (Result, error) {
	mtu, err := r.requestMTU(ctx, o.Size)
	return Result{MTU: mtu}, err
}

// Write writes Payload to Target.
type Write struct {
	Target  Target
	Payload []byte
	Mode    WriteMode
	Policy
}

func (Write) Name() string       { return "write" }
func (Write) Priority() Priority { return PriorityNormal }
func (o Write) policy() Policy   { return o.Policy }
func (o Write) exec(ctx context.Context, r runner) (Result, error) {
	return Result{}, r.write(ctx, o.Target, o.Payload, o.Mode)
}

// Read reads the value of Target.
type Read struct {
	Target Target
	Policy
}

func (Read) Name() string       { return "read" }
func (Read) Priority() Priority { return PriorityNormal }
func (o Read) policy() Policy   { return o.Policy }
func (o Read) exec(ctx context.Context, r runner) (Result, error) {
	v, err := r.read(ctx, o.Target)
	return Result{Value: v}, err
}

// EnableNotifications subscribes to notifications on Target.
type EnableNotifications struct {
	Target Target
	Policy
}

func (EnableNotifications) Name() string       { return "enable-notifications" }
func (EnableNotifications) Priority() Priority { return PriorityNormal }
func (o EnableNotifications) policy() Policy   { return o.Policy }
func (o EnableNotifications) exec(ctx context.Context, r runner) (Result, error) {
	return Result{}, r.subscribe(ctx, o.Target, Notify)
}

// EnableIndications subscribes to indications on Target.
type EnableIndications struct {
	Target Target
	Policy
}

func (EnableIndications) Name() string       { return "enable-indications" }
func (EnableIndications) Priority() Priority { return PriorityNormal }
func (o EnableIndications) policy() Policy   { return o.Policy }
func (o EnableIndications) exec(ctx context.Context, r runner) (Result, error) {
	return Result{}, r.subscribe(ctx, o.Target, Indicate)
}

// WaitForNotification holds the queue until Count values (at least one)
// arrive on Target. Each value is passed to OnValue when set; the operation
// resolves with the last one. Target must already be subscribed.
type WaitForNotification struct {
	Target  Target
	Count   int
	OnValue func([]byte)
	Policy
}

func (WaitForNotification) Name() string       { return "wait-notification" }
func (WaitForNotification) Priority() Priority { return PriorityNormal }
func (o WaitForNotification) policy() Policy   { return o.Policy }
func (o WaitForNotification) exec(ctx context.Context, r runner) (Result, error) {
	v, err := r.waitNotification(ctx, o)
	return Result{Value: v}, err
}

var (
	_ Operation = Connect{}
	_ Operation = Disconnect{}
	_ Operation = RequestMTU{}
	_ Operation = Write{}
	_ Operation = Read{}
	_ Operation = EnableNotifications{}
	_ Operation = EnableIndications{}
	_ Operation = WaitForNotification{}
)
