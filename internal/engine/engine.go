// Package engine owns the whole ledger state machine and serializes every
// mutation through one writer goroutine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"campusmerit.org/internal/access"
	"campusmerit.org/internal/asset"
	"campusmerit.org/internal/credential"
	"campusmerit.org/internal/distribution"
	"campusmerit.org/internal/ledger"
	"campusmerit.org/internal/obs"
)

// ErrClosed is returned for submissions after Close.
var ErrClosed = errors.New("engine: closed")

const defaultQueueSize = 256

// Sink receives the events of every committed operation, in commit order.
// Sinks run on the writer goroutine and must not submit operations.
type Sink interface {
	Publish(ctx context.Context, events []ledger.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, events []ledger.Event) error

func (f SinkFunc) Publish(ctx context.Context, events []ledger.Event) error { return f(ctx, events) }

// Config bootstraps a fresh ledger.
type Config struct {
	SuperAdmin common.Address
	Custody    common.Address
	Asset      asset.Config
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c ledger.Clock) Option {
	return func(e *Engine) { e.clock.base = c }
}

// WithSink adds an event sink.
func WithSink(s Sink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, s) }
}

// WithQueueSize bounds the number of operations waiting for the writer.
func WithQueueSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// Engine is the single-writer ledger.
type Engine struct {
	mu    sync.RWMutex
	env   *ledger.Env
	clock *opClock

	access       *access.Registry
	asset        *asset.Ledger
	credentials  *credential.Registry
	distribution *distribution.Engine
	custody      common.Address

	sinks     []Sink
	tracer    trace.Tracer
	queueSize int
	queue     chan *request
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	log       *logrus.Entry
}

type request struct {
	ctx   context.Context
	op    string
	fn    func() (any, error)
	state atomic.Int32
	resp  chan result
}

const (
	statePending int32 = iota
	stateRunning
	stateAbandoned
)

type result struct {
	value any
	err   error
}

type writerKey struct{}

// opClock pins the time for the duration of one operation so every check
// inside it sees the same now.
type opClock struct {
	base   ledger.Clock
	pinned uint64
	active bool
}

func (c *opClock) Now() uint64 {
	if c.active {
		return c.pinned
	}
	return c.base.Now()
}

// New bootstraps the registry with cfg.SuperAdmin, grants the custody
// identity the Issuer role and starts the writer.
func New(cfg Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		clock:     &opClock{base: ledger.SystemClock{}},
		queueSize: defaultQueueSize,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		log:       obs.Logger().WithField("component", "engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("campusmerit/engine")
	}
	e.env = ledger.NewEnv(e.clock)

	acl, err := access.NewRegistry(e.env, cfg.SuperAdmin)
	if err != nil {
		return nil, err
	}
	if ledger.IsZeroAddress(cfg.Custody) || cfg.Custody == cfg.SuperAdmin {
		return nil, ledger.Errorf("engine.bootstrap", ledger.ErrInvalidInput, "custody must be a dedicated non-zero identity")
	}
	if err := acl.GrantRole(cfg.SuperAdmin, cfg.Custody, access.RoleIssuer); err != nil {
		return nil, err
	}
	e.access = acl
	e.custody = cfg.Custody
	e.asset = asset.New(e.env, acl, cfg.Asset)
	e.credentials = credential.NewRegistry(e.env, acl)
	e.distribution, err = distribution.New(e.env, acl, e.asset, cfg.Custody)
	if err != nil {
		return nil, err
	}
	e.env.Journal.Commit()

	e.queue = make(chan *request, e.queueSize)
	if boot := e.env.Events.Range(0, e.env.Events.Len()); len(boot) > 0 {
		e.publish(context.Background(), boot)
	}
	go e.loop()
	return e, nil
}

// Close stops accepting work, drains queued operations and stops the writer.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() { close(e.quit) })
	<-e.done
	return nil
}

func (e *Engine) loop() {
	defer close(e.done)
	for {
		select {
		case req := <-e.queue:
			e.handle(req)
		case <-e.quit:
			for {
				select {
				case req := <-e.queue:
					e.handle(req)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) handle(req *request) {
	obs.SetQueueDepth(len(e.queue))
	if !req.state.CompareAndSwap(statePending, stateRunning) {
		return
	}
	req.resp <- e.apply(req)
}

// submit queues fn on behalf of caller and waits for its result. The caller's
// context can only abandon the request while it is still queued. Custody never
// acts as an external caller: its balance backs vesting and airdrop
// obligations and only the distribution engine moves it.
func (e *Engine) submit(ctx context.Context, caller common.Address, op string, fn func() (any, error)) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Value(writerKey{}) != nil {
		return nil, ledger.Errorf(op, ledger.ErrReentrant, "submitted from inside the writer")
	}
	if caller == e.custody {
		return nil, ledger.Errorf(op, ledger.ErrUnauthorized, "custody %s cannot submit operations", caller.Hex())
	}
	select {
	case <-e.quit:
		return nil, ErrClosed
	default:
	}
	req := &request{ctx: ctx, op: op, fn: fn, resp: make(chan result, 1)}
	select {
	case e.queue <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.quit:
		return nil, ErrClosed
	}
	obs.SetQueueDepth(len(e.queue))
	select {
	case res := <-req.resp:
		return res.value, res.err
	case <-ctx.Done():
		if req.state.CompareAndSwap(statePending, stateAbandoned) {
			return nil, ctx.Err()
		}
	case <-e.done:
		if req.state.CompareAndSwap(statePending, stateAbandoned) {
			return nil, ErrClosed
		}
	}
	res := <-req.resp
	return res.value, res.err
}

func (e *Engine) apply(req *request) result {
	ctx := context.WithValue(context.WithoutCancel(req.ctx), writerKey{}, struct{}{})
	ctx, span := e.tracer.Start(ctx, "Ledger."+req.op, trace.WithAttributes(attribute.String("ledger.op", req.op)))
	defer span.End()
	start := time.Now()

	e.mu.Lock()
	e.clock.pinned = e.clock.base.Now()
	e.clock.active = true
	before := e.env.Events.Len()
	snap := e.env.Journal.Snapshot()

	value, err := e.call(req.op, req.fn)

	var events []ledger.Event
	if err != nil {
		e.env.Journal.RevertTo(snap)
	} else {
		e.env.Journal.Commit()
		events = e.env.Events.Range(before, e.env.Events.Len())
	}
	supply, _ := new(big.Float).SetInt(e.asset.TotalSupply().ToBig()).Float64()
	e.clock.active = false
	e.mu.Unlock()

	kind := "ok"
	if err != nil {
		kind = ledger.ReasonOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		if ledger.KindOf(err) == ledger.KindInternal {
			e.log.WithError(err).WithField("op", req.op).Error("operation aborted")
		}
	}
	span.SetAttributes(attribute.String("ledger.result", kind), attribute.Int("ledger.events", len(events)))
	obs.ObserveOperation(req.op, kind, time.Since(start))
	obs.SetCirculatingSupply(supply)

	if len(events) > 0 {
		e.publish(ctx, events)
	}
	return result{value: value, err: err}
}

// call runs fn, turning a panic into an Internal failure.
func (e *Engine) call(op string, fn func() (any, error)) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("op", op).WithField("stack", string(debug.Stack())).Error("panic in operation")
			value, err = nil, ledger.Internal(op, fmt.Errorf("panic: %v", r))
		}
	}()
	return fn()
}

func (e *Engine) publish(ctx context.Context, events []ledger.Event) {
	for _, ev := range events {
		obs.CountEvent(string(ev.Kind))
	}
	for _, s := range e.sinks {
		if err := s.Publish(ctx, events); err != nil {
			e.log.WithError(err).WithField("events", len(events)).Warn("event sink failed")
		}
	}
}

// View runs fn against committed state under the read lock. fn must not
// mutate anything it is handed.
func (e *Engine) View(fn func(s State) error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fn(State{
		Access:       e.access,
		Asset:        e.asset,
		Credentials:  e.credentials,
		Distribution: e.distribution,
		Events:       e.env.Events,
		Now:          e.env.Now(),
	})
}

// State is the read-only snapshot handed to View.
type State struct {
	Access       *access.Registry
	Asset        *asset.Ledger
	Credentials  *credential.Registry
	Distribution *distribution.Engine
	Events       *ledger.EventLog
	Now          uint64
}

// CheckInvariants verifies the cross-component accounting rules.
func (e *Engine) CheckInvariants() error {
	return e.View(func(s State) error {
		if err := s.Asset.CheckInvariants(); err != nil {
			return err
		}
		return s.Distribution.CheckInvariants()
	})
}
