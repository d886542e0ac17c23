// Package pipeline implements the four-phase message dispatch pipeline:
// publish, store, insert-per-destination, and finalize. Handlers register
// against a Dispatcher either globally (run for every frame) or against a
// specific topic, fanned out across phases rather than dispatched by a
// single method name.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dxlfabric/broker/internal/codec"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// PublishHandler decides whether a frame may proceed past the publish
// phase. Returning false rejects the frame outright; no further handlers
// run. ctx carries the frame's SourcePrincipal (see WithSourcePrincipal).
type PublishHandler func(ctx context.Context, topic string, raw []byte) bool

// StoreHandler runs during the store phase. Returning false disables insert
// for the frame without aborting finalize. RequiresBridgeSource handlers
// are skipped (and insert is disabled) when the frame did not arrive over a
// bridge connection.
type StoreHandler struct {
	Fn                   func(ctx *Context) bool
	RequiresBridgeSource bool
}

// InsertHandler runs once per candidate destination during the
// insert-per-destination phase. Returning false rejects delivery to that
// destination only.
type InsertHandler func(ctx *Context, destination string) bool

// FinalizeHandler runs once per frame after every destination has been
// attempted.
type FinalizeHandler func(ctx *Context)

// Dispatcher owns the per-phase handler tables and the in-flight frame
// contexts. It is a field of the broker composition root, never a package
// singleton.
type Dispatcher struct {
	mu sync.RWMutex

	publishGlobal []PublishHandler
	publishTopic  map[string][]PublishHandler

	storeGlobal []StoreHandler
	storeTopic  map[string]StoreHandler

	insertGlobal []InsertHandler

	finalizeGlobal  []FinalizeHandler
	noDestinationFn func(ctx *Context)

	framesMu sync.Mutex
	frames   map[uint64]*Context
	nextID   uint64

	tracer         trace.Tracer
	publishCounter metric.Int64Counter
	destCounter    metric.Int64Counter
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

// WithTracerProvider installs a trace provider; a no-op tracer is used by
// default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) { d.tracer = tp.Tracer("pipeline") }
}

// WithMeterProvider installs a metric provider; a no-op meter is used by
// default.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(d *Dispatcher) {
		meter := mp.Meter("pipeline")
		d.publishCounter, _ = meter.Int64Counter("pipeline.publish.count")
		d.destCounter, _ = meter.Int64Counter("pipeline.destination.count")
	}
}

// New returns an empty Dispatcher. With no options, tracing and metrics use
// no-op providers, so there is no external collector dependency by default.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		publishTopic: map[string][]PublishHandler{},
		storeTopic:   map[string]StoreHandler{},
		frames:       map[uint64]*Context{},
		tracer:       tracenoop.NewTracerProvider().Tracer("pipeline"),
	}
	noopMeter := noop.NewMeterProvider().Meter("pipeline")
	d.publishCounter, _ = noopMeter.Int64Counter("pipeline.publish.count")
	d.destCounter, _ = noopMeter.Int64Counter("pipeline.destination.count")
	for _, o := range opts {
		o(d)
	}
	return d
}

// RegisterPublishHandler adds a global publish-phase handler, run for every
// frame ahead of any topic-specific handler.
func (d *Dispatcher) RegisterPublishHandler(h PublishHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.publishGlobal = append(d.publishGlobal, h)
}

// RegisterPublishHandlerForTopic adds a publish-phase handler that only
// runs for exact-match topic.
func (d *Dispatcher) RegisterPublishHandlerForTopic(topic string, h PublishHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.publishTopic[topic] = append(d.publishTopic[topic], h)
}

// RegisterStoreHandler adds a global store-phase handler.
func (d *Dispatcher) RegisterStoreHandler(h StoreHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.storeGlobal = append(d.storeGlobal, h)
}

// RegisterStoreHandlerForTopic installs the single topic-specific
// store-phase handler for topic, replacing any previous one.
func (d *Dispatcher) RegisterStoreHandlerForTopic(topic string, h StoreHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.storeTopic[topic] = h
}

// RegisterInsertHandler adds a global insert-per-destination handler.
func (d *Dispatcher) RegisterInsertHandler(h InsertHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.insertGlobal = append(d.insertGlobal, h)
}

// RegisterFinalizeHandler adds a global finalize-phase handler.
func (d *Dispatcher) RegisterFinalizeHandler(h FinalizeHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finalizeGlobal = append(d.finalizeGlobal, h)
}

// SetNoDestinationHandler installs the handler run at the end of finalize
// for a parsed request that still has insert enabled but landed zero
// destinations (4.J's no-destination handler).
func (d *Dispatcher) SetNoDestinationHandler(fn func(ctx *Context)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.noDestinationFn = fn
}

func safeCall(fn func() bool) (result bool) {
	defer func() {
		if recover() != nil {
			result = false
		}
	}()
	return fn()
}

func safeRun(fn func()) {
	defer func() { recover() }()
	fn()
}

// Publish runs the publish phase: global handlers, then any exact-topic
// handler. The first handler to reject aborts with no further handlers
// run; a panicking handler is treated as a reject.
func (d *Dispatcher) Publish(parent context.Context, topic string, raw []byte) bool {
	_, span := d.tracer.Start(parent, "pipeline.publish")
	defer span.End()

	d.mu.RLock()
	global := append([]PublishHandler(nil), d.publishGlobal...)
	topicHandlers := append([]PublishHandler(nil), d.publishTopic[topic]...)
	d.mu.RUnlock()

	d.publishCounter.Add(parent, 1)

	for _, h := range global {
		h := h
		if !safeCall(func() bool { return h(parent, topic, raw) }) {
			return false
		}
	}
	for _, h := range topicHandlers {
		h := h
		if !safeCall(func() bool { return h(parent, topic, raw) }) {
			return false
		}
	}
	return true
}

// Store runs the store phase for one frame: allocate a context, run global
// then topic-specific store handlers, and register the context for the
// later insert/finalize phases. It returns the context so callers (the
// transport loop) can drive insert/finalize, or nil if the context could
// not be created (frame-id space exhausted is not possible in-process, so
// this currently never happens but keeps the signature uniform with the
// other phases).
func (d *Dispatcher) Store(parent context.Context, topic string, raw []byte, sourceIsBridge bool, decodeFn func([]byte) (*codec.Message, error)) *Context {
	_, span := d.tracer.Start(parent, "pipeline.store")
	defer span.End()

	frameID := atomic.AddUint64(&d.nextID, 1)

	ctx := newContext(frameID, topic, raw, sourceIsBridge, decodeFn)

	d.framesMu.Lock()
	d.frames[frameID] = ctx
	d.framesMu.Unlock()

	d.mu.RLock()
	global := append([]StoreHandler(nil), d.storeGlobal...)
	topicHandler, hasTopicHandler := d.storeTopic[topic]
	d.mu.RUnlock()

	runStore := func(h StoreHandler) {
		if h.RequiresBridgeSource && !sourceIsBridge {
			ctx.InsertEnabled = false
			return
		}
		if !safeCall(func() bool { return h.Fn(ctx) }) {
			ctx.InsertEnabled = false
		}
	}

	for _, h := range global {
		runStore(h)
	}
	if hasTopicHandler {
		runStore(topicHandler)
	}

	return ctx
}

// InsertPerDestination runs the insert-per-destination phase for one
// candidate destination. A false from any global insert handler rejects
// delivery to destination only; an accepted destination increments the
// context's destination count. queueFull, when true, is allowed through
// when the caller marks the delivery exempt (the transport exempts bridge
// destinations, non-parsed frames, and broker-event, broker-request or
// client-prefixed topics, per 4.J); everything else is rejected and, for a
// parsed request, onServiceOverloaded is invoked.
func (d *Dispatcher) InsertPerDestination(parent context.Context, ctx *Context, destination string, queueFull bool, exemptFromQueueFull bool, onServiceOverloaded func()) bool {
	_, span := d.tracer.Start(parent, "pipeline.insert")
	defer span.End()

	if queueFull && !exemptFromQueueFull {
		if _, isRequest := ctx.DxlRequest(); isRequest && onServiceOverloaded != nil {
			onServiceOverloaded()
			ctx.ServiceNotFoundEnabled = false
		}
		return false
	}

	d.mu.RLock()
	global := append([]InsertHandler(nil), d.insertGlobal...)
	d.mu.RUnlock()

	for _, h := range global {
		h := h
		if !safeCall(func() bool { return h(ctx, destination) }) {
			return false
		}
	}

	d.destCounter.Add(parent, 1)
	ctx.DestinationCount++
	return true
}

// Finalize runs the finalize phase for ctx: global finalize handlers, then
// the no-destination handler if ctx still has insert enabled, parses as a
// request, and landed zero destinations. The context is then removed from
// the in-flight map.
func (d *Dispatcher) Finalize(parent context.Context, ctx *Context) {
	_, span := d.tracer.Start(parent, "pipeline.finalize")
	defer span.End()

	d.mu.RLock()
	global := append([]FinalizeHandler(nil), d.finalizeGlobal...)
	noDest := d.noDestinationFn
	d.mu.RUnlock()

	for _, h := range global {
		h := h
		safeRun(func() { h(ctx) })
	}

	if ctx.InsertEnabled && ctx.ServiceNotFoundEnabled && ctx.DestinationCount == 0 {
		if _, isRequest := ctx.DxlRequest(); isRequest && noDest != nil {
			safeRun(func() { noDest(ctx) })
		}
	}

	d.framesMu.Lock()
	delete(d.frames, ctx.FrameID)
	d.framesMu.Unlock()
}

// ContextFor returns the in-flight context for frameID, if any. Used by a
// transport loop driving insert calls across multiple destinations for the
// same frame.
func (d *Dispatcher) ContextFor(frameID uint64) (*Context, bool) {
	d.framesMu.Lock()
	defer d.framesMu.Unlock()
	ctx, ok := d.frames[frameID]
	return ctx, ok
}

// InFlightCount reports how many frames are currently between store and
// finalize, exposed for the health handler.
func (d *Dispatcher) InFlightCount() int {
	d.framesMu.Lock()
	defer d.framesMu.Unlock()
	return len(d.frames)
}
