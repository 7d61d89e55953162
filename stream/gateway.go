// Package stream runs chat turns on a shared worker pool and forwards their
// events to clients as server-sent events.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/metric"

	"github.com/smallnest/chatgraph/log"
	"github.com/smallnest/chatgraph/telemetry"
	"github.com/smallnest/chatgraph/workflow"
)

// ErrBusy is returned by Start when every worker is taken.
var ErrBusy = errors.New("stream: too many concurrent streams")

// Defaults used for zero Options fields.
const (
	DefaultQueueSize      = 1024
	DefaultKeepAlive      = 15 * time.Second
	DefaultMaxConcurrency = 256
)

// Runner produces the events of one chat turn. *workflow.Runner implements it.
type Runner interface {
	Run(ctx context.Context, req workflow.Request) <-chan workflow.Event
}

// Options configures a Gateway.
type Options struct {
	QueueSize      int
	KeepAlive      time.Duration
	MaxConcurrency int
	Logger         log.Logger

	// BaseContext is the parent of every producer context. Cancelling it
	// stops all running turns.
	BaseContext context.Context
}

// Gateway starts chat turns and hands back their streams.
type Gateway struct {
	runner  Runner
	pool    *ants.Pool
	opts    Options
	logger  log.Logger
	metrics *metrics
	workers metric.Registration
}

// NewGateway creates a Gateway running turns through runner.
func NewGateway(runner Runner, opts Options) (*Gateway, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	logger := log.OrDefault(opts.Logger)

	pool, err := ants.NewPool(opts.MaxConcurrency,
		ants.WithNonblocking(true),
		ants.WithLogger(poolLogger{logger}),
		ants.WithPanicHandler(func(p any) {
			logger.Error("stream producer panicked: %v", p)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("stream: create worker pool: %w", err)
	}
	g := &Gateway{
		runner:  runner,
		pool:    pool,
		opts:    opts,
		logger:  logger,
		metrics: newMetrics(),
	}
	g.workers = observeWorkers(g)
	return g, nil
}

// Start echoes req's messages, starts the turn in the background and returns
// its stream without waiting for the graph. It fails with ErrBusy when the
// pool has no free worker.
func (g *Gateway) Start(req workflow.Request) (*Stream, error) {
	req = req.WithThreadID()
	ctx, cancel := context.WithCancel(g.opts.BaseContext)
	s := &Stream{
		threadID:  req.ThreadID,
		queue:     NewQueue(g.opts.QueueSize),
		cancel:    cancel,
		keepAlive: g.opts.KeepAlive,
		logger:    g.logger,
		metrics:   g.metrics,
	}
	echo := workflow.UserEvents(req.Messages)

	if err := g.pool.Submit(func() { g.produce(ctx, s, req, echo) }); err != nil {
		cancel()
		if errors.Is(err, ants.ErrPoolOverload) {
			g.metrics.rejected.Add(ctx, 1)
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("stream: submit producer: %w", err)
	}
	g.metrics.started.Add(ctx, 1)
	g.metrics.active.Add(ctx, 1)
	g.logger.Debug("stream %s started with %d messages", req.ThreadID, len(req.Messages))
	return s, nil
}

// produce pushes the echo events, the runner events and, unless the runner
// failed, one completed event. The queue is closed on return.
func (g *Gateway) produce(ctx context.Context, s *Stream, req workflow.Request, echo []workflow.Event) {
	q := s.queue
	defer func() {
		q.MarkFinished()
		q.Close()
	}()

	count := 0
	push := func(ev workflow.Event) bool {
		if err := q.Push(ctx, ev); err != nil {
			g.logger.Debug("stream %s: producer stopped: %v", req.ThreadID, err)
			return false
		}
		count++
		return true
	}

	for _, ev := range echo {
		if !push(ev) {
			return
		}
	}

	failed := false
	for ev := range g.runner.Run(ctx, req) {
		if ev.IsError() {
			failed = true
		}
		if !push(ev) {
			return
		}
	}
	if failed || ctx.Err() != nil {
		return
	}
	push(workflow.Event{
		Kind:  workflow.KindEnd,
		Event: workflow.EventCompleted,
		Data:  map[string]any{"event_count": count},
	})
}

// Running returns the number of live pool workers. An idle worker counts
// until the pool expires it.
func (g *Gateway) Running() int {
	return g.pool.Running()
}

// Close releases the worker pool. Turns already running are not waited for.
func (g *Gateway) Close() {
	if g.workers != nil {
		_ = g.workers.Unregister()
		g.workers = nil
	}
	g.pool.Release()
}

type poolLogger struct {
	l log.Logger
}

func (p poolLogger) Printf(format string, args ...any) {
	p.l.Warn(format, args...)
}

type metrics struct {
	started  metric.Int64Counter
	rejected metric.Int64Counter
	events   metric.Int64Counter
	active   metric.Int64UpDownCounter
}

func newMetrics() *metrics {
	meter := telemetry.Meter("github.com/smallnest/chatgraph/stream")
	started, _ := meter.Int64Counter("chatgraph.streams.started",
		metric.WithDescription("Chat turns accepted by the gateway"))
	rejected, _ := meter.Int64Counter("chatgraph.streams.rejected",
		metric.WithDescription("Chat turns refused because the pool was full"))
	events, _ := meter.Int64Counter("chatgraph.stream.events",
		metric.WithDescription("Events written to clients"))
	active, _ := meter.Int64UpDownCounter("chatgraph.streams.active",
		metric.WithDescription("Streams not yet closed"))
	return &metrics{started: started, rejected: rejected, events: events, active: active}
}

// observeWorkers reports the live workers of g on every collection. The
// returned registration is dropped when the gateway closes.
func observeWorkers(g *Gateway) metric.Registration {
	meter := telemetry.Meter("github.com/smallnest/chatgraph/stream")
	running, err := meter.Int64ObservableGauge("chatgraph.workers.running",
		metric.WithDescription("Live stream producer workers"))
	if err != nil {
		return nil
	}
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(running, int64(g.Running()))
		return nil
	}, running)
	if err != nil {
		return nil
	}
	return reg
}
