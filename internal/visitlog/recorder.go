// Package visitlog moves redirect events off the request path. Visits are
// queued in memory and written by a small worker pool to a Sink: the visit
// repository directly, or RabbitMQ for the analytics worker to persist.
package visitlog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zhejian/shortlink/internal/model"
	"github.com/zhejian/shortlink/internal/observability"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	ErrQueueFull = errors.New("visit queue is full")
	ErrClosed    = errors.New("visit recorder is closed")
)

// Recorder accepts visits for best-effort persistence
type Recorder interface {
	Record(ctx context.Context, visit *model.Visit) error
}

// Sink is where visits end up
type Sink interface {
	Append(ctx context.Context, visit *model.Visit) error
}

// Options tunes an AsyncRecorder
type Options struct {
	Workers      int
	QueueSize    int
	WriteTimeout time.Duration
}

// queued pairs a visit with the span of the request that produced it
type queued struct {
	visit *model.Visit
	span  trace.SpanContext
}

// AsyncRecorder queues visits and writes them from a fixed pool of workers.
// Record never blocks; when the queue is full the visit is dropped.
type AsyncRecorder struct {
	sink    Sink
	queue   chan queued
	timeout time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics

	mu     sync.RWMutex
	closed bool
	group  *errgroup.Group
}

// NewAsyncRecorder starts opts.Workers goroutines draining into sink
func NewAsyncRecorder(sink Sink, opts Options, logger *slog.Logger, metrics *observability.Metrics) *AsyncRecorder {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics()
	}

	r := &AsyncRecorder{
		sink:    sink,
		queue:   make(chan queued, opts.QueueSize),
		timeout: opts.WriteTimeout,
		logger:  logger,
		metrics: metrics,
		group:   &errgroup.Group{},
	}
	for i := 0; i < opts.Workers; i++ {
		r.group.Go(r.work)
	}
	return r
}

// Record enqueues visit. ctx only carries trace data; the write itself
// outlives the request.
func (r *AsyncRecorder) Record(ctx context.Context, visit *model.Visit) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.metrics.VisitDropped(ctx, "closed")
		return ErrClosed
	}

	select {
	case r.queue <- queued{visit: visit, span: trace.SpanContextFromContext(ctx)}:
		return nil
	default:
		r.metrics.VisitDropped(ctx, "queue_full")
		return ErrQueueFull
	}
}

func (r *AsyncRecorder) work() error {
	for item := range r.queue {
		r.write(item)
	}
	return nil
}

func (r *AsyncRecorder) write(item queued) {
	visit := item.visit
	ctx := trace.ContextWithRemoteSpanContext(context.Background(), item.span)
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.sink.Append(ctx, visit); err != nil {
		r.metrics.VisitDropped(ctx, "sink_error")
		r.logger.WarnContext(ctx, "failed to record visit",
			slog.String("code", visit.Code),
			slog.String("event_id", visit.EventID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	r.metrics.VisitRecorded(ctx)
}

// Close stops accepting visits and waits for queued ones to be written,
// or for ctx to end.
func (r *AsyncRecorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- r.group.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		r.logger.Warn("visit recorder closed before queue drained", slog.Int("pending", len(r.queue)))
		return ctx.Err()
	}
}
