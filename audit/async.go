package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacentio/gachar/hierarchy"
	"github.com/jacentio/gachar/internal/logging"
)

// ErrQueueFull is returned by Async.Record when the queue has no room.
var ErrQueueFull = errors.New("audit: queue full")

// ErrClosed is returned by Async.Record after Close.
var ErrClosed = errors.New("audit: sink closed")

// DefaultBufferSize is the Async queue length used when none is given.
const DefaultBufferSize = 1024

// Async decouples the caller from a slow sink: Record enqueues and returns,
// a single worker forwards entries in order.
type Async struct {
	next    hierarchy.AuditSink
	queue   chan hierarchy.AuditEntry
	timeout time.Duration
	logger  zerolog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

var _ hierarchy.AuditSink = (*Async)(nil)

// NewAsync starts a worker forwarding to next. Each forward gets timeout
// (default 5s).
func NewAsync(next hierarchy.AuditSink, bufferSize int, timeout time.Duration) *Async {
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	a := &Async{
		next:    next,
		queue:   make(chan hierarchy.AuditEntry, bufferSize),
		timeout: timeout,
		logger:  logging.WithComponent("audit"),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Record enqueues e without blocking.
func (a *Async) Record(_ context.Context, e hierarchy.AuditEntry) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- e:
		queueDepth.Inc()
		return nil
	default:
		entriesTotal.WithLabelValues("async", "dropped").Inc()
		return ErrQueueFull
	}
}

func (a *Async) run() {
	defer close(a.done)
	for e := range a.queue {
		queueDepth.Dec()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.next.Record(ctx, e)
		cancel()
		if err != nil {
			a.logger.Warn().
				Err(err).
				Str("action", e.Action).
				Str("entity_id", e.EntityID).
				Msg("audit forward failed")
		}
	}
}

// Close stops accepting entries and waits for the queue to drain or ctx
// to end.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
