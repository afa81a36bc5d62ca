package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: queued events before page events are dropped (default 4096).
//   - MaxBatchEvents: flush once this many events queue (default 500).
//   - MaxBatchWait: flush a partial batch after this long (default 500ms).
//   - TerminalWait: how long Emit may block to queue a job's closing event
//     when the buffer is full (default 100ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	TerminalWait   time.Duration
	SinkTimeout    time.Duration
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 500
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultTerminalWait   = 100 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.TerminalWait <= 0 {
		c.TerminalWait = defaultTerminalWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub batches crawl progress events on a background goroutine and hands each
// batch to every sink in registration order.
//
// Page events never block the runner: when the buffer is full they are
// dropped and counted. A job's closing event (done, error, cancelled) may wait
// up to TerminalWait for room, and it flushes the pending batch at once so
// sinks see the job's last pages and its outcome together.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger

	dropLog rate.Sometimes
	dropped atomic.Int64
	closed  atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts a Hub over sinks. Nil sinks are skipped.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	h := &Hub{
		cfg:     cfg,
		sinks:   kept,
		events:  make(chan Event, cfg.BufferSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  cfg.Logger.Named("progress"),
		dropLog: rate.Sometimes{Interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit queues evt. Invalid events and events emitted after Close are
// discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.String("job_id", evt.JobID), zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
		return
	default:
	}
	if evt.Terminal() {
		timer := time.NewTimer(h.cfg.TerminalWait)
		defer timer.Stop()
		select {
		case h.events <- evt:
			return
		case <-timer.C:
		}
	}
	h.drop(evt)
}

// Dropped reports how many events have been dropped since the hub started.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

func (h *Hub) drop(evt Event) {
	h.dropped.Add(1)
	h.dropLog.Do(func() {
		h.logger.Warn("progress events dropped, buffer full",
			zap.Int64("dropped_total", h.dropped.Load()),
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
		)
	})
}

// Close stops intake, flushes what is queued, closes the sinks and waits for
// the background goroutine. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close: %w", ctx.Err())
	}
}

// batcher owns the pending batch and its flush deadline.
type batcher struct {
	h       *Hub
	pending []Event
	timer   *time.Timer
	armed   bool
}

func (b *batcher) add(evt Event) {
	b.pending = append(b.pending, evt)
	if evt.Terminal() || len(b.pending) >= b.h.cfg.MaxBatchEvents {
		b.flush()
		return
	}
	if !b.armed {
		b.timer.Reset(b.h.cfg.MaxBatchWait)
		b.armed = true
	}
}

func (b *batcher) flush() {
	b.disarm()
	if len(b.pending) == 0 {
		return
	}
	b.h.deliver(b.pending)
	b.pending = make([]Event, 0, cap(b.pending))
}

func (b *batcher) disarm() {
	if !b.armed {
		return
	}
	if !b.timer.Stop() {
		select {
		case <-b.timer.C:
		default:
		}
	}
	b.armed = false
}

func (h *Hub) run() {
	defer close(h.doneCh)
	b := &batcher{h: h, pending: make([]Event, 0, h.cfg.MaxBatchEvents), timer: time.NewTimer(time.Hour)}
	b.timer.Stop()
	for {
		select {
		case evt := <-h.events:
			b.add(evt)
		case <-b.timer.C:
			b.armed = false
			b.flush()
		case <-h.stopCh:
		drain:
			for {
				select {
				case evt := <-h.events:
					b.add(evt)
				default:
					break drain
				}
			}
			b.flush()
			h.closeSinks()
			return
		}
	}
}

// deliver hands batch to every sink. Sinks own the slice they receive.
func (h *Hub) deliver(batch []Event) {
	for i, sink := range h.sinks {
		events := batch
		if i < len(h.sinks)-1 {
			events = append([]Event(nil), batch...)
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, events); err != nil {
			h.logger.Warn("progress sink consume failed",
				zap.String("sink", fmt.Sprintf("%T", sink)),
				zap.Int("events", len(events)),
				zap.Error(err),
			)
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.String("sink", fmt.Sprintf("%T", sink)), zap.Error(err))
		}
	}
}
