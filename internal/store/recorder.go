package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/otpgate/internal/session"
)

const persistTimeout = 30 * time.Second

// EventWriter is the part of Store the recorder needs.
type EventWriter interface {
	InsertEvents(ctx context.Context, events []session.Event) error
}

// Recorder buffers session events and writes them in batches. It implements
// session.EventSink; HandleEvent never blocks and drops events when the buffer is full.
type Recorder struct {
	writer        EventWriter
	logger        *zap.Logger
	batchSize     int
	flushInterval time.Duration

	events  chan session.Event
	dropped atomic.Int64

	mu      sync.Mutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// NewRecorder creates a recorder. Call Start before events arrive and Close on shutdown.
func NewRecorder(writer EventWriter, batchSize int, flushInterval time.Duration, logger *zap.Logger) *Recorder {
	if batchSize < 1 {
		batchSize = 1
	}
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	return &Recorder{
		writer:        writer,
		logger:        logger.Named("audit_recorder"),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		events:        make(chan session.Event, batchSize*20),
	}
}

// HandleEvent queues e for persistence.
func (r *Recorder) HandleEvent(e session.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.events <- e:
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("Audit buffer full; dropping events.")
		}
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Start launches the batching goroutine. It exits after Close, or when ctx is
// canceled, flushing whatever it holds either way.
func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()
}

// Close stops accepting events and waits for the final flush.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Recorder) run(ctx context.Context) {
	r.logger.Info("Audit recorder started.", zap.Int("batch_size", r.batchSize), zap.Duration("flush_interval", r.flushInterval))
	defer r.logger.Info("Audit recorder shut down.")

	batch := make([]session.Event, 0, r.batchSize)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Persistence outlives ctx so a shutdown still writes the tail of the trail.
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := r.writer.InsertEvents(persistCtx, batch); err != nil {
			r.logger.Error("Failed to persist audit batch. Events lost.", zap.Error(err), zap.Int("batch_size", len(batch)))
		} else {
			r.logger.Debug("Persisted audit batch.", zap.Int("count", len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-r.events:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= r.batchSize {
				flush()
				ticker.Reset(r.flushInterval)
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			r.drain(&batch)
			flush()
			return
		}
	}
}

// drain moves whatever is already buffered into batch without waiting.
func (r *Recorder) drain(batch *[]session.Event) {
	for {
		select {
		case e, ok := <-r.events:
			if !ok {
				return
			}
			*batch = append(*batch, e)
		default:
			return
		}
	}
}
