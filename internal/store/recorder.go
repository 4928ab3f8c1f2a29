package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"drillcontrol/internal/logging"
	"drillcontrol/pkg/types"
)

var (
	ErrRecorderFull    = errors.New("audit recorder buffer full")
	ErrRecorderStopped = errors.New("audit recorder not running")
)

// EventWriter is the persistence side of the recorder.
type EventWriter interface {
	AppendEvent(rec types.AuditRecord) (string, error)
}

// Recorder queues audit records and writes them on its own goroutine so the
// control loop never waits on the disk.
type Recorder struct {
	writer EventWriter
	queue  chan types.AuditRecord
	logger *logging.Logger

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

func NewRecorder(writer EventWriter, bufferSize int) *Recorder {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Recorder{
		writer: writer,
		queue:  make(chan types.AuditRecord, bufferSize),
		logger: logging.GetLogger("audit_recorder"),
	}
}

func (r *Recorder) Name() string { return "audit_recorder" }

func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("audit recorder is already running")
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.running = true

	go r.run(ctx)
	r.logger.Info("Audit recorder started", "buffer", cap(r.queue))
	return nil
}

// Stop flushes queued records, then stops the writer goroutine.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return fmt.Errorf("audit recorder is not running")
	}
	r.running = false
	r.cancel()
	done := r.done
	r.mu.Unlock()

	<-done
	r.logger.Info("Audit recorder stopped", "written", r.written.Load(), "failed", r.failed.Load(), "dropped", r.dropped.Load())
	return nil
}

func (r *Recorder) Status() interface{} {
	r.mu.RLock()
	running := r.running
	r.mu.RUnlock()
	return map[string]interface{}{
		"running": running,
		"queued":  len(r.queue),
		"written": r.written.Load(),
		"failed":  r.failed.Load(),
		"dropped": r.dropped.Load(),
	}
}

// Append enqueues a record without blocking.
func (r *Recorder) Append(rec types.AuditRecord) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.running {
		return ErrRecorderStopped
	}
	select {
	case r.queue <- rec:
		return nil
	default:
		r.dropped.Add(1)
		return ErrRecorderFull
	}
}

func (r *Recorder) run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case rec := <-r.queue:
			r.write(rec)
		case <-ctx.Done():
			for {
				select {
				case rec := <-r.queue:
					r.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(rec types.AuditRecord) {
	if _, err := r.writer.AppendEvent(rec); err != nil {
		r.failed.Add(1)
		r.logger.Error("Failed to persist audit record", "round_id", rec.RoundID, "state", rec.State, "error", err)
		return
	}
	r.written.Add(1)
}
