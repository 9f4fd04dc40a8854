package store

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/HakAl/relayview/internal/task"
)

// DefaultBatchSize is the number of records written per transaction.
const DefaultBatchSize = 50

// Recorder writes completed tasks to a Store off the relay path. Record
// never blocks: when the buffer is full the record is dropped and counted.
type Recorder struct {
	store  Store
	ch     chan *Record
	logger *slog.Logger
	scrub  func(*Record)

	dropped atomic.Uint64
	saved   atomic.Uint64
}

// NewRecorder creates a recorder buffering up to size records.
func NewRecorder(s Store, size int, logger *slog.Logger) *Recorder {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  s,
		ch:     make(chan *Record, size),
		logger: logger.With("component", "history"),
	}
}

// SetScrubber installs fn to rewrite each record before it is queued,
// e.g. to redact credentials. It must be called before Record.
func (r *Recorder) SetScrubber(fn func(*Record)) {
	r.scrub = fn
}

// FromTask builds a record for a completed task. ok is false while the
// task is active.
func FromTask(t *task.Task) (rec *Record, ok bool) {
	d, done := t.Duration()
	if !done {
		return nil, false
	}
	o := t.Outcome()
	detail := o.Text
	if o.Err != nil {
		detail = o.Err.Error()
	}
	return &Record{
		ID:          t.ID(),
		Kind:        string(t.Kind()),
		Label:       t.Label(),
		Outcome:     o.Kind.String(),
		Status:      o.Status,
		Detail:      detail,
		StartedAt:   t.Initiated(),
		CompletedAt: t.Completed(),
		DurationMs:  d.Milliseconds(),
	}, true
}

// Record queues t for persistence. It is meant to be used as a task
// OnComplete hook.
func (r *Recorder) Record(t *task.Task) {
	rec, ok := FromTask(t)
	if !ok {
		return
	}
	if r.scrub != nil {
		r.scrub(rec)
	}
	select {
	case r.ch <- rec:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.logger.Warn("history buffer full, dropping records", "dropped_total", n)
		}
	}
}

// Dropped returns the number of records dropped because the buffer was full.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Saved returns the number of records written.
func (r *Recorder) Saved() uint64 {
	return r.saved.Load()
}

// Run writes queued records in batches until ctx is cancelled, then
// flushes what is still buffered.
func (r *Recorder) Run(ctx context.Context) {
	batch := make([]*Record, 0, DefaultBatchSize)
	for {
		select {
		case <-ctx.Done():
			r.flushRemaining(batch)
			return
		case rec := <-r.ch:
			batch = append(batch, rec)
			batch = r.fill(batch)
			r.write(context.WithoutCancel(ctx), batch)
			batch = batch[:0]
		}
	}
}

// fill adds whatever is immediately available, up to a full batch.
func (r *Recorder) fill(batch []*Record) []*Record {
	for len(batch) < DefaultBatchSize {
		select {
		case rec := <-r.ch:
			batch = append(batch, rec)
		default:
			return batch
		}
	}
	return batch
}

func (r *Recorder) flushRemaining(batch []*Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		batch = r.fill(batch)
		if len(batch) == 0 {
			return
		}
		r.write(ctx, batch)
		batch = batch[:0]
	}
}

func (r *Recorder) write(ctx context.Context, batch []*Record) {
	if err := r.store.SaveRecords(ctx, batch); err != nil {
		r.logger.Error("saving history", "error", err, "records", len(batch))
		return
	}
	r.saved.Add(uint64(len(batch)))
}
