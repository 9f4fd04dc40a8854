package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/HakAl/relayview/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// blockingStore blocks SaveRecords until release is closed.
type blockingStore struct {
	Store
	mu      sync.Mutex
	release chan struct{}
	saved   []*Record
}

func (b *blockingStore) SaveRecords(ctx context.Context, recs []*Record) error {
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saved = append(b.saved, recs...)
	return nil
}

func TestFromTask(t *testing.T) {
	t.Parallel()

	reg := task.NewRegistry(task.RegistryConfig{})
	tk := reg.Start(task.KindWebSocket, "ws: /live")

	if _, ok := FromTask(tk); ok {
		t.Error("FromTask() of an active task should report false")
	}

	tk.Fail(errors.New("dial tcp: connection refused"))
	rec, ok := FromTask(tk)
	if !ok {
		t.Fatal("FromTask() of a completed task should succeed")
	}
	if rec.ID != tk.ID() || rec.Kind != "ws" || rec.Label != "ws: /live" {
		t.Errorf("record identity = %+v", rec)
	}
	if rec.Outcome != "upstream_error" || rec.Detail != "dial tcp: connection refused" {
		t.Errorf("record outcome = %q %q", rec.Outcome, rec.Detail)
	}
}

func TestRecorder_PersistsCompletedTasks(t *testing.T) {
	t.Parallel()

	store := setupTestDB(t)
	rec := NewRecorder(store, 16, testLogger())
	reg := task.NewRegistry(task.RegistryConfig{Hooks: task.Hooks{OnComplete: rec.Record}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	for i := 0; i < 5; i++ {
		reg.Start(task.KindHTTP, "GET /").Succeed(200, "")
	}

	deadline := time.After(5 * time.Second)
	for rec.Saved() < 5 {
		select {
		case <-deadline:
			t.Fatalf("saved %d records, want 5", rec.Saved())
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	n, err := store.CountRecords(context.Background(), RecordFilter{})
	if err != nil {
		t.Fatalf("CountRecords() error = %v", err)
	}
	if n != 5 {
		t.Errorf("records = %d, want 5", n)
	}
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	t.Parallel()

	bs := &blockingStore{release: make(chan struct{})}
	rec := NewRecorder(bs, 2, testLogger())
	reg := task.NewRegistry(task.RegistryConfig{})

	for i := 0; i < 5; i++ {
		tk := reg.Start(task.KindHTTP, "GET /")
		tk.Succeed(200, "")
		rec.Record(tk)
	}
	if rec.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", rec.Dropped())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	close(bs.release)
	rec.Run(ctx)

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if len(bs.saved) != 2 {
		t.Errorf("flushed %d records on shutdown, want 2", len(bs.saved))
	}
}

func TestScheduler(t *testing.T) {
	t.Parallel()

	store := setupTestDB(t)
	now := time.Now()
	store.now = func() time.Time { return now }
	old := testRecord("old", now.Add(-72*time.Hour))
	if err := store.SaveRecord(context.Background(), old); err != nil {
		t.Fatalf("SaveRecord() error = %v", err)
	}

	t.Run("invalid schedule", func(t *testing.T) {
		s := NewScheduler(store, "not a schedule", testLogger())
		if err := s.Start(context.Background()); err == nil {
			t.Error("Start() should reject an invalid schedule")
		}
	})

	t.Run("empty schedule disabled", func(t *testing.T) {
		s := NewScheduler(store, "", testLogger())
		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if s.IsRunning() {
			t.Error("scheduler with empty schedule should not run")
		}
	})

	t.Run("start, prune, stop", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		s := NewScheduler(store, "0 3 * * *", testLogger())
		if err := s.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if !s.IsRunning() {
			t.Fatal("scheduler should be running")
		}
		if n := s.Prune(ctx); n != 1 {
			t.Errorf("Prune() = %d, want 1", n)
		}
		cancel()
		s.Stop()
		if s.IsRunning() {
			t.Error("scheduler should be stopped")
		}
	})
}

func TestRecorder_Scrubber(t *testing.T) {
	t.Parallel()

	bs := &blockingStore{release: make(chan struct{})}
	rec := NewRecorder(bs, 4, testLogger())
	rec.SetScrubber(func(r *Record) { r.Label = "GET /scrubbed" })

	reg := task.NewRegistry(task.RegistryConfig{Hooks: task.Hooks{OnComplete: rec.Record}})
	tk := reg.Start(task.KindHTTP, "GET /?token=abc")
	tk.Succeed(200, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	close(bs.release)
	rec.Run(ctx)

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if len(bs.saved) != 1 || bs.saved[0].Label != "GET /scrubbed" {
		t.Errorf("saved = %+v", bs.saved)
	}
	if tk.Label() != "GET /?token=abc" {
		t.Errorf("task label changed to %q", tk.Label())
	}
}
