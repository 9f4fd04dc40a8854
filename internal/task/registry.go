package task

import (
	"sync"
	"time"

	"github.com/HakAl/relayview/internal/console"
)

// Hooks are called on lifecycle transitions, outside any task lock.
// They run on the goroutine that caused the transition and must not block.
type Hooks struct {
	OnStart    func(*Task)
	OnUpdate   func(*Task)
	OnComplete func(*Task)
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Hooks Hooks
	// Animation overrides the progress frames; defaults to Sweep(" ", "=", 7).
	Animation []string
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Registry holds the tasks that have not yet been drained by the renderer,
// in arrival order.
type Registry struct {
	mu    sync.Mutex
	tasks []*Task

	wake  chan struct{}
	anim  []string
	now   func() time.Time
	hooks *Hooks
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	anim := cfg.Animation
	if len(anim) == 0 {
		anim = Sweep(" ", "=", DefaultSweepWidth)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	hooks := cfg.Hooks
	return &Registry{
		wake:  make(chan struct{}, 1),
		anim:  anim,
		now:   now,
		hooks: &hooks,
	}
}

// Start registers a new task with the default field layout:
// "[initiated] [progress] label status".
func (r *Registry) Start(kind Kind, label string) *Task {
	t := newTask(kind, label, r.anim, r.now, r.hooks)
	t.AddField(Initiated(console.Gray, "[%s]"))
	t.AddField(Progress("[%s]"))
	t.AddField(Value(console.BlueBright, label))
	t.status = t.AddField(Unset())

	r.mu.Lock()
	r.tasks = append(r.tasks, t)
	r.mu.Unlock()

	// Wake an idle renderer; a pending token is enough.
	select {
	case r.wake <- struct{}{}:
	default:
	}

	if r.hooks.OnStart != nil {
		r.hooks.OnStart(t)
	}
	return t
}

// Wake returns the channel signalled whenever a task is started.
func (r *Registry) Wake() <-chan struct{} {
	return r.wake
}

// Drain removes every completed task in a single pass and returns them in
// arrival order. Active tasks keep their relative order.
func (r *Registry) Drain() []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	var completed []*Task
	active := r.tasks[:0]
	for _, t := range r.tasks {
		if t.IsCompleted() {
			completed = append(completed, t)
		} else {
			active = append(active, t)
		}
	}
	for i := len(active); i < len(r.tasks); i++ {
		r.tasks[i] = nil
	}
	r.tasks = active
	return completed
}

// Active returns a snapshot of the registered tasks.
func (r *Registry) Active() []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Task(nil), r.tasks...)
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// CloseAll forces every active task to o and returns how many it closed.
// Tasks that complete concurrently keep their own outcome.
func (r *Registry) CloseAll(o Outcome) int {
	n := 0
	for _, t := range r.Active() {
		if t.Complete(o) {
			n++
		}
	}
	return n
}
