// Package task tracks the lifecycle of proxied connections and renders
// them as a live view.
package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HakAl/relayview/internal/console"
)

// Kind is the type of connection a task tracks.
type Kind string

const (
	KindHTTP      Kind = "http"
	KindWebSocket Kind = "ws"
)

// OutcomeKind classifies how a task ended.
type OutcomeKind int

const (
	OutcomeNone OutcomeKind = iota
	OutcomeSuccess
	OutcomeClientAbort
	OutcomeUpstreamError
	OutcomeClosed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeClientAbort:
		return "client_abort"
	case OutcomeUpstreamError:
		return "upstream_error"
	case OutcomeClosed:
		return "closed"
	default:
		return "none"
	}
}

// Outcome is the terminal state of a task.
type Outcome struct {
	Kind   OutcomeKind
	Status int // HTTP status for OutcomeSuccess, close code for sockets
	Text   string
	Color  console.Color
	Err    error
}

// Succeeded is the outcome of a relay that finished normally.
func Succeeded(status int, color console.Color, text string) Outcome {
	return Outcome{Kind: OutcomeSuccess, Status: status, Text: text, Color: color}
}

// ClientAborted is the outcome of a relay whose inbound peer went away.
func ClientAborted(text string) Outcome {
	return Outcome{Kind: OutcomeClientAbort, Text: text, Color: console.Yellow}
}

// Failed is the outcome of a relay that hit an upstream error.
func Failed(err error) Outcome {
	return Outcome{Kind: OutcomeUpstreamError, Text: err.Error(), Color: console.RedBright, Err: err}
}

// Closed is the outcome of a socket relay or a task forced closed at shutdown.
func Closed(code int, text string) Outcome {
	return Outcome{Kind: OutcomeClosed, Status: code, Text: text, Color: console.Gray}
}

// Task is the lifecycle record of one proxied connection.
type Task struct {
	id            string
	kind          Kind
	label         string
	initiated     time.Time
	initiatedText string
	anim          []string
	now           func() time.Time
	hooks         *Hooks

	mu        sync.Mutex
	fields    []field
	animIndex int
	completed time.Time
	outcome   Outcome
	status    *FieldRef
	statusTxt string
}

func newTask(kind Kind, label string, anim []string, now func() time.Time, hooks *Hooks) *Task {
	started := now()
	return &Task{
		id:            uuid.New().String(),
		kind:          kind,
		label:         label,
		initiated:     started,
		initiatedText: started.Format("15:04:05.000"),
		anim:          anim,
		now:           now,
		hooks:         hooks,
	}
}

// ID returns the task's unique id.
func (t *Task) ID() string { return t.id }

// Kind returns the connection type.
func (t *Task) Kind() Kind { return t.kind }

// Label returns the task's description, e.g. "GET /index.html".
func (t *Task) Label() string { return t.label }

// Initiated returns the time the task started.
func (t *Task) Initiated() time.Time { return t.initiated }

// IsCompleted reports whether the task has reached a terminal state.
func (t *Task) IsCompleted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.completed.IsZero()
}

// Completed returns the completion time, zero while active.
func (t *Task) Completed() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

// Duration returns how long the task ran. ok is false while active.
func (t *Task) Duration() (d time.Duration, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.completed.IsZero() {
		return 0, false
	}
	return t.completed.Sub(t.initiated), true
}

// Outcome returns the recorded outcome; Kind is OutcomeNone while active.
func (t *Task) Outcome() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

// Status returns the text of the status slot.
func (t *Task) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusTxt
}

// AddField appends a slot and returns its handle. Fields cannot be added
// to a completed task; the returned handle has index -1 and Replace on it
// reports ErrTaskCompleted.
func (t *Task) AddField(init FieldInit) *FieldRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.completed.IsZero() {
		return newFieldRef(t, -1)
	}
	return t.installLocked(len(t.fields), init)
}

func (t *Task) installLocked(index int, init FieldInit) *FieldRef {
	f := newField(init)
	if index == len(t.fields) {
		t.fields = append(t.fields, f)
	} else {
		t.fields[index] = f
	}
	return newFieldRef(t, index)
}

// setStatusLocked replaces the status slot through its handle.
func (t *Task) setStatusLocked(color console.Color, text string) {
	if t.status == nil || !t.status.take(t) {
		return
	}
	t.status = t.installLocked(t.status.index, Value(color, text))
	t.statusTxt = text
}

// Update sets the status slot of an active task. It reports false if the
// task is already completed.
func (t *Task) Update(color console.Color, text string) bool {
	t.mu.Lock()
	if !t.completed.IsZero() {
		t.mu.Unlock()
		return false
	}
	t.setStatusLocked(color, text)
	t.mu.Unlock()

	if t.hooks != nil && t.hooks.OnUpdate != nil {
		t.hooks.OnUpdate(t)
	}
	return true
}

// Complete records o as the terminal outcome. Only the first call wins;
// later calls are no-ops and report false.
func (t *Task) Complete(o Outcome) bool {
	t.mu.Lock()
	if !t.completed.IsZero() {
		t.mu.Unlock()
		return false
	}
	t.setStatusLocked(o.Color, o.Text)
	t.outcome = o
	t.completed = t.now()
	t.mu.Unlock()

	if t.hooks != nil && t.hooks.OnComplete != nil {
		t.hooks.OnComplete(t)
	}
	return true
}

// Succeed completes the task with an upstream status.
func (t *Task) Succeed(status int, color console.Color) bool {
	return t.Complete(Succeeded(status, color, fmt.Sprintf("%d", status)))
}

// Abort completes the task as aborted by the client.
func (t *Task) Abort() bool {
	return t.Complete(ClientAborted("aborted by client"))
}

// Fail completes the task with an upstream error.
func (t *Task) Fail(err error) bool {
	return t.Complete(Failed(err))
}

// progressLocked returns the next animation frame while active, and the
// elapsed time once completed.
func (t *Task) progressLocked() string {
	if !t.completed.IsZero() {
		return fmt.Sprintf("%7s", FormatDuration(t.completed.Sub(t.initiated)))
	}
	if len(t.anim) == 0 {
		return ""
	}
	frame := t.anim[t.animIndex]
	t.animIndex = (t.animIndex + 1) % len(t.anim)
	return frame
}

// WriteTo writes the task's fields in slot order separated by a space.
// It reports false, writing nothing, when the task has no fields.
func (t *Task) WriteTo(out console.Writer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.fields) == 0 {
		return false
	}
	t.fields[0].write(out, t)
	for _, f := range t.fields[1:] {
		out.Write(" ")
		f.write(out, t)
	}
	return true
}
