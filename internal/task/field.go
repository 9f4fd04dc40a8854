package task

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/HakAl/relayview/internal/console"
)

var (
	// ErrHandleReused is returned when a FieldRef is replaced a second time.
	ErrHandleReused = errors.New("task: field reference has already been replaced")
	// ErrTaskCompleted is returned when a field of a completed task is replaced.
	ErrTaskCompleted = errors.New("task: task is completed")
)

// FieldKind selects the variant a FieldInit builds.
type FieldKind int

const (
	// FieldUnset is an empty slot.
	FieldUnset FieldKind = iota
	// FieldValue is a static value with an optional color.
	FieldValue
	// FieldProgress is the animation frame while active and the elapsed
	// duration once completed.
	FieldProgress
	// FieldInitiated is the time the task started.
	FieldInitiated
)

// FieldInit describes a field to install in a slot.
type FieldInit struct {
	Kind  FieldKind
	Value string
	Color console.Color
	// Format, when set, is a fmt layout with a single %s verb applied to the
	// field's text, e.g. "[%s]".
	Format string
}

// Value returns a static field.
func Value(color console.Color, text string) FieldInit {
	return FieldInit{Kind: FieldValue, Value: text, Color: color}
}

// Progress returns a progress field.
func Progress(format string) FieldInit {
	return FieldInit{Kind: FieldProgress, Format: format}
}

// Initiated returns a field showing the task's start time.
func Initiated(color console.Color, format string) FieldInit {
	return FieldInit{Kind: FieldInitiated, Color: color, Format: format}
}

// Unset returns an empty slot.
func Unset() FieldInit {
	return FieldInit{Kind: FieldUnset}
}

// field is one display slot. write is called with the owning task's lock held.
type field interface {
	write(out console.Writer, t *Task)
}

func newField(init FieldInit) field {
	switch init.Kind {
	case FieldValue:
		return valueField{text: expand(init.Value, init.Format), color: init.Color}
	case FieldProgress:
		return progressField{format: init.Format, color: init.Color}
	case FieldInitiated:
		return initiatedField{format: init.Format, color: init.Color}
	default:
		return unsetField{}
	}
}

func expand(text, format string) string {
	if format == "" {
		return text
	}
	return fmt.Sprintf(format, text)
}

type unsetField struct{}

func (unsetField) write(console.Writer, *Task) {}

type valueField struct {
	text  string
	color console.Color
}

func (f valueField) write(out console.Writer, _ *Task) {
	console.WriteColored(out, f.color, f.text)
}

type progressField struct {
	format string
	color  console.Color
}

func (f progressField) write(out console.Writer, t *Task) {
	console.WriteColored(out, f.color, expand(t.progressLocked(), f.format))
}

type initiatedField struct {
	format string
	color  console.Color
}

func (f initiatedField) write(out console.Writer, t *Task) {
	console.WriteColored(out, f.color, expand(t.initiatedText, f.format))
}

// FieldRef is a one-shot handle to a task's slot. Replace may succeed at
// most once per handle; the handle it returns is subject to the same rule.
type FieldRef struct {
	owner atomic.Pointer[Task]
	index int
}

func newFieldRef(t *Task, index int) *FieldRef {
	ref := &FieldRef{index: index}
	ref.owner.Store(t)
	return ref
}

// Index returns the slot the handle is bound to.
func (r *FieldRef) Index() int {
	return r.index
}

// Replace installs init in the handle's slot and returns the new handle.
// It returns ErrHandleReused if the handle was already used and
// ErrTaskCompleted if the task is completed; in the latter case the
// handle stays valid.
func (r *FieldRef) Replace(init FieldInit) (*FieldRef, error) {
	t := r.owner.Load()
	if t == nil {
		return nil, ErrHandleReused
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.completed.IsZero() {
		return nil, ErrTaskCompleted
	}
	if !r.owner.CompareAndSwap(t, nil) {
		return nil, ErrHandleReused
	}
	return t.installLocked(r.index, init), nil
}

// take invalidates the handle without installing anything. The caller
// must hold the owner's lock.
func (r *FieldRef) take(t *Task) bool {
	return r.owner.CompareAndSwap(t, nil)
}
