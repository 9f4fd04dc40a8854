// Package queue provides the FIFO buffer that holds inbound WebSocket
// messages until the outbound socket is open.
package queue

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Push and Open after Close.
var ErrClosed = errors.New("queue: closed")

// ErrAlreadyOpen is returned by a second call to Open.
var ErrAlreadyOpen = errors.New("queue: already open")

// Frame is one WebSocket message.
type Frame struct {
	Data   []byte
	Binary bool
}

// Pending buffers frames while its sink is not ready, then switches to
// direct pass-through. Frames reach the sink in Push order: a frame pushed
// after Open can never overtake one buffered before it.
//
// The sink is invoked with the queue's lock held, so calls to it are
// serialized and the sink does not need its own write lock.
type Pending struct {
	mu     sync.Mutex
	frames []Frame
	send   func(Frame) error
	closed bool
	// err is the first sink error; once set every Push fails with it.
	err error
}

// New creates an empty pending queue.
func New() *Pending {
	return &Pending{}
}

// Push buffers f, or hands it to the sink when the queue is open.
func (q *Pending) Push(f Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.err != nil {
		return q.err
	}
	if q.send == nil {
		q.frames = append(q.frames, f)
		return nil
	}
	if err := q.send(f); err != nil {
		q.err = err
		return err
	}
	return nil
}

// Open flushes the buffered frames to send in arrival order and installs
// send for every later Push. If send fails the remaining frames are
// discarded and the error is returned.
func (q *Pending) Open(send func(Frame) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.send != nil {
		return ErrAlreadyOpen
	}

	frames := q.frames
	q.frames = nil
	q.send = send
	for _, f := range frames {
		if err := send(f); err != nil {
			q.err = err
			return err
		}
	}
	return nil
}

// Close discards any buffered frames and rejects later pushes.
func (q *Pending) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.frames = nil
}

// Len returns the number of buffered frames. It is zero once the queue has
// been opened.
func (q *Pending) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
