// Package queue serializes security-sensitive prompts so exactly one is
// presented to the user at a time.
package queue

import (
	"errors"
	"sync"

	wq "github.com/Workiva/go-datastructures/queue"
)

var (
	ErrEmpty    = errors.New("no pending action")
	ErrNotHead  = errors.New("action is not the one being presented")
	ErrDisposed = errors.New("queue disposed")
)

// Keyed items carry a key that is unique while they are queued.
type Keyed interface {
	Key() string
}

// Queue is a FIFO of pending actions. The head is the presented item; the
// rest wait until it is resolved.
type Queue[T Keyed] struct {
	mu        sync.Mutex
	q         *wq.Queue
	onPresent func(T)
	onDepth   func(int)
}

// New returns an empty queue. onPresent, if set, is called each time an item
// becomes the head.
func New[T Keyed](onPresent func(T)) *Queue[T] {
	return &Queue[T]{
		q:         wq.New(8),
		onPresent: onPresent,
	}
}

// OnDepth registers a callback receiving the queue length after each change.
func (q *Queue[T]) OnDepth(fn func(int)) {
	q.mu.Lock()
	q.onDepth = fn
	q.mu.Unlock()
}

// Push appends item in arrival order. It is presented immediately when
// nothing else is.
func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	wasEmpty := q.q.Empty()
	if err := q.q.Put(item); err != nil {
		q.mu.Unlock()
		return translate(err)
	}
	depth := int(q.q.Len())
	present, onDepth := q.onPresent, q.onDepth
	q.mu.Unlock()

	if onDepth != nil {
		onDepth(depth)
	}
	if wasEmpty && present != nil {
		present(item)
	}
	return nil
}

// Head returns the presented item.
func (q *Queue[T]) Head() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.peekLocked()
}

// Resolve removes the presented item, which must have the given key, and
// presents the next one.
func (q *Queue[T]) Resolve(key string) error {
	q.mu.Lock()
	head, ok := q.peekLocked()
	if !ok {
		q.mu.Unlock()
		if q.q.Disposed() {
			return ErrDisposed
		}
		return ErrEmpty
	}
	if head.Key() != key {
		q.mu.Unlock()
		return ErrNotHead
	}
	// Non-blocking: the peek above proved an item is there and q.mu keeps
	// other consumers out.
	if _, err := q.q.Get(1); err != nil {
		q.mu.Unlock()
		return translate(err)
	}
	next, hasNext := q.peekLocked()
	depth := int(q.q.Len())
	present, onDepth := q.onPresent, q.onDepth
	q.mu.Unlock()

	if onDepth != nil {
		onDepth(depth)
	}
	if hasNext && present != nil {
		present(next)
	}
	return nil
}

// Len counts queued items including the presented one.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.q.Len())
}

// Dispose drops every item; later calls fail with ErrDisposed.
func (q *Queue[T]) Dispose() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.q.Dispose()
}

func (q *Queue[T]) peekLocked() (T, bool) {
	var zero T
	v, err := q.q.Peek()
	if err != nil {
		return zero, false
	}
	item, ok := v.(T)
	return item, ok
}

func translate(err error) error {
	if errors.Is(err, wq.ErrDisposed) {
		return ErrDisposed
	}
	return err
}
