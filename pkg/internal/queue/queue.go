package queue

// Queue is a bounded FIFO with an explicit capacity and live count.
// Enqueue on a full queue and Dequeue on an empty one report false;
// both are ordinary outcomes, not errors.
type Queue[T any] struct {
	name  string
	items []T
	head  int
	count int
}

// NewQueue creates a queue holding at most capacity items
func NewQueue[T any](name string, capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		name:  name,
		items: make([]T, capacity),
	}
}

// Name returns the queue name used in diagnostics
func (q *Queue[T]) Name() string {
	return q.name
}

// Len returns the number of queued items
func (q *Queue[T]) Len() int {
	return q.count
}

// Cap returns the queue capacity
func (q *Queue[T]) Cap() int {
	return len(q.items)
}

// Empty reports whether the queue holds no items
func (q *Queue[T]) Empty() bool {
	return q.count == 0
}

// Full reports whether the queue is at capacity
func (q *Queue[T]) Full() bool {
	return q.count == len(q.items)
}

// Enqueue appends v at the tail
func (q *Queue[T]) Enqueue(v T) bool {
	if q.Full() {
		return false
	}
	q.items[(q.head+q.count)%len(q.items)] = v
	q.count++
	return true
}

// PushFront inserts v at the head so it is dequeued next
func (q *Queue[T]) PushFront(v T) bool {
	if q.Full() {
		return false
	}
	q.head = (q.head - 1 + len(q.items)) % len(q.items)
	q.items[q.head] = v
	q.count++
	return true
}

// Dequeue removes and returns the head item
func (q *Queue[T]) Dequeue() (T, bool) {
	var zero T
	if q.count == 0 {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.count--
	return v, true
}

// Peek returns the head item without removing it
func (q *Queue[T]) Peek() (T, bool) {
	var zero T
	if q.count == 0 {
		return zero, false
	}
	return q.items[q.head], true
}

// At returns the i-th item counting from the head.
// It panics if i is out of range.
func (q *Queue[T]) At(i int) T {
	if i < 0 || i >= q.count {
		panic("queue: index out of range")
	}
	return q.items[(q.head+i)%len(q.items)]
}

// Each calls fn for every item from head to tail until fn returns false
func (q *Queue[T]) Each(fn func(i int, v T) bool) {
	for i := 0; i < q.count; i++ {
		if !fn(i, q.items[(q.head+i)%len(q.items)]) {
			return
		}
	}
}
