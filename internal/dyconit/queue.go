package dyconit

// Message pairs an application payload with the numerical-error weight assigned at publish time.
type Message[M any] struct {
	Payload M
	Weight  int
}

// NewMessage builds a Message, clamping negative weights to zero.
func NewMessage[M any](payload M, weight int) Message[M] {
	if weight < 0 {
		weight = 0
	}
	return Message[M]{Payload: payload, Weight: weight}
}

// MessageQueue is an unbounded strict-FIFO buffer of pending payloads.
// Implementations need not be safe for concurrent use; Subscription serializes access.
type MessageQueue[T any] interface {
	Add(item T)
	RemoveFirst() (T, bool)
	IsEmpty() bool
	Len() int
}

// QueueFactory creates an empty queue for a new subscription.
type QueueFactory[T any] func() MessageQueue[T]

// DefaultQueueFactory returns a factory producing ListQueue instances.
func DefaultQueueFactory[T any]() QueueFactory[T] {
	return func() MessageQueue[T] { return NewListQueue[T]() }
}

// ListQueue is a slice-backed FIFO that reuses its backing array once drained.
type ListQueue[T any] struct {
	items []T
	head  int
}

// NewListQueue constructs an empty ListQueue.
func NewListQueue[T any]() *ListQueue[T] {
	return &ListQueue[T]{}
}

// Add appends item to the tail.
func (q *ListQueue[T]) Add(item T) {
	q.items = append(q.items, item)
}

// RemoveFirst pops the head item.
func (q *ListQueue[T]) RemoveFirst() (T, bool) {
	var zero T
	if q.head >= len(q.items) {
		return zero, false
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	return item, true
}

// IsEmpty reports whether no items are queued.
func (q *ListQueue[T]) IsEmpty() bool {
	return q.head >= len(q.items)
}

// Len returns the number of queued items.
func (q *ListQueue[T]) Len() int {
	return len(q.items) - q.head
}
