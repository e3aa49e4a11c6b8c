// Package taskqueue implements the buy/sell/monitor task queues:
// dedup-latest queues with subscriber wakeups. Task ids use
// github.com/google/uuid.
package taskqueue

import (
	"sync"

	"github.com/google/uuid"
)

// Task is one unit of queued work, deduplicated by DedupeKey.
type Task struct {
	ID        string
	DedupeKey string
	Payload   any
}

// Unsubscribe removes a previously registered subscriber.
type Unsubscribe func()

// Queue is a dedup-latest FIFO-ish queue: scheduling a task with an
// existing dedupe key overwrites the prior task in place (preserving its
// position).
type Queue struct {
	mu          sync.Mutex
	order       []string // dedupe keys, in first-scheduled order
	byKey       map[string]*Task
	subscribers map[int]func()
	nextSubID   int
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{byKey: make(map[string]*Task), subscribers: make(map[int]func())}
}

// ScheduleLatest enqueues payload under dedupeKey, overwriting any
// existing task for that key, and notifies subscribers.
func (q *Queue) ScheduleLatest(dedupeKey string, payload any) *Task {
	q.mu.Lock()
	t := &Task{ID: uuid.NewString(), DedupeKey: dedupeKey, Payload: payload}
	if _, exists := q.byKey[dedupeKey]; !exists {
		q.order = append(q.order, dedupeKey)
	}
	q.byKey[dedupeKey] = t
	subs := make([]func(), 0, len(q.subscribers))
	for _, f := range q.subscribers {
		subs = append(subs, f)
	}
	q.mu.Unlock()

	for _, f := range subs {
		f()
	}
	return t
}

// Pop removes and returns the oldest-scheduled task, or nil if empty.
func (q *Queue) Pop() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.order) > 0 {
		key := q.order[0]
		q.order = q.order[1:]
		if t, ok := q.byKey[key]; ok {
			delete(q.byKey, key)
			return t
		}
	}
	return nil
}

// IsEmpty reports whether the queue currently holds no tasks.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byKey) == 0
}

// RemoveTasks removes every task matching predicate, returning how many
// were removed.
func (q *Queue) RemoveTasks(predicate func(*Task) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	kept := q.order[:0]
	for _, key := range q.order {
		t, ok := q.byKey[key]
		if ok && predicate(t) {
			delete(q.byKey, key)
			removed++
			continue
		}
		kept = append(kept, key)
	}
	q.order = kept
	return removed
}

// ClearAll drops every task.
func (q *Queue) ClearAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.order = nil
	q.byKey = make(map[string]*Task)
}

// Subscribe registers f to be called (synchronously, on the scheduling
// goroutine) whenever a task is inserted. Returns an unregister handle.
func (q *Queue) Subscribe(f func()) Unsubscribe {
	q.mu.Lock()
	id := q.nextSubID
	q.nextSubID++
	q.subscribers[id] = f
	q.mu.Unlock()
	return func() {
		q.mu.Lock()
		delete(q.subscribers, id)
		q.mu.Unlock()
	}
}

// Queues bundles the engine's three task queues.
type Queues struct {
	Buy     *Queue
	Sell    *Queue
	Monitor *Queue
}

// NewQueues returns a fresh buy/sell/monitor queue set.
func NewQueues() *Queues {
	return &Queues{Buy: New(), Sell: New(), Monitor: New()}
}
