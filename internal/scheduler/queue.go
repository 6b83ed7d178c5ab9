package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/nightofknife/aura/internal/bus"
	"github.com/nightofknife/aura/internal/tasklet"
	auraerr "github.com/nightofknife/aura/pkg/aura/errors"
)

// Queue is a priority queue of tasklets: lower priority value first, FIFO
// among equals. Delayed entries sit aside until their ready time and are
// promoted inside Dequeue. Every mutation publishes a queue.* event.
type Queue struct {
	name   string
	limit  int // 0 means unbounded
	events *bus.Bus

	mu      sync.Mutex
	ready   readyHeap
	delayed []delayedItem
	seq     uint64
	closed  bool

	notify chan struct{}
	done   chan struct{}
}

type queueItem struct {
	tl    *tasklet.Tasklet
	prio  int
	seq   uint64
	index int
}

type delayedItem struct {
	tl *tasklet.Tasklet
	at time.Time
}

// NewQueue creates a named queue publishing visibility events on events.
// A non-zero limit rejects enqueues past that depth with queue.dropped.
func NewQueue(name string, limit int, events *bus.Bus) *Queue {
	return &Queue{
		name:   name,
		limit:  limit,
		events: events,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Enqueue adds a tasklet at its current priority.
func (q *Queue) Enqueue(tl *tasklet.Tasklet) error {
	return q.enqueueAt(tl, time.Time{})
}

// EnqueueAt adds a tasklet that becomes ready at the given time.
func (q *Queue) EnqueueAt(tl *tasklet.Tasklet, at time.Time) error {
	return q.enqueueAt(tl, at)
}

func (q *Queue) enqueueAt(tl *tasklet.Tasklet, at time.Time) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return auraerr.ErrSchedulerStopped
	}
	if q.limit > 0 && q.ready.Len()+len(q.delayed) >= q.limit {
		q.mu.Unlock()
		q.publish("queue.dropped", tl)
		return auraerr.NewValidation("queue", "queue %q is full", q.name)
	}
	tl.Queue = q.name
	if !at.IsZero() && at.After(time.Now()) {
		q.delayed = append(q.delayed, delayedItem{tl: tl, at: at})
	} else {
		q.push(tl)
	}
	q.mu.Unlock()

	q.publish("queue.enqueued", tl)
	q.wake()
	return nil
}

// push appends to the ready heap. Caller holds the lock.
func (q *Queue) push(tl *tasklet.Tasklet) {
	q.seq++
	heap.Push(&q.ready, &queueItem{tl: tl, prio: tl.Priority(), seq: q.seq})
}

// Dequeue blocks until a tasklet is ready, the context ends, or the queue
// closes. Due delayed entries are promoted before each poll.
func (q *Queue) Dequeue(ctx context.Context) (*tasklet.Tasklet, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, auraerr.ErrSchedulerStopped
		}
		promoted := q.promoteDue()
		var next *tasklet.Tasklet
		if q.ready.Len() > 0 {
			next = heap.Pop(&q.ready).(*queueItem).tl
		}
		wait := q.nextDelay()
		q.mu.Unlock()

		for _, tl := range promoted {
			q.publish("queue.promoted", tl)
		}
		if next != nil {
			q.publish("queue.dequeued", next)
			q.wake() // siblings may still have work
			return next, nil
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-q.done:
			if timer != nil {
				timer.Stop()
			}
			return nil, auraerr.ErrSchedulerStopped
		case <-q.notify:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// promoteDue moves due delayed entries into the ready heap. Caller holds the
// lock; returns the promoted tasklets for event publication.
func (q *Queue) promoteDue() []*tasklet.Tasklet {
	if len(q.delayed) == 0 {
		return nil
	}
	now := time.Now()
	var promoted []*tasklet.Tasklet
	kept := q.delayed[:0]
	for _, d := range q.delayed {
		if d.at.After(now) {
			kept = append(kept, d)
			continue
		}
		q.push(d.tl)
		promoted = append(promoted, d.tl)
	}
	q.delayed = kept
	return promoted
}

// nextDelay returns the wait until the earliest delayed entry, or zero when
// there is none. Caller holds the lock.
func (q *Queue) nextDelay() time.Duration {
	var earliest time.Time
	for _, d := range q.delayed {
		if earliest.IsZero() || d.at.Before(earliest) {
			earliest = d.at
		}
	}
	if earliest.IsZero() {
		return 0
	}
	return time.Until(earliest)
}

// Remove drops a queued tasklet by run id. Used by cancel-before-dequeue.
func (q *Queue) Remove(runID string) (*tasklet.Tasklet, bool) {
	q.mu.Lock()
	var removed *tasklet.Tasklet
	for i, item := range q.ready {
		if item.tl.RunID == runID {
			removed = item.tl
			heap.Remove(&q.ready, i)
			break
		}
	}
	if removed == nil {
		for i, d := range q.delayed {
			if d.tl.RunID == runID {
				removed = d.tl
				q.delayed = append(q.delayed[:i], q.delayed[i+1:]...)
				break
			}
		}
	}
	q.mu.Unlock()

	if removed == nil {
		return nil, false
	}
	q.publish("queue.dropped", removed)
	return removed, true
}

// Reorder applies a queued tasklet's new priority and resifts the heap.
func (q *Queue) Reorder(runID string, priority int) bool {
	q.mu.Lock()
	var moved *tasklet.Tasklet
	for _, item := range q.ready {
		if item.tl.RunID == runID {
			item.tl.SetPriority(priority)
			item.prio = priority
			heap.Fix(&q.ready, item.index)
			moved = item.tl
			break
		}
	}
	q.mu.Unlock()

	if moved == nil {
		return false
	}
	q.publish("queue.requeued", moved)
	return true
}

// Len returns the count of ready plus delayed entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len() + len(q.delayed)
}

// Snapshot lists queued tasklets: ready in dispatch order, then delayed.
func (q *Queue) Snapshot() (ready, delayed []*tasklet.Tasklet) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := make([]*queueItem, len(q.ready))
	copy(items, q.ready)
	tmp := readyHeap(items)
	for tmp.Len() > 0 {
		ready = append(ready, heap.Pop(&tmp).(*queueItem).tl)
	}
	for _, d := range q.delayed {
		delayed = append(delayed, d.tl)
	}
	return ready, delayed
}

// Close rejects further traffic and unblocks all waiting consumers.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) publish(name string, tl *tasklet.Tasklet) {
	if q.events == nil {
		return
	}
	_ = q.events.Publish(context.Background(), bus.NewEvent(name, map[string]any{
		"queue":    q.name,
		"run_id":   tl.RunID,
		"plan":     tl.Plan,
		"task":     tl.Task,
		"priority": tl.Priority(),
	}))
}

// readyHeap orders by priority ascending, then enqueue sequence.
type readyHeap []*queueItem

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].prio != h[j].prio {
		return h[i].prio < h[j].prio
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *readyHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
