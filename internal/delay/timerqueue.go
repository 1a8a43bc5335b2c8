package delay

import (
	"container/heap"
	"sync"
	"time"

	"github.com/xaenox/coach-bot/internal/models"
	"go.uber.org/zap"
)

// task is one deferred send waiting in the queue.
type task struct {
	id     string
	key    models.ConversationKey
	fireAt time.Time
	seq    uint64
	fn     func()
	index  int
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].fireAt.Before(h[j].fireAt)
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// TimerQueue runs deferred tasks at their fire time. Tasks are cancellable
// until they fire, and two tasks scheduled for the same conversation never
// fire out of schedule order: a later-scheduled task is clamped to fire no
// earlier than the one before it.
type TimerQueue struct {
	mu       sync.Mutex
	tasks    taskHeap
	byID     map[string]*task
	lastFire map[models.ConversationKey]time.Time
	seq      uint64
	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger
}

func NewTimerQueue(logger *zap.Logger) *TimerQueue {
	q := &TimerQueue{
		byID:     make(map[string]*task),
		lastFire: make(map[models.ConversationKey]time.Time),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go q.run()
	return q
}

// Schedule enqueues fn to run at fireAt and returns the effective fire time
// after per-conversation ordering is applied.
func (q *TimerQueue) Schedule(id string, key models.ConversationKey, fireAt time.Time, fn func()) time.Time {
	q.mu.Lock()
	if last, ok := q.lastFire[key]; ok && fireAt.Before(last) {
		fireAt = last
	}
	q.lastFire[key] = fireAt

	q.seq++
	t := &task{id: id, key: key, fireAt: fireAt, seq: q.seq, fn: fn}
	heap.Push(&q.tasks, t)
	q.byID[id] = t
	q.mu.Unlock()

	q.notify()
	return fireAt
}

// Cancel removes a pending task. It reports whether the task was still
// pending; a task that already fired cannot be cancelled.
func (q *TimerQueue) Cancel(id string) bool {
	q.mu.Lock()
	t, ok := q.byID[id]
	if ok {
		heap.Remove(&q.tasks, t.index)
		delete(q.byID, id)
	}
	q.mu.Unlock()

	if ok {
		q.notify()
	}
	return ok
}

// CancelConversation drops every pending task for one conversation, e.g.
// when the conversation is closed or a draft is superseded.
func (q *TimerQueue) CancelConversation(key models.ConversationKey) int {
	q.mu.Lock()
	var ids []string
	for id, t := range q.byID {
		if t.key == key {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		t := q.byID[id]
		heap.Remove(&q.tasks, t.index)
		delete(q.byID, id)
	}
	q.mu.Unlock()

	if len(ids) > 0 {
		q.notify()
	}
	return len(ids)
}

// Pending returns the number of tasks waiting to fire.
func (q *TimerQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Stop drains nothing and runs nothing further; pending tasks are dropped.
func (q *TimerQueue) Stop() {
	q.stopOnce.Do(func() { close(q.done) })
}

func (q *TimerQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *TimerQueue) run() {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		q.mu.Lock()
		var wait time.Duration
		hasNext := len(q.tasks) > 0
		if hasNext {
			wait = time.Until(q.tasks[0].fireAt)
		}
		q.mu.Unlock()

		if !hasNext {
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}

		if wait > 0 {
			timer.Reset(wait)
			select {
			case <-timer.C:
			case <-q.wake:
				if !timer.Stop() {
					<-timer.C
				}
				continue
			case <-q.done:
				if !timer.Stop() {
					<-timer.C
				}
				return
			}
		}

		q.mu.Lock()
		var fired *task
		if len(q.tasks) > 0 && !q.tasks[0].fireAt.After(time.Now()) {
			fired = heap.Pop(&q.tasks).(*task)
			delete(q.byID, fired.id)
		}
		q.mu.Unlock()

		if fired != nil {
			fired.fn()
		}
	}
}
