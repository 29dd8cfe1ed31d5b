package clock

import (
	"container/heap"
	"time"
)

// Kind distinguishes timers that share an owner.
type Kind uint8

// Key names one timer. Owner is usually a connection handle; owner 0 is
// reserved for service-wide tasks.
type Key struct {
	Owner uint64
	Kind  Kind
}

type timer struct {
	key   Key
	at    time.Time
	every time.Duration
	seq   uint64
	index int
}

// Wheel holds one-shot and periodic deadlines keyed by (owner, kind).
// Scheduling a key that already exists replaces it. It is not safe for
// concurrent use.
type Wheel struct {
	timers map[Key]*timer
	queue  timerQueue
	seq    uint64
}

func NewWheel() *Wheel {
	return &Wheel{timers: make(map[Key]*timer)}
}

// Schedule arms a one-shot timer.
func (w *Wheel) Schedule(k Key, at time.Time) {
	w.set(k, at, 0)
}

// Every arms a periodic timer that first fires at first.
func (w *Wheel) Every(k Key, first time.Time, every time.Duration) {
	if every <= 0 {
		w.Schedule(k, first)
		return
	}
	w.set(k, first, every)
}

func (w *Wheel) set(k Key, at time.Time, every time.Duration) {
	w.seq++
	if t, ok := w.timers[k]; ok {
		t.at = at
		t.every = every
		t.seq = w.seq
		heap.Fix(&w.queue, t.index)
		return
	}
	t := &timer{key: k, at: at, every: every, seq: w.seq}
	w.timers[k] = t
	heap.Push(&w.queue, t)
}

func (w *Wheel) Cancel(k Key) {
	t, ok := w.timers[k]
	if !ok {
		return
	}
	heap.Remove(&w.queue, t.index)
	delete(w.timers, k)
}

// CancelOwner drops every timer belonging to owner.
func (w *Wheel) CancelOwner(owner uint64) {
	for k := range w.timers {
		if k.Owner == owner {
			w.Cancel(k)
		}
	}
}

func (w *Wheel) Deadline(k Key) (time.Time, bool) {
	t, ok := w.timers[k]
	if !ok {
		return time.Time{}, false
	}
	return t.at, true
}

// Next reports the earliest armed deadline.
func (w *Wheel) Next() (time.Time, bool) {
	if len(w.queue) == 0 {
		return time.Time{}, false
	}
	return w.queue[0].at, true
}

// Expired pops every timer due at now, in deadline order. Periodic timers are
// re-armed relative to their previous deadline, skipping missed periods.
func (w *Wheel) Expired(now time.Time) []Key {
	var out []Key
	for len(w.queue) > 0 {
		t := w.queue[0]
		if t.at.After(now) {
			break
		}
		out = append(out, t.key)
		if t.every > 0 {
			next := t.at.Add(t.every)
			if !next.After(now) {
				missed := now.Sub(t.at) / t.every
				next = t.at.Add((missed + 1) * t.every)
			}
			t.at = next
			heap.Fix(&w.queue, 0)
			continue
		}
		heap.Pop(&w.queue)
		delete(w.timers, t.key)
	}
	return out
}

func (w *Wheel) Len() int { return len(w.queue) }

type timerQueue []*timer

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	t := x.(*timer)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}
