package clock

import (
	"sync"
	"time"
)

// Fake is a manually advanced Clock. Repeating callbacks fire synchronously
// from Advance, in due order, on the caller's goroutine.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	nextID int
	timers map[int]*fakeTimer
}

type fakeTimer struct {
	period time.Duration
	next   time.Time
	fn     func(time.Time)
}

// NewFake returns a Fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start, timers: map[int]*fakeTimer{}}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Every(d time.Duration, fn func(now time.Time)) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.timers[id] = &fakeTimer{period: d, next: f.now.Add(d), fn: fn}
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.timers, id)
		f.mu.Unlock()
	}
}

// Active reports how many repeating callbacks are registered.
func (f *Fake) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// Advance moves the clock forward by d, firing every repeating callback that
// falls due along the way.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		var (
			due   *fakeTimer
			dueID = -1
		)
		for id, t := range f.timers {
			if t.next.After(target) {
				continue
			}
			if due == nil || t.next.Before(due.next) || (t.next.Equal(due.next) && id < dueID) {
				due, dueID = t, id
			}
		}
		if due == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		f.now = due.next
		due.next = due.next.Add(due.period)
		at := f.now
		fn := due.fn
		f.mu.Unlock()

		fn(at)
	}
}
