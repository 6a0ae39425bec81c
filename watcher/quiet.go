package watcher

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// QuietPeriod calls fire once no Accumulate call has happened for a full
// window. Each Accumulate re-arms the deadline.
type QuietPeriod struct {
	clock  clockwork.Clock
	window time.Duration
	fire   func()

	mu      sync.Mutex
	timer   clockwork.Timer
	gen     uint64
	stopped bool
}

func NewQuietPeriod(clock clockwork.Clock, window time.Duration, fire func()) *QuietPeriod {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &QuietPeriod{clock: clock, window: window, fire: fire}
}

// Accumulate records activity and pushes the deadline a full window out.
func (q *QuietPeriod) Accumulate() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	if q.timer != nil {
		q.timer.Stop()
	}
	q.gen++
	gen := q.gen
	q.timer = q.clock.AfterFunc(q.window, func() { q.expire(gen) })
}

// Armed reports whether a deadline is pending.
func (q *QuietPeriod) Armed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.timer != nil
}

// Stop cancels any pending deadline; later Accumulate calls are ignored.
func (q *QuietPeriod) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

func (q *QuietPeriod) expire(gen uint64) {
	q.mu.Lock()
	// A timer stopped too late to prevent its callback is superseded.
	if q.stopped || gen != q.gen {
		q.mu.Unlock()
		return
	}
	q.timer = nil
	q.mu.Unlock()
	q.fire()
}
