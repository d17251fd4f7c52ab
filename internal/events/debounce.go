package events

import (
	"container/heap"
	stdsync "sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dedet2/crmsync/internal/metrics"
)

// pendingCheck is one deferred debounce expiry.
type pendingCheck struct {
	key string
	at  time.Time
}

type checkHeap []pendingCheck

func (h checkHeap) Len() int            { return len(h) }
func (h checkHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h checkHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *checkHeap) Push(x interface{}) { *h = append(*h, x.(pendingCheck)) }
func (h *checkHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Debouncer collapses bursts of touches per key into a single firing after
// the window elapses with no further touch. One goroutine drives all expiry
// times off a min-heap instead of spawning a timer per touch.
type Debouncer struct {
	mu     stdsync.Mutex
	window time.Duration
	last   map[string]time.Time
	checks checkHeap
	fire   func(key string)
	now    func() time.Time
	wake   chan struct{}
	stop   chan struct{}
	once   stdsync.Once
	wg     stdsync.WaitGroup
}

// NewDebouncer creates a debouncer firing fire after window of quiet per key
func NewDebouncer(window time.Duration, fire func(key string)) *Debouncer {
	d := &Debouncer{
		window: window,
		last:   make(map[string]time.Time),
		fire:   fire,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

// Touch records activity on a key and schedules a deferred check. Each touch
// pushes its own expiry; a check that finds a newer touch pending is a no-op,
// so only the burst's final check fires.
func (d *Debouncer) Touch(key string) {
	now := d.now()

	d.mu.Lock()
	d.last[key] = now
	heap.Push(&d.checks, pendingCheck{key: key, at: now.Add(d.window)})
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Stop halts the expiry loop. Outstanding checks are dropped.
func (d *Debouncer) Stop() {
	d.once.Do(func() { close(d.stop) })
	d.wg.Wait()
}

func (d *Debouncer) loop() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		var wait time.Duration
		if len(d.checks) == 0 {
			wait = time.Hour
		} else {
			wait = d.checks[0].at.Sub(d.now())
		}
		d.mu.Unlock()

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-d.stop:
				timer.Stop()
				return
			case <-d.wake:
				timer.Stop()
				continue
			case <-timer.C:
			}
		} else {
			select {
			case <-d.stop:
				return
			default:
			}
		}

		d.expire()
	}
}

// expire pops every due check and fires the keys whose window has gone quiet.
func (d *Debouncer) expire() {
	now := d.now()

	var ready []string
	d.mu.Lock()
	for len(d.checks) > 0 && !d.checks[0].at.After(now) {
		check := heap.Pop(&d.checks).(pendingCheck)
		lastTouch, ok := d.last[check.key]
		if !ok {
			continue // already fired by an earlier check
		}
		if lastTouch.Add(d.window).After(now) {
			// A newer touch arrived after this check was scheduled; its own
			// check will fire instead.
			metrics.DebounceCollapsesTotal.Inc()
			continue
		}
		delete(d.last, check.key)
		ready = append(ready, check.key)
	}
	d.mu.Unlock()

	for _, key := range ready {
		logrus.WithField("key", key).Debug("Debounce window elapsed, firing")
		d.fire(key)
	}
}
