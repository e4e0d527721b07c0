package reactor

import (
	"sync"
	"time"
)

// TimerEvent is posted when a timer watcher expires.
type TimerEvent struct {
	Watcher *TimerWatcher
	gen     uint64
}

// Stale reports whether the timer was stopped or restarted after the event
// was raised.
func (e TimerEvent) Stale() bool {
	return e.Watcher.generation() != e.gen
}

// TimerWatcher fires once after a delay and then, if repeat is set, every
// repeat interval until stopped.
type TimerWatcher struct {
	post func(any)

	mu     sync.Mutex
	after  time.Duration
	repeat time.Duration
	gen    uint64
	active bool
	timer  *time.Timer
}

func NewTimerWatcher(post func(any), after, repeat time.Duration) *TimerWatcher {
	return &TimerWatcher{post: post, after: after, repeat: repeat}
}

// Set changes the delays. It stops the timer.
func (w *TimerWatcher) Set(after, repeat time.Duration) {
	w.Stop()
	w.mu.Lock()
	w.after = after
	w.repeat = repeat
	w.mu.Unlock()
}

func (w *TimerWatcher) Active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// Start arms the timer. Starting an armed timer is a no-op.
func (w *TimerWatcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active {
		return
	}
	w.gen++
	w.active = true
	gen := w.gen
	w.timer = time.AfterFunc(w.after, func() { w.fire(gen) })
}

// Restart re-arms the timer from now.
func (w *TimerWatcher) Restart() {
	w.Stop()
	w.Start()
}

// Stop disarms the timer. Events already posted become stale.
func (w *TimerWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gen++
	w.active = false
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *TimerWatcher) generation() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gen
}

func (w *TimerWatcher) fire(gen uint64) {
	w.mu.Lock()
	if w.gen != gen || !w.active {
		w.mu.Unlock()
		return
	}
	if w.repeat > 0 {
		w.timer = time.AfterFunc(w.repeat, func() { w.fire(gen) })
	} else {
		w.active = false
	}
	w.mu.Unlock()

	w.post(TimerEvent{Watcher: w, gen: gen})
}
