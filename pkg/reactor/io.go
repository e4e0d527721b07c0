package reactor

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

// IOEvents is a poll(2) event mask.
type IOEvents int16

const (
	Readable IOEvents = unix.POLLIN
	Writable IOEvents = unix.POLLOUT
)

// pollInterval bounds how long a poller goroutine takes to notice Stop.
const pollInterval = 50

// IOEvent is posted when a watched descriptor becomes ready.
type IOEvent struct {
	Watcher *IOWatcher
	FD      int
	Events  IOEvents
	Err     error
	gen     uint64
}

// Stale reports whether the watcher was stopped or re-armed after the event
// was raised.
func (e IOEvent) Stale() bool {
	return e.Watcher.generation() != e.gen
}

// IOWatcher watches one file descriptor. It is one-shot: after an event is
// posted it must be started again.
type IOWatcher struct {
	post func(any)

	mu     sync.Mutex
	fd     int
	events IOEvents
	gen    uint64
	active bool
	stop   chan struct{}
}

// NewIOWatcher creates a stopped watcher that delivers events through post.
func NewIOWatcher(post func(any), fd int, events IOEvents) *IOWatcher {
	return &IOWatcher{post: post, fd: fd, events: events}
}

// Set changes the descriptor and mask. It stops the watcher.
func (w *IOWatcher) Set(fd int, events IOEvents) {
	w.Stop()
	w.mu.Lock()
	w.fd = fd
	w.events = events
	w.mu.Unlock()
}

func (w *IOWatcher) FD() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fd
}

// Active reports whether the watcher is armed.
func (w *IOWatcher) Active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// Start arms the watcher. Starting an armed watcher is a no-op.
func (w *IOWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active {
		return nil
	}
	if w.fd < 0 {
		return errors.New("io watcher: no descriptor")
	}
	w.gen++
	w.active = true
	w.stop = make(chan struct{})
	go w.poll(w.gen, w.fd, w.events, w.stop)
	return nil
}

// Stop disarms the watcher. Events already posted become stale.
func (w *IOWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gen++
	if w.active {
		w.active = false
		close(w.stop)
	}
}

func (w *IOWatcher) generation() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gen
}

func (w *IOWatcher) poll(gen uint64, fd int, events IOEvents, stop chan struct{}) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: int16(events)}}
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := unix.Poll(fds, pollInterval)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err == nil && n == 0 {
			continue
		}

		w.mu.Lock()
		if w.gen != gen {
			w.mu.Unlock()
			return
		}
		w.active = false
		w.mu.Unlock()

		w.post(IOEvent{Watcher: w, FD: fd, Events: IOEvents(fds[0].Revents), Err: err, gen: gen})
		return
	}
}
