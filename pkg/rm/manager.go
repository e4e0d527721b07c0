// Package rm is an in-process resource manager. Components acquire named
// resources when entering Idle; when a resource is exhausted they queue and
// are granted in arrival order as other components release theirs.
package rm

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/realtime-ai/omxil/pkg/omx"
)

// Request asks for Amount units of a named resource.
type Request struct {
	Resource string `yaml:"resource"`
	Amount   int    `yaml:"amount"`
}

type waiter struct {
	owner   string
	reqs    []Request
	granted func()
}

// Manager tracks capacity and usage per resource. Resources without a
// configured capacity are unlimited.
type Manager struct {
	mu       sync.Mutex
	capacity map[string]int
	used     map[string]int
	held     map[string][]Request
	waiters  []*waiter
	log      *logrus.Entry
}

func NewManager(capacity map[string]int) *Manager {
	m := &Manager{
		capacity: make(map[string]int),
		used:     make(map[string]int),
		held:     make(map[string][]Request),
		log:      logrus.WithField("module", "rm"),
	}
	for k, v := range capacity {
		m.capacity[k] = v
	}
	return m
}

// SetCapacity changes the capacity of a resource. Waiters that now fit are
// granted.
func (m *Manager) SetCapacity(resource string, n int) {
	m.mu.Lock()
	m.capacity[resource] = n
	grants := m.admitLocked()
	m.mu.Unlock()
	run(grants)
}

func (m *Manager) fitsLocked(reqs []Request) bool {
	for _, r := range reqs {
		c, ok := m.capacity[r.Resource]
		if ok && m.used[r.Resource]+r.Amount > c {
			return false
		}
	}
	return true
}

func (m *Manager) validateLocked(reqs []Request) error {
	for _, r := range reqs {
		if r.Amount < 0 {
			return fmt.Errorf("%w: negative amount for %q", omx.ErrBadParameter, r.Resource)
		}
		if c, ok := m.capacity[r.Resource]; ok && r.Amount > c {
			return fmt.Errorf("%w: %q needs %d, capacity is %d", omx.ErrInsufficientResources, r.Resource, r.Amount, c)
		}
	}
	return nil
}

func (m *Manager) commitLocked(owner string, reqs []Request) {
	for _, r := range reqs {
		m.used[r.Resource] += r.Amount
	}
	m.held[owner] = append(m.held[owner], reqs...)
}

// Acquire grants reqs to owner if they fit now. It returns false when the
// caller has to wait, and an error when the request can never be met.
func (m *Manager) Acquire(owner string, reqs []Request) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.validateLocked(reqs); err != nil {
		return false, err
	}
	if len(m.waiters) > 0 || !m.fitsLocked(reqs) {
		m.log.WithField("owner", owner).Debug("resources busy")
		return false, nil
	}
	m.commitLocked(owner, reqs)
	return true, nil
}

// Wait queues owner until reqs fit. granted runs once, on the goroutine that
// freed the resources, after they have been committed to owner.
func (m *Manager) Wait(owner string, reqs []Request, granted func()) error {
	m.mu.Lock()
	if err := m.validateLocked(reqs); err != nil {
		m.mu.Unlock()
		return err
	}
	m.waiters = append(m.waiters, &waiter{owner: owner, reqs: reqs, granted: granted})
	grants := m.admitLocked()
	m.mu.Unlock()
	run(grants)
	return nil
}

// Cancel removes owner from the wait queue. It reports whether it was queued.
func (m *Manager) Cancel(owner string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.waiters {
		if w.owner == owner {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Release returns everything owner holds and admits queued waiters.
func (m *Manager) Release(owner string) {
	m.mu.Lock()
	for _, r := range m.held[owner] {
		m.used[r.Resource] -= r.Amount
	}
	delete(m.held, owner)
	grants := m.admitLocked()
	m.mu.Unlock()
	run(grants)
}

// admitLocked grants waiters from the head of the queue while they fit.
func (m *Manager) admitLocked() []func() {
	var grants []func()
	for len(m.waiters) > 0 && m.fitsLocked(m.waiters[0].reqs) {
		w := m.waiters[0]
		m.waiters = m.waiters[1:]
		m.commitLocked(w.owner, w.reqs)
		m.log.WithField("owner", w.owner).Debug("resources granted")
		grants = append(grants, w.granted)
	}
	return grants
}

func run(fns []func()) {
	for _, fn := range fns {
		if fn != nil {
			fn()
		}
	}
}

// Used reports current usage of a resource.
func (m *Manager) Used(resource string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used[resource]
}

// Waiting reports the number of queued owners.
func (m *Manager) Waiting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
