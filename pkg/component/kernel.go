package component

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/realtime-ai/omxil/pkg/omx"
	"github.com/realtime-ai/omxil/pkg/port"
	"github.com/realtime-ai/omxil/pkg/reactor"
)

// kernel is the Kernel handed to processors. It keeps processor-only
// operations off the public Component API.
type kernel struct {
	c *Component
}

var _ Kernel = (*kernel)(nil)

func errPort(err error, pid int, msg string) error {
	return fmt.Errorf("%w: port %d: %s", err, pid, msg)
}

func (c *Component) port(pid int) (*port.Port, error) {
	if pid < 0 || pid >= len(c.ports) {
		return nil, fmt.Errorf("%w: %d", omx.ErrBadPortIndex, pid)
	}
	return c.ports[pid], nil
}

func (k *kernel) Name() string          { return k.c.name }
func (k *kernel) Role() string          { return k.c.role }
func (k *kernel) Logger() *logrus.Entry { return k.c.log }
func (k *kernel) State() omx.State      { return k.c.state }
func (k *kernel) Ports() int            { return len(k.c.ports) }

func (k *kernel) claimable() bool {
	return (k.c.state == omx.StateExecuting || k.c.state == omx.StatePause) && !k.c.stopping()
}

func (k *kernel) Select(mask omx.PortMask) omx.PortMask {
	var ready omx.PortMask
	if !k.claimable() {
		return 0
	}
	for pid, p := range k.c.ports {
		if mask.Has(pid) && p.Ready() {
			ready |= omx.MaskOf(pid)
		}
	}
	return ready
}

func (k *kernel) Claim(pid int) (*omx.BufferHeader, error) {
	p, err := k.c.port(pid)
	if err != nil {
		return nil, err
	}
	if !k.claimable() {
		return nil, nil
	}
	h := p.Claim()
	if h != nil {
		k.c.progress++
	}
	return h, nil
}

func (k *kernel) Release(pid int, h *omx.BufferHeader) error {
	p, err := k.c.port(pid)
	if err != nil {
		return err
	}
	if err := p.Release(h); err != nil {
		return err
	}
	k.c.progress++
	if h.EOS() {
		k.c.onEOS(pid, h)
	}
	if !p.IsOutput() {
		h.Reset()
	}
	k.c.deliver(pid, h)
	return nil
}

func (k *kernel) Definition(pid int) (omx.PortDefinition, error) {
	p, err := k.c.port(pid)
	if err != nil {
		return omx.PortDefinition{}, err
	}
	return p.Definition(), nil
}

func (k *kernel) Param(idx omx.Index, pid int) (omx.Param, error) {
	return k.c.getParam(idx, pid)
}

func (k *kernel) SetParam(v omx.Param) error {
	return k.c.setParam(v, false)
}

func (k *kernel) PortSettingsChanged(pid int, idx omx.Index) error {
	p, err := k.c.port(pid)
	if err != nil {
		return err
	}
	k.c.emit(omx.Event{Kind: omx.EventPortSettingsChanged, Data1: pid, Data2: int(idx)})
	if !p.Tunneled() || !p.IsOutput() {
		return nil
	}
	v, err := k.c.getParam(idx, pid)
	if err != nil {
		return err
	}
	if rebased, ok := rebase(v, p.PeerPort()); ok {
		k.c.peers[pid].post(portSettingsMsg{pid: p.PeerPort(), param: rebased})
	}
	return nil
}

func (k *kernel) NewIOWatcher(fd int, events reactor.IOEvents) *reactor.IOWatcher {
	w := reactor.NewIOWatcher(k.c.post, fd, events)
	k.c.ioWatchers = append(k.c.ioWatchers, w)
	return w
}

func (k *kernel) NewTimerWatcher(after, repeat time.Duration) *reactor.TimerWatcher {
	w := reactor.NewTimerWatcher(k.c.post, after, repeat)
	k.c.timers = append(k.c.timers, w)
	return w
}

func (k *kernel) Error(err error) {
	k.c.raise(err)
}
