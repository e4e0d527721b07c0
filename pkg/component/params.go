package component

import (
	"context"
	"fmt"
	"reflect"

	"github.com/realtime-ai/omxil/pkg/omx"
)

type paramKey struct {
	idx omx.Index
	pid int
}

func keyOf(v omx.Param) paramKey {
	if pp, ok := v.(omx.PortParam); ok {
		return paramKey{idx: v.Index(), pid: pp.PortIndex()}
	}
	return paramKey{idx: v.Index(), pid: -1}
}

func (c *Component) initParams() error {
	c.params = map[paramKey]omx.Param{
		{idx: omx.IndexComponentRole, pid: -1}: omx.ComponentRole{Role: c.role},
	}
	pp, ok := c.proc.(ParamProvider)
	if !ok {
		return nil
	}
	for _, v := range pp.Params() {
		key := keyOf(v)
		if _, exists := c.params[key]; exists {
			return fmt.Errorf("%w: parameter %s declared twice", omx.ErrBadParameter, v.Index())
		}
		c.params[key] = v
	}
	return nil
}

func (c *Component) getParam(idx omx.Index, pid int) (omx.Param, error) {
	switch idx {
	case omx.IndexPortDefinition:
		p, err := c.port(pid)
		if err != nil {
			return nil, err
		}
		return p.Definition(), nil
	case omx.IndexBufferSupplier:
		p, err := c.port(pid)
		if err != nil {
			return nil, err
		}
		s, _ := p.SupplierPref()
		if p.Tunneled() {
			s = omx.SupplierInput
			if p.Supplier() == p.IsOutput() {
				s = omx.SupplierOutput
			}
		}
		return omx.BufferSupplier{Port: pid, Supplier: s}, nil
	}

	key := paramKey{idx: idx, pid: pid}
	if v, ok := c.params[key]; ok {
		return v, nil
	}
	if v, ok := c.params[paramKey{idx: idx, pid: -1}]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("%w: %s on port %d", omx.ErrUnsupportedIndex, idx, pid)
}

// settable reports whether a client may change a parameter now: in Loaded,
// or while the port it applies to is disabled.
func (c *Component) settable(pid int) bool {
	if c.state == omx.StateLoaded || c.state == omx.StateWaitForResources {
		return c.pending == nil
	}
	return pid >= 0 && pid < len(c.ports) && !c.ports[pid].Enabled()
}

func (c *Component) setParam(v omx.Param, fromClient bool) error {
	if v == nil {
		return fmt.Errorf("%w: nil parameter", omx.ErrBadParameter)
	}
	key := keyOf(v)
	if key.pid >= 0 {
		if _, err := c.port(key.pid); err != nil {
			return err
		}
	}
	if fromClient && !c.settable(key.pid) {
		return fmt.Errorf("%w: %s cannot be set in %s", omx.ErrIncorrectStateOperation, v.Index(), c.state)
	}

	switch p := v.(type) {
	case omx.PortDefinition:
		return c.ports[p.Port].SetDefinition(p)
	case omx.BufferSupplier:
		c.ports[p.Port].SetSupplierPref(p.Supplier)
		return nil
	case omx.ComponentRole:
		if p.Role != c.role {
			return fmt.Errorf("%w: role %q cannot become %q", omx.ErrBadParameter, c.role, p.Role)
		}
		return nil
	}

	old, ok := c.params[key]
	if !ok {
		return fmt.Errorf("%w: %s on port %d", omx.ErrUnsupportedIndex, v.Index(), key.pid)
	}
	if reflect.TypeOf(old) != reflect.TypeOf(v) {
		return fmt.Errorf("%w: %s expects %v, got %v", omx.ErrBadParameter, v.Index(), reflect.TypeOf(old), reflect.TypeOf(v))
	}
	c.params[key] = v
	return nil
}

// rebase returns a copy of a port parameter addressed to another port.
func rebase(v omx.Param, pid int) (omx.Param, bool) {
	switch p := v.(type) {
	case omx.AudioPCM:
		p.Port = pid
		return p, true
	case omx.AudioOpus:
		p.Port = pid
		return p, true
	}
	return nil, false
}

func (c *Component) handlePortSettings(m portSettingsMsg) {
	if err := c.setParam(m.param, false); err != nil {
		c.log.WithError(err).WithField("port", m.pid).Debug("peer settings not applied")
		return
	}
	c.emit(omx.Event{Kind: omx.EventPortSettingsChanged, Data1: m.pid, Data2: int(m.param.Index())})
}

// GetParameter reads a parameter. pid is ignored for component-wide
// indexes.
func (c *Component) GetParameter(ctx context.Context, idx omx.Index, pid int) (omx.Param, error) {
	var (
		v   omx.Param
		err error
	)
	if cerr := c.call(ctx, func() { v, err = c.getParam(idx, pid) }); cerr != nil {
		return nil, cerr
	}
	return v, err
}

// SetParameter changes a parameter. Parameters can be set in Loaded, and
// port parameters also while their port is disabled.
func (c *Component) SetParameter(ctx context.Context, v omx.Param) error {
	var err error
	if cerr := c.call(ctx, func() { err = c.setParam(v, true) }); cerr != nil {
		return cerr
	}
	return err
}

// ParamOf reads a parameter with its concrete type.
func ParamOf[T omx.Param](ctx context.Context, c *Component, pid int) (T, error) {
	var zero T
	v, err := c.GetParameter(ctx, zero.Index(), pid)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %T", omx.ErrBadParameter, zero.Index(), v)
	}
	return t, nil
}

// KernelParam is ParamOf for processor hooks.
func KernelParam[T omx.Param](k Kernel, pid int) (T, error) {
	var zero T
	v, err := k.Param(zero.Index(), pid)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %T", omx.ErrBadParameter, zero.Index(), v)
	}
	return t, nil
}
