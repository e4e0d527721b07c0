package pipeline

import (
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/realtime-ai/omxil/pkg/component"
	"github.com/realtime-ai/omxil/pkg/port"
	"github.com/realtime-ai/omxil/pkg/rm"
)

// Config holds the runtime limits shared by every pipeline.
type Config struct {
	// AllocLimit caps the bytes of buffer memory in use at once; 0 means
	// unlimited.
	AllocLimit int64 `yaml:"alloc_limit,omitempty"`
	// Resources is the capacity per named resource for admission control.
	Resources map[string]int `yaml:"resources,omitempty"`
	// StateTimeout bounds a whole-pipeline state change.
	StateTimeout time.Duration `yaml:"state_timeout,omitempty"`
}

// DefaultConfig returns the default configuration, overridden by
// OMX_ALLOC_LIMIT and OMX_STATE_TIMEOUT.
func DefaultConfig() Config {
	cfg := Config{
		Resources:    map[string]int{},
		StateTimeout: 5 * time.Second,
	}
	if v, err := strconv.ParseInt(os.Getenv("OMX_ALLOC_LIMIT"), 10, 64); err == nil {
		cfg.AllocLimit = v
	}
	if v, err := time.ParseDuration(os.Getenv("OMX_STATE_TIMEOUT")); err == nil {
		cfg.StateTimeout = v
	}
	return cfg
}

// Runtime is the context components are created in: the role registry,
// the buffer allocator and the resource manager.
type Runtime struct {
	cfg       Config
	registry  *component.Registry
	allocator *port.HeapAllocator
	resources *rm.Manager
	log       *logrus.Entry
}

func NewRuntime(reg *component.Registry, cfg Config) *Runtime {
	if cfg.StateTimeout <= 0 {
		cfg.StateTimeout = DefaultConfig().StateTimeout
	}
	return &Runtime{
		cfg:       cfg,
		registry:  reg,
		allocator: port.NewHeapAllocator(cfg.AllocLimit),
		resources: rm.NewManager(cfg.Resources),
		log:       logrus.WithField("module", "omx-runtime"),
	}
}

func (r *Runtime) Config() Config                 { return r.cfg }
func (r *Runtime) Registry() *component.Registry  { return r.registry }
func (r *Runtime) Allocator() *port.HeapAllocator { return r.allocator }
func (r *Runtime) Resources() *rm.Manager         { return r.resources }

// NewComponent instantiates role with the runtime's allocator and resource
// manager.
func (r *Runtime) NewComponent(name, role string, cb component.Callbacks) (*component.Component, error) {
	return r.registry.New(role, component.Config{
		Name:      name,
		Allocator: r.allocator,
		Resources: r.resources,
		Callbacks: cb,
		Logger:    r.log.WithField("pipeline_component", name),
	})
}
