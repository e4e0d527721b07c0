package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/realtime-ai/omxil/pkg/component"
	"github.com/realtime-ai/omxil/pkg/omx"
)

// Graph is the YAML description of a pipeline.
type Graph struct {
	Name       string          `yaml:"name"`
	Runtime    Config          `yaml:"runtime,omitempty"`
	Components []ComponentSpec `yaml:"components"`
	Links      []LinkSpec      `yaml:"links,omitempty"`
}

// ComponentSpec creates one component and sets its parameters while it is
// in Loaded.
type ComponentSpec struct {
	Name    string       `yaml:"name"`
	Role    string       `yaml:"role"`
	URI     string       `yaml:"uri,omitempty"`
	PCM     []PCMSpec    `yaml:"pcm,omitempty"`
	Opus    *OpusSpec    `yaml:"opus,omitempty"`
	Buffers []BufferSpec `yaml:"buffers,omitempty"`
	// Disable lists ports to disable before the pipeline leaves Loaded.
	Disable []int `yaml:"disable,omitempty"`
}

type PCMSpec struct {
	Port          int    `yaml:"port"`
	Encoding      string `yaml:"encoding,omitempty"` // "linear", "mulaw" or "alaw"
	Channels      int    `yaml:"channels,omitempty"`
	SampleRate    int    `yaml:"sample_rate,omitempty"`
	BitsPerSample int    `yaml:"bits_per_sample,omitempty"`
}

type OpusSpec struct {
	Port       int           `yaml:"port"`
	Bitrate    int           `yaml:"bitrate,omitempty"`
	Complexity int           `yaml:"complexity,omitempty"`
	FrameSize  time.Duration `yaml:"frame_size,omitempty"` // e.g. 20ms
}

type BufferSpec struct {
	Port  int `yaml:"port"`
	Count int `yaml:"count,omitempty"`
	Size  int `yaml:"size,omitempty"`
}

// LinkSpec tunnels two ports, written "name:port".
type LinkSpec struct {
	From     string `yaml:"from"`
	To       string `yaml:"to"`
	Supplier string `yaml:"supplier,omitempty"` // "input" or "output"
}

// LoadGraph reads a graph file.
func LoadGraph(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph file: %w", err)
	}
	return ParseGraph(bytes.NewReader(data))
}

// ParseGraph decodes a graph strictly: unknown fields are errors.
func ParseGraph(r io.Reader) (*Graph, error) {
	var g Graph
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&g); err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

func parseEndpoint(s string) (string, int, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return "", 0, fmt.Errorf("%w: endpoint %q is not name:port", omx.ErrBadParameter, s)
	}
	pid, err := strconv.Atoi(s[i+1:])
	if err != nil || pid < 0 {
		return "", 0, fmt.Errorf("%w: endpoint %q has a bad port", omx.ErrBadParameter, s)
	}
	return s[:i], pid, nil
}

// Validate checks names and references without touching the registry.
func (g *Graph) Validate() error {
	if g.Name == "" {
		g.Name = "pipeline"
	}
	if len(g.Components) == 0 {
		return fmt.Errorf("%w: graph %s has no components", omx.ErrBadParameter, g.Name)
	}
	names := make(map[string]bool)
	for i, c := range g.Components {
		if c.Name == "" || c.Role == "" {
			return fmt.Errorf("%w: component %d needs a name and a role", omx.ErrBadParameter, i)
		}
		if names[c.Name] {
			return fmt.Errorf("%w: component %q declared twice", omx.ErrBadParameter, c.Name)
		}
		names[c.Name] = true
		for _, pcm := range c.PCM {
			if _, err := omx.ParsePCMEncoding(pcm.Encoding); err != nil {
				return fmt.Errorf("component %s: %w", c.Name, err)
			}
		}
	}
	for _, l := range g.Links {
		from, _, err := parseEndpoint(l.From)
		if err != nil {
			return err
		}
		to, _, err := parseEndpoint(l.To)
		if err != nil {
			return err
		}
		if !names[from] || !names[to] {
			return fmt.Errorf("%w: link %s -> %s names an unknown component", omx.ErrBadParameter, l.From, l.To)
		}
		if _, err := omx.ParseSupplier(l.Supplier); err != nil {
			return err
		}
	}
	return nil
}

// Build creates the pipeline described by g in Loaded. On error every
// component created so far is freed.
func (r *Runtime) Build(ctx context.Context, g *Graph) (_ *Pipeline, err error) {
	p := r.NewPipeline(g.Name)
	defer func() {
		if err != nil {
			p.Stop(context.Background())
		}
	}()

	for _, spec := range g.Components {
		c, err := p.AddComponent(spec.Name, spec.Role)
		if err != nil {
			return nil, err
		}
		if err := configure(ctx, c, spec); err != nil {
			return nil, fmt.Errorf("component %s: %w", spec.Name, err)
		}
	}
	for _, spec := range g.Components {
		for _, pid := range spec.Disable {
			if err := p.PortCommand(ctx, spec.Name, omx.CommandPortDisable, pid); err != nil {
				return nil, err
			}
		}
	}
	for _, l := range g.Links {
		from, fromPort, _ := parseEndpoint(l.From)
		to, toPort, _ := parseEndpoint(l.To)
		if s, _ := omx.ParseSupplier(l.Supplier); s != omx.SupplierUnspecified {
			c, _ := p.Component(from)
			if err := c.SetParameter(ctx, omx.BufferSupplier{Port: fromPort, Supplier: s}); err != nil {
				return nil, fmt.Errorf("link %s: %w", l.From, err)
			}
		}
		if err := p.Link(ctx, from, fromPort, to, toPort); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func configure(ctx context.Context, c *component.Component, spec ComponentSpec) error {
	if spec.URI != "" {
		if err := c.SetParameter(ctx, omx.ContentURI{URI: spec.URI}); err != nil {
			return err
		}
	}
	for _, ps := range spec.PCM {
		pcm, err := component.ParamOf[omx.AudioPCM](ctx, c, ps.Port)
		if err != nil {
			return err
		}
		if ps.Encoding != "" {
			pcm.Encoding, _ = omx.ParsePCMEncoding(ps.Encoding)
		}
		if ps.Channels > 0 {
			pcm.Channels = ps.Channels
		}
		if ps.SampleRate > 0 {
			pcm.SampleRate = ps.SampleRate
		}
		if ps.BitsPerSample > 0 {
			pcm.BitsPerSample = ps.BitsPerSample
		}
		if err := c.SetParameter(ctx, pcm); err != nil {
			return err
		}
	}
	if o := spec.Opus; o != nil {
		opus, err := component.ParamOf[omx.AudioOpus](ctx, c, o.Port)
		if err != nil {
			return err
		}
		if o.Bitrate > 0 {
			opus.Bitrate = o.Bitrate
		}
		if o.Complexity > 0 {
			opus.Complexity = o.Complexity
		}
		if o.FrameSize > 0 {
			opus.FrameSize = o.FrameSize
		}
		if err := c.SetParameter(ctx, opus); err != nil {
			return err
		}
	}
	for _, bs := range spec.Buffers {
		def, err := component.ParamOf[omx.PortDefinition](ctx, c, bs.Port)
		if err != nil {
			return err
		}
		if bs.Count > 0 {
			def.BufferCountActual = bs.Count
		}
		if bs.Size > 0 {
			def.BufferSize = bs.Size
		}
		if err := c.SetParameter(ctx, def); err != nil {
			return err
		}
	}
	return nil
}
