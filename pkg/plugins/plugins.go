// Package plugins registers the bundled component implementations.
package plugins

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/realtime-ai/omxil/pkg/component"
	"github.com/realtime-ai/omxil/pkg/plugins/filereader"
	"github.com/realtime-ai/omxil/pkg/plugins/filewriter"
	"github.com/realtime-ai/omxil/pkg/plugins/g711dec"
	"github.com/realtime-ai/omxil/pkg/plugins/httpsrc"
	"github.com/realtime-ai/omxil/pkg/plugins/opusenc"
	"github.com/realtime-ai/omxil/pkg/plugins/pcmrenderer"
)

// Config carries the options of every bundled component.
type Config struct {
	FileReader filereader.Options
	HTTP       httpsrc.Options
	Opus       opusenc.Options
	Renderer   pcmrenderer.Options
}

func DefaultConfig() Config {
	return Config{
		FileReader: filereader.DefaultOptions(),
		HTTP:       httpsrc.DefaultOptions(),
		Opus:       opusenc.DefaultOptions(),
		Renderer:   pcmrenderer.DefaultOptions(),
	}
}

// ConfigFromEnv returns DefaultConfig with overrides from the environment:
// OMXIL_DEVICE_RATE, OMXIL_PREBUFFER, OMXIL_HTTP_TIMEOUT, OMXIL_HTTP_RETRIES
// and OMXIL_HTTP_USER_AGENT.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v, err := strconv.Atoi(os.Getenv("OMXIL_DEVICE_RATE")); err == nil && v >= 0 {
		cfg.Renderer.DeviceRate = v
	}
	if d, err := time.ParseDuration(os.Getenv("OMXIL_PREBUFFER")); err == nil && d >= 0 {
		cfg.Renderer.Prebuffer = d
	}
	if d, err := time.ParseDuration(os.Getenv("OMXIL_HTTP_TIMEOUT")); err == nil && d > 0 {
		cfg.HTTP.ConnectTimeout = d
		cfg.HTTP.StallTimeout = d
	}
	if v, err := strconv.Atoi(os.Getenv("OMXIL_HTTP_RETRIES")); err == nil && v >= 0 {
		cfg.HTTP.Retries = v
	}
	if ua := os.Getenv("OMXIL_HTTP_USER_AGENT"); ua != "" {
		cfg.HTTP.UserAgent = ua
	}
	return cfg
}

// Factories returns the bundled component factories.
func Factories(cfg Config) []component.Factory {
	return []component.Factory{
		filereader.Factory(cfg.FileReader),
		filewriter.Factory(),
		httpsrc.Factory(cfg.HTTP),
		g711dec.Factory(),
		opusenc.Factory(cfg.Opus),
		pcmrenderer.Factory(cfg.Renderer),
	}
}

// RegisterAll registers every bundled component with reg.
func RegisterAll(reg *component.Registry, cfg Config) error {
	for _, f := range Factories(cfg) {
		if err := reg.Register(f); err != nil {
			return errors.Wrapf(err, "register %s", f.Name)
		}
	}
	return nil
}
