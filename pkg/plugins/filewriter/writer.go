// Package filewriter provides the binary file writer roles: everything
// arriving on the input port is appended to the file named by ContentURI.
// Each stream starts from an empty file.
package filewriter

import (
	"fmt"
	"os"

	"github.com/realtime-ai/omxil/pkg/component"
	"github.com/realtime-ai/omxil/pkg/omx"
	"github.com/realtime-ai/omxil/pkg/plugins/filereader"
	"github.com/realtime-ai/omxil/pkg/port"
)

const (
	ComponentName = "OMX.omxil.file_writer.binary"

	AudioRole = "audio_writer.binary"
	OtherRole = "other_writer.binary"
)

func Factory() component.Factory {
	role := func(name string, domain omx.Domain) component.Role {
		return component.Role{
			Name: name,
			Ports: []port.Options{{
				Domain:      domain,
				Dir:         omx.DirInput,
				MinBufCount: 2,
				MinBufSize:  1024,
				MIMEType:    omx.MIMEOctetStream,
			}},
			NewProcessor: func() component.Processor { return &writer{} },
		}
	}
	return component.Factory{
		Name:  ComponentName,
		Roles: []component.Role{role(AudioRole, omx.DomainAudio), role(OtherRole, omx.DomainOther)},
	}
}

type writer struct {
	component.BaseProcessor
	path    string
	f       *os.File
	written int64
}

func (w *writer) Params() []omx.Param {
	return []omx.Param{omx.ContentURI{}, omx.DefaultAudioPCM(0)}
}

func (w *writer) AllocateResources(k component.Kernel) error {
	uri, err := component.KernelParam[omx.ContentURI](k, -1)
	if err != nil {
		return err
	}
	if w.path, err = filereader.PathOf(uri.URI); err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", omx.ErrInsufficientResources, err)
	}
	w.f = f
	return nil
}

func (w *writer) DeallocateResources(component.Kernel) error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

func (w *writer) PrepareToTransfer(k component.Kernel) error {
	w.written = 0
	if err := w.f.Truncate(0); err != nil {
		return fmt.Errorf("%w: %v", omx.ErrInsufficientResources, err)
	}
	_, err := w.f.Seek(0, 0)
	return err
}

func (w *writer) BuffersReady(k component.Kernel) error {
	h, err := k.Claim(0)
	if err != nil || h == nil {
		return err
	}
	if h.FilledLen > 0 {
		n, err := w.f.Write(h.Data())
		w.written += int64(n)
		if err != nil {
			// The header goes back regardless; the stream is damaged.
			k.Release(0, h)
			return fmt.Errorf("%w: writing %s: %v", omx.ErrContentError, w.path, err)
		}
	}
	if h.EOS() {
		if err := w.f.Sync(); err != nil {
			k.Logger().WithError(err).Warn("sync failed")
		}
		k.Logger().WithField("bytes", w.written).WithField("path", w.path).Debug("stream written")
	}
	return k.Release(0, h)
}
