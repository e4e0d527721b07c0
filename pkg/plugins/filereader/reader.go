// Package filereader provides the binary file reader roles. The component
// reads the file named by its ContentURI parameter and emits it in
// buffer-sized chunks on its only output port, flagging the last one EOS.
// Files are read directly; pipes, FIFOs and character devices are read
// without blocking, parked on an I/O watcher until data arrives.
package filereader

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/sys/unix"

	"github.com/realtime-ai/omxil/pkg/component"
	"github.com/realtime-ai/omxil/pkg/omx"
	"github.com/realtime-ai/omxil/pkg/port"
	"github.com/realtime-ai/omxil/pkg/reactor"
)

const (
	ComponentName = "OMX.omxil.file_reader.binary"

	AudioRole = "audio_reader.binary"
	VideoRole = "video_reader.binary"
	ImageRole = "image_reader.binary"
	OtherRole = "other_reader.binary"

	minBufCount = 2
	minBufSize  = 1024
)

// Options tune the reader.
type Options struct {
	// Retries is how many consecutive read failures are retried before
	// the component reports a content error.
	Retries int
	// RetryDelay separates retries.
	RetryDelay time.Duration
}

func DefaultOptions() Options {
	return Options{Retries: 3, RetryDelay: 20 * time.Millisecond}
}

// Factory returns the reader with one role per port domain.
func Factory(opts Options) component.Factory {
	role := func(name string, domain omx.Domain) component.Role {
		return component.Role{
			Name: name,
			Ports: []port.Options{{
				Domain:       domain,
				Dir:          omx.DirOutput,
				MinBufCount:  minBufCount,
				MinBufSize:   minBufSize,
				MIMEType:     omx.MIMEOctetStream,
				SupplierPref: omx.SupplierInput,
			}},
			NewProcessor: func() component.Processor { return &reader{opts: opts, fd: -1} },
		}
	}
	return component.Factory{
		Name: ComponentName,
		Roles: []component.Role{
			role(AudioRole, omx.DomainAudio),
			role(VideoRole, omx.DomainVideo),
			role(ImageRole, omx.DomainImage),
			role(OtherRole, omx.DomainOther),
		},
	}
}

// PathOf turns a file URI or a plain path into a path.
func PathOf(uri string) (string, error) {
	if uri == "" {
		return "", fmt.Errorf("%w: empty content uri", omx.ErrBadParameter)
	}
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" {
		return uri, nil
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("%w: unsupported scheme %q", omx.ErrBadParameter, u.Scheme)
	}
	if u.Path == "" {
		return "", fmt.Errorf("%w: no path in %q", omx.ErrBadParameter, uri)
	}
	return u.Path, nil
}

type reader struct {
	component.BaseProcessor
	opts Options

	path string
	fd   int
	// stream descriptors are polled before reading and cannot rewind.
	stream bool

	io    *reactor.IOWatcher
	retry *reactor.TimerWatcher

	// out is a claimed header waiting for data.
	out      *omx.BufferHeader
	readable bool
	backoff  bool
	failures int
	eos      bool
	first    bool
}

func (r *reader) Params() []omx.Param {
	return []omx.Param{omx.ContentURI{}}
}

func (r *reader) AllocateResources(k component.Kernel) error {
	uri, err := component.KernelParam[omx.ContentURI](k, -1)
	if err != nil {
		return err
	}
	if r.path, err = PathOf(uri.URI); err != nil {
		return err
	}

	fd, err := unix.Open(r.path, unix.O_RDONLY|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", omx.ErrInsufficientResources, r.path, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return fmt.Errorf("%w: stat %s: %v", omx.ErrInsufficientResources, r.path, err)
	}
	r.fd = fd
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFIFO, unix.S_IFSOCK, unix.S_IFCHR:
		r.stream = true
	default:
		r.stream = false
	}

	if r.io == nil {
		r.io = k.NewIOWatcher(fd, reactor.Readable)
		r.retry = k.NewTimerWatcher(r.opts.RetryDelay, 0)
	} else {
		r.io.Set(fd, reactor.Readable)
	}
	k.Logger().WithField("path", r.path).WithField("stream", r.stream).Debug("file opened")
	return nil
}

func (r *reader) DeallocateResources(k component.Kernel) error {
	if r.fd < 0 {
		return nil
	}
	if r.io != nil {
		r.io.Stop()
	}
	err := unix.Close(r.fd)
	r.fd = -1
	return err
}

func (r *reader) PrepareToTransfer(k component.Kernel) error {
	if !r.stream {
		if _, err := unix.Seek(r.fd, 0, 0); err != nil {
			return fmt.Errorf("%w: rewind %s: %v", omx.ErrInsufficientResources, r.path, err)
		}
	}
	r.out = nil
	r.eos = false
	r.first = true
	r.failures = 0
	r.backoff = false
	r.readable = !r.stream
	return nil
}

func (r *reader) StopAndReturn(component.Kernel) error {
	r.out = nil
	r.backoff = false
	return nil
}

func (r *reader) PortFlush(component.Kernel, int) error {
	r.out = nil
	return nil
}

func (r *reader) PortDisable(component.Kernel, int) error {
	r.out = nil
	return nil
}

func (r *reader) IOReady(k component.Kernel, ev reactor.IOEvent) error {
	if ev.Err != nil {
		return r.fail(k, ev.Err)
	}
	r.readable = true
	return r.BuffersReady(k)
}

func (r *reader) TimerReady(k component.Kernel, ev reactor.TimerEvent) error {
	r.backoff = false
	return r.BuffersReady(k)
}

func (r *reader) BuffersReady(k component.Kernel) error {
	if r.eos || r.backoff {
		return nil
	}
	if !r.readable {
		if !r.io.Active() {
			return r.io.Start()
		}
		return nil
	}
	if r.out == nil {
		h, err := k.Claim(0)
		if err != nil || h == nil {
			return err
		}
		r.out = h
	}

	h := r.out
	for !r.eos && h.FilledLen < h.AllocLen() {
		n, err := unix.Read(r.fd, h.Free())
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			r.readable = false
			if err := r.io.Start(); err != nil {
				return err
			}
			if h.FilledLen == 0 {
				return nil
			}
		case err != nil:
			return r.fail(k, err)
		case n == 0:
			r.eos = true
			h.Flags |= omx.FlagEOS
			k.Logger().WithField("path", r.path).Debug("end of file")
		default:
			r.failures = 0
			h.FilledLen += n
			continue
		}
		break
	}

	if r.first {
		h.Flags |= omx.FlagStartTime
		r.first = false
	}
	r.out = nil
	return k.Release(0, h)
}

// fail retries a failed read after a delay until the budget is spent.
func (r *reader) fail(k component.Kernel, err error) error {
	r.failures++
	if r.failures > r.opts.Retries {
		r.eos = true
		return fmt.Errorf("%w: reading %s: %v", omx.ErrContentError, r.path, err)
	}
	k.Logger().WithError(err).WithField("attempt", r.failures).Warn("read failed, retrying")
	r.backoff = true
	r.retry.Start()
	return nil
}
