// Package httpsrc provides the HTTP audio source role. The component
// streams the body of the http or https resource named by its ContentURI
// parameter on its only output port. The transfer runs on its own goroutine
// and feeds a pipe the component loop watches, so a slow server never
// blocks the loop. Dropped connections are resumed with a Range request; a
// server that ignores the range is read past the part already delivered.
package httpsrc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/realtime-ai/omxil/pkg/component"
	"github.com/realtime-ai/omxil/pkg/omx"
	"github.com/realtime-ai/omxil/pkg/port"
	"github.com/realtime-ai/omxil/pkg/reactor"
)

const (
	ComponentName = "OMX.omxil.audio_source.http"
	Role          = "audio_source.http"

	maxRedirects = 5
)

var errStalled = errors.New("no data within the stall timeout")

type Options struct {
	ConnectTimeout time.Duration
	// StallTimeout drops a connection that delivers nothing for this long.
	StallTimeout time.Duration
	Retries      int
	RetryDelay   time.Duration
	UserAgent    string
	// Client overrides the client built from the timeouts above.
	Client *http.Client
}

func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 10 * time.Second,
		StallTimeout:   10 * time.Second,
		Retries:        5,
		RetryDelay:     500 * time.Millisecond,
		UserAgent:      "omxil/1.0",
	}
}

func Factory(opts Options) component.Factory {
	def := DefaultOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = def.StallTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}
	if opts.Client == nil {
		opts.Client = NewClient(opts.ConnectTimeout)
	}
	return component.Factory{Name: ComponentName, Roles: []component.Role{{
		Name: Role,
		Ports: []port.Options{{
			Domain:       omx.DomainAudio,
			Dir:          omx.DirOutput,
			MinBufCount:  2,
			MinBufSize:   4096,
			SupplierPref: omx.SupplierInput,
		}},
		NewProcessor: func() component.Processor { return &source{opts: opts, fd: -1} },
	}}}
}

// NewClient returns a client that gives up connecting after timeout and
// follows at most five redirects.
func NewClient(timeout time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
	tr.TLSHandshakeTimeout = timeout
	tr.ResponseHeaderTimeout = timeout
	return &http.Client{
		Transport: tr,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
}

// statusError is an HTTP status the server will keep answering; it is not
// retried.
type statusError struct {
	code int
}

func (e statusError) Error() string {
	return fmt.Sprintf("http status %d %s", e.code, http.StatusText(e.code))
}

// transfer is one HTTP request copying its body into a pipe.
type transfer struct {
	cancel context.CancelFunc
	// done receives the outcome before the write end is closed.
	done chan error
}

type source struct {
	component.BaseProcessor
	opts Options

	url string
	fd  int
	cur *transfer

	io    *reactor.IOWatcher
	stall *reactor.TimerWatcher
	retry *reactor.TimerWatcher

	out      *omx.BufferHeader
	offset   int64
	readable bool
	failures int
	eos      bool
	first    bool
}

func (s *source) Params() []omx.Param {
	return []omx.Param{omx.ContentURI{}}
}

func (s *source) AllocateResources(k component.Kernel) error {
	uri, err := component.KernelParam[omx.ContentURI](k, -1)
	if err != nil {
		return err
	}
	u, err := url.Parse(uri.URI)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: not an http url: %q", omx.ErrBadParameter, uri.URI)
	}
	s.url = u.String()
	if s.io == nil {
		s.io = k.NewIOWatcher(-1, reactor.Readable)
		s.stall = k.NewTimerWatcher(s.opts.StallTimeout, 0)
		s.retry = k.NewTimerWatcher(s.opts.RetryDelay, 0)
	}
	return nil
}

func (s *source) PrepareToTransfer(component.Kernel) error {
	s.out = nil
	s.offset = 0
	s.failures = 0
	s.eos = false
	s.first = true
	return nil
}

func (s *source) TransferAndProcess(k component.Kernel) error {
	return s.connect(k)
}

func (s *source) StopAndReturn(component.Kernel) error {
	s.close()
	s.out = nil
	return nil
}

func (s *source) DeallocateResources(component.Kernel) error {
	s.close()
	return nil
}

func (s *source) PortFlush(component.Kernel, int) error {
	s.out = nil
	return nil
}

func (s *source) PortDisable(component.Kernel, int) error {
	s.out = nil
	return nil
}

// connect starts a transfer from the current offset.
func (s *source) connect(k component.Kernel) error {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return fmt.Errorf("%w: pipe: %v", omx.ErrInsufficientResources, err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return fmt.Errorf("%w: pipe: %v", omx.ErrInsufficientResources, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &transfer{cancel: cancel, done: make(chan error, 1)}
	w := os.NewFile(uintptr(fds[1]), "httpsrc")

	log := k.Logger().WithFields(logrus.Fields{"url": s.url, "offset": s.offset})
	go func(offset int64) {
		t.done <- s.fetch(ctx, w, offset)
		w.Close()
	}(s.offset)

	s.fd = fds[0]
	s.cur = t
	s.readable = false
	s.io.Set(s.fd, reactor.Readable)
	s.stall.Restart()
	log.Debug("http transfer started")
	return s.io.Start()
}

// fetch copies the body of the resource, starting at offset, into w.
func (s *source) fetch(ctx context.Context, w io.Writer, offset int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return statusError{code: http.StatusBadRequest}
	}
	req.Header.Set("User-Agent", s.opts.UserAgent)
	req.Header.Set("Icy-Metadata", "0")
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := s.opts.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
				return fmt.Errorf("skip to %d: %w", offset, err)
			}
		}
	case resp.StatusCode >= 500:
		return fmt.Errorf("http status %d", resp.StatusCode)
	default:
		return statusError{code: resp.StatusCode}
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// close cancels the running transfer and closes the read end.
func (s *source) close() {
	if s.cur != nil {
		s.cur.cancel()
		s.cur = nil
	}
	if s.io != nil {
		s.io.Stop()
		s.stall.Stop()
	}
	if s.fd >= 0 {
		unix.Close(s.fd)
		s.fd = -1
	}
	s.readable = false
}

func (s *source) IOReady(k component.Kernel, ev reactor.IOEvent) error {
	if ev.Err != nil {
		return s.fail(k, ev.Err)
	}
	s.readable = true
	return s.BuffersReady(k)
}

func (s *source) TimerReady(k component.Kernel, ev reactor.TimerEvent) error {
	switch ev.Watcher {
	case s.stall:
		if s.cur != nil {
			return s.fail(k, errStalled)
		}
	case s.retry:
		if err := s.connect(k); err != nil {
			return err
		}
	}
	return s.BuffersReady(k)
}

func (s *source) BuffersReady(k component.Kernel) error {
	if s.eos || s.cur == nil || !s.readable {
		return nil
	}
	if s.out == nil {
		h, err := k.Claim(0)
		if err != nil || h == nil {
			return err
		}
		s.out = h
	}

	h := s.out
	for !s.eos && h.FilledLen < h.AllocLen() {
		n, err := unix.Read(s.fd, h.Free())
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			s.readable = false
			s.stall.Start()
			if err := s.io.Start(); err != nil {
				return err
			}
			if h.FilledLen == 0 {
				return nil
			}
		case err != nil:
			return s.fail(k, err)
		case n == 0:
			if err := <-s.cur.done; err != nil {
				return s.fail(k, err)
			}
			s.close()
			s.eos = true
			h.Flags |= omx.FlagEOS
			k.Logger().WithField("bytes", s.offset).Debug("http body complete")
		default:
			s.offset += int64(n)
			s.failures = 0
			s.stall.Stop()
			continue
		}
		break
	}

	if s.first {
		h.Flags |= omx.FlagStartTime
		s.first = false
	}
	s.out = nil
	return k.Release(0, h)
}

// fail drops the connection and schedules a resume until the retry budget
// is spent. A claimed header keeps the data read so far.
func (s *source) fail(k component.Kernel, err error) error {
	s.close()
	s.failures++
	var se statusError
	if errors.As(err, &se) || s.failures > s.opts.Retries {
		s.eos = true
		return fmt.Errorf("%w: %s: %v", omx.ErrContentError, s.url, err)
	}
	k.Logger().WithError(err).WithFields(logrus.Fields{
		"attempt": s.failures,
		"offset":  s.offset,
	}).Warn("http transfer failed, retrying")
	s.retry.Start()
	return nil
}
