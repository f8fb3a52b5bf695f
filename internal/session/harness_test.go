package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeBackend is a scriptable Backend. Reads come from the reads channel;
// closing it ends the backend with io.EOF.
type fakeBackend struct {
	cfg any

	// gate holds Open until closed
	gate      chan struct{}
	ignoreCtx bool
	openErr   error
	open      func(ctx context.Context) error

	reads chan []byte
	// resizeGate holds every Resize until closed
	resizeGate chan struct{}

	mu      sync.Mutex
	written bytes.Buffer
	resizes [][2]int
	opened  bool

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeBackend(cfg any) *fakeBackend {
	return &fakeBackend{cfg: cfg, reads: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeBackend) Open(ctx context.Context) error {
	if f.gate != nil {
		if f.ignoreCtx {
			<-f.gate
		} else {
			select {
			case <-f.gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if f.open != nil {
		if err := f.open(ctx); err != nil {
			return err
		}
	}
	if f.openErr != nil {
		return f.openErr
	}
	f.mu.Lock()
	f.opened = true
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Read(p []byte) (int, error) {
	select {
	case b, ok := <-f.reads:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, b), nil
	case <-f.closed:
		return 0, errors.New("backend closed")
	}
}

func (f *fakeBackend) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.Write(p)
}

func (f *fakeBackend) Resize(cols, rows int) error {
	f.mu.Lock()
	f.resizes = append(f.resizes, [2]int{cols, rows})
	f.mu.Unlock()
	if f.resizeGate != nil {
		<-f.resizeGate
	}
	return nil
}

func (f *fakeBackend) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeBackend) Written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.String()
}

func (f *fakeBackend) Resizes() [][2]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]int(nil), f.resizes...)
}

func (f *fakeBackend) isOpened() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

func (f *fakeBackend) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// fakeSurface collects output; it is only written from the loop goroutine
type fakeSurface struct {
	buf        bytes.Buffer
	cols, rows int
}

func (s *fakeSurface) Write(p []byte) (int, error) { return s.buf.Write(p) }
func (s *fakeSurface) Size() (int, int)            { return s.cols, s.rows }
func (s *fakeSurface) String() string              { return s.buf.String() }

type fakeResolver struct {
	release chan struct{}
	addrs   []string
	err     error
	lookups atomic.Int32
}

func (r *fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	defer r.lookups.Add(1)
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.addrs, r.err
}

type harness struct {
	t        *testing.T
	loop     *Loop
	net      *Network
	env      *Env
	surface  *fakeSurface
	resolver *fakeResolver
	c        *Controller

	// prepare runs on every new fake before it is handed out
	prepare  func(f *fakeBackend)
	backends []*fakeBackend

	closed    []ClosedEvent
	connected []ConnectInfo
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		t:        t,
		loop:     NewLoop(),
		net:      NewNetwork(),
		surface:  &fakeSurface{cols: 80, rows: 24},
		resolver: &fakeResolver{},
	}
	h.env = &Env{
		Loop: h.loop,
		Net:  h.net,
		Backends: Backends{
			LocalPTY: func(cfg PTYConfig) Backend { return h.add(cfg) },
			SSH:      func(cfg SSHConfig) Backend { return h.add(cfg) },
			Telnet:   func(cfg TelnetConfig) Backend { return h.add(cfg) },
			VNC:      func(cfg VNCConfig) Backend { return h.add(cfg) },
			Playback: func(path string) Backend { return h.add(path) },
		},
		Resolver: h.resolver,
		Options:  DefaultOptions(),
	}
	h.env.Options.UseAgent = false
	h.c = NewController(h.env, h.surface)
	h.c.SetCloseHandler(func(ev ClosedEvent) { h.closed = append(h.closed, ev) })
	h.c.SetConnectedHandler(func(info ConnectInfo) { h.connected = append(h.connected, info) })

	t.Cleanup(func() {
		h.c.Close()
		h.loop.RunPending()
		h.net.Shutdown()
		h.loop.Close()
	})
	return h
}

func (h *harness) add(cfg any) Backend {
	f := newFakeBackend(cfg)
	if h.prepare != nil {
		h.prepare(f)
	}
	h.backends = append(h.backends, f)
	return f
}

func (h *harness) last() *fakeBackend {
	h.t.Helper()
	require.NotEmpty(h.t, h.backends)
	return h.backends[len(h.backends)-1]
}

// waitFor runs the loop until cond holds
func (h *harness) waitFor(cond func() bool, msgAndArgs ...any) {
	h.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		h.loop.RunPending()
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			require.Fail(h.t, "condition not met", msgAndArgs...)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) waitOutput(want string) {
	h.t.Helper()
	h.waitFor(func() bool { return strings.Contains(h.surface.String(), want) },
		"surface never showed %q, got %q", want, h.surface.String())
}

func (h *harness) waitConnected(n int) {
	h.t.Helper()
	h.waitFor(func() bool { return len(h.connected) >= n }, "no connect")
}

func (h *harness) waitClosed(n int) ClosedEvent {
	h.t.Helper()
	h.waitFor(func() bool { return len(h.closed) >= n }, "no close event")
	return h.closed[n-1]
}

func (h *harness) waitWritten(f *fakeBackend, want string) {
	h.t.Helper()
	h.waitFor(func() bool { return f.Written() == want }, "backend got %q, want %q", f.Written(), want)
}

// readUntil reads r until its output contains want
func readUntil(t *testing.T, r io.Reader, want string) string {
	t.Helper()
	done := make(chan string, 1)
	go func() {
		var acc []byte
		buf := make([]byte, 1024)
		for {
			n, err := r.Read(buf)
			acc = append(acc, buf[:n]...)
			if strings.Contains(string(acc), want) || err != nil {
				done <- string(acc)
				return
			}
		}
	}()
	select {
	case got := <-done:
		require.Contains(t, got, want)
		return got
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
		return ""
	}
}
