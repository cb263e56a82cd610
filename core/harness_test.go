package core

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"reflect"
	"sync"
	"time"

	"github.com/castellis/multivpn/state"
	"github.com/jellydator/ttlcache/v3"
)

// recSock is a LinkSock that records instead of transmitting.
type recSock struct {
	mu   sync.Mutex
	sent [][]byte
	dsts []netip.AddrPort
	fail bool
}

func (r *recSock) Send(pkt []byte, dst netip.AddrPort) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return io.ErrClosedPipe
	}
	r.sent = append(r.sent, append([]byte(nil), pkt...))
	r.dsts = append(r.dsts, dst)
	return nil
}

func (r *recSock) LocalAddr() netip.AddrPort { return netip.AddrPort{} }
func (r *recSock) Close() error              { return nil }

func (r *recSock) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

// recRunner records external commands instead of executing them.
type recRunner struct {
	mu   sync.Mutex
	cmds []string
}

func (r *recRunner) Exec(name string, arg ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	line := name
	for _, a := range arg {
		line += " " + a
	}
	r.cmds = append(r.cmds, line)
	return nil
}

func (r *recRunner) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.cmds
	r.cmds = nil
	return out
}

// fakeDev is an in-memory tun/tap endpoint.
type fakeDev struct {
	name     string
	outbound chan []byte // frames the host "sends" through the tunnel
	mu       sync.Mutex
	written  [][]byte // frames delivered to the host
	closed   chan struct{}
	once     sync.Once
}

func newFakeDev(name string) *fakeDev {
	return &fakeDev{
		name:     name,
		outbound: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (d *fakeDev) ReadFrame(buf []byte) (int, error) {
	select {
	case pkt := <-d.outbound:
		return copy(buf, pkt), nil
	case <-d.closed:
		return 0, io.EOF
	}
}

func (d *fakeDev) WriteFrame(pkt []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.written = append(d.written, append([]byte(nil), pkt...))
	return len(pkt), nil
}

func (d *fakeDev) Name() string { return d.name }

func (d *fakeDev) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}

func (d *fakeDev) delivered() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.written...)
}

// newTestState builds a State and Tunnel wired for direct calls, bypassing
// Start. The dispatch channel is buffered; tests drain it with pump.
func newTestState(cfg state.Config) (*state.State, *Tunnel, chan func(*state.State) error, context.CancelCauseFunc) {
	ctx, cancel := context.WithCancelCause(context.Background())
	dispatch := make(chan func(*state.State) error, 128)
	env := &state.Env{
		DispatchChannel: dispatch,
		Config:          cfg,
		Context:         ctx,
		Cancel:          cancel,
		Log:             slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	s := &state.State{
		Env:      env,
		Modules:  make(map[string]state.Module),
		Seen:     make(map[string]int),
		LastSeen: make(map[string]int),
	}
	for _, lc := range cfg.Links {
		s.Links = append(s.Links, state.NewLink(lc))
	}
	tn := &Tunnel{
		env:   env,
		names: make(map[string]bool),
		warns: ttlcache.New(ttlcache.WithTTL[string, struct{}](state.WarnThrottle)),
	}
	for _, lc := range cfg.Links {
		tn.names[lc.Name] = true
	}
	s.Modules[reflect.TypeOf(tn).String()] = tn
	return s, tn, dispatch, cancel
}

// pump applies queued dispatch callbacks, returning once the channel stays
// idle for the given duration.
func pump(s *state.State, dispatch chan func(*state.State) error, idle time.Duration) {
	for {
		select {
		case fun := <-dispatch:
			_ = fun(s)
		case <-time.After(idle):
			return
		}
	}
}
