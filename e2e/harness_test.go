package e2e

import (
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/castellis/multivpn/core"
	"github.com/castellis/multivpn/state"
	"github.com/stretchr/testify/require"
)

// fakeDev is an in-memory stand-in for the tun/tap device: frames pushed
// into outbound are what the host "sends", frames the tunnel delivers land
// in written.
type fakeDev struct {
	name     string
	outbound chan []byte
	mu       sync.Mutex
	written  [][]byte
	started  chan struct{}
	once     sync.Once
	closed   chan struct{}
	closeFn  sync.Once
}

func newFakeDev(name string) *fakeDev {
	return &fakeDev{
		name:     name,
		outbound: make(chan []byte, 64),
		started:  make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (d *fakeDev) ReadFrame(buf []byte) (int, error) {
	d.once.Do(func() { close(d.started) })
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
	d.closeFn.Do(func() { close(d.closed) })
	return nil
}

func (d *fakeDev) delivered() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.written...)
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

func (r *recRunner) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.cmds...)
}

type node struct {
	dev    *fakeDev
	runner *recRunner
	st     *state.State
	done   chan error
}

// startNode runs one tunnel instance with harness seams: an in-memory
// device, a command recorder and a literal-only source resolver.
func startNode(t *testing.T, name string, cfg state.Config) *node {
	t.Helper()
	n := &node{
		dev:    newFakeDev(name),
		runner: &recRunner{},
		done:   make(chan error, 1),
	}
	aux := map[string]any{
		"dev":    n.dev,
		"runner": n.runner,
		"resolve": func(src string) (netip.Addr, error) {
			return netip.ParseAddr(src)
		},
	}
	go func() {
		n.done <- core.Start(cfg, slog.LevelError, "", aux, &n.st)
	}()
	// the device pump starts after module init; its first read also
	// publishes n.st
	select {
	case <-n.dev.started:
	case err := <-n.done:
		t.Fatalf("node %s exited during startup: %v", name, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("node %s did not start", name)
	}
	return n
}

// eval runs f on the node's main loop and returns its result.
func (n *node) eval(t *testing.T, f func(s *state.State) any) any {
	t.Helper()
	res, err := n.st.DispatchWait(func(s *state.State) (any, error) {
		return f(s), nil
	})
	require.NoError(t, err)
	return res
}

func (n *node) inject(frame []byte) {
	n.dev.outbound <- append([]byte(nil), frame...)
}

func (n *node) stop(t *testing.T) {
	t.Helper()
	n.st.Cancel(errors.New("test finished"))
	select {
	case <-n.done:
	case <-time.After(5 * time.Second):
		t.Fatal("node did not stop")
	}
}

func linkUp(name string) func(s *state.State) any {
	return func(s *state.State) any {
		l := s.LinkByName(name)
		return l != nil && l.Active
	}
}

func routesUp() func(s *state.State) any {
	return func(s *state.State) any {
		return core.Get[*core.Supervisor](s).Up()
	}
}

func pairConfig(aPort, bPort uint16, factor float64) (a, b state.Config) {
	a = state.Config{
		Local: state.LocalCfg{IP: "10.99.0.1", Mask: 30, MTU: 1300},
		Links: []state.LinkCfg{{
			Name: "a", Src: "127.0.0.1", SrcPort: aPort,
			DstIP: "127.0.0.1", DstPort: bPort, Factor: factor,
		}},
	}
	b = state.Config{
		Local: state.LocalCfg{IP: "10.99.0.2", Mask: 30, MTU: 1300},
		Links: []state.LinkCfg{{
			Name: "a", Src: "127.0.0.1", SrcPort: bPort,
			DstIP: "127.0.0.1", DstPort: aPort, Factor: factor,
		}},
	}
	return a, b
}
