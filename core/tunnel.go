package core

import (
	"fmt"
	"net/netip"
	"os"
	"slices"

	"github.com/castellis/multivpn/device"
	"github.com/castellis/multivpn/perf"
	"github.com/castellis/multivpn/state"
	"github.com/castellis/multivpn/sys"
	"github.com/castellis/multivpn/wire"
	"github.com/jellydator/ttlcache/v3"
)

// Tunnel is the data-plane module: it owns the tun/tap endpoint, the link
// socket table and the filter chain, pumps outbound frames into the
// dispatcher and inbound datagrams back to the device, and runs the
// source-address watcher.
type Tunnel struct {
	env     *state.Env
	dev     device.Endpoint
	fc      wire.FilterChain
	runner  sys.Runner
	resolve func(src string) (netip.Addr, error)
	names   map[string]bool
	lax     bool
	warns   *ttlcache.Cache[string, struct{}]
}

func (t *Tunnel) Init(s *state.State) error {
	t.env = s.Env

	opts := s.Config.Local.Options
	t.fc = wire.FilterChain{
		Prefix: []byte(opts.Value("prefix")),
		Rotate: opts.Has("rot"),
		Base64: opts.Has("b64"),
	}
	t.lax = opts.Has("lax")

	t.runner, _ = s.AuxConfig["runner"].(sys.Runner)
	if t.runner == nil {
		t.runner = sys.NewRunner(s.Log)
	}
	t.resolve, _ = s.AuxConfig["resolve"].(func(string) (netip.Addr, error))
	if t.resolve == nil {
		t.resolve = resolveSource
	}

	t.names = make(map[string]bool)
	for _, cfg := range s.Config.Links {
		t.names[cfg.Name] = true
		s.Links = append(s.Links, state.NewLink(cfg))
	}

	t.warns = ttlcache.New(ttlcache.WithTTL[string, struct{}](state.WarnThrottle))
	go t.warns.Start()

	t.dev, _ = s.AuxConfig["dev"].(device.Endpoint)
	if t.dev == nil {
		dev, err := device.Open(s.Config.Local, s.Log)
		if err != nil {
			return err
		}
		if err := dev.Configure(t.runner, s.Config.Local); err != nil {
			dev.Close()
			return err
		}
		t.dev = dev
	}

	go t.readDevice()
	s.RepeatTask(t.watchLinks, state.WatchDelay)
	return nil
}

func (t *Tunnel) Cleanup(s *state.State) error {
	for _, l := range s.Links {
		if l.Sock != nil {
			l.Sock.Close()
			l.Sock = nil
		}
	}
	if t.warns != nil {
		t.warns.Stop()
	}
	if t.dev != nil {
		return t.dev.Close()
	}
	return nil
}

func (t *Tunnel) Device() device.Endpoint {
	return t.dev
}

// readDevice pumps outbound frames from the tun/tap device into the main
// loop, one dispatch per frame.
func (t *Tunnel) readDevice() {
	buf := make([]byte, state.MaxFrameSize)
	for {
		n, err := t.dev.ReadFrame(buf)
		if err != nil {
			if t.env.Context.Err() != nil {
				return
			}
			t.env.Log.Error("tunnel device read failed", "error", err)
			t.env.Cancel(err)
			return
		}
		if n == 0 {
			continue
		}
		pkt := slices.Clone(buf[:n])
		t.env.Dispatch(func(s *state.State) error {
			return t.dispatchFrame(s, pkt)
		})
	}
}

// receiver builds the per-link datagram callback, run on the link's reader
// goroutine. Filters are applied here (the chain is immutable); only state
// mutations are handed to the main loop. lastReported keeps the per-packet
// hot path off the dispatch channel: the sender address is recorded only
// when it differs from the last one reported for this link.
func (t *Tunnel) receiver(name string) func(pkt []byte, from netip.AddrPort) {
	var lastReported netip.AddrPort
	return func(pkt []byte, from netip.AddrPort) {
		plain, err := t.fc.Inbound(pkt)
		if err != nil {
			t.throttledWarn("filter-"+name, "dropping undecodable datagram", "link", name, "error", err)
			perf.RecvDrops.Add(1)
			return
		}
		if wire.HasTag(plain) {
			ann, ok := wire.ParseAnnouncement(plain)
			if t.lax {
				if ok {
					t.dispatchAnnouncement(ann, from)
				}
				// a tagged but unsplittable datagram is discarded in
				// compatibility mode
				lastReported = from
				return
			}
			if ok && ann.WellFormed(state.AnnounceMaxLen) && t.names[ann.Link] {
				t.dispatchAnnouncement(ann, from)
				lastReported = from
				return
			}
			// strict mode: a data frame that merely starts with the tag
			// falls through
		}
		if from != lastReported {
			lastReported = from
			t.env.Dispatch(func(s *state.State) error {
				if l := s.LinkByName(name); l != nil {
					l.LastDst = from
				}
				return nil
			})
		}
		perf.RecvPacketPerSecond.Add(1)
		perf.RecvBytesPerSecond.Add(float64(len(plain)))
		if _, err := t.dev.WriteFrame(plain); err != nil {
			t.throttledWarn("devwrite", "tunnel device write failed", "error", err)
			perf.RecvDrops.Add(1)
		}
	}
}

func (t *Tunnel) dispatchAnnouncement(ann wire.Announcement, from netip.AddrPort) {
	t.env.Dispatch(func(s *state.State) error {
		return handleAnnouncement(s, ann, from)
	})
}

// sendOn transmits one payload on a link. A failed send drops the packet
// with a single marker character, no queue and no retry.
func (t *Tunnel) sendOn(l *state.Link, pkt []byte) {
	err := l.Sock.Send(pkt, l.Dst())
	if err != nil {
		fmt.Fprint(os.Stderr, "X")
		perf.SendErrors.Add(1)
		return
	}
	perf.SentPacketPerSecond.Add(1)
	perf.SentBytesPerSecond.Add(float64(len(pkt)))
}

func (t *Tunnel) throttledWarn(key, msg string, args ...any) {
	if t.warns.Get(key) != nil {
		return
	}
	t.warns.Set(key, struct{}{}, ttlcache.DefaultTTL)
	t.env.Log.Warn(msg, args...)
}
