package core

import (
	"net"
	"net/netip"

	"github.com/digineo/go-ping"

	"github.com/castellis/multivpn/state"
)

// Health runs the optional per-link ICMP probes. A link carrying a pinghost
// option is excluded from dispatch after HealthMaxFailures consecutive
// misses, independently of dead-peer detection, and readmitted on the first
// success. Links without the option are untouched; with none configured the
// module is inert.
type Health struct {
	env     *state.Env
	pingers map[string]*linkPinger
}

type linkPinger struct {
	p     *ping.Pinger
	bound netip.Addr
}

func (h *Health) Init(s *state.State) error {
	h.env = s.Env
	h.pingers = make(map[string]*linkPinger)
	any := false
	for _, cfg := range s.Config.Links {
		if cfg.Options.Value("pinghost") != "" {
			any = true
		}
	}
	if !any {
		return nil
	}
	s.RepeatTask(h.checkLinks, state.WatchDelay)
	return nil
}

func (h *Health) Cleanup(s *state.State) error {
	for _, lp := range h.pingers {
		lp.p.Close()
	}
	h.pingers = nil
	return nil
}

func (h *Health) checkLinks(s *state.State) error {
	for _, l := range s.Links {
		host := l.Cfg.Options.Value("pinghost")
		if host == "" || !l.CurIP.IsValid() {
			continue
		}
		dst, err := netip.ParseAddr(host)
		if err != nil {
			continue
		}
		lp := h.pingers[l.Cfg.Name]
		if lp == nil || lp.bound != l.CurIP {
			if lp != nil {
				lp.p.Close()
			}
			p, err := ping.New(l.CurIP.String(), "")
			if err != nil {
				s.Log.Warn("failed to create pinger", "link", l.Cfg.Name, "error", err)
				continue
			}
			lp = &linkPinger{p: p, bound: l.CurIP}
			h.pingers[l.Cfg.Name] = lp
		}
		go h.probe(lp.p, l.Cfg.Name, dst)
	}
	return nil
}

func (h *Health) probe(p *ping.Pinger, name string, dst netip.Addr) {
	_, err := p.Ping(&net.IPAddr{IP: dst.AsSlice()}, state.HealthTimeout)
	h.env.Dispatch(func(s *state.State) error {
		l := s.LinkByName(name)
		if l == nil {
			return nil
		}
		if err != nil {
			l.Failures++
			if l.Failures == state.HealthMaxFailures {
				s.Log.Warn("link health check failing, excluding from dispatch",
					"link", name, "host", dst)
			}
			return nil
		}
		if l.Failures >= state.HealthMaxFailures {
			s.Log.Info("link health restored", "link", name)
		}
		l.Failures = 0
		return nil
	})
}
