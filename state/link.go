package state

import "net/netip"

// LinkSock is one bound UDP socket for a link. Implementations own a reader
// goroutine; Send and Close are called from the main loop only.
type LinkSock interface {
	// Send transmits one datagram to dst. Sockets connected at bind time
	// (the bind option) ignore dst. The payload is sent once; there is no
	// queue and no retry.
	Send(pkt []byte, dst netip.AddrPort) error
	LocalAddr() netip.AddrPort
	Close() error
}

// Link is the runtime state of one configured link.
type Link struct {
	Cfg LinkCfg

	// CurIP is the last resolved source address; zero until the watcher
	// first resolves it.
	CurIP netip.Addr

	// Sock is the currently bound endpoint, nil while unbound. At most one
	// exists per link; the watcher closes the old one before binding anew.
	Sock LinkSock

	// LastDst is the peer address last observed on this link's socket,
	// seeded from the configured destination.
	LastDst netip.AddrPort

	// Active is true iff the peer's most recent announcement listed this
	// link's name.
	Active bool

	// Tried is the dispatch accumulator; it only grows (modulo rescaling
	// by the common minimum).
	Tried float64

	// Failures counts consecutive health-check misses for links with a
	// pinghost option.
	Failures int

	cfgDst netip.AddrPort
}

func NewLink(cfg LinkCfg) *Link {
	l := &Link{Cfg: cfg}
	if cfg.DstIP != "" {
		if addr, err := netip.ParseAddr(cfg.DstIP); err == nil {
			l.cfgDst = netip.AddrPortFrom(addr, cfg.DstPort)
			l.LastDst = l.cfgDst
		}
	}
	return l
}

// Dst is the destination for outbound traffic: the configured peer, or the
// last observed sender for reply-only links.
func (l *Link) Dst() netip.AddrPort {
	if l.cfgDst.IsValid() {
		return l.cfgDst
	}
	return l.LastDst
}

func (l *Link) Healthy() bool {
	return l.Cfg.Options.Value("pinghost") == "" || l.Failures < HealthMaxFailures
}

// Eligible reports whether the link may carry outbound frames.
func (l *Link) Eligible(dpd bool) bool {
	return l.Sock != nil && (l.Active || !dpd) && l.Healthy() && l.Dst().IsValid()
}
