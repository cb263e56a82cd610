package core

import (
	"fmt"
	"net/netip"

	"github.com/castellis/multivpn/state"
	"github.com/vishvananda/netlink"
)

// watchLinks is the 1 Hz tick: re-resolve every link's source address,
// rebuild endpoints whose source moved, and announce on the rest. The
// announcer deliberately shares this tick.
func (t *Tunnel) watchLinks(s *state.State) error {
	for _, l := range s.Links {
		addr, err := t.resolve(l.Cfg.Src)
		if err != nil {
			t.throttledWarn("resolve-"+l.Cfg.Name, "failed to resolve link source",
				"link", l.Cfg.Name, "src", l.Cfg.Src, "error", err)
			continue
		}
		if addr != l.CurIP {
			s.Log.Info("link source address changed",
				"link", l.Cfg.Name, "old", l.CurIP, "new", addr)
			l.CurIP = addr
			// the old socket must be fully closed before a successor binds
			// the same (src, srcport)
			if l.Sock != nil {
				l.Sock.Close()
				l.Sock = nil
			}
		}
		if l.Sock == nil {
			if err := t.bindLink(l); err != nil {
				t.throttledWarn("bind-"+l.Cfg.Name, "failed to bind link",
					"link", l.Cfg.Name, "error", err)
			}
			continue
		}
		if l.Dst().IsValid() {
			t.announceOn(s, l)
		}
	}
	return nil
}

// resolveSource turns a link's src field into an address: either a literal,
// or the primary IPv4 address of the named interface.
func resolveSource(src string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(src); err == nil {
		return addr, nil
	}
	link, err := netlink.LinkByName(src)
	if err != nil {
		return netip.Addr{}, err
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return netip.Addr{}, err
	}
	for _, a := range addrs {
		if ip := a.IP.To4(); ip != nil {
			addr, _ := netip.AddrFromSlice(ip)
			return addr, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("interface %s has no IPv4 address", src)
}
