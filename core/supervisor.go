package core

import (
	"net"
	"net/netip"

	"github.com/castellis/multivpn/state"
	"github.com/castellis/multivpn/sys"
	"github.com/cilium/cilium/pkg/ip"
	"github.com/gaissmai/bart"
)

// Supervisor is the reachability module: every supervision window it
// snapshots the announcement counters and installs or withdraws the tunnel
// routes depending on whether any link was heard from.
type Supervisor struct {
	env    *state.Env
	runner sys.Runner
	routes []tunnelRoute
	up     bool
}

type tunnelRoute struct {
	prefix netip.Prefix
	gw     string
	table  string
	metric string
}

func (v *Supervisor) Init(s *state.State) error {
	v.env = s.Env
	v.runner, _ = s.AuxConfig["runner"].(sys.Runner)
	if v.runner == nil {
		v.runner = sys.NewRunner(s.Log)
	}
	if err := v.initRoutes(s); err != nil {
		return err
	}
	s.RepeatTask(v.supervise, state.SuperviseDelay)
	return nil
}

func (v *Supervisor) Cleanup(s *state.State) error {
	if v.up {
		v.routesDown(s)
		v.up = false
	}
	return nil
}

// Up reports whether tunnel routes are currently installed.
func (v *Supervisor) Up() bool {
	return v.up
}

// initRoutes normalizes the configured route set once: routes sharing a
// gateway, table and metric are coalesced, and duplicates are collapsed.
// Overlaps across gateways are legal (longest prefix wins in the kernel)
// but logged.
func (v *Supervisor) initRoutes(s *state.State) error {
	type key struct{ gw, table, metric string }
	groups := make(map[key][]netip.Prefix)
	order := make([]key, 0)
	for _, r := range s.Config.Routes {
		pfx, err := r.Prefix()
		if err != nil {
			return err
		}
		k := key{r.Gw, r.Table, r.Metric}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], pfx.Masked())
	}

	tbl := new(bart.Table[string])
	for _, k := range order {
		for _, pfx := range coalescePrefixes(groups[k]) {
			if gw, ok := tbl.Get(pfx); ok {
				s.Log.Warn("duplicate route dropped", "route", pfx, "kept_gw", gw)
				continue
			}
			if tbl.OverlapsPrefix(pfx) {
				s.Log.Debug("route overlaps an existing one", "route", pfx)
			}
			tbl.Insert(pfx, k.gw)
			v.routes = append(v.routes, tunnelRoute{
				prefix: pfx,
				gw:     k.gw,
				table:  k.table,
				metric: k.metric,
			})
		}
	}
	return nil
}

// supervise is the 5 s tick. Transitions are idempotent: equal liveness in
// consecutive windows issues no commands.
func (v *Supervisor) supervise(s *state.State) error {
	s.LastSeen = s.Seen
	s.Seen = make(map[string]int)

	alive := false
	for _, count := range s.LastSeen {
		if count > 0 {
			alive = true
			break
		}
	}

	if alive && !v.up {
		s.Log.Info("peer reachable, installing routes", "links", s.HeardLinks())
		v.routesUp(s)
		v.up = true
	} else if !alive && v.up {
		s.Log.Info("peer unreachable, withdrawing routes")
		v.routesDown(s)
		v.up = false
	}
	return nil
}

// routesUp deletes any matching stale route first, then adds.
func (v *Supervisor) routesUp(s *state.State) {
	dev := Get[*Tunnel](s).Device().Name()
	for _, r := range v.routes {
		_ = sys.RouteDel(v.runner, r.prefix, r.table)
		if err := sys.RouteAdd(v.runner, r.prefix, r.gw, dev, r.table, r.metric); err != nil {
			s.Log.Warn("failed to add route", "route", r.prefix, "error", err)
		}
	}
}

func (v *Supervisor) routesDown(s *state.State) {
	for _, r := range v.routes {
		if err := sys.RouteDel(v.runner, r.prefix, r.table); err != nil {
			s.Log.Debug("route delete failed", "route", r.prefix, "error", err)
		}
	}
}

func toIPNets(prefixes []netip.Prefix) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(prefixes))
	for _, p := range prefixes {
		if p.IsValid() {
			nets = append(nets, &net.IPNet{
				IP:   p.Addr().AsSlice(),
				Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
			})
		}
	}
	return nets
}

func fromIPNets(nets []*net.IPNet) []netip.Prefix {
	output := make([]netip.Prefix, 0, len(nets))
	for _, n := range nets {
		if addr, ok := netip.AddrFromSlice(n.IP); ok {
			ones, _ := n.Mask.Size()
			output = append(output, netip.PrefixFrom(addr.Unmap(), ones))
		}
	}
	return output
}

func coalescePrefixes(prefixes []netip.Prefix) []netip.Prefix {
	ipv4, ipv6 := ip.CoalesceCIDRs(toIPNets(prefixes))
	return fromIPNets(append(ipv4, ipv6...))
}
