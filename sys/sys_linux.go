package sys

import (
	"fmt"
	"net/netip"
)

func InitInterface(r Runner, ifName string) error {
	return r.Exec("ip", "link", "set", ifName, "up")
}

// ConfigureAddr assigns the tunnel address, optionally with a point-to-point
// peer address.
func ConfigureAddr(r Runner, ifName, ip string, mask int, peer string) error {
	arg := []string{"addr", "add", fmt.Sprintf("%s/%d", ip, mask)}
	if peer != "" {
		arg = append(arg, "peer", peer)
	}
	arg = append(arg, "dev", ifName)
	return r.Exec("ip", arg...)
}

func ConfigureMTU(r Runner, ifName string, mtu int) error {
	return r.Exec("ip", "link", "set", ifName, "mtu", fmt.Sprintf("%d", mtu))
}

// ClampMSS installs the forward-chain TCP MSS clamp for the tunnel MTU.
func ClampMSS(r Runner, ifName string, mtu int) error {
	return r.Exec("iptables",
		"-A", "FORWARD", "-o", ifName,
		"-p", "tcp", "--tcp-flags", "SYN,RST", "SYN",
		"-m", "tcpmss", "--mss", fmt.Sprintf("%d:65495", mtu-40),
		"-j", "TCPMSS", "--clamp-mss-to-pmtu")
}

func JoinBridge(r Runner, ifName, bridge string) error {
	return r.Exec("ip", "link", "set", ifName, "master", bridge)
}

// RouteAdd installs one tunnel route. RouteDel is issued first by callers so
// a stale matching route never survives.
func RouteAdd(r Runner, prefix netip.Prefix, gw, dev, table, metric string) error {
	arg := []string{"route", "add", prefix.String(), "via", gw, "dev", dev}
	if table != "" {
		arg = append(arg, "table", table)
	}
	if metric != "" {
		arg = append(arg, "metric", metric)
	}
	return r.Exec("ip", arg...)
}

func RouteDel(r Runner, prefix netip.Prefix, table string) error {
	arg := []string{"route", "del", prefix.String()}
	if table != "" {
		arg = append(arg, "table", table)
	}
	return r.Exec("ip", arg...)
}
