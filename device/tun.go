// Package device owns the kernel tun/tap handle.
package device

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/castellis/multivpn/state"
	"github.com/castellis/multivpn/sys"
	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
)

// Endpoint is the byte-stream the tunnel reads outbound frames from and
// writes inbound frames to. The production implementation is Tun; tests use
// an in-memory pair.
type Endpoint interface {
	// ReadFrame fills buf with one IP packet (TUN) or Ethernet frame (TAP)
	// and returns its length. Back-to-back calls drain the device.
	ReadFrame(buf []byte) (int, error)
	// WriteFrame writes exactly one frame. Short writes are diagnosed by
	// the implementation and not retried.
	WriteFrame(pkt []byte) (int, error)
	Name() string
	Close() error
}

type Tun struct {
	itf  *water.Interface
	name string
	tap  bool
	log  *slog.Logger
}

// Open creates the tun or tap interface. TUN is used when the local ip is a
// dotted-quad address and the tap option is absent; otherwise TAP, where the
// ip field may instead name a bridge to join.
func Open(cfg state.LocalCfg, log *slog.Logger) (*Tun, error) {
	tap := !isDottedQuad(cfg.IP) || cfg.Options.Has("tap")
	wcfg := water.Config{DeviceType: water.TUN}
	if tap {
		wcfg.DeviceType = water.TAP
	}
	itf, err := water.New(wcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open tun/tap device: %w", err)
	}
	t := &Tun{itf: itf, name: itf.Name(), tap: tap, log: log}
	log.Info("created tunnel interface", "name", t.name, "tap", tap)
	return t, nil
}

// Configure brings the interface up: address/peer (TUN), bridge membership
// (TAP with a bridge name), MTU and the matching forward-chain MSS clamp.
// All host changes go through the Runner.
func (t *Tun) Configure(r sys.Runner, cfg state.LocalCfg) error {
	if isDottedQuad(cfg.IP) {
		if err := sys.ConfigureAddr(r, t.name, cfg.IP, cfg.Mask, cfg.DstIP); err != nil {
			return err
		}
	} else if t.tap {
		if _, err := netlink.LinkByName(cfg.IP); err != nil {
			t.log.Warn("bridge not found", "bridge", cfg.IP, "error", err)
		}
		if err := sys.JoinBridge(r, t.name, cfg.IP); err != nil {
			return err
		}
	}
	if err := sys.InitInterface(r, t.name); err != nil {
		return err
	}
	if cfg.MTU > 0 {
		if err := sys.ConfigureMTU(r, t.name, cfg.MTU); err != nil {
			return err
		}
		if err := sys.ClampMSS(r, t.name, cfg.MTU); err != nil {
			t.log.Warn("failed to install MSS clamp", "error", err)
		}
	}
	return nil
}

func (t *Tun) ReadFrame(buf []byte) (int, error) {
	return t.itf.Read(buf)
}

func (t *Tun) WriteFrame(pkt []byte) (int, error) {
	n, err := t.itf.Write(pkt)
	if err == nil && n != len(pkt) {
		t.log.Warn("short tunnel write", "wrote", n, "expected", len(pkt))
	}
	return n, err
}

func (t *Tun) Name() string {
	return t.name
}

func (t *Tun) Close() error {
	return t.itf.Close()
}

func isDottedQuad(s string) bool {
	addr, err := netip.ParseAddr(s)
	return err == nil && addr.Is4()
}
