package core

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"syscall"

	"github.com/castellis/multivpn/state"
	"github.com/castellis/multivpn/wire"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// linkSock is the UDP endpoint of one link, bound to the link's current
// source address. The reuse option sets SO_REUSEADDR; the bind option, when
// a destination is configured, connects the socket so the kernel pins the
// source route, and sends a one-byte probe to refresh any NAT state on the
// path. One reader goroutine drains the socket for its whole lifetime.
type linkSock struct {
	name      string
	conn      *net.UDPConn
	connected bool
	local     netip.AddrPort
	fc        wire.FilterChain
	recv      func(pkt []byte, from netip.AddrPort)
}

// bindLink opens the socket for l at (l.CurIP, srcport) and installs it as
// the link's endpoint. On failure nothing is registered; the next watcher
// tick retries.
func (t *Tunnel) bindLink(l *state.Link) error {
	cfg := l.Cfg
	laddr := &net.UDPAddr{IP: l.CurIP.AsSlice(), Port: int(cfg.SrcPort)}

	var control func(network, address string, c syscall.RawConn) error
	if cfg.Options.Has("reuse") {
		control = func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return serr
		}
	}

	ls := &linkSock{
		name: cfg.Name,
		fc:   t.fc,
		recv: t.receiver(cfg.Name),
	}

	if cfg.Options.Has("bind") && cfg.DstIP != "" {
		d := net.Dialer{LocalAddr: laddr, Control: control}
		c, err := d.Dial("udp4", net.JoinHostPort(cfg.DstIP, strconv.Itoa(int(cfg.DstPort))))
		if err != nil {
			return fmt.Errorf("link %s: %w", cfg.Name, err)
		}
		ls.conn = c.(*net.UDPConn)
		ls.connected = true
		if _, err := ls.conn.Write([]byte{'a'}); err != nil {
			t.env.Log.Warn("nat probe failed", "link", cfg.Name, "error", err)
		}
	} else {
		lc := net.ListenConfig{Control: control}
		pc, err := lc.ListenPacket(t.env.Context, "udp4", laddr.String())
		if err != nil {
			return fmt.Errorf("link %s: %w", cfg.Name, err)
		}
		ls.conn = pc.(*net.UDPConn)
	}

	if tos := cfg.Options.Value("tos"); tos != "" {
		v, _ := strconv.Atoi(tos)
		if err := ipv4.NewConn(ls.conn).SetTOS(v); err != nil {
			t.env.Log.Warn("failed to set tos", "link", cfg.Name, "error", err)
		}
	}

	if ap, ok := ls.conn.LocalAddr().(*net.UDPAddr); ok {
		ls.local = ap.AddrPort()
	}

	go ls.readLoop(t)
	l.Sock = ls
	t.env.Log.Info("link bound", "link", cfg.Name, "local", ls.local, "connected", ls.connected)
	return nil
}

func (ls *linkSock) readLoop(t *Tunnel) {
	buf := make([]byte, state.MaxDatagramSize)
	for {
		n, from, err := ls.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || t.env.Context.Err() != nil {
				return
			}
			// transient recv errors end the drain; the blocking read
			// resumes it
			continue
		}
		if n == 0 {
			continue
		}
		ls.recv(buf[:n], from)
	}
}

func (ls *linkSock) Send(pkt []byte, dst netip.AddrPort) error {
	out := ls.fc.Outbound(pkt)
	if ls.connected {
		_, err := ls.conn.Write(out)
		return err
	}
	if !dst.IsValid() {
		return fmt.Errorf("link %s: no destination", ls.name)
	}
	_, err := ls.conn.WriteToUDPAddrPort(out, dst)
	return err
}

func (ls *linkSock) LocalAddr() netip.AddrPort {
	return ls.local
}

func (ls *linkSock) Close() error {
	return ls.conn.Close()
}
