package core

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/castellis/multivpn/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// peerSock is a plain UDP socket standing in for the remote end.
func peerSock(t *testing.T) (*net.UDPConn, netip.AddrPort) {
	t.Helper()
	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, c.LocalAddr().(*net.UDPAddr).AddrPort()
}

func readDatagram(t *testing.T, c *net.UDPConn, timeout time.Duration) []byte {
	t.Helper()
	buf := make([]byte, 2048)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(timeout)))
	n, _, err := c.ReadFromUDP(buf)
	require.NoError(t, err)
	return buf[:n]
}

// The watcher rebinds a link when its resolved source address moves, closing
// the old socket before opening the new one.
func TestWatcherRebindsOnAddressChange(t *testing.T) {
	_, peerAddr := peerSock(t)

	cfg := state.Config{
		Local: state.LocalCfg{IP: "10.99.0.1", Mask: 24},
		Links: []state.LinkCfg{{
			Name: "a", Src: "dyn0", SrcPort: 39121,
			DstIP: peerAddr.Addr().String(), DstPort: peerAddr.Port(),
			Factor: 1,
		}},
	}
	s, tn, _, cancel := newTestState(cfg)
	defer cancel(nil)

	src := netip.MustParseAddr("127.0.0.1")
	tn.resolve = func(string) (netip.Addr, error) { return src, nil }

	require.NoError(t, tn.watchLinks(s))
	l := s.LinkByName("a")
	require.NotNil(t, l.Sock)
	defer func() {
		if l.Sock != nil {
			l.Sock.Close()
		}
	}()
	assert.Equal(t, src, l.CurIP)
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:39121"), l.Sock.LocalAddr())

	// address moves: the endpoint is swapped atomically within one tick
	src = netip.MustParseAddr("127.0.0.2")
	first := l.Sock
	require.NoError(t, tn.watchLinks(s))
	require.NotNil(t, l.Sock)
	assert.NotSame(t, first, l.Sock)
	assert.Equal(t, src, l.CurIP)
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.2:39121"), l.Sock.LocalAddr())
}

// A steady tick with a bound endpoint and a known destination emits the
// announcement on that link.
func TestWatcherAnnouncesOnSteadyTick(t *testing.T) {
	peer, peerAddr := peerSock(t)

	cfg := state.Config{
		Local: state.LocalCfg{IP: "10.99.0.1", Mask: 24},
		Links: []state.LinkCfg{{
			Name: "a", Src: "127.0.0.1", SrcPort: 39122,
			DstIP: peerAddr.Addr().String(), DstPort: peerAddr.Port(),
			Factor: 1,
		}},
	}
	s, tn, _, cancel := newTestState(cfg)
	defer cancel(nil)
	tn.resolve = func(src string) (netip.Addr, error) { return netip.ParseAddr(src) }

	// first tick binds, second announces
	require.NoError(t, tn.watchLinks(s))
	l := s.LinkByName("a")
	require.NotNil(t, l.Sock)
	defer l.Sock.Close()
	s.LastSeen = map[string]int{"a": 1}
	require.NoError(t, tn.watchLinks(s))

	pkt := readDatagram(t, peer, 2*time.Second)
	assert.Equal(t, "SES:a:a", string(pkt))
}

// A reply-only link learns its destination from the first announcement and
// then carries dispatched frames to the learned address.
func TestReplyOnlyLearning(t *testing.T) {
	peer, _ := peerSock(t)

	cfg := state.Config{
		Local: state.LocalCfg{IP: "10.99.0.1", Mask: 24},
		Links: []state.LinkCfg{{
			Name: "c", Src: "127.0.0.1", SrcPort: 39123, Factor: 1,
		}},
	}
	s, tn, dispatch, cancel := newTestState(cfg)
	defer cancel(nil)
	tn.dev = newFakeDev("mv0")
	tn.resolve = func(src string) (netip.Addr, error) { return netip.ParseAddr(src) }

	require.NoError(t, tn.watchLinks(s))
	l := s.LinkByName("c")
	require.NotNil(t, l.Sock)
	defer l.Sock.Close()
	require.False(t, l.Dst().IsValid())

	// peer announces to us; its source address becomes our destination
	_, err := peer.WriteToUDP([]byte("SES:c:c"), &net.UDPAddr{
		IP: net.IPv4(127, 0, 0, 1), Port: 39123,
	})
	require.NoError(t, err)
	pump(s, dispatch, time.Second)

	peerAddr := peer.LocalAddr().(*net.UDPAddr).AddrPort()
	require.Equal(t, peerAddr, l.LastDst)
	assert.True(t, l.Active)

	// a frame dispatched onto c goes to the learned address
	frame := make([]byte, 100)
	for i := range frame {
		frame[i] = byte(i)
	}
	require.NoError(t, tn.dispatchFrame(s, frame))
	got := readDatagram(t, peer, 2*time.Second)
	assert.Equal(t, frame, got)
}

func TestWatcherResolveFailureLeavesLinkUnbound(t *testing.T) {
	cfg := state.Config{
		Local: state.LocalCfg{IP: "10.99.0.1", Mask: 24},
		Links: []state.LinkCfg{{Name: "a", Src: "gone0", SrcPort: 39124, Factor: 1}},
	}
	s, tn, _, cancel := newTestState(cfg)
	defer cancel(nil)
	tn.resolve = func(src string) (netip.Addr, error) {
		return netip.Addr{}, assert.AnError
	}

	require.NoError(t, tn.watchLinks(s))
	assert.Nil(t, s.LinkByName("a").Sock)
	assert.False(t, s.LinkByName("a").CurIP.IsValid())
}
