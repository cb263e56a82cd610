package core

import (
	"net/netip"
	"slices"

	"github.com/castellis/multivpn/state"
	"github.com/castellis/multivpn/wire"
)

// handleAnnouncement applies one peer announcement, on the main loop.
//
// The sender's transport address becomes the reply destination for the named
// link; this is how a passive side learns where to send on a link with no
// configured peer. Every link's active flag is recomputed from the announced
// set, and the seen counter for the carrying link grows by the size of that
// set; the key is created even for an empty set, so the peer learns it is
// being heard before either side considers the tunnel up.
func handleAnnouncement(s *state.State, ann wire.Announcement, from netip.AddrPort) error {
	l := s.LinkByName(ann.Link)
	if l == nil {
		s.Log.Debug("announcement for unknown link", "link", ann.Link, "from", from)
		return nil
	}
	l.LastDst = from
	for _, other := range s.Links {
		other.Active = slices.Contains(ann.Seen, other.Cfg.Name)
	}
	s.Seen[ann.Link] += len(ann.Seen)
	return nil
}

// announceOn emits this side's announcement for one link: the link's own
// name plus the set of links we heard the peer on during the last window.
// Sent through the normal send path, filters included; loss is tolerated
// because the next tick re-sends.
func (t *Tunnel) announceOn(s *state.State, l *state.Link) {
	ann := wire.Announcement{
		Link: l.Cfg.Name,
		Seen: s.HeardLinks(),
	}
	t.sendOn(l, ann.Marshal())
}
