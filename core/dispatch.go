package core

import (
	"cmp"
	"slices"

	"github.com/castellis/multivpn/perf"
	"github.com/castellis/multivpn/state"
)

// dispatchFrame sends one outbound frame on the least-used eligible link.
//
// Links are scanned in ascending order of their tried accumulator (ties keep
// config order). The first link with a positive factor is charged 1/factor
// whether or not it passes the eligibility test; later candidates in the
// same pass are never charged. The frame goes out on the first eligible
// link; with none, it is dropped silently.
func (t *Tunnel) dispatchFrame(s *state.State, pkt []byte) error {
	order := slices.Clone(s.Links)
	slices.SortStableFunc(order, func(a, b *state.Link) int {
		return cmp.Compare(a.Tried, b.Tried)
	})

	dpd := s.Config.DeadPeerDetection()
	charged := false
	sent := false
	for _, l := range order {
		if !charged && l.Cfg.Factor > 0 {
			l.Tried += 1 / l.Cfg.Factor
			charged = true
		}
		if !l.Eligible(dpd) {
			continue
		}
		t.sendOn(l, pkt)
		sent = true
		break
	}
	if !sent {
		perf.DispatchDrops.Add(1)
	}
	rescaleTried(s)
	return nil
}

// rescaleTried keeps the accumulators inside float precision over very long
// runs. Only differences matter to the scan order, so subtracting the common
// minimum changes nothing observable.
func rescaleTried(s *state.State) {
	if len(s.Links) == 0 {
		return
	}
	m := s.Links[0].Tried
	for _, l := range s.Links[1:] {
		m = min(m, l.Tried)
	}
	if m <= state.TriedRescaleLimit {
		return
	}
	for _, l := range s.Links {
		l.Tried -= m
	}
}
