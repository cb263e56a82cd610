package state

import (
	"context"
	"log/slog"
	"slices"
	"sync/atomic"
)

type Module interface {
	Init(s *State) error
	Cleanup(s *State) error
}

// State access must be done only on a single Goroutine
type State struct {
	*Env
	Modules  map[string]Module
	Stopping atomic.Bool

	// Links is the runtime link table, one entry per configured link,
	// in config order.
	Links []*Link

	// Seen counts peer-announced links received per link name during the
	// current supervision window. LastSeen is the previous window's
	// snapshot; its key set is what we announce to the peer.
	Seen     map[string]int
	LastSeen map[string]int
}

func (s *State) LinkByName(name string) *Link {
	idx := slices.IndexFunc(s.Links, func(l *Link) bool {
		return l.Cfg.Name == name
	})
	if idx == -1 {
		return nil
	}
	return s.Links[idx]
}

// HeardLinks returns the sorted key set of LastSeen, i.e. the links we
// currently hear the peer on.
func (s *State) HeardLinks() []string {
	names := make([]string, 0, len(s.LastSeen))
	for name := range s.LastSeen {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Env can be read from any Goroutine
type Env struct {
	DispatchChannel chan<- func(s *State) error
	Config
	Context context.Context
	Cancel  context.CancelCauseFunc
	Log     *slog.Logger

	// AuxConfig carries harness overrides (fake device, command recorder,
	// address resolver) for in-process tests.
	AuxConfig map[string]any
}
