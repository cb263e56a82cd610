package state

import "time"

var (
	// WatchDelay is the source-address watcher and announcer tick.
	WatchDelay = time.Second * 1
	// SuperviseDelay is the reachability supervision window.
	SuperviseDelay = time.Second * 5

	// MaxFrameSize is the largest tun/tap frame we read in one go.
	MaxFrameSize = 4096
	// MaxDatagramSize is the link receive buffer size.
	MaxDatagramSize = 1600

	// TriedRescaleLimit bounds the dispatch accumulators; once the smallest
	// exceeds it, the minimum is subtracted from all. Only differences order
	// the scan, so this is behavior-preserving.
	TriedRescaleLimit = float64(uint64(1) << 40)

	// AnnounceMaxLen bounds announcements accepted by the strict validator.
	AnnounceMaxLen = 512

	HealthMaxFailures = 3
	HealthTimeout     = time.Millisecond * 800

	// WarnThrottle suppresses repeats of per-link warnings.
	WarnThrottle = time.Second * 30

	DefaultConfigPath = "/etc/multivpn.cfg"
	DefaultMask       = 24
	DefaultMTU        = 1300
)
