package beep

import (
	"time"

	"github.com/imdario/mergo"
)

// Options configures a Connection (spec §6.3 Configuration surface).
// Callers supply a partial Options; NewConnection merges it over
// DefaultOptions with mergo, matching the teacher's
// "caller config merged over package defaults" convention
// (client/config.go, client/rpcsessionfactory.go).
type Options struct {
	// SoftSockLimit and HardSockLimit are advisory fd caps, surfaced for
	// a listener built on top of the core; the core itself does not
	// enforce them (spec §6.3).
	SoftSockLimit int
	HardSockLimit int

	// ListenerBacklog is the accept-queue depth a listener built on the
	// core should configure (spec §6.3).
	ListenerBacklog int

	// EnforceProfilesSupported rejects local channel opens for profiles
	// the peer's greeting did not advertise, before a round trip
	// (spec §4.3.1). Unlike the other fields it is not filled in from
	// DefaultOptions: a caller-supplied Options keeps its own value, so
	// false turns the check off. Only a nil Options gets the default.
	EnforceProfilesSupported bool

	// AutomaticMimeHandling is the connection-wide default level of the
	// channel -> profile -> connection precedence chain (spec §4.2.2).
	AutomaticMimeHandling MimePolicy

	// SkipThreadPoolWait controls whether Close waits for in-flight
	// dispatch worker-pool invocations to drain (spec §6.3).
	SkipThreadPoolWait bool

	// WorkerPoolSize bounds the pool application handlers run on
	// (spec §5). A pool pinned to one worker yields single-threaded
	// handler execution.
	WorkerPoolSize int

	// SetupTimeout bounds the greeting exchange and synchronous
	// channel-open/close calls (spec §5).
	SetupTimeout time.Duration

	// DefaultWindowSize is the initial local receive window advertised
	// for every channel (spec §3 Channel local_window).
	DefaultWindowSize uint32

	// DefaultFrameSize is the largest frame size used when the channel
	// has no NextFrameSizeHandler installed; there is no per-connection
	// hook (spec §4.2.2 default: min(..., 4096)).
	DefaultFrameSize int
}

// DefaultOptions mirrors the teacher's DefaultConfig package var
// (client/config.go).
var DefaultOptions = Options{
	SoftSockLimit:            256,
	HardSockLimit:            512,
	ListenerBacklog:          5,
	EnforceProfilesSupported: true,
	AutomaticMimeHandling:    MimeEnabled,
	SkipThreadPoolWait:       false,
	WorkerPoolSize:           8,
	SetupTimeout:             10 * time.Second,
	DefaultWindowSize:        4096,
	DefaultFrameSize:         4096,
}

// resolveOptions merges a caller-supplied partial Options over
// DefaultOptions, exactly as client/rpcsessionfactory.go merges a
// partial Config over client.DefaultConfig.
func resolveOptions(o *Options) Options {
	resolved := Options{}
	if o != nil {
		resolved = *o
	}
	_ = mergo.Merge(&resolved, DefaultOptions)
	if o != nil {
		// mergo treats false as unset and would always restore the
		// default true, leaving no way to turn the check off.
		resolved.EnforceProfilesSupported = o.EnforceProfilesSupported
	}
	return resolved
}
