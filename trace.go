package beep

import (
	"context"
	"log"
	"time"

	"github.com/imdario/mergo"
)

// unique type to prevent assignment (mirrors client/trace.go).
type connectionTraceContextKey struct{}

// ConnectionTrace defines hooks for tracing connection lifecycle, frame
// I/O, channel management, and dispatch events. The shape follows the
// teacher's client.ClientTrace / server/netconf.Trace / snmp.SessionTrace
// convention: a struct of func fields, merged with NoOpLoggingHooks so
// callers only need to populate the hooks they care about.
type ConnectionTrace struct {
	// ConnectionOpened is called once the greeting exchange completes.
	ConnectionOpened func(localRole string, err error, d time.Duration)

	// ConnectionClosed is called after the transport has been torn down,
	// with err indicating any error condition (spec §4.3.3).
	ConnectionClosed func(err error)

	// FrameRead is called after a frame has been parsed off the wire
	// (spec §4.4).
	FrameRead func(f *Frame, err error)

	// FrameWritten is called after a frame has been written to the
	// transport by the sequencer (spec §4.5).
	FrameWritten func(f *Frame, err error)

	// SeqSent is called after a SEQ frame has been emitted
	// (spec §4.4.e).
	SeqSent func(s *SeqFrame)

	// ChannelStarted is called when a channel completes the channel-0
	// start exchange and moves to open (spec §4.2 Lifecycle).
	ChannelStarted func(channel uint16, profile string, err error)

	// ChannelClosed is called when a channel completes the close
	// protocol and is removed from its connection (spec §4.6).
	ChannelClosed func(channel uint16, err error)

	// Dispatched is called before a frame handler is invoked on the
	// worker pool, with a correlation id for log cross-referencing
	// (spec §4.7).
	Dispatched func(correlationID string, channel uint16, msgno uint32)

	// Error is called after an error condition has been detected.
	Error func(context string, err error)
}

// ContextConnectionTrace returns the Trace associated with ctx. If none,
// it returns NoOpLoggingHooks (mirrors client.ContextClientTrace).
func ContextConnectionTrace(ctx context.Context) *ConnectionTrace {
	trace, _ := ctx.Value(connectionTraceContextKey{}).(*ConnectionTrace)
	if trace == nil {
		return NoOpLoggingHooks
	}
	merged := *trace
	_ = mergo.Merge(&merged, NoOpLoggingHooks)
	return &merged
}

// WithConnectionTrace returns a new context derived from ctx carrying
// trace. Connections created with the returned context use the provided
// hooks (mirrors client.WithClientTrace).
func WithConnectionTrace(ctx context.Context, trace *ConnectionTrace) context.Context {
	return context.WithValue(ctx, connectionTraceContextKey{}, trace)
}

// DefaultLoggingHooks reports only errors.
var DefaultLoggingHooks = &ConnectionTrace{
	Error: func(context string, err error) {
		log.Printf("beep: error context=%s err=%v\n", context, err)
	},
}

// MetricLoggingHooks reports connection/channel lifecycle timings.
var MetricLoggingHooks = &ConnectionTrace{
	ConnectionOpened: func(role string, err error, d time.Duration) {
		log.Printf("beep: connection opened role=%s err=%v took=%dms\n", role, err, d.Milliseconds())
	},
	ConnectionClosed: func(err error) {
		log.Printf("beep: connection closed err=%v\n", err)
	},
	ChannelStarted: func(channel uint16, profile string, err error) {
		log.Printf("beep: channel %d started profile=%s err=%v\n", channel, profile, err)
	},
	ChannelClosed: func(channel uint16, err error) {
		log.Printf("beep: channel %d closed err=%v\n", channel, err)
	},
	Error: DefaultLoggingHooks.Error,
}

// DiagnosticLoggingHooks reports everything, including per-frame I/O and
// per-dispatch correlation ids.
var DiagnosticLoggingHooks = &ConnectionTrace{
	ConnectionOpened: MetricLoggingHooks.ConnectionOpened,
	ConnectionClosed: MetricLoggingHooks.ConnectionClosed,
	FrameRead: func(f *Frame, err error) {
		log.Printf("beep: frame read %+v err=%v\n", f, err)
	},
	FrameWritten: func(f *Frame, err error) {
		log.Printf("beep: frame written %+v err=%v\n", f, err)
	},
	SeqSent: func(s *SeqFrame) {
		log.Printf("beep: SEQ sent %+v\n", s)
	},
	ChannelStarted: MetricLoggingHooks.ChannelStarted,
	ChannelClosed:  MetricLoggingHooks.ChannelClosed,
	Dispatched: func(correlationID string, channel uint16, msgno uint32) {
		log.Printf("beep: dispatch id=%s channel=%d msgno=%d\n", correlationID, channel, msgno)
	},
	Error: DefaultLoggingHooks.Error,
}

// NoOpLoggingHooks does nothing; it is the base every trace is merged
// over so unset hooks are always safely callable.
var NoOpLoggingHooks = &ConnectionTrace{
	ConnectionOpened: func(string, error, time.Duration) {},
	ConnectionClosed: func(error) {},
	FrameRead:        func(*Frame, error) {},
	FrameWritten:     func(*Frame, error) {},
	SeqSent:          func(*SeqFrame) {},
	ChannelStarted:   func(uint16, string, error) {},
	ChannelClosed:    func(uint16, error) {},
	Dispatched:       func(string, uint16, uint32) {},
	Error:            func(string, error) {},
}
