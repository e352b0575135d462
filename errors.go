// Package beep implements the framing/channel engine of a BEEP (RFC
// 3080/3081) session: frame codec, channel state machine, connection
// (session) bookkeeping, the per-connection reader and sequencer/writer,
// and the channel-0 management profile.
package beep

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds, matching the taxonomy of spec §7.
const (
	KindFraming           = "framing"
	KindSequence          = "sequence"
	KindChannelManagement = "channel-management"
	KindApplicationDenied = "application-denied"
	KindResource          = "resource"
	KindTransport         = "transport"
)

// Reply codes reused from the 4xx/5xx palette (spec §6.1/§7).
const (
	CodeServiceUnavailable = 421
	CodeSyntaxError        = 500
	CodeInvalidXML         = 501
	CodeStillWorking       = 550
	CodeTransactionFailed  = 554
)

// ProtocolError is a taxonomy-tagged error (spec §7). Framing and
// sequence errors are session-fatal; channel-management errors are
// reported back on channel 0 without tearing down the session, except
// reassembly violations (interleaved fragments, complete limit
// exceeded), which are channel-management errors with Fatal set.
type ProtocolError struct {
	Kind       string
	Code       int
	Diagnostic string
	// Fatal indicates the error tears down the whole session (framing,
	// sequence errors) rather than just failing one channel operation.
	Fatal bool
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("beep: %s error (code %d): %s", e.Kind, e.Code, e.Diagnostic)
}

func newProtocolError(kind string, code int, fatal bool, format string, args ...interface{}) error {
	return errors.WithStack(&ProtocolError{
		Kind:       kind,
		Code:       code,
		Diagnostic: fmt.Sprintf(format, args...),
		Fatal:      fatal,
	})
}

func framingError(format string, args ...interface{}) error {
	return newProtocolError(KindFraming, CodeSyntaxError, true, format, args...)
}

func sequenceError(format string, args ...interface{}) error {
	return newProtocolError(KindSequence, CodeSyntaxError, true, format, args...)
}

func sequenceMismatchError(channel uint16, got, want uint32) error {
	return sequenceError("channel %d: out-of-sequence frame seqno=%d expected=%d", channel, got, want)
}

func channelManagementError(code int, format string, args ...interface{}) error {
	return newProtocolError(KindChannelManagement, code, false, format, args...)
}

func channelManagementErrorFatal(code int, format string, args ...interface{}) error {
	return newProtocolError(KindChannelManagement, code, true, format, args...)
}

// AsProtocolError unwraps err to a *ProtocolError, if any wraps one.
func AsProtocolError(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	ok := errors.As(err, &pe)
	return pe, ok
}

// Sentinel errors for engine-level conditions that are not wire-protocol
// violations.
var (
	// ErrBrokenPipe is delivered to every blocked waiter when the
	// transport becomes non-operational (spec §4.3.3). Closed-notification
	// handlers receive the error that broke the connection instead (nil
	// for a local Close).
	ErrBrokenPipe = errors.New("beep: connection broken")

	// ErrChannelClosed is returned by operations attempted on a channel
	// that is not open: not yet open, closing, or closed.
	ErrChannelClosed = errors.New("beep: channel closed")

	// ErrChannelNotFound is returned when a frame or API call references
	// a channel number the connection does not have.
	ErrChannelNotFound = errors.New("beep: channel not found")

	// ErrOutstandingLimit is returned by send_msg in fail-fast mode when
	// the configured outstanding-MSG limit has been reached (spec §4.2.1,
	// §7).
	ErrOutstandingLimit = errors.New("beep: outstanding message limit reached")

	// ErrTimeout is returned when a wait for a reply with its own
	// timeout runs out. The greeting, channel-start and close calls
	// bounded by Options.SetupTimeout return the context's error,
	// wrapped, instead (spec §5).
	ErrTimeout = errors.New("beep: wait timed out")

	// ErrProfileNotSupported is returned when a local channel start
	// targets a profile the peer's greeting did not advertise and
	// EnforceProfilesSupported is set (spec §4.3.1).
	ErrProfileNotSupported = errors.New("beep: profile not supported by peer")

	// ErrCloseRejected is returned to a local Close call when the peer's
	// close-request handler declined the close (spec §4.6).
	ErrCloseRejected = errors.New("beep: peer rejected channel close")

	// ErrDuplicateNUL is returned by SendNUL and SendANS when this side
	// has already terminated the ANS series for the same msgno with a
	// NUL; nothing is sent. A second NUL received from the peer is not
	// checked: it is dispatched like any other reply frame.
	ErrDuplicateNUL = errors.New("beep: duplicate NUL for message")
)
