// Package beepssh adapts golang.org/x/crypto/ssh to the beep.Transport
// interface, the way v2/netconf layers NETCONF over an SSH subsystem
// channel. Unlike NETCONF's fixed "netconf" subsystem, a BEEP session
// is requested under the "BEEP" subsystem name so a peer offering both
// protocols over SSH can tell them apart.
package beepssh

import (
	"context"
	"io"
	"time"

	"golang.org/x/crypto/ssh"
)

const subsystemName = "BEEP"

// ClientFactory builds the ssh.Client a Dial call runs over, mirroring
// client.SSHClientFactory: callers supply their own dial/auth strategy
// (password, public key, agent) and teardown policy.
type ClientFactory interface {
	Dial(ctx context.Context) (*ssh.Client, error)
	Close(*ssh.Client) error
}

// Trace hooks connection events for the SSH transport, mirroring
// client.ClientTrace's connect hooks but scoped to this package so
// beepssh has no import-time dependency on the core beep package's
// trace type. Reads and writes are not traced.
type Trace struct {
	ConnectStart func(target string)
	ConnectDone  func(target string, err error, d time.Duration)
}

type contextTraceKey struct{}

// ContextTrace returns the Trace stored in ctx, or a no-op Trace.
func ContextTrace(ctx context.Context) *Trace {
	if t, ok := ctx.Value(contextTraceKey{}).(*Trace); ok && t != nil {
		return t
	}
	return &Trace{
		ConnectStart: func(string) {},
		ConnectDone:  func(string, error, time.Duration) {},
	}
}

// WithTrace returns a context carrying t.
func WithTrace(ctx context.Context, t *Trace) context.Context {
	return context.WithValue(ctx, contextTraceKey{}, t)
}

// transport adapts one ssh.Session's stdin/stdout pipes to io.ReadWriteCloser.
type transport struct {
	reader      io.Reader
	writeCloser io.WriteCloser
	session     *ssh.Session
	client      *ssh.Client
	dialer      ClientFactory
}

// Dial opens an SSH client connection via dialer, requests the BEEP
// subsystem, and returns a beep.Transport-compatible duplex stream
// (grounded on client.NewSSHTransport).
func Dial(ctx context.Context, dialer ClientFactory, target string) (rwc io.ReadWriteCloser, err error) {
	t := &transport{dialer: dialer}
	trace := ContextTrace(ctx)

	trace.ConnectStart(target)
	defer func(begin time.Time) {
		trace.ConnectDone(target, err, time.Since(begin))
	}(time.Now())

	defer func() {
		if err != nil {
			_ = dialer.Close(t.client)
			if t.session != nil {
				_ = t.session.Close()
			}
		}
	}()

	t.client, err = dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}

	if t.session, err = t.client.NewSession(); err != nil {
		return nil, err
	}

	if err = t.session.RequestSubsystem(subsystemName); err != nil {
		return nil, err
	}

	if t.reader, err = t.session.StdoutPipe(); err != nil {
		return nil, err
	}
	if t.writeCloser, err = t.session.StdinPipe(); err != nil {
		return nil, err
	}

	return t, nil
}

func (t *transport) Read(p []byte) (int, error) {
	return t.reader.Read(p)
}

func (t *transport) Write(p []byte) (int, error) {
	return t.writeCloser.Write(p)
}

// Close tears down the stdin pipe, session, and client in that order,
// matching client.tImpl.Close (closing stdin first lets the remote
// BEEP subsystem see EOF and shut down cleanly before the session and
// transport go away).
func (t *transport) Close() error {
	_ = t.writeCloser.Close()
	err := t.session.Close()
	if t.dialer != nil {
		_ = t.dialer.Close(t.client)
	}
	return err
}
