package beepssh

import (
	"context"
	"io"
	"net"

	"golang.org/x/crypto/ssh"
)

// SessionHandler is invoked once per accepted BEEP-subsystem channel,
// mirroring ssh.Handler in the teacher's server/ssh package.
type SessionHandler interface {
	Handle(channel io.ReadWriteCloser)
}

// SessionHandlerFunc adapts a function to SessionHandler.
type SessionHandlerFunc func(channel io.ReadWriteCloser)

func (f SessionHandlerFunc) Handle(channel io.ReadWriteCloser) { f(channel) }

// HandlerFactory builds a SessionHandler for one accepted SSH
// connection, given the verified ssh.ServerConn (so, e.g., the peer's
// authenticated username can shape which profiles it starts with).
type HandlerFactory func(conn *ssh.ServerConn) SessionHandler

// Listener accepts SSH connections and dispatches BEEP-subsystem
// channels to a HandlerFactory-built handler, grounded on
// server/ssh.Server's acceptConnections loop.
type Listener struct {
	listener net.Listener
	trace    *Trace
}

// Listen starts accepting SSH connections on address, authenticating
// with cfg and routing each BEEP-subsystem channel request to factory.
func Listen(ctx context.Context, address string, cfg *ssh.ServerConfig, factory HandlerFactory) (*Listener, error) {
	l := &Listener{trace: ContextTrace(ctx)}

	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	l.listener = ln

	go l.acceptConnections(cfg, factory)
	return l, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.listener.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.listener.Close() }

func (l *Listener) acceptConnections(cfg *ssh.ServerConfig, factory HandlerFactory) {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			return
		}

		serverConn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
		if err != nil {
			continue
		}
		go ssh.DiscardRequests(reqs)

		for newChannel := range chans {
			data, requests, err := newChannel.Accept()
			if err != nil {
				continue
			}

			go func(in <-chan *ssh.Request) {
				for req := range in {
					wantBEEP := req.Type == "subsystem" && string(req.Payload[4:]) == subsystemName
					_ = req.Reply(wantBEEP, nil)
				}
			}(requests)

			go func() {
				defer data.Close()
				factory(serverConn).Handle(data)
			}()
		}
	}
}

