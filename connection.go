package beep

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role distinguishes the connection initiator from the listener, which
// determines channel-number parity (spec §4.3.1).
type Role uint8

const (
	RoleInitiator Role = iota
	RoleListener
)

// Transport is the duplex byte stream a Connection runs the BEEP frame
// syntax over (spec §6.2). Any io.ReadWriteCloser qualifies; the
// transport/beepssh package adapts an SSH channel to it the way the
// teacher's client/transport.go adapts an ssh.Session.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// ProfileHandler is invoked when a peer requests a channel start under
// a profile URI this connection has registered (spec §4.1 channel
// management profile, "start").
type ProfileHandler struct {
	// URI identifies the profile, e.g. the channel-0 management URI or
	// an application profile.
	URI string

	// MimePolicy is this profile's entry in the channel -> profile ->
	// connection automatic-MIME precedence chain (spec §4.2.2).
	MimePolicy MimePolicy

	// OnStart is called once a channel under this profile has reached
	// ChannelOpen, so the caller can install a FrameHandler and kick
	// off any profile-specific exchange.
	OnStart func(ch *Channel, initialPayload []byte)

	// OnFrame is the profile's default frame handler, consulted when a
	// channel started under this profile has no per-channel
	// FrameHandler installed (spec §4.7 dispatch step 3).
	OnFrame FrameHandler
}

// Connection is one BEEP session over a single Transport (spec §3
// Connection / §4.3). Grounded on v2/netconf/client/message.go's
// sesImpl and server/netconf/server.go's per-connection state, but
// generalized from one NETCONF RPC pipe into the general multi-channel
// BEEP model.
type Connection struct {
	id        string
	transport Transport
	role      Role
	options   Options
	trace     *ConnectionTrace

	encoder *Encoder
	decoder *Decoder
	encMu   sync.Mutex

	sequencer *sequencer

	mu            sync.Mutex
	channels      map[uint16]*Channel
	nextChanNum   uint16
	profiles      map[string]*ProfileHandler
	peerProfiles  map[string]bool
	pendingCloses map[uint32]*Channel
	boundServerName string
	closed        bool
	closeErr      error
	brokenNotice  sync.Once

	dispatch *dispatcher

	greetingOnce     sync.Once
	greetingReceived chan struct{}
	closeOnce        sync.Once
}

// NewConnection wraps transport in a Connection. Callers normally use
// Initiate or Accept, which additionally drive the channel-0 greeting
// exchange (spec §4.1, §4.3.1).
func NewConnection(ctx context.Context, transport Transport, role Role, opts *Options) *Connection {
	resolved := resolveOptions(opts)
	conn := &Connection{
		id:        uuid.NewString(),
		transport: transport,
		role:      role,
		options:   resolved,
		trace:     ContextConnectionTrace(ctx),
		encoder:   NewEncoder(transport),
		decoder:   NewDecoder(transport),
		channels:      make(map[uint16]*Channel),
		profiles:      make(map[string]*ProfileHandler),
		peerProfiles:     make(map[string]bool),
		pendingCloses:    make(map[uint32]*Channel),
		greetingReceived: make(chan struct{}),
	}
	if conn.role == RoleInitiator {
		conn.nextChanNum = 1
	} else {
		conn.nextChanNum = 2
	}
	conn.sequencer = newSequencer(conn)
	conn.dispatch = newDispatcher(conn, resolved.WorkerPoolSize)

	zero := newChannel(conn, 0, managementProfileURI)
	zero.state = ChannelOpen
	conn.channels[0] = zero
	conn.installManagementHandler()

	go conn.readLoop()

	return conn
}

// ID returns the correlation id generated for this connection at
// construction time, used as the local session token in log/trace
// correlation across channels (SPEC_FULL.md uuid supplement).
func (c *Connection) ID() string { return c.id }

// RegisterProfile makes a profile available to the peer's channel
// "start" requests (spec §4.1).
func (c *Connection) RegisterProfile(p *ProfileHandler) {
	c.mu.Lock()
	c.profiles[p.URI] = p
	c.mu.Unlock()
}

func (c *Connection) profileMimePolicy(uri string) MimePolicy {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.profiles[uri]; ok {
		return p.MimePolicy
	}
	return MimeInherit
}

// profileFrameHandler returns the default frame handler of the profile
// a channel was started under, used as dispatch step 3's fallback when
// the channel itself has no FrameHandler installed (spec §4.7).
func (c *Connection) profileFrameHandler(uri string) FrameHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.profiles[uri]; ok {
		return p.OnFrame
	}
	return nil
}

// Channel0 returns the always-present channel-management channel
// (spec §4.1).
func (c *Connection) Channel0() *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[0]
}

// Channel looks up an existing channel by number.
func (c *Connection) Channel(number uint16) (*Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[number]
	return ch, ok
}

// allocateChannelNumber returns the next channel number of this
// connection's parity and reserves it (spec §4.3.1: odd for the
// initiator-requested channels, even for the listener-requested ones).
func (c *Connection) allocateChannelNumber() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.nextChanNum
	c.nextChanNum += 2
	return n
}

func (c *Connection) registerChannel(ch *Channel) {
	c.mu.Lock()
	c.channels[ch.number] = ch
	c.mu.Unlock()
}

func (c *Connection) unregisterChannel(number uint16) {
	c.mu.Lock()
	delete(c.channels, number)
	c.mu.Unlock()
}

// writeFrame serializes concurrent frame writes onto the one transport
// writer, matching the teacher's single-writer ssh.Session.Stdin
// discipline (client/transport.go).
func (c *Connection) writeFrame(f *Frame) error {
	c.encMu.Lock()
	defer c.encMu.Unlock()
	err := c.encoder.WriteFrame(f, -1)
	c.trace.FrameWritten(f, err)
	return err
}

func (c *Connection) writeSeq(s *SeqFrame) error {
	c.encMu.Lock()
	defer c.encMu.Unlock()
	err := c.encoder.WriteSeq(s)
	if err == nil {
		c.trace.SeqSent(s)
	}
	return err
}

// notifyBroken fans the first-observed transport error out to every
// channel's ClosedNotificationHandler and every outstanding waitReply,
// then tears the connection down (spec §4.3.3).
func (c *Connection) notifyBroken(err error) {
	c.brokenNotice.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeErr = err
		chans := make([]*Channel, 0, len(c.channels))
		for _, ch := range c.channels {
			chans = append(chans, ch)
		}
		c.mu.Unlock()

		for _, ch := range chans {
			ch.setState(ChannelClosed)
			ch.sendMu.Lock()
			for _, wr := range ch.waitReplies {
				wr.deliverBrokenPipe()
			}
			ch.windowCond.Broadcast()
			ch.outstandingCond.Broadcast()
			ch.sendMu.Unlock()

			ch.recvMu.Lock()
			handler := ch.closedNotificationHandler
			already := ch.closedNotified
			ch.closedNotified = true
			ch.recvMu.Unlock()
			if handler != nil && !already {
				handler(ch, err)
			}
		}

		c.trace.ConnectionClosed(err)
		c.sequencer.stop()
		_ = c.transport.Close()
	})
}

// Close tears the connection down, optionally waiting for in-flight
// dispatch handlers to finish (spec §4.3.3, Options.SkipThreadPoolWait).
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.notifyBroken(nil)
		if !c.options.SkipThreadPoolWait {
			c.dispatch.drain()
		}
	})
	return nil
}

// readLoop is the single per-connection reader goroutine (spec §4.4).
func (c *Connection) readLoop() {
	for {
		f, s, err := c.decoder.ReadFrame()
		if err != nil {
			c.trace.FrameRead(nil, err)
			c.notifyBroken(err)
			return
		}
		c.trace.FrameRead(f, nil)

		if s != nil {
			c.handleSeq(s)
			continue
		}
		if err := c.handleFrame(f); err != nil {
			c.trace.Error("handleFrame", err)
			if pe, ok := AsProtocolError(err); ok && pe.Fatal {
				c.notifyBroken(err)
				return
			}
		}
	}
}

func (c *Connection) handleSeq(s *SeqFrame) {
	ch, ok := c.Channel(s.Channel)
	if !ok {
		return
	}
	ch.onSeqReceived(s.Ackno, s.Window)
}

func (c *Connection) newCorrelationID() string {
	return uuid.NewString()
}

// waitForSetup returns a context derived from ctx that is done once d
// elapses (or, when d <= 0, only when ctx is done), plus its cancel
// function (spec §5 synchronous setup calls honoring
// Options.SetupTimeout).
func waitForSetup(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
