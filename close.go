package beep

import (
	"context"
	"encoding/xml"

	"github.com/pkg/errors"
)

// Initiate opens a BEEP session as the channel-number-odd initiator
// over transport, registers profiles, and performs the channel-0
// greeting exchange before returning (spec §4.1, §4.3.1).
func Initiate(ctx context.Context, transport Transport, profiles []*ProfileHandler, opts *Options) (*Connection, error) {
	conn := NewConnection(ctx, transport, RoleInitiator, opts)
	for _, p := range profiles {
		conn.RegisterProfile(p)
	}
	if err := conn.exchangeGreeting(ctx); err != nil {
		conn.notifyBroken(err)
		return nil, err
	}
	return conn, nil
}

// Accept opens a BEEP session as the channel-number-even listener side
// over transport (spec §4.1, §4.3.1).
func Accept(ctx context.Context, transport Transport, profiles []*ProfileHandler, opts *Options) (*Connection, error) {
	conn := NewConnection(ctx, transport, RoleListener, opts)
	for _, p := range profiles {
		conn.RegisterProfile(p)
	}
	if err := conn.exchangeGreeting(ctx); err != nil {
		conn.notifyBroken(err)
		return nil, err
	}
	return conn, nil
}

// exchangeGreeting sends this side's greeting, listing every registered
// profile, and blocks until the peer's greeting has both been
// acknowledged and received (spec §4.1).
func (c *Connection) exchangeGreeting(ctx context.Context) error {
	c.mu.Lock()
	g := greetingMsg{Profiles: make([]profileEntry, 0, len(c.profiles))}
	for uri := range c.profiles {
		g.Profiles = append(g.Profiles, profileEntry{URI: uri})
	}
	c.mu.Unlock()

	setupCtx, cancel := waitForSetup(ctx, c.options.SetupTimeout)
	defer cancel()

	ch0 := c.Channel0()
	msgno, err := ch0.SendMsg(mustMarshal(g), false)
	if err != nil {
		return err
	}
	wr := ch0.RegisterWaitReply(msgno)

	if _, err := c.waitReplyWithContext(setupCtx, wr); err != nil {
		ch0.unregisterWaitReply(msgno)
		return errors.Wrap(err, "greeting exchange")
	}

	select {
	case <-c.greetingReceived:
	case <-setupCtx.Done():
		return errors.Wrap(setupCtx.Err(), "greeting exchange: peer greeting not received")
	}

	c.trace.ConnectionOpened(roleString(c.role), nil, 0)
	return nil
}

func roleString(r Role) string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "listener"
}

// waitReplyWithContext adapts waitReply.wait to a context deadline
// without duplicating the select logic at every call site.
func (c *Connection) waitReplyWithContext(ctx context.Context, wr *waitReply) (*Frame, error) {
	type result struct {
		f   *Frame
		err error
	}
	out := make(chan result, 1)
	go func() {
		f, err := wr.wait(0)
		out <- result{f, err}
	}()
	select {
	case r := <-out:
		return r.f, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StartChannel requests that the peer start a new channel under one of
// the given candidate profile URIs, in preference order, and blocks
// until the peer accepts or rejects (spec §4.1 "start").
func (c *Connection) StartChannel(ctx context.Context, candidateURIs []string, serverName string, initialContent string) (*Channel, error) {
	if c.options.EnforceProfilesSupported {
		c.mu.Lock()
		supported := false
		for _, uri := range candidateURIs {
			if c.peerProfiles[uri] {
				supported = true
				break
			}
		}
		c.mu.Unlock()
		if !supported {
			return nil, ErrProfileNotSupported
		}
	}

	number := c.allocateChannelNumber()
	s := startMsg{Number: number, ServerName: serverName}
	for _, uri := range candidateURIs {
		s.Profiles = append(s.Profiles, startProfile{URI: uri, Content: initialContent})
	}

	setupCtx, cancel := waitForSetup(ctx, c.options.SetupTimeout)
	defer cancel()

	ch0 := c.Channel0()
	msgno, err := ch0.SendMsg(mustMarshal(s), false)
	if err != nil {
		return nil, err
	}
	wr := ch0.RegisterWaitReply(msgno)

	reply, err := c.waitReplyWithContext(setupCtx, wr)
	if err != nil {
		ch0.unregisterWaitReply(msgno)
		return nil, errors.Wrap(err, "start channel")
	}

	if reply.Type == ERR {
		var e errorMsg
		_ = xml.Unmarshal(reply.Payload, &e)
		return nil, channelManagementError(e.Code, "peer rejected channel start: %s", e.Diagnostic)
	}

	var ok profileOKMsg
	if err := xml.Unmarshal(reply.Payload, &ok); err != nil {
		return nil, errors.Wrap(err, "start channel: malformed profile reply")
	}

	ch := newChannel(c, number, ok.URI)
	ch.setState(ChannelOpen)
	c.registerChannel(ch)
	c.trace.ChannelStarted(number, ok.URI, nil)
	return ch, nil
}

// Close requests that this channel be closed with the given reply
// code (conventionally 200 for a normal close; spec §4.6). The local
// Channel is removed from its connection only once the peer's RPY
// arrives; an ERR reply surfaces as ErrCloseRejected.
func (ch *Channel) Close(ctx context.Context, code int, diagnostic string) error {
	if ch.number == 0 {
		return ch.conn.closeSession(ctx, code, diagnostic)
	}

	if ch.State() != ChannelOpen {
		return ErrChannelClosed
	}
	ch.setState(ChannelClosing)

	cl := closeMsg{Number: ch.number, Code: code, Diagnostic: diagnostic}
	setupCtx, cancel := waitForSetup(ctx, ch.conn.options.SetupTimeout)
	defer cancel()

	ch0 := ch.conn.Channel0()
	msgno, err := ch0.SendMsg(mustMarshal(cl), false)
	if err != nil {
		return err
	}
	wr := ch0.RegisterWaitReply(msgno)

	reply, err := ch.conn.waitReplyWithContext(setupCtx, wr)
	if err != nil {
		ch0.unregisterWaitReply(msgno)
		return errors.Wrap(err, "close channel")
	}

	if reply.Type == ERR {
		ch.setState(ChannelOpen)
		return ErrCloseRejected
	}

	ch.setState(ChannelClosed)
	ch.conn.unregisterChannel(ch.number)
	ch.conn.trace.ChannelClosed(ch.number, nil)
	return nil
}

// closeSession requests a full-session close by closing channel 0,
// which every BEEP peer must honor once no other channels remain open
// (spec §4.6 "closing channel 0 closes the session").
func (c *Connection) closeSession(ctx context.Context, code int, diagnostic string) error {
	c.mu.Lock()
	other := len(c.channels) > 1
	c.mu.Unlock()
	if other {
		return channelManagementError(CodeStillWorking, "channels other than 0 remain open")
	}

	cl := closeMsg{Number: 0, Code: code, Diagnostic: diagnostic}
	setupCtx, cancel := waitForSetup(ctx, c.options.SetupTimeout)
	defer cancel()

	ch0 := c.Channel0()
	msgno, err := ch0.SendMsg(mustMarshal(cl), false)
	if err != nil {
		return err
	}
	wr := ch0.RegisterWaitReply(msgno)

	reply, err := c.waitReplyWithContext(setupCtx, wr)
	if err != nil {
		ch0.unregisterWaitReply(msgno)
		return errors.Wrap(err, "close session")
	}
	if reply.Type == ERR {
		return ErrCloseRejected
	}

	return c.Close()
}
