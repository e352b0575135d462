package beep

import (
	"encoding/xml"
	"fmt"

	"github.com/pkg/errors"
)

// managementProfileURI identifies channel 0, which every connection
// has from the moment it is created and which carries the greeting,
// start, and close exchanges of spec §4.1.
const managementProfileURI = "http://beepcore.org/beep/channel-management"

type greetingMsg struct {
	XMLName  xml.Name       `xml:"greeting"`
	Profiles []profileEntry `xml:"profile"`
}

type profileEntry struct {
	URI string `xml:"uri,attr"`
}

type startMsg struct {
	XMLName    xml.Name       `xml:"start"`
	Number     uint16         `xml:"number,attr"`
	ServerName string         `xml:"serverName,attr,omitempty"`
	Profiles   []startProfile `xml:"profile"`
}

type startProfile struct {
	URI     string `xml:"uri,attr"`
	Content string `xml:",chardata"`
}

type profileOKMsg struct {
	XMLName xml.Name `xml:"profile"`
	URI     string   `xml:"uri,attr"`
	Content string   `xml:",chardata"`
}

type closeMsg struct {
	XMLName    xml.Name `xml:"close"`
	Number     uint16   `xml:"number,attr"`
	Code       int      `xml:"code,attr"`
	Diagnostic string   `xml:",chardata"`
}

type okMsg struct {
	XMLName xml.Name `xml:"ok"`
}

type errorMsg struct {
	XMLName    xml.Name `xml:"error"`
	Code       int      `xml:"code,attr"`
	Diagnostic string   `xml:",chardata"`
}

// installManagementHandler wires channel 0's FrameHandler to the
// greeting/start/close dispatch of spec §4.1. Called once from
// NewConnection.
func (c *Connection) installManagementHandler() {
	ch0 := c.Channel0()
	ch0.SetFrameHandler(func(ch *Channel, f *Frame) {
		switch f.Type {
		case MSG:
			c.handleManagementMSG(f)
		case RPY, ERR:
			// handled via waitReply in routeDeliverable; reaching here
			// means no waiter was registered, which is a peer bug we
			// simply log.
			c.trace.Error("management", errors.Errorf("unsolicited channel-0 %s", f.Type))
		}
	})
}

func (c *Connection) handleManagementMSG(f *Frame) {
	var probe struct {
		XMLName xml.Name
	}
	if err := xml.Unmarshal(f.Payload, &probe); err != nil {
		c.replyManagementError(f.Msgno, CodeInvalidXML, "malformed management message: %v", err)
		return
	}

	switch probe.XMLName.Local {
	case "greeting":
		c.handleGreeting(f)
	case "start":
		c.handleStart(f)
	case "close":
		c.handleClose(f)
	default:
		c.replyManagementError(f.Msgno, CodeSyntaxError, "unrecognized management element %q", probe.XMLName.Local)
	}
}

func (c *Connection) handleGreeting(f *Frame) {
	var g greetingMsg
	if err := xml.Unmarshal(f.Payload, &g); err != nil {
		c.replyManagementError(f.Msgno, CodeInvalidXML, "malformed greeting: %v", err)
		return
	}
	c.mu.Lock()
	c.peerProfiles = make(map[string]bool, len(g.Profiles))
	for _, p := range g.Profiles {
		c.peerProfiles[p.URI] = true
	}
	c.mu.Unlock()

	c.Channel0().SendRPY(f.Msgno, mustMarshal(okMsg{}))
	c.greetingOnce.Do(func() { close(c.greetingReceived) })
}

func (c *Connection) handleStart(f *Frame) {
	var s startMsg
	if err := xml.Unmarshal(f.Payload, &s); err != nil {
		c.replyManagementError(f.Msgno, CodeInvalidXML, "malformed start: %v", err)
		return
	}

	c.mu.Lock()
	if _, inUse := c.channels[s.Number]; inUse {
		c.mu.Unlock()
		c.Channel0().SendERR(f.Msgno, mustMarshal(errorMsg{Code: CodeSyntaxError, Diagnostic: fmt.Sprintf("channel %d is already in use", s.Number)}))
		return
	}

	var chosen *ProfileHandler
	var chosenInit string
	for _, cand := range s.Profiles {
		if p, ok := c.profiles[cand.URI]; ok {
			chosen = p
			chosenInit = cand.Content
			break
		}
	}
	if s.ServerName != "" {
		if c.boundServerName == "" {
			c.boundServerName = s.ServerName
		} else if s.ServerName != c.boundServerName {
			// spec resolves a conflicting serverName on a later start by
			// keeping the value already bound to this session, not the
			// newest request.
			c.trace.Error("management.start", errors.Errorf("serverName %q conflicts with already-bound %q; keeping bound value", s.ServerName, c.boundServerName))
			s.ServerName = c.boundServerName
		}
	}
	c.mu.Unlock()

	if chosen == nil {
		c.Channel0().SendERR(f.Msgno, mustMarshal(errorMsg{Code: CodeTransactionFailed, Diagnostic: "no requested profile is supported"}))
		return
	}

	ch := newChannel(c, s.Number, chosen.URI)
	ch.setState(ChannelOpen)
	c.registerChannel(ch)
	c.trace.ChannelStarted(ch.number, chosen.URI, nil)

	c.Channel0().SendRPY(f.Msgno, mustMarshal(profileOKMsg{URI: chosen.URI}))

	if chosen.OnStart != nil {
		chosen.OnStart(ch, []byte(chosenInit))
	}
}

func (c *Connection) handleClose(f *Frame) {
	var cl closeMsg
	if err := xml.Unmarshal(f.Payload, &cl); err != nil {
		c.replyManagementError(f.Msgno, CodeInvalidXML, "malformed close: %v", err)
		return
	}

	if cl.Number == 0 {
		c.Channel0().SendRPY(f.Msgno, mustMarshal(okMsg{}))
		c.notifyBroken(nil)
		return
	}

	ch, ok := c.Channel(cl.Number)
	if !ok {
		c.replyManagementError(f.Msgno, CodeSyntaxError, "close references unknown channel %d", cl.Number)
		return
	}

	ch.recvMu.Lock()
	handler := ch.closeRequestHandler
	ch.recvMu.Unlock()

	accept, deferred := true, false
	if handler != nil {
		accept, deferred = handler(ch, f.Msgno)
	}
	if deferred {
		c.mu.Lock()
		c.pendingCloses[f.Msgno] = ch
		c.mu.Unlock()
		return
	}
	c.resolveClose(ch, f.Msgno, accept)
}

func (c *Connection) resolveClose(ch *Channel, msgno uint32, accept bool) {
	if !accept {
		c.Channel0().SendERR(msgno, mustMarshal(errorMsg{Code: CodeStillWorking, Diagnostic: "channel close rejected"}))
		return
	}
	ch.setState(ChannelClosed)
	c.unregisterChannel(ch.number)
	c.trace.ChannelClosed(ch.number, nil)
	c.Channel0().SendRPY(msgno, mustMarshal(okMsg{}))
}

// NotifyClose completes a close request previously deferred by a
// CloseRequestHandler (spec §4.6 Receiver side).
func (c *Connection) NotifyClose(channel uint16, msgno uint32, accept bool) {
	c.mu.Lock()
	ch, ok := c.pendingCloses[msgno]
	delete(c.pendingCloses, msgno)
	c.mu.Unlock()
	if !ok || ch.number != channel {
		return
	}
	c.resolveClose(ch, msgno, accept)
}

func (c *Connection) replyManagementError(msgno uint32, code int, format string, args ...interface{}) {
	c.Channel0().SendERR(msgno, mustMarshal(errorMsg{Code: code, Diagnostic: fmt.Sprintf(format, args...)}))
}

func mustMarshal(v interface{}) []byte {
	b, err := xml.Marshal(v)
	if err != nil {
		panic(errors.Wrap(err, "beep: management payload marshal"))
	}
	return b
}
