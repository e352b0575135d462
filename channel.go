package beep

import "sync"

// ChannelState is the channel lifecycle of spec §3 Channel Lifecycle.
type ChannelState uint8

const (
	ChannelOpening ChannelState = iota
	ChannelOpen
	ChannelClosing
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelOpening:
		return "opening"
	case ChannelOpen:
		return "open"
	case ChannelClosing:
		return "closing"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// FrameHandler is invoked for frames dispatched to a channel that have
// no registered wait-reply (spec §4.7 step 2).
type FrameHandler func(ch *Channel, f *Frame)

// CloseRequestHandler decides whether a peer-initiated close is
// accepted. If deferred is true, the engine expects a later call to
// Connection.NotifyClose with the same msgno (spec §4.6 Receiver side).
type CloseRequestHandler func(ch *Channel, msgno uint32) (accept, deferred bool)

// CloseNotifyHandler has the same shape as CloseRequestHandler. Nothing
// in this package installs or calls one: a peer close request on a
// channel with no CloseRequestHandler installed is accepted.
type CloseNotifyHandler func(ch *Channel, msgno uint32) (accept, deferred bool)

// ClosedNotificationHandler is invoked exactly once when the transport
// becomes non-operational (spec §4.3.3).
type ClosedNotificationHandler func(ch *Channel, err error)

// NextFrameSizeHandler overrides the default frame-sizing policy
// (spec §4.2.2).
type NextFrameSizeHandler func(ch *Channel, nextSeqno uint32, remaining, maxSeqno int) int

type pendingReply struct {
	typ     FrameType
	ansno   uint32
	payload []byte
}

// Channel is the per-channel state of spec §3 Channel / §4.2. A Channel
// holds only a non-owning back-reference to its Connection (spec §9
// Design Notes: "connection owns channels; channel holds a weak
// reference back").
type Channel struct {
	number     uint16
	profileURI string
	conn       *Connection

	stateMu   sync.Mutex
	state     ChannelState
	closeCond *sync.Cond

	// send-side bookkeeping, serialized by sendMu (spec §5: "each
	// channel has its own send mutex").
	sendMu           sync.Mutex
	nextSeqnoOut     uint32
	nextMsgnoOut     uint32
	remoteAckno      uint32
	remoteWindow     uint32
	pinnedMsgno      *uint32
	outstandingMsgs  []uint32
	ansnoByMsgno     map[uint32]uint32
	outstandingLimit int
	outstandingBlock bool
	outstandingCond  *sync.Cond
	windowCond       *sync.Cond
	waitReplies      map[uint32]*waitReply
	sentFirstMessage bool

	// receive-side bookkeeping, serialized by recvMu (spec §5: "receive
	// mutex...").
	recvMu            sync.Mutex
	nextSeqnoExpected uint32
	consumedSeqno     uint32
	ackedSeqno        uint32
	localWindow       uint32
	desiredWindow     uint32
	completeLimit     int
	receivedFirstMessage bool
	incomingMsgs      []uint32
	storedReplies     map[uint32][]pendingReply
	nulSent           map[uint32]bool
	fragmentMsgno     *uint32
	reassemblyBuf     []*Frame
	reassemblySize    int

	serializeEnabled bool

	completeFlag      bool
	mimePolicyChannel MimePolicy
	mimeHeaders       []MimeHeader
	nextFrameSizeFn   NextFrameSizeHandler

	closeRequestHandler        CloseRequestHandler
	closedNotificationHandler  ClosedNotificationHandler
	frameHandler               FrameHandler
	closedNotified             bool
}

func newChannel(conn *Connection, number uint16, profileURI string) *Channel {
	ch := &Channel{
		number:            number,
		profileURI:        profileURI,
		conn:              conn,
		state:             ChannelOpening,
		ansnoByMsgno:      make(map[uint32]uint32),
		waitReplies:       make(map[uint32]*waitReply),
		storedReplies:     make(map[uint32][]pendingReply),
		nulSent:           make(map[uint32]bool),
		completeFlag:      true,
		mimePolicyChannel: MimeInherit,
		localWindow:       conn.options.DefaultWindowSize,
		desiredWindow:     conn.options.DefaultWindowSize,
		remoteWindow:      conn.options.DefaultWindowSize,
	}
	ch.closeCond = sync.NewCond(&ch.stateMu)
	ch.outstandingCond = sync.NewCond(&ch.sendMu)
	ch.windowCond = sync.NewCond(&ch.sendMu)
	return ch
}

// availableWindowLocked returns how many payload bytes the sequencer
// may still write for this channel before it must stall for a SEQ
// frame (spec §4.2.2 flow control). Caller must hold sendMu.
func (ch *Channel) availableWindowLocked() int {
	return int(ch.remoteAckno + ch.remoteWindow - ch.nextSeqnoOut)
}

// onSeqReceived applies a peer SEQ frame's ackno/window to this
// channel's send-side flow-control state and wakes any sequencer
// goroutine stalled on availableWindowLocked (spec §4.4.e). The
// advertised upper bound ackno+window must never shrink; a SEQ that
// would shrink it is a window-underflow protocol error and tears the
// whole session down (spec §4.4.e, §8 boundary, scenario 5).
func (ch *Channel) onSeqReceived(ackno, window uint32) {
	ch.sendMu.Lock()
	oldTop := ch.remoteAckno + ch.remoteWindow
	newTop := ackno + window
	if newTop < oldTop {
		ch.sendMu.Unlock()
		ch.conn.notifyBroken(sequenceError("channel %d: SEQ window shrink ackno=%d window=%d (previous upper bound %d)", ch.number, ackno, window, oldTop))
		return
	}
	if ackno > ch.remoteAckno || (ackno == ch.remoteAckno && window != ch.remoteWindow) {
		ch.remoteAckno = ackno
		ch.remoteWindow = window
		ch.windowCond.Broadcast()
	}
	ch.sendMu.Unlock()
}

// Number returns the channel number.
func (ch *Channel) Number() uint16 { return ch.number }

// Profile returns the profile URI the channel was accepted under.
func (ch *Channel) Profile() string { return ch.profileURI }

// State returns the current lifecycle state.
func (ch *Channel) State() ChannelState {
	ch.stateMu.Lock()
	defer ch.stateMu.Unlock()
	return ch.state
}

func (ch *Channel) setState(s ChannelState) {
	ch.stateMu.Lock()
	ch.state = s
	ch.closeCond.Broadcast()
	ch.stateMu.Unlock()
}

// SetCompleteFlag toggles whole-message reassembly (spec §4.2.3).
func (ch *Channel) SetCompleteFlag(on bool) {
	ch.recvMu.Lock()
	ch.completeFlag = on
	ch.recvMu.Unlock()
}

// SetCompleteLimit bounds the reassembly buffer; 0 means unlimited
// (spec §3 Channel Receive state).
func (ch *Channel) SetCompleteLimit(n int) {
	ch.recvMu.Lock()
	ch.completeLimit = n
	ch.recvMu.Unlock()
}

// SetSerialize enables or disables in-order handler invocation for this
// channel (spec §5 Ordering guarantees).
func (ch *Channel) SetSerialize(on bool) {
	ch.recvMu.Lock()
	ch.serializeEnabled = on
	ch.recvMu.Unlock()
}

// SetFrameHandler installs the per-channel frame handler (spec §4.7).
func (ch *Channel) SetFrameHandler(h FrameHandler) {
	ch.recvMu.Lock()
	ch.frameHandler = h
	ch.recvMu.Unlock()
}

// SetCloseRequestHandler installs the close-request handler (spec §4.6).
func (ch *Channel) SetCloseRequestHandler(h CloseRequestHandler) {
	ch.recvMu.Lock()
	ch.closeRequestHandler = h
	ch.recvMu.Unlock()
}

// SetClosedNotificationHandler installs the broken-pipe notification
// handler (spec §4.3.3).
func (ch *Channel) SetClosedNotificationHandler(h ClosedNotificationHandler) {
	ch.recvMu.Lock()
	ch.closedNotificationHandler = h
	ch.recvMu.Unlock()
}

// SetOutstandingLimit configures the outstanding-MSG policy
// (spec §4.2.1).
func (ch *Channel) SetOutstandingLimit(limit int, block bool) {
	ch.sendMu.Lock()
	ch.outstandingLimit = limit
	ch.outstandingBlock = block
	ch.sendMu.Unlock()
}

// SetNextFrameSizeHandler overrides the default frame-sizing policy for
// this channel (spec §4.2.2).
func (ch *Channel) SetNextFrameSizeHandler(h NextFrameSizeHandler) {
	ch.sendMu.Lock()
	ch.nextFrameSizeFn = h
	ch.sendMu.Unlock()
}

// SetMimePolicy sets the channel-level automatic-MIME tri-state
// (spec §4.2.2).
func (ch *Channel) SetMimePolicy(p MimePolicy) {
	ch.sendMu.Lock()
	ch.mimePolicyChannel = p
	ch.sendMu.Unlock()
}

// SetMimeHeaders configures Content-Type/Content-Transfer-Encoding-style
// headers emitted ahead of the MIME separator when automatic MIME
// resolves to enabled (spec §4.2.2, SPEC_FULL.md supplement).
func (ch *Channel) SetMimeHeaders(headers []MimeHeader) {
	ch.sendMu.Lock()
	ch.mimeHeaders = headers
	ch.sendMu.Unlock()
}

// SendMsg allocates the next outbound msgno (or reuses the pinned one
// from a prior more=true call) and hands a send request to the
// sequencer (spec §4.2.1).
func (ch *Channel) SendMsg(payload []byte, more bool) (msgno uint32, err error) {
	ch.sendMu.Lock()

	if ch.State() != ChannelOpen {
		ch.sendMu.Unlock()
		return 0, ErrChannelClosed
	}

	if ch.pinnedMsgno != nil {
		msgno = *ch.pinnedMsgno
	} else {
		if err = ch.awaitOutstandingSlotLocked(); err != nil {
			ch.sendMu.Unlock()
			return 0, err
		}
		msgno = ch.nextMsgnoOut
		ch.nextMsgnoOut++
		ch.outstandingMsgs = append(ch.outstandingMsgs, msgno)
	}

	if more {
		pinned := msgno
		ch.pinnedMsgno = &pinned
	} else {
		ch.pinnedMsgno = nil
	}

	req := ch.newSendRequest(msgno, MSG, 0, payload)
	req.callerMore = more
	ch.sendMu.Unlock()

	ch.conn.sequencer.enqueue(req)
	return msgno, nil
}

// SendFromFeeder streams payload chunks pulled from f as one logical MSG
// (spec §4.2.1 send_from_feeder).
func (ch *Channel) SendFromFeeder(f Feeder) (msgno uint32, err error) {
	ch.sendMu.Lock()
	if ch.State() != ChannelOpen {
		ch.sendMu.Unlock()
		return 0, ErrChannelClosed
	}
	if err = ch.awaitOutstandingSlotLocked(); err != nil {
		ch.sendMu.Unlock()
		return 0, err
	}
	msgno = ch.nextMsgnoOut
	ch.nextMsgnoOut++
	ch.outstandingMsgs = append(ch.outstandingMsgs, msgno)
	ch.pinnedMsgno = nil

	req := ch.newSendRequest(msgno, MSG, 0, nil)
	req.feeder = f
	ch.sendMu.Unlock()

	ch.conn.sequencer.enqueue(req)
	return msgno, nil
}

// awaitOutstandingSlotLocked blocks (if configured to) or fails fast
// when the outstanding-MSG limit has been reached. Caller holds sendMu.
func (ch *Channel) awaitOutstandingSlotLocked() error {
	if ch.outstandingLimit <= 0 {
		return nil
	}
	for len(ch.outstandingMsgs) >= ch.outstandingLimit {
		if !ch.outstandingBlock {
			return ErrOutstandingLimit
		}
		if ch.State() != ChannelOpen {
			return ErrChannelClosed
		}
		ch.outstandingCond.Wait()
	}
	return nil
}

// removeOutstanding drops msgno from outstandingMsgs and wakes any
// caller blocked in awaitOutstandingSlotLocked (spec §8 boundary:
// "Outstanding-limit in block mode unblocks precisely when a reply
// arrives").
func (ch *Channel) removeOutstanding(msgno uint32) {
	ch.sendMu.Lock()
	for i, m := range ch.outstandingMsgs {
		if m == msgno {
			ch.outstandingMsgs = append(ch.outstandingMsgs[:i], ch.outstandingMsgs[i+1:]...)
			break
		}
	}
	ch.outstandingCond.Broadcast()
	ch.sendMu.Unlock()
}

// RegisterWaitReply arranges for frames matching msgno to be delivered
// to the returned waitReply instead of the frame handler (spec §4.2.1
// wait_reply, §4.7 dispatch step 1).
func (ch *Channel) RegisterWaitReply(msgno uint32) *waitReply {
	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()
	wr := newWaitReply(msgno)
	ch.waitReplies[msgno] = wr
	return wr
}

func (ch *Channel) unregisterWaitReply(msgno uint32) {
	ch.sendMu.Lock()
	delete(ch.waitReplies, msgno)
	ch.sendMu.Unlock()
}

func (ch *Channel) lookupWaitReply(msgno uint32) (*waitReply, bool) {
	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()
	wr, ok := ch.waitReplies[msgno]
	return wr, ok
}

// newSendRequest builds a send request, attaching the MIME prefix (any
// configured headers, then the empty-line separator) to the very first
// MSG sent over this channel when automatic MIME resolves to enabled
// (spec §4.2.2).
// Caller must hold sendMu.
func (ch *Channel) newSendRequest(msgno uint32, typ FrameType, ansno uint32, payload []byte) *sendRequest {
	req := &sendRequest{
		channel: ch,
		msgno:   msgno,
		typ:     typ,
		ansno:   ansno,
		payload: payload,
	}
	if typ == MSG && !ch.sentFirstMessage {
		policy := resolveMimePolicy(ch.mimePolicyChannel, ch.conn.profileMimePolicy(ch.profileURI), ch.conn.options.AutomaticMimeHandling)
		if policy == MimeEnabled {
			req.mimePrefix = buildMimePrefix(ch.mimeHeaders)
		}
		ch.sentFirstMessage = true
	}
	return req
}

// SendRPY sends a positive reply to msgno (spec §4.2.1).
func (ch *Channel) SendRPY(msgno uint32, payload []byte) error {
	return ch.sendReply(msgno, RPY, 0, payload)
}

// SendERR sends a negative reply to msgno (spec §4.2.1).
func (ch *Channel) SendERR(msgno uint32, payload []byte) error {
	return ch.sendReply(msgno, ERR, 0, payload)
}

// SendANS sends the next member of a one-to-many reply series for
// msgno (spec §4.2.1).
func (ch *Channel) SendANS(msgno uint32, payload []byte) error {
	ch.recvMu.Lock()
	if ch.nulSent[msgno] {
		ch.recvMu.Unlock()
		return ErrDuplicateNUL
	}
	ch.recvMu.Unlock()

	ch.sendMu.Lock()
	ansno := ch.ansnoByMsgno[msgno]
	ch.ansnoByMsgno[msgno] = ansno + 1
	ch.sendMu.Unlock()

	return ch.sendReply(msgno, ANS, ansno, payload)
}

// SendNUL terminates the ANS series for msgno (spec §4.2.1). A second
// NUL for the same msgno is a protocol error, resolved per spec §9
// Open Questions.
func (ch *Channel) SendNUL(msgno uint32) error {
	ch.recvMu.Lock()
	if ch.nulSent[msgno] {
		ch.recvMu.Unlock()
		return ErrDuplicateNUL
	}
	ch.nulSent[msgno] = true
	ch.recvMu.Unlock()

	return ch.sendReply(msgno, NUL, 0, nil)
}

// sendReply enforces that the reply that goes on the wire matches the
// head of incomingMsgs; replies issued out of order are deferred into
// storedReplies and released automatically as the head advances
// (spec §4.2.1, §4.2.4).
func (ch *Channel) sendReply(msgno uint32, typ FrameType, ansno uint32, payload []byte) error {
	ch.recvMu.Lock()

	if !ch.isIncomingLocked(msgno) {
		ch.recvMu.Unlock()
		return channelManagementError(CodeSyntaxError, "no pending MSG %d to reply to on channel %d", msgno, ch.number)
	}

	if ch.incomingHeadLocked() != msgno {
		ch.storedReplies[msgno] = append(ch.storedReplies[msgno], pendingReply{typ: typ, ansno: ansno, payload: payload})
		ch.recvMu.Unlock()
		return nil
	}

	ch.recvMu.Unlock()
	ch.emitReply(msgno, typ, ansno, payload)
	ch.flushDeferred()
	return nil
}

func (ch *Channel) isIncomingLocked(msgno uint32) bool {
	for _, m := range ch.incomingMsgs {
		if m == msgno {
			return true
		}
	}
	return false
}

func (ch *Channel) incomingHeadLocked() uint32 {
	if len(ch.incomingMsgs) == 0 {
		return 0
	}
	return ch.incomingMsgs[0]
}

// emitReply hands one reply frame to the sequencer and, if it is
// terminal (RPY/ERR/NUL), removes msgno from incomingMsgs.
func (ch *Channel) emitReply(msgno uint32, typ FrameType, ansno uint32, payload []byte) {
	ch.sendMu.Lock()
	req := ch.newSendRequest(msgno, typ, ansno, payload)
	ch.sendMu.Unlock()

	if typ == RPY || typ == ERR || typ == NUL {
		req.onSent = func() { ch.completeIncoming(msgno) }
	}
	ch.conn.sequencer.enqueue(req)
}

// completeIncoming removes msgno from the head of incomingMsgs once its
// terminal reply has been fully written, then releases any deferred
// replies now eligible to go (spec §4.2.4).
func (ch *Channel) completeIncoming(msgno uint32) {
	ch.recvMu.Lock()
	if len(ch.incomingMsgs) > 0 && ch.incomingMsgs[0] == msgno {
		ch.incomingMsgs = ch.incomingMsgs[1:]
	}
	ch.recvMu.Unlock()

	ch.flushDeferred()
}

// flushDeferred emits any stored replies now at the head of
// incomingMsgs, repeating until the new head has none queued
// (spec §4.2.4: "the engine enforces this by scanning stored_replies
// whenever the head advances").
func (ch *Channel) flushDeferred() {
	for {
		ch.recvMu.Lock()
		head := ch.incomingHeadLocked()
		if head == 0 && len(ch.incomingMsgs) == 0 {
			ch.recvMu.Unlock()
			return
		}
		queued := ch.storedReplies[head]
		if len(queued) == 0 {
			ch.recvMu.Unlock()
			return
		}
		next := queued[0]
		ch.storedReplies[head] = queued[1:]
		ch.recvMu.Unlock()

		ch.emitReply(head, next.typ, next.ansno, next.payload)
	}
}
