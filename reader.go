package beep

// handleFrame validates f against its channel's receive-side state,
// reassembles complete-flag messages, and routes the result to either
// a waiting waitReply or the channel's FrameHandler (spec §4.4, §4.7).
func (c *Connection) handleFrame(f *Frame) error {
	ch, ok := c.Channel(f.Channel)
	if !ok {
		return framingError("frame references unknown channel %d", f.Channel)
	}

	ch.recvMu.Lock()
	if f.Seqno != ch.nextSeqnoExpected {
		ch.recvMu.Unlock()
		return sequenceMismatchError(ch.number, f.Seqno, ch.nextSeqnoExpected)
	}
	if uint64(f.Seqno)+uint64(len(f.Payload)) > uint64(ch.consumedSeqno)+uint64(ch.localWindow) {
		top := ch.consumedSeqno + ch.localWindow
		ch.recvMu.Unlock()
		return sequenceError("channel %d: frame seqno=%d len=%d overruns advertised receive window (top=%d)", ch.number, f.Seqno, len(f.Payload), top)
	}
	ch.nextSeqnoExpected += uint32(len(f.Payload))

	if f.Type == MSG {
		if !ch.isIncomingLocked(f.Msgno) {
			ch.incomingMsgs = append(ch.incomingMsgs, f.Msgno)
		}
	}

	deliverable, err := ch.reassembleLocked(f)
	ch.recvMu.Unlock()

	if err != nil {
		return err
	}

	c.advanceWindow(ch, len(f.Payload))

	if deliverable == nil {
		return nil
	}

	return c.routeDeliverable(ch, deliverable)
}

// reassembleLocked implements the complete-flag message-reassembly
// policy of spec §4.2.3: when enabled, fragments sharing a msgno are
// buffered until a frame with More=false arrives, then delivered as one
// logical frame with concatenated payload; when disabled, every frame
// is delivered to the application as it arrives. Caller holds recvMu.
func (ch *Channel) reassembleLocked(f *Frame) (*Frame, error) {
	if !ch.completeFlag {
		return f, nil
	}

	if ch.fragmentMsgno != nil && *ch.fragmentMsgno != f.Msgno {
		return nil, channelManagementErrorFatal(CodeSyntaxError, "interleaved fragments for msgno %d while reassembling %d on channel %d", f.Msgno, *ch.fragmentMsgno, ch.number)
	}

	if !f.More && len(ch.reassemblyBuf) == 0 {
		return ch.maybeStripMimeLocked(f), nil
	}

	ch.reassemblyBuf = append(ch.reassemblyBuf, f)
	ch.reassemblySize += len(f.Payload)
	if ch.completeLimit > 0 && ch.reassemblySize > ch.completeLimit {
		ch.reassemblyBuf = nil
		ch.reassemblySize = 0
		ch.fragmentMsgno = nil
		return nil, channelManagementErrorFatal(CodeSyntaxError, "reassembled message on channel %d exceeds complete limit %d", ch.number, ch.completeLimit)
	}

	if f.More {
		msgno := f.Msgno
		ch.fragmentMsgno = &msgno
		return nil, nil
	}

	whole := &Frame{
		Type:    f.Type,
		Channel: f.Channel,
		Msgno:   f.Msgno,
		More:    false,
		Seqno:   ch.reassemblyBuf[0].Seqno,
		Ansno:   f.Ansno,
	}
	for _, part := range ch.reassemblyBuf {
		whole.Payload = append(whole.Payload, part.Payload...)
	}
	ch.reassemblyBuf = nil
	ch.reassemblySize = 0
	ch.fragmentMsgno = nil
	return ch.maybeStripMimeLocked(whole), nil
}

// maybeStripMimeLocked removes the MIME envelope from a channel's first
// delivered MSG, mirroring newSendRequest's attachment of that envelope
// to a channel's first sent MSG (spec §4.2.2/§4.2.3). Every later MSG,
// and every non-MSG frame type, is delivered unchanged. Caller holds
// recvMu.
func (ch *Channel) maybeStripMimeLocked(f *Frame) *Frame {
	if f.Type != MSG || ch.receivedFirstMessage {
		return f
	}
	ch.receivedFirstMessage = true

	_, body := stripMimePrefix(f.Payload)
	out := *f
	out.Payload = body
	return &out
}

// routeDeliverable sends a fully-reassembled frame to its waitReply, if
// one is registered for its msgno, and otherwise to the dispatcher
// (spec §4.7 dispatch precedence).
func (c *Connection) routeDeliverable(ch *Channel, f *Frame) error {
	switch f.Type {
	case RPY, ERR, ANS, NUL:
		if wr, ok := ch.lookupWaitReply(f.Msgno); ok {
			wr.deliver(f)
			if isTerminal(f) {
				ch.unregisterWaitReply(f.Msgno)
				ch.removeOutstanding(f.Msgno)
			}
			return nil
		}
		if isTerminal(f) {
			ch.removeOutstanding(f.Msgno)
		}
	}
	c.dispatch.submit(ch, f)
	return nil
}

// advanceWindow folds newly-consumed bytes into the local receive
// window and emits a SEQ frame once more than half of the previously
// advertised window has been consumed, rather than on every frame
// (spec §4.4.e).
func (c *Connection) advanceWindow(ch *Channel, n int) {
	if n == 0 {
		return
	}

	ch.recvMu.Lock()
	ch.consumedSeqno += uint32(n)
	consumed := ch.consumedSeqno
	desired := ch.desiredWindow
	due := consumed-ch.ackedSeqno > desired/2
	if due {
		ch.ackedSeqno = consumed
	}
	ch.recvMu.Unlock()

	if !due {
		return
	}
	_ = c.writeSeq(&SeqFrame{Channel: ch.number, Ackno: consumed, Window: desired})
}
