package beep

import (
	"sync"

	"github.com/pkg/errors"
)

// Feeder supplies payload incrementally for SendFromFeeder, so a large
// or not-yet-fully-buffered message can be streamed without holding the
// whole thing in memory (spec §4.2.1 send_from_feeder).
type Feeder interface {
	// NextChunk returns up to maxBytes of payload. last is true when
	// this is the final chunk of the message.
	NextChunk(maxBytes int) (chunk []byte, last bool, err error)
}

// sendRequest is one queued MSG/RPY/ERR/ANS/NUL for the sequencer to
// turn into one or more wire frames (spec §4.5).
type sendRequest struct {
	channel    *Channel
	msgno      uint32
	typ        FrameType
	ansno      uint32
	payload    []byte
	feeder     Feeder
	mimePrefix []byte
	callerMore bool
	onSent     func()

	offset int
}

// sequencer is the per-connection writer of spec §4.5: it dequeues send
// requests in per-channel arrival order, splits each into frames sized
// by window and frame-size policy, stalls on exhausted remote window,
// and writes frames to the transport. Actual transport writes are
// serialized by Connection.writeFrame's encMu, matching the teacher's
// single-writer discipline in client/transport.go (writes are never
// issued concurrently against the ssh.Session stdin pipe); request
// draining itself runs one goroutine per channel so a channel stalled
// on its own window never head-of-line-blocks another channel's sends
// (spec §4.5 non-starvation).
type sequencer struct {
	conn *Connection

	mu     sync.Mutex
	queues map[uint16]chan *sendRequest

	closeOnce sync.Once
	done      chan struct{}
}

func newSequencer(conn *Connection) *sequencer {
	return &sequencer{
		conn:   conn,
		queues: make(map[uint16]chan *sendRequest),
		done:   make(chan struct{}),
	}
}

func (s *sequencer) enqueue(req *sendRequest) {
	q := s.channelQueue(req.channel.number)
	select {
	case q <- req:
	case <-s.done:
	}
}

// channelQueue returns this channel's send-request queue, starting its
// dedicated drain goroutine on first use.
func (s *sequencer) channelQueue(number uint16) chan *sendRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[number]
	if !ok {
		q = make(chan *sendRequest, 64)
		s.queues[number] = q
		go s.runChannel(q)
	}
	return q
}

func (s *sequencer) stop() {
	s.closeOnce.Do(func() { close(s.done) })
}

// runChannel drains one channel's queue until stop is called. One
// sendRequest at a time is fully drained before the next is serviced,
// which keeps this channel's frames in arrival order (spec §5 Ordering
// guarantees) without serializing against any other channel's queue.
func (s *sequencer) runChannel(q chan *sendRequest) {
	for {
		select {
		case req := <-q:
			s.drain(req)
		case <-s.done:
			return
		}
	}
}

func (s *sequencer) drain(req *sendRequest) {
	ch := req.channel

	for {
		chunk, last, err := s.nextChunkLocked(req)
		if err != nil {
			s.conn.trace.Error("sequencer.nextChunk", err)
			return
		}
		if chunk == nil && last {
			break
		}

		frameMore := !last || req.callerMore

		ch.sendMu.Lock()
		seqno := ch.nextSeqnoOut
		ch.nextSeqnoOut += uint32(len(chunk))
		ch.sendMu.Unlock()

		f := &Frame{
			Type:    req.typ,
			Channel: ch.number,
			Msgno:   req.msgno,
			More:    frameMore,
			Seqno:   seqno,
			Ansno:   req.ansno,
			Payload: chunk,
		}

		if err := s.conn.writeFrame(f); err != nil {
			s.conn.trace.Error("sequencer.writeFrame", err)
			s.conn.notifyBroken(err)
			return
		}

		if last {
			break
		}
	}

	if req.onSent != nil {
		req.onSent()
	}
}

// nextChunkLocked blocks until the channel's remote window admits at
// least one byte (or the request has no more payload), then returns the
// next chunk to write. Returns (nil, true, nil) once the request is
// fully drained with nothing left to send (including the zero-length
// NUL/RPY/ERR case, which still must produce exactly one frame).
func (s *sequencer) nextChunkLocked(req *sendRequest) ([]byte, bool, error) {
	// the mime prefix, if any, rides on the first produced frame and
	// counts against the frame-size budget but not against req.offset.
	prefix := req.mimePrefix
	req.mimePrefix = nil

	if req.feeder != nil {
		return s.nextFeederChunkLocked(req, prefix)
	}
	return s.nextBufferChunkLocked(req, prefix)
}

func (s *sequencer) nextBufferChunkLocked(req *sendRequest, prefix []byte) ([]byte, bool, error) {
	ch := req.channel

	if len(req.payload) == 0 && prefix == nil {
		// zero-length reply frame (RPY/ERR/NUL with no payload):
		// exactly one frame, no window consumption beyond seqno.
		if req.offset == -1 {
			return nil, true, nil
		}
		req.offset = -1 // sentinel: "the one frame has been produced"
		return []byte{}, true, nil
	}
	if req.offset == -1 || (req.offset >= len(req.payload) && prefix == nil) {
		return nil, true, nil
	}

	remaining := req.payload[req.offset:]

	ch.sendMu.Lock()
	for ch.availableWindowLocked() <= 0 {
		if ch.State() == ChannelClosed {
			ch.sendMu.Unlock()
			return nil, false, ErrChannelClosed
		}
		ch.windowCond.Wait()
	}
	budget := ch.availableWindowLocked()
	limit := s.frameSizeLimitLocked(ch)
	ch.sendMu.Unlock()

	max := limit
	if budget < max {
		max = budget
	}
	if prefix != nil && len(prefix) < max {
		max -= len(prefix)
	} else if prefix != nil {
		max = 0
	}
	if max > len(remaining) {
		max = len(remaining)
	}
	if max < 0 {
		max = 0
	}

	chunk := remaining[:max]
	req.offset += max
	last := req.offset >= len(req.payload)

	if prefix != nil {
		out := make([]byte, 0, len(prefix)+len(chunk))
		out = append(out, prefix...)
		out = append(out, chunk...)
		return out, last, nil
	}
	return chunk, last, nil
}

func (s *sequencer) nextFeederChunkLocked(req *sendRequest, prefix []byte) ([]byte, bool, error) {
	ch := req.channel

	ch.sendMu.Lock()
	for ch.availableWindowLocked() <= 0 {
		if ch.State() == ChannelClosed {
			ch.sendMu.Unlock()
			return nil, false, ErrChannelClosed
		}
		ch.windowCond.Wait()
	}
	budget := ch.availableWindowLocked()
	limit := s.frameSizeLimitLocked(ch)
	ch.sendMu.Unlock()

	max := limit
	if budget < max {
		max = budget
	}
	if prefix != nil {
		max -= len(prefix)
	}
	if max < 0 {
		max = 0
	}

	chunk, last, err := req.feeder.NextChunk(max)
	if err != nil {
		return nil, false, errors.Wrap(err, "feeder")
	}

	if prefix != nil {
		out := make([]byte, 0, len(prefix)+len(chunk))
		out = append(out, prefix...)
		out = append(out, chunk...)
		return out, last, nil
	}
	return chunk, last, nil
}

// frameSizeLimitLocked returns the channel's NextFrameSizeHandler result
// when one is installed, and Options.DefaultFrameSize otherwise; there
// is no connection-wide next-frame-size hook (spec §4.2.2). Caller must
// hold ch.sendMu.
func (s *sequencer) frameSizeLimitLocked(ch *Channel) int {
	if ch.nextFrameSizeFn != nil {
		return ch.nextFrameSizeFn(ch, ch.nextSeqnoOut, ch.availableWindowLocked(), int(ch.remoteAckno+ch.remoteWindow))
	}
	return s.conn.options.DefaultFrameSize
}
