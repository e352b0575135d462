package beep

import (
	"context"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"
)

// TestWindowStallDelaysFrameUntilAcknowledged starves a channel's
// outgoing window to zero, confirms the queued MSG never reaches the
// peer while the sequencer is stalled on windowCond, then grants window
// via onSeqReceived (the path a real SEQ frame drives) and confirms the
// frame goes out immediately after (spec §4.2.1/§4.5 flow control).
func TestWindowStallDelaysFrameUntilAcknowledged(t *testing.T) {
	initiator, listener := dialPair(t)
	defer initiator.Close()
	defer listener.Close()

	ch, err := initiator.StartChannel(context.Background(), []string{echoProfileURI}, "", "")
	assert.NoError(t, err)

	ch.sendMu.Lock()
	ch.remoteAckno = ch.nextSeqnoOut
	ch.remoteWindow = 0
	ch.sendMu.Unlock()

	const payload = "hello-window"
	msgno, err := ch.SendMsg([]byte(payload), false)
	assert.NoError(t, err)
	wr := ch.RegisterWaitReply(msgno)

	_, err = wr.wait(60 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	ch.onSeqReceived(ch.nextSeqnoOut+uint32(len(payload)), 4096)

	reply, err := wr.wait(2 * time.Second)
	assert.NoError(t, err)
	assert.Equal(t, payload, string(reply.Payload))
}

// feederChunks is a Feeder over a fixed slice of chunks, used to drive
// SendFromFeeder deterministically in tests.
type feederChunks struct {
	chunks [][]byte
	i      int
}

func (f *feederChunks) NextChunk(maxBytes int) ([]byte, bool, error) {
	if f.i >= len(f.chunks) {
		return nil, true, nil
	}
	c := f.chunks[f.i]
	f.i++
	return c, f.i >= len(f.chunks), nil
}

func TestSendFromFeederConcatenatesChunksOnTheWire(t *testing.T) {
	initiator, listener := dialPair(t)
	defer initiator.Close()
	defer listener.Close()

	ch, err := initiator.StartChannel(context.Background(), []string{echoProfileURI}, "", "")
	assert.NoError(t, err)
	ch.SetCompleteFlag(true)

	remoteCh, ok := listener.Channel(ch.Number())
	assert.True(t, ok)
	remoteCh.SetCompleteFlag(true)

	feeder := &feederChunks{chunks: [][]byte{[]byte("foo-"), []byte("bar-"), []byte("baz")}}
	msgno, err := ch.SendFromFeeder(feeder)
	assert.NoError(t, err)

	wr := ch.RegisterWaitReply(msgno)
	reply, err := wr.wait(2 * time.Second)
	assert.NoError(t, err)
	assert.Equal(t, "foo-bar-baz", string(reply.Payload))
}

// TestFrameSizeLimitSplitsLargePayloadAcrossFrames installs a small
// NextFrameSizeHandler on the sending channel and confirms the receiver
// observes more than one fragment for a payload that would otherwise fit
// in a single frame, proving the sequencer honors the per-channel limit
// (spec §4.2.2 next_frame_size).
func TestFrameSizeLimitSplitsLargePayloadAcrossFrames(t *testing.T) {
	initiator, listener := dialPair(t)
	defer initiator.Close()
	defer listener.Close()

	ch, err := initiator.StartChannel(context.Background(), []string{echoProfileURI}, "", "")
	assert.NoError(t, err)
	ch.SetNextFrameSizeHandler(func(ch *Channel, seqno uint32, availableWindow, peerWindowTop int) int {
		return 4
	})

	remoteCh, ok := listener.Channel(ch.Number())
	assert.True(t, ok)
	// Deliver every frame as it arrives, in arrival order, so the handler
	// sees the fragments themselves rather than one reassembled message.
	remoteCh.SetCompleteFlag(false)
	remoteCh.SetSerialize(true)

	fragments := make(chan *Frame, 16)
	remoteCh.SetFrameHandler(func(ch *Channel, f *Frame) {
		if f.Type == MSG {
			fragments <- f
		}
	})

	_, err = ch.SendMsg([]byte("0123456789abcdef"), false)
	assert.NoError(t, err)

	// With the complete flag off, the channel's first MSG reaches the
	// handler with its two-byte "\r\n" MIME separator still in front.
	const wire = "\r\n0123456789abcdef"
	var total, count int
	var more bool
	deadline := time.After(2 * time.Second)
	for total < len(wire) {
		select {
		case f := <-fragments:
			total += len(f.Payload)
			count++
			more = f.More
		case <-deadline:
			t.Fatal("did not observe every fragment of the split message")
		}
	}
	assert.Greater(t, count, 1)
	assert.False(t, more)
}
