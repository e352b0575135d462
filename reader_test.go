package beep

import (
	"context"
	"net"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"
)

func TestOutOfSequenceFrameIsRejectedAsSequenceError(t *testing.T) {
	conn := &Connection{channels: map[uint16]*Channel{}}
	ch := newChannel(conn, 4, "http://example.com/beep/x")
	ch.setState(ChannelOpen)
	conn.channels[4] = ch

	err := conn.handleFrame(&Frame{Type: MSG, Channel: 4, Msgno: 1, Seqno: 7, Payload: []byte("x")})
	assert.Error(t, err)
	pe, ok := AsProtocolError(err)
	assert.True(t, ok)
	assert.Equal(t, KindSequence, pe.Kind)
	assert.True(t, pe.Fatal)
}

func TestCompleteFlagReassemblesFragmentsBeforeDelivery(t *testing.T) {
	const profileURI = "http://example.com/beep/reassemble"
	delivered := make(chan *Frame, 1)

	profile := &ProfileHandler{
		URI: profileURI,
		OnStart: func(ch *Channel, initial []byte) {
			ch.SetCompleteFlag(true)
			ch.SetFrameHandler(func(ch *Channel, f *Frame) {
				if f.Type == MSG {
					delivered <- f
				}
			})
		},
	}

	clientPipe, serverPipe := net.Pipe()
	ctx := context.Background()
	listenerResult := make(chan *Connection, 1)
	go func() {
		conn, _ := Accept(ctx, serverPipe, []*ProfileHandler{profile}, nil)
		listenerResult <- conn
	}()
	initiator, err := Initiate(ctx, clientPipe, nil, nil)
	assert.NoError(t, err)
	listener := <-listenerResult
	defer initiator.Close()
	defer listener.Close()

	localCh, err := initiator.StartChannel(ctx, []string{profileURI}, "", "")
	assert.NoError(t, err)

	// Drive two fragments of the same logical message by sending twice
	// with More=true on the first call, relying on SendMsg's more flag.
	_, err = localCh.SendMsg([]byte("frag-one-"), true)
	assert.NoError(t, err)
	_, err = localCh.SendMsg([]byte("frag-two"), false)
	assert.NoError(t, err)

	select {
	case f := <-delivered:
		assert.Equal(t, "frag-one-frag-two", string(f.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("reassembled message was never delivered")
	}
}

func TestReassemblyRejectsInterleavedFragments(t *testing.T) {
	initiator, listener := dialPair(t)
	defer initiator.Close()
	defer listener.Close()

	ch, err := initiator.StartChannel(context.Background(), []string{echoProfileURI}, "", "")
	assert.NoError(t, err)

	remoteCh, ok := listener.Channel(ch.Number())
	assert.True(t, ok)
	remoteCh.SetCompleteFlag(true)

	err = listener.handleFrame(&Frame{Type: MSG, Channel: ch.Number(), Msgno: 1, Seqno: 0, More: true, Payload: []byte("a")})
	assert.NoError(t, err)

	err = listener.handleFrame(&Frame{Type: MSG, Channel: ch.Number(), Msgno: 2, Seqno: 1, More: true, Payload: []byte("b")})
	assert.Error(t, err)
	pe, ok := AsProtocolError(err)
	assert.True(t, ok)
	assert.Equal(t, KindChannelManagement, pe.Kind)
	assert.True(t, pe.Fatal)
}
