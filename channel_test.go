package beep

import (
	"context"
	"net"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"
)

// TestReplyOrderingDefersOutOfOrderReplies drives two MSG frames
// through a real connection pair and has the receiving profile issue
// their replies in reverse order. The engine must still place the
// first message's reply on the wire before the second's, per the
// head-of-incomingMsgs invariant (spec §4.2.1/§4.2.4).
func TestReplyOrderingDefersOutOfOrderReplies(t *testing.T) {
	const reorderProfileURI = "http://example.com/beep/reorder"

	received := make(chan *Frame, 2)
	profile := &ProfileHandler{
		URI: reorderProfileURI,
		OnStart: func(ch *Channel, initial []byte) {
			ch.SetFrameHandler(func(ch *Channel, f *Frame) {
				if f.Type == MSG {
					received <- f
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

	localCh, err := initiator.StartChannel(ctx, []string{reorderProfileURI}, "", "")
	assert.NoError(t, err)

	msgno1, err := localCh.SendMsg([]byte("first"), false)
	assert.NoError(t, err)
	wr1 := localCh.RegisterWaitReply(msgno1)

	msgno2, err := localCh.SendMsg([]byte("second"), false)
	assert.NoError(t, err)
	wr2 := localCh.RegisterWaitReply(msgno2)

	f1 := <-received
	f2 := <-received
	assert.Equal(t, "first", string(f1.Payload))
	assert.Equal(t, "second", string(f2.Payload))

	remoteCh, ok := listener.Channel(localCh.Number())
	assert.True(t, ok)

	// Issue replies in reverse arrival order: the second reply must be
	// held back until the first has actually gone out.
	assert.NoError(t, remoteCh.SendRPY(f2.Msgno, []byte("reply-second")))
	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, remoteCh.SendRPY(f1.Msgno, []byte("reply-first")))

	got1, err := wr1.wait(2 * time.Second)
	assert.NoError(t, err)
	assert.Equal(t, "reply-first", string(got1.Payload))

	got2, err := wr2.wait(2 * time.Second)
	assert.NoError(t, err)
	assert.Equal(t, "reply-second", string(got2.Payload))
}

func TestSendNULRejectsDuplicate(t *testing.T) {
	const profileURI = "http://example.com/beep/nul"
	var remoteCh *Channel
	msgs := make(chan *Frame, 1)
	profile := &ProfileHandler{
		URI: profileURI,
		OnStart: func(ch *Channel, initial []byte) {
			remoteCh = ch
			ch.SetFrameHandler(func(ch *Channel, f *Frame) {
				if f.Type == MSG {
					msgs <- f
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

	_, err = localCh.SendMsg([]byte("req"), false)
	assert.NoError(t, err)

	f := <-msgs
	assert.NotNil(t, remoteCh)

	assert.NoError(t, remoteCh.SendNUL(f.Msgno))
	err = remoteCh.SendNUL(f.Msgno)
	assert.ErrorIs(t, err, ErrDuplicateNUL)
}
