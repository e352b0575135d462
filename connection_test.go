package beep

import (
	"context"
	"net"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"
)

const echoProfileURI = "http://example.com/beep/echo"

func newEchoProfile() *ProfileHandler {
	return &ProfileHandler{
		URI: echoProfileURI,
		OnStart: func(ch *Channel, initial []byte) {
			ch.SetFrameHandler(func(ch *Channel, f *Frame) {
				if f.Type == MSG {
					_ = ch.SendRPY(f.Msgno, f.Payload)
				}
			})
		},
	}
}

func dialPair(t *testing.T) (*Connection, *Connection) {
	t.Helper()
	clientPipe, serverPipe := net.Pipe()
	ctx := context.Background()

	listenerResult := make(chan *Connection, 1)
	go func() {
		conn, err := Accept(ctx, serverPipe, []*ProfileHandler{newEchoProfile()}, nil)
		assert.NoError(t, err)
		listenerResult <- conn
	}()

	initiator, err := Initiate(ctx, clientPipe, nil, nil)
	assert.NoError(t, err)

	listener := <-listenerResult
	return initiator, listener
}

func TestGreetingExchangeAdvertisesProfiles(t *testing.T) {
	initiator, listener := dialPair(t)
	defer initiator.Close()
	defer listener.Close()

	assert.True(t, initiator.peerProfiles[echoProfileURI])
}

func TestStartChannelAndEchoRoundTrip(t *testing.T) {
	initiator, listener := dialPair(t)
	defer initiator.Close()
	defer listener.Close()

	ch, err := initiator.StartChannel(context.Background(), []string{echoProfileURI}, "", "")
	assert.NoError(t, err)
	assert.Equal(t, ChannelOpen, ch.State())

	msgno, err := ch.SendMsg([]byte("ping"), false)
	assert.NoError(t, err)

	wr := ch.RegisterWaitReply(msgno)
	reply, err := wr.wait(2 * time.Second)
	assert.NoError(t, err)
	assert.Equal(t, RPY, reply.Type)
	assert.Equal(t, "ping", string(reply.Payload))
}

func TestStartChannelRejectsUnsupportedProfile(t *testing.T) {
	initiator, listener := dialPair(t)
	defer initiator.Close()
	defer listener.Close()

	_, err := initiator.StartChannel(context.Background(), []string{"http://example.com/beep/not-registered"}, "", "")
	assert.ErrorIs(t, err, ErrProfileNotSupported)
}

func TestChannelCloseCompletesAndRemovesChannel(t *testing.T) {
	initiator, listener := dialPair(t)
	defer initiator.Close()
	defer listener.Close()

	ch, err := initiator.StartChannel(context.Background(), []string{echoProfileURI}, "", "")
	assert.NoError(t, err)

	assert.NoError(t, ch.Close(context.Background(), 200, "done"))
	assert.Equal(t, ChannelClosed, ch.State())

	_, stillThere := initiator.Channel(ch.Number())
	assert.False(t, stillThere)
}
