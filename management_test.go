package beep

import (
	"context"
	"net"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"
)

func TestStartChannelRejectedByPeerSurfacesChannelManagementError(t *testing.T) {
	clientPipe, serverPipe := net.Pipe()
	ctx := context.Background()

	listenerResult := make(chan *Connection, 1)
	go func() {
		// listener registers no profiles at all, so every start is rejected.
		conn, _ := Accept(ctx, serverPipe, nil, nil)
		listenerResult <- conn
	}()

	opts := DefaultOptions
	opts.EnforceProfilesSupported = false
	initiator, err := Initiate(ctx, clientPipe, nil, &opts)
	assert.NoError(t, err)
	listener := <-listenerResult
	defer initiator.Close()
	defer listener.Close()

	_, err = initiator.StartChannel(ctx, []string{"http://example.com/beep/unregistered"}, "", "")
	assert.Error(t, err)
	pe, ok := AsProtocolError(err)
	assert.True(t, ok)
	assert.Equal(t, KindChannelManagement, pe.Kind)
}

func TestConflictingServerNameIsCoercedToBoundValue(t *testing.T) {
	const profileURI = "http://example.com/beep/servername"
	profile := &ProfileHandler{URI: profileURI}

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

	_, err = initiator.StartChannel(ctx, []string{profileURI}, "first.example.com", "")
	assert.NoError(t, err)

	_, err = initiator.StartChannel(ctx, []string{profileURI}, "second.example.com", "")
	assert.NoError(t, err)

	assert.Equal(t, "first.example.com", listener.boundServerName)
}

func TestDeferredCloseCompletesOnlyAfterNotifyClose(t *testing.T) {
	const profileURI = "http://example.com/beep/deferred-close"
	var pendingMsgno uint32
	gotRequest := make(chan struct{})

	profile := &ProfileHandler{
		URI: profileURI,
		OnStart: func(ch *Channel, initial []byte) {
			ch.SetCloseRequestHandler(func(ch *Channel, msgno uint32) (accept bool, deferred bool) {
				pendingMsgno = msgno
				close(gotRequest)
				return false, true
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

	ch, err := initiator.StartChannel(ctx, []string{profileURI}, "", "")
	assert.NoError(t, err)

	closeDone := make(chan error, 1)
	go func() {
		closeDone <- ch.Close(context.Background(), 200, "bye")
	}()

	<-gotRequest

	select {
	case <-closeDone:
		t.Fatal("close completed before NotifyClose resolved the deferred request")
	case <-time.After(30 * time.Millisecond):
	}

	listener.NotifyClose(ch.Number(), pendingMsgno, true)

	err = <-closeDone
	assert.NoError(t, err)
	assert.Equal(t, ChannelClosed, ch.State())
}
