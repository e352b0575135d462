package beep

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"
)

// TestSerializeEnabledPreservesHandlerCompletionOrder drives several
// pipelined MSGs through a channel with SetSerialize enabled and checks
// that the handler never starts frame N+1 before frame N's invocation
// returned, even though the worker pool has more than one slot
// (spec §5 Ordering guarantees).
func TestSerializeEnabledPreservesHandlerCompletionOrder(t *testing.T) {
	const profileURI = "http://example.com/beep/serialize"

	var mu sync.Mutex
	var order []string
	handlerReady := make(chan struct{})

	profile := &ProfileHandler{
		URI: profileURI,
		OnStart: func(ch *Channel, initial []byte) {
			ch.SetSerialize(true)
			ch.SetFrameHandler(func(ch *Channel, f *Frame) {
				if f.Type != MSG {
					return
				}
				mu.Lock()
				order = append(order, "start:"+string(f.Payload))
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				order = append(order, "end:"+string(f.Payload))
				mu.Unlock()
			})
			close(handlerReady)
		},
	}

	clientPipe, serverPipe := net.Pipe()
	ctx := context.Background()
	listenerResult := make(chan *Connection, 1)
	go func() {
		conn, _ := Accept(ctx, serverPipe, []*ProfileHandler{profile}, nil)
		listenerResult <- conn
	}()
	opts := DefaultOptions
	opts.WorkerPoolSize = 4
	initiator, err := Initiate(ctx, clientPipe, nil, &opts)
	assert.NoError(t, err)
	listener := <-listenerResult
	defer initiator.Close()
	defer listener.Close()

	ch, err := initiator.StartChannel(ctx, []string{profileURI}, "", "")
	assert.NoError(t, err)
	<-handlerReady

	for _, payload := range []string{"a", "b", "c"} {
		_, err := ch.SendMsg([]byte(payload), false)
		assert.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 6
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	expected := []string{"start:a", "end:a", "start:b", "end:b", "start:c", "end:c"}
	assert.Equal(t, expected, order)
}

func TestDrainStopsWorkersAndReturns(t *testing.T) {
	conn := &Connection{}
	d := newDispatcher(conn, 2)
	d.drain()
	// draining twice (directly) would panic on close of a closed channel;
	// guarding that is Connection.Close's closeOnce, exercised elsewhere.
}
