package beep

import (
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"
)

func TestWaitReplyDeliversFrame(t *testing.T) {
	wr := newWaitReply(5)
	want := &Frame{Type: RPY, Msgno: 5}
	wr.deliver(want)

	got, err := wr.wait(time.Second)
	assert.NoError(t, err)
	assert.Same(t, want, got)
}

func TestWaitReplyDeliverBrokenPipe(t *testing.T) {
	wr := newWaitReply(5)
	wr.deliverBrokenPipe()

	_, err := wr.wait(time.Second)
	assert.ErrorIs(t, err, ErrBrokenPipe)
}

func TestWaitReplyTimesOut(t *testing.T) {
	wr := newWaitReply(5)
	_, err := wr.wait(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWaitReplyAnsSeriesThenNul(t *testing.T) {
	wr := newWaitReply(9)
	wr.deliver(&Frame{Type: ANS, Msgno: 9, Ansno: 0})
	wr.deliver(&Frame{Type: ANS, Msgno: 9, Ansno: 1})
	wr.deliver(&Frame{Type: NUL, Msgno: 9})

	for i := 0; i < 2; i++ {
		f, err := wr.wait(time.Second)
		assert.NoError(t, err)
		assert.False(t, isTerminal(f))
	}
	f, err := wr.wait(time.Second)
	assert.NoError(t, err)
	assert.True(t, isTerminal(f))
}
