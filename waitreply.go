package beep

import "time"

// waitReply is the rendezvous object of spec §3 "Wait-reply object": it
// turns the asynchronous arrival of RPY/ERR/ANS/NUL frames for one
// msgno into a synchronous return for a blocked caller. Go's garbage
// collector makes the source's manual refcounting unnecessary (spec §9
// Design Notes); a buffered channel is enough.
type waitReply struct {
	msgno uint32
	queue chan waitReplyResult
}

type waitReplyResult struct {
	frame  *Frame
	broken bool
}

// waitReplyQueueDepth bounds the rendezvous channel; an ANS/NUL series
// longer than this would block the delivering goroutine until the
// caller drains it, which is acceptable back-pressure, not a bug.
const waitReplyQueueDepth = 32

func newWaitReply(msgno uint32) *waitReply {
	return &waitReply{msgno: msgno, queue: make(chan waitReplyResult, waitReplyQueueDepth)}
}

func (w *waitReply) deliver(f *Frame) {
	w.queue <- waitReplyResult{frame: f}
}

func (w *waitReply) deliverBrokenPipe() {
	w.queue <- waitReplyResult{broken: true}
}

// wait blocks until a reply frame arrives, the connection breaks, or
// timeout elapses. Terminal frame types (RPY, ERR, NUL) indicate the
// caller should stop calling wait for this msgno; ANS frames indicate
// more frames may follow (spec §4.2.1 wait_reply, §4.7).
func (w *waitReply) wait(timeout time.Duration) (*Frame, error) {
	if timeout <= 0 {
		r := <-w.queue
		return resolveWaitReplyResult(r)
	}
	select {
	case r := <-w.queue:
		return resolveWaitReplyResult(r)
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

func resolveWaitReplyResult(r waitReplyResult) (*Frame, error) {
	if r.broken {
		return nil, ErrBrokenPipe
	}
	return r.frame, nil
}

// isTerminal reports whether f ends the reply sequence for its msgno.
func isTerminal(f *Frame) bool {
	switch f.Type {
	case RPY, ERR, NUL:
		return true
	default:
		return false
	}
}
