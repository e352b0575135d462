package beep

import "sync"

// dispatcher runs application FrameHandler callbacks on a bounded
// worker pool so one slow handler cannot stall the connection's single
// reader goroutine (spec §5, §4.7). Grounded on the teacher's
// SkipThreadPoolWait/WorkerPoolSize knobs (client/config.go) generalized
// from "one worker per RPC wait" into a shared pool serving every
// channel's frame handler.
type dispatcher struct {
	conn *Connection
	jobs chan dispatchJob
	wg   sync.WaitGroup
}

type dispatchJob struct {
	ch   *Channel
	f    *Frame
	sync bool
	done chan struct{}
}

func newDispatcher(conn *Connection, poolSize int) *dispatcher {
	if poolSize <= 0 {
		poolSize = 1
	}
	d := &dispatcher{conn: conn, jobs: make(chan dispatchJob, 64)}
	for i := 0; i < poolSize; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.jobs {
		d.invoke(job)
	}
}

func (d *dispatcher) invoke(job dispatchJob) {
	defer func() {
		if job.done != nil {
			close(job.done)
		}
	}()

	job.ch.recvMu.Lock()
	handler := job.ch.frameHandler
	job.ch.recvMu.Unlock()
	if handler == nil {
		handler = d.conn.profileFrameHandler(job.ch.profileURI)
	}
	if handler == nil {
		return
	}

	correlationID := d.conn.newCorrelationID()
	d.conn.trace.Dispatched(correlationID, job.ch.number, job.f.Msgno)
	handler(job.ch, job.f)
}

// submit enqueues a frame for handler invocation. When the channel has
// serialize enabled, submit blocks until the handler has completed so
// frames for that channel are never handled out of arrival order
// (spec §5 Ordering guarantees; channel-to-channel ordering is not
// promised, matching the worker pool's fan-out).
func (d *dispatcher) submit(ch *Channel, f *Frame) {
	ch.recvMu.Lock()
	serialize := ch.serializeEnabled
	ch.recvMu.Unlock()

	if !serialize {
		d.jobs <- dispatchJob{ch: ch, f: f}
		return
	}

	done := make(chan struct{})
	d.jobs <- dispatchJob{ch: ch, f: f, sync: true, done: done}
	<-done
}

// drain blocks until every queued job has been serviced and stops the
// workers (spec §4.3.3, Options.SkipThreadPoolWait).
func (d *dispatcher) drain() {
	close(d.jobs)
	d.wg.Wait()
}
