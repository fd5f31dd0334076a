//go:build linux && amd64

package native

import (
	"runtime"

	sys "golang.org/x/sys/unix"
)

// tracer owns the OS thread that issues ptrace requests. A process
// created by fork is traced by the tracer of its parent, so that one
// tracer can serve more than one Process.
type tracer struct {
	ptraceChan     chan func()
	ptraceDoneChan chan interface{}
	closed         bool

	procs []*Process
	// queued are statuses received while waiting for a different process.
	queued []waitResult
	// early are statuses of threads that were not known yet when they were
	// received, the initial stop of new threads and processes often
	// arrives before the event that created them.
	early map[int]*sys.WaitStatus
}

type waitResult struct {
	wpid   int
	status *sys.WaitStatus
}

func newTracer() *tracer {
	t := &tracer{
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
		early:          make(map[int]*sys.WaitStatus),
	}
	go t.handlePtraceFuncs()
	return t
}

func (t *tracer) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
	// all commands after PTRACE_ATTACH to come from the same thread.
	runtime.LockOSThread()

	for fn := range t.ptraceChan {
		fn()
		t.ptraceDoneChan <- nil
	}
}

func (t *tracer) execPtraceFunc(fn func()) {
	t.ptraceChan <- fn
	<-t.ptraceDoneChan
}

func (t *tracer) add(dbp *Process) {
	t.procs = append(t.procs, dbp)
}

// remove forgets dbp, the ptrace goroutine exits with the last process.
func (t *tracer) remove(dbp *Process) {
	for i := range t.procs {
		if t.procs[i] == dbp {
			t.procs = append(t.procs[:i], t.procs[i+1:]...)
			break
		}
	}
	if len(t.procs) == 0 {
		t.close()
	}
}

func (t *tracer) close() {
	if t.closed {
		return
	}
	t.closed = true
	close(t.ptraceChan)
}

// forget drops the statuses saved for thread tid.
func (t *tracer) forget(tid int) {
	delete(t.early, tid)
	for i := 0; i < len(t.queued); i++ {
		if t.queued[i].wpid == tid {
			t.queued = append(t.queued[:i], t.queued[i+1:]...)
			i--
		}
	}
}

func (t *tracer) owner(tid int) *Process {
	for _, dbp := range t.procs {
		if _, ok := dbp.threads[tid]; ok || tid == dbp.pid {
			return dbp
		}
	}
	return nil
}

// wait returns the next status of a thread of dbp. Statuses of the
// threads of other processes are queued for them.
func (t *tracer) wait(dbp *Process) (int, *sys.WaitStatus, error) {
	for i, r := range t.queued {
		if t.owner(r.wpid) == dbp {
			t.queued = append(t.queued[:i], t.queued[i+1:]...)
			return r.wpid, r.status, nil
		}
	}
	for {
		var s sys.WaitStatus
		wpid, err := sys.Wait4(-1, &s, sys.WALL, nil)
		if err != nil {
			return 0, nil, err
		}
		switch owner := t.owner(wpid); owner {
		case dbp:
			return wpid, &s, nil
		case nil:
			t.early[wpid] = &s
		default:
			t.queued = append(t.queued, waitResult{wpid, &s})
		}
	}
}

// waitInitialStop waits for the first stop of a thread created by clone
// or fork.
func (t *tracer) waitInitialStop(tid int) (*sys.WaitStatus, error) {
	if s, ok := t.early[tid]; ok {
		delete(t.early, tid)
		return s, nil
	}
	var s sys.WaitStatus
	_, err := sys.Wait4(tid, &s, sys.WALL, nil)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
