//go:build linux && amd64

package native

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/runctl/pkg/logflags"
	"github.com/go-delve/runctl/pkg/proc"
)

// Process statuses
const (
	statusSleeping  = 'S'
	statusRunning   = 'R'
	statusTraceStop = 't'
	statusZombie    = 'Z'

	// Kernel 2.6 has TraceStop as T
	statusTraceStopT = 'T'

	personalityGetPersonality = 0xffffffff // argument to pass to personality syscall to get the current personality
	_ADDR_NO_RANDOMIZE        = 0x0040000  // ADDR_NO_RANDOMIZE linux constant
)

const ptraceOptions = sys.PTRACE_O_TRACECLONE | sys.PTRACE_O_TRACEFORK | sys.PTRACE_O_TRACEVFORK | sys.PTRACE_O_TRACEEXEC

// LaunchFlags modify the way a program is started.
type LaunchFlags uint8

const (
	// LaunchDisableASLR disables address space randomization for the new
	// process.
	LaunchDisableASLR LaunchFlags = 1 << iota
)

// Process is a process traced with ptrace. It implements proc.Process.
type Process struct {
	pid     int
	comm    string
	threads map[int]*nativeThread
	t       *tracer

	childProcess bool // this process was launched, not attached to
	exited       bool
	detached     bool
}

var _ proc.Process = (*Process)(nil)

type nativeThread struct {
	ID  int
	dbp *Process

	running bool
	// stopPending is set when Halt sent a SIGSTOP to the thread and the
	// thread stopped for a different reason, the SIGSTOP will be reported
	// after the thread is resumed.
	stopPending bool
}

// Launch creates and begins debugging a new process. First entry in
// `cmd` is the program to run, and then rest are the arguments
// to be supplied to that process. `wd` is working directory of the program.
// The process is stopped at its first instruction.
func Launch(cmd []string, wd string, flags LaunchFlags) (*Process, error) {
	if len(cmd) == 0 {
		return nil, errors.New("no command")
	}
	var (
		process *exec.Cmd
		err     error
	)
	t := newTracer()
	t.execPtraceFunc(func() {
		if flags&LaunchDisableASLR != 0 {
			oldPersonality, _, err := syscall.Syscall(sys.SYS_PERSONALITY, personalityGetPersonality, 0, 0)
			if err == syscall.Errno(0) {
				newPersonality := oldPersonality | _ADDR_NO_RANDOMIZE
				syscall.Syscall(sys.SYS_PERSONALITY, newPersonality, 0, 0)
				defer syscall.Syscall(sys.SYS_PERSONALITY, oldPersonality, 0, 0)
			}
		}

		process = exec.Command(cmd[0])
		process.Args = cmd
		process.Stdin = os.Stdin
		process.Stdout = os.Stdout
		process.Stderr = os.Stderr
		process.SysProcAttr = &syscall.SysProcAttr{
			Ptrace:  true,
			Setpgid: true,
		}
		if wd != "" {
			process.Dir = wd
		}
		err = process.Start()
	})
	if err != nil {
		t.close()
		return nil, err
	}
	dbp := newProcess(process.Process.Pid, t)
	dbp.childProcess = true
	if _, _, err := dbp.waitFast(dbp.pid); err != nil {
		dbp.postExit()
		return nil, fmt.Errorf("waiting for target execve failed: %s", err)
	}
	if err := dbp.initialize(false); err != nil {
		_ = dbp.Detach(true)
		return nil, err
	}
	return dbp, nil
}

// Attach to an existing process with the given PID.
func Attach(pid int) (*Process, error) {
	t := newTracer()
	dbp := newProcess(pid, t)

	var err error
	dbp.execPtraceFunc(func() { err = ptraceAttach(dbp.pid) })
	if err != nil {
		dbp.postExit()
		return nil, err
	}
	if _, _, err = dbp.waitFast(dbp.pid); err != nil {
		dbp.postExit()
		return nil, err
	}
	if err := dbp.initialize(true); err != nil {
		_ = dbp.Detach(false)
		return nil, err
	}
	return dbp, nil
}

func newProcess(pid int, t *tracer) *Process {
	dbp := &Process{
		pid:     pid,
		threads: make(map[int]*nativeThread),
		t:       t,
	}
	t.add(dbp)
	return dbp
}

func (dbp *Process) initialize(attach bool) error {
	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", dbp.pid))
	if err == nil {
		// removes newline character
		comm = bytes.TrimSuffix(comm, []byte("\n"))
	}
	dbp.comm = string(comm)
	return dbp.updateThreadList(attach)
}

func (dbp *Process) updateThreadList(attach bool) error {
	tids, _ := filepath.Glob(fmt.Sprintf("/proc/%d/task/*", dbp.pid))
	for _, tidpath := range tids {
		tidstr := filepath.Base(tidpath)
		tid, err := strconv.Atoi(tidstr)
		if err != nil {
			return err
		}
		if _, err := dbp.addThread(tid, attach && tid != dbp.pid); err != nil {
			return err
		}
	}
	if len(dbp.threads) == 0 {
		// /proc not mounted
		_, err := dbp.addThread(dbp.pid, false)
		return err
	}
	return nil
}

// Attach to a newly created thread, and store that thread in our list of
// known threads.
func (dbp *Process) addThread(tid int, attach bool) (*nativeThread, error) {
	if thread, ok := dbp.threads[tid]; ok {
		return thread, nil
	}

	var err error
	if attach {
		dbp.execPtraceFunc(func() { err = sys.PtraceAttach(tid) })
		if err != nil && err != sys.EPERM {
			// Do not return err if err == EPERM,
			// we may already be tracing this thread due to
			// PTRACE_O_TRACECLONE. We will surely blow up later
			// if we truly don't have permissions.
			return nil, fmt.Errorf("could not attach to new thread %d %s", tid, err)
		}
		pid, status, err := dbp.waitFast(tid)
		if err != nil {
			return nil, err
		}
		if status.Exited() {
			return nil, fmt.Errorf("thread already exited %d", pid)
		}
	}

	dbp.execPtraceFunc(func() { err = syscall.PtraceSetOptions(tid, ptraceOptions) })
	if err == syscall.ESRCH {
		if _, _, err = dbp.waitFast(tid); err != nil {
			return nil, fmt.Errorf("error while waiting after adding thread: %d %s", tid, err)
		}
		dbp.execPtraceFunc(func() { err = syscall.PtraceSetOptions(tid, ptraceOptions) })
	}
	if err != nil {
		return nil, fmt.Errorf("could not set options for new traced thread %d %s", tid, err)
	}

	th := &nativeThread{ID: tid, dbp: dbp}
	dbp.threads[tid] = th
	if logflags.Ptrace() {
		logflags.PtraceLogger().Debugf("new thread %d of %d", tid, dbp.pid)
	}
	return th, nil
}

// Pid returns the process ID.
func (dbp *Process) Pid() int {
	return dbp.pid
}

// ExecutablePath returns the path of the executable of the process.
func (dbp *Process) ExecutablePath() string {
	return fmt.Sprintf("/proc/%d/exe", dbp.pid)
}

// ThreadList returns the ids of the threads of the process.
func (dbp *Process) ThreadList() []int {
	r := make([]int, 0, len(dbp.threads))
	for tid := range dbp.threads {
		r = append(r, tid)
	}
	return r
}

// ReportsThreadEvents returns true, thread creation and exit are reported
// by ptrace.
func (dbp *Process) ReportsThreadEvents() bool { return true }

func (dbp *Process) thread(tid int) (*nativeThread, error) {
	if dbp.exited {
		return nil, proc.ErrProcessExited{Pid: dbp.pid}
	}
	th, ok := dbp.threads[tid]
	if !ok {
		return nil, fmt.Errorf("unknown thread %d", tid)
	}
	return th, nil
}

// memthread returns the thread used for memory accesses.
func (dbp *Process) memthread() (*nativeThread, error) {
	if th, ok := dbp.threads[dbp.pid]; ok {
		return th, nil
	}
	for _, th := range dbp.threads {
		return th, nil
	}
	return nil, proc.ErrProcessExited{Pid: dbp.pid}
}

func (dbp *Process) ReadMemory(buf []byte, addr uint64) (int, error) {
	if dbp.exited {
		return 0, proc.ErrProcessExited{Pid: dbp.pid}
	}
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := processVmRead(dbp.pid, uintptr(addr), buf)
	if err == nil && n == len(buf) {
		return n, nil
	}
	th, err := dbp.memthread()
	if err != nil {
		return 0, err
	}
	dbp.execPtraceFunc(func() { n, err = sys.PtracePeekData(th.ID, uintptr(addr), buf) })
	return n, err
}

func (dbp *Process) WriteMemory(addr uint64, data []byte) (int, error) {
	if dbp.exited {
		return 0, proc.ErrProcessExited{Pid: dbp.pid}
	}
	if len(data) == 0 {
		return 0, nil
	}
	th, err := dbp.memthread()
	if err != nil {
		return 0, err
	}
	var n int
	dbp.execPtraceFunc(func() { n, err = sys.PtracePokeData(th.ID, uintptr(addr), data) })
	return n, err
}

func (dbp *Process) Resume(tid int, sig int) error {
	th, err := dbp.thread(tid)
	if err != nil {
		return err
	}
	return th.resumeWithSig(sig)
}

func (dbp *Process) SingleStep(tid int, sig int) error {
	th, err := dbp.thread(tid)
	if err != nil {
		return err
	}
	return th.singleStep(sig)
}

// RequestStop sends SIGSTOP to the process, it is safe to call from any
// goroutine.
func (dbp *Process) RequestStop() error {
	if dbp.exited {
		return proc.ErrProcessExited{Pid: dbp.pid}
	}
	return sys.Kill(dbp.pid, sys.SIGSTOP)
}

// Wait waits for the next stop of a thread of the process.
func (dbp *Process) Wait() (*proc.WaitEvent, error) {
	if dbp.exited {
		return nil, proc.ErrProcessExited{Pid: dbp.pid}
	}
	for {
		wpid, status, err := dbp.t.wait(dbp)
		if err != nil {
			return nil, fmt.Errorf("wait err %s %d", err, dbp.pid)
		}
		ev, err := dbp.handleStatus(wpid, status, false)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			if logflags.Ptrace() {
				logflags.PtraceLogger().Debugf("wait: %s", ev)
			}
			return ev, nil
		}
	}
}

// Halt stops every running thread except the one with id except.
func (dbp *Process) Halt(except int) ([]*proc.WaitEvent, error) {
	if dbp.exited {
		return nil, nil
	}
	for _, th := range dbp.threads {
		if th.ID == except || !th.running {
			continue
		}
		if err := th.stop(); err != nil {
			if err == sys.ESRCH {
				// thread exited, the exit is reported by wait
				continue
			}
			return nil, err
		}
		th.stopPending = true
	}

	var events []*proc.WaitEvent
	for dbp.anyRunning(except) {
		wpid, status, err := dbp.t.wait(dbp)
		if err != nil {
			return events, fmt.Errorf("wait err %s %d", err, dbp.pid)
		}
		ev, err := dbp.handleStatus(wpid, status, true)
		if err != nil {
			return events, err
		}
		if ev == nil {
			continue
		}
		events = append(events, ev)
		if ev.Kind == proc.EventExited || ev.Kind == proc.EventKilled {
			break
		}
	}
	return events, nil
}

func (dbp *Process) anyRunning(except int) bool {
	for _, th := range dbp.threads {
		if th.ID != except && th.running {
			return true
		}
	}
	return false
}

// handleStatus decodes the wait status of thread wpid, it returns nil if
// the stop is not interesting to the controller.
func (dbp *Process) handleStatus(wpid int, status *sys.WaitStatus, halting bool) (*proc.WaitEvent, error) {
	th := dbp.threads[wpid]
	if th != nil {
		th.running = false
	}
	switch {
	case status.Exited():
		if wpid == dbp.pid {
			dbp.postExit()
			return &proc.WaitEvent{Kind: proc.EventExited, Tid: wpid, ExitStatus: status.ExitStatus()}, nil
		}
		delete(dbp.threads, wpid)
		return &proc.WaitEvent{Kind: proc.EventThreadExit, Tid: wpid}, nil
	case status.Signaled():
		if wpid == dbp.pid {
			dbp.postExit()
			return &proc.WaitEvent{Kind: proc.EventKilled, Tid: wpid, Signal: int(status.Signal())}, nil
		}
		// does this ever happen?
		delete(dbp.threads, wpid)
		return &proc.WaitEvent{Kind: proc.EventThreadExit, Tid: wpid}, nil
	case !status.Stopped():
		return nil, nil
	}
	if th == nil {
		// Sometimes we get an unknown thread, ignore it?
		return nil, nil
	}

	sig := status.StopSignal()
	if sig == sys.SIGTRAP {
		switch status.TrapCause() {
		case sys.PTRACE_EVENT_CLONE:
			// A traced thread has cloned a new thread, grab the pid and
			// add it to our list of traced threads.
			cloned, err := dbp.eventMsg(wpid)
			if err != nil {
				return nil, err
			}
			if err := dbp.adoptThread(cloned); err != nil {
				if err == sys.ESRCH {
					// thread died while we were adding it
					delete(dbp.threads, cloned)
					return nil, th.resume()
				}
				return nil, err
			}
			return &proc.WaitEvent{Kind: proc.EventClone, Tid: wpid, NewID: cloned}, nil
		case sys.PTRACE_EVENT_FORK, sys.PTRACE_EVENT_VFORK:
			pid, err := dbp.eventMsg(wpid)
			if err != nil {
				return nil, err
			}
			child, err := dbp.adoptChild(pid)
			if err != nil {
				return nil, err
			}
			return &proc.WaitEvent{Kind: proc.EventFork, Tid: wpid, NewID: pid, Child: child}, nil
		case sys.PTRACE_EVENT_EXEC:
			// The thread that called exec now has the id of the thread
			// group leader and every other thread is gone.
			dbp.execed()
			return &proc.WaitEvent{Kind: proc.EventExec, Tid: dbp.pid}, nil
		case 0:
		default:
			return nil, th.resume()
		}
		dr6, err := th.debugStatus()
		if err != nil {
			return nil, err
		}
		return &proc.WaitEvent{Kind: proc.EventTrap, Tid: wpid, DebugStatus: dr6}, nil
	}

	if sig == sys.SIGSTOP && th.stopPending {
		th.stopPending = false
		if halting {
			return nil, nil
		}
		// stop requested by Halt, received after the thread was resumed
		return nil, th.resume()
	}
	return &proc.WaitEvent{Kind: proc.EventSignal, Tid: wpid, Signal: int(sig)}, nil
}

func (dbp *Process) eventMsg(tid int) (int, error) {
	var msg uint
	var err error
	dbp.execPtraceFunc(func() { msg, err = sys.PtraceGetEventMsg(tid) })
	if err != nil {
		return 0, fmt.Errorf("could not get event message: %s", err)
	}
	return int(msg), nil
}

// adoptThread waits for the initial stop of a thread created by clone.
func (dbp *Process) adoptThread(tid int) error {
	if _, err := dbp.t.waitInitialStop(tid); err != nil {
		return err
	}
	_, err := dbp.addThread(tid, false)
	return err
}

// adoptChild waits for the initial stop of a process created by fork, the
// child is traced by the same tracer as its parent.
func (dbp *Process) adoptChild(pid int) (*Process, error) {
	if _, err := dbp.t.waitInitialStop(pid); err != nil {
		return nil, err
	}
	child := newProcess(pid, dbp.t)
	child.comm = dbp.comm
	child.childProcess = true
	if _, err := child.addThread(pid, false); err != nil {
		return nil, err
	}
	return child, nil
}

func (dbp *Process) execed() {
	for tid := range dbp.threads {
		if tid != dbp.pid {
			delete(dbp.threads, tid)
			dbp.t.forget(tid)
		}
	}
	if _, ok := dbp.threads[dbp.pid]; !ok {
		dbp.threads[dbp.pid] = &nativeThread{ID: dbp.pid, dbp: dbp}
	}
	if comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", dbp.pid)); err == nil {
		dbp.comm = string(bytes.TrimSuffix(comm, []byte("\n")))
	}
}

// Detach from the process being debugged, optionally killing it.
func (dbp *Process) Detach(kill bool) error {
	if dbp.exited {
		return nil
	}
	if kill {
		return dbp.kill()
	}
	var err error
	dbp.execPtraceFunc(func() {
		for tid := range dbp.threads {
			err = ptraceDetach(tid, 0)
			if err != nil && err != sys.ESRCH {
				return
			}
			err = nil
		}
	})
	if err != nil {
		return err
	}
	dbp.detached = true
	// For some reason the process will sometimes enter stopped state after a
	// detach, this doesn't happen immediately either.
	// We have to wait a bit here, then check if the main thread is stopped and
	// SIGCONT it if it is.
	time.Sleep(50 * time.Millisecond)
	if s := status(dbp.pid); s == statusTraceStopT {
		_ = sys.Kill(dbp.pid, sys.SIGCONT)
	}
	dbp.postExit()
	return nil
}

// kill kills the target process.
func (dbp *Process) kill() error {
	if err := sys.Kill(dbp.pid, sys.SIGKILL); err != nil {
		return errors.New("could not deliver signal " + err.Error())
	}
	for !dbp.exited {
		wpid, status, err := dbp.t.wait(dbp)
		if err != nil {
			dbp.postExit()
			return err
		}
		if wpid == dbp.pid && (status.Exited() || status.Signaled()) {
			dbp.postExit()
			return nil
		}
		delete(dbp.threads, wpid)
	}
	return nil
}

func (dbp *Process) postExit() {
	if dbp.exited {
		return
	}
	dbp.exited = true
	for tid := range dbp.threads {
		dbp.t.forget(tid)
	}
	dbp.t.remove(dbp)
}

func (dbp *Process) execPtraceFunc(fn func()) {
	dbp.t.execPtraceFunc(fn)
}

// waitFast is like wait but does not handle process-exit correctly
func (dbp *Process) waitFast(pid int) (int, *sys.WaitStatus, error) {
	var s sys.WaitStatus
	wpid, err := sys.Wait4(pid, &s, sys.WALL, nil)
	return wpid, &s, err
}

// status returns the state letter of /proc/pid/stat.
func status(pid int) rune {
	f, err := os.Open(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return '\000'
	}
	defer f.Close()
	return parseStatState(bufio.NewReader(f))
}

// parseStatState returns the third field of a /proc/pid/stat line. The
// second field is the name of the task in parentheses, since both
// parenthesis and spaces can appear inside it the last closing
// parenthesis ends it.
func parseStatState(rd *bufio.Reader) rune {
	line, _ := rd.ReadString('\n')
	i := bytes.LastIndexByte([]byte(line), ')')
	if i < 0 || i+2 >= len(line) {
		return '\000'
	}
	return rune(line[i+2])
}
