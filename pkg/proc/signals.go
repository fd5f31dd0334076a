package proc

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// SignalPolicy says what the controller does when a thread receives a
// signal.
type SignalPolicy uint8

const (
	// SigStop returns control to the user.
	SigStop SignalPolicy = 1 << iota
	// SigPrint announces the signal.
	SigPrint
	// SigPass delivers the signal to the program when it is resumed.
	SigPass
)

func (p SignalPolicy) String() string {
	yesno := func(b bool) string {
		if b {
			return "Yes"
		}
		return "No"
	}
	return fmt.Sprintf("Stop=%s Print=%s Pass=%s", yesno(p&SigStop != 0), yesno(p&SigPrint != 0), yesno(p&SigPass != 0))
}

// Linux signal numbers.
const (
	sigHUP    = 1
	sigINT    = 2
	sigQUIT   = 3
	sigILL    = 4
	sigTRAP   = 5
	sigABRT   = 6
	sigBUS    = 7
	sigFPE    = 8
	sigKILL   = 9
	sigUSR1   = 10
	sigSEGV   = 11
	sigUSR2   = 12
	sigPIPE   = 13
	sigALRM   = 14
	sigTERM   = 15
	sigSTKFLT = 16
	sigCHLD   = 17
	sigCONT   = 18
	sigSTOP   = 19
	sigTSTP   = 20
	sigTTIN   = 21
	sigTTOU   = 22
	sigURG    = 23
	sigXCPU   = 24
	sigXFSZ   = 25
	sigVTALRM = 26
	sigPROF   = 27
	sigWINCH  = 28
	sigIO     = 29
	sigPWR    = 30
	sigSYS    = 31
)

var signalNames = map[int]string{
	sigHUP: "SIGHUP", sigINT: "SIGINT", sigQUIT: "SIGQUIT", sigILL: "SIGILL",
	sigTRAP: "SIGTRAP", sigABRT: "SIGABRT", sigBUS: "SIGBUS", sigFPE: "SIGFPE",
	sigKILL: "SIGKILL", sigUSR1: "SIGUSR1", sigSEGV: "SIGSEGV", sigUSR2: "SIGUSR2",
	sigPIPE: "SIGPIPE", sigALRM: "SIGALRM", sigTERM: "SIGTERM", sigSTKFLT: "SIGSTKFLT",
	sigCHLD: "SIGCHLD", sigCONT: "SIGCONT", sigSTOP: "SIGSTOP", sigTSTP: "SIGTSTP",
	sigTTIN: "SIGTTIN", sigTTOU: "SIGTTOU", sigURG: "SIGURG", sigXCPU: "SIGXCPU",
	sigXFSZ: "SIGXFSZ", sigVTALRM: "SIGVTALRM", sigPROF: "SIGPROF", sigWINCH: "SIGWINCH",
	sigIO: "SIGIO", sigPWR: "SIGPWR", sigSYS: "SIGSYS",
}

// SignalName returns the name of signal sig.
func SignalName(sig int) string {
	if name, ok := signalNames[sig]; ok {
		return name
	}
	if sig >= 34 && sig <= 64 {
		return fmt.Sprintf("SIG%d", sig)
	}
	return fmt.Sprintf("signal %d", sig)
}

// SignalNumber parses a signal name (with or without the SIG prefix) or
// number.
func SignalNumber(name string) (int, bool) {
	if n, err := strconv.Atoi(name); err == nil && n > 0 && n <= 64 {
		return n, true
	}
	name = strings.ToUpper(name)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	for n, s := range signalNames {
		if s == name {
			return n, true
		}
	}
	return 0, false
}

// SignalTable holds the policy for every signal. Each controller owns
// its own table.
type SignalTable struct {
	policy map[int]SignalPolicy
}

const defaultSignalPolicy = SigStop | SigPrint | SigPass

// NewSignalTable returns a table with the conventional defaults: signals
// used for normal program operation are passed silently, SIGINT and
// SIGTRAP stop without being passed, everything else stops and is passed.
func NewSignalTable() *SignalTable {
	st := &SignalTable{policy: make(map[int]SignalPolicy)}
	for _, sig := range []int{sigALRM, sigURG, sigCHLD, sigWINCH, sigPROF, sigIO, sigVTALRM, sigINT, sigTRAP} {
		st.policy[sig] = initialPolicy(sig)
	}
	return st
}

func initialPolicy(sig int) SignalPolicy {
	switch sig {
	case sigALRM, sigURG, sigCHLD, sigWINCH, sigPROF, sigIO, sigVTALRM:
		return SigPass
	case sigINT, sigTRAP:
		return SigStop | SigPrint
	}
	return defaultSignalPolicy
}

// Policy returns the policy for sig.
func (st *SignalTable) Policy(sig int) SignalPolicy {
	if p, ok := st.policy[sig]; ok {
		return p
	}
	return defaultSignalPolicy
}

// Set changes the policy for sig.
func (st *SignalTable) Set(sig int, p SignalPolicy) {
	st.policy[sig] = p
}

// Handle applies keywords (stop, nostop, print, noprint, pass, nopass) to
// the policy of sig. Stopping implies printing, not printing implies not
// stopping.
func (st *SignalTable) Handle(sig int, keywords ...string) (SignalPolicy, error) {
	p := st.Policy(sig)
	for _, kw := range keywords {
		switch strings.ToLower(kw) {
		case "stop":
			p |= SigStop | SigPrint
		case "nostop":
			p &^= SigStop
		case "print":
			p |= SigPrint
		case "noprint":
			p &^= SigPrint | SigStop
		case "pass", "noignore":
			p |= SigPass
		case "nopass", "ignore":
			p &^= SigPass
		default:
			return p, fmt.Errorf("unknown signal action %q", kw)
		}
	}
	st.policy[sig] = p
	return p, nil
}

// Changed returns the signals whose policy differs from the default,
// sorted by number.
func (st *SignalTable) Changed() []int {
	r := []int{}
	for sig, p := range st.policy {
		if p != initialPolicy(sig) {
			r = append(r, sig)
		}
	}
	sort.Ints(r)
	return r
}

func (st *SignalTable) clone() *SignalTable {
	r := &SignalTable{policy: make(map[int]SignalPolicy, len(st.policy))}
	for sig, p := range st.policy {
		r.policy[sig] = p
	}
	return r
}
