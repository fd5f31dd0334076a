// Package terminal implements functions for responding to user
// input and dispatching to appropriate backend commands.
package terminal

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"

	"github.com/go-delve/runctl/pkg/dwarf/regnum"
	"github.com/go-delve/runctl/pkg/proc"
)

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands of the runctl terminal.
type Commands struct {
	cmds    []command
	lastCmd cmdfunc
	lastArg string
}

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"break", "b"}, group: breakCmds, cmdFn: breakpoint, helpMsg: `Sets a breakpoint.

	break [<location>] [if <condition>]

The location is one of:

	*<address>	an instruction address, for example *0x401136
	<file>:<line>	the first statement of a source line
	<function>	the entry point of a function

Without a location the breakpoint is set at the current instruction. A
breakpoint on a function of a shared library that is not loaded yet is
created pending and set when the library is loaded.

See also: "help condition", "help tbreak" and "help hbreak"`},
		{aliases: []string{"tbreak"}, group: breakCmds, cmdFn: tbreakpoint, helpMsg: `Sets a breakpoint that is deleted the first time it stops the program.

	tbreak <location> [if <condition>]`},
		{aliases: []string{"hbreak"}, group: breakCmds, cmdFn: hbreakpoint, helpMsg: `Sets a hardware breakpoint.

	hbreak <location>

Hardware breakpoints use a debug register and do not modify the memory of the program.`},
		{aliases: []string{"watch"}, group: breakCmds, cmdFn: watchpoint, helpMsg: `Sets a watchpoint.

	watch [-w|-rw|-change|-scope] <address> [<size>]
	watch -expr <expression>

The first form watches size bytes (1, 2, 4 or 8, default 8) at address using a
debug register:

	-w	stop when the memory is written (default)
	-rw	stop when the memory is read or written
	-change	stop when a write changes the value
	-scope	like -w, the watchpoint is deleted when the selected frame returns

The second form evaluates expression after every instruction and stops when its
value changes, this is very slow.`},
		{aliases: []string{"catch"}, group: breakCmds, cmdFn: catchpoint, helpMsg: `Sets a catchpoint.

	catch throw|catch|fork|exec

	throw	stop when an exception is thrown
	catch	stop when an exception is caught
	fork	stop when the program forks
	exec	stop when the program executes a new program`},
		{aliases: []string{"breakpoints", "bp"}, group: breakCmds, cmdFn: breakpoints, helpMsg: "Print out info for active breakpoints, watchpoints and catchpoints."},
		{aliases: []string{"delete", "clear"}, group: breakCmds, cmdFn: clear, helpMsg: `Deletes breakpoints.

	delete [<id>...]

Without arguments all breakpoints are deleted.`},
		{aliases: []string{"enable"}, group: breakCmds, cmdFn: enable, helpMsg: `Enables breakpoints.

	enable <id>...`},
		{aliases: []string{"disable"}, group: breakCmds, cmdFn: disable, helpMsg: `Disables breakpoints.

	disable <id>...`},
		{aliases: []string{"condition", "cond"}, group: breakCmds, cmdFn: conditionCmd, helpMsg: `Set breakpoint condition.

	condition <id> [<expression>]

Specifies that the breakpoint should stop the program only if the expression is
true. Without an expression the condition is removed. Expressions are starlark
expressions over the registers of the stopped thread (rax, rsp, pc...), tid,
frame and the memory access functions u8, u16, u32, u64 and cstring.`},
		{aliases: []string{"ignore"}, group: breakCmds, cmdFn: ignore, helpMsg: `Ignores the next hits of a breakpoint.

	ignore <id> <count>`},
		{aliases: []string{"commands"}, group: breakCmds, cmdFn: commandsCmd, helpMsg: `Sets the commands executed when a breakpoint stops the program.

	commands <id> [<command>[; <command>]...]

Without commands the list is cleared.`},
		{aliases: []string{"restrict"}, group: breakCmds, cmdFn: restrict, helpMsg: `Restricts a breakpoint to some threads.

	restrict <id> [<thread id>...]

Without thread ids the restriction is removed.`},
		{aliases: []string{"handle"}, group: runCmds, cmdFn: handle, helpMsg: `Specifies how signals are handled.

	handle [<signal> [<action>...]]

Actions are stop, nostop, print, noprint, pass (or noignore) and nopass (or
ignore). Without actions the current handling of signal is printed, without
arguments the handling of all signals that differ from the default is printed.`},
		{aliases: []string{"continue", "c"}, group: runCmds, cmdFn: cont, helpMsg: "Run until breakpoint or program termination."},
		{aliases: []string{"step", "s"}, group: runCmds, cmdFn: step, helpMsg: "Single step through program, entering called functions."},
		{aliases: []string{"next", "n"}, group: runCmds, cmdFn: next, helpMsg: "Step over to next source line."},
		{aliases: []string{"stepi", "si"}, group: runCmds, cmdFn: stepInstruction, helpMsg: "Single step a single cpu instruction."},
		{aliases: []string{"nexti", "ni"}, group: runCmds, cmdFn: nextInstruction, helpMsg: "Single step a single cpu instruction, stepping over calls."},
		{aliases: []string{"stepout", "finish", "so"}, group: runCmds, cmdFn: stepout, helpMsg: "Step out of the selected function."},
		{aliases: []string{"until", "u"}, group: runCmds, cmdFn: until, helpMsg: `Continue until a location or a greater source line is reached.

	until [<location>]

Without a location it works like next but does not go backwards in loops.
With a location the program runs until it reaches the location or the
current function returns.`},
		{aliases: []string{"jump"}, group: runCmds, cmdFn: jump, helpMsg: `Resumes the current thread at a location.

	jump <location>`},
		{aliases: []string{"detach"}, group: runCmds, cmdFn: detach, helpMsg: `Detaches from the program.

	detach [-kill]`},
		{aliases: []string{"threads"}, group: threadCmds, cmdFn: threads, helpMsg: "Print out info for every traced thread."},
		{aliases: []string{"thread", "tr"}, group: threadCmds, cmdFn: thread, helpMsg: `Switch to the specified thread.

	thread <id>`},
		{aliases: []string{"process", "inferior"}, group: threadCmds, cmdFn: process, helpMsg: `Lists or switches between the processes being debugged.

	process [<pid>]

More than one process is debugged when follow-fork-mode is both.`},
		{aliases: []string{"stack", "bt"}, group: stackCmds, cmdFn: stack, helpMsg: `Print stack trace.

	stack [<depth>]`},
		{aliases: []string{"frame"}, group: stackCmds, cmdFn: frameCmd, helpMsg: `Selects a frame.

	frame [<n>]`},
		{aliases: []string{"up"}, group: stackCmds, cmdFn: up, helpMsg: `Move the selected frame up.

	up [<n>]`},
		{aliases: []string{"down"}, group: stackCmds, cmdFn: down, helpMsg: `Move the selected frame down.

	down [<n>]`},
		{aliases: []string{"regs"}, group: dataCmds, cmdFn: regs, helpMsg: "Print contents of the registers of the selected frame."},
		{aliases: []string{"set"}, group: dataCmds, cmdFn: setReg, helpMsg: `Changes the value of a register of the innermost frame.

	set <register> = <value>`},
		{aliases: []string{"print", "p"}, group: dataCmds, cmdFn: printExpr, helpMsg: `Evaluate an expression.

	print <expression>

See "help condition" for the syntax of expressions.`},
		{aliases: []string{"examinemem", "x"}, group: dataCmds, cmdFn: examineMemory, helpMsg: `Examine raw memory at the given address.

	examinemem <address> [<count>]`},
		{aliases: []string{"info"}, cmdFn: info, helpMsg: `Prints information about the program.

	info sharedlibrary|breakpoints|registers|threads|signals|frame`},
		{aliases: []string{"libraries", "sharedlibrary"}, cmdFn: libraries, helpMsg: "List loaded shared libraries."},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: "Exit the debugger."},
	}

	sort.Sort(byFirstAlias(c.cmds))
	return c
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

// Register custom commands. Expects cf to be a func of type cmdfunc,
// returning only an error.
func (c *Commands) Register(cmdstr string, cf cmdfunc, helpMsg string) {
	for i := range c.cmds {
		if c.cmds[i].match(cmdstr) {
			c.cmds[i].cmdFn = cf
			return
		}
	}

	c.cmds = append(c.cmds, command{aliases: []string{cmdstr}, cmdFn: cf, helpMsg: helpMsg})
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
// If the command is an empty string it will replay the last command.
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		if c.lastCmd != nil {
			return c.lastCmd
		}
		return nullCommand
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}

	return noCmdAvailable
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	if cmdname == "" {
		args = c.lastArg
	}
	cmd := c.Find(cmdname)
	if isRepeatable(cmdname, c) {
		c.lastCmd, c.lastArg = cmd, args
	} else if cmdname != "" {
		c.lastCmd, c.lastArg = nil, ""
	}
	return cmd(t, args)
}

// isRepeatable returns true for the commands that an empty line repeats.
func isRepeatable(cmdname string, c *Commands) bool {
	for _, cmd := range c.cmds {
		if cmd.match(cmdname) {
			return cmd.group == runCmds && cmd.aliases[0] != "detach" && cmd.aliases[0] != "handle" || cmd.aliases[0] == "examinemem"
		}
	}
	return false
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
}

var noCmdError = errors.New("command not available")

func noCmdAvailable(t *Term, args string) error {
	return noCmdError
}

func nullCommand(t *Term, args string) error {
	return nil
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					fmt.Fprintln(t.stdout, cmd.helpMsg)
					return nil
				}
			}
		}
		return noCmdError
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// splitArgs splits args like a shell would, quotes group words.
func splitArgs(args string) ([]string, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal argument list '%s'", args)
	}
	return v[0], nil
}

func parseID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not a valid id", s)
	}
	return id, nil
}

func parseIDs(args string) ([]int, error) {
	fields := strings.Fields(args)
	ids := make([]int, 0, len(fields))
	for _, s := range fields {
		id, err := parseID(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseAddress(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "*")
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a valid address", s)
	}
	return addr, nil
}

// locSpec is a parsed location.
type locSpec struct {
	addr   uint64
	file   string
	line   int
	symbol string
}

func parseLocation(s string) (locSpec, error) {
	switch {
	case s == "":
		return locSpec{}, errors.New("no location specified")
	case strings.HasPrefix(s, "*"):
		addr, err := parseAddress(s)
		return locSpec{addr: addr}, err
	}
	if i := strings.LastIndex(s, ":"); i > 0 && s[i-1] != ':' {
		line, err := strconv.Atoi(s[i+1:])
		if err != nil || line <= 0 {
			return locSpec{}, fmt.Errorf("invalid line number in %q", s)
		}
		return locSpec{file: s[:i], line: line}, nil
	}
	if s[0] >= '0' && s[0] <= '9' {
		addr, err := parseAddress(s)
		return locSpec{addr: addr}, err
	}
	return locSpec{symbol: s}, nil
}

// address resolves a location to an address.
func (loc locSpec) address(t *Term) (uint64, error) {
	bi := t.ctrl.DebugInfo()
	switch {
	case loc.file != "":
		return bi.LineToPC(loc.file, loc.line)
	case loc.symbol != "":
		return bi.LookupSymbol(loc.symbol)
	}
	return loc.addr, nil
}

func (loc locSpec) set(t *Term) (*proc.EventPoint, error) {
	switch {
	case loc.file != "":
		return t.ctrl.SetBreakpointAtLine(loc.file, loc.line)
	case loc.symbol != "":
		return t.ctrl.SetBreakpointAtSymbol(loc.symbol)
	}
	return t.ctrl.SetBreakpoint(loc.addr)
}

// splitCondition splits "<location> if <condition>".
func splitCondition(args string) (string, string) {
	if strings.HasPrefix(args, "if ") {
		return "", strings.TrimSpace(args[3:])
	}
	if i := strings.Index(args, " if "); i >= 0 {
		return strings.TrimSpace(args[:i]), strings.TrimSpace(args[i+4:])
	}
	return strings.TrimSpace(args), ""
}

func currentPC(t *Term) (uint64, error) {
	f, err := t.ctrl.SelectedFrame()
	if err != nil {
		return 0, err
	}
	return f.Current.PC, nil
}

func setBreakpoint(t *Term, args string, disp proc.Disposition) (*proc.EventPoint, error) {
	locstr, cond := splitCondition(args)
	var loc locSpec
	if locstr == "" {
		pc, err := currentPC(t)
		if err != nil {
			return nil, err
		}
		loc.addr = pc
	} else {
		var err error
		if loc, err = parseLocation(locstr); err != nil {
			return nil, err
		}
	}
	ep, err := loc.set(t)
	if err != nil {
		return nil, err
	}
	if cond != "" {
		if err := t.ctrl.SetCondition(ep.ID, cond); err != nil {
			t.ctrl.ClearEventPoint(ep.ID)
			return nil, err
		}
	}
	if disp != proc.DispKeep {
		t.ctrl.SetDisposition(ep.ID, disp)
	}
	fmt.Fprintf(t.stdout, "%s set\n", formatEventPoint(ep))
	return ep, nil
}

func breakpoint(t *Term, args string) error {
	_, err := setBreakpoint(t, args, proc.DispKeep)
	return err
}

func tbreakpoint(t *Term, args string) error {
	_, err := setBreakpoint(t, args, proc.DispDelete)
	return err
}

func hbreakpoint(t *Term, args string) error {
	loc, err := parseLocation(args)
	if err != nil {
		return err
	}
	addr, err := loc.address(t)
	if err != nil {
		return err
	}
	ep, err := t.ctrl.SetHardwareBreakpoint(addr)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s set\n", formatEventPoint(ep))
	return nil
}

func watchpoint(t *Term, args string) error {
	if strings.HasPrefix(args, "-expr ") {
		ep, err := t.ctrl.SetSoftwareWatchpoint(strings.TrimSpace(args[len("-expr "):]))
		if err != nil {
			return err
		}
		fmt.Fprintf(t.stdout, "%s set\n", formatEventPoint(ep))
		return nil
	}
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	wtype, scoped := proc.WatchWrite, false
	if len(v) > 0 && strings.HasPrefix(v[0], "-") {
		switch v[0] {
		case "-w":
		case "-rw":
			wtype = proc.WatchReadWrite
		case "-change":
			wtype = proc.WatchChange
		case "-scope":
			scoped = true
		default:
			return fmt.Errorf("unknown option %s", v[0])
		}
		v = v[1:]
	}
	if len(v) < 1 || len(v) > 2 {
		return errors.New("wrong number of arguments: watch [-w|-rw|-change|-scope] <address> [<size>]")
	}
	addr, err := parseAddress(v[0])
	if err != nil {
		return err
	}
	size := 8
	if len(v) == 2 {
		if size, err = strconv.Atoi(v[1]); err != nil {
			return fmt.Errorf("invalid size %q", v[1])
		}
	}
	var ep *proc.EventPoint
	if scoped {
		ep, err = t.ctrl.SetScopedWatchpoint(addr, size, wtype)
	} else {
		ep, err = t.ctrl.SetWatchpoint(addr, size, wtype)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s set\n", formatEventPoint(ep))
	return nil
}

func catchpoint(t *Term, args string) error {
	ev, err := proc.ParseCatchEvent(strings.TrimSpace(args))
	if err != nil {
		return err
	}
	ep, err := t.ctrl.SetCatchpoint(ev)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s set\n", formatEventPoint(ep))
	return nil
}

func formatEventPoint(ep *proc.EventPoint) string {
	s := ep.String()
	if c, ok := ep.Variant.(*proc.Catchpoint); ok {
		s += " (" + c.Event.String() + ")"
	}
	if w, ok := ep.Variant.(*proc.SoftwareWatchpoint); ok {
		s += " on " + w.Expr
	}
	return s
}

func breakpoints(t *Term, args string) error {
	eps := t.ctrl.EventPoints()
	if len(eps) == 0 {
		fmt.Fprintln(t.stdout, "No breakpoints.")
		return nil
	}
	for _, ep := range eps {
		fmt.Fprintln(t.stdout, formatEventPoint(ep))
		if ep.Cond != "" {
			fmt.Fprintf(t.stdout, "\tcond %s\n", ep.Cond)
		}
		if ep.CondError != nil {
			fmt.Fprintf(t.stdout, "\tcondition error: %v\n", ep.CondError)
		}
		if ep.IgnoreCount > 0 {
			fmt.Fprintf(t.stdout, "\tignore next %d hits\n", ep.IgnoreCount)
		}
		switch ep.Disposition {
		case proc.DispDelete:
			fmt.Fprintln(t.stdout, "\tdelete on stop")
		case proc.DispDisable:
			fmt.Fprintln(t.stdout, "\tdisable on stop")
		}
		if len(ep.Threads) > 0 {
			fmt.Fprintf(t.stdout, "\tthreads %v\n", ep.Threads)
		}
		for _, cmd := range ep.Commands {
			fmt.Fprintf(t.stdout, "\t> %s\n", cmd)
		}
	}
	return nil
}

func clear(t *Term, args string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		for _, ep := range t.ctrl.EventPoints() {
			ids = append(ids, ep.ID)
		}
	}
	for _, id := range ids {
		if err := t.ctrl.ClearEventPoint(id); err != nil {
			return err
		}
		fmt.Fprintf(t.stdout, "Breakpoint %d cleared\n", id)
	}
	return nil
}

func enable(t *Term, args string) error {
	return forEachID(args, t.ctrl.EnableEventPoint)
}

func disable(t *Term, args string) error {
	return forEachID(args, t.ctrl.DisableEventPoint)
}

func forEachID(args string, fn func(int) error) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return errors.New("no breakpoint id specified")
	}
	for _, id := range ids {
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

// splitID splits "<id> <rest>".
func splitID(args string) (int, string, error) {
	vals := strings.SplitN(strings.TrimSpace(args), " ", 2)
	if vals[0] == "" {
		return 0, "", errors.New("no breakpoint id specified")
	}
	id, err := parseID(vals[0])
	if err != nil {
		return 0, "", err
	}
	rest := ""
	if len(vals) > 1 {
		rest = strings.TrimSpace(vals[1])
	}
	return id, rest, nil
}

func conditionCmd(t *Term, args string) error {
	id, cond, err := splitID(args)
	if err != nil {
		return err
	}
	return t.ctrl.SetCondition(id, cond)
}

func ignore(t *Term, args string) error {
	id, rest, err := splitID(args)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return fmt.Errorf("invalid count %q", rest)
	}
	return t.ctrl.SetIgnoreCount(id, n)
}

func commandsCmd(t *Term, args string) error {
	id, rest, err := splitID(args)
	if err != nil {
		return err
	}
	var cmds []string
	for _, cmd := range strings.Split(rest, ";") {
		if cmd = strings.TrimSpace(cmd); cmd != "" {
			cmds = append(cmds, cmd)
		}
	}
	return t.ctrl.SetCommands(id, cmds)
}

func restrict(t *Term, args string) error {
	id, rest, err := splitID(args)
	if err != nil {
		return err
	}
	tids, err := parseIDs(rest)
	if err != nil {
		return err
	}
	return t.ctrl.SetThreadFilter(id, tids)
}

func handle(t *Term, args string) error {
	st := t.ctrl.Signals()
	v := strings.Fields(args)
	if len(v) == 0 {
		changed := st.Changed()
		if len(changed) == 0 {
			fmt.Fprintln(t.stdout, "All signals use the default handling.")
		}
		printSignals(t.stdout, st, changed)
		return nil
	}
	sig, ok := proc.SignalNumber(v[0])
	if !ok {
		return fmt.Errorf("unknown signal %q", v[0])
	}
	if _, err := st.Handle(sig, v[1:]...); err != nil {
		return err
	}
	printSignals(t.stdout, st, []int{sig})
	return nil
}

func printSignals(out io.Writer, st *proc.SignalTable, sigs []int) {
	for _, sig := range sigs {
		fmt.Fprintf(out, "%-10s %s\n", proc.SignalName(sig), st.Policy(sig))
	}
}

// runCommand executes a run control function and announces the stop.
func runCommand(t *Term, fn func() (*proc.StopInfo, error)) error {
	si, err := fn()
	if err != nil {
		return err
	}
	return t.printStop(si)
}

func cont(t *Term, args string) error {
	return runCommand(t, t.ctrl.Continue)
}

func step(t *Term, args string) error {
	return runCommand(t, t.ctrl.Step)
}

func next(t *Term, args string) error {
	return runCommand(t, t.ctrl.Next)
}

func stepInstruction(t *Term, args string) error {
	return runCommand(t, t.ctrl.StepInstruction)
}

func nextInstruction(t *Term, args string) error {
	return runCommand(t, t.ctrl.NextInstruction)
}

func stepout(t *Term, args string) error {
	return runCommand(t, t.ctrl.StepOut)
}

func until(t *Term, args string) error {
	if args == "" {
		return runCommand(t, t.ctrl.Until)
	}
	loc, err := parseLocation(args)
	if err != nil {
		return err
	}
	addr, err := loc.address(t)
	if err != nil {
		return err
	}
	return runCommand(t, func() (*proc.StopInfo, error) { return t.ctrl.UntilAddress(addr) })
}

func jump(t *Term, args string) error {
	loc, err := parseLocation(args)
	if err != nil {
		return err
	}
	addr, err := loc.address(t)
	if err != nil {
		return err
	}
	return runCommand(t, func() (*proc.StopInfo, error) { return t.ctrl.Jump(addr) })
}

func detach(t *Term, args string) error {
	kill := false
	switch args {
	case "":
	case "-kill":
		kill = true
	default:
		return fmt.Errorf("unknown option %s", args)
	}
	return t.ctrl.Detach(kill)
}

func exitCommand(t *Term, args string) error {
	return ExitRequestError{}
}

func threads(t *Term, args string) error {
	cur := t.ctrl.CurrentThread()
	for _, th := range t.ctrl.Threads() {
		prefix := "  "
		if cur != nil && th.ID == cur.ID {
			prefix = "* "
		}
		fmt.Fprintf(t.stdout, "%sThread %d", prefix, th.ID)
		if th.Running {
			fmt.Fprintln(t.stdout, " (running)")
			continue
		}
		if th.Status != nil {
			fmt.Fprintf(t.stdout, " %s", th.Status)
		}
		fmt.Fprintln(t.stdout)
	}
	return nil
}

func thread(t *Term, args string) error {
	tid, err := parseID(args)
	if err != nil {
		return err
	}
	if err := t.ctrl.SwitchThread(tid); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Switched to thread %d\n", tid)
	return printFrame(t)
}

// controllers returns every controller of the terminal, the main one
// first.
func (t *Term) controllers() []*proc.Controller {
	t.othersMu.Lock()
	defer t.othersMu.Unlock()
	r := []*proc.Controller{t.ctrl}
	for _, c := range t.others {
		dup := false
		for _, c2 := range r {
			if c2 == c {
				dup = true
			}
		}
		if !dup {
			r = append(r, c)
		}
	}
	return r
}

func process(t *Term, args string) error {
	if args == "" {
		for _, c := range t.controllers() {
			prefix := "  "
			if c == t.ctrl {
				prefix = "* "
			}
			fmt.Fprintf(t.stdout, "%sProcess %d %s (session %s)\n", prefix, c.Pid(), c.State(), c.SessionID)
		}
		return nil
	}
	pid, err := parseID(args)
	if err != nil {
		return err
	}
	for _, c := range t.controllers() {
		if c.Pid() == pid {
			t.othersMu.Lock()
			if t.ctrl != c {
				t.others = append(t.others, t.ctrl)
			}
			t.ctrl = c
			t.othersMu.Unlock()
			fmt.Fprintf(t.stdout, "Switched to process %d\n", pid)
			return nil
		}
	}
	return fmt.Errorf("process %d is not being debugged", pid)
}

func stack(t *Term, args string) error {
	depth := -1
	if args != "" {
		var err error
		if depth, err = strconv.Atoi(args); err != nil || depth <= 0 {
			return fmt.Errorf("invalid depth %q", args)
		}
	}
	frames, corrupted, err := t.ctrl.Stacktrace()
	if err != nil {
		return err
	}
	sel, _ := t.ctrl.SelectedFrame()
	for i := range frames {
		if depth > 0 && i >= depth {
			fmt.Fprintf(t.stdout, "(truncated)\n")
			return nil
		}
		prefix := "  "
		if sel != nil && sel.Index == frames[i].Index {
			prefix = "* "
		}
		fmt.Fprintf(t.stdout, "%s%s\n", prefix, formatFrame(&frames[i]))
	}
	if corrupted {
		fmt.Fprintln(t.stdout, "(stack may be corrupt, could not unwind further)")
	}
	return nil
}

func formatFrame(f *proc.Stackframe) string {
	s := fmt.Sprintf("#%-2d %s", f.Index, f.Current.String())
	if f.Sigtramp {
		s += " <signal handler called>"
	}
	return s
}

func printFrame(t *Term) error {
	f, err := t.ctrl.SelectedFrame()
	if err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, formatFrame(f))
	return nil
}

func optionalCount(args string) (int, error) {
	if args == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(args)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid count %q", args)
	}
	return n, nil
}

func frameCmd(t *Term, args string) error {
	if args == "" {
		return printFrame(t)
	}
	n, err := strconv.Atoi(args)
	if err != nil {
		return fmt.Errorf("invalid frame %q", args)
	}
	if _, err := t.ctrl.SelectFrame(n); err != nil {
		return err
	}
	return printFrame(t)
}

func up(t *Term, args string) error {
	n, err := optionalCount(args)
	if err != nil {
		return err
	}
	if _, err := t.ctrl.Up(n); err != nil {
		return err
	}
	return printFrame(t)
}

func down(t *Term, args string) error {
	n, err := optionalCount(args)
	if err != nil {
		return err
	}
	if _, err := t.ctrl.Down(n); err != nil {
		return err
	}
	return printFrame(t)
}

func regs(t *Term, args string) error {
	f, err := t.ctrl.SelectedFrame()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	for _, num := range regnum.AMD64GeneralRegisters() {
		name := regnum.AMD64ToName(num)
		if r := f.Regs.Reg(num); r != nil {
			fmt.Fprintf(w, "%s\t%#016x\t%d\n", name, r.Uint64Val, r.Uint64Val)
		} else {
			fmt.Fprintf(w, "%s\t<not saved>\t\n", name)
		}
	}
	return w.Flush()
}

func setReg(t *Term, args string) error {
	var name, val string
	if i := strings.Index(args, "="); i >= 0 {
		name, val = strings.TrimSpace(args[:i]), strings.TrimSpace(args[i+1:])
	} else if v := strings.Fields(args); len(v) == 2 {
		name, val = v[0], v[1]
	}
	if name == "" || val == "" {
		return errors.New("wrong arguments: set <register> = <value>")
	}
	n, err := strconv.ParseInt(val, 0, 64)
	if err != nil {
		u, uerr := strconv.ParseUint(val, 0, 64)
		if uerr != nil {
			return fmt.Errorf("invalid value %q", val)
		}
		n = int64(u)
	}
	return t.ctrl.SetRegister(strings.TrimPrefix(name, "$"), uint64(n))
}

func printExpr(t *Term, args string) error {
	if args == "" {
		return errors.New("not enough arguments")
	}
	v, err := t.ctrl.Evaluate(args)
	if err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, v.Repr)
	return nil
}

const maxExamineCount = 1000

func examineMemory(t *Term, args string) error {
	v := strings.Fields(args)
	if len(v) < 1 || len(v) > 2 {
		return errors.New("wrong arguments: examinemem <address> [<count>]")
	}
	addr, err := parseAddress(v[0])
	if err != nil {
		return err
	}
	count := 16
	if len(v) == 2 {
		if count, err = strconv.Atoi(v[1]); err != nil || count <= 0 || count > maxExamineCount {
			return fmt.Errorf("invalid count %q", v[1])
		}
	}
	mem, err := t.ctrl.Memory()
	if err != nil {
		return err
	}
	buf := make([]byte, count)
	if _, err := mem.ReadMemory(buf, addr); err != nil {
		return err
	}
	fmt.Fprint(t.stdout, formatMemory(addr, buf))
	return nil
}

func formatMemory(addr uint64, buf []byte) string {
	var b strings.Builder
	for i := 0; i < len(buf); i += 8 {
		fmt.Fprintf(&b, "%#016x:", addr+uint64(i))
		for j := i; j < i+8 && j < len(buf); j++ {
			fmt.Fprintf(&b, " %02x", buf[j])
		}
		b.WriteString("\n")
	}
	return b.String()
}

func info(t *Term, args string) error {
	v := strings.SplitN(args, " ", 2)
	rest := ""
	if len(v) > 1 {
		rest = v[1]
	}
	switch v[0] {
	case "sharedlibrary", "shared", "libraries":
		return libraries(t, rest)
	case "breakpoints", "break", "b":
		return breakpoints(t, rest)
	case "registers", "regs":
		return regs(t, rest)
	case "threads":
		return threads(t, rest)
	case "signals", "handle":
		return handle(t, rest)
	case "frame":
		return printFrame(t)
	}
	return fmt.Errorf("unknown info command %q", args)
}

func libraries(t *Term, args string) error {
	libs := t.ctrl.SharedLibraries()
	if len(libs) == 0 {
		fmt.Fprintln(t.stdout, "No shared libraries loaded.")
		return nil
	}
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	for i, lib := range libs {
		fmt.Fprintf(w, "%d\t%#x\t%s\n", i, lib.Base, lib.Path)
	}
	return w.Flush()
}
