package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/go-delve/liner"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/go-delve/runctl/pkg/config"
	"github.com/go-delve/runctl/pkg/proc"
)

const (
	historyFile                 string = ".runctl_history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiRed    = 31
	ansiGreen  = 32
	ansiYellow = 33
	ansiBlue   = 34
)

// Term represents the terminal running runctl.
type Term struct {
	ctrl   *proc.Controller
	conf   *config.Config
	prompt string
	line   *liner.State
	cmds   *Commands
	color  bool
	stdout io.Writer
	stderr io.Writer

	// KillOnExit kills the target when the terminal exits, otherwise the
	// debugger detaches from it.
	KillOnExit bool

	queueDepth int

	// others are controllers created by following both sides of a fork.
	othersMu sync.Mutex
	others   []*proc.Controller
}

// ExitRequestError is returned when the user exits the terminal.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

// New returns a new Term for ctrl.
func New(ctrl *proc.Controller, conf *config.Config) *Term {
	if conf == nil {
		conf = &config.Config{}
	}
	cmds := DebugCommands()
	if conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}

	color := strings.ToLower(os.Getenv("TERM")) != "dumb" && isatty.IsTerminal(os.Stdout.Fd())

	t := &Term{
		ctrl:   ctrl,
		conf:   conf,
		prompt: "(runctl) ",
		cmds:   cmds,
		color:  color,
		stdout: colorable.NewColorableStdout(),
		stderr: os.Stderr,
	}
	t.hook(ctrl)
	return t
}

// hook makes the terminal print the notifications of c.
func (t *Term) hook(c *proc.Controller) {
	c.OnMessage = func(msg string) {
		fmt.Fprintln(t.stdout, msg)
	}
	c.OnNewController = func(child *proc.Controller) {
		t.othersMu.Lock()
		t.others = append(t.others, child)
		t.othersMu.Unlock()
		t.hook(child)
		fmt.Fprintf(t.stdout, "Following child process %d\n", child.Pid())
	}
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	if t.line != nil {
		t.line.Close()
	}
}

func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		switch t.ctrl.State() {
		case proc.Running, proc.Stepping, proc.InternalStepping, proc.ContinueThenStep:
			fmt.Fprintln(t.stdout, "received SIGINT, stopping process")
			if err := t.ctrl.Interrupt(); err != nil {
				fmt.Fprintf(t.stderr, "%v\n", err)
			}
		}
	}
}

// Run begins running runctl in the terminal.
func (t *Term) Run() (int, error) {
	t.line = liner.NewLiner()
	t.line.SetCtrlCAborts(true)
	defer t.Close()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	defer signal.Stop(ch)
	go t.sigintGuard(ch)

	t.line.SetCompleter(func(line string) (c []string) {
		for _, cmd := range t.cmds.cmds {
			for _, alias := range cmd.aliases {
				if strings.HasPrefix(alias, strings.ToLower(line)) {
					c = append(c, alias)
				}
			}
		}
		return
	})

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}
	if f, err := os.Open(fullHistoryFile); err == nil {
		t.line.ReadHistory(f)
		f.Close()
	}
	fmt.Fprintln(t.stdout, "Type 'help' for list of commands.")

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit(fullHistoryFile)
			}
			if errors.Is(err, liner.ErrPromptAborted) {
				continue
			}
			return 1, fmt.Errorf("prompt for input failed: %v", err)
		}

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit(fullHistoryFile)
			}
			fmt.Fprintf(t.stderr, "Command failed: %s\n", err)
		}
	}
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) handleExit(fullHistoryFile string) (int, error) {
	if fullHistoryFile != "" {
		if f, err := os.Create(fullHistoryFile); err == nil {
			if _, err := t.line.WriteHistory(f); err != nil {
				fmt.Println("readline history error:", err)
			}
			f.Close()
		}
	}

	t.othersMu.Lock()
	others := t.others
	t.othersMu.Unlock()
	for _, c := range others {
		if err := c.Detach(t.KillOnExit); err != nil {
			fmt.Fprintf(t.stderr, "could not detach from %d: %v\n", c.Pid(), err)
		}
	}
	if err := t.ctrl.Detach(t.KillOnExit); err != nil {
		return 1, err
	}
	return 0, nil
}

// colorize wraps s in the escape codes of color if the output is a
// terminal.
func (t *Term) colorize(color int, s string) string {
	if !t.color {
		return s
	}
	return fmt.Sprintf(terminalHighlightEscapeCode, color) + s + terminalResetEscapeCode
}

// printStop announces a stop of the program and runs the commands queued
// by the event points that caused it.
func (t *Term) printStop(si *proc.StopInfo) error {
	if si == nil {
		return nil
	}
	color := ansiBlue
	switch si.Reason {
	case proc.StopExited, proc.StopKilled:
		color = ansiRed
	case proc.StopSignal:
		color = ansiYellow
	case proc.StopBreakpoint, proc.StopWatchpoint:
		color = ansiGreen
	}
	lines := strings.Split(si.String(), "\n")
	lines[0] = t.colorize(color, lines[0])
	fmt.Fprintln(t.stdout, strings.Join(lines, "\n"))
	for _, ep := range si.EventPoints {
		if ep.CondError != nil {
			fmt.Fprintf(t.stdout, "error evaluating condition of %s: %v\n", ep, ep.CondError)
		}
	}
	return t.runQueuedCommands()
}

// runQueuedCommands executes the commands of the event points hit at the
// last stop. A queued command that resumes the program can queue more
// commands, they run nested.
func (t *Term) runQueuedCommands() error {
	cmds := t.ctrl.DrainCommands()
	if len(cmds) == 0 {
		return nil
	}
	if t.queueDepth >= maxQueueDepth {
		return errors.New("too many nested breakpoint commands")
	}
	t.queueDepth++
	defer func() { t.queueDepth-- }()
	for _, cmdstr := range cmds {
		fmt.Fprintf(t.stdout, "> %s\n", cmdstr)
		if err := t.cmds.Call(cmdstr, t); err != nil {
			return err
		}
	}
	return nil
}

const maxQueueDepth = 100
