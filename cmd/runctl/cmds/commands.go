package cmds

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-delve/runctl/pkg/bininfo"
	"github.com/go-delve/runctl/pkg/config"
	"github.com/go-delve/runctl/pkg/logflags"
	"github.com/go-delve/runctl/pkg/proc"
	"github.com/go-delve/runctl/pkg/proc/native"
	"github.com/go-delve/runctl/pkg/proc/starexpr"
	"github.com/go-delve/runctl/pkg/terminal"
	"github.com/go-delve/runctl/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configFile overrides the default configuration file.
	configFile string
	// workingDir is the working directory for running the program.
	workingDir string
	// disableASLR disables address space randomization of launched programs.
	disableASLR bool
	// followFork overrides the follow-fork-mode of the configuration file.
	followFork string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command
)

const runctlCommandLongDesc = `runctl is a run-control debugger for native x86-64 Linux programs.

It starts or attaches to a program and lets you stop it with breakpoints,
hardware watchpoints and catchpoints, step it by instruction or by source
line and inspect its threads, registers and call stack.

Pass flags to the program you are debugging using ` + "`--`" + `, for example:

` + "`runctl exec ./server -- --port 8080`"

// New returns an initialized command tree.
func New() *cobra.Command {
	rootCommand = &cobra.Command{
		Use:   "runctl",
		Short: "runctl is a run-control debugger for native programs.",
		Long:  runctlCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugger logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'runctl help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'runctl help log').")
	rootCommand.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file, defaults to config.yml in the runctl configuration directory.")
	rootCommand.PersistentFlags().StringVar(&followFork, "follow-fork-mode", "", "Process to follow after a fork: parent, child or both.")

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid",
		Short: "Attach to running process and begin debugging.",
		Long: `Attach to an already running process and begin debugging it.

The process is stopped while runctl is attached to it. On exit runctl
detaches from the process and lets it run.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.New("you must provide a PID")
			}
			return nil
		},
		Run: attachCmd,
	}
	rootCommand.AddCommand(attachCommand)

	// 'exec' subcommand.
	execCommand := &cobra.Command{
		Use:   "exec <path/to/binary> [-- args]",
		Short: "Execute a binary, and begin a debug session.",
		Long: `Execute a binary and begin a debug session.

The program is stopped at its first instruction, before the dynamic loader
runs. Breakpoints on functions of shared libraries stay pending until the
library is loaded. On exit runctl kills the program.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a path to a binary")
			}
			return nil
		},
		Run: execCmd,
	}
	execCommand.Flags().StringVar(&workingDir, "wd", "", "Working directory for running the program.")
	execCommand.Flags().BoolVar(&disableASLR, "disable-aslr", true, "Disables address space randomization.")
	rootCommand.AddCommand(execCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("runctl\n%s\n", version.RunctlVersion)
			if log {
				fmt.Printf("%s\n", version.BuildInfo())
			}
		},
	}
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	runctl		Log stops, resumes and state changes of the run-control loop
	evpt		Log insertion and removal of event points
	unwind		Log the frame builder
	ptrace		Log every call to the native backend
	expr		Log evaluation of conditions and expressions
	bininfo		Log loading of executables and shared libraries

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	rootCommand.SetGlobalNormalizationFunc(normalizeFlagName)
	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// normalizeFlagName accepts underscores in place of dashes, so that
// --log_output and --log-output are the same flag.
func normalizeFlagName(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func attachCmd(cmd *cobra.Command, args []string) {
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid pid: %s\n", args[0])
		os.Exit(1)
	}
	os.Exit(execute(pid, nil))
}

func execCmd(cmd *cobra.Command, args []string) {
	os.Exit(execute(0, args))
}

// loadConfig reads the configuration file and applies the command line
// overrides.
func loadConfig() (*config.Config, error) {
	var conf *config.Config
	if configFile != "" {
		var err error
		conf, err = config.LoadConfigFrom(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		conf = config.LoadConfig()
	}
	if followFork != "" {
		conf.FollowForkMode = followFork
	}
	return conf, conf.Validate()
}

// options converts the configuration into the options of a controller.
func options(conf *config.Config) (proc.Options, error) {
	var opts proc.Options
	var err error
	opts.FollowFork, err = proc.ParseFollowForkMode(conf.FollowForkMode)
	if err != nil {
		return opts, err
	}
	opts.StopOnSolibEvents = conf.StopOnSolibEvents
	opts.BacktracePastMain = conf.BacktracePastMain
	opts.MaxStackDepth = conf.GetMaxStackDepth()
	if conf.HardwareDebugRegisters != nil {
		opts.HardwareDebugRegisters = *conf.HardwareDebugRegisters
	}
	opts.StepOverCalls = conf.StepOverCalls
	if len(conf.Signals) > 0 {
		opts.Signals = make(map[int]proc.SignalPolicy, len(conf.Signals))
		for name, sc := range conf.Signals {
			sig, ok := proc.SignalNumber(name)
			if !ok {
				return opts, fmt.Errorf("unknown signal %q in configuration", name)
			}
			var p proc.SignalPolicy
			if sc.Stop {
				p |= proc.SigStop | proc.SigPrint
			}
			if sc.Print {
				p |= proc.SigPrint
			}
			if sc.Pass {
				p |= proc.SigPass
			}
			opts.Signals[sig] = p
		}
	}
	return opts, nil
}

func execute(attachPid int, processArgs []string) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	conf, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	opts, err := options(conf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	var (
		p    *native.Process
		bi   *bininfo.BinaryInfo
		path string
	)
	if attachPid != 0 {
		p, err = native.Attach(attachPid)
		if err != nil {
			fmt.Fprintf(os.Stderr, "could not attach to pid %d: %v\n", attachPid, err)
			return 1
		}
		path = fmt.Sprintf("/proc/%d/exe", attachPid)
	} else {
		path, err = filepath.Abs(processArgs[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		var flags native.LaunchFlags
		if disableASLR {
			flags |= native.LaunchDisableASLR
		}
		p, err = native.Launch(append([]string{path}, processArgs[1:]...), workingDir, flags)
		if err != nil {
			fmt.Fprintf(os.Stderr, "could not launch process: %v\n", err)
			return 1
		}
	}

	bi, err = bininfo.Load(path, p.Pid())
	if err != nil {
		p.Detach(attachPid == 0)
		fmt.Fprintf(os.Stderr, "could not load %s: %v\n", path, err)
		return 1
	}

	ctrl := proc.New(proc.AMD64Arch("linux"), bi, starexpr.New(), opts)
	if err := ctrl.Attach(p); err != nil {
		p.Detach(attachPid == 0)
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	logflags.RunctlLogger().Debugf("session %s: debugging process %d (%s)", ctrl.SessionID, p.Pid(), path)

	term := terminal.New(ctrl, conf)
	term.KillOnExit = attachPid == 0
	status, err := term.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	return status
}
