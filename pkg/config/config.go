package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

const (
	configDir       string = "runctl"
	configDirHidden string = ".runctl"
	configFile      string = "config.yml"
)

// DefaultMaxStackDepth is the number of frames the frame builder walks
// before giving up.
const DefaultMaxStackDepth = 1024

// SignalConfig describes how a signal received by the target is handled.
type SignalConfig struct {
	// Stop returns control to the user when the signal is received.
	Stop bool `yaml:"stop"`
	// Print announces the signal.
	Print bool `yaml:"print"`
	// Pass delivers the signal to the target when it is resumed.
	Pass bool `yaml:"pass"`
}

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// FollowForkMode is one of "parent", "child" or "both".
	FollowForkMode string `yaml:"follow-fork-mode,omitempty"`

	// StopOnSolibEvents makes the debugger stop every time a shared
	// library is loaded or unloaded.
	StopOnSolibEvents bool `yaml:"stop-on-solib-events"`

	// BacktracePastMain lets stack traces continue into the C runtime
	// startup code.
	BacktracePastMain bool `yaml:"backtrace-past-main"`

	// MaxStackDepth is the maximum number of frames built for a stack
	// trace.
	MaxStackDepth *int `yaml:"max-stack-depth,omitempty"`

	// HardwareDebugRegisters limits the number of debug registers used
	// for hardware breakpoints and watchpoints.
	HardwareDebugRegisters *int `yaml:"hardware-debug-registers,omitempty"`

	// StepOverCalls makes stepi step over call instructions.
	StepOverCalls bool `yaml:"step-over-calls"`

	// Signals overrides the default handling of signals, keyed by signal
	// name (for example SIGUSR1).
	Signals map[string]SignalConfig `yaml:"signals,omitempty"`
}

// GetMaxStackDepth returns the configured maximum stack depth.
func (c *Config) GetMaxStackDepth() int {
	if c.MaxStackDepth == nil || *c.MaxStackDepth <= 0 {
		return DefaultMaxStackDepth
	}
	return *c.MaxStackDepth
}

// Validate checks values that can not be expressed in the yaml schema.
func (c *Config) Validate() error {
	switch c.FollowForkMode {
	case "", "parent", "child", "both":
	default:
		return fmt.Errorf("invalid follow-fork-mode %q (must be parent, child or both)", c.FollowForkMode)
	}
	if c.HardwareDebugRegisters != nil && *c.HardwareDebugRegisters < 0 {
		return fmt.Errorf("invalid hardware-debug-registers %d", *c.HardwareDebugRegisters)
	}
	return nil
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	c, err := readConfig(f)
	if err != nil {
		fmt.Printf("%v.", err)
		return &Config{}
	}
	return c
}

// LoadConfigFrom reads the configuration from path, used when the
// configuration file is specified on the command line.
func LoadConfigFrom(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readConfig(f)
}

func readConfig(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for the runctl debugger.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Which process to keep debugging after a fork: parent, child or both.
# follow-fork-mode: parent

# Stop every time the dynamic linker loads or unloads a shared library.
# stop-on-solib-events: false

# Continue stack traces past the main function.
# backtrace-past-main: false

# Maximum number of frames in a stack trace.
# max-stack-depth: 1024

# Use at most this many hardware debug registers.
# hardware-debug-registers: 4

# Make stepi step over call instructions.
# step-over-calls: false

# Override how signals are handled.
# signals:
#   SIGALRM: {stop: false, print: false, pass: true}
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if configPath := os.Getenv("XDG_CONFIG_HOME"); configPath != "" {
		return filepath.Join(configPath, configDir, file), nil
	}

	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return filepath.Join(userHomeDir, configDirHidden, file), nil
}
