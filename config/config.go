// Package config holds the loader configuration, read from a TOML file.
package config

import (
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/lazyload/emu"
	"github.com/sarchlab/lazyload/vm"
)

// Config is the complete loader configuration.
type Config struct {
	Memory MemoryConfig `toml:"memory"`
	Stack  StackConfig  `toml:"stack"`
	Exec   ExecConfig   `toml:"exec"`
	Log    LogConfig    `toml:"log"`
}

// MemoryConfig configures the emulated address space.
type MemoryConfig struct {
	// HostMemory selects what backs guest pages: "heap" or "mmap".
	// Default: "heap".
	HostMemory string `toml:"host_memory"`

	// TLBSets and TLBWays set the translation cache geometry. Zero in
	// both disables the TLB. Default: 64 sets, 4 ways.
	TLBSets int `toml:"tlb_sets"`
	TLBWays int `toml:"tlb_ways"`
}

// StackConfig places the initial stack.
type StackConfig struct {
	// Top is the address just above the stack. Must be page aligned.
	Top uint64 `toml:"top"`
	// Size is the stack size in bytes, a multiple of the page size.
	// Default: 1 MiB.
	Size uint64 `toml:"size"`
}

// ExecConfig bounds program execution.
type ExecConfig struct {
	// MaxInstructions stops the program with SIGXCPU after this many
	// instructions. 0 means no limit.
	MaxInstructions uint64 `toml:"max_instructions"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is a logrus level name. Default: "info".
	Level string `toml:"level"`
	// Format is "text" or "json". Default: "text".
	Format string `toml:"format"`
}

// Default returns the default configuration.
func Default() *Config {
	tlb := vm.DefaultTLBConfig()

	return &Config{
		Memory: MemoryConfig{
			HostMemory: vm.HostMemoryHeap,
			TLBSets:    tlb.Sets,
			TLBWays:    tlb.Ways,
		},
		Stack: StackConfig{
			Top:  emu.DefaultStackTop,
			Size: emu.DefaultStackSize,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration from a TOML file. Keys missing from the file
// keep their default values; unknown keys are an error.
func Load(path string) (*Config, error) {
	c := Default()

	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}

	return c, nil
}

// Save writes the configuration to a TOML file.
func (c *Config) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	return f.Close()
}

// Validate checks that the configuration can be used.
func (c *Config) Validate() error {
	switch c.Memory.HostMemory {
	case vm.HostMemoryHeap, vm.HostMemoryMmap:
	default:
		return fmt.Errorf("memory.host_memory must be %q or %q, got %q",
			vm.HostMemoryHeap, vm.HostMemoryMmap, c.Memory.HostMemory)
	}
	if c.Memory.TLBSets < 0 || c.Memory.TLBWays < 0 {
		return fmt.Errorf("memory.tlb_sets and memory.tlb_ways must be >= 0")
	}
	if (c.Memory.TLBSets == 0) != (c.Memory.TLBWays == 0) {
		return fmt.Errorf("memory.tlb_sets and memory.tlb_ways must both be zero to disable the TLB")
	}

	if !vm.IsPageAligned(c.Stack.Top) || !vm.IsPageAligned(c.Stack.Size) {
		return fmt.Errorf("stack.top and stack.size must be page aligned")
	}
	if c.Stack.Size == 0 {
		return fmt.Errorf("stack.size must be > 0")
	}
	if c.Stack.Size > c.Stack.Top {
		return fmt.Errorf("stack.size must be <= stack.top")
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be \"text\" or \"json\", got %q", c.Log.Format)
	}

	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// AddressSpaceOptions returns the vm options for the memory configuration.
func (m MemoryConfig) AddressSpaceOptions() ([]vm.Option, error) {
	host, err := vm.NewHostMemory(m.HostMemory)
	if err != nil {
		return nil, err
	}

	return []vm.Option{
		vm.WithHostMemory(host),
		vm.WithTLB(vm.TLBConfig{Sets: m.TLBSets, Ways: m.TLBWays}),
	}, nil
}

// EmulatorOptions returns the emu options for the stack and execution
// limits.
func (c *Config) EmulatorOptions() []emu.EmulatorOption {
	return []emu.EmulatorOption{
		emu.WithStack(c.Stack.Top, c.Stack.Size),
		emu.WithMaxInstructions(c.Exec.MaxInstructions),
	}
}

// Logger returns a logger writing to out at the configured level and
// format.
func (l LogConfig) Logger(out io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(level)

	switch l.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", l.Format)
	}

	return log, nil
}
