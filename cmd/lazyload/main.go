// Package main provides the lazyload command, which runs static ARM64
// executables with their segments paged in on demand.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/lazyload/config"
)

var (
	configPath = flag.String("config", "", "path to a TOML configuration file")
	logLevel   = flag.String("log-level", "", "log level (overrides the configuration)")
	logFormat  = flag.String("log-format", "", "log format: text or json (overrides the configuration)")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(Run), "")
	subcommands.Register(new(Inspect), "")

	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lazyload: %v\n", err)
		os.Exit(int(subcommands.ExitUsageError))
	}

	log, err := cfg.Log.Logger(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lazyload: %v\n", err)
		os.Exit(int(subcommands.ExitUsageError))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	// Commands that run a program store its exit status here.
	status := -1
	ret := subcommands.Execute(ctx, cfg, logrus.NewEntry(log), &status)
	stop()

	if ret == subcommands.ExitSuccess && status >= 0 {
		os.Exit(status)
	}
	os.Exit(int(ret))
}

// loadConfig builds the configuration from -config and the log flags.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			return nil, err
		}
	}

	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// commandArgs unpacks the arguments main passes to every command.
func commandArgs(args []interface{}) (*config.Config, *logrus.Entry, *int) {
	return args[0].(*config.Config), args[1].(*logrus.Entry), args[2].(*int)
}
