package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sornon/member-sub002/internal/config"
	"github.com/sornon/member-sub002/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Printf("reconciled version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var code int
	switch subcommand := os.Args[1]; subcommand {
	case "serve":
		code = runServe(os.Args[2:])
	case "scan":
		code = runScan(os.Args[2:], os.Stdout)
	case "cascade":
		code = runCascade(os.Args[2:], os.Stdout)
	case "sweep":
		code = runSweep(os.Args[2:], os.Stdout)
	case "version":
		fmt.Printf("reconciled version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcommand)
		printUsage()
		code = 1
	}
	os.Exit(code)
}

func printUsage() {
	fmt.Println(`Usage: reconciled <command> [options]

Commands:
  serve       Run the admin API and the background profile sweep
  scan        Find (and remove) orphaned records once
  cascade     Delete a member and everything that references it
  sweep       Step the resumable profile sweep from its checkpoint
  version     Print version information

Run 'reconciled <command> --help' for more information on a command.`)
}

// commonFlags are shared by every subcommand that touches the stores.
type commonFlags struct {
	configPath *string
	registry   *string
	logLevel   *string
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		configPath: fs.String("config", "", "Path to configuration file (default: $RECONCILE_CONFIG)"),
		registry:   fs.String("registry", "", "Override reference map file"),
		logLevel:   fs.String("log-level", "", "Override log level (debug, info, warn, error)"),
	}
}

// load reads the configuration and applies the common overrides.
func (c commonFlags) load() (*config.Config, *logging.Logger, error) {
	var cfg *config.Config
	var err error
	if *c.configPath != "" {
		cfg, err = config.LoadFromPath(*c.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, err
	}
	if *c.registry != "" {
		cfg.RegistryPath = *c.registry
	}
	if *c.logLevel != "" {
		cfg.Observability.LogLevel = *c.logLevel
	}
	logger := logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	return cfg, logger, nil
}
