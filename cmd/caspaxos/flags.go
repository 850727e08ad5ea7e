package main

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"caspaxos/internal/config"
)

const (
	ConfigKey      = "config"
	ReplicasKey    = "replicas"
	TimeoutKey     = "timeout"
	WorkersKey     = "workers"
	ConnectionsKey = "connections"
	LogLevelKey    = "log-level"
)

func AddFlags(flags *pflag.FlagSet) {
	defaults := config.Default()
	flags.String(ConfigKey, "", "YAML configuration file; flags override its values")
	flags.String(ReplicasKey, "", "Replica address book (e.g., 1=127.0.0.1:7001,2=127.0.0.1:7002)")
	flags.Duration(TimeoutKey, defaults.Timeout, "Deadline for a whole operation")
	flags.Int(WorkersKey, defaults.Workers, "Maximum concurrent replica calls")
	flags.Int(ConnectionsKey, defaults.Connections, "Maximum cached replica connections")
	flags.String(LogLevelKey, defaults.LogLevel, "Log level (debug, info, warn, error)")
}

// ParseFlags builds the configuration from the config file, if any, and
// the flags set explicitly on the command line.
func ParseFlags(flags *pflag.FlagSet) (*config.Config, error) {
	cfg := config.Default()
	path, err := flags.GetString(ConfigKey)
	if err != nil {
		return nil, err
	}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}

	var errs []error
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case ReplicasKey:
			replicas, err := config.ParseReplicas(f.Value.String())
			errs = append(errs, err)
			cfg.Replicas = replicas
		case TimeoutKey:
			d, err := time.ParseDuration(f.Value.String())
			errs = append(errs, err)
			cfg.Timeout = d
		case WorkersKey:
			n, err := flags.GetInt(WorkersKey)
			errs = append(errs, err)
			cfg.Workers = n
		case ConnectionsKey:
			n, err := flags.GetInt(ConnectionsKey)
			errs = append(errs, err)
			cfg.Connections = n
		case LogLevelKey:
			cfg.LogLevel = f.Value.String()
		}
	})
	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("invalid flag: %w", err)
		}
	}
	return &cfg, nil
}
