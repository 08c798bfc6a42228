package main

import (
	"flag"
	"os"
	"time"
)

// CLIConfig holds command-line configuration, each flag falling back
// to an environment variable, the teacher's cmd/semstreams flag
// pattern.
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	ShutdownTimeout time.Duration
	ShowVersion     bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("YANGSTORED_CONFIG", "yangstore.yaml"),
		"Path to configuration file (env: YANGSTORED_CONFIG)")
	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("YANGSTORED_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: YANGSTORED_LOG_LEVEL)")
	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("YANGSTORED_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: YANGSTORED_SHUTDOWN_TIMEOUT)")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")

	flag.Parse()
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
