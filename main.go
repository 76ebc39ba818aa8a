package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmw-nz/hoard/internal"
	"github.com/jmw-nz/hoard/pkg/logger"
	"github.com/mitchellh/go-homedir"
)

var log = logger.Get("Main")

func defaultConfigPath() string {
	home, err := homedir.Dir()
	if err != nil {
		return "config.yaml"
	}

	return home + "/.hoard/config.yaml"
}

// main is the entry point to the program. The users configuration is
// loaded from their home directory (or the path provided), and the
// pipeline runs until interrupted.
func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the YAML configuration file")
	verbosity := flag.Int("log-level", logger.INFO.Level(), "minimum log level to emit (0 verbose through 9 fatal)")
	flag.Parse()

	logger.SetMinLoggingLevel(*verbosity)

	config := internal.HoardConfig{}
	if err := config.LoadFromFile(*configPath); err != nil {
		log.Fatalf("Failed to load configuration from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := internal.New(config).Run(ctx); err != nil {
		log.Fatalf("Hoard stopped due to error: %v\n", err)
		os.Exit(1)
	}
}
