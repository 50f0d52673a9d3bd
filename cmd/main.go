package main

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/victornm/pinquiz/internal/config"
	"github.com/victornm/pinquiz/internal/server"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("Load .env failed: %v", err)
	}

	if err := newCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newCmd() *cobra.Command {
	var (
		path    string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "pinquiz",
		Short: "Host multiplayer quiz games joined by PIN.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				slog.SetLogLoggerLevel(slog.LevelDebug)
			}

			c, err := loadConfig(path)
			if err != nil {
				return err
			}

			return run(c)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&path, "config", "c", os.Getenv("CONFIG_PATH"), "path to the YAML config file (env: CONFIG_PATH), the environment alone is read without it")
	fs.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	cmd.SilenceUsage = true
	return cmd
}

func run(c server.Config) error {
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGTERM, os.Interrupt)

	s, err := server.Init(c)
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	go s.Start()

	<-shutdown
	s.Shutdown()
	return nil
}

func loadConfig(p string) (server.Config, error) {
	c := server.DefaultConfig()

	if err := config.Load(p, &c); err != nil {
		return c, fmt.Errorf("load config: %w", err)
	}

	return c, nil
}
