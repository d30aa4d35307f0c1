package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/port42/port42/internal/config"
	"github.com/port42/port42/internal/daemon"
	"github.com/port42/port42/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := telemetry.NewLogger(os.Stdout, level)

	ln, err := listen(cfg)
	if err != nil {
		return err
	}

	d, err := daemon.New(cfg, daemon.WithLogger(logger))
	if err != nil {
		ln.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = d.Serve(ctx, ln)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func loadConfig() (config.Config, error) {
	if configPath != "" {
		return config.LoadFrom(configPath)
	}
	return config.Load()
}

// listen binds the preferred port, falling back to the unprivileged one
// when port 42 needs permissions the process lacks. On a TTY the fallback
// asks first; detached it just happens.
func listen(cfg config.Config) (net.Listener, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		fmt.Printf("🐬 Port %d is open. The dolphins are listening...\n", cfg.Port)
		return ln, nil
	}

	if !strings.Contains(err.Error(), "permission denied") {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Printf("🔐 Port %d requires elevated permissions.\n", cfg.Port)
		fmt.Println("\nOptions:")
		fmt.Println("1. Run with sudo: sudo port42d serve")
		fmt.Printf("2. Use port %d instead (no permissions needed)\n", cfg.FallbackPort)
		fmt.Printf("\nPress Enter to use port %d, or Ctrl+C to exit: ", cfg.FallbackPort)
		fmt.Scanln()
	}

	fallback := fmt.Sprintf("127.0.0.1:%d", cfg.FallbackPort)
	ln, err = net.Listen("tcp", fallback)
	if err != nil {
		return nil, fmt.Errorf("listen on fallback %s: %w", fallback, err)
	}
	fmt.Printf("🐬 Swimming on port %d...\n", cfg.FallbackPort)
	return ln, nil
}
