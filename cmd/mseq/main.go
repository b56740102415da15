// Command mseq drives the buffering engine from the command line: manifest
// playback against an in-memory host, demo content generation, and live
// SRT ingest and publishing.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var debug bool
	root := &cobra.Command{
		Use:           "mseq",
		Short:         "mseq - media segment buffering engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			setupLogging(debug || os.Getenv("DEBUG") != "")
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging (also DEBUG=1)")
	root.AddCommand(newPlayCmd(), newGenCmd(), newListenCmd(), newPushCmd())
	return root
}

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
