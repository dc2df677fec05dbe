// Package cmd wires the CLI entrypoints.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/agentmux/agentmux/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/agentmux/agentmux/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "agentmux",
	Short: "agentmux — deterministic session multiplexer for coding agents",
	Long: "agentmux fronts a coding-agent engine with N concurrent sessions over " +
		"WebSocket and stdio JSON transports. Commands are admitted through a " +
		"deterministic pipeline: replay, rate limiting, dependency ordering, " +
		"per-session serialization, and circuit breaking.",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json or $AGENTMUX_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(stdioCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentmux %s (protocol %s)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("AGENTMUX_CONFIG"); v != "" {
		return v
	}
	return "config.json"
}

// setupLogging installs the process-wide slog handler. Colorized output on a
// terminal, plain text otherwise. The stdio transport must keep stdout clean
// for protocol frames, so logs always go to stderr.
func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	w := os.Stderr
	handler := tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
		NoColor:    !isatty.IsTerminal(w.Fd()),
	})
	slog.SetDefault(slog.New(handler))
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
