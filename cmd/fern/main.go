// Package main is the fern binary: the resolution service, its worker pool,
// the stale record sweeper and schema migrations.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/resolver"
)

// Version is stamped at build time with -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:           "fern",
		Short:         "Ammunition product identity resolution",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a .env file; missing files are ignored")

	cmd.AddCommand(
		serveCmd(&envFile),
		migrateCmd(&envFile),
		sweepCmd(&envFile),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "fern %s (resolver %s, normalizers %s)\n", Version, resolver.Version, normalizers.Version)
			},
		},
	)
	return cmd
}
