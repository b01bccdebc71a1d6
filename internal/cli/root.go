// Package cli wires spf13/cobra subcommands (pull, push, tag, prune,
// images) to internal/imagestore, the same one-file-per-verb shape the
// teacher's internal/cli package uses for its container subcommands.
// Unlike the teacher, which reads a $MINIDOCKER_ROOT env var directly in
// each command, every command here goes through internal/config.Load so
// flags/env/file precedence is handled in one place.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time by cmd/vmimage; left as a plain
// default here so tests that import this package don't need ldflags.
var Version = "0.1.0"

var configFile string

var rootCmd = &cobra.Command{
	Use:           "vmimage",
	Short:         "OCI image store and ext4/netlink tooling for VM-backed containers",
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       Version,
}

// Execute runs the root command, printing any error to stderr and
// exiting non-zero. It is the only exported entry point cmd/vmimage
// calls.
func Execute() {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: ./vmimage.yaml or ~/.config/vmimage/vmimage.yaml)")
	rootCmd.PersistentFlags().String("store-root", "", "image store root directory")
	rootCmd.PersistentFlags().Bool("registry-insecure", false, "skip TLS certificate verification for registry connections")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text|json)")

	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(tagCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(imagesCmd)
}
