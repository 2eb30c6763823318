// Package main is the CLI entry point: a rootCmd plus one file per
// subcommand, each registering its flags and calling AddCommand on
// rootCmd from init(). There is no TUI/GUI subcommand — this tool is
// scriptable-CLI only.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relayforge/aitm/misc"
)

var (
	logLevel string
	logFile  string

	rootCmd = &cobra.Command{
		Use:   "aitm",
		Short: "Layer-2 attacker-in-the-middle toolkit",
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "v", "info",
		"Logging level. Valid values: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVarP(&logFile, "log-file", "l", "",
		"Where to send logs; defaults to stdout/stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger builds the process logger via misc.NewLogger; the subcommands
// pass it on to every package they construct.
func newLogger() (*zap.Logger, error) {
	var outputs []string
	if logFile != "" {
		outputs = []string{logFile}
	}
	return misc.NewLogger(logLevel, outputs, outputs)
}
