package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Root is the cobra root command, following the teacher's
// single-package-level-Root convention (its own command tests drive it
// via Root.SetArgs/Root.Execute rather than constructing a fresh tree
// per test).
var Root = &cobra.Command{
	Use:   "flowbusd",
	Short: "flowbus file-transfer daemon",
}

var configPath string

func init() {
	Root.PersistentFlags().StringVar(&configPath, "config", "", "path to the daemon's YAML config file")
}

// Execute runs the root command, exiting the process on error.
func Execute() {
	if err := Root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
