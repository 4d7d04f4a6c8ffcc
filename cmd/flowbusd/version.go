package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is flowbusd's build version, overridable at link time with
// -ldflags "-X main.Version=...".
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print flowbusd's version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), "flowbusd", Version)
		return nil
	},
}

func init() {
	Root.AddCommand(versionCmd)
}
