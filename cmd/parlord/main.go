// Package main is the entry point for the parlord server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "parlord",
		Short: "parlord - interaction lobby server",
		Long: `parlord runs the lobby orchestrator: websocket connections, named
users, services, tables and rated service instances.`,
	}
	rootCmd.AddCommand(newServeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
