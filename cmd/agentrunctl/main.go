// Command agentrunctl is the CLI for developing against the pipeline
// execution engine: a one-shot runner and a development server exposing
// SSE/NDJSON streaming endpoints.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "agentrunctl",
	Short:   "Pipeline execution engine CLI",
	Long:    `agentrunctl runs and serves pipelines built on the agentrun engine.`,
	Version: version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().String("config", "", "Config file (default: none, built-in defaults apply)")
}
