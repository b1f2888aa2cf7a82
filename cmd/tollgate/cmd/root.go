// Package cmd provides the CLI commands for Tollgate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tollgate-mcp/tollgate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tollgate",
	Short: "Tollgate - MCP aggregating proxy",
	Long: `Tollgate aggregates multiple Model Context Protocol (MCP) servers behind
a single proxy endpoint, fully-qualifying every tool name by its upstream
and re-exposing a combined tool surface to one downstream client.

It also provides authentication, authorization, rate limiting, and audit
logging for MCP tool calls without requiring changes to the upstream MCP
servers.

Quick start:
  1. Create a config file: tollgate.yaml
  2. Run: tollgate start

Configuration:
  Config is loaded from tollgate.yaml in the current directory,
  $HOME/.tollgate/, or /etc/tollgate/.

  Environment variables can override config values with the TOLLGATE_ prefix.
  Example: TOLLGATE_SERVER_HTTP_ADDR=:9090

Commands:
  start       Start the proxy server
  hash-key    Generate a SHA-256 hash for an API key
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./tollgate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
