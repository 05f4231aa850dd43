// archdraw turns plain-language descriptions into architecture diagrams.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jkaninda/archdraw/internal/config"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "archdraw",
	Short: "archdraw turns plain-language requests into architecture diagrams.",
	Long: `archdraw asks an LLM for a Python script that renders the requested diagram,
runs it in a sandbox and feeds failures back to the model until the script
produces an image or the attempt budget is spent.

Requests arrive through a Telegram bot or an HTTP API (see "archdraw serve"),
or from the command line with "archdraw generate".`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file (env: ARCHDRAW_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd, generateCmd, validateCmd, modelsCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
