// Command mediaq runs the media processing engine: an HTTP service that
// admits transcode, transcribe and render jobs and executes them on a
// bounded worker pool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mediaq/internal/config"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "mediaq",
	Short:         "Asynchronous media processing engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("MEDIAQ_CONFIG"),
		"path to a YAML config file (env MEDIAQ_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	rootCmd.AddCommand(serveCmd, runCmd, validateCmd, versionCmd)
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mediaq:", err)
		os.Exit(1)
	}
}
