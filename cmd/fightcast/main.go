// Command fightcast runs the multi-participant experiment server and
// its reporting tools.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version information (set via ldflags)
var Version = "dev"

var configFile string

func main() {
	// A missing .env is fine; deployed environments set real env vars.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:     "fightcast",
		Short:   "Multi-participant wagering experiment server",
		Version: Version,
	}
	root.PersistentFlags().StringVar(&configFile, "config", os.Getenv("CONFIG_FILE"), "configuration file (YAML)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newExportCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
