package cmd

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "element-builder",
	Short: "Element Builder - automated desktop builds",
	Long: `Element Builder produces the automated desktop builds: it checks out
the source, builds every configured platform in turn, collects and
checksums the installers, publishes them to the download mirrors and
reports progress to the build room.

Run the nightly daemon:
  element-builder run

Build once, right now:
  element-builder build
  element-builder build --job release.yaml

Inspect or maintain the mirrors:
  element-builder publish 2024060101
  element-builder prune
  element-builder targets
  element-builder status`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initEnv)

	// Persistent flags (available to all subcommands)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.element-builder/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

// initEnv pulls a .env file into the environment if one is present, so VM
// and signing credentials can live outside the config file.
func initEnv() {
	_ = godotenv.Load()
}
