// Package commands implements the sandlock command line.
package commands

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string

	// v carries flag bindings into config.LoadWith.
	v = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "sandlock",
	Short: "sandlock - a lock and small-file service for loosely coupled clients",
	Long: `sandlock serves a hierarchical namespace of nodes per cell. Clients open
handles on nodes to take shared or exclusive locks, read and write small files,
and subscribe to events on the nodes they hold.

Use "sandlock [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/sandlock/sandlock.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(configCmd)
}
