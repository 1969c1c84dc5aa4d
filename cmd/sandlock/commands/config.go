package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AnishMulay/sandlock/internal/config"
)

var initForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long: `Manage sandlock configuration files.

Subcommands:
  init      Write a configuration file filled with defaults
  show      Print the effective configuration
  validate  Check a configuration file`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write a configuration file filled with defaults.

By default the file is created at $XDG_CONFIG_HOME/sandlock/sandlock.yaml.
Use --config to choose another path and --force to overwrite.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.GetDefaultConfigPath()
		}
		if err := config.WriteDefault(path, initForce); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created at: %s\n", path)
		fmt.Fprintf(cmd.OutOrStdout(), "Start a server with: sandlock serve --config %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg)
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.Load(cfgFile); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}
