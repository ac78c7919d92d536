package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"socks-relay/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
		Long: `Manage socks-relay configuration files.

Configuration is loaded from multiple sources in order of precedence:
1. Command line flags
2. Environment variables (SOCKS_RELAY_SERVER_PORT, SOCKS_RELAY_LOG_LEVEL, ...)
3. Configuration file
4. Default values

The configuration file socks-relay.yaml is searched in the current
directory, the XDG config directories and /etc/socks-relay.`,
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with default values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			force, _ := cmd.Flags().GetBool("force")
			if output == "" {
				output = config.DefaultPath()
			}
			if err := config.WriteDefault(output, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created: %s\n", output)
			return nil
		},
	}
	initCmd.Flags().StringP("output", "o", "", "output file path (defaults to the XDG config directory)")
	initCmd.Flags().BoolP("force", "f", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the merged configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath, nil)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			out, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
