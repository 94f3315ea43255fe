package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jlaneve/jute/config"
)

var showFormat string

// configCmd groups config file commands
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or create the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return config.Encode(cmd.OutOrStdout(), cfg, config.Format(showFormat))
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init <path>",
	Short: "Write a config file with the default settings",
	Long: `Writes the default configuration to path. The format follows the file
extension: .yaml, .toml or .json.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Save(args[0], config.Default()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
		return nil
	},
}

func init() {
	configShowCmd.Flags().StringVarP(&showFormat, "format", "f", "yaml", "Output format: yaml, toml or json")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}
