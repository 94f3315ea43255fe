package main

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"github.com/jlaneve/jute/config"
	"github.com/jlaneve/jute/kernelspec"
)

var schemas = map[string]func() *jsonschema.Schema{
	"config":     config.Schema,
	"kernelspec": kernelspec.Schema,
}

// schemaCmd prints JSON schemas for editor integration
var schemaCmd = &cobra.Command{
	Use:   "schema [config|kernelspec]",
	Short: "Print a JSON schema",
	Long: `Prints the JSON schema of the jute config file (the default) or of a
kernel.json spec file.`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"config", "kernelspec"},
	RunE: func(cmd *cobra.Command, args []string) error {
		name := "config"
		if len(args) == 1 {
			name = args[0]
		}
		schema, ok := schemas[name]
		if !ok {
			return fmt.Errorf("unknown schema %q, expected config or kernelspec", name)
		}

		data, err := json.MarshalIndent(schema(), "", "  ")
		if err != nil {
			return fmt.Errorf("marshal schema: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}
