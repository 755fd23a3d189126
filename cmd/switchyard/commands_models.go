package main

import "github.com/spf13/cobra"

// buildModelsCmd creates the "models" command group.
func buildModelsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect the model catalog and resolution",
	}

	var jsonOutput bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List allowed models",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModelsList(cmd, *configPath, jsonOutput)
		},
	}
	list.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	resolve := &cobra.Command{
		Use:   "resolve <text>",
		Short: "Show how a /model argument resolves",
		Example: `  switchyard models resolve opus
  switchyard models resolve openai/gpt-4o@openai:work`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModelsResolve(cmd, *configPath, args[0])
		},
	}

	cmd.AddCommand(list, resolve)
	return cmd
}
