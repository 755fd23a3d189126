package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Sessions Commands
// =============================================================================

// buildSessionsCmd creates the "sessions" command group.
func buildSessionsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and edit sessions",
	}
	cmd.AddCommand(
		buildSessionsListCmd(configPath),
		buildSessionsGetCmd(configPath),
		buildSessionsPatchCmd(configPath),
	)
	return cmd
}

func buildSessionsListCmd(configPath *string) *cobra.Command {
	var (
		channel    string
		prefix     string
		limit      int
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd, *configPath, channel, prefix, limit, jsonOutput)
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "Only sessions on this channel")
	cmd.Flags().StringVar(&prefix, "prefix", "", "Only keys with this prefix")
	cmd.Flags().IntVar(&limit, "limit", 50, "Max number of sessions to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func buildSessionsGetCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <session-key>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsGet(cmd, *configPath, args[0])
		},
	}
}

func buildSessionsPatchCmd(configPath *string) *cobra.Command {
	var opts sessionPatchOptions
	cmd := &cobra.Command{
		Use:   "patch <session-key>",
		Short: "Change a session's overrides",
		Long: `Change a session's overrides. Flags build the patch; --json supplies a raw
patch object in which null clears a field.`,
		Example: `  switchyard sessions patch main --model opus
  switchyard sessions patch telegram:dm:42 --clear-model --thinking high
  switchyard sessions patch main --json '{"label": null}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsPatch(cmd, *configPath, args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.model, "model", "", "Model override (alias, provider/model, optional @profile)")
	cmd.Flags().BoolVar(&opts.clearModel, "clear-model", false, "Clear the model override")
	cmd.Flags().StringVar(&opts.thinking, "thinking", "", "Thinking level")
	cmd.Flags().StringVar(&opts.elevated, "elevated", "", "Elevated level: off, on or ask")
	cmd.Flags().StringVar(&opts.label, "label", "", "Session label")
	cmd.Flags().StringVar(&opts.raw, "json", "", "Raw JSON patch")
	return cmd
}
