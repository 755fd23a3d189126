package main

import (
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Auth Commands
// =============================================================================

// buildAuthCmd creates the "auth" command group for the credential store.
func buildAuthCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage provider credentials and gateway tokens",
	}
	cmd.AddCommand(
		buildAuthListCmd(configPath),
		buildAuthAddCmd(configPath),
		buildAuthRemoveCmd(configPath),
		buildAuthCooldownCmd(configPath),
		buildAuthClearCmd(configPath),
		buildAuthTokenCmd(configPath),
	)
	return cmd
}

func buildAuthListCmd(configPath *string) *cobra.Command {
	var (
		provider   string
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List credential profiles and their cooldown state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthList(cmd, *configPath, provider, jsonOutput)
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "Only profiles for this provider")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func buildAuthAddCmd(configPath *string) *cobra.Command {
	var opts authAddOptions
	cmd := &cobra.Command{
		Use:   "add <profile-id>",
		Short: "Add or replace a credential profile",
		Example: `  # Prompt for the key
  switchyard auth add anthropic:work --provider anthropic

  # Bearer token that expires in 30 days
  switchyard auth add openrouter:ci --provider openrouter --type token --secret "$TOKEN" --expires 720h`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthAdd(cmd, *configPath, args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.provider, "provider", "", "Provider the credential belongs to (default: the id prefix)")
	cmd.Flags().StringVar(&opts.credType, "type", "api_key", "Credential type: api_key or token")
	cmd.Flags().StringVar(&opts.secret, "secret", "", "The key or token (prompted when omitted)")
	cmd.Flags().DurationVar(&opts.expires, "expires", 0, "Token lifetime from now")
	cmd.Flags().StringVar(&opts.email, "email", "", "Account email, for display")
	return cmd
}

func buildAuthRemoveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <profile-id>",
		Aliases: []string{"rm"},
		Short:   "Remove a credential profile",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthRemove(cmd, *configPath, args[0])
		},
	}
}

func buildAuthCooldownCmd(configPath *string) *cobra.Command {
	var (
		duration time.Duration
		reason   string
	)
	cmd := &cobra.Command{
		Use:   "cooldown <profile-id>",
		Short: "Put a profile on cooldown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthCooldown(cmd, *configPath, args[0], duration, reason)
		},
	}
	cmd.Flags().DurationVar(&duration, "for", time.Hour, "Cooldown length")
	cmd.Flags().StringVar(&reason, "reason", "manual", "Reason recorded with the cooldown")
	return cmd
}

func buildAuthClearCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <profile-id>",
		Short: "Lift every cooldown on a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthClear(cmd, *configPath, args[0])
		},
	}
}

func buildAuthTokenCmd(configPath *string) *cobra.Command {
	var opts authTokenOptions
	cmd := &cobra.Command{
		Use:   "token <principal-id>",
		Short: "Issue a gateway RPC token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthToken(cmd, *configPath, args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.name, "name", "", "Display name")
	cmd.Flags().StringVar(&opts.channel, "channel", "", "Default channel for the caller")
	cmd.Flags().BoolVar(&opts.commands, "commands", false, "Allow inline directives")
	return cmd
}
