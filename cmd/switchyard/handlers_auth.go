package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/switchyard/internal/auth"
	"github.com/haasonsaas/switchyard/internal/gwerrors"
)

type authAddOptions struct {
	provider string
	credType string
	secret   string
	expires  time.Duration
	email    string
}

type authTokenOptions struct {
	name     string
	channel  string
	commands bool
}

// profileStatus is one row of auth list. Secrets are masked.
type profileStatus struct {
	ID            string `json:"id"`
	Provider      string `json:"provider"`
	Type          string `json:"type"`
	Secret        string `json:"secret"`
	Email         string `json:"email,omitempty"`
	Usable        bool   `json:"usable"`
	LastGood      bool   `json:"lastGood,omitempty"`
	CooldownUntil string `json:"cooldownUntil,omitempty"`
	Disabled      string `json:"disabled,omitempty"`
	Errors        int    `json:"errors,omitempty"`
}

func runAuthList(cmd *cobra.Command, configFlag, provider string, jsonOutput bool) error {
	store, _, err := openCredentials(cmd.Context(), configFlag)
	if err != nil {
		return err
	}
	doc, err := store.Load(cmd.Context())
	if err != nil {
		return err
	}

	now := time.Now()
	provider = auth.NormalizeProvider(provider)
	rows := make([]profileStatus, 0, len(doc.Profiles))
	for id, cred := range doc.Profiles {
		if provider != "" && cred.Provider != provider {
			continue
		}
		stats := doc.UsageStats[id]
		row := profileStatus{
			ID:       id,
			Provider: cred.Provider,
			Type:     string(cred.Type),
			Secret:   maskSecret(cred.Key + cred.Token),
			Email:    cred.Email,
			Usable:   doc.IsUsable(id, now),
			LastGood: doc.LastGood[cred.Provider] == id,
			Errors:   stats.ErrorCount,
		}
		if stats.CooldownUntil > now.UnixMilli() {
			row.CooldownUntil = time.UnixMilli(stats.CooldownUntil).Format(time.RFC3339)
		}
		if stats.DisabledUntil > now.UnixMilli() {
			row.Disabled = stats.DisabledReason
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "No credential profiles.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROFILE\tPROVIDER\tTYPE\tSECRET\tSTATUS")
	for _, r := range rows {
		status := "ready"
		switch {
		case r.Disabled != "":
			status = "disabled (" + r.Disabled + ")"
		case r.CooldownUntil != "":
			status = "cooldown until " + r.CooldownUntil
		case !r.Usable:
			status = "expired"
		}
		if r.LastGood {
			status += ", last good"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Provider, r.Type, r.Secret, status)
	}
	return w.Flush()
}

func runAuthAdd(cmd *cobra.Command, configFlag, id string, opts authAddOptions) error {
	provider := opts.provider
	if provider == "" {
		if i := strings.Index(id, ":"); i > 0 {
			provider = id[:i]
		}
	}
	cred := auth.Credential{
		Type:     auth.CredentialType(opts.credType),
		Provider: auth.NormalizeProvider(provider),
		Email:    opts.email,
	}

	secret := opts.secret
	if secret == "" {
		var err error
		secret, err = promptSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), "Secret for "+id)
		if err != nil {
			return err
		}
	}
	if secret == "" {
		return &gwerrors.ParseError{Reason: "secret is required"}
	}
	switch cred.Type {
	case auth.CredentialAPIKey:
		cred.Key = secret
	case auth.CredentialToken:
		cred.Token = secret
		if opts.expires > 0 {
			cred.Expires = time.Now().Add(opts.expires).UnixMilli()
		}
	default:
		return &gwerrors.ParseError{Input: opts.credType, Reason: "type must be api_key or token"}
	}

	store, _, err := openCredentials(cmd.Context(), configFlag)
	if err != nil {
		return err
	}
	if err := store.AddProfile(cmd.Context(), id, cred); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%s, %s).\n", id, cred.Provider, cred.Type)
	return nil
}

func runAuthRemove(cmd *cobra.Command, configFlag, id string) error {
	store, _, err := openCredentials(cmd.Context(), configFlag)
	if err != nil {
		return err
	}
	if err := store.RemoveProfile(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s.\n", id)
	return nil
}

func runAuthCooldown(cmd *cobra.Command, configFlag, id string, d time.Duration, reason string) error {
	if d <= 0 {
		return &gwerrors.ParseError{Input: d.String(), Reason: "cooldown must be positive"}
	}
	store, _, err := openCredentials(cmd.Context(), configFlag)
	if err != nil {
		return err
	}
	end, err := store.MarkCooldown(cmd.Context(), id, time.Now().Add(d), reason)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s cooling down until %s.\n", id, end.Format(time.RFC3339))
	return nil
}

func runAuthClear(cmd *cobra.Command, configFlag, id string) error {
	store, _, err := openCredentials(cmd.Context(), configFlag)
	if err != nil {
		return err
	}
	if err := store.ClearCooldown(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared cooldowns on %s.\n", id)
	return nil
}

func runAuthToken(cmd *cobra.Command, configFlag, id string, opts authTokenOptions) error {
	cfg, _, err := loadConfig(configFlag)
	if err != nil {
		return err
	}
	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
	if !tokens.Enabled() {
		return fmt.Errorf("auth.jwt_secret is not configured; the gateway accepts unauthenticated local callers")
	}
	token, err := tokens.Issue(auth.Principal{ID: id, Name: opts.name, Channel: opts.channel, Commands: opts.commands})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
