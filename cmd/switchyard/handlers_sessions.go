package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/switchyard/internal/gwerrors"
	"github.com/haasonsaas/switchyard/internal/sessions"
)

type sessionPatchOptions struct {
	model      string
	clearModel bool
	thinking   string
	elevated   string
	label      string
	raw        string
}

func runSessionsList(cmd *cobra.Command, configFlag, channel, prefix string, limit int, jsonOutput bool) error {
	srv, err := openGateway(cmd.Context(), configFlag)
	if err != nil {
		return err
	}
	defer srv.Close(cmd.Context())

	list, err := srv.ListSessions(cmd.Context(), sessions.ListOptions{Channel: channel, Prefix: prefix, Limit: limit})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "No sessions.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tMODEL\tTOKENS\tUPDATED\tFLAGS")
	for _, v := range list {
		var flags []string
		if v.Entry.HasModelOverride() {
			flags = append(flags, "override")
		}
		if v.Entry.AbortedLastRun {
			flags = append(flags, "aborted")
		}
		updated := "-"
		if v.Entry.UpdatedAt > 0 {
			updated = time.UnixMilli(v.Entry.UpdatedAt).Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", v.Key, v.Model, v.Entry.TotalTokens, updated, strings.Join(flags, ","))
	}
	return w.Flush()
}

func runSessionsGet(cmd *cobra.Command, configFlag, key string) error {
	srv, err := openGateway(cmd.Context(), configFlag)
	if err != nil {
		return err
	}
	defer srv.Close(cmd.Context())

	view, err := srv.GetSession(cmd.Context(), key)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), view)
}

func runSessionsPatch(cmd *cobra.Command, configFlag, key string, opts sessionPatchOptions) error {
	srv, err := openGateway(cmd.Context(), configFlag)
	if err != nil {
		return err
	}
	defer srv.Close(cmd.Context())

	var p sessions.Patch
	if opts.raw != "" {
		if err := json.Unmarshal([]byte(opts.raw), &p); err != nil {
			return &gwerrors.ParseError{Input: opts.raw, Reason: err.Error()}
		}
	}
	switch {
	case opts.clearModel:
		p.ClearModelOverride()
	case opts.model != "":
		res, err := srv.Resolver().Resolve(opts.model)
		if err != nil {
			return err
		}
		p.ProviderOverride = sessions.Set(res.Ref.Provider)
		p.ModelOverride = sessions.Set(res.Ref.Model)
		if res.Profile != "" {
			p.AuthProfileOverride = sessions.Set(res.Profile)
			p.AuthProfileOverrideSource = sessions.Set(sessions.OverrideManual)
			p.AuthProfileOverrideCompactionCount = sessions.Clear[int]()
		} else {
			p.ClearAuthOverride()
		}
	}
	if opts.thinking != "" {
		p.ThinkingLevel = sessions.Set(opts.thinking)
	}
	if opts.elevated != "" {
		level, ok := sessions.ParseElevatedLevel(opts.elevated)
		if !ok {
			return &gwerrors.ParseError{Input: opts.elevated, Reason: "elevated level must be off, on or ask"}
		}
		p.ElevatedLevel = sessions.Set(level)
	}
	if opts.label != "" {
		p.Label = sessions.Set(opts.label)
	}
	if p.IsEmpty() {
		return &gwerrors.ParseError{Reason: "nothing to patch"}
	}

	entry, err := srv.PatchSession(cmd.Context(), key, p)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), entry)
}
