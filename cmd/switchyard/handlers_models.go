package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/switchyard/internal/gateway"
	"github.com/haasonsaas/switchyard/internal/models"
)

func loadResolver(configFlag string) (*models.Resolver, error) {
	cfg, _, err := loadConfig(configFlag)
	if err != nil {
		return nil, err
	}
	return gateway.NewResolver(cfg.Models)
}

func runModelsList(cmd *cobra.Command, configFlag string, jsonOutput bool) error {
	resolver, err := loadResolver(configFlag)
	if err != nil {
		return err
	}
	def := resolver.Default()
	entries := resolver.Allowed()

	out := cmd.OutOrStdout()
	if jsonOutput {
		list := gateway.ModelList{Default: def.String(), Models: make([]gateway.ModelInfo, 0, len(entries))}
		for _, ref := range resolver.Fallbacks() {
			list.Fallbacks = append(list.Fallbacks, ref.String())
		}
		for _, e := range entries {
			ref := e.Ref()
			list.Models = append(list.Models, gateway.ModelInfo{
				Ref:           ref.String(),
				Provider:      e.Provider,
				ID:            e.ID,
				Name:          e.Name,
				Aliases:       resolver.Aliases().AliasesFor(ref),
				ContextWindow: e.ContextWindow,
				Default:       ref.Key() == def.Key(),
				Local:         resolver.IsLocal(e.Provider),
			})
		}
		return printJSON(out, list)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tNAME\tALIASES\tFLAGS")
	for _, e := range entries {
		ref := e.Ref()
		var flags []string
		if ref.Key() == def.Key() {
			flags = append(flags, "default")
		}
		if resolver.IsLocal(e.Provider) {
			flags = append(flags, "local")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ref, e.Name,
			strings.Join(resolver.Aliases().AliasesFor(ref), ","), strings.Join(flags, ","))
	}
	return w.Flush()
}

func runModelsResolve(cmd *cobra.Command, configFlag, text string) error {
	resolver, err := loadResolver(configFlag)
	if err != nil {
		return err
	}
	res, err := resolver.Resolve(text)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "model:   %s\n", res.Ref)
	fmt.Fprintf(out, "match:   %s\n", res.Match)
	if res.Alias != "" {
		fmt.Fprintf(out, "alias:   %s\n", res.Alias)
	}
	if res.Profile != "" {
		fmt.Fprintf(out, "profile: %s\n", res.Profile)
	}
	return nil
}
