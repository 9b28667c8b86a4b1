package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/srg/tactivo"
	"github.com/srg/tactivo/internal/rawsource"
)

// scriptsCmd lists the bundled replay scripts
var scriptsCmd = &cobra.Command{
	Use:   "scripts",
	Short: "List bundled replay scripts",
	Args:  cobra.NoArgs,
	RunE:  runScripts,
}

func runScripts(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTEPS\tDURATION\tDESCRIPTION")
	for _, name := range tactivo.BuiltinScriptNames() {
		data, err := tactivo.BuiltinScript(name)
		if err != nil {
			return err
		}
		s, err := rawsource.ParseScript(data)
		if err != nil {
			return fmt.Errorf("builtin script %s: %w", name, err)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", name, len(s.Steps), s.Duration(), s.Description)
	}
	return w.Flush()
}
