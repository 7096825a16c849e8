package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"apex-codegen/internal/templates"

	"github.com/spf13/cobra"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List the built-in template catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printTemplates(cmd.OutOrStdout(), templates.GetAllTemplates())
	},
}

func printTemplates(w io.Writer, tpls []templates.Template) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCATEGORY\tPOPULAR\tDESCRIPTION")
	for _, t := range tpls {
		popular := ""
		if t.Popular {
			popular = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ID, t.Category, popular, t.Description)
	}
	return tw.Flush()
}
