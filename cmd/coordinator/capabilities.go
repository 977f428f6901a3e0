package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newCapabilitiesCmd(a *app) *cobra.Command {
	var (
		remotes []string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:     "capabilities",
		Aliases: []string{"caps"},
		Short:   "List registered workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.newCoordinator(remotes)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close(context.Background()) }()

			specs := c.Capabilities()
			if asJSON {
				return printJSON(a.stdout, specs)
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TAG\tWORKER\tVERSION\tMAX CONCURRENCY")
			for _, s := range specs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", s.Tag, s.Name, s.Version, max(s.MaxConcurrency, 1))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringArrayVar(&remotes, "remote", nil, "register a remote worker as tag=url, repeatable")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
