package main

import (
	"context"

	"github.com/spf13/cobra"
)

func newPlanCmd(a *app) *cobra.Command {
	var (
		flags  requestFlags
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "plan [goal...]",
		Short: "Show the task graph a goal decomposes into without running it",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(args)
			if err != nil {
				return err
			}
			c, err := a.newCoordinator(flags.remotes)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close(context.Background()) }()

			g, err := c.Plan(cmd.Context(), req)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(a.stdout, g.Info())
			}
			return g.Fprint(a.stdout)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the graph as JSON")
	return cmd
}
