package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GrayDragon82/lifecycle"
	"github.com/GrayDragon82/lifecycle/internal/manifest"
)

var plannedFrom = map[lifecycle.Phase]lifecycle.State{
	lifecycle.Initialize: lifecycle.Uninitialized,
	lifecycle.Start:      lifecycle.Initialized,
	lifecycle.Stop:       lifecycle.Started,
	lifecycle.Dispose:    lifecycle.Stopped,
}

func newPlanCmd(a *app) *cobra.Command {
	var phaseName string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the order a phase would run components in",
		RunE: func(cmd *cobra.Command, _ []string) error {
			phase, err := lifecycle.ParsePhase(phaseName)
			if err != nil {
				return err
			}
			path, err := a.manifestPath()
			if err != nil {
				return err
			}
			m, err := manifest.Load(path)
			if err != nil {
				return err
			}

			c := lifecycle.New(lifecycle.WithLogger(a.logger))
			if err := c.Load(cmd.Context(), m.Definitions(c.Expiry(), a.logger)...); err != nil {
				return err
			}
			// Nothing is invoked: each phase is planned from the state it
			// normally follows.
			order, err := c.Coordinator().PlanAs(cmd.Context(), phase, plannedFrom[phase])
			out := cmd.OutOrStdout()
			for i, key := range order {
				fmt.Fprintf(out, "%d. %s\n", i+1, key)
			}
			for _, f := range lifecycle.Failures(err) {
				fmt.Fprintf(out, "blocked: %s: %v\n", f.Key, f.Err)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&phaseName, "phase", "p", lifecycle.Initialize.String(), "phase to plan: initialize, start, stop, dispose")
	return cmd
}
