package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newWinnersCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "winners [competition]",
		Short: "Print the winning uids of a competition-day (default today, UTC YYYYMMDD)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, store, err := newService(ctx, e)
			if err != nil {
				return err
			}
			defer store.Close()

			comp := ""
			if len(args) == 1 {
				comp = args[0]
			}
			if comp == "" {
				comp = svc.CompetitionDay()
			}
			winners, err := svc.Winners(ctx, comp)
			if err != nil {
				return err
			}
			if winners == nil {
				winners = []int{}
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
				"competition": comp,
				"winners":     winners,
			})
		},
	}
}
