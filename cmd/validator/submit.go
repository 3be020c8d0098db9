package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/flockoff/validator/internal/adapters/chain"
	"github.com/flockoff/validator/internal/domain/model"
	"github.com/flockoff/validator/pkg/logger"
)

func newSubmitCmd(e *env) *cobra.Command {
	var (
		namespace   string
		revision    string
		competition string
		maxElapsed  time.Duration
		maxRetries  uint64
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Publish dataset submission metadata to the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if competition == "" {
				competition = e.cfg.CompetitionID
			}
			commitment, err := chain.EncodeCommitment(model.Metadata{
				Namespace:     namespace,
				Revision:      revision,
				CompetitionID: competition,
			})
			if err != nil {
				return err
			}

			policy := chain.DefaultRetryPolicy()
			if maxElapsed > 0 {
				policy.MaxElapsed = maxElapsed
			}
			if maxRetries > 0 {
				policy.MaxRetries = maxRetries
			}

			ctx := cmd.Context()
			if err := chain.CommitWithRetry(ctx, newChainClient(e), e.cfg.NetUID, commitment, policy, e.log.Named("submit")); err != nil {
				return err
			}
			e.log.Info(ctx, "submission published", logger.String("commitment", commitment))
			return nil
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "", "dataset repository, e.g. alice/data")
	cmd.Flags().StringVar(&revision, "revision", "", "dataset revision (commit hash)")
	cmd.Flags().StringVar(&competition, "competition", "", "competition id (defaults to competition_id)")
	cmd.Flags().DurationVar(&maxElapsed, "max-elapsed", 0, "give up after this long (0 = policy default)")
	cmd.Flags().Uint64Var(&maxRetries, "max-retries", 0, "give up after this many retries (0 = policy default)")
	_ = cmd.MarkFlagRequired("namespace")
	_ = cmd.MarkFlagRequired("revision")
	return cmd
}
