package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odvcencio/commit-headless/pkg/commit"
	"github.com/odvcencio/commit-headless/pkg/headless"
)

func (a *app) newReplayCmd() *cobra.Command {
	var (
		ref        refFlags
		since      string
		signingKey string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "replay --since <commit> [flags]",
		Short: "Re-sign the commits after a base commit on a remote branch",
		Long: `Recreates every commit between --since and the tip of the remote branch with
the configured committer and signing key, then moves the branch to the new
head. Trees, authors and messages are kept. Merge commits cannot be replayed.

The branch is only moved if it still points at the tip that was replayed.

	commit-headless replay -T acme/widgets --branch bot/update --since 1a2b3c4`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if since == "" {
				return &commit.ValidationError{Field: "since", Message: "--since is required"}
			}
			cfg, d, err := a.setup(cmd, &ref)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("signing-key") {
				cfg.Commit.SigningKey = signingKey
			}
			opts, err := a.commitOptions(cfg, "", nil, nil)
			if err != nil {
				return err
			}

			res, err := d.Replay(cmd.Context(), headless.ReplayRequest{
				RefOptions: ref.options(cfg),
				Since:      since,
				Commit:     opts,
				Limit:      limit,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Hash)
			return nil
		},
	}

	addTargetFlags(cmd, &ref, "expected tip of the branch")
	fl := cmd.Flags()
	fl.StringVar(&since, "since", "", "newest commit to keep; the commits after it are replayed")
	fl.StringVar(&signingKey, "signing-key", "", "SSH private key used to sign the replayed commits")
	fl.IntVar(&limit, "limit", headless.DefaultReplayLimit, "maximum number of commits to walk back from the tip")
	return cmd
}
