package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odvcencio/commit-headless/pkg/commit"
	"github.com/odvcencio/commit-headless/pkg/headless"
	"github.com/odvcencio/commit-headless/pkg/localrepo"
)

func (a *app) newPushCmd() *cobra.Command {
	var (
		ref      refFlags
		repoPath string
	)

	cmd := &cobra.Command{
		Use:   "push [flags] [commit...]",
		Short: "Push local commits to a remote branch",
		Long: `Publishes commits from a local repository on the remote branch. The commits
must form one linear run whose oldest member is parented on the branch tip.

Commits are given as arguments or piped on standard input, one per line with
the hash at the start of the line:

	commit-headless push -T acme/widgets --branch main HEAD HEAD^
	git log --oneline origin/main.. | commit-headless push -T acme/widgets --branch main`,
		RunE: func(cmd *cobra.Command, args []string) error {
			revs := args
			if len(revs) == 0 {
				var err error
				if revs, err = commitsFromStdin(a.stdin); err != nil {
					return &commit.ValidationError{Field: "commits", Message: err.Error(), Err: err}
				}
			}

			cfg, d, err := a.setup(cmd, &ref)
			if err != nil {
				return err
			}
			repo, err := localrepo.Open(repoPath)
			if err != nil {
				return &commit.ValidationError{Field: "repo", Message: err.Error(), Err: err}
			}
			a.log.Debug("local repository", "path", repo.Path(), "commits", len(revs))

			res, err := d.Push(cmd.Context(), headless.PushRequest{
				RefOptions: ref.options(cfg),
				Source:     repo,
				Revs:       revs,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Hash)
			return nil
		},
	}

	addRefFlags(cmd, &ref)
	cmd.Flags().StringVar(&repoPath, "repo", ".", "local repository holding the commits")
	return cmd
}
