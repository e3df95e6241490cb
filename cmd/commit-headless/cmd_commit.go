package main

import (
	"fmt"
	"os"
	"text/template"

	"github.com/spf13/cobra"

	"github.com/odvcencio/commit-headless/pkg/commit"
	"github.com/odvcencio/commit-headless/pkg/config"
	"github.com/odvcencio/commit-headless/pkg/headless"
	"github.com/odvcencio/commit-headless/pkg/localrepo"
	"github.com/odvcencio/commit-headless/pkg/tree"
)

func (a *app) newCommitCmd() *cobra.Command {
	var (
		ref        refFlags
		author     string
		messages   []string
		trailers   []string
		signingKey string
		force      bool
		staged     bool
		allowEmpty bool
		repoPath   string
	)

	cmd := &cobra.Command{
		Use:   "commit [flags] [file...]",
		Short: "Commit files from disk onto a remote branch",
		Long: `Builds one commit from the named files on top of the remote branch and
moves the branch to it.

Each file is read from the current directory and written at the same path in
the repository. A file that no longer exists is deleted from the branch, but
only when --force is given. With --staged the changes come from the index of
the local repository instead.

	commit-headless commit -T acme/widgets --branch main -m "Update docs" docs/index.md`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, d, err := a.setup(cmd, &ref)
			if err != nil {
				return err
			}

			var changes []tree.Change
			switch {
			case staged && len(args) > 0:
				return &commit.ValidationError{Field: "files", Message: "file arguments cannot be combined with --staged"}
			case staged:
				repo, err := localrepo.Open(repoPath)
				if err != nil {
					return &commit.ValidationError{Field: "repo", Message: err.Error(), Err: err}
				}
				if changes, err = repo.StagedChanges(); err != nil {
					return err
				}
			default:
				if changes, err = readChanges(os.DirFS("."), args, force); err != nil {
					return err
				}
			}
			for _, c := range changes {
				action := "write"
				if c.Delete {
					action = "delete"
				}
				a.log.Debug("change", "action", action, "path", c.Path)
			}

			if cmd.Flags().Changed("signing-key") {
				cfg.Commit.SigningKey = signingKey
			}
			opts, err := a.commitOptions(cfg, author, messages, trailers)
			if err != nil {
				return err
			}

			res, err := d.Commit(cmd.Context(), headless.CommitRequest{
				RefOptions: ref.options(cfg),
				Changes:    changes,
				Commit:     opts,
				AllowEmpty: allowEmpty,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Hash)
			return nil
		},
	}

	addRefFlags(cmd, &ref)
	fl := cmd.Flags()
	fl.StringVar(&author, "author", "", `commit author as "Name <email>" (default: the committer)`)
	fl.StringArrayVarP(&messages, "message", "m", nil, "commit message; repeat for more paragraphs")
	fl.StringArrayVar(&trailers, "trailer", nil, `trailer line such as "Co-authored-by: Name <email>"`)
	fl.StringVar(&signingKey, "signing-key", "", "SSH private key used to sign the commit")
	fl.BoolVar(&force, "force", false, "delete files that do not exist on disk")
	fl.BoolVar(&staged, "staged", false, "commit the changes staged in the local index")
	fl.BoolVar(&allowEmpty, "allow-empty", false, "allow a commit that leaves the tree unchanged")
	fl.StringVar(&repoPath, "repo", ".", "local repository for --staged")
	return cmd
}

// commitOptions merges commit settings from config and flags.
func (a *app) commitOptions(cfg *config.Config, author string, messages, trailerFlags []string) (commit.Options, error) {
	var opts commit.Options
	if author == "" {
		author = cfg.Commit.Author
	}
	if author != "" {
		id, err := commit.ParseIdentity(author)
		if err != nil {
			return opts, err
		}
		opts.Author = id
	}
	if cfg.Commit.Committer != "" {
		id, err := commit.ParseIdentity(cfg.Commit.Committer)
		if err != nil {
			return opts, err
		}
		opts.Default = id
	}
	opts.Messages = messages

	if cfg.Commit.MessageTemplate != "" {
		tmpl, err := loadTemplate(cfg.Commit.MessageTemplate)
		if err != nil {
			return opts, err
		}
		opts.Template = tmpl
	}

	for _, raw := range append(append([]string(nil), cfg.Commit.Trailers...), trailerFlags...) {
		t, err := commit.ParseTrailer(raw)
		if err != nil {
			return opts, err
		}
		opts.Trailers = append(opts.Trailers, t)
	}

	if cfg.Commit.SigningKey != "" {
		signer, keyPath, err := commit.NewSSHSigner(cfg.Commit.SigningKey)
		if err != nil {
			return opts, &commit.ValidationError{Field: "signing-key", Message: err.Error(), Err: err}
		}
		a.log.Debug("signing commit", "key", keyPath)
		opts.Signer = signer
	}
	return opts, nil
}

// loadTemplate accepts inline template text or "@path" to read it from a file.
func loadTemplate(text string) (*template.Template, error) {
	if len(text) > 1 && text[0] == '@' {
		data, err := os.ReadFile(text[1:])
		if err != nil {
			return nil, &commit.ValidationError{Field: "message template", Message: err.Error(), Err: err}
		}
		text = string(data)
	}
	return commit.ParseMessageTemplate(text)
}
