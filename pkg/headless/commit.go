package headless

import (
	"context"
	"fmt"

	"github.com/odvcencio/commit-headless/pkg/commit"
	"github.com/odvcencio/commit-headless/pkg/object"
	"github.com/odvcencio/commit-headless/pkg/tree"
)

// CommitRequest describes one commit built from a change set.
type CommitRequest struct {
	RefOptions
	Changes []tree.Change
	// Commit carries identities, messages, template and signer. Tree,
	// Parents and template data are filled in by Commit.
	Commit commit.Options
	// AllowEmpty permits a commit whose tree equals its parent's.
	AllowEmpty bool
}

// Commit builds a tree and commit on top of the branch base and, unless
// DryRun is set, pushes them and moves the branch.
func (d *Dispatcher) Commit(ctx context.Context, req CommitRequest) (*Result, error) {
	log := d.log()
	opts := req.RefOptions.normalize()

	var b base
	if err := d.run(StageResolving, func() error {
		if err := opts.validate(); err != nil {
			return err
		}
		if len(req.Changes) == 0 {
			return &ValidationError{Field: "changes", Message: "no files to commit"}
		}
		var err error
		b, err = d.resolveBase(ctx, opts)
		return err
	}); err != nil {
		return nil, err
	}
	log.Info("resolved base", "branch", opts.Branch, "base", displayBase(b.hash), "exists", b.exists)

	var (
		baseTree object.Hash
		built    *tree.Result
		record   object.Record
	)
	if err := d.run(StageBuilding, func() error {
		if b.hash != "" {
			c, err := d.Remote.LoadCommit(ctx, b.hash)
			if err != nil {
				return fmt.Errorf("load base commit: %w", err)
			}
			baseTree = c.TreeHash
		}
		var err error
		built, err = tree.Build(ctx, d.Remote, baseTree, req.Changes)
		if err != nil {
			return err
		}
		for _, p := range built.Noops {
			log.Warn("deleted path is not in the base tree", "path", p)
		}

		copts := req.Commit
		copts.Tree = built.Root
		copts.Parents = nil
		if b.hash != "" {
			copts.Parents = []object.Hash{b.hash}
		}
		if copts.When.IsZero() {
			copts.When = d.now()
		}
		sum := tree.Summarize(req.Changes)
		copts.Data = commit.MessageData{Branch: opts.Branch, Added: sum.Added, Deleted: sum.Deleted}
		_, record, err = commit.Build(copts)
		return err
	}); err != nil {
		return nil, err
	}

	records := append(built.Objects, record)
	if err := d.run(StageValidating, func() error {
		if !req.AllowEmpty && baseTree != "" && built.Root == baseTree {
			return &ValidationError{Field: "changes", Message: "changes leave the tree of " + b.hash.Short() + " unchanged"}
		}
		return verifyRecords(records)
	}); err != nil {
		return nil, err
	}

	res := &Result{Hash: record.Hash, Base: b.hash, Created: !b.exists, Objects: len(records)}
	if opts.DryRun {
		res.DryRun = true
		log.Info("dry run: not pushing", "hash", string(record.Hash), "objects", len(records))
		d.enter(StageDone)
		return res, nil
	}

	final, err := d.publish(ctx, opts, b, records, record.Hash)
	if err != nil {
		return nil, err
	}
	res.Hash = final
	log.Info("updated branch", "branch", opts.Branch, "hash", string(final))
	return res, nil
}

func displayBase(h object.Hash) string {
	if h == "" {
		return "(root)"
	}
	return string(h)
}
