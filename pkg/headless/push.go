package headless

import (
	"context"
	"fmt"

	"github.com/odvcencio/commit-headless/pkg/localrepo"
	"github.com/odvcencio/commit-headless/pkg/remote"
)

// CommitSource yields local commits to push.
type CommitSource interface {
	CollectPush(revs []string) (*localrepo.PushSet, error)
}

// PushRequest describes local commits to publish on a branch.
type PushRequest struct {
	RefOptions
	Source CommitSource
	// Revs are revisions understood by Source, in any order.
	Revs []string
}

// Push publishes a linear run of local commits whose oldest member is
// parented on the branch base.
func (d *Dispatcher) Push(ctx context.Context, req PushRequest) (*Result, error) {
	log := d.log()
	opts := req.RefOptions.normalize()

	var b base
	if err := d.run(StageResolving, func() error {
		if err := opts.validate(); err != nil {
			return err
		}
		if len(req.Revs) == 0 {
			return &ValidationError{Field: "commits", Message: "no commits to push"}
		}
		var err error
		b, err = d.resolveBase(ctx, opts)
		return err
	}); err != nil {
		return nil, err
	}
	log.Info("resolved base", "branch", opts.Branch, "base", displayBase(b.hash), "exists", b.exists)

	var set *localrepo.PushSet
	if err := d.run(StageBuilding, func() error {
		var err error
		set, err = req.Source.CollectPush(req.Revs)
		if err != nil {
			return &ValidationError{Field: "commits", Message: err.Error(), Err: err}
		}
		for _, h := range set.Commits {
			log.Debug("commit", "hash", string(h))
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := d.run(StageValidating, func() error {
		if set.Parent != b.hash {
			return &remote.RefMismatchError{
				Branch:   opts.Branch,
				Expected: set.Parent,
				Actual:   b.hash,
				Reason:   fmt.Sprintf("oldest commit %s is not parented on the branch base", set.Commits[0].Short()),
			}
		}
		return verifyRecords(set.Records)
	}); err != nil {
		return nil, err
	}

	res := &Result{Hash: set.Head(), Base: b.hash, Created: !b.exists, Objects: len(set.Records)}
	if opts.DryRun {
		res.DryRun = true
		log.Info("dry run: not pushing", "commits", len(set.Commits), "hash", string(res.Hash))
		d.enter(StageDone)
		return res, nil
	}

	end := log.Group(fmt.Sprintf("Pushing %d commit(s) to %s", len(set.Commits), opts.Branch))
	final, err := d.publish(ctx, opts, b, set.Records, set.Head())
	end()
	if err != nil {
		return nil, err
	}
	res.Hash = final
	log.Info("updated branch", "branch", opts.Branch, "hash", string(final), "commits", len(set.Commits))
	return res, nil
}

var _ CommitSource = (*localrepo.Repo)(nil)
