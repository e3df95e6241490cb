package headless

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/odvcencio/commit-headless/pkg/commit"
	"github.com/odvcencio/commit-headless/pkg/object"
	"github.com/odvcencio/commit-headless/pkg/remote"
)

// DefaultReplayLimit bounds how far Replay walks back from the branch tip.
const DefaultReplayLimit = 250

var sincePattern = regexp.MustCompile(`^[0-9a-f]{4,40}$`)

// ReplayRequest rewrites the commits after Since on a branch.
type ReplayRequest struct {
	RefOptions
	// Since is the newest commit kept as is, as a full hash or a prefix of
	// one on the branch's history.
	Since string
	// Commit supplies the committer and signer of the rewritten commits.
	// Tree, author and message are taken from each original commit.
	Commit commit.Options
	// Limit caps the number of commits walked; DefaultReplayLimit when zero.
	Limit int
}

// Replay recreates every commit between Since and the branch tip on top of
// Since, with the configured committer and signer, and moves the branch to
// the new head. Trees are reused, so only commit objects are pushed. The
// branch moves only if it still points at the tip that was replayed.
func (d *Dispatcher) Replay(ctx context.Context, req ReplayRequest) (*Result, error) {
	log := d.log()
	opts := req.RefOptions.normalize()
	since := strings.ToLower(strings.TrimSpace(req.Since))

	var tip object.Hash
	if err := d.run(StageResolving, func() error {
		if err := validateBranch("branch", opts.Branch); err != nil {
			return err
		}
		if opts.CreateBranch || opts.BranchFrom != "" {
			return &ValidationError{Field: "branch", Message: "replay rewrites an existing branch and cannot create one"}
		}
		if opts.HeadSHA != "" {
			if _, err := object.ParseHash(string(opts.HeadSHA)); err != nil {
				return &ValidationError{Field: "head-sha", Message: fmt.Sprintf("%q must be a full 40 hex digit commit hash", opts.HeadSHA), Err: err}
			}
		}
		if !sincePattern.MatchString(since) {
			return &ValidationError{Field: "since", Message: fmt.Sprintf("%q is not a commit hash", req.Since)}
		}
		var err error
		tip, err = d.Remote.ResolveRef(ctx, opts.Branch)
		if err != nil {
			return err
		}
		if opts.HeadSHA != "" && opts.HeadSHA != tip {
			return &remote.RefMismatchError{Branch: opts.Branch, Expected: opts.HeadSHA, Actual: tip, Reason: "branch tip does not match --head-sha"}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	log.Info("resolved branch", "branch", opts.Branch, "tip", string(tip))

	var (
		originals []*object.CommitObj // newest first
		keep      object.Hash
		records   []object.Record
	)
	if err := d.run(StageBuilding, func() error {
		var err error
		originals, keep, err = d.walkSince(ctx, tip, since, req.Limit)
		if err != nil {
			return err
		}
		parent := keep
		now := d.now()
		for i := len(originals) - 1; i >= 0; i-- {
			orig := originals[i]
			co := req.Commit
			co.Tree = orig.TreeHash
			co.Parents = []object.Hash{parent}
			co.Author = commit.Identity{Name: orig.Author.Name, Email: orig.Author.Email}
			co.AuthorWhen = orig.Author.When
			co.When = now
			co.Messages = []string{orig.Message}
			co.Template = nil
			co.Trailers = nil
			_, rec, err := commit.Build(co)
			if err != nil {
				return err
			}
			records = append(records, rec)
			parent = rec.Hash
		}
		return nil
	}); err != nil {
		return nil, err
	}

	res := &Result{Hash: tip, Base: keep, DryRun: opts.DryRun}
	if len(records) == 0 {
		log.Info("nothing to replay", "since", string(keep), "tip", string(tip))
		d.enter(StageDone)
		return res, nil
	}
	if req.Commit.Signer == nil {
		log.Warn("no signing key configured; replayed commits will be unsigned")
	}

	if err := d.run(StageValidating, func() error {
		return verifyRecords(records)
	}); err != nil {
		return nil, err
	}
	head := records[len(records)-1].Hash
	res.Hash = head
	res.Objects = len(records)

	if opts.DryRun {
		log.Info("dry run: not replaying", "commits", len(records), "hash", string(head))
		d.enter(StageDone)
		return res, nil
	}

	end := log.Group(fmt.Sprintf("Replaying %d commit(s) on %s", len(records), opts.Branch))
	final, err := d.publish(ctx, opts, base{hash: tip, exists: true, rewrite: true}, records, head)
	end()
	if err != nil {
		return nil, err
	}
	res.Hash = final
	log.Info("replayed branch", "branch", opts.Branch, "old", string(tip), "hash", string(final), "commits", len(records))
	return res, nil
}

// walkSince follows first parents from tip until it reaches a commit
// matching since. It returns the commits after since, newest first, and the
// full hash of since.
func (d *Dispatcher) walkSince(ctx context.Context, tip object.Hash, since string, limit int) ([]*object.CommitObj, object.Hash, error) {
	if limit <= 0 {
		limit = DefaultReplayLimit
	}
	var out []*object.CommitObj
	for h := tip; ; {
		if strings.HasPrefix(string(h), since) {
			return out, h, nil
		}
		if len(out) == limit {
			return nil, "", &ValidationError{Field: "since", Message: fmt.Sprintf("%s not found within %d commits of the branch tip", since, limit)}
		}
		c, err := d.Remote.LoadCommit(ctx, h)
		if err != nil {
			return nil, "", err
		}
		switch len(c.Parents) {
		case 0:
			return nil, "", &ValidationError{Field: "since", Message: fmt.Sprintf("%s is not an ancestor of the branch tip", since)}
		case 1:
		default:
			return nil, "", &ValidationError{Field: "since", Message: fmt.Sprintf("commit %s is a merge; only linear history can be replayed", h.Short())}
		}
		out = append(out, c)
		h = c.Parents[0]
	}
}
