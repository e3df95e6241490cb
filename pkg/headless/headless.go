// Package headless runs the commit and push operations against a remote:
// resolve the base, build objects, validate, push them and move the branch.
// The ref update is the only externally visible step; objects pushed before
// it stay unreferenced if anything fails.
package headless

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/odvcencio/commit-headless/pkg/commit"
	"github.com/odvcencio/commit-headless/pkg/logging"
	"github.com/odvcencio/commit-headless/pkg/object"
	"github.com/odvcencio/commit-headless/pkg/remote"
)

// Stage names a step of an operation.
type Stage string

const (
	StageResolving   Stage = "resolving"
	StageBuilding    Stage = "building"
	StageValidating  Stage = "validating"
	StagePushing     Stage = "pushing"
	StageUpdatingRef Stage = "updating-ref"
	StageDone        Stage = "done"
)

// StageError records the stage an operation failed in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ValidationError is input rejected before anything is sent to the remote.
type ValidationError = commit.ValidationError

// RefOptions selects the branch to update and how its base is found.
type RefOptions struct {
	Branch string
	// HeadSHA is the tip the branch is expected to have. When the branch is
	// missing and CreateBranch is set, it is the base of the new branch.
	HeadSHA object.Hash
	// BranchFrom names the branch whose tip is the base of a new branch.
	BranchFrom   string
	CreateBranch bool
	DryRun       bool
}

// Result describes a finished operation.
type Result struct {
	// Hash is the commit the branch points at, or would point at on a dry run.
	Hash    object.Hash
	Base    object.Hash
	Created bool
	DryRun  bool
	// Objects counts the records sent (or that would be sent) to the remote.
	Objects int
}

// Dispatcher runs operations against one remote.
type Dispatcher struct {
	Remote remote.Remote
	Log    *logging.Logger
	// Now stamps new commits; defaults to time.Now.
	Now func() time.Time
	// OnStage, when set, observes every stage transition.
	OnStage func(Stage)
}

func (d *Dispatcher) log() *logging.Logger {
	if d.Log == nil {
		return logging.Discard()
	}
	return d.Log
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) enter(s Stage) {
	d.log().Debug("stage", "stage", string(s))
	if d.OnStage != nil {
		d.OnStage(s)
	}
}

// run executes fn as stage s, wrapping any failure in a StageError.
func (d *Dispatcher) run(s Stage, fn func() error) error {
	d.enter(s)
	if err := fn(); err != nil {
		var se *StageError
		if errors.As(err, &se) {
			return err
		}
		return &StageError{Stage: s, Err: err}
	}
	return nil
}

// publish pushes records and moves the branch from base to head. A ref
// mismatch is forgiven when the branch already points at head, which
// happens when an earlier attempt landed but its response was lost.
func (d *Dispatcher) publish(ctx context.Context, opts RefOptions, base base, records []object.Record, head object.Hash) (object.Hash, error) {
	log := d.log()

	if err := d.run(StagePushing, func() error {
		log.Info("pushing objects", "count", len(records))
		return d.Remote.PushObjects(ctx, records)
	}); err != nil {
		return "", err
	}

	var final object.Hash
	err := d.run(StageUpdatingRef, func() error {
		update := remote.RefUpdate{Branch: opts.Branch, New: head, Rewrite: base.rewrite}
		if base.exists {
			update.Old = base.hash
		} else {
			update.Create = true
		}
		got, err := d.Remote.UpdateRef(ctx, update)
		if err == nil {
			final = got
			return nil
		}
		if !errors.Is(err, remote.ErrRefMismatch) {
			return err
		}
		tip, rerr := d.Remote.ResolveRef(ctx, opts.Branch)
		if rerr == nil && tip == head {
			log.Warn("ref update reported a conflict but the branch already points at the new commit", "branch", opts.Branch, "hash", string(head))
			final = tip
			return nil
		}
		return err
	})
	if err != nil {
		return "", err
	}
	d.enter(StageDone)
	return final, nil
}

// verifyRecords checks every record hashes to its id.
func verifyRecords(records []object.Record) error {
	for _, r := range records {
		if got := object.HashObject(r.Type, r.Data); got != r.Hash {
			return fmt.Errorf("%s %s hashes to %s", r.Type, r.Hash, got)
		}
	}
	return nil
}
