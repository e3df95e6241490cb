package headless

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/odvcencio/commit-headless/pkg/object"
	"github.com/odvcencio/commit-headless/pkg/remote"
)

// base is the commit new work is parented on.
type base struct {
	hash    object.Hash // empty for a root commit
	exists  bool        // the target branch exists and points at hash
	rewrite bool        // the new head need not descend from hash
}

func (o RefOptions) normalize() RefOptions {
	o.Branch = strings.TrimPrefix(strings.TrimSpace(o.Branch), "refs/heads/")
	o.BranchFrom = strings.TrimPrefix(strings.TrimSpace(o.BranchFrom), "refs/heads/")
	o.HeadSHA = object.Hash(strings.ToLower(strings.TrimSpace(string(o.HeadSHA))))
	return o
}

func (o RefOptions) validate() error {
	if err := validateBranch("branch", o.Branch); err != nil {
		return err
	}
	if o.BranchFrom != "" {
		if err := validateBranch("branch-from", o.BranchFrom); err != nil {
			return err
		}
	}
	if o.HeadSHA != "" {
		if _, err := object.ParseHash(string(o.HeadSHA)); err != nil {
			return &ValidationError{Field: "head-sha", Message: fmt.Sprintf("%q must be a full 40 hex digit commit hash", o.HeadSHA), Err: err}
		}
	}
	return nil
}

// resolveBase applies the base rules:
//
//   - the branch exists: the base is its tip, which must equal HeadSHA if set;
//   - it is missing without CreateBranch: NotFoundError;
//   - it is missing with CreateBranch: HeadSHA, else the tip of BranchFrom,
//     else no parent at all.
func (d *Dispatcher) resolveBase(ctx context.Context, o RefOptions) (base, error) {
	tip, err := d.Remote.ResolveRef(ctx, o.Branch)
	if err == nil {
		if o.HeadSHA != "" && o.HeadSHA != tip {
			return base{}, &remote.RefMismatchError{
				Branch:   o.Branch,
				Expected: o.HeadSHA,
				Actual:   tip,
				Reason:   "branch tip does not match --head-sha",
			}
		}
		return base{hash: tip, exists: true}, nil
	}

	var nf *remote.NotFoundError
	if !errors.As(err, &nf) || nf.Branch == "" {
		return base{}, err
	}
	if !o.CreateBranch {
		return base{}, fmt.Errorf("%w (use --create-branch to create it)", err)
	}

	switch {
	case o.HeadSHA != "":
		return base{hash: o.HeadSHA}, nil
	case o.BranchFrom != "":
		from, err := d.Remote.ResolveRef(ctx, o.BranchFrom)
		if err != nil {
			return base{}, err
		}
		return base{hash: from}, nil
	}
	return base{}, nil
}

// validateBranch applies the parts of git's ref name rules that matter for
// a branch name given on the command line.
func validateBranch(field, name string) error {
	bad := func(reason string) error {
		return &ValidationError{Field: field, Message: fmt.Sprintf("invalid branch name %q: %s", name, reason)}
	}
	switch {
	case name == "":
		return &ValidationError{Field: field, Message: "branch name is required"}
	case name == "@":
		return bad("reserved name")
	case strings.HasPrefix(name, "-"):
		return bad("starts with '-'")
	case strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/"):
		return bad("leading or trailing slash")
	case strings.HasSuffix(name, ".") || strings.HasSuffix(name, ".lock"):
		return bad("bad suffix")
	case strings.Contains(name, "..") || strings.Contains(name, "//") || strings.Contains(name, "@{"):
		return bad("contains a forbidden sequence")
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(" ~^:?*[\\", r) {
			return bad(fmt.Sprintf("contains %q", r))
		}
	}
	for _, part := range strings.Split(name, "/") {
		if strings.HasPrefix(part, ".") {
			return bad("component starts with '.'")
		}
	}
	return nil
}
