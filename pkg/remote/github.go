package remote

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v62/github"

	"github.com/odvcencio/commit-headless/pkg/object"
)

// GitHub talks to the GitHub Git Data REST API. Objects are created one by
// one; when the API returns a different id than the local one (for example
// a commit whose headers the API cannot reproduce) later objects and the ref
// update are rewritten to use the remote id.
type GitHub struct {
	target Target
	opts   Options
	client *github.Client
	log    *slog.Logger

	remoteIDs map[object.Hash]object.Hash
}

var _ Remote = (*GitHub)(nil)

// NewGitHub creates a GitHub API client for target. The API endpoint is
// opts.APIURL, api.github.com for github.com targets, or /api/v3/ on the
// target host for GitHub Enterprise Server.
func NewGitHub(target Target, opts Options) (*GitHub, error) {
	opts = opts.withDefaults()
	client := github.NewClient(newHTTPClient(target, Options{
		Token:      opts.Token,
		Timeout:    opts.Timeout,
		UserAgent:  opts.UserAgent,
		HTTPClient: opts.HTTPClient,
	}))
	client.UserAgent = opts.UserAgent

	apiURL := opts.APIURL
	if apiURL == "" && !strings.EqualFold(target.Host, "github.com") {
		apiURL = "https://" + target.Host + "/api/v3/"
	}
	if apiURL != "" {
		u, err := url.Parse(strings.TrimRight(apiURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parse GitHub API URL: %w", err)
		}
		client.BaseURL = u
	}

	return &GitHub{
		target:    target,
		opts:      opts,
		client:    client,
		log:       opts.Logger.With("transport", "github", "target", target.String()),
		remoteIDs: make(map[object.Hash]object.Hash),
	}, nil
}

// ResolveRef returns the tip of refs/heads/<branch>.
func (g *GitHub) ResolveRef(ctx context.Context, branch string) (object.Hash, error) {
	var ref *github.Reference
	err := g.call(ctx, "get ref", func(ctx context.Context) (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		ref, resp, err = g.client.Git.GetRef(ctx, g.target.Owner, g.target.Repo, "heads/"+branch)
		return resp, err
	})
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return "", &NotFoundError{Target: g.target.String(), Branch: branch}
		}
		return "", err
	}
	// A prefix match returns a different ref; GitHub answers 404 only when
	// nothing starts with the name.
	if ref.GetRef() != branchRef(branch) {
		return "", &NotFoundError{Target: g.target.String(), Branch: branch}
	}
	return object.ParseHash(ref.GetObject().GetSHA())
}

// LoadCommit fetches commit metadata. Only the fields the API exposes are
// populated, so the result is not byte-identical to the stored commit.
func (g *GitHub) LoadCommit(ctx context.Context, h object.Hash) (*object.CommitObj, error) {
	var c *github.Commit
	err := g.call(ctx, "get commit", func(ctx context.Context) (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		c, resp, err = g.client.Git.GetCommit(ctx, g.target.Owner, g.target.Repo, string(h))
		return resp, err
	})
	if err != nil {
		return nil, g.objectNotFound(err, h)
	}

	out := &object.CommitObj{
		TreeHash: object.Hash(c.GetTree().GetSHA()),
		Message:  c.GetMessage(),
	}
	for _, p := range c.Parents {
		out.Parents = append(out.Parents, object.Hash(p.GetSHA()))
	}
	if a := c.GetAuthor(); a != nil {
		out.Author = object.Signature{Name: a.GetName(), Email: a.GetEmail(), When: a.GetDate().Time}
	}
	if cm := c.GetCommitter(); cm != nil {
		out.Committer = object.Signature{Name: cm.GetName(), Email: cm.GetEmail(), When: cm.GetDate().Time}
	}
	return out, nil
}

// LoadTree fetches one tree level.
func (g *GitHub) LoadTree(ctx context.Context, h object.Hash) (*object.TreeObj, error) {
	var tr *github.Tree
	err := g.call(ctx, "get tree", func(ctx context.Context) (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		tr, resp, err = g.client.Git.GetTree(ctx, g.target.Owner, g.target.Repo, string(h), false)
		return resp, err
	})
	if err != nil {
		return nil, g.objectNotFound(err, h)
	}

	out := &object.TreeObj{Entries: make([]object.TreeEntry, 0, len(tr.Entries))}
	for _, e := range tr.Entries {
		out.Entries = append(out.Entries, object.TreeEntry{
			Name: e.GetPath(),
			Mode: object.NormalizeMode(e.GetMode()),
			Hash: object.Hash(e.GetSHA()),
		})
	}
	return out, nil
}

// PushObjects creates blobs, trees and commits through the API. Records must
// be ordered children first.
func (g *GitHub) PushObjects(ctx context.Context, records []object.Record) error {
	for _, rec := range records {
		var (
			remote object.Hash
			err    error
		)
		switch rec.Type {
		case object.TypeBlob:
			remote, err = g.createBlob(ctx, rec)
		case object.TypeTree:
			remote, err = g.createTree(ctx, rec)
		case object.TypeCommit:
			remote, err = g.createCommit(ctx, rec)
		default:
			err = fmt.Errorf("cannot push %s objects through the GitHub API", rec.Type)
		}
		if err != nil {
			return fmt.Errorf("push %s %s: %w", rec.Type, rec.Hash.Short(), err)
		}
		if remote != rec.Hash {
			g.log.WarnContext(ctx, "remote object id differs from local", "type", rec.Type, "local", rec.Hash.Short(), "remote", remote.Short())
			g.remoteIDs[rec.Hash] = remote
		}
	}
	g.log.DebugContext(ctx, "created objects", "count", len(records))
	return nil
}

func (g *GitHub) remoteID(h object.Hash) object.Hash {
	if r, ok := g.remoteIDs[h]; ok {
		return r
	}
	return h
}

func (g *GitHub) createBlob(ctx context.Context, rec object.Record) (object.Hash, error) {
	var blob *github.Blob
	err := g.call(ctx, "create blob", func(ctx context.Context) (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		blob, resp, err = g.client.Git.CreateBlob(ctx, g.target.Owner, g.target.Repo, &github.Blob{
			Content:  github.String(base64.StdEncoding.EncodeToString(rec.Data)),
			Encoding: github.String("base64"),
		})
		return resp, err
	})
	if err != nil {
		return "", err
	}
	return object.ParseHash(blob.GetSHA())
}

func (g *GitHub) createTree(ctx context.Context, rec object.Record) (object.Hash, error) {
	tr, err := object.UnmarshalTree(rec.Data)
	if err != nil {
		return "", err
	}
	entries := make([]*github.TreeEntry, 0, len(tr.Entries))
	for _, e := range tr.Entries {
		mode := e.Mode
		if e.IsDir() {
			mode = "040000"
		}
		entries = append(entries, &github.TreeEntry{
			Path: github.String(e.Name),
			Mode: github.String(mode),
			Type: github.String(string(e.Kind())),
			SHA:  github.String(string(g.remoteID(e.Hash))),
		})
	}

	var created *github.Tree
	err = g.call(ctx, "create tree", func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		created, resp, err = g.client.Git.CreateTree(ctx, g.target.Owner, g.target.Repo, "", entries)
		return resp, err
	})
	if err != nil {
		return "", err
	}
	return object.ParseHash(created.GetSHA())
}

func (g *GitHub) createCommit(ctx context.Context, rec object.Record) (object.Hash, error) {
	c, err := object.UnmarshalCommit(rec.Data)
	if err != nil {
		return "", err
	}
	if len(c.ExtraHeaders) > 0 {
		g.log.WarnContext(ctx, "commit headers are not preserved by the GitHub API", "commit", rec.Hash.Short(), "headers", len(c.ExtraHeaders))
	}

	commit := &github.Commit{
		Message: github.String(c.Message),
		Tree:    &github.Tree{SHA: github.String(string(g.remoteID(c.TreeHash)))},
		Author: &github.CommitAuthor{
			Name:  github.String(c.Author.Name),
			Email: github.String(c.Author.Email),
			Date:  &github.Timestamp{Time: c.Author.When},
		},
		Committer: &github.CommitAuthor{
			Name:  github.String(c.Committer.Name),
			Email: github.String(c.Committer.Email),
			Date:  &github.Timestamp{Time: c.Committer.When},
		},
	}
	for _, p := range c.Parents {
		commit.Parents = append(commit.Parents, &github.Commit{SHA: github.String(string(g.remoteID(p)))})
	}
	if c.Signature != "" {
		commit.Verification = &github.SignatureVerification{Signature: github.String(c.Signature)}
	}

	var created *github.Commit
	err = g.call(ctx, "create commit", func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		created, resp, err = g.client.Git.CreateCommit(ctx, g.target.Owner, g.target.Repo, commit, nil)
		return resp, err
	})
	if err != nil {
		return "", err
	}
	return object.ParseHash(created.GetSHA())
}

// UpdateRef checks the branch against update.Old and moves it. Without
// update.Rewrite the move is not forced, so a concurrent change surfaces as a
// non-fast-forward rejection.
func (g *GitHub) UpdateRef(ctx context.Context, update RefUpdate) (object.Hash, error) {
	if update.New.IsZero() {
		return "", fmt.Errorf("update %s: new hash is required", update.Branch)
	}
	newID := g.remoteID(update.New)
	ref := &github.Reference{
		Ref:    github.String(branchRef(update.Branch)),
		Object: &github.GitObject{SHA: github.String(string(newID))},
	}

	current, err := g.ResolveRef(ctx, update.Branch)
	switch {
	case errors.Is(err, ErrNotFound) && update.Create:
		err = g.call(ctx, "create ref", func(ctx context.Context) (*github.Response, error) {
			_, resp, err := g.client.Git.CreateRef(ctx, g.target.Owner, g.target.Repo, ref)
			return resp, err
		})
	case err != nil:
		return "", err
	case update.Create:
		return "", &RefMismatchError{Branch: update.Branch, Actual: current, Reason: "reference already exists"}
	case current != g.remoteID(update.Old):
		return "", &RefMismatchError{Branch: update.Branch, Expected: update.Old, Actual: current, Reason: "stale info"}
	default:
		err = g.call(ctx, "update ref", func(ctx context.Context) (*github.Response, error) {
			_, resp, err := g.client.Git.UpdateRef(ctx, g.target.Owner, g.target.Repo, ref, update.Rewrite)
			return resp, err
		})
	}
	if err != nil {
		var rejected *RemoteRejected
		if errors.As(err, &rejected) && isUnprocessable(err) && isRefConflict(rejected.Message) {
			return "", &RefMismatchError{Branch: update.Branch, Expected: update.Old, Reason: rejected.Message}
		}
		return "", err
	}
	g.log.DebugContext(ctx, "updated ref", "branch", update.Branch, "new", newID.Short())
	return newID, nil
}

func (g *GitHub) objectNotFound(err error, h object.Hash) error {
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return &NotFoundError{Target: g.target.String(), Object: h}
	}
	return err
}

// apiStatusError marks errors derived from an API response status so ref
// updates can tell a 422 from other rejections.
type apiStatusError struct {
	status int
	err    error
}

func (e *apiStatusError) Error() string { return e.err.Error() }
func (e *apiStatusError) Unwrap() error { return e.err }

// isRefConflict matches the 422 messages GitHub returns when the ref moved
// underneath us, as opposed to a branch protection rejection.
func isRefConflict(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "fast forward") || strings.Contains(msg, "already exists")
}

func isUnprocessable(err error) bool {
	var se *apiStatusError
	return errors.As(err, &se) && (se.status == http.StatusUnprocessableEntity || se.status == http.StatusConflict)
}

// call runs one API request under the retry policy and maps its error.
func (g *GitHub) call(ctx context.Context, op string, fn func(ctx context.Context) (*github.Response, error)) error {
	return g.opts.Retry.Do(ctx, func(ctx context.Context) error {
		_, err := fn(ctx)
		if err == nil {
			return nil
		}
		return g.mapError(ctx, op, err)
	})
}

func (g *GitHub) mapError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return &NetworkError{Op: op, Status: http.StatusForbidden, RetryAfter: timeUntilReset(rateErr), Err: err}
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return &NetworkError{Op: op, Status: http.StatusForbidden, RetryAfter: abuseErr.GetRetryAfter(), Err: err}
	}
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		status := respErr.Response.StatusCode
		detail := respErr.Message
		for _, e := range respErr.Errors {
			if e.Message != "" {
				detail += "; " + e.Message
			}
		}
		mapped := statusError(op, g.target.String(), status, []byte(detail), parseRetryAfter(respErr.Response.Header))
		return &apiStatusError{status: status, err: mapped}
	}
	return &NetworkError{Op: op, Err: err}
}

func timeUntilReset(e *github.RateLimitError) time.Duration {
	d := time.Until(e.Rate.Reset.Time)
	if d < 0 {
		return 0
	}
	return d
}
