// Package remote moves objects to and from a hosted git repository and
// updates branch refs with compare-and-swap semantics.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/odvcencio/commit-headless/pkg/object"
)

// Remote is a hosted repository. Calls are made sequentially by one
// operation; implementations are not required to be safe for concurrent use.
type Remote interface {
	// ResolveRef returns the tip of refs/heads/<branch> or a NotFoundError.
	ResolveRef(ctx context.Context, branch string) (object.Hash, error)
	LoadCommit(ctx context.Context, h object.Hash) (*object.CommitObj, error)
	LoadTree(ctx context.Context, h object.Hash) (*object.TreeObj, error)
	// PushObjects makes records available to a later UpdateRef. Objects are
	// inert until a ref points at them.
	PushObjects(ctx context.Context, records []object.Record) error
	// UpdateRef moves the branch from Old to New atomically and returns the
	// commit hash the branch now points at.
	UpdateRef(ctx context.Context, update RefUpdate) (object.Hash, error)
}

// RefUpdate is one compare-and-swap on refs/heads/<Branch>. Old is ignored
// when Create is set: the branch must not exist.
type RefUpdate struct {
	Branch string
	Old    object.Hash
	New    object.Hash
	Create bool

	// Rewrite allows New to not descend from Old. The update still fails
	// unless the branch points at Old.
	Rewrite bool
}

// Transport selects a backend.
type Transport string

const (
	TransportAuto   Transport = "auto"
	TransportGit    Transport = "git"
	TransportGitHub Transport = "github"
)

// ParseTransport validates a transport name. Empty means auto.
func ParseTransport(s string) (Transport, error) {
	switch t := Transport(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return TransportAuto, nil
	case TransportAuto, TransportGit, TransportGitHub:
		return t, nil
	default:
		return "", fmt.Errorf("unknown transport %q (want auto, git or github)", s)
	}
}

// Options configures a backend. Zero-value fields receive defaults.
type Options struct {
	Token    string
	Username string // basic-auth user for the git transport; empty sends a bearer token

	Timeout time.Duration // per HTTP call (default 60s)
	Retry   RetryPolicy

	// APIURL overrides the GitHub REST endpoint, e.g. for GitHub Enterprise.
	APIURL string
	// CompressThreshold is the request size above which bodies are gzip
	// encoded; negative disables compression.
	CompressThreshold int

	UserAgent string
	Logger    *slog.Logger

	// HTTPClient replaces the client built from Token and Timeout.
	HTTPClient *http.Client
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	o.Retry = o.Retry.withDefaults()
	if o.CompressThreshold == 0 {
		o.CompressThreshold = defaultCompressThreshold
	}
	if o.UserAgent == "" {
		o.UserAgent = "commit-headless"
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// New builds the backend for target. TransportAuto picks the GitHub API for
// github.com targets and smart HTTP for everything else.
func New(target Target, transport Transport, opts Options) (Remote, error) {
	if transport == TransportAuto || transport == "" {
		transport = TransportGit
		if target.IsGitHub() {
			transport = TransportGitHub
		}
	}
	switch transport {
	case TransportGit:
		return NewSmartHTTP(target, opts), nil
	case TransportGitHub:
		return NewGitHub(target, opts)
	default:
		return nil, fmt.Errorf("unknown transport %q", transport)
	}
}

func branchRef(branch string) string {
	return "refs/heads/" + branch
}
