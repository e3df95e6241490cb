package remote

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/odvcencio/commit-headless/pkg/object"
)

// Sentinel kinds. Every typed error below matches exactly one of them with
// errors.Is, so callers can branch without type assertions.
var (
	ErrAuth        = errors.New("authentication failed")
	ErrNotFound    = errors.New("not found")
	ErrRefMismatch = errors.New("ref mismatch")
	ErrNetwork     = errors.New("network failure")
	ErrRejected    = errors.New("rejected by remote")
)

// AuthError is returned when the remote refuses the credentials (401/403).
type AuthError struct {
	Target string
	Status int
	Detail string
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("authentication to %s failed", e.Target)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// NotFoundError reports an unknown target repository, branch or object.
type NotFoundError struct {
	Target string
	Branch string
	Object object.Hash
}

func (e *NotFoundError) Error() string {
	switch {
	case e.Branch != "":
		return fmt.Sprintf("branch %q not found on %s", e.Branch, e.Target)
	case e.Object != "":
		return fmt.Sprintf("object %s not found on %s", e.Object, e.Target)
	default:
		return fmt.Sprintf("repository %s not found", e.Target)
	}
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// RefMismatchError reports a failed compare-and-swap: the branch did not hold
// the expected value, the update was not a fast-forward, or a branch to be
// created already exists.
type RefMismatchError struct {
	Branch   string
	Expected object.Hash
	Actual   object.Hash
	Reason   string
}

func (e *RefMismatchError) Error() string {
	msg := fmt.Sprintf("ref %s changed on remote", e.Branch)
	if !e.Expected.IsZero() || !e.Actual.IsZero() {
		msg += fmt.Sprintf(" (expected %s, found %s)", displayHash(e.Expected), displayHash(e.Actual))
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *RefMismatchError) Is(target error) bool { return target == ErrRefMismatch }

// NetworkError covers transport failures, throttling and server errors. It is
// the only error kind that is retried.
type NetworkError struct {
	Op         string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *NetworkError) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("%s: HTTP %d: %v", e.Op, e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: HTTP %d %s", e.Op, e.Status, http.StatusText(e.Status))
	}
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// RemoteRejected carries a policy rejection from the remote, message verbatim.
type RemoteRejected struct {
	Ref     string
	Message string
}

func (e *RemoteRejected) Error() string {
	if e.Ref == "" {
		return "remote rejected push: " + e.Message
	}
	return fmt.Sprintf("remote rejected %s: %s", e.Ref, e.Message)
}

func (e *RemoteRejected) Is(target error) bool { return target == ErrRejected }

func displayHash(h object.Hash) string {
	if h.IsZero() {
		return "none"
	}
	return h.Short()
}

// statusError maps a non-success HTTP status to the taxonomy.
func statusError(op, target string, status int, body []byte, retryAfter time.Duration) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 512 {
		detail = detail[:512]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Target: target, Status: status, Detail: detail}
	case status == http.StatusNotFound:
		return &NotFoundError{Target: target}
	case isRetryableStatus(status):
		var err error
		if detail != "" {
			err = errors.New(detail)
		}
		return &NetworkError{Op: op, Status: status, RetryAfter: retryAfter, Err: err}
	default:
		if detail == "" {
			detail = http.StatusText(status)
		}
		return &RemoteRejected{Message: fmt.Sprintf("%s: HTTP %d: %s", op, status, detail)}
	}
}

// refMismatchReasons are the receive-pack "ng" reasons that mean the CAS lost.
var refMismatchReasons = []string{
	"fetch first",
	"non-fast-forward",
	"stale info",
	"failed to lock",
	"cannot lock ref",
	"already exists",
	"incorrect old value",
	"failed to update ref",
}

// classifyRefFailure turns an "ng <ref> <reason>" status into a typed error.
func classifyRefFailure(update RefUpdate, reason string) error {
	lower := strings.ToLower(reason)
	for _, r := range refMismatchReasons {
		if strings.Contains(lower, r) {
			return &RefMismatchError{Branch: update.Branch, Expected: update.Old, Reason: reason}
		}
	}
	return &RemoteRejected{Ref: branchRef(update.Branch), Message: reason}
}
