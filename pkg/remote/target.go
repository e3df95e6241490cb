package remote

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// DefaultServerURL is the host "owner/repo" targets resolve against.
const DefaultServerURL = "https://github.com"

// Target identifies a remote repository.
// URL is normalized to "scheme://host/.../owner/repo.git" without userinfo.
type Target struct {
	Raw    string
	URL    string
	Host   string
	Owner  string
	Repo   string
	github bool
	user   string
	pass   string
}

// ParseTarget parses a repository target.
//
// Supported inputs include:
// - owner/repo (resolved against serverURL, default https://github.com)
// - https://host/owner/repo
// - https://host/prefix/owner/repo.git
func ParseTarget(raw, serverURL string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, fmt.Errorf("target is required")
	}
	if serverURL == "" {
		serverURL = DefaultServerURL
	}
	server, err := url.Parse(serverURL)
	if err != nil || server.Scheme == "" || server.Host == "" {
		return Target{}, fmt.Errorf("invalid server URL %q", serverURL)
	}

	var u *url.URL
	if !strings.Contains(raw, "://") {
		segments := splitPathSegments(raw)
		if len(segments) != 2 || strings.ContainsAny(raw, ":@") {
			return Target{}, fmt.Errorf("target %q must be owner/repo or a URL", raw)
		}
		u = server.JoinPath(segments[0], segments[1])
	} else {
		u, err = url.Parse(raw)
		if err != nil {
			return Target{}, fmt.Errorf("parse target URL: %w", err)
		}
		if u.Scheme != "https" && u.Scheme != "http" {
			return Target{}, fmt.Errorf("target URL scheme %q is not supported (want http or https)", u.Scheme)
		}
		if u.Host == "" {
			return Target{}, fmt.Errorf("target URL must include a host")
		}
	}

	segments := splitPathSegments(u.Path)
	if len(segments) < 2 {
		return Target{}, fmt.Errorf("target URL must include owner and repository")
	}
	owner := segments[len(segments)-2]
	repo := strings.TrimSuffix(segments[len(segments)-1], ".git")
	if strings.TrimSpace(owner) == "" || strings.TrimSpace(repo) == "" {
		return Target{}, fmt.Errorf("target must include non-empty owner and repository")
	}
	segments[len(segments)-1] = repo + ".git"

	targetURL := *u
	targetURL.Path = "/" + strings.Join(segments, "/")
	targetURL.RawPath = ""
	targetURL.RawQuery = ""
	targetURL.Fragment = ""
	user := ""
	pass := ""
	if targetURL.User != nil {
		user = targetURL.User.Username()
		pass, _ = targetURL.User.Password()
	}
	targetURL.User = nil

	return Target{
		Raw:    raw,
		URL:    strings.TrimRight(targetURL.String(), "/"),
		Host:   targetURL.Host,
		Owner:  owner,
		Repo:   repo,
		github: strings.EqualFold(targetURL.Host, server.Host) && len(segments) == 2,
		user:   user,
		pass:   pass,
	}, nil
}

// IsGitHub reports whether the target lives on the configured GitHub server.
func (t Target) IsGitHub() bool {
	return t.github
}

// String returns owner/repo.
func (t Target) String() string {
	return t.Owner + "/" + t.Repo
}

func splitPathSegments(p string) []string {
	p = strings.TrimSpace(path.Clean("/" + p))
	p = strings.TrimPrefix(p, "/")
	if p == "" || p == "." {
		return nil
	}
	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" && part != "." {
			out = append(out, part)
		}
	}
	return out
}
