package remote

import (
	"net/http"

	"golang.org/x/oauth2"
)

// newHTTPClient returns a client that authenticates every request.
//
// Auth resolution order:
// 1) Token with Username (Basic)
// 2) Token alone (Bearer)
// 3) URL userinfo (Basic)
func newHTTPClient(target Target, opts Options) *http.Client {
	if opts.HTTPClient != nil {
		return opts.HTTPClient
	}
	var rt http.RoundTripper = http.DefaultTransport
	switch {
	case opts.Token != "" && opts.Username != "":
		rt = &basicAuthTransport{user: opts.Username, pass: opts.Token, base: rt}
	case opts.Token != "":
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token}),
			Base:   rt,
		}
	case target.user != "":
		rt = &basicAuthTransport{user: target.user, pass: target.pass, base: rt}
	}
	rt = &userAgentTransport{agent: opts.UserAgent, base: rt}
	return &http.Client{Transport: rt, Timeout: opts.Timeout}
}

type basicAuthTransport struct {
	user, pass string
	base       http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.SetBasicAuth(t.user, t.pass)
	return t.base.RoundTrip(r)
}

type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.agent == "" || req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(r)
}
