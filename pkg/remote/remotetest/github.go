package remotetest

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-github/v62/github"

	"github.com/odvcencio/commit-headless/pkg/object"
)

// GitHubServer emulates the subset of the GitHub Git Data REST API the
// GitHub backend uses. Object ids are computed the way git computes them.
type GitHubServer struct {
	Owner string
	Repo  string
	Store *object.MemStore
	Token string

	http *httptest.Server

	mu     sync.Mutex
	refs   map[string]object.Hash
	reject RejectFunc

	failNext   atomic.Int64
	failStatus atomic.Int64
	writes     atomic.Int64
}

// NewGitHubServer starts a fake API for acme/widgets and closes it when t
// finishes.
func NewGitHubServer(t testing.TB) *GitHubServer {
	t.Helper()
	s := &GitHubServer{
		Owner: "acme",
		Repo:  "widgets",
		Store: object.NewMemStore(),
		refs:  make(map[string]object.Hash),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/{owner}/{repo}/git/ref/{ref...}", s.getRef)
	mux.HandleFunc("GET /repos/{owner}/{repo}/git/refs/{ref...}", s.getRef)
	mux.HandleFunc("GET /repos/{owner}/{repo}/git/commits/{sha}", s.getCommit)
	mux.HandleFunc("GET /repos/{owner}/{repo}/git/trees/{sha}", s.getTree)
	mux.HandleFunc("POST /repos/{owner}/{repo}/git/blobs", s.createBlob)
	mux.HandleFunc("POST /repos/{owner}/{repo}/git/trees", s.createTree)
	mux.HandleFunc("POST /repos/{owner}/{repo}/git/commits", s.createCommit)
	mux.HandleFunc("POST /repos/{owner}/{repo}/git/refs", s.createRef)
	mux.HandleFunc("PATCH /repos/{owner}/{repo}/git/refs/{ref...}", s.updateRef)

	s.http = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if n := s.failNext.Load(); n > 0 && s.failNext.CompareAndSwap(n, n-1) {
			writeJSON(w, int(s.failStatus.Load()), map[string]string{"message": "try again later"})
			return
		}
		if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Bad credentials"})
			return
		}
		if strings.HasPrefix(r.URL.Path, "/repos/") {
			parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/repos/"), "/", 3)
			if len(parts) < 2 || parts[0] != s.Owner || parts[1] != s.Repo {
				writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
				return
			}
		}
		if r.Method != http.MethodGet {
			s.writes.Add(1)
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(s.http.Close)
	return s
}

// APIURL is the base URL to hand to the GitHub backend.
func (s *GitHubServer) APIURL() string {
	return s.http.URL + "/"
}

// SetRef points refs/heads/<branch> at h; a zero hash deletes the branch.
func (s *GitHubServer) SetRef(branch string, h object.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.IsZero() {
		delete(s.refs, "refs/heads/"+branch)
		return
	}
	s.refs["refs/heads/"+branch] = h
}

// Ref returns the tip of refs/heads/<branch>.
func (s *GitHubServer) Ref(branch string) (object.Hash, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.refs["refs/heads/"+branch]
	return h, ok
}

// Seed stores records as if they had been pushed earlier.
func (s *GitHubServer) Seed(records ...object.Record) {
	for _, rec := range records {
		s.Store.Put(rec)
	}
}

// RejectWith installs a policy hook consulted on every ref write.
func (s *GitHubServer) RejectWith(fn RejectFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = fn
}

// FailNext answers the next n requests with status.
func (s *GitHubServer) FailNext(n, status int) {
	s.failStatus.Store(int64(status))
	s.failNext.Store(int64(n))
}

// WriteCalls counts non-GET requests that reached the API.
func (s *GitHubServer) WriteCalls() int { return int(s.writes.Load()) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
}

func unprocessable(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": msg})
}

func (s *GitHubServer) getRef(w http.ResponseWriter, r *http.Request) {
	name := "refs/" + r.PathValue("ref")
	h, ok := s.lookupRef(name)
	if !ok {
		notFound(w)
		return
	}
	writeJSON(w, http.StatusOK, &github.Reference{
		Ref:    github.String(name),
		Object: &github.GitObject{Type: github.String("commit"), SHA: github.String(string(h))},
	})
}

func (s *GitHubServer) lookupRef(name string) (object.Hash, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.refs[name]
	return h, ok
}

func (s *GitHubServer) getCommit(w http.ResponseWriter, r *http.Request) {
	h := object.Hash(r.PathValue("sha"))
	c, err := s.Store.ReadCommit(h)
	if err != nil {
		notFound(w)
		return
	}
	out := &github.Commit{
		SHA:       github.String(string(h)),
		Message:   github.String(c.Message),
		Tree:      &github.Tree{SHA: github.String(string(c.TreeHash))},
		Author:    commitAuthor(c.Author),
		Committer: commitAuthor(c.Committer),
	}
	for _, p := range c.Parents {
		out.Parents = append(out.Parents, &github.Commit{SHA: github.String(string(p))})
	}
	writeJSON(w, http.StatusOK, out)
}

func commitAuthor(sig object.Signature) *github.CommitAuthor {
	return &github.CommitAuthor{
		Name:  github.String(sig.Name),
		Email: github.String(sig.Email),
		Date:  &github.Timestamp{Time: sig.When},
	}
}

func (s *GitHubServer) getTree(w http.ResponseWriter, r *http.Request) {
	h := object.Hash(r.PathValue("sha"))
	tr, err := s.Store.ReadTree(h)
	if err != nil {
		notFound(w)
		return
	}
	out := &github.Tree{SHA: github.String(string(h))}
	for _, e := range tr.Entries {
		mode := e.Mode
		if e.IsDir() {
			mode = "040000"
		}
		out.Entries = append(out.Entries, &github.TreeEntry{
			Path: github.String(e.Name),
			Mode: github.String(mode),
			Type: github.String(string(e.Kind())),
			SHA:  github.String(string(e.Hash)),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *GitHubServer) createBlob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		unprocessable(w, err.Error())
		return
	}
	data := []byte(req.Content)
	if req.Encoding == "base64" {
		var err error
		if data, err = base64.StdEncoding.DecodeString(req.Content); err != nil {
			unprocessable(w, err.Error())
			return
		}
	}
	h, _ := s.Store.Write(object.TypeBlob, data)
	writeJSON(w, http.StatusCreated, &github.Blob{SHA: github.String(string(h))})
}

func (s *GitHubServer) createTree(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BaseTree string `json:"base_tree"`
		Tree     []struct {
			Path string `json:"path"`
			Mode string `json:"mode"`
			Type string `json:"type"`
			SHA  string `json:"sha"`
		} `json:"tree"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		unprocessable(w, err.Error())
		return
	}
	tr := &object.TreeObj{}
	for _, e := range req.Tree {
		if e.Type != string(object.KindSubmodule) && !s.Store.Has(object.Hash(e.SHA)) {
			unprocessable(w, "tree.sha "+e.SHA+" is not a valid "+e.Type)
			return
		}
		tr.Entries = append(tr.Entries, object.TreeEntry{Name: e.Path, Mode: object.NormalizeMode(e.Mode), Hash: object.Hash(e.SHA)})
	}
	h, err := s.Store.WriteTree(tr)
	if err != nil {
		unprocessable(w, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, &github.Tree{SHA: github.String(string(h))})
}

func (s *GitHubServer) createCommit(w http.ResponseWriter, r *http.Request) {
	type person struct {
		Name  string    `json:"name"`
		Email string    `json:"email"`
		Date  time.Time `json:"date"`
	}
	var req struct {
		Message   string   `json:"message"`
		Tree      string   `json:"tree"`
		Parents   []string `json:"parents"`
		Author    *person  `json:"author"`
		Committer *person  `json:"committer"`
		Signature string   `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		unprocessable(w, err.Error())
		return
	}
	if !s.Store.Has(object.Hash(req.Tree)) {
		unprocessable(w, "Tree SHA does not exist")
		return
	}
	if req.Author == nil {
		unprocessable(w, "author is required")
		return
	}
	if req.Committer == nil {
		req.Committer = req.Author
	}
	c := &object.CommitObj{
		TreeHash:  object.Hash(req.Tree),
		Author:    object.Signature{Name: req.Author.Name, Email: req.Author.Email, When: req.Author.Date},
		Committer: object.Signature{Name: req.Committer.Name, Email: req.Committer.Email, When: req.Committer.Date},
		Signature: req.Signature,
		Message:   req.Message,
	}
	for _, p := range req.Parents {
		if !s.Store.Has(object.Hash(p)) {
			unprocessable(w, "Parent SHA does not exist")
			return
		}
		c.Parents = append(c.Parents, object.Hash(p))
	}
	h, err := s.Store.WriteCommit(c)
	if err != nil {
		unprocessable(w, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, &github.Commit{SHA: github.String(string(h))})
}

func (s *GitHubServer) createRef(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		unprocessable(w, err.Error())
		return
	}
	h := object.Hash(req.SHA)
	if !s.Store.Has(h) {
		unprocessable(w, "Object does not exist")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject != nil {
		if reason := s.reject(req.Ref, object.ZeroHash, h); reason != "" {
			unprocessable(w, reason)
			return
		}
	}
	if _, exists := s.refs[req.Ref]; exists {
		unprocessable(w, "Reference already exists")
		return
	}
	s.refs[req.Ref] = h
	writeJSON(w, http.StatusCreated, &github.Reference{
		Ref:    github.String(req.Ref),
		Object: &github.GitObject{Type: github.String("commit"), SHA: github.String(string(h))},
	})
}

func (s *GitHubServer) updateRef(w http.ResponseWriter, r *http.Request) {
	name := "refs/" + r.PathValue("ref")
	var req struct {
		SHA   string `json:"sha"`
		Force bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		unprocessable(w, err.Error())
		return
	}
	h := object.Hash(req.SHA)
	if !s.Store.Has(h) {
		unprocessable(w, "Object does not exist")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.refs[name]
	if !ok {
		unprocessable(w, "Reference does not exist")
		return
	}
	if s.reject != nil {
		if reason := s.reject(name, current, h); reason != "" {
			unprocessable(w, reason)
			return
		}
	}
	if !req.Force && !s.descendsFrom(h, current) {
		unprocessable(w, "Update is not a fast forward")
		return
	}
	s.refs[name] = h
	writeJSON(w, http.StatusOK, &github.Reference{
		Ref:    github.String(name),
		Object: &github.GitObject{Type: github.String("commit"), SHA: github.String(string(h))},
	})
}

// descendsFrom walks first and later parents of h looking for ancestor.
func (s *GitHubServer) descendsFrom(h, ancestor object.Hash) bool {
	seen := make(map[object.Hash]bool)
	queue := []object.Hash{h}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == ancestor {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		c, err := s.Store.ReadCommit(cur)
		if err != nil {
			continue
		}
		queue = append(queue, c.Parents...)
	}
	return false
}
