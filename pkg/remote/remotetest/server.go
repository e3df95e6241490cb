// Package remotetest runs an in-process git smart-HTTP server for tests. It
// serves ref discovery, upload-pack and receive-pack for one repository held
// in memory, and enforces compare-and-swap on every ref update.
package remotetest

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/odvcencio/commit-headless/pkg/object"
)

const (
	receivePackCaps = "report-status side-band-64k delete-refs ofs-delta agent=remotetest/1"
	uploadPackCaps  = "multi_ack_detailed side-band-64k ofs-delta shallow no-progress allow-reachable-sha1-in-want agent=remotetest/1"
)

// RejectFunc decides whether a ref update is refused by policy. A non-empty
// return value is sent verbatim as the "ng" reason.
type RejectFunc func(ref string, old, new object.Hash) string

// Server is an in-memory smart-HTTP remote.
type Server struct {
	Owner string
	Repo  string
	Store *object.MemStore

	// Token, when set, is required as a bearer token or basic-auth password.
	Token string
	// Filter controls whether upload-pack advertises "filter".
	Filter bool

	http *httptest.Server

	mu         sync.Mutex
	refs       map[string]object.Hash
	reject     RejectFunc
	uploadCaps []string

	failNext   atomic.Int64
	failStatus atomic.Int64

	receivePacks atomic.Int64
	uploadPacks  atomic.Int64
	discoveries  atomic.Int64
	gzipBodies   atomic.Int64
}

// NewServer starts a server for owner/repo and closes it when t finishes.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		Owner:  "acme",
		Repo:   "widgets",
		Store:  object.NewMemStore(),
		Filter: true,
		refs:   make(map[string]object.Hash),
	}
	s.http = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	t.Cleanup(s.http.Close)
	return s
}

// URL is the repository URL, ending in ".git".
func (s *Server) URL() string {
	return fmt.Sprintf("%s/%s/%s.git", s.http.URL, s.Owner, s.Repo)
}

// SetRef points refs/heads/<branch> at h; a zero hash deletes the branch.
func (s *Server) SetRef(branch string, h object.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.IsZero() {
		delete(s.refs, "refs/heads/"+branch)
		return
	}
	s.refs["refs/heads/"+branch] = h
}

// Ref returns the tip of refs/heads/<branch>.
func (s *Server) Ref(branch string) (object.Hash, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.refs["refs/heads/"+branch]
	return h, ok
}

// Seed stores records as if they had been pushed earlier.
func (s *Server) Seed(records ...object.Record) {
	for _, rec := range records {
		s.Store.Put(rec)
	}
}

// RejectWith installs a policy hook consulted on every ref update.
func (s *Server) RejectWith(fn RejectFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = fn
}

// FailNext answers the next n requests with status.
func (s *Server) FailNext(n, status int) {
	s.failStatus.Store(int64(status))
	s.failNext.Store(int64(n))
}

// UploadCaps returns the capabilities the last upload-pack request asked for.
func (s *Server) UploadCaps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.uploadCaps...)
}

// ReceivePackCalls counts receive-pack requests that reached the handler.
func (s *Server) ReceivePackCalls() int { return int(s.receivePacks.Load()) }

// UploadPackCalls counts upload-pack requests that reached the handler.
func (s *Server) UploadPackCalls() int { return int(s.uploadPacks.Load()) }

// DiscoveryCalls counts info/refs requests that reached the handler.
func (s *Server) DiscoveryCalls() int { return int(s.discoveries.Load()) }

// GzipBodies counts requests that arrived gzip encoded.
func (s *Server) GzipBodies() int { return int(s.gzipBodies.Load()) }

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if n := s.failNext.Load(); n > 0 && s.failNext.CompareAndSwap(n, n-1) {
		http.Error(w, "try again later", int(s.failStatus.Load()))
		return
	}
	if !s.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="remotetest"`)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	rest, ok := s.repoPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch {
	case r.Method == http.MethodGet && rest == "/info/refs":
		s.discoveries.Add(1)
		s.handleInfoRefs(w, r.URL.Query().Get("service"))
	case r.Method == http.MethodPost && rest == "/git-upload-pack":
		s.uploadPacks.Add(1)
		s.handleUploadPack(w, r)
	case r.Method == http.MethodPost && rest == "/git-receive-pack":
		s.receivePacks.Add(1)
		s.handleReceivePack(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) repoPath(p string) (string, bool) {
	for _, prefix := range []string{"/" + s.Owner + "/" + s.Repo + ".git", "/" + s.Owner + "/" + s.Repo} {
		if rest, ok := strings.CutPrefix(p, prefix); ok && strings.HasPrefix(rest, "/") {
			return rest, true
		}
	}
	return "", false
}

func (s *Server) authorized(r *http.Request) bool {
	if s.Token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	if tok, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return tok == s.Token
	}
	if enc, ok := strings.CutPrefix(auth, "Basic "); ok {
		raw, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return false
		}
		_, pass, _ := strings.Cut(string(raw), ":")
		return pass == s.Token
	}
	return false
}

func (s *Server) handleInfoRefs(w http.ResponseWriter, service string) {
	var caps string
	switch service {
	case "git-receive-pack":
		caps = receivePackCaps
	case "git-upload-pack":
		caps = uploadPackCaps
		if s.Filter {
			caps += " filter"
		}
	default:
		http.Error(w, "dumb http is not supported", http.StatusForbidden)
		return
	}

	s.mu.Lock()
	names := make([]string, 0, len(s.refs))
	for name := range s.refs {
		names = append(names, name)
	}
	sort.Strings(names)
	var body bytes.Buffer
	_ = WritePktLine(&body, []byte("# service="+service+"\n"))
	_ = WriteFlush(&body)
	if len(names) == 0 {
		_ = WritePktLine(&body, []byte(string(object.ZeroHash)+" capabilities^{}\x00"+caps+"\n"))
	}
	for i, name := range names {
		line := string(s.refs[name]) + " " + name
		if i == 0 {
			line += "\x00" + caps
		}
		_ = WritePktLine(&body, []byte(line+"\n"))
	}
	s.mu.Unlock()
	_ = WriteFlush(&body)

	w.Header().Set("Content-Type", "application/x-"+service+"-advertisement")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(body.Bytes())
}

func (s *Server) requestBody(r *http.Request) (io.Reader, error) {
	if strings.Contains(r.Header.Get("Content-Encoding"), "gzip") {
		s.gzipBodies.Add(1)
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, err
		}
		return zr, nil
	}
	return r.Body, nil
}

func (s *Server) handleUploadPack(w http.ResponseWriter, r *http.Request) {
	body, err := s.requestBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	br := bufio.NewReader(body)

	var (
		wants     []object.Hash
		requested map[string]bool
		sideband  bool
		shallow   bool
		filter    bool
		noBlobs   bool
	)
	for {
		line, err := readPktLine(br)
		if errors.Is(err, errFlush) {
			continue
		}
		if err != nil {
			http.Error(w, "malformed upload-pack request: "+err.Error(), http.StatusBadRequest)
			return
		}
		text := string(line)
		if text == "done" {
			break
		}
		switch {
		case strings.HasPrefix(text, "want "):
			fields := strings.Fields(text)
			wants = append(wants, object.Hash(fields[1]))
			if requested == nil {
				requested = make(map[string]bool)
				caps := make([]string, 0, len(fields)-2)
				for _, c := range fields[2:] {
					name, _, _ := strings.Cut(c, "=")
					requested[name] = true
					caps = append(caps, c)
				}
				s.mu.Lock()
				s.uploadCaps = caps
				s.mu.Unlock()
				sideband = requested["side-band-64k"]
			}
		case strings.HasPrefix(text, "deepen "):
			shallow = true
		case strings.HasPrefix(text, "filter "):
			filter = true
			noBlobs = s.Filter && text == "filter blob:none"
		}
	}

	w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
	// Same refusals as git upload-pack for lines whose capability was not
	// negotiated.
	switch {
	case shallow && !requested["shallow"]:
		_ = WritePktLine(w, []byte("ERR upload-pack: shallow capability not negotiated\n"))
		return
	case filter && !requested["filter"]:
		_ = WritePktLine(w, []byte("ERR upload-pack: filtering capability not negotiated\n"))
		return
	}

	var out bytes.Buffer

	var records []object.Record
	seen := make(map[object.Hash]bool)
	for _, want := range wants {
		if !s.Store.Has(want) {
			_ = WritePktLine(&out, []byte("ERR upload-pack: not our ref "+string(want)+"\n"))
			_, _ = w.Write(out.Bytes())
			return
		}
		records = s.collect(want, noBlobs, seen, records)
	}

	if shallow {
		for _, want := range wants {
			if c, err := s.Store.ReadCommit(want); err == nil && len(c.Parents) > 0 {
				_ = WritePktLine(&out, []byte("shallow "+string(want)+"\n"))
			}
		}
		_ = WriteFlush(&out)
	}
	_ = WritePktLine(&out, []byte("NAK\n"))

	pack, err := object.EncodePack(records)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sideband {
		sw := NewSidebandWriter(&out)
		_ = sw.WriteProgress(fmt.Sprintf("Enumerating objects: %d, done.\n", len(records)))
		_ = sw.WriteData(pack)
		_ = sw.Flush()
	} else {
		out.Write(pack)
	}
	_, _ = w.Write(out.Bytes())
}

// collect gathers h and, for commits and trees, everything below it. Parents
// are not followed: every fetch is depth 1.
func (s *Server) collect(h object.Hash, noBlobs bool, seen map[object.Hash]bool, out []object.Record) []object.Record {
	if seen[h] {
		return out
	}
	rec, ok := s.Store.Lookup(h)
	if !ok {
		return out
	}
	seen[h] = true
	switch rec.Type {
	case object.TypeCommit:
		out = append(out, rec)
		if c, err := object.UnmarshalCommit(rec.Data); err == nil {
			out = s.collect(c.TreeHash, noBlobs, seen, out)
		}
	case object.TypeTree:
		out = append(out, rec)
		if tr, err := object.UnmarshalTree(rec.Data); err == nil {
			for _, e := range tr.Entries {
				switch e.Kind() {
				case object.KindTree:
					out = s.collect(e.Hash, noBlobs, seen, out)
				case object.KindBlob:
					if !noBlobs {
						out = s.collect(e.Hash, noBlobs, seen, out)
					}
				}
			}
		}
	default:
		out = append(out, rec)
	}
	return out
}

type refCommand struct {
	old, new object.Hash
	ref      string
}

func (s *Server) handleReceivePack(w http.ResponseWriter, r *http.Request) {
	body, err := s.requestBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	br := bufio.NewReader(body)

	var (
		cmds     []refCommand
		sideband bool
		report   bool
	)
	for {
		line, err := readPktLine(br)
		if errors.Is(err, errFlush) {
			break
		}
		if err != nil {
			http.Error(w, "malformed receive-pack request: "+err.Error(), http.StatusBadRequest)
			return
		}
		text, caps, hasCaps := strings.Cut(string(line), "\x00")
		if hasCaps {
			for _, c := range strings.Fields(caps) {
				switch c {
				case "side-band-64k":
					sideband = true
				case "report-status":
					report = true
				}
			}
		}
		fields := strings.Fields(text)
		if len(fields) != 3 {
			http.Error(w, "malformed command "+text, http.StatusBadRequest)
			return
		}
		cmds = append(cmds, refCommand{old: object.Hash(fields[0]), new: object.Hash(fields[1]), ref: fields[2]})
	}

	packData, err := io.ReadAll(br)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	unpack := "ok"
	if len(packData) > 0 {
		if err := s.unpack(packData); err != nil {
			unpack = err.Error()
		}
	}

	var status bytes.Buffer
	_ = WritePktLine(&status, []byte("unpack "+unpack+"\n"))
	for _, cmd := range cmds {
		reason := "unpacker error"
		if unpack == "ok" {
			reason = s.apply(cmd)
		}
		if reason == "" {
			_ = WritePktLine(&status, []byte("ok "+cmd.ref+"\n"))
		} else {
			_ = WritePktLine(&status, []byte("ng "+cmd.ref+" "+reason+"\n"))
		}
	}
	_ = WriteFlush(&status)

	w.Header().Set("Content-Type", "application/x-git-receive-pack-result")
	if !report {
		return
	}
	if !sideband {
		_, _ = w.Write(status.Bytes())
		return
	}
	var out bytes.Buffer
	sw := NewSidebandWriter(&out)
	_ = sw.WriteData(status.Bytes())
	_ = sw.Flush()
	_, _ = w.Write(out.Bytes())
}

func (s *Server) unpack(data []byte) error {
	pf, err := object.ReadPackResolved(data, s.Store.Lookup)
	if err != nil {
		return err
	}
	records, err := pf.Records()
	if err != nil {
		return err
	}
	for _, rec := range records {
		s.Store.Put(rec)
	}
	return nil
}

// apply performs one compare-and-swap and returns an empty string on success
// or the "ng" reason.
func (s *Server) apply(cmd refCommand) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reject != nil {
		if reason := s.reject(cmd.ref, cmd.old, cmd.new); reason != "" {
			return reason
		}
	}

	current, exists := s.refs[cmd.ref]
	switch {
	case cmd.old.IsZero() && exists:
		return "reference already exists"
	case !cmd.old.IsZero() && (!exists || current != cmd.old):
		return "failed to update ref"
	}

	if cmd.new.IsZero() {
		delete(s.refs, cmd.ref)
		return ""
	}
	if !s.Store.Has(cmd.new) {
		return "missing necessary objects"
	}
	s.refs[cmd.ref] = cmd.new
	return ""
}
