package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/odvcencio/commit-headless/pkg/object"
	"github.com/odvcencio/commit-headless/pkg/remote/remotetest"
)

func newSmartHTTPForTest(t *testing.T, srv *remotetest.Server, opts Options) *SmartHTTP {
	t.Helper()
	target, err := ParseTarget(srv.URL(), "")
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = fastRetry
	}
	return NewSmartHTTP(target, opts)
}

func seededServer(t *testing.T) (*remotetest.Server, fixture) {
	t.Helper()
	srv := remotetest.NewServer(t)
	base := buildFixture(t, "", map[string]string{
		"README.md":     "hello\n",
		"docs/guide.md": "guide\n",
	}, "initial")
	srv.Seed(base.records...)
	srv.SetRef("main", base.commit)
	return srv, base
}

func TestSmartHTTPResolveRef(t *testing.T) {
	srv, base := seededServer(t)
	c := newSmartHTTPForTest(t, srv, Options{})

	got, err := c.ResolveRef(context.Background(), "main")
	if err != nil {
		t.Fatalf("ResolveRef: %v", err)
	}
	if got != base.commit {
		t.Fatalf("ResolveRef = %s, want %s", got, base.commit)
	}

	_, err = c.ResolveRef(context.Background(), "missing")
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.Branch != "missing" {
		t.Fatalf("ResolveRef(missing) error = %v, want branch NotFoundError", err)
	}
}

func TestSmartHTTPUnknownRepository(t *testing.T) {
	srv, _ := seededServer(t)
	target, err := ParseTarget(strings.Replace(srv.URL(), "/widgets.git", "/gadgets.git", 1), "")
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	c := NewSmartHTTP(target, Options{Retry: fastRetry})
	if _, err := c.ResolveRef(context.Background(), "main"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ResolveRef error = %v, want ErrNotFound", err)
	}
}

func TestSmartHTTPLoadCommitFetchesTreesWithoutBlobs(t *testing.T) {
	srv, base := seededServer(t)
	c := newSmartHTTPForTest(t, srv, Options{})
	ctx := context.Background()

	commit, err := c.LoadCommit(ctx, base.commit)
	if err != nil {
		t.Fatalf("LoadCommit: %v", err)
	}
	if commit.TreeHash != base.tree {
		t.Fatalf("tree = %s, want %s", commit.TreeHash, base.tree)
	}

	root, err := c.LoadTree(ctx, commit.TreeHash)
	if err != nil {
		t.Fatalf("LoadTree(root): %v", err)
	}
	docs, ok := root.Find("docs")
	if !ok || !docs.IsDir() {
		t.Fatalf("root tree has no docs directory: %+v", root.Entries)
	}
	if _, err := c.LoadTree(ctx, docs.Hash); err != nil {
		t.Fatalf("LoadTree(docs): %v", err)
	}
	if calls := srv.UploadPackCalls(); calls != 1 {
		t.Fatalf("upload-pack calls = %d, want 1 (trees arrive with the commit)", calls)
	}

	readme, _ := root.Find("README.md")
	if c.store.Has(readme.Hash) {
		t.Fatal("blob fetched despite blob:none filter")
	}
}

func TestSmartHTTPFetchNegotiatesFilterAndShallow(t *testing.T) {
	srv, base := seededServer(t)
	c := newSmartHTTPForTest(t, srv, Options{})

	if _, err := c.LoadCommit(context.Background(), base.commit); err != nil {
		t.Fatalf("LoadCommit: %v", err)
	}
	caps := strings.Join(srv.UploadCaps(), " ")
	for _, want := range []string{"filter", "shallow", "side-band-64k"} {
		if !strings.Contains(" "+caps+" ", " "+want+" ") {
			t.Fatalf("requested caps = %q, missing %q", caps, want)
		}
	}
}

func TestUploadPackRefusesUnnegotiatedLines(t *testing.T) {
	srv, base := seededServer(t)
	tests := []struct {
		name string
		line string
		want string
	}{
		{"filter", "filter blob:none\n", "filtering capability not negotiated"},
		{"deepen", "deepen 1\n", "shallow capability not negotiated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body bytes.Buffer
			_ = remotetest.WritePktLine(&body, []byte("want "+string(base.commit)+" side-band-64k ofs-delta\n"))
			_ = remotetest.WritePktLine(&body, []byte(tt.line))
			_ = remotetest.WriteFlush(&body)
			_ = remotetest.WritePktLine(&body, []byte("done\n"))

			resp, err := http.Post(srv.URL()+"/git-upload-pack", "application/x-git-upload-pack-request", &body)
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			defer resp.Body.Close()
			out, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatalf("read response: %v", err)
			}
			if !strings.Contains(string(out), "ERR upload-pack: "+tt.want) {
				t.Fatalf("response = %q, want ERR %q", out, tt.want)
			}
		})
	}
}

func TestSmartHTTPLoadTreeWithoutFilter(t *testing.T) {
	srv, base := seededServer(t)
	srv.Filter = false
	c := newSmartHTTPForTest(t, srv, Options{})

	tr, err := c.LoadTree(context.Background(), base.tree)
	if err != nil {
		t.Fatalf("LoadTree: %v", err)
	}
	readme, _ := tr.Find("README.md")
	if !c.store.Has(readme.Hash) {
		t.Fatal("blob missing from unfiltered fetch")
	}
}

func TestSmartHTTPLoadMissingObject(t *testing.T) {
	srv, _ := seededServer(t)
	c := newSmartHTTPForTest(t, srv, Options{})
	missing := object.HashObject(object.TypeCommit, []byte("nope"))

	_, err := c.LoadCommit(context.Background(), missing)
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.Object != missing {
		t.Fatalf("LoadCommit error = %v, want object NotFoundError", err)
	}
}

func TestSmartHTTPPushAndUpdateRef(t *testing.T) {
	srv, base := seededServer(t)
	c := newSmartHTTPForTest(t, srv, Options{})
	ctx := context.Background()

	next := buildFixture(t, base.commit, map[string]string{
		"README.md":     "hello again\n",
		"docs/guide.md": "guide\n",
	}, "second")
	if err := c.PushObjects(ctx, next.records); err != nil {
		t.Fatalf("PushObjects: %v", err)
	}
	if srv.ReceivePackCalls() != 0 {
		t.Fatal("PushObjects contacted receive-pack before the ref update")
	}

	got, err := c.UpdateRef(ctx, RefUpdate{Branch: "main", Old: base.commit, New: next.commit})
	if err != nil {
		t.Fatalf("UpdateRef: %v", err)
	}
	if got != next.commit {
		t.Fatalf("UpdateRef = %s, want %s", got, next.commit)
	}
	if tip, _ := srv.Ref("main"); tip != next.commit {
		t.Fatalf("server main = %s, want %s", tip, next.commit)
	}
	for _, rec := range next.records {
		if !srv.Store.Has(rec.Hash) {
			t.Fatalf("server missing pushed %s %s", rec.Type, rec.Hash)
		}
	}
	if srv.ReceivePackCalls() != 1 {
		t.Fatalf("receive-pack calls = %d, want 1", srv.ReceivePackCalls())
	}
}

func TestSmartHTTPUpdateRefStale(t *testing.T) {
	srv, base := seededServer(t)
	c := newSmartHTTPForTest(t, srv, Options{})
	ctx := context.Background()

	moved := buildFixture(t, base.commit, map[string]string{"README.md": "moved\n"}, "moved")
	srv.Seed(moved.records...)
	srv.SetRef("main", moved.commit)

	next := buildFixture(t, base.commit, map[string]string{"README.md": "mine\n"}, "mine")
	if err := c.PushObjects(ctx, next.records); err != nil {
		t.Fatalf("PushObjects: %v", err)
	}
	_, err := c.UpdateRef(ctx, RefUpdate{Branch: "main", Old: base.commit, New: next.commit})
	if !errors.Is(err, ErrRefMismatch) {
		t.Fatalf("UpdateRef error = %v, want ErrRefMismatch", err)
	}
	if tip, _ := srv.Ref("main"); tip != moved.commit {
		t.Fatalf("server main = %s, want unchanged %s", tip, moved.commit)
	}
}

func TestSmartHTTPCreateBranch(t *testing.T) {
	srv, base := seededServer(t)
	c := newSmartHTTPForTest(t, srv, Options{})
	ctx := context.Background()

	next := buildFixture(t, base.commit, map[string]string{"README.md": "feature\n"}, "feature")
	if err := c.PushObjects(ctx, next.records); err != nil {
		t.Fatalf("PushObjects: %v", err)
	}
	if _, err := c.UpdateRef(ctx, RefUpdate{Branch: "main", New: next.commit, Create: true}); !errors.Is(err, ErrRefMismatch) {
		t.Fatalf("creating existing branch error = %v, want ErrRefMismatch", err)
	}
	if _, err := c.UpdateRef(ctx, RefUpdate{Branch: "feature", New: next.commit, Create: true}); err != nil {
		t.Fatalf("UpdateRef(create feature): %v", err)
	}
	if tip, ok := srv.Ref("feature"); !ok || tip != next.commit {
		t.Fatalf("server feature = %s (%v), want %s", tip, ok, next.commit)
	}
}

func TestSmartHTTPPolicyRejection(t *testing.T) {
	srv, base := seededServer(t)
	srv.RejectWith(func(ref string, _, _ object.Hash) string {
		if ref == "refs/heads/main" {
			return "pre-receive hook declined"
		}
		return ""
	})
	c := newSmartHTTPForTest(t, srv, Options{})
	ctx := context.Background()

	next := buildFixture(t, base.commit, map[string]string{"README.md": "x\n"}, "x")
	_ = c.PushObjects(ctx, next.records)
	_, err := c.UpdateRef(ctx, RefUpdate{Branch: "main", Old: base.commit, New: next.commit})
	var rejected *RemoteRejected
	if !errors.As(err, &rejected) {
		t.Fatalf("UpdateRef error = %v, want RemoteRejected", err)
	}
	if rejected.Message != "pre-receive hook declined" {
		t.Fatalf("message = %q, want verbatim hook output", rejected.Message)
	}
}

func TestSmartHTTPAuth(t *testing.T) {
	srv, base := seededServer(t)
	srv.Token = "s3cret"
	ctx := context.Background()

	if _, err := newSmartHTTPForTest(t, srv, Options{}).ResolveRef(ctx, "main"); !errors.Is(err, ErrAuth) {
		t.Fatalf("anonymous ResolveRef error = %v, want ErrAuth", err)
	}
	if _, err := newSmartHTTPForTest(t, srv, Options{Token: "wrong"}).ResolveRef(ctx, "main"); !errors.Is(err, ErrAuth) {
		t.Fatalf("wrong token error = %v, want ErrAuth", err)
	}
	for _, opts := range []Options{{Token: "s3cret"}, {Token: "s3cret", Username: "x-access-token"}} {
		got, err := newSmartHTTPForTest(t, srv, opts).ResolveRef(ctx, "main")
		if err != nil {
			t.Fatalf("ResolveRef with %q: %v", opts.Username, err)
		}
		if got != base.commit {
			t.Fatalf("ResolveRef = %s, want %s", got, base.commit)
		}
	}
	if strings.Contains((&AuthError{Target: "acme/widgets", Status: 401}).Error(), "s3cret") {
		t.Fatal("auth error leaks the token")
	}
}

func TestSmartHTTPRetriesServerErrors(t *testing.T) {
	srv, base := seededServer(t)
	c := newSmartHTTPForTest(t, srv, Options{})
	ctx := context.Background()

	srv.FailNext(2, http.StatusServiceUnavailable)
	got, err := c.ResolveRef(ctx, "main")
	if err != nil {
		t.Fatalf("ResolveRef after transient failures: %v", err)
	}
	if got != base.commit {
		t.Fatalf("ResolveRef = %s, want %s", got, base.commit)
	}

	srv.FailNext(3, http.StatusBadGateway)
	_, err = c.ResolveRef(ctx, "main")
	var netErr *NetworkError
	if !errors.As(err, &netErr) || netErr.Status != http.StatusBadGateway {
		t.Fatalf("ResolveRef error = %v, want NetworkError 502", err)
	}
}

func TestSmartHTTPCompressesLargeRequests(t *testing.T) {
	srv, base := seededServer(t)
	c := newSmartHTTPForTest(t, srv, Options{CompressThreshold: 1})
	ctx := context.Background()

	next := buildFixture(t, base.commit, map[string]string{"big.txt": strings.Repeat("compress me\n", 5000)}, "big")
	if err := c.PushObjects(ctx, next.records); err != nil {
		t.Fatalf("PushObjects: %v", err)
	}
	if _, err := c.UpdateRef(ctx, RefUpdate{Branch: "main", Old: base.commit, New: next.commit}); err != nil {
		t.Fatalf("UpdateRef: %v", err)
	}
	if srv.GzipBodies() == 0 {
		t.Fatal("request body was not gzip encoded")
	}
	if tip, _ := srv.Ref("main"); tip != next.commit {
		t.Fatalf("server main = %s, want %s", tip, next.commit)
	}
}

func TestSmartHTTPPushObjectsRejectsBadHash(t *testing.T) {
	srv, _ := seededServer(t)
	c := newSmartHTTPForTest(t, srv, Options{})
	bad := object.Record{Hash: object.HashObject(object.TypeBlob, []byte("a")), Type: object.TypeBlob, Data: []byte("b")}
	if err := c.PushObjects(context.Background(), []object.Record{bad}); err == nil {
		t.Fatal("PushObjects accepted a record whose hash does not match its content")
	}
}

func TestSmartHTTPConcurrentUpdatesHaveOneWinner(t *testing.T) {
	srv, base := seededServer(t)
	ctx := context.Background()

	const writers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		mismatch int
	)
	for i := 0; i < writers; i++ {
		next := buildFixture(t, base.commit, map[string]string{"README.md": strings.Repeat("w", i+1)}, "writer")
		c := newSmartHTTPForTest(t, srv, Options{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.PushObjects(ctx, next.records); err != nil {
				t.Errorf("PushObjects: %v", err)
				return
			}
			_, err := c.UpdateRef(ctx, RefUpdate{Branch: "main", Old: base.commit, New: next.commit})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrRefMismatch):
				mismatch++
			default:
				t.Errorf("UpdateRef: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || mismatch != writers-1 {
		t.Fatalf("wins = %d, mismatches = %d; want 1 and %d", wins, mismatch, writers-1)
	}
}
