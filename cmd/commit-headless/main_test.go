package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	gitobj "github.com/go-git/go-git/v5/plumbing/object"

	"github.com/odvcencio/commit-headless/pkg/commit"
	"github.com/odvcencio/commit-headless/pkg/object"
	"github.com/odvcencio/commit-headless/pkg/remote"
	"github.com/odvcencio/commit-headless/pkg/remote/remotetest"
	"github.com/odvcencio/commit-headless/pkg/tree"
)

type cliResult struct {
	code   int
	stdout string
	stderr string
}

// runCLI runs the binary entry point with a fixed environment.
func runCLI(t *testing.T, env map[string]string, stdin string, args ...string) cliResult {
	t.Helper()
	var stdout, stderr bytes.Buffer
	getenv := func(k string) string { return env[k] }
	code := run(context.Background(), args, strings.NewReader(stdin), &stdout, &stderr, getenv)
	return cliResult{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

// seededServer starts a remote whose main branch holds README.md.
func seededServer(t *testing.T) (*remotetest.Server, object.Hash, map[string]string) {
	t.Helper()
	srv := remotetest.NewServer(t)
	srv.Token = "s3cret"

	blob := object.NewRecord(object.TypeBlob, []byte("hello\n"))
	treeData, err := object.MarshalTree(&object.TreeObj{Entries: []object.TreeEntry{
		{Name: "README.md", Mode: object.TreeModeFile, Hash: blob.Hash},
	}})
	if err != nil {
		t.Fatalf("MarshalTree: %v", err)
	}
	treeRec := object.NewRecord(object.TypeTree, treeData)
	_, commitRec, err := commit.Build(commit.Options{
		Tree:     treeRec.Hash,
		Messages: []string{"initial"},
		When:     time.Unix(1700000000, 0).UTC(),
	})
	if err != nil {
		t.Fatalf("commit.Build: %v", err)
	}
	srv.Seed(blob, treeRec, commitRec)
	srv.SetRef("main", commitRec.Hash)

	env := map[string]string{
		"HEADLESS_TOKEN":          srv.Token,
		"HEADLESS_TARGET":         srv.URL(),
		"HEADLESS_RETRY_ATTEMPTS": "1",
	}
	return srv, commitRec.Hash, env
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestCommitCmd_PrintsOnlyHash(t *testing.T) {
	srv, base, env := seededServer(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "docs", "guide.md"), "guide\n")
	t.Chdir(dir)

	res := runCLI(t, env, "", "commit", "--branch", "main", "-m", "add guide", "docs/guide.md")
	if res.code != 0 {
		t.Fatalf("exit = %d, stderr:\n%s", res.code, res.stderr)
	}
	hash := strings.TrimSuffix(res.stdout, "\n")
	if _, err := object.ParseHash(hash); err != nil {
		t.Fatalf("stdout = %q, want a single commit hash", res.stdout)
	}
	tip, ok := srv.Ref("main")
	if !ok || string(tip) != hash {
		t.Fatalf("main = %s, want %s", tip, hash)
	}
	c, err := srv.Store.ReadCommit(tip)
	if err != nil {
		t.Fatalf("ReadCommit: %v", err)
	}
	if len(c.Parents) != 1 || c.Parents[0] != base {
		t.Fatalf("parents = %v, want [%s]", c.Parents, base)
	}
	if !strings.HasPrefix(c.Message, "add guide") {
		t.Fatalf("message = %q", c.Message)
	}
}

func TestCommitCmd_ForceDeletesMissingFile(t *testing.T) {
	srv, _, env := seededServer(t)
	t.Chdir(t.TempDir())

	res := runCLI(t, env, "", "commit", "--branch", "main", "-m", "drop readme", "README.md")
	if res.code != ExitValidation {
		t.Fatalf("without --force exit = %d, want %d", res.code, ExitValidation)
	}
	if !strings.Contains(res.stderr, "--force") {
		t.Fatalf("stderr = %q, want a hint about --force", res.stderr)
	}

	res = runCLI(t, env, "", "commit", "--branch", "main", "-m", "drop readme", "--force", "README.md")
	if res.code != 0 {
		t.Fatalf("exit = %d, stderr:\n%s", res.code, res.stderr)
	}
	tip, _ := srv.Ref("main")
	c, err := srv.Store.ReadCommit(tip)
	if err != nil {
		t.Fatalf("ReadCommit: %v", err)
	}
	root, err := srv.Store.ReadTree(c.TreeHash)
	if err != nil {
		t.Fatalf("ReadTree: %v", err)
	}
	if len(root.Entries) != 0 {
		t.Fatalf("tree entries = %v, want none", root.Entries)
	}
}

func TestCommitCmd_DryRunLeavesBranch(t *testing.T) {
	srv, base, env := seededServer(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "new.txt"), "new\n")
	t.Chdir(dir)

	res := runCLI(t, env, "", "commit", "--branch", "main", "-m", "try", "--dry-run", "new.txt")
	if res.code != 0 {
		t.Fatalf("exit = %d, stderr:\n%s", res.code, res.stderr)
	}
	if tip, _ := srv.Ref("main"); tip != base {
		t.Fatalf("dry run moved main to %s", tip)
	}
	if n := srv.ReceivePackCalls(); n != 0 {
		t.Fatalf("receive-pack calls = %d, want 0", n)
	}
	if strings.TrimSpace(res.stdout) == "" {
		t.Fatal("dry run printed no hash")
	}
}

func TestCommitCmd_ExitCodes(t *testing.T) {
	srv, _, env := seededServer(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "a\n")
	t.Chdir(dir)

	withEnv := func(k, v string) map[string]string {
		out := make(map[string]string, len(env)+1)
		for key, val := range env {
			out[key] = val
		}
		out[k] = v
		return out
	}

	tests := []struct {
		name  string
		env   map[string]string
		setup func()
		args  []string
		want  int
	}{
		{
			name: "missing branch",
			env:  env,
			args: []string{"--branch", "nope"},
			want: ExitNotFound,
		},
		{
			name: "bad token",
			env:  withEnv("HEADLESS_TOKEN", "wrong"),
			args: []string{"--branch", "main"},
			want: ExitAuth,
		},
		{
			name: "head sha mismatch",
			env:  env,
			args: []string{"--branch", "main", "--head-sha", strings.Repeat("a", 40)},
			want: ExitRefMismatch,
		},
		{
			name: "rejected by policy",
			env:  env,
			setup: func() {
				srv.RejectWith(func(string, object.Hash, object.Hash) string { return "protected branch" })
			},
			args: []string{"--branch", "main"},
			want: ExitRejected,
		},
		{
			name: "unknown flag",
			env:  env,
			args: []string{"--branch", "main", "--bogus"},
			want: ExitValidation,
		},
		{
			name: "missing target",
			env:  withEnv("HEADLESS_TARGET", ""),
			args: []string{"--branch", "main"},
			want: ExitValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			args := append([]string{"commit", "-m", "change"}, tt.args...)
			args = append(args, "a.txt")
			res := runCLI(t, tt.env, "", args...)
			if res.code != tt.want {
				t.Fatalf("exit = %d, want %d\nstderr:\n%s", res.code, tt.want, res.stderr)
			}
			if res.stdout != "" {
				t.Fatalf("stdout = %q, want empty on failure", res.stdout)
			}
		})
	}
}

func TestPushCmd_FromStdin(t *testing.T) {
	srv, _, env := seededServer(t)

	dir := t.TempDir()
	r, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	wt, err := r.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}
	var log []string
	for i, name := range []string{"one.txt", "two.txt"} {
		writeFile(t, filepath.Join(dir, name), name+"\n")
		if _, err := wt.Add(name); err != nil {
			t.Fatalf("Add: %v", err)
		}
		sig := &gitobj.Signature{Name: "Dev", Email: "dev@example.com", When: time.Unix(1700000000+int64(i), 0)}
		h, err := wt.Commit("add "+name, &git.CommitOptions{Author: sig, Committer: sig})
		if err != nil {
			t.Fatalf("Commit: %v", err)
		}
		log = append([]string{fmt.Sprintf("%s add %s", h.String()[:7], name)}, log...)
	}
	head, err := r.Head()
	if err != nil {
		t.Fatalf("Head: %v", err)
	}

	res := runCLI(t, env, strings.Join(log, "\n")+"\n",
		"push", "--branch", "feature", "--create-branch", "--repo", dir)
	if res.code != 0 {
		t.Fatalf("exit = %d, stderr:\n%s", res.code, res.stderr)
	}
	if got := strings.TrimSpace(res.stdout); got != head.Hash().String() {
		t.Fatalf("stdout = %q, want %s", got, head.Hash())
	}
	if tip, ok := srv.Ref("feature"); !ok || string(tip) != head.Hash().String() {
		t.Fatalf("feature = %s, want %s", tip, head.Hash())
	}
}

func TestPushCmd_NoCommits(t *testing.T) {
	_, _, env := seededServer(t)
	res := runCLI(t, env, "not a hash\n", "push", "--branch", "main")
	if res.code != ExitValidation {
		t.Fatalf("exit = %d, want %d", res.code, ExitValidation)
	}
	if !strings.Contains(res.stderr, "no commits") {
		t.Fatalf("stderr = %q", res.stderr)
	}
}

func TestVersionCmd(t *testing.T) {
	res := runCLI(t, nil, "", "version")
	if res.code != 0 || !strings.HasPrefix(res.stdout, "commit-headless ") {
		t.Fatalf("version: code=%d stdout=%q", res.code, res.stdout)
	}
}

func TestReadChanges(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "a\n")
	writeFile(t, filepath.Join(dir, "bin", "run.sh"), "#!/bin/sh\n")
	if err := os.Chmod(filepath.Join(dir, "bin", "run.sh"), 0o755); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	if err := os.Symlink("a.txt", filepath.Join(dir, "link")); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	fsys := os.DirFS(dir)

	changes, err := readChanges(fsys, []string{"./a.txt", "bin/run.sh", "link", "gone.txt", "a.txt"}, true)
	if err != nil {
		t.Fatalf("readChanges: %v", err)
	}
	want := []tree.Change{
		tree.Upsert("a.txt", object.TreeModeFile, []byte("a\n")),
		tree.Upsert("bin/run.sh", object.TreeModeExecutable, []byte("#!/bin/sh\n")),
		tree.Upsert("link", object.TreeModeSymlink, []byte("a.txt")),
		tree.Deletion("gone.txt"),
	}
	if len(changes) != len(want) {
		t.Fatalf("changes = %d, want %d: %+v", len(changes), len(want), changes)
	}
	for i := range want {
		got := changes[i]
		if got.Path != want[i].Path || got.Mode != want[i].Mode || got.Delete != want[i].Delete || !bytes.Equal(got.Content, want[i].Content) {
			t.Fatalf("change[%d] = %+v, want %+v", i, got, want[i])
		}
	}

	for _, tc := range []struct {
		name  string
		paths []string
	}{
		{"none", nil},
		{"missing without force", []string{"gone.txt"}},
		{"directory", []string{"bin"}},
		{"escape", []string{"../x"}},
	} {
		if _, err := readChanges(fsys, tc.paths, false); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestCommitsFromStdin(t *testing.T) {
	in := "abc1234 first change\n\n  \nnot-a-hash line\n0123456789abcdef0123456789abcdef01234567 second\n"
	got, err := commitsFromStdin(strings.NewReader(in))
	if err != nil {
		t.Fatalf("commitsFromStdin: %v", err)
	}
	want := []string{"abc1234", "0123456789abcdef0123456789abcdef01234567"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("commits = %v, want %v", got, want)
	}

	if _, err := commitsFromStdin(strings.NewReader("")); !errors.Is(err, errNoCommitsStdin) {
		t.Fatalf("empty stdin err = %v, want errNoCommitsStdin", err)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{&commit.ValidationError{Field: "branch", Message: "bad"}, ExitValidation},
		{&tree.PathConflictError{Path: "a/b", Conflict: "a"}, ExitValidation},
		{&object.EncodingError{Field: "path", Reason: "empty"}, ExitValidation},
		{fmt.Errorf("building: %w", &remote.RefMismatchError{Branch: "main"}), ExitRefMismatch},
		{&remote.AuthError{Target: "acme/widgets"}, ExitAuth},
		{&remote.NotFoundError{Target: "acme/widgets"}, ExitNotFound},
		{&remote.RemoteRejected{Ref: "refs/heads/main", Message: "nope"}, ExitRejected},
		{&remote.NetworkError{}, ExitSystem},
		{errors.New("boom"), ExitSystem},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Fatalf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestJoinEnv(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{nil, ""},
		{[]string{"A"}, "A"},
		{[]string{"A", "B"}, "A or B"},
		{[]string{"HEADLESS_TOKEN", "GITHUB_TOKEN", "GH_TOKEN"}, "HEADLESS_TOKEN, GITHUB_TOKEN or GH_TOKEN"},
	}
	for _, tt := range tests {
		if got := joinEnv(tt.in); got != tt.want {
			t.Fatalf("joinEnv(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestReplayCmd_ResignsCommits(t *testing.T) {
	srv, base, env := seededServer(t)
	parent, err := srv.Store.ReadCommit(base)
	if err != nil {
		t.Fatalf("ReadCommit: %v", err)
	}
	_, second, err := commit.Build(commit.Options{
		Tree:     parent.TreeHash,
		Parents:  []object.Hash{base},
		Author:   commit.Identity{Name: "Dev", Email: "dev@example.com"},
		Messages: []string{"second"},
		When:     time.Unix(1700000100, 0).UTC(),
	})
	if err != nil {
		t.Fatalf("commit.Build: %v", err)
	}
	srv.Seed(second)
	srv.SetRef("main", second.Hash)
	env["HEADLESS_COMMITTER"] = "Release Bot <bot@example.com>"

	res := runCLI(t, env, "", "replay", "--branch", "main", "--since", string(base)[:8], "--head-sha", string(second.Hash))
	if res.code != 0 {
		t.Fatalf("exit = %d, stderr:\n%s", res.code, res.stderr)
	}
	hash := object.Hash(strings.TrimSuffix(res.stdout, "\n"))
	if hash == second.Hash {
		t.Fatalf("branch tip was not rewritten")
	}
	tip, _ := srv.Ref("main")
	if tip != hash {
		t.Fatalf("main = %s, want %s", tip, hash)
	}
	c, err := srv.Store.ReadCommit(tip)
	if err != nil {
		t.Fatalf("ReadCommit: %v", err)
	}
	if len(c.Parents) != 1 || c.Parents[0] != base {
		t.Fatalf("parents = %v, want [%s]", c.Parents, base)
	}
	if c.Author.Name != "Dev" || c.Committer.Name != "Release Bot" {
		t.Fatalf("author = %q committer = %q", c.Author.Name, c.Committer.Name)
	}
	if c.Message != "second\n" || c.TreeHash != parent.TreeHash {
		t.Fatalf("message = %q tree = %s", c.Message, c.TreeHash)
	}
}

func TestReplayCmd_ExitCodes(t *testing.T) {
	srv, base, env := seededServer(t)
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"missing since", []string{"replay", "--branch", "main"}, ExitValidation},
		{"since not on branch", []string{"replay", "--branch", "main", "--since", "deadbeef"}, ExitValidation},
		{"create branch", []string{"replay", "--branch", "main", "--since", string(base), "--create-branch"}, ExitValidation},
		{"head mismatch", []string{"replay", "--branch", "main", "--since", string(base), "--head-sha", strings.Repeat("a", 40)}, ExitRefMismatch},
		{"missing branch", []string{"replay", "--branch", "gone", "--since", string(base)}, ExitNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := runCLI(t, env, "", tt.args...)
			if res.code != tt.want {
				t.Fatalf("exit = %d, want %d, stderr:\n%s", res.code, tt.want, res.stderr)
			}
		})
	}
	if tip, _ := srv.Ref("main"); tip != base {
		t.Fatalf("main moved to %s", tip)
	}
}
