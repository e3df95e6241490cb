package headless

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/odvcencio/commit-headless/pkg/commit"
	"github.com/odvcencio/commit-headless/pkg/object"
	"github.com/odvcencio/commit-headless/pkg/remote"
	"github.com/odvcencio/commit-headless/pkg/remote/remotetest"
)

var (
	replayNow = fixedNow.Add(time.Hour)
	bot       = commit.Identity{Name: "Release Bot", Email: "bot@example.com"}
)

// unsignedChain commits n files on top of the base and points main at the
// last one.
func (e *env) unsignedChain(t *testing.T, n int) []object.Hash {
	t.Helper()
	var out []object.Hash
	parent := e.base
	for i := 0; i < n; i++ {
		h, records := e.hist.commit(t, parent, map[string]string{"log.txt": string(rune('a'+i)) + "\n"}, "step "+string(rune('1'+i)))
		e.srv.Seed(records...)
		out = append(out, h)
		parent = h
	}
	e.srv.SetRef("main", parent)
	return out
}

func testSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

func TestReplaySignsCommitsAfterSince(t *testing.T) {
	e := newEnv(t)
	originals := e.unsignedChain(t, 2)
	signer := testSigner(t)
	e.d.Now = func() time.Time { return replayNow }

	res, err := e.d.Replay(context.Background(), ReplayRequest{
		RefOptions: RefOptions{Branch: "main", HeadSHA: originals[1]},
		Since:      string(e.base)[:7],
		Commit:     commit.Options{Default: bot, Signer: commit.SSHSigner(signer)},
	})
	require.NoError(t, err)

	assert.Equal(t, []Stage{StageResolving, StageBuilding, StageValidating, StagePushing, StageUpdatingRef, StageDone}, e.stages)
	assert.Equal(t, e.base, res.Base)
	assert.Equal(t, 2, res.Objects)
	tip, _ := e.srv.Ref("main")
	assert.Equal(t, tip, res.Hash)
	assert.NotEqual(t, originals[1], tip)

	h := tip
	for i := len(originals) - 1; i >= 0; i-- {
		orig, err := e.hist.store.ReadCommit(originals[i])
		require.NoError(t, err)
		got, err := e.srv.Store.ReadCommit(h)
		require.NoError(t, err)

		assert.Equal(t, orig.TreeHash, got.TreeHash)
		assert.Equal(t, orig.Message, got.Message)
		assert.Equal(t, orig.Author.Name, got.Author.Name)
		assert.True(t, got.Author.When.Equal(fixedNow), "author time %v", got.Author.When)
		assert.Equal(t, bot.Name, got.Committer.Name)
		assert.True(t, got.Committer.When.Equal(replayNow), "committer time %v", got.Committer.When)

		payload, err := object.CommitSigningPayload(got)
		require.NoError(t, err)
		pub, err := commit.VerifySSH(got.Signature, payload)
		require.NoError(t, err)
		assert.Equal(t, signer.PublicKey().Marshal(), pub.Marshal())

		require.Len(t, got.Parents, 1)
		h = got.Parents[0]
	}
	assert.Equal(t, e.base, h)
	assert.Equal(t, 1, e.srv.ReceivePackCalls())
}

func TestReplayDryRun(t *testing.T) {
	e := newEnv(t)
	originals := e.unsignedChain(t, 1)

	res, err := e.d.Replay(context.Background(), ReplayRequest{
		RefOptions: RefOptions{Branch: "main", DryRun: true},
		Since:      string(e.base),
		Commit:     commit.Options{Default: bot},
	})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.NotEqual(t, originals[0], res.Hash)
	assert.Zero(t, e.srv.ReceivePackCalls())
	tip, _ := e.srv.Ref("main")
	assert.Equal(t, originals[0], tip)
}

func TestReplayNothingAfterSince(t *testing.T) {
	e := newEnv(t)
	originals := e.unsignedChain(t, 1)

	res, err := e.d.Replay(context.Background(), ReplayRequest{
		RefOptions: RefOptions{Branch: "main"},
		Since:      string(originals[0]),
	})
	require.NoError(t, err)
	assert.Equal(t, originals[0], res.Hash)
	assert.Zero(t, res.Objects)
	assert.Equal(t, []Stage{StageResolving, StageBuilding, StageDone}, e.stages)
	assert.Zero(t, e.srv.ReceivePackCalls())
}

func TestReplayValidation(t *testing.T) {
	e := newEnv(t)
	originals := e.unsignedChain(t, 3)

	tests := []struct {
		name  string
		req   ReplayRequest
		field string
		stage Stage
	}{
		{
			name:  "since is not a hash",
			req:   ReplayRequest{RefOptions: RefOptions{Branch: "main"}, Since: "HEAD~2"},
			field: "since",
			stage: StageResolving,
		},
		{
			name:  "create branch",
			req:   ReplayRequest{RefOptions: RefOptions{Branch: "main", CreateBranch: true}, Since: string(e.base)},
			field: "branch",
			stage: StageResolving,
		},
		{
			name:  "since not an ancestor",
			req:   ReplayRequest{RefOptions: RefOptions{Branch: "main"}, Since: "deadbeef"},
			field: "since",
			stage: StageBuilding,
		},
		{
			name:  "beyond limit",
			req:   ReplayRequest{RefOptions: RefOptions{Branch: "main"}, Since: string(e.base), Limit: 2},
			field: "since",
			stage: StageBuilding,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.d.Replay(context.Background(), tt.req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			requireStage(t, err, tt.stage)
		})
	}
	tip, _ := e.srv.Ref("main")
	assert.Equal(t, originals[2], tip)
	assert.Zero(t, e.srv.ReceivePackCalls())
}

func TestReplayHeadSHAMismatch(t *testing.T) {
	e := newEnv(t)
	e.unsignedChain(t, 1)

	_, err := e.d.Replay(context.Background(), ReplayRequest{
		RefOptions: RefOptions{Branch: "main", HeadSHA: e.base},
		Since:      string(e.base),
	})
	require.ErrorIs(t, err, remote.ErrRefMismatch)
	requireStage(t, err, StageResolving)
}

func TestReplayRejectsMergeCommits(t *testing.T) {
	e := newEnv(t)
	originals := e.unsignedChain(t, 1)
	first, err := e.hist.store.ReadCommit(originals[0])
	require.NoError(t, err)
	_, merge, err := commit.Build(commit.Options{
		Tree:     first.TreeHash,
		Parents:  []object.Hash{originals[0], e.base},
		Messages: []string{"merge"},
		When:     fixedNow,
	})
	require.NoError(t, err)
	e.srv.Seed(merge)
	e.srv.SetRef("main", merge.Hash)

	_, err = e.d.Replay(context.Background(), ReplayRequest{
		RefOptions: RefOptions{Branch: "main"},
		Since:      string(e.base),
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Message, "merge")
	tip, _ := e.srv.Ref("main")
	assert.Equal(t, merge.Hash, tip)
}

func TestReplayLosesRace(t *testing.T) {
	e := newEnv(t)
	originals := e.unsignedChain(t, 1)
	moved, records := e.hist.commit(t, originals[0], map[string]string{"README.md": "theirs\n"}, "theirs")
	e.d.Remote = &racingRemote{Remote: e.remote, race: func() {
		e.srv.Seed(records...)
		e.srv.SetRef("main", moved)
	}}

	_, err := e.d.Replay(context.Background(), ReplayRequest{
		RefOptions: RefOptions{Branch: "main"},
		Since:      string(e.base),
		Commit:     commit.Options{Default: bot},
	})
	require.ErrorIs(t, err, remote.ErrRefMismatch)
	requireStage(t, err, StageUpdatingRef)
	tip, _ := e.srv.Ref("main")
	assert.Equal(t, moved, tip)
}

func TestReplayThroughGitHubAPI(t *testing.T) {
	srv := remotetest.NewGitHubServer(t)
	hist := newHistory()
	base, records := hist.commit(t, "", map[string]string{"README.md": "hello\n"}, "initial")
	srv.Seed(records...)
	next, records := hist.commit(t, base, map[string]string{"README.md": "edited\n"}, "edit readme")
	srv.Seed(records...)
	srv.SetRef("main", next)

	target, err := remote.ParseTarget(srv.Owner+"/"+srv.Repo, "")
	require.NoError(t, err)
	gh, err := remote.NewGitHub(target, remote.Options{APIURL: srv.APIURL(), Retry: fastRetry})
	require.NoError(t, err)
	d := &Dispatcher{Remote: gh, Now: func() time.Time { return replayNow }}

	res, err := d.Replay(context.Background(), ReplayRequest{
		RefOptions: RefOptions{Branch: "main"},
		Since:      string(base),
		Commit:     commit.Options{Default: bot},
	})
	require.NoError(t, err)
	tip, _ := srv.Ref("main")
	assert.Equal(t, tip, res.Hash)
	assert.NotEqual(t, next, tip)

	c, err := gh.LoadCommit(context.Background(), tip)
	require.NoError(t, err)
	assert.Equal(t, []object.Hash{base}, c.Parents)
	assert.Equal(t, bot.Name, c.Committer.Name)
	assert.Equal(t, "edit readme", strings.TrimSpace(c.Message))
}
