// Package commit constructs commit objects for a built tree.
package commit

import (
	"fmt"
	"text/template"
	"time"

	"github.com/odvcencio/commit-headless/pkg/object"
)

// Signer signs canonical commit payload bytes and returns the armored
// signature stored in the commit's gpgsig header.
type Signer func(payload []byte) (string, error)

// Options describes the commit to build. Zero values fall back to defaults:
// the committer to Default (then DefaultIdentity), the author to the
// committer, and the time to now.
type Options struct {
	Tree    object.Hash
	Parents []object.Hash

	Author    Identity
	Committer Identity
	Default   Identity
	When      time.Time

	// AuthorWhen overrides When for the author line.
	AuthorWhen time.Time

	Messages []string
	Template *template.Template
	Data     MessageData
	Trailers []Trailer

	Signer Signer
}

// Build assembles, optionally signs and serializes a commit. The returned
// record carries the commit's hash and raw bytes.
func Build(opts Options) (*object.CommitObj, object.Record, error) {
	if _, err := object.ParseHash(string(opts.Tree)); err != nil {
		return nil, object.Record{}, &ValidationError{Field: "tree", Message: "invalid tree hash", Err: err}
	}
	for _, p := range opts.Parents {
		if _, err := object.ParseHash(string(p)); err != nil {
			return nil, object.Record{}, &ValidationError{Field: "parent", Message: "invalid parent hash", Err: err}
		}
	}

	committer := opts.Committer
	if committer.IsZero() {
		committer = opts.Default
	}
	if committer.IsZero() {
		committer = DefaultIdentity
	}
	author := opts.Author
	if author.IsZero() {
		author = committer
	}
	for _, id := range []Identity{author, committer} {
		if err := id.Validate(); err != nil {
			return nil, object.Record{}, err
		}
	}

	msg, err := ComposeMessage(opts.Messages, opts.Template, opts.Data, opts.Trailers)
	if err != nil {
		return nil, object.Record{}, err
	}

	when := opts.When
	if when.IsZero() {
		when = time.Now()
	}

	authorWhen := opts.AuthorWhen
	if authorWhen.IsZero() {
		authorWhen = when
	}

	c := &object.CommitObj{
		TreeHash:  opts.Tree,
		Parents:   append([]object.Hash(nil), opts.Parents...),
		Author:    object.Signature{Name: author.Name, Email: author.Email, When: authorWhen},
		Committer: object.Signature{Name: committer.Name, Email: committer.Email, When: when},
		Message:   msg,
	}

	if opts.Signer != nil {
		payload, err := object.CommitSigningPayload(c)
		if err != nil {
			return nil, object.Record{}, fmt.Errorf("commit: signing payload: %w", err)
		}
		sig, err := opts.Signer(payload)
		if err != nil {
			return nil, object.Record{}, fmt.Errorf("commit: sign commit: %w", err)
		}
		c.Signature = sig
	}

	data, err := object.MarshalCommit(c)
	if err != nil {
		return nil, object.Record{}, fmt.Errorf("commit: %w", err)
	}
	return c, object.NewRecord(object.TypeCommit, data), nil
}
