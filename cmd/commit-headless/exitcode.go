package main

import (
	"errors"

	"github.com/odvcencio/commit-headless/pkg/commit"
	"github.com/odvcencio/commit-headless/pkg/localrepo"
	"github.com/odvcencio/commit-headless/pkg/object"
	"github.com/odvcencio/commit-headless/pkg/remote"
	"github.com/odvcencio/commit-headless/pkg/tree"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitValidation  = 1
	ExitSystem      = 2 // network failures and anything unclassified
	ExitRefMismatch = 3
	ExitAuth        = 4
	ExitNotFound    = 5
	ExitRejected    = 6
)

func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var (
		verr     *commit.ValidationError
		conflict *tree.PathConflictError
		encoding *object.EncodingError
		chain    *localrepo.ChainError
	)
	switch {
	case errors.Is(err, remote.ErrAuth):
		return ExitAuth
	case errors.Is(err, remote.ErrNotFound):
		return ExitNotFound
	case errors.Is(err, remote.ErrRefMismatch):
		return ExitRefMismatch
	case errors.Is(err, remote.ErrRejected):
		return ExitRejected
	case errors.Is(err, remote.ErrNetwork):
		return ExitSystem
	case errors.As(err, &verr), errors.As(err, &conflict), errors.As(err, &encoding), errors.As(err, &chain):
		return ExitValidation
	}
	return ExitSystem
}
