package main

import (
	"errors"

	"github.com/openforcefield/bespoke-executor/pkg/client"
)

// exitCodeError pairs an error with the process exit code it should
// produce, per spec.md §6.4's closed exit-code table.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func withExit(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitCodeError{code: code, err: err}
}

// exitCodeFor derives the process exit code for a RunE error, per
// spec.md §6.4: 0 success, 2 user error, 3 coordinator unreachable, 4
// submission errored, 5 cancelled.
func exitCodeFor(err error) int {
	var ec *exitCodeError
	if errors.As(err, &ec) {
		return ec.code
	}
	if errors.Is(err, client.ErrUnreachable) {
		return exitCoordinatorUnreachable
	}
	var cerr *client.Error
	if errors.As(err, &cerr) && cerr.Code == "invalid-schema" {
		return exitUserError
	}
	return exitUserError
}
