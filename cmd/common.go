package cmd

import (
	"errors"
	"strings"

	"github.com/veenone/ccm-tool/globalplatform"
	"github.com/veenone/ccm-tool/output"
	"github.com/veenone/ccm-tool/securechannel"
	"github.com/veenone/ccm-tool/session"
	"github.com/veenone/ccm-tool/store"
)

// exitCodeError wraps a command failure with the exit code spec.md §6
// assigns to its error taxonomy (§7), so RunE can report the failure and
// Execute can set the process exit status without re-classifying twice.
type exitCodeError struct {
	err  error
	code int
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

// fail classifies err into spec.md §6's exit codes (1 user error, 2
// card/protocol error, 3 transport error) and returns it wrapped so
// Execute can recover the code after cobra prints the message.
func fail(err error) error {
	if err == nil {
		return nil
	}
	return &exitCodeError{err: err, code: classify(err)}
}

func classify(err error) int {
	var cardErr *globalplatform.CardError
	if errors.As(err, &cardErr) {
		return 2
	}
	if strings.Contains(err.Error(), "reader:") {
		return 3
	}
	var scErr *securechannel.Error
	if errors.As(err, &scErr) {
		return 2
	}
	if errors.Is(err, session.ErrNotConnected) || errors.Is(err, session.ErrNotAuthenticated) {
		return 1
	}
	if errors.Is(err, store.ErrDuplicate) || errors.Is(err, store.ErrNotFound) {
		return 1
	}
	return 1
}

// printSuccess prints a success message using the output package, unless
// JSON output was requested.
func printSuccess(msg string) {
	if !outputJSON {
		output.PrintSuccess(msg)
	}
}

// printWarning prints a warning message using the output package, unless
// JSON output was requested.
func printWarning(msg string) {
	if !outputJSON {
		output.PrintWarning(msg)
	}
}
