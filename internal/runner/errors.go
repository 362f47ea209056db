package runner

import (
	"errors"
	"fmt"
)

// ChildExitError reports a program that exited non-zero while the run was
// still live. It becomes the run's failure cause unless coordination
// already failed for another reason.
type ChildExitError struct {
	// Program is the configured program name.
	Program string

	// Code is the process exit code.
	Code int
}

// Error implements the error interface.
func (e *ChildExitError) Error() string {
	return fmt.Sprintf("program %q exited with code %d", e.Program, e.Code)
}

// IsChildExit reports whether err is a premature child exit.
// Uses errors.As to handle wrapped errors.
func IsChildExit(err error) bool {
	var ce *ChildExitError
	return errors.As(err, &ce)
}
