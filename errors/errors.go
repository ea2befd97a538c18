// Package errors provides error construction helpers that annotate every
// error with the file and line of the call site. The typed error taxonomies
// (transport, gateway, delegation, approval) live in their owning packages
// and wrap through this one.
package errors

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// New creates a new error carrying the caller's file and line.
func New(format string, a ...interface{}) error {
	return fmt.Errorf("[%s] %s", callSite(), fmt.Sprintf(format, a...))
}

// Wrapf adds context (including the caller's file and line) to an existing
// error. If the provided error is nil, Wrapf returns nil.
func Wrapf(err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("[%s] %s: %w", callSite(), fmt.Sprintf(format, a...), err)
}

// Is reports whether any error in err's chain matches target. Re-exported so
// callers do not need to import both this package and the standard library
// one.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

func callSite() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "???:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
