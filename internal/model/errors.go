package model

import (
	"errors"
	"fmt"
)

// Error kinds. Failures carrying a cause wrap both the kind and the cause,
// so callers match with errors.Is and still see the underlying error.
var (
	ErrDestExists         = errors.New("destination file exists")
	ErrMissingTemplate    = errors.New("template path must be defined for git and local sources")
	ErrTemplateNotFound   = errors.New("template not found")
	ErrGit                = errors.New("git error")
	ErrHTTP               = errors.New("HTTP error")
	ErrIO                 = errors.New("i/o error")
	ErrJSON               = errors.New("JSON error")
	ErrTemplateRender     = errors.New("template render error")
	ErrInvalidUTF8        = errors.New("invalid UTF-8 string")
	ErrInvalidProjectName = errors.New("invalid project name")
	ErrNoDefaultBranch    = errors.New("repository doesn't have any branch")
)

// OutsideProjectError reports a path that is not contained by the project
// directory.
type OutsideProjectError struct {
	Path string
}

func (e *OutsideProjectError) Error() string {
	return fmt.Sprintf("file %s is not contained by project directory", e.Path)
}

// IOError wraps err as an ErrIO failure of op on path
func IOError(op, path string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrIO, op, path, err)
}
