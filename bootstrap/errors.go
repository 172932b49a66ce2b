package bootstrap

import (
	"errors"
	"fmt"
)

// Setup stages reported by SetupError.
const (
	StageParse   = "parse"
	StageOpen    = "open"
	StageInstall = "install"
	StageStart   = "start"
)

// ErrImageLoaded is returned by LoadAndRun on a Loader that already loaded
// an image.
var ErrImageLoaded = errors.New("an image has already been loaded")

// SetupError reports a failure before control reached the program.
type SetupError struct {
	Stage string
	Path  string
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *SetupError) Unwrap() error {
	return e.Err
}
