package pipeline

import (
	"fmt"

	"github.com/cochaviz/kiln/internal/arch"
)

// RunError attributes a failed pipeline run to the stage that broke it.
type RunError struct {
	Stage string
	Arch  arch.Architecture
	Err   error
}

func (e *RunError) Error() string {
	if e.Arch == "" {
		return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("stage %s (%s) failed: %v", e.Stage, e.Arch, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}
