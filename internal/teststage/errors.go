package teststage

import (
	"fmt"

	"github.com/cochaviz/kiln/internal/arch"
)

// StageError reports a failure staging one test suite into a root
// filesystem.
type StageError struct {
	Suite  string
	Arch   arch.Architecture
	Reason string
	Err    error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stage %s for %s: %s: %v", e.Suite, e.Arch, e.Reason, e.Err)
	}
	return fmt.Sprintf("stage %s for %s: %s", e.Suite, e.Arch, e.Reason)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
