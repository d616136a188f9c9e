package rootfs

import (
	"fmt"

	"github.com/cochaviz/kiln/internal/arch"
)

// BuildError reports a failed root filesystem build for one
// architecture.
type BuildError struct {
	Arch   arch.Architecture
	Reason string
	Err    error
}

func (e *BuildError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rootfs %s: %s: %v", e.Arch, e.Reason, e.Err)
	}
	return fmt.Sprintf("rootfs %s: %s", e.Arch, e.Reason)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}
