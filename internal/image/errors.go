package image

import (
	"fmt"

	"github.com/cochaviz/kiln/internal/arch"
)

// PackError reports a failed image build for one architecture.
type PackError struct {
	Arch   arch.Architecture
	Reason string
	Err    error
}

func (e *PackError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("image %s: %s: %v", e.Arch, e.Reason, e.Err)
	}
	return fmt.Sprintf("image %s: %s", e.Arch, e.Reason)
}

func (e *PackError) Unwrap() error {
	return e.Err
}
