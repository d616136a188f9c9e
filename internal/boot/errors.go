package boot

import (
	"fmt"

	"github.com/cochaviz/kiln/internal/arch"
)

// BootError reports a failed boot smoke check, attributed to the
// architecture whose image was under test.
type BootError struct {
	Arch   arch.Architecture
	Reason string
	Err    error
}

func (e *BootError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("boot %s: %s", e.Arch, e.Reason)
	}
	return fmt.Sprintf("boot %s: %s: %v", e.Arch, e.Reason, e.Err)
}

func (e *BootError) Unwrap() error {
	return e.Err
}
