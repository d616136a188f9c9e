package arch

import (
	"fmt"
	"sort"
	"strings"
)

// Architecture identifies one of the kernel build targets. The set is
// closed; pipeline stages, artifact paths, and toolchain profiles are
// all keyed by it.
type Architecture string

const (
	X86_64  Architecture = "x86_64"
	RISCV64 Architecture = "riscv64"
	AArch64 Architecture = "aarch64"
)

// Default returns the baseline architecture used when a command does
// not name one explicitly.
func Default() Architecture {
	return X86_64
}

// Supported returns the full list of supported architectures.
func Supported() []Architecture {
	return []Architecture{
		X86_64,
		RISCV64,
		AArch64,
	}
}

// IsValid reports whether a matches a supported architecture value.
func (a Architecture) IsValid() bool {
	switch a {
	case X86_64, RISCV64, AArch64:
		return true
	default:
		return false
	}
}

// String returns the architecture as string.
func (a Architecture) String() string {
	return string(a)
}

// Parse returns the canonical Architecture for the provided string or an
// error if unsupported. An empty string selects the default.
func Parse(value string) (Architecture, error) {
	if strings.TrimSpace(value) == "" {
		return Default(), nil
	}
	if arch := Normalize(value); arch != "" {
		return arch, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// MustParse is like Parse but panics on error.
func MustParse(value string) Architecture {
	arch, err := Parse(value)
	if err != nil {
		panic(err)
	}
	return arch
}

// Normalize maps a possibly ambiguous string into a canonical Architecture.
// Returns "" when the string cannot be normalized.
func Normalize(value string) Architecture {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case string(X86_64), "x86-64", "x64", "amd64":
		return X86_64
	case string(RISCV64), "riscv", "rv64", "riscv64gc":
		return RISCV64
	case string(AArch64), "arm64":
		return AArch64
	default:
		return ""
	}
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
