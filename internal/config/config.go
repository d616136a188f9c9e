// Package config loads the project configuration: where the artifact
// store lives, the per-architecture toolchain and image profiles, and
// the command templates for the developer-facing stages.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/kiln/internal/arch"
	"github.com/cochaviz/kiln/internal/run"
)

//go:embed default.yaml
var embeddedDefault []byte

// Config is the root of the YAML configuration file.
type Config struct {
	// StoreRoot is the artifact store directory. Relative paths are
	// resolved against the working directory at load time.
	StoreRoot string `yaml:"store_root"`

	// SourceManifest points at the sources manifest file. Empty selects
	// the embedded default manifest.
	SourceManifest string `yaml:"source_manifest"`

	// Architectures maps canonical architecture names to their profiles.
	Architectures map[string]ArchProfile `yaml:"architectures"`

	// Check lists the style-conformance commands, run in order.
	Check []run.Template `yaml:"check"`

	// Doc configures documentation generation.
	Doc DocProfile `yaml:"doc"`
}

// ArchProfile carries everything that differs between build targets.
type ArchProfile struct {
	// Toolchain names the manifest asset holding the cross toolchain.
	Toolchain string `yaml:"toolchain"`
	// Sysroot is the sysroot directory relative to the unpacked toolchain.
	Sysroot string `yaml:"sysroot"`
	// Triple is the target triple handed to external build commands.
	Triple string `yaml:"triple"`

	// Libraries are sysroot-relative shared objects copied into the
	// root filesystem's lib directory.
	Libraries []string `yaml:"libraries"`
	// Loader is the dynamic loader name created under lib.
	Loader string `yaml:"loader"`
	// LoaderTarget is the symlink target for Loader, usually libc.so.
	LoaderTarget string `yaml:"loader_target"`
	// RootfsExtra commands run after the userland skeleton is populated.
	RootfsExtra []run.Template `yaml:"rootfs_extra"`

	LibcTests  SuiteProfile `yaml:"libc_tests"`
	OtherTests SuiteProfile `yaml:"other_tests"`

	Image ImageProfile `yaml:"image"`
	QEMU  QEMUProfile  `yaml:"qemu"`
}

// SuiteProfile describes how one test corpus reaches the root filesystem.
type SuiteProfile struct {
	// Source names the manifest source tree holding the suite.
	Source string `yaml:"source"`
	// Build commands populate ${DEST} from ${SRC}; when empty the source
	// tree is copied verbatim.
	Build []run.Template `yaml:"build"`
}

// ImageProfile selects the on-disk image format for an architecture.
type ImageProfile struct {
	// Format is iso, cpio, or external.
	Format string `yaml:"format"`
	// CapacityBytes caps the rootfs content size; zero disables the check.
	CapacityBytes int64 `yaml:"capacity_bytes"`
	// Label is the volume label for formats that carry one.
	Label string `yaml:"label"`
	// Command is the packer invocation for the external format, with
	// ${ROOTFS}, ${IMAGE}, and ${ARCH} available.
	Command run.Template `yaml:"command"`
}

// QEMUProfile configures the boot smoke check.
type QEMUProfile struct {
	Binary string `yaml:"binary"`
	// Kernel is the kernel image handed to qemu, resolved against the
	// store root when relative. Empty means the image itself boots.
	Kernel string `yaml:"kernel"`
	Memory string `yaml:"memory"`
	// Args extends the base invocation; ${IMAGE}, ${KERNEL}, and
	// ${MEMORY} are available.
	Args run.Template `yaml:"args"`
	// SuccessMarker is the serial-output line that proves the kernel
	// came up.
	SuccessMarker  string `yaml:"success_marker"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	// Network optionally bridges the guest onto a host TAP device.
	Network BootNetworkProfile `yaml:"network"`
}

// BootNetworkProfile describes the TAP bridge a booted guest attaches
// to. Networking is enabled when Tap is set; setup then needs root.
type BootNetworkProfile struct {
	Tap    string `yaml:"tap"`
	Bridge string `yaml:"bridge"`
	// GatewayCIDR is assigned to the bridge, e.g. 10.13.37.1/24.
	GatewayCIDR string `yaml:"gateway_cidr"`
	// Namespace optionally confines bridge, tap, and guest to a named
	// network namespace.
	Namespace string `yaml:"namespace"`
}

// Enabled reports whether boot networking is configured.
func (n BootNetworkProfile) Enabled() bool {
	return n.Tap != ""
}

// DocProfile configures the doc stage.
type DocProfile struct {
	Build []run.Template `yaml:"build"`
	// Open is invoked with ${DOC} when the user asks to view the result.
	Open run.Template `yaml:"open"`
	// Index is the entry document produced by Build.
	Index string `yaml:"index"`
}

// Default returns the embedded configuration.
func Default() (*Config, error) {
	return parse(embeddedDefault)
}

// Load reads the configuration file at path, or the embedded default when
// path is empty.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if !filepath.IsAbs(cfg.StoreRoot) {
		abs, err := filepath.Abs(cfg.StoreRoot)
		if err != nil {
			return nil, fmt.Errorf("resolve store root %q: %w", cfg.StoreRoot, err)
		}
		cfg.StoreRoot = abs
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.StoreRoot == "" {
		return errors.New("store_root is required")
	}
	if len(c.Architectures) == 0 {
		return errors.New("at least one architecture profile is required")
	}
	for name, profile := range c.Architectures {
		if arch.Normalize(name) == "" {
			return fmt.Errorf("architecture %q is not supported", name)
		}
		switch profile.Image.Format {
		case "", FormatISO, FormatCPIO, FormatExternal:
		default:
			return fmt.Errorf("architecture %s: unknown image format %q", name, profile.Image.Format)
		}
		if profile.Image.Format == FormatExternal && profile.Image.Command.IsZero() {
			return fmt.Errorf("architecture %s: external image format requires a command", name)
		}
	}
	return nil
}

// Image format names accepted in architecture profiles.
const (
	FormatISO      = "iso"
	FormatCPIO     = "cpio"
	FormatExternal = "external"
)

// Profile returns the profile for the given architecture.
func (c *Config) Profile(a arch.Architecture) (ArchProfile, error) {
	if profile, ok := c.Architectures[a.String()]; ok {
		return profile, nil
	}
	return ArchProfile{}, fmt.Errorf("no profile configured for architecture %s", a)
}
