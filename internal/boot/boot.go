// Package boot smoke-tests a packaged image by running it under qemu
// and watching the serial console for a configured success marker.
package boot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cochaviz/kiln/internal/arch"
	"github.com/cochaviz/kiln/internal/config"
	"github.com/cochaviz/kiln/internal/store"
)

const (
	defaultBootTimeout = 120 * time.Second
	defaultMemory      = "512M"

	// tailLimit bounds how much trailing console output is kept for
	// error reports.
	tailLimit = 4 << 10

	readChunk = 4 << 10
)

// Booter drives the qemu smoke boot for packaged images.
type Booter struct {
	Logger *slog.Logger
	Store  *store.Store
	Config *config.Config
}

// Boot launches the architecture's image under qemu and returns nil
// once the success marker appears on the serial console. It refuses to
// run without a complete image and fails when the marker has not shown
// up before the configured timeout.
func (b *Booter) Boot(ctx context.Context, a arch.Architecture, runID string) error {
	profile, err := b.Config.Profile(a)
	if err != nil {
		return &BootError{Arch: a, Reason: "no profile", Err: err}
	}

	imagePath := b.Store.ImagePath(a)
	stamp, err := b.Store.ReadStamp(imagePath)
	switch {
	case errors.Is(err, store.ErrNoStamp):
		return &BootError{Arch: a, Reason: "image not packed, run image first"}
	case err != nil:
		return &BootError{Arch: a, Reason: "read image stamp", Err: err}
	case stamp.Status != store.StatusComplete:
		return &BootError{Arch: a, Reason: "image is marked incomplete, repack it first"}
	}
	if _, err := os.Stat(imagePath); err != nil {
		return &BootError{Arch: a, Reason: "image file missing despite stamp, repack it", Err: err}
	}

	qemu := profile.QEMU
	marker := qemu.SuccessMarker
	if marker == "" {
		return &BootError{Arch: a, Reason: "no success marker configured"}
	}
	if qemu.Args.IsZero() {
		return &BootError{Arch: a, Reason: "no qemu arguments configured"}
	}

	binary := qemu.Binary
	if binary == "" {
		binary = "qemu-system-" + a.String()
	}
	memory := qemu.Memory
	if memory == "" {
		memory = defaultMemory
	}

	kernel := qemu.Kernel
	if kernel != "" && !filepath.IsAbs(kernel) {
		kernel = filepath.Join(b.Store.Root, kernel)
	}
	if kernel == "" && strings.Contains(string(qemu.Args), "${KERNEL}") {
		return &BootError{Arch: a, Reason: "qemu args reference ${KERNEL} but the profile sets no kernel"}
	}

	vars := map[string]string{
		"IMAGE":  imagePath,
		"MEMORY": memory,
		"STORE":  b.Store.Root,
	}
	if kernel != "" {
		if _, err := os.Stat(kernel); err != nil {
			return &BootError{Arch: a, Reason: fmt.Sprintf("kernel %s missing", kernel), Err: err}
		}
		vars["KERNEL"] = kernel
	}
	argv, err := qemu.Args.ExpandArgv(vars)
	if err != nil {
		return &BootError{Arch: a, Reason: "expand qemu args", Err: err}
	}

	var nw *network
	if qemu.Network.Enabled() {
		nw, err = setupNetwork(b.Logger, qemu.Network)
		if err != nil {
			return &BootError{Arch: a, Reason: "set up boot network", Err: err}
		}
		defer nw.teardown()
		argv = append(argv, nw.qemuArgs()...)
	}

	timeout := defaultBootTimeout
	if qemu.TimeoutSeconds > 0 {
		timeout = time.Duration(qemu.TimeoutSeconds) * time.Second
	}
	bootCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(bootCtx, binary, argv...)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	b.Logger.Info("booting image",
		"arch", a,
		"image", imagePath,
		"binary", binary,
		"timeout", timeout,
		"run_id", runID,
	)

	if nw != nil && qemu.Network.Namespace != "" {
		err = startInNamespace(cmd, qemu.Network.Namespace)
	} else {
		err = cmd.Start()
	}
	if err != nil {
		return &BootError{Arch: a, Reason: fmt.Sprintf("start %s", binary), Err: err}
	}

	waited := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		pw.CloseWithError(err)
		waited <- err
	}()

	found, tail := scanForMarker(pr, marker, tailLimit)

	// Stop qemu (it keeps running after a successful boot) and drain
	// the pipe so the exec copier can finish and Wait can return.
	cancel()
	_, _ = io.Copy(io.Discard, pr)
	waitErr := <-waited

	if found {
		b.Logger.Info("boot succeeded", "arch", a, "marker", marker)
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return &BootError{Arch: a, Reason: "boot interrupted", Err: ctxErr}
	}
	if errors.Is(bootCtx.Err(), context.DeadlineExceeded) {
		return &BootError{Arch: a, Reason: fmt.Sprintf("no %q on the console within %s", marker, timeout)}
	}
	reason := fmt.Sprintf("qemu exited before printing %q", marker)
	if trimmed := strings.TrimSpace(tail); trimmed != "" {
		reason += "; last output: " + trimmed
	}
	return &BootError{Arch: a, Reason: reason, Err: waitErr}
}

// scanForMarker reads r until the marker appears or the stream ends. A
// window of the last len(marker)-1 bytes carries over between reads so
// a marker split across chunks still matches, and the marker needs no
// trailing newline (the default is a shell prompt). The returned tail
// holds up to limit bytes of the most recent output.
func scanForMarker(r io.Reader, marker string, limit int) (bool, string) {
	needle := []byte(marker)
	keep := len(needle) - 1
	var window, tail []byte
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			tail = append(tail, buf[:n]...)
			if len(tail) > limit {
				tail = append(tail[:0], tail[len(tail)-limit:]...)
			}
			window = append(window, buf[:n]...)
			if bytes.Contains(window, needle) {
				return true, string(tail)
			}
			if len(window) > keep {
				window = append(window[:0], window[len(window)-keep:]...)
			}
		}
		if err != nil {
			return false, string(tail)
		}
	}
}
