// Package pipeline orders the build stages, skips the ones whose
// outputs are still fresh, and stops a run at the first failure.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/kiln/internal/arch"
	"github.com/cochaviz/kiln/internal/store"
)

// Options carries the per-run parameters every stage can see.
type Options struct {
	Arch  arch.Architecture
	RunID string
	// WithTests pulls both test stages into the image prerequisites.
	WithTests bool
	// CleanArchOnly restricts clean to Arch instead of the whole store.
	CleanArchOnly bool
	// CleanSources also removes fetched sources and toolchains.
	CleanSources bool
	// OpenDoc opens the documentation index after building it.
	OpenDoc bool
}

// Stage is one named unit of pipeline work. Prerequisites run strictly
// before it; a fresh stage is skipped without running.
type Stage struct {
	Name  string
	Needs []string
	// DynamicNeeds extends Needs based on run options.
	DynamicNeeds func(Options) []string
	// Fresh reports whether the stage's outputs are already up to date.
	// Nil means the stage always runs.
	Fresh func(ctx context.Context, opts Options) (bool, error)
	// Run does the work and returns the artifacts it produced.
	Run func(ctx context.Context, opts Options) ([]store.Artifact, error)
}

// Driver executes stages in dependency order.
type Driver struct {
	Logger *slog.Logger
	Store  *store.Store

	stages map[string]*Stage
}

func NewDriver(logger *slog.Logger, st *store.Store) *Driver {
	return &Driver{
		Logger: logger,
		Store:  st,
		stages: make(map[string]*Stage),
	}
}

// Register adds stages to the driver. Registering the same name twice
// is a programming error and is rejected.
func (d *Driver) Register(stages ...*Stage) error {
	for _, st := range stages {
		if st.Name == "" {
			return fmt.Errorf("stage with empty name")
		}
		if _, exists := d.stages[st.Name]; exists {
			return fmt.Errorf("stage %q registered twice", st.Name)
		}
		d.stages[st.Name] = st
	}
	return nil
}

// StageNames lists the registered stages, sorted.
func (d *Driver) StageNames() []string {
	names := make([]string, 0, len(d.stages))
	for name := range d.stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes the named stage after every prerequisite in its closure,
// in dependency order. The first failing stage aborts the run; later
// stages are not attempted against a known-bad artifact. Returned
// artifacts are the outputs of every stage that actually ran.
func (d *Driver) Run(ctx context.Context, name string, opts Options) ([]store.Artifact, error) {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	order, err := d.closure(name, opts)
	if err != nil {
		return nil, err
	}

	d.Logger.Info("pipeline run starting",
		"stage", name,
		"arch", opts.Arch,
		"run_id", opts.RunID,
		"plan", stageNames(order),
	)

	var artifacts []store.Artifact
	for _, st := range order {
		if err := ctx.Err(); err != nil {
			return artifacts, &RunError{Stage: st.Name, Arch: opts.Arch, Err: err}
		}

		if st.Fresh != nil {
			fresh, err := st.Fresh(ctx, opts)
			if err != nil {
				d.Logger.Warn("freshness check failed, rebuilding", "stage", st.Name, "error", err)
			} else if fresh {
				d.Logger.Info("stage up to date", "stage", st.Name, "arch", opts.Arch)
				d.record(runRecord{RunID: opts.RunID, Stage: st.Name, Arch: opts.Arch.String(), Status: "skipped"})
				continue
			}
		}

		started := time.Now()
		produced, err := st.Run(ctx, opts)
		elapsed := time.Since(started)
		if err != nil {
			d.record(runRecord{
				RunID:      opts.RunID,
				Stage:      st.Name,
				Arch:       opts.Arch.String(),
				Status:     "failed",
				Error:      err.Error(),
				DurationMS: elapsed.Milliseconds(),
			})
			return artifacts, &RunError{Stage: st.Name, Arch: opts.Arch, Err: err}
		}
		d.record(runRecord{
			RunID:      opts.RunID,
			Stage:      st.Name,
			Arch:       opts.Arch.String(),
			Status:     "ok",
			DurationMS: elapsed.Milliseconds(),
		})
		d.Logger.Info("stage finished", "stage", st.Name, "arch", opts.Arch, "duration", elapsed)
		artifacts = append(artifacts, produced...)
	}
	return artifacts, nil
}

// closure resolves the requested stage's prerequisite graph into
// execution order, rejecting unknown stages and dependency cycles.
func (d *Driver) closure(name string, opts Options) ([]*Stage, error) {
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int)
	var order []*Stage

	var visit func(n string, path []string) error
	visit = func(n string, path []string) error {
		switch state[n] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("stage dependency cycle: %s", strings.Join(append(path, n), " -> "))
		}
		st, ok := d.stages[n]
		if !ok {
			return fmt.Errorf("unknown stage %q (known: %s)", n, strings.Join(d.StageNames(), ", "))
		}
		state[n] = visiting

		needs := append([]string(nil), st.Needs...)
		if st.DynamicNeeds != nil {
			needs = append(needs, st.DynamicNeeds(opts)...)
		}
		for _, dep := range needs {
			if err := visit(dep, append(path, n)); err != nil {
				return err
			}
		}

		state[n] = done
		order = append(order, st)
		return nil
	}

	if err := visit(name, nil); err != nil {
		return nil, err
	}
	return order, nil
}

// runRecord is one line of the append-only run log.
type runRecord struct {
	RunID      string `json:"run_id"`
	Stage      string `json:"stage"`
	Arch       string `json:"arch,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Time       string `json:"time"`
}

// record appends one JSON line to the run log. Logging never fails a
// build, so write errors are only warned about.
func (d *Driver) record(rec runRecord) {
	rec.Time = time.Now().UTC().Format(time.RFC3339)

	line, err := json.Marshal(rec)
	if err != nil {
		d.Logger.Warn("could not encode run record", "error", err)
		return
	}
	f, err := os.OpenFile(d.Store.RunLogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		d.Logger.Warn("could not open run log", "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		d.Logger.Warn("could not append run record", "error", err)
	}
}

func stageNames(stages []*Stage) string {
	names := make([]string, len(stages))
	for i, st := range stages {
		names[i] = st.Name
	}
	return strings.Join(names, ",")
}
