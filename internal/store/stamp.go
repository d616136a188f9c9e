package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
)

// Status marks whether an artifact finished building. An artifact whose
// stamp says incomplete is never trusted by later stages, whatever its
// on-disk contents look like.
type Status string

const (
	StatusComplete   Status = "complete"
	StatusIncomplete Status = "incomplete"
)

// Stamp is the persisted freshness record for one artifact.
type Stamp struct {
	Status Status `json:"status"`
	// Fingerprint hashes the inputs that produced the artifact. A stamp
	// whose fingerprint no longer matches the current inputs is stale.
	Fingerprint string `json:"fingerprint,omitempty"`
	// TreeHash is the content hash recorded at completion.
	TreeHash  string    `json:"tree_hash,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrNoStamp reports that an artifact has no recorded stamp.
var ErrNoStamp = errors.New("no stamp recorded")

// StampPath returns the stamp file for an artifact path. Stamps sit next
// to the artifact, never inside it, so directory artifacts stay pure.
func StampPath(artifactPath string) string {
	return artifactPath + ".stamp.json"
}

// WriteStamp atomically persists the stamp for an artifact path.
func (s *Store) WriteStamp(artifactPath string, stamp Stamp) error {
	stamp.UpdatedAt = time.Now().UTC()

	payload, err := json.MarshalIndent(stamp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode stamp: %w", err)
	}

	path := StampPath(artifactPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure stamp directory: %w", err)
	}
	if err := renameio.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("write stamp %s: %w", path, err)
	}
	return nil
}

// ReadStamp loads the stamp for an artifact path, or ErrNoStamp.
func (s *Store) ReadStamp(artifactPath string) (Stamp, error) {
	data, err := os.ReadFile(StampPath(artifactPath))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Stamp{}, ErrNoStamp
		}
		return Stamp{}, fmt.Errorf("read stamp for %s: %w", artifactPath, err)
	}

	var stamp Stamp
	if err := json.Unmarshal(data, &stamp); err != nil {
		return Stamp{}, fmt.Errorf("decode stamp for %s: %w", artifactPath, err)
	}
	return stamp, nil
}

// ClearStamp removes the stamp for an artifact path.
func (s *Store) ClearStamp(artifactPath string) error {
	if err := os.Remove(StampPath(artifactPath)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// MarkIncomplete records that an artifact is about to be mutated. It is
// written before the first destructive step of a build so an interrupted
// run can never masquerade as a finished one.
func (s *Store) MarkIncomplete(artifactPath, fingerprint, runID string) error {
	return s.WriteStamp(artifactPath, Stamp{
		Status:      StatusIncomplete,
		Fingerprint: fingerprint,
		RunID:       runID,
	})
}

// MarkComplete records a finished artifact with its content hash.
func (s *Store) MarkComplete(artifactPath, fingerprint, treeHash, runID string) error {
	return s.WriteStamp(artifactPath, Stamp{
		Status:      StatusComplete,
		Fingerprint: fingerprint,
		TreeHash:    treeHash,
		RunID:       runID,
	})
}

// Fresh reports whether the artifact at artifactPath exists, finished
// building, and was produced from the given fingerprint.
func (s *Store) Fresh(artifactPath, fingerprint string) (bool, error) {
	return s.FreshAt(artifactPath, artifactPath, fingerprint)
}

// FreshAt is Fresh with distinct stamp key and artifact location, for
// artifacts whose stamps cannot sit beside them.
func (s *Store) FreshAt(stampKey, artifactPath, fingerprint string) (bool, error) {
	stamp, err := s.ReadStamp(stampKey)
	if errors.Is(err, ErrNoStamp) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if stamp.Status != StatusComplete || stamp.Fingerprint != fingerprint {
		return false, nil
	}
	if _, err := os.Stat(artifactPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
