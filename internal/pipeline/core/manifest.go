package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Manifest is the per-job authoritative record.
// It has a single writer (the Orchestrator) and is fsynced on every save so
// a resumed run never trusts a partially-flushed status.
type Manifest struct {
	JobID           string                      `json:"job_id"`
	Workflow        Workflow                    `json:"workflow"`
	MediaPath       string                      `json:"media_path"`
	SourceLanguage  string                      `json:"source_language"`
	TargetLanguages []string                    `json:"target_languages"`
	StartedAt       time.Time                   `json:"started_at"`
	UpdatedAt       time.Time                   `json:"updated_at"`
	Status          JobStatus                   `json:"status"`
	Stages          map[string]*StageInvocation `json:"stages"`

	path string
	mu   sync.Mutex
}

// NewManifest creates a fresh manifest for a job, not yet persisted.
func NewManifest(j *Job) *Manifest {
	now := time.Now().UTC()
	return &Manifest{
		JobID:           j.JobID,
		Workflow:        j.Workflow,
		MediaPath:       j.MediaPath,
		SourceLanguage:  j.SourceLanguage,
		TargetLanguages: j.TargetLanguages,
		StartedAt:       now,
		UpdatedAt:       now,
		Status:          JobStatusRunning,
		Stages:          make(map[string]*StageInvocation),
		path:            j.ManifestPath(),
	}
}

// LoadManifest reads an existing manifest.json, or returns (nil, nil) if it
// does not exist yet (a fresh job).
func LoadManifest(j *Job) (*Manifest, error) {
	path := j.ManifestPath()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	if m.Stages == nil {
		m.Stages = make(map[string]*StageInvocation)
	}
	// Stage names live in the map keys on disk; rehydrate the field.
	for name, inv := range m.Stages {
		inv.Stage = name
	}
	m.path = path
	return &m, nil
}

// Stage returns the recorded invocation for a stage name, or nil.
func (m *Manifest) Stage(name string) *StageInvocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Stages[name]
}

// SetStage records (or updates) a stage's invocation, enforcing a monotonic
// status-transition invariant: a status may only advance, never regress,
// and "running" may never be skipped when moving from "pending" to a
// terminal state.
func (m *Manifest) SetStage(name string, inv *StageInvocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.Stages[name]; ok {
		prevRank, prevKnown := advanceRank[prev.Status]
		nextRank, nextKnown := advanceRank[inv.Status]
		if prevKnown && nextKnown && nextRank < prevRank {
			return fmt.Errorf("stage %s: illegal transition %s -> %s", name, prev.Status, inv.Status)
		}
		if prev.Status == StageStatusPending && inv.Status != StageStatusPending && inv.Status != StageStatusRunning {
			return fmt.Errorf("stage %s: transition %s -> %s skips running", name, prev.Status, inv.Status)
		}
	}
	inv.Stage = name
	m.Stages[name] = inv
	return nil
}

// Save writes the manifest to disk atomically (temp file + rename) and
// fsyncs both the file and its parent directory before returning, so a
// resumed run never observes a half-written manifest.
func (m *Manifest) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating job directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".manifest-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp manifest: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("fsyncing temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp manifest: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming manifest into place: %w", err)
	}

	if dirFile, err := os.Open(dir); err == nil {
		_ = dirFile.Sync()
		dirFile.Close()
	}
	return nil
}

// AllTerminal reports whether every stage in names has a terminal status of
// success, cache_hit or skipped — the early-exit condition in Orchestrator.Run step 2.
func (m *Manifest) AllTerminal(names []string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range names {
		inv, ok := m.Stages[n]
		if !ok {
			return false
		}
		if inv.Status != StageStatusSuccess && inv.Status != StageStatusCacheHit && inv.Status != StageStatusSkipped {
			return false
		}
	}
	return true
}
