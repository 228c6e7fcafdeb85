// Package cacheorch implements the Cache Orchestrator: the hit/miss
// decision a cacheable stage makes before it runs, and the
// restore-on-hit / store-on-success bookkeeping around it. A cacheable
// stage never executes its subprocess on a valid hit, and a restored
// artifact is indistinguishable from a freshly produced one.
package cacheorch

import (
	"errors"
	"fmt"

	"github.com/jmylchreest/mediapipe/internal/pipeline/cache"
	"github.com/jmylchreest/mediapipe/internal/pipeline/core"
	"github.com/jmylchreest/mediapipe/internal/pipeline/identity"
)

// Decision is the outcome of consulting the cache for one stage invocation.
type Decision struct {
	Fingerprint identity.StageFingerprint
	Hit         bool
	// RestoredOutputs is populated on a hit: absolute paths written into the
	// stage's working directory.
	RestoredOutputs []string
}

// Orchestrator wraps an artifact Store with the fingerprinting policy used
// to derive cache keys for stage invocations.
type Orchestrator struct {
	store *cache.Store
}

// New builds a Cache Orchestrator over an already-open Store.
func New(store *cache.Store) *Orchestrator {
	return &Orchestrator{store: store}
}

// Consult derives the stage's fingerprint and checks the cache before the
// stage would run. A cache corruption error is treated as a miss (the
// corrupt entry has already been deleted by Store.Lookup), so a damaged
// cache never blocks forward progress, it just costs a recompute.
func (o *Orchestrator) Consult(media identity.MediaFingerprint, stageName string, extras map[string]string, extraKeys []string, destDir string) (Decision, error) {
	fp := identity.DeriveStageFingerprint(media, stageName, extras, extraKeys)

	restored, err := o.store.Restore(stageName, string(fp), destDir)
	switch {
	case err == nil:
		return Decision{Fingerprint: fp, Hit: true, RestoredOutputs: restored}, nil
	case errors.Is(err, core.ErrCacheEntryAbsent), errors.Is(err, core.ErrCacheCorrupt):
		return Decision{Fingerprint: fp, Hit: false}, nil
	default:
		return Decision{}, fmt.Errorf("consulting cache for stage %s: %w", stageName, err)
	}
}

// Commit stores a stage's freshly produced outputs under the fingerprint
// previously returned by Consult, after a successful (non-cached) run.
func (o *Orchestrator) Commit(fp identity.StageFingerprint, stageName, sourceJobID string, outputs map[string]string) error {
	_, err := o.store.Store(stageName, string(fp), sourceJobID, outputs)
	if err != nil {
		return fmt.Errorf("storing cache entry for stage %s: %w", stageName, err)
	}
	return nil
}
