// Package cache implements the Artifact Cache: a content-
// addressed store of stage outputs keyed by Stage Fingerprint, with atomic
// publish, integrity-checked restore, and size/TTL-bounded eviction.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jmylchreest/mediapipe/internal/pipeline/core"
	"github.com/jmylchreest/mediapipe/internal/storage"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
)

// Entry is the persisted metadata for one cache slot, written as entry.json
// alongside the cached artifact files.
type Entry struct {
	Stage       string            `json:"stage"`
	Key         string            `json:"key"`
	SourceJobID string            `json:"source_job_id"`
	CreatedAt   time.Time         `json:"created_at"`
	LastUsedAt  time.Time         `json:"last_used_at"`
	SizeBytes   int64             `json:"size_bytes"`
	// Files maps logical output name to the filename stored in the entry
	// directory; Checksums maps that same filename to its sha256 hex digest.
	Files     map[string]string `json:"files"`
	Checksums map[string]string `json:"checksums"`
}

// Store is the on-disk Artifact Cache rooted at a base directory.
type Store struct {
	sandbox *storage.Sandbox
	root    string
}

// Open opens (creating if needed) a cache store rooted at root.
func Open(root string) (*Store, error) {
	sb, err := storage.NewSandbox(root)
	if err != nil {
		return nil, fmt.Errorf("opening cache store: %w", err)
	}
	return &Store{sandbox: sb, root: sb.BaseDir()}, nil
}

func entryDirRel(stage, key string) string {
	return filepath.Join(stage, key)
}

// Lookup returns the entry for (stage, key) if present and intact, verifying
// every file's sha256 digest. A missing entry returns
// (nil, core.ErrCacheEntryAbsent); a present-but-corrupt entry is deleted and
// returns (nil, core.ErrCacheCorrupt), so corrupt state never silently
// sticks around as a false hit.
func (s *Store) Lookup(stage, key string) (*Entry, error) {
	rel := entryDirRel(stage, key)
	entryPath := filepath.Join(rel, "entry.json")

	data, err := s.sandbox.ReadFile(entryPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, core.ErrCacheEntryAbsent
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache entry: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		_ = s.sandbox.RemoveAll(rel)
		return nil, fmt.Errorf("%w: parsing entry.json: %v", core.ErrCacheCorrupt, err)
	}

	for _, filename := range e.Files {
		sum, err := s.sha256Of(filepath.Join(rel, filename))
		if err != nil {
			_ = s.sandbox.RemoveAll(rel)
			return nil, fmt.Errorf("%w: reading %s: %v", core.ErrCacheCorrupt, filename, err)
		}
		if sum != e.Checksums[filename] {
			_ = s.sandbox.RemoveAll(rel)
			return nil, fmt.Errorf("%w: checksum mismatch for %s", core.ErrCacheCorrupt, filename)
		}
	}

	e.LastUsedAt = time.Now().UTC()
	if err := s.writeEntryJSON(rel, &e); err != nil {
		return nil, fmt.Errorf("touching last_used_at: %w", err)
	}
	return &e, nil
}

// Store publishes a set of produced files into the cache under (stage, key),
// atomically: the entry is assembled in a temporary sibling directory and
// then renamed into place, so a concurrent Lookup never observes a partial
// entry.
//
// files maps logical output name to the absolute path of the file currently
// on disk (typically inside a stage's working directory).
func (s *Store) Store(stage, key, sourceJobID string, files map[string]string) (*Entry, error) {
	stageDir := filepath.Join(s.root, stage)
	if err := os.MkdirAll(stageDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating stage cache directory: %w", err)
	}

	tmpDir, err := os.MkdirTemp(stageDir, ".store-"+ulid.Make().String()+"-")
	if err != nil {
		return nil, fmt.Errorf("creating temp cache directory: %w", err)
	}
	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			os.RemoveAll(tmpDir)
		}
	}()

	entry := &Entry{
		Stage:       stage,
		Key:         key,
		SourceJobID: sourceJobID,
		CreatedAt:   time.Now().UTC(),
		LastUsedAt:  time.Now().UTC(),
		Files:       make(map[string]string, len(files)),
		Checksums:   make(map[string]string, len(files)),
	}

	var total int64
	for logical, srcPath := range files {
		filename := filepath.Base(srcPath)
		dstPath := filepath.Join(tmpDir, filename)
		size, sum, err := copyWithChecksum(srcPath, dstPath)
		if err != nil {
			return nil, fmt.Errorf("copying %s into cache: %w", logical, err)
		}
		entry.Files[logical] = filename
		entry.Checksums[filename] = sum
		total += size
	}
	entry.SizeBytes = total

	entryData, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling cache entry: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "entry.json"), entryData, 0o640); err != nil {
		return nil, fmt.Errorf("writing cache entry.json: %w", err)
	}

	finalDir := filepath.Join(stageDir, key)
	os.RemoveAll(finalDir) // a stale partial entry from an earlier crash, if any
	if err := os.Rename(tmpDir, finalDir); err != nil {
		return nil, fmt.Errorf("publishing cache entry: %w", err)
	}
	cleanupTmp = false

	return entry, nil
}

// Restore copies a cache entry's files into destDir, returning the absolute
// paths written. Callers typically pass a freshly created, empty stage
// directory as destDir so the restored files are observationally
// indistinguishable from freshly produced ones.
func (s *Store) Restore(stage, key, destDir string) ([]string, error) {
	entry, err := s.Lookup(stage, key)
	if err != nil {
		return nil, err
	}

	rel := entryDirRel(stage, key)
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating destination directory: %w", err)
	}

	var restored []string
	for _, filename := range entry.Files {
		srcPath := filepath.Join(s.root, rel, filename)
		dstPath := filepath.Join(destDir, filename)
		if _, _, err := copyWithChecksum(srcPath, dstPath); err != nil {
			return nil, fmt.Errorf("restoring %s: %w", filename, err)
		}
		restored = append(restored, dstPath)
	}
	return restored, nil
}

// Evict scans every cache entry concurrently, then deletes entries older
// than ttl and, if the store still exceeds maxBytes, deletes the
// least-recently-used remaining entries until it fits. Returns the number
// of entries removed.
func (s *Store) Evict(ctx context.Context, maxBytes int64, ttl time.Duration) (int, error) {
	type candidate struct {
		rel        string
		entry      Entry
		sizeBytes  int64
	}

	stageDirs, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("listing cache root: %w", err)
	}

	var relDirs []string
	for _, stageDir := range stageDirs {
		if !stageDir.IsDir() {
			continue
		}
		keyDirs, err := os.ReadDir(filepath.Join(s.root, stageDir.Name()))
		if err != nil {
			continue
		}
		for _, keyDir := range keyDirs {
			if !keyDir.IsDir() {
				continue
			}
			relDirs = append(relDirs, filepath.Join(stageDir.Name(), keyDir.Name()))
		}
	}

	candidates := make([]candidate, len(relDirs))
	g, _ := errgroup.WithContext(ctx)
	for i, rel := range relDirs {
		i, rel := i, rel
		g.Go(func() error {
			data, err := os.ReadFile(filepath.Join(s.root, rel, "entry.json"))
			if err != nil {
				return nil // disappeared or malformed: skip, not a fatal eviction error
			}
			var e Entry
			if err := json.Unmarshal(data, &e); err != nil {
				return nil
			}
			candidates[i] = candidate{rel: rel, entry: e, sizeBytes: e.SizeBytes}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	var live []candidate
	removed := 0
	var total int64
	for _, c := range candidates {
		if c.rel == "" {
			continue
		}
		if ttl > 0 && now.Sub(c.entry.LastUsedAt) > ttl {
			os.RemoveAll(filepath.Join(s.root, c.rel))
			removed++
			continue
		}
		live = append(live, c)
		total += c.sizeBytes
	}

	if maxBytes > 0 && total > maxBytes {
		sort.Slice(live, func(i, j int) bool {
			return live[i].entry.LastUsedAt.Before(live[j].entry.LastUsedAt)
		})
		for _, c := range live {
			if total <= maxBytes {
				break
			}
			os.RemoveAll(filepath.Join(s.root, c.rel))
			total -= c.sizeBytes
			removed++
		}
	}

	return removed, nil
}

func (s *Store) writeEntryJSON(rel string, e *Entry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	return s.sandbox.AtomicWrite(filepath.Join(rel, "entry.json"), data)
}

func (s *Store) sha256Of(rel string) (string, error) {
	data, err := s.sandbox.ReadFile(rel)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func copyWithChecksum(srcPath, dstPath string) (size int64, sum string, err error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, "", fmt.Errorf("opening source: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, "", fmt.Errorf("creating destination: %w", err)
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(dst, h), src)
	closeErr := dst.Close()
	if err != nil {
		os.Remove(dstPath)
		return 0, "", fmt.Errorf("copying: %w", err)
	}
	if closeErr != nil {
		os.Remove(dstPath)
		return 0, "", fmt.Errorf("closing destination: %w", closeErr)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}
