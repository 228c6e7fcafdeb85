// Package identity computes the Media Fingerprint and derived Stage
// Fingerprints that anchor cache keys across the pipeline.
//
// A Media Fingerprint is cheap to compute even for multi-gigabyte video
// files: rather than hashing the whole file, it hashes the file size plus a
// head and tail sample, combined with the normalization parameters that
// affect how demux will read the file. Two different files of the same size
// whose head and tail 1MiB happen to collide are astronomically unlikely for
// the media container formats this system targets.
package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// sampleSize is the number of bytes read from the head and tail of the media
// file when computing a Media Fingerprint.
const sampleSize = 1 << 20 // 1 MiB

// MediaFingerprint identifies a source media file plus the normalization
// parameters that affect how it is demuxed, independent of where it lives on
// disk or what it's named.
type MediaFingerprint string

// NormalizationParams are the subset of job config that changes demux's
// output for an otherwise-identical source file.
type NormalizationParams struct {
	SampleRate  int
	Channels    int
	Start       float64
	End         float64
	CodecReq    string
}

// canonical renders p as JSON with keys in sorted order, so the same
// parameter set always hashes to the same bytes regardless of struct
// field order or zero-value formatting quirks.
func (p NormalizationParams) canonical() ([]byte, error) {
	// Field order here is the sorted key order of the emitted document;
	// encoding/json preserves struct field order.
	doc := struct {
		Channels   int     `json:"channels"`
		CodecReq   string  `json:"codec_request"`
		End        float64 `json:"end"`
		SampleRate int     `json:"sample_rate"`
		Start      float64 `json:"start"`
	}{
		Channels:   p.Channels,
		CodecReq:   p.CodecReq,
		End:        p.End,
		SampleRate: p.SampleRate,
		Start:      p.Start,
	}
	return json.Marshal(doc)
}

// Fingerprint computes the Media Fingerprint for a file at path, combining
// its size, a head/tail byte sample, and the normalization parameters that
// determine how demux will read it. If the file cannot be opened, stat'ed or
// read, the underlying os error is returned wrapped with context; it does not
// wrap core.ErrMediaUnreadable. The orchestrator calls core.ValidateMediaPath
// before fingerprinting, so the file has already been checked there.
func Fingerprint(path string, params NormalizationParams) (MediaFingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening media file for fingerprint: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat media file for fingerprint: %w", err)
	}
	size := info.Size()

	h := sha256.New()

	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], uint64(size))
	h.Write(sizeBuf[:])

	head := make([]byte, min64(sampleSize, size))
	if _, err := io.ReadFull(f, head); err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", fmt.Errorf("reading head sample: %w", err)
	}
	h.Write(head)

	if size > sampleSize {
		tailStart := size - sampleSize
		if _, err := f.Seek(tailStart, io.SeekStart); err != nil {
			return "", fmt.Errorf("seeking to tail sample: %w", err)
		}
		tail := make([]byte, sampleSize)
		if _, err := io.ReadFull(f, tail); err != nil {
			return "", fmt.Errorf("reading tail sample: %w", err)
		}
		h.Write(tail)
	}

	canonicalParams, err := params.canonical()
	if err != nil {
		return "", fmt.Errorf("canonicalizing normalization params: %w", err)
	}
	h.Write(canonicalParams)

	return MediaFingerprint(hex.EncodeToString(h.Sum(nil))), nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// StageFingerprint identifies one stage's cache key: a function of the
// upstream Media Fingerprint, the stage name, its declared model id (if any),
// and the values of its fingerprint_extras config keys.
type StageFingerprint string

// DeriveStageFingerprint combines media, stage name, and the ordered extra
// key/value pairs the stage's registry entry declares as cache-relevant.
// extras must be supplied in a stable order by the caller (the registry
// enumerates FingerprintExtras in a fixed slice order); DeriveStageFingerprint
// does not sort them, so the same stage always derives the same fingerprint
// for the same config only if callers pass extras consistently.
func DeriveStageFingerprint(media MediaFingerprint, stage string, extras map[string]string, extraKeys []string) StageFingerprint {
	h := sha256.New()
	h.Write([]byte(media))
	h.Write([]byte{0})
	h.Write([]byte(stage))
	for _, k := range extraKeys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(extras[k]))
	}
	return StageFingerprint(hex.EncodeToString(h.Sum(nil)))
}
