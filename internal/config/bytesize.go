// Package config provides small human-readable value types (byte sizes,
// durations) shared by jobconfig and the CLI.
package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ByteSize is a byte count that parses from human-readable strings such as
// "500KB", "1.5 GB", or a raw number of bytes. Units are binary multiples
// (KB = 1024 bytes). It implements encoding.TextUnmarshaler so it can sit
// directly in a Viper/YAML-backed config struct.
type ByteSize int64

var byteUnits = []struct {
	suffix string
	factor int64
}{
	{"TB", 1 << 40},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// ParseByteSize parses a human-readable byte size string.
func ParseByteSize(s string) (ByteSize, error) {
	str := strings.ToUpper(strings.TrimSpace(s))
	if str == "" {
		return 0, fmt.Errorf("empty byte size")
	}

	for _, u := range byteUnits {
		if !strings.HasSuffix(str, u.suffix) {
			continue
		}
		numStr := strings.TrimSpace(strings.TrimSuffix(str, u.suffix))
		if numStr == "" {
			return 0, fmt.Errorf("byte size %q has no value", s)
		}
		f, err := strconv.ParseFloat(numStr, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
		}
		if f < 0 {
			return 0, fmt.Errorf("byte size %q is negative", s)
		}
		return ByteSize(f * float64(u.factor)), nil
	}

	// No unit suffix: a raw byte count.
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("byte size %q is negative", s)
	}
	return ByteSize(n), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// UnmarshalJSON accepts either a quoted human-readable string or a bare
// number of bytes.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return b.UnmarshalText([]byte(s))
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// MarshalJSON implements json.Marshaler.
func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// Bytes returns the size as a plain int64 byte count.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

// String renders the size in the largest unit it reaches, e.g. "20GB",
// "1.5MB", "512B".
func (b ByteSize) String() string {
	n := int64(b)
	if n < 0 {
		return strconv.FormatInt(n, 10)
	}
	for _, u := range byteUnits {
		if u.factor == 1 || n < u.factor {
			continue
		}
		v := float64(n) / float64(u.factor)
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d%s", int64(v), u.suffix)
		}
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", v), "0"), ".") + u.suffix
	}
	return fmt.Sprintf("%dB", n)
}
