package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetInfo(t *testing.T) {
	info := GetInfo()
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.GoVersion)
	assert.Contains(t, info.Platform, "/")
}

func TestStringAndShort(t *testing.T) {
	assert.Contains(t, String(), "mediapipe version")
	assert.NotEmpty(t, Short())
}

func TestShortCommit(t *testing.T) {
	assert.Equal(t, "deadbeef", shortCommit("deadbeefcafef00d"))
	assert.Equal(t, "abc", shortCommit("abc"))
}
