package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30s", 30 * time.Second, false},
		{"5m", 5 * time.Minute, false},
		{"720h", 720 * time.Hour, false},
		{"30d", 30 * 24 * time.Hour, false},
		{"2w", 14 * 24 * time.Hour, false},
		{"1w2d12h", (7*24 + 2*24 + 12) * time.Hour, false},
		{"1.5d", 36 * time.Hour, false},
		{"-2d", -48 * time.Hour, false},
		{"0s", 0, false},
		{"", 0, true},
		{"d", 0, true},
		{"30x", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Duration())
		})
	}
}

func TestDurationString(t *testing.T) {
	assert.Equal(t, "4w2d", Duration(30*24*time.Hour).String())
	assert.Equal(t, "2d12h0m0s", Duration(60*time.Hour).String())
	assert.Equal(t, "45m0s", Duration(45*time.Minute).String())
	assert.Equal(t, "0s", Duration(0).String())
	assert.Equal(t, "-1d", Duration(-24*time.Hour).String())
}

func TestDurationJSONRoundTrip(t *testing.T) {
	type wrapper struct {
		TTL Duration `json:"ttl"`
	}

	var w wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"ttl":"30d"}`), &w))
	assert.Equal(t, 30*24*time.Hour, w.TTL.Duration())

	// A bare number of nanoseconds is also accepted.
	require.NoError(t, json.Unmarshal([]byte(`{"ttl":60000000000}`), &w))
	assert.Equal(t, time.Minute, w.TTL.Duration())

	out, err := json.Marshal(wrapper{TTL: Duration(14 * 24 * time.Hour)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ttl":"2w"}`, string(out))
}
