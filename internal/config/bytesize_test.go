package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"512B", 512, false},
		{"500KB", 500 * 1024, false},
		{"5MB", 5 * 1024 * 1024, false},
		{"20GB", 20 * 1024 * 1024 * 1024, false},
		{"1TB", 1 << 40, false},
		{"1.5 GB", int64(1.5 * float64(1<<30)), false},
		{"5242880", 5242880, false},
		{"2gb", 2 << 30, false},
		{"", 0, true},
		{"GB", 0, true},
		{"twelve", 0, true},
		{"-5MB", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseByteSize(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Bytes())
		})
	}
}

func TestByteSizeString(t *testing.T) {
	assert.Equal(t, "20GB", ByteSize(20<<30).String())
	assert.Equal(t, "1.5MB", ByteSize(3<<19).String())
	assert.Equal(t, "512B", ByteSize(512).String())
	assert.Equal(t, "0B", ByteSize(0).String())
}

func TestByteSizeJSONRoundTrip(t *testing.T) {
	type wrapper struct {
		Max ByteSize `json:"max"`
	}

	var w wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"max":"5MB"}`), &w))
	assert.Equal(t, int64(5<<20), w.Max.Bytes())

	// A bare number of bytes is also accepted.
	require.NoError(t, json.Unmarshal([]byte(`{"max":1048576}`), &w))
	assert.Equal(t, int64(1<<20), w.Max.Bytes())

	out, err := json.Marshal(wrapper{Max: ByteSize(20 << 30)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"max":"20GB"}`, string(out))
}
