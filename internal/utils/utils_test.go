package utils_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marianozunino/opshub/internal/utils"
)

func TestFormatFileSize(t *testing.T) {
	tests := []struct {
		size int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{50 * 1024 * 1024, "50.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, utils.FormatFileSize(tt.size))
	}
}

func TestParseMaxAge(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{input: "24", want: 24 * time.Hour},
		{input: " 6 ", want: 6 * time.Hour},
		{input: "7d", want: 168 * time.Hour},
		{input: "90m", want: 90 * time.Minute},
		{input: "1h30m", want: 90 * time.Minute},
		{input: "", wantErr: true},
		{input: "0", wantErr: true},
		{input: "-3", wantErr: true},
		{input: "xd", wantErr: true},
		{input: "soon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := utils.ParseMaxAge(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatAge(t *testing.T) {
	assert.Equal(t, "2d", utils.FormatAge(48*time.Hour))
	assert.Equal(t, "6h", utils.FormatAge(6*time.Hour))
	assert.Equal(t, "1h30m0s", utils.FormatAge(90*time.Minute))
}
