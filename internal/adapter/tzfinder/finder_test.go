package tzfinder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFinder_Timezone(t *testing.T) {
	f, err := New()
	require.NoError(t, err)

	tests := []struct {
		name     string
		lat, lon float64
		want     string
	}{
		{"denver", 39.7392, -104.9903, "America/Denver"},
		{"london", 51.5074, -0.1278, "Europe/London"},
		{"tokyo", 35.6762, 139.6503, "Asia/Tokyo"},
		{"sydney", -33.8688, 151.2093, "Australia/Sydney"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.Timezone(tt.lat, tt.lon)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_Singleton(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	b, err := New()
	require.NoError(t, err)
	assert.Same(t, a, b)
}
