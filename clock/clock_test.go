package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{-5 * time.Second, "0s"},
		{4 * time.Second, "4s"},
		{3*time.Minute + 4*time.Second, "3m4s"},
		{5 * time.Minute, "5m0s"},
		{2*time.Hour + 3*time.Minute + 4*time.Second, "2h3m4s"},
		{26*time.Hour + 3*time.Minute + 4*time.Second, "1d2h3m4s"},
		{48 * time.Hour, "2d0h0m0s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatElapsed(tt.d), "d=%s", tt.d)
	}
}

func TestFormatISOParseISORoundTrip(t *testing.T) {
	orig := time.Date(2026, 8, 25, 12, 30, 45, 0, Zone())
	got, err := ParseISO(FormatISO(orig))
	require.NoError(t, err)
	assert.True(t, got.Equal(orig))
}

func TestParseISONaiveTimestamp(t *testing.T) {
	// Legacy history rows stored naive local timestamps; they are read in the
	// display zone.
	got, err := ParseISO("2026-08-25T12:30:45")
	require.NoError(t, err)
	assert.Equal(t, Zone().String(), got.Location().String())
	assert.Equal(t, 12, got.Hour())

	_, err = ParseISO("not a timestamp")
	assert.Error(t, err)
}

func TestFormatStamp(t *testing.T) {
	ts := time.Date(2026, 8, 25, 4, 30, 45, 0, time.UTC)
	assert.Equal(t, "2026-08-25 12:30:45", FormatStamp(ts))
}
