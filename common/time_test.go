package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTime(t *testing.T) {
	for input, want := range map[string]time.Time{
		// compact forms from product name fields
		"20210615T103021": time.Date(2021, 6, 15, 10, 30, 21, 0, time.UTC),
		"20051210":        time.Date(2005, 12, 10, 0, 0, 0, 0, time.UTC),
		// catalog payload flavors
		"2021-06-15T10:30:21.024Z": time.Date(2021, 6, 15, 10, 30, 21, 24000000, time.UTC),
		"2005-12-10 02:15:27":      time.Date(2005, 12, 10, 2, 15, 27, 0, time.UTC),
	} {
		got, err := ParseTime(input)
		require.NoError(t, err, input)
		assert.True(t, got.Equal(want), "%s: got %v want %v", input, got, want)
	}

	_, err := ParseTime("not-a-time")
	assert.Error(t, err)
}
