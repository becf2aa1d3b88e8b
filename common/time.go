package common

import (
	"fmt"
	"time"

	"github.com/araddon/dateparse"
)

// compact layouts used inside product name fields; catalog payloads carry
// richer formats handled by dateparse
var compactLayouts = []string{"20060102T150405", "20060102"}

// ParseTime accepts the timestamp flavors found in catalog payloads and in
// product name fields. The result is always UTC.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range compactLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("ParseTime[%s]: %w", s, err)
	}
	return t.UTC(), nil
}
