package common

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-spatial/geom"

	"github.com/earthscan/sand/service/geometry"
)

// SearchCriteria restricts a provider query. Zero values disable a constraint.
type SearchCriteria struct {
	// Start and End bound the acquisition time, both inclusive
	Start time.Time
	End   time.Time

	// AOI is the area of interest: a record matches if its footprint
	// intersects it. A bare point matches only footprints containing it.
	AOI geom.Geometry

	// NameContains keeps only records whose raw name contains every
	// substring, case-sensitive
	NameContains []string

	// CloudCoverMax is an upper bound in percent, ignored if <= 0
	CloudCoverMax float64
}

// Validate checks the criteria coherence before issuing a query
func (c SearchCriteria) Validate() error {
	if !c.Start.IsZero() && !c.End.IsZero() && c.End.Before(c.Start) {
		return fmt.Errorf("criteria: end time %v before start time %v", c.End, c.Start)
	}
	if c.AOI != nil {
		ext, err := geom.NewExtentFromGeometry(c.AOI)
		if err != nil {
			return fmt.Errorf("criteria: invalid aoi: %w", err)
		}
		if ext.MinX() < -180 || ext.MaxX() >= 360 || ext.MinY() < -90 || ext.MaxY() > 90 {
			return fmt.Errorf("criteria: aoi out of (lon, lat) bounds: %v", ext)
		}
	}
	return nil
}

// Matches applies the client-side refinement to a record returned by a
// provider: inclusive time range, footprint intersection and case-sensitive
// substring filters.
func (c SearchCriteria) Matches(r AcquisitionRecord) bool {
	if !c.Start.IsZero() && r.AcquisitionTime.Before(c.Start) {
		return false
	}
	if !c.End.IsZero() && r.AcquisitionTime.After(c.End) {
		return false
	}
	for _, sub := range c.NameContains {
		if !strings.Contains(r.Name, sub) {
			return false
		}
	}
	if c.AOI != nil && r.Footprint != nil {
		if pt, isPoint := c.AOI.(geom.Point); isPoint {
			if !geometry.ContainsPoint(r.Footprint, pt.XY()) {
				return false
			}
		} else if !geometry.Intersects(r.Footprint, c.AOI) {
			return false
		}
	}
	return true
}
