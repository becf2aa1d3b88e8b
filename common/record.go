package common

import (
	"time"

	"github.com/go-spatial/geom"
)

// AcquisitionRecord is one candidate product returned by a provider search.
// It is never mutated after creation.
type AcquisitionRecord struct {
	// ID is the provider-native opaque identifier of the product
	ID string

	// Name is the candidate filename
	// e.g. S2A_MSIL1C_20210615T103021_N0300_R108_T32TQM_20210615T123456
	Name string

	// Footprint is the geospatial extent of the acquisition (nil if unknown)
	Footprint geom.Geometry

	// AcquisitionTime is the capture timestamp
	AcquisitionTime time.Time

	// SizeBytes is the declared product size. Zero or negative means unknown
	// until download.
	SizeBytes int64

	// DownloadHandle is a provider-specific token (url, entity id, object key)
	// enabling a later fetch without re-querying
	DownloadHandle string

	// Metadata holds provider-specific attributes (cloud cover, orbit...)
	Metadata map[string]string
}

// SizeKnown returns whether the provider declared a reliable product size
func (r AcquisitionRecord) SizeKnown() bool {
	return r.SizeBytes > 0
}
