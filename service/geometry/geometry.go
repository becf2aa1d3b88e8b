// Package geometry holds the footprint codecs and the spatial predicates
// used by the query refinement.
package geometry

import (
	"fmt"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/geojson"
	geomwkt "github.com/go-spatial/geom/encoding/wkt"
	sfgeom "github.com/peterstace/simplefeatures/geom"
)

// DecodeWKT parses a WKT string into a geometry
func DecodeWKT(wkt string) (geom.Geometry, error) {
	g, err := geomwkt.DecodeString(wkt)
	if err != nil {
		return nil, fmt.Errorf("DecodeWKT: %w", err)
	}
	return g, nil
}

// EncodeWKT serializes a geometry as WKT
func EncodeWKT(g geom.Geometry) (string, error) {
	wkt, err := geomwkt.EncodeString(g)
	if err != nil {
		return "", fmt.Errorf("EncodeWKT: %w", err)
	}
	return wkt, nil
}

// DecodeGeoJSON parses a GeoJSON geometry document
func DecodeGeoJSON(doc []byte) (geom.Geometry, error) {
	var g geojson.Geometry
	if err := g.UnmarshalJSON(doc); err != nil {
		return nil, fmt.Errorf("DecodeGeoJSON: %w", err)
	}
	return g.Geometry, nil
}

// Point builds a (lon, lat) point
func Point(lon, lat float64) geom.Point {
	return geom.Point{lon, lat}
}

// ExpandPoint builds the square polygon of half-width d centered on pt.
// Used to turn a point constraint into a small search region.
func ExpandPoint(pt geom.Point, d float64) geom.Polygon {
	x, y := pt.XY()[0], pt.XY()[1]
	return geom.Polygon{{
		{x - d, y - d},
		{x + d, y - d},
		{x + d, y + d},
		{x - d, y + d},
	}}
}

// ContainsPoint returns whether the geometry contains the given point.
// A point geometry only contains an identical point.
func ContainsPoint(g geom.Geometry, pt [2]float64) bool {
	sg, err := toSF(g)
	if err != nil {
		return false
	}
	sp, err := sfgeom.UnmarshalWKT(fmt.Sprintf("POINT (%v %v)", pt[0], pt[1]))
	if err != nil {
		return false
	}
	ok, err := sfgeom.Contains(sg, sp)
	return err == nil && ok
}

// Intersects returns whether the two geometries share at least one point
func Intersects(a, b geom.Geometry) bool {
	if a == nil || b == nil {
		return false
	}
	sa, err := toSF(a)
	if err != nil {
		return false
	}
	sb, err := toSF(b)
	if err != nil {
		return false
	}
	return sfgeom.Intersects(sa, sb)
}

// toSF converts through WKT. Rings are closed first: catalog footprints and
// hand-built polygons frequently omit the closing vertex, which a strict
// decoder rejects.
func toSF(g geom.Geometry) (sfgeom.Geometry, error) {
	wkt, err := geomwkt.EncodeString(normalize(g))
	if err != nil {
		return sfgeom.Geometry{}, fmt.Errorf("toSF: %w", err)
	}
	sg, err := sfgeom.UnmarshalWKT(wkt)
	if err != nil {
		return sfgeom.Geometry{}, fmt.Errorf("toSF[%s]: %w", wkt, err)
	}
	return sg, nil
}

func normalize(g geom.Geometry) geom.Geometry {
	switch g := g.(type) {
	case geom.Extent:
		return extentPolygon(&g)
	case *geom.Extent:
		return extentPolygon(g)
	case geom.Polygon:
		return closeRings(g)
	case *geom.Polygon:
		return closeRings(*g)
	case geom.MultiPolygon:
		polys := make(geom.MultiPolygon, len(g))
		for i, p := range g {
			polys[i] = closeRings(p)
		}
		return polys
	case *geom.MultiPolygon:
		return normalize(*g)
	case geom.Collection:
		geoms := make(geom.Collection, len(g))
		for i, sub := range g {
			geoms[i] = normalize(sub)
		}
		return geoms
	}
	return g
}

func closeRings(p geom.Polygon) geom.Polygon {
	out := make(geom.Polygon, len(p))
	for i, ring := range p {
		if n := len(ring); n > 0 && ring[0] != ring[n-1] {
			ring = append(append([][2]float64{}, ring...), ring[0])
		}
		out[i] = ring
	}
	return out
}

func extentPolygon(e *geom.Extent) geom.Polygon {
	return geom.Polygon{{
		{e.MinX(), e.MinY()},
		{e.MaxX(), e.MinY()},
		{e.MaxX(), e.MaxY()},
		{e.MinX(), e.MaxY()},
		{e.MinX(), e.MinY()},
	}}
}
