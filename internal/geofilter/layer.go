// Package geofilter screens GPS pings against spatial exclusion layers
// before clustering: greenspace polygons, buffered points of interest, and
// buffered residential areas.
package geofilter

import (
	"math"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
	"go.uber.org/zap"

	"github.com/urbansignal/mobility-cli/internal/cluster"
)

// metersPerDegree is the north-south size of one degree of latitude.
// East-west size shrinks by cos(latitude).
const metersPerDegree = cluster.EarthRadiusKM * 1000 * math.Pi / 180

// Layer holds the geometry of one shapefile layer. Coordinates are WGS84
// with X=longitude, Y=latitude, the shapefile convention.
type Layer struct {
	Name     string
	polygons []*geom.Polygon
	points   []geom.Coord
}

// LoadLayer reads the point and polygon geometry of a shapefile. Shapes the
// layer cannot use are counted and skipped, not fatal.
func LoadLayer(path, name string) (*Layer, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "geofilter: open %s layer %s", name, path)
	}
	defer func() { _ = reader.Close() }()

	layer := &Layer{Name: name}
	var skipped int
	for reader.Next() {
		_, shape := reader.Shape()
		switch s := shape.(type) {
		case *shp.Point:
			layer.points = append(layer.points, geom.Coord{s.X, s.Y})
		case *shp.Polygon:
			layer.polygons = append(layer.polygons, polygonParts(s)...)
		default:
			skipped++
		}
	}

	zap.L().Debug("geofilter: layer loaded",
		zap.String("layer", name),
		zap.Int("polygons", len(layer.polygons)),
		zap.Int("points", len(layer.points)),
		zap.Int("skipped_shapes", skipped),
	)

	if len(layer.polygons) == 0 && len(layer.points) == 0 {
		return nil, eris.Errorf("geofilter: layer %s has no usable geometry", name)
	}
	return layer, nil
}

// polygonParts converts each part of a shapefile polygon into its own
// single-ring polygon.
func polygonParts(p *shp.Polygon) []*geom.Polygon {
	if p == nil || p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}

	out := make([]*geom.Polygon, 0, p.NumParts)
	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		end := int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}

		flat := make([]float64, 0, (end-start)*2)
		for j := start; j < end; j++ {
			flat = append(flat, p.Points[j].X, p.Points[j].Y)
		}

		ring := geom.NewLinearRingFlat(geom.XY, flat)
		poly := geom.NewPolygon(geom.XY)
		if err := poly.Push(ring); err != nil {
			zap.L().Debug("geofilter: skipping malformed polygon part", zap.Int32("part", i), zap.Error(err))
			continue
		}
		out = append(out, poly)
	}
	return out
}

// NewLayer builds a layer from already-constructed geometry. Used by tests
// and synthetic fixtures.
func NewLayer(name string, polygons []*geom.Polygon, points []geom.Coord) *Layer {
	return &Layer{Name: name, polygons: polygons, points: points}
}

// Contains reports whether the coordinate lies strictly inside any polygon
// of the layer.
func (l *Layer) Contains(c geom.Coord) bool {
	for _, poly := range l.polygons {
		if polygonContains(poly, c) {
			return true
		}
	}
	return false
}

// WithinM reports whether the coordinate lies inside any polygon, within
// meters of any polygon boundary, or within meters of any point feature.
func (l *Layer) WithinM(c geom.Coord, meters float64) bool {
	for _, poly := range l.polygons {
		if polygonContains(poly, c) {
			return true
		}
		if boundaryDistanceM(poly, c) <= meters {
			return true
		}
	}
	for _, pt := range l.points {
		if pointDistanceM(pt, c) <= meters {
			return true
		}
	}
	return false
}

// polygonContains tests the outer ring and subtracts any interior rings.
func polygonContains(p *geom.Polygon, c geom.Coord) bool {
	if p.NumLinearRings() == 0 {
		return false
	}
	if !xy.IsPointInRing(geom.XY, c, p.LinearRing(0).FlatCoords()) {
		return false
	}
	for i := 1; i < p.NumLinearRings(); i++ {
		if xy.IsPointInRing(geom.XY, c, p.LinearRing(i).FlatCoords()) {
			return false
		}
	}
	return true
}

// boundaryDistanceM returns the distance in meters from the coordinate to
// the nearest ring of the polygon. Rings are projected to local meters
// around the coordinate before measuring, which is accurate at buffer
// scale.
func boundaryDistanceM(p *geom.Polygon, c geom.Coord) float64 {
	min := math.Inf(1)
	for i := 0; i < p.NumLinearRings(); i++ {
		local := localFlat(p.LinearRing(i).FlatCoords(), c)
		if d := xy.DistanceFromPointToLineString(geom.XY, geom.Coord{0, 0}, local); d < min {
			min = d
		}
	}
	return min
}

// pointDistanceM returns the great-circle distance in meters between two
// lon/lat coordinates.
func pointDistanceM(a, b geom.Coord) float64 {
	return cluster.DistanceKM(
		cluster.Point{Lat: a[1], Lon: a[0]},
		cluster.Point{Lat: b[1], Lon: b[0]},
	) * 1000
}

// localFlat projects lon/lat flat coordinates to meters relative to origin.
func localFlat(flat []float64, origin geom.Coord) []float64 {
	cosLat := math.Cos(origin[1] * math.Pi / 180)
	out := make([]float64, len(flat))
	for i := 0; i+1 < len(flat); i += 2 {
		out[i] = (flat[i] - origin[0]) * metersPerDegree * cosLat
		out[i+1] = (flat[i+1] - origin[1]) * metersPerDegree
	}
	return out
}
