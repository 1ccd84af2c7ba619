package geofilter

import (
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/urbansignal/mobility-cli/internal/config"
	"github.com/urbansignal/mobility-cli/internal/model"
)

// Filter screens GPS pings against spatial exclusion rules.
type Filter interface {
	Apply(pings []model.GpsPing) []model.GpsPing
}

// ShapefileFilter keeps a ping only when it is outside every greenspace
// polygon, outside the buffer of every point of interest, and inside the
// buffer of at least one residential feature.
type ShapefileFilter struct {
	greenspace  *Layer
	poi         *Layer
	residential *Layer
	poiBufferM  float64
	resBufferM  float64
}

var _ Filter = (*ShapefileFilter)(nil)

// NewShapefileFilter builds a filter from loaded layers. Any layer may be
// nil, which disables its rule; a nil residential layer keeps everything
// rather than dropping everything.
func NewShapefileFilter(greenspace, poi, residential *Layer, p config.Params) *ShapefileFilter {
	return &ShapefileFilter{
		greenspace:  greenspace,
		poi:         poi,
		residential: residential,
		poiBufferM:  p.POIBufferM,
		resBufferM:  p.ResidentialBufferM,
	}
}

// Load reads the three layers from shapefiles and builds the filter.
func Load(greenspacePath, poiPath, residentialPath string, p config.Params) (*ShapefileFilter, error) {
	greenspace, err := LoadLayer(greenspacePath, "greenspace")
	if err != nil {
		return nil, err
	}
	poi, err := LoadLayer(poiPath, "poi")
	if err != nil {
		return nil, err
	}
	residential, err := LoadLayer(residentialPath, "residential")
	if err != nil {
		return nil, err
	}
	return NewShapefileFilter(greenspace, poi, residential, p), nil
}

// Apply returns the pings that pass every rule, preserving input order.
func (f *ShapefileFilter) Apply(pings []model.GpsPing) []model.GpsPing {
	kept := make([]model.GpsPing, 0, len(pings))
	var inGreenspace, nearPOI, nonResidential int

	for _, ping := range pings {
		c := geom.Coord{ping.Lon, ping.Lat}
		switch {
		case f.greenspace != nil && f.greenspace.Contains(c):
			inGreenspace++
		case f.poi != nil && f.poi.WithinM(c, f.poiBufferM):
			nearPOI++
		case f.residential != nil && !f.residential.WithinM(c, f.resBufferM):
			nonResidential++
		default:
			kept = append(kept, ping)
		}
	}

	zap.L().Debug("geofilter: applied",
		zap.Int("input", len(pings)),
		zap.Int("kept", len(kept)),
		zap.Int("in_greenspace", inGreenspace),
		zap.Int("near_poi", nearPOI),
		zap.Int("non_residential", nonResidential),
	)
	return kept
}
