// Package cluster implements density-based spatial clustering of GPS
// coordinates using great-circle distance.
package cluster

import (
	"github.com/golang/geo/s2"
)

// Noise is the label assigned to points that belong to no cluster.
const Noise = -1

// EarthRadiusKM is the mean Earth radius used to convert kilometers to
// angular distance on the unit sphere.
const EarthRadiusKM = 6371.0088

// unvisited marks points the scan has not reached yet. It never escapes
// Labels.
const unvisited = -2

// Point is a clustering input coordinate in WGS84 degrees.
type Point struct {
	Lat float64
	Lon float64
}

// Clusterer labels points with DBSCAN over great-circle (haversine)
// distance. Eps is the neighborhood radius in kilometers; MinSamples is the
// density threshold and counts the point itself.
type Clusterer struct {
	epsRad     float64
	minSamples int
}

// New creates a Clusterer with the given neighborhood radius in kilometers
// and minimum neighborhood size.
func New(epsKM float64, minSamples int) *Clusterer {
	return &Clusterer{
		epsRad:     epsKM / EarthRadiusKM,
		minSamples: minSamples,
	}
}

// Labels assigns a cluster label to every point: Noise (-1) for points in
// no cluster, otherwise 0..k-1 numbered in discovery order. The partition
// into clusters does not depend on input order; the numbering does, so
// callers must rely only on label equality and the Noise sentinel.
func (c *Clusterer) Labels(points []Point) []int {
	n := len(points)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = unvisited
	}
	if n == 0 {
		return labels
	}

	coords := make([]s2.LatLng, n)
	for i, p := range points {
		coords[i] = s2.LatLngFromDegrees(p.Lat, p.Lon)
	}

	next := 0
	for i := 0; i < n; i++ {
		if labels[i] != unvisited {
			continue
		}

		neighbors := c.neighborhood(coords, i)
		if len(neighbors) < c.minSamples {
			labels[i] = Noise
			continue
		}

		// i is a core point: expand a new cluster from it.
		labels[i] = next
		queue := append([]int(nil), neighbors...)
		for head := 0; head < len(queue); head++ {
			j := queue[head]
			if labels[j] == Noise {
				// Border point reached from a core point.
				labels[j] = next
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = next
			more := c.neighborhood(coords, j)
			if len(more) >= c.minSamples {
				queue = append(queue, more...)
			}
		}
		next++
	}

	return labels
}

// neighborhood returns the indices of all points within eps of point i,
// including i itself.
func (c *Clusterer) neighborhood(coords []s2.LatLng, i int) []int {
	var out []int
	for j := range coords {
		if coords[i].Distance(coords[j]).Radians() <= c.epsRad {
			out = append(out, j)
		}
	}
	return out
}

// DistanceKM returns the great-circle distance between two points in
// kilometers.
func DistanceKM(a, b Point) float64 {
	p1 := s2.LatLngFromDegrees(a.Lat, a.Lon)
	p2 := s2.LatLngFromDegrees(b.Lat, b.Lon)
	return p1.Distance(p2).Radians() * EarthRadiusKM
}

// Centroid returns the arithmetic mean coordinate of points. It returns the
// zero Point for an empty slice.
func Centroid(points []Point) Point {
	if len(points) == 0 {
		return Point{}
	}
	var sumLat, sumLon float64
	for _, p := range points {
		sumLat += p.Lat
		sumLon += p.Lon
	}
	n := float64(len(points))
	return Point{Lat: sumLat / n, Lon: sumLon / n}
}
