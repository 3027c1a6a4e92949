// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package maths

import (
	"math"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

// PointFromLatLon converts degrees to a unit point.
func PointFromLatLon(lat, lon float64) s2.Point {
	return s2.PointFromLatLng(s2.LatLngFromDegrees(lat, lon))
}

// LatLon converts a unit point to degrees.
func LatLon(p s2.Point) (lat, lon float64) {
	ll := s2.LatLngFromPoint(p)
	return ll.Lat.Degrees(), ll.Lng.Degrees()
}

// MinDistance returns the smallest great-circle distance between any vertex
// of a and any vertex of b. Empty inputs report an infinite distance.
func MinDistance(a, b []s2.Point) s1.Angle {
	best := s1.InfAngle()
	for _, p := range a {
		for _, q := range b {
			if d := p.Distance(q); d < best {
				best = d
			}
		}
	}
	return best
}

// Centroid returns the normalised mean of the points, or false when the
// points cancel out or are empty.
func Centroid(points []s2.Point) (s2.Point, bool) {
	var x, y, z float64
	for _, p := range points {
		x += p.X
		y += p.Y
		z += p.Z
	}
	if math.Abs(x)+math.Abs(y)+math.Abs(z) < 1e-15 {
		return s2.Point{}, false
	}
	return s2.PointFromCoords(x, y, z), true
}
