// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package model defines the feature data that flows into the layer graph:
// plate ids, feature collections, total reconstruction sequences and the
// loaded-file handle the graph treats as an opaque producer.
package model

import (
	"math"
	"sort"

	"github.com/AleutianAI/platerecon/services/recon/maths"
	"github.com/golang/geo/s2"
)

// PlateID identifies a tectonic plate. Zero is the conventional anchor.
type PlateID uint32

// FeatureType names the kind of a feature.
type FeatureType string

// Feature types understood by the layer tasks. Any other type carrying a
// geometry is treated as reconstructable.
const (
	FeatureTotalReconstructionSequence    FeatureType = "TotalReconstructionSequence"
	FeatureTopologicalClosedPlateBoundary FeatureType = "TopologicalClosedPlateBoundary"
	FeatureTopologicalNetwork             FeatureType = "TopologicalNetwork"
)

// GeometryKind describes how the points of a geometry connect.
type GeometryKind int

const (
	// GeometryPoint is a single point.
	GeometryPoint GeometryKind = iota

	// GeometryMultiPoint is an unconnected set of points.
	GeometryMultiPoint

	// GeometryPolyline is an open chain of points.
	GeometryPolyline

	// GeometryPolygon is a closed ring of points.
	GeometryPolygon
)

var geometryKindNames = map[GeometryKind]string{
	GeometryPoint:      "point",
	GeometryMultiPoint: "multipoint",
	GeometryPolyline:   "polyline",
	GeometryPolygon:    "polygon",
}

// String returns the lowercase kind name.
func (k GeometryKind) String() string {
	if name, ok := geometryKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseGeometryKind is the inverse of GeometryKind.String.
func ParseGeometryKind(s string) (GeometryKind, bool) {
	for k, name := range geometryKindNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// Geometry is a set of points on the unit sphere.
type Geometry struct {
	Kind   GeometryKind
	Points []s2.Point
}

// Rotated returns a copy of the geometry moved by r.
func (g Geometry) Rotated(r maths.FiniteRotation) Geometry {
	return Geometry{Kind: g.Kind, Points: r.RotateAll(g.Points)}
}

// TimePeriod is a span of geological time in Ma. Begin is the older bound.
type TimePeriod struct {
	Begin float64
	End   float64
}

// AllTime is valid at every reconstruction time.
var AllTime = TimePeriod{Begin: math.Inf(1), End: math.Inf(-1)}

// Contains reports whether time lies within the period, inclusive.
func (p TimePeriod) Contains(time float64) bool {
	return time <= p.Begin && time >= p.End
}

// PoleSample is one finite rotation of a total reconstruction sequence.
type PoleSample struct {
	Time     float64
	Rotation maths.FiniteRotation
}

// Feature is one item in a feature collection.
//
// Which fields are meaningful depends on Type: total reconstruction
// sequences use FixedPlate, MovingPlate and Poles; topological features use
// Sections and Interiors; everything else uses Geometry.
type Feature struct {
	ID        string
	Type      FeatureType
	Name      string
	PlateID   PlateID
	ValidTime TimePeriod
	Geometry  *Geometry

	FixedPlate  PlateID
	MovingPlate PlateID
	Poles       []PoleSample

	Sections  []string
	Interiors []string
}

// IsTotalReconstructionSequence reports whether the feature carries rotations.
func (f *Feature) IsTotalReconstructionSequence() bool {
	return f.Type == FeatureTotalReconstructionSequence
}

// IsTopological reports whether the feature references other features'
// geometries instead of carrying its own.
func (f *Feature) IsTopological() bool {
	return f.Type == FeatureTopologicalClosedPlateBoundary || f.Type == FeatureTopologicalNetwork
}

// IsReconstructable reports whether the feature has a geometry that can be
// rotated to a past time.
func (f *Feature) IsReconstructable() bool {
	return f.Geometry != nil && !f.IsTotalReconstructionSequence() && !f.IsTopological()
}

// IsValidAt reports whether the feature exists at the reconstruction time.
func (f *Feature) IsValidAt(time float64) bool {
	if f.ValidTime == (TimePeriod{}) {
		return true
	}
	return f.ValidTime.Contains(time)
}

// RotationAt returns the interpolated rotation of the sequence at time.
//
// Returns false when the feature is not a sequence or time lies outside
// the sampled range. Samples are sorted by time on first use.
func (f *Feature) RotationAt(time float64) (maths.FiniteRotation, bool) {
	if !f.IsTotalReconstructionSequence() || len(f.Poles) == 0 {
		return maths.FiniteRotation{}, false
	}
	if !sort.SliceIsSorted(f.Poles, func(i, j int) bool { return f.Poles[i].Time < f.Poles[j].Time }) {
		sort.SliceStable(f.Poles, func(i, j int) bool { return f.Poles[i].Time < f.Poles[j].Time })
	}

	first, last := f.Poles[0], f.Poles[len(f.Poles)-1]
	if time < first.Time || time > last.Time {
		return maths.FiniteRotation{}, false
	}
	for i := 1; i < len(f.Poles); i++ {
		younger, older := f.Poles[i-1], f.Poles[i]
		if time > older.Time {
			continue
		}
		span := older.Time - younger.Time
		if span == 0 {
			return younger.Rotation, true
		}
		return maths.Interpolate(younger.Rotation, older.Rotation, (time-younger.Time)/span), true
	}
	return first.Rotation, true
}
