// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resolve

import (
	"math"
	"testing"

	"github.com/AleutianAI/platerecon/services/recon/maths"
	"github.com/AleutianAI/platerecon/services/recon/model"
	"github.com/AleutianAI/platerecon/services/recon/rotation"
	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func line(id string, plate model.PlateID, latlons ...[2]float64) *model.Feature {
	pts := make([]s2.Point, len(latlons))
	for i, ll := range latlons {
		pts[i] = maths.PointFromLatLon(ll[0], ll[1])
	}
	return &model.Feature{
		ID:       id,
		Type:     "Coastline",
		PlateID:  plate,
		Geometry: &model.Geometry{Kind: model.GeometryPolyline, Points: pts},
	}
}

func rotations() *model.FeatureCollection {
	return model.NewFeatureCollection("rot", &model.Feature{
		ID:          "seq",
		Type:        model.FeatureTotalReconstructionSequence,
		FixedPlate:  0,
		MovingPlate: 801,
		Poles: []model.PoleSample{
			{Time: 0, Rotation: maths.Identity()},
			{Time: 10, Rotation: maths.FromPoleDegrees(90, 0, 10)},
		},
	})
}

func TestReconstructFeatures(t *testing.T) {
	tree := rotation.Build(10, 0, []*model.FeatureCollection{rotations()})
	fc := model.NewFeatureCollection("coast",
		line("moving", 801, [2]float64{0, 0}),
		line("unknown-plate", 999, [2]float64{0, 0}),
		&model.Feature{ID: "expired", Type: "Coastline", ValidTime: model.TimePeriod{Begin: 5, End: 0},
			Geometry: &model.Geometry{Points: []s2.Point{maths.PointFromLatLon(0, 0)}}},
	)

	rfgs := ReconstructFeatures(tree, []*model.FeatureCollection{fc, nil})
	require.Len(t, rfgs, 2)

	assert.Equal(t, "moving", rfgs[0].FeatureID())
	assert.True(t, rfgs[0].Rotated)
	_, lon := maths.LatLon(rfgs[0].Geometry.Points[0])
	assert.InDelta(t, 10, lon, 1e-9)

	assert.False(t, rfgs[1].Rotated)
	_, lon = maths.LatLon(rfgs[1].Geometry.Points[0])
	assert.InDelta(t, 0, lon, 1e-9)
}

func sectionsAt(features ...*model.Feature) []*ReconstructedFeatureGeometry {
	tree := rotation.Build(0, 0, nil)
	return ReconstructFeatures(tree, []*model.FeatureCollection{model.NewFeatureCollection("sections", features...)})
}

func TestResolveBoundaries(t *testing.T) {
	sections := sectionsAt(
		line("south", 1, [2]float64{0, 0}, [2]float64{0, 10}),
		// listed in the wrong direction so it has to be reversed
		line("east", 1, [2]float64{10, 10}, [2]float64{0, 10}),
		line("north", 1, [2]float64{10, 10}, [2]float64{10, 0}),
	)
	topo := model.NewFeatureCollection("topo",
		&model.Feature{ID: "plate-1", Type: model.FeatureTopologicalClosedPlateBoundary, PlateID: 1,
			Sections: []string{"south", "east", "north", "missing"}},
		&model.Feature{ID: "degenerate", Type: model.FeatureTopologicalClosedPlateBoundary,
			Sections: []string{"south"}},
	)

	tree := rotation.Build(0, 0, nil)
	resolved := ResolveBoundaries(tree, []*model.FeatureCollection{topo}, sections)
	require.Len(t, resolved, 1)

	b := resolved[0]
	assert.Equal(t, "plate-1", b.Feature.ID)
	assert.Same(t, tree, b.ReconstructionTree)
	assert.Len(t, b.Sections, 3)
	assert.Equal(t, 4, b.Boundary.NumVertices())
	assert.True(t, b.Boundary.ContainsPoint(maths.PointFromLatLon(5, 5)))
	assert.False(t, b.Boundary.ContainsPoint(maths.PointFromLatLon(-40, 100)))
}

func TestResolveNetworks(t *testing.T) {
	sections := sectionsAt(
		line("south", 1, [2]float64{0, 0}, [2]float64{0, 10}),
		line("east", 1, [2]float64{0, 10}, [2]float64{10, 10}),
		line("north", 1, [2]float64{10, 10}, [2]float64{10, 0}),
		line("inside", 1, [2]float64{5, 5}),
		line("outside", 1, [2]float64{50, 50}),
	)
	topo := model.NewFeatureCollection("topo", &model.Feature{
		ID:        "net",
		Type:      model.FeatureTopologicalNetwork,
		Sections:  []string{"south", "east", "north"},
		Interiors: []string{"inside", "outside", "missing"},
	})

	tree := rotation.Build(0, 0, nil)
	networks := ResolveNetworks(tree, []*model.FeatureCollection{topo}, sections)
	require.Len(t, networks, 1)
	assert.Same(t, tree, networks[0].ReconstructionTree)
	require.Len(t, networks[0].Interiors, 1)
	assert.Equal(t, "inside", networks[0].Interiors[0].FeatureID())

	assert.Empty(t, ResolveBoundaries(tree, []*model.FeatureCollection{topo}, sections))
}

func TestCoRegister(t *testing.T) {
	seeds := sectionsAt(line("seed", 1, [2]float64{0, 0}))
	targets := sectionsAt(
		line("near", 2, [2]float64{0, 2}),
		line("far", 2, [2]float64{0, 20}),
	)
	config := []ConfigRow{
		{Name: "count5", Radius: 5 * s1.Degree, Operation: OperationCount},
		{Name: "nearest", Radius: 30 * s1.Degree, Operation: OperationMinDistance},
		{Name: "any1", Radius: 1 * s1.Degree, Operation: OperationPresence},
		{Name: "none1", Radius: 1 * s1.Degree, Operation: OperationMinDistance},
	}

	data := CoRegister(3, config, seeds, targets)
	require.Len(t, data.Results, 1)

	got := data.Results[0]
	assert.Equal(t, "seed", got.SeedFeatureID)
	assert.Equal(t, 1.0, got.Values[0])
	assert.InDelta(t, 2, got.Values[1], 1e-9)
	assert.Equal(t, 0.0, got.Values[2])
	assert.True(t, math.IsNaN(got.Values[3]))
	assert.Equal(t, 3.0, data.Time)
}

func TestParseOperation(t *testing.T) {
	for _, op := range []Operation{OperationCount, OperationMinDistance, OperationPresence} {
		got, ok := ParseOperation(op.String())
		require.True(t, ok)
		assert.Equal(t, op, got)
	}
	_, ok := ParseOperation("median")
	assert.False(t, ok)
}
