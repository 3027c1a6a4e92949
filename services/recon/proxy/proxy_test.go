// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package proxy

import (
	"context"
	"testing"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/platerecon/services/recon/maths"
	"github.com/AleutianAI/platerecon/services/recon/model"
	"github.com/AleutianAI/platerecon/services/recon/resolve"
	"github.com/AleutianAI/platerecon/services/recon/token"
)

func rotations() *model.FeatureCollection {
	return model.NewFeatureCollection("rotations", &model.Feature{
		ID:          "seq-701",
		Type:        model.FeatureTotalReconstructionSequence,
		FixedPlate:  0,
		MovingPlate: 701,
		Poles: []model.PoleSample{
			{Time: 0, Rotation: maths.Identity()},
			{Time: 100, Rotation: maths.FromPoleDegrees(90, 0, 40)},
		},
	})
}

func points(name string, plate model.PlateID, latLons ...[2]float64) *model.FeatureCollection {
	fc := model.NewFeatureCollection(name)
	for i, ll := range latLons {
		fc.Features = append(fc.Features, &model.Feature{
			ID:      name + "-" + string(rune('a'+i)),
			Type:    "Coastline",
			PlateID: plate,
			Geometry: &model.Geometry{
				Kind:   model.GeometryPoint,
				Points: []s2.Point{maths.PointFromLatLon(ll[0], ll[1])},
			},
		})
	}
	return fc
}

func version(p LayerProxy) token.Version {
	return p.SubjectToken().Version()
}

// =============================================================================
// ReconstructionLayerProxy
// =============================================================================

func TestReconstructionLayerProxy_RepeatedKeyReturnsIdenticalTree(t *testing.T) {
	ctx := context.Background()
	p := NewReconstructionLayerProxy()
	p.AddReconstructionFeatureCollection(rotations())

	before := version(p)
	first := p.ReconstructionTree(ctx, 10, 0)
	afterMiss := version(p)
	second := p.ReconstructionTree(ctx, 10, 0)

	assert.Same(t, first, second)
	assert.Greater(t, afterMiss, before, "a miss bumps the subject")
	assert.Equal(t, afterMiss, version(p), "a hit leaves the subject alone")
}

func TestReconstructionLayerProxy_CacheIsBounded(t *testing.T) {
	ctx := context.Background()
	p := NewReconstructionLayerProxy(WithMaxTreesInCache(2))
	p.AddReconstructionFeatureCollection(rotations())

	for _, tm := range []float64{10, 20, 30, 40} {
		p.ReconstructionTree(ctx, tm, 0)
	}

	stats := p.CacheStats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, int64(2), stats.Evictions)
	assert.Equal(t, 2, p.MaxTreesInCache())
}

func TestReconstructionLayerProxy_MutatorsInvalidateSettersDoNot(t *testing.T) {
	ctx := context.Background()
	fc := rotations()
	p := NewReconstructionLayerProxy()

	v := version(p)
	p.AddReconstructionFeatureCollection(fc)
	assert.Greater(t, version(p), v)

	tree := p.ReconstructionTree(ctx, 50, 0)

	v = version(p)
	p.SetCurrentReconstructionTime(75)
	p.SetCurrentAnchoredPlateID(701)
	assert.Equal(t, v, version(p))
	assert.Same(t, tree, p.ReconstructionTree(ctx, 50, 0), "setters keep cached trees")

	p.ModifiedReconstructionFeatureCollection(fc)
	assert.Greater(t, version(p), v)
	assert.NotSame(t, tree, p.ReconstructionTree(ctx, 50, 0))

	v = version(p)
	p.RemoveReconstructionFeatureCollection(fc)
	assert.Greater(t, version(p), v)
	assert.Empty(t, p.FeatureCollections())
}

func TestReconstructionLayerProxy_CurrentGetterUsesCurrentParameters(t *testing.T) {
	ctx := context.Background()
	p := NewReconstructionLayerProxy()
	p.AddReconstructionFeatureCollection(rotations())
	p.SetCurrentReconstructionTime(60)
	p.SetCurrentAnchoredPlateID(701)

	tree := p.CurrentReconstructionTree(ctx)

	assert.Equal(t, 60.0, tree.Time())
	assert.Equal(t, model.PlateID(701), tree.AnchorPlateID())
	assert.Same(t, tree, p.ReconstructionTreeAt(ctx, 60))
}

func TestReconstructionLayerProxy_TreeCreatorSurvivesReset(t *testing.T) {
	ctx := context.Background()
	fc := rotations()
	p := NewReconstructionLayerProxy()
	p.AddReconstructionFeatureCollection(fc)

	creator := p.TreeCreator()
	before := creator.ReconstructionTree(ctx, 10, 0)

	p.ModifiedReconstructionFeatureCollection(fc)
	after := creator.ReconstructionTree(ctx, 10, 0)

	assert.NotSame(t, before, after)
	assert.Same(t, after, p.ReconstructionTree(ctx, 10, 0))
}

// =============================================================================
// Input wrappers
// =============================================================================

func TestInputLayerProxy_TracksUpstreamVersion(t *testing.T) {
	upstream := NewReconstructionLayerProxy()
	in := NewInputLayerProxy(upstream)

	assert.False(t, in.IsUpToDate(), "a new wrapper starts out of date")
	in.SetUpToDate()
	assert.True(t, in.IsUpToDate())

	upstream.AddReconstructionFeatureCollection(rotations())
	assert.False(t, in.IsUpToDate())

	in.SetUpToDate()
	in.SetInputLayerProxy(upstream)
	assert.False(t, in.IsUpToDate(), "swapping always resets the observer")
}

func TestOptionalInputLayerProxy_StateSequence(t *testing.T) {
	var opt OptionalInputLayerProxy[*ReconstructionLayerProxy]

	assert.False(t, opt.IsPresent())
	assert.True(t, opt.IsUpToDate(), "absent and already observed initially")

	opt.SetInputLayerProxy(NewReconstructionLayerProxy())
	assert.True(t, opt.IsPresent())
	assert.False(t, opt.IsUpToDate())
	opt.SetUpToDate()
	assert.True(t, opt.IsUpToDate())

	opt.ClearInputLayerProxy()
	assert.False(t, opt.IsPresent())
	assert.False(t, opt.IsUpToDate(), "removal is noticed once")
	opt.SetUpToDate()
	assert.True(t, opt.IsUpToDate())

	opt.ClearInputLayerProxy()
	assert.True(t, opt.IsUpToDate(), "clearing an absent input is a no-op")

	_, ok := opt.InputLayerProxy()
	assert.False(t, ok)
}

func TestNewOptionalInputLayerProxy_StartsOutOfDate(t *testing.T) {
	opt := NewOptionalInputLayerProxy(NewReconstructionLayerProxy())

	assert.True(t, opt.IsPresent())
	assert.False(t, opt.IsUpToDate())
}

func TestInputLayerProxySequence_RemoveDropsFirstMatch(t *testing.T) {
	p := NewReconstructionLayerProxy()
	q := NewReconstructionLayerProxy()

	var seq InputLayerProxySequence[*ReconstructionLayerProxy]
	seq.AddInputLayerProxy(p)
	seq.AddInputLayerProxy(q)
	seq.AddInputLayerProxy(p)

	require.True(t, seq.RemoveInputLayerProxy(p))
	assert.Equal(t, []*ReconstructionLayerProxy{q, p}, seq.Proxies())
	assert.False(t, seq.RemoveInputLayerProxy(NewReconstructionLayerProxy()))
	assert.True(t, seq.Contains(p))
	assert.Equal(t, 2, seq.Len())
}

func TestInputLayerProxySequence_StaleIfAnyStale(t *testing.T) {
	p := NewReconstructionLayerProxy()
	q := NewReconstructionLayerProxy()

	var seq InputLayerProxySequence[*ReconstructionLayerProxy]
	seq.AddInputLayerProxy(p)
	seq.AddInputLayerProxy(q)
	seq.SetUpToDate()
	require.True(t, seq.IsUpToDate())

	q.AddReconstructionFeatureCollection(rotations())
	assert.False(t, seq.IsUpToDate())
}

// =============================================================================
// ReconstructLayerProxy
// =============================================================================

func TestReconstructLayerProxy_CachesSingleSlot(t *testing.T) {
	ctx := context.Background()
	recon := NewReconstructionLayerProxy()
	recon.AddReconstructionFeatureCollection(rotations())
	p := NewReconstructLayerProxy(recon)
	p.AddReconstructableFeatureCollection(points("coast", 701, [2]float64{0, 0}))

	first := p.ReconstructedFeatureGeometries(ctx, 100)
	require.Len(t, first, 1)
	v := version(p)

	second := p.ReconstructedFeatureGeometries(ctx, 100)
	assert.Same(t, first[0], second[0])
	assert.Equal(t, v, version(p))

	other := p.ReconstructedFeatureGeometries(ctx, 0)
	assert.NotSame(t, first[0], other[0])
	assert.Greater(t, version(p), v)
}

func TestReconstructLayerProxy_RecomputesWhenUpstreamChanges(t *testing.T) {
	ctx := context.Background()
	rot := rotations()
	recon := NewReconstructionLayerProxy()
	recon.AddReconstructionFeatureCollection(rot)
	p := NewReconstructLayerProxy(recon)
	p.AddReconstructableFeatureCollection(points("coast", 701, [2]float64{0, 0}))

	first := p.ReconstructedFeatureGeometries(ctx, 100)
	require.True(t, first[0].Rotated)

	recon.RemoveReconstructionFeatureCollection(rot)
	second := p.ReconstructedFeatureGeometries(ctx, 100)

	assert.NotSame(t, first[0], second[0])
	assert.False(t, second[0].Rotated, "no rotation data is left for plate 701")
}

func TestReconstructLayerProxy_AnchorChangeMisses(t *testing.T) {
	ctx := context.Background()
	recon := NewReconstructionLayerProxy()
	recon.AddReconstructionFeatureCollection(rotations())
	p := NewReconstructLayerProxy(recon)
	p.AddReconstructableFeatureCollection(points("coast", 701, [2]float64{0, 0}))

	first := p.ReconstructedFeatureGeometries(ctx, 100)
	recon.SetCurrentAnchoredPlateID(701)
	second := p.ReconstructedFeatureGeometries(ctx, 100)

	assert.NotSame(t, first[0], second[0])
	lat, lon := maths.LatLon(second[0].Geometry.Points[0])
	assert.InDelta(t, 0, lat, 1e-9)
	assert.InDelta(t, 0, lon, 1e-9, "plate 701 is fixed when it is the anchor")
}

func TestReconstructLayerProxy_SwappingInputMakesStale(t *testing.T) {
	ctx := context.Background()
	withRotations := NewReconstructionLayerProxy()
	withRotations.AddReconstructionFeatureCollection(rotations())
	empty := NewReconstructionLayerProxy()

	p := NewReconstructLayerProxy(withRotations)
	p.AddReconstructableFeatureCollection(points("coast", 701, [2]float64{0, 0}))
	first := p.ReconstructedFeatureGeometries(ctx, 100)

	v := version(p)
	p.SetCurrentReconstructionLayerProxy(withRotations)
	assert.Same(t, first[0], p.ReconstructedFeatureGeometries(ctx, 100)[0], "same input is a no-op")
	assert.Equal(t, v, version(p))

	p.SetCurrentReconstructionLayerProxy(empty)
	second := p.ReconstructedFeatureGeometries(ctx, 100)
	assert.Same(t, empty, p.ReconstructionLayerProxy())
	assert.False(t, second[0].Rotated)
}

// =============================================================================
// Topology resolvers
// =============================================================================

func sections(recon *ReconstructionLayerProxy, name string) *ReconstructLayerProxy {
	p := NewReconstructLayerProxy(recon)
	p.AddReconstructableFeatureCollection(points(name, 0, [2]float64{0, 0}, [2]float64{0, 10}))
	return p
}

func TestTopologyBoundaryResolver_StaleIfAnySectionProviderChanged(t *testing.T) {
	ctx := context.Background()
	recon := NewReconstructionLayerProxy()
	first := sections(recon, "first")
	second := sections(recon, "second")

	p := NewTopologyBoundaryResolverLayerProxy(recon)
	p.AddTopologicalSectionsLayerProxy(first)
	p.AddTopologicalSectionsLayerProxy(second)

	p.ResolvedTopologicalBoundaries(ctx, 10)
	v := version(p)
	p.ResolvedTopologicalBoundaries(ctx, 10)
	require.Equal(t, v, version(p), "second call is a hit")

	second.ModifiedReconstructableFeatureCollection(second.FeatureCollections()[0])
	p.ResolvedTopologicalBoundaries(ctx, 10)
	assert.Greater(t, version(p), v)
}

func TestTopologyBoundaryResolver_ResolvesFromSections(t *testing.T) {
	ctx := context.Background()
	recon := NewReconstructionLayerProxy()
	secs := NewReconstructLayerProxy(recon)
	fc := model.NewFeatureCollection("sections")
	for i, ll := range [][2][2]float64{
		{{0, 0}, {0, 10}},
		{{0, 10}, {10, 5}},
		{{10, 5}, {0, 0}},
	} {
		fc.Features = append(fc.Features, &model.Feature{
			ID:   string(rune('a' + i)),
			Type: "Coastline",
			Geometry: &model.Geometry{
				Kind:   model.GeometryPolyline,
				Points: []s2.Point{maths.PointFromLatLon(ll[0][0], ll[0][1]), maths.PointFromLatLon(ll[1][0], ll[1][1])},
			},
		})
	}
	secs.AddReconstructableFeatureCollection(fc)

	p := NewTopologyBoundaryResolverLayerProxy(recon)
	p.AddTopologicalSectionsLayerProxy(secs)
	p.AddTopologicalBoundaryFeatureCollection(model.NewFeatureCollection("plates", &model.Feature{
		ID:       "plate",
		Type:     model.FeatureTopologicalClosedPlateBoundary,
		Sections: []string{"a", "b", "c"},
	}))

	boundaries := p.ResolvedTopologicalBoundaries(ctx, 0)
	require.Len(t, boundaries, 1)
	assert.True(t, boundaries[0].Boundary.ContainsPoint(maths.PointFromLatLon(3, 5)))
	assert.Same(t, recon.ReconstructionTree(ctx, 0, 0), boundaries[0].ReconstructionTree)
}

func TestTopologyNetworkResolver_RemovingSectionsInvalidates(t *testing.T) {
	ctx := context.Background()
	recon := NewReconstructionLayerProxy()
	secs := sections(recon, "net")
	p := NewTopologyNetworkResolverLayerProxy(recon)
	p.AddTopologicalSectionsLayerProxy(secs)

	p.ResolvedTopologicalNetworks(ctx, 0)
	v := version(p)

	p.RemoveTopologicalSectionsLayerProxy(secs)
	assert.Greater(t, version(p), v)
	assert.Empty(t, p.TopologicalSectionsLayerProxies())
	assert.Same(t, recon, p.ReconstructionLayerProxy())
}

// =============================================================================
// CoRegistrationLayerProxy
// =============================================================================

func TestCoRegistrationLayerProxy_AbsentWithoutSeeds(t *testing.T) {
	ctx := context.Background()
	recon := NewReconstructionLayerProxy()
	p := NewCoRegistrationLayerProxy()
	p.SetCurrentConfigurationTable([]resolve.ConfigRow{{Name: "n", Radius: 5 * s1.Degree}})
	p.AddTargetLayerProxy(sections(recon, "targets"))

	_, ok := p.CoRegistrationData(ctx, 0)
	assert.False(t, ok)
}

func TestCoRegistrationLayerProxy_CountsTargetsInRange(t *testing.T) {
	ctx := context.Background()
	recon := NewReconstructionLayerProxy()
	seeds := NewReconstructLayerProxy(recon)
	seeds.AddReconstructableFeatureCollection(points("seeds", 0, [2]float64{0, 0}))
	targets := NewReconstructLayerProxy(recon)
	targets.AddReconstructableFeatureCollection(points("targets", 0, [2]float64{0, 1}, [2]float64{0, 2}, [2]float64{0, 40}))

	p := NewCoRegistrationLayerProxy()
	p.SetCurrentReconstructionLayerProxy(recon)
	p.AddSeedLayerProxy(seeds)
	p.AddTargetLayerProxy(targets)
	p.SetCurrentConfigurationTable([]resolve.ConfigRow{
		{Name: "nearby", Radius: 5 * s1.Degree, Operation: resolve.OperationCount},
	})

	data, ok := p.CoRegistrationData(ctx, 0)
	require.True(t, ok)
	require.Len(t, data.Results, 1)
	assert.Equal(t, []float64{2}, data.Results[0].Values)

	again, ok := p.CoRegistrationData(ctx, 0)
	require.True(t, ok)
	assert.Same(t, data, again)
}

func TestCoRegistrationLayerProxy_IdenticalTableIsNoOp(t *testing.T) {
	table := []resolve.ConfigRow{{Name: "n", Radius: s1.Degree, Operation: resolve.OperationPresence}}
	p := NewCoRegistrationLayerProxy()
	p.SetCurrentConfigurationTable(table)

	v := version(p)
	p.SetCurrentConfigurationTable(table)
	assert.Equal(t, v, version(p))

	p.SetCurrentConfigurationTable(nil)
	assert.Greater(t, version(p), v)
	assert.Empty(t, p.ConfigurationTable())
}

// =============================================================================
// Kinds
// =============================================================================

func TestVisitorAndFilter(t *testing.T) {
	recon := NewReconstructionLayerProxy()
	proxies := []LayerProxy{
		recon,
		NewReconstructLayerProxy(recon),
		NewTopologyBoundaryResolverLayerProxy(recon),
		NewTopologyNetworkResolverLayerProxy(recon),
		NewCoRegistrationLayerProxy(),
	}

	var visited []Kind
	v := Visitor{
		Reconstruction: func(p *ReconstructionLayerProxy) { visited = append(visited, p.Kind()) },
		CoRegistration: func(p *CoRegistrationLayerProxy) { visited = append(visited, p.Kind()) },
	}
	for _, p := range proxies {
		Accept(p, v)
	}
	assert.Equal(t, []Kind{KindReconstruction, KindCoRegistration}, visited)

	got, ok := As[*ReconstructionLayerProxy](proxies[0])
	require.True(t, ok)
	assert.Same(t, recon, got)
	_, ok = As[*ReconstructLayerProxy](proxies[0])
	assert.False(t, ok)

	assert.Len(t, Filter[*TopologyNetworkResolverLayerProxy](proxies), 1)
	assert.Equal(t, "topology_boundary_resolver", KindTopologyBoundaryResolver.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
