// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rotation

import (
	"context"
	"math"
	"testing"

	"github.com/AleutianAI/platerecon/services/recon/maths"
	"github.com/AleutianAI/platerecon/services/recon/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(id string, fixed, moving model.PlateID, oldAngle float64) *model.Feature {
	return &model.Feature{
		ID:          id,
		Type:        model.FeatureTotalReconstructionSequence,
		FixedPlate:  fixed,
		MovingPlate: moving,
		Poles: []model.PoleSample{
			{Time: 0, Rotation: maths.Identity()},
			{Time: 100, Rotation: maths.FromPoleDegrees(90, 0, oldAngle)},
		},
	}
}

func TestBuild_ComposesAlongChain(t *testing.T) {
	fc := model.NewFeatureCollection("rot",
		seq("a", 0, 701, 20),
		seq("b", 701, 801, 30),
	)

	tree := Build(100, 0, []*model.FeatureCollection{fc})

	assert.Equal(t, []model.PlateID{0, 701, 801}, tree.Plates())
	r, ok := tree.CompositeRotation(801)
	require.True(t, ok)
	_, angle := r.EulerPole()
	assert.InDelta(t, 50, angle.Degrees(), 1e-9)

	edge, ok := tree.EdgeTo(801)
	require.True(t, ok)
	assert.Equal(t, model.PlateID(701), edge.Fixed)
	assert.False(t, edge.Reversed)
}

func TestBuild_TraversesReversedEdges(t *testing.T) {
	fc := model.NewFeatureCollection("rot", seq("a", 0, 701, 20))

	tree := Build(100, 701, []*model.FeatureCollection{fc})

	r, ok := tree.CompositeRotation(0)
	require.True(t, ok)
	assert.True(t, r.ApproxEqual(maths.FromPoleDegrees(90, 0, -20), 1e-9))

	edge, ok := tree.EdgeTo(0)
	require.True(t, ok)
	assert.True(t, edge.Reversed)
}

func TestBuild_FirstSequenceWins(t *testing.T) {
	fc := model.NewFeatureCollection("rot",
		seq("first", 0, 701, 20),
		seq("duplicate", 701, 0, 45),
	)

	tree := Build(100, 0, []*model.FeatureCollection{fc})

	r, ok := tree.CompositeRotation(701)
	require.True(t, ok)
	_, angle := r.EulerPole()
	assert.InDelta(t, 20, angle.Degrees(), 1e-9)
}

func TestBuild_UnconnectedPlate(t *testing.T) {
	fc := model.NewFeatureCollection("rot", seq("a", 500, 501, 20))

	tree := Build(50, 0, []*model.FeatureCollection{fc, nil})

	_, ok := tree.CompositeRotation(501)
	assert.False(t, ok)
	assert.True(t, tree.EquivalentTotalRotation(501).IsIdentity())
	assert.Equal(t, []model.PlateID{0}, tree.Plates())
	assert.Equal(t, 50.0, tree.Time())
	assert.Equal(t, model.PlateID(0), tree.AnchorPlateID())
}

func TestBuild_SkipsSequencesOutsideTimeRange(t *testing.T) {
	fc := model.NewFeatureCollection("rot", seq("a", 0, 701, 20))

	tree := Build(150, 0, []*model.FeatureCollection{fc})

	_, ok := tree.CompositeRotation(701)
	assert.False(t, ok)
}

func countingBuilder(calls *int) BuildFunc {
	return func(_ context.Context, time float64, anchor model.PlateID) *Tree {
		*calls++
		return Build(time, anchor, nil)
	}
}

func TestCache_MemoisesIdenticalTree(t *testing.T) {
	ctx := context.Background()
	var calls int
	cache := NewCache(countingBuilder(&calls))

	first, hit := cache.Get(ctx, 10, 0)
	require.False(t, hit)
	second, hit := cache.Get(ctx, 10, 0)
	require.True(t, hit)

	assert.Same(t, first, second)
	assert.Equal(t, 1, calls)
	assert.Equal(t, CacheStats{Entries: 1, Hits: 1, Misses: 1}, cache.Stats())
	assert.InDelta(t, 0.5, cache.Stats().HitRate(), 1e-12)
}

func TestCache_NeverExceedsBound(t *testing.T) {
	ctx := context.Background()
	var calls int
	cache := NewCache(countingBuilder(&calls), WithMaxEntries(4))

	for i := 0; i < 20; i++ {
		cache.ReconstructionTree(ctx, float64(i), model.PlateID(i%3))
		require.LessOrEqual(t, cache.Len(), 4)
	}

	assert.Equal(t, 4, cache.Len())
	assert.Equal(t, int64(16), cache.Stats().Evictions)
}

func TestCache_NaNTimeIsNotStored(t *testing.T) {
	ctx := context.Background()
	var calls int
	cache := NewCache(countingBuilder(&calls), WithMaxEntries(2))
	cache.ReconstructionTree(ctx, 10, 0)

	for i := 0; i < 100; i++ {
		_, hit := cache.Get(ctx, math.NaN(), 0)
		require.False(t, hit)
	}

	assert.Equal(t, 1, cache.Len())
	assert.Len(t, cache.entries, 1)
	assert.Equal(t, 101, calls)
	assert.Equal(t, int64(101), cache.Stats().Misses)
	assert.True(t, cache.Contains(10, 0))
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	var calls int
	cache := NewCache(countingBuilder(&calls), WithMaxEntries(2))

	cache.Get(ctx, 1, 0)
	cache.Get(ctx, 2, 0)
	cache.Get(ctx, 1, 0) // touch 1 so 2 is the oldest
	cache.Get(ctx, 3, 0)

	assert.True(t, cache.Contains(1, 0))
	assert.False(t, cache.Contains(2, 0))
	assert.Equal(t, []Key{{Time: 3}, {Time: 1}}, cache.Keys())
}

func TestCache_ClearKeepsCounters(t *testing.T) {
	ctx := context.Background()
	var calls int
	cache := NewCache(countingBuilder(&calls), WithMaxEntries(0), WithName("test"))
	require.Equal(t, 1, cache.MaxEntries())

	cache.Get(ctx, 1, 0)
	cache.Clear()

	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, int64(1), cache.Stats().Misses)

	cache.Get(ctx, 1, 0)
	assert.Equal(t, 2, calls)
}

func TestTreeCreatorFunc(t *testing.T) {
	want := Build(0, 0, nil)
	var creator TreeCreator = TreeCreatorFunc(func(context.Context, float64, model.PlateID) *Tree {
		return want
	})
	assert.Same(t, want, creator.ReconstructionTree(context.Background(), 5, 1))
}
