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
	"log/slog"
	"slices"
	"time"

	"github.com/AleutianAI/platerecon/services/recon/model"
	"github.com/AleutianAI/platerecon/services/recon/rotation"
)

// DefaultMaxTreesInCache is the default bound on cached reconstruction trees
// per ReconstructionLayerProxy.
const DefaultMaxTreesInCache = 64

// ReconstructionLayerProxy builds reconstruction trees from the rotation
// feature collections of its layer and caches them by time and anchor.
type ReconstructionLayerProxy struct {
	base

	featureCollections []*model.FeatureCollection
	currentTime        float64
	currentAnchor      model.PlateID
	maxTrees           int

	// trees is created lazily on the first request and dropped whenever
	// the feature collections change.
	trees *rotation.Cache
}

// NewReconstructionLayerProxy creates a proxy with no rotation data,
// current time 0 and anchor plate 0.
func NewReconstructionLayerProxy(opts ...Option) *ReconstructionLayerProxy {
	o := buildOptions(opts)
	return &ReconstructionLayerProxy{
		base:     newBase(KindReconstruction, opts),
		maxTrees: o.maxTrees,
	}
}

// ReconstructionTree returns the tree for (time, anchor).
//
// Repeated requests for the same key return the identical *rotation.Tree
// until a feature collection mutator runs. A request that builds a new tree
// bumps the subject token.
func (p *ReconstructionLayerProxy) ReconstructionTree(ctx context.Context, t float64, anchor model.PlateID) *rotation.Tree {
	if p.trees == nil {
		p.trees = rotation.NewCache(p.buildTree,
			rotation.WithMaxEntries(p.maxTrees),
			rotation.WithName(KindReconstruction.String()),
		)
	}

	tree, hit := p.trees.Get(ctx, t, anchor)
	recordLookup(p.kind, hit)
	if !hit {
		p.invalidate(reasonOutputRebuilt)
	}
	return tree
}

// CurrentReconstructionTree returns the tree at the current time and anchor.
func (p *ReconstructionLayerProxy) CurrentReconstructionTree(ctx context.Context) *rotation.Tree {
	return p.ReconstructionTree(ctx, p.currentTime, p.currentAnchor)
}

// ReconstructionTreeAt returns the tree at t for the current anchor.
func (p *ReconstructionLayerProxy) ReconstructionTreeAt(ctx context.Context, t float64) *rotation.Tree {
	return p.ReconstructionTree(ctx, t, p.currentAnchor)
}

// TreeCreator returns a creator that forwards every request to this proxy
// at call time, so it keeps working after the internal cache is rebuilt.
func (p *ReconstructionLayerProxy) TreeCreator() rotation.TreeCreator {
	return delegateTreeCreator{proxy: p}
}

// CurrentReconstructionTime returns the time used by CurrentReconstructionTree.
func (p *ReconstructionLayerProxy) CurrentReconstructionTime() float64 {
	return p.currentTime
}

// CurrentAnchoredPlateID returns the anchor used by CurrentReconstructionTree.
func (p *ReconstructionLayerProxy) CurrentAnchoredPlateID() model.PlateID {
	return p.currentAnchor
}

// FeatureCollections returns the rotation feature collections in use.
func (p *ReconstructionLayerProxy) FeatureCollections() []*model.FeatureCollection {
	return slices.Clone(p.featureCollections)
}

// CacheStats reports on the current tree cache. The zero value is
// returned before the cache exists.
func (p *ReconstructionLayerProxy) CacheStats() rotation.CacheStats {
	if p.trees == nil {
		return rotation.CacheStats{}
	}
	return p.trees.Stats()
}

// MaxTreesInCache returns the cache bound.
func (p *ReconstructionLayerProxy) MaxTreesInCache() int {
	return p.maxTrees
}

// SetCurrentReconstructionTime updates the current time. Cached trees are
// kept.
func (p *ReconstructionLayerProxy) SetCurrentReconstructionTime(t float64) {
	p.currentTime = t
}

// SetCurrentAnchoredPlateID updates the current anchor. Cached trees are
// kept.
func (p *ReconstructionLayerProxy) SetCurrentAnchoredPlateID(anchor model.PlateID) {
	p.currentAnchor = anchor
}

// AddReconstructionFeatureCollection adds rotation data and invalidates.
func (p *ReconstructionLayerProxy) AddReconstructionFeatureCollection(fc *model.FeatureCollection) {
	p.featureCollections = append(p.featureCollections, fc)
	p.reset(reasonFeatureCollectionAdded)
}

// RemoveReconstructionFeatureCollection removes rotation data and
// invalidates. Removing an unknown collection still invalidates.
func (p *ReconstructionLayerProxy) RemoveReconstructionFeatureCollection(fc *model.FeatureCollection) {
	if i := slices.Index(p.featureCollections, fc); i >= 0 {
		p.featureCollections = slices.Delete(p.featureCollections, i, i+1)
	}
	p.reset(reasonFeatureCollectionRemoved)
}

// ModifiedReconstructionFeatureCollection records an edit of rotation data
// and invalidates.
func (p *ReconstructionLayerProxy) ModifiedReconstructionFeatureCollection(fc *model.FeatureCollection) {
	p.reset(reasonFeatureCollectionModified)
}

// reset drops the tree cache and invalidates the subject token.
func (p *ReconstructionLayerProxy) reset(reason string) {
	p.trees = nil
	p.invalidate(reason)
}

func (p *ReconstructionLayerProxy) buildTree(ctx context.Context, t float64, anchor model.PlateID) *rotation.Tree {
	start := time.Now()
	_, span := startRecomputeSpan(ctx, p.kind, t)
	defer span.End()

	tree := rotation.Build(t, anchor, p.featureCollections)

	recordRecompute(p.kind, time.Since(start))
	p.logger.Debug("reconstruction tree built",
		slog.Float64("time", t),
		slog.Uint64("anchor", uint64(anchor)),
		slog.Int("plates", len(tree.Plates())),
	)
	return tree
}

// delegateTreeCreator forwards to the proxy so holders survive cache
// rebuilds.
type delegateTreeCreator struct {
	proxy *ReconstructionLayerProxy
}

// ReconstructionTree implements rotation.TreeCreator.
func (d delegateTreeCreator) ReconstructionTree(ctx context.Context, t float64, anchor model.PlateID) *rotation.Tree {
	return d.proxy.ReconstructionTree(ctx, t, anchor)
}
