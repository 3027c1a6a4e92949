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
	"github.com/AleutianAI/platerecon/services/recon/resolve"
)

// outputKey identifies a single-slot cached output.
type outputKey struct {
	time   float64
	anchor model.PlateID
}

// ReconstructLayerProxy rotates the geometries of its feature collections
// using the trees of one reconstruction layer.
type ReconstructLayerProxy struct {
	base

	reconstruction     *InputLayerProxy[*ReconstructionLayerProxy]
	featureCollections []*model.FeatureCollection
	currentTime        float64

	cached    []*resolve.ReconstructedFeatureGeometry
	cachedKey *outputKey
}

// NewReconstructLayerProxy creates a proxy reading trees from
// reconstruction, which must not be nil.
func NewReconstructLayerProxy(reconstruction *ReconstructionLayerProxy, opts ...Option) *ReconstructLayerProxy {
	return &ReconstructLayerProxy{
		base:           newBase(KindReconstruct, opts),
		reconstruction: NewInputLayerProxy(reconstruction),
	}
}

// ReconstructedFeatureGeometries returns the geometries reconstructed to t,
// using the reconstruction layer's current anchor.
func (p *ReconstructLayerProxy) ReconstructedFeatureGeometries(ctx context.Context, t float64) []*resolve.ReconstructedFeatureGeometry {
	p.checkInputLayerProxies()

	key := outputKey{time: t, anchor: p.reconstruction.InputLayerProxy().CurrentAnchoredPlateID()}
	if p.cachedKey != nil && *p.cachedKey == key {
		recordLookup(p.kind, true)
		return p.cached
	}
	recordLookup(p.kind, false)

	start := time.Now()
	ctx, span := startRecomputeSpan(ctx, p.kind, t)
	defer span.End()

	tree := p.reconstruction.InputLayerProxy().ReconstructionTree(ctx, key.time, key.anchor)
	p.reconstruction.SetUpToDate()

	p.cached = resolve.ReconstructFeatures(tree, p.featureCollections)
	p.cachedKey = &key
	p.invalidate(reasonOutputRebuilt)

	recordRecompute(p.kind, time.Since(start))
	p.logger.Debug("features reconstructed",
		slog.Float64("time", t),
		slog.Int("geometries", len(p.cached)),
	)
	return p.cached
}

// CurrentReconstructedFeatureGeometries reconstructs to the current time.
func (p *ReconstructLayerProxy) CurrentReconstructedFeatureGeometries(ctx context.Context) []*resolve.ReconstructedFeatureGeometry {
	return p.ReconstructedFeatureGeometries(ctx, p.currentTime)
}

// ReconstructionLayerProxy returns the tree provider in use.
func (p *ReconstructLayerProxy) ReconstructionLayerProxy() *ReconstructionLayerProxy {
	return p.reconstruction.InputLayerProxy()
}

// CurrentReconstructionTime returns the time used by the Current* getter.
func (p *ReconstructLayerProxy) CurrentReconstructionTime() float64 {
	return p.currentTime
}

// FeatureCollections returns the reconstructable feature collections.
func (p *ReconstructLayerProxy) FeatureCollections() []*model.FeatureCollection {
	return slices.Clone(p.featureCollections)
}

// SetCurrentReconstructionTime updates the current time without evicting.
func (p *ReconstructLayerProxy) SetCurrentReconstructionTime(t float64) {
	p.currentTime = t
}

// SetCurrentReconstructionLayerProxy swaps the tree provider. Swapping to
// the same proxy is a no-op; otherwise the next getter sees a stale input.
func (p *ReconstructLayerProxy) SetCurrentReconstructionLayerProxy(reconstruction *ReconstructionLayerProxy) {
	if p.reconstruction.InputLayerProxy() == reconstruction {
		return
	}
	p.reconstruction.SetInputLayerProxy(reconstruction)
}

// AddReconstructableFeatureCollection adds features and invalidates.
func (p *ReconstructLayerProxy) AddReconstructableFeatureCollection(fc *model.FeatureCollection) {
	p.featureCollections = append(p.featureCollections, fc)
	p.reset(reasonFeatureCollectionAdded)
}

// RemoveReconstructableFeatureCollection removes features and invalidates.
func (p *ReconstructLayerProxy) RemoveReconstructableFeatureCollection(fc *model.FeatureCollection) {
	if i := slices.Index(p.featureCollections, fc); i >= 0 {
		p.featureCollections = slices.Delete(p.featureCollections, i, i+1)
	}
	p.reset(reasonFeatureCollectionRemoved)
}

// ModifiedReconstructableFeatureCollection records an edit and invalidates.
func (p *ReconstructLayerProxy) ModifiedReconstructableFeatureCollection(fc *model.FeatureCollection) {
	p.reset(reasonFeatureCollectionModified)
}

func (p *ReconstructLayerProxy) resetCache() {
	p.cached = nil
	p.cachedKey = nil
}

func (p *ReconstructLayerProxy) reset(reason string) {
	p.resetCache()
	p.invalidate(reason)
}

// checkInputLayerProxies drops the cache if the tree provider changed.
func (p *ReconstructLayerProxy) checkInputLayerProxies() {
	if p.reconstruction.IsUpToDate() {
		return
	}
	p.reset(reasonInputChanged)
	p.reconstruction.SetUpToDate()
}
