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

// topologyInputs is the input wiring shared by the boundary and network
// resolvers: one tree provider, any number of section providers and the
// topological feature collections.
type topologyInputs struct {
	reconstruction     *InputLayerProxy[*ReconstructionLayerProxy]
	sections           InputLayerProxySequence[*ReconstructLayerProxy]
	featureCollections []*model.FeatureCollection
	currentTime        float64
}

// anyStale reports whether any input changed and marks them all up to
// date. Staleness is OR'd across inputs.
func (in *topologyInputs) anyStale() bool {
	stale := !in.reconstruction.IsUpToDate() || !in.sections.IsUpToDate()
	if stale {
		in.reconstruction.SetUpToDate()
		in.sections.SetUpToDate()
	}
	return stale
}

// gatherSections pulls reconstructed section geometries at t from every
// section provider and records that they were consumed.
func (in *topologyInputs) gatherSections(ctx context.Context, t float64) []*resolve.ReconstructedFeatureGeometry {
	var out []*resolve.ReconstructedFeatureGeometry
	for _, section := range in.sections.InputLayerProxies() {
		out = append(out, section.InputLayerProxy().ReconstructedFeatureGeometries(ctx, t)...)
		section.SetUpToDate()
	}
	return out
}

func (in *topologyInputs) key(t float64) outputKey {
	return outputKey{time: t, anchor: in.reconstruction.InputLayerProxy().CurrentAnchoredPlateID()}
}

// TopologyBoundaryResolverLayerProxy resolves closed plate boundaries from
// topological features and the reconstructed sections they reference.
type TopologyBoundaryResolverLayerProxy struct {
	base
	topologyInputs

	cached    []*resolve.ResolvedTopologicalBoundary
	cachedKey *outputKey
}

// NewTopologyBoundaryResolverLayerProxy creates a resolver reading trees
// from reconstruction, which must not be nil.
func NewTopologyBoundaryResolverLayerProxy(reconstruction *ReconstructionLayerProxy, opts ...Option) *TopologyBoundaryResolverLayerProxy {
	return &TopologyBoundaryResolverLayerProxy{
		base:           newBase(KindTopologyBoundaryResolver, opts),
		topologyInputs: topologyInputs{reconstruction: NewInputLayerProxy(reconstruction)},
	}
}

// ResolvedTopologicalBoundaries returns the boundaries resolved at t.
func (p *TopologyBoundaryResolverLayerProxy) ResolvedTopologicalBoundaries(ctx context.Context, t float64) []*resolve.ResolvedTopologicalBoundary {
	p.checkInputLayerProxies()

	key := p.key(t)
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
	sections := p.gatherSections(ctx, t)

	p.cached = resolve.ResolveBoundaries(tree, p.featureCollections, sections)
	p.cachedKey = &key
	p.invalidate(reasonOutputRebuilt)

	recordRecompute(p.kind, time.Since(start))
	p.logger.Debug("topological boundaries resolved",
		slog.Float64("time", t),
		slog.Int("sections", len(sections)),
		slog.Int("boundaries", len(p.cached)),
	)
	return p.cached
}

// CurrentResolvedTopologicalBoundaries resolves at the current time.
func (p *TopologyBoundaryResolverLayerProxy) CurrentResolvedTopologicalBoundaries(ctx context.Context) []*resolve.ResolvedTopologicalBoundary {
	return p.ResolvedTopologicalBoundaries(ctx, p.currentTime)
}

// SetCurrentReconstructionTime updates the current time without evicting.
func (p *TopologyBoundaryResolverLayerProxy) SetCurrentReconstructionTime(t float64) {
	p.currentTime = t
}

// CurrentReconstructionTime returns the time used by the Current* getter.
func (p *TopologyBoundaryResolverLayerProxy) CurrentReconstructionTime() float64 {
	return p.currentTime
}

// SetCurrentReconstructionLayerProxy swaps the tree provider.
func (p *TopologyBoundaryResolverLayerProxy) SetCurrentReconstructionLayerProxy(reconstruction *ReconstructionLayerProxy) {
	if p.reconstruction.InputLayerProxy() == reconstruction {
		return
	}
	p.reconstruction.SetInputLayerProxy(reconstruction)
}

// ReconstructionLayerProxy returns the tree provider in use.
func (p *TopologyBoundaryResolverLayerProxy) ReconstructionLayerProxy() *ReconstructionLayerProxy {
	return p.reconstruction.InputLayerProxy()
}

// TopologicalSectionsLayerProxies returns the section providers in order.
func (p *TopologyBoundaryResolverLayerProxy) TopologicalSectionsLayerProxies() []*ReconstructLayerProxy {
	return p.sections.Proxies()
}

// AddTopologicalSectionsLayerProxy adds a section provider and invalidates.
func (p *TopologyBoundaryResolverLayerProxy) AddTopologicalSectionsLayerProxy(sections *ReconstructLayerProxy) {
	p.sections.AddInputLayerProxy(sections)
	p.reset(reasonInputAdded)
}

// RemoveTopologicalSectionsLayerProxy removes a section provider and
// invalidates.
func (p *TopologyBoundaryResolverLayerProxy) RemoveTopologicalSectionsLayerProxy(sections *ReconstructLayerProxy) {
	p.sections.RemoveInputLayerProxy(sections)
	p.reset(reasonInputRemoved)
}

// FeatureCollections returns the topological feature collections.
func (p *TopologyBoundaryResolverLayerProxy) FeatureCollections() []*model.FeatureCollection {
	return slices.Clone(p.featureCollections)
}

// AddTopologicalBoundaryFeatureCollection adds features and invalidates.
func (p *TopologyBoundaryResolverLayerProxy) AddTopologicalBoundaryFeatureCollection(fc *model.FeatureCollection) {
	p.featureCollections = append(p.featureCollections, fc)
	p.reset(reasonFeatureCollectionAdded)
}

// RemoveTopologicalBoundaryFeatureCollection removes features and
// invalidates.
func (p *TopologyBoundaryResolverLayerProxy) RemoveTopologicalBoundaryFeatureCollection(fc *model.FeatureCollection) {
	if i := slices.Index(p.featureCollections, fc); i >= 0 {
		p.featureCollections = slices.Delete(p.featureCollections, i, i+1)
	}
	p.reset(reasonFeatureCollectionRemoved)
}

// ModifiedTopologicalBoundaryFeatureCollection records an edit and
// invalidates.
func (p *TopologyBoundaryResolverLayerProxy) ModifiedTopologicalBoundaryFeatureCollection(fc *model.FeatureCollection) {
	p.reset(reasonFeatureCollectionModified)
}

func (p *TopologyBoundaryResolverLayerProxy) reset(reason string) {
	p.cached = nil
	p.cachedKey = nil
	p.invalidate(reason)
}

// checkInputLayerProxies drops the cache if any input changed.
func (p *TopologyBoundaryResolverLayerProxy) checkInputLayerProxies() {
	if p.anyStale() {
		p.reset(reasonInputChanged)
	}
}
