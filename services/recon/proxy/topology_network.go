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

// TopologyNetworkResolverLayerProxy resolves deforming networks. It is wired
// like TopologyBoundaryResolverLayerProxy; interior geometries come from the
// same section providers as the boundary sections.
type TopologyNetworkResolverLayerProxy struct {
	base
	topologyInputs

	cached    []*resolve.ResolvedTopologicalNetwork
	cachedKey *outputKey
}

// NewTopologyNetworkResolverLayerProxy creates a resolver reading trees
// from reconstruction, which must not be nil.
func NewTopologyNetworkResolverLayerProxy(reconstruction *ReconstructionLayerProxy, opts ...Option) *TopologyNetworkResolverLayerProxy {
	return &TopologyNetworkResolverLayerProxy{
		base:           newBase(KindTopologyNetworkResolver, opts),
		topologyInputs: topologyInputs{reconstruction: NewInputLayerProxy(reconstruction)},
	}
}

// ResolvedTopologicalNetworks returns the networks resolved at t.
func (p *TopologyNetworkResolverLayerProxy) ResolvedTopologicalNetworks(ctx context.Context, t float64) []*resolve.ResolvedTopologicalNetwork {
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

	p.cached = resolve.ResolveNetworks(tree, p.featureCollections, sections)
	p.cachedKey = &key
	p.invalidate(reasonOutputRebuilt)

	recordRecompute(p.kind, time.Since(start))
	p.logger.Debug("topological networks resolved",
		slog.Float64("time", t),
		slog.Int("networks", len(p.cached)),
	)
	return p.cached
}

// CurrentResolvedTopologicalNetworks resolves at the current time.
func (p *TopologyNetworkResolverLayerProxy) CurrentResolvedTopologicalNetworks(ctx context.Context) []*resolve.ResolvedTopologicalNetwork {
	return p.ResolvedTopologicalNetworks(ctx, p.currentTime)
}

// SetCurrentReconstructionTime updates the current time without evicting.
func (p *TopologyNetworkResolverLayerProxy) SetCurrentReconstructionTime(t float64) {
	p.currentTime = t
}

// CurrentReconstructionTime returns the time used by the Current* getter.
func (p *TopologyNetworkResolverLayerProxy) CurrentReconstructionTime() float64 {
	return p.currentTime
}

// SetCurrentReconstructionLayerProxy swaps the tree provider.
func (p *TopologyNetworkResolverLayerProxy) SetCurrentReconstructionLayerProxy(reconstruction *ReconstructionLayerProxy) {
	if p.reconstruction.InputLayerProxy() == reconstruction {
		return
	}
	p.reconstruction.SetInputLayerProxy(reconstruction)
}

// ReconstructionLayerProxy returns the tree provider in use.
func (p *TopologyNetworkResolverLayerProxy) ReconstructionLayerProxy() *ReconstructionLayerProxy {
	return p.reconstruction.InputLayerProxy()
}

// TopologicalSectionsLayerProxies returns the section providers in order.
func (p *TopologyNetworkResolverLayerProxy) TopologicalSectionsLayerProxies() []*ReconstructLayerProxy {
	return p.sections.Proxies()
}

// AddTopologicalSectionsLayerProxy adds a section provider and invalidates.
func (p *TopologyNetworkResolverLayerProxy) AddTopologicalSectionsLayerProxy(sections *ReconstructLayerProxy) {
	p.sections.AddInputLayerProxy(sections)
	p.reset(reasonInputAdded)
}

// RemoveTopologicalSectionsLayerProxy removes a section provider and
// invalidates.
func (p *TopologyNetworkResolverLayerProxy) RemoveTopologicalSectionsLayerProxy(sections *ReconstructLayerProxy) {
	p.sections.RemoveInputLayerProxy(sections)
	p.reset(reasonInputRemoved)
}

// FeatureCollections returns the network feature collections.
func (p *TopologyNetworkResolverLayerProxy) FeatureCollections() []*model.FeatureCollection {
	return slices.Clone(p.featureCollections)
}

// AddTopologicalNetworkFeatureCollection adds features and invalidates.
func (p *TopologyNetworkResolverLayerProxy) AddTopologicalNetworkFeatureCollection(fc *model.FeatureCollection) {
	p.featureCollections = append(p.featureCollections, fc)
	p.reset(reasonFeatureCollectionAdded)
}

// RemoveTopologicalNetworkFeatureCollection removes features and
// invalidates.
func (p *TopologyNetworkResolverLayerProxy) RemoveTopologicalNetworkFeatureCollection(fc *model.FeatureCollection) {
	if i := slices.Index(p.featureCollections, fc); i >= 0 {
		p.featureCollections = slices.Delete(p.featureCollections, i, i+1)
	}
	p.reset(reasonFeatureCollectionRemoved)
}

// ModifiedTopologicalNetworkFeatureCollection records an edit and
// invalidates.
func (p *TopologyNetworkResolverLayerProxy) ModifiedTopologicalNetworkFeatureCollection(fc *model.FeatureCollection) {
	p.reset(reasonFeatureCollectionModified)
}

func (p *TopologyNetworkResolverLayerProxy) reset(reason string) {
	p.cached = nil
	p.cachedKey = nil
	p.invalidate(reason)
}

func (p *TopologyNetworkResolverLayerProxy) checkInputLayerProxies() {
	if p.anyStale() {
		p.reset(reasonInputChanged)
	}
}
