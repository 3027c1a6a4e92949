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

	"github.com/AleutianAI/platerecon/services/recon/resolve"
)

// CoRegistrationLayerProxy correlates seed geometries with target
// geometries according to a configuration table.
//
// The optional reconstruction input only selects the anchor plate the
// output is keyed by; without it anchor 0 is assumed.
type CoRegistrationLayerProxy struct {
	base

	reconstruction OptionalInputLayerProxy[*ReconstructionLayerProxy]
	seeds          InputLayerProxySequence[*ReconstructLayerProxy]
	targets        InputLayerProxySequence[*ReconstructLayerProxy]
	config         []resolve.ConfigRow
	currentTime    float64

	cached    *resolve.CoRegistrationData
	cachedKey *outputKey
}

// NewCoRegistrationLayerProxy creates a proxy with no inputs.
func NewCoRegistrationLayerProxy(opts ...Option) *CoRegistrationLayerProxy {
	return &CoRegistrationLayerProxy{
		base: newBase(KindCoRegistration, opts),
	}
}

// CoRegistrationData returns the co-registration at t. It reports false,
// without error, when there are no seeds, no targets or no configuration.
func (p *CoRegistrationLayerProxy) CoRegistrationData(ctx context.Context, t float64) (*resolve.CoRegistrationData, bool) {
	p.checkInputLayerProxies()

	if p.seeds.Len() == 0 || p.targets.Len() == 0 || len(p.config) == 0 {
		return nil, false
	}

	key := outputKey{time: t}
	if upstream, ok := p.reconstruction.InputLayerProxy(); ok {
		key.anchor = upstream.CurrentAnchoredPlateID()
	}
	if p.cachedKey != nil && *p.cachedKey == key {
		recordLookup(p.kind, true)
		return p.cached, true
	}
	recordLookup(p.kind, false)

	start := time.Now()
	ctx, span := startRecomputeSpan(ctx, p.kind, t)
	defer span.End()

	seeds := collect(ctx, &p.seeds, t)
	targets := collect(ctx, &p.targets, t)

	p.cached = resolve.CoRegister(t, p.config, seeds, targets)
	p.cachedKey = &key
	p.invalidate(reasonOutputRebuilt)

	recordRecompute(p.kind, time.Since(start))
	p.logger.Debug("co-registration computed",
		slog.Float64("time", t),
		slog.Int("seeds", len(seeds)),
		slog.Int("targets", len(targets)),
	)
	return p.cached, true
}

// CurrentCoRegistrationData co-registers at the current time.
func (p *CoRegistrationLayerProxy) CurrentCoRegistrationData(ctx context.Context) (*resolve.CoRegistrationData, bool) {
	return p.CoRegistrationData(ctx, p.currentTime)
}

func collect(ctx context.Context, seq *InputLayerProxySequence[*ReconstructLayerProxy], t float64) []*resolve.ReconstructedFeatureGeometry {
	var out []*resolve.ReconstructedFeatureGeometry
	for _, in := range seq.InputLayerProxies() {
		out = append(out, in.InputLayerProxy().ReconstructedFeatureGeometries(ctx, t)...)
		in.SetUpToDate()
	}
	return out
}

// SetCurrentReconstructionTime updates the current time without evicting.
func (p *CoRegistrationLayerProxy) SetCurrentReconstructionTime(t float64) {
	p.currentTime = t
}

// CurrentReconstructionTime returns the time used by the Current* getter.
func (p *CoRegistrationLayerProxy) CurrentReconstructionTime() float64 {
	return p.currentTime
}

// SetCurrentReconstructionLayerProxy sets or, with nil, clears the optional
// reconstruction input.
func (p *CoRegistrationLayerProxy) SetCurrentReconstructionLayerProxy(reconstruction *ReconstructionLayerProxy) {
	if reconstruction == nil {
		p.reconstruction.ClearInputLayerProxy()
		return
	}
	if current, ok := p.reconstruction.InputLayerProxy(); ok && current == reconstruction {
		return
	}
	p.reconstruction.SetInputLayerProxy(reconstruction)
}

// ConfigurationTable returns a copy of the configuration rows.
func (p *CoRegistrationLayerProxy) ConfigurationTable() []resolve.ConfigRow {
	return slices.Clone(p.config)
}

// SetCurrentConfigurationTable replaces the configuration. An identical
// table is a no-op; any other table invalidates.
func (p *CoRegistrationLayerProxy) SetCurrentConfigurationTable(config []resolve.ConfigRow) {
	if slices.Equal(p.config, config) {
		return
	}
	p.config = slices.Clone(config)
	p.reset(reasonConfigurationChanged)
}

// SeedLayerProxies returns the seed providers in order.
func (p *CoRegistrationLayerProxy) SeedLayerProxies() []*ReconstructLayerProxy {
	return p.seeds.Proxies()
}

// TargetLayerProxies returns the target providers in order.
func (p *CoRegistrationLayerProxy) TargetLayerProxies() []*ReconstructLayerProxy {
	return p.targets.Proxies()
}

// AddSeedLayerProxy adds a seed provider and invalidates.
func (p *CoRegistrationLayerProxy) AddSeedLayerProxy(seed *ReconstructLayerProxy) {
	p.seeds.AddInputLayerProxy(seed)
	p.reset(reasonInputAdded)
}

// RemoveSeedLayerProxy removes a seed provider and invalidates.
func (p *CoRegistrationLayerProxy) RemoveSeedLayerProxy(seed *ReconstructLayerProxy) {
	p.seeds.RemoveInputLayerProxy(seed)
	p.reset(reasonInputRemoved)
}

// AddTargetLayerProxy adds a target provider and invalidates.
func (p *CoRegistrationLayerProxy) AddTargetLayerProxy(target *ReconstructLayerProxy) {
	p.targets.AddInputLayerProxy(target)
	p.reset(reasonInputAdded)
}

// RemoveTargetLayerProxy removes a target provider and invalidates.
func (p *CoRegistrationLayerProxy) RemoveTargetLayerProxy(target *ReconstructLayerProxy) {
	p.targets.RemoveInputLayerProxy(target)
	p.reset(reasonInputRemoved)
}

func (p *CoRegistrationLayerProxy) reset(reason string) {
	p.cached = nil
	p.cachedKey = nil
	p.invalidate(reason)
}

// checkInputLayerProxies drops the cache if any input changed.
func (p *CoRegistrationLayerProxy) checkInputLayerProxies() {
	stale := !p.reconstruction.IsUpToDate() || !p.seeds.IsUpToDate() || !p.targets.IsUpToDate()
	if !stale {
		return
	}
	p.reconstruction.SetUpToDate()
	p.seeds.SetUpToDate()
	p.targets.SetUpToDate()
	p.reset(reasonInputChanged)
}
