// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resolve contains the geometric computations the layer proxies
// delegate to: rotating feature geometries, assembling topological
// boundaries and networks from their sections, and co-registering seed
// features against targets.
//
// The functions are pure. Caching and invalidation live in the proxy
// package.
package resolve

import (
	"github.com/AleutianAI/platerecon/services/recon/model"
	"github.com/AleutianAI/platerecon/services/recon/rotation"
)

// ReconstructedFeatureGeometry is a feature's geometry rotated to a
// reconstruction time.
type ReconstructedFeatureGeometry struct {
	Feature  *model.Feature
	PlateID  model.PlateID
	Time     float64
	Geometry model.Geometry

	// Rotated is false when the plate was not in the tree and the present
	// day geometry was used unchanged.
	Rotated bool
}

// FeatureID returns the ID of the source feature.
func (r *ReconstructedFeatureGeometry) FeatureID() string {
	return r.Feature.ID
}

// ReconstructFeatures rotates every reconstructable feature valid at the
// tree's time.
func ReconstructFeatures(tree *rotation.Tree, collections []*model.FeatureCollection) []*ReconstructedFeatureGeometry {
	var out []*ReconstructedFeatureGeometry
	for _, fc := range collections {
		if fc == nil {
			continue
		}
		for _, f := range fc.Features {
			if !f.IsReconstructable() || !f.IsValidAt(tree.Time()) {
				continue
			}
			r, ok := tree.CompositeRotation(f.PlateID)
			geom := *f.Geometry
			if ok {
				geom = f.Geometry.Rotated(r)
			}
			out = append(out, &ReconstructedFeatureGeometry{
				Feature:  f,
				PlateID:  f.PlateID,
				Time:     tree.Time(),
				Geometry: geom,
				Rotated:  ok,
			})
		}
	}
	return out
}

// indexByFeatureID maps feature IDs to their reconstructed geometries. The
// first geometry for an ID wins.
func indexByFeatureID(rfgs []*ReconstructedFeatureGeometry) map[string]*ReconstructedFeatureGeometry {
	index := make(map[string]*ReconstructedFeatureGeometry, len(rfgs))
	for _, rfg := range rfgs {
		if _, exists := index[rfg.FeatureID()]; !exists {
			index[rfg.FeatureID()] = rfg
		}
	}
	return index
}
