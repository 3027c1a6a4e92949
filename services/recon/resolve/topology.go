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
	"slices"

	"github.com/golang/geo/s2"

	"github.com/AleutianAI/platerecon/services/recon/model"
	"github.com/AleutianAI/platerecon/services/recon/rotation"
)

// ResolvedTopologicalBoundary is a closed plate boundary assembled from
// reconstructed section geometries.
type ResolvedTopologicalBoundary struct {
	Feature  *model.Feature
	PlateID  model.PlateID
	Time     float64
	Boundary *s2.Loop
	Sections []*ReconstructedFeatureGeometry

	// ReconstructionTree is the tree the sections were reconstructed with.
	ReconstructionTree *rotation.Tree
}

// ResolvedTopologicalNetwork is a deforming network: a boundary plus the
// interior geometries that fall inside it.
type ResolvedTopologicalNetwork struct {
	ResolvedTopologicalBoundary
	Interiors []*ReconstructedFeatureGeometry
}

// ResolveBoundaries resolves every closed plate boundary feature valid at
// the tree's time, using sections as the pool of reconstructed section geometries.
//
// Sections are joined in the order the feature lists them. Each section is
// reversed when its far end lies closer to the chain built so far. Missing
// sections are skipped; a boundary with fewer than three distinct vertices
// is not resolved.
func ResolveBoundaries(tree *rotation.Tree, topological []*model.FeatureCollection, sections []*ReconstructedFeatureGeometry) []*ResolvedTopologicalBoundary {
	index := indexByFeatureID(sections)
	var out []*ResolvedTopologicalBoundary
	for _, f := range topologicalFeatures(topological, model.FeatureTopologicalClosedPlateBoundary, tree.Time()) {
		if b, ok := resolveBoundary(tree, f, index); ok {
			out = append(out, b)
		}
	}
	return out
}

// ResolveNetworks resolves every topological network valid at the tree's
// time. Interior
// geometries listed by the network are kept only if all their vertices lie
// inside the resolved boundary.
func ResolveNetworks(tree *rotation.Tree, topological []*model.FeatureCollection, sections []*ReconstructedFeatureGeometry) []*ResolvedTopologicalNetwork {
	index := indexByFeatureID(sections)
	var out []*ResolvedTopologicalNetwork
	for _, f := range topologicalFeatures(topological, model.FeatureTopologicalNetwork, tree.Time()) {
		b, ok := resolveBoundary(tree, f, index)
		if !ok {
			continue
		}
		network := &ResolvedTopologicalNetwork{ResolvedTopologicalBoundary: *b}
		for _, id := range f.Interiors {
			rfg, ok := index[id]
			if !ok {
				continue
			}
			if containsAll(b.Boundary, rfg.Geometry.Points) {
				network.Interiors = append(network.Interiors, rfg)
			}
		}
		out = append(out, network)
	}
	return out
}

func topologicalFeatures(collections []*model.FeatureCollection, kind model.FeatureType, time float64) []*model.Feature {
	var out []*model.Feature
	for _, fc := range collections {
		if fc == nil {
			continue
		}
		for _, f := range fc.Features {
			if f.Type == kind && f.IsValidAt(time) {
				out = append(out, f)
			}
		}
	}
	return out
}

func resolveBoundary(tree *rotation.Tree, f *model.Feature, index map[string]*ReconstructedFeatureGeometry) (*ResolvedTopologicalBoundary, bool) {
	var (
		points []s2.Point
		used   []*ReconstructedFeatureGeometry
	)
	for _, id := range f.Sections {
		rfg, ok := index[id]
		if !ok || len(rfg.Geometry.Points) == 0 {
			continue
		}
		section := rfg.Geometry.Points
		if len(points) > 0 {
			tail := points[len(points)-1]
			if tail.Distance(section[len(section)-1]) < tail.Distance(section[0]) {
				section = slices.Clone(section)
				slices.Reverse(section)
			}
		}
		for _, p := range section {
			if len(points) > 0 && points[len(points)-1].ApproxEqual(p) {
				continue
			}
			points = append(points, p)
		}
		used = append(used, rfg)
	}
	if len(points) > 1 && points[0].ApproxEqual(points[len(points)-1]) {
		points = points[:len(points)-1]
	}
	if len(points) < 3 {
		return nil, false
	}

	loop := s2.LoopFromPoints(points)
	loop.Normalize()
	return &ResolvedTopologicalBoundary{
		Feature:            f,
		PlateID:            f.PlateID,
		Time:               tree.Time(),
		Boundary:           loop,
		Sections:           used,
		ReconstructionTree: tree,
	}, true
}

func containsAll(loop *s2.Loop, points []s2.Point) bool {
	if len(points) == 0 {
		return false
	}
	for _, p := range points {
		if !loop.ContainsPoint(p) {
			return false
		}
	}
	return true
}
