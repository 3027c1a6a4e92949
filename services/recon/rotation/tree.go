// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rotation builds reconstruction trees from total reconstruction
// sequences and caches them by (reconstruction time, anchor plate).
package rotation

import (
	"context"
	"sort"

	"github.com/AleutianAI/platerecon/services/recon/maths"
	"github.com/AleutianAI/platerecon/services/recon/model"
)

// Edge is the rotation of a moving plate relative to a fixed plate at the
// tree's reconstruction time.
type Edge struct {
	Fixed    model.PlateID
	Moving   model.PlateID
	Rotation maths.FiniteRotation

	// Reversed is true when the edge was traversed against the direction
	// of the sequence that defined it.
	Reversed bool
}

// Tree is the resolved set of absolute rotations for one reconstruction
// time and anchor plate. Trees are immutable once built.
type Tree struct {
	time     float64
	anchor   model.PlateID
	absolute map[model.PlateID]maths.FiniteRotation
	edges    map[model.PlateID]Edge
}

// Time returns the reconstruction time in Ma.
func (t *Tree) Time() float64 {
	return t.time
}

// AnchorPlateID returns the plate held fixed.
func (t *Tree) AnchorPlateID() model.PlateID {
	return t.anchor
}

// CompositeRotation returns the absolute rotation of plate relative to the
// anchor, or false if the plate is not connected to the anchor.
func (t *Tree) CompositeRotation(plate model.PlateID) (maths.FiniteRotation, bool) {
	r, ok := t.absolute[plate]
	return r, ok
}

// EquivalentTotalRotation returns the composite rotation of plate, falling
// back to the identity rotation for unknown plates.
func (t *Tree) EquivalentTotalRotation(plate model.PlateID) maths.FiniteRotation {
	if r, ok := t.absolute[plate]; ok {
		return r
	}
	return maths.Identity()
}

// EdgeTo returns the tree edge whose moving plate is plate.
func (t *Tree) EdgeTo(plate model.PlateID) (Edge, bool) {
	e, ok := t.edges[plate]
	return e, ok
}

// Plates returns every plate reachable from the anchor, sorted.
func (t *Tree) Plates() []model.PlateID {
	out := make([]model.PlateID, 0, len(t.absolute))
	for p := range t.absolute {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Build creates the tree for time and anchor from every total
// reconstruction sequence in collections.
//
// # Description
//
// Each sequence valid at time contributes one edge and its reverse. A
// second sequence between the same pair of plates, in either direction, is
// ignored: the first one wins. The tree is then grown breadth first from
// the anchor; each plate takes the first path that reaches it.
func Build(time float64, anchor model.PlateID, collections []*model.FeatureCollection) *Tree {
	type halfEdge struct {
		to       model.PlateID
		rotation maths.FiniteRotation
		reversed bool
	}

	adjacency := make(map[model.PlateID][]halfEdge)
	seen := make(map[[2]model.PlateID]bool)

	for _, fc := range collections {
		if fc == nil {
			continue
		}
		for _, f := range fc.Features {
			r, ok := f.RotationAt(time)
			if !ok || f.FixedPlate == f.MovingPlate {
				continue
			}
			key := [2]model.PlateID{min(f.FixedPlate, f.MovingPlate), max(f.FixedPlate, f.MovingPlate)}
			if seen[key] {
				continue
			}
			seen[key] = true
			adjacency[f.FixedPlate] = append(adjacency[f.FixedPlate], halfEdge{to: f.MovingPlate, rotation: r})
			adjacency[f.MovingPlate] = append(adjacency[f.MovingPlate], halfEdge{to: f.FixedPlate, rotation: r.Reverse(), reversed: true})
		}
	}

	tree := &Tree{
		time:     time,
		anchor:   anchor,
		absolute: map[model.PlateID]maths.FiniteRotation{anchor: maths.Identity()},
		edges:    make(map[model.PlateID]Edge),
	}

	queue := []model.PlateID{anchor}
	for len(queue) > 0 {
		plate := queue[0]
		queue = queue[1:]
		parent := tree.absolute[plate]

		for _, he := range adjacency[plate] {
			if _, done := tree.absolute[he.to]; done {
				continue
			}
			tree.absolute[he.to] = parent.Compose(he.rotation)
			tree.edges[he.to] = Edge{Fixed: plate, Moving: he.to, Rotation: he.rotation, Reversed: he.reversed}
			queue = append(queue, he.to)
		}
	}

	return tree
}

// TreeCreator hands out reconstruction trees for arbitrary times and
// anchors.
type TreeCreator interface {
	ReconstructionTree(ctx context.Context, time float64, anchor model.PlateID) *Tree
}

// TreeCreatorFunc adapts a function to TreeCreator.
type TreeCreatorFunc func(ctx context.Context, time float64, anchor model.PlateID) *Tree

// ReconstructionTree implements TreeCreator.
func (f TreeCreatorFunc) ReconstructionTree(ctx context.Context, time float64, anchor model.PlateID) *Tree {
	return f(ctx, time, anchor)
}
