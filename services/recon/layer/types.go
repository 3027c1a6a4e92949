// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package layer

import (
	"slices"
)

// LayerTaskType identifies what a layer computes.
type LayerTaskType int

const (
	// TaskReconstruction builds reconstruction trees from rotation files.
	TaskReconstruction LayerTaskType = iota

	// TaskReconstruct rotates feature geometries to a past time.
	TaskReconstruct

	// TaskTopologyBoundaryResolver resolves closed plate boundaries.
	TaskTopologyBoundaryResolver

	// TaskTopologyNetworkResolver resolves deforming networks.
	TaskTopologyNetworkResolver

	// TaskCoRegistration correlates seed and target layers.
	TaskCoRegistration
)

var taskTypeNames = map[LayerTaskType]string{
	TaskReconstruction:           "reconstruction",
	TaskReconstruct:              "reconstruct",
	TaskTopologyBoundaryResolver: "topology_boundary_resolver",
	TaskTopologyNetworkResolver:  "topology_network_resolver",
	TaskCoRegistration:           "co_registration",
}

// String returns the snake_case type name.
func (t LayerTaskType) String() string {
	if name, ok := taskTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseLayerTaskType is the inverse of LayerTaskType.String.
func ParseLayerTaskType(s string) (LayerTaskType, bool) {
	for t, name := range taskTypeNames {
		if name == s {
			return t, true
		}
	}
	return 0, false
}

// ChannelDataArity is how many inputs a channel accepts.
type ChannelDataArity int

const (
	// OneDataInChannel accepts at most one input.
	OneDataInChannel ChannelDataArity = iota

	// MultipleDatasInChannel accepts any number of inputs.
	MultipleDatasInChannel
)

// Input channel names used by the built-in tasks.
const (
	ChannelReconstructionFeatures      = "Reconstruction features"
	ChannelReconstructionTree          = "Reconstruction tree"
	ChannelReconstructableFeatures     = "Reconstructable features"
	ChannelTopologicalSections         = "Topological sections"
	ChannelTopologicalBoundaryFeatures = "Topological boundary features"
	ChannelTopologicalNetworkFeatures  = "Topological network features"
	ChannelCoRegistrationSeeds         = "Co-registration seed layers"
	ChannelCoRegistrationTargets       = "Co-registration target layers"
)

// LayerInputChannelType is the schema of one input channel.
//
// A channel takes either input files (LayerInputTypes is nil) or the
// outputs of layers whose type is listed in LayerInputTypes.
type LayerInputChannelType struct {
	Name            string
	Arity           ChannelDataArity
	LayerInputTypes []LayerTaskType
}

// FileChannel declares a channel fed by input files.
func FileChannel(name string, arity ChannelDataArity) LayerInputChannelType {
	return LayerInputChannelType{Name: name, Arity: arity}
}

// LayerChannel declares a channel fed by the outputs of the given layer
// types.
func LayerChannel(name string, arity ChannelDataArity, types ...LayerTaskType) LayerInputChannelType {
	return LayerInputChannelType{Name: name, Arity: arity, LayerInputTypes: types}
}

// AcceptsFiles reports whether input files may be connected.
func (c LayerInputChannelType) AcceptsFiles() bool {
	return c.LayerInputTypes == nil
}

// AcceptsLayer reports whether the output of a layer of type t may be
// connected.
func (c LayerInputChannelType) AcceptsLayer(t LayerTaskType) bool {
	return slices.Contains(c.LayerInputTypes, t)
}

// OutputKind is what a layer task produces.
type OutputKind int

const (
	// OutputReconstructionTrees is a ReconstructionLayerProxy.
	OutputReconstructionTrees OutputKind = iota

	// OutputReconstructedGeometries is a ReconstructLayerProxy.
	OutputReconstructedGeometries

	// OutputResolvedBoundaries is a TopologyBoundaryResolverLayerProxy.
	OutputResolvedBoundaries

	// OutputResolvedNetworks is a TopologyNetworkResolverLayerProxy.
	OutputResolvedNetworks

	// OutputCoRegistration is a CoRegistrationLayerProxy.
	OutputCoRegistration
)

var outputKindNames = map[OutputKind]string{
	OutputReconstructionTrees:     "reconstruction_trees",
	OutputReconstructedGeometries: "reconstructed_geometries",
	OutputResolvedBoundaries:      "resolved_boundaries",
	OutputResolvedNetworks:        "resolved_networks",
	OutputCoRegistration:          "co_registration",
}

// String returns the snake_case kind name.
func (k OutputKind) String() string {
	if name, ok := outputKindNames[k]; ok {
		return name
	}
	return "unknown"
}
