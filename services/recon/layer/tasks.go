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
	"cmp"
	"context"
	"slices"

	"github.com/AleutianAI/platerecon/services/recon/model"
	"github.com/AleutianAI/platerecon/services/recon/proxy"
	"github.com/AleutianAI/platerecon/services/recon/resolve"
)

// =============================================================================
// Reconstruction
// =============================================================================

// ReconstructionLayerTask turns rotation files into reconstruction trees.
type ReconstructionLayerTask struct {
	proxy *proxy.ReconstructionLayerProxy
	files fileTracker
}

// NewReconstructionLayerTask creates the task and its proxy.
func NewReconstructionLayerTask(opts ...proxy.Option) *ReconstructionLayerTask {
	return &ReconstructionLayerTask{proxy: proxy.NewReconstructionLayerProxy(opts...)}
}

func (t *ReconstructionLayerTask) Type() LayerTaskType { return TaskReconstruction }

func (t *ReconstructionLayerTask) InputChannelDefinitions() []LayerInputChannelType {
	return []LayerInputChannelType{
		FileChannel(ChannelReconstructionFeatures, MultipleDatasInChannel),
	}
}

func (t *ReconstructionLayerTask) MainInputFeatureCollectionChannel() string {
	return ChannelReconstructionFeatures
}

func (t *ReconstructionLayerTask) OutputDefinition() OutputKind { return OutputReconstructionTrees }

func (t *ReconstructionLayerTask) IsTopologicalLayerTask() bool { return false }

func (t *ReconstructionLayerTask) LayerProxy() proxy.LayerProxy { return t.proxy }

// ReconstructionLayerProxy returns the typed proxy.
func (t *ReconstructionLayerTask) ReconstructionLayerProxy() *proxy.ReconstructionLayerProxy {
	return t.proxy
}

// Process always produces output; a layer without rotation files yields
// trees holding only the anchor plate.
func (t *ReconstructionLayerTask) Process(_ context.Context, _ Layer, inputs InputData, time float64,
	anchor model.PlateID, _ *proxy.ReconstructionLayerProxy) (proxy.LayerProxy, bool) {
	t.files.sync(inputs.ChannelFiles(ChannelReconstructionFeatures), fileDiff{
		added:    t.proxy.AddReconstructionFeatureCollection,
		removed:  t.proxy.RemoveReconstructionFeatureCollection,
		modified: t.proxy.ModifiedReconstructionFeatureCollection,
	})
	t.proxy.SetCurrentReconstructionTime(time)
	t.proxy.SetCurrentAnchoredPlateID(anchor)
	return t.proxy, true
}

// =============================================================================
// Reconstruct
// =============================================================================

// ReconstructLayerTask reconstructs the geometries of its feature files.
type ReconstructLayerTask struct {
	proxy *proxy.ReconstructLayerProxy
	files fileTracker

	// noTree stands in whenever no reconstruction layer is connected or
	// active, so features stop moving with rotations that left the graph.
	noTree *proxy.ReconstructionLayerProxy
}

// NewReconstructLayerTask creates the task. Until a reconstruction layer
// is available the proxy reads from an empty one.
func NewReconstructLayerTask(opts ...proxy.Option) *ReconstructLayerTask {
	noTree := proxy.NewReconstructionLayerProxy(opts...)
	return &ReconstructLayerTask{
		proxy:  proxy.NewReconstructLayerProxy(noTree, opts...),
		noTree: noTree,
	}
}

func (t *ReconstructLayerTask) Type() LayerTaskType { return TaskReconstruct }

func (t *ReconstructLayerTask) InputChannelDefinitions() []LayerInputChannelType {
	return []LayerInputChannelType{
		LayerChannel(ChannelReconstructionTree, OneDataInChannel, TaskReconstruction),
		FileChannel(ChannelReconstructableFeatures, MultipleDatasInChannel),
	}
}

func (t *ReconstructLayerTask) MainInputFeatureCollectionChannel() string {
	return ChannelReconstructableFeatures
}

func (t *ReconstructLayerTask) OutputDefinition() OutputKind { return OutputReconstructedGeometries }

func (t *ReconstructLayerTask) IsTopologicalLayerTask() bool { return false }

func (t *ReconstructLayerTask) LayerProxy() proxy.LayerProxy { return t.proxy }

// ReconstructLayerProxy returns the typed proxy.
func (t *ReconstructLayerTask) ReconstructLayerProxy() *proxy.ReconstructLayerProxy {
	return t.proxy
}

// Process reports no output while no feature file is connected.
func (t *ReconstructLayerTask) Process(_ context.Context, _ Layer, inputs InputData, time float64,
	_ model.PlateID, defaultTree *proxy.ReconstructionLayerProxy) (proxy.LayerProxy, bool) {
	t.proxy.SetCurrentReconstructionLayerProxy(cmp.Or(treeProvider(inputs, defaultTree), t.noTree))
	t.files.sync(inputs.ChannelFiles(ChannelReconstructableFeatures), fileDiff{
		added:    t.proxy.AddReconstructableFeatureCollection,
		removed:  t.proxy.RemoveReconstructableFeatureCollection,
		modified: t.proxy.ModifiedReconstructableFeatureCollection,
	})
	t.proxy.SetCurrentReconstructionTime(time)

	if t.files.len() == 0 {
		return nil, false
	}
	return t.proxy, true
}

// =============================================================================
// Topology
// =============================================================================

func topologyChannels(featuresChannel string) []LayerInputChannelType {
	return []LayerInputChannelType{
		LayerChannel(ChannelReconstructionTree, OneDataInChannel, TaskReconstruction),
		LayerChannel(ChannelTopologicalSections, MultipleDatasInChannel, TaskReconstruct),
		FileChannel(featuresChannel, MultipleDatasInChannel),
	}
}

// TopologyBoundaryResolverLayerTask resolves closed plate boundaries from
// topology files and the reconstruct layers supplying their sections.
type TopologyBoundaryResolverLayerTask struct {
	proxy  *proxy.TopologyBoundaryResolverLayerProxy
	files  fileTracker
	noTree *proxy.ReconstructionLayerProxy
}

// NewTopologyBoundaryResolverLayerTask creates the task.
func NewTopologyBoundaryResolverLayerTask(opts ...proxy.Option) *TopologyBoundaryResolverLayerTask {
	noTree := proxy.NewReconstructionLayerProxy(opts...)
	return &TopologyBoundaryResolverLayerTask{
		proxy:  proxy.NewTopologyBoundaryResolverLayerProxy(noTree, opts...),
		noTree: noTree,
	}
}

func (t *TopologyBoundaryResolverLayerTask) Type() LayerTaskType { return TaskTopologyBoundaryResolver }

func (t *TopologyBoundaryResolverLayerTask) InputChannelDefinitions() []LayerInputChannelType {
	return topologyChannels(ChannelTopologicalBoundaryFeatures)
}

func (t *TopologyBoundaryResolverLayerTask) MainInputFeatureCollectionChannel() string {
	return ChannelTopologicalBoundaryFeatures
}

func (t *TopologyBoundaryResolverLayerTask) OutputDefinition() OutputKind {
	return OutputResolvedBoundaries
}

func (t *TopologyBoundaryResolverLayerTask) IsTopologicalLayerTask() bool { return true }

func (t *TopologyBoundaryResolverLayerTask) LayerProxy() proxy.LayerProxy { return t.proxy }

// Process reports no output while no topology file is connected.
func (t *TopologyBoundaryResolverLayerTask) Process(_ context.Context, _ Layer, inputs InputData, time float64,
	_ model.PlateID, defaultTree *proxy.ReconstructionLayerProxy) (proxy.LayerProxy, bool) {
	t.proxy.SetCurrentReconstructionLayerProxy(cmp.Or(treeProvider(inputs, defaultTree), t.noTree))
	syncProxies(
		t.proxy.TopologicalSectionsLayerProxies(),
		channelProxies[*proxy.ReconstructLayerProxy](inputs, ChannelTopologicalSections),
		t.proxy.AddTopologicalSectionsLayerProxy,
		t.proxy.RemoveTopologicalSectionsLayerProxy,
	)
	t.files.sync(inputs.ChannelFiles(ChannelTopologicalBoundaryFeatures), fileDiff{
		added:    t.proxy.AddTopologicalBoundaryFeatureCollection,
		removed:  t.proxy.RemoveTopologicalBoundaryFeatureCollection,
		modified: t.proxy.ModifiedTopologicalBoundaryFeatureCollection,
	})
	t.proxy.SetCurrentReconstructionTime(time)

	if t.files.len() == 0 {
		return nil, false
	}
	return t.proxy, true
}

// TopologyNetworkResolverLayerTask resolves deforming networks.
type TopologyNetworkResolverLayerTask struct {
	proxy  *proxy.TopologyNetworkResolverLayerProxy
	files  fileTracker
	noTree *proxy.ReconstructionLayerProxy
}

// NewTopologyNetworkResolverLayerTask creates the task.
func NewTopologyNetworkResolverLayerTask(opts ...proxy.Option) *TopologyNetworkResolverLayerTask {
	noTree := proxy.NewReconstructionLayerProxy(opts...)
	return &TopologyNetworkResolverLayerTask{
		proxy:  proxy.NewTopologyNetworkResolverLayerProxy(noTree, opts...),
		noTree: noTree,
	}
}

func (t *TopologyNetworkResolverLayerTask) Type() LayerTaskType { return TaskTopologyNetworkResolver }

func (t *TopologyNetworkResolverLayerTask) InputChannelDefinitions() []LayerInputChannelType {
	return topologyChannels(ChannelTopologicalNetworkFeatures)
}

func (t *TopologyNetworkResolverLayerTask) MainInputFeatureCollectionChannel() string {
	return ChannelTopologicalNetworkFeatures
}

func (t *TopologyNetworkResolverLayerTask) OutputDefinition() OutputKind { return OutputResolvedNetworks }

func (t *TopologyNetworkResolverLayerTask) IsTopologicalLayerTask() bool { return true }

func (t *TopologyNetworkResolverLayerTask) LayerProxy() proxy.LayerProxy { return t.proxy }

// Process reports no output while no network file is connected.
func (t *TopologyNetworkResolverLayerTask) Process(_ context.Context, _ Layer, inputs InputData, time float64,
	_ model.PlateID, defaultTree *proxy.ReconstructionLayerProxy) (proxy.LayerProxy, bool) {
	t.proxy.SetCurrentReconstructionLayerProxy(cmp.Or(treeProvider(inputs, defaultTree), t.noTree))
	syncProxies(
		t.proxy.TopologicalSectionsLayerProxies(),
		channelProxies[*proxy.ReconstructLayerProxy](inputs, ChannelTopologicalSections),
		t.proxy.AddTopologicalSectionsLayerProxy,
		t.proxy.RemoveTopologicalSectionsLayerProxy,
	)
	t.files.sync(inputs.ChannelFiles(ChannelTopologicalNetworkFeatures), fileDiff{
		added:    t.proxy.AddTopologicalNetworkFeatureCollection,
		removed:  t.proxy.RemoveTopologicalNetworkFeatureCollection,
		modified: t.proxy.ModifiedTopologicalNetworkFeatureCollection,
	})
	t.proxy.SetCurrentReconstructionTime(time)

	if t.files.len() == 0 {
		return nil, false
	}
	return t.proxy, true
}

// =============================================================================
// Co-registration
// =============================================================================

// CoRegistrationLayerTask correlates the outputs of seed and target
// reconstruct layers. It has no file channel.
type CoRegistrationLayerTask struct {
	proxy  *proxy.CoRegistrationLayerProxy
	config []resolve.ConfigRow
}

// NewCoRegistrationLayerTask creates the task with an empty configuration.
func NewCoRegistrationLayerTask(opts ...proxy.Option) *CoRegistrationLayerTask {
	return &CoRegistrationLayerTask{proxy: proxy.NewCoRegistrationLayerProxy(opts...)}
}

func (t *CoRegistrationLayerTask) Type() LayerTaskType { return TaskCoRegistration }

func (t *CoRegistrationLayerTask) InputChannelDefinitions() []LayerInputChannelType {
	return []LayerInputChannelType{
		LayerChannel(ChannelReconstructionTree, OneDataInChannel, TaskReconstruction),
		LayerChannel(ChannelCoRegistrationSeeds, MultipleDatasInChannel, TaskReconstruct),
		LayerChannel(ChannelCoRegistrationTargets, MultipleDatasInChannel, TaskReconstruct),
	}
}

func (t *CoRegistrationLayerTask) MainInputFeatureCollectionChannel() string { return "" }

func (t *CoRegistrationLayerTask) OutputDefinition() OutputKind { return OutputCoRegistration }

func (t *CoRegistrationLayerTask) IsTopologicalLayerTask() bool { return false }

func (t *CoRegistrationLayerTask) LayerProxy() proxy.LayerProxy { return t.proxy }

// ConfigurationTable returns a copy of the configuration rows.
func (t *CoRegistrationLayerTask) ConfigurationTable() []resolve.ConfigRow {
	return slices.Clone(t.config)
}

// SetConfigurationTable stores rows for the next Process call.
func (t *CoRegistrationLayerTask) SetConfigurationTable(rows []resolve.ConfigRow) {
	t.config = slices.Clone(rows)
}

// Process reports no output until both seeds and targets are connected.
func (t *CoRegistrationLayerTask) Process(_ context.Context, _ Layer, inputs InputData, time float64,
	_ model.PlateID, defaultTree *proxy.ReconstructionLayerProxy) (proxy.LayerProxy, bool) {
	t.proxy.SetCurrentReconstructionLayerProxy(treeProvider(inputs, defaultTree))
	syncProxies(
		t.proxy.SeedLayerProxies(),
		channelProxies[*proxy.ReconstructLayerProxy](inputs, ChannelCoRegistrationSeeds),
		t.proxy.AddSeedLayerProxy,
		t.proxy.RemoveSeedLayerProxy,
	)
	syncProxies(
		t.proxy.TargetLayerProxies(),
		channelProxies[*proxy.ReconstructLayerProxy](inputs, ChannelCoRegistrationTargets),
		t.proxy.AddTargetLayerProxy,
		t.proxy.RemoveTargetLayerProxy,
	)
	t.proxy.SetCurrentConfigurationTable(t.config)
	t.proxy.SetCurrentReconstructionTime(time)

	if len(t.proxy.SeedLayerProxies()) == 0 || len(t.proxy.TargetLayerProxies()) == 0 {
		return nil, false
	}
	return t.proxy, true
}
