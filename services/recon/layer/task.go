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
	"context"
	"slices"

	"github.com/AleutianAI/platerecon/services/recon/model"
	"github.com/AleutianAI/platerecon/services/recon/proxy"
)

// LayerTask is the strategy bound to a layer. It declares the layer's input
// channels and keeps the layer's proxy in step with its inputs.
//
// # Description
//
// The channel definitions are read once when a connection is validated;
// they must not change over the lifetime of the task. LayerProxy returns
// the same proxy on every call.
//
// Process receives the inputs currently connected to the layer and calls
// the proxy's Add*, Remove*, Modified* and SetCurrent* mutators for what
// changed since the previous call. Returning false means the layer has
// nothing to output at this time; it is not an error.
type LayerTask interface {
	Type() LayerTaskType
	InputChannelDefinitions() []LayerInputChannelType
	MainInputFeatureCollectionChannel() string
	OutputDefinition() OutputKind
	IsTopologicalLayerTask() bool
	LayerProxy() proxy.LayerProxy
	Process(ctx context.Context, layer Layer, inputs InputData, time float64, anchor model.PlateID,
		defaultTree *proxy.ReconstructionLayerProxy) (proxy.LayerProxy, bool)
}

// InputData is what is connected to a layer's channels for one Process
// call. Inactive input files and layers that produced no output are left
// out.
type InputData struct {
	Files  map[string][]*model.File
	Layers map[string][]proxy.LayerProxy
}

// ChannelFiles returns the input files on channel in connection order.
func (in InputData) ChannelFiles(channel string) []*model.File {
	return in.Files[channel]
}

// ChannelLayers returns the upstream proxies on channel in connection order.
func (in InputData) ChannelLayers(channel string) []proxy.LayerProxy {
	return in.Layers[channel]
}

// channelProxies returns the upstream proxies of concrete type T on channel.
func channelProxies[T proxy.LayerProxy](in InputData, channel string) []T {
	return proxy.Filter[T](in.Layers[channel])
}

// treeProvider picks the connected reconstruction layer, falling back to
// the graph's default reconstruction tree layer. It returns nil when
// neither exists.
func treeProvider(in InputData, defaultTree *proxy.ReconstructionLayerProxy) *proxy.ReconstructionLayerProxy {
	if trees := channelProxies[*proxy.ReconstructionLayerProxy](in, ChannelReconstructionTree); len(trees) > 0 {
		return trees[0]
	}
	return defaultTree
}

// fileState is what a task saw of an input file the last time it ran.
type fileState struct {
	collection *model.FeatureCollection
	revision   uint64
}

// fileTracker diffs the files connected to a channel against the previous
// Process call.
type fileTracker struct {
	seen map[*model.File]fileState
}

// fileDiff receives the feature collection changes found by sync.
type fileDiff struct {
	added    func(*model.FeatureCollection)
	removed  func(*model.FeatureCollection)
	modified func(*model.FeatureCollection)
}

// sync reports disconnected files as removed, new files as added and files
// whose revision moved as modified. A file whose collection was replaced
// is reported as removed then added.
func (t *fileTracker) sync(files []*model.File, diff fileDiff) {
	if t.seen == nil {
		t.seen = make(map[*model.File]fileState)
	}

	for f, state := range t.seen {
		if !slices.Contains(files, f) {
			delete(t.seen, f)
			diff.removed(state.collection)
		}
	}

	for _, f := range files {
		current := fileState{collection: f.FeatureCollection(), revision: f.Revision()}
		previous, ok := t.seen[f]
		t.seen[f] = current
		switch {
		case !ok:
			diff.added(current.collection)
		case previous.collection != current.collection:
			diff.removed(previous.collection)
			diff.added(current.collection)
		case previous.revision != current.revision:
			diff.modified(current.collection)
		}
	}
}

// len returns the number of files tracked.
func (t *fileTracker) len() int {
	return len(t.seen)
}

// syncProxies removes the proxies of current missing from wanted, then
// adds the proxies of wanted missing from current.
func syncProxies[T comparable](current, wanted []T, add, remove func(T)) {
	for _, p := range current {
		if !slices.Contains(wanted, p) {
			remove(p)
		}
	}
	for _, p := range wanted {
		if !slices.Contains(current, p) {
			add(p)
		}
	}
}
