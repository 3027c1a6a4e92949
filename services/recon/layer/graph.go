// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package layer implements the reconstruct graph: layers, the input
// connections between them and the input files that feed them.
//
// # Description
//
// The Graph owns every record in three arenas (layers, data, connections).
// Callers hold Layer, InputConnection and InputFile handles, which are
// small comparable values. A handle whose record was removed stops
// resolving, and every method on it returns ErrPreconditionViolation.
//
// Data is either an input file or the output of a layer. A connection binds
// a named input channel of a layer to one Data. Connecting a layer output
// runs cycle detection first; a rejected connection leaves the graph as it
// was.
//
// # Thread Safety
//
// A Graph is not safe for concurrent use. Callers serialise access.
package layer

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/AleutianAI/platerecon/services/recon/model"
)

type layerRecord struct {
	name   string
	task   LayerTask
	active bool

	// channels lists channel names in the order they first received a
	// connection; inputs holds the connections of each.
	channels []string
	inputs   map[string][]handle

	output handle
}

type dataRecord struct {
	isFile bool
	file   *model.File
	active bool

	producer  handle
	consumers []handle
}

type connRecord struct {
	channel string
	source  handle
	target  handle
}

// Graph is the reconstruct graph.
type Graph struct {
	id     string
	logger *slog.Logger

	layers arena[layerRecord]
	data   arena[dataRecord]
	conns  arena[connRecord]

	layerOrder []handle
	fileOrder  []handle

	defaultTree    handle
	hasDefaultTree bool

	listeners        []subscription
	nextSubscription int
	nextLayerNumber  int
}

// Option configures a Graph.
type Option func(*Graph)

// WithLogger sets the graph logger. Nil selects slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(g *Graph) {
		g.logger = logger
	}
}

// NewGraph creates an empty graph.
func NewGraph(opts ...Option) *Graph {
	g := &Graph{id: uuid.NewString()}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With(slog.String("graph_id", g.id))
	return g
}

// ID returns the graph's session identifier, used in logs.
func (g *Graph) ID() string {
	return g.id
}

// AddLayer creates an inactive layer bound to task, which may be nil.
//
// Description:
//
//	The layer is named after its task type and a sequence number. It has
//	one output Data that other layers can connect to. EventLayerAdded is
//	emitted before returning.
//
// Outputs:
//
//	Layer - Handle to the new layer.
func (g *Graph) AddLayer(task LayerTask) Layer {
	g.nextLayerNumber++
	kind := "layer"
	if task != nil {
		kind = task.Type().String()
	}

	rec := &layerRecord{
		name:   fmt.Sprintf("%s-%d", kind, g.nextLayerNumber),
		task:   task,
		inputs: make(map[string][]handle),
	}
	h := g.layers.insert(rec)
	rec.output = g.data.insert(&dataRecord{producer: h})
	g.layerOrder = append(g.layerOrder, h)

	l := Layer{g: g, h: h}
	g.logger.Debug("layer added", slog.String("layer", rec.name))
	g.emit(Event{Kind: EventLayerAdded, Layer: l, LayerName: rec.name})
	return l
}

// RemoveLayer disconnects the layer's inputs and every connection fed by
// its output, then removes it.
//
// Description:
//
//	EventLayerAboutToBeRemoved is emitted while the layer is still
//	queryable. Each connection removal emits its own two-phase events.
//	If the layer was the default reconstruction tree layer the default is
//	cleared. EventLayerRemoved is emitted last.
//
// Outputs:
//
//	error - ErrPreconditionViolation if l is stale.
func (g *Graph) RemoveLayer(l Layer) error {
	if _, err := g.resolveLayer(l); err != nil {
		return err
	}
	g.emit(Event{Kind: EventLayerAboutToBeRemoved, Layer: l, LayerName: l.Name()})

	// Listeners may have removed the layer already.
	rec, ok := g.layers.get(l.h)
	if !ok {
		return nil
	}
	for _, c := range g.inputConnections(rec) {
		if err := g.disconnect(InputConnection{g: g, h: c}); err != nil {
			return err
		}
	}
	if out, ok := g.data.get(rec.output); ok {
		for _, c := range slices.Clone(out.consumers) {
			if err := g.disconnect(InputConnection{g: g, h: c}); err != nil {
				return err
			}
		}
	}
	if g.hasDefaultTree && g.defaultTree == l.h {
		g.setDefaultTree(Layer{})
	}

	name := rec.name
	g.data.remove(rec.output)
	g.layers.remove(l.h)
	g.layerOrder = slices.DeleteFunc(g.layerOrder, func(h handle) bool { return h == l.h })

	g.logger.Debug("layer removed", slog.String("layer", name))
	g.emit(Event{Kind: EventLayerRemoved, Layer: l, LayerName: name})
	return nil
}

// Layers returns the live layers in creation order.
func (g *Graph) Layers() []Layer {
	out := make([]Layer, len(g.layerOrder))
	for i, h := range g.layerOrder {
		out[i] = Layer{g: g, h: h}
	}
	return out
}

// AddInputFile registers f as an active input file.
func (g *Graph) AddInputFile(f *model.File) InputFile {
	h := g.data.insert(&dataRecord{isFile: true, file: f, active: true})
	g.fileOrder = append(g.fileOrder, h)

	in := InputFile{g: g, h: h}
	g.emit(Event{Kind: EventInputFileAdded, InputFile: in, Active: true})
	return in
}

// RemoveInputFile disconnects every connection reading the file, then
// removes it.
func (g *Graph) RemoveInputFile(in InputFile) error {
	if _, err := g.resolveFile(in); err != nil {
		return err
	}
	g.emit(Event{Kind: EventInputFileAboutToBeRemoved, InputFile: in})

	rec, ok := g.data.get(in.h)
	if !ok {
		return nil
	}
	for _, c := range slices.Clone(rec.consumers) {
		if err := g.disconnect(InputConnection{g: g, h: c}); err != nil {
			return err
		}
	}
	g.data.remove(in.h)
	g.fileOrder = slices.DeleteFunc(g.fileOrder, func(h handle) bool { return h == in.h })

	g.emit(Event{Kind: EventInputFileRemoved, InputFile: in})
	return nil
}

// InputFiles returns the live input files in the order they were added.
func (g *Graph) InputFiles() []InputFile {
	out := make([]InputFile, len(g.fileOrder))
	for i, h := range g.fileOrder {
		out[i] = InputFile{g: g, h: h}
	}
	return out
}

// FindInputFile returns the input file wrapping f.
func (g *Graph) FindInputFile(f *model.File) (InputFile, bool) {
	for _, h := range g.fileOrder {
		if rec, ok := g.data.get(h); ok && rec.file == f {
			return InputFile{g: g, h: h}, true
		}
	}
	return InputFile{}, false
}

// DefaultReconstructionTreeLayer returns the layer whose trees are passed
// to every Process call as the default.
func (g *Graph) DefaultReconstructionTreeLayer() (Layer, bool) {
	if !g.hasDefaultTree {
		return Layer{}, false
	}
	return Layer{g: g, h: g.defaultTree}, true
}

// SetDefaultReconstructionTreeLayer selects the default reconstruction
// tree layer. The zero Layer clears it.
//
// Outputs:
//
//	error - ErrPreconditionViolation if l is stale, ErrIncompatibleInput if
//	        l is not a reconstruction layer.
func (g *Graph) SetDefaultReconstructionTreeLayer(l Layer) error {
	if l == (Layer{}) {
		g.setDefaultTree(l)
		return nil
	}
	rec, err := g.resolveLayer(l)
	if err != nil {
		return err
	}
	if rec.task == nil || rec.task.Type() != TaskReconstruction {
		return fmt.Errorf("default reconstruction tree layer %q: %w", rec.name, ErrIncompatibleInput)
	}
	g.setDefaultTree(l)
	return nil
}

func (g *Graph) setDefaultTree(l Layer) {
	previous, had := g.DefaultReconstructionTreeLayer()
	has := l != (Layer{})
	if had == has && (!has || previous.h == l.h) {
		return
	}
	g.defaultTree, g.hasDefaultTree = l.h, has
	g.emit(Event{Kind: EventDefaultReconstructionTreeLayerChanged, Layer: l, LayerName: l.Name(), Previous: previous})
}

// =============================================================================
// Connections
// =============================================================================

// connect records a connection from source into channel of target. All
// checks have already passed.
func (g *Graph) connect(target handle, source handle, channel string) InputConnection {
	h := g.conns.insert(&connRecord{channel: channel, source: source, target: target})

	rec, _ := g.layers.get(target)
	if _, ok := rec.inputs[channel]; !ok {
		rec.channels = append(rec.channels, channel)
	}
	rec.inputs[channel] = append(rec.inputs[channel], h)

	data, _ := g.data.get(source)
	data.consumers = append(data.consumers, h)

	c := InputConnection{g: g, h: h}
	recordConnection("added")
	g.emit(Event{Kind: EventLayerAddedInputConnection, Layer: Layer{g: g, h: target}, LayerName: rec.name,
		Connection: c, Channel: channel})
	return c
}

// disconnect removes c with two-phase events.
func (g *Graph) disconnect(c InputConnection) error {
	rec, ok := g.conns.get(c.h)
	if !ok {
		return fmt.Errorf("disconnect: %w", ErrPreconditionViolation)
	}
	target := Layer{g: g, h: rec.target}
	channel := rec.channel
	g.emit(Event{Kind: EventLayerAboutToRemoveInputConnection, Layer: target, LayerName: target.Name(),
		Connection: c, Channel: channel})

	rec, ok = g.conns.get(c.h)
	if !ok {
		return nil
	}
	if lrec, ok := g.layers.get(rec.target); ok {
		remaining := slices.DeleteFunc(lrec.inputs[channel], func(h handle) bool { return h == c.h })
		if len(remaining) == 0 {
			delete(lrec.inputs, channel)
			lrec.channels = slices.DeleteFunc(lrec.channels, func(name string) bool { return name == channel })
		} else {
			lrec.inputs[channel] = remaining
		}
	}
	if data, ok := g.data.get(rec.source); ok {
		data.consumers = slices.DeleteFunc(data.consumers, func(h handle) bool { return h == c.h })
	}
	g.conns.remove(c.h)

	recordConnection("removed")
	g.emit(Event{Kind: EventLayerRemovedInputConnection, Layer: target, LayerName: target.Name(), Channel: channel})
	return nil
}

// checkChannel validates a connection into channel of rec against its
// task's channel definitions. upstream is nil for input files. Layers
// without a task accept anything.
func (g *Graph) checkChannel(rec *layerRecord, channel string, upstream *layerRecord) error {
	if rec.task == nil {
		return nil
	}

	idx := slices.IndexFunc(rec.task.InputChannelDefinitions(), func(def LayerInputChannelType) bool {
		return def.Name == channel
	})
	if idx < 0 {
		return &ChannelError{Layer: rec.name, Channel: channel, Err: ErrUnknownInputChannel}
	}
	def := rec.task.InputChannelDefinitions()[idx]

	switch {
	case upstream == nil && !def.AcceptsFiles():
		return &ChannelError{Layer: rec.name, Channel: channel, Err: ErrIncompatibleInput}
	case upstream != nil && (upstream.task == nil || !def.AcceptsLayer(upstream.task.Type())):
		return &ChannelError{Layer: rec.name, Channel: channel, Err: ErrIncompatibleInput}
	}

	if def.Arity == OneDataInChannel && len(rec.inputs[channel]) > 0 {
		return &ChannelError{Layer: rec.name, Channel: channel, Err: ErrChannelArityExceeded}
	}
	return nil
}

// checkTask reports the first existing connection that task would not
// accept: an input on rec's channels that fails task's schema, or a
// consumer of rec's output whose task does not take task's type.
func (g *Graph) checkTask(rec *layerRecord, task LayerTask) error {
	if task == nil {
		return nil
	}
	defs := task.InputChannelDefinitions()
	for _, channel := range rec.channels {
		conns := rec.inputs[channel]
		if len(conns) == 0 {
			continue
		}
		idx := slices.IndexFunc(defs, func(def LayerInputChannelType) bool {
			return def.Name == channel
		})
		if idx < 0 {
			return &ChannelError{Layer: rec.name, Channel: channel, Err: ErrUnknownInputChannel}
		}
		def := defs[idx]
		if def.Arity == OneDataInChannel && len(conns) > 1 {
			return &ChannelError{Layer: rec.name, Channel: channel, Err: ErrChannelArityExceeded}
		}
		for _, c := range conns {
			conn, _ := g.conns.get(c)
			data, ok := g.data.get(conn.source)
			if !ok {
				continue
			}
			if data.isFile {
				if !def.AcceptsFiles() {
					return &ChannelError{Layer: rec.name, Channel: channel, Err: ErrIncompatibleInput}
				}
				continue
			}
			upstream, ok := g.layers.get(data.producer)
			if !ok || upstream.task == nil || !def.AcceptsLayer(upstream.task.Type()) {
				return &ChannelError{Layer: rec.name, Channel: channel, Err: ErrIncompatibleInput}
			}
		}
	}

	out, ok := g.data.get(rec.output)
	if !ok {
		return nil
	}
	for _, c := range out.consumers {
		conn, ok := g.conns.get(c)
		if !ok {
			continue
		}
		consumer, ok := g.layers.get(conn.target)
		if !ok || consumer.task == nil {
			continue
		}
		idx := slices.IndexFunc(consumer.task.InputChannelDefinitions(), func(def LayerInputChannelType) bool {
			return def.Name == conn.channel
		})
		if idx >= 0 && !consumer.task.InputChannelDefinitions()[idx].AcceptsLayer(task.Type()) {
			return &ChannelError{Layer: consumer.name, Channel: conn.channel, Err: ErrIncompatibleInput}
		}
	}
	return nil
}

// detectCycle reports whether feeding the output of source into target
// would close a cycle. It searches upstream from source through existing
// layer output connections for target, so a self-connection is a cycle.
// The returned path runs from target downstream to source and back to
// target.
func (g *Graph) detectCycle(target, source handle) ([]string, bool) {
	visited := make(map[handle]bool)
	var path []handle

	var dfs func(h handle) bool
	dfs = func(h handle) bool {
		path = append(path, h)
		if h == target {
			return true
		}
		if !visited[h] {
			visited[h] = true
			for _, upstream := range g.upstreamLayers(h) {
				if dfs(upstream) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		return false
	}

	if !dfs(source) {
		return nil, false
	}

	names := make([]string, 0, len(path)+1)
	for i := len(path) - 1; i >= 0; i-- {
		names = append(names, g.layerName(path[i]))
	}
	names = append(names, g.layerName(target))
	return names, true
}

// upstreamLayers returns the layers whose outputs feed h, in connection
// order, with repeats.
func (g *Graph) upstreamLayers(h handle) []handle {
	rec, ok := g.layers.get(h)
	if !ok {
		return nil
	}
	var out []handle
	for _, c := range g.inputConnections(rec) {
		conn, _ := g.conns.get(c)
		if data, ok := g.data.get(conn.source); ok && !data.isFile {
			out = append(out, data.producer)
		}
	}
	return out
}

// inputConnections lists rec's connections, channel by channel.
func (g *Graph) inputConnections(rec *layerRecord) []handle {
	var out []handle
	for _, channel := range rec.channels {
		out = append(out, rec.inputs[channel]...)
	}
	return out
}

func (g *Graph) layerName(h handle) string {
	if rec, ok := g.layers.get(h); ok {
		return rec.name
	}
	return "<removed>"
}

func (g *Graph) resolveLayer(l Layer) (*layerRecord, error) {
	if l.g != g {
		return nil, fmt.Errorf("layer from another graph: %w", ErrPreconditionViolation)
	}
	rec, ok := g.layers.get(l.h)
	if !ok {
		return nil, fmt.Errorf("layer: %w", ErrPreconditionViolation)
	}
	return rec, nil
}

func (g *Graph) resolveFile(in InputFile) (*dataRecord, error) {
	if in.g != g {
		return nil, fmt.Errorf("input file from another graph: %w", ErrPreconditionViolation)
	}
	rec, ok := g.data.get(in.h)
	if !ok {
		return nil, fmt.Errorf("input file: %w", ErrPreconditionViolation)
	}
	if !rec.isFile {
		return nil, fmt.Errorf("input file handle resolves to layer output: %w", ErrAssertionFailure)
	}
	return rec, nil
}
