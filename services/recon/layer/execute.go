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
	"fmt"
	"math"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/platerecon/services/recon/model"
	"github.com/AleutianAI/platerecon/services/recon/proxy"
)

// LayerOutput pairs a layer with the proxy its task produced.
type LayerOutput struct {
	Layer Layer
	Proxy proxy.LayerProxy
}

// Reconstruction is the result of one ExecuteLayerTasks run: the outputs
// of the active layers that produced one, in execution order.
type Reconstruction struct {
	time        float64
	anchor      model.PlateID
	outputs     []LayerOutput
	defaultTree *proxy.ReconstructionLayerProxy
}

// Time returns the reconstruction time.
func (r *Reconstruction) Time() float64 {
	return r.time
}

// AnchorPlateID returns the anchor plate.
func (r *Reconstruction) AnchorPlateID() model.PlateID {
	return r.anchor
}

// Outputs returns the layer outputs in execution order.
func (r *Reconstruction) Outputs() []LayerOutput {
	return r.outputs
}

// LayerProxies returns the output proxies in execution order.
func (r *Reconstruction) LayerProxies() []proxy.LayerProxy {
	out := make([]proxy.LayerProxy, len(r.outputs))
	for i, o := range r.outputs {
		out[i] = o.Proxy
	}
	return out
}

// Output returns the proxy produced by l.
func (r *Reconstruction) Output(l Layer) (proxy.LayerProxy, bool) {
	for _, o := range r.outputs {
		if o.Layer == l {
			return o.Proxy, true
		}
	}
	return nil, false
}

// DefaultReconstructionLayerProxy returns the default tree provider used
// for this run.
func (r *Reconstruction) DefaultReconstructionLayerProxy() (*proxy.ReconstructionLayerProxy, bool) {
	return r.defaultTree, r.defaultTree != nil
}

// OutputsOf returns the outputs of concrete proxy type T.
func OutputsOf[T proxy.LayerProxy](r *Reconstruction) []T {
	return proxy.Filter[T](r.LayerProxies())
}

// ExecuteLayerTasks runs Process on every active layer in dependency order.
//
// Description:
//
//	The default reconstruction tree layer runs first so its proxy can be
//	passed to every other task. Each layer sees the active input files on
//	its channels and the outputs of upstream layers that produced one in
//	this run. Inactive layers and layers without a task are skipped, so
//	their consumers see those channels as empty.
//
// Inputs:
//
//	ctx - Carries tracing. Must not be nil. A done context fails the run
//	  before any task is processed.
//	t - Reconstruction time in Ma. Must be finite.
//	anchor - Anchor plate for reconstruction trees.
//
// Outputs:
//
//	*Reconstruction - The outputs produced.
//	error - ErrNilContext, the context error, ErrInvalidTime, or
//	  ErrAssertionFailure if the graph holds a cycle.
func (g *Graph) ExecuteLayerTasks(ctx context.Context, t float64, anchor model.PlateID) (*Reconstruction, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return nil, fmt.Errorf("%w: %g", ErrInvalidTime, t)
	}

	ctx, span := tracer.Start(ctx, "ReconstructGraph.ExecuteLayerTasks",
		trace.WithAttributes(
			attribute.String("graph.id", g.id),
			attribute.Float64("recon.time", t),
			attribute.Int64("recon.anchor", int64(anchor)),
			attribute.Int("graph.layers", g.layers.len()),
		),
	)
	defer span.End()
	start := time.Now()

	order, err := g.executionOrder()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	r := &Reconstruction{time: t, anchor: anchor}
	produced := make(map[handle]proxy.LayerProxy)

	if l, ok := g.DefaultReconstructionTreeLayer(); ok {
		if out, ok := g.processLayer(ctx, l, produced, t, anchor, nil); ok {
			produced[l.h] = out
			r.outputs = append(r.outputs, LayerOutput{Layer: l, Proxy: out})
			r.defaultTree, _ = proxy.As[*proxy.ReconstructionLayerProxy](out)
		}
	}

	for _, h := range order {
		if g.hasDefaultTree && h == g.defaultTree {
			continue
		}
		l := Layer{g: g, h: h}
		if out, ok := g.processLayer(ctx, l, produced, t, anchor, r.defaultTree); ok {
			produced[h] = out
			r.outputs = append(r.outputs, LayerOutput{Layer: l, Proxy: out})
		}
	}

	span.SetAttributes(attribute.Int("graph.outputs", len(r.outputs)))
	span.SetStatus(codes.Ok, "")
	g.logger.Debug("layer tasks executed",
		slog.Float64("time", t),
		slog.Uint64("anchor", uint64(anchor)),
		slog.Int("outputs", len(r.outputs)),
		slog.Duration("duration", time.Since(start)),
	)
	return r, nil
}

// processLayer runs one layer's task if the layer is active.
func (g *Graph) processLayer(ctx context.Context, l Layer, produced map[handle]proxy.LayerProxy,
	t float64, anchor model.PlateID, defaultTree *proxy.ReconstructionLayerProxy) (proxy.LayerProxy, bool) {
	rec, ok := g.layers.get(l.h)
	if !ok || !rec.active || rec.task == nil {
		return nil, false
	}

	ctx, span := tracer.Start(ctx, "Layer.Process",
		trace.WithAttributes(
			attribute.String("layer.name", rec.name),
			attribute.String("layer.type", rec.task.Type().String()),
		),
	)
	defer span.End()
	start := time.Now()

	out, ok := rec.task.Process(ctx, l, g.inputData(rec, produced), t, anchor, defaultTree)

	recordProcess(rec.task.Type(), ok, time.Since(start))
	span.SetAttributes(attribute.Bool("layer.output", ok))
	g.logger.Debug("layer processed",
		slog.String("layer", rec.name),
		slog.Bool("output", ok),
	)
	return out, ok
}

// inputData gathers what is connected to rec: active input files and the
// outputs already produced in this run.
func (g *Graph) inputData(rec *layerRecord, produced map[handle]proxy.LayerProxy) InputData {
	in := InputData{
		Files:  make(map[string][]*model.File),
		Layers: make(map[string][]proxy.LayerProxy),
	}
	for _, channel := range rec.channels {
		for _, c := range rec.inputs[channel] {
			conn, ok := g.conns.get(c)
			if !ok {
				continue
			}
			data, ok := g.data.get(conn.source)
			if !ok {
				continue
			}
			if data.isFile {
				if data.active {
					in.Files[channel] = append(in.Files[channel], data.file)
				}
				continue
			}
			if out, ok := produced[data.producer]; ok {
				in.Layers[channel] = append(in.Layers[channel], out)
			}
		}
	}
	return in
}

// executionOrder lists live layers so that every layer follows the layers
// it reads from. Ties keep creation order.
func (g *Graph) executionOrder() ([]handle, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[handle]int, len(g.layerOrder))
	order := make([]handle, 0, len(g.layerOrder))

	var visit func(h handle) error
	visit = func(h handle) error {
		switch state[h] {
		case done:
			return nil
		case visiting:
			return NewCycleError([]string{g.layerName(h)})
		}
		state[h] = visiting
		for _, upstream := range g.upstreamLayers(h) {
			if err := visit(upstream); err != nil {
				return err
			}
		}
		state[h] = done
		order = append(order, h)
		return nil
	}

	for _, h := range g.layerOrder {
		if err := visit(h); err != nil {
			return nil, &assertionError{err: err}
		}
	}
	return order, nil
}

// assertionError reports a broken graph invariant found during execution.
type assertionError struct {
	err error
}

func (e *assertionError) Error() string {
	return "reconstruct graph invariant broken: " + e.err.Error()
}

func (e *assertionError) Is(target error) bool {
	return target == ErrAssertionFailure
}

func (e *assertionError) Unwrap() error {
	return e.err
}
