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
	"fmt"
	"log/slog"

	"github.com/AleutianAI/platerecon/services/recon/model"
	"github.com/AleutianAI/platerecon/services/recon/proxy"
)

// =============================================================================
// Layer
// =============================================================================

// Layer is a handle to a layer record. The zero Layer is never valid.
// Handles compare equal when they address the same live layer.
type Layer struct {
	g *Graph
	h handle
}

// IsValid reports whether the layer still exists.
func (l Layer) IsValid() bool {
	if l.g == nil {
		return false
	}
	_, ok := l.g.layers.get(l.h)
	return ok
}

// Name returns the layer name, or "" for a stale handle.
func (l Layer) Name() string {
	if l.g == nil {
		return ""
	}
	if rec, ok := l.g.layers.get(l.h); ok {
		return rec.name
	}
	return ""
}

// String implements fmt.Stringer.
func (l Layer) String() string {
	if name := l.Name(); name != "" {
		return name
	}
	return "<invalid layer>"
}

func (l Layer) resolve() (*layerRecord, error) {
	if l.g == nil {
		return nil, fmt.Errorf("zero layer: %w", ErrPreconditionViolation)
	}
	return l.g.resolveLayer(l)
}

// SetName renames the layer.
func (l Layer) SetName(name string) error {
	rec, err := l.resolve()
	if err != nil {
		return err
	}
	rec.name = name
	return nil
}

// IsActive reports whether the layer takes part in reconstructions.
func (l Layer) IsActive() (bool, error) {
	rec, err := l.resolve()
	if err != nil {
		return false, err
	}
	return rec.active, nil
}

// Activate sets the active flag. EventLayerActivationChanged is emitted
// only when the flag flips.
func (l Layer) Activate(active bool) error {
	rec, err := l.resolve()
	if err != nil {
		return err
	}
	if rec.active == active {
		return nil
	}
	rec.active = active
	l.g.logger.Debug("layer activation changed",
		slog.String("layer", rec.name),
		slog.Bool("active", active),
	)
	l.g.emit(Event{Kind: EventLayerActivationChanged, Layer: l, LayerName: rec.name, Active: active})
	return nil
}

// LayerTask returns the bound task.
//
// Outputs:
//
//	error - ErrNoLayerTask for an uninitialised layer.
func (l Layer) LayerTask() (LayerTask, error) {
	rec, err := l.resolve()
	if err != nil {
		return nil, err
	}
	if rec.task == nil {
		return nil, fmt.Errorf("layer %q: %w", rec.name, ErrNoLayerTask)
	}
	return rec.task, nil
}

// SetLayerTask binds task to the layer, replacing any previous task.
//
// Description:
//
//	Existing connections are kept, so each one must fit task: inputs are
//	checked against its channel schema and consumers of the layer's
//	output must accept its type. On a mismatch the previous task stays
//	bound and nothing is emitted.
//
// Outputs:
//
//	error - ErrPreconditionViolation or *ChannelError.
func (l Layer) SetLayerTask(task LayerTask) error {
	rec, err := l.resolve()
	if err != nil {
		return err
	}
	if err := l.g.checkTask(rec, task); err != nil {
		recordRejection(err)
		return err
	}
	rec.task = task
	l.g.emit(Event{Kind: EventLayerTaskChanged, Layer: l, LayerName: rec.name})
	return nil
}

// Type returns the task type.
func (l Layer) Type() (LayerTaskType, error) {
	task, err := l.LayerTask()
	if err != nil {
		return 0, err
	}
	return task.Type(), nil
}

// InputChannelDefinitions returns the task's channel schema.
func (l Layer) InputChannelDefinitions() ([]LayerInputChannelType, error) {
	task, err := l.LayerTask()
	if err != nil {
		return nil, err
	}
	return task.InputChannelDefinitions(), nil
}

// MainInputFeatureCollectionChannel returns the task's primary file
// channel.
func (l Layer) MainInputFeatureCollectionChannel() (string, error) {
	task, err := l.LayerTask()
	if err != nil {
		return "", err
	}
	return task.MainInputFeatureCollectionChannel(), nil
}

// OutputDefinition returns what the task produces.
func (l Layer) OutputDefinition() (OutputKind, error) {
	task, err := l.LayerTask()
	if err != nil {
		return 0, err
	}
	return task.OutputDefinition(), nil
}

// LayerProxy returns the task's output proxy.
func (l Layer) LayerProxy() (proxy.LayerProxy, error) {
	task, err := l.LayerTask()
	if err != nil {
		return nil, err
	}
	return task.LayerProxy(), nil
}

// ConnectInputToFile connects in to channel.
//
// Outputs:
//
//	InputConnection - The new connection.
//	error - ErrPreconditionViolation for stale handles, or a *ChannelError
//	        when the task's schema rejects the connection.
func (l Layer) ConnectInputToFile(in InputFile, channel string) (InputConnection, error) {
	rec, err := l.resolve()
	if err != nil {
		return InputConnection{}, err
	}
	if _, err := l.g.resolveFile(in); err != nil {
		return InputConnection{}, err
	}
	if err := l.g.checkChannel(rec, channel, nil); err != nil {
		recordRejection(err)
		return InputConnection{}, err
	}
	return l.g.connect(l.h, in.h, channel), nil
}

// ConnectInputToLayerOutput connects the output of src to channel.
//
// Description:
//
//	Cycle detection runs before anything is recorded. On a cycle the
//	graph is unchanged and the error is a *CycleError matching
//	ErrCycleDetected.
//
// Outputs:
//
//	InputConnection - The new connection.
//	error - ErrPreconditionViolation, *ChannelError or *CycleError.
func (l Layer) ConnectInputToLayerOutput(src Layer, channel string) (InputConnection, error) {
	rec, err := l.resolve()
	if err != nil {
		return InputConnection{}, err
	}
	srcRec, err := l.g.resolveLayer(src)
	if err != nil {
		return InputConnection{}, err
	}
	if err := l.g.checkChannel(rec, channel, srcRec); err != nil {
		recordRejection(err)
		return InputConnection{}, err
	}
	if path, cyclic := l.g.detectCycle(l.h, src.h); cyclic {
		err := NewCycleError(path)
		recordRejection(err)
		l.g.logger.Debug("connection rejected", slog.String("error", err.Error()))
		return InputConnection{}, err
	}
	return l.g.connect(l.h, srcRec.output, channel), nil
}

// DisconnectInputFromFile removes the first connection on channel that
// reads in. Other connections on the channel are untouched.
func (l Layer) DisconnectInputFromFile(in InputFile, channel string) error {
	inputs, err := l.ChannelInputs(channel)
	if err != nil {
		return err
	}
	for _, c := range inputs {
		if f, ok, _ := c.InputFile(); ok && f == in {
			return c.Disconnect()
		}
	}
	return nil
}

// DisconnectInputFromLayerOutput removes the first connection on channel
// that reads the output of src.
func (l Layer) DisconnectInputFromLayerOutput(src Layer, channel string) error {
	inputs, err := l.ChannelInputs(channel)
	if err != nil {
		return err
	}
	for _, c := range inputs {
		if upstream, ok, _ := c.InputLayer(); ok && upstream == src {
			return c.Disconnect()
		}
	}
	return nil
}

// DisconnectChannelInputs removes every connection on channel.
func (l Layer) DisconnectChannelInputs(channel string) error {
	inputs, err := l.ChannelInputs(channel)
	if err != nil {
		return err
	}
	for _, c := range inputs {
		if err := c.Disconnect(); err != nil {
			return err
		}
	}
	return nil
}

// ChannelInputs returns the connections on channel in connection order.
func (l Layer) ChannelInputs(channel string) ([]InputConnection, error) {
	rec, err := l.resolve()
	if err != nil {
		return nil, err
	}
	hs := rec.inputs[channel]
	out := make([]InputConnection, len(hs))
	for i, h := range hs {
		out[i] = InputConnection{g: l.g, h: h}
	}
	return out, nil
}

// AllInputs returns every input connection, channel by channel.
func (l Layer) AllInputs() ([]InputConnection, error) {
	rec, err := l.resolve()
	if err != nil {
		return nil, err
	}
	hs := l.g.inputConnections(rec)
	out := make([]InputConnection, len(hs))
	for i, h := range hs {
		out[i] = InputConnection{g: l.g, h: h}
	}
	return out, nil
}

// OutputConnections returns the connections reading this layer's output.
func (l Layer) OutputConnections() ([]InputConnection, error) {
	rec, err := l.resolve()
	if err != nil {
		return nil, err
	}
	data, ok := l.g.data.get(rec.output)
	if !ok {
		return nil, fmt.Errorf("layer %q output data missing: %w", rec.name, ErrAssertionFailure)
	}
	out := make([]InputConnection, len(data.consumers))
	for i, h := range data.consumers {
		out[i] = InputConnection{g: l.g, h: h}
	}
	return out, nil
}

// =============================================================================
// InputConnection
// =============================================================================

// InputConnection is a handle to a connection record. It becomes invalid
// as soon as the connection is removed.
type InputConnection struct {
	g *Graph
	h handle
}

// IsValid reports whether the connection still exists.
func (c InputConnection) IsValid() bool {
	if c.g == nil {
		return false
	}
	_, ok := c.g.conns.get(c.h)
	return ok
}

func (c InputConnection) resolve() (*connRecord, error) {
	if c.g == nil {
		return nil, fmt.Errorf("zero input connection: %w", ErrPreconditionViolation)
	}
	rec, ok := c.g.conns.get(c.h)
	if !ok {
		return nil, fmt.Errorf("input connection: %w", ErrPreconditionViolation)
	}
	return rec, nil
}

// ChannelName returns the channel the connection feeds.
func (c InputConnection) ChannelName() (string, error) {
	rec, err := c.resolve()
	if err != nil {
		return "", err
	}
	return rec.channel, nil
}

// Layer returns the layer receiving the input.
func (c InputConnection) Layer() (Layer, error) {
	rec, err := c.resolve()
	if err != nil {
		return Layer{}, err
	}
	return Layer{g: c.g, h: rec.target}, nil
}

// InputFile returns the file the connection reads, if it reads one.
func (c InputConnection) InputFile() (InputFile, bool, error) {
	rec, err := c.resolve()
	if err != nil {
		return InputFile{}, false, err
	}
	data, ok := c.g.data.get(rec.source)
	if !ok {
		return InputFile{}, false, fmt.Errorf("connection source missing: %w", ErrAssertionFailure)
	}
	if !data.isFile {
		return InputFile{}, false, nil
	}
	return InputFile{g: c.g, h: rec.source}, true, nil
}

// InputLayer returns the layer whose output the connection reads, if it
// reads one.
func (c InputConnection) InputLayer() (Layer, bool, error) {
	rec, err := c.resolve()
	if err != nil {
		return Layer{}, false, err
	}
	data, ok := c.g.data.get(rec.source)
	if !ok {
		return Layer{}, false, fmt.Errorf("connection source missing: %w", ErrAssertionFailure)
	}
	if data.isFile {
		return Layer{}, false, nil
	}
	return Layer{g: c.g, h: data.producer}, true, nil
}

// Disconnect removes the connection. The handle is invalid afterwards.
func (c InputConnection) Disconnect() error {
	if _, err := c.resolve(); err != nil {
		return err
	}
	return c.g.disconnect(c)
}

// =============================================================================
// InputFile
// =============================================================================

// InputFile is a handle to an input file registered with the graph.
type InputFile struct {
	g *Graph
	h handle
}

// IsValid reports whether the file is still registered.
func (in InputFile) IsValid() bool {
	if in.g == nil {
		return false
	}
	rec, ok := in.g.data.get(in.h)
	return ok && rec.isFile
}

func (in InputFile) resolve() (*dataRecord, error) {
	if in.g == nil {
		return nil, fmt.Errorf("zero input file: %w", ErrPreconditionViolation)
	}
	return in.g.resolveFile(in)
}

// File returns the wrapped file.
func (in InputFile) File() (*model.File, error) {
	rec, err := in.resolve()
	if err != nil {
		return nil, err
	}
	return rec.file, nil
}

// IsActive reports whether layers currently see the file.
func (in InputFile) IsActive() (bool, error) {
	rec, err := in.resolve()
	if err != nil {
		return false, err
	}
	return rec.active, nil
}

// Activate sets whether layers see the file. Inactive files stay
// connected but are left out of Process inputs.
func (in InputFile) Activate(active bool) error {
	rec, err := in.resolve()
	if err != nil {
		return err
	}
	if rec.active == active {
		return nil
	}
	rec.active = active
	in.g.emit(Event{Kind: EventInputFileActivationChanged, InputFile: in, Active: active})
	return nil
}

// Connections returns the connections reading the file.
func (in InputFile) Connections() ([]InputConnection, error) {
	rec, err := in.resolve()
	if err != nil {
		return nil, err
	}
	out := make([]InputConnection, len(rec.consumers))
	for i, h := range rec.consumers {
		out[i] = InputConnection{g: in.g, h: h}
	}
	return out, nil
}
