// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package app holds the application state that drives the layer graph:
// the loaded files, the current reconstruction time and anchor plate, and
// the layers created automatically for each file.
//
// # Thread Safety
//
// The graph and its proxies are single-threaded. State serialises every
// access through one mutex, so the CLI, the HTTP API and the file watcher
// can share a State. Graph access from outside goes through Do.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/platerecon/services/recon/fileio"
	"github.com/AleutianAI/platerecon/services/recon/layer"
	"github.com/AleutianAI/platerecon/services/recon/model"
	"github.com/AleutianAI/platerecon/services/recon/proxy"
	"github.com/AleutianAI/platerecon/services/recon/resolve"
	"github.com/AleutianAI/platerecon/services/recon/rotation"
	"github.com/AleutianAI/platerecon/services/recon/telemetry"
)

const tracerName = "platerecon.app"

var (
	// ErrFileAlreadyLoaded is returned when loading a path twice.
	ErrFileAlreadyLoaded = errors.New("file already loaded")

	// ErrFileNotLoaded is returned for a path that is not loaded.
	ErrFileNotLoaded = errors.New("file not loaded")

	// ErrNotReconstructed is returned before the first Reconstruct.
	ErrNotReconstructed = errors.New("nothing reconstructed yet")

	// ErrNoDefaultTree is returned when the latest reconstruction had no
	// default reconstruction tree layer.
	ErrNoDefaultTree = errors.New("no default reconstruction tree")
)

type loadedFile struct {
	file   *model.File
	input  layer.InputFile
	layers []layer.Layer
}

// State is the application state around one layer graph.
type State struct {
	mu sync.Mutex

	graph    *layer.Graph
	registry *layer.TaskRegistry
	logger   *slog.Logger

	files     map[string]*loadedFile
	fileOrder []string

	time   float64
	anchor model.PlateID

	// treeStack holds reconstruction layers in the order their rotation
	// files were loaded. The top is the graph's default tree layer.
	treeStack []layer.Layer

	coRegistrationTable []resolve.ConfigRow
	last                *layer.Reconstruction

	changeListeners []changeSubscription
	nextChangeID    int
}

// Option configures a State.
type Option func(*stateOptions)

type stateOptions struct {
	logger       *slog.Logger
	proxyOptions []proxy.Option
	registry     *layer.TaskRegistry
	time         float64
	anchor       model.PlateID
	coRegTable   []resolve.ConfigRow
}

// WithLogger sets the logger for the state, its graph and its proxies.
func WithLogger(logger *slog.Logger) Option {
	return func(o *stateOptions) { o.logger = logger }
}

// WithMaxTreesInCache bounds every reconstruction layer's tree cache.
func WithMaxTreesInCache(n int) Option {
	return func(o *stateOptions) { o.proxyOptions = append(o.proxyOptions, proxy.WithMaxTreesInCache(n)) }
}

// WithRegistry replaces the default task registry.
func WithRegistry(r *layer.TaskRegistry) Option {
	return func(o *stateOptions) { o.registry = r }
}

// WithInitialTime sets the reconstruction time before any file is loaded.
func WithInitialTime(t float64, anchor model.PlateID) Option {
	return func(o *stateOptions) { o.time, o.anchor = t, anchor }
}

// WithCoRegistrationTable sets the table given to co-registration layers
// created through AddCoRegistrationLayer.
func WithCoRegistrationTable(rows []resolve.ConfigRow) Option {
	return func(o *stateOptions) { o.coRegTable = slices.Clone(rows) }
}

// New creates an empty State.
func New(opts ...Option) *State {
	var o stateOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.registry == nil {
		o.registry = layer.NewDefaultTaskRegistry(append(o.proxyOptions, proxy.WithLogger(o.logger))...)
	}

	s := &State{
		graph:               layer.NewGraph(layer.WithLogger(o.logger)),
		registry:            o.registry,
		logger:              o.logger,
		files:               make(map[string]*loadedFile),
		time:                o.time,
		anchor:              o.anchor,
		coRegistrationTable: o.coRegTable,
	}
	s.graph.Subscribe(s.onGraphEvent)
	return s
}

// Do runs fn with exclusive access to the graph.
func (s *State) Do(fn func(g *layer.Graph) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.graph)
}

// Inspect runs fn with exclusive access to the graph and the latest
// reconstruction. r is nil before the first Reconstruct. Proxies reached
// through r may be pulled inside fn.
func (s *State) Inspect(fn func(g *layer.Graph, r *layer.Reconstruction) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.graph, s.last)
}

// Registry returns the task registry.
func (s *State) Registry() *layer.TaskRegistry {
	return s.registry
}

// =============================================================================
// Files
// =============================================================================

// LoadFile reads path and adds it to the graph.
//
// Description:
//
//	One layer is created per primary task type that can process the
//	file's collection. Each is connected to the file on its main channel
//	and activated. See LoadFeatureCollection.
//
// Outputs:
//
//	[]layer.Layer - The layers created for the file.
//	error - ErrFileAlreadyLoaded, or a read or parse error.
func (s *State) LoadFile(path string) ([]layer.Layer, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	s.mu.Lock()
	_, loaded := s.files[abs]
	s.mu.Unlock()
	if loaded {
		return nil, fmt.Errorf("%s: %w", abs, ErrFileAlreadyLoaded)
	}

	f, err := fileio.LoadFile(abs)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addFile(f)
}

// LoadFeatureCollection adds an in-memory collection under path. It
// creates layers the way LoadFile does.
func (s *State) LoadFeatureCollection(path string, fc *model.FeatureCollection) ([]layer.Layer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addFile(model.NewFile(path, fc))
}

func (s *State) addFile(f *model.File) ([]layer.Layer, error) {
	if _, exists := s.files[f.Path()]; exists {
		return nil, fmt.Errorf("%s: %w", f.Path(), ErrFileAlreadyLoaded)
	}

	lf := &loadedFile{file: f, input: s.graph.AddInputFile(f)}
	s.files[f.Path()] = lf
	s.fileOrder = append(s.fileOrder, f.Path())

	for _, typ := range s.registry.PrimaryTypesFor(f.FeatureCollection()) {
		l, err := s.createLayer(typ, lf.input)
		if err != nil {
			return lf.layers, err
		}
		lf.layers = append(lf.layers, l)
	}

	s.logger.Info("file loaded",
		slog.String("path", f.Path()),
		slog.Int("features", len(f.FeatureCollection().Features)),
		slog.Int("layers", len(lf.layers)),
	)
	return lf.layers, nil
}

// createLayer adds an active layer of type typ reading in on its main
// channel and wires it to the layers it works with.
func (s *State) createLayer(typ layer.LayerTaskType, in layer.InputFile) (layer.Layer, error) {
	task, err := s.registry.CreateTask(typ)
	if err != nil {
		return layer.Layer{}, err
	}
	l := s.graph.AddLayer(task)

	if main := task.MainInputFeatureCollectionChannel(); main != "" {
		if _, err := l.ConnectInputToFile(in, main); err != nil {
			return l, fmt.Errorf("connect %s to %s: %w", l, main, err)
		}
	}
	if err := s.connectSections(l, typ); err != nil {
		return l, err
	}
	if typ == layer.TaskReconstruction {
		s.treeStack = append(s.treeStack, l)
		if err := s.graph.SetDefaultReconstructionTreeLayer(l); err != nil {
			return l, err
		}
	}
	if err := l.Activate(true); err != nil {
		return l, err
	}
	return l, nil
}

// connectSections feeds every reconstruct layer into every topology layer
// as a topological section source.
func (s *State) connectSections(l layer.Layer, typ layer.LayerTaskType) error {
	switch typ {
	case layer.TaskReconstruct:
		for _, other := range s.graph.Layers() {
			if isTopology(other) {
				if _, err := other.ConnectInputToLayerOutput(l, layer.ChannelTopologicalSections); err != nil {
					return fmt.Errorf("connect sections %s -> %s: %w", l, other, err)
				}
			}
		}
	case layer.TaskTopologyBoundaryResolver, layer.TaskTopologyNetworkResolver:
		for _, other := range s.graph.Layers() {
			if t, err := other.Type(); err == nil && t == layer.TaskReconstruct {
				if _, err := l.ConnectInputToLayerOutput(other, layer.ChannelTopologicalSections); err != nil {
					return fmt.Errorf("connect sections %s -> %s: %w", other, l, err)
				}
			}
		}
	}
	return nil
}

func isTopology(l layer.Layer) bool {
	t, err := l.Type()
	return err == nil && (t == layer.TaskTopologyBoundaryResolver || t == layer.TaskTopologyNetworkResolver)
}

// ReloadFile re-reads a loaded file from disk. The file keeps its graph
// connections; the next Reconstruct sees a new collection.
func (s *State) ReloadFile(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	fc, err := fileio.ReadFile(abs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	lf, ok := s.files[abs]
	if !ok {
		return fmt.Errorf("%s: %w", abs, ErrFileNotLoaded)
	}
	lf.file.Replace(fc)
	s.logger.Info("file reloaded", slog.String("path", abs), slog.Uint64("revision", lf.file.Revision()))
	return nil
}

// UnloadFile removes a file from the graph, then removes the layers it
// created that have nothing left on their main channel.
func (s *State) UnloadFile(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lf, ok := s.lookup(path)
	if !ok {
		return fmt.Errorf("%s: %w", path, ErrFileNotLoaded)
	}
	if err := s.graph.RemoveInputFile(lf.input); err != nil {
		return err
	}
	for _, l := range lf.layers {
		if !l.IsValid() {
			continue
		}
		main, err := l.MainInputFeatureCollectionChannel()
		if err != nil || main == "" {
			continue
		}
		inputs, err := l.ChannelInputs(main)
		if err != nil || len(inputs) > 0 {
			continue
		}
		if err := s.graph.RemoveLayer(l); err != nil {
			return err
		}
	}
	delete(s.files, lf.file.Path())
	s.fileOrder = slices.DeleteFunc(s.fileOrder, func(p string) bool { return p == lf.file.Path() })
	s.logger.Info("file unloaded", slog.String("path", lf.file.Path()))
	return nil
}

func (s *State) lookup(path string) (*loadedFile, bool) {
	if lf, ok := s.files[path]; ok {
		return lf, true
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, false
	}
	lf, ok := s.files[abs]
	return lf, ok
}

// LoadedFiles returns the loaded paths in load order.
func (s *State) LoadedFiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.fileOrder)
}

// FileLayers returns the layers created for a loaded file.
func (s *State) FileLayers(path string) ([]layer.Layer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lf, ok := s.lookup(path)
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrFileNotLoaded)
	}
	return slices.DeleteFunc(slices.Clone(lf.layers), func(l layer.Layer) bool { return !l.IsValid() }), nil
}

// HandleFileChanges reloads written files and reconstructs once. Removed
// files stay loaded with their last contents.
func (s *State) HandleFileChanges(ctx context.Context, changes []fileio.FileChange) error {
	var errs []error
	reloaded := 0
	for _, c := range changes {
		switch c.Op {
		case fileio.FileOpWrite, fileio.FileOpCreate:
			if err := s.ReloadFile(c.Path); err != nil {
				errs = append(errs, err)
				continue
			}
			reloaded++
		default:
			s.logger.Warn("loaded file disappeared", slog.String("path", c.Path), slog.String("op", c.Op.String()))
		}
	}
	if reloaded > 0 {
		if _, err := s.Reconstruct(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// Default reconstruction tree
// =============================================================================

// onGraphEvent keeps the tree stack in step with the graph. It runs inside
// graph calls, so the state lock is already held.
func (s *State) onGraphEvent(e layer.Event) {
	if e.Kind != layer.EventLayerRemoved {
		return
	}
	i := slices.Index(s.treeStack, e.Layer)
	if i < 0 {
		return
	}
	wasTop := i == len(s.treeStack)-1
	s.treeStack = slices.Delete(s.treeStack, i, i+1)
	if !wasTop {
		return
	}
	next := layer.Layer{}
	if n := len(s.treeStack); n > 0 {
		next = s.treeStack[n-1]
	}
	if err := s.graph.SetDefaultReconstructionTreeLayer(next); err != nil {
		s.logger.Warn("restore default reconstruction tree layer", slog.String("error", err.Error()))
	}
}

// DefaultReconstructionTreeLayer returns the current default tree layer.
func (s *State) DefaultReconstructionTreeLayer() (layer.Layer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.DefaultReconstructionTreeLayer()
}

// SetDefaultReconstructionTreeLayer moves l to the top of the stack and
// makes it the default.
func (s *State) SetDefaultReconstructionTreeLayer(l layer.Layer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.graph.SetDefaultReconstructionTreeLayer(l); err != nil {
		return err
	}
	s.treeStack = slices.DeleteFunc(s.treeStack, func(x layer.Layer) bool { return x == l })
	s.treeStack = append(s.treeStack, l)
	return nil
}

// =============================================================================
// Co-registration
// =============================================================================

// AddCoRegistrationLayer creates an active co-registration layer reading
// seeds and targets from reconstruct layers.
func (s *State) AddCoRegistrationLayer(seeds, targets []layer.Layer, rows []resolve.ConfigRow) (layer.Layer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.registry.CreateTask(layer.TaskCoRegistration)
	if err != nil {
		return layer.Layer{}, err
	}
	coreg, ok := task.(*layer.CoRegistrationLayerTask)
	if !ok {
		return layer.Layer{}, fmt.Errorf("co-registration task is %T: %w", task, layer.ErrIncompatibleInput)
	}
	if rows == nil {
		rows = s.coRegistrationTable
	}
	coreg.SetConfigurationTable(rows)

	l := s.graph.AddLayer(coreg)
	connect := func(srcs []layer.Layer, channel string) error {
		for _, src := range srcs {
			if _, err := l.ConnectInputToLayerOutput(src, channel); err != nil {
				return err
			}
		}
		return nil
	}
	if err := connect(seeds, layer.ChannelCoRegistrationSeeds); err != nil {
		return l, errors.Join(err, s.graph.RemoveLayer(l))
	}
	if err := connect(targets, layer.ChannelCoRegistrationTargets); err != nil {
		return l, errors.Join(err, s.graph.RemoveLayer(l))
	}
	return l, l.Activate(true)
}

// =============================================================================
// Time and reconstruction
// =============================================================================

// ReconstructionTime returns the current time in Ma.
func (s *State) ReconstructionTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.time
}

// AnchoredPlateID returns the current anchor plate.
func (s *State) AnchoredPlateID() model.PlateID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anchor
}

// SetReconstructionTime reconstructs at t. Setting the current time again
// does nothing and reports false. If the reconstruction fails the previous
// time is restored.
func (s *State) SetReconstructionTime(ctx context.Context, t float64) (bool, error) {
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return false, fmt.Errorf("set time %g: %w", t, layer.ErrInvalidTime)
	}
	s.mu.Lock()
	if s.time == t {
		s.mu.Unlock()
		return false, nil
	}
	previous := s.time
	s.time = t
	s.mu.Unlock()

	if _, err := s.Reconstruct(ctx); err != nil {
		s.mu.Lock()
		if s.time == t {
			s.time = previous
		}
		s.mu.Unlock()
		return false, err
	}
	s.notify(Change{Kind: ChangeReconstructionTime, Time: t, PreviousTime: previous, Anchor: s.AnchoredPlateID()})
	return true, nil
}

// SetAnchoredPlateID reconstructs with a new anchor plate. Setting the
// current anchor again does nothing and reports false. If the
// reconstruction fails the previous anchor is restored.
func (s *State) SetAnchoredPlateID(ctx context.Context, anchor model.PlateID) (bool, error) {
	s.mu.Lock()
	if s.anchor == anchor {
		s.mu.Unlock()
		return false, nil
	}
	previous := s.anchor
	s.anchor = anchor
	s.mu.Unlock()

	if _, err := s.Reconstruct(ctx); err != nil {
		s.mu.Lock()
		if s.anchor == anchor {
			s.anchor = previous
		}
		s.mu.Unlock()
		return false, err
	}
	s.notify(Change{Kind: ChangeAnchoredPlateID, Time: s.ReconstructionTime(), Anchor: anchor, PreviousAnchor: previous})
	return true, nil
}

// Reconstruct executes every active layer at the current time and anchor.
func (s *State) Reconstruct(ctx context.Context) (*layer.Reconstruction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, tracerName, "State.Reconstruct", trace.WithAttributes(
		attribute.Float64("recon.time", s.time),
		attribute.Int64("recon.anchor", int64(s.anchor)),
		attribute.Int("app.files", len(s.files)),
	))
	defer span.End()

	r, err := s.graph.ExecuteLayerTasks(ctx, s.time, s.anchor)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("reconstruct at %g Ma: %w", s.time, err)
	}
	s.last = r
	telemetry.SetSpanOK(span)
	return r, nil
}

// LastReconstruction returns the result of the latest Reconstruct.
func (s *State) LastReconstruction() (*layer.Reconstruction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.last != nil
}

// ReconstructionTree pulls a tree at (t, anchor) from the default tree
// layer of the latest reconstruction.
func (s *State) ReconstructionTree(ctx context.Context, t float64, anchor model.PlateID) (*rotation.Tree, error) {
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return nil, fmt.Errorf("tree at %g Ma: %w", t, layer.ErrInvalidTime)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil, ErrNotReconstructed
	}
	def, ok := s.last.DefaultReconstructionLayerProxy()
	if !ok {
		return nil, ErrNoDefaultTree
	}
	return def.ReconstructionTree(ctx, t, anchor), nil
}
