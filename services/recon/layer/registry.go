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

	"github.com/AleutianAI/platerecon/services/recon/model"
	"github.com/AleutianAI/platerecon/services/recon/proxy"
)

// TaskInfo describes one registered layer task type.
type TaskInfo struct {
	Type LayerTaskType

	// Factory creates a new task with its own proxy.
	Factory func() LayerTask

	// Primary types are created automatically when a file they can
	// process is loaded.
	Primary bool

	// CanProcessFeatureCollection reports whether the task's main input
	// channel accepts the collection. Nil means never.
	CanProcessFeatureCollection func(*model.FeatureCollection) bool
}

// TaskRegistry maps layer task types to their factories.
//
// Thread Safety:
//
//	Register all types before sharing the registry. Lookups are read only.
type TaskRegistry struct {
	infos map[LayerTaskType]TaskInfo
	order []LayerTaskType
}

// NewTaskRegistry creates an empty registry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{infos: make(map[LayerTaskType]TaskInfo)}
}

// NewDefaultTaskRegistry registers the built-in tasks. opts are passed to
// every proxy the tasks create.
func NewDefaultTaskRegistry(opts ...proxy.Option) *TaskRegistry {
	r := NewTaskRegistry()
	builtins := []TaskInfo{
		{
			Type:                        TaskReconstruction,
			Factory:                     func() LayerTask { return NewReconstructionLayerTask(opts...) },
			Primary:                     true,
			CanProcessFeatureCollection: (*model.FeatureCollection).ContainsReconstructionFeatures,
		},
		{
			Type:                        TaskReconstruct,
			Factory:                     func() LayerTask { return NewReconstructLayerTask(opts...) },
			Primary:                     true,
			CanProcessFeatureCollection: (*model.FeatureCollection).ContainsReconstructableFeatures,
		},
		{
			Type:    TaskTopologyBoundaryResolver,
			Factory: func() LayerTask { return NewTopologyBoundaryResolverLayerTask(opts...) },
			Primary: true,
			CanProcessFeatureCollection: func(fc *model.FeatureCollection) bool {
				return fc.ContainsFeatureType(model.FeatureTopologicalClosedPlateBoundary)
			},
		},
		{
			Type:    TaskTopologyNetworkResolver,
			Factory: func() LayerTask { return NewTopologyNetworkResolverLayerTask(opts...) },
			Primary: true,
			CanProcessFeatureCollection: func(fc *model.FeatureCollection) bool {
				return fc.ContainsFeatureType(model.FeatureTopologicalNetwork)
			},
		},
		{
			Type:    TaskCoRegistration,
			Factory: func() LayerTask { return NewCoRegistrationLayerTask(opts...) },
		},
	}
	for _, info := range builtins {
		// Types are distinct, so Register cannot fail here.
		_ = r.Register(info)
	}
	return r
}

// Register adds a task type.
//
// Outputs:
//
//	error - ErrDuplicateTaskType if the type is already registered.
func (r *TaskRegistry) Register(info TaskInfo) error {
	if _, exists := r.infos[info.Type]; exists {
		return fmt.Errorf("register %s: %w", info.Type, ErrDuplicateTaskType)
	}
	r.infos[info.Type] = info
	r.order = append(r.order, info.Type)
	return nil
}

// Types returns the registered types in registration order.
func (r *TaskRegistry) Types() []LayerTaskType {
	out := make([]LayerTaskType, len(r.order))
	copy(out, r.order)
	return out
}

// Info returns the registration of t.
func (r *TaskRegistry) Info(t LayerTaskType) (TaskInfo, bool) {
	info, ok := r.infos[t]
	return info, ok
}

// CreateTask builds a new task of type t.
func (r *TaskRegistry) CreateTask(t LayerTaskType) (LayerTask, error) {
	info, ok := r.infos[t]
	if !ok || info.Factory == nil {
		return nil, fmt.Errorf("create %s: %w", t, ErrUnknownTaskType)
	}
	return info.Factory(), nil
}

// CanProcess reports whether tasks of type t accept fc on their main
// channel.
func (r *TaskRegistry) CanProcess(t LayerTaskType, fc *model.FeatureCollection) bool {
	info, ok := r.infos[t]
	return ok && info.CanProcessFeatureCollection != nil && info.CanProcessFeatureCollection(fc)
}

// PrimaryTypesFor returns, in registration order, the primary types that
// can process fc.
func (r *TaskRegistry) PrimaryTypesFor(fc *model.FeatureCollection) []LayerTaskType {
	var out []LayerTaskType
	for _, t := range r.order {
		if r.infos[t].Primary && r.CanProcess(t, fc) {
			out = append(out, t)
		}
	}
	return out
}
