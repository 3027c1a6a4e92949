// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package proxy implements the cached, time-parameterised outputs of layers.
//
// # Description
//
// A layer proxy owns a SubjectToken, a cache of its last output and
// wrappers around the upstream proxies it reads from. Getters are pull based:
// a getter first checks its input wrappers for staleness, discards its cache
// when any input changed, then serves from the cache or recomputes.
//
// # Invalidation
//
//   - Add*, Remove* and Modified* mutators change the data set. They clear the
//     whole cache and invalidate the subject token.
//   - SetCurrent* parameter setters only update the bookkeeping used by the
//     zero-argument Current* getters. They never evict.
//   - A cache miss that builds a new output bumps the subject token.
//   - Cache hits do not recheck upstream staleness beyond the input check
//     every getter performs on entry.
//
// # Kinds
//
// LayerProxy is a closed set of five concrete types. Use Accept with a
// Visitor, a type switch, or As and Filter to recover the concrete type.
//
// # Thread Safety
//
// Proxies are not safe for concurrent use. The layer graph serialises all
// access.
package proxy

import (
	"log/slog"

	"github.com/AleutianAI/platerecon/services/recon/token"
)

// Kind identifies the concrete type of a LayerProxy.
type Kind int

const (
	// KindReconstruction builds and caches reconstruction trees.
	KindReconstruction Kind = iota

	// KindReconstruct reconstructs feature geometries.
	KindReconstruct

	// KindTopologyBoundaryResolver resolves closed plate boundaries.
	KindTopologyBoundaryResolver

	// KindTopologyNetworkResolver resolves deforming networks.
	KindTopologyNetworkResolver

	// KindCoRegistration correlates seed and target geometries.
	KindCoRegistration
)

var kindNames = map[Kind]string{
	KindReconstruction:           "reconstruction",
	KindReconstruct:              "reconstruct",
	KindTopologyBoundaryResolver: "topology_boundary_resolver",
	KindTopologyNetworkResolver:  "topology_network_resolver",
	KindCoRegistration:           "co_registration",
}

// String returns the snake_case kind name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// LayerProxy is the output of a layer. The set of implementations is closed.
type LayerProxy interface {
	// Kind returns the concrete kind.
	Kind() Kind

	// SubjectToken is polled by downstream proxies and renderers to learn
	// whether this proxy's output changed.
	SubjectToken() *token.SubjectToken

	sealed()
}

// Input constrains the upstream proxy types held by input wrappers.
type Input interface {
	LayerProxy
	comparable
}

// Visitor has one optional callback per proxy kind. Nil callbacks are
// skipped, so a visitor interested in one kind sets one field.
type Visitor struct {
	Reconstruction           func(*ReconstructionLayerProxy)
	Reconstruct              func(*ReconstructLayerProxy)
	TopologyBoundaryResolver func(*TopologyBoundaryResolverLayerProxy)
	TopologyNetworkResolver  func(*TopologyNetworkResolverLayerProxy)
	CoRegistration           func(*CoRegistrationLayerProxy)
}

// Accept dispatches p to the matching callback of v.
func Accept(p LayerProxy, v Visitor) {
	switch p := p.(type) {
	case *ReconstructionLayerProxy:
		if v.Reconstruction != nil {
			v.Reconstruction(p)
		}
	case *ReconstructLayerProxy:
		if v.Reconstruct != nil {
			v.Reconstruct(p)
		}
	case *TopologyBoundaryResolverLayerProxy:
		if v.TopologyBoundaryResolver != nil {
			v.TopologyBoundaryResolver(p)
		}
	case *TopologyNetworkResolverLayerProxy:
		if v.TopologyNetworkResolver != nil {
			v.TopologyNetworkResolver(p)
		}
	case *CoRegistrationLayerProxy:
		if v.CoRegistration != nil {
			v.CoRegistration(p)
		}
	}
}

// As returns p as the concrete type T.
func As[T LayerProxy](p LayerProxy) (T, bool) {
	t, ok := p.(T)
	return t, ok
}

// Filter returns the proxies of concrete type T, in order.
func Filter[T LayerProxy](proxies []LayerProxy) []T {
	var out []T
	for _, p := range proxies {
		if t, ok := p.(T); ok {
			out = append(out, t)
		}
	}
	return out
}

// base carries the state every proxy shares.
type base struct {
	kind    Kind
	subject *token.SubjectToken
	logger  *slog.Logger
}

func newBase(kind Kind, opts []Option) base {
	o := buildOptions(opts)
	return base{
		kind:    kind,
		subject: token.NewSubjectToken(),
		logger:  o.logger.With(slog.String("proxy", kind.String())),
	}
}

// Kind implements LayerProxy.
func (b *base) Kind() Kind {
	return b.kind
}

// SubjectToken implements LayerProxy.
func (b *base) SubjectToken() *token.SubjectToken {
	return b.subject
}

func (b *base) sealed() {}

// invalidate bumps the subject token.
func (b *base) invalidate(reason string) {
	b.subject.Invalidate()
	recordInvalidation(b.kind, reason)
	b.logger.Debug("proxy invalidated",
		slog.String("reason", reason),
		slog.Uint64("version", uint64(b.subject.Version())),
	)
}

// Option configures a proxy.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	maxTrees int
}

func buildOptions(opts []Option) options {
	o := options{maxTrees: DefaultMaxTreesInCache}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// WithLogger sets the proxy logger. Nil selects slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMaxTreesInCache bounds the reconstruction tree cache. Only
// ReconstructionLayerProxy uses it.
func WithMaxTreesInCache(n int) Option {
	return func(o *options) {
		o.maxTrees = n
	}
}
