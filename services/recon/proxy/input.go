// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package proxy

import (
	"github.com/AleutianAI/platerecon/services/recon/token"
)

// InputLayerProxy pairs an upstream proxy with an observer of its subject
// token.
//
// # Description
//
// A wrapper starts out of date. Call SetUpToDate after consuming the
// upstream output. Swapping the upstream proxy always makes the wrapper out
// of date, because a different provider is never assumed compatible.
type InputLayerProxy[T Input] struct {
	proxy    T
	observer token.ObserverToken
}

// NewInputLayerProxy wraps a non-nil upstream proxy.
func NewInputLayerProxy[T Input](p T) *InputLayerProxy[T] {
	return &InputLayerProxy[T]{proxy: p}
}

// InputLayerProxy returns the upstream proxy.
func (i *InputLayerProxy[T]) InputLayerProxy() T {
	return i.proxy
}

// SetInputLayerProxy swaps the upstream proxy and forgets what was observed.
func (i *InputLayerProxy[T]) SetInputLayerProxy(p T) {
	i.proxy = p
	i.observer.Reset()
}

// IsUpToDate reports whether the upstream subject has not changed since the
// last SetUpToDate.
func (i *InputLayerProxy[T]) IsUpToDate() bool {
	return i.proxy.SubjectToken().IsObserverUpToDate(&i.observer)
}

// SetUpToDate records the upstream subject's current version.
func (i *InputLayerProxy[T]) SetUpToDate() {
	i.proxy.SubjectToken().UpdateObserver(&i.observer)
}

// absence tracks an OptionalInputLayerProxy that holds no upstream proxy.
type absence int

const (
	// absentObserved means there is no upstream and the owner has already
	// reacted to that.
	absentObserved absence = iota

	// absentUnobserved means the upstream was removed and the owner has not
	// yet reacted.
	absentUnobserved
)

// OptionalInputLayerProxy is an InputLayerProxy that may hold nothing.
//
// # States
//
//   - present: staleness follows the wrapped InputLayerProxy.
//   - absent, observed: up to date. This is the initial state.
//   - absent, unobserved: entered when a present proxy is removed. Out of
//     date until SetUpToDate, so the removal is noticed exactly once.
type OptionalInputLayerProxy[T Input] struct {
	input   *InputLayerProxy[T]
	absence absence
}

// NewOptionalInputLayerProxy creates a wrapper holding p, out of date.
func NewOptionalInputLayerProxy[T Input](p T) *OptionalInputLayerProxy[T] {
	return &OptionalInputLayerProxy[T]{input: NewInputLayerProxy(p)}
}

// IsPresent reports whether an upstream proxy is held.
func (o *OptionalInputLayerProxy[T]) IsPresent() bool {
	return o.input != nil
}

// InputLayerProxy returns the upstream proxy, if any.
func (o *OptionalInputLayerProxy[T]) InputLayerProxy() (T, bool) {
	if o.input == nil {
		var zero T
		return zero, false
	}
	return o.input.InputLayerProxy(), true
}

// SetInputLayerProxy swaps in p. The wrapper becomes out of date.
func (o *OptionalInputLayerProxy[T]) SetInputLayerProxy(p T) {
	if o.input == nil {
		o.input = NewInputLayerProxy(p)
		return
	}
	o.input.SetInputLayerProxy(p)
}

// ClearInputLayerProxy drops the upstream proxy. Clearing a present proxy
// makes the wrapper out of date once; clearing an absent one is a no-op.
func (o *OptionalInputLayerProxy[T]) ClearInputLayerProxy() {
	if o.input == nil {
		return
	}
	o.input = nil
	o.absence = absentUnobserved
}

// IsUpToDate reports whether the owner has consumed the current state.
func (o *OptionalInputLayerProxy[T]) IsUpToDate() bool {
	if o.input == nil {
		return o.absence == absentObserved
	}
	return o.input.IsUpToDate()
}

// SetUpToDate records that the owner consumed the current state.
func (o *OptionalInputLayerProxy[T]) SetUpToDate() {
	if o.input == nil {
		o.absence = absentObserved
		return
	}
	o.input.SetUpToDate()
}

// InputLayerProxySequence is an ordered list of input wrappers for a
// channel that accepts many upstream layers.
type InputLayerProxySequence[T Input] struct {
	seq []*InputLayerProxy[T]
}

// InputLayerProxies returns the wrappers in insertion order.
func (s *InputLayerProxySequence[T]) InputLayerProxies() []*InputLayerProxy[T] {
	return s.seq
}

// Len returns the number of wrappers.
func (s *InputLayerProxySequence[T]) Len() int {
	return len(s.seq)
}

// AddInputLayerProxy appends a new, out of date wrapper for p.
func (s *InputLayerProxySequence[T]) AddInputLayerProxy(p T) {
	s.seq = append(s.seq, NewInputLayerProxy(p))
}

// RemoveInputLayerProxy removes the first wrapper holding p. It reports
// whether one was found.
func (s *InputLayerProxySequence[T]) RemoveInputLayerProxy(p T) bool {
	for i, in := range s.seq {
		if in.InputLayerProxy() == p {
			s.seq = append(s.seq[:i], s.seq[i+1:]...)
			return true
		}
	}
	return false
}

// Contains reports whether any wrapper holds p.
func (s *InputLayerProxySequence[T]) Contains(p T) bool {
	for _, in := range s.seq {
		if in.InputLayerProxy() == p {
			return true
		}
	}
	return false
}

// IsUpToDate reports whether every wrapper is up to date.
func (s *InputLayerProxySequence[T]) IsUpToDate() bool {
	for _, in := range s.seq {
		if !in.IsUpToDate() {
			return false
		}
	}
	return true
}

// SetUpToDate marks every wrapper up to date.
func (s *InputLayerProxySequence[T]) SetUpToDate() {
	for _, in := range s.seq {
		in.SetUpToDate()
	}
}

// Proxies returns the upstream proxies in order.
func (s *InputLayerProxySequence[T]) Proxies() []T {
	out := make([]T, len(s.seq))
	for i, in := range s.seq {
		out[i] = in.InputLayerProxy()
	}
	return out
}
