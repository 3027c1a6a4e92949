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
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the layer package.
var (
	// ErrPreconditionViolation is returned when a Layer, InputConnection or
	// InputFile handle no longer resolves to a live graph record.
	ErrPreconditionViolation = errors.New("precondition violation: stale handle")

	// ErrAssertionFailure is returned when an internal invariant does not
	// hold, e.g. an InputFile handle that resolves to layer output data.
	ErrAssertionFailure = errors.New("assertion failure")

	// ErrCycleDetected is returned when a connection would close a cycle.
	ErrCycleDetected = errors.New("cycle detected in reconstruct graph")

	// ErrNoLayerTask is returned when querying the task of an uninitialised
	// layer.
	ErrNoLayerTask = errors.New("layer has no task")

	// ErrUnknownInputChannel is returned when connecting to a channel the
	// layer's task does not declare.
	ErrUnknownInputChannel = errors.New("unknown input channel")

	// ErrIncompatibleInput is returned when a channel does not accept the
	// kind of data being connected.
	ErrIncompatibleInput = errors.New("incompatible input for channel")

	// ErrChannelArityExceeded is returned when a second input is connected
	// to a single-input channel.
	ErrChannelArityExceeded = errors.New("channel accepts one input only")

	// ErrUnknownTaskType is returned by the registry for unregistered types.
	ErrUnknownTaskType = errors.New("unknown layer task type")

	// ErrDuplicateTaskType is returned when registering a type twice.
	ErrDuplicateTaskType = errors.New("layer task type already registered")

	// ErrInvalidTime is returned for a NaN or infinite reconstruction time.
	ErrInvalidTime = errors.New("reconstruction time must be finite")

	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")
)

// CycleError describes a rejected connection. Path lists layer names from
// the would-be downstream layer, through the existing edges, back to
// itself.
type CycleError struct {
	Path []string
}

// Error returns the cycle description.
func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %s", strings.Join(e.Path, " -> "))
}

// Unwrap lets errors.Is match ErrCycleDetected.
func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}

// NewCycleError creates a CycleError.
func NewCycleError(path []string) *CycleError {
	return &CycleError{Path: path}
}

// ChannelError wraps a connection failure with the layer and channel.
type ChannelError struct {
	Layer   string
	Channel string
	Err     error
}

// Error returns the error message.
func (e *ChannelError) Error() string {
	return fmt.Sprintf("layer %q channel %q: %v", e.Layer, e.Channel, e.Err)
}

// Unwrap returns the underlying error.
func (e *ChannelError) Unwrap() error {
	return e.Err
}
