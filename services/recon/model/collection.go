// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"github.com/google/uuid"
)

// FeatureCollection is an ordered set of features loaded from one source.
type FeatureCollection struct {
	// ID is stable for the life of the collection, across reloads.
	ID       uuid.UUID
	Name     string
	Features []*Feature
}

// NewFeatureCollection creates a collection with a fresh ID.
func NewFeatureCollection(name string, features ...*Feature) *FeatureCollection {
	return &FeatureCollection{
		ID:       uuid.New(),
		Name:     name,
		Features: features,
	}
}

// FeatureByID returns the feature with the given ID.
func (c *FeatureCollection) FeatureByID(id string) (*Feature, bool) {
	for _, f := range c.Features {
		if f.ID == id {
			return f, true
		}
	}
	return nil, false
}

// ContainsReconstructionFeatures reports whether any feature is a total
// reconstruction sequence.
func (c *FeatureCollection) ContainsReconstructionFeatures() bool {
	return c.any((*Feature).IsTotalReconstructionSequence)
}

// ContainsReconstructableFeatures reports whether any feature has a
// geometry that can be reconstructed.
func (c *FeatureCollection) ContainsReconstructableFeatures() bool {
	return c.any((*Feature).IsReconstructable)
}

// ContainsTopologicalFeatures reports whether any feature is topological.
func (c *FeatureCollection) ContainsTopologicalFeatures() bool {
	return c.any((*Feature).IsTopological)
}

// ContainsFeatureType reports whether any feature has the given type.
func (c *FeatureCollection) ContainsFeatureType(t FeatureType) bool {
	return c.any(func(f *Feature) bool { return f.Type == t })
}

func (c *FeatureCollection) any(pred func(*Feature) bool) bool {
	for _, f := range c.Features {
		if pred(f) {
			return true
		}
	}
	return false
}

// File is a loaded feature collection together with where it came from.
//
// # Description
//
// The layer graph treats a File as an opaque producer. Replacing the
// collection bumps the revision, which layer tasks compare against the
// revision they last processed to decide whether the file was modified.
type File struct {
	path       string
	collection *FeatureCollection
	revision   uint64
}

// NewFile wraps a collection loaded from path. Path may be empty for
// collections created in memory.
func NewFile(path string, collection *FeatureCollection) *File {
	return &File{path: path, collection: collection}
}

// Path returns the source path.
func (f *File) Path() string {
	return f.path
}

// FeatureCollection returns the current collection.
func (f *File) FeatureCollection() *FeatureCollection {
	return f.collection
}

// Revision increases every time the collection is replaced or modified.
func (f *File) Revision() uint64 {
	return f.revision
}

// Replace swaps in freshly loaded contents. The collection ID is preserved
// so layers keep recognising the collection as the same input.
func (f *File) Replace(collection *FeatureCollection) {
	collection.ID = f.collection.ID
	f.collection = collection
	f.revision++
}

// MarkModified records an in-place edit of the collection.
func (f *File) MarkModified() {
	f.revision++
}
