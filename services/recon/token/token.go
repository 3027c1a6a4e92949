// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package token provides the staleness signalling primitive shared by layer
// proxies.
//
// # Description
//
// A producer owns a SubjectToken. Each consumer owns an ObserverToken and
// asks the subject whether it is up to date. No payload is carried: staleness
// is a boolean, not a diff.
//
// # Identity
//
// Every SubjectToken has a process-unique subject ID. An observer remembers
// both the subject ID and the version it saw, so an observer that switches to
// a different subject is never up to date by coincidence of equal versions.
//
// # Thread Safety
//
// Not safe for concurrent mutation. The owning layer graph serialises access.
package token

import (
	"fmt"
	"sync/atomic"
)

// Version is the generation of a SubjectToken. It only ever increases.
type Version uint64

// nextSubjectID hands out subject IDs. Zero is never used.
var nextSubjectID atomic.Uint64

// SubjectToken is held by a producer and bumped whenever its output changes.
type SubjectToken struct {
	id      uint64
	version Version
}

// NewSubjectToken creates a subject at its initial version.
func NewSubjectToken() *SubjectToken {
	return &SubjectToken{id: nextSubjectID.Add(1)}
}

// ID returns the process-unique subject identifier.
func (s *SubjectToken) ID() uint64 {
	return s.id
}

// Version returns the current generation.
func (s *SubjectToken) Version() Version {
	return s.version
}

// Invalidate bumps the generation so every observer becomes out of date.
func (s *SubjectToken) Invalidate() {
	s.version++
}

// IsObserverUpToDate reports whether the observer last saw this subject at its
// current version.
func (s *SubjectToken) IsObserverUpToDate(o *ObserverToken) bool {
	seen, ok := o.Observation()
	if !ok {
		return false
	}
	return seen.SubjectID == s.id && seen.Version == s.version
}

// UpdateObserver records the subject's current version in the observer.
func (s *SubjectToken) UpdateObserver(o *ObserverToken) {
	o.last = &Observation{SubjectID: s.id, Version: s.version}
}

// String implements fmt.Stringer.
func (s *SubjectToken) String() string {
	return fmt.Sprintf("subject(%d)@%d", s.id, s.version)
}

// Observation is what an observer saw the last time it synchronised.
type Observation struct {
	SubjectID uint64
	Version   Version
}

// ObserverToken is held by a consumer. The zero value has never observed
// anything and is therefore out of date with every subject.
type ObserverToken struct {
	last *Observation
}

// Observation returns the last observation, or false if the observer has
// never been updated since creation or the last Reset.
func (o *ObserverToken) Observation() (Observation, bool) {
	if o.last == nil {
		return Observation{}, false
	}
	return *o.last, true
}

// Reset forgets the last observation.
func (o *ObserverToken) Reset() {
	o.last = nil
}
