// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserverToken_NeverObserved(t *testing.T) {
	subject := NewSubjectToken()
	var observer ObserverToken

	_, ok := observer.Observation()
	assert.False(t, ok)
	assert.False(t, subject.IsObserverUpToDate(&observer))
}

func TestSubjectToken_UpdateAndInvalidate(t *testing.T) {
	subject := NewSubjectToken()
	var observer ObserverToken

	subject.UpdateObserver(&observer)
	require.True(t, subject.IsObserverUpToDate(&observer))

	before := subject.Version()
	subject.Invalidate()
	assert.Greater(t, subject.Version(), before)
	assert.False(t, subject.IsObserverUpToDate(&observer))

	subject.UpdateObserver(&observer)
	assert.True(t, subject.IsObserverUpToDate(&observer))
}

func TestSubjectToken_DistinctSubjectsNeverMatch(t *testing.T) {
	a := NewSubjectToken()
	b := NewSubjectToken()
	require.NotEqual(t, a.ID(), b.ID())
	require.Equal(t, a.Version(), b.Version())

	var observer ObserverToken
	a.UpdateObserver(&observer)

	assert.True(t, a.IsObserverUpToDate(&observer))
	assert.False(t, b.IsObserverUpToDate(&observer), "same version on another subject must not count")
}

func TestObserverToken_Reset(t *testing.T) {
	subject := NewSubjectToken()
	var observer ObserverToken
	subject.UpdateObserver(&observer)

	observer.Reset()

	assert.False(t, subject.IsObserverUpToDate(&observer))
	_, ok := observer.Observation()
	assert.False(t, ok)
}
