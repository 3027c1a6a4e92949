// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package app

import (
	"github.com/AleutianAI/platerecon/services/recon/layer"
	"github.com/AleutianAI/platerecon/services/recon/model"
)

// ChangeKind identifies an application-level change.
type ChangeKind int

const (
	// ChangeReconstructionTime is sent after a reconstruction at a new time.
	ChangeReconstructionTime ChangeKind = iota

	// ChangeAnchoredPlateID is sent after a reconstruction with a new anchor.
	ChangeAnchoredPlateID
)

// String returns the wire name of the kind.
func (k ChangeKind) String() string {
	switch k {
	case ChangeReconstructionTime:
		return "reconstruction_time_changed"
	case ChangeAnchoredPlateID:
		return "anchored_plate_id_changed"
	default:
		return "unknown"
	}
}

// Change describes one application-level change.
type Change struct {
	Kind           ChangeKind
	Time           float64
	PreviousTime   float64
	Anchor         model.PlateID
	PreviousAnchor model.PlateID
}

type changeSubscription struct {
	id int
	fn func(Change)
}

// OnChange registers fn for time and anchor changes. Callbacks run without
// the state lock held, so they may call back into the State.
func (s *State) OnChange(fn func(Change)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextChangeID++
	id := s.nextChangeID
	s.changeListeners = append(s.changeListeners, changeSubscription{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.changeListeners {
			if sub.id == id {
				s.changeListeners = append(s.changeListeners[:i:i], s.changeListeners[i+1:]...)
				return
			}
		}
	}
}

func (s *State) notify(c Change) {
	s.mu.Lock()
	subs := make([]changeSubscription, len(s.changeListeners))
	copy(subs, s.changeListeners)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.fn(c)
	}
}

// SubscribeGraph registers a graph event listener. The listener runs with
// the state lock held and must not call back into the State; it may query
// the graph through the event's handles.
func (s *State) SubscribeGraph(l layer.Listener) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	unsub := s.graph.Subscribe(l)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		unsub()
	}
}
