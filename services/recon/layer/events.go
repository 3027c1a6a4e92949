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

// EventKind identifies a graph change.
type EventKind int

const (
	EventLayerAdded EventKind = iota
	EventLayerAboutToBeRemoved
	EventLayerRemoved
	EventLayerActivationChanged
	EventLayerTaskChanged
	EventLayerAddedInputConnection
	EventLayerAboutToRemoveInputConnection
	EventLayerRemovedInputConnection
	EventInputFileAdded
	EventInputFileAboutToBeRemoved
	EventInputFileRemoved
	EventInputFileActivationChanged
	EventDefaultReconstructionTreeLayerChanged
)

var eventKindNames = map[EventKind]string{
	EventLayerAdded:                            "layer_added",
	EventLayerAboutToBeRemoved:                 "layer_about_to_be_removed",
	EventLayerRemoved:                          "layer_removed",
	EventLayerActivationChanged:                "layer_activation_changed",
	EventLayerTaskChanged:                      "layer_task_changed",
	EventLayerAddedInputConnection:             "layer_added_input_connection",
	EventLayerAboutToRemoveInputConnection:     "layer_about_to_remove_input_connection",
	EventLayerRemovedInputConnection:           "layer_removed_input_connection",
	EventInputFileAdded:                        "input_file_added",
	EventInputFileAboutToBeRemoved:             "input_file_about_to_be_removed",
	EventInputFileRemoved:                      "input_file_removed",
	EventInputFileActivationChanged:            "input_file_activation_changed",
	EventDefaultReconstructionTreeLayerChanged: "default_reconstruction_tree_layer_changed",
}

// String returns the snake_case event name.
func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is delivered synchronously to every listener after (or, for the
// AboutTo kinds, before) the change it describes.
//
// Handles in "removed" events no longer resolve; LayerName and Channel
// carry what a listener needs to identify the removed item.
type Event struct {
	Kind       EventKind
	Layer      Layer
	LayerName  string
	Connection InputConnection
	Channel    string
	InputFile  InputFile
	Active     bool

	// Previous is set on EventDefaultReconstructionTreeLayerChanged.
	Previous Layer
}

// Listener receives graph events. Listeners may query the graph and may
// subscribe further listeners; those receive only later events.
type Listener func(Event)

type subscription struct {
	id       int
	listener Listener
}

// Subscribe registers l and returns a function that unregisters it.
func (g *Graph) Subscribe(l Listener) (unsubscribe func()) {
	g.nextSubscription++
	id := g.nextSubscription
	g.listeners = append(g.listeners, subscription{id: id, listener: l})
	return func() {
		for i, s := range g.listeners {
			if s.id == id {
				g.listeners = append(g.listeners[:i:i], g.listeners[i+1:]...)
				return
			}
		}
	}
}

// emit delivers e to a snapshot of the listeners, so callbacks may
// subscribe or unsubscribe while it runs.
func (g *Graph) emit(e Event) {
	listeners := make([]subscription, len(g.listeners))
	copy(listeners, g.listeners)
	for _, s := range listeners {
		s.listener(e)
	}
	recordEvent(e.Kind)
}
