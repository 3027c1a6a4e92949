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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/platerecon/services/recon/model"
)

func namedLayer(t *testing.T, g *Graph, name string) Layer {
	t.Helper()
	l := g.AddLayer(nil)
	require.NoError(t, l.SetName(name))
	return l
}

func inputFile(g *Graph, name string) InputFile {
	return g.AddInputFile(model.NewFile(name+".yaml", model.NewFeatureCollection(name)))
}

// =============================================================================
// Cycle detection
// =============================================================================

func TestConnect_RejectsCycleAndLeavesGraphUnchanged(t *testing.T) {
	g := NewGraph()
	a := namedLayer(t, g, "A")
	b := namedLayer(t, g, "B")
	c := namedLayer(t, g, "C")

	_, err := b.ConnectInputToLayerOutput(a, "X")
	require.NoError(t, err)
	_, err = c.ConnectInputToLayerOutput(b, "X")
	require.NoError(t, err)

	var events int
	g.Subscribe(func(Event) { events++ })

	_, err = a.ConnectInputToLayerOutput(c, "X")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCycleDetected))

	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []string{"A", "B", "C", "A"}, cycle.Path)

	inputs, err := a.AllInputs()
	require.NoError(t, err)
	assert.Empty(t, inputs)
	outputs, err := c.OutputConnections()
	require.NoError(t, err)
	assert.Empty(t, outputs, "C must not feed A")
	assert.Zero(t, events, "a rejected connection emits nothing")
}

func TestConnect_RejectsSelfLoop(t *testing.T) {
	g := NewGraph()
	a := namedLayer(t, g, "A")

	_, err := a.ConnectInputToLayerOutput(a, "X")

	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []string{"A", "A"}, cycle.Path)
}

func TestConnect_AllowsDiamond(t *testing.T) {
	g := NewGraph()
	top := namedLayer(t, g, "top")
	left := namedLayer(t, g, "left")
	right := namedLayer(t, g, "right")
	bottom := namedLayer(t, g, "bottom")

	for _, edge := range [][2]Layer{{left, top}, {right, top}, {bottom, left}, {bottom, right}} {
		_, err := edge[0].ConnectInputToLayerOutput(edge[1], "X")
		require.NoError(t, err)
	}

	order, err := g.executionOrder()
	require.NoError(t, err)
	assert.Equal(t, []handle{top.h, left.h, right.h, bottom.h}, order)
}

// =============================================================================
// Activation
// =============================================================================

func TestActivate_EmitsOnlyWhenStateFlips(t *testing.T) {
	g := NewGraph()
	l := g.AddLayer(NewReconstructionLayerTask())

	var changes []bool
	g.Subscribe(func(e Event) {
		if e.Kind == EventLayerActivationChanged {
			changes = append(changes, e.Active)
		}
	})

	require.NoError(t, l.Activate(true))
	require.NoError(t, l.Activate(true))
	require.NoError(t, l.Activate(false))
	require.NoError(t, l.Activate(false))

	assert.Equal(t, []bool{true, false}, changes)
}

// =============================================================================
// Disconnection
// =============================================================================

func TestDisconnectInputFromFile_RemovesOnlyThatFile(t *testing.T) {
	g := NewGraph()
	l := g.AddLayer(nil)
	fileA := inputFile(g, "a")
	fileB := inputFile(g, "b")

	_, err := l.ConnectInputToFile(fileA, "X")
	require.NoError(t, err)
	_, err = l.ConnectInputToFile(fileB, "X")
	require.NoError(t, err)

	require.NoError(t, l.DisconnectInputFromFile(fileA, "X"))

	inputs, err := l.ChannelInputs("X")
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	got, ok, err := inputs[0].InputFile()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fileB, got)
}

func TestDisconnect_InvalidatesHandle(t *testing.T) {
	g := NewGraph()
	l := g.AddLayer(nil)
	c, err := l.ConnectInputToFile(inputFile(g, "a"), "X")
	require.NoError(t, err)

	require.NoError(t, c.Disconnect())

	assert.False(t, c.IsValid())
	_, err = c.ChannelName()
	assert.ErrorIs(t, err, ErrPreconditionViolation)
	assert.ErrorIs(t, c.Disconnect(), ErrPreconditionViolation)
}

func TestDisconnect_TwoPhaseEvents(t *testing.T) {
	g := NewGraph()
	l := g.AddLayer(nil)
	c, err := l.ConnectInputToFile(inputFile(g, "a"), "X")
	require.NoError(t, err)

	var seen []EventKind
	g.Subscribe(func(e Event) {
		seen = append(seen, e.Kind)
		switch e.Kind {
		case EventLayerAboutToRemoveInputConnection:
			name, err := e.Connection.ChannelName()
			assert.NoError(t, err, "the connection is queryable before removal")
			assert.Equal(t, "X", name)
		case EventLayerRemovedInputConnection:
			assert.False(t, c.IsValid())
			assert.Equal(t, "X", e.Channel)
			assert.Equal(t, l, e.Layer)
		}
	})

	require.NoError(t, c.Disconnect())
	assert.Equal(t, []EventKind{EventLayerAboutToRemoveInputConnection, EventLayerRemovedInputConnection}, seen)
}

func TestDisconnectChannelInputs(t *testing.T) {
	g := NewGraph()
	l := g.AddLayer(nil)
	for _, name := range []string{"a", "b", "c"} {
		_, err := l.ConnectInputToFile(inputFile(g, name), "X")
		require.NoError(t, err)
	}
	_, err := l.ConnectInputToFile(inputFile(g, "d"), "Y")
	require.NoError(t, err)

	require.NoError(t, l.DisconnectChannelInputs("X"))

	all, err := l.AllInputs()
	require.NoError(t, err)
	require.Len(t, all, 1)
	name, err := all[0].ChannelName()
	require.NoError(t, err)
	assert.Equal(t, "Y", name)
}

func TestDisconnectInputFromLayerOutput(t *testing.T) {
	g := NewGraph()
	up1 := g.AddLayer(nil)
	up2 := g.AddLayer(nil)
	down := g.AddLayer(nil)
	_, err := down.ConnectInputToLayerOutput(up1, "X")
	require.NoError(t, err)
	_, err = down.ConnectInputToLayerOutput(up2, "X")
	require.NoError(t, err)

	require.NoError(t, down.DisconnectInputFromLayerOutput(up1, "X"))

	inputs, err := down.ChannelInputs("X")
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	got, ok, err := inputs[0].InputLayer()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, up2, got)
}

// =============================================================================
// Handles
// =============================================================================

func TestRemoveLayer_StaleHandleAfterSlotReuse(t *testing.T) {
	g := NewGraph()
	old := g.AddLayer(nil)
	require.NoError(t, g.RemoveLayer(old))

	reused := g.AddLayer(nil)
	assert.Equal(t, old.h.index, reused.h.index, "slot is reused")

	assert.False(t, old.IsValid())
	assert.True(t, reused.IsValid())
	assert.NotEqual(t, old, reused)
	_, err := old.IsActive()
	assert.ErrorIs(t, err, ErrPreconditionViolation)
	assert.ErrorIs(t, old.Activate(true), ErrPreconditionViolation)
	assert.ErrorIs(t, g.RemoveLayer(old), ErrPreconditionViolation)
}

func TestZeroHandlesAreInvalid(t *testing.T) {
	var l Layer
	var c InputConnection
	var in InputFile

	assert.False(t, l.IsValid())
	assert.False(t, c.IsValid())
	assert.False(t, in.IsValid())
	_, err := l.AllInputs()
	assert.ErrorIs(t, err, ErrPreconditionViolation)
	_, err = in.File()
	assert.ErrorIs(t, err, ErrPreconditionViolation)
	assert.Equal(t, "<invalid layer>", l.String())
}

func TestInputFile_OnLayerOutputIsAssertionFailure(t *testing.T) {
	g := NewGraph()
	l := g.AddLayer(nil)
	rec, ok := g.layers.get(l.h)
	require.True(t, ok)

	_, err := InputFile{g: g, h: rec.output}.File()

	assert.ErrorIs(t, err, ErrAssertionFailure)
}

func TestLayerTask_Uninitialised(t *testing.T) {
	g := NewGraph()
	l := g.AddLayer(nil)

	_, err := l.Type()
	assert.ErrorIs(t, err, ErrNoLayerTask)

	var changed bool
	g.Subscribe(func(e Event) { changed = changed || e.Kind == EventLayerTaskChanged })
	require.NoError(t, l.SetLayerTask(NewReconstructLayerTask()))

	typ, err := l.Type()
	require.NoError(t, err)
	assert.Equal(t, TaskReconstruct, typ)
	assert.True(t, changed)
}

func TestSetLayerTask_ChecksExistingConnections(t *testing.T) {
	tests := []struct {
		name  string
		build func(g *Graph) (Layer, LayerTask)
		want  error
	}{
		{
			name: "unknown channel",
			build: func(g *Graph) (Layer, LayerTask) {
				l := g.AddLayer(nil)
				_, err := l.ConnectInputToFile(inputFile(g, "a"), "bogus")
				require.NoError(t, err)
				return l, NewReconstructLayerTask()
			},
			want: ErrUnknownInputChannel,
		},
		{
			name: "file on layer channel",
			build: func(g *Graph) (Layer, LayerTask) {
				l := g.AddLayer(nil)
				_, err := l.ConnectInputToFile(inputFile(g, "a"), ChannelReconstructionTree)
				require.NoError(t, err)
				return l, NewReconstructLayerTask()
			},
			want: ErrIncompatibleInput,
		},
		{
			name: "two inputs on single channel",
			build: func(g *Graph) (Layer, LayerTask) {
				l := g.AddLayer(nil)
				for _, up := range []Layer{g.AddLayer(NewReconstructionLayerTask()), g.AddLayer(NewReconstructionLayerTask())} {
					_, err := l.ConnectInputToLayerOutput(up, ChannelReconstructionTree)
					require.NoError(t, err)
				}
				return l, NewReconstructLayerTask()
			},
			want: ErrChannelArityExceeded,
		},
		{
			name: "consumer rejects new type",
			build: func(g *Graph) (Layer, LayerTask) {
				up := g.AddLayer(NewReconstructionLayerTask())
				down := g.AddLayer(NewReconstructLayerTask())
				_, err := down.ConnectInputToLayerOutput(up, ChannelReconstructionTree)
				require.NoError(t, err)
				return up, NewReconstructLayerTask()
			},
			want: ErrIncompatibleInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGraph()
			l, task := tt.build(g)
			before, _ := l.LayerTask()

			var changed bool
			g.Subscribe(func(e Event) { changed = changed || e.Kind == EventLayerTaskChanged })

			err := l.SetLayerTask(task)
			assert.ErrorIs(t, err, tt.want)
			var chErr *ChannelError
			assert.True(t, errors.As(err, &chErr))
			assert.False(t, changed)

			after, _ := l.LayerTask()
			assert.Equal(t, before, after, "previous task stays bound")
		})
	}
}

func TestSetLayerTask_AcceptsFittingConnections(t *testing.T) {
	g := NewGraph()
	rotations := g.AddLayer(NewReconstructionLayerTask())
	l := g.AddLayer(nil)
	_, err := l.ConnectInputToFile(inputFile(g, "a"), ChannelReconstructableFeatures)
	require.NoError(t, err)
	_, err = l.ConnectInputToLayerOutput(rotations, ChannelReconstructionTree)
	require.NoError(t, err)

	require.NoError(t, l.SetLayerTask(NewReconstructLayerTask()))
	typ, err := l.Type()
	require.NoError(t, err)
	assert.Equal(t, TaskReconstruct, typ)
}

func TestRemoveLayer_DisconnectsBothSides(t *testing.T) {
	g := NewGraph()
	up := g.AddLayer(nil)
	mid := g.AddLayer(nil)
	down := g.AddLayer(nil)
	_, err := mid.ConnectInputToLayerOutput(up, "X")
	require.NoError(t, err)
	_, err = down.ConnectInputToLayerOutput(mid, "X")
	require.NoError(t, err)

	var kinds []EventKind
	g.Subscribe(func(e Event) { kinds = append(kinds, e.Kind) })

	require.NoError(t, g.RemoveLayer(mid))

	assert.Equal(t, []EventKind{
		EventLayerAboutToBeRemoved,
		EventLayerAboutToRemoveInputConnection,
		EventLayerRemovedInputConnection,
		EventLayerAboutToRemoveInputConnection,
		EventLayerRemovedInputConnection,
		EventLayerRemoved,
	}, kinds)

	outs, err := up.OutputConnections()
	require.NoError(t, err)
	assert.Empty(t, outs)
	ins, err := down.AllInputs()
	require.NoError(t, err)
	assert.Empty(t, ins)
	assert.Equal(t, []Layer{up, down}, g.Layers())
}

func TestRemoveInputFile_DisconnectsConsumers(t *testing.T) {
	g := NewGraph()
	l := g.AddLayer(nil)
	in := inputFile(g, "a")
	_, err := l.ConnectInputToFile(in, "X")
	require.NoError(t, err)

	require.NoError(t, g.RemoveInputFile(in))

	ins, err := l.AllInputs()
	require.NoError(t, err)
	assert.Empty(t, ins)
	assert.Empty(t, g.InputFiles())
	assert.False(t, in.IsValid())
}

// =============================================================================
// Events
// =============================================================================

func TestSubscribe_FromInsideCallback(t *testing.T) {
	g := NewGraph()

	var late int
	var unsubscribe func()
	unsubscribe = g.Subscribe(func(e Event) {
		if e.Kind == EventLayerAdded {
			g.Subscribe(func(Event) { late++ })
			unsubscribe()
		}
	})

	g.AddLayer(nil)
	assert.Zero(t, late, "listeners added during delivery miss the current event")

	g.AddLayer(nil)
	assert.Equal(t, 1, late)
}

func TestEvent_ListenerCanQueryGraph(t *testing.T) {
	g := NewGraph()
	l := g.AddLayer(nil)
	in := inputFile(g, "a")

	var inputs int
	g.Subscribe(func(e Event) {
		if e.Kind == EventLayerAddedInputConnection {
			all, err := e.Layer.AllInputs()
			require.NoError(t, err)
			inputs = len(all)
		}
	})

	_, err := l.ConnectInputToFile(in, "X")
	require.NoError(t, err)
	assert.Equal(t, 1, inputs)
}

// =============================================================================
// Channel schema
// =============================================================================

func TestConnect_ChannelSchema(t *testing.T) {
	g := NewGraph()
	rotations := g.AddLayer(NewReconstructionLayerTask())
	otherRotations := g.AddLayer(NewReconstructionLayerTask())
	reconstruct := g.AddLayer(NewReconstructLayerTask())
	otherReconstruct := g.AddLayer(NewReconstructLayerTask())
	file := inputFile(g, "a")

	tests := []struct {
		name    string
		connect func() error
		want    error
	}{
		{
			name: "unknown channel",
			connect: func() error {
				_, err := reconstruct.ConnectInputToFile(file, "Nope")
				return err
			},
			want: ErrUnknownInputChannel,
		},
		{
			name: "file on layer channel",
			connect: func() error {
				_, err := reconstruct.ConnectInputToFile(file, ChannelReconstructionTree)
				return err
			},
			want: ErrIncompatibleInput,
		},
		{
			name: "layer on file channel",
			connect: func() error {
				_, err := reconstruct.ConnectInputToLayerOutput(rotations, ChannelReconstructableFeatures)
				return err
			},
			want: ErrIncompatibleInput,
		},
		{
			name: "wrong upstream type",
			connect: func() error {
				_, err := reconstruct.ConnectInputToLayerOutput(otherReconstruct, ChannelReconstructionTree)
				return err
			},
			want: ErrIncompatibleInput,
		},
		{
			name: "second input on single channel",
			connect: func() error {
				if _, err := reconstruct.ConnectInputToLayerOutput(rotations, ChannelReconstructionTree); err != nil {
					return err
				}
				_, err := reconstruct.ConnectInputToLayerOutput(otherRotations, ChannelReconstructionTree)
				return err
			},
			want: ErrChannelArityExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.connect()
			assert.ErrorIs(t, err, tt.want)
			var chErr *ChannelError
			assert.True(t, errors.As(err, &chErr))
		})
	}

	_, err := reconstruct.ConnectInputToFile(file, ChannelReconstructableFeatures)
	assert.NoError(t, err)
}

func TestDefaultReconstructionTreeLayer(t *testing.T) {
	g := NewGraph()
	rotations := g.AddLayer(NewReconstructionLayerTask())
	reconstruct := g.AddLayer(NewReconstructLayerTask())

	assert.ErrorIs(t, g.SetDefaultReconstructionTreeLayer(reconstruct), ErrIncompatibleInput)

	var changes int
	g.Subscribe(func(e Event) {
		if e.Kind == EventDefaultReconstructionTreeLayerChanged {
			changes++
		}
	})

	require.NoError(t, g.SetDefaultReconstructionTreeLayer(rotations))
	require.NoError(t, g.SetDefaultReconstructionTreeLayer(rotations))
	got, ok := g.DefaultReconstructionTreeLayer()
	require.True(t, ok)
	assert.Equal(t, rotations, got)

	require.NoError(t, g.RemoveLayer(rotations))
	_, ok = g.DefaultReconstructionTreeLayer()
	assert.False(t, ok)
	assert.Equal(t, 2, changes)
}
