// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/platerecon/services/recon/maths"
	"github.com/AleutianAI/platerecon/services/recon/model"
	"github.com/AleutianAI/platerecon/services/recon/rotation"
)

func tree(t float64) *rotation.Tree {
	fc := model.NewFeatureCollection("rotations", &model.Feature{
		ID:          "seq-701",
		Type:        model.FeatureTotalReconstructionSequence,
		MovingPlate: 701,
		Poles: []model.PoleSample{
			{Time: 0, Rotation: maths.Identity()},
			{Time: 100, Rotation: maths.FromPoleDegrees(20, 30, 40)},
		},
	})
	return rotation.Build(t, 0, []*model.FeatureCollection{fc})
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.ErrorContains(t, err, "path is required")
}

func TestDB_WithTxn(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte("k"), []byte("v"))
	}))
	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Set([]byte("rolled-back"), []byte("v")); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	require.NoError(t, db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("k"))
		assert.NoError(t, err)
		_, err = txn.Get([]byte("rolled-back"))
		assert.ErrorIs(t, err, badger.ErrKeyNotFound)
		return nil
	}))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, db.WithTxn(cancelled, func(*badger.Txn) error { return nil }), context.Canceled)
}

func TestTreeStore_SaveGetList(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	store := NewTreeStore(db, nil)
	ctx := context.Background()

	at100 := tree(100)
	saved, err := store.Save(ctx, "before edit", at100)
	require.NoError(t, err)
	assert.Equal(t, []model.PlateID{0, 701}, []model.PlateID{saved.Rotations[0].Plate, saved.Rotations[1].Plate})

	got, err := store.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "before edit", got.Label)
	assert.Equal(t, 100.0, got.Time)

	want, _ := at100.CompositeRotation(701)
	stored, ok := got.Rotation(701)
	require.True(t, ok)
	assert.True(t, want.ApproxEqual(stored, 1e-9))
	_, ok = got.Rotation(999)
	assert.False(t, ok)

	assert.Empty(t, got.Diff(at100, 1e-9))
	assert.Equal(t, []model.PlateID{701}, got.Diff(tree(50), 1e-9))

	time.Sleep(time.Millisecond)
	_, err = store.Save(ctx, "later", tree(50))
	require.NoError(t, err)
	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "before edit", all[0].Label)
}

func TestTreeStore_Delete(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	store := NewTreeStore(db, nil)
	ctx := context.Background()

	saved, err := store.Save(ctx, "x", tree(10))
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, saved.ID))

	_, err = store.Get(ctx, saved.ID)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
	assert.ErrorIs(t, store.Delete(ctx, uuid.New()), ErrSnapshotNotFound)
}

func TestTreeStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.GCInterval = 0

	db, err := Open(cfg)
	require.NoError(t, err)
	saved, err := NewTreeStore(db, nil).Save(context.Background(), "kept", tree(100))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(cfg)
	require.NoError(t, err)
	defer db.Close()
	got, err := NewTreeStore(db, nil).Get(context.Background(), saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "kept", got.Label)
}
