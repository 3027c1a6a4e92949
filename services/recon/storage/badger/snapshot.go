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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/platerecon/services/recon/maths"
	"github.com/AleutianAI/platerecon/services/recon/model"
	"github.com/AleutianAI/platerecon/services/recon/rotation"
)

// ErrSnapshotNotFound is returned for an unknown snapshot ID.
var ErrSnapshotNotFound = errors.New("snapshot not found")

const snapshotPrefix = "snapshot/"

var tracer = otel.Tracer("platerecon.storage.badger")

// PlateRotation is the absolute rotation of one plate, stored as an Euler
// pole in degrees.
type PlateRotation struct {
	Plate model.PlateID `json:"plate"`
	Lat   float64       `json:"lat"`
	Lon   float64       `json:"lon"`
	Angle float64       `json:"angle"`
}

// FiniteRotation converts the stored pole back to a rotation.
func (p PlateRotation) FiniteRotation() maths.FiniteRotation {
	return maths.FromPoleDegrees(p.Lat, p.Lon, p.Angle)
}

// Snapshot is the stored content of one reconstruction tree.
type Snapshot struct {
	ID        uuid.UUID       `json:"id"`
	Label     string          `json:"label"`
	CreatedAt time.Time       `json:"created_at"`
	Time      float64         `json:"time"`
	Anchor    model.PlateID   `json:"anchor"`
	Rotations []PlateRotation `json:"rotations"`
}

// Rotation returns the stored rotation of plate.
func (s *Snapshot) Rotation(plate model.PlateID) (maths.FiniteRotation, bool) {
	i := sort.Search(len(s.Rotations), func(i int) bool { return s.Rotations[i].Plate >= plate })
	if i < len(s.Rotations) && s.Rotations[i].Plate == plate {
		return s.Rotations[i].FiniteRotation(), true
	}
	return maths.FiniteRotation{}, false
}

// Diff lists the plates whose rotation differs from tree by more than eps
// radians, plus plates present in only one of the two. Sorted by plate.
func (s *Snapshot) Diff(tree *rotation.Tree, eps float64) []model.PlateID {
	var out []model.PlateID
	seen := make(map[model.PlateID]bool, len(s.Rotations))
	for _, r := range s.Rotations {
		seen[r.Plate] = true
		current, ok := tree.CompositeRotation(r.Plate)
		if !ok || !current.ApproxEqual(r.FiniteRotation(), eps) {
			out = append(out, r.Plate)
		}
	}
	for _, plate := range tree.Plates() {
		if !seen[plate] {
			out = append(out, plate)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NewSnapshot captures tree.
func NewSnapshot(label string, tree *rotation.Tree) *Snapshot {
	s := &Snapshot{
		ID:        uuid.New(),
		Label:     label,
		CreatedAt: time.Now().UTC(),
		Time:      tree.Time(),
		Anchor:    tree.AnchorPlateID(),
	}
	for _, plate := range tree.Plates() {
		r, _ := tree.CompositeRotation(plate)
		pole, angle := r.EulerPole()
		lat, lon := maths.LatLon(pole)
		s.Rotations = append(s.Rotations, PlateRotation{Plate: plate, Lat: lat, Lon: lon, Angle: angle.Degrees()})
	}
	return s
}

// TreeStore saves and loads tree snapshots.
//
// Thread Safety: Safe for concurrent use.
type TreeStore struct {
	db     *DB
	logger *slog.Logger
}

// NewTreeStore wraps db. A nil logger uses slog.Default.
func NewTreeStore(db *DB, logger *slog.Logger) *TreeStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &TreeStore{db: db, logger: logger}
}

func snapshotKey(id uuid.UUID) []byte {
	return []byte(snapshotPrefix + id.String())
}

// Save captures tree under label and stores it.
func (s *TreeStore) Save(ctx context.Context, label string, tree *rotation.Tree) (*Snapshot, error) {
	ctx, span := tracer.Start(ctx, "TreeStore.Save", trace.WithAttributes(
		attribute.Float64("recon.time", tree.Time()),
		attribute.Int64("recon.anchor", int64(tree.AnchorPlateID())),
	))
	defer span.End()

	snap := NewSnapshot(label, tree)
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(snap.ID), data)
	}); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("save snapshot: %w", err)
	}

	s.logger.Debug("tree snapshot saved",
		slog.String("id", snap.ID.String()),
		slog.String("label", label),
		slog.Int("plates", len(snap.Rotations)),
	)
	return snap, nil
}

// Get loads one snapshot.
func (s *TreeStore) Get(ctx context.Context, id uuid.UUID) (*Snapshot, error) {
	var snap Snapshot
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%s: %w", id, ErrSnapshotNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// List returns every snapshot, oldest first.
func (s *TreeStore) List(ctx context.Context) ([]*Snapshot, error) {
	var out []*Snapshot
	prefix := []byte(snapshotPrefix)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var snap Snapshot
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, &snap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Delete removes a snapshot. Deleting an unknown ID returns
// ErrSnapshotNotFound.
func (s *TreeStore) Delete(ctx context.Context, id uuid.UUID) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(snapshotKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%s: %w", id, ErrSnapshotNotFound)
			}
			return err
		}
		return txn.Delete(snapshotKey(id))
	})
}
