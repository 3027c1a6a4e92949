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

// handle addresses an arena slot. A handle stays valid until its slot is
// freed; reusing the slot bumps the generation so old handles stop
// resolving.
type handle struct {
	index uint32
	gen   uint32
}

type slot[T any] struct {
	gen   uint32
	value *T
}

// arena owns records of one kind. Records are heap allocated so pointers
// returned by get survive later inserts.
type arena[T any] struct {
	slots []slot[T]
	free  []uint32
	live  int
}

func (a *arena[T]) insert(v *T) handle {
	a.live++
	if n := len(a.free); n > 0 {
		index := a.free[n-1]
		a.free = a.free[:n-1]
		a.slots[index].value = v
		return handle{index: index, gen: a.slots[index].gen}
	}
	a.slots = append(a.slots, slot[T]{value: v})
	return handle{index: uint32(len(a.slots) - 1)}
}

func (a *arena[T]) get(h handle) (*T, bool) {
	if int(h.index) >= len(a.slots) {
		return nil, false
	}
	s := a.slots[h.index]
	if s.value == nil || s.gen != h.gen {
		return nil, false
	}
	return s.value, true
}

func (a *arena[T]) remove(h handle) bool {
	if _, ok := a.get(h); !ok {
		return false
	}
	a.slots[h.index].value = nil
	a.slots[h.index].gen++
	a.free = append(a.free, h.index)
	a.live--
	return true
}

func (a *arena[T]) len() int {
	return a.live
}
