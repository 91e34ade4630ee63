// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// Weak and ephemeron table tracking (spec §4.4 Weak tables).
//
// A table's §4.4 __mode interpretation only matters to the collector, never
// to the table engine itself (table.Table has no notion of weakness) — so
// the registry of which arena indices are currently weak-keyed,
// weak-valued, or both lives here, the same way the teacher tracked the
// live block-ancestor/uncle sets for its fork-choice rule in
// miner/worker.go with mapset.Set rather than a hand-rolled set type.
package gc

import (
	mapset "github.com/deckarep/golang-set"

	"github.com/probechain/luacore/value"
)

// weakSet is the live set of arena indices revisited once per atomic step
// for weak-table processing.
type weakSet struct {
	set mapset.Set
}

func newWeakSet() *weakSet { return &weakSet{set: mapset.NewSet()} }

func (w *weakSet) add(idx uint32)    { w.set.Add(idx) }
func (w *weakSet) remove(idx uint32) { w.set.Remove(idx) }

func (w *weakSet) each(fn func(uint32)) {
	for v := range w.set.Iter() {
		fn(v.(uint32))
	}
}

// processWeakTables implements spec §4.4's atomic-phase weak-table pass:
//
//   - weak-value tables: drop entries whose value is white.
//   - ephemeron (weak-key) tables: iterate to a fixpoint, marking the value
//     of every entry whose key is already reachable, then drop entries
//     whose key is still white.
//   - all-weak (both 'k' and 'v') tables: drop entries whose key or value
//     is white, with no ephemeron propagation.
func (h *Heap) processWeakTables() {
	h.weakTables.each(func(idx uint32) {
		o := &h.objects[idx]
		if !o.alive || o.tbl == nil {
			return
		}
		o.tbl.DeleteMatching(func(_, v value.Value) bool { return h.valueIsWhite(v) })
	})

	// Ephemeron fixpoint (spec §8 invariant 11): repeatedly mark values
	// whose key is already reachable, until a full pass marks nothing new.
	for {
		progressed := false
		h.ephemeronTables.each(func(idx uint32) {
			o := &h.objects[idx]
			if !o.alive || o.tbl == nil {
				return
			}
			o.tbl.ForEach(func(k, v value.Value) {
				if !h.valueIsWhite(k) && h.valueIsWhite(v) {
					h.mark(v)
					progressed = true
				}
			})
		})
		if !progressed {
			break
		}
		h.drainGray()
	}
	h.ephemeronTables.each(func(idx uint32) {
		o := &h.objects[idx]
		if !o.alive || o.tbl == nil {
			return
		}
		o.tbl.DeleteMatching(func(k, _ value.Value) bool { return h.valueIsWhite(k) })
	})

	h.allWeakTables.each(func(idx uint32) {
		o := &h.objects[idx]
		if !o.alive || o.tbl == nil {
			return
		}
		o.tbl.DeleteMatching(func(k, v value.Value) bool {
			return h.valueIsWhite(k) || h.valueIsWhite(v)
		})
	})
}
