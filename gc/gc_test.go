// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package gc

import (
	"errors"
	"testing"

	"github.com/probechain/luacore/strtab"
	"github.com/probechain/luacore/value"
)

func newTestHeap() *Heap {
	return New(strtab.New(16, 1))
}

// runCycle runs one full synchronous collection through Collect.
func runCycle(h *Heap) {
	h.Collect()
}

// TestNoWhiteReachableAfterCycle covers spec §8 invariant 8: once a cycle
// completes, nothing reachable from the roots is colored white (it was
// either marked black by Propagate or is a just-allocated "other white"
// object never visited this cycle).
func TestNoWhiteReachableAfterCycle(t *testing.T) {
	h := newTestHeap()

	root := h.NewTable(0, 0)
	child := h.NewTable(0, 0)
	h.Table(root).Set(value.Int(1), child)

	h.Roots = func() []value.Value { return []value.Value{root} }

	runCycle(h)

	for _, v := range []value.Value{root, child} {
		o, ok := h.resolve(v.AsRef())
		if !ok {
			t.Fatalf("reachable object was freed")
		}
		if o.color.isWhite() && o.color != h.currentWhite {
			t.Fatalf("reachable object left colored dead-white: %v", o.color)
		}
	}
}

// TestUnreachableObjectsAreSwept exercises the complementary half of
// invariant 8: an object with no path from the roots is collected.
func TestUnreachableObjectsAreSwept(t *testing.T) {
	h := newTestHeap()

	kept := h.NewTable(0, 0)
	h.Roots = func() []value.Value { return []value.Value{kept} }

	garbage := h.NewTable(0, 0)
	before := h.Objects()

	runCycle(h)

	if _, ok := h.resolve(garbage.AsRef()); ok {
		t.Fatalf("unreachable table survived a full cycle")
	}
	if _, ok := h.resolve(kept.AsRef()); !ok {
		t.Fatalf("reachable table was incorrectly collected")
	}
	if got := h.Objects(); got >= before {
		t.Fatalf("object count did not shrink after sweeping garbage: before=%d after=%d", before, got)
	}
}

// TestForwardBarrierKeepsTargetAlive covers spec §8 invariant 9: writing a
// white value into an already-black object mid-cycle must not lose that
// value to the next sweep.
func TestForwardBarrierKeepsTargetAlive(t *testing.T) {
	h := newTestHeap()

	root := h.NewTable(0, 0)
	h.Roots = func() []value.Value { return []value.Value{root} }

	// Drive the collector up through Propagate so root is painted black,
	// then allocate a fresh (white) table and link it in via the barrier
	// before the atomic phase runs.
	h.debt = 0
	h.Step(1 << 30) // Pause -> Propagate (marks roots)
	h.Step(1 << 30) // drains root onto black

	rootObj, ok := h.resolve(root.AsRef())
	if !ok || rootObj.color != ColorBlack {
		t.Fatalf("expected root to be black after Propagate drains, got ok=%v", ok)
	}

	late := h.NewTable(0, 0)
	if !h.valueIsWhite(late) {
		t.Fatalf("freshly allocated object should start white/other-white")
	}

	h.Table(root).Set(value.Int(1), late)
	h.BarrierForward(root.AsRef(), late)

	lateObj, _ := h.resolve(late.AsRef())
	if lateObj.color == ColorWhite0 || lateObj.color == ColorWhite1 {
		if lateObj.color.isWhite() {
			t.Fatalf("forward barrier left target white: %v", lateObj.color)
		}
	}

	// Finish the cycle; late must not have been swept as garbage.
	for h.state != StatePause {
		h.Step(1 << 30)
	}
	if _, ok := h.resolve(late.AsRef()); !ok {
		t.Fatalf("forward-barriered object was collected despite being reachable")
	}
}

// TestBackBarrierRequeuesTable exercises the table-side analogue: mutating
// a black table repaints it gray and requeues it for atomic-phase rescan,
// per spec §4.4's "tables use back barrier on writes".
func TestBackBarrierRequeuesTable(t *testing.T) {
	h := newTestHeap()

	root := h.NewTable(0, 0)
	h.Roots = func() []value.Value { return []value.Value{root} }

	h.debt = 0
	h.Step(1 << 30)
	h.Step(1 << 30)

	rootObj, _ := h.resolve(root.AsRef())
	if rootObj.color != ColorBlack {
		t.Fatalf("expected root black before mutation")
	}

	h.BarrierBack(root.AsRef())

	if rootObj.color != ColorGray {
		t.Fatalf("back barrier did not repaint the table gray: %v", rootObj.color)
	}
	if len(h.grayAgain) != 1 || h.grayAgain[0] != root.AsRef().Index {
		t.Fatalf("back barrier did not requeue the table index")
	}
}

// TestWeakValueTableDropsDeadEntries covers spec §8 invariant 10: at the
// end of a cycle, a weak-valued table holds no entry whose value did not
// survive independently.
func TestWeakValueTableDropsDeadEntries(t *testing.T) {
	h := newTestHeap()

	weak := h.NewTable(0, 0)
	h.SetWeakMode(weak.AsRef(), false, true)
	h.Roots = func() []value.Value { return []value.Value{weak} }

	dead := h.NewTable(0, 0) // unreachable except via weak's value slot
	h.Table(weak).Set(value.Int(1), dead)

	runCycle(h)

	wt := h.Table(weak)
	if wt == nil {
		t.Fatalf("weak table itself should survive (it is rooted)")
	}
	if v, ok := wt.Get(value.Int(1)); ok && !v.IsNil() {
		t.Fatalf("weak-value table retained an entry whose value had no other referrer")
	}
}

// TestEphemeronSurvivesWithKey covers spec §8 invariant 11: in an
// ephemeron (weak-key) table, a value survives the cycle iff its key does.
func TestEphemeronSurvivesWithKey(t *testing.T) {
	h := newTestHeap()

	eph := h.NewTable(0, 0)
	h.SetWeakMode(eph.AsRef(), true, false)

	liveKey := h.NewTable(0, 0)
	liveVal := h.NewTable(0, 0)
	deadKey := h.NewTable(0, 0)
	deadVal := h.NewTable(0, 0)

	h.Table(eph).Set(liveKey, liveVal)
	h.Table(eph).Set(deadKey, deadVal)

	// Root the ephemeron table itself and liveKey independently (e.g. held
	// elsewhere in the script); deadKey has no other referrer.
	h.Roots = func() []value.Value { return []value.Value{eph, liveKey} }

	runCycle(h)

	et := h.Table(eph)
	if et == nil {
		t.Fatalf("rooted ephemeron table should survive")
	}
	if v, ok := et.Get(liveKey); !ok || v.IsNil() {
		t.Fatalf("ephemeron entry for a surviving key should keep its value")
	}
	if _, ok := h.resolve(deadKey.AsRef()); ok {
		t.Fatalf("unreachable ephemeron key should not survive on its own")
	}
	if v, ok := et.Get(deadKey); ok && !v.IsNil() {
		t.Fatalf("ephemeron entry whose key died should be dropped: got %v", v)
	}
}

// TestFinalizerRunsOnce covers spec §8 invariant 12: __gc runs exactly once
// per object, even across repeated collection cycles with no resurrection.
func TestFinalizerRunsOnce(t *testing.T) {
	h := newTestHeap()

	mt := h.NewTable(0, 0)
	gcKeyStr := h.NewString([]byte("__gc"))
	h.Table(mt).Set(gcKeyStr, value.HostFn(1))

	obj := h.NewTable(0, 0)
	h.Table(obj).SetMetatable(h.Table(mt))
	h.MarkHasGC(obj.AsRef(), true)

	h.Roots = func() []value.Value { return nil } // obj is garbage immediately

	calls := 0
	h.CallGC = func(fn, target value.Value) error {
		calls++
		return nil
	}

	runCycle(h)
	if calls != 1 {
		t.Fatalf("expected __gc to run exactly once, ran %d times", calls)
	}

	// A second full cycle must not invoke it again: the object was freed
	// after finalization ran.
	runCycle(h)
	if calls != 1 {
		t.Fatalf("finalizer ran again on a second cycle: calls=%d", calls)
	}
}

// TestResurrectedObjectKeepsItsReferencesAlive covers the atomic phase's
// finalization resurrection: a garbage object with __gc survives the sweep
// that collects it into tobefnz (spec §4.4 Finalization), and anything it
// alone references must be retraced at the same time, not swept as garbage
// in that same cycle.
func TestResurrectedObjectKeepsItsReferencesAlive(t *testing.T) {
	h := newTestHeap()

	mt := h.NewTable(0, 0)
	gcKeyStr := h.NewString([]byte("__gc"))
	h.Table(mt).Set(gcKeyStr, value.HostFn(1))

	child := h.NewTable(0, 0)
	h.Table(child).Set(h.NewString([]byte("tag")), value.Int(99))

	obj := h.NewTable(0, 0)
	h.Table(obj).SetMetatable(h.Table(mt))
	h.Table(obj).Set(value.Int(1), child)
	h.MarkHasGC(obj.AsRef(), true)

	h.Roots = func() []value.Value { return nil } // obj (and child, through it) is garbage

	h.CallGC = func(fn, target value.Value) error { return nil }

	runCycle(h)

	v, ok := h.Table(obj).Get(value.Int(1))
	if !ok || v.Kind() != value.KindTable {
		t.Fatalf("resurrected object lost its own entry: got %v, ok=%v", v, ok)
	}
	if h.Table(v) == nil {
		t.Fatal("child referenced only by a resurrected object was freed out from under it")
	}
	tag, ok := h.Table(v).Get(h.NewString([]byte("tag")))
	if !ok || tag.Kind() != value.KindInteger || tag.AsInt() != 99 {
		t.Fatalf("child survived as a stale/empty table: tag=%v ok=%v", tag, ok)
	}
}

// TestFinalizerErrorRoutedToWarn checks that a __gc failure is reported via
// Warn rather than aborting the sweep (spec §4.4 "errors are routed through
// the warning function").
func TestFinalizerErrorRoutedToWarn(t *testing.T) {
	h := newTestHeap()

	mt := h.NewTable(0, 0)
	gcKeyStr := h.NewString([]byte("__gc"))
	h.Table(mt).Set(gcKeyStr, value.HostFn(1))

	obj := h.NewTable(0, 0)
	h.Table(obj).SetMetatable(h.Table(mt))
	h.MarkHasGC(obj.AsRef(), true)
	h.Roots = func() []value.Value { return nil }

	h.CallGC = func(fn, target value.Value) error { return errors.New("boom") }

	var warned string
	h.Warn = func(msg string) { warned = msg }

	runCycle(h)
	if warned == "" {
		t.Fatalf("expected a finalizer error to be routed through Warn")
	}
}

// TestEmergencyCollectSkipsFinalizers ensures EmergencyCollect never invokes
// script-level __gc code (spec §4.4 emergency GC).
func TestEmergencyCollectSkipsFinalizers(t *testing.T) {
	h := newTestHeap()

	mt := h.NewTable(0, 0)
	gcKeyStr := h.NewString([]byte("__gc"))
	h.Table(mt).Set(gcKeyStr, value.HostFn(1))

	obj := h.NewTable(0, 0)
	h.Table(obj).SetMetatable(h.Table(mt))
	h.MarkHasGC(obj.AsRef(), true)
	h.Roots = func() []value.Value { return nil }

	calls := 0
	h.CallGC = func(fn, target value.Value) error {
		calls++
		return nil
	}

	h.EmergencyCollect()

	if calls != 0 {
		t.Fatalf("emergency collection must not run finalizers, ran %d", calls)
	}
	if h.IsEmergency() {
		t.Fatalf("IsEmergency should report false once EmergencyCollect returns")
	}
}

// TestStringInterningDedupes verifies two identical short strings resolve
// to the same arena slot (spec §4.1, exercised here against the gc wrapper
// rather than strtab directly, since gc is what callers actually use).
func TestStringInterningDedupes(t *testing.T) {
	h := newTestHeap()

	a := h.NewString([]byte("hello"))
	b := h.NewString([]byte("hello"))

	if a.AsRef() != b.AsRef() {
		t.Fatalf("identical short strings should intern to the same slot: %v vs %v", a.AsRef(), b.AsRef())
	}
}

// TestFloatingByteRoundTrip checks the GC parameter codec against known
// reference points (small values are exact; larger ones round up to the
// nearest representable point, as the reference implementation's
// luaO_int2fb does: 200 is stored as 13<<4 = 208 and 100 as 13<<3 = 104).
func TestFloatingByteRoundTrip(t *testing.T) {
	cases := []struct{ in, want uint32 }{
		{0, 0},
		{7, 7},
		{200, 208},
		{100, 104},
	}
	for _, c := range cases {
		got := DecodeFB(EncodeFB(c.in))
		if got != c.want {
			t.Errorf("EncodeFB/DecodeFB(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

// TestSetModeIncrementalIsIdempotent checks that re-selecting the already
// active mode is a harmless no-op that leaves the collector right where it
// was (spec §4.4's force-a-collection-on-switch rule only matters once a
// second selectable mode exists).
func TestSetModeIncrementalIsIdempotent(t *testing.T) {
	h := newTestHeap()
	h.Roots = func() []value.Value { return nil }

	h.NewTable(0, 0) // garbage

	if err := h.SetMode(ModeIncremental); err != nil {
		t.Fatalf("SetMode(ModeIncremental): %v", err)
	}
	if h.State() != StatePause {
		t.Fatalf("SetMode should leave the collector in Pause, got %v", h.State())
	}
	if h.Mode() != ModeIncremental {
		t.Fatalf("SetMode did not stay on the incremental mode")
	}
}

// TestSetModeRejectsGenerational checks that the unimplemented generational
// mode is refused outright rather than silently accepted while the
// collector keeps running incremental underneath it.
func TestSetModeRejectsGenerational(t *testing.T) {
	h := newTestHeap()
	h.Roots = func() []value.Value { return nil }

	if err := h.SetMode(ModeGenerational); err != ErrGenerationalUnsupported {
		t.Fatalf("SetMode(ModeGenerational) = %v, want ErrGenerationalUnsupported", err)
	}
	if h.Mode() != ModeIncremental {
		t.Fatalf("a rejected SetMode must not change the active mode, got %v", h.Mode())
	}
}
