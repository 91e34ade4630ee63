// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// Tri-color marking, write barriers, and the incremental sweep state
// machine (spec §4.4's state table). Each exported Step advances the
// machine by one bounded slice; Collect runs a full cycle synchronously
// (used for the emergency-GC path and by tests asserting end-of-cycle
// invariants).
package gc

import (
	"github.com/probechain/luacore/proto"
	"github.com/probechain/luacore/table"
	"github.com/probechain/luacore/value"
)

// ---- marking ---------------------------------------------------------------

func (h *Heap) valueIsWhite(v value.Value) bool {
	switch v.Kind() {
	case value.KindString, value.KindTable, value.KindClosure, value.KindThread, value.KindUserData:
		o, ok := h.resolve(v.AsRef())
		return ok && o.color.isWhite()
	default:
		return false
	}
}

// mark moves v's referenced object (if any, and if currently white) onto
// the gray work-list (spec §4.4 Propagate: "pop one gray object; mark its
// references").
func (h *Heap) mark(v value.Value) {
	switch v.Kind() {
	case value.KindString, value.KindTable, value.KindClosure, value.KindThread, value.KindUserData:
	default:
		return
	}
	idx := v.AsRef().Index
	o, ok := h.resolve(v.AsRef())
	if !ok || !o.color.isWhite() {
		return
	}
	o.color = ColorGray
	h.gray = append(h.gray, idx)
}

// markRoots implements the Pause→Propagate transition: the registry table,
// every live thread's stack/CallInfo chain, and per-type metatables (spec
// §4.4) are supplied by the embedder via h.Roots.
func (h *Heap) markRoots() {
	if h.Roots == nil {
		return
	}
	for _, v := range h.Roots() {
		h.mark(v)
	}
}

// blacken pops one gray object, traces its outgoing references, and paints
// it black (spec §4.4 Propagate). Traversal is type-directed: tables walk
// their live entries plus metatable, closures walk their proto's constant
// pool plus upvalues, threads walk their stack and call chain.
func (h *Heap) blacken(idx uint32) {
	o := &h.objects[idx]
	if !o.alive {
		return
	}
	o.color = ColorBlack

	switch o.kind {
	case KindTable:
		if o.tbl == nil {
			return
		}
		if mt := o.tbl.Metatable; mt != nil {
			if mtIdx, ok := h.tableIdx[mt]; ok {
				h.markIndex(mtIdx)
			}
		}
		if o.weakKeys && o.weakValues {
			return // all-weak: the atomic weak pass decides what survives
		}
		o.tbl.ForEach(func(k, v value.Value) {
			if !o.weakKeys {
				h.mark(k)
			}
			if !o.weakValues {
				h.mark(v)
			}
		})
	case KindClosure:
		if o.cls == nil {
			return
		}
		if o.cls.Proto != nil {
			for _, c := range o.cls.Proto.Constants {
				h.mark(c)
			}
		}
		for _, uv := range o.cls.Upvalues {
			h.markUpvalue(uv)
		}
	case KindThread:
		if o.thr == nil {
			return
		}
		for _, slot := range o.thr.Stack {
			h.mark(slot)
		}
		for _, uv := range o.thr.OpenUpvalues() {
			h.markUpvalue(uv)
		}
		for ci := o.thr.Root(); ci != nil; ci = ci.Next {
			if ci.Closure == nil {
				continue
			}
			if clIdx, ok := h.closureIdx[ci.Closure]; ok {
				h.markIndex(clIdx)
			}
		}
	case KindUserData:
		if o.udat == nil {
			return
		}
		for _, uv := range o.udat.UserValues {
			h.mark(uv)
		}
		if o.udat.Metatable != nil {
			if mtIdx, ok := h.tableIdx[o.udat.Metatable]; ok {
				h.markIndex(mtIdx)
			}
		}
	case KindString:
		// No outgoing references.
	}
}

func (h *Heap) markUpvalue(uv *proto.Upvalue) {
	if uv == nil || uv.IsOpen() {
		return // an open upvalue aliases a stack slot already marked above
	}
	h.mark(uv.Get())
}

// markIndex is mark's variant for when the caller already resolved the
// arena index directly (via a reverse-pointer map) instead of holding a
// value.Value/Ref.
func (h *Heap) markIndex(idx uint32) {
	o := &h.objects[idx]
	if !o.alive || !o.color.isWhite() {
		return
	}
	o.color = ColorGray
	h.gray = append(h.gray, idx)
}

// drainGray blackens every currently-gray object, including any pushed by
// the traversal itself. Used by the (non-interruptible) atomic phase and by
// Collect's synchronous full cycle.
func (h *Heap) drainGray() {
	for len(h.gray) > 0 {
		idx := h.gray[len(h.gray)-1]
		h.gray = h.gray[:len(h.gray)-1]
		h.blacken(idx)
	}
}

// ---- write barriers ---------------------------------------------------------

func (h *Heap) marking() bool {
	return h.state == StatePropagate || h.state == StateEnterAtomic
}

// BarrierForward implements spec §4.4's forward write barrier: when a black
// object acquires a reference to a white object, mark the white object
// gray immediately so the tri-color invariant ("no black object references
// a white object") is never observed to be violated. Used for closures and
// upvalues (spec §4.4: "closures and upvalues use forward barrier").
func (h *Heap) BarrierForward(container value.Ref, target value.Value) {
	if !h.marking() {
		return
	}
	co, ok := h.resolve(container)
	if !ok || co.color != ColorBlack {
		return
	}
	if !h.valueIsWhite(target) {
		return
	}
	h.mark(target)
}

// BarrierBack implements spec §4.4's back write barrier: a black table
// whose hash/array structure was just mutated is repainted gray and
// requeued, so the atomic phase rescans all of its entries at once rather
// than marking every written value individually (spec §4.4: "tables use
// back barrier on writes").
func (h *Heap) BarrierBack(container value.Ref) {
	if !h.marking() {
		return
	}
	co, ok := h.resolve(container)
	if !ok || co.color != ColorBlack {
		return
	}
	co.color = ColorGray
	h.grayAgain = append(h.grayAgain, container.Index)
}

// ---- incremental state machine ---------------------------------------------

// Step advances the collector state machine by one bounded slice (spec
// §4.4's state table). work bounds how many gray objects Propagate drains
// or how many arena slots a sweep substate visits per call; callers
// (typically the allocator, once debt >= 0) pick it via Params.
func (h *Heap) Step(work int) {
	if work <= 0 {
		work = 64
	}
	switch h.state {
	case StatePause:
		if h.debt < 0 {
			return
		}
		h.markRoots()
		h.state = StatePropagate

	case StatePropagate:
		for i := 0; i < work && len(h.gray) > 0; i++ {
			idx := h.gray[len(h.gray)-1]
			h.gray = h.gray[:len(h.gray)-1]
			h.blacken(idx)
		}
		if len(h.gray) == 0 {
			h.state = StateEnterAtomic
		}

	case StateEnterAtomic:
		h.enterAtomic()
		h.state = StateSweepAllGC
		h.sweepCursor = 1

	case StateSweepAllGC:
		h.sweepStep(work)

	case StateSweepFinObj, StateSweepToBeFnz:
		h.state = StateSweepEnd

	case StateSweepEnd:
		h.finishCycle()
		if len(h.tobefnz) > 0 {
			h.state = StateCallFin
		} else {
			h.state = StatePause
		}

	case StateCallFin:
		h.callFinStep(1)
		if len(h.tobefnz) == 0 {
			h.state = StatePause
		}
	}
	// A slice pays off the debt that triggered it: the next one runs after
	// another step size of allocation. The pause-based debt finishCycle set
	// is negative and is left as it is.
	if h.state != StatePause && h.debt >= 0 {
		h.debt = -(int64(1) << DecodeFB(h.Params.StepSizeFB))
	}
}

// enterAtomic is the one-shot, non-interruptible step spec §4.4 documents:
// drain any back-barriered tables, process weak tables, separate
// finalizable garbage into tobefnz, then flip the current-white generation.
func (h *Heap) enterAtomic() {
	h.gray = append(h.gray, h.grayAgain...)
	h.grayAgain = h.grayAgain[:0]
	h.drainGray()

	h.processWeakTables()

	dead := h.currentWhite
	for i := 1; i < len(h.objects); i++ {
		o := &h.objects[i]
		if !o.alive || o.color != dead {
			continue
		}
		if o.hasGC && !o.finalized {
			o.finalized = true
			h.markIndex(uint32(i)) // resurrected: retrace its references too, not just itself
			h.tobefnz = append(h.tobefnz, uint32(i))
		}
	}
	h.drainGray() // blacken whatever the resurrection pass just grayed
	h.currentWhite = h.otherWhite()
}

// sweepStep frees every object still colored the just-retired dead-white
// and repaints every survivor to the new current-white, bounded to `work`
// arena slots per call (spec §4.4 "one bounded slice per step").
func (h *Heap) sweepStep(work int) {
	deadWhite := h.otherWhite() // the color enterAtomic just vacated
	n := len(h.objects)
	visited := 0
	for h.sweepCursor < n && visited < work {
		i := h.sweepCursor
		h.sweepCursor++
		visited++
		o := &h.objects[i]
		if !o.alive {
			continue
		}
		if o.color == deadWhite {
			h.freeObject(uint32(i))
			continue
		}
		o.color = h.currentWhite
		o.age = nextSweepAge(o.age)
	}
	if h.sweepCursor >= n {
		h.state = StateSweepFinObj
	}
}

// nextSweepAge advances a surviving object's age by one incremental-cycle
// generation. AgeTouched1/AgeTouched2 have no transition here: nothing in
// this package assigns them (only a real generational back barrier would,
// see ErrGenerationalUnsupported), so they never appear on a live object.
func nextSweepAge(a Age) Age {
	switch a {
	case AgeNew:
		return AgeSurvival
	case AgeSurvival, AgeOld0:
		return AgeOld1
	default:
		return a
	}
}

func (h *Heap) freeObject(idx uint32) {
	o := &h.objects[idx]
	switch o.kind {
	case KindString:
		if o.str != nil {
			o.str.Finalize()
			h.strings.Remove(o.str)
			delete(h.stringIdx, o.str)
		}
	case KindTable:
		if o.tbl != nil {
			delete(h.tableIdx, o.tbl)
		}
	case KindClosure:
		if o.cls != nil {
			delete(h.closureIdx, o.cls)
		}
	case KindThread:
		if o.thr != nil {
			delete(h.threadIdx, o.thr)
		}
	}
	h.weakTables.remove(idx)
	h.ephemeronTables.remove(idx)
	h.allWeakTables.remove(idx)
	*o = object{}
	h.free = append(h.free, idx)
}

// callFinStep runs up to n queued finalizers, one protected __gc call each
// (spec §4.4 Finalization, §4.4 CallFin: "one per slice"). Finalization
// order matches finalization-queue insertion order, i.e. the order
// enterAtomic's sweep-list walk discovered them in (see DESIGN.md's Open
// Question decision on §9's finalizer-ordering question).
func (h *Heap) callFinStep(n int) {
	for i := 0; i < n && len(h.tobefnz) > 0; i++ {
		idx := h.tobefnz[0]
		h.tobefnz = h.tobefnz[1:]
		o := &h.objects[idx]
		if !o.alive || h.CallGC == nil {
			continue
		}
		var mt *table.Table
		switch o.kind {
		case KindTable:
			mt = o.tbl.Metatable
		case KindUserData:
			mt = o.udat.Metatable
		}
		if mt == nil {
			continue
		}
		gcFn, ok := mt.Get(h.gcKey)
		if !ok || gcFn.IsNil() {
			continue
		}
		obj := value.FromRef(kindToValueKind(o.kind), h.ref(idx))
		if err := h.CallGC(gcFn, obj); err != nil && h.Warn != nil {
			h.Warn("error in __gc metamethod: " + err.Error())
		}
	}
}

func kindToValueKind(k Kind) value.Kind {
	switch k {
	case KindString:
		return value.KindString
	case KindTable:
		return value.KindTable
	case KindClosure:
		return value.KindClosure
	case KindThread:
		return value.KindThread
	default:
		return value.KindUserData
	}
}
