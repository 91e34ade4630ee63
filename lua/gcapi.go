// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// GC control group of the host API (spec §6.1): a thin stack-free surface
// over gc.Heap's collector, mirroring the reference API's lua_gc verb set
// (collect, stop, restart, count, step, isrunning, incremental,
// generational, setpause/setstepmul).
package lua

import "github.com/probechain/luacore/gc"

// GCCollect runs one full, synchronous collection cycle (spec §6.1
// gc/collect).
func (s *State) GCCollect() { s.Heap.Collect() }

// GCStep advances the incremental collector by one bounded slice sized
// stepKB kilobytes of work (spec §6.1 gc/step); 0 requests the collector's
// own default step size.
func (s *State) GCStep(stepKB int) {
	work := stepKB * 1024
	if work <= 0 {
		work = 0 // Heap.Step substitutes its own default slice size
	}
	s.Heap.Step(work)
}

// GCStop disables the automatic allocation-debt trigger (spec §6.1
// gc/stop): Collect and Step remain available, but ordinary allocation no
// longer drives the collector forward.
func (s *State) GCStop() { s.Heap.Running = false }

// GCRestart re-enables the automatic trigger GCStop disabled.
func (s *State) GCRestart() { s.Heap.Running = true }

// GCIsRunning reports whether the automatic trigger is enabled.
func (s *State) GCIsRunning() bool { return s.Heap.Running }

// GCCount returns the current heap size in Kbytes, with the fractional
// byte remainder as a separate return, matching the reference API's
// lua_gc(LUA_GCCOUNT) two-value convention (spec §6.1 gc/count).
func (s *State) GCCount() (kbytes int, rem int) {
	total := s.Heap.BytesAllocated()
	return int(total / 1024), int(total % 1024)
}

// GCSetIncremental and GCSetGenerational switch the collector's mode (spec
// §6.1 gc/incremental and gc/generational). GCSetGenerational returns gc.ErrGenerationalUnsupported:
// only incremental collection is implemented (spec §4.4's generational
// variant is not).
func (s *State) GCSetIncremental() error { return s.Heap.SetMode(gc.ModeIncremental) }
func (s *State) GCSetGenerational() error { return s.Heap.SetMode(gc.ModeGenerational) }

// GCIsGenerational reports which of the two modes is active.
func (s *State) GCIsGenerational() bool { return s.Heap.Mode() == gc.ModeGenerational }

// GCSetPause sets the pause parameter (spec §4.4: percentage of live bytes
// the heap must grow by before the next cycle starts) and returns its
// previous (decoded, approximate) value.
func (s *State) GCSetPause(percent uint32) uint32 {
	prev := gc.DecodeFB(s.Heap.Params.PauseFB)
	s.Heap.Params.PauseFB = gc.EncodeFB(percent)
	return prev
}

// GCSetStepMul sets the step multiplier parameter (spec §4.4: the
// collector's speed relative to the allocator) and returns its previous
// (decoded, approximate) value.
func (s *State) GCSetStepMul(percent uint32) uint32 {
	prev := gc.DecodeFB(s.Heap.Params.StepMulFB)
	s.Heap.Params.StepMulFB = gc.EncodeFB(percent)
	return prev
}

// GCObjectCount returns the number of live, GC-tracked objects, for
// diagnostics (cmd/luai's -stats flag).
func (s *State) GCObjectCount() int { return s.Heap.Objects() }
