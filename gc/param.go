// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// GC tuning parameters and the allocation-debt mechanism (spec §4.4):
// pause/step-multiplier/step-size stored as "floating-point bytes" — a
// (4-bit exponent, 4-bit mantissa) encoding chosen so that the wide
// percentage range these parameters need (0..several thousand percent)
// fits in one byte, the same encode/decode shape the reference
// implementation's luaO_fb2int/int2fb use.
package gc

// Params holds the three configurable GC parameters from spec §4.4, each
// stored as an encoded floating byte (see EncodeFB/DecodeFB).
type Params struct {
	PauseFB    byte // next-cycle threshold as a percentage of live bytes
	StepMulFB  byte // propagation speed relative to allocation rate
	StepSizeFB byte // bytes-per-debt-unit granularity
}

// DefaultParams mirrors the reference implementation's defaults: pause
// 200% (collect again once live bytes double), step multiplier 100%
// (collector keeps pace with the allocator), step size 2^13 bytes. As
// floating bytes the first two decode to 208% and 104%.
func DefaultParams() Params {
	return Params{
		PauseFB:    EncodeFB(200),
		StepMulFB:  EncodeFB(100),
		StepSizeFB: EncodeFB(13),
	}
}

// EncodeFB packs x into the 4-bit-exponent/4-bit-mantissa byte spec §4.4
// describes. Values below 8 are stored exactly; above that, precision is
// traded for range (the decoded value rounds up to the nearest
// representable point).
func EncodeFB(x uint32) byte {
	if x < 8 {
		return byte(x)
	}
	e := 0
	for x >= 0x10 {
		x = (x + 1) >> 1
		e++
	}
	return byte(((e + 1) << 4) | int(x-8))
}

// DecodeFB unpacks a floating byte back to its approximate integer value.
func DecodeFB(b byte) uint32 {
	e := (b >> 4) & 0xf
	m := uint32(b & 0xf)
	if e == 0 {
		return m
	}
	return (m + 8) << (uint32(e) - 1)
}

// ---- allocation debt --------------------------------------------------------

// chargeDebt records n newly-allocated bytes and, once accumulated debt
// crosses zero, runs one bounded collector slice (spec §4.4 "each
// allocation increases debt; when debt >= 0 the allocator triggers one GC
// slice").
func (h *Heap) chargeDebt(n int64) {
	h.bytes += n
	if !h.Running {
		return
	}
	h.debt += n
	if h.debt >= 0 {
		h.Step(h.stepWork())
	}
}

// stepWork translates the step-size/step-multiplier parameters into a
// bounded unit count for one Step call (spec §4.4: "the slice does roughly
// stepsize * step_multiplier / 100 bytes of work").
func (h *Heap) stepWork() int {
	stepSize := int64(1) << DecodeFB(h.Params.StepSizeFB)
	mul := int64(DecodeFB(h.Params.StepMulFB))
	if mul == 0 {
		mul = 100
	}
	work := stepSize * mul / 100
	if work < 16 {
		work = 16
	}
	if work > 1<<20 {
		work = 1 << 20
	}
	return int(work)
}

// finishCycle computes the debt for the next cycle once sweeping completes
// (spec §4.4 "Return to Pause: compute debt for next cycle based on the
// pause parameter").
func (h *Heap) finishCycle() {
	pause := int64(DecodeFB(h.Params.PauseFB))
	if pause < 100 {
		pause = 100
	}
	threshold := h.bytes * pause / 100
	h.debt = h.bytes - threshold
}

// Collect runs a full GC cycle synchronously, draining the incremental
// state machine to completion. Used by SetMode's mode switch, by tests
// asserting end-of-cycle invariants (spec §8 properties 8-12), and as the
// basis for EmergencyCollect.
func (h *Heap) Collect() {
	// A cycle already under way is finished first, so the cycle below
	// marks from the roots as they are now.
	for h.state != StatePause {
		h.Step(1 << 30)
	}
	h.debt = 0      // force Pause to actually start a cycle
	h.Step(1 << 30) // Pause -> Propagate
	for h.state != StatePause {
		h.Step(1 << 30)
	}
}

// EmergencyCollect implements spec §4.4's emergency-GC path: triggered when
// an allocation would otherwise fail, it runs a full cycle with finalizer
// execution disabled (pending __gc calls are dropped rather than run, since
// running arbitrary script code from inside a failed-allocation recovery
// path is unsafe).
func (h *Heap) EmergencyCollect() {
	h.emergency = true
	saved := h.CallGC
	h.CallGC = nil
	h.Collect()
	h.tobefnz = h.tobefnz[:0]
	h.CallGC = saved
	h.emergency = false
}

// IsEmergency reports whether the collector is currently running an
// emergency cycle.
func (h *Heap) IsEmergency() bool { return h.emergency }
