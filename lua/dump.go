// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Dump Protocol (spec §6.3): walks a script closure's Proto and emits its
// binary encoding to a Writer callback. This is the encoder half of the
// codec Load decodes (load.go); strip drops per-instruction line numbers
// and local-variable names, matching the reference API's "strip debug
// information" dump flag.
package lua

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/probechain/luacore/gc"
	luaproto "github.com/probechain/luacore/proto"
	"github.com/probechain/luacore/value"
)

// Writer receives one completed buffer of a chunk's dump (spec §6.3's
// writer callback). A single call carrying the whole dump is a valid
// implementation.
type Writer func(data []byte) error

var bytecodeMagic = [4]byte{'L', 'R', 'C', 0}

const bytecodeVersion = 1

const (
	constTagNil = iota
	constTagFalse
	constTagTrue
	constTagInt
	constTagFloat
	constTagString
)

// Dump encodes the script closure at stack index i and delivers the result
// to w (spec §6.3 dump). Dumping a host closure is an error: there is no
// Proto to serialize.
func (s *State) Dump(i int, w Writer, strip bool) error {
	cl := s.Heap.Closure(s.at(i))
	if cl == nil || cl.IsHost() {
		return s.errorf("unable to dump given function")
	}

	enc := &protoEncoder{heap: s.Heap, strip: strip}
	enc.writeMagic()
	enc.proto(cl.Proto)
	return w(enc.buf.Bytes())
}

// protoEncoder is the inverse of protoDecoder (load.go).
type protoEncoder struct {
	buf   bytes.Buffer
	heap  *gc.Heap
	strip bool
}

func (e *protoEncoder) writeMagic() {
	e.buf.Write(bytecodeMagic[:])
	e.buf.WriteByte(bytecodeVersion)
}

func (e *protoEncoder) proto(p *luaproto.Proto) {
	e.writeString(p.Source)
	e.writeInt32(int32(p.LineDefined))
	e.writeInt32(int32(p.LastLineDefined))
	e.buf.WriteByte(p.NumParams)

	var flags byte
	if p.IsVararg {
		flags |= 1
	}
	e.buf.WriteByte(flags)
	e.buf.WriteByte(p.MaxStack)

	e.writeUint32(uint32(len(p.Code)))
	e.buf.Write(p.Code)

	e.writeUint32(uint32(len(p.Constants)))
	for _, c := range p.Constants {
		e.constant(c)
	}

	e.writeUint32(uint32(len(p.Protos)))
	for _, child := range p.Protos {
		e.proto(child)
	}

	e.writeUint32(uint32(len(p.Upvalues)))
	for _, u := range p.Upvalues {
		e.writeString(u.Name)
		if u.InStack {
			e.buf.WriteByte(1)
		} else {
			e.buf.WriteByte(0)
		}
		e.buf.WriteByte(u.Index)
	}

	if e.strip {
		e.buf.WriteByte(0)
		return
	}
	e.buf.WriteByte(1)

	e.writeUint32(uint32(len(p.Locals)))
	for _, l := range p.Locals {
		e.writeString(l.Name)
		e.writeInt32(int32(l.StartPC))
		e.writeInt32(int32(l.EndPC))
	}

	e.writeUint32(uint32(len(p.Lines)))
	for _, ln := range p.Lines {
		e.writeInt32(ln)
	}
}

func (e *protoEncoder) constant(v value.Value) {
	switch v.Kind() {
	case value.KindNil:
		e.buf.WriteByte(constTagNil)
	case value.KindBool:
		if v.AsBool() {
			e.buf.WriteByte(constTagTrue)
		} else {
			e.buf.WriteByte(constTagFalse)
		}
	case value.KindInteger:
		e.buf.WriteByte(constTagInt)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.AsInt()))
		e.buf.Write(b[:])
	case value.KindFloat:
		e.buf.WriteByte(constTagFloat)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v.AsFloat()))
		e.buf.Write(b[:])
	case value.KindString:
		e.buf.WriteByte(constTagString)
		str := e.heap.String(v)
		if str != nil {
			e.writeString(string(str.Bytes))
		} else {
			e.writeString("")
		}
	default:
		// Constants pools never hold any other kind (spec §3.4); fall back
		// to nil rather than corrupt the stream.
		e.buf.WriteByte(constTagNil)
	}
}

func (e *protoEncoder) writeString(s string) {
	e.writeUint32(uint32(len(s)))
	e.buf.WriteString(s)
}

func (e *protoEncoder) writeUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *protoEncoder) writeInt32(v int32) { e.writeUint32(uint32(v)) }
