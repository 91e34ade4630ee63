// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Load Protocol (spec §6.2): a chunk reaches the runtime as a sequence of
// byte chunks pulled through a Reader callback, ending at the first empty
// chunk. A compiler front end (lexer/parser) is out of scope (spec
// Non-goals), so the bytes a Reader supplies are the binary Proto encoding
// Dump produces — Load is the other half of that codec, plus the
// closure/upvalue wiring that turns a decoded Proto into a callable value.
package lua

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru"

	"github.com/probechain/luacore/gc"
	"github.com/probechain/luacore/proto"
	"github.com/probechain/luacore/strtab"
	"github.com/probechain/luacore/value"
)

// Reader supplies the next chunk of a chunk's bytes, returning a nil or
// empty slice to signal end of input (spec §6.2 load's reader callback).
type Reader func() ([]byte, error)

// Load reads chunkname's bytes from r, decodes them as a Proto (consulting
// and populating the chunk cache by content digest), and pushes a fresh
// closure over it with a single upvalue bound to the globals table — the
// conventional _ENV upvalue every top-level chunk expects (spec §6.2 load).
// mode restricts the accepted chunk kind: "b" (binary, the only kind this
// runtime can decode, the compiler being out of scope), "t" (text, always
// rejected here), or "bt" (either, behaving as "b").
func (s *State) Load(chunkname string, r Reader, mode string) error {
	if mode == "t" {
		return s.errorf("%s: text chunks not supported", chunkname)
	}

	var buf bytes.Buffer
	for {
		chunk, err := r()
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			break
		}
		buf.Write(chunk)
	}

	p, err := s.loadBytes(chunkname, buf.Bytes())
	if err != nil {
		return err
	}
	return s.pushChunkClosure(p)
}

// LoadProto pushes a closure directly over an already-built Proto, skipping
// the reader/cache path — used by host code (and tests) that constructs a
// Proto in memory rather than via Dump's byte encoding.
func (s *State) LoadProto(p *proto.Proto) error {
	return s.pushChunkClosure(p)
}

// pushChunkClosure wraps p in a fresh Closure with _ENV (the globals table)
// as its sole closed-over upvalue and pushes the resulting closure value.
func (s *State) pushChunkClosure(p *proto.Proto) error {
	globals, _ := s.registry.Get(value.Int(registryGlobals))
	env := proto.NewClosed(globals)
	cl := proto.NewScript(p, []*proto.Upvalue{env})
	s.Push(s.Heap.NewScriptClosure(cl))
	return nil
}

// loadBytes decodes raw into a Proto, returning a cached decode when raw's
// content digest was already seen under chunkname (spec §6.2's allowance
// that repeated loads of identical bytes need not re-parse).
func (s *State) loadBytes(chunkname string, raw []byte) (*proto.Proto, error) {
	digest := strtab.Sha256Digest(raw)
	key := chunkname + ":" + hex.EncodeToString(digest[:])

	if s.protoCache != nil {
		if v, ok := s.protoCache.Get(key); ok {
			return v.(*proto.Proto), nil
		}
	}

	dec := &protoDecoder{r: bytes.NewReader(raw), heap: s.Heap}
	p, err := dec.proto()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", chunkname, err)
	}
	if p.Source == "" {
		p.Source = chunkname
	}

	if s.protoCache == nil {
		cache, _ := lru.New(defaultProtoCacheSize)
		s.protoCache = cache
	}
	s.protoCache.Add(key, p)
	return p, nil
}

// protoDecoder is the inverse of protoEncoder (dump.go): it reads one Proto,
// recursively, from the bytecode format Dump writes. It carries the heap so
// string constants can be re-interned rather than left as orphan byte
// slices (strings are heap-tracked values in this runtime, spec §3.1).
type protoDecoder struct {
	r    *bytes.Reader
	heap *gc.Heap
}

func (d *protoDecoder) proto() (*proto.Proto, error) {
	var magic [4]byte
	if _, err := d.r.Read(magic[:]); err != nil {
		return nil, err
	}
	if magic != bytecodeMagic {
		return nil, fmt.Errorf("not a recognized chunk")
	}
	version, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != bytecodeVersion {
		return nil, fmt.Errorf("unsupported chunk version %d", version)
	}
	return d.protoBody()
}

func (d *protoDecoder) protoBody() (*proto.Proto, error) {
	p := &proto.Proto{}

	src, err := d.readString()
	if err != nil {
		return nil, err
	}
	p.Source = src

	lineDefined, err := d.readInt32()
	if err != nil {
		return nil, err
	}
	lastLine, err := d.readInt32()
	if err != nil {
		return nil, err
	}
	p.LineDefined = int(lineDefined)
	p.LastLineDefined = int(lastLine)

	numParams, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}
	p.NumParams = numParams

	flags, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}
	p.IsVararg = flags&1 != 0

	maxStack, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}
	p.MaxStack = maxStack

	codeLen, err := d.readUint32()
	if err != nil {
		return nil, err
	}
	p.Code = make([]byte, codeLen)
	if codeLen > 0 {
		if _, err := d.r.Read(p.Code); err != nil {
			return nil, err
		}
	}

	nConst, err := d.readUint32()
	if err != nil {
		return nil, err
	}
	p.Constants = make([]value.Value, nConst)
	for i := range p.Constants {
		v, err := d.constant()
		if err != nil {
			return nil, err
		}
		p.Constants[i] = v
	}

	nProtos, err := d.readUint32()
	if err != nil {
		return nil, err
	}
	p.Protos = make([]*proto.Proto, nProtos)
	for i := range p.Protos {
		child, err := d.protoBody()
		if err != nil {
			return nil, err
		}
		p.Protos[i] = child
	}

	nUp, err := d.readUint32()
	if err != nil {
		return nil, err
	}
	p.Upvalues = make([]proto.UpvalDesc, nUp)
	for i := range p.Upvalues {
		name, err := d.readString()
		if err != nil {
			return nil, err
		}
		inStack, err := d.r.ReadByte()
		if err != nil {
			return nil, err
		}
		index, err := d.r.ReadByte()
		if err != nil {
			return nil, err
		}
		p.Upvalues[i] = proto.UpvalDesc{Name: name, InStack: inStack != 0, Index: index}
	}

	hasDebug, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}
	if hasDebug != 0 {
		nLocals, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		p.Locals = make([]proto.LocalVar, nLocals)
		for i := range p.Locals {
			name, err := d.readString()
			if err != nil {
				return nil, err
			}
			start, err := d.readInt32()
			if err != nil {
				return nil, err
			}
			end, err := d.readInt32()
			if err != nil {
				return nil, err
			}
			p.Locals[i] = proto.LocalVar{Name: name, StartPC: int(start), EndPC: int(end)}
		}

		nLines, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		p.Lines = make([]int32, nLines)
		for i := range p.Lines {
			v, err := d.readInt32()
			if err != nil {
				return nil, err
			}
			p.Lines[i] = v
		}
	}

	return p, nil
}

func (d *protoDecoder) constant() (value.Value, error) {
	tag, err := d.r.ReadByte()
	if err != nil {
		return value.Nil, err
	}
	switch tag {
	case constTagNil:
		return value.Nil, nil
	case constTagFalse:
		return value.False, nil
	case constTagTrue:
		return value.True, nil
	case constTagInt:
		var buf [8]byte
		if _, err := d.r.Read(buf[:]); err != nil {
			return value.Nil, err
		}
		return value.Int(int64(binary.BigEndian.Uint64(buf[:]))), nil
	case constTagFloat:
		var buf [8]byte
		if _, err := d.r.Read(buf[:]); err != nil {
			return value.Nil, err
		}
		bits := binary.BigEndian.Uint64(buf[:])
		return value.Flt(math.Float64frombits(bits)), nil
	case constTagString:
		s, err := d.readString()
		if err != nil {
			return value.Nil, err
		}
		return d.heap.NewString([]byte(s)), nil
	default:
		return value.Nil, fmt.Errorf("unknown constant tag %d", tag)
	}
}

func (d *protoDecoder) readString() (string, error) {
	n, err := d.readUint32()
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := d.r.Read(b); err != nil {
			return "", err
		}
	}
	return string(b), nil
}

func (d *protoDecoder) readUint32() (uint32, error) {
	var buf [4]byte
	if _, err := d.r.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func (d *protoDecoder) readInt32() (int32, error) {
	v, err := d.readUint32()
	return int32(v), err
}
