// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package errctl

import (
	"testing"

	"github.com/probechain/luacore/value"
)

func TestProtectedStackLIFO(t *testing.T) {
	var s Stack
	s.Push(Protected{CallDepth: 1, StackTop: 10})
	s.Push(Protected{CallDepth: 2, StackTop: 20})
	top, ok := s.Top()
	if !ok || top.CallDepth != 2 {
		t.Fatalf("expected innermost frame with depth 2, got %+v ok=%v", top, ok)
	}
	p, ok := s.Pop()
	if !ok || p.StackTop != 20 {
		t.Fatalf("unexpected pop result %+v", p)
	}
	if s.Depth() != 1 {
		t.Fatalf("expected depth 1 after pop, got %d", s.Depth())
	}
}

func TestEmptyStackTop(t *testing.T) {
	var s Stack
	if _, ok := s.Top(); ok {
		t.Fatal("empty stack must report no protected frame")
	}
}

func TestNewfFormatsMessage(t *testing.T) {
	intern := func(s string) value.Value { return value.FromRef(value.KindString, value.Ref{Index: 1}) }
	err := Newf(intern, "bad argument #%d to %q", 1, "foo")
	if err.Code != CodeRuntime {
		t.Fatalf("expected CodeRuntime, got %v", err.Code)
	}
	want := `bad argument #1 to "foo"`
	if err.Text != want {
		t.Fatalf("Text = %q, want %q", err.Text, want)
	}
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestNewTextCachesDecodedString(t *testing.T) {
	payload := value.FromRef(value.KindString, value.Ref{Index: 1})
	err := NewText(payload, "kaboom")
	if err.Error() != "kaboom" {
		t.Fatalf("Error() = %q, want %q", err.Error(), "kaboom")
	}
}

func TestNewWithoutTextReportsPlaceholder(t *testing.T) {
	payload := value.FromRef(value.KindString, value.Ref{Index: 1})
	err := New(payload)
	if err.Error() == "" {
		t.Fatal("Error() on an untexted string payload should not silently be empty")
	}
}
