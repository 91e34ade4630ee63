// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Command luai is a minimal host CLI embedding the luacore runtime: it
// loads one already-compiled chunk (the lexer/parser/compiler that would
// produce one from source text is out of scope, spec §1), installs a
// handful of host functions a demonstration script needs, runs it, and
// optionally reports GC/VM statistics. Grounded on cmd/probec/main.go's
// single-file-argument, flag-driven shape, but using urfave/cli.v1 (the
// flag library cmd/gprobe's config.go reaches for) rather than stdlib flag,
// matching the rest of the pack's CLI dependency choice.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
	"gopkg.in/urfave/cli.v1"

	"github.com/probechain/luacore/internal/config"
	"github.com/probechain/luacore/internal/xlog"
	"github.com/probechain/luacore/lua"
	"github.com/probechain/luacore/thread"
	"github.com/probechain/luacore/value"
	"github.com/probechain/luacore/vm"
)

const readerChunkSize = 4096

var (
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "TOML file tuning GC parameters and the VM hook cadence",
	}
	gcModeFlag = cli.StringFlag{
		Name:  "gc",
		Usage: "collector mode: incremental (generational is rejected, not yet implemented)",
		Value: "",
	}
	mmapFlag = cli.BoolFlag{
		Name:  "mmap",
		Usage: "read the chunk through an mmap-backed reader instead of buffered file reads",
	}
	statsFlag = cli.BoolFlag{
		Name:  "stats",
		Usage: "print GC/VM statistics after the chunk returns",
	}
	stepFlag = cli.IntFlag{
		Name:  "step",
		Usage: "disable automatic GC and instead run one manual step of the given KB size before exit",
		Value: 0,
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "luai"
	app.Usage = "run a compiled luacore chunk"
	app.ArgsUsage = "<chunk.luac>"
	app.Flags = []cli.Flag{configFlag, gcModeFlag, mmapFlag, statsFlag, stepFlag}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		xlog.Crit("luai: fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return cli.NewExitError("usage: luai [flags] <chunk.luac>", 1)
	}
	path := ctx.Args().Get(0)

	cfg := config.Default()
	if file := ctx.String(configFlag.Name); file != "" {
		if err := config.Load(file, &cfg); err != nil {
			return cli.NewExitError(fmt.Sprintf("luai: %v", err), 1)
		}
	}
	if mode := ctx.String(gcModeFlag.Name); mode != "" {
		cfg.GC.Mode = mode
	}

	L := lua.NewState()
	L.Heap.Params = cfg.GCParams()
	if err := L.Heap.SetMode(cfg.GCMode()); err != nil {
		return cli.NewExitError(fmt.Sprintf("luai: %v", err), 1)
	}
	if cfg.Hook.CountEvery > 0 {
		L.SetHook(func(_ *thread.Thread, event vm.HookEvent, line int) {
			xlog.Debug("luai: hook", "event", event, "line", line)
		}, lua.MaskCount|lua.MaskLine, cfg.Hook.CountEvery)
	}

	installStdlib(L)

	reader, closeReader, err := newReader(path, ctx.Bool(mmapFlag.Name))
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("luai: %v", err), 1)
	}
	defer closeReader()

	if err := L.Load(path, reader, "b"); err != nil {
		return cli.NewExitError(fmt.Sprintf("luai: load %s: %v", path, err), 1)
	}

	if err := L.PCall(0, -1, 0); err != nil {
		return cli.NewExitError(fmt.Sprintf("luai: %v", err), 1)
	}

	if step := ctx.Int(stepFlag.Name); step > 0 {
		L.GCStop()
		L.GCStep(step)
	}
	if ctx.Bool(statsFlag.Name) {
		printStats(L)
	}
	return nil
}

// newReader builds a lua.Reader over path's bytes, either a buffered file
// read in readerChunkSize pieces (the default, exercising the Load
// Protocol's incremental-chunk contract, spec §6.2) or an mmap-backed
// single-chunk read when -mmap is set (exercising the same protocol against
// a reader whose one call returns the entire file).
func newReader(path string, useMmap bool) (lua.Reader, func(), error) {
	if useMmap {
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, err
		}
		m, err := mmap.Map(f, mmap.RDONLY, 0)
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		done := false
		reader := func() ([]byte, error) {
			if done {
				return nil, nil
			}
			done = true
			return []byte(m), nil
		}
		closeFn := func() {
			m.Unmap()
			f.Close()
		}
		return reader, closeFn, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	br := bufio.NewReader(f)
	reader := func() ([]byte, error) {
		buf := make([]byte, readerChunkSize)
		n, err := br.Read(buf)
		if n == 0 || (err != nil && err != io.EOF) {
			if err == io.EOF {
				return nil, nil
			}
			return nil, err
		}
		return buf[:n], nil
	}
	return reader, func() { f.Close() }, nil
}

// installStdlib registers the one host function a demonstration chunk
// needs, print: the standard libraries themselves (string/math/io/os/table/
// utf8/debug/package) are out of scope (spec §1), but the core still needs
// something callable to be a useful CLI, so print is reimplemented here as
// an ordinary embedder-supplied host function exactly the way spec §1
// frames the standard libraries: "a collection of host-callable functions
// registered into a table; the core merely provides the mechanism".
func installStdlib(L *lua.State) {
	L.Register("print", luaPrint)
}

func luaPrint(L *lua.State) int {
	n := L.GetTop()
	for i := 1; i <= n; i++ {
		if i > 1 {
			fmt.Print("\t")
		}
		fmt.Print(tostring(L, i))
	}
	fmt.Print("\n")
	return 0
}

func tostring(L *lua.State, i int) string {
	if s, ok := L.ToString(i); ok {
		return s
	}
	switch L.Type(i) {
	case value.KindNil:
		return "nil"
	case value.KindBool:
		return fmt.Sprintf("%v", L.ToBoolean(i))
	default:
		return L.Type(i).String()
	}
}

func printStats(L *lua.State) {
	kb, rem := L.GCCount()
	fmt.Printf("gc: %dKB+%dB live, %d objects, generational=%v\n",
		kb, rem, L.GCObjectCount(), L.GCIsGenerational())
}
