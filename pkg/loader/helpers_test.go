package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func testLogger() (*logrus.Logger, *test.Hook) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return log, hook
}

func messages(hook *test.Hook) []string {
	entries := hook.AllEntries()
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Message)
	}
	return out
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
}

func pluginDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "plugin")
	require.NoError(t, os.MkdirAll(dir, 0755))
	writeFiles(t, dir, files)
	return dir
}

// Minimal WebAssembly encoder for test modules. Imported functions all have
// type (i32, i32) -> (); local functions have type () -> (), () -> i32 or
// (i32, i32) -> ().

type wasmImport struct {
	module, name string
}

type wasmFunc struct {
	export  string
	returns bool
	params  bool
	body    []byte
}

func uleb(v uint32) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		out = append(out, c)
		if v == 0 {
			return out
		}
	}
}

func sleb(v int32) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		out = append(out, c)
		if done {
			return out
		}
	}
}

func wasmName(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

func wasmVec(items [][]byte) []byte {
	out := uleb(uint32(len(items)))
	for _, item := range items {
		out = append(out, item...)
	}
	return out
}

func wasmSection(id byte, payload []byte) []byte {
	out := append([]byte{id}, uleb(uint32(len(payload)))...)
	return append(out, payload...)
}

// callImport pushes two i32 constants and calls imported function idx
func callImport(idx uint32, a, b int32) []byte {
	out := append([]byte{0x41}, sleb(a)...)
	out = append(out, 0x41)
	out = append(out, sleb(b)...)
	out = append(out, 0x10)
	return append(out, uleb(idx)...)
}

// i32Const pushes v
func i32Const(v int32) []byte {
	return append([]byte{0x41}, sleb(v)...)
}

func buildWasm(imports []wasmImport, funcs []wasmFunc, data string) []byte {
	mod := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	types := wasmVec([][]byte{
		{0x60, 0x02, 0x7f, 0x7f, 0x00},
		{0x60, 0x00, 0x00},
		{0x60, 0x00, 0x01, 0x7f},
	})
	mod = append(mod, wasmSection(1, types)...)

	if len(imports) > 0 {
		items := make([][]byte, 0, len(imports))
		for _, imp := range imports {
			item := append(wasmName(imp.module), wasmName(imp.name)...)
			items = append(items, append(item, 0x00, 0x00))
		}
		mod = append(mod, wasmSection(2, wasmVec(items))...)
	}

	typeIdx := make([][]byte, 0, len(funcs))
	for _, fn := range funcs {
		switch {
		case fn.params:
			typeIdx = append(typeIdx, []byte{0x00})
		case fn.returns:
			typeIdx = append(typeIdx, []byte{0x02})
		default:
			typeIdx = append(typeIdx, []byte{0x01})
		}
	}
	mod = append(mod, wasmSection(3, wasmVec(typeIdx))...)

	if data != "" {
		mod = append(mod, wasmSection(5, wasmVec([][]byte{{0x00, 0x01}}))...)
	}

	exports := make([][]byte, 0, len(funcs))
	for i, fn := range funcs {
		item := append(wasmName(fn.export), 0x00)
		exports = append(exports, append(item, uleb(uint32(len(imports)+i))...))
	}
	mod = append(mod, wasmSection(7, wasmVec(exports))...)

	bodies := make([][]byte, 0, len(funcs))
	for _, fn := range funcs {
		full := append([]byte{0x00}, fn.body...)
		full = append(full, 0x0b)
		bodies = append(bodies, append(uleb(uint32(len(full))), full...))
	}
	mod = append(mod, wasmSection(10, wasmVec(bodies))...)

	if data != "" {
		segment := append([]byte{0x00, 0x41, 0x00, 0x0b}, wasmName(data)...)
		mod = append(mod, wasmSection(11, wasmVec([][]byte{segment}))...)
	}

	return mod
}
