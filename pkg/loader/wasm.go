package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/platinummonkey/berth/pkg/plugins"
)

// Exports looked up on a WebAssembly entry module
const (
	wasmCreate = "plugin_create"
	wasmStart  = "plugin_start"
	wasmStop   = "plugin_stop"
)

// wasmPlugin is a plugin backed by its own wazero runtime
type wasmPlugin struct {
	mu     sync.Mutex
	id     string
	rt     wazero.Runtime
	mod    api.Module
	start  api.Function
	stop   api.Function
	closed bool
}

// loadWASM instantiates the host modules, every dependency module in dir
// and finally the entry module, then calls its plugin_create export
func loadWASM(ctx context.Context, id, dir, entryPath string, h host) (*wasmPlugin, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	fail := func(err error) (*wasmPlugin, error) {
		_ = rt.Close(context.Background())
		return nil, err
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return fail(fmt.Errorf("failed to instantiate WASI: %w", err))
	}
	if err := instantiateHostModule(ctx, rt, h); err != nil {
		return fail(fmt.Errorf("failed to instantiate host module: %w", err))
	}

	deps, err := wasmDependencies(dir, entryPath)
	if err != nil {
		return fail(err)
	}
	for _, dep := range deps {
		name := strings.TrimSuffix(filepath.Base(dep), ".wasm")
		if _, err := instantiateFile(ctx, rt, dep, name); err != nil {
			return fail(plugins.Wrap(plugins.ValidationFailure, "load", ErrInstantiation, "dependency %s: %v", name, err))
		}
	}

	mod, err := instantiateFile(ctx, rt, entryPath, id)
	if err != nil {
		return fail(plugins.Wrap(plugins.ValidationFailure, "load", ErrInstantiation, "%s: %v", filepath.Base(entryPath), err))
	}

	create := mod.ExportedFunction(wasmCreate)
	if create == nil {
		return fail(plugins.Wrap(plugins.NotFound, "load", ErrEntryNotFound, "%s does not export %s", filepath.Base(entryPath), wasmCreate))
	}
	if err := callStatus(ctx, create); err != nil {
		return fail(plugins.Wrap(plugins.ValidationFailure, "load", ErrInstantiation, "%s: %v", wasmCreate, err))
	}

	return &wasmPlugin{
		id:    id,
		rt:    rt,
		mod:   mod,
		start: mod.ExportedFunction(wasmStart),
		stop:  mod.ExportedFunction(wasmStop),
	}, nil
}

// wasmDependencies lists the .wasm files in dir other than the entry and
// host modules, in lexical order
func wasmDependencies(dir, entryPath string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin directory: %w", err)
	}

	var deps []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".wasm" || strings.HasPrefix(name, HostPrefix) {
			continue
		}
		p := filepath.Join(dir, name)
		if p == entryPath {
			continue
		}
		deps = append(deps, p)
	}
	return deps, nil
}

func instantiateFile(ctx context.Context, rt wazero.Runtime, path, name string) (api.Module, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read module: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to compile module: %w", err)
	}

	cfg := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions("_initialize")

	mod, err := rt.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate module: %w", err)
	}
	return mod, nil
}

// instantiateHostModule exports the berth host functions to plugin modules
func instantiateHostModule(ctx context.Context, rt wazero.Runtime, h host) error {
	logAt := func(level logrus.Level) func(context.Context, api.Module, uint32, uint32) {
		return func(_ context.Context, m api.Module, ptr, length uint32) {
			h.log.Log(level, readString(m, ptr, length))
		}
	}

	_, err := rt.NewHostModuleBuilder(hostModule).
		NewFunctionBuilder().WithFunc(logAt(logrus.InfoLevel)).Export("log_info").
		NewFunctionBuilder().WithFunc(logAt(logrus.WarnLevel)).Export("log_warn").
		NewFunctionBuilder().WithFunc(logAt(logrus.ErrorLevel)).Export("log_error").
		NewFunctionBuilder().WithFunc(func(_ context.Context, m api.Module, ptr, size uint32) uint32 {
			return writeString(m, ptr, size, h.version)
		}).Export("host_version").
		Instantiate(ctx)
	return err
}

// readString reads a string from module memory
func readString(m api.Module, ptr, length uint32) string {
	if m == nil || m.Memory() == nil {
		return ""
	}
	data, ok := m.Memory().Read(ptr, length)
	if !ok {
		return ""
	}
	return string(data)
}

// writeString copies up to size bytes of s to module memory and returns the
// full length of s
func writeString(m api.Module, ptr, size uint32, s string) uint32 {
	if m == nil || m.Memory() == nil {
		return uint32(len(s))
	}
	data := []byte(s)
	if uint32(len(data)) > size {
		data = data[:size]
	}
	m.Memory().Write(ptr, data)
	return uint32(len(s))
}

// callStatus calls fn and treats a non-zero first result as failure
func callStatus(ctx context.Context, fn api.Function) error {
	results, err := fn.Call(ctx)
	if err != nil {
		return err
	}
	if len(results) > 0 && uint32(results[0]) != 0 {
		return fmt.Errorf("returned status %d", int32(uint32(results[0])))
	}
	return nil
}

func (p *wasmPlugin) ID() string {
	return p.id
}

func (p *wasmPlugin) Start(ctx context.Context) error {
	return p.call(ctx, "start", func() api.Function { return p.start })
}

func (p *wasmPlugin) Stop(ctx context.Context) error {
	return p.call(ctx, "stop", func() api.Function { return p.stop })
}

func (p *wasmPlugin) call(ctx context.Context, name string, fn func() api.Function) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return plugins.Errorf(plugins.StateConflict, name, "plugin has been unloaded").WithID(p.id)
	}
	f := fn()
	if f == nil {
		return nil
	}
	if err := callStatus(ctx, f); err != nil {
		return fmt.Errorf("plugin %s %s failed: %w", p.id, name, err)
	}
	return nil
}

func (p *wasmPlugin) close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.mod = nil
	p.start = nil
	p.stop = nil

	rt := p.rt
	p.rt = nil
	if err := rt.Close(ctx); err != nil {
		return fmt.Errorf("failed to close wasm runtime: %w", err)
	}
	return nil
}
