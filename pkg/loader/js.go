package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/berth/pkg/plugins"
)

// jsModules is the CommonJS-style module table of one goja runtime
type jsModules struct {
	vm     *goja.Runtime
	dir    string
	cache  map[string]*goja.Object
	shared map[string]goja.Value
}

// jsPlugin is a plugin backed by a goja runtime
type jsPlugin struct {
	mu     sync.Mutex
	id     string
	rt     *goja.Runtime // set once, used only for Interrupt
	vm     *goja.Runtime
	this   goja.Value
	start  goja.Callable
	stop   goja.Callable
	closed bool
}

// loadJS runs the entry script in a fresh runtime and instantiates the
// factory it registers
func loadJS(ctx context.Context, id, dir, entryPath string, h host) (*jsPlugin, error) {
	vm := goja.New()
	mods := &jsModules{
		vm:    vm,
		dir:   dir,
		cache: make(map[string]*goja.Object),
		shared: map[string]goja.Value{
			hostModule: newJSHost(vm, id, h),
		},
	}

	var factory goja.Callable
	register := func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("registerPlugin expects a factory function"))
		}
		if factory != nil {
			h.log.Warnf("Plugin %s registered more than one factory; using the first", id)
			return goja.Undefined()
		}
		factory = fn
		return goja.Undefined()
	}
	if err := vm.Set("registerPlugin", register); err != nil {
		return nil, fmt.Errorf("failed to install registerPlugin: %w", err)
	}
	if err := vm.Set("require", mods.require); err != nil {
		return nil, fmt.Errorf("failed to install require: %w", err)
	}

	var err error
	guard(ctx, vm, func() { _, err = mods.load(entryPath) })
	if err != nil {
		return nil, plugins.Wrap(plugins.ValidationFailure, "load", ErrInstantiation, "%s: %v", filepath.Base(entryPath), err)
	}
	if factory == nil {
		return nil, plugins.Wrap(plugins.NotFound, "load", ErrEntryNotFound, "%s did not call registerPlugin", filepath.Base(entryPath))
	}

	var created goja.Value
	guard(ctx, vm, func() { created, err = factory(goja.Undefined()) })
	if err != nil {
		return nil, plugins.Wrap(plugins.ValidationFailure, "load", ErrInstantiation, "factory failed: %v", err)
	}
	if created == nil || goja.IsUndefined(created) || goja.IsNull(created) {
		return nil, plugins.Wrap(plugins.ValidationFailure, "load", ErrInstantiation, "factory returned no plugin")
	}

	obj := created.ToObject(vm)
	if v := obj.Get("id"); v != nil && !goja.IsUndefined(v) && v.String() != id {
		return nil, plugins.Wrap(plugins.ValidationFailure, "load", ErrInstantiation, "factory returned plugin %q", v.String())
	}

	p := &jsPlugin{id: id, rt: vm, vm: vm, this: obj}
	if fn, ok := goja.AssertFunction(obj.Get("start")); ok {
		p.start = fn
	}
	if fn, ok := goja.AssertFunction(obj.Get("stop")); ok {
		p.stop = fn
	}
	return p, nil
}

func (p *jsPlugin) ID() string {
	return p.id
}

func (p *jsPlugin) Start(ctx context.Context) error {
	return p.call(ctx, "start", func() goja.Callable { return p.start })
}

func (p *jsPlugin) Stop(ctx context.Context) error {
	return p.call(ctx, "stop", func() goja.Callable { return p.stop })
}

func (p *jsPlugin) call(ctx context.Context, name string, fn func() goja.Callable) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return plugins.Errorf(plugins.StateConflict, name, "plugin has been unloaded").WithID(p.id)
	}
	f := fn()
	if f == nil {
		return nil
	}

	var err error
	guard(ctx, p.vm, func() { _, err = f(p.this) })
	if err != nil {
		return fmt.Errorf("plugin %s %s failed: %w", p.id, name, err)
	}
	return nil
}

func (p *jsPlugin) close(ctx context.Context) error {
	p.rt.Interrupt("plugin unloaded")

	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.vm = nil
	p.this = nil
	p.start = nil
	p.stop = nil
	return nil
}

// guard runs fn and interrupts the runtime if ctx ends first
func guard(ctx context.Context, vm *goja.Runtime, fn func()) {
	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(interrupted)
		vm.Interrupt(ctx.Err())
	})
	defer func() {
		if !stop() {
			<-interrupted
		}
		vm.ClearInterrupt()
	}()
	fn()
}

// require resolves host-shared modules first, then files inside the
// plugin directory
func (m *jsModules) require(call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()
	if v, ok := m.shared[name]; ok {
		return v
	}

	path, err := m.resolve(name)
	if err != nil {
		panic(m.vm.NewGoError(err))
	}
	exports, err := m.load(path)
	if err != nil {
		var ex *goja.Exception
		if errors.As(err, &ex) {
			panic(ex.Value())
		}
		panic(m.vm.NewGoError(err))
	}
	return exports
}

func (m *jsModules) resolve(name string) (string, error) {
	if name == "" || filepath.IsAbs(name) {
		return "", fmt.Errorf("cannot find module %q", name)
	}

	candidate := filepath.Join(m.dir, filepath.FromSlash(name))
	if !within(m.dir, candidate) {
		return "", fmt.Errorf("module %q resolves outside the plugin directory", name)
	}

	for _, p := range []string{candidate, candidate + ".js"} {
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("cannot find module %q", name)
}

// load evaluates the module at path once and returns its exports. The
// module is cached before it runs so cyclic requires see partial exports.
func (m *jsModules) load(path string) (goja.Value, error) {
	if mod, ok := m.cache[path]; ok {
		return mod.Get("exports"), nil
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read module: %w", err)
	}

	mod := m.vm.NewObject()
	exports := m.vm.NewObject()
	if err := mod.Set("exports", exports); err != nil {
		return nil, err
	}
	m.cache[path] = mod

	wrapped := "(function(exports, require, module) {" + string(src) + "\n})"
	fnVal, err := m.vm.RunScript(path, wrapped)
	if err != nil {
		delete(m.cache, path)
		return nil, err
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		delete(m.cache, path)
		return nil, fmt.Errorf("module %s did not compile to a function", path)
	}
	if _, err := fn(goja.Undefined(), exports, m.vm.Get("require"), mod); err != nil {
		delete(m.cache, path)
		return nil, err
	}
	return mod.Get("exports"), nil
}

// newJSHost builds the host module object returned by require("berth")
func newJSHost(vm *goja.Runtime, id string, h host) goja.Value {
	logAt := func(level logrus.Level) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, arg.String())
			}
			h.log.Log(level, strings.Join(parts, " "))
			return goja.Undefined()
		}
	}

	log := vm.NewObject()
	_ = log.Set("debug", logAt(logrus.DebugLevel))
	_ = log.Set("info", logAt(logrus.InfoLevel))
	_ = log.Set("warn", logAt(logrus.WarnLevel))
	_ = log.Set("error", logAt(logrus.ErrorLevel))

	obj := vm.NewObject()
	_ = obj.Set("log", log)
	_ = obj.Set("hostVersion", h.version)
	_ = obj.Set("pluginId", id)
	return obj
}
