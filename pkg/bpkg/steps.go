package bpkg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/berth/pkg/plugins"
)

// Built-in step actions
const (
	ActionMkdir  = "mkdir"
	ActionRemove = "remove"
	ActionChmod  = "chmod"
	ActionTouch  = "touch"
)

// Step is an install or uninstall hook declared by a package
type Step struct {
	Action   string `json:"action"`
	Path     string `json:"path,omitempty"`
	Mode     string `json:"mode,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// StepFunc executes a step relative to the plugin directory
type StepFunc func(ctx context.Context, baseDir string, step Step) error

// StepRegistry maps step actions to handlers
type StepRegistry struct {
	handlers map[string]StepFunc
	mu       sync.RWMutex
}

// NewStepRegistry creates a registry with the built-in actions
func NewStepRegistry() *StepRegistry {
	r := &StepRegistry{handlers: make(map[string]StepFunc)}
	r.Register(ActionMkdir, mkdirStep)
	r.Register(ActionRemove, removeStep)
	r.Register(ActionChmod, chmodStep)
	r.Register(ActionTouch, touchStep)
	return r
}

// Register adds or replaces the handler for an action
func (r *StepRegistry) Register(action string, fn StepFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[action] = fn
}

func (r *StepRegistry) lookup(action string) (StepFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[action]
	return fn, ok
}

// Run executes steps in order. A failing required step stops the run and
// is returned; other failures are logged and returned as warnings.
func (r *StepRegistry) Run(ctx context.Context, phase, baseDir string, steps []Step, log *logrus.Logger) ([]string, error) {
	var warnings []string

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return warnings, err
		}

		err := r.runOne(ctx, baseDir, step)
		if err == nil {
			log.Debugf("%s step %d (%s %s) completed", phase, i, step.Action, step.Path)
			continue
		}

		if step.Required {
			return warnings, fmt.Errorf("required %s step %d (%s) failed: %w", phase, i, step.Action, err)
		}

		msg := fmt.Sprintf("%s step %d (%s %s) failed: %v", phase, i, step.Action, step.Path, err)
		log.Warnf("%s", msg)
		warnings = append(warnings, msg)
	}

	return warnings, nil
}

func (r *StepRegistry) runOne(ctx context.Context, baseDir string, step Step) (err error) {
	fn, ok := r.lookup(step.Action)
	if !ok {
		return plugins.Errorf(plugins.ValidationFailure, "run step", "unknown action %q", step.Action)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("step panicked: %v", rec)
		}
	}()
	return fn(ctx, baseDir, step)
}

// resolveInside joins rel onto base and rejects paths escaping base
func resolveInside(base, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("path %q must be relative", rel)
	}

	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes plugin directory", rel)
	}
	return filepath.Join(base, clean), nil
}

func parseMode(mode string, def os.FileMode) (os.FileMode, error) {
	if mode == "" {
		return def, nil
	}
	m, err := strconv.ParseUint(mode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q: %w", mode, err)
	}
	return os.FileMode(m), nil
}

func mkdirStep(ctx context.Context, baseDir string, step Step) error {
	dir, err := resolveInside(baseDir, step.Path)
	if err != nil {
		return err
	}
	mode, err := parseMode(step.Mode, 0755)
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, mode)
}

func removeStep(ctx context.Context, baseDir string, step Step) error {
	target, err := resolveInside(baseDir, step.Path)
	if err != nil {
		return err
	}
	return os.RemoveAll(target)
}

func chmodStep(ctx context.Context, baseDir string, step Step) error {
	target, err := resolveInside(baseDir, step.Path)
	if err != nil {
		return err
	}
	if step.Mode == "" {
		return fmt.Errorf("chmod requires a mode")
	}
	mode, err := parseMode(step.Mode, 0)
	if err != nil {
		return err
	}
	return os.Chmod(target, mode)
}

func touchStep(ctx context.Context, baseDir string, step Step) error {
	target, err := resolveInside(baseDir, step.Path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	now := time.Now()
	return os.Chtimes(target, now, now)
}
