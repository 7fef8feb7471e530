package bpkg

import (
	"crypto/x509"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

var bpkgTracer = otel.Tracer("berth/bpkg")

// Options configure an Engine
type Options struct {
	// RequireSignatures rejects unsigned packages on install
	RequireSignatures bool
	// Roots, when set, must chain every signer certificate
	Roots *x509.CertPool
	// Steps handles install and uninstall hooks; defaults to the built-ins
	Steps *StepRegistry
	// ToolVersion is stamped into the build info of created packages
	ToolVersion string
	// Now overrides the clock
	Now func() time.Time
}

// Engine builds, verifies, installs and removes .bpkg packages
type Engine struct {
	opts  Options
	steps *StepRegistry
	log   *logrus.Logger
}

// NewEngine creates a package engine
func NewEngine(opts Options, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.New()
	}
	if opts.Steps == nil {
		opts.Steps = NewStepRegistry()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Engine{
		opts:  opts,
		steps: opts.Steps,
		log:   log,
	}
}

// Steps returns the step registry so callers can add custom actions
func (e *Engine) Steps() *StepRegistry {
	return e.steps
}
