package version

import (
	"fmt"
	"strings"

	"github.com/platinummonkey/berth/pkg/plugins"
)

// ProblemKind identifies one compatibility failure
type ProblemKind string

const (
	ProblemInvalidVersion     ProblemKind = "invalid_version"
	ProblemHostTooOld         ProblemKind = "host_too_old"
	ProblemHostTooNew         ProblemKind = "host_too_new"
	ProblemDependencyMissing  ProblemKind = "dependency_missing"
	ProblemDependencyTooOld   ProblemKind = "dependency_too_old"
	ProblemDependencyTooNew   ProblemKind = "dependency_too_new"
	ProblemOptionalDepMissing ProblemKind = "optional_dependency_missing"
)

// Problem is a single entry in a compatibility report
type Problem struct {
	Kind     ProblemKind `json:"kind"`
	Subject  string      `json:"subject"`
	Message  string      `json:"message"`
	Severity string      `json:"severity"` // error, warning
}

// Report accumulates every compatibility problem found for a plugin
type Report struct {
	PluginID    string    `json:"pluginId"`
	Version     string    `json:"version"`
	HostVersion string    `json:"hostVersion"`
	Problems    []Problem `json:"problems,omitempty"`
}

// Compatible reports whether the report contains no errors
func (r *Report) Compatible() bool {
	for _, p := range r.Problems {
		if p.Severity == "error" {
			return false
		}
	}
	return true
}

// Warnings returns the non-fatal problems
func (r *Report) Warnings() []Problem {
	var out []Problem
	for _, p := range r.Problems {
		if p.Severity == "warning" {
			out = append(out, p)
		}
	}
	return out
}

// Err returns a ValidationFailure describing all errors, or nil
func (r *Report) Err() error {
	if r.Compatible() {
		return nil
	}
	msgs := make([]string, 0, len(r.Problems))
	for _, p := range r.Problems {
		if p.Severity == "error" {
			msgs = append(msgs, p.Message)
		}
	}
	return plugins.Errorf(plugins.ValidationFailure, "check compatibility", "%s", strings.Join(msgs, "; ")).WithID(r.PluginID)
}

func (r *Report) add(kind ProblemKind, subject, severity, format string, args ...any) {
	r.Problems = append(r.Problems, Problem{
		Kind:     kind,
		Subject:  subject,
		Message:  fmt.Sprintf(format, args...),
		Severity: severity,
	})
}

// CheckCompatibility checks host bounds and direct dependencies against
// the installed set (id to version). It never stops at the first problem.
func CheckCompatibility(meta *plugins.Metadata, hostVersion string, installed map[string]string) *Report {
	report := &Report{PluginID: meta.ID, Version: meta.Version, HostVersion: hostVersion}

	checkHost(report, meta, hostVersion)

	for _, dep := range meta.Dependencies {
		checkDependency(report, dep, installed)
	}

	return report
}

func checkHost(report *Report, meta *plugins.Metadata, hostVersion string) {
	if meta.MinHostVersion == "" && meta.MaxHostVersion == "" {
		return
	}

	host, err := Parse(hostVersion)
	if err != nil {
		report.add(ProblemInvalidVersion, "host", "error", "host version %q is not a valid version", hostVersion)
		return
	}

	if meta.MinHostVersion != "" {
		lo, err := Parse(meta.MinHostVersion)
		if err != nil {
			report.add(ProblemInvalidVersion, "host", "error", "minimum host version %q is not a valid version", meta.MinHostVersion)
		} else if host.LessThan(lo) {
			report.add(ProblemHostTooOld, "host", "error", "requires host %s or later, running %s", meta.MinHostVersion, hostVersion)
		}
	}

	if meta.MaxHostVersion != "" {
		hi, err := Parse(meta.MaxHostVersion)
		if err != nil {
			report.add(ProblemInvalidVersion, "host", "error", "maximum host version %q is not a valid version", meta.MaxHostVersion)
		} else if host.GreaterThan(hi) {
			report.add(ProblemHostTooNew, "host", "error", "supports host up to %s, running %s", meta.MaxHostVersion, hostVersion)
		}
	}
}

func checkDependency(report *Report, dep plugins.Dependency, installed map[string]string) {
	current, ok := installed[dep.Name]
	if !ok {
		if dep.Optional {
			report.add(ProblemOptionalDepMissing, dep.Name, "warning", "optional dependency %s is not installed", dep.Name)
			return
		}
		report.add(ProblemDependencyMissing, dep.Name, "error", "dependency %s is not installed", dep.Name)
		return
	}

	have, err := Parse(current)
	if err != nil {
		report.add(ProblemInvalidVersion, dep.Name, "error", "installed %s has invalid version %q", dep.Name, current)
		return
	}

	if dep.MinVersion != "" {
		lo, err := Parse(dep.MinVersion)
		if err != nil {
			report.add(ProblemInvalidVersion, dep.Name, "error", "dependency %s has invalid minimum version %q", dep.Name, dep.MinVersion)
		} else if have.LessThan(lo) {
			report.add(ProblemDependencyTooOld, dep.Name, "error", "dependency %s requires %s or later, installed %s", dep.Name, dep.MinVersion, current)
		}
	}

	if dep.MaxVersion != "" {
		hi, err := Parse(dep.MaxVersion)
		if err != nil {
			report.add(ProblemInvalidVersion, dep.Name, "error", "dependency %s has invalid maximum version %q", dep.Name, dep.MaxVersion)
		} else if have.GreaterThan(hi) {
			report.add(ProblemDependencyTooNew, dep.Name, "error", "dependency %s supports up to %s, installed %s", dep.Name, dep.MaxVersion, current)
		}
	}
}
