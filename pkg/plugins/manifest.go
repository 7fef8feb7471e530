package plugins

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	semverRegex = regexp.MustCompile(`^v?(\d+)\.(\d+)\.(\d+)(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)
	idRegex     = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
)

// LoadMetadata loads plugin metadata from a YAML or JSON file
func LoadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var meta Metadata
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &meta)
	default:
		err = yaml.Unmarshal(data, &meta)
	}
	if err != nil {
		return nil, Wrap(ValidationFailure, "load metadata", err, "failed to parse %s", filepath.Base(path))
	}

	return &meta, nil
}

// SaveMetadata writes plugin metadata as YAML or JSON depending on extension
func SaveMetadata(meta *Metadata, path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(meta, "", "  ")
	default:
		data, err = yaml.Marshal(meta)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	return nil
}

// ValidateMetadata reports every problem found in the metadata
func ValidateMetadata(meta *Metadata) []ValidationError {
	var errors []ValidationError

	if meta.ID == "" {
		errors = append(errors, ValidationError{Field: "id", Message: "Plugin ID is required", Severity: "error"})
	} else if !idRegex.MatchString(meta.ID) {
		errors = append(errors, ValidationError{
			Field:    "id",
			Message:  fmt.Sprintf("Invalid plugin ID: %s (lowercase letters, digits, '.', '_' and '-' only)", meta.ID),
			Severity: "error",
		})
	}

	if meta.Name == "" {
		errors = append(errors, ValidationError{Field: "name", Message: "Plugin name is required", Severity: "error"})
	}

	if meta.Version == "" {
		errors = append(errors, ValidationError{Field: "version", Message: "Version is required", Severity: "error"})
	} else if !IsValidSemver(meta.Version) {
		errors = append(errors, ValidationError{
			Field:    "version",
			Message:  fmt.Sprintf("Invalid semver format: %s", meta.Version),
			Severity: "error",
		})
	}

	for field, v := range map[string]string{
		"min_host_version": meta.MinHostVersion,
		"max_host_version": meta.MaxHostVersion,
	} {
		if v != "" && !IsValidSemver(v) {
			errors = append(errors, ValidationError{
				Field:    field,
				Message:  fmt.Sprintf("Invalid semver format: %s", v),
				Severity: "error",
			})
		}
	}

	switch meta.Runtime {
	case "", RuntimeJS, RuntimeWASM:
	default:
		errors = append(errors, ValidationError{
			Field:    "runtime",
			Message:  fmt.Sprintf("Invalid runtime: %s (must be js or wasm)", meta.Runtime),
			Severity: "error",
		})
	}

	for i, dep := range meta.Dependencies {
		field := fmt.Sprintf("dependencies[%d]", i)
		if dep.Name == "" {
			errors = append(errors, ValidationError{Field: field, Message: "Dependency name is required", Severity: "error"})
		}
		if dep.Name == meta.ID && dep.Name != "" {
			errors = append(errors, ValidationError{Field: field, Message: "Plugin cannot depend on itself", Severity: "error"})
		}
		if dep.MinVersion != "" && !IsValidSemver(dep.MinVersion) {
			errors = append(errors, ValidationError{Field: field, Message: fmt.Sprintf("Invalid min version: %s", dep.MinVersion), Severity: "error"})
		}
		if dep.MaxVersion != "" && !IsValidSemver(dep.MaxVersion) {
			errors = append(errors, ValidationError{Field: field, Message: fmt.Sprintf("Invalid max version: %s", dep.MaxVersion), Severity: "error"})
		}
	}

	if meta.Description == "" {
		errors = append(errors, ValidationError{Field: "description", Message: "Description is recommended", Severity: "warning"})
	}

	return errors
}

// HasErrors reports whether any validation problem is an error rather than a warning
func HasErrors(problems []ValidationError) bool {
	for _, p := range problems {
		if p.Severity != "warning" {
			return true
		}
	}
	return false
}

// IsValidSemver checks if a version string follows semantic versioning
func IsValidSemver(version string) bool {
	return semverRegex.MatchString(version)
}
