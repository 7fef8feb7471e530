// Package plugins holds the types shared by every part of the plugin host.
//
// # Overview
//
// Metadata describes one plugin version and travels inside its package.
// InstalledRecord and Config are the persisted state of an installed plugin.
// Plugin is the capability a loaded plugin exposes to the host.
//
// # Metadata
//
// Metadata is authored as plugin.yaml (or JSON) next to the plugin sources:
//
//	meta, err := plugins.LoadMetadata("plugin.yaml")
//	if err != nil {
//		return err
//	}
//	if problems := plugins.ValidateMetadata(meta); plugins.HasErrors(problems) {
//		return fmt.Errorf("invalid metadata: %v", problems)
//	}
//
// # Errors
//
// Every package reports failures as *Error carrying a Kind. Callers branch
// on the kind rather than on messages:
//
//	if plugins.IsNotFound(err) {
//		...
//	}
//
// Kinds survive fmt.Errorf wrapping, and a Kind is itself an error, so
// errors.Is(err, plugins.NotFound) works as well.
//
// # Related Packages
//
//   - pkg/bpkg: packages metadata and files into .bpkg archives
//   - pkg/loader: turns an installed plugin into a running Plugin
//   - pkg/lifecycle: owns installed records and plugin configs
package plugins
