package loader

import "errors"

// Sentinel causes carried inside *plugins.Error values returned by the
// loader. Match them with errors.Is.
var (
	// ErrPathNotFound means the plugin directory does not exist
	ErrPathNotFound = errors.New("plugin path not found")

	// ErrEntryNotFound means no entry module could be resolved, or the entry
	// never registered a plugin factory
	ErrEntryNotFound = errors.New("plugin entry not found")

	// ErrInstantiation means the entry module or its factory failed
	ErrInstantiation = errors.New("plugin instantiation failed")

	// ErrUnsupportedRuntime means the entry extension has no backend
	ErrUnsupportedRuntime = errors.New("unsupported plugin runtime")

	// ErrNotLoaded means no handle exists for the id
	ErrNotLoaded = errors.New("plugin not loaded")

	// ErrAlreadyLoaded means a handle exists or is being created for the id
	ErrAlreadyLoaded = errors.New("plugin already loaded")
)
