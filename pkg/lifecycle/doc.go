// Package lifecycle composes the package engine, download engine,
// repositories, loader and persisted state into one plugin manager.
//
// Every plugin has a state machine:
//
//	discovered -> installing -> installed -> loading -> loaded -> running
//	running -> stopping -> loaded -> unloading -> installed
//	installed -> updating -> installed
//	installed|disabled|failed -> uninstalling -> uninstalled
//	installed|failed <-> disabled
//
// Any in-flight state can fall to failed. A failed plugin can be loaded,
// reinstalled, updated, disabled or uninstalled. Every transition is
// published as a StatusChanged event; events for one plugin arrive in order.
//
// Operations on the same plugin are serialized. Operations on different
// plugins run concurrently.
//
// Basic usage:
//
//	mgr, err := lifecycle.NewManager(lifecycle.Options{
//		InstallRoot: "plugins",
//		HostVersion: "1.4.0",
//		Watch:       true,
//	}, lifecycle.Deps{
//		Packages:     packages,
//		Loader:       loader.New(loader.Options{HostVersion: "1.4.0"}, log),
//		Installed:    store,
//		Configs:      configs,
//		Repositories: repos,
//		Downloads:    downloads,
//	}, log)
//	if err != nil {
//		return err
//	}
//	defer mgr.Close(context.Background())
//
//	if err := mgr.Start(ctx); err != nil {
//		return err
//	}
//	if _, err := mgr.Install(ctx, "com.example.hello", "[1.2.0,2.0.0)"); err != nil {
//		return err
//	}
//	return mgr.Load(ctx, "com.example.hello")
package lifecycle
