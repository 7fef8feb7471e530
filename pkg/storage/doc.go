// Package storage persists host state for the plugin manager.
//
// # Overview
//
// Two kinds of state are kept:
//
//   - Installed records: one row per installed plugin in a SQLite database
//     (table installed_plugins). This is the source of truth for what is on
//     disk and survives restarts.
//   - Documents: small YAML files, one per id, used for per-plugin
//     configuration and repository descriptors.
//
// # Installed records
//
//	store, err := storage.OpenSQLite(ctx, storage.Config{DataDir: "/var/lib/berth"})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
//	err = store.Put(ctx, &plugins.InstalledRecord{
//		ID:          "com.example.hello",
//		Version:     "1.2.0",
//		InstallPath: "/var/lib/berth/plugins/com.example.hello",
//	})
//
// Put is an upsert. Replacing a record keeps the InstalledAt of the first
// install and takes everything else from the new record. Get and Delete
// return a plugins.NotFound error for unknown ids.
//
// # Documents
//
// FileStore is generic over the document type:
//
//	repos, err := storage.NewFileStore[repository.Descriptor](filepath.Join(configDir, "repositories"))
//
// Writes go to a temp file in the same directory and are renamed into
// place, so readers never observe a half written document. Ids must be
// plain file names; see ValidID.
//
// PluginConfigs wraps a FileStore of plugins.Config and returns
// plugins.DefaultConfig for plugins that have never been configured.
package storage
