// Package loader loads plugin modules into isolated runtimes and unloads
// them again without restarting the host.
//
// Every plugin id gets one handle. The handle owns a dedicated runtime: a
// goja JavaScript VM for .js entries or a wazero WebAssembly runtime for
// .wasm entries. Nothing but the host module is shared between handles.
//
// # Entry resolution
//
// Load takes an explicit entry file name, or picks the first .js or .wasm
// file in the plugin directory in lexical order. Files named with the
// "berth." prefix are host modules and are never picked.
//
// # JavaScript plugins
//
// The entry script registers its plugin through a factory:
//
//	const berth = require("berth");
//	const util = require("./util");
//
//	registerPlugin(function () {
//		return {
//			id: "com.example.hello",
//			start: function () { berth.log.info("hello " + util.name()); },
//			stop: function () { berth.log.info("bye"); }
//		};
//	});
//
// require resolves the host module first, then name and name.js inside the
// plugin directory. Paths that escape the directory are rejected. Modules
// are cached per handle. A second registerPlugin call is logged and
// ignored.
//
// # WebAssembly plugins
//
// The host instantiates WASI and the "berth" host module (log_info,
// log_warn, log_error taking a pointer and length, and host_version). Every
// other .wasm file in the directory is instantiated as a named dependency
// module before the entry, so the entry may import from it. The entry must
// export plugin_create; plugin_start and plugin_stop are optional. A
// non-zero i32 result from any of them is a failure.
//
// # Unloading
//
// Unload stops a running plugin, closes its runtime and then collects
// garbage a bounded number of times, watching the handle through a weak
// pointer. If the host still holds the plugins.Plugin returned by Load the
// handle stays reachable and a warning is logged.
package loader
