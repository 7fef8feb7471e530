// Package bpkg builds, verifies, installs and removes .bpkg plugin packages.
//
// A package is a ZIP archive holding the plugin files and a manifest.json
// entry. The manifest lists every file with its size and digest, and carries
// a content-addressed package checksum computed over that list, so the
// checksum can live inside the archive it describes. Packages may be signed
// with an RSA key; the signature covers the plugin id, version and package
// checksum.
//
// Installs are staged next to the install root and promoted by rename, so a
// failed install never leaves a partial plugin directory behind.
package bpkg
