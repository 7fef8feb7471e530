package bpkg

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/berth/pkg/checksum"
	"github.com/platinummonkey/berth/pkg/plugins"
)

const (
	// Extension is the file extension of plugin packages
	Extension = ".bpkg"
	// ManifestName is the archive entry holding the package manifest
	ManifestName = "manifest.json"
	// FormatVersion is the manifest format written by this engine
	FormatVersion = 1
)

// FileEntry lists one file of the package at its install-relative path
type FileEntry struct {
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	Checksum  string `json:"checksum"`
	Algorithm string `json:"algorithm,omitempty"`
}

// BuildInfo records how the package was produced
type BuildInfo struct {
	Tool        string    `json:"tool,omitempty"`
	ToolVersion string    `json:"toolVersion,omitempty"`
	BuiltAt     time.Time `json:"builtAt"`
	Host        string    `json:"host,omitempty"`
}

// Signature is a detached signature over the rest of the manifest
type Signature struct {
	Algorithm   string    `json:"algorithm"`
	Value       string    `json:"value"`       // base64
	Certificate string    `json:"certificate"` // PEM
	SignedAt    time.Time `json:"signedAt"`
}

// Manifest is the package manifest stored as manifest.json
type Manifest struct {
	FormatVersion int              `json:"formatVersion"`
	Metadata      plugins.Metadata `json:"metadata"`
	Files         []FileEntry      `json:"files"`
	Checksum      string           `json:"checksum,omitempty"`
	Size          int64            `json:"size,omitempty"`
	Signature     *Signature       `json:"signature,omitempty"`
	Build         BuildInfo        `json:"build"`
	PreInstall    []Step           `json:"preInstall,omitempty"`
	PostInstall   []Step           `json:"postInstall,omitempty"`
	PreUninstall  []Step           `json:"preUninstall,omitempty"`
	PostUninstall []Step           `json:"postUninstall,omitempty"`
}

// Package is a parsed package file
type Package struct {
	Path     string
	Manifest *Manifest
}

// Metadata returns the plugin metadata carried by the package
func (p *Package) Metadata() *plugins.Metadata {
	return &p.Manifest.Metadata
}

// InstallResult describes a completed install
type InstallResult struct {
	Metadata        plugins.Metadata `json:"metadata"`
	InstallPath     string           `json:"installPath"`
	Files           int              `json:"files"`
	PreviousVersion string           `json:"previousVersion,omitempty"`
	Warnings        []string         `json:"warnings,omitempty"`
}

// ContentDigest is the content-addressed checksum of a file list: the
// digest of one "<checksum> <size> <path>" line per file in path order.
// It depends only on file contents and paths, so it can be embedded in the
// manifest of the archive it describes.
func ContentDigest(files []FileEntry) (string, int64) {
	sorted := make([]FileEntry, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	var (
		b     strings.Builder
		total int64
	)
	for _, f := range sorted {
		b.WriteString(f.Checksum)
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(f.Size, 10))
		b.WriteByte(' ')
		b.WriteString(f.Path)
		b.WriteByte('\n')
		total += f.Size
	}

	sum, _ := checksum.Bytes([]byte(b.String()), checksum.SHA256)
	return sum, total
}
