package bpkg

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/mholt/archives"
)

// entryFunc is called for every regular file in a package archive
type entryFunc func(name string, size int64, open func() (io.ReadCloser, error)) error

// walkArchive visits the regular files of a ZIP package in archive order
func walkArchive(ctx context.Context, pkgPath string, fn entryFunc) error {
	f, err := os.Open(pkgPath)
	if err != nil {
		return fmt.Errorf("failed to open package: %w", err)
	}
	defer f.Close()

	format := archives.Zip{}
	return format.Extract(ctx, f, func(ctx context.Context, info archives.FileInfo) error {
		if info.IsDir() {
			return nil
		}
		name := normalizeEntryName(info.NameInArchive)
		open := func() (io.ReadCloser, error) {
			return info.Open()
		}
		return fn(name, info.Size(), open)
	})
}

// writeArchive writes a ZIP package from a map of disk path to archive name
func writeArchive(ctx context.Context, out io.Writer, entries map[string]string) error {
	files, err := archives.FilesFromDisk(ctx, &archives.FromDiskOptions{}, entries)
	if err != nil {
		return fmt.Errorf("failed to collect package files: %w", err)
	}

	format := archives.Zip{}
	if err := format.Archive(ctx, out, files); err != nil {
		return fmt.Errorf("failed to write package archive: %w", err)
	}
	return nil
}

func normalizeEntryName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	return strings.TrimPrefix(path.Clean("/"+name), "/")
}
