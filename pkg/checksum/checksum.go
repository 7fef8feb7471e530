// Package checksum computes and verifies algorithm-tagged digests of the
// form "sha256:<hex>".
package checksum

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/platinummonkey/berth/pkg/plugins"
)

const (
	SHA256 = "sha256"
	SHA512 = "sha512"

	// Default is used when a digest carries no algorithm tag
	Default = SHA256
)

// New returns a hash for the algorithm
func New(algorithm string) (hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "", SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	default:
		return nil, plugins.Errorf(plugins.ValidationFailure, "checksum", "unsupported digest algorithm %q", algorithm)
	}
}

// Split separates "alg:hex" into its parts. An untagged value uses Default.
func Split(sum string) (algorithm, digest string) {
	if i := strings.IndexByte(sum, ':'); i >= 0 {
		return strings.ToLower(sum[:i]), strings.ToLower(sum[i+1:])
	}
	return Default, strings.ToLower(sum)
}

// Format renders a digest with its algorithm tag
func Format(algorithm string, sum []byte) string {
	if algorithm == "" {
		algorithm = Default
	}
	return algorithm + ":" + hex.EncodeToString(sum)
}

// Reader digests everything read from r
func Reader(r io.Reader, algorithm string) (string, int64, error) {
	h, err := New(algorithm)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("failed to read content: %w", err)
	}
	return Format(algorithm, h.Sum(nil)), n, nil
}

// Bytes digests a byte slice
func Bytes(b []byte, algorithm string) (string, error) {
	h, err := New(algorithm)
	if err != nil {
		return "", err
	}
	h.Write(b)
	return Format(algorithm, h.Sum(nil)), nil
}

// File digests a file on disk
func File(path, algorithm string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return Reader(f, algorithm)
}

// Equal compares two tagged digests, treating untagged values as Default
func Equal(a, b string) bool {
	algA, sumA := Split(a)
	algB, sumB := Split(b)
	return algA == algB && sumA == sumB
}

// VerifyFile checks a file against an expected tagged digest
func VerifyFile(path, expected string) error {
	alg, _ := Split(expected)
	actual, _, err := File(path, alg)
	if err != nil {
		return err
	}
	if !Equal(actual, expected) {
		return plugins.Errorf(plugins.IntegrityFailure, "verify checksum", "checksum mismatch for %s: expected %s, got %s", path, expected, actual)
	}
	return nil
}
