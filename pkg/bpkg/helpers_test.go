package bpkg

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/berth/pkg/plugins"
)

var testKey *rsa.PrivateKey

func init() {
	var err error
	testKey, err = rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func testMetadata(id, version string) plugins.Metadata {
	return plugins.Metadata{
		ID:          id,
		Name:        "Test " + id,
		Version:     version,
		Description: "test plugin",
		Author:      "berth",
		Runtime:     plugins.RuntimeJS,
		Entry:       "main.js",
	}
}

func writeSource(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "src")
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
	return dir
}

func defaultSource(t *testing.T) string {
	return writeSource(t, map[string]string{
		"main.js":         "registerPlugin(function () { return {}; });",
		"lib/util.js":     "module.exports = {};",
		"assets/logo.txt": "berth",
	})
}

func buildPackage(t *testing.T, e *Engine, meta plugins.Metadata, opts CreateOptions) string {
	t.Helper()
	src := defaultSource(t)
	if opts.OutputPath == "" {
		opts.OutputPath = filepath.Join(t.TempDir(), meta.ID+Extension)
	}
	path, err := e.Create(context.Background(), src, meta, opts)
	require.NoError(t, err)
	return path
}

type certOptions struct {
	notBefore time.Time
	notAfter  time.Time
	keyUsage  x509.KeyUsage
	key       *rsa.PrivateKey
}

func testCertificate(t *testing.T, opts certOptions) *x509.Certificate {
	t.Helper()
	if opts.notBefore.IsZero() {
		opts.notBefore = time.Now().Add(-time.Hour)
	}
	if opts.notAfter.IsZero() {
		opts.notAfter = time.Now().Add(24 * time.Hour)
	}
	if opts.key == nil {
		opts.key = testKey
	}
	if opts.keyUsage == 0 {
		opts.keyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: "berth test signer"},
		NotBefore:             opts.notBefore,
		NotAfter:              opts.notAfter,
		KeyUsage:              opts.keyUsage,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &opts.key.PublicKey, opts.key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func testSigner(t *testing.T, alg string) *Signer {
	return &Signer{Key: testKey, Certificate: testCertificate(t, certOptions{}), Algorithm: alg}
}
