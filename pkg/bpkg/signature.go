package bpkg

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/platinummonkey/berth/pkg/plugins"
)

// Supported signature algorithms
const (
	AlgorithmRSASHA256 = "RSA-SHA256"
	AlgorithmRSASHA512 = "RSA-SHA512"
)

var (
	// ErrUnsigned is returned when a signature is required but absent
	ErrUnsigned = errors.New("package is not signed")
	// ErrUnsupportedAlgorithm is returned for unknown signature algorithms
	ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")
	// ErrSignatureMismatch is returned when the signature does not verify
	ErrSignatureMismatch = errors.New("signature does not match package")
	// ErrInvalidCertificate is returned for malformed, expired or misused certificates
	ErrInvalidCertificate = errors.New("invalid signer certificate")
)

// Signer signs package manifests with an RSA key
type Signer struct {
	Key         *rsa.PrivateKey
	Certificate *x509.Certificate
	Algorithm   string
}

// VerifyOptions control signature verification
type VerifyOptions struct {
	// Roots, when set, must chain the signer certificate
	Roots *x509.CertPool
	// Now overrides the clock used for certificate validity
	Now time.Time
}

func hashFor(algorithm string) (crypto.Hash, error) {
	switch algorithm {
	case AlgorithmRSASHA256:
		return crypto.SHA256, nil
	case AlgorithmRSASHA512:
		return crypto.SHA512, nil
	default:
		return 0, plugins.Wrap(plugins.SignatureFailure, "verify signature", ErrUnsupportedAlgorithm, "algorithm %q", algorithm)
	}
}

// signingPayload is the byte string covered by a package signature: the
// JSON encoding of the whole manifest without its signature block. Files
// are bound through the content checksum.
func signingPayload(m *Manifest) ([]byte, error) {
	unsigned := *m
	unsigned.Signature = nil
	data, err := json.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest for signing: %w", err)
	}
	return data, nil
}

func digest(h crypto.Hash, payload []byte) []byte {
	hh := h.New()
	hh.Write(payload)
	return hh.Sum(nil)
}

// Sign produces a signature block for the manifest. The manifest checksum
// must already be set.
func (s *Signer) Sign(m *Manifest, now time.Time) (*Signature, error) {
	if s.Key == nil || s.Certificate == nil {
		return nil, plugins.Errorf(plugins.ValidationFailure, "sign", "signer requires a key and certificate")
	}
	if m.Checksum == "" {
		return nil, plugins.Errorf(plugins.ValidationFailure, "sign", "manifest has no checksum")
	}

	alg := s.Algorithm
	if alg == "" {
		alg = AlgorithmRSASHA256
	}
	h, err := hashFor(alg)
	if err != nil {
		return nil, err
	}

	payload, err := signingPayload(m)
	if err != nil {
		return nil, err
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.Key, h, digest(h, payload))
	if err != nil {
		return nil, fmt.Errorf("failed to sign manifest: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.Certificate.Raw})
	return &Signature{
		Algorithm:   alg,
		Value:       base64.StdEncoding.EncodeToString(sig),
		Certificate: string(certPEM),
		SignedAt:    now.UTC(),
	}, nil
}

// VerifySignature checks the manifest signature and its signer certificate
func VerifySignature(m *Manifest, opts VerifyOptions) error {
	const op = "verify signature"

	sig := m.Signature
	if sig == nil {
		return plugins.Wrap(plugins.SignatureFailure, op, ErrUnsigned, "").WithID(m.Metadata.ID)
	}

	h, err := hashFor(sig.Algorithm)
	if err != nil {
		return err
	}

	cert, err := parseCertificate(sig.Certificate)
	if err != nil {
		return plugins.Wrap(plugins.SignatureFailure, op, ErrInvalidCertificate, "%v", err).WithID(m.Metadata.ID)
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	if now.Before(cert.NotBefore) {
		return plugins.Wrap(plugins.SignatureFailure, op, ErrInvalidCertificate, "certificate not valid before %s", cert.NotBefore.Format(time.RFC3339)).WithID(m.Metadata.ID)
	}
	if now.After(cert.NotAfter) {
		return plugins.Wrap(plugins.SignatureFailure, op, ErrInvalidCertificate, "certificate expired at %s", cert.NotAfter.Format(time.RFC3339)).WithID(m.Metadata.ID)
	}
	if cert.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
		return plugins.Wrap(plugins.SignatureFailure, op, ErrInvalidCertificate, "certificate lacks digital signature key usage").WithID(m.Metadata.ID)
	}
	if opts.Roots != nil {
		if _, err := cert.Verify(x509.VerifyOptions{
			Roots:       opts.Roots,
			CurrentTime: now,
			KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}); err != nil {
			return plugins.Wrap(plugins.SignatureFailure, op, ErrInvalidCertificate, "untrusted signer: %v", err).WithID(m.Metadata.ID)
		}
	}

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return plugins.Wrap(plugins.SignatureFailure, op, ErrInvalidCertificate, "certificate key is not RSA").WithID(m.Metadata.ID)
	}

	raw, err := base64.StdEncoding.DecodeString(sig.Value)
	if err != nil {
		return plugins.Wrap(plugins.SignatureFailure, op, ErrSignatureMismatch, "malformed signature value").WithID(m.Metadata.ID)
	}
	payload, err := signingPayload(m)
	if err != nil {
		return plugins.Wrap(plugins.SignatureFailure, op, ErrSignatureMismatch, "%v", err).WithID(m.Metadata.ID)
	}
	if err := rsa.VerifyPKCS1v15(pub, h, digest(h, payload), raw); err != nil {
		return plugins.Wrap(plugins.SignatureFailure, op, ErrSignatureMismatch, "").WithID(m.Metadata.ID)
	}

	return nil
}

func parseCertificate(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no PEM certificate found")
	}
	return x509.ParseCertificate(block.Bytes)
}

// LoadSigner reads a PEM private key (PKCS#1 or PKCS#8) and certificate
func LoadSigner(keyPath, certPath, algorithm string) (*Signer, error) {
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", keyPath)
	}

	var key *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		var parsed any
		parsed, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err == nil {
			var ok bool
			if key, ok = parsed.(*rsa.PrivateKey); !ok {
				err = fmt.Errorf("signing key is not RSA")
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	cert, err := parseCertificate(string(certPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &Signer{Key: key, Certificate: cert, Algorithm: algorithm}, nil
}

// LoadCertPool builds a pool from every .pem and .crt file in dir
func LoadCertPool(dir string) (*x509.CertPool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate directory: %w", err)
	}

	pool := x509.NewCertPool()
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".pem" && ext != ".crt") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read certificate %s: %w", entry.Name(), err)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates found in %s", entry.Name())
		}
	}
	return pool, nil
}
