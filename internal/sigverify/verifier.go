// Package sigverify checks image signatures against code-signing
// certificates kept in the certificate directory.
package sigverify

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/ZerkerEOD/otaagent/pkg/debug"
	"github.com/spf13/afero"
)

var (
	ErrNoSignature    = errors.New("sigverify: image has no signature")
	ErrBadSignature   = errors.New("sigverify: signature does not match image")
	ErrUnsupportedKey = errors.New("sigverify: certificate key is not ECDSA")
)

// Verifier verifies ECDSA P-256 SHA-256 signatures. Keys are cached per
// certificate file.
type Verifier struct {
	fs      afero.Fs
	certDir string

	mu   sync.Mutex
	keys map[string]*ecdsa.PublicKey
}

// New returns a Verifier resolving relative certificate names against certDir.
func New(fs afero.Fs, certDir string) *Verifier {
	return &Verifier{fs: fs, certDir: certDir, keys: make(map[string]*ecdsa.PublicKey)}
}

// Verify hashes image and checks signature, an ASN.1 encoded ECDSA
// signature, with the key of certFile.
func (v *Verifier) Verify(image io.Reader, signature []byte, certFile string) error {
	if len(signature) == 0 {
		return ErrNoSignature
	}

	key, err := v.key(certFile)
	if err != nil {
		return err
	}

	h := sha256.New()
	n, err := io.Copy(h, image)
	if err != nil {
		return fmt.Errorf("failed to hash image: %w", err)
	}

	if !ecdsa.VerifyASN1(key, h.Sum(nil), signature) {
		debug.Warning("Signature mismatch for %d byte image using %s", n, certFile)
		return ErrBadSignature
	}

	debug.Debug("Signature verified for %d byte image using %s", n, certFile)
	return nil
}

func (v *Verifier) key(certFile string) (*ecdsa.PublicKey, error) {
	name := certFile
	if !path.IsAbs(name) {
		name = path.Join(v.certDir, name)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if key, ok := v.keys[name]; ok {
		return key, nil
	}

	data, err := afero.ReadFile(v.fs, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read code signing certificate: %w", err)
	}

	key, err := ParsePublicKey(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	v.keys[name] = key
	return key, nil
}

// ParsePublicKey extracts an ECDSA public key from a PEM encoded
// certificate or PKIX public key.
func ParsePublicKey(data []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}

	var pub any
	switch block.Type {
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		pub = cert.PublicKey
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		pub = key
	default:
		return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
	}

	key, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, ErrUnsupportedKey
	}
	return key, nil
}
