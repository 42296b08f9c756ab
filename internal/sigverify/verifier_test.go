package sigverify

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signingCert(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "code signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	return key, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func sign(t *testing.T, key *ecdsa.PrivateKey, image []byte) []byte {
	t.Helper()
	digest := sha256.Sum256(image)
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	require.NoError(t, err)
	return sig
}

func TestVerify(t *testing.T) {
	key, certPEM := signingCert(t)
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/certs/codesign.pem", certPEM, 0600))

	image := bytes.Repeat([]byte("firmware"), 128)
	sig := sign(t, key, image)
	v := New(fs, "/certs")

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, v.Verify(bytes.NewReader(image), sig, "codesign.pem"))
	})

	t.Run("absolute path", func(t *testing.T) {
		assert.NoError(t, v.Verify(bytes.NewReader(image), sig, "/certs/codesign.pem"))
	})

	t.Run("tampered image", func(t *testing.T) {
		tampered := append([]byte(nil), image...)
		tampered[10] ^= 0xff
		assert.ErrorIs(t, v.Verify(bytes.NewReader(tampered), sig, "codesign.pem"), ErrBadSignature)
	})

	t.Run("missing signature", func(t *testing.T) {
		assert.ErrorIs(t, v.Verify(bytes.NewReader(image), nil, "codesign.pem"), ErrNoSignature)
	})

	t.Run("missing certificate", func(t *testing.T) {
		assert.Error(t, v.Verify(bytes.NewReader(image), sig, "other.pem"))
	})
}

func TestParsePublicKey(t *testing.T) {
	key, certPEM := signingCert(t)

	pub, err := ParsePublicKey(certPEM)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(pub))

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pub, err = ParsePublicKey(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(pub))

	edPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err = x509.MarshalPKIXPublicKey(edPub)
	require.NoError(t, err)
	_, err = ParsePublicKey(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	assert.ErrorIs(t, err, ErrUnsupportedKey)

	_, err = ParsePublicKey([]byte("not pem"))
	assert.Error(t, err)
}
