package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

const signingKeyBits = 2048

// KeySet holds the RS256 key tokens are signed with. The key id is derived
// from the modulus, so every process loading the same key advertises the
// same kid.
type KeySet struct {
	key *rsa.PrivateKey
	kid string
}

// JWKS is the document served at /oauth/jwks.json.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func newKeySet(pk *rsa.PrivateKey) *KeySet {
	sum := sha256.Sum256(pk.N.Bytes())
	return &KeySet{key: pk, kid: hex.EncodeToString(sum[:8])}
}

// NewKeySet generates a throwaway key. Tokens it signs are only accepted
// by validators sharing this KeySet.
func NewKeySet() (*KeySet, error) {
	pk, err := rsa.GenerateKey(rand.Reader, signingKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return newKeySet(pk), nil
}

// LoadKeySet reads a PKCS#1 or PKCS#8 RSA private key in PEM form.
func LoadKeySet(path string) (*KeySet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	pk, err := jwt.ParseRSAPrivateKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("parse signing key %s: %w", path, err)
	}
	return newKeySet(pk), nil
}

// WriteFile stores the private key as PKCS#1 PEM, readable by the owner only.
func (ks *KeySet) WriteFile(path string) error {
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(ks.key)}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0o600)
}

func (ks *KeySet) PrivateKey() *rsa.PrivateKey { return ks.key }

func (ks *KeySet) PublicKey() *rsa.PublicKey {
	if ks == nil || ks.key == nil {
		return nil
	}
	return &ks.key.PublicKey
}

func (ks *KeySet) KeyID() string { return ks.kid }

func (ks *KeySet) JWKS() (JWKS, error) {
	pub := ks.PublicKey()
	if pub == nil {
		return JWKS{}, errors.New("missing public key")
	}
	return JWKS{Keys: []JWK{{
		Kty: "RSA",
		Use: "sig",
		Alg: jwt.SigningMethodRS256.Alg(),
		Kid: ks.kid,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		// exponent is big-endian, RFC 7517
		E: base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}}, nil
}
