package manifest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"os"
)

const keyBits = 2048

// GenerateKeyPair creates a fresh RSA key pair and writes the private key as
// PKCS#1 DER and the public key as PKIX DER. Builds without supplied keys
// call this once and reuse the result.
func GenerateKeyPair(privPath, pubPath string) error {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return fmt.Errorf("encode public key: %w", err)
	}
	if err := os.WriteFile(privPath, x509.MarshalPKCS1PrivateKey(priv), 0o600); err != nil {
		return err
	}
	return os.WriteFile(pubPath, pubDER, 0o644)
}

// LoadPrivateKey reads a PKCS#1 DER private key.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	der, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: private key %s: %v", ErrFormat, path, err)
	}
	return priv, nil
}

// LoadPublicKey reads a PKIX DER public key.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	der, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: public key %s: %v", ErrFormat, path, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key %s is not RSA", ErrFormat, path)
	}
	return rsaPub, nil
}
