// Package keys loads and generates RSA signing keys and provides the file
// and hardware token backed signers used to sign role metadata.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/openlawlibrary/taf-go/tuf"
)

// DefaultKeySize is the modulus size of generated keypairs.
const DefaultKeySize = 3072

var (
	// ErrInvalidPEM reports an unparseable key file.
	ErrInvalidPEM = errors.New("invalid PEM key data")
	// ErrNotRSAKey reports a key of an unsupported algorithm.
	ErrNotRSAKey = errors.New("key is not an RSA key")
)

// LoadPublicKey reads a SubjectPublicKeyInfo PEM file and returns the
// metadata key form, scheme fixed to rsa-pkcs1v15-sha256 and key id
// computed from the canonical key encoding.
func LoadPublicKey(path string) (*tuf.Key, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading public key file")
	}
	return PublicKeyFromPEM(pemBytes)
}

// PublicKeyFromPEM converts SubjectPublicKeyInfo PEM bytes to a metadata key.
func PublicKeyFromPEM(pemBytes []byte) (*tuf.Key, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrInvalidPEM
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidPEM, err.Error())
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.Wrapf(ErrNotRSAKey, "got %T", pub)
	}
	return keyFromCrypto(rsaPub)
}

// keyFromCrypto re-encodes the public key so that equivalent keys always
// produce identical PEM and therefore identical key ids.
func keyFromCrypto(pub *rsa.PublicKey) (*tuf.Key, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, errors.Wrap(err, "encoding public key")
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return tuf.NewRSAKey(string(pemBytes)), nil
}

// LoadSigner reads a private key PEM file, decrypting it with password when
// one is supplied, and returns a file-backed signer.
func LoadSigner(path string, password string) (*FileSigner, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading private key file")
	}
	return LoadSignerFromPEM(pemBytes, password)
}

// LoadSignerFromPEM builds a file-backed signer from private key PEM bytes.
// PKCS#8 and PKCS#1 encodings are accepted.
func LoadSignerFromPEM(pemBytes []byte, password string) (*FileSigner, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrInvalidPEM
	}
	der := block.Bytes
	if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // legacy keystore format
		if password == "" {
			return nil, errors.Wrap(ErrInvalidPEM, "key is encrypted and no password was given")
		}
		decrypted, err := x509.DecryptPEMBlock(block, []byte(password)) //nolint:staticcheck
		if err != nil {
			return nil, errors.Wrap(ErrInvalidPEM, "decrypting private key")
		}
		der = decrypted
	}
	priv, err := parsePrivateKey(der)
	if err != nil {
		return nil, err
	}
	key, err := keyFromCrypto(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &FileSigner{private: priv, public: key}, nil
}

func parsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if priv, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		rsaPriv, ok := priv.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.Wrapf(ErrNotRSAKey, "got %T", priv)
		}
		return rsaPriv, nil
	}
	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidPEM, err.Error())
	}
	return priv, nil
}

// GenerateKeypair generates an RSA keypair and returns the PEM encodings of
// both halves, the private key encrypted when password is non-empty.
func GenerateKeypair(bits int, password string) (privPEM, pubPEM []byte, err error) {
	if bits == 0 {
		bits = DefaultKeySize
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, errors.Wrap(err, "generating rsa keypair")
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, errors.Wrap(err, "encoding private key")
	}
	privBlock := &pem.Block{Type: "PRIVATE KEY", Bytes: privDER}
	if password != "" {
		privBlock, err = x509.EncryptPEMBlock(rand.Reader, "RSA PRIVATE KEY", //nolint:staticcheck // legacy keystore format
			x509.MarshalPKCS1PrivateKey(priv), []byte(password), x509.PEMCipherAES256)
		if err != nil {
			return nil, nil, errors.Wrap(err, "encrypting private key")
		}
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, errors.Wrap(err, "encoding public key")
	}
	privPEM = pem.EncodeToMemory(privBlock)
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privPEM, pubPEM, nil
}

// GenerateAndWriteKeypair generates a keypair and writes <path> and
// <path>.pub, returning the private key PEM.
func GenerateAndWriteKeypair(path string, bits int, password string) ([]byte, error) {
	privPEM, pubPEM, err := GenerateKeypair(bits, password)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, privPEM, 0600); err != nil {
		return nil, errors.Wrap(err, "writing private key")
	}
	if err := os.WriteFile(fmt.Sprintf("%s.pub", path), pubPEM, 0644); err != nil {
		return nil, errors.Wrap(err, "writing public key")
	}
	return privPEM, nil
}
