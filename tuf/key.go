package tuf

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"strings"
	"sync"

	cjson "github.com/docker/go/canonical/json"
	"github.com/pkg/errors"
)

const (
	// KeyTypeRSA is the only key type this repository family uses.
	KeyTypeRSA = "rsa"
	// SchemeRSAPKCS1v15SHA256 is the fixed wire signing scheme. Archived
	// metadata was signed with it; no randomized schemes are permitted.
	SchemeRSAPKCS1v15SHA256 = "rsa-pkcs1v15-sha256"
)

var keyIDHashAlgorithms = []string{"sha256", "sha512"}

// Key is a public signing key as recorded in metadata.
type Key struct {
	KeyType             string   `json:"keytype"`
	Scheme              string   `json:"scheme"`
	KeyVal              KeyVal   `json:"keyval"`
	KeyIDHashAlgorithms []string `json:"keyid_hash_algorithms"`

	id     string
	idOnce sync.Once
}

// KeyVal holds the PEM encoded public portion of the key.
type KeyVal struct {
	Public string `json:"public"`
}

// NewRSAKey builds a Key from a SubjectPublicKeyInfo PEM string.
func NewRSAKey(publicPEM string) *Key {
	return &Key{
		KeyType:             KeyTypeRSA,
		Scheme:              SchemeRSAPKCS1v15SHA256,
		KeyVal:              KeyVal{Public: publicPEM},
		KeyIDHashAlgorithms: keyIDHashAlgorithms,
	}
}

// ID returns the key id: the hex SHA-256 of the canonical JSON encoding of
// the key with a whitespace-stripped PEM. The exact canonical form is a
// compatibility obligation; changing it breaks verification of archived
// metadata.
func (k *Key) ID() string {
	k.idOnce.Do(func() {
		data, err := cjson.MarshalCanonical(map[string]interface{}{
			"keytype":               k.KeyType,
			"scheme":                k.Scheme,
			"keyval":                map[string]string{"public": strings.TrimSpace(k.KeyVal.Public)},
			"keyid_hash_algorithms": keyIDHashAlgorithms,
		})
		if err != nil {
			// Canonical encoding of plain strings cannot fail.
			panic(err)
		}
		digest := sha256.Sum256(data)
		k.id = hex.EncodeToString(digest[:])
	})
	return k.id
}

func (k *Key) publicKey() (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(k.KeyVal.Public))
	if block == nil {
		return nil, errors.Wrap(ErrMetadataInvalid, "decoding public key PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(ErrMetadataInvalid, err.Error())
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.Wrapf(ErrMetadataInvalid, "expected rsa public key, got %T", pub)
	}
	return rsaPub, nil
}

// Verify checks an RSA-PKCS#1 v1.5 SHA-256 signature over payload.
// It fails with ErrInvalidSignature on mismatch.
func (k *Key) Verify(sig Signature, payload []byte) error {
	pub, err := k.publicKey()
	if err != nil {
		return err
	}
	raw, err := hex.DecodeString(sig.Sig)
	if err != nil {
		return errors.Wrap(ErrInvalidSignature, "signature is not valid hex")
	}
	digest := sha256.Sum256(payload)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], raw); err != nil {
		return ErrInvalidSignature
	}
	return nil
}

// Signer produces signatures compatible with the repository's wire scheme.
// File-backed and hardware-token-backed implementations live in the keys
// package.
type Signer interface {
	Sign(payload []byte) (Signature, error)
	Public() *Key
}
