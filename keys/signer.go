package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"

	"github.com/pkg/errors"

	"github.com/openlawlibrary/taf-go/tuf"
)

// FileSigner signs with a private key loaded from a keystore file. All
// signatures are deterministic RSA-PKCS#1 v1.5 over SHA-256 to stay
// compatible with archived metadata.
type FileSigner struct {
	private *rsa.PrivateKey
	public  *tuf.Key
}

// Public returns the metadata form of the signer's public key.
func (s *FileSigner) Public() *tuf.Key { return s.public }

// Sign produces a hex encoded signature over payload.
func (s *FileSigner) Sign(payload []byte) (tuf.Signature, error) {
	digest := sha256.Sum256(payload)
	raw, err := rsa.SignPKCS1v15(rand.Reader, s.private, crypto.SHA256, digest[:])
	if err != nil {
		return tuf.Signature{}, errors.Wrap(err, "rsa signing")
	}
	return tuf.Signature{KeyID: s.public.ID(), Sig: hex.EncodeToString(raw)}, nil
}
