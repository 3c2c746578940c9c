package tuf

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"

	"github.com/pkg/errors"
)

// verifyRoleSignatures checks that at least threshold distinct authorized
// keys produced valid signatures over payload. Signatures from keys outside
// keyIDs and unknown key ids are ignored rather than fatal, matching client
// behavior for metadata signed by rotated-out keys.
func verifyRoleSignatures(role string, payload []byte, sigs []Signature, keyIDs []string, keys map[string]*Key, threshold int) error {
	authorized := make(map[string]bool, len(keyIDs))
	for _, id := range keyIDs {
		authorized[id] = true
	}
	verified := make(map[string]bool)
	for _, sig := range sigs {
		if !authorized[sig.KeyID] || verified[sig.KeyID] {
			continue
		}
		key, ok := keys[sig.KeyID]
		if !ok {
			continue
		}
		if err := key.Verify(sig, payload); err != nil {
			continue
		}
		verified[sig.KeyID] = true
	}
	if len(verified) < threshold {
		return errors.Wrapf(roleErr(role, ErrSignatureThreshold), "got %d valid signatures, want %d", len(verified), threshold)
	}
	return nil
}

func newHasher(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	default:
		return nil, errors.Wrap(ErrUnsupportedHash, algorithm)
	}
}

// HashTargetData computes the hex digests recorded for a target file.
func HashTargetData(data []byte, algorithms ...string) (map[string]string, error) {
	if len(algorithms) == 0 {
		algorithms = []string{"sha256", "sha512"}
	}
	hashes := make(map[string]string, len(algorithms))
	for _, algorithm := range algorithms {
		h, err := newHasher(algorithm)
		if err != nil {
			return nil, err
		}
		h.Write(data)
		hashes[algorithm] = hex.EncodeToString(h.Sum(nil))
	}
	return hashes, nil
}

// NewTargetFile records length and digests of data, with optional custom
// payload attached verbatim.
func NewTargetFile(data []byte, custom []byte) (*TargetFile, error) {
	hashes, err := HashTargetData(data)
	if err != nil {
		return nil, err
	}
	tf := &TargetFile{
		Length: int64(len(data)),
		Hashes: hashes,
	}
	if len(custom) > 0 {
		tf.Custom = custom
	}
	return tf, nil
}

func verifyHashes(data []byte, hashes map[string]string) error {
	for algorithm, want := range hashes {
		h, err := newHasher(algorithm)
		if err != nil {
			return err
		}
		h.Write(data)
		if hex.EncodeToString(h.Sum(nil)) != want {
			return errors.Wrap(ErrHashMismatch, algorithm)
		}
	}
	return nil
}

// VerifyLengthHashes checks data against the recorded target digests.
func (t *TargetFile) VerifyLengthHashes(data []byte) error {
	if int64(len(data)) != t.Length {
		return errors.Wrapf(ErrLengthMismatch, "expected %d bytes, got %d", t.Length, len(data))
	}
	return verifyHashes(data, t.Hashes)
}

// VerifyLengthHashes checks data against the optional snapshot/timestamp
// meta digests; both length and hashes may be absent.
func (m *MetaFile) VerifyLengthHashes(data []byte) error {
	if m.Length != 0 && int64(len(data)) != m.Length {
		return errors.Wrapf(ErrLengthMismatch, "expected %d bytes, got %d", m.Length, len(data))
	}
	if len(m.Hashes) > 0 {
		return verifyHashes(data, m.Hashes)
	}
	return nil
}

// Equal is a deep comparison of two target file records, custom excluded.
func (t *TargetFile) Equal(other *TargetFile) bool {
	if t.Length != other.Length || len(t.Hashes) != len(other.Hashes) {
		return false
	}
	for algorithm, digest := range t.Hashes {
		if other.Hashes[algorithm] != digest {
			return false
		}
	}
	return true
}
