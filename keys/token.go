package keys

import (
	"crypto"
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/go-piv/piv-go/v2/piv"
	"github.com/pkg/errors"
)

var (
	// ErrTokenAbsent reports that the expected hardware token is not
	// inserted.
	ErrTokenAbsent = errors.New("hardware token is not inserted")
	// ErrTokenPINInvalid reports a rejected PIN.
	ErrTokenPINInvalid = errors.New("hardware token PIN is invalid")
)

// Token is the operation contract of a PIV capable smart-card. Only the
// operations the signer needs are exposed; the physical driver stays
// behind this interface.
type Token interface {
	Serial() (string, error)
	PublicKey() (crypto.PublicKey, error)
	SignPKCS1v15(pin string, digest []byte) ([]byte, error)
	Close() error
}

// TokenStore enumerates currently inserted tokens.
type TokenStore interface {
	Connected() ([]Token, error)
}

// PIVTokenStore is the production token store backed by the platform's PIV
// stack.
type PIVTokenStore struct{}

// Connected opens every inserted YubiKey.
func (PIVTokenStore) Connected() ([]Token, error) {
	cards, err := piv.Cards()
	if err != nil {
		return nil, errors.Wrap(err, "listing smart cards")
	}
	var tokens []Token
	for _, card := range cards {
		if !strings.Contains(strings.ToLower(card), "yubikey") {
			continue
		}
		yk, err := piv.Open(card)
		if err != nil {
			// Another process may hold the card; skip it.
			continue
		}
		tokens = append(tokens, &pivToken{yk: yk})
	}
	return tokens, nil
}

type pivToken struct {
	yk *piv.YubiKey
}

func (t *pivToken) Serial() (string, error) {
	serial, err := t.yk.Serial()
	if err != nil {
		return "", errors.Wrap(err, "reading token serial")
	}
	return fmt.Sprintf("%d", serial), nil
}

func (t *pivToken) PublicKey() (crypto.PublicKey, error) {
	cert, err := t.yk.Certificate(piv.SlotSignature)
	if err != nil {
		return nil, errors.Wrap(err, "reading signature slot certificate")
	}
	return cert.PublicKey, nil
}

func (t *pivToken) SignPKCS1v15(pin string, digest []byte) ([]byte, error) {
	pub, err := t.PublicKey()
	if err != nil {
		return nil, err
	}
	priv, err := t.yk.PrivateKey(piv.SlotSignature, pub, piv.KeyAuth{PIN: pin})
	if err != nil {
		return nil, errors.Wrap(err, "opening signature slot key")
	}
	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil, errors.New("signature slot key does not implement crypto.Signer")
	}
	sig, err := signer.Sign(nil, digest, crypto.SHA256)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "auth") ||
			strings.Contains(strings.ToLower(err.Error()), "pin") {
			return nil, ErrTokenPINInvalid
		}
		return nil, errors.Wrap(err, "piv signing")
	}
	return sig, nil
}

func (t *pivToken) Close() error { return t.yk.Close() }

func rsaPublicKeyOf(pub crypto.PublicKey) (*rsa.PublicKey, error) {
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.Wrapf(ErrNotRSAKey, "got %T", pub)
	}
	return rsaPub, nil
}
