package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/pkg/errors"

	"github.com/openlawlibrary/taf-go/tuf"
)

// pinPrompt is the prompt string handed to PIN providers.
const pinPrompt = "pin"

// defaultTokenWait bounds how long Sign polls for the expected token to be
// inserted before failing with ErrTokenAbsent.
const defaultTokenWait = 30 * time.Second

const tokenPollInterval = time.Second

// PinProvider returns the PIN for a token, prompting the operator when
// necessary.
type PinProvider func(prompt string) (string, error)

// CachedPinProvider consults the pin cache before falling back to the
// wrapped provider, storing newly obtained PINs for the rest of the
// session.
func CachedPinProvider(cache *PinCache, serial string, fallback PinProvider) PinProvider {
	return func(prompt string) (string, error) {
		if pin, ok := cache.Get(serial); ok {
			return pin, nil
		}
		pin, err := fallback(prompt)
		if err != nil {
			return "", err
		}
		cache.Set(serial, pin)
		return pin, nil
	}
}

// HardwareSigner signs role metadata with a PIV smart-card. The private key
// never leaves the token; the signer holds only the public key, the serial
// number of the token expected to perform the operation, and a way to
// obtain the PIN.
type HardwareSigner struct {
	public      *tuf.Key
	serial      string
	keyName     string
	pinProvider PinProvider

	store   TokenStore
	clk     clock.Clock
	waitFor time.Duration
}

// NewHardwareSigner builds a signer bound to the token with the given
// serial. keyName is the operator-facing display name used in prompts and
// logs.
func NewHardwareSigner(public *tuf.Key, serial string, pinProvider PinProvider, keyName string, opts ...func() interface{}) *HardwareSigner {
	s := &HardwareSigner{
		public:      public,
		serial:      serial,
		keyName:     keyName,
		pinProvider: pinProvider,
		store:       PIVTokenStore{},
		clk:         clock.DefaultClock{},
		waitFor:     defaultTokenWait,
	}
	for _, opt := range opts {
		switch t := opt().(type) {
		case TokenStore:
			s.store = t
		case clock.Clock:
			s.clk = t
		case time.Duration:
			s.waitFor = t
		}
	}
	return s
}

// WithTokenStore overrides the token enumeration layer, primarily for tests.
func WithTokenStore(store TokenStore) func() interface{} {
	return func() interface{} { return store }
}

// WithTokenClock overrides the clock used while polling for the token.
func WithTokenClock(clk clock.Clock) func() interface{} {
	return func() interface{} { return clk }
}

// WithTokenWait overrides how long Sign waits for the token to appear.
func WithTokenWait(d time.Duration) func() interface{} {
	return func() interface{} { return d }
}

// Public returns the metadata form of the token's public key.
func (s *HardwareSigner) Public() *tuf.Key { return s.public }

// Serial returns the serial number of the bound token.
func (s *HardwareSigner) Serial() string { return s.serial }

// KeyName returns the operator-facing name of the key.
func (s *HardwareSigner) KeyName() string { return s.keyName }

// Sign obtains the PIN, waits for the bound token to be physically present,
// and delegates the RSA-PKCS#1 v1.5 SHA-256 operation to it.
func (s *HardwareSigner) Sign(payload []byte) (tuf.Signature, error) {
	pin, err := s.pinProvider(pinPrompt)
	if err != nil {
		return tuf.Signature{}, errors.Wrap(err, "obtaining token pin")
	}
	token, err := s.waitForToken()
	if err != nil {
		return tuf.Signature{}, err
	}
	defer token.Close()

	digest := sha256.Sum256(payload)
	raw, err := token.SignPKCS1v15(pin, digest[:])
	if err != nil {
		return tuf.Signature{}, errors.Wrapf(err, "signing with token %s (%s)", s.serial, s.keyName)
	}
	return tuf.Signature{KeyID: s.public.ID(), Sig: hex.EncodeToString(raw)}, nil
}

// waitForToken polls the token layer until the token with the bound serial
// is inserted, failing with ErrTokenAbsent after the bounded wait.
func (s *HardwareSigner) waitForToken() (Token, error) {
	deadline := s.clk.Now().Add(s.waitFor)
	for {
		token, err := s.findToken()
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, ErrTokenAbsent) {
			return nil, err
		}
		if !s.clk.Now().Before(deadline) {
			return nil, errors.Wrapf(ErrTokenAbsent, "token %s (%s)", s.serial, s.keyName)
		}
		<-s.clk.After(tokenPollInterval)
	}
}

func (s *HardwareSigner) findToken() (Token, error) {
	tokens, err := s.store.Connected()
	if err != nil {
		return nil, err
	}
	var found Token
	for _, token := range tokens {
		serial, err := token.Serial()
		if err == nil && serial == s.serial && found == nil {
			found = token
			continue
		}
		token.Close()
	}
	if found == nil {
		return nil, ErrTokenAbsent
	}
	return found, nil
}

// ImportPublicKey reads the public key from a token's signature slot and
// returns the same metadata key shape file import produces.
func ImportPublicKey(token Token) (*tuf.Key, error) {
	pub, err := token.PublicKey()
	if err != nil {
		return nil, err
	}
	rsaPub, err := rsaPublicKeyOf(pub)
	if err != nil {
		return nil, err
	}
	return keyFromCrypto(rsaPub)
}
