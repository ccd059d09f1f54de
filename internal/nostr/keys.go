package nostr

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"lnd-nwc/internal/types"
)

var ErrInvalidKey = errors.New("invalid key")

// Keys is a secp256k1 keypair used to sign events
type Keys struct {
	priv   *btcec.PrivateKey
	pubHex string
}

// GenerateKeys creates a new random keypair
func GenerateKeys() (*Keys, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return newKeys(priv), nil
}

// KeysFromHex loads a keypair from a 64 char hex secret
func KeysFromHex(secretHex string) (*Keys, error) {
	b, err := hex.DecodeString(secretHex)
	if err != nil || len(b) != 32 {
		return nil, fmt.Errorf("%w: secret must be 32 bytes of hex", ErrInvalidKey)
	}
	return KeysFromBytes(b)
}

// KeysFromBytes loads a keypair from a 32 byte secret
func KeysFromBytes(secret []byte) (*Keys, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("%w: secret must be 32 bytes", ErrInvalidKey)
	}
	priv, _ := btcec.PrivKeyFromBytes(secret)
	if priv.Key.IsZero() {
		return nil, fmt.Errorf("%w: zero secret", ErrInvalidKey)
	}
	return newKeys(priv), nil
}

func newKeys(priv *btcec.PrivateKey) *Keys {
	return &Keys{
		priv:   priv,
		pubHex: hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
	}
}

// PublicKey returns the x-only public key as hex
func (k *Keys) PublicKey() string {
	return k.pubHex
}

// SecretHex returns the private key as hex
func (k *Keys) SecretHex() string {
	return hex.EncodeToString(k.priv.Serialize())
}

// Secret returns the raw 32 byte private key
func (k *Keys) Secret() []byte {
	return k.priv.Serialize()
}

// Sign fills in pubkey, created_at (when zero), id and sig.
func (k *Keys) Sign(evt *types.Event) error {
	evt.PubKey = k.pubHex
	if evt.CreatedAt == 0 {
		evt.CreatedAt = time.Now().Unix()
	}
	if evt.Tags == nil {
		evt.Tags = [][]string{}
	}

	id, err := ComputeEventID(evt)
	if err != nil {
		return err
	}
	idBytes, err := hex.DecodeString(id)
	if err != nil {
		return fmt.Errorf("decode event id: %w", err)
	}

	sig, err := schnorr.Sign(k.priv, idBytes)
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}

	evt.ID = id
	evt.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// PublicKeyFromSecret derives the x-only hex pubkey for a 32 byte secret
func PublicKeyFromSecret(secret []byte) (string, error) {
	k, err := KeysFromBytes(secret)
	if err != nil {
		return "", err
	}
	return k.PublicKey(), nil
}

// ValidatePublicKeyHex checks that s is a 64 char hex x-only key on the curve
func ValidatePublicKeyHex(s string) error {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return fmt.Errorf("%w: pubkey must be 32 bytes of hex", ErrInvalidKey)
	}
	if _, err := schnorr.ParsePubKey(b); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return nil
}
