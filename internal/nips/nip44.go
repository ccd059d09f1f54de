// Package nips implements the payload encryption schemes and encodings used
// on the wire: NIP-44 v2, legacy NIP-04 and NIP-19 bech32.
package nips

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const (
	nip44Version     = 2
	nip44Salt        = "nip44-v2"
	minPlaintextSize = 1
	maxPlaintextSize = 65535
	minPayloadSize   = 99
	maxPayloadSize   = 65603
)

var (
	ErrInvalidPublicKey  = errors.New("invalid public key")
	ErrInvalidPrivateKey = errors.New("invalid private key")
	ErrUnsupportedVer    = errors.New("unsupported encryption version")
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrInvalidMAC        = errors.New("invalid MAC")
	ErrInvalidPadding    = errors.New("invalid padding")
)

// sharedX computes the ECDH x coordinate between a secret and an x-only pubkey.
func sharedX(secret, pubKey []byte) ([]byte, error) {
	if len(secret) != 32 {
		return nil, ErrInvalidPrivateKey
	}
	priv, _ := btcec.PrivKeyFromBytes(secret)
	if priv.Key.IsZero() {
		return nil, ErrInvalidPrivateKey
	}
	pub, err := schnorr.ParsePubKey(pubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	x := btcec.GenerateSharedSecret(priv, pub)
	if len(x) < 32 {
		padded := make([]byte, 32)
		copy(padded[32-len(x):], x)
		x = padded
	}
	return x, nil
}

// ConversationKey derives the NIP-44 conversation key for secret and the peer's x-only pubkey.
// Both parties derive the same key.
func ConversationKey(secret, pubKey []byte) ([]byte, error) {
	x, err := sharedX(secret, pubKey)
	if err != nil {
		return nil, err
	}
	return hkdf.Extract(sha256.New, x, []byte(nip44Salt)), nil
}

func messageKeys(conversationKey, nonce []byte) (chachaKey, chachaNonce, hmacKey []byte, err error) {
	if len(conversationKey) != 32 {
		return nil, nil, nil, errors.New("invalid conversation key length")
	}
	if len(nonce) != 32 {
		return nil, nil, nil, errors.New("invalid nonce length")
	}

	keys := make([]byte, 76)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, conversationKey, nonce), keys); err != nil {
		return nil, nil, nil, err
	}
	return keys[0:32], keys[32:44], keys[44:76], nil
}

func calcPaddedLen(unpaddedLen int) int {
	if unpaddedLen <= 32 {
		return 32
	}

	nextPower := 1 << (int(math.Floor(math.Log2(float64(unpaddedLen-1)))) + 1)
	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}
	return chunk * ((unpaddedLen-1)/chunk + 1)
}

func pad(plaintext []byte) ([]byte, error) {
	n := len(plaintext)
	if n < minPlaintextSize || n > maxPlaintextSize {
		return nil, fmt.Errorf("plaintext length %d out of range", n)
	}

	out := make([]byte, 2+calcPaddedLen(n))
	binary.BigEndian.PutUint16(out[0:2], uint16(n))
	copy(out[2:], plaintext)
	return out, nil
}

func unpad(padded []byte) ([]byte, error) {
	if len(padded) < 2 {
		return nil, ErrInvalidPadding
	}
	n := int(binary.BigEndian.Uint16(padded[0:2]))
	if n == 0 || n > len(padded)-2 || len(padded) != 2+calcPaddedLen(n) {
		return nil, ErrInvalidPadding
	}
	return padded[2 : 2+n], nil
}

func hmacAAD(key, message, aad []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(aad)
	h.Write(message)
	return h.Sum(nil)
}

// Encrypt encrypts plaintext with NIP-44 v2 under a random nonce
func Encrypt(plaintext string, conversationKey []byte) (string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return EncryptWithNonce(plaintext, conversationKey, nonce)
}

// EncryptWithNonce encrypts with a caller supplied nonce. Only tests should use it.
func EncryptWithNonce(plaintext string, conversationKey, nonce []byte) (string, error) {
	chachaKey, chachaNonce, hmacKey, err := messageKeys(conversationKey, nonce)
	if err != nil {
		return "", err
	}

	padded, err := pad([]byte(plaintext))
	if err != nil {
		return "", err
	}

	stream, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(padded))
	stream.XORKeyStream(ciphertext, padded)

	mac := hmacAAD(hmacKey, ciphertext, nonce)

	// version || nonce || ciphertext || mac
	out := make([]byte, 0, 1+32+len(ciphertext)+32)
	out = append(out, nip44Version)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	out = append(out, mac...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt decrypts a NIP-44 v2 payload
func Decrypt(payload string, conversationKey []byte) (string, error) {
	if len(payload) > 0 && payload[0] == '#' {
		return "", ErrUnsupportedVer
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: bad base64", ErrInvalidPayload)
	}
	if len(data) < minPayloadSize || len(data) > maxPayloadSize {
		return "", fmt.Errorf("%w: size %d", ErrInvalidPayload, len(data))
	}
	if data[0] != nip44Version {
		return "", ErrUnsupportedVer
	}

	nonce := data[1:33]
	ciphertext := data[33 : len(data)-32]
	mac := data[len(data)-32:]

	chachaKey, chachaNonce, hmacKey, err := messageKeys(conversationKey, nonce)
	if err != nil {
		return "", err
	}
	if !hmac.Equal(hmacAAD(hmacKey, ciphertext, nonce), mac) {
		return "", ErrInvalidMAC
	}

	stream, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	padded := make([]byte, len(ciphertext))
	stream.XORKeyStream(padded, ciphertext)

	plaintext, err := unpad(padded)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
