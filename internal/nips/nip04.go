package nips

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// Nip04SharedSecret returns the raw ECDH x coordinate used as the AES key.
func Nip04SharedSecret(secret, pubKey []byte) ([]byte, error) {
	return sharedX(secret, pubKey)
}

// Nip04Encrypt encrypts with AES-256-CBC, returning base64(ciphertext)?iv=base64(iv)
func Nip04Encrypt(plaintext string, sharedSecret []byte) (string, error) {
	if len(sharedSecret) != 32 {
		return "", fmt.Errorf("nip04 shared secret must be 32 bytes")
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	padding := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append([]byte(plaintext), bytes.Repeat([]byte{byte(padding)}, padding)...)

	block, err := aes.NewCipher(sharedSecret)
	if err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(ciphertext) + "?iv=" + base64.StdEncoding.EncodeToString(iv), nil
}

// Nip04Decrypt reverses Nip04Encrypt
func Nip04Decrypt(payload string, sharedSecret []byte) (string, error) {
	ctB64, ivB64, ok := strings.Cut(payload, "?iv=")
	if !ok {
		return "", fmt.Errorf("%w: missing iv", ErrInvalidPayload)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(ctB64)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext base64", ErrInvalidPayload)
	}
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil || len(iv) != aes.BlockSize {
		return "", fmt.Errorf("%w: iv", ErrInvalidPayload)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext length", ErrInvalidPayload)
	}

	block, err := aes.NewCipher(sharedSecret)
	if err != nil {
		return "", err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	// PKCS7
	padding := int(plaintext[len(plaintext)-1])
	if padding == 0 || padding > aes.BlockSize {
		return "", ErrInvalidPadding
	}
	for _, b := range plaintext[len(plaintext)-padding:] {
		if int(b) != padding {
			return "", ErrInvalidPadding
		}
	}
	return string(plaintext[:len(plaintext)-padding]), nil
}
