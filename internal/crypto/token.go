package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"revbroker/internal/constants"
)

var (
	ErrInvalidToken = errors.New("invalid capability token")
	ErrTokenStale   = errors.New("capability token outside pairing window")
	ErrEmptySecret  = errors.New("empty shared secret")
)

var tokenEncoding = base64.RawURLEncoding

const tokenKeyInfo = "revbroker capability token v1"

func newAEAD(secret []byte) (cipher.AEAD, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(tokenKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive token key: %w", err)
	}
	return chacha20poly1305.New(key)
}

// IssueToken encrypts issuedAt (unix seconds) under a key derived from secret.
// A random nonce is prepended, so two tokens for the same instant differ.
func IssueToken(secret []byte, issuedAt time.Time) (string, error) {
	aead, err := newAEAD(secret)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+32)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	payload := strconv.FormatInt(issuedAt.Unix(), 10)
	sealed := aead.Seal(nonce, nonce, []byte(payload), nil)
	return tokenEncoding.EncodeToString(sealed), nil
}

// OpenToken decrypts a token and returns the carried timestamp. Any decoding,
// authentication or parsing failure is reported as ErrInvalidToken.
func OpenToken(secret []byte, token string) (time.Time, error) {
	aead, err := newAEAD(secret)
	if err != nil {
		return time.Time{}, err
	}

	raw, err := tokenEncoding.DecodeString(token)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: decode: %v", ErrInvalidToken, err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return time.Time{}, fmt.Errorf("%w: short token", ErrInvalidToken)
	}

	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: decryption failed", ErrInvalidToken)
	}

	secs, err := strconv.ParseInt(string(plain), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: non-numeric payload", ErrInvalidToken)
	}
	return time.Unix(secs, 0), nil
}

// ValidateToken opens the token and checks it against the pairing window
// using now. A token that decrypts but is too old (or too far in the future)
// returns its timestamp together with ErrTokenStale.
func ValidateToken(secret []byte, token string, now func() time.Time) (time.Time, error) {
	return ValidateTokenWindow(secret, token, now, constants.PairingWindow)
}

func ValidateTokenWindow(secret []byte, token string, now func() time.Time, window time.Duration) (time.Time, error) {
	issuedAt, err := OpenToken(secret, token)
	if err != nil {
		return time.Time{}, err
	}

	age := now().Sub(issuedAt)
	if age >= window || -age >= window {
		return issuedAt, ErrTokenStale
	}
	return issuedAt, nil
}
