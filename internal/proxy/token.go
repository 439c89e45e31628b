package proxy

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// ErrBadToken is returned when a segment token cannot be decoded or fails authentication.
var ErrBadToken = errors.New("invalid segment token")

const keyInfo = "stbgate segment token v1"

// SegmentToken is the payload carried, encrypted, in a proxied segment URL.
type SegmentToken struct {
	StreamID          int64  `json:"stream_id"`
	BaseLink          string `json:"base_link"`
	SegmentPath       string `json:"segment_path"`
	SessionIdentifier string `json:"session_identifier,omitempty"`
}

// Sealer encrypts and decrypts segment tokens for one device with AES-256-GCM.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the device key from the UUID bytes with HKDF-SHA256.
func NewSealer(deviceUID uuid.UUID) (*Sealer, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, deviceUID[:], nil, []byte(keyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal returns base64url(nonce || ciphertext) without padding.
func (s *Sealer) Seal(t SegmentToken) (string, error) {
	plain, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("marshal token: %w", err)
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plain, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Every failure is reported as ErrBadToken.
func (s *Sealer) Open(data string) (SegmentToken, error) {
	var t SegmentToken
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return t, fmt.Errorf("%w: decode: %v", ErrBadToken, err)
	}
	ns := s.aead.NonceSize()
	if len(raw) < ns+s.aead.Overhead() {
		return t, fmt.Errorf("%w: too short", ErrBadToken)
	}
	plain, err := s.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return t, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	if err := json.Unmarshal(plain, &t); err != nil {
		return t, fmt.Errorf("%w: payload: %v", ErrBadToken, err)
	}
	return t, nil
}
