package publish

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// DefaultURLTTL bounds how long a playback link stays valid.
const DefaultURLTTL = 15 * time.Minute

var (
	// ErrURLExpired marks a signature whose expiry has passed.
	ErrURLExpired = errors.New("signed url expired")
	// ErrBadSignature marks a signature that does not match the key and expiry.
	ErrBadSignature = errors.New("signed url signature mismatch")
)

// URLSigner mints and checks expiring signatures for artifact storage keys.
// The signing key is derived from the service master secret with HKDF so the
// same secret can safely feed other derivations without key reuse.
type URLSigner struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewURLSigner derives a signing key from masterSecret. ttl <= 0 selects
// DefaultURLTTL.
func NewURLSigner(masterSecret string, ttl time.Duration) (*URLSigner, error) {
	secret := strings.TrimSpace(masterSecret)
	if secret == "" {
		return nil, fmt.Errorf("signing secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}
	reader := hkdf.New(sha256.New, []byte(secret), nil, []byte("artifact-url-signing"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	return &URLSigner{key: key, ttl: ttl, now: time.Now}, nil
}

// Sign returns the unix expiry and hex signature for a storage key.
func (s *URLSigner) Sign(storageKey string) (int64, string) {
	expires := s.now().Add(s.ttl).Unix()
	return expires, s.signature(storageKey, expires)
}

// Verify checks a signature produced by Sign.
func (s *URLSigner) Verify(storageKey string, expires int64, signature string) error {
	if s.now().Unix() > expires {
		return ErrURLExpired
	}
	expected := s.signature(storageKey, expires)
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return ErrBadSignature
	}
	expectedRaw, _ := hex.DecodeString(expected)
	if !hmac.Equal(expectedRaw, provided) {
		return ErrBadSignature
	}
	return nil
}

func (s *URLSigner) signature(storageKey string, expires int64) string {
	payload := fmt.Sprintf("%s\n%d", storageKey, expires)
	return hmacSHA256Hex(s.key, payload)
}
