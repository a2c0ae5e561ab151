package services

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"github.com/manthysbr/solution-packager/internal/core/domain"
	"github.com/zeebo/blake3"
)

const tokenBytes = 32

var tokenEncoding = base64.RawURLEncoding

// CredentialManager issues per-job bearer tokens and keeps only their
// keyed digests. The key is random per process, so digests are useless
// outside it and a memory image never yields a usable token.
type CredentialManager struct {
	key [32]byte
}

func NewCredentialManager() (*CredentialManager, error) {
	m := &CredentialManager{}
	if _, err := rand.Read(m.key[:]); err != nil {
		return nil, fmt.Errorf("failed to generate credential key: %w", err)
	}
	return m, nil
}

// Issue returns a fresh URL-safe token and the digest to store for it.
func (m *CredentialManager) Issue() (string, domain.CredentialDigest, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", domain.CredentialDigest{}, fmt.Errorf("failed to generate token: %w", err)
	}
	token := tokenEncoding.EncodeToString(raw)
	return token, m.digest(token), nil
}

// Verify reports whether presented matches the stored digest. Malformed
// tokens are rejected before hashing; the digest comparison itself is
// constant time.
func (m *CredentialManager) Verify(stored domain.CredentialDigest, presented string) bool {
	if !wellFormedToken(presented) {
		return false
	}
	got := m.digest(presented)
	return subtle.ConstantTimeCompare(stored[:], got[:]) == 1
}

func (m *CredentialManager) digest(token string) domain.CredentialDigest {
	h, err := blake3.NewKeyed(m.key[:])
	if err != nil {
		// Only fails on a key that is not 32 bytes.
		panic(fmt.Sprintf("blake3 keyed hash init: %v", err))
	}
	_, _ = h.Write([]byte(token))
	var out domain.CredentialDigest
	copy(out[:], h.Sum(nil))
	return out
}

func wellFormedToken(token string) bool {
	if len(token) != tokenEncoding.EncodedLen(tokenBytes) {
		return false
	}
	_, err := tokenEncoding.DecodeString(token)
	return err == nil
}
