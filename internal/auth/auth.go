// Package auth verifies bearer API keys against configured bcrypt hashes.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc/metadata"
)

// KeyPrefix starts every API key issued by GenerateKey.
const KeyPrefix = "bst_"

var (
	ErrMissingAPIKey = errors.New("missing authorization header")
	ErrInvalidAPIKey = errors.New("invalid API key")
)

type keyHash struct {
	id   string
	hash []byte
}

// KeyVerifier checks API keys. Verified keys are cached so the bcrypt
// cost is paid once per key per TTL.
type KeyVerifier struct {
	keys   []keyHash
	cache  *KeyCache
	logger *zap.Logger
}

// NewKeyVerifier parses entries of the form "hash" or "name:hash". An
// entry without a name is identified as key-N.
func NewKeyVerifier(entries []string, cacheTTL time.Duration, logger *zap.Logger) (*KeyVerifier, error) {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	v := &KeyVerifier{cache: NewKeyCache(cacheTTL), logger: logger}
	for i, entry := range entries {
		id := fmt.Sprintf("key-%d", i+1)
		hash := strings.TrimSpace(entry)
		if name, h, ok := strings.Cut(hash, ":"); ok && !strings.HasPrefix(hash, "$") {
			id, hash = name, h
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("NewKeyVerifier: entry %s: %w", id, err)
		}
		v.keys = append(v.keys, keyHash{id: id, hash: []byte(hash)})
	}
	return v, nil
}

// Enabled reports whether any key is configured. A disabled verifier
// accepts every request.
func (v *KeyVerifier) Enabled() bool {
	return len(v.keys) > 0
}

// Verify returns the id of the configured key matching apiKey.
//
// Cache flow: a fresh hit returns immediately; a stale hit returns the
// cached id and re-verifies in the background; a miss verifies inline.
func (v *KeyVerifier) Verify(ctx context.Context, apiKey string) (string, error) {
	if !strings.HasPrefix(apiKey, KeyPrefix) || len(apiKey) <= len(KeyPrefix) {
		return "", ErrInvalidAPIKey
	}
	digest := digestKey(apiKey)

	result := v.cache.Get(digest)
	if result.Hit {
		if result.NeedsRefresh {
			go v.backgroundRefresh(digest, apiKey)
		}
		return result.KeyID, nil
	}

	id, err := v.compare(apiKey)
	if err != nil {
		return "", err
	}
	v.cache.Set(digest, id)
	return id, nil
}

func (v *KeyVerifier) backgroundRefresh(digest, apiKey string) {
	id, err := v.compare(apiKey)
	if err != nil {
		v.logger.Warn("cached api key no longer verifies, evicting", zap.Error(err))
		v.cache.Delete(digest)
		return
	}
	v.cache.Set(digest, id)
}

func (v *KeyVerifier) compare(apiKey string) (string, error) {
	for _, k := range v.keys {
		if bcrypt.CompareHashAndPassword(k.hash, []byte(apiKey)) == nil {
			return k.id, nil
		}
	}
	return "", ErrInvalidAPIKey
}

// BearerToken extracts the token from an Authorization header value.
// The "Bearer" scheme is case-insensitive (RFC 6750).
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingAPIKey
	}
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		header = header[7:]
	}
	token := strings.TrimSpace(header)
	if token == "" || strings.EqualFold(token, "bearer") {
		return "", ErrInvalidAPIKey
	}
	return token, nil
}

// TokenFromIncomingContext reads the bearer token from gRPC metadata.
func TokenFromIncomingContext(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrMissingAPIKey
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", ErrMissingAPIKey
	}
	return BearerToken(values[0])
}

// GenerateKey returns a new random API key.
func GenerateKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("GenerateKey: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(b), nil
}

// HashKey returns the bcrypt hash to put in configuration for apiKey.
func HashKey(apiKey string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("HashKey: %w", err)
	}
	return string(h), nil
}

func digestKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}
