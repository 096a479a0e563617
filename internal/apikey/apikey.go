// Package apikey generates API keys. Raw keys are returned once; only the
// bcrypt hash and a short lookup prefix are persisted.
package apikey

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/scanpipe/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// Scope names recognized by the API.
const (
	ScopeRead  = "read"
	ScopeWrite = "write"
	ScopeAdmin = "admin"
)

const (
	keyMarker = "spk_"
	// PrefixLen must match the auth middleware's lookup prefix length.
	PrefixLen = 8
	secretLen = 24
)

var ErrInvalidScope = errors.New("invalid scope")

// DefaultScopes are granted when a caller does not ask for specific ones.
var DefaultScopes = []string{ScopeRead, ScopeWrite}

var validScopes = []string{ScopeRead, ScopeWrite, ScopeAdmin}

// Generate creates a new key for projectID. The raw key is returned alongside
// the record to persist and must be shown to the caller exactly once.
func Generate(projectID uuid.UUID, name string, scopes []string, cost int) (string, *models.APIKey, error) {
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	normalized := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.ToLower(strings.TrimSpace(s))
		if !slices.Contains(validScopes, s) {
			return "", nil, fmt.Errorf("%w: %q", ErrInvalidScope, s)
		}
		if !slices.Contains(normalized, s) {
			normalized = append(normalized, s)
		}
	}

	secret := make([]byte, secretLen)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, fmt.Errorf("generating key: %w", err)
	}
	raw := keyMarker + hex.EncodeToString(secret)

	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), cost)
	if err != nil {
		return "", nil, fmt.Errorf("hashing key: %w", err)
	}

	now := time.Now().UTC()
	return raw, &models.APIKey{
		ID:        uuid.New(),
		ProjectID: projectID,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:PrefixLen],
		Scopes:    normalized,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
