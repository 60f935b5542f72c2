// Package auth implements the Auth Subsystem (§4.6): password login
// against a PBKDF2-SHA256 hash, signed session tokens, and bearer API
// keys minted/looked up through the state store.
//
// Token generation follows the same shape the teacher uses for its own
// API tokens: random bytes, base64url-encoded, prefixed with "sk_",
// SHA-256-hashed (hex) for storage with only the prefix kept in plaintext
// for display.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/worldline-go/types"
	"golang.org/x/crypto/pbkdf2"

	"github.com/mind-orchestrator/mind/internal/model"
	"github.com/mind-orchestrator/mind/internal/store"
)

const apiKeyPrefixLen = 8

// Auth holds the configured username/password-hash/JWT secret and the
// store backing API keys.
type Auth struct {
	username       string
	passwordHash   string
	jwtSecret      []byte
	sessionTimeout time.Duration
	store          store.Store
}

// New builds an Auth from configuration. sessionTimeoutHours defaults to
// 24 if zero.
func New(st store.Store, username, passwordHash, jwtSecret string, sessionTimeoutHours int) *Auth {
	if sessionTimeoutHours <= 0 {
		sessionTimeoutHours = 24
	}
	return &Auth{
		username:       username,
		passwordHash:   passwordHash,
		jwtSecret:      []byte(jwtSecret),
		sessionTimeout: time.Duration(sessionTimeoutHours) * time.Hour,
		store:          st,
	}
}

type sessionClaims struct {
	jwt.RegisteredClaims
}

// Login validates username/password against the configured credential
// and, on success, returns a signed session token and its expiry.
func (a *Auth) Login(username, password string) (token string, expiresAt time.Time, err error) {
	if subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) != 1 {
		return "", time.Time{}, model.NewError(model.KindAuth, "invalid credentials")
	}
	ok, err := verifyPBKDF2(password, a.passwordHash)
	if err != nil || !ok {
		return "", time.Time{}, model.NewError(model.KindAuth, "invalid credentials")
	}

	now := time.Now().UTC()
	exp := now.Add(a.sessionTimeout)

	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        ulid.Make().String(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
	if err != nil {
		return "", time.Time{}, model.NewError(model.KindInternal, "sign session token: %v", err)
	}

	return signed, exp, nil
}

// RequireSession validates an Authorization: Bearer <token> header,
// rejecting with 401 if missing, expired, or tampered.
func (a *Auth) RequireSession(r *http.Request) error {
	token := bearerToken(r)
	if token == "" {
		return model.NewError(model.KindAuth, "missing session token")
	}

	parsed, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		return model.NewError(model.KindAuth, "invalid or expired session")
	}
	return nil
}

// APIKeyInfo is the non-secret view of an API key returned to clients.
type APIKeyInfo struct {
	Name        string `json:"name"`
	Prefix      string `json:"prefix"`
	Description string `json:"description,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	LastUsedAt  *int64 `json:"last_used_at,omitempty"`
}

// MintAPIKey generates a new API key, stores its hash, and returns the
// full key exactly once (invariant 5 of §3).
func (a *Auth) MintAPIKey(ctx context.Context, name, description string) (fullKey string, info APIKeyInfo, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", APIKeyInfo{}, model.NewError(model.KindInternal, "generate api key: %v", err)
	}
	fullKey = "sk_" + base64.RawURLEncoding.EncodeToString(raw)
	prefix := fullKey[:apiKeyPrefixLen]

	hash := hashKey(fullKey)
	now := time.Now().UTC()

	key := model.APIKey{
		ID:        ulid.Make().String(),
		Prefix:    prefix,
		Name:      name,
		CreatedAt: types.NewTime(now),
	}
	key.Description = description

	if err := a.store.PutAPIKey(ctx, hash, key); err != nil {
		return "", APIKeyInfo{}, model.NewError(model.KindInternal, "store api key: %v", err)
	}

	return fullKey, APIKeyInfo{
		Name:      key.Name,
		Prefix:    key.Prefix,
		CreatedAt: now.UnixMilli(),
	}, nil
}

// ListAPIKeys returns every key's non-secret view.
func (a *Auth) ListAPIKeys(ctx context.Context) ([]APIKeyInfo, error) {
	keys, err := a.store.ListAPIKeys(ctx)
	if err != nil {
		return nil, model.NewError(model.KindInternal, "list api keys: %v", err)
	}

	out := make([]APIKeyInfo, 0, len(keys))
	for _, k := range keys {
		info := APIKeyInfo{
			Name:        k.Name,
			Prefix:      k.Prefix,
			Description: k.Description,
			CreatedAt:   k.CreatedAt.Time.UnixMilli(),
		}
		if k.LastUsedAt.Valid {
			ms := k.LastUsedAt.V.Time.UnixMilli()
			info.LastUsedAt = &ms
		}
		out = append(out, info)
	}
	return out, nil
}

// RevokeAPIKey deletes a key identified by its full value or its prefix.
func (a *Auth) RevokeAPIKey(ctx context.Context, keyOrPrefix string) error {
	if strings.HasPrefix(keyOrPrefix, "sk_") && len(keyOrPrefix) > apiKeyPrefixLen {
		hash := hashKey(keyOrPrefix)
		if err := a.store.DeleteAPIKeyByHash(ctx, hash); err == nil {
			return nil
		}
	}
	if err := a.store.DeleteAPIKeyByPrefix(ctx, keyOrPrefix); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.NewError(model.KindNotFound, "api key %q not found", keyOrPrefix)
		}
		return model.NewError(model.KindInternal, "revoke api key: %v", err)
	}
	return nil
}

// RequireKey validates a bearer or X-API-Key header against the store,
// rejecting on miss or revoked keys. On success it schedules an
// asynchronous last-used update and returns nothing else — keys carry no
// scoping in this system, unlike the teacher's per-token model allowlist.
func (a *Auth) RequireKey(r *http.Request) error {
	key := apiKeyFromRequest(r)
	if key == "" {
		return model.NewError(model.KindAuth, "missing API key")
	}

	hash := hashKey(key)
	rec, err := a.store.GetAPIKeyByHash(r.Context(), hash)
	if errors.Is(err, store.ErrNotFound) {
		return model.NewError(model.KindAuth, "invalid API key")
	}
	if err != nil {
		return model.NewError(model.KindInternal, "lookup api key: %v", err)
	}
	_ = rec

	go func(hash string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.store.TouchAPIKeyLastUsed(ctx, hash, time.Now().UnixMilli()); err != nil {
			slog.Debug("update api key last_used_at failed", "error", err)
		}
	}(hash)

	return nil
}

func apiKeyFromRequest(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	return bearerToken(r)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// HashPassword produces the encoded PBKDF2-SHA256 triple the config's
// AUTH_PASSWORD_HASH variable expects: "pbkdf2_sha256:{salt_b64}:{hash_b64}:{iterations}".
func HashPassword(password string, iterations int) (string, error) {
	if iterations <= 0 {
		iterations = 260000
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	return fmt.Sprintf("pbkdf2_sha256:%s:%s:%d",
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(derived),
		iterations,
	), nil
}

func verifyPBKDF2(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != 4 || parts[0] != "pbkdf2_sha256" {
		return false, fmt.Errorf("unrecognized password hash encoding")
	}
	salt, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false, fmt.Errorf("decode salt: %w", err)
	}
	want, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return false, fmt.Errorf("decode hash: %w", err)
	}
	iterations, err := strconv.Atoi(parts[3])
	if err != nil {
		return false, fmt.Errorf("decode iterations: %w", err)
	}

	got := pbkdf2.Key([]byte(password), salt, iterations, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
