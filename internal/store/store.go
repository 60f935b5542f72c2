// Package store defines the State Store adapter: a thin façade over an
// external KV map giving typed reads/writes for model records, GPU
// assignments, API keys, and sessions. It is the single source of truth
// (§5) — only the Deployment Engine and Reconciler write model records,
// and only under the per-abbr lock; only the Auth Subsystem writes keys
// and sessions.
package store

import (
	"context"
	"errors"

	"github.com/mind-orchestrator/mind/internal/model"
)

// ErrNotFound is returned by Get-style methods when the key is absent.
var ErrNotFound = errors.New("store: not found")

// Store is the full State Store adapter surface. Implementations must be
// safe for concurrent use.
type Store interface {
	// Model records, keyed by abbr.
	GetModel(ctx context.Context, abbr string) (*model.Record, error)
	ListModels(ctx context.Context) ([]model.Record, error)
	PutModel(ctx context.Context, rec model.Record) error
	DeleteModel(ctx context.Context, abbr string) error

	// GPU assignment is redundant with the model record's GPUDevice field,
	// kept for back-compat scans per §6.
	PutGPUAssignment(ctx context.Context, abbr string, gpuDevice int) error
	DeleteGPUAssignment(ctx context.Context, abbr string) error

	// API keys, keyed by the SHA-256 hash of the full key.
	GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]model.APIKey, error)
	PutAPIKey(ctx context.Context, hash string, key model.APIKey) error
	DeleteAPIKeyByHash(ctx context.Context, hash string) error
	DeleteAPIKeyByPrefix(ctx context.Context, prefix string) error
	TouchAPIKeyLastUsed(ctx context.Context, hash string, epochMS int64) error

	// Sessions, keyed by the hash of the opaque token. Sessions are
	// self-verifying signed tokens (§4.6), and no caller in the server or
	// auth packages uses these methods.
	PutSession(ctx context.Context, hash string, expiresAtMS int64) error
	GetSessionExpiry(ctx context.Context, hash string) (int64, error)
	DeleteSession(ctx context.Context, hash string) error

	Close() error
}
