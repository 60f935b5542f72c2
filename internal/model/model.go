// Package model holds the domain types shared across the orchestrator:
// model records, GPU samples, API keys, sessions, and the error-kind
// taxonomy used to map internal failures onto HTTP status codes.
package model

import (
	"fmt"

	"github.com/worldline-go/types"
)

// ModelType is the kind of workload a deployed model serves.
type ModelType string

const (
	ModelTypeLLM       ModelType = "llm"
	ModelTypeEmbedding ModelType = "embedding"
)

// Quantization is the weight quantization scheme a model was deployed with.
type Quantization string

const (
	QuantizationNone Quantization = "none"
	QuantizationAWQ  Quantization = "awq"
	QuantizationGPTQ Quantization = "gptq"
)

// Status is a Model Record's position in the deployment lifecycle.
type Status string

const (
	StatusStopped   Status = "stopped"
	StatusDeploying Status = "deploying"
	StatusRunning   Status = "running"
	StatusError     Status = "error"
	StatusStopping  Status = "stopping"
)

// ReservedContainerPrefix is prepended to every container this orchestrator
// spawns, and is the filter the Reconciler scans the runtime with.
const ReservedContainerPrefix = "MIND_MODEL_"

// ContainerName returns the deterministic container name for abbr.
func ContainerName(abbr string) string {
	return ReservedContainerPrefix + abbr
}

// Record is the durable, authoritative state of one deployed model.
type Record struct {
	Abbr         string       `json:"abbr"`
	Name         string       `json:"name"`
	Type         ModelType    `json:"type"`
	Quantization Quantization `json:"quantization"`

	MaxModelLen          int     `json:"max_model_len"`
	GPUMemoryUtilization float64 `json:"gpu_memory_utilization"`
	MaxNumSeqs           int     `json:"max_num_seqs"`

	GPUDevice int    `json:"gpu_device"`
	Port      int    `json:"port"`
	Endpoint  string `json:"endpoint"`

	Status          Status `json:"status"`
	Progress        int    `json:"progress"`
	ProgressMessage string `json:"progress_message"`

	ContainerName string `json:"container_name"`
	ContainerID   string `json:"container_id,omitempty"`

	CacheSizeMB int  `json:"cache_size_mb,omitempty"`
	Cached      bool `json:"cached,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// Endpoint builds the public data-plane path for abbr.
func Endpoint(abbr string) string {
	return "/api/v1/" + abbr
}

// GPUSample is a single point-in-time reading of one GPU's state.
type GPUSample struct {
	Index               int    `json:"index"`
	Name                string `json:"name"`
	MemoryTotalMB        int    `json:"memory_total_mb"`
	MemoryUsedMB         int    `json:"memory_used_mb"`
	MemoryFreeMB         int    `json:"memory_free_mb"`
	UtilizationPercent   int    `json:"utilization_percent"`
	TemperatureCelsius   int    `json:"temperature_celsius"`
}

// GPUProcess is one process occupying memory on a GPU.
type GPUProcess struct {
	PID      int    `json:"pid"`
	MemoryMB int    `json:"memory_mb"`
	Command  string `json:"command,omitempty"`
	Model    string `json:"model,omitempty"`
}

// APIKey is a long-lived bearer credential minted by a session and used by
// data-plane clients. The full key is never held in this struct; only the
// creation response carries it, and every subsequent read carries only
// Prefix and Name (invariant 5 of §3).
type APIKey struct {
	ID          string                 `json:"id"`
	Prefix      string                 `json:"prefix"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	CreatedAt   types.Time             `json:"created_at"`
	LastUsedAt  types.Null[types.Time] `json:"last_used_at"`
}

// CatalogEntry is one row of the read-only Predefined Catalog used to
// validate and enrich deploy requests.
type CatalogEntry struct {
	Abbr               string       `json:"abbr"`
	Name               string       `json:"name"`
	Type               ModelType    `json:"type"`
	Quantization       Quantization `json:"quantization"`
	MaxModelLen        int          `json:"max_model_len"`
	RecommendedVRAMMB  int          `json:"recommended_vram_mb"`
	ParamBytes         int64        `json:"param_bytes,omitempty"`
	Description        string       `json:"description,omitempty"`
}

// ─── Error taxonomy (§7) ───

// Kind is one of the error taxonomy buckets the HTTP layer maps to a
// status code.
type Kind string

const (
	KindValidation       Kind = "ValidationError"
	KindAuth             Kind = "AuthError"
	KindNotFound         Kind = "NotFound"
	KindConflict         Kind = "Conflict"
	KindResourceExhausted Kind = "ResourceExhausted"
	KindUpstream         Kind = "UpstreamError"
	KindContextOverflow  Kind = "ContextOverflow"
	KindInternal         Kind = "Internal"
)

// StatusCodes maps each Kind onto its HTTP status, the single table every
// component's errors are routed through (§7 "Propagation").
var StatusCodes = map[Kind]int{
	KindValidation:        400,
	KindAuth:              401,
	KindNotFound:          404,
	KindConflict:          409,
	KindResourceExhausted: 503,
	KindUpstream:          502,
	KindContextOverflow:   413,
	KindInternal:          500,
}

// Error is a typed, component-agnostic error carrying a Kind the HTTP
// surface maps to a status code plus an optional Field (ValidationError)
// and TraceID (attached by the server on the way out).
type Error struct {
	Kind    Kind
	Message string
	Field   string
	TraceID string
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field=%s)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds an *Error of the given kind.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithField returns a copy of e with Field set, for ValidationError detail.
func (e *Error) WithField(field string) *Error {
	cp := *e
	cp.Field = field
	return &cp
}

// StatusCode returns the HTTP status this error maps to, defaulting to 500.
func (e *Error) StatusCode() int {
	if code, ok := StatusCodes[e.Kind]; ok {
		return code
	}
	return 500
}
