// Package server implements the HTTP Surface: the administrative API
// under /orchestrator and the OpenAI-compatible data plane under
// /api/v1/{abbr}, wired the same way the teacher wires its own ada
// router — a chain of standard middlewares, then route groups, then a
// per-group auth middleware for the protected subtree.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rakunlabs/ada"
	mcors "github.com/rakunlabs/ada/middleware/cors"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/mind-orchestrator/mind/internal/auth"
	"github.com/mind-orchestrator/mind/internal/ctxmediate"
	"github.com/mind-orchestrator/mind/internal/deploy"
	"github.com/mind-orchestrator/mind/internal/gpuinspect"
	"github.com/mind-orchestrator/mind/internal/model"
)

// Config carries server-level HTTP settings.
type Config struct {
	Host    string
	Port    string
	Service string // "mind/<version>", passed to mserver.Middleware.
}

// Server is the HTTP Surface: every administrative and data-plane route
// the orchestrator exposes.
type Server struct {
	cfg     Config
	mux     *ada.Server
	auth    *auth.Auth
	engine  *deploy.Engine
	gpu     *gpuinspect.Inspector
	startAt time.Time
}

// New builds the Server and wires every route.
func New(cfg Config, a *auth.Auth, engine *deploy.Engine, gpu *gpuinspect.Inspector) *Server {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(cfg.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		cfg:     cfg,
		mux:     mux,
		auth:    a,
		engine:  engine,
		gpu:     gpu,
		startAt: time.Now(),
	}

	orchGroup := mux.Group("/orchestrator")

	// Public endpoints (§4.6).
	orchGroup.POST("/auth/login", s.Login)
	orchGroup.GET("/health", s.Health)
	orchGroup.GET("/gpu-stats", s.GPUStats)
	orchGroup.GET("/models", s.ListModels)
	orchGroup.GET("/models/*", s.GetModel)
	orchGroup.GET("/metrics", s.Metrics)

	// Session-protected administrative endpoints. Each handler is wrapped
	// individually with the session check rather than grouped, since every
	// grouped example in the teacher shares a literal path suffix and these
	// routes don't.
	requireSession := s.requireSessionMiddleware()
	orchGroup.POST("/models/deploy", requireSession(http.HandlerFunc(s.DeployModel)).ServeHTTP)
	orchGroup.POST("/models/*/start", requireSession(http.HandlerFunc(s.StartModel)).ServeHTTP)
	orchGroup.POST("/models/*/stop", requireSession(http.HandlerFunc(s.StopModel)).ServeHTTP)
	orchGroup.DELETE("/models/*", requireSession(http.HandlerFunc(s.DeleteModel)).ServeHTTP)
	orchGroup.GET("/api-keys", requireSession(http.HandlerFunc(s.ListAPIKeys)).ServeHTTP)
	orchGroup.POST("/api-keys", requireSession(http.HandlerFunc(s.CreateAPIKey)).ServeHTTP)
	orchGroup.DELETE("/api-keys/*", requireSession(http.HandlerFunc(s.DeleteAPIKey)).ServeHTTP)

	// Data plane, API-key protected (§4.5, §6).
	dataGroup := mux.Group("/api/v1")
	dataGroup.Use(s.requireKeyMiddleware())
	dataGroup.POST("/*/chat/completions", s.ChatCompletions)
	dataGroup.POST("/*/completions", s.Completions)
	dataGroup.GET("/*/models", s.ModelInfo)

	return s
}

// Start blocks serving HTTP until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, s.cfg.Port)
	slog.Info("http surface listening", "addr", addr)
	return s.mux.StartWithContext(ctx, addr)
}

func (s *Server) requireSessionMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := s.auth.RequireSession(r); err != nil {
				httpError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) requireKeyMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := s.auth.RequireKey(r); err != nil {
				httpError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ─── Public endpoints ───

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, r, model.NewError(model.KindValidation, "invalid request body"))
		return
	}

	token, expiresAt, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		httpError(w, r, err)
		return
	}

	httpResponseJSON(w, loginResponse{Token: token, ExpiresAt: expiresAt.UnixMilli()}, http.StatusOK)
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	httpResponseJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

type gpuStatsResponse struct {
	GPUs      []model.GPUSample           `json:"gpus"`
	Processes map[int][]model.GPUProcess `json:"processes"`
}

func (s *Server) GPUStats(w http.ResponseWriter, r *http.Request) {
	httpResponseJSON(w, gpuStatsResponse{
		GPUs:      s.gpu.Sample(),
		Processes: s.gpu.Processes(),
	}, http.StatusOK)
}

func (s *Server) ListModels(w http.ResponseWriter, r *http.Request) {
	recs, err := s.engine.GetAll(r.Context())
	if err != nil {
		httpError(w, r, err)
		return
	}
	httpResponseJSON(w, recs, http.StatusOK)
}

func (s *Server) GetModel(w http.ResponseWriter, r *http.Request) {
	abbr := r.PathValue("*")
	rec, err := s.engine.Get(r.Context(), abbr)
	if err != nil {
		httpError(w, r, err)
		return
	}
	httpResponseJSON(w, rec, http.StatusOK)
}

func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	recs, err := s.engine.GetAll(r.Context())
	if err != nil {
		httpError(w, r, err)
		return
	}

	running := 0
	for _, rec := range recs {
		if rec.Status == model.StatusRunning {
			running++
		}
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "# HELP mind_models_total Models known to the orchestrator.\n")
	fmt.Fprintf(w, "# TYPE mind_models_total gauge\n")
	fmt.Fprintf(w, "mind_models_total %d\n", len(recs))
	fmt.Fprintf(w, "# HELP mind_models_running Models currently running.\n")
	fmt.Fprintf(w, "# TYPE mind_models_running gauge\n")
	fmt.Fprintf(w, "mind_models_running %d\n", running)
	fmt.Fprintf(w, "# HELP mind_uptime_seconds Seconds since the orchestrator started.\n")
	fmt.Fprintf(w, "# TYPE mind_uptime_seconds counter\n")
	fmt.Fprintf(w, "mind_uptime_seconds %d\n", int(time.Since(s.startAt).Seconds()))
}

// ─── Session-protected endpoints ───

type deployRequest struct {
	Abbr                 string             `json:"abbr"`
	Name                 string             `json:"name"`
	Type                 model.ModelType    `json:"type"`
	Quantization         model.Quantization `json:"quantization"`
	MaxModelLen          int                `json:"max_model_len"`
	GPUMemoryUtilization float64            `json:"gpu_memory_utilization"`
	MaxNumSeqs           int                `json:"max_num_seqs"`
	GPUDevice            int                `json:"gpu_device"`
	Image                string             `json:"image,omitempty"`
}

func (s *Server) DeployModel(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, r, model.NewError(model.KindValidation, "invalid request body"))
		return
	}
	if req.Abbr == "" {
		httpError(w, r, model.NewError(model.KindValidation, "abbr is required").WithField("abbr"))
		return
	}

	rec, err := s.engine.Deploy(r.Context(), deploy.Spec{
		Abbr:                 req.Abbr,
		Name:                 req.Name,
		Type:                 req.Type,
		Quantization:         req.Quantization,
		MaxModelLen:          req.MaxModelLen,
		GPUMemoryUtilization: req.GPUMemoryUtilization,
		MaxNumSeqs:           req.MaxNumSeqs,
		GPUDevice:            req.GPUDevice,
		Image:                req.Image,
	})
	if err != nil {
		httpError(w, r, err)
		return
	}
	httpResponseJSON(w, rec, http.StatusOK)
}

func (s *Server) StartModel(w http.ResponseWriter, r *http.Request) {
	abbr := strings.TrimSuffix(r.PathValue("*"), "/start")
	rec, err := s.engine.Start(r.Context(), abbr)
	if err != nil {
		httpError(w, r, err)
		return
	}
	httpResponseJSON(w, rec, http.StatusOK)
}

func (s *Server) StopModel(w http.ResponseWriter, r *http.Request) {
	abbr := strings.TrimSuffix(r.PathValue("*"), "/stop")
	rec, err := s.engine.Stop(r.Context(), abbr)
	if err != nil {
		httpError(w, r, err)
		return
	}
	httpResponseJSON(w, rec, http.StatusOK)
}

func (s *Server) DeleteModel(w http.ResponseWriter, r *http.Request) {
	abbr := r.PathValue("*")
	if err := s.engine.Delete(r.Context(), abbr); err != nil {
		httpError(w, r, err)
		return
	}
	httpResponseJSON(w, map[string]bool{"deleted": true}, http.StatusOK)
}

func (s *Server) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.auth.ListAPIKeys(r.Context())
	if err != nil {
		httpError(w, r, err)
		return
	}
	httpResponseJSON(w, keys, http.StatusOK)
}

type createAPIKeyResponse struct {
	APIKey string `json:"api_key"`
	Name   string `json:"name"`
	Prefix string `json:"prefix"`
}

func (s *Server) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	description := r.URL.Query().Get("description")
	if name == "" {
		httpError(w, r, model.NewError(model.KindValidation, "name is required").WithField("name"))
		return
	}

	fullKey, info, err := s.auth.MintAPIKey(r.Context(), name, description)
	if err != nil {
		httpError(w, r, err)
		return
	}

	httpResponseJSON(w, createAPIKeyResponse{
		APIKey: fullKey,
		Name:   info.Name,
		Prefix: info.Prefix,
	}, http.StatusOK)
}

func (s *Server) DeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	keyOrPrefix := r.PathValue("*")
	if err := s.auth.RevokeAPIKey(r.Context(), keyOrPrefix); err != nil {
		httpError(w, r, err)
		return
	}
	httpResponseJSON(w, map[string]bool{"deleted": true}, http.StatusOK)
}

// ─── Data plane (§4.5) ───

func abbrFromDataPlanePath(path string) string {
	// dataGroup routes are registered as "/*/chat/completions" etc; the
	// wildcard captures "{abbr}/chat/completions" — split at the first "/".
	idx := strings.Index(path, "/")
	if idx < 0 {
		return path
	}
	return path[:idx]
}

func (s *Server) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	abbr := abbrFromDataPlanePath(r.PathValue("*"))

	rec, err := s.engine.Get(r.Context(), abbr)
	if err != nil {
		httpError(w, r, err)
		return
	}
	if rec.Status != model.StatusRunning {
		httpError(w, r, model.NewError(model.KindResourceExhausted, "model %q is not running (status=%s)", abbr, rec.Status))
		return
	}

	var req ctxmediate.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, r, model.NewError(model.KindValidation, "invalid request body"))
		return
	}

	messages, effectiveMaxTokens, truncated, err := ctxmediate.Mediate(req, rec.MaxModelLen)
	if err != nil {
		httpError(w, r, err)
		return
	}

	baseURL := fmt.Sprintf("http://%s:%d", rec.ContainerName, rec.Port)
	resp, err := ctxmediate.Forward(r.Context(), baseURL, messages, effectiveMaxTokens, req)
	if err != nil {
		httpError(w, r, err)
		return
	}
	defer resp.Body.Close()

	if truncated {
		w.Header().Set("X-MIND-Context-Truncated", "true")
	}
	for k, vals := range resp.Header {
		if strings.EqualFold(k, "Content-Length") {
			continue // body may be re-encoded below with a different length
		}
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if req.Stream {
		if err := ctxmediate.StreamPassthrough(r.Context(), w, resp); err != nil {
			slog.Error("chat completions: stream passthrough failed", "abbr", abbr, "error", err)
		}
		return
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		if truncated {
			body["context_truncated"] = true
		}
		json.NewEncoder(w).Encode(body)
	}
}

func (s *Server) Completions(w http.ResponseWriter, r *http.Request) {
	abbr := abbrFromDataPlanePath(r.PathValue("*"))
	rec, err := s.engine.Get(r.Context(), abbr)
	if err != nil {
		httpError(w, r, err)
		return
	}
	if rec.Status != model.StatusRunning {
		httpError(w, r, model.NewError(model.KindResourceExhausted, "model %q is not running (status=%s)", abbr, rec.Status))
		return
	}

	baseURL := fmt.Sprintf("http://%s:%d/v1/completions", rec.ContainerName, rec.Port)
	proxyRequest(w, r, baseURL)
}

func (s *Server) ModelInfo(w http.ResponseWriter, r *http.Request) {
	abbr := abbrFromDataPlanePath(r.PathValue("*"))
	rec, err := s.engine.Get(r.Context(), abbr)
	if err != nil {
		httpError(w, r, err)
		return
	}
	if rec.Status != model.StatusRunning {
		httpError(w, r, model.NewError(model.KindResourceExhausted, "model %q is not running (status=%s)", abbr, rec.Status))
		return
	}

	baseURL := fmt.Sprintf("http://%s:%d/v1/models", rec.ContainerName, rec.Port)
	proxyRequest(w, r, baseURL)
}

func proxyRequest(w http.ResponseWriter, r *http.Request, upstreamURL string) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, r.Body)
	if err != nil {
		httpError(w, r, model.NewError(model.KindInternal, "build upstream request: %v", err))
		return
	}
	req.Header.Set("Content-Type", r.Header.Get("Content-Type"))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		httpError(w, r, model.NewError(model.KindUpstream, "inference engine unreachable: %v", err))
		return
	}
	defer resp.Body.Close()

	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
