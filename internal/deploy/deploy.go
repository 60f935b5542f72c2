// Package deploy implements the Deployment Engine (§4.4): the state
// machine driving a Model Record through
// absent → stopped → deploying → running → stopping → stopped, with
// error as a terminal failure state reachable from deploying or running.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/mind-orchestrator/mind/internal/catalog"
	"github.com/mind-orchestrator/mind/internal/containers"
	"github.com/mind-orchestrator/mind/internal/gpuinspect"
	"github.com/mind-orchestrator/mind/internal/model"
	"github.com/mind-orchestrator/mind/internal/router"
	"github.com/mind-orchestrator/mind/internal/store"
)

// abbrPattern mirrors the Data Model invariant on abbr (§3): a short slug,
// lowercase alphanumeric plus dot/underscore/hyphen.
var abbrPattern = regexp.MustCompile(`^[a-z0-9._-]+$`)

const (
	deployDeadline  = 20 * time.Minute
	stopGracePeriod = 30 * time.Second
	maxRetries      = 3
	retryBackoff    = 2 * time.Second
)

// Clock abstracts time.Now so progress/timestamp logic is testable.
type Clock func() time.Time

// Spec is a deploy request's validated shape, mirroring ModelSpec in §6.
type Spec struct {
	Abbr                 string
	Name                 string
	Type                 model.ModelType
	Quantization         model.Quantization
	MaxModelLen          int
	GPUMemoryUtilization float64
	MaxNumSeqs           int
	GPUDevice            int
	Image                string
	Env                  map[string]string
	Args                 []string
	Volumes              map[string]string
}

// Engine owns the Model Record lifecycle.
type Engine struct {
	store      store.Store
	containers *containers.Supervisor
	gpu        *gpuinspect.Inspector
	catalog    *catalog.Catalog
	router     *router.Generator
	cfg        EngineConfig
	now        Clock

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	gpuSemsMu sync.Mutex
	gpuSems   map[int]chan struct{}
}

// EngineConfig carries the container-runtime parameters the engine needs
// when assembling a containers.Spec.
type EngineConfig struct {
	EnginePort     int
	NetworkName    string
	ModelStorePath string
	BasePort       int // host port = BasePort + portOffset(abbr), a hash of abbr mod 1000.
}

// New builds a Deployment Engine.
func New(st store.Store, sup *containers.Supervisor, gpu *gpuinspect.Inspector, cat *catalog.Catalog, rtr *router.Generator, cfg EngineConfig) *Engine {
	return &Engine{
		store:      st,
		containers: sup,
		gpu:        gpu,
		catalog:    cat,
		router:     rtr,
		cfg:        cfg,
		now:        time.Now,
		locks:      map[string]*sync.Mutex{},
		gpuSems:    map[int]chan struct{}{},
	}
}

func (e *Engine) lockFor(abbr string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()

	l, ok := e.locks[abbr]
	if !ok {
		l = &sync.Mutex{}
		e.locks[abbr] = l
	}
	return l
}

// IsLocked reports whether abbr currently has a lifecycle operation in
// flight, without blocking — used by the Reconciler to avoid racing a
// live deploy.
func (e *Engine) IsLocked(abbr string) bool {
	l := e.lockFor(abbr)
	if l.TryLock() {
		l.Unlock()
		return false
	}
	return true
}

func (e *Engine) gpuSemFor(gpuDevice int) chan struct{} {
	e.gpuSemsMu.Lock()
	defer e.gpuSemsMu.Unlock()

	sem, ok := e.gpuSems[gpuDevice]
	if !ok {
		sem = make(chan struct{}, 1)
		e.gpuSems[gpuDevice] = sem
	}
	return sem
}

func (e *Engine) nowMS() int64 {
	return e.now().UnixMilli()
}

// Get returns a snapshot of abbr's record.
func (e *Engine) Get(ctx context.Context, abbr string) (*model.Record, error) {
	rec, err := e.store.GetModel(ctx, abbr)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.NewError(model.KindNotFound, "model %q not found", abbr)
	}
	if err != nil {
		return nil, model.NewError(model.KindInternal, "get model: %v", err)
	}
	return rec, nil
}

// GetAll returns a snapshot of every record.
func (e *Engine) GetAll(ctx context.Context) ([]model.Record, error) {
	recs, err := e.store.ListModels(ctx)
	if err != nil {
		return nil, model.NewError(model.KindInternal, "list models: %v", err)
	}
	return recs, nil
}

// Deploy creates (if absent) and transitions a record from stopped to running.
func (e *Engine) Deploy(ctx context.Context, spec Spec) (*model.Record, error) {
	lock := e.lockFor(spec.Abbr)
	if !lock.TryLock() {
		return nil, model.NewError(model.KindConflict, "lifecycle operation already in flight for %q", spec.Abbr)
	}
	defer lock.Unlock()

	existing, err := e.store.GetModel(ctx, spec.Abbr)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, model.NewError(model.KindInternal, "get model: %v", err)
	}
	if existing != nil && existing.Status != model.StatusStopped {
		return nil, model.NewError(model.KindConflict, "model %q is not in stopped state (status=%s)", spec.Abbr, existing.Status)
	}

	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	entry, ok := e.catalog.Lookup(spec.Abbr)
	if !ok {
		return nil, model.NewError(model.KindValidation, "unknown abbr %q: not present in catalog", spec.Abbr).WithField("abbr")
	}

	if err := e.checkGPUCapacity(spec, entry); err != nil {
		return nil, err
	}

	maxModelLen := firstNonZero(spec.MaxModelLen, entry.MaxModelLen)
	if err := validateMaxModelLen(maxModelLen); err != nil {
		return nil, err
	}

	now := e.nowMS()
	rec := model.Record{
		Abbr:                 spec.Abbr,
		Name:                 firstNonEmpty(spec.Name, entry.Name),
		Type:                 entry.Type,
		Quantization:         firstNonEmptyQuant(spec.Quantization, entry.Quantization),
		MaxModelLen:          maxModelLen,
		GPUMemoryUtilization: spec.GPUMemoryUtilization,
		MaxNumSeqs:           spec.MaxNumSeqs,
		GPUDevice:            spec.GPUDevice,
		Port:                 e.cfg.BasePort + portOffset(spec.Abbr),
		Endpoint:             model.Endpoint(spec.Abbr),
		Status:               model.StatusDeploying,
		Progress:             0,
		ProgressMessage:      "reserved",
		ContainerName:        model.ContainerName(spec.Abbr),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if existing != nil {
		rec.CreatedAt = existing.CreatedAt
	}

	if err := e.store.PutModel(ctx, rec); err != nil {
		return nil, model.NewError(model.KindInternal, "put model: %v", err)
	}
	if err := e.store.PutGPUAssignment(ctx, spec.Abbr, spec.GPUDevice); err != nil {
		return nil, model.NewError(model.KindInternal, "put gpu assignment: %v", err)
	}

	sem := e.gpuSemFor(spec.GPUDevice)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, model.NewError(model.KindInternal, "deploy cancelled waiting for GPU slot")
	}
	defer func() { <-sem }()

	return e.runDeploy(ctx, spec, rec)
}

// validateSpec checks the §3 Data Model invariants that don't depend on
// catalog merging: abbr's character set, gpu_memory_utilization's range,
// and max_num_seqs's positivity. max_model_len is validated separately
// once it's been merged with its catalog default (see validateMaxModelLen).
func validateSpec(spec Spec) error {
	if !abbrPattern.MatchString(spec.Abbr) {
		return model.NewError(model.KindValidation, "abbr %q must match %s", spec.Abbr, abbrPattern.String()).WithField("abbr")
	}
	if spec.GPUMemoryUtilization <= 0 || spec.GPUMemoryUtilization > 1 {
		return model.NewError(model.KindValidation, "gpu_memory_utilization must be in (0, 1], got %v", spec.GPUMemoryUtilization).WithField("gpu_memory_utilization")
	}
	if spec.MaxNumSeqs <= 0 {
		return model.NewError(model.KindValidation, "max_num_seqs must be positive, got %d", spec.MaxNumSeqs).WithField("max_num_seqs")
	}
	return nil
}

// validateMaxModelLen checks the merged (spec-or-catalog-default) context
// window length is positive.
func validateMaxModelLen(maxModelLen int) error {
	if maxModelLen <= 0 {
		return model.NewError(model.KindValidation, "max_model_len must be positive, got %d", maxModelLen).WithField("max_model_len")
	}
	return nil
}

func (e *Engine) checkGPUCapacity(spec Spec, entry model.CatalogEntry) error {
	samples := e.gpu.Sample()
	if e.gpu.Degraded() || len(samples) == 0 {
		return nil // fall back to a single logical GPU, no capacity check possible.
	}

	var found *model.GPUSample
	for i := range samples {
		if samples[i].Index == spec.GPUDevice {
			found = &samples[i]
			break
		}
	}
	if found == nil {
		return model.NewError(model.KindResourceExhausted, "gpu_device %d not present in the latest GPU sample", spec.GPUDevice)
	}

	var required int
	switch {
	case entry.ParamBytes > 0 && spec.GPUMemoryUtilization > 0:
		required = int(math.Ceil(float64(entry.ParamBytes) * spec.GPUMemoryUtilization / (1024 * 1024)))
	case entry.RecommendedVRAMMB > 0:
		required = entry.RecommendedVRAMMB
	default:
		// Nothing to check against: skip the check and log a warning.
		slog.Warn("no VRAM estimate in catalog entry, skipping GPU capacity check", "abbr", spec.Abbr)
		return nil
	}

	if found.MemoryFreeMB < required {
		return model.NewError(model.KindResourceExhausted, "gpu %d has %d MB free, need ~%d MB", spec.GPUDevice, found.MemoryFreeMB, required)
	}
	return nil
}

func (e *Engine) runDeploy(ctx context.Context, spec Spec, rec model.Record) (*model.Record, error) {
	dctx, cancel := context.WithTimeout(context.Background(), deployDeadline)
	defer cancel()

	var containerID string
	var spawnErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		e.setProgress(ctx, spec.Abbr, 10, "image present")

		containerID, spawnErr = e.containers.Spawn(dctx, containers.Spec{
			Image:       spec.Image,
			Name:        rec.ContainerName,
			Env:         withHFToken(spec.Env),
			Args:        spec.Args,
			HostPort:    rec.Port,
			EnginePort:  e.cfg.EnginePort,
			GPUDevice:   spec.GPUDevice,
			NetworkName: e.cfg.NetworkName,
			Volumes:     withModelStore(spec.Volumes, e.cfg.ModelStorePath),
		})
		if spawnErr == nil {
			break
		}

		var se *containers.SpawnError
		if errors.As(spawnErr, &se) && !isTransient(se.Class) {
			break
		}
		if attempt < maxRetries-1 {
			select {
			case <-time.After(retryBackoff):
			case <-dctx.Done():
				spawnErr = dctx.Err()
			}
		}
	}

	if spawnErr != nil {
		e.failDeploy(ctx, spec.Abbr, fmt.Sprintf("spawn failed: %v", spawnErr))
		return e.Get(ctx, spec.Abbr)
	}

	e.setProgress(ctx, spec.Abbr, 30, "container created")
	rec.ContainerID = containerID
	_ = e.store.PutModel(ctx, rec)

	e.setProgress(ctx, spec.Abbr, 50, "container started")

	baseURL := fmt.Sprintf("http://%s:%d", rec.ContainerName, e.cfg.EnginePort)
	if err := containers.WaitReady(dctx, baseURL, deployDeadline); err != nil {
		_ = e.containers.Stop(context.Background(), containerID, stopGracePeriod)
		_ = e.containers.Remove(context.Background(), containerID)
		e.failDeploy(ctx, spec.Abbr, fmt.Sprintf("not ready: %v", err))
		return e.Get(ctx, spec.Abbr)
	}

	e.setProgress(ctx, spec.Abbr, 70, "port reachable")
	e.setProgress(ctx, spec.Abbr, 90, "model registered")

	models, err := e.store.ListModels(ctx)
	if err != nil {
		e.failDeploy(ctx, spec.Abbr, fmt.Sprintf("list models for router regen: %v", err))
		return e.Get(ctx, spec.Abbr)
	}
	models = withUpdatedStatus(models, spec.Abbr, model.StatusRunning)

	if err := e.router.Regenerate(ctx, models); err != nil {
		_ = e.containers.Stop(context.Background(), containerID, stopGracePeriod)
		e.setError(ctx, spec.Abbr, "proxy reload failed")
		return e.Get(ctx, spec.Abbr)
	}

	e.setProgress(ctx, spec.Abbr, 100, "ready")
	return e.transition(ctx, spec.Abbr, model.StatusRunning, "ready")
}

// Start reuses an existing stopped record.
func (e *Engine) Start(ctx context.Context, abbr string) (*model.Record, error) {
	lock := e.lockFor(abbr)
	if !lock.TryLock() {
		return nil, model.NewError(model.KindConflict, "lifecycle operation already in flight for %q", abbr)
	}
	defer lock.Unlock()

	rec, err := e.store.GetModel(ctx, abbr)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.NewError(model.KindNotFound, "model %q not found", abbr)
	}
	if err != nil {
		return nil, model.NewError(model.KindInternal, "get model: %v", err)
	}
	if rec.Status != model.StatusStopped {
		return nil, model.NewError(model.KindConflict, "model %q is not stopped (status=%s)", abbr, rec.Status)
	}

	spec := Spec{
		Abbr:                 rec.Abbr,
		Name:                 rec.Name,
		Type:                 rec.Type,
		Quantization:         rec.Quantization,
		MaxModelLen:          rec.MaxModelLen,
		GPUMemoryUtilization: rec.GPUMemoryUtilization,
		MaxNumSeqs:           rec.MaxNumSeqs,
		GPUDevice:            rec.GPUDevice,
	}
	entry, ok := e.catalog.Lookup(abbr)
	if !ok {
		return nil, model.NewError(model.KindValidation, "unknown abbr %q: not present in catalog", abbr)
	}
	if spec.Image == "" {
		spec.Image = defaultImageFor(entry)
	}

	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	if err := validateMaxModelLen(spec.MaxModelLen); err != nil {
		return nil, err
	}

	rec.Status = model.StatusDeploying
	rec.Progress = 0
	rec.ProgressMessage = "reserved"
	rec.UpdatedAt = e.nowMS()
	if err := e.store.PutModel(ctx, *rec); err != nil {
		return nil, model.NewError(model.KindInternal, "put model: %v", err)
	}

	sem := e.gpuSemFor(rec.GPUDevice)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, model.NewError(model.KindInternal, "start cancelled waiting for GPU slot")
	}
	defer func() { <-sem }()

	return e.runDeploy(ctx, spec, *rec)
}

// Stop transitions a running record to stopped, idempotent if already stopped.
func (e *Engine) Stop(ctx context.Context, abbr string) (*model.Record, error) {
	lock := e.lockFor(abbr)
	if !lock.TryLock() {
		return nil, model.NewError(model.KindConflict, "lifecycle operation already in flight for %q", abbr)
	}
	defer lock.Unlock()

	rec, err := e.store.GetModel(ctx, abbr)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.NewError(model.KindNotFound, "model %q not found", abbr)
	}
	if err != nil {
		return nil, model.NewError(model.KindInternal, "get model: %v", err)
	}
	if rec.Status == model.StatusStopped {
		return rec, nil
	}

	if _, err := e.transition(ctx, abbr, model.StatusStopping, "stopping"); err != nil {
		return nil, err
	}

	if rec.ContainerID != "" {
		_ = e.containers.Stop(ctx, rec.ContainerID, stopGracePeriod)
	}

	models, err := e.store.ListModels(ctx)
	if err == nil {
		models = withUpdatedStatus(models, abbr, model.StatusStopped)
		if err := e.router.Regenerate(ctx, models); err != nil {
			// Logged and retried on the next successful lifecycle event (§7);
			// stopping a model is never rolled back because of it.
			slog.Warn("router regenerate after stop failed", "abbr", abbr, "error", err)
		}
	}

	return e.transition(ctx, abbr, model.StatusStopped, "stopped")
}

// Delete removes a record entirely, stopping and removing its container
// first if present.
func (e *Engine) Delete(ctx context.Context, abbr string) error {
	lock := e.lockFor(abbr)
	if !lock.TryLock() {
		return model.NewError(model.KindConflict, "lifecycle operation already in flight for %q", abbr)
	}
	defer lock.Unlock()

	rec, err := e.store.GetModel(ctx, abbr)
	if errors.Is(err, store.ErrNotFound) {
		return model.NewError(model.KindNotFound, "model %q not found", abbr)
	}
	if err != nil {
		return model.NewError(model.KindInternal, "get model: %v", err)
	}

	if rec.Status == model.StatusRunning || rec.Status == model.StatusDeploying {
		if rec.ContainerID != "" {
			_ = e.containers.Stop(ctx, rec.ContainerID, stopGracePeriod)
		}
	}
	if rec.ContainerID != "" {
		_ = e.containers.Remove(ctx, rec.ContainerID)
	}

	if err := e.store.DeleteModel(ctx, abbr); err != nil {
		return model.NewError(model.KindInternal, "delete model: %v", err)
	}
	_ = e.store.DeleteGPUAssignment(ctx, abbr)

	models, err := e.store.ListModels(ctx)
	if err == nil {
		_ = e.router.Regenerate(ctx, models)
	}
	return nil
}

func (e *Engine) transition(ctx context.Context, abbr string, status model.Status, msg string) (*model.Record, error) {
	rec, err := e.store.GetModel(ctx, abbr)
	if err != nil {
		return nil, model.NewError(model.KindInternal, "get model: %v", err)
	}
	rec.Status = status
	rec.ProgressMessage = msg
	rec.UpdatedAt = e.nowMS()
	if status == model.StatusRunning {
		rec.Progress = 100
	}
	if err := e.store.PutModel(ctx, *rec); err != nil {
		return nil, model.NewError(model.KindInternal, "put model: %v", err)
	}
	return rec, nil
}

func (e *Engine) setProgress(ctx context.Context, abbr string, progress int, msg string) {
	rec, err := e.store.GetModel(ctx, abbr)
	if err != nil {
		return
	}
	if progress < rec.Progress {
		return // monotonic within one deploying episode (§3 invariant 4).
	}
	rec.Progress = progress
	rec.ProgressMessage = msg
	rec.UpdatedAt = e.nowMS()
	_ = e.store.PutModel(ctx, *rec)
}

func (e *Engine) failDeploy(ctx context.Context, abbr, msg string) {
	e.setError(ctx, abbr, msg)
}

func (e *Engine) setError(ctx context.Context, abbr, msg string) {
	rec, err := e.store.GetModel(ctx, abbr)
	if err != nil {
		return
	}
	rec.Status = model.StatusError
	rec.ProgressMessage = truncate(msg, 200)
	rec.UpdatedAt = e.nowMS()
	_ = e.store.PutModel(ctx, *rec)
}

func isTransient(class containers.FailureClass) bool {
	switch class {
	case containers.FailureRuntimeDown, containers.FailurePortConflict:
		return true
	default:
		return false
	}
}

func withUpdatedStatus(models []model.Record, abbr string, status model.Status) []model.Record {
	out := make([]model.Record, 0, len(models))
	for _, m := range models {
		if m.Abbr == abbr {
			m.Status = status
		}
		out = append(out, m)
	}
	return out
}

func withHFToken(env map[string]string) map[string]string {
	if env == nil {
		env = map[string]string{}
	}
	if tok := os.Getenv("HF_TOKEN"); tok != "" {
		if _, ok := env["HF_TOKEN"]; !ok {
			env["HF_TOKEN"] = tok
		}
	}
	return env
}

func withModelStore(volumes map[string]string, modelStorePath string) map[string]string {
	if volumes == nil {
		volumes = map[string]string{}
	}
	if _, ok := volumes[modelStorePath]; !ok {
		volumes[modelStorePath] = "/root/.cache/huggingface"
	}
	return volumes
}

func defaultImageFor(entry model.CatalogEntry) string {
	return "vllm/vllm-openai:latest"
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstNonEmptyQuant(a, b model.Quantization) model.Quantization {
	if a != "" {
		return a
	}
	return b
}

func firstNonZero(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func portOffset(abbr string) int {
	h := 0
	for _, c := range abbr {
		h = h*31 + int(c)
	}
	if h < 0 {
		h = -h
	}
	return h % 1000
}
