package deploy

import (
	"context"
	"testing"

	"github.com/mind-orchestrator/mind/internal/catalog"
	"github.com/mind-orchestrator/mind/internal/gpuinspect"
	"github.com/mind-orchestrator/mind/internal/model"
	"github.com/mind-orchestrator/mind/internal/router"
	"github.com/mind-orchestrator/mind/internal/store/memstore"
)

// newTestEngine builds an Engine with a nil container supervisor: every
// test here exercises validation/state-machine paths that return before
// any e.containers.* call, so no container runtime is needed.
func newTestEngine(t *testing.T, cat *catalog.Catalog) *Engine {
	t.Helper()
	st := memstore.New()
	gpu := gpuinspect.New()
	rtr := router.New(t.TempDir()+"/mind_upstreams.conf", nil, "", "")
	return New(st, nil, gpu, cat, rtr, EngineConfig{EnginePort: 8000, BasePort: 20000})
}

func TestPortOffsetDeterministic(t *testing.T) {
	a := portOffset("qwen1.5b")
	b := portOffset("qwen1.5b")
	if a != b {
		t.Fatalf("portOffset not deterministic: %d != %d", a, b)
	}
	if a < 0 || a >= 1000 {
		t.Fatalf("portOffset out of range: %d", a)
	}
}

func TestFirstNonEmptyHelpers(t *testing.T) {
	if got := firstNonEmpty("", "b"); got != "b" {
		t.Fatalf("firstNonEmpty = %q, want b", got)
	}
	if got := firstNonEmpty("a", "b"); got != "a" {
		t.Fatalf("firstNonEmpty = %q, want a", got)
	}
	if got := firstNonEmptyQuant("", model.QuantizationAWQ); got != model.QuantizationAWQ {
		t.Fatalf("firstNonEmptyQuant = %q, want awq", got)
	}
	if got := firstNonZero(0, 7); got != 7 {
		t.Fatalf("firstNonZero = %d, want 7", got)
	}
	if got := firstNonZero(3, 7); got != 3 {
		t.Fatalf("firstNonZero = %d, want 3", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("hello", 10); got != "hello" {
		t.Fatalf("truncate = %q, want hello", got)
	}
	if got := truncate("hello world", 5); got != "hello" {
		t.Fatalf("truncate = %q, want hello", got)
	}
}

func TestWithUpdatedStatus(t *testing.T) {
	in := []model.Record{{Abbr: "a", Status: model.StatusRunning}, {Abbr: "b", Status: model.StatusRunning}}
	out := withUpdatedStatus(in, "a", model.StatusStopped)
	if out[0].Status != model.StatusStopped {
		t.Fatalf("out[0].Status = %q, want stopped", out[0].Status)
	}
	if out[1].Status != model.StatusRunning {
		t.Fatalf("out[1].Status = %q, want running (untouched)", out[1].Status)
	}
}

func TestDeployRejectsUnknownAbbr(t *testing.T) {
	e := newTestEngine(t, catalog.New(nil))
	ctx := context.Background()

	_, err := e.Deploy(ctx, Spec{Abbr: "does-not-exist", GPUMemoryUtilization: 0.5, MaxNumSeqs: 1})
	var merr *model.Error
	if !asModelError(err, &merr) || merr.Kind != model.KindValidation || merr.Field != "abbr" {
		t.Fatalf("err = %v, want ValidationError on field abbr", err)
	}
}

func TestDeployRejectsWhenAlreadyRunning(t *testing.T) {
	cat := catalog.Default()
	e := newTestEngine(t, cat)
	ctx := context.Background()

	if err := e.store.PutModel(ctx, model.Record{Abbr: "qwen1.5b", Status: model.StatusRunning}); err != nil {
		t.Fatalf("seed PutModel: %v", err)
	}

	_, err := e.Deploy(ctx, Spec{Abbr: "qwen1.5b"})
	var merr *model.Error
	if !asModelError(err, &merr) || merr.Kind != model.KindConflict {
		t.Fatalf("err = %v, want Conflict", err)
	}
}

func TestDeployHoldsLockAgainstConcurrentCall(t *testing.T) {
	cat := catalog.Default()
	e := newTestEngine(t, cat)

	lock := e.lockFor("qwen1.5b")
	lock.Lock()
	defer lock.Unlock()

	_, err := e.Deploy(context.Background(), Spec{Abbr: "qwen1.5b"})
	var merr *model.Error
	if !asModelError(err, &merr) || merr.Kind != model.KindConflict {
		t.Fatalf("err = %v, want Conflict while locked", err)
	}
}

func TestStopIsIdempotentWhenAlreadyStopped(t *testing.T) {
	cat := catalog.Default()
	e := newTestEngine(t, cat)
	ctx := context.Background()

	if err := e.store.PutModel(ctx, model.Record{Abbr: "qwen1.5b", Status: model.StatusStopped}); err != nil {
		t.Fatalf("seed PutModel: %v", err)
	}

	rec, err := e.Stop(ctx, "qwen1.5b")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if rec.Status != model.StatusStopped {
		t.Fatalf("rec.Status = %q, want stopped", rec.Status)
	}
}

func TestStopUnknownModelReturnsNotFound(t *testing.T) {
	e := newTestEngine(t, catalog.Default())
	_, err := e.Stop(context.Background(), "missing")
	var merr *model.Error
	if !asModelError(err, &merr) || merr.Kind != model.KindNotFound {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestDeleteUnknownModelReturnsNotFound(t *testing.T) {
	e := newTestEngine(t, catalog.Default())
	err := e.Delete(context.Background(), "missing")
	var merr *model.Error
	if !asModelError(err, &merr) || merr.Kind != model.KindNotFound {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestDeleteStoppedModelWithNoContainerSucceeds(t *testing.T) {
	cat := catalog.Default()
	e := newTestEngine(t, cat)
	ctx := context.Background()

	if err := e.store.PutModel(ctx, model.Record{Abbr: "qwen1.5b", Status: model.StatusStopped}); err != nil {
		t.Fatalf("seed PutModel: %v", err)
	}

	if err := e.Delete(ctx, "qwen1.5b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := e.Get(ctx, "qwen1.5b"); err == nil {
		t.Fatal("expected model gone after Delete")
	}
}

func TestDeployRejectsInvalidGPUMemoryUtilization(t *testing.T) {
	cat := catalog.Default()
	e := newTestEngine(t, cat)

	for _, bad := range []float64{0, -0.1, 1.5, 5.0} {
		_, err := e.Deploy(context.Background(), Spec{Abbr: "qwen1.5b", GPUMemoryUtilization: bad, MaxNumSeqs: 1})
		var merr *model.Error
		if !asModelError(err, &merr) || merr.Kind != model.KindValidation || merr.Field != "gpu_memory_utilization" {
			t.Fatalf("gpu_memory_utilization=%v: err = %v, want ValidationError on field gpu_memory_utilization", bad, err)
		}
	}
}

func TestDeployRejectsNonPositiveMaxNumSeqs(t *testing.T) {
	cat := catalog.Default()
	e := newTestEngine(t, cat)

	_, err := e.Deploy(context.Background(), Spec{Abbr: "qwen1.5b", GPUMemoryUtilization: 0.5, MaxNumSeqs: 0})
	var merr *model.Error
	if !asModelError(err, &merr) || merr.Kind != model.KindValidation || merr.Field != "max_num_seqs" {
		t.Fatalf("err = %v, want ValidationError on field max_num_seqs", err)
	}
}

func TestDeployRejectsMalformedAbbr(t *testing.T) {
	cat := catalog.Default()
	e := newTestEngine(t, cat)

	_, err := e.Deploy(context.Background(), Spec{Abbr: "Not Valid!", GPUMemoryUtilization: 0.5, MaxNumSeqs: 1})
	var merr *model.Error
	if !asModelError(err, &merr) || merr.Kind != model.KindValidation || merr.Field != "abbr" {
		t.Fatalf("err = %v, want ValidationError on field abbr", err)
	}
}

func TestDeployRejectsNonPositiveMaxModelLen(t *testing.T) {
	cat := catalog.New([]model.CatalogEntry{
		{Abbr: "no-default-len", Name: "test/model", Type: model.ModelTypeLLM, MaxModelLen: 0},
	})
	e := newTestEngine(t, cat)

	_, err := e.Deploy(context.Background(), Spec{Abbr: "no-default-len", GPUMemoryUtilization: 0.5, MaxNumSeqs: 1, MaxModelLen: -1})
	var merr *model.Error
	if !asModelError(err, &merr) || merr.Kind != model.KindValidation || merr.Field != "max_model_len" {
		t.Fatalf("err = %v, want ValidationError on field max_model_len", err)
	}
}

func TestCheckGPUCapacitySkipsWithNoSamplesYet(t *testing.T) {
	cat := catalog.Default()
	e := newTestEngine(t, cat)

	entry, _ := cat.Lookup("qwen1.5b")
	if err := e.checkGPUCapacity(Spec{Abbr: "qwen1.5b", GPUDevice: 0}, entry); err != nil {
		t.Fatalf("checkGPUCapacity = %v, want nil before any GPU sample is available", err)
	}
}

// asModelError unwraps err into a *model.Error, the way server-layer
// code does via errors.As in practice.
func asModelError(err error, target **model.Error) bool {
	me, ok := err.(*model.Error)
	if !ok {
		return false
	}
	*target = me
	return true
}
