package reconcile

import (
	"context"
	"testing"

	"github.com/mind-orchestrator/mind/internal/catalog"
	"github.com/mind-orchestrator/mind/internal/containers"
	"github.com/mind-orchestrator/mind/internal/model"
	"github.com/mind-orchestrator/mind/internal/router"
	"github.com/mind-orchestrator/mind/internal/store/memstore"
)

// fakeLister implements ContainerLister without a live container runtime.
type fakeLister struct {
	infos []containers.Info
	err   error
}

func (f fakeLister) List(ctx context.Context) ([]containers.Info, error) {
	return f.infos, f.err
}

// fakeLocker implements Locker, reporting abbrs as locked on demand.
type fakeLocker struct {
	locked map[string]bool
}

func (f fakeLocker) IsLocked(abbr string) bool {
	return f.locked[abbr]
}

func newTestReconciler(t *testing.T, lister ContainerLister, locker Locker) (*Reconciler, *memstore.Memory) {
	t.Helper()
	st := memstore.New()
	cat := catalog.Default()
	rtr := router.New(t.TempDir()+"/mind_upstreams.conf", nil, "", "")
	return New(st, lister, cat, rtr, locker), st
}

func TestReconcileUpsertsRunningContainer(t *testing.T) {
	lister := fakeLister{infos: []containers.Info{
		{ID: "c1", Name: model.ContainerName("qwen1.5b"), Running: true, GPUDevice: 0},
	}}
	r, st := newTestReconciler(t, lister, fakeLocker{locked: map[string]bool{}})

	r.reconcile(context.Background())

	rec, err := st.GetModel(context.Background(), "qwen1.5b")
	if err != nil {
		t.Fatalf("GetModel: %v", err)
	}
	if rec.Status != model.StatusRunning {
		t.Fatalf("rec.Status = %q, want running", rec.Status)
	}
	if rec.ContainerID != "c1" {
		t.Fatalf("rec.ContainerID = %q, want c1", rec.ContainerID)
	}
}

func TestReconcileSkipsContainerWithoutCatalogEntry(t *testing.T) {
	lister := fakeLister{infos: []containers.Info{
		{ID: "c1", Name: model.ContainerName("unknown-abbr"), Running: true},
	}}
	r, st := newTestReconciler(t, lister, fakeLocker{locked: map[string]bool{}})

	r.reconcile(context.Background())

	if _, err := st.GetModel(context.Background(), "unknown-abbr"); err == nil {
		t.Fatal("expected no record for an abbr absent from the catalog")
	}
}

func TestReconcileEvictsOrphanedRecord(t *testing.T) {
	st := memstore.New()
	if err := st.PutModel(context.Background(), model.Record{Abbr: "qwen1.5b", Status: model.StatusRunning}); err != nil {
		t.Fatalf("seed PutModel: %v", err)
	}

	r := New(st, fakeLister{infos: nil}, catalog.Default(), router.New(t.TempDir()+"/mind_upstreams.conf", nil, "", ""), fakeLocker{locked: map[string]bool{}})
	r.reconcile(context.Background())

	if _, err := st.GetModel(context.Background(), "qwen1.5b"); err == nil {
		t.Fatal("expected orphaned record to be evicted")
	}
}

func TestReconcileDoesNotEvictWhenLifecycleLockHeld(t *testing.T) {
	st := memstore.New()
	if err := st.PutModel(context.Background(), model.Record{Abbr: "qwen1.5b", Status: model.StatusDeploying}); err != nil {
		t.Fatalf("seed PutModel: %v", err)
	}

	r := New(st, fakeLister{infos: nil}, catalog.Default(), router.New(t.TempDir()+"/mind_upstreams.conf", nil, "", ""), fakeLocker{locked: map[string]bool{"qwen1.5b": true}})
	r.reconcile(context.Background())

	rec, err := st.GetModel(context.Background(), "qwen1.5b")
	if err != nil {
		t.Fatalf("expected record to survive eviction while locked: %v", err)
	}
	if rec.Status != model.StatusDeploying {
		t.Fatalf("rec.Status = %q, want deploying (untouched)", rec.Status)
	}
}

func TestReconcileListContainersErrorStopsPassCleanly(t *testing.T) {
	r, _ := newTestReconciler(t, fakeLister{err: context.DeadlineExceeded}, fakeLocker{locked: map[string]bool{}})
	r.reconcile(context.Background()) // must not panic
}
