// Package reconcile implements the Reconciler (§4.7): on boot and every
// 30s it replays the runtime truth (containers + GPU) into the state
// store, upserting running records and evicting orphans, then
// regenerates the router file if the running set changed.
package reconcile

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/mind-orchestrator/mind/internal/catalog"
	"github.com/mind-orchestrator/mind/internal/containers"
	"github.com/mind-orchestrator/mind/internal/model"
	"github.com/mind-orchestrator/mind/internal/router"
	"github.com/mind-orchestrator/mind/internal/store"
)

const tickInterval = 30 * time.Second

// Locker reports whether a per-abbr lifecycle lock is currently held, so
// the Reconciler never races a live deploy (§4.7, §7).
type Locker interface {
	IsLocked(abbr string) bool
}

// ContainerLister is the slice of containers.Supervisor the Reconciler
// needs, narrowed so a pass can run against a fake in tests without a
// live container runtime.
type ContainerLister interface {
	List(ctx context.Context) ([]containers.Info, error)
}

// Reconciler owns one reconciliation pass and its repeating ticker.
type Reconciler struct {
	store      store.Store
	containers ContainerLister
	catalog    *catalog.Catalog
	router     *router.Generator
	locker     Locker
}

// New builds a Reconciler.
func New(st store.Store, sup ContainerLister, cat *catalog.Catalog, rtr *router.Generator, locker Locker) *Reconciler {
	return &Reconciler{store: st, containers: sup, catalog: cat, router: rtr, locker: locker}
}

// Run performs one reconciliation pass immediately, then repeats every
// 30s until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.reconcile(ctx)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcile(ctx)
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context) {
	runtimeContainers, err := r.containers.List(ctx)
	if err != nil {
		slog.Warn("reconciler: list containers failed", "error", err)
		return
	}

	runtimeByAbbr := make(map[string]containers.Info, len(runtimeContainers))
	for _, c := range runtimeContainers {
		abbr := strings.TrimPrefix(c.Name, model.ReservedContainerPrefix)
		runtimeByAbbr[abbr] = c
	}

	changed := false

	for abbr, info := range runtimeByAbbr {
		if !info.Running {
			continue
		}

		entry, ok := r.catalog.Lookup(abbr)
		if !ok {
			// Resolved open question: refuse to reconcile an abbr absent
			// from the catalog rather than inventing a minimal record.
			slog.Warn("reconciler: running container has no catalog entry, skipping", "abbr", abbr)
			continue
		}

		existing, err := r.store.GetModel(ctx, abbr)
		wasRunning := err == nil && existing.Status == model.StatusRunning

		now := time.Now().UnixMilli()
		rec := model.Record{
			Abbr:          abbr,
			Name:          entry.Name,
			Type:          entry.Type,
			Quantization:  entry.Quantization,
			MaxModelLen:   entry.MaxModelLen,
			GPUDevice:     info.GPUDevice,
			Endpoint:      model.Endpoint(abbr),
			Status:        model.StatusRunning,
			Progress:      100,
			ContainerName: info.Name,
			ContainerID:   info.ID,
			UpdatedAt:     now,
		}
		if existing != nil {
			rec.CreatedAt = existing.CreatedAt
			rec.Port = existing.Port
			rec.GPUMemoryUtilization = existing.GPUMemoryUtilization
			rec.MaxNumSeqs = existing.MaxNumSeqs
		} else {
			rec.CreatedAt = now
		}

		if err := r.store.PutModel(ctx, rec); err != nil {
			slog.Warn("reconciler: put model failed", "abbr", abbr, "error", err)
			continue
		}
		_ = r.store.PutGPUAssignment(ctx, abbr, info.GPUDevice)

		if !wasRunning {
			changed = true
		}
	}

	recorded, err := r.store.ListModels(ctx)
	if err != nil {
		slog.Warn("reconciler: list models failed", "error", err)
		return
	}

	for _, rec := range recorded {
		if rec.Status != model.StatusRunning && rec.Status != model.StatusDeploying {
			continue
		}
		if _, stillPresent := runtimeByAbbr[rec.Abbr]; stillPresent {
			continue
		}
		if r.locker.IsLocked(rec.Abbr) {
			continue // a deploy/stop is in flight; don't race it.
		}

		slog.Warn("reconciler: evicting orphaned record, no matching container", "abbr", rec.Abbr)
		if err := r.store.DeleteModel(ctx, rec.Abbr); err != nil {
			slog.Warn("reconciler: delete orphaned model failed", "abbr", rec.Abbr, "error", err)
			continue
		}
		_ = r.store.DeleteGPUAssignment(ctx, rec.Abbr)
		changed = true
	}

	if !changed {
		return
	}

	final, err := r.store.ListModels(ctx)
	if err != nil {
		slog.Warn("reconciler: list models for router regen failed", "error", err)
		return
	}
	if err := r.router.Regenerate(ctx, final); err != nil {
		slog.Warn("reconciler: router regenerate failed", "error", err)
	}
}
