// Package gpuinspect implements the GPU Inspector (§4.2): it polls
// per-GPU memory, utilization, temperature, and process occupancy by
// shelling out to nvidia-smi, and caches the last sample as the single
// sanctioned in-process global (§9 "Global state").
//
// The CSV parsing follows the same field-by-field, comma-split approach
// the platform installer uses for its own nvidia-smi output.
package gpuinspect

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mind-orchestrator/mind/internal/model"
)

const pollInterval = 2 * time.Second

const gpuQueryFormat = "--query-gpu=index,name,memory.total,memory.used,memory.free,utilization.gpu,temperature.gpu"
const procQueryFormat = "--query-compute-apps=pid,used_memory,gpu_uuid"

// Inspector polls nvidia-smi on a fixed cadence and exposes the most
// recent snapshot. The zero value is not usable; call New.
type Inspector struct {
	execCommand func(ctx context.Context, name string, args ...string) ([]byte, error)

	snapshot atomic.Pointer[snapshot]
	degraded atomic.Bool

	mu      sync.Mutex
	started bool
}

type snapshot struct {
	samples   []model.GPUSample
	processes map[int][]model.GPUProcess
}

// New builds an Inspector. It does not start polling until Run is called.
func New() *Inspector {
	insp := &Inspector{
		execCommand: runCommand,
	}
	insp.snapshot.Store(&snapshot{processes: map[int][]model.GPUProcess{}})
	return insp
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.Output()
}

// Run blocks, polling once immediately and then every 2s until ctx is
// cancelled, so callers invoke it in its own goroutine. A second call
// returns at once without starting another poller.
func (i *Inspector) Run(ctx context.Context) {
	i.mu.Lock()
	if i.started {
		i.mu.Unlock()
		return
	}
	i.started = true
	i.mu.Unlock()

	i.poll(ctx)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.poll(ctx)
		}
	}
}

func (i *Inspector) poll(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, pollInterval)
	defer cancel()

	gpuOut, err := i.execCommand(pctx, "nvidia-smi", gpuQueryFormat, "--format=csv,noheader,nounits")
	if err != nil {
		if !i.degraded.Swap(true) {
			slog.Warn("nvidia-smi unavailable, GPU Inspector running in degraded mode", "error", err)
		}
		i.snapshot.Store(&snapshot{processes: map[int][]model.GPUProcess{}})
		return
	}
	i.degraded.Store(false)

	samples, err := ParseGPUSampleCSV(string(gpuOut))
	if err != nil {
		slog.Warn("failed to parse nvidia-smi output", "error", err)
		return
	}

	procs := map[int][]model.GPUProcess{}
	procOut, err := i.execCommand(pctx, "nvidia-smi", procQueryFormat, "--format=csv,noheader,nounits")
	if err == nil {
		procs, err = ParseGPUProcessCSV(string(procOut), samples)
		if err != nil {
			slog.Warn("failed to parse nvidia-smi process output", "error", err)
			procs = map[int][]model.GPUProcess{}
		}
	}

	i.snapshot.Store(&snapshot{samples: samples, processes: procs})
}

// Sample returns the most recent GPU snapshot, at most 2s stale. When the
// vendor tool is absent it returns an empty slice (Degraded reports true).
func (i *Inspector) Sample() []model.GPUSample {
	return i.snapshot.Load().samples
}

// Processes returns the most recent per-GPU process occupancy snapshot.
func (i *Inspector) Processes() map[int][]model.GPUProcess {
	return i.snapshot.Load().processes
}

// Degraded reports whether the last poll could not reach nvidia-smi.
// Callers (the Deployment Engine) fall back to a single logical GPU 0.
func (i *Inspector) Degraded() bool {
	return i.degraded.Load()
}

// ParseGPUSampleCSV parses nvidia-smi --query-gpu CSV output, one line per
// GPU: "index, name, memory.total, memory.used, memory.free, utilization.gpu, temperature.gpu".
func ParseGPUSampleCSV(csvOutput string) ([]model.GPUSample, error) {
	var samples []model.GPUSample
	for _, line := range strings.Split(strings.TrimSpace(csvOutput), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ", ")
		if len(fields) < 7 {
			return nil, fmt.Errorf("expected 7 CSV fields, got %d in: %q", len(fields), line)
		}

		idx, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			return nil, fmt.Errorf("parse GPU index %q: %w", fields[0], err)
		}
		total, err := strconv.Atoi(strings.TrimSpace(fields[2]))
		if err != nil {
			return nil, fmt.Errorf("parse GPU memory.total %q: %w", fields[2], err)
		}
		used, err := strconv.Atoi(strings.TrimSpace(fields[3]))
		if err != nil {
			return nil, fmt.Errorf("parse GPU memory.used %q: %w", fields[3], err)
		}
		free, err := strconv.Atoi(strings.TrimSpace(fields[4]))
		if err != nil {
			return nil, fmt.Errorf("parse GPU memory.free %q: %w", fields[4], err)
		}
		util, err := strconv.Atoi(strings.TrimSpace(fields[5]))
		if err != nil {
			return nil, fmt.Errorf("parse GPU utilization.gpu %q: %w", fields[5], err)
		}
		temp, err := strconv.Atoi(strings.TrimSpace(fields[6]))
		if err != nil {
			return nil, fmt.Errorf("parse GPU temperature.gpu %q: %w", fields[6], err)
		}

		samples = append(samples, model.GPUSample{
			Index:              idx,
			Name:               strings.TrimSpace(fields[1]),
			MemoryTotalMB:      total,
			MemoryUsedMB:       used,
			MemoryFreeMB:       free,
			UtilizationPercent: util,
			TemperatureCelsius: temp,
		})
	}
	return samples, nil
}

// ParseGPUProcessCSV parses nvidia-smi --query-compute-apps CSV output,
// one line per process: "pid, used_memory, gpu_uuid". gpu_uuid isn't an
// index and is not resolved here; instead every process is attributed to
// the index of the single GPU in samples when there is exactly one GPU, or
// left unattributed (dropped) when there is ambiguity — the vendor tool
// does not report a compute-app's GPU index directly in this query.
func ParseGPUProcessCSV(csvOutput string, samples []model.GPUSample) (map[int][]model.GPUProcess, error) {
	out := map[int][]model.GPUProcess{}
	for _, line := range strings.Split(strings.TrimSpace(csvOutput), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ", ")
		if len(fields) < 2 {
			return nil, fmt.Errorf("expected at least 2 CSV fields, got %d in: %q", len(fields), line)
		}

		pid, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			return nil, fmt.Errorf("parse process pid %q: %w", fields[0], err)
		}
		mem, err := strconv.Atoi(strings.TrimSpace(fields[1]))
		if err != nil {
			return nil, fmt.Errorf("parse process used_memory %q: %w", fields[1], err)
		}

		proc := model.GPUProcess{PID: pid, MemoryMB: mem}
		if len(samples) == 1 {
			out[samples[0].Index] = append(out[samples[0].Index], proc)
		}
	}
	return out, nil
}
