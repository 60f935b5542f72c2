package gpuinspect

import (
	"context"
	"errors"
	"testing"

	"github.com/mind-orchestrator/mind/internal/model"
)

func TestParseGPUSampleCSV(t *testing.T) {
	csv := "0, NVIDIA A100, 81920, 1024, 80896, 5, 42\n1, NVIDIA A100, 81920, 0, 81920, 0, 38\n"

	samples, err := ParseGPUSampleCSV(csv)
	if err != nil {
		t.Fatalf("ParseGPUSampleCSV: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("len(samples) = %d, want 2", len(samples))
	}

	want := model.GPUSample{
		Index: 0, Name: "NVIDIA A100",
		MemoryTotalMB: 81920, MemoryUsedMB: 1024, MemoryFreeMB: 80896,
		UtilizationPercent: 5, TemperatureCelsius: 42,
	}
	if samples[0] != want {
		t.Fatalf("samples[0] = %+v, want %+v", samples[0], want)
	}
}

func TestParseGPUSampleCSVMalformed(t *testing.T) {
	if _, err := ParseGPUSampleCSV("0, A100, 81920, 1024\n"); err == nil {
		t.Fatal("expected error for too few CSV fields")
	}
	if _, err := ParseGPUSampleCSV("not-a-number, A100, 1, 2, 3, 4, 5\n"); err == nil {
		t.Fatal("expected error for non-numeric index")
	}
}

func TestParseGPUSampleCSVEmpty(t *testing.T) {
	samples, err := ParseGPUSampleCSV("")
	if err != nil {
		t.Fatalf("ParseGPUSampleCSV: %v", err)
	}
	if len(samples) != 0 {
		t.Fatalf("len(samples) = %d, want 0", len(samples))
	}
}

func TestParseGPUProcessCSVSingleGPUAttribution(t *testing.T) {
	samples := []model.GPUSample{{Index: 3}}
	csv := "1234, 2048, GPU-abc\n5678, 4096, GPU-abc\n"

	procs, err := ParseGPUProcessCSV(csv, samples)
	if err != nil {
		t.Fatalf("ParseGPUProcessCSV: %v", err)
	}
	if len(procs[3]) != 2 {
		t.Fatalf("len(procs[3]) = %d, want 2", len(procs[3]))
	}
	if procs[3][0].PID != 1234 || procs[3][0].MemoryMB != 2048 {
		t.Fatalf("procs[3][0] = %+v, want pid=1234 mem=2048", procs[3][0])
	}
}

func TestParseGPUProcessCSVAmbiguousMultiGPUDropsAttribution(t *testing.T) {
	samples := []model.GPUSample{{Index: 0}, {Index: 1}}
	csv := "1234, 2048, GPU-abc\n"

	procs, err := ParseGPUProcessCSV(csv, samples)
	if err != nil {
		t.Fatalf("ParseGPUProcessCSV: %v", err)
	}
	total := 0
	for _, list := range procs {
		total += len(list)
	}
	if total != 0 {
		t.Fatalf("expected no attributed processes with multiple GPUs, got %d", total)
	}
}

func TestInspectorDegradesWhenNvidiaSMIUnavailable(t *testing.T) {
	insp := New()
	insp.execCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, errors.New("exec: \"nvidia-smi\": executable file not found in $PATH")
	}

	insp.poll(context.Background())

	if !insp.Degraded() {
		t.Fatal("expected Inspector to report degraded when nvidia-smi is unavailable")
	}
	if len(insp.Sample()) != 0 {
		t.Fatalf("expected empty sample set in degraded mode, got %d", len(insp.Sample()))
	}
}

func TestInspectorRecoversFromDegraded(t *testing.T) {
	insp := New()
	calls := 0
	insp.execCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("unavailable")
		}
		if name == "nvidia-smi" && len(args) > 0 && args[0] == gpuQueryFormat {
			return []byte("0, A100, 81920, 1024, 80896, 5, 42\n"), nil
		}
		return []byte(""), nil
	}

	insp.poll(context.Background())
	if !insp.Degraded() {
		t.Fatal("expected degraded after first failing poll")
	}

	insp.poll(context.Background())
	if insp.Degraded() {
		t.Fatal("expected recovery after a successful poll")
	}
	if len(insp.Sample()) != 1 {
		t.Fatalf("len(Sample()) = %d, want 1", len(insp.Sample()))
	}
}
