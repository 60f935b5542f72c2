// Package containers implements the Container Supervisor (§4.1): spawns,
// inspects, stops, and removes inference containers against the Docker
// Engine API, binding each one to a single GPU device index and polling
// its readiness endpoint with exponential backoff.
package containers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/mind-orchestrator/mind/internal/model"
)

// FailureClass is the structured classification of a Spawn failure (§4.1).
type FailureClass string

const (
	FailureImageMissing   FailureClass = "image-missing"
	FailurePortConflict   FailureClass = "port-conflict"
	FailureGPUUnavailable FailureClass = "gpu-unavailable"
	FailureQuotaExceeded  FailureClass = "quota-exceeded"
	FailureRuntimeDown    FailureClass = "runtime-down"
)

// SpawnError wraps a classified container-runtime failure.
type SpawnError struct {
	Class FailureClass
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Spec describes one container to spawn, per the spec's
// {image, name, env, args, port_bindings, gpu_device, volumes} shape.
type Spec struct {
	Image       string
	Name        string
	Env         map[string]string
	Args        []string
	HostPort    int // host-side binding for EnginePort.
	EnginePort  int // fixed in-container inference port (e.g. 8000).
	GPUDevice   int
	NetworkName string
	Volumes     map[string]string // host path -> container path
}

// Info is the runtime-observed state of one managed container.
type Info struct {
	ID        string
	Name      string
	Running   bool
	GPUDevice int // parsed from CUDA_VISIBLE_DEVICES, -1 if absent.
}

// Supervisor wraps the Docker Engine client.
type Supervisor struct {
	cli *client.Client
}

// New connects to the Docker daemon using the standard environment
// variables (DOCKER_HOST, DOCKER_TLS_VERIFY, ...).
func New() (*Supervisor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, &SpawnError{Class: FailureRuntimeDown, Err: err}
	}
	return &Supervisor{cli: cli}, nil
}

func (s *Supervisor) Close() error {
	return s.cli.Close()
}

// Spawn creates and starts a container for spec, returning its ID.
func (s *Supervisor) Spawn(ctx context.Context, spec Spec) (string, error) {
	if _, _, err := s.cli.ImageInspectWithRaw(ctx, spec.Image); err != nil {
		if client.IsErrNotFound(err) {
			reader, pullErr := s.cli.ImagePull(ctx, spec.Image, image.PullOptions{})
			if pullErr != nil {
				return "", &SpawnError{Class: FailureImageMissing, Err: pullErr}
			}
			defer reader.Close()
			if _, copyErr := io.Copy(io.Discard, reader); copyErr != nil {
				return "", &SpawnError{Class: FailureImageMissing, Err: copyErr}
			}
		} else {
			return "", &SpawnError{Class: FailureRuntimeDown, Err: err}
		}
	}

	env := make([]string, 0, len(spec.Env)+1)
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, "CUDA_VISIBLE_DEVICES="+strconv.Itoa(spec.GPUDevice))

	binds := make([]string, 0, len(spec.Volumes))
	for host, cont := range spec.Volumes {
		binds = append(binds, host+":"+cont)
	}

	containerPort, err := nat.NewPort("tcp", strconv.Itoa(spec.EnginePort))
	if err != nil {
		return "", &SpawnError{Class: FailureRuntimeDown, Err: err}
	}

	hostConfig := &container.HostConfig{
		Binds:       binds,
		NetworkMode: container.NetworkMode(spec.NetworkName),
		PortBindings: nat.PortMap{
			containerPort: {{HostIP: "127.0.0.1", HostPort: strconv.Itoa(spec.HostPort)}},
		},
		DeviceRequests: []container.DeviceRequest{
			{
				Driver:       "nvidia",
				DeviceIDs:    []string{strconv.Itoa(spec.GPUDevice)},
				Capabilities: [][]string{{"gpu"}},
			},
		},
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		Cmd:          spec.Args,
		ExposedPorts: nat.PortSet{containerPort: {}},
	}

	resp, err := s.cli.ContainerCreate(ctx, cfg, hostConfig, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return "", classifyCreateError(err)
	}

	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = s.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", classifyCreateError(err)
	}

	return resp.ID, nil
}

func classifyCreateError(err error) error {
	switch {
	case client.IsErrNotFound(err):
		return &SpawnError{Class: FailureImageMissing, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &SpawnError{Class: FailureRuntimeDown, Err: err}
	default:
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "port is already allocated"), strings.Contains(msg, "address already in use"):
			return &SpawnError{Class: FailurePortConflict, Err: err}
		case strings.Contains(msg, "no space left"), strings.Contains(msg, "quota"):
			return &SpawnError{Class: FailureQuotaExceeded, Err: err}
		case strings.Contains(msg, "nvidia"), strings.Contains(msg, "gpu"), strings.Contains(msg, "device"):
			return &SpawnError{Class: FailureGPUUnavailable, Err: err}
		default:
			return &SpawnError{Class: FailureRuntimeDown, Err: err}
		}
	}
}

// Inspect returns the current runtime state of container id.
func (s *Supervisor) Inspect(ctx context.Context, id string) (Info, error) {
	resp, err := s.cli.ContainerInspect(ctx, id)
	if err != nil {
		return Info{}, err
	}

	gpuDevice := -1
	if resp.Config != nil {
		for _, e := range resp.Config.Env {
			if v, ok := strings.CutPrefix(e, "CUDA_VISIBLE_DEVICES="); ok {
				if n, err := strconv.Atoi(v); err == nil {
					gpuDevice = n
				}
			}
		}
	}

	return Info{
		ID:        resp.ID,
		Name:      strings.TrimPrefix(resp.Name, "/"),
		Running:   resp.State != nil && resp.State.Running,
		GPUDevice: gpuDevice,
	}, nil
}

// Stop sends SIGTERM and waits up to gracePeriod before the runtime force-kills.
func (s *Supervisor) Stop(ctx context.Context, id string, gracePeriod time.Duration) error {
	secs := int(gracePeriod.Seconds())
	return s.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
}

// Remove deletes a stopped container.
func (s *Supervisor) Remove(ctx context.Context, id string) error {
	return s.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

// List returns every container whose name carries the orchestrator's
// reserved prefix, running or not — the Reconciler's raw material.
func (s *Supervisor) List(ctx context.Context) ([]Info, error) {
	f := filters.NewArgs(filters.Arg("name", model.ReservedContainerPrefix))
	summaries, err := s.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, err
	}

	out := make([]Info, 0, len(summaries))
	for _, c := range summaries {
		info, err := s.Inspect(ctx, c.ID)
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// WaitReady polls the container's OpenAI-compatible /v1/models endpoint
// with exponential backoff (500ms, capped at 5s) until it responds 200,
// ctx is cancelled, or deadline elapses.
func WaitReady(ctx context.Context, baseURL string, deadline time.Duration) error {
	httpClient := &http.Client{Timeout: 5 * time.Second}
	backoff := 500 * time.Millisecond
	const maxBackoff = 5 * time.Second

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/models", nil)
		if err == nil {
			resp, err := httpClient.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("container did not become ready within %s: %w", deadline, ctx.Err())
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
