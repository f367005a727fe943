package runtime

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeDockerClient implements the subset of client.APIClient used by DockerRuntime
type fakeDockerClient struct {
	client.APIClient

	mu         sync.Mutex
	images     []string
	pulled     []string
	created    *container.Config
	hostConfig *container.HostConfig
	name       string
	removed    []string
	exitCode   int64
	stdout     string
	stderr     string
	startErr   error
}

func (f *fakeDockerClient) ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error) {
	return []image.Summary{{RepoTags: f.images}}, nil
}

func (f *fakeDockerClient) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	f.pulled = append(f.pulled, ref)
	f.mu.Unlock()
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeDockerClient) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = config
	f.hostConfig = hostConfig
	f.name = containerName
	return container.CreateResponse{ID: "container-1"}, nil
}

func (f *fakeDockerClient) ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	waitCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	waitCh <- container.WaitResponse{StatusCode: f.exitCode}
	return waitCh, errCh
}

func (f *fakeDockerClient) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	return f.startErr
}

func (f *fakeDockerClient) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	if f.stdout != "" {
		stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	}
	if f.stderr != "" {
		stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	return io.NopCloser(&buf), nil
}

func (f *fakeDockerClient) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	return nil
}

func TestDockerRuntime_RunJob(t *testing.T) {
	fake := &fakeDockerClient{
		images: []string{"alpine:latest"},
		stdout: `{"summary":"ok"}`,
		stderr: "warming up",
	}
	runtime := newDockerRuntimeWithClient(fake, Config{
		Labels:     map[string]string{"env": "test"},
		OCIRuntime: "runsc",
	})

	result, err := runtime.RunJob(context.Background(), &JobSpec{
		ID:          "task-1",
		AgentType:   "summarizer",
		Image:       "alpine",
		Command:     []string{"/bin/sh"},
		Args:        []string{"-c", "echo"},
		Environment: map[string]string{"KEY": "value"},
		Resources:   ResourceRequirements{CPU: "500m", Memory: "64Mi"},
	})
	if err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}

	if result.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %d", result.ExitCode)
	}
	if result.Stdout != `{"summary":"ok"}` {
		t.Errorf("Unexpected stdout %q", result.Stdout)
	}
	if result.Stderr != "warming up" {
		t.Errorf("Unexpected stderr %q", result.Stderr)
	}

	if len(fake.pulled) != 0 {
		t.Errorf("Image present locally should not be pulled, pulled %v", fake.pulled)
	}

	if fake.name != "conductor-job-task-1" {
		t.Errorf("Unexpected container name %s", fake.name)
	}
	if fake.created.Image != "alpine:latest" {
		t.Errorf("Expected tagged image alpine:latest, got %s", fake.created.Image)
	}
	if fake.created.Labels[LabelJobID] != "task-1" || fake.created.Labels["env"] != "test" {
		t.Errorf("Unexpected labels %v", fake.created.Labels)
	}
	if len(fake.created.Env) != 1 || fake.created.Env[0] != "KEY=value" {
		t.Errorf("Unexpected env %v", fake.created.Env)
	}
	if fake.hostConfig.Runtime != "runsc" {
		t.Errorf("Expected runsc OCI runtime, got %q", fake.hostConfig.Runtime)
	}
	if fake.hostConfig.Resources.NanoCPUs != 500000000 {
		t.Errorf("Expected 0.5 CPU, got %d nanocpus", fake.hostConfig.Resources.NanoCPUs)
	}
	if fake.hostConfig.Resources.Memory != 64*1024*1024 {
		t.Errorf("Expected 64Mi memory, got %d", fake.hostConfig.Resources.Memory)
	}

	if len(fake.removed) != 1 || fake.removed[0] != "container-1" {
		t.Errorf("Expected container to be removed, got %v", fake.removed)
	}
}

func TestDockerRuntime_RunJobPullsMissingImage(t *testing.T) {
	fake := &fakeDockerClient{exitCode: 2}
	runtime := newDockerRuntimeWithClient(fake, Config{})

	result, err := runtime.RunJob(context.Background(), &JobSpec{ID: "task-2", Image: "busybox:1.36"})
	if err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}

	if len(fake.pulled) != 1 || fake.pulled[0] != "busybox:1.36" {
		t.Errorf("Expected busybox:1.36 to be pulled, got %v", fake.pulled)
	}
	if result.ExitCode != 2 {
		t.Errorf("Expected exit code 2, got %d", result.ExitCode)
	}
}

func TestDockerRuntime_RunJobStartError(t *testing.T) {
	fake := &fakeDockerClient{images: []string{"busybox:latest"}, startErr: errors.New("no such runtime")}
	runtime := newDockerRuntimeWithClient(fake, Config{})

	if _, err := runtime.RunJob(context.Background(), &JobSpec{ID: "task-3", Image: "busybox"}); err == nil {
		t.Fatal("Expected start error")
	}

	if len(fake.removed) != 1 {
		t.Errorf("Container should be removed after a failed start, got %v", fake.removed)
	}
}

func TestBuildResourceConstraints(t *testing.T) {
	tests := []struct {
		name       string
		req        ResourceRequirements
		wantCPU    int64
		wantMemory int64
	}{
		{"millicores", ResourceRequirements{CPU: "250m"}, 250000000, 0},
		{"whole cpus", ResourceRequirements{CPU: "2"}, 2000000000, 0},
		{"gibibytes", ResourceRequirements{Memory: "1Gi"}, 0, 1024 * 1024 * 1024},
		{"kibibytes", ResourceRequirements{Memory: "512Ki"}, 0, 512 * 1024},
		{"empty", ResourceRequirements{}, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := buildResourceConstraints(tt.req)
			if res.NanoCPUs != tt.wantCPU {
				t.Errorf("Expected %d nanocpus, got %d", tt.wantCPU, res.NanoCPUs)
			}
			if res.Memory != tt.wantMemory {
				t.Errorf("Expected %d bytes, got %d", tt.wantMemory, res.Memory)
			}
		})
	}
}

func TestNewRuntimeUnsupportedType(t *testing.T) {
	if _, err := New(Config{Type: "podman"}); err == nil {
		t.Error("Expected error for unsupported runtime type")
	}
}

func TestNormalizeImage(t *testing.T) {
	tests := []struct {
		name      string
		image     string
		want      string
		wantError bool
	}{
		{"untagged", "alpine", "alpine:latest", false},
		{"tagged", "busybox:1.36", "busybox:1.36", false},
		{"registry with port", "localhost:5000/agent", "localhost:5000/agent:latest", false},
		{"qualified", "ghcr.io/acme/agent:v1", "ghcr.io/acme/agent:v1", false},
		{"docker hub library", "docker.io/library/alpine:3.20", "alpine:3.20", false},
		{"uppercase", "Alpine", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeImage(tt.image)
			if (err != nil) != tt.wantError {
				t.Fatalf("normalizeImage() error = %v, wantError %v", err, tt.wantError)
			}
			if got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}
