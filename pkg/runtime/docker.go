package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// cleanupTimeout bounds container removal after the job context is gone
const cleanupTimeout = 30 * time.Second

// DockerRuntime implements Runtime for Docker
type DockerRuntime struct {
	client client.APIClient
	config Config
}

// detectDockerSocket finds an available Docker socket from common locations
func detectDockerSocket() (string, []string) {
	var checkedPaths []string

	if dockerHost := os.Getenv("DOCKER_HOST"); dockerHost != "" {
		checkedPaths = append(checkedPaths, fmt.Sprintf("DOCKER_HOST=%s", dockerHost))
		return dockerHost, checkedPaths
	}

	socketPaths := []string{
		"/var/run/docker.sock",
		filepath.Join(os.Getenv("HOME"), ".docker/run/docker.sock"),
		"/run/user/" + fmt.Sprint(os.Getuid()) + "/docker.sock",
		filepath.Join(os.Getenv("HOME"), ".colima/docker.sock"),
		filepath.Join(os.Getenv("HOME"), ".rd/docker.sock"),
		"/var/run/podman/podman.sock",
	}

	for _, socketPath := range socketPaths {
		checkedPaths = append(checkedPaths, socketPath)
		if info, err := os.Stat(socketPath); err == nil && info.Mode()&os.ModeSocket != 0 {
			return "unix://" + socketPath, checkedPaths
		}
	}

	return "", checkedPaths
}

// NewDockerRuntime creates a new Docker runtime
func NewDockerRuntime(config Config) (*DockerRuntime, error) {
	clientOpts := []client.Opt{client.WithAPIVersionNegotiation()}
	var checkedPaths []string

	if config.Endpoint != "" {
		clientOpts = append(clientOpts, client.WithHost(config.Endpoint))
	} else {
		detectedHost, paths := detectDockerSocket()
		checkedPaths = paths
		if detectedHost != "" {
			clientOpts = append(clientOpts, client.WithHost(detectedHost))
		}
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := cli.Ping(ctx); err != nil {
		if len(checkedPaths) > 0 {
			return nil, fmt.Errorf("cannot connect to Docker daemon (checked %s): %w", strings.Join(checkedPaths, ", "), err)
		}
		return nil, fmt.Errorf("cannot connect to Docker daemon: %w", err)
	}

	return newDockerRuntimeWithClient(cli, config), nil
}

func newDockerRuntimeWithClient(cli client.APIClient, config Config) *DockerRuntime {
	return &DockerRuntime{client: cli, config: config}
}

// Name returns "docker"
func (r *DockerRuntime) Name() string {
	return "docker"
}

// RunJob creates a container, runs it to exit, collects logs and removes it
func (r *DockerRuntime) RunJob(ctx context.Context, spec *JobSpec) (*JobResult, error) {
	imageName, err := normalizeImage(spec.Image)
	if err != nil {
		return nil, err
	}

	if err := r.ensureImage(ctx, imageName); err != nil {
		return nil, err
	}

	containerConfig := &container.Config{
		Image:        imageName,
		Env:          buildEnvironment(spec.Environment),
		Cmd:          spec.Args,
		Labels:       mergeLabels(r.config.Labels, spec),
		AttachStdout: true,
		AttachStderr: true,
	}
	if len(spec.Command) > 0 {
		containerConfig.Entrypoint = spec.Command
	}

	hostConfig := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "no"},
		Resources:     buildResourceConstraints(spec.Resources),
		Runtime:       r.config.OCIRuntime,
	}

	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, fmt.Sprintf("conductor-job-%s", spec.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	defer r.remove(resp.ID)

	result := &JobResult{StartedAt: time.Now()}

	// Register the wait before starting so a fast exit is not missed
	waitCh, errCh := r.client.ContainerWait(ctx, resp.ID, container.WaitConditionNextExit)

	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	select {
	case status := <-waitCh:
		if status.Error != nil && status.Error.Message != "" {
			return nil, fmt.Errorf("container wait failed: %s", status.Error.Message)
		}
		result.ExitCode = int(status.StatusCode)
	case err := <-errCh:
		return nil, fmt.Errorf("failed to wait for container: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	result.FinishedAt = time.Now()

	stdout, stderr, err := r.collectLogs(ctx, resp.ID)
	if err != nil {
		return nil, err
	}
	result.Stdout = stdout
	result.Stderr = stderr

	return result, nil
}

// normalizeImage returns the familiar form docker reports in RepoTags, with
// ":latest" added to untagged references. Digest references are kept as is.
func normalizeImage(name string) (string, error) {
	named, err := reference.ParseNormalizedNamed(name)
	if err != nil {
		return "", fmt.Errorf("invalid image %q: %w", name, err)
	}
	return reference.FamiliarString(reference.TagNameOnly(named)), nil
}

func (r *DockerRuntime) ensureImage(ctx context.Context, imageName string) error {
	images, err := r.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == imageName {
				return nil
			}
		}
		for _, digest := range img.RepoDigests {
			if digest == imageName {
				return nil
			}
		}
	}

	reader, err := r.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to complete image pull for %s: %w", imageName, err)
	}
	return nil
}

func (r *DockerRuntime) collectLogs(ctx context.Context, containerID string) (string, string, error) {
	reader, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to get container logs: %w", err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", "", fmt.Errorf("failed to read container logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

func (r *DockerRuntime) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	_ = r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

func buildEnvironment(vars map[string]string) []string {
	env := make([]string, 0, len(vars))
	for key, value := range vars {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}
	return env
}

func buildResourceConstraints(req ResourceRequirements) container.Resources {
	resources := container.Resources{}

	if req.CPU != "" {
		// "500m" is half a CPU, "2" is two
		cpuValue := req.CPU
		if strings.HasSuffix(cpuValue, "m") {
			if cpu, err := parseFloat(strings.TrimSuffix(cpuValue, "m")); err == nil {
				resources.NanoCPUs = int64(cpu * 1e6)
			}
		} else if cpu, err := parseFloat(cpuValue); err == nil {
			resources.NanoCPUs = int64(cpu * 1e9)
		}
	}

	if req.Memory != "" {
		memValue := req.Memory
		multiplier := int64(1)

		switch {
		case strings.HasSuffix(memValue, "Ki"):
			memValue = strings.TrimSuffix(memValue, "Ki")
			multiplier = 1024
		case strings.HasSuffix(memValue, "Mi"):
			memValue = strings.TrimSuffix(memValue, "Mi")
			multiplier = 1024 * 1024
		case strings.HasSuffix(memValue, "Gi"):
			memValue = strings.TrimSuffix(memValue, "Gi")
			multiplier = 1024 * 1024 * 1024
		}

		if mem, err := parseInt(memValue); err == nil {
			resources.Memory = mem * multiplier
		}
	}

	return resources
}

func parseFloat(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(s, "%f", &f)
	return f, err
}

func parseInt(s string) (int64, error) {
	var i int64
	_, err := fmt.Sscanf(s, "%d", &i)
	return i, err
}

// DockerFactory creates Docker runtime instances
type DockerFactory struct{}

// Create creates a new Docker runtime instance
func (f *DockerFactory) Create(config Config) (Runtime, error) {
	return NewDockerRuntime(config)
}
