// Package runtime provides interfaces and implementations for container runtimes
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/rizome-dev/conductor/pkg/config"
)

// Labels set on every container or pod started by conductor
const (
	LabelManaged = "conductor.managed"
	LabelJobID   = "conductor.job.id"
	LabelAgent   = "conductor.agent.type"
)

// Runtime runs one-shot jobs to completion
type Runtime interface {
	// RunJob starts the job, waits for it to exit and collects its output
	RunJob(ctx context.Context, spec *JobSpec) (*JobResult, error)

	// Name identifies the runtime in logs and metrics
	Name() string
}

// JobSpec describes a single container run
type JobSpec struct {
	ID          string
	AgentType   string
	Image       string
	Command     []string
	Args        []string
	Environment map[string]string
	Labels      map[string]string
	Resources   ResourceRequirements
}

// ResourceRequirements holds resource limits in Kubernetes quantity notation
type ResourceRequirements struct {
	CPU    string
	Memory string
}

// JobResult is the outcome of a finished job
type JobResult struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Config holds runtime configuration
type Config struct {
	Type         string            // "docker" or "kubernetes"
	Endpoint     string            // Docker socket or K8s API endpoint
	Namespace    string            // K8s namespace
	KubeConfig   string            // Path to kubeconfig file
	Labels       map[string]string // Default labels for jobs
	OCIRuntime   string            // Docker OCI runtime, "runsc" for gVisor
	PollInterval time.Duration     // Pod phase polling interval
}

// ConfigFrom converts the file configuration into a runtime Config
func ConfigFrom(cfg config.RuntimeConfig) Config {
	return Config{
		Type:         cfg.Type,
		Endpoint:     cfg.Endpoint,
		Namespace:    cfg.Namespace,
		KubeConfig:   cfg.KubeConfig,
		Labels:       cfg.Labels,
		OCIRuntime:   cfg.OCIRuntime,
		PollInterval: cfg.PollInterval,
	}
}

// Factory creates runtime instances
type Factory interface {
	Create(config Config) (Runtime, error)
}

// New creates the runtime named by config.Type
func New(config Config) (Runtime, error) {
	var factory Factory
	switch config.Type {
	case "", "docker":
		factory = &DockerFactory{}
	case "kubernetes":
		factory = &KubernetesFactory{}
	default:
		return nil, fmt.Errorf("unsupported runtime type: %s", config.Type)
	}
	return factory.Create(config)
}

func mergeLabels(defaults map[string]string, spec *JobSpec) map[string]string {
	labels := make(map[string]string)

	for k, v := range defaults {
		labels[k] = v
	}

	for k, v := range spec.Labels {
		labels[k] = v
	}

	labels[LabelManaged] = "true"
	labels[LabelJobID] = spec.ID
	if spec.AgentType != "" {
		labels[LabelAgent] = spec.AgentType
	}

	return labels
}
