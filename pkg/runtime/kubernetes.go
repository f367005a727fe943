package runtime

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

const defaultPollInterval = 2 * time.Second

// KubernetesRuntime implements Runtime for Kubernetes, one pod per job
type KubernetesRuntime struct {
	client    kubernetes.Interface
	config    Config
	namespace string
}

// NewKubernetesRuntime creates a new Kubernetes runtime
func NewKubernetesRuntime(config Config) (*KubernetesRuntime, error) {
	var kubeConfig *rest.Config
	var err error

	if config.KubeConfig != "" {
		kubeConfig, err = clientcmd.BuildConfigFromFlags("", config.KubeConfig)
	} else if config.Endpoint != "" {
		kubeConfig, err = rest.InClusterConfig()
	} else {
		if home := homedir.HomeDir(); home != "" {
			kubeConfig, err = clientcmd.BuildConfigFromFlags("", filepath.Join(home, ".kube", "config"))
		} else {
			return nil, fmt.Errorf("no kubeconfig specified and unable to find default")
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(kubeConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}

	return newKubernetesRuntimeWithClient(clientset, config), nil
}

func newKubernetesRuntimeWithClient(client kubernetes.Interface, config Config) *KubernetesRuntime {
	namespace := config.Namespace
	if namespace == "" {
		namespace = "default"
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	return &KubernetesRuntime{
		client:    client,
		config:    config,
		namespace: namespace,
	}
}

// Name returns "kubernetes"
func (r *KubernetesRuntime) Name() string {
	return "kubernetes"
}

func podName(jobID string) string {
	name := "conductor-job-" + strings.ToLower(jobID)
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

// RunJob creates a pod, waits for a terminal phase, reads its logs and deletes it
func (r *KubernetesRuntime) RunJob(ctx context.Context, spec *JobSpec) (*JobResult, error) {
	name := podName(spec.ID)
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: r.namespace,
			Labels:    mergeLabels(r.config.Labels, spec),
		},
		Spec: r.buildPodSpec(spec),
	}

	if _, err := r.client.CoreV1().Pods(r.namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return nil, fmt.Errorf("failed to create pod: %w", err)
	}
	defer r.deletePod(name)

	result := &JobResult{StartedAt: time.Now()}

	finished, err := r.waitForPod(ctx, name)
	if err != nil {
		return nil, err
	}
	result.FinishedAt = time.Now()
	result.ExitCode = exitCode(finished)

	logs, err := r.readLogs(ctx, name)
	if err != nil {
		return nil, err
	}
	result.Stdout = logs

	return result, nil
}

func (r *KubernetesRuntime) waitForPod(ctx context.Context, name string) (*corev1.Pod, error) {
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		pod, err := r.client.CoreV1().Pods(r.namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to get pod: %w", err)
		}

		switch pod.Status.Phase {
		case corev1.PodSucceeded, corev1.PodFailed:
			return pod, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func exitCode(pod *corev1.Pod) int {
	for _, status := range pod.Status.ContainerStatuses {
		if status.State.Terminated != nil {
			return int(status.State.Terminated.ExitCode)
		}
	}
	if pod.Status.Phase == corev1.PodFailed {
		return 1
	}
	return 0
}

func (r *KubernetesRuntime) readLogs(ctx context.Context, name string) (string, error) {
	req := r.client.CoreV1().Pods(r.namespace).GetLogs(name, &corev1.PodLogOptions{Container: "agent"})

	stream, err := req.Stream(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to stream logs: %w", err)
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return "", fmt.Errorf("failed to read logs: %w", err)
	}
	return string(data), nil
}

func (r *KubernetesRuntime) deletePod(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	gracePeriod := int64(0)
	_ = r.client.CoreV1().Pods(r.namespace).Delete(ctx, name, metav1.DeleteOptions{
		GracePeriodSeconds: &gracePeriod,
	})
}

func (r *KubernetesRuntime) buildPodSpec(spec *JobSpec) corev1.PodSpec {
	container := corev1.Container{
		Name:      "agent",
		Image:     spec.Image,
		Command:   spec.Command,
		Args:      spec.Args,
		Env:       buildEnvVars(spec.Environment),
		Resources: buildResourceRequirements(spec.Resources),
	}

	return corev1.PodSpec{
		RestartPolicy: corev1.RestartPolicyNever,
		Containers:    []corev1.Container{container},
	}
}

func buildEnvVars(vars map[string]string) []corev1.EnvVar {
	var env []corev1.EnvVar
	for key, value := range vars {
		env = append(env, corev1.EnvVar{Name: key, Value: value})
	}
	return env
}

func buildResourceRequirements(req ResourceRequirements) corev1.ResourceRequirements {
	resources := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{},
		Limits:   corev1.ResourceList{},
	}

	if req.CPU != "" {
		if cpu, err := resource.ParseQuantity(req.CPU); err == nil {
			resources.Requests[corev1.ResourceCPU] = cpu
			resources.Limits[corev1.ResourceCPU] = cpu
		}
	}

	if req.Memory != "" {
		if mem, err := resource.ParseQuantity(req.Memory); err == nil {
			resources.Requests[corev1.ResourceMemory] = mem
			resources.Limits[corev1.ResourceMemory] = mem
		}
	}

	return resources
}

// KubernetesFactory creates Kubernetes runtime instances
type KubernetesFactory struct{}

// Create creates a new Kubernetes runtime instance
func (f *KubernetesFactory) Create(config Config) (Runtime, error) {
	return NewKubernetesRuntime(config)
}
