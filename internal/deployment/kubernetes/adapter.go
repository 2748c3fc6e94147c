// Package kubernetes implements the deployment adapter for container
// orchestration backends speaking the Kubernetes API.
package kubernetes

import (
	"bufio"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8s "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/agentloom/agentloom/internal/config"
	"github.com/agentloom/agentloom/internal/deployment/domain"
	"go.uber.org/zap"
)

const appLabel = "app"

// Adapter drives agent workloads as Kubernetes Deployments.
type Adapter struct {
	client           k8s.Interface
	metricsClient    metricsv.Interface
	defaultNamespace string
	log              *zap.Logger
}

// New builds an adapter over existing clientsets. Tests pass fakes.
func New(client k8s.Interface, metricsClient metricsv.Interface, namespace string, log *zap.Logger) *Adapter {
	if namespace == "" {
		namespace = "default"
	}
	return &Adapter{
		client:           client,
		metricsClient:    metricsClient,
		defaultNamespace: namespace,
		log:              log.Named("deployment.kubernetes"),
	}
}

// NewFromConfig builds the clientsets from kubeconfig.
func NewFromConfig(cfg config.KubernetesConfig, log *zap.Logger) (*Adapter, error) {
	kubeconfig := cfg.Kubeconfig
	if kubeconfig == "" {
		if home := homedir.HomeDir(); home != "" {
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
	}

	restCfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("build kube config: %w", err)
	}

	client, err := k8s.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}

	metricsClient, err := metricsv.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create metrics client: %w", err)
	}

	return New(client, metricsClient, cfg.DefaultNamespace, log), nil
}

func (a *Adapter) Provider() domain.Provider { return domain.ProviderKubernetes }

// Deploy upserts the Deployment object for the agent workload.
func (a *Adapter) Deploy(ctx context.Context, d *domain.Deployment) error {
	if err := domain.ValidateConfig(d, domain.ProviderKubernetes, "image"); err != nil {
		return err
	}

	namespace := a.namespaceFor(d)
	spec := a.buildDeployment(d, namespace)

	_, err := a.client.AppsV1().Deployments(namespace).Create(ctx, spec, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		_, err = a.client.AppsV1().Deployments(namespace).Update(ctx, spec, metav1.UpdateOptions{})
	}
	if err != nil {
		return &domain.ProviderError{Provider: domain.ProviderKubernetes, Op: "deploy", Err: err}
	}

	a.log.Info("workload applied",
		zap.String("deployment_id", d.ID.String()),
		zap.String("namespace", namespace),
	)
	return nil
}

// Undeploy deletes the Deployment object; a missing object is success.
func (a *Adapter) Undeploy(ctx context.Context, d *domain.Deployment) error {
	namespace := a.namespaceFor(d)
	err := a.client.AppsV1().Deployments(namespace).Delete(ctx, workloadName(d), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return &domain.ProviderError{Provider: domain.ProviderKubernetes, Op: "undeploy", Err: err}
	}
	return nil
}

// Status maps replica availability onto the canonical states.
func (a *Adapter) Status(ctx context.Context, d *domain.Deployment) (domain.Status, error) {
	namespace := a.namespaceFor(d)
	workload, err := a.client.AppsV1().Deployments(namespace).Get(ctx, workloadName(d), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return domain.StatusStopped, nil
	}
	if err != nil {
		return domain.StatusFailed, err
	}

	desired := int32(1)
	if workload.Spec.Replicas != nil {
		desired = *workload.Spec.Replicas
	}
	switch {
	case desired == 0:
		return domain.StatusStopped, nil
	case workload.Status.ReadyReplicas >= desired:
		return domain.StatusRunning, nil
	default:
		// Some replicas may be ready, but the rollout has not converged.
		return domain.StatusPending, nil
	}
}

// Metrics sums pod CPU/memory usage over the workload's pods and reports
// them as a percentage of the declared limits. Request-level dimensions
// are not exposed by the orchestrator and stay zero.
func (a *Adapter) Metrics(ctx context.Context, d *domain.Deployment) (domain.AdapterMetrics, error) {
	namespace := a.namespaceFor(d)
	selector := fmt.Sprintf("%s=%s", appLabel, workloadName(d))

	podMetrics, err := a.metricsClient.MetricsV1beta1().PodMetricses(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector,
	})
	if err != nil {
		return domain.AdapterMetrics{}, err
	}

	var usedCPUMillis, usedMemBytes int64
	for _, pod := range podMetrics.Items {
		for _, container := range pod.Containers {
			usedCPUMillis += container.Usage.Cpu().MilliValue()
			usedMemBytes += container.Usage.Memory().Value()
		}
	}

	resources := d.Resources.Data()
	replicas := int64(resources.Replicas)
	if replicas <= 0 {
		replicas = 1
	}

	result := domain.AdapterMetrics{}
	if limit, err := resource.ParseQuantity(resources.CPU); err == nil && limit.MilliValue() > 0 {
		result.CPUUsage = float64(usedCPUMillis) / float64(limit.MilliValue()*replicas) * 100
	}
	if limit, err := resource.ParseQuantity(resources.Memory); err == nil && limit.Value() > 0 {
		result.MemoryUsage = float64(usedMemBytes) / float64(limit.Value()*replicas) * 100
	}
	return result, nil
}

// Logs tails the first pod of the workload.
func (a *Adapter) Logs(ctx context.Context, d *domain.Deployment, tail int) ([]domain.LogEntry, error) {
	if tail <= 0 {
		tail = domain.DefaultLogTail
	}
	namespace := a.namespaceFor(d)
	selector := fmt.Sprintf("%s=%s", appLabel, workloadName(d))

	pods, err := a.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, err
	}
	if len(pods.Items) == 0 {
		return []domain.LogEntry{}, nil
	}

	tailLines := int64(tail)
	raw, err := a.client.CoreV1().Pods(namespace).
		GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{TailLines: &tailLines}).
		Do(ctx).Raw()
	if err != nil {
		return nil, err
	}

	entries := make([]domain.LogEntry, 0, tail)
	scanner := bufio.NewScanner(strings.NewReader(string(raw)))
	now := time.Now().UTC()
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		entries = append(entries, domain.LogEntry{
			Timestamp: now,
			Level:     "info",
			Message:   line,
		})
	}
	return entries, nil
}

func (a *Adapter) namespaceFor(d *domain.Deployment) string {
	if ns := strings.TrimSpace(d.ConfigString("namespace")); ns != "" {
		return ns
	}
	return a.defaultNamespace
}

func (a *Adapter) buildDeployment(d *domain.Deployment, namespace string) *appsv1.Deployment {
	name := workloadName(d)
	resources := d.Resources.Data()

	replicas := resources.Replicas
	if replicas <= 0 {
		replicas = 1
	}

	limits := corev1.ResourceList{}
	if qty, err := resource.ParseQuantity(resources.CPU); err == nil {
		limits[corev1.ResourceCPU] = qty
	}
	if qty, err := resource.ParseQuantity(resources.Memory); err == nil {
		limits[corev1.ResourceMemory] = qty
	}

	var env []corev1.EnvVar
	for key, value := range d.ConfigMap("env") {
		env = append(env, corev1.EnvVar{Name: key, Value: value})
	}

	labels := map[string]string{appLabel: name}
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{
							Name:  "agent",
							Image: d.ConfigString("image"),
							Env:   env,
							Resources: corev1.ResourceRequirements{
								Limits: limits,
							},
						},
					},
				},
			},
		},
	}
}

func workloadName(d *domain.Deployment) string {
	return fmt.Sprintf("agent-%s", d.ID.String())
}
