// Package kube observes and acts on Kubernetes Deployments.
//
// Subjects are "namespace/name". Observe maps a Deployment's rollout status
// onto the deployment lifecycle states; Act performs rollback, restart and
// deploy (image update).
package kube

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/ppiankov/fleetwatch/internal/model"
)

// Annotations read and written on Deployments.
const (
	AnnotationRepo       = "fleetwatch.io/repo"
	AnnotationState      = "fleetwatch.io/state"
	AnnotationErrorRate  = "fleetwatch.io/error-rate"
	AnnotationLatencyMS  = "fleetwatch.io/latency-ms"
	AnnotationRolledBack = "fleetwatch.io/rolled-back-to"
	AnnotationRestarted  = "kubectl.kubernetes.io/restartedAt"

	revisionAnnotation = "deployment.kubernetes.io/revision"
)

// Action parameters understood by Act.
const (
	ParamImage     = "image"
	ParamContainer = "container"
)

// Config selects the cluster and the Deployments to watch.
type Config struct {
	Name          string   `yaml:"name" json:"name"`
	Kubeconfig    string   `yaml:"kubeconfig" json:"kubeconfig"`
	Context       string   `yaml:"context" json:"context"`
	Namespace     string   `yaml:"namespace" json:"namespace"`
	LabelSelector string   `yaml:"label_selector" json:"label_selector"`
	Subjects      []string `yaml:"subjects" json:"subjects"`
}

// Adapter talks to one cluster.
type Adapter struct {
	name   string
	client kubernetes.Interface
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New connects using cfg.Kubeconfig, falling back to in-cluster config and
// then the default loading rules.
func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	restCfg, err := restConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("kube: build config: %w", err)
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("kube: create clientset: %w", err)
	}
	return NewWithClient(cfg, client, logger), nil
}

// NewWithClient wraps an existing clientset.
func NewWithClient(cfg Config, client kubernetes.Interface, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "kube"
	}
	return &Adapter{
		name:   name,
		client: client,
		cfg:    cfg,
		logger: logger.With("adapter", name),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func restConfig(cfg Config) (*rest.Config, error) {
	if cfg.Kubeconfig == "" && cfg.Context == "" {
		if c, err := rest.InClusterConfig(); err == nil {
			return c, nil
		}
	}
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if cfg.Kubeconfig != "" {
		rules.ExplicitPath = cfg.Kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: cfg.Context}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
}

func (a *Adapter) Name() string { return a.name }

// Discover lists Deployments matching the label selector plus any
// statically configured subjects.
func (a *Adapter) Discover(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	for _, s := range a.cfg.Subjects {
		seen[s] = true
	}
	if a.cfg.LabelSelector != "" {
		list, err := a.client.AppsV1().Deployments(a.cfg.Namespace).List(ctx, metav1.ListOptions{LabelSelector: a.cfg.LabelSelector})
		if err != nil {
			return nil, fmt.Errorf("kube: list deployments: %w", err)
		}
		for _, d := range list.Items {
			seen[d.Namespace+"/"+d.Name] = true
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func (a *Adapter) split(subject string) (string, string, error) {
	ns, name, ok := strings.Cut(subject, "/")
	if !ok {
		if a.cfg.Namespace == "" {
			return "", "", fmt.Errorf("kube: subject %q is not namespace/name", subject)
		}
		return a.cfg.Namespace, subject, nil
	}
	if ns == "" || name == "" {
		return "", "", fmt.Errorf("kube: subject %q is not namespace/name", subject)
	}
	return ns, name, nil
}

// Observe reports the Deployment's lifecycle state and health. A missing
// Deployment is reported as REMOVED.
func (a *Adapter) Observe(ctx context.Context, subject string) (model.Observation, error) {
	ns, name, err := a.split(subject)
	if err != nil {
		return model.Observation{}, err
	}
	obs := model.Observation{
		Source:    a.name,
		Subject:   subject,
		Kind:      model.KindHealth,
		FetchedAt: a.now(),
	}

	d, err := a.client.AppsV1().Deployments(ns).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		obs.Payload = map[string]any{model.FieldState: "REMOVED", model.FieldHealth: "unknown"}
		return obs, nil
	}
	if err != nil {
		return model.Observation{}, fmt.Errorf("kube: get deployment %s: %w", subject, err)
	}

	crashing, err := a.crashLooping(ctx, d)
	if err != nil {
		return model.Observation{}, err
	}

	desired := int32(1)
	if d.Spec.Replicas != nil {
		desired = *d.Spec.Replicas
	}
	payload := map[string]any{
		model.FieldState:     lifecycleState(d, desired, crashing),
		model.FieldHealth:    healthOf(d, desired, crashing),
		"replicas":           float64(desired),
		"ready_replicas":     float64(d.Status.ReadyReplicas),
		"available_replicas": float64(d.Status.AvailableReplicas),
		"crashing_pods":      float64(crashing),
		"revision":           d.Annotations[revisionAnnotation],
	}
	if repo := d.Annotations[AnnotationRepo]; repo != "" {
		payload[model.FieldRepo] = repo
	}
	if len(d.Spec.Template.Spec.Containers) > 0 {
		payload["image"] = d.Spec.Template.Spec.Containers[0].Image
	}
	for ann, field := range map[string]string{AnnotationErrorRate: model.FieldErrorRate, AnnotationLatencyMS: model.FieldLatencyMS} {
		if v, ok := d.Annotations[ann]; ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				payload[field] = f
			}
		}
	}
	obs.Payload = payload
	return obs, nil
}

func (a *Adapter) crashLooping(ctx context.Context, d *appsv1.Deployment) (int, error) {
	if d.Spec.Selector == nil {
		return 0, nil
	}
	sel, err := metav1.LabelSelectorAsSelector(d.Spec.Selector)
	if err != nil {
		return 0, fmt.Errorf("kube: selector for %s/%s: %w", d.Namespace, d.Name, err)
	}
	pods, err := a.client.CoreV1().Pods(d.Namespace).List(ctx, metav1.ListOptions{LabelSelector: sel.String()})
	if err != nil {
		return 0, fmt.Errorf("kube: list pods for %s/%s: %w", d.Namespace, d.Name, err)
	}
	n := 0
	for _, p := range pods.Items {
		if podCrashing(p) {
			n++
		}
	}
	return n, nil
}

func podCrashing(p corev1.Pod) bool {
	for _, cs := range p.Status.ContainerStatuses {
		if w := cs.State.Waiting; w != nil && (w.Reason == "CrashLoopBackOff" || w.Reason == "Error") {
			return true
		}
		if t := cs.State.Terminated; t != nil && t.ExitCode != 0 {
			return true
		}
	}
	return false
}

// lifecycleState maps rollout status onto lifecycle states. An explicit
// state annotation, written by a pipeline before pods exist, wins.
func lifecycleState(d *appsv1.Deployment, desired int32, crashing int) string {
	if s := strings.ToUpper(d.Annotations[AnnotationState]); s == "PENDING" || s == "BUILDING" {
		return s
	}
	complete := rolloutComplete(d, desired)
	if _, ok := d.Annotations[AnnotationRolledBack]; ok {
		if complete && crashing == 0 {
			return "ROLLED_BACK"
		}
		return "ROLLING_BACK"
	}
	if progressDeadlineExceeded(d) {
		return "FAILED"
	}
	if crashing > 0 && d.Status.AvailableReplicas < desired {
		if complete || d.Status.UpdatedReplicas >= desired {
			return "CRASHED"
		}
		return "FAILED"
	}
	if !complete {
		return "DEPLOYING"
	}
	return "ACTIVE"
}

func rolloutComplete(d *appsv1.Deployment, desired int32) bool {
	return d.Status.ObservedGeneration >= d.Generation &&
		d.Status.UpdatedReplicas >= desired &&
		d.Status.AvailableReplicas >= desired &&
		d.Status.Replicas <= desired
}

func progressDeadlineExceeded(d *appsv1.Deployment) bool {
	for _, c := range d.Status.Conditions {
		if c.Type == appsv1.DeploymentProgressing && c.Status == corev1.ConditionFalse && c.Reason == "ProgressDeadlineExceeded" {
			return true
		}
	}
	return false
}

func healthOf(d *appsv1.Deployment, desired int32, crashing int) string {
	if crashing > 0 || d.Status.AvailableReplicas < desired {
		return model.HealthUnhealthy
	}
	return model.HealthHealthy
}

// Act executes rollback, restart or deploy against the target Deployment.
func (a *Adapter) Act(ctx context.Context, act model.Action) (model.ActionResult, error) {
	ns, name, err := a.split(act.Target)
	if err != nil {
		return model.ActionResult{}, err
	}
	switch act.Type {
	case model.Rollback:
		return a.rollback(ctx, ns, name)
	case model.Restart:
		return a.restart(ctx, ns, name)
	case model.Deploy:
		return a.deploy(ctx, ns, name, act.Params)
	default:
		return model.ActionResult{}, fmt.Errorf("kube: unsupported action %s", act.Type)
	}
}

// rollback restores the pod template of the previous ReplicaSet revision.
func (a *Adapter) rollback(ctx context.Context, ns, name string) (model.ActionResult, error) {
	deployments := a.client.AppsV1().Deployments(ns)
	d, err := deployments.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return model.ActionResult{}, fmt.Errorf("kube: get deployment %s/%s: %w", ns, name, err)
	}
	current, _ := strconv.ParseInt(d.Annotations[revisionAnnotation], 10, 64)

	prev, err := a.previousReplicaSet(ctx, d, current)
	if err != nil {
		return model.ActionResult{}, err
	}
	prevRev := prev.Annotations[revisionAnnotation]

	tmpl := *prev.Spec.Template.DeepCopy()
	delete(tmpl.Labels, appsv1.DefaultDeploymentUniqueLabelKey)
	d.Spec.Template = tmpl
	if d.Annotations == nil {
		d.Annotations = make(map[string]string)
	}
	d.Annotations[AnnotationRolledBack] = prevRev

	if _, err := deployments.Update(ctx, d, metav1.UpdateOptions{}); err != nil {
		return model.ActionResult{}, fmt.Errorf("kube: update deployment %s/%s: %w", ns, name, err)
	}
	a.logger.Info("rolled back deployment", "deployment", ns+"/"+name, "from_revision", current, "to_revision", prevRev)
	return model.ResultOf(map[string]any{
		"deployment":    ns + "/" + name,
		"from_revision": current,
		"to_revision":   prevRev,
	}), nil
}

func (a *Adapter) previousReplicaSet(ctx context.Context, d *appsv1.Deployment, current int64) (*appsv1.ReplicaSet, error) {
	if d.Spec.Selector == nil {
		return nil, fmt.Errorf("kube: deployment %s/%s has no selector", d.Namespace, d.Name)
	}
	sel, err := metav1.LabelSelectorAsSelector(d.Spec.Selector)
	if err != nil {
		return nil, fmt.Errorf("kube: selector for %s/%s: %w", d.Namespace, d.Name, err)
	}
	list, err := a.client.AppsV1().ReplicaSets(d.Namespace).List(ctx, metav1.ListOptions{LabelSelector: sel.String()})
	if err != nil {
		return nil, fmt.Errorf("kube: list replicasets for %s/%s: %w", d.Namespace, d.Name, err)
	}

	var best *appsv1.ReplicaSet
	var bestRev int64
	for i := range list.Items {
		rs := &list.Items[i]
		if !ownedBy(rs, d) {
			continue
		}
		rev, err := strconv.ParseInt(rs.Annotations[revisionAnnotation], 10, 64)
		if err != nil || rev >= current {
			continue
		}
		if best == nil || rev > bestRev {
			best, bestRev = rs, rev
		}
	}
	if best == nil {
		return nil, fmt.Errorf("kube: no revision before %d for %s/%s", current, d.Namespace, d.Name)
	}
	return best, nil
}

func ownedBy(rs *appsv1.ReplicaSet, d *appsv1.Deployment) bool {
	for _, ref := range rs.OwnerReferences {
		if ref.Kind == "Deployment" && (ref.UID == d.UID || ref.Name == d.Name) {
			return true
		}
	}
	return false
}

func (a *Adapter) restart(ctx context.Context, ns, name string) (model.ActionResult, error) {
	deployments := a.client.AppsV1().Deployments(ns)
	d, err := deployments.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return model.ActionResult{}, fmt.Errorf("kube: get deployment %s/%s: %w", ns, name, err)
	}
	stamp := a.now().Format(time.RFC3339)
	if d.Spec.Template.Annotations == nil {
		d.Spec.Template.Annotations = make(map[string]string)
	}
	d.Spec.Template.Annotations[AnnotationRestarted] = stamp
	if _, err := deployments.Update(ctx, d, metav1.UpdateOptions{}); err != nil {
		return model.ActionResult{}, fmt.Errorf("kube: restart %s/%s: %w", ns, name, err)
	}
	a.logger.Info("restarted deployment", "deployment", ns+"/"+name)
	return model.ResultOf(map[string]string{"deployment": ns + "/" + name, "restarted_at": stamp}), nil
}

// deploy sets a container image and clears any rollback marker.
func (a *Adapter) deploy(ctx context.Context, ns, name string, params map[string]string) (model.ActionResult, error) {
	image := params[ParamImage]
	if image == "" {
		return model.ActionResult{}, fmt.Errorf("kube: deploy %s/%s: %s parameter is required", ns, name, ParamImage)
	}
	deployments := a.client.AppsV1().Deployments(ns)
	d, err := deployments.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return model.ActionResult{}, fmt.Errorf("kube: get deployment %s/%s: %w", ns, name, err)
	}
	containers := d.Spec.Template.Spec.Containers
	idx := -1
	for i, c := range containers {
		if params[ParamContainer] == "" || c.Name == params[ParamContainer] {
			idx = i
			break
		}
	}
	if idx < 0 {
		return model.ActionResult{}, fmt.Errorf("kube: deploy %s/%s: container %q not found", ns, name, params[ParamContainer])
	}
	previous := containers[idx].Image
	containers[idx].Image = image
	delete(d.Annotations, AnnotationRolledBack)

	if _, err := deployments.Update(ctx, d, metav1.UpdateOptions{}); err != nil {
		return model.ActionResult{}, fmt.Errorf("kube: deploy %s/%s: %w", ns, name, err)
	}
	a.logger.Info("deployed image", "deployment", ns+"/"+name, "container", containers[idx].Name, "image", image)
	return model.ResultOf(map[string]string{
		"deployment":     ns + "/" + name,
		"container":      containers[idx].Name,
		"image":          image,
		"previous_image": previous,
	}), nil
}
