package spawner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/taskplane/taskplane/internal/common/config"
	"github.com/taskplane/taskplane/internal/common/logger"
)

const orchestratorTimeout = 30 * time.Second

// KnativeDriver applies a serving Service and a traffic Route per session,
// both rendered from the template blob. Resource kinds come from the
// templates themselves; the driver derives the REST mapping from the
// rendered object.
type KnativeDriver struct {
	cfg       config.SpawnerConfig
	client    dynamic.Interface
	templates *Templates
	logger    *logger.Logger
}

// NewKnativeDriver builds the driver from in-cluster credentials.
func NewKnativeDriver(cfg config.SpawnerConfig, log *logger.Logger) (*KnativeDriver, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		return nil, newError(FailureConfigMissing, fmt.Errorf("in-cluster config: %w", err))
	}
	client, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return nil, newError(FailureConfigMissing, fmt.Errorf("dynamic client: %w", err))
	}

	var templates *Templates
	if cfg.TemplatePath != "" {
		templates = NewFileTemplates(cfg.TemplatePath)
	} else {
		clientset, err := kubernetes.NewForConfig(restConfig)
		if err != nil {
			return nil, newError(FailureConfigMissing, fmt.Errorf("clientset: %w", err))
		}
		templates = NewConfigMapTemplates(clientset, cfg.Namespace, cfg.TemplateConfigMap)
	}

	return newKnativeDriver(cfg, client, templates, log), nil
}

// newKnativeDriver wires an explicit client and template source, used by
// NewKnativeDriver and by tests with fakes.
func newKnativeDriver(cfg config.SpawnerConfig, client dynamic.Interface, templates *Templates, log *logger.Logger) *KnativeDriver {
	return &KnativeDriver{
		cfg:       cfg,
		client:    client,
		templates: templates,
		logger:    log.WithFields(zap.String("component", "spawner-knative")),
	}
}

var _ Driver = (*KnativeDriver)(nil)

// CreateSessionWorker renders and applies the service then the route. An
// already-exists answer on either is success; a route failure rolls the
// service back so a retry starts clean.
func (d *KnativeDriver) CreateSessionWorker(ctx context.Context, sessionID, tenantID, codebaseID string) (*SpawnResult, error) {
	if err := ValidateLabelValue("session_id", sessionID); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, orchestratorTimeout)
	defer cancel()

	values := map[string]string{
		PlaceholderSessionID: sessionID,
		PlaceholderTenantID:  tenantID,
	}
	if codebaseID != "" {
		values[PlaceholderCodebaseID] = codebaseID
	}

	service, err := d.renderLabeled(ctx, TemplateService, values, sessionID, tenantID, codebaseID)
	if err != nil {
		return nil, err
	}
	route, err := d.renderLabeled(ctx, TemplateRoute, values, sessionID, tenantID, codebaseID)
	if err != nil {
		return nil, err
	}

	result := &SpawnResult{Name: service.GetName()}

	applied, serviceExisted, err := d.apply(ctx, service)
	if err != nil {
		return nil, err
	}
	if _, _, err := d.apply(ctx, route); err != nil {
		if !serviceExisted {
			d.deleteResource(ctx, service)
		}
		return nil, err
	}

	result.Created = !serviceExisted
	result.AlreadyExists = serviceExisted
	result.URL = serviceURL(applied)
	if result.URL == "" {
		// Freshly created services report their URL only after the first
		// reconcile; re-read once.
		if fresh, err := d.get(ctx, service); err == nil {
			result.URL = serviceURL(fresh)
		}
	}

	d.logger.Info("session worker applied", append(logFields(sessionID, tenantID),
		zap.String("name", result.Name),
		zap.Bool("already_exists", result.AlreadyExists))...)
	return result, nil
}

// DeleteSessionWorker removes route then service. Missing resources count
// as success.
func (d *KnativeDriver) DeleteSessionWorker(ctx context.Context, sessionID string) error {
	if err := ValidateLabelValue("session_id", sessionID); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, orchestratorTimeout)
	defer cancel()

	name := WorkerName(sessionID)
	for _, gvr := range []schema.GroupVersionResource{routeResource, serviceResource} {
		err := d.client.Resource(gvr).Namespace(d.cfg.Namespace).
			Delete(ctx, name, metav1.DeleteOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			return newError(Classify(err), fmt.Errorf("delete %s %s: %w", gvr.Resource, name, err))
		}
	}
	d.logger.Info("session worker deleted", zap.String("session_id", sessionID))
	return nil
}

// WorkerStatus maps the service's condition block to a coarse state.
func (d *KnativeDriver) WorkerStatus(ctx context.Context, sessionID string) (WorkerState, error) {
	if err := ValidateLabelValue("session_id", sessionID); err != nil {
		return StateFailed, err
	}
	ctx, cancel := context.WithTimeout(ctx, orchestratorTimeout)
	defer cancel()

	obj, err := d.client.Resource(serviceResource).Namespace(d.cfg.Namespace).
		Get(ctx, WorkerName(sessionID), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return StateNotFound, nil
	}
	if err != nil {
		return StateFailed, newError(Classify(err), err)
	}
	return mapServiceState(obj), nil
}

// ListSessionWorkers returns managed services, optionally confined to one
// tenant via the label selector.
func (d *KnativeDriver) ListSessionWorkers(ctx context.Context, tenantID string) ([]WorkerInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, orchestratorTimeout)
	defer cancel()

	selector := labels.Set{LabelManagedBy: ManagedByValue}
	if tenantID != "" {
		if err := ValidateLabelValue("tenant_id", tenantID); err != nil {
			return nil, err
		}
		selector[LabelTenant] = tenantID
	}

	list, err := d.client.Resource(serviceResource).Namespace(d.cfg.Namespace).
		List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return nil, newError(Classify(err), fmt.Errorf("list session workers: %w", err))
	}

	infos := make([]WorkerInfo, 0, len(list.Items))
	for i := range list.Items {
		item := &list.Items[i]
		itemLabels := item.GetLabels()
		infos = append(infos, WorkerInfo{
			Name:       item.GetName(),
			SessionID:  itemLabels[LabelSession],
			TenantID:   itemLabels[LabelTenant],
			CodebaseID: itemLabels[LabelCodebase],
			State:      mapServiceState(item),
			CreatedAt:  item.GetCreationTimestamp().Time,
			URL:        serviceURL(item),
		})
	}
	return infos, nil
}

// CleanupIdleWorkers deletes managed workers older than the cutoff. Deletes
// run concurrently; the first error wins but the rest still finish.
func (d *KnativeDriver) CleanupIdleWorkers(ctx context.Context, maxAge time.Duration) (int, error) {
	workers, err := d.ListSessionWorkers(ctx, "")
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	group, groupCtx := errgroup.WithContext(ctx)
	deleted := 0
	for _, worker := range workers {
		// A zero creation time means the age is unknown; never reap those.
		if worker.SessionID == "" || worker.CreatedAt.IsZero() || worker.CreatedAt.After(cutoff) {
			continue
		}
		deleted++
		sessionID := worker.SessionID
		group.Go(func() error {
			return d.DeleteSessionWorker(groupCtx, sessionID)
		})
	}
	if err := group.Wait(); err != nil {
		return deleted, err
	}
	if deleted > 0 {
		d.logger.Info("idle session workers cleaned up", zap.Int("count", deleted))
	}
	return deleted, nil
}

var (
	serviceResource = schema.GroupVersionResource{Group: "serving.knative.dev", Version: "v1", Resource: "services"}
	routeResource   = schema.GroupVersionResource{Group: "serving.knative.dev", Version: "v1", Resource: "routes"}
)

// resourceFor maps a rendered object's kind onto its REST resource. Only
// the kinds the templates may emit are supported.
func resourceFor(obj *unstructured.Unstructured) (schema.GroupVersionResource, error) {
	gvk := obj.GroupVersionKind()
	switch strings.ToLower(gvk.Kind) {
	case "service":
		return gvk.GroupVersion().WithResource("services"), nil
	case "route":
		return gvk.GroupVersion().WithResource("routes"), nil
	case "virtualservice":
		return gvk.GroupVersion().WithResource("virtualservices"), nil
	default:
		return schema.GroupVersionResource{}, newError(FailureRendering,
			fmt.Errorf("unsupported template kind %q", gvk.Kind))
	}
}

func (d *KnativeDriver) renderLabeled(ctx context.Context, key string, values map[string]string, sessionID, tenantID, codebaseID string) (*unstructured.Unstructured, error) {
	obj, err := d.templates.Render(ctx, key, values)
	if err != nil {
		return nil, err
	}
	stamped := obj.GetLabels()
	if stamped == nil {
		stamped = map[string]string{}
	}
	stamped[LabelManagedBy] = ManagedByValue
	stamped[LabelSession] = sessionID
	stamped[LabelTenant] = tenantID
	if codebaseID != "" {
		stamped[LabelCodebase] = codebaseID
	}
	obj.SetLabels(stamped)
	if obj.GetName() == "" {
		obj.SetName(WorkerName(sessionID))
	}
	if obj.GetNamespace() == "" {
		obj.SetNamespace(d.cfg.Namespace)
	}
	return obj, nil
}

// apply creates the object, treating already-exists as success.
func (d *KnativeDriver) apply(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, bool, error) {
	gvr, err := resourceFor(obj)
	if err != nil {
		return nil, false, err
	}
	created, err := d.client.Resource(gvr).Namespace(obj.GetNamespace()).
		Create(ctx, obj, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		existing, getErr := d.client.Resource(gvr).Namespace(obj.GetNamespace()).
			Get(ctx, obj.GetName(), metav1.GetOptions{})
		if getErr != nil {
			return nil, true, newError(Classify(getErr), getErr)
		}
		return existing, true, nil
	}
	if err != nil {
		return nil, false, newError(Classify(err),
			fmt.Errorf("apply %s %s: %w", gvr.Resource, obj.GetName(), err))
	}
	return created, false, nil
}

func (d *KnativeDriver) get(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	gvr, err := resourceFor(obj)
	if err != nil {
		return nil, err
	}
	return d.client.Resource(gvr).Namespace(obj.GetNamespace()).Get(ctx, obj.GetName(), metav1.GetOptions{})
}

func (d *KnativeDriver) deleteResource(ctx context.Context, obj *unstructured.Unstructured) {
	gvr, err := resourceFor(obj)
	if err != nil {
		return
	}
	err = d.client.Resource(gvr).Namespace(obj.GetNamespace()).
		Delete(ctx, obj.GetName(), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		d.logger.Warn("rollback delete failed",
			zap.String("name", obj.GetName()), zap.Error(err))
	}
}

func serviceURL(obj *unstructured.Unstructured) string {
	if obj == nil {
		return ""
	}
	url, _, _ := unstructured.NestedString(obj.Object, "status", "url")
	return url
}

// mapServiceState reads the knative condition block. Ready plus Active
// distinguish a serving worker from one scaled to zero.
func mapServiceState(obj *unstructured.Unstructured) WorkerState {
	conditions, found, _ := unstructured.NestedSlice(obj.Object, "status", "conditions")
	if !found || len(conditions) == 0 {
		return StatePending
	}

	ready, active := "", ""
	for _, raw := range conditions {
		condition, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		condType, _ := condition["type"].(string)
		condStatus, _ := condition["status"].(string)
		switch condType {
		case "Ready":
			ready = condStatus
		case "Active":
			active = condStatus
		}
	}

	switch ready {
	case "True":
		if active == "False" {
			return StateScaledToZero
		}
		if active == "True" {
			return StateRunning
		}
		return StateReady
	case "False":
		return StateFailed
	case "Unknown":
		return StateCreating
	default:
		return StatePending
	}
}
