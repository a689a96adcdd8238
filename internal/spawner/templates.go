package spawner

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	yamlv3 "gopkg.in/yaml.v3"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/kubernetes"
	sigsyaml "sigs.k8s.io/yaml"
)

// Template keys expected in the blob. The service is the worker itself; the
// route is the traffic rule pointing at it.
const (
	TemplateService = "service"
	TemplateRoute   = "route"
)

// Placeholders substituted textually before the YAML is parsed. Values are
// validated against the DNS-label character class first.
const (
	PlaceholderSessionID  = "SESSION_ID"
	PlaceholderTenantID   = "TENANT_ID"
	PlaceholderCodebaseID = "CODEBASE_ID"
	PlaceholderWorkspace  = "WORKSPACE_CLAIM"
)

// Templates is a lazily-loaded key to YAML-text mapping. Loading happens on
// first use and the result is cached; Invalidate forces a reload.
type Templates struct {
	mu     sync.RWMutex
	blobs  map[string]string
	loaded bool
	load   func(ctx context.Context) (map[string]string, error)
}

// NewConfigMapTemplates reads the blob from a cluster ConfigMap.
func NewConfigMapTemplates(clientset kubernetes.Interface, namespace, name string) *Templates {
	return &Templates{load: func(ctx context.Context) (map[string]string, error) {
		cm, err := clientset.CoreV1().ConfigMaps(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return nil, newError(FailureConfigMissing,
				fmt.Errorf("template configmap %s/%s: %w", namespace, name, err))
		}
		return cm.Data, nil
	}}
}

// NewFileTemplates reads the blob from a local YAML file mapping key to
// template text. Dev mode only.
func NewFileTemplates(path string) *Templates {
	return &Templates{load: func(ctx context.Context) (map[string]string, error) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, newError(FailureConfigMissing, fmt.Errorf("template file %s: %w", path, err))
		}
		var blobs map[string]string
		if err := yamlv3.Unmarshal(raw, &blobs); err != nil {
			return nil, newError(FailureRendering, fmt.Errorf("template file %s: %w", path, err))
		}
		return blobs, nil
	}}
}

// NewStaticTemplates wraps an in-memory blob, used by tests.
func NewStaticTemplates(blobs map[string]string) *Templates {
	return &Templates{blobs: blobs, loaded: true}
}

func (t *Templates) ensure(ctx context.Context) error {
	t.mu.RLock()
	loaded := t.loaded
	t.mu.RUnlock()
	if loaded {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loaded {
		return nil
	}
	blobs, err := t.load(ctx)
	if err != nil {
		return err
	}
	t.blobs = blobs
	t.loaded = true
	return nil
}

// Invalidate drops the cache so the next render reloads the blob.
func (t *Templates) Invalidate() {
	t.mu.Lock()
	t.loaded = false
	t.blobs = nil
	t.mu.Unlock()
}

// Render substitutes the placeholder values into the named template and
// parses the result. Every value must pass the DNS-label check before any
// substitution happens.
func (t *Templates) Render(ctx context.Context, key string, values map[string]string) (*unstructured.Unstructured, error) {
	if err := t.ensure(ctx); err != nil {
		return nil, err
	}

	t.mu.RLock()
	text, ok := t.blobs[key]
	t.mu.RUnlock()
	if !ok {
		return nil, newError(FailureConfigMissing, fmt.Errorf("template %q not present in blob", key))
	}

	for placeholder, value := range values {
		if err := ValidateLabelValue(placeholder, value); err != nil {
			return nil, err
		}
		text = strings.ReplaceAll(text, placeholder, value)
	}

	var obj map[string]interface{}
	if err := sigsyaml.Unmarshal([]byte(text), &obj); err != nil {
		return nil, newError(FailureRendering, fmt.Errorf("template %q: %w", key, err))
	}
	rendered := &unstructured.Unstructured{Object: obj}
	if rendered.GetAPIVersion() == "" || rendered.GetKind() == "" {
		return nil, newError(FailureRendering,
			fmt.Errorf("template %q is missing apiVersion or kind", key))
	}
	return rendered, nil
}
