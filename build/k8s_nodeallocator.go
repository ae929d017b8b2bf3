package build

import (
	"context"
	"fmt"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/zuul-ci/zuul-core/model"
)

// K8SNodeAllocator satisfies NodeAllocator by running each requested node as
// a single-container pod, one pod per node in the set. It is the allocator
// used for labels whose connection type is "kubectl": the executor execs
// into the pod's container directly instead of connecting over SSH.
type K8SNodeAllocator struct {
	Client    kubernetes.Interface
	Namespace string
	PodSpec   func(label string) corev1.PodSpec

	mu      sync.Mutex
	pending map[string]model.NodeSet
}

func NewK8SNodeAllocator(client kubernetes.Interface, namespace string, podSpec func(label string) corev1.PodSpec) *K8SNodeAllocator {
	return &K8SNodeAllocator{
		Client:    client,
		Namespace: namespace,
		PodSpec:   podSpec,
		pending:   map[string]model.NodeSet{},
	}
}

// Get creates one pod per requested node and blocks until every pod reaches
// Running, or the context expires.
func (a *K8SNodeAllocator) Get(ctx context.Context, requestID string) (model.NodeSet, error) {
	// The request's desired labels are out of scope for this sketch: a real
	// deployment resolves requestID to a list of labels via the scheduler's
	// node request record. Here a single default-labelled node stands in.
	labels := []string{"default"}

	ns := model.NodeSet{RequestID: requestID}
	for i, label := range labels {
		name := fmt.Sprintf("zuul-%s-%d", requestID, i)
		pod := &corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name:      name,
				Namespace: a.Namespace,
				Labels:    map[string]string{"zuul.ci/request": requestID},
			},
			Spec: a.PodSpec(label),
		}
		created, err := a.Client.CoreV1().Pods(a.Namespace).Create(ctx, pod, metav1.CreateOptions{})
		if err != nil {
			a.cleanup(ctx, ns)
			return model.NodeSet{}, fmt.Errorf("k8s node allocator: creating pod %s: %w", name, err)
		}

		if err := a.waitRunning(ctx, created.Name); err != nil {
			a.cleanup(ctx, ns)
			return model.NodeSet{}, err
		}

		container := ""
		if len(created.Spec.Containers) > 0 {
			container = created.Spec.Containers[0].Name
		}
		ns.Nodes = append(ns.Nodes, model.Node{
			Name:           name,
			Label:          label,
			ConnectionType: model.ConnectionKubernetes,
			Kubernetes: &model.KubernetesConnection{
				Namespace: a.Namespace,
				Pod:       name,
				Container: container,
			},
		})
	}

	a.mu.Lock()
	a.pending[requestID] = ns
	a.mu.Unlock()
	return ns, nil
}

func (a *K8SNodeAllocator) waitRunning(ctx context.Context, podName string) error {
	for {
		pod, err := a.Client.CoreV1().Pods(a.Namespace).Get(ctx, podName, metav1.GetOptions{})
		if err != nil {
			return fmt.Errorf("k8s node allocator: watching pod %s: %w", podName, err)
		}
		switch pod.Status.Phase {
		case corev1.PodRunning:
			return nil
		case corev1.PodFailed:
			return fmt.Errorf("k8s node allocator: pod %s failed to start", podName)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// Lock is a no-op: a pod created for one request is not shared, so there is
// no separate reservation step.
func (a *K8SNodeAllocator) Lock(ctx context.Context, requestID string) error { return nil }

// Accept is a no-op: the pods Get creates belong to a single request, so
// there is nothing further to mark as in-use.
func (a *K8SNodeAllocator) Accept(ctx context.Context, requestID string) error { return nil }

// Release deletes every pod created for requestID.
func (a *K8SNodeAllocator) Release(ctx context.Context, requestID string) error {
	a.mu.Lock()
	ns, ok := a.pending[requestID]
	delete(a.pending, requestID)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return a.cleanup(ctx, ns)
}

// Hold leaves the pods running for inspection instead of deleting them;
// callers are responsible for eventual manual cleanup.
func (a *K8SNodeAllocator) Hold(ctx context.Context, requestID string) error {
	a.mu.Lock()
	delete(a.pending, requestID)
	a.mu.Unlock()
	return nil
}

func (a *K8SNodeAllocator) cleanup(ctx context.Context, ns model.NodeSet) error {
	var firstErr error
	for _, n := range ns.Nodes {
		if n.Kubernetes == nil {
			continue
		}
		err := a.Client.CoreV1().Pods(a.Namespace).Delete(ctx, n.Kubernetes.Pod, metav1.DeleteOptions{})
		if err != nil && !apierrors.IsNotFound(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
