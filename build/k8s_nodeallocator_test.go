package build

import (
	"context"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPodSpec(label string) corev1.PodSpec {
	return corev1.PodSpec{
		Containers: []corev1.Container{
			{Name: "job", Image: "zuul/" + label},
		},
	}
}

// runningPods makes the fake clientset report every pod it creates as
// already Running, since the real kubelet would otherwise need to schedule
// it before Get's poll loop could observe a phase transition.
func runningPods(client *fake.Clientset) {
	client.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		create := action.(k8stesting.CreateAction)
		pod := create.GetObject().(*corev1.Pod).DeepCopy()
		pod.Status.Phase = corev1.PodRunning
		if err := client.Tracker().Create(action.GetResource(), pod, action.GetNamespace()); err != nil {
			return true, nil, err
		}
		return true, pod, nil
	})
}

func TestK8SNodeAllocatorGetCreatesRunningPod(t *testing.T) {
	client := fake.NewSimpleClientset()
	runningPods(client)
	a := NewK8SNodeAllocator(client, "zuul", testPodSpec)

	ns, err := a.Get(context.Background(), "req-1")
	require.NoError(t, err)
	require.Len(t, ns.Nodes, 1)

	node := ns.Nodes[0]
	assert.NotNil(t, node.Kubernetes)
	assert.Equal(t, "zuul", node.Kubernetes.Namespace)
	assert.Equal(t, "job", node.Kubernetes.Container)

	err = a.Release(context.Background(), "req-1")
	assert.NoError(t, err)

	_, err = client.CoreV1().Pods("zuul").Get(context.Background(), node.Name, metav1.GetOptions{})
	assert.Error(t, err)
}

func TestK8SNodeAllocatorHoldLeavesPodRunning(t *testing.T) {
	client := fake.NewSimpleClientset()
	runningPods(client)
	a := NewK8SNodeAllocator(client, "zuul", testPodSpec)

	ns, err := a.Get(context.Background(), "req-2")
	require.NoError(t, err)

	require.NoError(t, a.Hold(context.Background(), "req-2"))

	_, err = client.CoreV1().Pods("zuul").Get(context.Background(), ns.Nodes[0].Name, metav1.GetOptions{})
	assert.NoError(t, err, "held pod should still exist")
}
