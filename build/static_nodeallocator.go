package build

import (
	"context"

	"github.com/zuul-ci/zuul-core/model"
)

// StaticNodeAllocator is the default NodeAllocator: a deployment with no
// external node service (no Kubernetes, no Nodepool-style broker) still
// needs *a* node to run against, so this hands back a single node pointed
// at a fixed, already-dialable host rather than provisioning anything.
// Lock/Accept/Release/Hold are no-ops since there is nothing to reserve.
type StaticNodeAllocator struct {
	Host           string
	ConnectionPort int
	Username       string
}

func (a *StaticNodeAllocator) Get(ctx context.Context, requestID string) (model.NodeSet, error) {
	node := model.Node{
		Name:           "static",
		Label:          "static",
		Interface:      a.Host,
		ConnectionType: model.ConnectionSSH,
		ConnectionPort: a.ConnectionPort,
	}
	return model.NodeSet{RequestID: requestID, Nodes: []model.Node{node}}, nil
}

func (a *StaticNodeAllocator) Lock(ctx context.Context, requestID string) error    { return nil }
func (a *StaticNodeAllocator) Accept(ctx context.Context, requestID string) error  { return nil }
func (a *StaticNodeAllocator) Release(ctx context.Context, requestID string) error { return nil }
func (a *StaticNodeAllocator) Hold(ctx context.Context, requestID string) error    { return nil }
