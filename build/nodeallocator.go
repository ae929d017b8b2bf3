package build

import (
	"context"

	"github.com/zuul-ci/zuul-core/model"
)

// NodeAllocator is the external service that reserves and releases nodes.
// The executor never provisions nodes itself; it only locks an allocation
// record already created by the scheduler, uses it, and releases it.
type NodeAllocator interface {
	Get(ctx context.Context, requestID string) (model.NodeSet, error)
	Lock(ctx context.Context, requestID string) error
	Accept(ctx context.Context, requestID string) error
	Release(ctx context.Context, requestID string) error
	Hold(ctx context.Context, requestID string) error
}
