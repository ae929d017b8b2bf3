// Package queue defines the Shared Queue contract consumed by the Merger,
// Executor and Finger Gateway, and ships a reference implementation backed
// by an embedded bbolt store plus a Redis event substream.
package queue

import (
	"context"
	"errors"

	"github.com/zuul-ci/zuul-core/model"
)

// ErrNotFound is returned by Lock, Update and Unlock when the request has
// already been completed and removed from the queue.
var ErrNotFound = errors.New("queue: build request not found")

// ErrLockLost is returned when a caller attempts to mutate a request whose
// lock it no longer holds.
var ErrLockLost = errors.New("queue: lock lost")

// ErrLockHeld is returned by Lock when a non-blocking lock attempt loses the
// race to another owner.
var ErrLockHeld = errors.New("queue: lock held by another owner")

// Event is delivered to a Subscriber for new-request, cancel, resume and
// delete notifications.
type Event struct {
	Kind    EventKind
	BuildID string
	Zone    string
}

type EventKind string

const (
	EventNewRequest EventKind = "new_request"
	EventCancel     EventKind = "cancel"
	EventResume     EventKind = "resume"
	EventDelete     EventKind = "delete"
)

// Queue is the contract the Executor, Merger and Finger Gateway consume.
// Implementations must make Lock/Update/Unlock safe for concurrent callers
// across process boundaries.
type Queue interface {
	// Next yields build requests currently REQUESTED whose zone is in
	// zones (an empty zones slice means "unzoned only"). The result is a
	// best-effort, possibly-stale snapshot; callers must re-check state
	// after locking.
	Next(ctx context.Context, zones []string) ([]*model.BuildRequest, error)

	// Lock acquires an exclusive lease on req. If blocking is false and
	// the lease is already held, it returns ErrLockHeld immediately.
	Lock(ctx context.Context, req *model.BuildRequest, blocking bool) error
	Unlock(ctx context.Context, req *model.BuildRequest) error

	GetParams(ctx context.Context, req *model.BuildRequest) (model.Params, error)
	ClearParams(ctx context.Context, req *model.BuildRequest) error

	// Update persists req's mutable fields (state, worker_info, attempt).
	// The caller must hold the lock.
	Update(ctx context.Context, req *model.BuildRequest) error

	FulfillCancel(ctx context.Context, req *model.BuildRequest) error
	FulfillResume(ctx context.Context, req *model.BuildRequest) error

	// PublishCompletion emits a terminal completion event to the result
	// substream of (tenant, pipeline).
	PublishCompletion(ctx context.Context, event CompletionEvent) error

	// WorkerInfo resolves the worker_info recorded for a running build, for
	// the Finger Gateway's lookup.
	WorkerInfo(ctx context.Context, buildID string) (model.WorkerInfo, model.State, error)

	// RegisterZone announces that a Finger Gateway peer serves a zone.
	RegisterZone(ctx context.Context, zone string, gatewayAddr string) error
	// LookupZone finds the registered gateway address for a zone, if any.
	LookupZone(ctx context.Context, zone string) (string, bool, error)

	// Subscribe streams events for the given zones (empty = unzoned only)
	// until ctx is canceled.
	Subscribe(ctx context.Context, zones []string) (<-chan Event, error)

	Close() error
}

// CompletionEvent is published once per terminal build outcome.
type CompletionEvent struct {
	Tenant     string
	Pipeline   string
	BuildID    string
	Result     model.Result
	Data       map[string]any
	SecretData map[string]any
	Warnings   []string
	Held       bool
}
