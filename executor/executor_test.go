package executor

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zuul-ci/zuul-core/build"
	"github.com/zuul-ci/zuul-core/logger"
	"github.com/zuul-ci/zuul-core/model"
	"github.com/zuul-ci/zuul-core/queue"
)

type fakeQueue struct {
	events chan queue.Event
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{events: make(chan queue.Event, 8)}
}

func (f *fakeQueue) Next(ctx context.Context, zones []string) ([]*model.BuildRequest, error) {
	return nil, nil
}
func (f *fakeQueue) Lock(ctx context.Context, req *model.BuildRequest, blocking bool) error {
	return nil
}
func (f *fakeQueue) Unlock(ctx context.Context, req *model.BuildRequest) error { return nil }
func (f *fakeQueue) GetParams(ctx context.Context, req *model.BuildRequest) (model.Params, error) {
	return model.Params{}, nil
}
func (f *fakeQueue) ClearParams(ctx context.Context, req *model.BuildRequest) error { return nil }
func (f *fakeQueue) Update(ctx context.Context, req *model.BuildRequest) error      { return nil }
func (f *fakeQueue) FulfillCancel(ctx context.Context, req *model.BuildRequest) error {
	return nil
}
func (f *fakeQueue) FulfillResume(ctx context.Context, req *model.BuildRequest) error {
	return nil
}
func (f *fakeQueue) PublishCompletion(ctx context.Context, ev queue.CompletionEvent) error {
	return nil
}
func (f *fakeQueue) WorkerInfo(ctx context.Context, buildID string) (model.WorkerInfo, model.State, error) {
	return model.WorkerInfo{}, "", queue.ErrNotFound
}
func (f *fakeQueue) RegisterZone(ctx context.Context, zone, addr string) error { return nil }
func (f *fakeQueue) LookupZone(ctx context.Context, zone string) (string, bool, error) {
	return "", false, nil
}
func (f *fakeQueue) Subscribe(ctx context.Context, zones []string) (<-chan queue.Event, error) {
	return f.events, nil
}
func (f *fakeQueue) Close() error { return nil }

func newTestExecutor(t *testing.T) (*Executor, *fakeQueue) {
	t.Helper()
	q := newFakeQueue()
	log := logger.NewConsoleLogger(logger.NewTextPrinter(io.Discard), func(int) {})
	e := New("", true, "test-host", 7900, q, nil, func(req *model.BuildRequest) *build.Worker {
		return &build.Worker{}
	}, log)
	return e, q
}

func TestExecutorStartsRunning(t *testing.T) {
	e, _ := newTestExecutor(t)
	require.NoError(t, e.Start(context.Background(), false))
	assert.Eventually(t, func() bool { return e.State() == StateRunning }, time.Second, time.Millisecond)
}

func TestExecutorStartsPausedWhenRequested(t *testing.T) {
	e, _ := newTestExecutor(t)
	require.NoError(t, e.Start(context.Background(), true))
	assert.Equal(t, StatePaused, e.State())
}

func TestExecutorPauseUnpause(t *testing.T) {
	e, _ := newTestExecutor(t)
	require.NoError(t, e.Start(context.Background(), false))
	e.Pause()
	assert.Equal(t, StatePaused, e.State())
	e.Unpause()
	assert.Equal(t, StateRunning, e.State())
}

func TestExecutorGracefulStopsWithNoActiveBuilds(t *testing.T) {
	e, _ := newTestExecutor(t)
	require.NoError(t, e.Start(context.Background(), false))
	e.Graceful()
	assert.Eventually(t, func() bool { return e.State() == StateStopped }, time.Second, time.Millisecond)
}

func TestExecutorKeepAndVerboseToggle(t *testing.T) {
	e, _ := newTestExecutor(t)
	e.SetKeep(true)
	assert.True(t, e.keep)
	e.SetKeep(false)
	assert.False(t, e.keep)

	e.SetVerbose(true)
	assert.True(t, e.verbose)
	assert.Equal(t, logger.DEBUG, e.Log.Level())

	e.SetVerbose(false)
	assert.Equal(t, logger.INFO, e.Log.Level())
}

func TestExecutorCancelUnknownBuildIsNoop(t *testing.T) {
	e, _ := newTestExecutor(t)
	e.Cancel("does-not-exist")
	e.ResumeBuild("does-not-exist")
}

func TestExecutorStopWithTrackedWorkersEntersStopping(t *testing.T) {
	e, _ := newTestExecutor(t)
	w := &build.Worker{}
	e.trackWorker("b1", w)
	require.Equal(t, 1, e.activeWorkers())

	e.Stop()
	assert.Equal(t, StateStopping, e.State())
}
