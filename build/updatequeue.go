package build

import (
	"context"
	"sync"

	"github.com/zuul-ci/zuul-core/logger"
	"github.com/zuul-ci/zuul-core/merger"
	"github.com/zuul-ci/zuul-core/model"
)

// DedupingUpdateQueue deduplicates concurrent UpdateRepo calls for the same
// (connection, project) pair across builds running on one executor: a
// second build asking for a repo already being updated waits on the first
// build's in-flight task instead of issuing its own fetch.
type DedupingUpdateQueue struct {
	Merger *merger.Merger
	Log    logger.Logger

	mu      sync.Mutex
	inFlight map[string]*model.UpdateTask
}

func NewDedupingUpdateQueue(m *merger.Merger, log logger.Logger) *DedupingUpdateQueue {
	return &DedupingUpdateQueue{
		Merger:   m,
		Log:      log,
		inFlight: map[string]*model.UpdateTask{},
	}
}

func (q *DedupingUpdateQueue) Enqueue(ctx context.Context, connection, project string, repoState model.RepoState) *model.UpdateTask {
	key := connection + "/" + project

	q.mu.Lock()
	if t, ok := q.inFlight[key]; ok {
		q.mu.Unlock()
		return t
	}
	task := model.NewUpdateTask(connection, project, repoState)
	q.inFlight[key] = task
	q.mu.Unlock()

	go func() {
		_, err := q.Merger.UpdateRepo(ctx, connection, project, repoState)
		if err != nil && q.Log != nil {
			q.Log.Warn("update queue: %s/%s: %s", connection, project, err)
		}
		q.mu.Lock()
		delete(q.inFlight, key)
		q.mu.Unlock()
		task.Complete(err)
	}()

	return task
}
