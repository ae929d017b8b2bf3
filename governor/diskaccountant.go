package governor

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/zuul-ci/zuul-core/logger"
)

const diskAccountantInterval = 30 * time.Second

// KillFunc aborts the named build; the disk accountant calls it when a
// build's work directory exceeds its per-job limit.
type KillFunc func(buildID string)

// trackedBuild is one build the accountant watches.
type trackedBuild struct {
	path      string
	limitBytes uint64
}

// DiskAccountant periodically `du`s every tracked build's work directory
// (excluding the shared repo-mirror cache) and kills every one found over
// its limit.
type DiskAccountant struct {
	DiskUsage   DiskUsageFunc
	ExcludeDirs []string
	Kill        KillFunc
	Log         logger.Logger

	mu     sync.Mutex
	builds map[string]trackedBuild

	stop chan struct{}
	done chan struct{}
}

func NewDiskAccountant(kill KillFunc, excludeDirs []string, log logger.Logger) *DiskAccountant {
	return &DiskAccountant{
		DiskUsage:   duBytes,
		ExcludeDirs: excludeDirs,
		Kill:        kill,
		Log:         log,
		builds:      map[string]trackedBuild{},
	}
}

func (a *DiskAccountant) Track(buildID, path string, limitBytes uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.builds[buildID] = trackedBuild{path: path, limitBytes: limitBytes}
}

func (a *DiskAccountant) Untrack(buildID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.builds, buildID)
}

func (a *DiskAccountant) Start(ctx context.Context) {
	a.stop = make(chan struct{})
	a.done = make(chan struct{})
	go a.loop(ctx)
}

func (a *DiskAccountant) Stop() {
	if a.stop == nil {
		return
	}
	close(a.stop)
	<-a.done
}

func (a *DiskAccountant) loop(ctx context.Context) {
	defer close(a.done)
	t := time.NewTicker(diskAccountantInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case <-t.C:
			a.checkAll()
		}
	}
}

func (a *DiskAccountant) checkAll() {
	a.mu.Lock()
	snapshot := make(map[string]trackedBuild, len(a.builds))
	for k, v := range a.builds {
		snapshot[k] = v
	}
	a.mu.Unlock()

	for buildID, b := range snapshot {
		used, err := a.DiskUsage(b.path, a.ExcludeDirs)
		if err != nil {
			if a.Log != nil {
				a.Log.Warn("disk accountant: du %s: %s", b.path, err)
			}
			continue
		}
		if b.limitBytes > 0 && used > b.limitBytes {
			if a.Log != nil {
				a.Log.Warn("disk accountant: build %s over limit (%s > %s), killing",
					buildID, humanize.IBytes(used), humanize.IBytes(b.limitBytes))
			}
			a.Kill(buildID)
		}
	}
}
