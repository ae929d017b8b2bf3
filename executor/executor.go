// Package executor implements the executor process lifecycle: the main
// build loop that leases requests from the shared queue and spawns build
// workers, the administrative command socket, and the INITIALIZING ->
// RUNNING <-> PAUSED -> STOPPING -> STOPPED state machine.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/zuul-ci/zuul-core/build"
	"github.com/zuul-ci/zuul-core/governor"
	"github.com/zuul-ci/zuul-core/logger"
	"github.com/zuul-ci/zuul-core/model"
	"github.com/zuul-ci/zuul-core/queue"
)

type State string

const (
	StateInitializing State = "INITIALIZING"
	StateRunning      State = "RUNNING"
	StatePaused       State = "PAUSED"
	StateStopping     State = "STOPPING"
	StateStopped      State = "STOPPED"
)

const pollInterval = 2 * time.Second

// WorkerFactory builds a fresh build.Worker for a leased request; the
// executor owns its lifetime (tracking, aborting, waiting for it to exit).
type WorkerFactory func(req *model.BuildRequest) *build.Worker

// Executor owns the main build loop, tracks in-flight workers by build id,
// and exposes the handful of operations the command socket calls into.
type Executor struct {
	Zone         string
	AllowUnzoned bool
	Hostname     string
	FingerPort   int
	Queue        queue.Queue
	Governor     *governor.Governor
	NewWorker    WorkerFactory
	Log          logger.Logger

	mu      sync.Mutex
	state   State
	workers map[string]*build.Worker
	keep    bool
	verbose bool

	wake chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

func New(zone string, allowUnzoned bool, hostname string, fingerPort int, q queue.Queue, gov *governor.Governor, newWorker WorkerFactory, log logger.Logger) *Executor {
	return &Executor{
		Zone:         zone,
		AllowUnzoned: allowUnzoned,
		Hostname:     hostname,
		FingerPort:   fingerPort,
		Queue:        q,
		Governor:     gov,
		NewWorker:    newWorker,
		Log:          log,
		state:        StateInitializing,
		workers:      map[string]*build.Worker{},
		wake:         make(chan struct{}, 1),
	}
}

// Start transitions to RUNNING (or PAUSED if pausedOnStart), begins
// consuming queue events to drive the wake channel, and runs the main
// build loop until Stop/Graceful is called.
func (e *Executor) Start(ctx context.Context, pausedOnStart bool) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	e.mu.Lock()
	if pausedOnStart {
		e.state = StatePaused
	} else {
		e.state = StateRunning
	}
	e.mu.Unlock()

	zones := e.zones()
	events, err := e.Queue.Subscribe(ctx, zones)
	if err != nil {
		cancel()
		return err
	}
	go e.consumeEvents(ctx, events)
	go e.mainLoop(ctx)
	return nil
}

func (e *Executor) zones() []string {
	if e.Zone == "" {
		return nil
	}
	return []string{e.Zone}
}

func (e *Executor) consumeEvents(ctx context.Context, events <-chan queue.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case queue.EventNewRequest:
				e.signalWake()
			case queue.EventCancel:
				e.Cancel(ev.BuildID)
			case queue.EventResume:
				e.ResumeBuild(ev.BuildID)
			}
		}
	}
}

func (e *Executor) signalWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// mainLoop implements spec §4.6: each iteration leases as much work as
// sensors and state allow, then waits for the next wake event or poll tick.
func (e *Executor) mainLoop(ctx context.Context) {
	defer close(e.done)
	t := time.NewTicker(pollInterval)
	defer t.Stop()

	for {
		if e.State() == StateRunning && e.acceptingWork() {
			e.leaseRound(ctx)
		}

		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-t.C:
		}

		if e.State() == StateStopping && e.activeWorkers() == 0 {
			e.setState(StateStopped)
			return
		}
	}
}

func (e *Executor) acceptingWork() bool {
	if e.Governor == nil {
		return true
	}
	return e.Governor.AcceptingWork()
}

func (e *Executor) leaseRound(ctx context.Context) {
	reqs, err := e.Queue.Next(ctx, e.zones())
	if err != nil {
		e.Log.Warn("executor: queue.Next: %s", err)
		return
	}

	for _, req := range reqs {
		if !e.acceptingWork() {
			return
		}
		if e.State() != StateRunning {
			return
		}

		if err := e.Queue.Lock(ctx, req, false); err != nil {
			continue // ErrLockHeld: another executor got it first
		}

		if req.State != model.StateRequested {
			e.Queue.Unlock(ctx, req)
			continue
		}

		req.State = model.StateRunning
		req.WorkerInfo = model.WorkerInfo{
			Hostname:   e.Hostname,
			FingerPort: e.FingerPort,
			Zone:       e.Zone,
		}
		if err := e.Queue.Update(ctx, req); err != nil {
			e.Queue.Unlock(ctx, req)
			e.Queue.PublishCompletion(ctx, queue.CompletionEvent{
				Tenant: req.Tenant, Pipeline: req.Pipeline, BuildID: req.ID,
				Result: model.ResultError, Warnings: []string{err.Error()},
			})
			continue
		}

		params, err := e.Queue.GetParams(ctx, req)
		if err != nil {
			e.Queue.Unlock(ctx, req)
			e.Queue.PublishCompletion(ctx, queue.CompletionEvent{
				Tenant: req.Tenant, Pipeline: req.Pipeline, BuildID: req.ID,
				Result: model.ResultError, Warnings: []string{err.Error()},
			})
			continue
		}
		e.Queue.ClearParams(ctx, req)

		w := e.NewWorker(req)
		e.trackWorker(req.ID, w)
		go func(req *model.BuildRequest, params model.Params, w *build.Worker) {
			defer e.untrackWorker(req.ID)
			w.Run(ctx, req, params)
		}(req, params, w)
	}
}

func (e *Executor) trackWorker(buildID string, w *build.Worker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workers[buildID] = w
	if e.Governor != nil {
		e.Governor.SetRunningBuilds(len(e.workers))
	}
}

func (e *Executor) untrackWorker(buildID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.workers, buildID)
	if e.Governor != nil {
		e.Governor.SetRunningBuilds(len(e.workers))
	}
}

func (e *Executor) activeWorkers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.workers)
}

// Cancel sets buildID's worker abort flag and wakes the worker if it is
// paused. The worker observes the flag at phase boundaries and between
// playbook runs; a playbook process that is already running is not killed.
func (e *Executor) Cancel(buildID string) {
	e.mu.Lock()
	w, ok := e.workers[buildID]
	e.mu.Unlock()
	if ok {
		w.Abort()
		w.Resume() // a pause-blocked worker must wake to observe the abort
	}
}

func (e *Executor) ResumeBuild(buildID string) {
	e.mu.Lock()
	w, ok := e.workers[buildID]
	e.mu.Unlock()
	if ok {
		w.Resume()
	}
}

func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Executor) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Pause stops leasing new work; in-flight builds continue.
func (e *Executor) Pause() {
	e.setState(StatePaused)
	if e.Governor != nil {
		e.Governor.Pause()
	}
}

func (e *Executor) Unpause() {
	e.setState(StateRunning)
	if e.Governor != nil {
		e.Governor.Unpause()
	}
}

// Graceful transitions to STOPPING: no new work is leased, and the process
// exits once every in-flight build completes.
func (e *Executor) Graceful() {
	e.setState(StateStopping)
	e.signalWake()
}

// Stop sets the abort flag of every in-flight build (see Cancel) and
// transitions to STOPPING; the main loop reports STOPPED once they all exit.
func (e *Executor) Stop() {
	e.mu.Lock()
	for _, w := range e.workers {
		w.Abort()
		w.Resume()
	}
	e.state = StateStopping
	e.mu.Unlock()
	e.signalWake()
}

func (e *Executor) SetKeep(v bool) {
	e.mu.Lock()
	e.keep = v
	e.mu.Unlock()
}

func (e *Executor) SetVerbose(v bool) {
	e.mu.Lock()
	e.verbose = v
	e.mu.Unlock()
	if e.Log != nil {
		if v {
			e.Log.SetLevel(logger.DEBUG)
		} else {
			e.Log.SetLevel(logger.INFO)
		}
	}
}

// Wait blocks until the main loop exits (after Stop/Graceful drains).
func (e *Executor) Wait() {
	if e.done != nil {
		<-e.done
	}
}
