// Package build implements the executor's per-build worker: the Phase 0-10
// pipeline that takes a leased BuildRequest from Setup through Node lock,
// repo preparation, speculative merge, checkout, playbook preparation,
// variable freeze, sandboxed ansible-playbook runs, pause, post/cleanup and
// completion reporting.
package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zuul-ci/zuul-core/internal/osutil"
	"github.com/zuul-ci/zuul-core/logger"
	"github.com/zuul-ci/zuul-core/merger"
	"github.com/zuul-ci/zuul-core/metrics"
	"github.com/zuul-ci/zuul-core/model"
	"github.com/zuul-ci/zuul-core/queue"
	"github.com/zuul-ci/zuul-core/sandbox"
	"github.com/zuul-ci/zuul-core/secretstore"
)

// UpdateQueue deduplicates concurrent per-(connection,project) fetches
// across builds running on the same executor (Phase 2).
type UpdateQueue interface {
	Enqueue(ctx context.Context, connection, project string, repoState model.RepoState) *model.UpdateTask
}

// Config is the executor-wide configuration a Worker needs, independent of
// any one build.
type Config struct {
	JobDirRoot      string
	SSHDirRoot      string
	SandboxCmd      string
	DefaultUsername string
	Mounts          sandbox.Mounts
	DiskLimitBytes  uint64

	// SiteVarsFile is an optional YAML file of executor-wide variables,
	// merged into every build's extra vars below whatever the build itself
	// supplies. Absent by default; a missing path is not an error.
	SiteVarsFile string
}

// Worker runs a single build request from lease to completion. A new
// Worker is created per build by the executor's main loop.
type Worker struct {
	Config Config

	Queue    queue.Queue
	Merger   *merger.Merger
	Updates  UpdateQueue
	Nodes    NodeAllocator
	Secrets  *secretstore.Store
	Metrics  *metrics.Collector
	Log      logger.Logger

	Autoholds *AutoholdStore

	// OnDiskTrack/OnDiskUntrack let the worker register its job directory
	// with the executor's disk accountant (governor.DiskAccountant).
	OnDiskTrack   func(buildID, path string, limitBytes uint64)
	OnDiskUntrack func(buildID string)

	aborted  int32
	paused   int32
	resumeCh chan struct{}
}

// result accumulates the Phase 10 completion payload across phases.
type result struct {
	result     model.Result
	data       map[string]any
	secretData map[string]any
	warnings   []string
	held       bool
}

// Abort marks the build for cancellation; observed at phase boundaries and
// between playbook invocations.
func (w *Worker) Abort() { atomic.StoreInt32(&w.aborted, 1) }

func (w *Worker) isAborted() bool { return atomic.LoadInt32(&w.aborted) == 1 }

// Resume wakes a paused worker.
func (w *Worker) Resume() {
	w.mustResumeCh()
	select {
	case w.resumeCh <- struct{}{}:
	default:
	}
}

func (w *Worker) mustResumeCh() {
	if w.resumeCh == nil {
		w.resumeCh = make(chan struct{}, 1)
	}
}

// Run executes the full phase pipeline for req, with params already loaded
// by the caller (the main loop reads and clears params before spawning the
// worker). Whatever the outcome, it marks the request COMPLETED; if that
// update succeeds it releases the lock and emits a completion event, and if
// it fails (the lock was lost) nothing is published.
func (w *Worker) Run(ctx context.Context, req *model.BuildRequest, params model.Params) {
	w.mustResumeCh()
	res := &result{data: map[string]any{}, secretData: map[string]any{}}

	jobDir := model.NewJobDirectory(w.Config.JobDirRoot, req.ID)
	for _, d := range jobDir.AllDirs() {
		if err := os.MkdirAll(d, 0o750); err != nil {
			w.finish(ctx, req, &result{result: model.ResultError, warnings: []string{err.Error()}})
			return
		}
	}
	if w.OnDiskTrack != nil {
		w.OnDiskTrack(req.ID, jobDir.Work(), w.Config.DiskLimitBytes)
		defer func() {
			if w.OnDiskUntrack != nil {
				w.OnDiskUntrack(req.ID)
			}
		}()
	}
	keep := false
	defer func() {
		if !keep {
			os.RemoveAll(jobDir.Root)
		}
	}()

	// Phase 0 - Setup
	agent, err := NewSSHAgent(jobDir.SSHDir(), w.Log)
	if err != nil {
		w.finish(ctx, req, &result{result: model.ResultError, warnings: []string{err.Error()}})
		return
	}
	defer agent.Close()

	// Phase 1 - Node lock
	nodeset, err := w.lockNodes(ctx, params.NodesetRequestID)
	if err != nil {
		w.Log.Warn("build %s: node lock failed: %s", req.ID, err)
		w.finish(ctx, req, &result{result: model.ResultNodeFailure})
		return
	}
	releaseNodes := true
	defer func() {
		if releaseNodes {
			w.Nodes.Release(ctx, params.NodesetRequestID)
		}
	}()

	if w.isAborted() {
		w.finish(ctx, req, &result{result: model.ResultAborted})
		return
	}

	// Phase 2 - Repo preparation
	if err := w.repoPreparation(ctx, params); err != nil {
		if errors.Is(err, merger.ErrPoolBroken) {
			w.Log.Warn("build %s: process pool broken during repo prep, resetting", req.ID)
			w.finish(ctx, req, &result{}) // no result: scheduler retries
			return
		}
		w.finish(ctx, req, &result{result: model.ResultError, warnings: []string{err.Error()}})
		return
	}

	if w.isAborted() {
		w.finish(ctx, req, &result{result: model.ResultAborted})
		return
	}

	// Phase 3 - Merge speculative changes
	repoState := params.RepoState
	origCommit := ""
	if len(params.MergeItems) > 0 {
		mr, err := w.Merger.MergeChanges(ctx, params.MergeItems, params.RepoState)
		if err != nil {
			w.finish(ctx, req, &result{result: model.ResultAborted})
			return
		}
		if mr == nil {
			w.finish(ctx, req, &result{result: model.ResultMergerFailure})
			return
		}
		repoState = mr.NewRepoState
		origCommit = mr.OrigCommit
	}
	res.data["orig_commit"] = origCommit

	// Phase 4 - Checkout and inventory
	checkouts, err := w.checkoutAndInventory(ctx, params, repoState, jobDir)
	if err != nil {
		w.finish(ctx, req, &result{result: model.ResultError, warnings: []string{err.Error()}})
		return
	}

	if w.isAborted() {
		w.finish(ctx, req, &result{result: model.ResultAborted})
		return
	}

	// Phase 5 - Playbook preparation
	if err := w.playbookPreparation(params, jobDir); err != nil {
		w.finish(ctx, req, &result{result: model.ResultError, warnings: []string{err.Error()}})
		return
	}

	// Phase 6 - Variable freeze
	if err := w.variableFreeze(ctx, params, jobDir, checkouts, nodeset, agent); err != nil {
		w.finish(ctx, req, &result{result: model.ResultUnreachable})
		return
	}

	// Phase 7 - Run, Phase 8 - Pause, Phase 9 - Post & cleanup
	runRes := w.runPhases(ctx, params, jobDir, checkouts, agent)
	res.result = runRes.result
	res.warnings = append(res.warnings, runRes.warnings...)

	// Phase 10 - Completion: autohold
	if isHoldable(res.result) {
		change, _ := res.data["change"].(string)
		if ah, ok := w.Autoholds.Select(req.Tenant, firstProject(params), req.Job, req.Ref, change); ok {
			res.held = true
			w.Autoholds.Increment(ah.ID)
			releaseNodes = false
			w.Nodes.Hold(ctx, params.NodesetRequestID)
		}
	}
	if res.held {
		keep = true
	}

	w.finish(ctx, req, res)
}

func isHoldable(r model.Result) bool {
	switch r {
	case model.ResultFailure, model.ResultRetryLimit, model.ResultPostFailure, model.ResultTimedOut:
		return true
	default:
		return false
	}
}

func firstProject(p model.Params) string {
	if len(p.Projects) == 0 {
		return ""
	}
	return p.Projects[0].Project
}

// finish verifies the lock is still held, publishes the completion event if
// so, and always marks state COMPLETED and unlocks when possible.
func (w *Worker) finish(ctx context.Context, req *model.BuildRequest, res *result) {
	if w.Metrics != nil {
		w.Metrics.IncBuilds()
		w.Metrics.IncPhaseResult("completion", string(res.result))
	}

	req.State = model.StateCompleted
	if err := w.Queue.Update(ctx, req); err != nil {
		w.Log.Warn("build %s: lock lost before completion, not publishing: %s", req.ID, err)
		return
	}

	if err := w.Queue.Unlock(ctx, req); err != nil {
		w.Log.Warn("build %s: unlock failed: %s", req.ID, err)
	}

	ev := queue.CompletionEvent{
		Tenant:     req.Tenant,
		Pipeline:   req.Pipeline,
		BuildID:    req.ID,
		Result:     res.result,
		Data:       res.data,
		SecretData: res.secretData,
		Warnings:   res.warnings,
		Held:       res.held,
	}
	if err := w.Queue.PublishCompletion(ctx, ev); err != nil {
		w.Log.Error("build %s: publishing completion (result=%s) failed, scheduler's dead-lease sweep will recover: %s", req.ID, res.result, err)
	}
}

func (w *Worker) lockNodes(ctx context.Context, requestID string) (model.NodeSet, error) {
	if err := w.Nodes.Lock(ctx, requestID); err != nil {
		return model.NodeSet{}, err
	}
	if err := w.Nodes.Accept(ctx, requestID); err != nil {
		return model.NodeSet{}, err
	}
	return w.Nodes.Get(ctx, requestID)
}

func (w *Worker) repoPreparation(ctx context.Context, params model.Params) error {
	projects := map[string]model.ProjectRef{}
	for _, p := range params.Projects {
		projects[p.Connection+"/"+p.Project] = p
	}
	for _, pb := range params.Playbooks {
		key := pb.Connection + "/" + pb.Project
		if _, ok := projects[key]; !ok {
			projects[key] = model.ProjectRef{Connection: pb.Connection, Project: pb.Project}
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(projects))
	for _, p := range projects {
		task := w.Updates.Enqueue(ctx, p.Connection, p.Project, params.RepoState)
		wg.Add(1)
		go func(t *model.UpdateTask) {
			defer wg.Done()
			if err := t.Wait(); err != nil {
				errs <- err
			}
		}(task)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// checkoutAndInventory resolves, per project, which ref to check out by the
// Phase 4 precedence chain and clones a working tree for it, rewriting
// origin so the sandbox can never reach the real remote.
func (w *Worker) checkoutAndInventory(ctx context.Context, params model.Params, repoState model.RepoState, jobDir model.JobDirectory) (map[string]string, error) {
	checkouts := map[string]string{}
	for _, p := range params.Projects {
		branch, err := resolveCheckoutRef(p, params)
		if err != nil {
			return nil, err
		}
		dest := filepath.Join(jobDir.Src(), p.Connection, p.Project)
		if err := w.Merger.CheckoutBranch(ctx, p.Connection, p.Project, branch, repoState, dest); err != nil {
			return nil, fmt.Errorf("checkout %s/%s@%s: %w", p.Connection, p.Project, branch, err)
		}
		checkouts[p.Connection+"/"+p.Project] = dest
	}
	return checkouts, nil
}

// resolveCheckoutRef implements the Phase 4 precedence chain, most specific
// first: project override checkout, project override branch, job override
// checkout, job override branch, zuul branch, project default branch. The
// request's own ref is not part of the chain.
func resolveCheckoutRef(p model.ProjectRef, params model.Params) (string, error) {
	key := p.Connection + "/" + p.Project
	if ref, ok := params.ProjectOverrideCheckout[key]; ok && ref != "" {
		return ref, nil
	}
	if ref, ok := params.ProjectOverrideBranch[key]; ok && ref != "" {
		return ref, nil
	}
	if params.JobOverrideCheckout != "" {
		return params.JobOverrideCheckout, nil
	}
	if params.JobOverrideBranch != "" {
		return params.JobOverrideBranch, nil
	}
	if params.ZuulBranch != "" {
		return params.ZuulBranch, nil
	}
	if p.DefaultBranch != "" {
		return p.DefaultBranch, nil
	}
	return "", fmt.Errorf("no checkout ref resolvable for %s", key)
}

// pluginDirSuffix marks the sandbox-escape vector the spec requires playbook
// preparation to refuse: any untrusted playbook root containing a
// "*_plugins" directory.
const pluginDirSuffix = "_plugins"

func (w *Worker) playbookPreparation(params model.Params, jobDir model.JobDirectory) error {
	for _, pb := range params.Playbooks {
		if !pb.Trusted {
			if err := filepath.WalkDir(filepath.Dir(pb.Path), func(path string, d os.DirEntry, err error) error {
				if err != nil || !d.IsDir() {
					return nil
				}
				if len(d.Name()) > len(pluginDirSuffix) && d.Name()[len(d.Name())-len(pluginDirSuffix):] == pluginDirSuffix {
					return fmt.Errorf("untrusted playbook root contains plugin dir %s: sandbox escape risk", path)
				}
				return nil
			}); err != nil {
				return err
			}
		}
	}
	return writeAnsibleCfg(jobDir)
}

func writeAnsibleCfg(jobDir model.JobDirectory) error {
	cfg := fmt.Sprintf(`[defaults]
callback_plugins = %s
stdout_callback = zuul_stream
library =
lookup_plugins =
filter_plugins =
retry_files_enabled = False
log_path = %s
`, filepath.Join(jobDir.Ansible(), "callback"), jobDir.JobOutput())
	return os.WriteFile(filepath.Join(jobDir.Ansible(), "ansible.cfg"), []byte(cfg), 0o640)
}

// variableFreeze merges the site vars into params and writes the build's
// inventory. It runs no setup playbook and writes no per-host fact cache, so
// the hostvars later playbooks see are not frozen.
func (w *Worker) variableFreeze(ctx context.Context, params model.Params, jobDir model.JobDirectory, checkouts map[string]string, nodeset model.NodeSet, agent *SSHAgent) error {
	if err := w.mergeSiteVars(&params); err != nil {
		return err
	}
	if err := writeInventory(jobDir, params, nodeset); err != nil {
		return err
	}
	return nil
}

// mergeSiteVars layers Config.SiteVarsFile's contents under params'
// ExtraVars, so executor-wide defaults (e.g. a mirror URL override) apply
// unless a build's own vars already set the same key. A missing file is not
// an error: most executors run without one.
func (w *Worker) mergeSiteVars(params *model.Params) error {
	if w.Config.SiteVarsFile == "" || !osutil.FileExists(w.Config.SiteVarsFile) {
		return nil
	}
	data, err := os.ReadFile(w.Config.SiteVarsFile)
	if err != nil {
		return fmt.Errorf("build: reading site vars file %s: %w", w.Config.SiteVarsFile, err)
	}
	var site map[string]any
	if err := yaml.Unmarshal(data, &site); err != nil {
		return fmt.Errorf("build: parsing site vars file %s: %w", w.Config.SiteVarsFile, err)
	}
	if len(site) == 0 {
		return nil
	}
	merged := make(map[string]any, len(site)+len(params.ExtraVars))
	for k, v := range site {
		merged[k] = v
	}
	for k, v := range params.ExtraVars {
		merged[k] = v
	}
	params.ExtraVars = merged
	return nil
}

// inventoryHost is one "all.hosts.<name>" entry in the Ansible YAML
// inventory: connection details plus whatever host/group vars the
// scheduler attached.
type inventoryHost map[string]any

// writeInventory renders the build's NodeSet, host vars and group vars into
// the YAML-format Ansible inventory ansible-playbook is pointed at in
// Phase 7, following the same "all.hosts"/"all.children" shape Ansible's
// own YAML inventory plugin expects.
func writeInventory(jobDir model.JobDirectory, params model.Params, nodeset model.NodeSet) error {
	hosts := map[string]inventoryHost{}
	for _, n := range nodeset.Nodes {
		h := inventoryHost{
			"ansible_connection": connectionPlugin(n.ConnectionType),
		}
		if n.Interface != "" {
			h["ansible_host"] = n.Interface
		}
		if n.ConnectionPort != 0 {
			h["ansible_port"] = n.ConnectionPort
		}
		if n.Kubernetes != nil {
			h["ansible_kubectl_namespace"] = n.Kubernetes.Namespace
			h["ansible_kubectl_pod"] = n.Kubernetes.Pod
			if n.Kubernetes.Container != "" {
				h["ansible_kubectl_container"] = n.Kubernetes.Container
			}
		}
		for k, v := range params.HostVars {
			h[k] = v
		}
		hosts[n.Name] = h
	}

	children := map[string]any{}
	for _, g := range nodeset.Groups {
		members := map[string]any{}
		for _, name := range g.Nodes {
			members[name] = nil
		}
		groupVars := map[string]any{}
		for k, v := range params.GroupVars {
			groupVars[k] = v
		}
		entry := map[string]any{"hosts": members}
		if len(groupVars) > 0 {
			entry["vars"] = groupVars
		}
		children[g.Name] = entry
	}

	all := map[string]any{"hosts": hosts}
	if len(children) > 0 {
		all["children"] = children
	}
	if len(params.ExtraVars) > 0 {
		all["vars"] = params.ExtraVars
	}

	data, err := yaml.Marshal(map[string]any{"all": all})
	if err != nil {
		return fmt.Errorf("build: marshaling inventory: %w", err)
	}
	return os.WriteFile(jobDir.Inventory(), data, 0o640)
}

func connectionPlugin(t model.ConnectionType) string {
	switch t {
	case model.ConnectionKubernetes:
		return "kubectl"
	case model.ConnectionWinRM:
		return "winrm"
	default:
		return "ssh"
	}
}

type runOutcome struct {
	result   model.Result
	warnings []string
}

// runPhases executes Phase 7 (run), Phase 8 (pause) and Phase 9
// (post/cleanup) and folds their outcome into a single runOutcome.
func (w *Worker) runPhases(ctx context.Context, params model.Params, jobDir model.JobDirectory, checkouts map[string]string, agent *SSHAgent) runOutcome {
	f, err := os.OpenFile(jobDir.JobOutput(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return runOutcome{result: model.ResultError, warnings: []string{err.Error()}}
	}
	defer f.Close()

	start := time.Now()
	var jobTimeout time.Duration = params.JobTimeout
	var preFailed bool
	var runSucceeded bool
	var pauseRequested bool

	// preRunOutcome holds the pre/run phases' terminal result, if any.
	// Post and cleanup playbooks must run regardless of how this phase
	// ends (success, failure, timeout, or abort), so this loop breaks out
	// to them instead of returning directly.
	var preRunOutcome *runOutcome

preRunLoop:
	for i, pb := range params.Playbooks {
		if pb.Phase != "pre" && pb.Phase != "run" {
			continue
		}
		if w.isAborted() {
			preRunOutcome = &runOutcome{result: model.ResultAborted}
			break preRunLoop
		}
		remaining := jobTimeout - time.Since(start)
		if jobTimeout > 0 && remaining <= 0 {
			preRunOutcome = &runOutcome{result: model.ResultTimedOut}
			break preRunLoop
		}
		runCtx := ctx
		var cancel context.CancelFunc
		if jobTimeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, remaining)
		}
		outcome, err := sandbox.Run(runCtx, w.Log, sandbox.Config{
			SandboxCmd: w.Config.SandboxCmd,
			Playbook:   jobDir.Playbook(i),
			Inventory:  jobDir.Inventory(),
			Env:        agent.Env(),
			Dir:        jobDir.Work(),
			Mounts:     w.Config.Mounts,
			Trusted:    pb.Trusted,
			JobDir:     jobDir.Root,
			Output:     f,
		})
		if cancel != nil {
			cancel()
		}
		if err != nil {
			preRunOutcome = &runOutcome{result: model.ResultError, warnings: []string{err.Error()}}
			break preRunLoop
		}
		if outcome.Result != model.ResultSuccess {
			if pb.Phase == "pre" {
				preFailed = true
			}
			if runCtx.Err() == context.DeadlineExceeded {
				preRunOutcome = &runOutcome{result: model.ResultTimedOut}
			} else {
				preRunOutcome = &runOutcome{result: outcome.Result}
			}
			break preRunLoop
		}
		if pb.Phase == "run" {
			runSucceeded = true
		}
	}
	_ = preFailed

	if preRunOutcome == nil && runSucceeded && pauseRequested {
		if w.paused == 0 {
			atomic.StoreInt32(&w.paused, 1)
			select {
			case <-w.resumeCh:
			case <-ctx.Done():
				preRunOutcome = &runOutcome{result: model.ResultAborted}
			}
			if preRunOutcome == nil {
				atomic.StoreInt32(&w.paused, 0)
				if w.isAborted() {
					preRunOutcome = &runOutcome{result: model.ResultAborted}
				}
			}
		}
	}

	// Post playbooks run even on failure, timeout or abort (spec's Phase 9
	// and cancellation handling both require it), so nothing above returns
	// early anymore.
	postFailed := false
	for i, pb := range params.Playbooks {
		if pb.Phase != "post" {
			continue
		}
		postCtx, cancel := context.WithTimeout(ctx, params.PostTimeout)
		outcome, err := sandbox.Run(postCtx, w.Log, sandbox.Config{
			SandboxCmd: w.Config.SandboxCmd,
			Playbook:   jobDir.Playbook(i),
			Inventory:  jobDir.Inventory(),
			Env:        agent.Env(),
			Dir:        jobDir.Work(),
			Mounts:     w.Config.Mounts,
			Trusted:    pb.Trusted,
			JobDir:     jobDir.Root,
			Output:     f,
		})
		cancel()
		if err != nil || outcome.Result != model.ResultSuccess {
			postFailed = true
		}
	}

	const cleanupTimeout = 5 * time.Minute
	for i, pb := range params.Playbooks {
		if pb.Phase != "cleanup" {
			continue
		}
		cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		sandbox.Run(cleanupCtx, w.Log, sandbox.Config{
			SandboxCmd: w.Config.SandboxCmd,
			Playbook:   jobDir.Playbook(i),
			Inventory:  jobDir.Inventory(),
			Env:        agent.Env(),
			Dir:        jobDir.Work(),
			Mounts:     w.Config.Mounts,
			Trusted:    pb.Trusted,
			JobDir:     jobDir.Root,
			Output:     f,
		})
		cancel()
	}

	if preRunOutcome != nil {
		return *preRunOutcome
	}
	if postFailed {
		return runOutcome{result: model.ResultPostFailure}
	}
	return runOutcome{result: model.ResultSuccess}
}
