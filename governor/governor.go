// Package governor runs the executor's ~10s resource-check loop: a fixed
// set of sensors (CPU, RAM, disk, starting-build concurrency, and an
// administrative pause flag) that together gate whether the executor is
// accepting new work, plus a disk accountant that kills a build whose
// on-disk footprint runs over its per-job limit.
package governor

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/zuul-ci/zuul-core/logger"
	"github.com/zuul-ci/zuul-core/metrics"
)

const checkInterval = 10 * time.Second

// Thresholds mirrors the executor.min_avail_mem/min_avail_hdd/max_load_avg
// config keys (§6).
type Thresholds struct {
	MinAvailMemPct float64
	MinAvailHDDPct float64
	MaxLoadAvg     float64

	CgroupMemLimitBytes uint64 // 0 disables the cgroup sensor
}

// DiskUsageFunc reports bytes used under root, excluding any shared cache
// directory; overridable in tests.
type DiskUsageFunc func(root string, excludeDirs []string) (uint64, error)

// Governor polls sensors on a fixed interval and exposes a single
// AcceptingWork() bool the executor's main loop consults before leasing new
// requests.
type Governor struct {
	Thresholds Thresholds
	JobDirRoot string
	Metrics    *metrics.Collector
	Log        logger.Logger

	DiskUsage DiskUsageFunc

	startingBuilds int32
	runningBuilds  int32
	pausedBuilds   int32
	adminPause     int32

	mu       sync.RWMutex
	accept   bool
	sensorOK map[string]bool

	stop chan struct{}
	done chan struct{}
}

func New(thresholds Thresholds, jobDirRoot string, m *metrics.Collector, log logger.Logger) *Governor {
	return &Governor{
		Thresholds: thresholds,
		JobDirRoot: jobDirRoot,
		Metrics:    m,
		Log:        log,
		DiskUsage:  duBytes,
		accept:     true,
		sensorOK:   map[string]bool{},
	}
}

// Start runs the governor loop in a goroutine until Stop is called.
func (g *Governor) Start(ctx context.Context) {
	g.stop = make(chan struct{})
	g.done = make(chan struct{})
	go g.loop(ctx)
}

func (g *Governor) Stop() {
	if g.stop == nil {
		return
	}
	close(g.stop)
	<-g.done
}

func (g *Governor) loop(ctx context.Context) {
	defer close(g.done)
	t := time.NewTicker(checkInterval)
	defer t.Stop()

	g.check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stop:
			return
		case <-t.C:
			g.check()
		}
	}
}

// AcceptingWork reports whether every sensor is currently ok.
func (g *Governor) AcceptingWork() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.accept
}

// Pause/Unpause implement the command socket's administrative Pause
// sensor, independent of resource pressure.
func (g *Governor) Pause()   { atomic.StoreInt32(&g.adminPause, 1); g.check() }
func (g *Governor) Unpause() { atomic.StoreInt32(&g.adminPause, 0); g.check() }

func (g *Governor) SetStartingBuilds(n int) { atomic.StoreInt32(&g.startingBuilds, int32(n)) }
func (g *Governor) SetRunningBuilds(n int)  { atomic.StoreInt32(&g.runningBuilds, int32(n)) }
func (g *Governor) SetPausedBuilds(n int)   { atomic.StoreInt32(&g.pausedBuilds, int32(n)) }

// maxStartingBuilds caps parallel in-startup builds to
// max(cpu_count/2, 2*max_load), and never below 2.
func (g *Governor) maxStartingBuilds() int {
	n := runtime.NumCPU() / 2
	if alt := int(2 * g.Thresholds.MaxLoadAvg); alt > n {
		n = alt
	}
	if n < 2 {
		n = 2
	}
	return n
}

func (g *Governor) check() {
	ok := map[string]bool{}

	loadOK, loadAvg := g.checkCPU()
	ok["cpu"] = loadOK

	ramOK, pctRAM, pctCgroup := g.checkRAM()
	ok["ram"] = ramOK

	hddOK, pctHDD := g.checkDisk()
	ok["disk"] = hddOK

	startingOK := int(atomic.LoadInt32(&g.startingBuilds)) < g.maxStartingBuilds()
	ok["starting_builds"] = startingOK

	pauseOK := atomic.LoadInt32(&g.adminPause) == 0
	ok["pause"] = pauseOK

	accept := loadOK && ramOK && hddOK && startingOK && pauseOK

	g.mu.Lock()
	wasAccepting := g.accept
	g.accept = accept
	g.sensorOK = ok
	g.mu.Unlock()

	if g.Log != nil && wasAccepting != accept {
		if accept {
			g.Log.Info("governor: resuming acceptance of new work")
		} else {
			g.Log.Warn("governor: pausing acceptance of new work: %+v", ok)
		}
	}

	if g.Metrics != nil {
		g.Metrics.SetLoadAverage(loadAvg)
		g.Metrics.SetPctUsedRAM(pctRAM)
		g.Metrics.SetPctUsedCgroup(pctCgroup)
		g.Metrics.SetPctUsedHDD(pctHDD)
		g.Metrics.SetStartingBuilds(float64(atomic.LoadInt32(&g.startingBuilds)))
		g.Metrics.SetRunningBuilds(float64(atomic.LoadInt32(&g.runningBuilds)))
		g.Metrics.SetPausedBuilds(float64(atomic.LoadInt32(&g.pausedBuilds)))
	}
}

func (g *Governor) checkCPU() (ok bool, loadAvg float64) {
	avg, err := load.Avg()
	if err != nil {
		if g.Log != nil {
			g.Log.Warn("governor: reading load average: %s", err)
		}
		// gopsutil can fail to read /proc/loadavg in some sandboxes; fall
		// back to cpu.Percent so the sensor still reports something.
		pct, perr := cpu.Percent(0, false)
		if perr != nil || len(pct) == 0 {
			return true, 0
		}
		loadAvg = pct[0] / 100 * float64(runtime.NumCPU())
	} else {
		loadAvg = avg.Load1
	}
	if g.Thresholds.MaxLoadAvg <= 0 {
		return true, loadAvg
	}
	return loadAvg <= g.Thresholds.MaxLoadAvg, loadAvg
}

func (g *Governor) checkRAM() (ok bool, pctUsed, pctUsedCgroup float64) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		if g.Log != nil {
			g.Log.Warn("governor: reading memory stats: %s", err)
		}
		return true, 0, 0
	}
	pctUsed = vm.UsedPercent
	pctAvail := 100 - pctUsed
	ok = pctAvail >= g.Thresholds.MinAvailMemPct

	if g.Thresholds.CgroupMemLimitBytes > 0 && g.Thresholds.CgroupMemLimitBytes < vm.Total {
		pctUsedCgroup = float64(vm.Used) / float64(g.Thresholds.CgroupMemLimitBytes) * 100
		if pctUsedCgroup > 100 {
			pctUsedCgroup = 100
		}
		if (100 - pctUsedCgroup) < g.Thresholds.MinAvailMemPct {
			ok = false
		}
	}
	return ok, pctUsed, pctUsedCgroup
}

func (g *Governor) checkDisk() (ok bool, pctUsed float64) {
	if g.JobDirRoot == "" {
		return true, 0
	}
	used, total, err := dfPercent(g.JobDirRoot)
	if err != nil {
		if g.Log != nil {
			g.Log.Warn("governor: reading disk stats for %s: %s", g.JobDirRoot, err)
		}
		return true, 0
	}
	if total == 0 {
		return true, 0
	}
	pctUsed = float64(used) / float64(total) * 100
	pctAvail := 100 - pctUsed
	return pctAvail >= g.Thresholds.MinAvailHDDPct, pctUsed
}

// dfPercent shells out to `df` rather than taking a syscall.Statfs
// dependency, matching the disk accountant's own use of `du` below.
func dfPercent(path string) (usedBytes, totalBytes uint64, err error) {
	out, err := exec.Command("df", "-k", "--output=used,size", path).Output()
	if err != nil {
		return 0, 0, fmt.Errorf("df: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) < 2 {
		return 0, 0, fmt.Errorf("df: unexpected output %q", out)
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("df: unexpected fields %q", lines[len(lines)-1])
	}
	used, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	total, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return used * 1024, total * 1024, nil
}

func duBytes(root string, excludeDirs []string) (uint64, error) {
	args := []string{"-sk"}
	for _, d := range excludeDirs {
		args = append(args, "--exclude="+d)
	}
	args = append(args, root)
	out, err := exec.Command("du", args...).Output()
	if err != nil {
		return 0, fmt.Errorf("du: %w", err)
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return 0, fmt.Errorf("du: unexpected output %q", out)
	}
	kb, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, err
	}
	return kb * 1024, nil
}
