// Command zuul-core runs one of the three build-execution-core processes:
// the executor, the finger gateway, or the log streamer.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli"

	"github.com/zuul-ci/zuul-core/build"
	"github.com/zuul-ci/zuul-core/config"
	"github.com/zuul-ci/zuul-core/executor"
	"github.com/zuul-ci/zuul-core/fingergw"
	"github.com/zuul-ci/zuul-core/governor"
	"github.com/zuul-ci/zuul-core/logger"
	"github.com/zuul-ci/zuul-core/logstream"
	"github.com/zuul-ci/zuul-core/merger"
	"github.com/zuul-ci/zuul-core/metrics"
	"github.com/zuul-ci/zuul-core/model"
	"github.com/zuul-ci/zuul-core/queue"
	"github.com/zuul-ci/zuul-core/sandbox"
	"github.com/zuul-ci/zuul-core/secretstore"
	"github.com/zuul-ci/zuul-core/signalwatcher"
	"github.com/zuul-ci/zuul-core/system"
	"github.com/zuul-ci/zuul-core/version"
)

var configFlag = cli.StringFlag{
	Name:  "config",
	Usage: "path to the ini-style configuration file",
}

var connectionsFlag = cli.StringFlag{
	Name:  "connections",
	Usage: "path to a JSON file mapping \"connection/project\" to a fetchable git URL",
}

var redisFlag = cli.StringFlag{
	Name:  "redis-addr",
	Usage: "address of the Redis instance backing the shared queue's cross-process event bus",
}

func main() {
	app := cli.NewApp()
	app.Name = "zuul-core"
	app.Version = version.Version()
	app.ErrWriter = os.Stderr
	app.Commands = []cli.Command{
		executorCommand,
		fingerGatewayCommand,
		logStreamerCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() logger.Logger {
	return logger.NewConsoleLogger(logger.NewTextPrinter(os.Stdout), os.Exit)
}

func loadConnections(path string) (merger.StaticResolver, error) {
	r := merger.StaticResolver{}
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading connections file: %w", err)
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing connections file: %w", err)
	}
	return r, nil
}

func openQueue(cfg config.Config, redisAddr string, log logger.Logger) (*queue.BoltQueue, error) {
	path := filepath.Join(cfg.Executor.JobDir, "queue.db")
	if redisAddr == "" {
		return queue.Open(path, log, nil)
	}
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	events := queue.NewEventBus(client, log)
	return queue.Open(path, log, events)
}

// buildNodeAllocator wires the executor's NodesetRequestID resolver per
// cfg.Executor.NodeAllocator. "k8s" builds a real client-go clientset (from
// KubeConfigPath, or the in-cluster config when that's empty) backing
// build.K8SNodeAllocator; anything else falls back to a single static node,
// so an executor with no external node service configured still runs.
func buildNodeAllocator(cfg config.Config) (build.NodeAllocator, error) {
	switch cfg.Executor.NodeAllocator {
	case "k8s":
		var restCfg *rest.Config
		var err error
		if cfg.Executor.KubeConfigPath != "" {
			restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.Executor.KubeConfigPath)
		} else {
			restCfg, err = rest.InClusterConfig()
		}
		if err != nil {
			return nil, fmt.Errorf("node allocator: building kube config: %w", err)
		}
		clientset, err := kubernetes.NewForConfig(restCfg)
		if err != nil {
			return nil, fmt.Errorf("node allocator: building kube client: %w", err)
		}
		image := cfg.Executor.KubePodImage
		if image == "" {
			image = "quay.io/zuul-ci/zuul-executor-node:latest"
		}
		podSpec := func(label string) corev1.PodSpec {
			return corev1.PodSpec{
				RestartPolicy: corev1.RestartPolicyNever,
				Containers: []corev1.Container{
					{
						Name:    "node",
						Image:   image,
						Command: []string{"sleep", "infinity"},
					},
				},
			}
		}
		return build.NewK8SNodeAllocator(clientset, cfg.Executor.KubeNamespace, podSpec), nil
	default:
		return &build.StaticNodeAllocator{
			Host:           "127.0.0.1",
			ConnectionPort: 22,
			Username:       cfg.Executor.DefaultUsername,
		}, nil
	}
}

var executorCommand = cli.Command{
	Name:  "executor",
	Usage: "run the executor process: leases builds from the shared queue and runs them",
	Flags: []cli.Flag{configFlag, connectionsFlag, redisFlag},
	Action: func(c *cli.Context) error {
		log := newLogger()

		if id, err := system.MachineID(); err == nil {
			log.Debug("executor: machine id %s", id)
		} else {
			log.Debug("executor: machine id unavailable: %s", err)
		}

		cfg := config.Default()
		if path := c.String("config"); path != "" {
			loaded, err := config.Load(path)
			if err != nil {
				return err
			}
			cfg = loaded
		}

		resolver, err := loadConnections(c.String("connections"))
		if err != nil {
			return err
		}

		q, err := openQueue(cfg, c.String("redis-addr"), log)
		if err != nil {
			return err
		}
		defer q.Close()

		metricsCollector := metrics.NewCollector(log, prometheus.DefaultRegisterer, metrics.CollectorConfig{
			Datadog:     cfg.Executor.Datadog,
			DatadogHost: cfg.Executor.DatadogHost,
		})
		if err := metricsCollector.Start(); err != nil {
			return err
		}
		defer metricsCollector.Stop()

		gov := governor.New(governor.Thresholds{
			MinAvailMemPct: cfg.Executor.MinAvailMem,
			MinAvailHDDPct: cfg.Executor.MinAvailHDD,
			MaxLoadAvg:     cfg.Executor.MaxLoadAvg,
		}, cfg.Executor.JobDir, metricsCollector, log)
		gov.Start(context.Background())
		defer gov.Stop()

		m := merger.New(filepath.Join(cfg.Executor.JobDir, "mirror"), resolver, log, 4)
		secrets := secretstore.New()
		updates := build.NewDedupingUpdateQueue(m, log)

		nodes, err := buildNodeAllocator(cfg)
		if err != nil {
			return err
		}

		autoholds := build.NewAutoholdStore(nil)

		accountant := governor.NewDiskAccountant(func(buildID string) {
			log.Warn("executor: build %s exceeded its disk limit, aborting", buildID)
		}, nil, log)
		accountant.Start(context.Background())
		defer accountant.Stop()

		workerConfig := build.Config{
			JobDirRoot:      cfg.Executor.JobDir,
			SSHDirRoot:      filepath.Join(cfg.Executor.JobDir, "ssh"),
			SandboxCmd:      cfg.Executor.SandboxCmd,
			DefaultUsername: cfg.Executor.DefaultUsername,
			Mounts: sandbox.Mounts{
				TrustedRO:   cfg.Executor.TrustedROPaths,
				TrustedRW:   cfg.Executor.TrustedRWPaths,
				UntrustedRO: cfg.Executor.UntrustedROPaths,
				UntrustedRW: cfg.Executor.UntrustedRWPaths,
			},
			DiskLimitBytes: uint64(cfg.Executor.DiskLimitPerJob) * 1024 * 1024,
			SiteVarsFile:   cfg.Executor.VariablesFile,
		}

		newWorker := func(req *model.BuildRequest) *build.Worker {
			return &build.Worker{
				Config:    workerConfig,
				Queue:     q,
				Merger:    m,
				Updates:   updates,
				Nodes:     nodes,
				Autoholds: autoholds,
				Secrets:   secrets,
				Metrics:   metricsCollector,
				Log:       log,
				OnDiskTrack: func(buildID, path string, limitBytes uint64) {
					accountant.Track(buildID, path, limitBytes)
				},
				OnDiskUntrack: accountant.Untrack,
			}
		}

		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolving hostname: %w", err)
		}
		exec := executor.New(cfg.Executor.Zone, cfg.Executor.AllowUnzoned, hostname, cfg.Executor.FingerPort, q, gov, newWorker, log)
		if err := exec.Start(context.Background(), cfg.Executor.PausedOnStart); err != nil {
			return err
		}

		cmdSrv, err := executor.NewCommandServer(cfg.Executor.CommandSocket, exec, log)
		if err != nil {
			return err
		}
		if err := cmdSrv.Start(); err != nil {
			return err
		}

		watchSignals(exec, log)
		exec.Wait()
		return nil
	},
}

var fingerGatewayCommand = cli.Command{
	Name:  "fingergw",
	Usage: "run the finger gateway: proxies finger-protocol log requests to the owning executor",
	Flags: []cli.Flag{configFlag, redisFlag},
	Action: func(c *cli.Context) error {
		log := newLogger()

		cfg := config.Default()
		if path := c.String("config"); path != "" {
			loaded, err := config.Load(path)
			if err != nil {
				return err
			}
			cfg = loaded
		}

		q, err := openQueue(cfg, c.String("redis-addr"), log)
		if err != nil {
			return err
		}
		defer q.Close()

		addr := fmt.Sprintf("%s:%d", cfg.FingerGW.ListenAddress, cfg.FingerGW.Port)
		if err := q.RegisterZone(context.Background(), cfg.FingerGW.Zone, addr); err != nil {
			log.Warn("fingergw: registering zone: %s", err)
		}

		gw := &fingergw.Gateway{
			Zone:  cfg.FingerGW.Zone,
			Queue: q,
			Log:   log,
		}
		return gw.ListenAndServe(context.Background(), addr)
	},
}

var logStreamerCommand = cli.Command{
	Name:  "log-streamer",
	Usage: "run the log streamer: serves a build's live job output over the finger protocol",
	Flags: []cli.Flag{configFlag},
	Action: func(c *cli.Context) error {
		log := newLogger()

		cfg := config.Default()
		if path := c.String("config"); path != "" {
			loaded, err := config.Load(path)
			if err != nil {
				return err
			}
			cfg = loaded
		}

		srv := &logstream.Server{
			JobDirRoot: cfg.Executor.JobDir,
			Log:        log,
		}
		addr := fmt.Sprintf(":%d", cfg.Executor.LogConsolePort)
		return srv.ListenAndServe(addr)
	},
}

func watchSignals(exec *executor.Executor, log logger.Logger) {
	signalwatcher.Watch(func(sig signalwatcher.Signal) {
		switch sig {
		case signalwatcher.TERM, signalwatcher.INT:
			log.Info("received %s, stopping all builds", sig)
			exec.Stop()
		case signalwatcher.QUIT:
			log.Info("received QUIT, stopping gracefully")
			exec.Graceful()
		case signalwatcher.HUP:
			log.Info("received HUP (config reload is not yet supported)")
		}
	})
}
