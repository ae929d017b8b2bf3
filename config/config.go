// Package config loads the executor's ini-style configuration file over
// built-in defaults. No command-line flag overrides a value read from the
// file.
package config

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"
)

// Executor holds every tunable read from the executor.* config section;
// the fingergw.* section is held by FingerGW.
type Executor struct {
	Zone          string
	AllowUnzoned  bool
	FingerPort    int
	ListenAddress string

	LogConsolePort int

	MinAvailMem float64
	MinAvailHDD float64
	MaxLoadAvg  float64

	DiskLimitPerJob int64

	PausedOnStart       bool
	AnsibleSetupTimeout time.Duration
	DefaultUsername     string
	VariablesFile       string

	JobDir string

	TrustedROPaths   []string
	TrustedRWPaths   []string
	UntrustedROPaths []string
	UntrustedRWPaths []string

	CommandSocket string
	SandboxCmd    string

	// NodeAllocator selects the backend that resolves a build's
	// NodesetRequestID into real nodes: "static" (default, a single
	// locally-dialable node, for deployments with no external node
	// service) or "k8s" (one pod per node, via KubeConfigPath/
	// KubeNamespace/KubePodImage).
	NodeAllocator  string
	KubeConfigPath string
	KubeNamespace  string
	KubePodImage   string

	StatsPrefix string
	Datadog     bool
	DatadogHost string
}

// FingerGW holds the fingergw.* config section.
type FingerGW struct {
	ListenAddress string
	Port          int
	User          string
	Group         string
	Zone          string
}

// Config is the full parsed configuration file.
type Config struct {
	Executor Executor
	FingerGW FingerGW
}

// Default returns a Config populated with the same defaults the executor
// would use if a key is absent from the config file.
func Default() Config {
	return Config{
		Executor: Executor{
			FingerPort:          7900,
			ListenAddress:       "",
			LogConsolePort:      19885,
			MinAvailMem:         5.0,
			MinAvailHDD:         5.0,
			MaxLoadAvg:          0.0,
			DiskLimitPerJob:     250,
			AnsibleSetupTimeout: 60 * time.Second,
			DefaultUsername:     "zuul",
			JobDir:              "/var/lib/zuul/builds",
			CommandSocket:       "/var/lib/zuul/executor.socket",
			SandboxCmd:          "bwrap",
			NodeAllocator:       "static",
			KubeNamespace:       "zuul",
			StatsPrefix:         "zuul.executor",
		},
		FingerGW: FingerGW{
			Port: 79,
		},
	}
}

// Load reads an ini-style file at path and overlays it on top of Default().
// An empty path returns Default() unchanged; a path that cannot be read,
// including one that does not exist, is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true}, path)
	if err != nil {
		return cfg, fmt.Errorf("config: loading %s: %w", path, err)
	}

	ex := f.Section("executor")
	cfg.Executor.Zone = ex.Key("zone").MustString(cfg.Executor.Zone)
	cfg.Executor.AllowUnzoned = ex.Key("allow_unzoned").MustBool(cfg.Executor.AllowUnzoned)
	cfg.Executor.FingerPort = ex.Key("finger_port").MustInt(cfg.Executor.FingerPort)
	cfg.Executor.ListenAddress = ex.Key("listen_address").MustString(cfg.Executor.ListenAddress)
	cfg.Executor.LogConsolePort = ex.Key("log_console_port").MustInt(cfg.Executor.LogConsolePort)
	cfg.Executor.MinAvailMem = ex.Key("min_avail_mem").MustFloat64(cfg.Executor.MinAvailMem)
	cfg.Executor.MinAvailHDD = ex.Key("min_avail_hdd").MustFloat64(cfg.Executor.MinAvailHDD)
	cfg.Executor.MaxLoadAvg = ex.Key("max_load_avg").MustFloat64(cfg.Executor.MaxLoadAvg)
	cfg.Executor.DiskLimitPerJob = ex.Key("disk_limit_per_job").MustInt64(cfg.Executor.DiskLimitPerJob)
	cfg.Executor.PausedOnStart = ex.Key("paused_on_start").MustBool(cfg.Executor.PausedOnStart)
	cfg.Executor.AnsibleSetupTimeout = time.Duration(ex.Key("ansible_setup_timeout").MustInt(int(cfg.Executor.AnsibleSetupTimeout/time.Second))) * time.Second
	cfg.Executor.DefaultUsername = ex.Key("default_username").MustString(cfg.Executor.DefaultUsername)
	cfg.Executor.VariablesFile = ex.Key("variables").MustString(cfg.Executor.VariablesFile)
	cfg.Executor.JobDir = ex.Key("job_dir").MustString(cfg.Executor.JobDir)
	cfg.Executor.CommandSocket = ex.Key("command_socket").MustString(cfg.Executor.CommandSocket)
	cfg.Executor.SandboxCmd = ex.Key("sandbox_command").MustString(cfg.Executor.SandboxCmd)
	cfg.Executor.NodeAllocator = ex.Key("node_allocator").MustString(cfg.Executor.NodeAllocator)
	cfg.Executor.KubeConfigPath = ex.Key("kube_config_path").MustString(cfg.Executor.KubeConfigPath)
	cfg.Executor.KubeNamespace = ex.Key("kube_namespace").MustString(cfg.Executor.KubeNamespace)
	cfg.Executor.KubePodImage = ex.Key("kube_pod_image").MustString(cfg.Executor.KubePodImage)
	cfg.Executor.StatsPrefix = ex.Key("stats_prefix").MustString(cfg.Executor.StatsPrefix)
	cfg.Executor.Datadog = ex.Key("datadog").MustBool(cfg.Executor.Datadog)
	cfg.Executor.DatadogHost = ex.Key("datadog_host").MustString(cfg.Executor.DatadogHost)
	cfg.Executor.TrustedROPaths = ex.Key("trusted_ro_paths").Strings(":")
	cfg.Executor.TrustedRWPaths = ex.Key("trusted_rw_paths").Strings(":")
	cfg.Executor.UntrustedROPaths = ex.Key("untrusted_ro_paths").Strings(":")
	cfg.Executor.UntrustedRWPaths = ex.Key("untrusted_rw_paths").Strings(":")

	fg := f.Section("fingergw")
	cfg.FingerGW.ListenAddress = fg.Key("listen_address").MustString(cfg.FingerGW.ListenAddress)
	cfg.FingerGW.Port = fg.Key("port").MustInt(cfg.FingerGW.Port)
	cfg.FingerGW.User = fg.Key("user").MustString(cfg.FingerGW.User)
	cfg.FingerGW.Group = fg.Key("group").MustString(cfg.FingerGW.Group)
	cfg.FingerGW.Zone = fg.Key("zone").MustString(cfg.FingerGW.Zone)

	return cfg, nil
}
