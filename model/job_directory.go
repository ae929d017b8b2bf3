package model

import (
	"path/filepath"
	"strconv"
)

// JobDirectory is the per-build filesystem layout rooted at root/<build-id>.
// Paths are computed, never stored; callers ask for the path they need and
// the executor is responsible for creating the directories before use.
type JobDirectory struct {
	Root string
}

func NewJobDirectory(root, buildID string) JobDirectory {
	return JobDirectory{Root: filepath.Join(root, buildID)}
}

func (jd JobDirectory) Work() string           { return filepath.Join(jd.Root, "work") }
func (jd JobDirectory) Src() string             { return filepath.Join(jd.Work(), "src") }
func (jd JobDirectory) Logs() string            { return filepath.Join(jd.Work(), "logs") }
func (jd JobDirectory) JobOutput() string       { return filepath.Join(jd.Logs(), "job-output.txt") }
func (jd JobDirectory) Tmp() string              { return filepath.Join(jd.Work(), "tmp") }
func (jd JobDirectory) SSHDir() string          { return filepath.Join(jd.Work(), ".ssh") }
func (jd JobDirectory) KnownHosts() string      { return filepath.Join(jd.SSHDir(), "known_hosts") }
func (jd JobDirectory) KubeConfig() string      { return filepath.Join(jd.Work(), ".kube", "config") }
func (jd JobDirectory) Results() string         { return filepath.Join(jd.Work(), "results.json") }

func (jd JobDirectory) Ansible() string          { return filepath.Join(jd.Root, "ansible") }
func (jd JobDirectory) Inventory() string        { return filepath.Join(jd.Ansible(), "inventory.yaml") }
func (jd JobDirectory) AnsibleLogging() string   { return filepath.Join(jd.Ansible(), "logging.json") }
func (jd JobDirectory) VarsBlacklist() string    { return filepath.Join(jd.Ansible(), "vars_blacklist.yaml") }
func (jd JobDirectory) ZuulVars() string         { return filepath.Join(jd.Ansible(), "zuul_vars.yaml") }

// Playbook returns the per-playbook scratch directory, numbered by its
// position in the phase's playbook list.
func (jd JobDirectory) Playbook(index int) string {
	return filepath.Join(jd.Ansible(), playbookDirName(index))
}

func playbookDirName(index int) string {
	return "playbook_" + strconv.Itoa(index)
}

// Trusted returns the checkout root for a trusted project, numbered by its
// position in the required-projects list.
func (jd JobDirectory) Trusted(index int, hostname, project string) string {
	return filepath.Join(jd.Root, "trusted", "project_"+strconv.Itoa(index), hostname, project)
}

// Untrusted returns the checkout root for an untrusted project.
func (jd JobDirectory) Untrusted(index int, hostname, project string) string {
	return filepath.Join(jd.Root, "untrusted", "project_"+strconv.Itoa(index), hostname, project)
}

func (jd JobDirectory) DotAnsible() string { return filepath.Join(jd.Root, ".ansible") }

// AllDirs lists every directory that must exist before the build begins
// writing to the job root.
func (jd JobDirectory) AllDirs() []string {
	return []string{
		jd.Src(),
		jd.Logs(),
		jd.Tmp(),
		jd.SSHDir(),
		jd.Ansible(),
		jd.DotAnsible(),
	}
}
