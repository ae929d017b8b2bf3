// Package sandbox wraps the process package to run a playbook process
// under bwrap, truncating and classifying its output per the ansible-exit
// code heuristics used to interpret a run's outcome.
package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/buildkite/shellwords"

	"github.com/zuul-ci/zuul-core/logger"
	"github.com/zuul-ci/zuul-core/model"
	"github.com/zuul-ci/zuul-core/process"
)

const (
	lineLimit      = 1024
	fatalLineLimit = 8192
)

// Mounts describes the bind mounts bwrap exposes to the sandboxed process.
type Mounts struct {
	TrustedRO   []string
	TrustedRW   []string
	UntrustedRO []string
	UntrustedRW []string
}

// Config configures one sandboxed ansible-playbook invocation.
type Config struct {
	// SandboxCmd is the wrapper binary, "bwrap" by default; empty runs
	// ansible-playbook directly (used by tests and unsandboxed hosts).
	SandboxCmd string
	Playbook   string
	Inventory  string
	ExtraArgs  []string
	Env        []string
	Dir        string
	Mounts     Mounts
	Trusted    bool
	JobDir     string // root used to check for the nodes.unreachable marker file

	Output io.Writer // receives truncated, line-oriented job output
}

// Outcome classifies how a playbook run ended, per the executor exit-code
// heuristics.
type Outcome struct {
	ExitCode     int
	Result       model.Result
	BufferedTail string // populated for exit code 4 (parse/syntax error)
}

// Run executes the sandboxed playbook and blocks until it exits or ctx is
// canceled. A canceled context reports ExitCode -9 and Result ABORTED,
// matching the "aborted by us" row of the exit-code table.
func Run(ctx context.Context, log logger.Logger, cfg Config) (Outcome, error) {
	argv, err := buildArgv(cfg)
	if err != nil {
		return Outcome{}, err
	}

	tail := newTailBuffer(200)
	var sawUnreachableMarker bool
	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			tail.add(line)
			if line == "RESULT nodes.unreachable" {
				sawUnreachableMarker = true
			}
			writeTruncated(cfg.Output, line)
		}
	}()

	proc := process.New(log, process.Config{
		Path:              argv[0],
		Args:              argv[1:],
		Env:               cfg.Env,
		Dir:               cfg.Dir,
		Stdout:            pw,
		Stderr:            pw,
		SignalGracePeriod: 5 * time.Second,
	})

	runErr := proc.Run(ctx)
	pw.Close()
	<-done

	if runErr != nil {
		return Outcome{}, runErr
	}

	status := proc.WaitStatus()
	if status.Signaled() {
		return Outcome{ExitCode: -9, Result: model.ResultAborted}, nil
	}

	code := status.ExitStatus()
	out := Outcome{ExitCode: code}
	switch code {
	case 0:
		out.Result = model.ResultSuccess
	case 1:
		out.Result = model.ResultFailure
	case 2:
		joined := tail.join()
		switch {
		case bytes.Contains([]byte(joined), []byte("FATAL ERROR DURING FILE TRANSFER")):
			out.Result = model.ResultUnreachable
		default:
			out.Result = model.ResultFailure
		}
	case 3:
		out.Result = model.ResultUnreachable
	case 4:
		out.Result = model.ResultFailure
		out.BufferedTail = tail.join()
	case 250:
		out.Result = model.ResultAborted
	default:
		out.Result = model.ResultError
	}
	if sawUnreachableMarker || (cfg.JobDir != "" && markerFileExists(cfg.JobDir)) {
		out.Result = model.ResultUnreachable
	}
	return out, nil
}

func writeTruncated(w io.Writer, line string) {
	if w == nil {
		return
	}
	limit := lineLimit
	if len(line) >= 5 && line[:5] == "fatal" {
		limit = fatalLineLimit
	}
	if len(line) > limit {
		line = line[:limit] + "...[truncated]"
	}
	fmt.Fprintln(w, line)
}

func buildArgv(cfg Config) ([]string, error) {
	var argv []string
	if cfg.SandboxCmd != "" {
		wrapped, err := shellwords.Split(cfg.SandboxCmd)
		if err != nil {
			return nil, fmt.Errorf("sandbox: parsing sandbox command: %w", err)
		}
		argv = append(argv, wrapped...)
		argv = append(argv, bwrapMountArgs(cfg.Mounts, cfg.Trusted)...)
		argv = append(argv, "--")
	}
	argv = append(argv, "ansible-playbook", "-i", cfg.Inventory)
	argv = append(argv, cfg.ExtraArgs...)
	argv = append(argv, cfg.Playbook)
	return argv, nil
}

func bwrapMountArgs(m Mounts, trusted bool) []string {
	var args []string
	ro, rw := m.UntrustedRO, m.UntrustedRW
	if trusted {
		ro, rw = m.TrustedRO, m.TrustedRW
	}
	for _, p := range ro {
		args = append(args, "--ro-bind", p, p)
	}
	for _, p := range rw {
		args = append(args, "--bind", p, p)
	}
	return args
}

// tailBuffer keeps the last N lines seen, per the "inspect last 200 lines"
// exit-code-2 heuristic.
type tailBuffer struct {
	lines []string
	max   int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) add(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tailBuffer) join() string {
	var buf bytes.Buffer
	for _, l := range t.lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	return buf.String()
}

// markerFileExists checks for the nodes.unreachable marker file the ansible
// callback writes, the exit-code-3 companion signal referenced in the
// heuristics table.
func markerFileExists(jobDir string) bool {
	_, err := os.Stat(filepath.Join(jobDir, "work", "logs", "nodes.unreachable"))
	return err == nil
}
