// Package runner implements the Stage Runner: invoking a
// stage as an isolated OS subprocess, escalating from SIGTERM to SIGKILL on
// timeout or cancellation, classifying the outcome (success, tolerated
// crash, failure), and sampling the subprocess's resource usage while it runs.
package runner

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jmylchreest/mediapipe/internal/pipeline/core"
	"github.com/jmylchreest/mediapipe/internal/util"
	"github.com/shirou/gopsutil/v4/process"
)

// Invocation describes one subprocess execution request for a stage.
type Invocation struct {
	StageName       string
	Environment     string // logical label, resolved to a binary via PIPELINE_ENV_<LABEL>
	Args            []string
	WorkDir         string
	Timeout         time.Duration
	GracefulTimeout time.Duration
	LogPath         string
	// DeclaredOutputs are the absolute paths the stage is expected to have
	// written when it exits; used for the tolerated-crash classification.
	DeclaredOutputs []string
	// Isolate marks a stage whose post-output-write crash should be
	// tolerated as success rather than failure (registry.StageDescriptor.Isolate).
	Isolate bool
}

// ResourceSample is one point-in-time reading of the subprocess's resource
// usage, adapted from the process-table sampling approach used elsewhere in
// this codebase for monitoring long-running child processes, generalized
// from ffmpeg-specific signal-quality sampling to generic CPU/RSS sampling
// via gopsutil instead of hand-parsed /proc.
type ResourceSample struct {
	At         time.Time
	CPUPercent float64
	RSSBytes   uint64
}

// Outcome is the classified result of one stage invocation.
type Outcome struct {
	ExitCode       int
	Signal         string
	Duration       time.Duration
	ToleratedCrash bool
	Samples        []ResourceSample
	StderrTail     []string
}

// Classification names why an invocation is considered failed, for
// core.StageFailedError.Reason.
const (
	ReasonTimeout        = "timeout"
	ReasonCancelled      = "cancelled"
	ReasonOutputMissing  = "output_missing"
	ReasonNonZeroExit    = "nonzero_exit"
	ReasonBinaryNotFound = "binary_not_found"
)

// Run executes inv as a subprocess, waits for it (or the timeout, or ctx
// cancellation) to elapse, and classifies the result.
//
// Timeout handling escalates: on expiry the subprocess receives SIGTERM via
// cmd.Cancel; if it has not exited within GracefulTimeout (cmd.WaitDelay),
// the exec package escalates to SIGKILL on its behalf. The same escalation
// applies if ctx is canceled externally (job-level shutdown).
func Run(ctx context.Context, inv Invocation) (*Outcome, error) {
	binary, err := util.ResolveBinary(inv.Environment, envVarFor(inv.Environment))
	if err != nil {
		return nil, core.NewStageFailedError(inv.StageName, ReasonBinaryNotFound, err)
	}

	runCtx := ctx
	var cancelTimeout context.CancelFunc
	if inv.Timeout > 0 {
		runCtx, cancelTimeout = context.WithTimeout(ctx, inv.Timeout)
		defer cancelTimeout()
	}

	cmd := exec.CommandContext(runCtx, binary, inv.Args...)
	cmd.Dir = inv.WorkDir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	if inv.GracefulTimeout > 0 {
		cmd.WaitDelay = inv.GracefulTimeout
	}

	var logFile *os.File
	if inv.LogPath != "" {
		logFile, err = os.OpenFile(inv.LogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
		if err != nil {
			return nil, fmt.Errorf("opening stage log %s: %w", inv.LogPath, err)
		}
		defer logFile.Close()
		cmd.Stdout = logFile
	}

	stderrTail := newRingBuffer(100)
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stderr pipe: %w", err)
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, core.NewStageFailedError(inv.StageName, ReasonBinaryNotFound, err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderrPipe)
		for scanner.Scan() {
			stderrTail.add(scanner.Text())
			if logFile != nil {
				fmt.Fprintln(logFile, scanner.Text())
			}
		}
	}()

	sampler := startResourceSampler(cmd.Process.Pid)

	waitErr := cmd.Wait()
	wg.Wait()
	samples := sampler.stop()
	duration := time.Since(started)

	// ctx is checked before runCtx so a job-level shutdown that lands near a
	// stage's deadline is still recorded as cancelled, not as a timeout.
	if ctx.Err() == context.Canceled {
		return nil, core.NewStageFailedError(inv.StageName, ReasonCancelled, context.Canceled)
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, core.NewStageFailedError(inv.StageName, ReasonTimeout, fmt.Errorf("exceeded %s", inv.Timeout))
	}

	exitCode := 0
	sig := ""
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				sig = status.Signal().String()
			}
		} else {
			return nil, fmt.Errorf("running stage %s: %w", inv.StageName, waitErr)
		}
	}

	outcome := &Outcome{
		ExitCode:   exitCode,
		Signal:     sig,
		Duration:   duration,
		Samples:    samples,
		StderrTail: stderrTail.lines(),
	}

	if exitCode == 0 {
		if err := verifyOutputs(inv.DeclaredOutputs); err != nil {
			return outcome, core.NewStageFailedError(inv.StageName, ReasonOutputMissing, err)
		}
		return outcome, nil
	}

	// A non-zero exit from an isolated stage is tolerated as success if
	// every declared output was nonetheless written: the forced-alignment
	// model is known to crash on some hardware after it has already
	// flushed its result to disk.
	if inv.Isolate {
		if err := verifyOutputs(inv.DeclaredOutputs); err == nil {
			outcome.ToleratedCrash = true
			return outcome, nil
		}
	}

	return outcome, core.NewStageFailedError(inv.StageName, ReasonNonZeroExit,
		fmt.Errorf("exit code %d, signal %q", exitCode, sig))
}

func verifyOutputs(paths []string) error {
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("missing declared output %s: %w", p, err)
		}
		if info.Size() == 0 {
			return fmt.Errorf("declared output %s is empty", p)
		}
	}
	return nil
}

func envVarFor(environment string) string {
	return "PIPELINE_ENV_" + strings.ToUpper(environment)
}

// resourceSampler polls a subprocess's CPU and RSS usage at a fixed interval
// on a background goroutine, using gopsutil so sampling works the same way
// across platforms without hand-parsing /proc.
type resourceSampler struct {
	done    chan struct{}
	samples chan []ResourceSample
}

func startResourceSampler(pid int) *resourceSampler {
	s := &resourceSampler{
		done:    make(chan struct{}),
		samples: make(chan []ResourceSample, 1),
	}

	go func() {
		var collected []ResourceSample
		proc, err := process.NewProcess(int32(pid))
		if err != nil {
			s.samples <- collected
			return
		}
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				s.samples <- collected
				return
			case <-ticker.C:
				cpuPct, err := proc.CPUPercent()
				if err != nil {
					continue
				}
				memInfo, err := proc.MemoryInfo()
				if err != nil || memInfo == nil {
					continue
				}
				collected = append(collected, ResourceSample{
					At:         time.Now(),
					CPUPercent: cpuPct,
					RSSBytes:   memInfo.RSS,
				})
			}
		}
	}()

	return s
}

// stop signals the sampler to exit and returns whatever it collected.
func (s *resourceSampler) stop() []ResourceSample {
	close(s.done)
	return <-s.samples
}

type ringBuffer struct {
	mu  sync.Mutex
	buf []string
	cap int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{cap: capacity}
}

func (r *ringBuffer) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, line)
	if len(r.buf) > r.cap {
		r.buf = r.buf[len(r.buf)-r.cap:]
	}
}

func (r *ringBuffer) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.buf))
	copy(out, r.buf)
	return out
}
