package metrics

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// CheckStatus is the outcome of a single health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "pass"
	StatusFail CheckStatus = "fail"
	StatusSkip CheckStatus = "skip"
)

// CheckResult is one named check in a health report.
type CheckResult struct {
	Status  CheckStatus `json:"status"`
	Message string      `json:"message,omitempty"`
}

// Report is the full health snapshot returned by Evaluate.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// Healthy reports whether no check failed. Skipped checks do not count
// against health.
func (r Report) Healthy() bool {
	return r.Status == "healthy"
}

// Pinger is the liveness slice of cluster state.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnectionCounter reports the node's attached connection count.
type ConnectionCounter interface {
	Len() int
}

// EvaluatorConfig sets the failure thresholds. A zero threshold skips the
// corresponding check.
type EvaluatorConfig struct {
	MaxConnections int
	MaxMemoryMB    int
}

// Evaluator runs the gateway's health checks: node connection load,
// process memory, and cluster state reachability.
type Evaluator struct {
	cfg     EvaluatorConfig
	conns   ConnectionCounter
	state   Pinger
	proc    *process.Process
	started time.Time
}

func NewEvaluator(cfg EvaluatorConfig, conns ConnectionCounter, state Pinger) *Evaluator {
	// Process lookup can fail in unusual environments; the memory check
	// degrades to skip in that case.
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Evaluator{
		cfg:     cfg,
		conns:   conns,
		state:   state,
		proc:    proc,
		started: time.Now(),
	}
}

// Evaluate runs all checks and aggregates them into a report. The report is
// unhealthy iff at least one check failed.
func (e *Evaluator) Evaluate(ctx context.Context) Report {
	report := Report{Checks: make(map[string]CheckResult, 3)}

	report.Checks["connections"] = e.checkConnections()
	report.Checks["memory"] = e.checkMemory()
	report.Checks["cluster_state"] = e.checkClusterState(ctx)

	report.Status = "healthy"
	for _, check := range report.Checks {
		if check.Status == StatusFail {
			report.Status = "unhealthy"
			break
		}
	}
	return report
}

// Uptime returns how long this evaluator's node has been running.
func (e *Evaluator) Uptime() time.Duration {
	return time.Since(e.started)
}

func (e *Evaluator) checkConnections() CheckResult {
	if e.cfg.MaxConnections <= 0 {
		return CheckResult{Status: StatusSkip, Message: "no connection threshold configured"}
	}
	count := e.conns.Len()
	if count >= e.cfg.MaxConnections {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%d connections at or above threshold %d", count, e.cfg.MaxConnections),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d of %d connections", count, e.cfg.MaxConnections),
	}
}

func (e *Evaluator) checkMemory() CheckResult {
	if e.cfg.MaxMemoryMB <= 0 {
		return CheckResult{Status: StatusSkip, Message: "no memory threshold configured"}
	}
	if e.proc == nil {
		return CheckResult{Status: StatusSkip, Message: "process inspection unavailable"}
	}
	memInfo, err := e.proc.MemoryInfo()
	if err != nil {
		return CheckResult{Status: StatusSkip, Message: "memory info unavailable: " + err.Error()}
	}
	usedMB := float64(memInfo.RSS) / 1024 / 1024
	if usedMB >= float64(e.cfg.MaxMemoryMB) {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%.1f MB resident at or above threshold %d MB", usedMB, e.cfg.MaxMemoryMB),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%.1f MB resident", usedMB),
	}
}

func (e *Evaluator) checkClusterState(ctx context.Context) CheckResult {
	if e.state == nil {
		return CheckResult{Status: StatusSkip, Message: "no cluster state configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := e.state.Ping(ctx); err != nil {
		return CheckResult{Status: StatusFail, Message: "cluster state unreachable: " + err.Error()}
	}
	return CheckResult{Status: StatusPass}
}
