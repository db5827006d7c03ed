package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fixedCounter int

func (f fixedCounter) Len() int { return int(f) }

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func TestEvaluateHealthy(t *testing.T) {
	e := NewEvaluator(EvaluatorConfig{MaxConnections: 100, MaxMemoryMB: 10000}, fixedCounter(5), fakePinger{})
	report := e.Evaluate(context.Background())

	assert.True(t, report.Healthy())
	assert.Equal(t, StatusPass, report.Checks["connections"].Status)
	assert.Equal(t, StatusPass, report.Checks["cluster_state"].Status)
}

func TestEvaluateConnectionThreshold(t *testing.T) {
	e := NewEvaluator(EvaluatorConfig{MaxConnections: 10}, fixedCounter(10), fakePinger{})
	report := e.Evaluate(context.Background())

	assert.False(t, report.Healthy())
	assert.Equal(t, StatusFail, report.Checks["connections"].Status)
}

func TestEvaluateClusterStateFailure(t *testing.T) {
	e := NewEvaluator(EvaluatorConfig{MaxConnections: 100}, fixedCounter(0), fakePinger{err: errors.New("connection refused")})
	report := e.Evaluate(context.Background())

	assert.False(t, report.Healthy())
	assert.Equal(t, StatusFail, report.Checks["cluster_state"].Status)
	assert.Contains(t, report.Checks["cluster_state"].Message, "unreachable")
}

func TestEvaluateSkipsUnconfiguredChecks(t *testing.T) {
	e := NewEvaluator(EvaluatorConfig{}, fixedCounter(0), nil)
	report := e.Evaluate(context.Background())

	// Skipped checks never make the node unhealthy.
	assert.True(t, report.Healthy())
	assert.Equal(t, StatusSkip, report.Checks["connections"].Status)
	assert.Equal(t, StatusSkip, report.Checks["memory"].Status)
	assert.Equal(t, StatusSkip, report.Checks["cluster_state"].Status)
}
