package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// ChainEdge links a job to the job fired after its successful completion,
// with optional time gating.
type ChainEdge struct {
	Next        string
	WeekdayOnly bool
	BeforeHour  int // 0 disables the check; otherwise next fires only while hour < BeforeHour
}

// ChainManager holds the static job-to-job pipeline edges. After a job
// completes, TriggerNext evaluates the edge's gate and runs the downstream
// job synchronously.
type ChainManager struct {
	edges  map[string]ChainEdge
	runner *Runner
	log    zerolog.Logger
	now    func() time.Time
}

// NewChainManager creates a chain manager over a static edge map.
func NewChainManager(edges map[string]ChainEdge, runner *Runner, log zerolog.Logger) *ChainManager {
	return &ChainManager{
		edges:  edges,
		runner: runner,
		log:    log.With().Str("component", "chain_manager").Logger(),
		now:    time.Now,
	}
}

// TriggerNext cascades into the pipeline after jobName succeeded. A missing
// edge ends the chain; a failed gate logs and stops. Downstream failures are
// logged but never propagated to the caller.
func (m *ChainManager) TriggerNext(ctx context.Context, jobName string) {
	edge, ok := m.edges[jobName]
	if !ok || edge.Next == "" {
		return
	}

	now := m.now()
	if edge.WeekdayOnly && isWeekend(now) {
		m.log.Info().Str("job", jobName).Str("next", edge.Next).
			Msg("Chain gate closed (weekend), stopping pipeline")
		return
	}
	if edge.BeforeHour > 0 && now.Hour() >= edge.BeforeHour {
		m.log.Info().Str("job", jobName).Str("next", edge.Next).
			Int("before_hour", edge.BeforeHour).Msg("Chain gate closed (too late), stopping pipeline")
		return
	}

	m.log.Info().Str("job", jobName).Str("next", edge.Next).Msg("Chain triggering next job")
	if err := m.runner.RunJob(ctx, edge.Next, RunOptions{}); err != nil {
		m.log.Error().Err(err).Str("job", edge.Next).Msg("Chained job failed (isolated from parent)")
	}
}

// Edges returns the configured edge map. Used by the control surface.
func (m *ChainManager) Edges() map[string]ChainEdge {
	out := make(map[string]ChainEdge, len(m.edges))
	for k, v := range m.edges {
		out[k] = v
	}
	return out
}

func isWeekend(t time.Time) bool {
	return t.Weekday() == time.Saturday || t.Weekday() == time.Sunday
}
