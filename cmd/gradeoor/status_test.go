package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ethpandaops/gradeoor/pkg/config"
	"github.com/ethpandaops/gradeoor/pkg/store"
)

func TestCountSilent(t *testing.T) {
	cfg := config.OrchestratorConfig{
		HeartbeatInterval: time.Minute,
		MaxMissedBeats:    5,
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	runners := []store.Runner{
		{ID: "fresh", LastHeartbeat: now.Add(-30 * time.Second)},
		{ID: "at-limit", LastHeartbeat: now.Add(-5 * time.Minute)},
		{ID: "silent", LastHeartbeat: now.Add(-6 * time.Minute)},
	}

	assert.Equal(t, 1, countSilent(now, runners, cfg.MaxHeartbeatAge()))
	assert.Zero(t, countSilent(now, nil, cfg.MaxHeartbeatAge()))
}

func TestFormatDeadline(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-2 * time.Hour)
	future := now.Add(3 * time.Hour)

	assert.Equal(t, "-", formatDeadline(now, nil))
	assert.Equal(t, "2 hours ago", formatDeadline(now, &past))
	assert.Equal(t, "in 3 hours", formatDeadline(now, &future))
}
