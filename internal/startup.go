package internal

import (
	"context"
	"time"

	"github.com/iaze0088/IazeConnect-sub004/pkg/env"
	"github.com/iaze0088/IazeConnect-sub004/pkg/log"
)

// Startup resumes reconciliation for instances a previous process left
// waiting on a QR scan or a connection.
func Startup(a *App) {
	log.Print(nil).Info("Running Startup Tasks")

	timeout := env.GetEnvDurationOrDefault("STARTUP_RESUME_TIMEOUT", 2*time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resumed, err := a.Engine.Resume(ctx)
	if err != nil {
		log.Print(nil).WithError(err).Error("Startup resume pass failed")
	}

	rolled, err := a.Limiter.Rollover(ctx)
	if err != nil {
		log.Print(nil).WithError(err).Warn("Unable to roll over usage counters")
	}

	log.Print(nil).
		WithField("resumed", resumed).
		WithField("usage_rolled_over", rolled).
		WithField("concurrency", a.Config.Engine.ResumeConcurrency).
		Info("Startup resume pass complete")
}
