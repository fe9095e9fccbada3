package internal

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/iaze0088/IazeConnect-sub004/pkg/env"
	"github.com/iaze0088/IazeConnect-sub004/pkg/log"
	"github.com/iaze0088/IazeConnect-sub004/pkg/whatsapp"
)

// Routines registers the periodic reconciliation jobs. Specs use the seconds
// field (6 parts).
func Routines(c *cron.Cron, a *App) {
	log.Print(nil).Info("Running Routine Tasks")

	// Pollers stop at their deadline; this sweep restarts the ones for
	// instances still waiting on the user.
	addRoutine(c, "ROUTINES_RESUME_CRON_SPEC", "0 */5 * * * *", "resume sweep", func(ctx context.Context) {
		resumed, err := a.Engine.Resume(ctx)
		if err != nil {
			log.Print(nil).WithError(err).Warn("Resume sweep failed")
			return
		}
		if resumed > 0 {
			log.Print(nil).WithField("resumed", resumed).Info("Resume sweep restarted pollers")
		}
	})

	addRoutine(c, "ROUTINES_HEALTH_CHECK_CRON_SPEC", "30 */5 * * * *", "health check", func(ctx context.Context) {
		checked, err := a.Engine.RecheckConnected(ctx)
		if err != nil {
			log.Print(nil).WithError(err).Warn("Health check failed")
			return
		}
		log.Print(nil).WithField("checked", checked).Debug("Health check complete")
	})

	addRoutine(c, "ROUTINES_STALE_REPORT_CRON_SPEC", "0 */15 * * * *", "stale report", func(ctx context.Context) {
		stale, err := a.Engine.ListStale(ctx, a.Config.StaleAfter)
		if err != nil {
			log.Print(nil).WithError(err).Warn("Stale report failed")
			return
		}
		for _, view := range stale {
			entry := log.Instance(view.TenantID, view.InstanceName)
			if view.DisconnectedSince != nil {
				entry = entry.WithField("disconnected_since", view.DisconnectedSince.Format(time.RFC3339))
			}
			entry.Warn("Instance disconnected for longer than " + a.Config.StaleAfter.String())
		}
	})

	addRoutine(c, "ROUTINES_USAGE_ROLLOVER_CRON_SPEC", "5 0 0 * * *", "usage rollover", func(ctx context.Context) {
		rolled, err := a.Limiter.Rollover(ctx)
		if err != nil {
			log.Print(nil).WithError(err).Warn("Usage rollover failed")
			return
		}
		log.Print(nil).WithField("rolled_over", rolled).Info("Usage counters rolled over")
	})

	if wa, ok := a.Provider.(*whatsapp.Provider); ok && env.GetEnvBoolOrDefault("WHATSAPP_ENABLE_WAVERSION_REFRESH_CRON", true) {
		force := env.GetEnvBoolOrDefault("WHATSAPP_WAVERSION_REFRESH_CRON_FORCE", false)
		addRoutine(c, "WHATSAPP_WAVERSION_REFRESH_CRON_SPEC", "0 0 3 * * *", "WA Web version refresh", func(ctx context.Context) {
			wa.RefreshVersion(ctx, force)
		})
	}

	c.Start()
}

func addRoutine(c *cron.Cron, specEnv string, defaultSpec string, name string, job func(ctx context.Context)) {
	spec := env.GetEnvStringOrDefault(specEnv, defaultSpec)
	if spec == "-" {
		log.Print(nil).Info(name + " cron disabled")
		return
	}
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		job(ctx)
	})
	if err != nil {
		log.Print(nil).WithField("spec", spec).WithError(err).Error("Failed to add " + name + " cron job")
		return
	}
	log.Print(nil).WithField("spec", spec).Info(name + " cron enabled")
}
