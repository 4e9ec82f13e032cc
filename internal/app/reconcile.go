package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/store"
)

// SweepReport summarises one reconciliation pass.
type SweepReport struct {
	Selected     int `json:"selected"`
	Reset        int `json:"reset"`
	Sent         int `json:"sent"`
	StillPending int `json:"still_pending"`
	Failed       int `json:"failed"`
	Errors       int `json:"errors"`
}

func (r SweepReport) String() string {
	return fmt.Sprintf("selected=%d reset=%d sent=%d still_pending=%d failed=%d errors=%d",
		r.Selected, r.Reset, r.Sent, r.StillPending, r.Failed, r.Errors)
}

// ReconcilerSettings bounds the sweeps.
type ReconcilerSettings struct {
	PendingMinAge     time.Duration
	FailedCooldown    time.Duration
	BatchSize         int
	MaxFailedAttempts int
}

// Reconciler recovers notifications that neither the synchronous attempt nor the
// fallback channel delivered. Both sweeps are plain functions of the time passed in.
type Reconciler struct {
	repo     store.Repository
	outbox   *NotificationOutbox
	settings ReconcilerSettings
	logger   *slog.Logger
}

func NewReconciler(repo store.Repository, outbox *NotificationOutbox, settings ReconcilerSettings, logger *slog.Logger) *Reconciler {
	if settings.PendingMinAge <= 0 {
		settings.PendingMinAge = 5 * time.Minute
	}
	if settings.FailedCooldown <= 0 {
		settings.FailedCooldown = 30 * time.Minute
	}
	if settings.BatchSize <= 0 {
		settings.BatchSize = 100
	}
	if settings.MaxFailedAttempts <= 0 {
		settings.MaxFailedAttempts = 10
	}
	return &Reconciler{
		repo:     repo,
		outbox:   outbox,
		settings: settings,
		logger:   logger,
	}
}

// SweepPending retries PENDING records created before now - PendingMinAge.
func (r *Reconciler) SweepPending(ctx context.Context, now time.Time) (SweepReport, error) {
	var report SweepReport
	records, err := r.repo.FindPendingNotificationsCreatedBefore(ctx, now.Add(-r.settings.PendingMinAge), r.settings.BatchSize)
	if err != nil {
		return report, fmt.Errorf("select pending notifications: %w", err)
	}
	report.Selected = len(records)
	if len(records) == 0 {
		return report, nil
	}
	r.logger.Info("pending notification sweep started", "count", len(records))

	for i := range records {
		if ctx.Err() != nil {
			break
		}
		r.tally(&report, r.outbox.AttemptSend(ctx, &records[i], r.settings.MaxFailedAttempts))
	}

	r.logger.Info("pending notification sweep finished", "report", report.String())
	return report, nil
}

// SweepFailed resets FAILED records whose last attempt is older than now - FailedCooldown
// to PENDING with a zero retry count, then retries each.
func (r *Reconciler) SweepFailed(ctx context.Context, now time.Time) (SweepReport, error) {
	var report SweepReport
	records, err := r.repo.FindFailedNotificationsAttemptedBefore(ctx, now.Add(-r.settings.FailedCooldown), r.settings.BatchSize)
	if err != nil {
		return report, fmt.Errorf("select failed notifications: %w", err)
	}
	report.Selected = len(records)
	if len(records) == 0 {
		return report, nil
	}
	r.logger.Info("failed notification sweep started", "count", len(records))

	for i := range records {
		if ctx.Err() != nil {
			break
		}
		record := records[i]
		reset, err := r.repo.ResetFailedNotification(ctx, record.ID, now)
		if err != nil {
			r.logger.Error("failed to reset notification", "notification_id", record.ID, "error", err)
			report.Errors++
			continue
		}
		if !reset {
			// Someone else already moved it.
			continue
		}
		report.Reset++
		record.Status = domain.NotificationPending
		record.RetryCount = 0
		r.tally(&report, r.outbox.AttemptSend(ctx, &record, r.settings.MaxFailedAttempts))
	}

	r.logger.Info("failed notification sweep finished", "report", report.String())
	return report, nil
}

func (r *Reconciler) tally(report *SweepReport, result DeliveryResult) {
	switch result.Outcome {
	case DeliverySent:
		report.Sent++
	case DeliveryFailed:
		report.Failed++
	default:
		report.StillPending++
	}
}
