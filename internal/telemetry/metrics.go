package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/planboard"
)

// Metrics holds the OpenTelemetry instruments shared by the orchestrator, the identity sync
// and the notification senders. Construct one per process and pass it down.
type Metrics struct {
	// Orchestrator metrics
	JobsEnqueuedTotal  metric.Int64Counter
	JobsClaimedTotal   metric.Int64Counter
	JobsCompletedTotal metric.Int64Counter
	JobsSuspendedTotal metric.Int64Counter
	JobsRetriedTotal   metric.Int64Counter
	JobsFailedTotal    metric.Int64Counter
	LeasesLostTotal    metric.Int64Counter
	JobDuration        metric.Float64Histogram
	ActiveJobs         metric.Int64UpDownCounter

	// Step metrics
	StepsExecutedTotal metric.Int64Counter
	StepsReplayedTotal metric.Int64Counter
	StepErrorsTotal    metric.Int64Counter

	// Identity sync metrics
	IdentityEventsTotal   metric.Int64Counter
	WebhooksRejectedTotal metric.Int64Counter

	// Notification metrics
	NotificationsSentTotal  metric.Int64Counter
	NotificationErrorsTotal metric.Int64Counter
}

// NewMetrics creates the instruments on the given provider.
// A nil provider uses the global one, which is a no-op until InitTelemetry runs.
func NewMetrics(mp metric.MeterProvider) *Metrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	m := &Metrics{}

	m.JobsEnqueuedTotal, _ = meter.Int64Counter(
		"planboard.jobs.enqueued.total",
		metric.WithDescription("Total number of jobs enqueued"),
		metric.WithUnit("{job}"),
	)

	m.JobsClaimedTotal, _ = meter.Int64Counter(
		"planboard.jobs.claimed.total",
		metric.WithDescription("Total number of job runs claimed by workers"),
		metric.WithUnit("{job}"),
	)

	m.JobsCompletedTotal, _ = meter.Int64Counter(
		"planboard.jobs.completed.total",
		metric.WithDescription("Total number of jobs completed"),
		metric.WithUnit("{job}"),
	)

	m.JobsSuspendedTotal, _ = meter.Int64Counter(
		"planboard.jobs.suspended.total",
		metric.WithDescription("Total number of job runs suspended by a sleep step"),
		metric.WithUnit("{job}"),
	)

	m.JobsRetriedTotal, _ = meter.Int64Counter(
		"planboard.jobs.retried.total",
		metric.WithDescription("Total number of job runs rescheduled after an error"),
		metric.WithUnit("{job}"),
	)

	m.JobsFailedTotal, _ = meter.Int64Counter(
		"planboard.jobs.failed.total",
		metric.WithDescription("Total number of jobs moved to the failed state"),
		metric.WithUnit("{job}"),
	)

	m.LeasesLostTotal, _ = meter.Int64Counter(
		"planboard.jobs.leases_lost.total",
		metric.WithDescription("Total number of job runs that lost their lease"),
		metric.WithUnit("{job}"),
	)

	m.JobDuration, _ = meter.Float64Histogram(
		"planboard.jobs.run.duration",
		metric.WithDescription("Duration of a single job run"),
		metric.WithUnit("ms"),
	)

	m.ActiveJobs, _ = meter.Int64UpDownCounter(
		"planboard.jobs.active",
		metric.WithDescription("Number of job runs currently executing"),
		metric.WithUnit("{job}"),
	)

	m.StepsExecutedTotal, _ = meter.Int64Counter(
		"planboard.steps.executed.total",
		metric.WithDescription("Total number of steps executed and recorded"),
		metric.WithUnit("{step}"),
	)

	m.StepsReplayedTotal, _ = meter.Int64Counter(
		"planboard.steps.replayed.total",
		metric.WithDescription("Total number of steps answered from their recorded result"),
		metric.WithUnit("{step}"),
	)

	m.StepErrorsTotal, _ = meter.Int64Counter(
		"planboard.steps.errors.total",
		metric.WithDescription("Total number of step executions that returned an error"),
		metric.WithUnit("{error}"),
	)

	m.IdentityEventsTotal, _ = meter.Int64Counter(
		"planboard.identity.events.total",
		metric.WithDescription("Total number of identity events applied"),
		metric.WithUnit("{event}"),
	)

	m.WebhooksRejectedTotal, _ = meter.Int64Counter(
		"planboard.identity.webhooks.rejected.total",
		metric.WithDescription("Total number of identity webhooks rejected at ingress"),
		metric.WithUnit("{request}"),
	)

	m.NotificationsSentTotal, _ = meter.Int64Counter(
		"planboard.notifications.sent.total",
		metric.WithDescription("Total number of notifications handed to the sender"),
		metric.WithUnit("{message}"),
	)

	m.NotificationErrorsTotal, _ = meter.Int64Counter(
		"planboard.notifications.errors.total",
		metric.WithDescription("Total number of notification send errors"),
		metric.WithUnit("{error}"),
	)

	return m
}
