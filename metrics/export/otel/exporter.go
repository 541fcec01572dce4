package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	"github.com/stellwolf/acctguard"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

type counterDef struct {
	id   acctguard.MetricID
	name string
	help string
}

var counterDefs = []counterDef{
	{acctguard.MetricRegisterSuccess, "acctguard_register_success_total", "Successful registrations."},
	{acctguard.MetricRegisterRejected, "acctguard_register_rejected_total", "Registrations rejected by validation."},
	{acctguard.MetricRegisterVerified, "acctguard_register_verified_total", "Completed registration verifications."},
	{acctguard.MetricLoginSuccess, "acctguard_login_success_total", "Successful login attempts."},
	{acctguard.MetricLoginFailure, "acctguard_login_failure_total", "Failed login attempts."},
	{acctguard.MetricLoginBlocked, "acctguard_login_blocked_total", "Logins refused on a blocked account."},
	{acctguard.MetricLockoutTriggered, "acctguard_lockout_triggered_total", "Failure-threshold lockouts."},
	{acctguard.MetricLogout, "acctguard_logout_total", "Logout operations."},
	{acctguard.MetricRefreshSuccess, "acctguard_refresh_success_total", "Successful session refreshes."},
	{acctguard.MetricRefreshFailure, "acctguard_refresh_failure_total", "Failed session refreshes."},
	{acctguard.MetricChangeRequested, "acctguard_change_requested_total", "Opened pending change requests."},
	{acctguard.MetricChangeConflict, "acctguard_change_conflict_total", "Change requests rejected for identifier conflict."},
	{acctguard.MetricChangeVerified, "acctguard_change_verified_total", "Redeemed pending change requests."},
	{acctguard.MetricChangeRejected, "acctguard_change_rejected_total", "Rejected change requests and redeems."},
	{acctguard.MetricResetRequested, "acctguard_reset_requested_total", "Password reset requests."},
	{acctguard.MetricResetRedeemed, "acctguard_reset_redeemed_total", "Redeemed password resets."},
	{acctguard.MetricResetRejected, "acctguard_reset_rejected_total", "Rejected password reset requests and redeems."},
	{acctguard.MetricProfileUpdated, "acctguard_profile_updated_total", "Profile updates."},
	{acctguard.MetricNotificationFailure, "acctguard_notification_failure_total", "Failed notification dispatches."},
}

var histogramBoundSuffix = []string{"5ms", "10ms", "25ms", "50ms", "100ms", "250ms", "500ms", "inf"}

type metricsSource interface {
	MetricsSnapshot() acctguard.MetricsSnapshot
	AuditDropped() uint64
}

type observedCounter struct {
	id         acctguard.MetricID
	instrument metric.Int64ObservableCounter
}

// Exporter bridges the engine's atomic counters into an OpenTelemetry
// meter via observable instruments. One callback reads a snapshot per
// collection.
type Exporter struct {
	source       metricsSource
	registration metric.Registration
	counters     []observedCounter
	latency      [8]metric.Int64ObservableGauge
	latencyCount metric.Int64ObservableGauge
	auditDropped metric.Int64ObservableCounter
}

// NewExporter registers the engine's counters on the meter.
func NewExporter(meter metric.Meter, source metricsSource) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	exporter := &Exporter{
		source:   source,
		counters: make([]observedCounter, 0, len(counterDefs)),
	}

	observables := make([]metric.Observable, 0, len(counterDefs)+len(histogramBoundSuffix)+2)

	for _, def := range counterDefs {
		ins, err := meter.Int64ObservableCounter(def.name, metric.WithDescription(def.help))
		if err != nil {
			return nil, fmt.Errorf("create observable counter %s: %w", def.name, err)
		}
		exporter.counters = append(exporter.counters, observedCounter{id: def.id, instrument: ins})
		observables = append(observables, ins)
	}

	for i, suffix := range histogramBoundSuffix {
		name := "acctguard_login_latency_bucket_le_" + suffix
		ins, err := meter.Int64ObservableGauge(name, metric.WithDescription("Cumulative login latency bucket count."))
		if err != nil {
			return nil, fmt.Errorf("create histogram bucket gauge %s: %w", name, err)
		}
		exporter.latency[i] = ins
		observables = append(observables, ins)
	}
	latencyCount, err := meter.Int64ObservableGauge(
		"acctguard_login_latency_count",
		metric.WithDescription("Login latency total sample count."),
	)
	if err != nil {
		return nil, fmt.Errorf("create histogram count gauge: %w", err)
	}
	exporter.latencyCount = latencyCount
	observables = append(observables, latencyCount)

	auditDropped, err := meter.Int64ObservableCounter(
		"acctguard_audit_dropped_total",
		metric.WithDescription("Audit events dropped to dispatcher backpressure."),
	)
	if err != nil {
		return nil, fmt.Errorf("create audit dropped counter: %w", err)
	}
	exporter.auditDropped = auditDropped
	observables = append(observables, auditDropped)

	registration, err := meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		snapshot := exporter.source.MetricsSnapshot()
		for _, c := range exporter.counters {
			observer.ObserveInt64(c.instrument, int64(snapshot.Counters[c.id]))
		}

		cumulative := cumulativeBuckets(snapshot.Histograms[acctguard.MetricLoginLatency])
		for i := range exporter.latency {
			observer.ObserveInt64(exporter.latency[i], int64(cumulative[i]))
		}
		observer.ObserveInt64(exporter.latencyCount, int64(cumulative[len(cumulative)-1]))

		observer.ObserveInt64(exporter.auditDropped, int64(exporter.source.AuditDropped()))
		return nil
	}, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}

	exporter.registration = registration
	return exporter, nil
}

// Close unregisters the collection callback.
func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}

func cumulativeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(out); i++ {
		if i < len(raw) {
			running += raw[i]
		}
		out[i] = running
	}
	return out
}
