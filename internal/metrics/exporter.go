/*
SPDX-License-Identifier: Apache-2.0

Copyright 2025 AdviseWell

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package metrics provides the OpenTelemetry-based metrics exporter for the
meeting bot controller. It configures Prometheus-compatible metrics
collection for monitoring scheduling, job launch and fanout operations.
*/
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	otelMeter metric.Meter

	// CyclesTotal counts completed control loop cycles.
	CyclesTotal metric.Int64Counter
	// CycleDurationSeconds records wall time of a full control loop cycle.
	CycleDurationSeconds metric.Float64Histogram

	// LeaderAcquisitionsTotal counts successful leader lease acquisitions.
	LeaderAcquisitionsTotal metric.Int64Counter
	// LeaseRenewalFailuresTotal counts failed lease renewal attempts.
	LeaseRenewalFailuresTotal metric.Int64Counter

	// MeetingsScannedTotal counts meeting documents examined by discovery.
	MeetingsScannedTotal metric.Int64Counter
	// DiscoveryCandidatesTotal counts meetings that fell inside the dispatch window.
	DiscoveryCandidatesTotal metric.Int64Counter
	// SessionsCreatedTotal counts new meeting sessions created.
	SessionsCreatedTotal metric.Int64Counter
	// SessionsRequeuedTotal counts terminal sessions reset for a re-run.
	SessionsRequeuedTotal metric.Int64Counter
	// SessionsMergedTotal counts duplicate meetings consolidated into a survivor.
	SessionsMergedTotal metric.Int64Counter
	// SubscribersAddedTotal counts subscriber registrations on sessions.
	SubscribersAddedTotal metric.Int64Counter

	// SessionsClaimedTotal counts successful session claims.
	SessionsClaimedTotal metric.Int64Counter
	// ClaimConflictsTotal counts claims lost to a concurrent holder.
	ClaimConflictsTotal metric.Int64Counter
	// JobsLaunchedTotal counts worker Jobs created on the orchestrator.
	JobsLaunchedTotal metric.Int64Counter
	// JobLaunchFailuresTotal counts Job creations that errored.
	JobLaunchFailuresTotal metric.Int64Counter
	// JobsAdoptedTotal counts sessions linked to an already-running Job.
	JobsAdoptedTotal metric.Int64Counter

	// OrphanSessionsDetectedTotal counts processing sessions whose Job vanished.
	OrphanSessionsDetectedTotal metric.Int64Counter
	// SessionsCompletedTotal counts sessions transitioned to complete.
	SessionsCompletedTotal metric.Int64Counter
	// SessionsFailedTotal counts sessions transitioned to failed.
	SessionsFailedTotal metric.Int64Counter

	// FanoutSessionsTotal counts sessions picked up for artifact fanout.
	FanoutSessionsTotal metric.Int64Counter
	// FanoutCopiesTotal counts artifact objects copied to subscriber prefixes.
	FanoutCopiesTotal metric.Int64Counter
	// FanoutCopyFailuresTotal counts artifact copies that errored.
	FanoutCopyFailuresTotal metric.Int64Counter
	// FanoutPartialTotal counts fanout rounds that left at least one subscriber unserved.
	FanoutPartialTotal metric.Int64Counter
	// FanoutDurationSeconds records wall time of a single session fanout.
	FanoutDurationSeconds metric.Float64Histogram
)

// InitOTLPExporter initializes the OTLP-to-Prometheus bridge.
func InitOTLPExporter(_ context.Context) (func(context.Context) error, error) {
	fmt.Println("Initializing OTLP exporter")

	// Create a Prometheus exporter that bridges OTLP metrics to Prometheus
	// Configure it to use the controller-runtime registry.
	exporter, err := prometheus.New(
		prometheus.WithRegisterer(metrics.Registry),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	// Create a meter provider with the Prometheus exporter.
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	// Get the meter from the new provider.
	otelMeter = provider.Meter("meeting-bot-controller")

	// Register instruments in compact loops to keep complexity low.
	type cSpec struct {
		name string
		dest *metric.Int64Counter
	}
	type hSpec struct {
		name string
		dest *metric.Float64Histogram
	}

	counters := []cSpec{
		{"meetingbot_cycles_total", &CyclesTotal},
		{"meetingbot_leader_acquisitions_total", &LeaderAcquisitionsTotal},
		{"meetingbot_lease_renewal_failures_total", &LeaseRenewalFailuresTotal},
		{"meetingbot_meetings_scanned_total", &MeetingsScannedTotal},
		{"meetingbot_discovery_candidates_total", &DiscoveryCandidatesTotal},
		{"meetingbot_sessions_created_total", &SessionsCreatedTotal},
		{"meetingbot_sessions_requeued_total", &SessionsRequeuedTotal},
		{"meetingbot_sessions_merged_total", &SessionsMergedTotal},
		{"meetingbot_subscribers_added_total", &SubscribersAddedTotal},
		{"meetingbot_sessions_claimed_total", &SessionsClaimedTotal},
		{"meetingbot_claim_conflicts_total", &ClaimConflictsTotal},
		{"meetingbot_jobs_launched_total", &JobsLaunchedTotal},
		{"meetingbot_job_launch_failures_total", &JobLaunchFailuresTotal},
		{"meetingbot_jobs_adopted_total", &JobsAdoptedTotal},
		{"meetingbot_orphan_sessions_detected_total", &OrphanSessionsDetectedTotal},
		{"meetingbot_sessions_completed_total", &SessionsCompletedTotal},
		{"meetingbot_sessions_failed_total", &SessionsFailedTotal},
		{"meetingbot_fanout_sessions_total", &FanoutSessionsTotal},
		{"meetingbot_fanout_copies_total", &FanoutCopiesTotal},
		{"meetingbot_fanout_copy_failures_total", &FanoutCopyFailuresTotal},
		{"meetingbot_fanout_partial_total", &FanoutPartialTotal},
	}
	for _, s := range counters {
		v, err := otelMeter.Int64Counter(s.name)
		if err != nil {
			return nil, err
		}
		*s.dest = v
	}

	hists := []hSpec{
		{"meetingbot_cycle_duration_seconds", &CycleDurationSeconds},
		{"meetingbot_fanout_duration_seconds", &FanoutDurationSeconds},
	}
	for _, s := range hists {
		v, err := otelMeter.Float64Histogram(s.name)
		if err != nil {
			return nil, err
		}
		*s.dest = v
	}

	return func(_ context.Context) error {
		fmt.Println("Shutting down OTLP exporter")
		return nil
	}, nil
}
