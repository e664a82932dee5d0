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
Package lifecycle watches sessions that claim to have a worker and flags
the ones that do not. It is strictly an observer: the worker owns every
terminal transition, and remediation of dropped work is left to operator
tooling rather than guessed at here.
*/
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/AdviseWell/meeting-bot-controller/internal/config"
	"github.com/AdviseWell/meeting-bot-controller/internal/dedup"
	"github.com/AdviseWell/meeting-bot-controller/internal/jobs"
	"github.com/AdviseWell/meeting-bot-controller/internal/metrics"
	"github.com/AdviseWell/meeting-bot-controller/internal/session"
)

// Orphan is an active session with no live worker Job behind it.
type Orphan struct {
	Session session.Session
	Age     time.Duration
}

// Tracker surveys claimed and processing sessions once per cycle.
type Tracker struct {
	kube  client.Client
	coord *session.Coordinator
	cfg   config.Config
	log   logr.Logger
	clock clock.PassiveClock
}

// New returns a Tracker.
func New(kube client.Client, coord *session.Coordinator, cfg config.Config, log logr.Logger, clk clock.PassiveClock) *Tracker {
	return &Tracker{kube: kube, coord: coord, cfg: cfg, log: log, clock: clk}
}

// Track reports every active session whose worker Job is gone and whose
// age exceeds the orphan grace period. Sessions younger than the grace
// period are ignored: Job creation and label indexing lag the claim.
// Track never mutates session documents.
func (t *Tracker) Track(ctx context.Context) ([]Orphan, error) {
	active, err := t.coord.ActiveSessions(ctx)
	if err != nil {
		return nil, err
	}
	now := t.clock.Now().UTC()

	var orphans []Orphan
	var errs error
	for _, s := range active {
		job, err := jobs.FindActive(ctx, t.kube, t.cfg.Namespace, dedup.JobLabels(s.OrgID, s.JoinURL))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("job lookup for session %s: %w", dedup.ShortID(s.ID), err))
			continue
		}
		if job != nil {
			continue
		}
		age := now.Sub(referenceTime(s))
		if age < t.cfg.OrphanGrace {
			continue
		}
		orphans = append(orphans, Orphan{Session: s, Age: age})
		metrics.OrphanSessionsDetectedTotal.Add(ctx, 1)
		t.log.Info("orphaned session: claimed a worker but none is running",
			"session", dedup.ShortID(s.ID),
			"org", s.OrgID,
			"status", s.Status,
			"job_name", s.JobName,
			"age", age.Round(time.Second).String(),
			"remediation", "check worker job logs; a new meeting occurrence will re-queue the session")
	}
	return orphans, errs
}

// referenceTime picks the session timestamp to age against: the claim
// marks when a worker became due.
func referenceTime(s session.Session) time.Time {
	switch {
	case !s.ClaimedAt.IsZero():
		return s.ClaimedAt
	case !s.UpdatedAt.IsZero():
		return s.UpdatedAt
	default:
		return s.CreatedAt
	}
}
