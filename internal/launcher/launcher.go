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
Package launcher claims queued sessions and starts one worker Job per
claim.

The claim is the first of two dedup barriers; the deterministic Job name
is the second. Between them sits the singleton re-check: label-selector
lookups are eventually consistent, so presence is verified once at scan
time and once immediately before creation.
*/
package launcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/go-logr/logr"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/multierr"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/AdviseWell/meeting-bot-controller/internal/config"
	"github.com/AdviseWell/meeting-bot-controller/internal/dedup"
	"github.com/AdviseWell/meeting-bot-controller/internal/docstore"
	"github.com/AdviseWell/meeting-bot-controller/internal/jobs"
	"github.com/AdviseWell/meeting-bot-controller/internal/meeting"
	"github.com/AdviseWell/meeting-bot-controller/internal/metrics"
	"github.com/AdviseWell/meeting-bot-controller/internal/session"
)

// Display names change rarely and are read once per launch.
const orgNameTTL = 10 * time.Minute

// Launcher drains the queued-session backlog, bounded per cycle by
// MAX_CLAIM_PER_POLL.
type Launcher struct {
	store docstore.Store
	kube  client.Client
	coord *session.Coordinator
	cfg   config.Config
	log   logr.Logger

	// identity is written into claimed_by; shared with the leader lease
	// so operators can correlate claims with the process that made them.
	identity string

	orgNames *gocache.Cache
}

// New returns a Launcher claiming under the given process identity.
func New(store docstore.Store, kube client.Client, coord *session.Coordinator, cfg config.Config, log logr.Logger, identity string) *Launcher {
	return &Launcher{
		store:    store,
		kube:     kube,
		coord:    coord,
		cfg:      cfg,
		log:      log,
		identity: identity,
		orgNames: gocache.New(orgNameTTL, 2*orgNameTTL),
	}
}

// Launch runs one pass over the queued backlog. Failures on one session
// never block the rest.
func (l *Launcher) Launch(ctx context.Context) error {
	queued, err := l.coord.QueuedSessions(ctx, l.cfg.MaxClaimPerPoll)
	if err != nil {
		return err
	}
	var errs error
	for _, s := range queued {
		if err := l.launchOne(ctx, s); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (l *Launcher) launchOne(ctx context.Context, s session.Session) error {
	won, err := l.coord.Claim(ctx, s, l.identity)
	if err != nil {
		return err
	}
	if !won {
		// Another controller got there first; nothing to clean up.
		metrics.ClaimConflictsTotal.Add(ctx, 1)
		l.log.V(1).Info("lost claim", "session", dedup.ShortID(s.ID))
		return nil
	}
	metrics.SessionsClaimedTotal.Add(ctx, 1)

	subs, err := l.coord.Subscribers(ctx, s.OrgID, s.ID)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		// No subscriber means no upload target; the session is unservable
		// until a new occurrence re-queues it with one.
		metrics.SessionsFailedTotal.Add(ctx, 1)
		return l.coord.MarkFailed(ctx, s, "no subscribers")
	}
	canonical := subs[0]

	spec := jobs.LaunchSpec{
		SessionID:      s.ID,
		OrgID:          s.OrgID,
		NormalizedURL:  s.JoinURL,
		UserID:         canonical.UserID,
		MeetingID:      canonical.MeetingID,
		ArtifactPrefix: canonical.ArtifactPrefix(),
		BotDisplayName: l.displayName(ctx, s.OrgID),
	}

	// Singleton re-check. The scan-time lookup can miss a bot launched
	// since; a hit here means the race is already lost and the claim is
	// left for the lifecycle tracker to observe.
	running, err := jobs.FindActive(ctx, l.kube, l.cfg.Namespace, dedup.JobLabels(s.OrgID, s.JoinURL))
	if err != nil {
		return fmt.Errorf("pre-launch job lookup for session %s: %w", dedup.ShortID(s.ID), err)
	}
	if running != nil {
		l.log.Info("bot already running, aborting launch",
			"session", dedup.ShortID(s.ID), "job", running.Name)
		return nil
	}

	job := jobs.BuildJob(spec, l.cfg)
	if err := l.ensureScratchPVC(ctx, job); err != nil {
		metrics.JobLaunchFailuresTotal.Add(ctx, 1)
		metrics.SessionsFailedTotal.Add(ctx, 1)
		l.log.Error(err, "scratch volume provisioning failed",
			"session", dedup.ShortID(s.ID), "pvc", jobs.ScratchPVCName(job.Name))
		return l.coord.MarkFailed(ctx, s, fmt.Sprintf("scratch volume: %v", err))
	}

	switch err := l.kube.Create(ctx, job); {
	case apierrors.IsAlreadyExists(err):
		// Deterministic names make duplicate launches collide here. The
		// other launcher owns the Job; leave the session claimed.
		l.log.Info("job already exists, lost the launch race",
			"session", dedup.ShortID(s.ID), "job", job.Name)
		return nil
	case err != nil:
		metrics.JobLaunchFailuresTotal.Add(ctx, 1)
		metrics.SessionsFailedTotal.Add(ctx, 1)
		l.log.Error(err, "job creation failed",
			"session", dedup.ShortID(s.ID), "job", job.Name, "org", s.OrgID)
		if mErr := l.coord.MarkFailed(ctx, s, fmt.Sprintf("job creation failed: %v", err)); mErr != nil {
			return multierr.Append(err, mErr)
		}
		return nil
	}

	// Cascade the scratch volume with its Job. Best effort: a dangling
	// claim is replaced by the next launch with the same name.
	if err := l.ownScratchPVC(ctx, job); err != nil {
		l.log.Error(err, "failed to set scratch volume owner", "job", job.Name)
	}

	if err := l.coord.MarkProcessing(ctx, s, job.Name); err != nil {
		return err
	}
	metrics.JobsLaunchedTotal.Add(ctx, 1)
	l.log.Info("launched worker job",
		"session", dedup.ShortID(s.ID), "job", job.Name, "org", s.OrgID,
		"user", canonical.UserID, "url", dedup.ShortURL(s.JoinURL))
	return nil
}

// ensureScratchPVC creates the Job's scratch volume. A leftover claim
// from a prior failed attempt is deleted and recreated; deletion
// completes asynchronously, so the recreate retries briefly.
func (l *Launcher) ensureScratchPVC(ctx context.Context, job *batchv1.Job) error {
	err := l.kube.Create(ctx, jobs.BuildScratchPVC(job.Name, l.cfg))
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return err
	}

	l.log.Info("replacing leftover scratch volume", "pvc", jobs.ScratchPVCName(job.Name))
	stale := &corev1.PersistentVolumeClaim{}
	stale.Name = jobs.ScratchPVCName(job.Name)
	stale.Namespace = l.cfg.Namespace
	if err := l.kube.Delete(ctx, stale); err != nil && !apierrors.IsNotFound(err) {
		return err
	}
	return retry.Do(
		func() error {
			err := l.kube.Create(ctx, jobs.BuildScratchPVC(job.Name, l.cfg))
			if err != nil && !apierrors.IsAlreadyExists(err) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}

func (l *Launcher) ownScratchPVC(ctx context.Context, job *batchv1.Job) error {
	pvc := &corev1.PersistentVolumeClaim{}
	key := client.ObjectKey{Namespace: job.Namespace, Name: jobs.ScratchPVCName(job.Name)}
	if err := l.kube.Get(ctx, key, pvc); err != nil {
		return err
	}
	base := pvc.DeepCopy()
	jobs.OwnJob(pvc, job)
	return l.kube.Patch(ctx, pvc, client.MergeFrom(base))
}

// displayName resolves the org's bot display name, falling back to the
// configured default.
func (l *Launcher) displayName(ctx context.Context, orgID string) string {
	if cached, ok := l.orgNames.Get(orgID); ok {
		return cached.(string)
	}
	name := l.cfg.BotDisplayName
	doc, err := l.store.Get(ctx, "organizations/"+orgID)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		// No org document: keep the default.
	case err != nil:
		// Uncached so the next launch retries the read.
		l.log.Error(err, "failed to read organization display name", "org", orgID)
		return name
	default:
		if v := meeting.StringField(doc.Data, "meeting_bot_name", "meetingBotName"); v != "" {
			name = v
		}
	}
	l.orgNames.SetDefault(orgID, name)
	return name
}
