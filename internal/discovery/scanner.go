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
Package discovery scans the dispatch window for upcoming meetings that
want a bot and hands each surviving candidate to the session coordinator.

The scanner is read-mostly: apart from consolidating duplicate meeting
documents and linking meetings to already-running worker Jobs, every
state transition goes through the coordinator's transactions.
*/
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-logr/logr"
	gocache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/AdviseWell/meeting-bot-controller/internal/config"
	"github.com/AdviseWell/meeting-bot-controller/internal/dedup"
	"github.com/AdviseWell/meeting-bot-controller/internal/docstore"
	"github.com/AdviseWell/meeting-bot-controller/internal/jobs"
	"github.com/AdviseWell/meeting-bot-controller/internal/meeting"
	"github.com/AdviseWell/meeting-bot-controller/internal/metrics"
	"github.com/AdviseWell/meeting-bot-controller/internal/session"
)

// meetingsGroup is the collection id used in collection-group mode.
const meetingsGroup = "meetings"

// Org settings change rarely; a short TTL keeps a misconfigured org from
// being hammered with one read per meeting per cycle.
const orgSettingsTTL = 5 * time.Minute

// orgSetting is the cached slice of an organization document the scanner
// consumes.
type orgSetting struct {
	AutoJoin bool
}

// Scanner discovers meetings entering the dispatch window and creates or
// revives their sessions.
type Scanner struct {
	store docstore.Store
	kube  client.Client
	coord *session.Coordinator
	cfg   config.Config
	log   logr.Logger
	clock clock.PassiveClock

	orgSettings *gocache.Cache
}

// New returns a Scanner with a warm-up-free org settings cache.
func New(store docstore.Store, kube client.Client, coord *session.Coordinator, cfg config.Config, log logr.Logger, clk clock.PassiveClock) *Scanner {
	return &Scanner{
		store:       store,
		kube:        kube,
		coord:       coord,
		cfg:         cfg,
		log:         log,
		clock:       clk,
		orgSettings: gocache.New(orgSettingsTTL, 2*orgSettingsTTL),
	}
}

// Scan runs one discovery pass: query the window, filter, consolidate
// duplicates, then dispatch each survivor. Failures on one meeting never
// block the rest; they are aggregated into the returned error.
func (s *Scanner) Scan(ctx context.Context) error {
	now := s.clock.Now().UTC()
	from := now.Add(s.cfg.WindowOffset)
	to := from.Add(s.cfg.WindowWidth)

	records, err := meeting.QueryByStartRange(ctx, s.store, s.baseQuery(), from, to)
	if err != nil {
		return fmt.Errorf("scan dispatch window: %w", err)
	}
	metrics.MeetingsScannedTotal.Add(ctx, int64(len(records)))
	s.log.V(1).Info("scanned dispatch window", "from", from, "to", to, "meetings", len(records))

	eligible, errs := s.filterEligible(ctx, records)
	metrics.DiscoveryCandidatesTotal.Add(ctx, int64(len(eligible)))

	// Records arrive ordered by start time, so the head of each group is
	// the earliest occurrence and becomes the survivor.
	groups := lo.GroupBy(eligible, func(rec meeting.Record) string {
		return rec.OrgID + "|" + rec.UserID + "|" + dedup.NormalizeURL(rec.JoinURL)
	})
	for _, group := range groups {
		survivor := group[0]
		for _, dup := range group[1:] {
			if err := s.mergeDuplicate(ctx, dup, survivor); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
		if err := s.dispatch(ctx, survivor); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// baseQuery builds the status-restricted meeting query for the configured
// mode. Merged meetings are always included: the scanner owns their
// subscriber reconciliation even though they are never dispatched.
func (s *Scanner) baseQuery() docstore.Query {
	statuses := lo.Uniq(append(append([]string(nil), s.cfg.DiscoverableStatuses()...), meeting.StatusMerged))
	q := docstore.Query{
		Filters: []docstore.Filter{{Field: "status", Op: docstore.OpIn, Value: statuses}},
	}
	if s.cfg.MeetingsQueryMode == config.QueryModeCollection {
		q.Collection = s.cfg.MeetingsCollectionPath
	} else {
		q.Group = meetingsGroup
	}
	return q
}

func (s *Scanner) filterEligible(ctx context.Context, records []meeting.Record) ([]meeting.Record, error) {
	var errs error
	eligible := make([]meeting.Record, 0, len(records))
	for _, rec := range records {
		switch {
		case rec.JoinURL == "":
			s.skip(rec, "no join url")
		case rec.UserID == "":
			s.skip(rec, "no resolvable owner")
		case !s.allowedHost(rec.JoinURL):
			s.skip(rec, "host not in allowed domains")
		case rec.SessionID != "":
			s.skip(rec, "already linked to a session")
		case rec.Status == meeting.StatusMerged:
			errs = multierr.Append(errs, s.ensureMergedSubscriber(ctx, rec))
		case !s.autoJoinEnabled(ctx, rec):
			s.skip(rec, "auto-join disabled")
		default:
			eligible = append(eligible, rec)
		}
	}
	return eligible, errs
}

func (s *Scanner) skip(rec meeting.Record, reason string) {
	s.log.V(1).Info("skipping meeting", "meeting", rec.Path, "reason", reason, "url", dedup.ShortURL(rec.JoinURL))
}

// allowedHost matches the join URL's host against the configured domains
// by suffix, so regional subdomains like us04web.zoom.us pass.
func (s *Scanner) allowedHost(rawURL string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return lo.SomeBy(s.cfg.AllowedDomains, func(domain string) bool {
		domain = strings.ToLower(domain)
		return host == domain || strings.HasSuffix(host, "."+domain)
	})
}

// autoJoinEnabled resolves the per-meeting override first, then the org
// default. Unknown orgs default to enabled.
func (s *Scanner) autoJoinEnabled(ctx context.Context, rec meeting.Record) bool {
	if rec.AutoJoin != nil {
		return *rec.AutoJoin
	}
	return s.orgAutoJoin(ctx, rec.OrgID)
}

func (s *Scanner) orgAutoJoin(ctx context.Context, orgID string) bool {
	if cached, ok := s.orgSettings.Get(orgID); ok {
		return cached.(orgSetting).AutoJoin
	}
	setting := orgSetting{AutoJoin: true}
	doc, err := s.store.Get(ctx, "organizations/"+orgID)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		// No org document: keep the default.
	case err != nil:
		// Uncached so the next cycle retries; default open rather than
		// silently dropping meetings on a flaky read.
		s.log.Error(err, "failed to read organization settings", "org", orgID)
		return true
	default:
		if enabled, ok := meeting.BoolField(doc.Data, "meeting_bot_auto_join", "meetingBotAutoJoin"); ok {
			setting.AutoJoin = enabled
		}
	}
	s.orgSettings.SetDefault(orgID, setting)
	return setting.AutoJoin
}

// ensureMergedSubscriber reconciles a meeting that was consolidated away:
// its owner still gets artifacts, registered on the survivor's session.
// The session id is deterministic, so no session read is needed.
func (s *Scanner) ensureMergedSubscriber(ctx context.Context, rec meeting.Record) error {
	if rec.MergedInto == "" {
		s.skip(rec, "merged without survivor reference")
		return nil
	}
	sessionID := dedup.SessionID(rec.OrgID, dedup.NormalizeURL(rec.JoinURL))
	created, err := s.coord.EnsureSubscriber(ctx, rec.OrgID, sessionID, rec.UserID, rec.MergedInto, session.AddedMergeConsolidation)
	if err != nil {
		return fmt.Errorf("merged meeting %s: %w", rec.Path, err)
	}
	if created {
		metrics.SubscribersAddedTotal.Add(ctx, 1)
		s.log.Info("registered merged meeting's owner on survivor session",
			"meeting", rec.Path, "survivor", rec.MergedInto, "session", dedup.ShortID(sessionID))
	}
	return nil
}

// mergeDuplicate retires a same-owner same-URL duplicate in favour of the
// earliest occurrence. The duplicate keeps pointing at its survivor so a
// later scan can still reconcile its subscriber.
func (s *Scanner) mergeDuplicate(ctx context.Context, dup, survivor meeting.Record) error {
	err := s.store.Update(ctx, dup.Path, []docstore.Update{
		{Field: "status", Value: meeting.StatusMerged},
		{Field: "merged_into", Value: survivor.Path},
		{Field: "updated_at", Value: s.clock.Now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("merge duplicate meeting %s: %w", dup.Path, err)
	}
	metrics.SessionsMergedTotal.Add(ctx, 1)
	s.log.Info("consolidated duplicate meeting",
		"meeting", dup.Path, "survivor", survivor.Path, "url", dedup.ShortURL(dup.JoinURL))
	return nil
}

// dispatch links the meeting to an already-running worker Job when one
// matches its dedup labels, and otherwise runs the coordinator
// transaction.
func (s *Scanner) dispatch(ctx context.Context, rec meeting.Record) error {
	normalized := dedup.NormalizeURL(rec.JoinURL)
	job, err := jobs.FindActive(ctx, s.kube, s.cfg.Namespace, dedup.JobLabels(rec.OrgID, normalized))
	if err != nil {
		return fmt.Errorf("job lookup for meeting %s: %w", rec.Path, err)
	}
	if job != nil {
		return s.adopt(ctx, rec, job.Name)
	}

	res, err := s.coord.Ensure(ctx, session.EnsureInput{
		OrgID:       rec.OrgID,
		JoinURL:     rec.JoinURL,
		UserID:      rec.UserID,
		MeetingPath: rec.Path,
	})
	if err != nil {
		return fmt.Errorf("dispatch meeting %s: %w", rec.Path, err)
	}
	switch {
	case res.Created:
		metrics.SessionsCreatedTotal.Add(ctx, 1)
		s.log.Info("created session",
			"session", dedup.ShortID(res.SessionID), "org", rec.OrgID,
			"meeting", rec.Path, "url", dedup.ShortURL(res.NormalizedURL))
	case res.Requeued:
		metrics.SessionsRequeuedTotal.Add(ctx, 1)
		s.log.Info("re-queued session for a new occurrence",
			"session", dedup.ShortID(res.SessionID), "org", rec.OrgID, "meeting", rec.Path)
	}
	if res.NewSubscriber {
		metrics.SubscribersAddedTotal.Add(ctx, 1)
	}
	return nil
}

// adopt records an externally launched bot on the meeting document so the
// meeting stops looking dispatchable while that Job lives.
func (s *Scanner) adopt(ctx context.Context, rec meeting.Record, jobName string) error {
	err := s.store.Update(ctx, rec.Path, []docstore.Update{
		{Field: "bot_job_name", Value: jobName},
		{Field: "bot_status", Value: meeting.BotAssigned},
		{Field: "updated_at", Value: s.clock.Now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("adopt job %s for meeting %s: %w", jobName, rec.Path, err)
	}
	metrics.JobsAdoptedTotal.Add(ctx, 1)
	s.log.Info("adopted running job for meeting", "meeting", rec.Path, "job", jobName)
	return nil
}
