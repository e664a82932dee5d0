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
Package fanout delivers a finished recording to every subscriber of a
meeting session. The worker uploads artifacts once, under the canonical
subscriber's prefix; the engine copies them to every other subscriber,
rewrites the artifact manifest per destination, and patches each
subscriber's meeting document.

The canonical subscriber's meeting document is always patched before the
first copy starts, so any reader observing a non-canonical result can
rely on the canonical result being present. Every step is idempotent: a
rerun skips blobs that already exist at the destination.
*/
package fanout

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/AdviseWell/meeting-bot-controller/internal/config"
	"github.com/AdviseWell/meeting-bot-controller/internal/dedup"
	"github.com/AdviseWell/meeting-bot-controller/internal/docstore"
	"github.com/AdviseWell/meeting-bot-controller/internal/meeting"
	"github.com/AdviseWell/meeting-bot-controller/internal/metrics"
	"github.com/AdviseWell/meeting-bot-controller/internal/objstore"
	"github.com/AdviseWell/meeting-bot-controller/internal/session"
)

const (
	// transcriptObject is the well-known transcript name under a prefix.
	transcriptObject = "transcript.txt"

	// usersCollection maps attendee emails to user ids.
	usersCollection = "users"

	// signedURLTTL bounds how long a copied recording stays reachable
	// through the URL written to a subscriber's meeting document.
	signedURLTTL = 7 * 24 * time.Hour

	// userLookupTTL caches email lookups; attendee lists repeat the same
	// handful of addresses across recurring meetings.
	userLookupTTL = 10 * time.Minute

	// siblingTolerance absorbs calendar drift when matching meetings that
	// share a join URL but were synced from different calendars.
	siblingTolerance = 300 * time.Second
)

// Validation report statuses.
const (
	reportOK    = "ok"
	reportError = "error"
)

// userRef is the cached result of an email lookup. A zero ID records a
// miss so unknown attendees do not trigger a query every cycle.
type userRef struct {
	ID    string
	OrgID string
}

// Engine fans completed recordings out to subscribers. It serves two
// pipelines: completed sessions (the normal path) and completed meetings
// that never had a session record.
type Engine struct {
	store  docstore.Store
	bucket objstore.Store
	coord  *session.Coordinator
	cfg    config.Config
	log    logr.Logger
	clock  clock.PassiveClock
	users  *gocache.Cache
}

// New returns an Engine.
func New(store docstore.Store, bucket objstore.Store, coord *session.Coordinator, cfg config.Config, log logr.Logger, clk clock.PassiveClock) *Engine {
	return &Engine{
		store:  store,
		bucket: bucket,
		coord:  coord,
		cfg:    cfg,
		log:    log,
		clock:  clk,
		users:  gocache.New(userLookupTTL, 2*userLookupTTL),
	}
}

// Fanout runs both pipelines once. Failures are recorded on the session
// or meeting document and returned in aggregate; one broken session never
// blocks the rest.
func (e *Engine) Fanout(ctx context.Context) error {
	var errs error
	multierr.AppendInto(&errs, e.fanoutSessions(ctx))
	multierr.AppendInto(&errs, e.fanoutMeetings(ctx))
	return errs
}

func (e *Engine) fanoutSessions(ctx context.Context) error {
	sessions, err := e.coord.CompletedAwaitingFanout(ctx)
	if err != nil {
		return err
	}
	var errs error
	for _, s := range sessions {
		multierr.AppendInto(&errs, e.fanoutSession(ctx, s))
	}
	return errs
}

func (e *Engine) fanoutSession(ctx context.Context, s session.Session) error {
	started := e.clock.Now()

	subs, err := e.subscribersAfterAttendeeRefresh(ctx, s)
	if err != nil {
		return e.recordSessionFailure(ctx, s, err)
	}
	if len(subs) == 0 {
		return e.recordSessionFailure(ctx, s, errors.New("session has no subscribers"))
	}

	canonical := subs[0]
	srcPrefix := canonical.ArtifactPrefix()
	objects, err := e.bucket.List(ctx, srcPrefix)
	if err != nil {
		return e.recordSessionFailure(ctx, s, fmt.Errorf("list source artifacts: %w", err))
	}
	if len(objects) == 0 {
		// The worker flips the session to complete before its uploads are
		// visible in a listing. Leave the session eligible and retry.
		e.log.V(1).Info("source artifacts not listed yet, retrying next cycle",
			"session", dedup.ShortID(s.ID), "prefix", srcPrefix)
		return nil
	}
	metrics.FanoutSessionsTotal.Add(ctx, 1)

	transcript := e.readTranscript(ctx, srcPrefix)
	manifest := s.Artifacts
	if len(manifest) == 0 {
		manifest = manifestFromListing(objects)
	}

	// Canonical meeting document first. Ordering is the guarantee here:
	// nothing is copied until the canonical result is readable.
	if err := e.patchMeetingDoc(ctx, canonical.MeetingPath, manifest, transcript, s.RecordingURL); err != nil {
		return e.recordSessionFailure(ctx, s, fmt.Errorf("patch canonical meeting: %w", err))
	}
	if err := e.coord.SetSubscriberResult(ctx, canonical, session.SubscriberComplete, len(objects), len(objects), ""); err != nil {
		return e.recordSessionFailure(ctx, s, err)
	}

	var copyErrs error
	for _, sub := range subs[1:] {
		multierr.AppendInto(&copyErrs, e.copyToSubscriber(ctx, s, sub, srcPrefix, objects, manifest, transcript))
	}

	report := e.validate(ctx, subs, manifest, len(objects), transcript)

	res := session.FanoutResult{Status: session.FanoutComplete, Report: report}
	if copyErrs != nil {
		res.Status = session.FanoutPartial
		res.LastError = copyErrs.Error()
	}
	for _, entry := range report {
		if entry.Status == reportError {
			res.Status = session.FanoutPartial
			if res.LastError == "" {
				res.LastError = entry.Error
			}
		}
	}
	if err := e.coord.WriteFanoutResult(ctx, s, res); err != nil {
		return err
	}

	metrics.FanoutDurationSeconds.Record(ctx, e.clock.Since(started).Seconds())
	if res.Status == session.FanoutPartial {
		metrics.FanoutPartialTotal.Add(ctx, 1)
		e.log.Info("fanout left subscribers unserved",
			"session", dedup.ShortID(s.ID), "subscribers", len(subs), "error", res.LastError)
		return nil
	}
	metrics.SessionsCompletedTotal.Add(ctx, 1)
	e.log.Info("fanned out session artifacts",
		"session", dedup.ShortID(s.ID), "subscribers", len(subs), "objects", len(objects))
	return nil
}

// recordSessionFailure stores the failed status so operators can see the
// cause on the session itself, then propagates the cause. A failed
// session stays eligible and retries next cycle.
func (e *Engine) recordSessionFailure(ctx context.Context, s session.Session, cause error) error {
	res := session.FanoutResult{Status: session.FanoutFailed, LastError: cause.Error()}
	if err := e.coord.WriteFanoutResult(ctx, s, res); err != nil {
		return multierr.Append(cause, err)
	}
	return fmt.Errorf("fanout session %s: %w", dedup.ShortID(s.ID), cause)
}

// subscribersAfterAttendeeRefresh folds attendees of the canonical
// meeting into the subscriber list before the copy plan is fixed. A
// refresh failure is logged but never blocks artifact delivery to the
// subscribers that already exist.
func (e *Engine) subscribersAfterAttendeeRefresh(ctx context.Context, s session.Session) ([]session.Subscriber, error) {
	subs, err := e.coord.Subscribers(ctx, s.OrgID, s.ID)
	if err != nil || len(subs) == 0 {
		return subs, err
	}
	added, err := e.refreshAttendees(ctx, s, subs)
	if err != nil {
		e.log.Error(err, "attendee refresh failed", "session", dedup.ShortID(s.ID))
	}
	if !added {
		return subs, nil
	}
	return e.coord.Subscribers(ctx, s.OrgID, s.ID)
}

func (e *Engine) refreshAttendees(ctx context.Context, s session.Session, subs []session.Subscriber) (bool, error) {
	doc, err := e.store.Get(ctx, subs[0].MeetingPath)
	if errors.Is(err, docstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	rec := meeting.ParseRecord(doc.Path, doc.Data)

	subscribed := make(map[string]bool, len(subs))
	for _, sub := range subs {
		subscribed[sub.UserID] = true
	}

	added := false
	var errs error
	for _, email := range rec.Attendees {
		usr, err := e.lookupUser(ctx, email)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if usr.ID == "" || usr.OrgID != s.OrgID || subscribed[usr.ID] {
			continue
		}
		meetingPath, err := e.ensureAttendeeMeeting(ctx, s, rec, usr.ID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		created, err := e.coord.EnsureSubscriber(ctx, s.OrgID, s.ID, usr.ID, meetingPath, session.AddedAttendeeFanout)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		subscribed[usr.ID] = true
		if created {
			added = true
			metrics.SubscribersAddedTotal.Add(ctx, 1)
			e.log.Info("subscribed meeting attendee",
				"session", dedup.ShortID(s.ID), "user", usr.ID)
		}
	}
	return added, errs
}

// lookupUser resolves an attendee email to a user id and organization.
// Misses are cached alongside hits.
func (e *Engine) lookupUser(ctx context.Context, email string) (userRef, error) {
	key := strings.ToLower(strings.TrimSpace(email))
	if key == "" {
		return userRef{}, nil
	}
	if cached, ok := e.users.Get(key); ok {
		return cached.(userRef), nil
	}
	docs, err := e.store.Query(ctx, docstore.Query{
		Collection: usersCollection,
		Filters:    []docstore.Filter{{Field: "email", Op: docstore.OpEqual, Value: key}},
		Limit:      1,
	})
	if err != nil {
		return userRef{}, fmt.Errorf("look up user by email: %w", err)
	}
	var ref userRef
	if len(docs) > 0 {
		ref = userRef{
			ID:    path.Base(docs[0].Path),
			OrgID: meeting.StringField(docs[0].Data, "organization_id", "organizationId", "org_id"),
		}
	}
	e.users.Set(key, ref, gocache.DefaultExpiration)
	return ref, nil
}

// ensureAttendeeMeeting finds the attendee's own document for this
// session, synthesizing one when the calendar sync never produced it.
// This is the only place the controller creates a meeting document.
func (e *Engine) ensureAttendeeMeeting(ctx context.Context, s session.Session, canonical meeting.Record, userID string) (string, error) {
	q := e.meetingsQuery()
	q.Filters = append(q.Filters, docstore.Filter{Field: "session_id", Op: docstore.OpEqual, Value: s.ID})
	docs, err := e.store.Query(ctx, q)
	if err != nil {
		return "", fmt.Errorf("find attendee meeting: %w", err)
	}
	for _, doc := range docs {
		rec := meeting.ParseRecord(doc.Path, doc.Data)
		if rec.UserID == userID && rec.OrgID == s.OrgID {
			return doc.Path, nil
		}
	}

	now := e.clock.Now().UTC()
	meetingPath := e.newMeetingPath(s.OrgID)
	data := map[string]any{
		"user_id":         userID,
		"organization_id": s.OrgID,
		"join_url":        s.JoinURL,
		"status":          meeting.StatusComplete,
		"session_id":      s.ID,
		"source":          session.AddedAttendeeFanout,
		"created_at":      now,
		"updated_at":      now,
	}
	if !canonical.Start.IsZero() {
		data["start"] = canonical.Start
	}
	if !canonical.End.IsZero() {
		data["end"] = canonical.End
	}
	if err := e.store.Create(ctx, meetingPath, data); err != nil {
		return "", fmt.Errorf("synthesize attendee meeting: %w", err)
	}
	e.log.Info("synthesized meeting document for attendee",
		"session", dedup.ShortID(s.ID), "user", userID, "meeting", meetingPath)
	return meetingPath, nil
}

func (e *Engine) newMeetingPath(orgID string) string {
	id := uuid.NewString()
	if e.cfg.MeetingsQueryMode == config.QueryModeCollection {
		return e.cfg.MeetingsCollectionPath + "/" + id
	}
	return fmt.Sprintf("organizations/%s/meetings/%s", orgID, id)
}

// copyToSubscriber delivers the source objects to one non-canonical
// subscriber and patches their meeting document. Per-blob failures are
// collected so the remaining blobs and subscribers still get served.
func (e *Engine) copyToSubscriber(ctx context.Context, s session.Session, sub session.Subscriber, srcPrefix string, objects []string, manifest map[string]string, transcript string) error {
	dstPrefix := sub.ArtifactPrefix()
	copied, errs := e.copyObjects(ctx, srcPrefix, dstPrefix, objects)

	rewritten := rewriteManifest(manifest, srcPrefix, dstPrefix)
	recording := e.subscriberRecordingURL(s.RecordingURL, rewritten, srcPrefix, dstPrefix)
	if err := e.patchMeetingDoc(ctx, sub.MeetingPath, rewritten, transcript, recording); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("patch meeting %s: %w", sub.MeetingPath, err))
	}

	lastErr := ""
	if errs != nil {
		lastErr = errs.Error()
	}
	if err := e.coord.SetSubscriberResult(ctx, sub, session.SubscriberCopied, copied, len(objects), lastErr); err != nil {
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		return fmt.Errorf("fan out to subscriber %s: %w", sub.UserID, errs)
	}
	return nil
}

// copyObjects copies every source object under dstPrefix unless it is
// already there. It returns how many objects are present at the
// destination afterwards.
func (e *Engine) copyObjects(ctx context.Context, srcPrefix, dstPrefix string, objects []string) (int, error) {
	var errs error
	copied := 0
	for _, obj := range objects {
		dst := strings.Replace(obj, srcPrefix, dstPrefix, 1)
		exists, err := e.bucket.Exists(ctx, dst)
		if err != nil {
			multierr.AppendInto(&errs, fmt.Errorf("stat %s: %w", dst, err))
			metrics.FanoutCopyFailuresTotal.Add(ctx, 1)
			continue
		}
		if exists {
			copied++
			continue
		}
		if err := e.bucket.Copy(ctx, obj, dst); err != nil {
			multierr.AppendInto(&errs, fmt.Errorf("copy %s: %w", dst, err))
			metrics.FanoutCopyFailuresTotal.Add(ctx, 1)
			continue
		}
		copied++
		metrics.FanoutCopiesTotal.Add(ctx, 1)
	}
	return copied, errs
}

// subscriberRecordingURL signs the subscriber's copy of the recording.
// When the manifest names no recording, or signing is unavailable, the
// rewritten object path is still a valid in-bucket reference.
func (e *Engine) subscriberRecordingURL(sessionURL string, rewritten map[string]string, srcPrefix, dstPrefix string) string {
	object := recordingObject(rewritten)
	if object == "" {
		return strings.ReplaceAll(sessionURL, srcPrefix, dstPrefix)
	}
	signed, err := e.bucket.SignedURL(object, signedURLTTL)
	if err != nil {
		e.log.V(1).Info("signing recording url failed, writing object path",
			"object", object, "error", err.Error())
		return object
	}
	return signed
}

// recordingObject picks the manifest entry carrying the recording. Keys
// are probed in a fixed order because workers have written both a plain
// "recording" key and filename keys.
func recordingObject(manifest map[string]string) string {
	for _, key := range []string{"recording", "recording.webm", "recording.mp4", "recording.m4a"} {
		if obj := manifest[key]; obj != "" {
			return obj
		}
	}
	return ""
}

// patchMeetingDoc writes the post-meeting fields onto one meeting
// document. Update rather than Set: a vanished document must surface as
// an error, not be resurrected as a stub.
func (e *Engine) patchMeetingDoc(ctx context.Context, meetingPath string, artifacts map[string]string, transcript, recordingURL string) error {
	updates := []docstore.Update{
		{Field: "status", Value: meeting.StatusComplete},
		{Field: "artifacts", Value: artifactsValue(artifacts)},
		{Field: "fanout_status", Value: session.FanoutComplete},
		{Field: "updated_at", Value: e.clock.Now().UTC()},
	}
	if transcript != "" {
		updates = append(updates, docstore.Update{Field: "transcription", Value: transcript})
	}
	if recordingURL != "" {
		updates = append(updates, docstore.Update{Field: "recording_url", Value: recordingURL})
	}
	return e.store.Update(ctx, meetingPath, updates)
}

// validate re-reads every subscriber's meeting document and destination
// listing, upgrading non-canonical subscribers from copied to complete
// when their copy holds up.
func (e *Engine) validate(ctx context.Context, subs []session.Subscriber, manifest map[string]string, expected int, transcript string) []session.SubscriberReport {
	report := make([]session.SubscriberReport, 0, len(subs))
	for i, sub := range subs {
		entry := session.SubscriberReport{UserID: sub.UserID, Status: reportOK, Expected: expected}
		count, err := e.validateSubscriber(ctx, sub, manifest, expected, transcript != "")
		entry.Copied = count
		switch {
		case err != nil:
			entry.Status = reportError
			entry.Error = err.Error()
		case i > 0:
			if err := e.coord.SetSubscriberResult(ctx, sub, session.SubscriberComplete, count, expected, ""); err != nil {
				entry.Status = reportError
				entry.Error = err.Error()
			}
		}
		report = append(report, entry)
	}
	return report
}

func (e *Engine) validateSubscriber(ctx context.Context, sub session.Subscriber, manifest map[string]string, expected int, wantTranscript bool) (int, error) {
	doc, err := e.store.Get(ctx, sub.MeetingPath)
	if err != nil {
		return 0, fmt.Errorf("meeting document: %w", err)
	}
	rec := meeting.ParseRecord(doc.Path, doc.Data)
	if wantTranscript && rec.Transcription == "" {
		return 0, errors.New("transcription missing")
	}
	for key := range manifest {
		if rec.Artifacts[key] == "" {
			return 0, fmt.Errorf("artifact %q missing from manifest", key)
		}
	}
	names, err := e.bucket.List(ctx, sub.ArtifactPrefix())
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", sub.ArtifactPrefix(), err)
	}
	if len(names) < expected {
		return len(names), fmt.Errorf("%d of %d artifacts present", len(names), expected)
	}
	return len(names), nil
}

// fanoutMeetings serves flows where worker placement was deduplicated on
// the orchestrator alone and no session record exists: the worker stamps
// bot_status on the meeting document it was launched for, and sibling
// documents for the same real-world meeting still need the artifacts.
func (e *Engine) fanoutMeetings(ctx context.Context) error {
	q := e.meetingsQuery()
	q.Filters = append(q.Filters, docstore.Filter{Field: "bot_status", Op: docstore.OpEqual, Value: meeting.BotComplete})
	docs, err := e.store.Query(ctx, q)
	if err != nil {
		return fmt.Errorf("query completed meetings: %w", err)
	}
	var errs error
	for _, doc := range docs {
		rec := meeting.ParseRecord(doc.Path, doc.Data)
		switch {
		case rec.FanoutStatus == session.FanoutComplete || rec.FanoutStatus == session.FanoutPartial:
			continue
		case rec.SessionID != "":
			// Session-linked meetings are served by the session pipeline.
			continue
		case rec.Status == meeting.StatusMerged || rec.UserID == "":
			continue
		}
		multierr.AppendInto(&errs, e.fanoutMeeting(ctx, rec))
	}
	return errs
}

func (e *Engine) fanoutMeeting(ctx context.Context, src meeting.Record) error {
	started := e.clock.Now()

	srcPrefix := session.ArtifactPrefix(src.UserID, src.ID)
	objects, err := e.bucket.List(ctx, srcPrefix)
	if err != nil {
		return e.recordMeetingFailure(ctx, src, fmt.Errorf("list source artifacts: %w", err))
	}
	if len(objects) == 0 {
		e.log.V(1).Info("source artifacts not listed yet, retrying next cycle",
			"meeting", src.Path, "prefix", srcPrefix)
		return nil
	}

	siblings, err := e.findSiblings(ctx, src)
	if err != nil {
		return e.recordMeetingFailure(ctx, src, err)
	}

	transcript := src.Transcription
	if transcript == "" {
		transcript = e.readTranscript(ctx, srcPrefix)
	}
	manifest := src.Artifacts
	if len(manifest) == 0 {
		manifest = manifestFromListing(objects)
	}

	copied := 0
	var errs error
	for _, sib := range siblings {
		dstPrefix := session.ArtifactPrefix(sib.UserID, sib.ID)
		n, err := e.copyObjects(ctx, srcPrefix, dstPrefix, objects)
		copied += n
		multierr.AppendInto(&errs, err)

		rewritten := rewriteManifest(manifest, srcPrefix, dstPrefix)
		recording := e.subscriberRecordingURL(src.RecordingURL, rewritten, srcPrefix, dstPrefix)
		if err := e.patchMeetingDoc(ctx, sib.Path, rewritten, transcript, recording); err != nil {
			multierr.AppendInto(&errs, fmt.Errorf("patch sibling %s: %w", sib.Path, err))
		}
	}

	status := session.FanoutComplete
	lastErr := ""
	if errs != nil {
		status = session.FanoutPartial
		lastErr = errs.Error()
	}
	now := e.clock.Now().UTC()
	err = e.store.Update(ctx, src.Path, []docstore.Update{
		{Field: "fanout_status", Value: status},
		{Field: "fanout_last_error", Value: lastErr},
		{Field: "fanout_copied", Value: copied},
		{Field: "fanout_completed_at", Value: now},
		{Field: "updated_at", Value: now},
	})
	if err != nil {
		return multierr.Append(errs, fmt.Errorf("mark source meeting %s: %w", src.Path, err))
	}

	metrics.FanoutDurationSeconds.Record(ctx, e.clock.Since(started).Seconds())
	if status == session.FanoutPartial {
		metrics.FanoutPartialTotal.Add(ctx, 1)
		e.log.Info("meeting fanout left siblings unserved",
			"meeting", src.Path, "siblings", len(siblings), "error", lastErr)
		return nil
	}
	e.log.Info("fanned out meeting artifacts",
		"meeting", src.Path, "siblings", len(siblings), "objects", len(objects))
	return nil
}

func (e *Engine) recordMeetingFailure(ctx context.Context, src meeting.Record, cause error) error {
	err := e.store.Update(ctx, src.Path, []docstore.Update{
		{Field: "fanout_status", Value: session.FanoutFailed},
		{Field: "fanout_last_error", Value: cause.Error()},
		{Field: "updated_at", Value: e.clock.Now().UTC()},
	})
	if err != nil {
		return multierr.Append(cause, err)
	}
	return fmt.Errorf("fanout meeting %s: %w", src.Path, cause)
}

// findSiblings returns meetings describing the same real-world event as
// src: same organization, same normalized join URL, start within the
// drift tolerance. The sibling patch marks them fanned out, so a sibling
// that also carries bot_status=complete is never picked as a source
// later.
func (e *Engine) findSiblings(ctx context.Context, src meeting.Record) ([]meeting.Record, error) {
	if src.Start.IsZero() {
		return nil, nil
	}
	normalized := dedup.NormalizeURL(src.JoinURL)
	records, err := meeting.QueryByStartRange(ctx, e.store, e.meetingsQuery(),
		src.Start.Add(-siblingTolerance), src.Start.Add(siblingTolerance))
	if err != nil {
		return nil, err
	}
	var out []meeting.Record
	for _, rec := range records {
		switch {
		case rec.Path == src.Path:
		case rec.OrgID != src.OrgID:
		case rec.Status == meeting.StatusMerged:
		case rec.UserID == "":
		case dedup.NormalizeURL(rec.JoinURL) != normalized:
		default:
			out = append(out, rec)
		}
	}
	return out, nil
}

func (e *Engine) meetingsQuery() docstore.Query {
	if e.cfg.MeetingsQueryMode == config.QueryModeCollection {
		return docstore.Query{Collection: e.cfg.MeetingsCollectionPath}
	}
	return docstore.Query{Group: "meetings"}
}

// readTranscript returns the transcript text, or empty when the worker
// produced none. Read failures degrade to a missing transcript rather
// than failing the whole session.
func (e *Engine) readTranscript(ctx context.Context, srcPrefix string) string {
	object := srcPrefix + transcriptObject
	data, err := e.bucket.ReadAll(ctx, object)
	if errors.Is(err, objstore.ErrNotFound) {
		return ""
	}
	if err != nil {
		e.log.Error(err, "transcript read failed", "object", object)
		return ""
	}
	return string(data)
}

// manifestFromListing synthesizes an artifact map for workers that never
// wrote one, keyed by object basename.
func manifestFromListing(objects []string) map[string]string {
	m := make(map[string]string, len(objects))
	for _, obj := range objects {
		m[path.Base(obj)] = obj
	}
	return m
}

func rewriteManifest(manifest map[string]string, srcPrefix, dstPrefix string) map[string]string {
	out := make(map[string]string, len(manifest))
	for key, val := range manifest {
		out[key] = strings.ReplaceAll(val, srcPrefix, dstPrefix)
	}
	return out
}

func artifactsValue(artifacts map[string]string) map[string]any {
	out := make(map[string]any, len(artifacts))
	for k, v := range artifacts {
		out[k] = v
	}
	return out
}
