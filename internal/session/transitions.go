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

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/AdviseWell/meeting-bot-controller/internal/dedup"
	"github.com/AdviseWell/meeting-bot-controller/internal/docstore"
	"github.com/AdviseWell/meeting-bot-controller/internal/meeting"
)

// Coordinator executes session and subscriber state transitions. Every
// transition is one transaction with all reads ahead of the first write,
// so it composes with the document store's transactional model.
type Coordinator struct {
	Store    docstore.Store
	Log      logr.Logger
	Clock    clock.PassiveClock
	ClaimTTL time.Duration
}

// EnsureInput identifies one meeting occurrence requesting a bot.
type EnsureInput struct {
	OrgID       string
	JoinURL     string // raw; normalized here
	UserID      string
	MeetingPath string
	// AddedVia records subscriber provenance; empty means AddedDirect.
	AddedVia string
}

// EnsureResult reports what Ensure changed.
type EnsureResult struct {
	SessionID     string
	SessionPath   string
	NormalizedURL string

	Created       bool
	Requeued      bool
	NewSubscriber bool
}

// Ensure creates or revives the session for the input's meeting identity,
// registers the user as a subscriber, and links the meeting document to
// the session. One transaction covers all three documents.
//
// An active session (claimed or processing) is left alone apart from a
// timestamp touch: a bot is already on its way.
func (c *Coordinator) Ensure(ctx context.Context, in EnsureInput) (EnsureResult, error) {
	if in.OrgID == "" || in.UserID == "" || in.JoinURL == "" || in.MeetingPath == "" {
		return EnsureResult{}, fmt.Errorf("ensure session: incomplete input (org=%q user=%q url=%q meeting=%q)",
			in.OrgID, in.UserID, dedup.ShortURL(in.JoinURL), in.MeetingPath)
	}
	addedVia := in.AddedVia
	if addedVia == "" {
		addedVia = AddedDirect
	}

	normalized := dedup.NormalizeURL(in.JoinURL)
	sessionID := dedup.SessionID(in.OrgID, normalized)
	res := EnsureResult{
		SessionID:     sessionID,
		SessionPath:   Path(in.OrgID, sessionID),
		NormalizedURL: normalized,
	}
	subscriberPath := SubscriberPath(in.OrgID, sessionID, in.UserID)
	now := c.Clock.Now().UTC()

	err := c.Store.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
		// The callback reruns on contention; reset per-attempt outcomes.
		res.Created, res.Requeued, res.NewSubscriber = false, false, false

		// Reads first: session, subscriber, meeting.
		sessDoc, err := tx.Get(res.SessionPath)
		if err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
		subDoc, err := tx.Get(subscriberPath)
		if err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
		if _, err := tx.Get(in.MeetingPath); err != nil {
			// The triggering meeting vanished between scan and transaction.
			return fmt.Errorf("meeting %s: %w", in.MeetingPath, err)
		}

		linkStatus := StatusQueued
		switch {
		case !sessDoc.Exists():
			res.Created = true
			if err := tx.Create(res.SessionPath, map[string]any{
				"session_id":  sessionID,
				"org_id":      in.OrgID,
				"join_url":    normalized,
				"status":      StatusQueued,
				"created_at":  now,
				"updated_at":  now,
				"enqueued_at": now,
			}); err != nil {
				return err
			}
		case IsRequeueable(meeting.StringField(sessDoc.Data, "status")):
			res.Requeued = true
			if err := tx.Update(res.SessionPath, requeueUpdates(meeting.StringField(sessDoc.Data, "status"), now)); err != nil {
				return err
			}
		default:
			// queued, claimed or processing: record the fresh interest only.
			linkStatus = meeting.StringField(sessDoc.Data, "status")
			if err := tx.Update(res.SessionPath, []docstore.Update{{Field: "updated_at", Value: now}}); err != nil {
				return err
			}
		}

		switch {
		case !subDoc.Exists():
			res.NewSubscriber = true
			if err := tx.Create(subscriberPath, subscriberDoc(in.OrgID, in.UserID, in.MeetingPath, addedVia, now)); err != nil {
				return err
			}
		case meeting.StringField(subDoc.Data, "meeting_path") != in.MeetingPath:
			// A new occurrence re-points the subscriber at its new meeting
			// document and restarts its copy state.
			if err := tx.Update(subscriberPath, []docstore.Update{
				{Field: "meeting_path", Value: in.MeetingPath},
				{Field: "meeting_id", Value: lastSegment(in.MeetingPath)},
				{Field: "status", Value: SubscriberRequested},
				{Field: "copied_count", Value: 0},
				{Field: "expected_count", Value: 0},
				{Field: "last_error", Value: ""},
				{Field: "updated_at", Value: now},
			}); err != nil {
				return err
			}
		default:
			if err := tx.Update(subscriberPath, []docstore.Update{{Field: "updated_at", Value: now}}); err != nil {
				return err
			}
		}

		return tx.Update(in.MeetingPath, []docstore.Update{
			{Field: "session_id", Value: sessionID},
			{Field: "session_status", Value: linkStatus},
			{Field: "session_enqueued_at", Value: now},
		})
	})
	if err != nil {
		return EnsureResult{}, fmt.Errorf("ensure session %s: %w", dedup.ShortID(sessionID), err)
	}
	return res, nil
}

// requeueUpdates revives a terminal session for a new occurrence,
// preserving the prior status and dropping every previous-generation
// claim, job and fanout field.
func requeueUpdates(previous string, now time.Time) []docstore.Update {
	return []docstore.Update{
		{Field: "status", Value: StatusQueued},
		{Field: "previous_status", Value: previous},
		{Field: "requeued_at", Value: now},
		{Field: "enqueued_at", Value: now},
		{Field: "updated_at", Value: now},
		{Field: "claimed_by", Value: ""},
		{Field: "claimed_at", Value: nil},
		{Field: "claim_expires_at", Value: nil},
		{Field: "job_name", Value: ""},
		{Field: "failure_reason", Value: ""},
		{Field: "artifacts", Value: nil},
		{Field: "recording_url", Value: ""},
		{Field: "fanout_status", Value: ""},
		{Field: "fanout_last_error", Value: ""},
		{Field: "fanout_report", Value: nil},
		{Field: "fanout_completed_at", Value: nil},
	}
}

func subscriberDoc(orgID, userID, meetingPath, addedVia string, now time.Time) map[string]any {
	return map[string]any{
		"user_id":      userID,
		"org_id":       orgID,
		"meeting_path": meetingPath,
		"meeting_id":   lastSegment(meetingPath),
		"status":       SubscriberRequested,
		"added_via":    addedVia,
		"created_at":   now,
		"updated_at":   now,
	}
}

// Claim attempts the atomic queued→claimed transition. It returns false
// without error when another holder won: losing a claim is the expected
// outcome of contention, not a failure.
func (c *Coordinator) Claim(ctx context.Context, s Session, claimedBy string) (bool, error) {
	now := c.Clock.Now().UTC()
	won := false
	err := c.Store.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
		won = false
		doc, err := tx.Get(s.Path)
		if errors.Is(err, docstore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		cur := ParseSession(doc)
		if cur.Status != StatusQueued {
			return nil
		}
		if cur.ClaimedBy != "" && cur.ClaimedBy != claimedBy && cur.ClaimExpiresAt.After(now) {
			return nil
		}
		won = true
		return tx.Update(s.Path, []docstore.Update{
			{Field: "status", Value: StatusClaimed},
			{Field: "claimed_by", Value: claimedBy},
			{Field: "claimed_at", Value: now},
			{Field: "claim_expires_at", Value: now.Add(c.ClaimTTL)},
			{Field: "updated_at", Value: now},
		})
	})
	if err != nil {
		return false, fmt.Errorf("claim session %s: %w", dedup.ShortID(s.ID), err)
	}
	return won, nil
}

// MarkProcessing records the launched worker Job and advances the session
// to processing. The worker owns every transition after this one.
func (c *Coordinator) MarkProcessing(ctx context.Context, s Session, jobName string) error {
	now := c.Clock.Now().UTC()
	err := c.Store.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
		if _, err := tx.Get(s.Path); err != nil {
			return err
		}
		return tx.Update(s.Path, []docstore.Update{
			{Field: "status", Value: StatusProcessing},
			{Field: "job_name", Value: jobName},
			{Field: "updated_at", Value: now},
		})
	})
	if err != nil {
		return fmt.Errorf("mark session %s processing: %w", dedup.ShortID(s.ID), err)
	}
	return nil
}

// MarkFailed records a launch failure. The session stays failed until a
// new occurrence re-queues it.
func (c *Coordinator) MarkFailed(ctx context.Context, s Session, reason string) error {
	now := c.Clock.Now().UTC()
	err := c.Store.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
		if _, err := tx.Get(s.Path); err != nil {
			return err
		}
		return tx.Update(s.Path, []docstore.Update{
			{Field: "status", Value: StatusFailed},
			{Field: "failure_reason", Value: reason},
			{Field: "failed_at", Value: now},
			{Field: "updated_at", Value: now},
		})
	})
	if err != nil {
		return fmt.Errorf("mark session %s failed: %w", dedup.ShortID(s.ID), err)
	}
	return nil
}

// EnsureSubscriber registers a user on an existing session outside the
// discovery path (attendee fanout, merge consolidation). Returns true
// when the subscriber was created.
func (c *Coordinator) EnsureSubscriber(ctx context.Context, orgID, sessionID, userID, meetingPath, addedVia string) (bool, error) {
	path := SubscriberPath(orgID, sessionID, userID)
	now := c.Clock.Now().UTC()
	created := false
	err := c.Store.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
		created = false
		_, err := tx.Get(path)
		if err == nil {
			return tx.Update(path, []docstore.Update{{Field: "updated_at", Value: now}})
		}
		if !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
		created = true
		return tx.Create(path, subscriberDoc(orgID, userID, meetingPath, addedVia, now))
	})
	if err != nil {
		return false, fmt.Errorf("ensure subscriber %s on session %s: %w", userID, dedup.ShortID(sessionID), err)
	}
	return created, nil
}

// SubscriberReport is one validation entry of a fanout run.
type SubscriberReport struct {
	UserID   string
	Status   string // "ok" or "error"
	Error    string
	Copied   int
	Expected int
}

// FanoutResult is the terminal outcome of one fanout run.
type FanoutResult struct {
	Status    string // FanoutComplete, FanoutPartial or FanoutFailed
	LastError string
	Report    []SubscriberReport
}

// WriteFanoutResult stores the terminal fanout status and the validation
// report on the session.
func (c *Coordinator) WriteFanoutResult(ctx context.Context, s Session, res FanoutResult) error {
	now := c.Clock.Now().UTC()
	report := make([]any, 0, len(res.Report))
	for _, r := range res.Report {
		report = append(report, map[string]any{
			"user_id":  r.UserID,
			"status":   r.Status,
			"error":    r.Error,
			"copied":   r.Copied,
			"expected": r.Expected,
		})
	}
	err := c.Store.Set(ctx, s.Path, map[string]any{
		"fanout_status":       res.Status,
		"fanout_last_error":   res.LastError,
		"fanout_report":       report,
		"fanout_completed_at": now,
		"updated_at":          now,
	})
	if err != nil {
		return fmt.Errorf("write fanout result for session %s: %w", dedup.ShortID(s.ID), err)
	}
	return nil
}

// SetSubscriberResult updates one subscriber's copy bookkeeping.
func (c *Coordinator) SetSubscriberResult(ctx context.Context, sub Subscriber, status string, copied, expected int, lastError string) error {
	now := c.Clock.Now().UTC()
	err := c.Store.Set(ctx, sub.Path, map[string]any{
		"status":         status,
		"copied_count":   copied,
		"expected_count": expected,
		"last_error":     lastError,
		"updated_at":     now,
	})
	if err != nil {
		return fmt.Errorf("update subscriber %s: %w", sub.UserID, err)
	}
	return nil
}

// Get reads one session.
func (c *Coordinator) Get(ctx context.Context, orgID, sessionID string) (Session, error) {
	doc, err := c.Store.Get(ctx, Path(orgID, sessionID))
	if err != nil {
		return Session{}, err
	}
	return ParseSession(doc), nil
}

// Subscribers returns the session's subscribers ordered by creation time.
// The first entry is the canonical subscriber owning the artifact prefix.
func (c *Coordinator) Subscribers(ctx context.Context, orgID, sessionID string) ([]Subscriber, error) {
	docs, err := c.Store.Query(ctx, docstore.Query{
		Collection: Path(orgID, sessionID) + "/subscribers",
		OrderBy:    "created_at",
	})
	if err != nil {
		return nil, fmt.Errorf("list subscribers of session %s: %w", dedup.ShortID(sessionID), err)
	}
	subs := make([]Subscriber, 0, len(docs))
	for _, doc := range docs {
		subs = append(subs, ParseSubscriber(doc))
	}
	return subs, nil
}

// QueuedSessions returns up to limit sessions waiting for a claim,
// oldest enqueue first.
func (c *Coordinator) QueuedSessions(ctx context.Context, limit int) ([]Session, error) {
	docs, err := c.Store.Query(ctx, docstore.Query{
		Group:   "meeting_sessions",
		Filters: []docstore.Filter{{Field: "status", Op: docstore.OpEqual, Value: StatusQueued}},
		OrderBy: "enqueued_at",
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("query queued sessions: %w", err)
	}
	return parseSessions(docs), nil
}

// ActiveSessions returns sessions between claim and terminal state.
func (c *Coordinator) ActiveSessions(ctx context.Context) ([]Session, error) {
	docs, err := c.Store.Query(ctx, docstore.Query{
		Group: "meeting_sessions",
		Filters: []docstore.Filter{
			{Field: "status", Op: docstore.OpIn, Value: []string{StatusClaimed, StatusProcessing}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	return parseSessions(docs), nil
}

// CompletedAwaitingFanout returns completed sessions that have not
// reached a terminal fanout status. Failed fanouts stay eligible so they
// retry next cycle.
func (c *Coordinator) CompletedAwaitingFanout(ctx context.Context) ([]Session, error) {
	docs, err := c.Store.Query(ctx, docstore.Query{
		Group:   "meeting_sessions",
		Filters: []docstore.Filter{{Field: "status", Op: docstore.OpEqual, Value: StatusComplete}},
	})
	if err != nil {
		return nil, fmt.Errorf("query completed sessions: %w", err)
	}
	var out []Session
	for _, s := range parseSessions(docs) {
		if s.FanoutStatus == FanoutComplete || s.FanoutStatus == FanoutPartial {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func parseSessions(docs []docstore.Document) []Session {
	out := make([]Session, 0, len(docs))
	for _, doc := range docs {
		out = append(out, ParseSession(doc))
	}
	return out
}
