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
Package session owns meeting-session and subscriber documents and every
transition on them. Each transition is one function wrapping one
transaction; business code never drives the transaction primitive
directly.
*/
package session

import (
	"fmt"
	"time"

	"github.com/AdviseWell/meeting-bot-controller/internal/docstore"
	"github.com/AdviseWell/meeting-bot-controller/internal/meeting"
)

// Session statuses.
const (
	StatusQueued     = "queued"
	StatusClaimed    = "claimed"
	StatusProcessing = "processing"
	StatusComplete   = "complete"
	StatusFailed     = "failed"
)

// Fanout statuses stored on sessions and meetings.
const (
	FanoutComplete = "complete"
	FanoutPartial  = "partial"
	FanoutFailed   = "failed"
)

// Subscriber copy statuses.
const (
	SubscriberRequested = "requested"
	SubscriberCopied    = "copied"
	SubscriberComplete  = "complete"
)

// Subscriber provenance tags.
const (
	AddedDirect             = "direct"
	AddedMergeConsolidation = "merge_consolidation"
	AddedAttendeeFanout     = "attendee_fanout"
)

// requeueableStatuses are the terminal states a new discovery revives.
// Workers have historically written cancelled and error in addition to
// the documented pair.
var requeueableStatuses = map[string]bool{
	StatusComplete: true,
	StatusFailed:   true,
	"cancelled":    true,
	"error":        true,
}

// IsRequeueable reports whether a session status may transition back to
// queued for a new occurrence.
func IsRequeueable(status string) bool {
	return requeueableStatuses[status]
}

// IsActive reports whether a session is between claim and terminal state.
func IsActive(status string) bool {
	return status == StatusClaimed || status == StatusProcessing
}

// Path returns the session document path.
func Path(orgID, sessionID string) string {
	return fmt.Sprintf("organizations/%s/meeting_sessions/%s", orgID, sessionID)
}

// SubscriberPath returns a subscriber document path.
func SubscriberPath(orgID, sessionID, userID string) string {
	return fmt.Sprintf("organizations/%s/meeting_sessions/%s/subscribers/%s", orgID, sessionID, userID)
}

// ArtifactPrefix returns the object-store prefix holding one user's copy
// of one meeting's artifacts.
func ArtifactPrefix(userID, meetingID string) string {
	return fmt.Sprintf("recordings/%s/%s/", userID, meetingID)
}

// Session is the typed view of a session document.
type Session struct {
	Path string
	ID   string

	OrgID   string
	JoinURL string
	Status  string

	PreviousStatus string
	RequeuedAt     time.Time

	ClaimedBy      string
	ClaimedAt      time.Time
	ClaimExpiresAt time.Time
	JobName        string

	Artifacts    map[string]string
	RecordingURL string

	FanoutStatus    string
	FanoutLastError string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ParseSession decodes a session document.
func ParseSession(doc docstore.Document) Session {
	data := doc.Data
	s := Session{
		Path:            doc.Path,
		ID:              meeting.StringField(data, "session_id"),
		OrgID:           meeting.StringField(data, "org_id"),
		JoinURL:         meeting.StringField(data, "join_url"),
		Status:          meeting.StringField(data, "status"),
		PreviousStatus:  meeting.StringField(data, "previous_status"),
		RequeuedAt:      meeting.TimeField(data, "requeued_at"),
		ClaimedBy:       meeting.StringField(data, "claimed_by"),
		ClaimedAt:       meeting.TimeField(data, "claimed_at"),
		ClaimExpiresAt:  meeting.TimeField(data, "claim_expires_at"),
		JobName:         meeting.StringField(data, "job_name"),
		Artifacts:       meeting.StringMapField(data, "artifacts"),
		RecordingURL:    meeting.StringField(data, "recording_url"),
		FanoutStatus:    meeting.StringField(data, "fanout_status"),
		FanoutLastError: meeting.StringField(data, "fanout_last_error"),
		CreatedAt:       meeting.TimeField(data, "created_at"),
		UpdatedAt:       meeting.TimeField(data, "updated_at"),
	}
	if s.ID == "" {
		s.ID = lastSegment(doc.Path)
	}
	if s.OrgID == "" {
		s.OrgID = meeting.OrgFromPath(doc.Path)
	}
	return s
}

// Subscriber is the typed view of a subscriber document.
type Subscriber struct {
	Path string

	UserID      string
	OrgID       string
	MeetingPath string
	MeetingID   string

	Status   string
	AddedVia string

	CopiedCount   int
	ExpectedCount int
	LastError     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ParseSubscriber decodes a subscriber document.
func ParseSubscriber(doc docstore.Document) Subscriber {
	data := doc.Data
	sub := Subscriber{
		Path:          doc.Path,
		UserID:        meeting.StringField(data, "user_id"),
		OrgID:         meeting.StringField(data, "org_id"),
		MeetingPath:   meeting.StringField(data, "meeting_path"),
		MeetingID:     meeting.StringField(data, "meeting_id"),
		Status:        meeting.StringField(data, "status"),
		AddedVia:      meeting.StringField(data, "added_via"),
		CopiedCount:   intField(data, "copied_count"),
		ExpectedCount: intField(data, "expected_count"),
		LastError:     meeting.StringField(data, "last_error"),
		CreatedAt:     meeting.TimeField(data, "created_at"),
		UpdatedAt:     meeting.TimeField(data, "updated_at"),
	}
	if sub.UserID == "" {
		sub.UserID = lastSegment(doc.Path)
	}
	if sub.OrgID == "" {
		sub.OrgID = meeting.OrgFromPath(doc.Path)
	}
	if sub.MeetingID == "" && sub.MeetingPath != "" {
		sub.MeetingID = lastSegment(sub.MeetingPath)
	}
	return sub
}

// ArtifactPrefix returns the subscriber's artifact prefix.
func (sub Subscriber) ArtifactPrefix() string {
	return ArtifactPrefix(sub.UserID, sub.MeetingID)
}

func intField(data map[string]any, key string) int {
	switch n := data[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func lastSegment(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
