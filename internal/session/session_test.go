package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/AdviseWell/meeting-bot-controller/internal/docstore"
)

func TestPaths(t *testing.T) {
	assert.Equal(t, "organizations/o1/meeting_sessions/abc", Path("o1", "abc"))
	assert.Equal(t, "organizations/o1/meeting_sessions/abc/subscribers/u1", SubscriberPath("o1", "abc", "u1"))
	assert.Equal(t, "recordings/u1/m1/", ArtifactPrefix("u1", "m1"))
}

func TestStatusPredicates(t *testing.T) {
	for _, status := range []string{StatusComplete, StatusFailed, "cancelled", "error"} {
		assert.True(t, IsRequeueable(status), status)
	}
	for _, status := range []string{StatusQueued, StatusClaimed, StatusProcessing, ""} {
		assert.False(t, IsRequeueable(status), status)
	}

	assert.True(t, IsActive(StatusClaimed))
	assert.True(t, IsActive(StatusProcessing))
	assert.False(t, IsActive(StatusQueued))
	assert.False(t, IsActive(StatusComplete))
}

func TestParseSessionFallbacks(t *testing.T) {
	now := time.Date(2025, 11, 3, 15, 0, 0, 0, time.UTC)
	s := ParseSession(docstore.Document{
		Path: "organizations/o1/meeting_sessions/deadbeef",
		Data: map[string]any{
			"status":     StatusProcessing,
			"join_url":   "https://zoom.us/j/1",
			"job_name":   "meeting-bot-deadbeef",
			"claimed_at": now,
			"artifacts":  map[string]any{"recording_mp4": "recordings/u1/m1/recording.mp4"},
		},
	})

	// session_id and org_id fall back to path segments.
	assert.Equal(t, "deadbeef", s.ID)
	assert.Equal(t, "o1", s.OrgID)
	assert.Equal(t, StatusProcessing, s.Status)
	assert.Equal(t, "meeting-bot-deadbeef", s.JobName)
	assert.Equal(t, now, s.ClaimedAt)
	assert.Equal(t, map[string]string{"recording_mp4": "recordings/u1/m1/recording.mp4"}, s.Artifacts)
}

func TestParseSubscriberFallbacks(t *testing.T) {
	sub := ParseSubscriber(docstore.Document{
		Path: "organizations/o1/meeting_sessions/deadbeef/subscribers/u7",
		Data: map[string]any{
			"meeting_path": "organizations/o1/users/u7/meetings/m42",
			"status":       SubscriberRequested,
			"added_via":    AddedDirect,
		},
	})

	assert.Equal(t, "u7", sub.UserID)
	assert.Equal(t, "o1", sub.OrgID)
	assert.Equal(t, "m42", sub.MeetingID)
	assert.Equal(t, "recordings/u7/m42/", sub.ArtifactPrefix())
}
