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
Package meeting normalizes raw meeting documents into typed records.

Meeting documents are written by several upstream calendar integrations
that disagree on field names and value encodings. This package is the one
place that knows every recognized alias; nothing past ParseRecord handles
a raw document map.
*/
package meeting

import (
	"strconv"
	"strings"
	"time"
)

// Meeting statuses as stored on documents.
const (
	StatusScheduled  = "scheduled"
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusComplete   = "complete"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
	StatusMerged     = "merged"
)

// Recognized field aliases, first match wins.
var (
	urlKeys   = []string{"join_url", "meeting_url", "meetingUrl", "url"}
	ownerKeys = []string{"user_id", "userId", "USER_ID", "fs_user_id", "synced_by_user_id", "created_by"}
	orgKeys   = []string{"organization_id", "organizationId", "org_id"}
	startKeys = []string{"start", "start_time", "startTime"}
	endKeys   = []string{"end", "end_time", "endTime"}
)

// Record is the normalized view of a meeting document. Absent fields stay
// zero valued; the caller decides whether that disqualifies the meeting.
type Record struct {
	Path string
	ID   string

	OrgID     string
	UserID    string
	JoinURL   string
	Status    string
	Start     time.Time
	End       time.Time
	Attendees []string

	SessionID    string
	BotStatus    string
	BotJobName   string
	FanoutStatus string
	MergedInto   string

	RecordingURL  string
	Transcription string
	Artifacts     map[string]string

	// AutoJoin reflects ai_assistant_enabled when the document carries it;
	// nil means fall back to the organization setting.
	AutoJoin *bool
}

// ParseRecord resolves every alias once at the boundary. The org id falls
// back to the organizations/{org}/... segment of the document path.
func ParseRecord(path string, data map[string]any) Record {
	rec := Record{
		Path:          path,
		ID:            lastSegment(path),
		OrgID:         StringField(data, orgKeys...),
		UserID:        StringField(data, ownerKeys...),
		JoinURL:       StringField(data, urlKeys...),
		Status:        StringField(data, "status"),
		Start:         TimeField(data, startKeys...),
		End:           TimeField(data, endKeys...),
		Attendees:     AttendeeEmails(data["attendees"]),
		SessionID:     StringField(data, "session_id"),
		BotStatus:     StringField(data, "bot_status"),
		BotJobName:    StringField(data, "bot_job_name"),
		FanoutStatus:  StringField(data, "fanout_status"),
		MergedInto:    StringField(data, "merged_into"),
		RecordingURL:  StringField(data, "recording_url"),
		Transcription: StringField(data, "transcription"),
		Artifacts:     StringMapField(data, "artifacts"),
	}
	if rec.OrgID == "" {
		rec.OrgID = OrgFromPath(path)
	}
	if v, ok := data["ai_assistant_enabled"]; ok {
		b := AsBool(v)
		rec.AutoJoin = &b
	}
	return rec
}

// StringField returns the first non-empty string among the aliased keys.
func StringField(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := data[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// BoolField returns the first present boolean-ish value among the aliased
// keys. The second return reports whether any key was present.
func BoolField(data map[string]any, keys ...string) (bool, bool) {
	for _, key := range keys {
		if v, ok := data[key]; ok {
			return AsBool(v), true
		}
	}
	return false, false
}

// AsBool tolerates the encodings upstream writers use for flags: native
// bools, "true"/"false", "1"/"0" and numeric 0/1.
func AsBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		return err == nil && parsed
	case int:
		return b != 0
	case int64:
		return b != 0
	case float64:
		return b != 0
	default:
		return false
	}
}

// TimeField resolves a timestamp that may be stored natively, as an
// RFC3339 string, or as epoch seconds/milliseconds.
func TimeField(data map[string]any, keys ...string) time.Time {
	for _, key := range keys {
		v, ok := data[key]
		if !ok {
			continue
		}
		if ts := AsTime(v); !ts.IsZero() {
			return ts
		}
	}
	return time.Time{}
}

// AsTime converts a dynamically typed timestamp value.
func AsTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case *time.Time:
		if t != nil {
			return *t
		}
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts
			}
		}
	case int:
		return epochToTime(int64(t))
	case int64:
		return epochToTime(t)
	case float64:
		return epochToTime(int64(t))
	}
	return time.Time{}
}

// epochToTime guesses the unit from magnitude: values past 1e12 are
// milliseconds (seconds would put them in the year 33658).
func epochToTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	if v >= 1_000_000_000_000 {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}

// AttendeeEmails flattens the two attendee encodings: a plain string list
// or a list of objects carrying an email field.
func AttendeeEmails(v any) []string {
	items, ok := v.([]any)
	if !ok {
		if direct, ok := v.([]string); ok {
			return normalizeEmails(direct)
		}
		return nil
	}
	var out []string
	for _, item := range items {
		switch a := item.(type) {
		case string:
			out = append(out, a)
		case map[string]any:
			if email := StringField(a, "email", "Email", "address"); email != "" {
				out = append(out, email)
			}
		}
	}
	return normalizeEmails(out)
}

func normalizeEmails(in []string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, e := range in {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}

// StringMapField reads a map-valued field, keeping only string values.
func StringMapField(data map[string]any, key string) map[string]string {
	raw, ok := data[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// OrgFromPath extracts the org id from an organizations/{org}/... path.
func OrgFromPath(path string) string {
	parts := strings.Split(path, "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "organizations" {
			return parts[i+1]
		}
	}
	return ""
}

func lastSegment(path string) string {
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

// IsTerminalStatus reports whether a meeting status is final.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusComplete, StatusFailed, StatusCancelled, StatusMerged:
		return true
	}
	return false
}
