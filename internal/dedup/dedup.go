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
Package dedup implements the deterministic identity scheme that makes one
meeting equal one bot: URL normalization, session ids and the label hashes
carried by worker Jobs. Equivalent invites must normalize to identical
strings, because every dedup decision downstream hashes the result.
*/
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// Label schema shared by the launcher and every label-selector lookup.
const (
	AppLabel      = "app"
	AppLabelValue = "meeting-bot"
	OrgHashLabel  = "org_id_hash"
	URLHashLabel  = "url_hash"
)

const maxLabelLength = 63

// Tracking query parameters are stripped during normalization. Calendar
// clients and mail trackers append these to otherwise identical invite
// links.
var trackingPrefixes = []string{"utm_"}

var trackingExact = map[string]struct{}{
	"fbclid": {},
	"gclid":  {},
}

// NormalizeURL canonicalizes a meeting join URL: lowercase, no fragment,
// no tracking parameters, no trailing slash. Remaining query parameters
// are preserved in sorted order. Unparseable input is returned lowercased
// so callers still get a stable string.
func NormalizeURL(raw string) string {
	lowered := strings.ToLower(strings.TrimSpace(raw))
	u, err := url.Parse(lowered)
	if err != nil {
		return strings.TrimSuffix(lowered, "/")
	}

	u.Fragment = ""
	u.RawFragment = ""

	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			if isTrackingParam(key) {
				q.Del(key)
			}
		}
		u.RawQuery = q.Encode()
	}

	u.Path = strings.TrimSuffix(u.Path, "/")
	if u.RawPath != "" {
		u.RawPath = strings.TrimSuffix(u.RawPath, "/")
	}

	return u.String()
}

func isTrackingParam(key string) bool {
	if _, ok := trackingExact[key]; ok {
		return true
	}
	for _, prefix := range trackingPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// SessionID derives the session identifier for an (org, normalized URL)
// tuple: hex SHA256 of "org:url". The caller passes an already normalized
// URL; hashing a raw URL here would split equivalent invites.
func SessionID(orgID, normalizedURL string) string {
	sum := sha256.Sum256([]byte(orgID + ":" + normalizedURL))
	return hex.EncodeToString(sum[:])
}

// OrgHash returns the 12-character org label hash.
func OrgHash(orgID string) string {
	sum := sha256.Sum256([]byte(orgID))
	return hex.EncodeToString(sum[:])[:12]
}

// URLHash returns the 16-character label hash of a normalized URL.
func URLHash(normalizedURL string) string {
	sum := sha256.Sum256([]byte(normalizedURL))
	return hex.EncodeToString(sum[:])[:16]
}

// JobLabels builds the dedup label set for a meeting identity.
func JobLabels(orgID, normalizedURL string) map[string]string {
	return map[string]string{
		AppLabel:     AppLabelValue,
		OrgHashLabel: LabelValue(OrgHash(orgID)),
		URLHashLabel: LabelValue(URLHash(normalizedURL)),
	}
}

// ShortID truncates an identifier for log output. Session ids are 64 hex
// characters; the first 12 are plenty to correlate log lines.
func ShortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}

// ShortURL truncates a URL for log output without leaking long query
// strings into log storage.
func ShortURL(raw string) string {
	if len(raw) <= 48 {
		return raw
	}
	return raw[:48] + "..."
}

// LabelValue sanitizes a string to the character set the orchestrator
// accepts for label values: alphanumerics, '-', '_' and '.', at most 63
// characters, starting and ending alphanumeric.
func LabelValue(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := b.String()
	if len(out) > maxLabelLength {
		out = out[:maxLabelLength]
	}
	out = strings.Trim(out, "-_.")
	return out
}
