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
Package config loads the controller configuration from environment
variables. All values are read and validated once at startup; the process
exits on invalid configuration rather than limping along.
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
)

// Query modes for meeting discovery.
const (
	QueryModeCollection      = "collection"
	QueryModeCollectionGroup = "collection_group"
)

// DefaultAllowedDomains lists the meeting platform hosts the discovery
// scanner accepts when ALLOWED_MEETING_DOMAINS is unset. Matching is by
// host suffix, so subdomains such as us04web.zoom.us are covered.
var DefaultAllowedDomains = []string{
	"zoom.us",
	"meet.google.com",
	"teams.microsoft.com",
	"teams.live.com",
	"webex.com",
}

// Config holds the process-wide configuration. It is immutable after Load;
// changing any of these requires a restart.
type Config struct {
	// GCP / storage
	ProjectID         string `json:"projectID"`
	Bucket            string `json:"bucket"`
	FirestoreDatabase string `json:"firestoreDatabase"`

	// Worker images and placement
	ManagerImage      string `json:"managerImage"`
	MeetingBotImage   string `json:"meetingBotImage"`
	Namespace         string `json:"namespace"`
	JobServiceAccount string `json:"jobServiceAccount,omitempty"`
	ScratchVolumeSize string `json:"scratchVolumeSize"`

	// Scheduling
	ClaimTTL        time.Duration `json:"claimTTL"`
	MaxClaimPerPoll int           `json:"maxClaimPerPoll"`
	PollInterval    time.Duration `json:"pollInterval"`
	WindowOffset    time.Duration `json:"windowOffset"`
	WindowWidth     time.Duration `json:"windowWidth"`
	OrphanGrace     time.Duration `json:"orphanGrace"`

	// Discovery
	MeetingsQueryMode      string   `json:"meetingsQueryMode"`
	MeetingsCollectionPath string   `json:"meetingsCollectionPath,omitempty"`
	MeetingStatuses        []string `json:"meetingStatuses"`
	AllowedDomains         []string `json:"allowedDomains"`
	BotDisplayName         string   `json:"botDisplayName"`

	// Process behaviour
	SkipLeaderElection bool `json:"skipLeaderElection"`
	DryRun             bool `json:"dryRun"`
}

// Load reads the configuration from the environment and validates it.
func Load() (Config, error) {
	cfg := Config{
		ProjectID:              os.Getenv("GCP_PROJECT_ID"),
		Bucket:                 os.Getenv("GCS_BUCKET"),
		FirestoreDatabase:      getEnvOrDefault("FIRESTORE_DATABASE", "(default)"),
		ManagerImage:           os.Getenv("MANAGER_IMAGE"),
		MeetingBotImage:        os.Getenv("MEETING_BOT_IMAGE"),
		Namespace:              getEnvOrDefault("KUBERNETES_NAMESPACE", "default"),
		JobServiceAccount:      os.Getenv("JOB_SERVICE_ACCOUNT"),
		ScratchVolumeSize:      getEnvOrDefault("SCRATCH_VOLUME_SIZE", "10Gi"),
		MeetingsQueryMode:      getEnvOrDefault("MEETINGS_QUERY_MODE", QueryModeCollectionGroup),
		MeetingsCollectionPath: os.Getenv("MEETINGS_COLLECTION_PATH"),
		MeetingStatuses:        splitList(getEnvOrDefault("MEETING_STATUS_VALUES", "scheduled")),
		BotDisplayName:         getEnvOrDefault("MEETING_BOT_NAME", "Meeting Bot"),
	}

	if v := os.Getenv("ALLOWED_MEETING_DOMAINS"); v != "" {
		cfg.AllowedDomains = splitList(v)
	} else {
		cfg.AllowedDomains = append([]string(nil), DefaultAllowedDomains...)
	}

	var err error
	if cfg.ClaimTTL, err = secondsEnv("CLAIM_TTL_SECONDS", 600); err != nil {
		return Config{}, err
	}
	if cfg.PollInterval, err = secondsEnv("POLL_INTERVAL", 10); err != nil {
		return Config{}, err
	}
	if cfg.WindowOffset, err = secondsEnv("DISCOVERY_WINDOW_OFFSET_SECONDS", 450); err != nil {
		return Config{}, err
	}
	if cfg.WindowWidth, err = secondsEnv("DISCOVERY_WINDOW_WIDTH_SECONDS", 60); err != nil {
		return Config{}, err
	}
	if cfg.OrphanGrace, err = secondsEnv("ORPHAN_GRACE_SECONDS", 300); err != nil {
		return Config{}, err
	}
	if cfg.MaxClaimPerPoll, err = intEnv("MAX_CLAIM_PER_POLL", 10); err != nil {
		return Config{}, err
	}
	if cfg.SkipLeaderElection, err = boolEnv("SKIP_LEADER_ELECTION"); err != nil {
		return Config{}, err
	}
	if cfg.DryRun, err = boolEnv("DRY_RUN"); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. It is exported so tests can
// construct configs directly.
func (c Config) Validate() error {
	var missing []string
	for _, req := range []struct {
		name, value string
	}{
		{"GCP_PROJECT_ID", c.ProjectID},
		{"GCS_BUCKET", c.Bucket},
		{"MANAGER_IMAGE", c.ManagerImage},
		{"MEETING_BOT_IMAGE", c.MeetingBotImage},
	} {
		if req.value == "" {
			missing = append(missing, req.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	switch c.MeetingsQueryMode {
	case QueryModeCollectionGroup:
	case QueryModeCollection:
		if c.MeetingsCollectionPath == "" {
			return fmt.Errorf("MEETINGS_QUERY_MODE=collection requires MEETINGS_COLLECTION_PATH")
		}
	default:
		return fmt.Errorf("invalid MEETINGS_QUERY_MODE %q", c.MeetingsQueryMode)
	}

	if len(c.MeetingStatuses) == 0 {
		return fmt.Errorf("MEETING_STATUS_VALUES must name at least one status")
	}
	// Document-store "in" filters accept at most 10 operands.
	if len(c.MeetingStatuses) > 10 {
		return fmt.Errorf("MEETING_STATUS_VALUES lists %d statuses, maximum is 10", len(c.MeetingStatuses))
	}

	if c.MaxClaimPerPoll <= 0 {
		return fmt.Errorf("MAX_CLAIM_PER_POLL must be positive, got %d", c.MaxClaimPerPoll)
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"CLAIM_TTL_SECONDS", c.ClaimTTL},
		{"POLL_INTERVAL", c.PollInterval},
		{"DISCOVERY_WINDOW_WIDTH_SECONDS", c.WindowWidth},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}
	if c.WindowOffset < 0 || c.OrphanGrace < 0 {
		return fmt.Errorf("window offset and orphan grace must not be negative")
	}

	if _, err := resource.ParseQuantity(c.ScratchVolumeSize); err != nil {
		return fmt.Errorf("invalid SCRATCH_VOLUME_SIZE %q: %w", c.ScratchVolumeSize, err)
	}
	return nil
}

// DiscoverableStatuses returns the meeting statuses the scanner queries for.
func (c Config) DiscoverableStatuses() []string {
	return c.MeetingStatuses
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func intEnv(key string, defaultVal int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func secondsEnv(key string, defaultSeconds int) (time.Duration, error) {
	v, err := intEnv(key, defaultSeconds)
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Second, nil
}

func boolEnv(key string) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
