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
Package leaderlease elects a single active controller replica through a
lease document in the document store. The lease lives in the same store
as the meeting data, so replicas that cannot reach the store also cannot
claim leadership.
*/
package leaderlease

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/AdviseWell/meeting-bot-controller/internal/docstore"
	"github.com/AdviseWell/meeting-bot-controller/internal/metrics"
)

// LeasePath is the fixed document holding the controller lease.
const LeasePath = "system/controller_leader"

// DefaultDuration is how long a lease stays valid without renewal.
const DefaultDuration = 30 * time.Second

// Lease is a document-store backed leader lease. Renew is called once
// per control cycle from a single goroutine.
type Lease struct {
	Store    docstore.Store
	Log      logr.Logger
	Clock    clock.PassiveClock
	Identity string
	Duration time.Duration
	// Skip disables election entirely; every Renew reports leadership.
	// Meant for single-replica and local runs.
	Skip bool

	leading    bool
	skipNotice bool
}

// Renew acquires, takes over or extends the lease and reports whether
// this process leads. Any store error demotes pessimistically: a replica
// that cannot prove its lease must stop acting as leader.
func (l *Lease) Renew(ctx context.Context) (bool, error) {
	if l.Skip {
		if !l.skipNotice {
			l.Log.Info("leader election disabled, assuming leadership", "identity", l.Identity)
			l.skipNotice = true
		}
		l.leading = true
		return true, nil
	}

	duration := l.Duration
	if duration <= 0 {
		duration = DefaultDuration
	}
	now := l.Clock.Now().UTC()

	var acquired, held bool
	var holder string
	err := l.Store.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
		acquired, held = false, false

		doc, err := tx.Get(LeasePath)
		switch {
		case errors.Is(err, docstore.ErrNotFound):
			acquired = true
			return tx.Create(LeasePath, map[string]any{
				"leader_id":        l.Identity,
				"acquired_at":      now,
				"last_renewed_at":  now,
				"lease_expires_at": now.Add(duration),
			})
		case err != nil:
			return err
		}

		holder, _ = doc.Data["leader_id"].(string)
		expires, _ := doc.Data["lease_expires_at"].(time.Time)

		switch {
		case holder == l.Identity:
			held = true
			return tx.Update(LeasePath, []docstore.Update{
				{Field: "last_renewed_at", Value: now},
				{Field: "lease_expires_at", Value: now.Add(duration)},
			})
		case !expires.After(now):
			// Previous holder went silent past its lease.
			acquired = true
			return tx.Set(LeasePath, map[string]any{
				"leader_id":        l.Identity,
				"acquired_at":      now,
				"last_renewed_at":  now,
				"lease_expires_at": now.Add(duration),
			})
		default:
			return nil
		}
	})

	switch {
	case errors.Is(err, docstore.ErrContention):
		// Another replica raced us to the same lease write.
		l.demote("lease contention")
		return false, nil
	case err != nil:
		metrics.LeaseRenewalFailuresTotal.Add(ctx, 1)
		l.demote("lease store error")
		return false, fmt.Errorf("renew leader lease: %w", err)
	}

	switch {
	case acquired:
		metrics.LeaderAcquisitionsTotal.Add(ctx, 1)
		l.Log.Info("🎯 acquired leader lease", "identity", l.Identity, "previousHolder", holder)
		l.leading = true
	case held:
		l.leading = true
	default:
		l.demote("lease held by " + holder)
	}
	return l.leading, nil
}

func (l *Lease) demote(reason string) {
	if l.leading {
		l.Log.Info("lost leader lease", "identity", l.Identity, "reason", reason)
	}
	l.leading = false
}

// IsLeader reports the outcome of the last Renew.
func (l *Lease) IsLeader() bool {
	return l.leading
}

// Release drops the lease on shutdown so the next replica does not wait
// out the full lease duration. Best effort: the lease expires on its own
// if this fails.
func (l *Lease) Release(ctx context.Context) {
	if l.Skip || !l.leading {
		return
	}
	l.leading = false

	err := l.Store.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
		doc, err := tx.Get(LeasePath)
		if errors.Is(err, docstore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if holder, _ := doc.Data["leader_id"].(string); holder != l.Identity {
			return nil
		}
		return tx.Delete(LeasePath)
	})
	if err != nil {
		l.Log.Error(err, "failed to release leader lease", "identity", l.Identity)
		return
	}
	l.Log.Info("released leader lease", "identity", l.Identity)
}

// ProcessIdentity returns this process's lease identity: the pod name
// in-cluster, otherwise a random suffix so local runs never collide.
func ProcessIdentity() string {
	if name := os.Getenv("POD_NAME"); name != "" {
		return name
	}
	return "meeting-bot-" + uuid.NewString()[:8]
}
