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

// Package controlloop drives the scheduling cycle: renew the lease, scan
// for meetings, launch workers, track orphans, fan out artifacts.
package controlloop

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/AdviseWell/meeting-bot-controller/internal/discovery"
	"github.com/AdviseWell/meeting-bot-controller/internal/fanout"
	"github.com/AdviseWell/meeting-bot-controller/internal/launcher"
	"github.com/AdviseWell/meeting-bot-controller/internal/leaderlease"
	"github.com/AdviseWell/meeting-bot-controller/internal/lifecycle"
	"github.com/AdviseWell/meeting-bot-controller/internal/metrics"
)

// releaseTimeout bounds the shutdown lease release; the lease expires on
// its own when the write does not make it.
const releaseTimeout = 5 * time.Second

// Loop is a controller-runtime Runnable executing one scheduling pass per
// poll interval. Every replica runs the loop; the document-store lease,
// not controller-runtime election, decides who does the work.
type Loop struct {
	Lease    *leaderlease.Lease
	Scanner  *discovery.Scanner
	Launcher *launcher.Launcher
	Tracker  *lifecycle.Tracker
	Fanout   *fanout.Engine
	Log      logr.Logger
	Clock    clock.WithTicker
	Interval time.Duration
}

// Start ticks until the context is cancelled. The cycle in flight always
// runs to completion: document-store transactions and object copies are
// not torn down mid-write by a rolling restart.
func (l *Loop) Start(ctx context.Context) error {
	log := l.Log.WithName("controlloop")
	log.Info("control loop starting", "interval", l.Interval.String())
	defer log.Info("control loop stopped")

	ticker := l.Clock.NewTicker(l.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			l.Lease.Release(releaseCtx)
			cancel()
			return nil
		case <-ticker.C():
			l.RunCycle(context.WithoutCancel(ctx))
		}
	}
}

// NeedLeaderElection is false on purpose: standby replicas must keep
// renewing against the lease document so failover does not wait for a
// controller-runtime election on top of the lease expiry.
func (l *Loop) NeedLeaderElection() bool {
	return false
}

// RunCycle executes one scheduling pass. Stage failures are logged and
// isolated; a broken stage must not starve the ones after it, and a
// broken cycle must not stop the ticker.
func (l *Loop) RunCycle(ctx context.Context) {
	started := l.Clock.Now()

	leading, err := l.Lease.Renew(ctx)
	if err != nil {
		l.Log.Error(err, "lease renewal failed")
	}
	if !leading {
		l.Log.V(1).Info("not leading, skipping cycle work")
		return
	}

	stages := []struct {
		name string
		run  func(context.Context) error
	}{
		{"discovery", l.Scanner.Scan},
		{"launch", l.Launcher.Launch},
		{"lifecycle", func(ctx context.Context) error {
			_, err := l.Tracker.Track(ctx)
			return err
		}},
		{"fanout", l.Fanout.Fanout},
	}
	for _, stage := range stages {
		if err := stage.run(ctx); err != nil {
			l.Log.Error(err, "cycle stage failed", "stage", stage.name)
		}
	}

	elapsed := l.Clock.Since(started)
	metrics.CyclesTotal.Add(ctx, 1)
	metrics.CycleDurationSeconds.Record(ctx, elapsed.Seconds())
	if l.Interval > 0 && elapsed > 2*l.Interval {
		l.Log.Info("cycle overran the poll interval",
			"elapsed", elapsed.String(), "interval", l.Interval.String())
	}
}
