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

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap/zapcore"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
	"sigs.k8s.io/yaml"

	"github.com/AdviseWell/meeting-bot-controller/internal/config"
	"github.com/AdviseWell/meeting-bot-controller/internal/controlloop"
	"github.com/AdviseWell/meeting-bot-controller/internal/discovery"
	"github.com/AdviseWell/meeting-bot-controller/internal/docstore"
	"github.com/AdviseWell/meeting-bot-controller/internal/fanout"
	"github.com/AdviseWell/meeting-bot-controller/internal/launcher"
	"github.com/AdviseWell/meeting-bot-controller/internal/leaderlease"
	"github.com/AdviseWell/meeting-bot-controller/internal/lifecycle"
	"github.com/AdviseWell/meeting-bot-controller/internal/metrics"
	"github.com/AdviseWell/meeting-bot-controller/internal/objstore"
	"github.com/AdviseWell/meeting-bot-controller/internal/session"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

// flagConfig holds the command-line settings. Everything else comes from
// the environment via config.Load.
type flagConfig struct {
	metricsPort int
	zapOpts     zap.Options
}

func parseFlagsWithArgs(fs *flag.FlagSet, args []string) (flagConfig, error) {
	cfg := flagConfig{
		zapOpts: zap.Options{TimeEncoder: zapcore.ISO8601TimeEncoder},
	}
	fs.IntVar(&cfg.metricsPort, "metrics-port", 8080, "The port for the metrics and health endpoints.")
	cfg.zapOpts.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return flagConfig{}, err
	}
	if cfg.metricsPort < 1 || cfg.metricsPort > 65535 {
		return flagConfig{}, fmt.Errorf("invalid metrics-port %d", cfg.metricsPort)
	}
	return cfg, nil
}

// buildMetricsServeMux serves the Prometheus registry and the probe
// endpoints. Standby replicas answer ready too: a replica renewing the
// lease is doing its job.
func buildMetricsServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	return mux
}

func main() {
	fc, err := parseFlagsWithArgs(flag.CommandLine, os.Args[1:])
	if err != nil {
		// The flag package has already printed the problem.
		os.Exit(2)
	}
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&fc.zapOpts)))

	cfg, err := config.Load()
	handleErr(err, "invalid configuration")

	rendered, err := yaml.Marshal(cfg)
	handleErr(err, "unable to render configuration")
	setupLog.Info("configuration loaded", "config", "\n"+string(rendered))

	metricsServer := &http.Server{
		Addr:    ":" + strconv.Itoa(fc.metricsPort),
		Handler: buildMetricsServeMux(),
	}
	go func() {
		setupLog.Info("starting metrics server", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			setupLog.Error(err, "problem running metrics server")
			os.Exit(1)
		}
	}()

	// Manager election stays off: the document-store lease is the single
	// coordination mechanism, and standby replicas must run the loop to
	// keep renewing against it.
	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:         scheme,
		LeaderElection: false,
		Metrics:        metricsserver.Options{BindAddress: "0"},
	})
	handleErr(err, "unable to start manager")

	fsClient, err := firestore.NewClientWithDatabase(context.Background(), cfg.ProjectID, cfg.FirestoreDatabase)
	handleErr(err, "unable to create document store client")
	defer fsClient.Close()

	gcsClient, err := storage.NewClient(context.Background())
	handleErr(err, "unable to create object store client")
	defer gcsClient.Close()

	var store docstore.Store = docstore.NewFirestore(fsClient)
	var bucket objstore.Store = objstore.NewGCS(gcsClient, cfg.Bucket)
	kube := mgr.GetClient()
	if cfg.DryRun {
		setupLog.Info("dry-run enabled: mutations are logged, not applied")
		dryLog := ctrl.Log.WithName("dry-run")
		store = docstore.NewDryRun(store, dryLog)
		bucket = objstore.NewDryRun(bucket, dryLog)
		kube = client.NewDryRunClient(kube)
	}

	// One identity for the lease and for claimed_by, so operators can
	// correlate claims with the replica that made them.
	identity := leaderlease.ProcessIdentity()
	clk := clock.RealClock{}
	coord := &session.Coordinator{
		Store:    store,
		Log:      ctrl.Log.WithName("session"),
		Clock:    clk,
		ClaimTTL: cfg.ClaimTTL,
	}
	loop := &controlloop.Loop{
		Lease: &leaderlease.Lease{
			Store:    store,
			Log:      ctrl.Log.WithName("leaderlease"),
			Clock:    clk,
			Identity: identity,
			Skip:     cfg.SkipLeaderElection,
		},
		Scanner:  discovery.New(store, kube, coord, cfg, ctrl.Log.WithName("discovery"), clk),
		Launcher: launcher.New(store, kube, coord, cfg, ctrl.Log.WithName("launcher"), identity),
		Tracker:  lifecycle.New(kube, coord, cfg, ctrl.Log.WithName("lifecycle"), clk),
		Fanout:   fanout.New(store, bucket, coord, cfg, ctrl.Log.WithName("fanout"), clk),
		Log:      ctrl.Log,
		Clock:    clk,
		Interval: cfg.PollInterval,
	}
	handleErr(mgr.Add(loop), "unable to add control loop to manager")

	if shutdown, err := metrics.InitOTLPExporter(context.Background()); err != nil {
		handleErr(err, "unable to initialize OTLP exporter")
	} else {
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				setupLog.Error(err, "failed to shutdown OTLP exporter")
			}
		}()
	}

	setupLog.Info("starting manager", "identity", identity)
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		handleErr(err, "problem running manager")
	}
}

func handleErr(err error, msg string) {
	if err != nil {
		setupLog.Error(err, msg)
		os.Exit(1)
	}
}
