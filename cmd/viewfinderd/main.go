// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

// viewfinderd runs the operation execution engine: it drains per-user
// operation queues against the configured store, fans out notifications
// and alerts, and recovers queues orphaned by crashed hosts. The query
// and submission surface is a library (package service) consumed
// in-process; this daemon is the side that does the work.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/lumberjack/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/viewfinderco/viewfinder-sub004/alert"
	"github.com/viewfinderco/viewfinder-sub004/kv"
	"github.com/viewfinderco/viewfinder-sub004/kv/dynamo"
	"github.com/viewfinderco/viewfinder-sub004/kv/memstore"
	"github.com/viewfinderco/viewfinder-sub004/lock"
	"github.com/viewfinderco/viewfinder-sub004/notify"
	"github.com/viewfinderco/viewfinder-sub004/ops"
	"github.com/viewfinderco/viewfinder-sub004/state"
	"github.com/viewfinderco/viewfinder-sub004/worker/opqueue"
)

var logger = loggo.GetLogger("viewfinder.daemon")

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "viewfinderd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath string
		dataDir    string
		scanOps    bool
		showLog    bool
	)
	flags := gnuflag.NewFlagSetWithFlagKnownAs("viewfinderd", gnuflag.ContinueOnError, "option")
	flags.StringVar(&configPath, "config", "", "path to the daemon config file")
	flags.StringVar(&dataDir, "data-dir", "/var/lib/viewfinder", "directory for logs and local state")
	flags.BoolVar(&scanOps, "scan-ops", false, "scan the operation table at startup and resubmit queued work")
	flags.BoolVar(&showLog, "show-log", false, "log to stderr instead of the log file")
	if err := flags.Parse(true, args); err != nil {
		if err == gnuflag.ErrHelp {
			return nil
		}
		return errors.Trace(err)
	}

	cfg := DefaultConfig()
	if configPath != "" {
		var err error
		cfg, err = ReadConfig(configPath)
		if err != nil {
			return errors.Trace(err)
		}
	}
	if err := setupLogging(cfg, dataDir, showLog); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(serve(cfg, scanOps))
}

func setupLogging(cfg Config, dataDir string, showLog bool) error {
	if cfg.LoggingConfig != "" {
		if err := loggo.ConfigureLoggers(cfg.LoggingConfig); err != nil {
			return errors.Annotate(err, "configuring loggers")
		}
	}
	if showLog {
		return nil
	}
	logDir := cfg.LogDir
	if logDir == "" {
		logDir = filepath.Join(dataDir, "logs")
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return errors.Annotate(err, "creating log dir")
	}
	ljLogger := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "viewfinderd.log"),
		MaxSize:    300, // megabytes
		MaxBackups: 2,
		Compress:   true,
	}
	_, err := loggo.ReplaceDefaultWriter(loggo.NewSimpleWriter(ljLogger, loggo.DefaultFormatter))
	return errors.Annotate(err, "configuring log file")
}

func newKV(ctx context.Context, cfg Config, clk clock.Clock) (kv.Client, error) {
	switch cfg.Store.Backend {
	case "memory":
		logger.Warningf("using the in-memory store; nothing will be persisted")
		return memstore.New(), nil
	case "dynamo":
		opts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(cfg.Store.Region),
		}
		if cfg.Store.AccessKey != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.Store.AccessKey, cfg.Store.SecretKey, "")))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, errors.Annotate(err, "loading AWS config")
		}
		client, err := dynamo.New(dynamo.Config{
			API:   dynamodb.NewFromConfig(awsCfg),
			Clock: clk,
		})
		return client, errors.Trace(err)
	}
	return nil, errors.NotValidf("store backend %q", cfg.Store.Backend)
}

func serve(cfg Config, scanOps bool) error {
	ctx := context.Background()
	clk := clock.WallClock

	kvClient, err := newKV(ctx, cfg, clk)
	if err != nil {
		return errors.Trace(err)
	}
	st, err := state.NewStore(state.StoreConfig{
		KV:          kvClient,
		Clock:       clk,
		TablePrefix: cfg.Store.TablePrefix,
	})
	if err != nil {
		return errors.Trace(err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		return errors.Trace(err)
	}
	locks, err := lock.NewManager(lock.ManagerConfig{
		Store:       kvClient,
		Clock:       clk,
		OwnerID:     fmt.Sprintf("%s:%d", hostname, os.Getpid()),
		TablePrefix: cfg.Store.TablePrefix,
		Timeout:     cfg.Locks.Timeout(),
	})
	if err != nil {
		return errors.Trace(err)
	}

	// Alert senders are log-only until provider credentials grow a home
	// in the config file.
	gateway, err := alert.NewGateway(alert.GatewayConfig{
		Pusher:    alert.LogSenders{},
		Email:     alert.LogSenders{},
		SMS:       alert.LogSenders{},
		Clock:     clk,
		Tokens:    notify.TokenRemover{State: st},
		PushRate:  cfg.Alerts.PushRate,
		PushBurst: cfg.Alerts.PushBurst,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = worker.Stop(gateway) }()

	notifier, err := notify.NewManager(notify.ManagerConfig{
		State:  st,
		Clock:  clk,
		Alerts: gateway,
	})
	if err != nil {
		return errors.Trace(err)
	}

	registry := ops.NewRegistry()
	executor, err := ops.NewExecutor(ops.ExecutorConfig{
		State:    st,
		Locks:    locks,
		Notifier: notifier,
		Registry: registry,
		Clock:    clk,
	})
	if err != nil {
		return errors.Trace(err)
	}

	hub := pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
		Logger: loggo.GetLogger("viewfinder.hub"),
	})
	collector := opqueue.NewMetricsCollector()
	metrics := prometheus.NewRegistry()
	if err := metrics.Register(collector); err != nil {
		return errors.Trace(err)
	}
	stopMetrics, err := serveMetrics(cfg.MetricsAddr, metrics)
	if err != nil {
		return errors.Trace(err)
	}
	defer stopMetrics()

	queue, err := opqueue.NewManager(opqueue.ManagerConfig{
		State:              st,
		Executor:           executor,
		Locks:              locks,
		Notifier:           notifier,
		Hub:                hub,
		Clock:              clk,
		Metrics:            collector,
		MaxConcurrentUsers: cfg.Queue.MaxConcurrentUsers,
		MaxAttempts:        cfg.Queue.MaxAttempts,
		ScanAll:            scanOps,
	})
	if err != nil {
		return errors.Trace(err)
	}
	logger.Infof("operation queue running (backend %q, prefix %q)",
		cfg.Store.Backend, cfg.Store.TablePrefix)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	died := make(chan error, 1)
	go func() { died <- queue.Wait() }()

	select {
	case sig := <-sigCh:
		logger.Infof("caught %v, shutting down", sig)
		return errors.Trace(worker.Stop(queue))
	case err := <-died:
		return errors.Annotate(err, "operation queue failed")
	}
}

// serveMetrics exposes the registry on /metrics when an address is
// configured. The returned stop func is safe to call either way.
func serveMetrics(addr string, registry *prometheus.Registry) (func(), error) {
	if addr == "" {
		return func() {}, nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("metrics server: %v", err)
		}
	}()
	logger.Infof("serving metrics on %s", addr)
	return func() { _ = srv.Shutdown(context.Background()) }, nil
}
