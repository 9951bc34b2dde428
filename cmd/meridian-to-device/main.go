// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Command meridian-to-device runs the to-device message delivery
// service: the inbound federation transaction endpoint, the durable
// outbound EDU sender, and — depending on this instance's role in the
// topology — the to-device writer and device-list resync duties,
// served to peer instances over the replication socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/meridian-im/meridian/delivery"
	"github.com/meridian-im/meridian/federation"
	"github.com/meridian-im/meridian/lib/config"
	"github.com/meridian-im/meridian/lib/process"
	"github.com/meridian-im/meridian/lib/ref"
	"github.com/meridian-im/meridian/lib/version"
	"github.com/meridian-im/meridian/notify"
	"github.com/meridian-im/meridian/ratelimit"
	"github.com/meridian-im/meridian/replication"
	"github.com/meridian-im/meridian/storage"
	"github.com/meridian-im/meridian/topology"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	flags := pflag.NewFlagSet("meridian-to-device", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to meridian.yaml (overrides MERIDIAN_CONFIG)")
	showVersion := flags.Bool("version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *showVersion {
		version.Print("meridian-to-device")
		return nil
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With(
		"instance", cfg.InstanceName,
	)
	serverName, err := ref.ParseServerName(cfg.ServerName)
	if err != nil {
		return fmt.Errorf("server_name: %w", err)
	}

	topo, err := topology.New(topology.Config{
		InstanceName:    cfg.InstanceName,
		ToDeviceWriters: cfg.Topology.ToDeviceWriters,
		ResyncInstance:  cfg.Topology.ResyncInstance,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(storage.Config{
		Path:     cfg.Database.Path,
		PoolSize: cfg.Database.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	notifier := notify.New(logger)
	currentStreamID, err := store.CurrentStreamID(ctx)
	if err != nil {
		return err
	}
	notifier.OnNewEvent(notify.StreamToDevice, currentStreamID, nil)

	limiter := ratelimit.New(ratelimit.Config{
		PerSecond:  cfg.RateLimit.PerSecond,
		BurstCount: cfg.RateLimit.BurstCount,
		Logger:     logger,
	})
	go limiter.RunSweeper(ctx)

	// Device-list resync: performed locally on the designated
	// instance, proxied over replication everywhere else.
	var resyncer delivery.DeviceResyncer
	var localResyncer *federation.Resyncer
	if topo.IsResyncInstance() {
		localResyncer = federation.NewResyncer(store,
			federation.NewHTTPDeviceLister(nil, nil), logger)
		resyncer = localResyncer
	} else {
		resyncer = replication.NewClient(
			topology.SocketPath(cfg.Replication.SocketDir, topo.ResyncInstance()))
	}

	sender := federation.NewSender(federation.SenderConfig{
		Store:     store,
		Transport: federation.NewHTTPTransport(serverName, nil, nil, nil),
		Logger:    logger,
	})

	handler := delivery.NewHandler(delivery.Config{
		ServerName:        serverName,
		Store:             store,
		Notifier:          notifier,
		FederationSender:  sender,
		Resyncer:          resyncer,
		KeyRequestLimiter: limiter,
		DedupKeyRequests:  cfg.DedupKeyRequests,
		Logger:            logger,
	})

	// Inbound EDUs are handled locally on writer instances and
	// forwarded by origin affinity everywhere else.
	registry := federation.NewRegistry(logger)
	if topo.IsToDeviceWriter() {
		registry.RegisterEDUHandler(federation.EDUTypeDirectToDevice, handler.OnDirectToDeviceEDU)
	} else {
		forwarder := replication.NewForwarder(topo, cfg.Replication.SocketDir)
		registry.RegisterEDUHandler(federation.EDUTypeDirectToDevice, forwarder.HandleDirectToDevice)
	}

	if err := sender.Start(ctx); err != nil {
		return err
	}

	replicationServer := replication.NewServer(
		topology.SocketPath(cfg.Replication.SocketDir, topo.InstanceName()), logger)
	if topo.IsToDeviceWriter() {
		replicationServer.HandleForwardedEDUs(handler.OnDirectToDeviceEDU)
		replicationServer.HandleSendRequests(handler)
	}
	if topo.IsResyncInstance() {
		replicationServer.HandleResyncRequests(localResyncer)
	}
	replicationDone := make(chan error, 1)
	go func() { replicationDone <- replicationServer.Serve(ctx) }()

	if localResyncer != nil {
		// Recover stale flags left by a previous run.
		go func() {
			if err := localResyncer.ResyncStale(ctx); err != nil {
				logger.Warn("startup device resync incomplete", "error", err)
			}
		}()
	}

	federationServer := &http.Server{
		Addr:    cfg.Federation.ListenAddr,
		Handler: federation.NewReceiver(registry, logger),
	}
	federationDone := make(chan error, 1)
	go func() {
		listenErr := federationServer.ListenAndServe()
		if errors.Is(listenErr, http.ErrServerClosed) {
			listenErr = nil
		}
		federationDone <- listenErr
	}()

	logger.Info("to-device delivery service running",
		"server_name", serverName.String(),
		"federation_addr", cfg.Federation.ListenAddr,
		"to_device_writer", topo.IsToDeviceWriter(),
		"resync_instance", topo.IsResyncInstance(),
	)

	select {
	case <-ctx.Done():
	case err := <-federationDone:
		if err != nil {
			return fmt.Errorf("federation listener: %w", err)
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := federationServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("federation listener shutdown", "error", err)
	}
	if err := <-replicationDone; err != nil {
		logger.Error("replication server error", "error", err)
	}
	sender.Wait()

	return nil
}
