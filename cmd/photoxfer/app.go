// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mdhender/photoxfer/config"
	"github.com/mdhender/photoxfer/pipelines/events"
	"github.com/mdhender/photoxfer/pipelines/remote"
	"github.com/mdhender/photoxfer/pipelines/stages"
	sqlite "github.com/mdhender/photoxfer/stores/sqlite"
	"github.com/mdhender/photoxfer/stores/writer"
	"github.com/spf13/afero"
)

const (
	writerDepth    = 64
	recorderEvents = 1000
)

// app is the wired pipeline shared by every command that talks to the store.
type app struct {
	cfg      *config.Config
	store    *sqlite.SQLiteStore
	writer   *writer.Serializer
	recorder *events.Recorder
	pc       *stages.PipelineContext
	orch     *stages.Orchestrator
	pool     *stages.Pool
	svc      *stages.ImportService
	logger   hclog.Logger
}

// openApp loads and validates the config, opens the store and wires the
// pipeline. The caller must call close.
func openApp(configPath string, logger hclog.Logger) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(logger); err != nil {
		return nil, err
	}
	user, addr, err := cfg.Remote.Address()
	if err != nil {
		return nil, err
	}

	store, err := sqlite.NewSQLiteStoreWithConfig(sqlite.StoreConfig{
		Path:         cfg.Server.DBPath,
		ReadPoolSize: cfg.Server.ReadPoolSize,
	})
	if err != nil {
		return nil, err
	}

	dialer, err := remote.NewSSHDialer(remote.SSHConfig{
		User:           user,
		Addr:           addr,
		KeyPath:        cfg.Remote.CredentialPath,
		KnownHostsPath: cfg.Remote.KnownHostsPath,
	}, logger)
	if err != nil {
		store.Close()
		return nil, &config.ConfigurationError{Field: "remote.credential_path", Msg: "cannot load credentials", Err: err}
	}

	a := &app{
		cfg:      cfg,
		store:    store,
		writer:   writer.New(writerDepth, logger),
		recorder: events.NewRecorder(recorderEvents, logger),
		logger:   logger,
	}
	a.pc = &stages.PipelineContext{
		Config:    cfg,
		Store:     store,
		Writer:    a.writer,
		Sink:      a.recorder,
		Cancel:    stages.NewCancelFlag(),
		Resources: stages.NewResources(),
		Clock:     remote.RealClock,
		Fs:        afero.NewOsFs(),
		Logger:    logger,
	}
	gw, err := remote.NewGateway(remote.GatewayConfig{
		Dialer:            dialer,
		Waker:             remote.UDPWaker{Broadcast: cfg.Remote.WakeBroadcast, Port: cfg.Remote.WakePort},
		HardwareAddr:      cfg.Remote.HardwareAddress,
		Host:              addr,
		WakeWait:          cfg.Remote.WakeWait(),
		ConnectionTimeout: cfg.Remote.ConnectionTimeout(),
		Clock:             a.pc.CancelClock(),
		Cancelled:         a.pc.Cancel.Cancelled,
		Sink:              a.recorder,
		Logger:            logger,
	})
	if err != nil {
		_ = a.writer.Close()
		store.Close()
		return nil, err
	}
	a.pc.Gateway = gw

	a.orch = stages.NewOrchestrator(a.pc)
	a.pool = stages.NewPool(a.orch, cfg.Server.Workers, cfg.Server.Workers*4, logger)
	a.svc = stages.NewImportService(a.pc, a.pool, a.recorder)
	return a, nil
}

func (a *app) close() {
	a.pool.Stop()
	_ = a.writer.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", "error", err)
	}
}

// process runs one batch in the foreground on reader slot 1.
func (a *app) process(ctx context.Context, batchID string) (string, error) {
	status, err := a.orch.Process(sqlite.WithWorker(ctx, 1), batchID)
	if errors.Is(err, stages.ErrBatchTerminal) {
		return string(status), fmt.Errorf("batch %s already finished as %s", batchID, status)
	}
	return string(status), err
}

// recycle closes idle reader connections until ctx is done.
func (a *app) recycle(ctx context.Context) {
	interval := time.Duration(a.cfg.Server.RecycleIntervalMinutes) * time.Minute
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			closed, err := a.store.Pool().Recycle(ctx, interval)
			if err != nil {
				a.logger.Warn("recycle readers", "error", err)
				continue
			}
			a.logger.Debug("recycled readers", "closed", closed, "open", a.store.Pool().Open())
		}
	}
}
