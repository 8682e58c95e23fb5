// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/AleutianAI/FlowDesk/pkg/chat"
	"github.com/AleutianAI/FlowDesk/pkg/config"
	"github.com/AleutianAI/FlowDesk/pkg/conversation"
	"github.com/AleutianAI/FlowDesk/pkg/identity"
	"github.com/AleutianAI/FlowDesk/pkg/partition"
	"github.com/AleutianAI/FlowDesk/pkg/storage"
	"github.com/AleutianAI/FlowDesk/pkg/telemetry"
)

// app is the wired chat engine shared by every command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	kv       storage.KV
	provider *identity.FileProvider
	store    *conversation.Store
	repo     *partition.Repository
	ctrl     *chat.Controller
	registry *prometheus.Registry
	binding  partition.Binding

	shutdownTracing func(context.Context) error
	closeOnce       sync.Once
}

// appOptions replaces collaborators in tests.
type appOptions struct {
	kv        storage.KV
	transport chat.Transport
	notifier  chat.Notifier
}

// newApp opens storage, binds the identity partition and builds the
// controller.
//
// # Description
//
// Wiring order matters: the controller exists before the repository so that
// every rebind can cancel an in-flight stream first, and Bind runs last so
// the first persisted write already lands in the right partition.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.shutdownTracing, err = telemetry.Init(ctx, telemetry.Config{
		ServiceName:   "flowdesk",
		TraceExporter: tracesExporter(cfg),
		PrettyPrint:   true,
	})
	if err != nil {
		return nil, err
	}

	if a.kv = opts.kv; a.kv == nil {
		a.kv, err = openKV(cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	httpClient := &http.Client{Timeout: cfg.Server.Timeout}
	a.provider, err = identity.NewFileProvider(identity.FileProviderConfig{
		CredentialsPath: cfg.Identity.CredentialsPath,
		BaseURL:         cfg.Server.BaseURL,
		MePath:          cfg.Server.MePath,
		Client:          httpClient,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	transport := opts.transport
	if transport == nil {
		transport, err = chat.NewHTTPTransport(chat.HTTPTransportConfig{
			BaseURL:        cfg.Server.BaseURL,
			AdvicePath:     cfg.Server.AdvicePath,
			Tokens:         chat.TokenFunc(a.provider.Token),
			ConnectTimeout: cfg.Server.Timeout,
		})
		if err != nil {
			return nil, err
		}
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a.store = conversation.NewStore(logger)
	a.ctrl, err = chat.NewController(chat.Config{
		Store:           a.store,
		Transport:       transport,
		Notifier:        opts.notifier,
		Metrics:         chat.NewMetrics(a.registry),
		Logger:          logger,
		MaxContextTurns: cfg.Chat.MaxContextTurns,
		SettleDelay:     cfg.Chat.SettleDelay,
	})
	if err != nil {
		return nil, err
	}

	a.repo, err = partition.New(partition.Config{
		KV:              a.kv,
		Provider:        a.provider,
		Store:           a.store,
		Prefix:          cfg.Storage.KeyPrefix,
		PersistInterval: cfg.Chat.PersistInterval,
		BeforeBind:      func() { a.ctrl.Cancel() },
		OnBind: func(b partition.Binding) {
			logger.Info("conversation bound",
				"identity", identity.Key(b.Identity),
				"switched", b.Switched,
				"restored", b.Restored,
				"turns", b.Turns,
			)
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	a.binding, err = a.repo.Bind(ctx)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// watchIdentity rebinds whenever the credentials file changes, until ctx
// ends.
func (a *app) watchIdentity(ctx context.Context) error {
	changes, err := a.provider.Watch(ctx)
	if err != nil {
		return err
	}
	go func() {
		if err := a.repo.Watch(ctx, changes); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("identity watch stopped", "error", err)
		}
	}()
	return nil
}

// close stops the controller, flushes the partition and releases storage.
// Only the first call does anything.
func (a *app) close() {
	a.closeOnce.Do(a.release)
}

func (a *app) release() {
	if a.ctrl != nil {
		a.ctrl.Close()
	}
	if a.repo != nil {
		if err := a.repo.Flush(); err != nil {
			a.logger.Warn("final history flush failed", "error", err)
		}
	}
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			a.logger.Warn("close storage", "error", err)
		}
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(context.Background()); err != nil {
			a.logger.Warn("shutdown tracing", "error", err)
		}
	}
}

func openKV(cfg *config.Config, logger *slog.Logger) (storage.KV, error) {
	if cfg.Storage.InMemory {
		return storage.NewMemory(), nil
	}
	bcfg := storage.DefaultBadgerConfig()
	bcfg.Path = cfg.Storage.Path
	bcfg.Logger = logger
	db, err := storage.OpenBadger(bcfg)
	if err != nil {
		return nil, fmt.Errorf("open history storage: %w", err)
	}
	return db, nil
}

func tracesExporter(cfg *config.Config) string {
	if cfg.Telemetry.StdoutTraces {
		return telemetry.ExporterStdout
	}
	return telemetry.ExporterNone
}
