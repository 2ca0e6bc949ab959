package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/yap-chat/yap/internal/api"
	"github.com/yap-chat/yap/internal/config"
	"github.com/yap-chat/yap/internal/core"
	"github.com/yap-chat/yap/internal/hub"
	"github.com/yap-chat/yap/internal/logging"
	"github.com/yap-chat/yap/internal/message"
	"github.com/yap-chat/yap/internal/shutdown"
	"github.com/yap-chat/yap/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "yapd:", err)
		os.Exit(1)
	}
}

func run(configPath string) (err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	gw, err := store.Open(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() { err = multierr.Append(err, gw.Close()) }()

	toCore := make(chan message.Inbound, cfg.Core.Queue)
	fromCore := make(chan message.Outbound, cfg.Core.Queue)
	requests := make(chan core.Pending, cfg.Core.Queue)

	h := hub.New(hub.Config{
		WorkerQueue:    cfg.Hub.WorkerQueue,
		EventQueue:     cfg.Hub.EventQueue,
		WriteTimeout:   cfg.Hub.WriteTimeout,
		Heartbeat:      cfg.Hub.Heartbeat,
		InboundRate:    cfg.Hub.InboundRate,
		InboundBurst:   cfg.Hub.InboundBurst,
		AllowAnyOrigin: cfg.HTTP.AllowAnyOrigin,
	}, fromCore, toCore, logger)
	c := core.New(gw, toCore, fromCore, requests, logger)
	srv := api.NewServer(api.Config{
		Addr:            cfg.HTTP.Addr,
		EnableRegister:  cfg.HTTP.EnableRegister,
		AskTimeout:      cfg.Core.AskTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	}, core.NewAsker(requests, logger), h, logger)

	sig := shutdown.New()
	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error { h.Run(sig); return nil })
	g.Go(func() error { c.Run(sig); return nil })
	g.Go(func() error { return srv.Run(sig) })

	log.Infow("yapd starting",
		"addr", cfg.HTTP.Addr,
		"storage", cfg.Storage.Driver,
		"path", cfg.Storage.Path,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Infow("shutdown requested")
	case <-gctx.Done():
		log.Warnw("component failed, shutting down")
	}

	sig.Broadcast()
	log.Infow("shutdown phase", "phase", sig.Phase(), "drain_period", cfg.Shutdown.DrainPeriod)
	select {
	case <-time.After(cfg.Shutdown.DrainPeriod):
	case <-gctx.Done():
	}
	sig.Broadcast()
	log.Infow("shutdown phase", "phase", sig.Phase())

	if werr := g.Wait(); werr != nil {
		err = multierr.Append(err, werr)
	}
	log.Infow("yapd stopped", "error", err)
	return err
}
