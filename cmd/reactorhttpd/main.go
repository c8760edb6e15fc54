//go:build linux

package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/feichai0017/reactorhttpd/internal/config"
	"github.com/feichai0017/reactorhttpd/internal/server"
)

func main() {
	cfg, err := config.Load(os.Args[0], os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg config.Config, logger *zap.Logger) error {
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := srv.Start(cfg.Port, cfg.Workers); err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	var deadline <-chan time.Time
	if cfg.RunFor > 0 {
		timer := time.NewTimer(cfg.RunFor)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case sig := <-signals:
		logger.Info("received signal", zap.Stringer("signal", sig))
	case <-deadline:
		logger.Info("run time elapsed", zap.Duration("run_for", cfg.RunFor))
	}
	return srv.Stop()
}
