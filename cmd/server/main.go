// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main provides the entry point for the modelmux server.
// The server aggregates models from a metered cloud backend, a local
// inference daemon and any number of user-added OpenAI-compatible
// endpoints, and exposes them behind one OpenAI-compatible API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/modelmux/modelmux/internal/api"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/core"
	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/logging"
	"github.com/modelmux/modelmux/internal/store"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.SetupBaseLogger()
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// A .env next to the binary may carry MODELMUX_SESSION_TOKEN.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debugf("no .env loaded: %v", err)
	}

	cfg, err := config.LoadConfigOptional(*configPath, true)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
	if err = logging.ConfigureLogOutput("logs", cfg.LoggingToFile, cfg.LogsMaxTotalSizeMB); err != nil {
		log.Fatalf("failed to configure logging: %v", err)
	}

	log.Infof("modelmux %s (%s, built %s)", Version, Commit, BuildDate)

	st, err := store.Open(cfg.StatePath)
	if err != nil {
		log.Fatalf("failed to open state store: %v", err)
	}
	defer st.Close()

	bus := events.NewBus()
	defer bus.Shutdown()

	c := core.NewCore(cfg, st, bus)
	defer c.Close()

	if token := os.Getenv("MODELMUX_SESSION_TOKEN"); token != "" {
		c.SetSession(token)
	}

	stopWatch, err := config.Watch(*configPath, func(next *config.Config) {
		if next.Debug {
			log.SetLevel(log.DebugLevel)
		} else {
			log.SetLevel(log.InfoLevel)
		}
	})
	if err != nil {
		log.Warnf("config watching disabled: %v", err)
	} else {
		defer stopWatch()
	}

	// Initial probe sweep and catalog fill, then the periodic sweeper.
	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	c.CheckAll(startupCtx)
	c.RefreshCatalog(startupCtx)
	cancel()
	c.Start()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info("shutting down")
		c.Close()
		bus.Shutdown()
		_ = st.Close()
		os.Exit(0)
	}()

	server := api.New(c, bus)
	if err := server.Run(cfg.Host, cfg.Port); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
