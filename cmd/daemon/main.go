// SPDX-License-Identifier: MIT

// mudgate is the session broker daemon: it accepts websocket clients,
// multiplexes them onto MUD sessions, and keeps those sessions alive across
// client reconnects.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openmud/mudgate/internal/api"
	"github.com/openmud/mudgate/internal/config"
	"github.com/openmud/mudgate/internal/log"
	"github.com/openmud/mudgate/internal/session"
	"github.com/openmud/mudgate/internal/sound"
	"github.com/openmud/mudgate/internal/upstream"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	showVersion := flag.Bool("version", false, "print version and exit")
	listen := flag.String("listen", "", "listen address (overrides MUDGATE_LISTEN)")
	rulesPath := flag.String("rules", "", "sound rule document path (overrides MUDGATE_RULES_PATH)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mudgate %s (commit: %s, built: %s)\n", version, commit, buildDate)
		return exitOK
	}

	cfg := config.FromEnv()
	if *listen != "" && os.Getenv("MUDGATE_LISTEN") == "" {
		cfg.ListenAddr = *listen
	}
	if *rulesPath != "" && os.Getenv("MUDGATE_RULES_PATH") == "" {
		cfg.RulesPath = *rulesPath
	}

	tail := log.NewRing(cfg.LogTailLines)
	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Tail:    tail,
		Service: "mudgate",
		Version: version,
	})
	logger := log.WithComponent("daemon")

	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rules []sound.Rule
	if cfg.RulesPath != "" {
		var err error
		rules, err = sound.LoadFile(cfg.RulesPath)
		if err != nil {
			logger.Error().Err(err).Str("path", cfg.RulesPath).Msg("cannot load sound rules")
			return exitConfig
		}
	}
	sounds := sound.NewEngine(rules)
	logger.Info().Int("rules", sounds.RuleCount()).Msg("sound engine ready")

	dialer := upstream.NewDialer(upstream.Config{
		Addr:         cfg.MUDAddr(),
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
		ReadBuffer:   cfg.ReadBuffer,
	})
	mgr := session.NewManager(cfg, dialer, sounds)
	go mgr.Run(ctx)

	if cfg.RulesPath != "" {
		go func() {
			if err := sounds.Watch(ctx, cfg.RulesPath); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn().Err(err).Msg("sound rule watcher stopped")
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(cfg, mgr, sounds, tail).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("listen", cfg.ListenAddr).
			Str(log.FieldUpstream, cfg.MUDAddr()).
			Str("version", version).
			Msg("mudgate listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
			return exitRuntime
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	mgr.Shutdown()

	logger.Info().Msg("mudgate stopped")
	return exitOK
}
