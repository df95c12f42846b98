// Package main provides the companion daemon hosting the POS write queue for
// a local UI. UIs talk REST/WebSocket on localhost.
package main

import (
	"flag"
	"net/http"
	"os"

	"github.com/mvelasco/posqueue/internal/config"
	"github.com/mvelasco/posqueue/internal/logging"
	"github.com/mvelasco/posqueue/internal/service"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Init(os.Stdout, "info")
		logging.Get().Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(os.Stdout, cfg.Log.Level)
	log := logging.Component("main")
	log.Info().Str("config", cfg.String()).Msg("starting posqueued")

	svc, err := service.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize queue service")
	}
	defer svc.Close()

	// Bridge queue events to connected UIs.
	hub := NewWSHub()
	eventCh, unsubscribe := svc.Events()
	defer unsubscribe()
	go hub.Forward(eventCh)

	// Begin probing for connectivity; sales queue up until the API is
	// reachable.
	svc.Start()

	server := NewServer(svc, hub)
	log.Info().Str("addr", cfg.Server.ListenAddr).Msg("listening")
	if err := http.ListenAndServe(cfg.Server.ListenAddr, server.Routes()); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
