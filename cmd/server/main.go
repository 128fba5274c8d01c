package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/skshohagmiah/flowsync/internal/config"
	"github.com/skshohagmiah/flowsync/internal/server"
)

var (
	configPath = flag.String("config", "", "Path to YAML config file")
	listen     = flag.String("listen", "", "Listen address (overrides config)")
	dataDir    = flag.String("data", "", "Data directory (overrides config)")
	logLevel   = flag.String("log-level", "", "Log level: debug, info, warn, error")
)

func main() {
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithError(err).Fatal("invalid log level")
	}
	log.SetLevel(level)

	srv, err := server.New(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize server")
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info("shutting down")
		if err := srv.Stop(); err != nil {
			log.WithError(err).Error("shutdown failed")
		}
	}()

	if err := srv.Start(); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}
