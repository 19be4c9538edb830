package main

import (
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"votekeep/internal/config"
	"votekeep/internal/image"
	"votekeep/internal/logging"
	"votekeep/internal/region"
	"votekeep/internal/server"
	"votekeep/internal/votes"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	listen := flag.String("listen", "", "listen address (overrides config)")
	backend := flag.String("backend", "", "storage backend: file, bolt, or memory (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// CLI flags override config file values
	if *dataDir != "" {
		cfg.Node.DataDir = *dataDir
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *backend != "" {
		cfg.Storage.Backend = *backend
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logging.Init(cfg.Logging.Level, cfg.Logging.Format)

	cfg.Node.DataDir = config.ExpandHome(cfg.Node.DataDir)
	if err := os.MkdirAll(cfg.Node.DataDir, 0700); err != nil {
		log.Fatalf("creating data dir: %v", err)
	}

	img, err := openImage(cfg)
	if err != nil {
		log.Fatalf("image: %v", err)
	}

	mgr, err := region.Open(img)
	if err != nil {
		log.Fatalf("region manager: %v", err)
	}

	store, err := votes.Open(mgr)
	if err != nil {
		log.Fatalf("vote store: %v", err)
	}
	defer store.Close()

	srv := server.New(store)
	if err := srv.Start(cfg.Server.Listen); err != nil {
		log.Fatalf("server: %v", err)
	}

	slog.Info("votekeep running",
		"node", cfg.Node.Name,
		"addr", srv.Addr(),
		"backend", cfg.Storage.Backend,
		"votes", store.Count())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	slog.Info("shutting down")
	srv.Stop()
}

func openImage(cfg *config.Config) (image.Image, error) {
	switch cfg.Storage.Backend {
	case "bolt":
		return image.OpenBolt(filepath.Join(cfg.Node.DataDir, "votes.db"))
	case "memory":
		return image.NewMemory(), nil
	default:
		return image.OpenFile(filepath.Join(cfg.Node.DataDir, "votes.img"))
	}
}
