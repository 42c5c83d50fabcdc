package main

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"

	"github.com/pulsekit/glitchtrace-agent/internal/database"
	"github.com/pulsekit/glitchtrace-agent/internal/server"
)

type config struct {
	Address string `env:"GLITCHTRACE_ADDRESS" envDefault:"127.0.0.1:8123"`
	DataDir string `env:"GLITCHTRACE_DATA_DIR"`
}

// defaultDataDir is platform-specific, mirroring where desktop agents
// keep their state.
func defaultDataDir() (string, error) {
	homeDirectory, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDirectory, "Library", "Application Support", "GlitchTrace"), nil
	case "windows":
		return filepath.Join(homeDirectory, "AppData", "Roaming", "GlitchTrace"), nil
	default: // linux and others
		return filepath.Join(homeDirectory, ".local", "share", "glitchtrace"), nil
	}
}

func main() {
	log := logrus.New()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.WithError(err).Fatal("failed to parse environment")
	}

	if cfg.DataDir == "" {
		dir, err := defaultDataDir()
		if err != nil {
			log.WithError(err).Fatal("failed to resolve data directory")
		}
		cfg.DataDir = dir
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.WithError(err).Fatal("failed to create data directory")
	}
	databasePath := filepath.Join(cfg.DataDir, "toas.db")

	db, err := database.NewDatabase(databasePath)
	if err != nil {
		log.WithError(err).Fatal("failed to open TOA store")
	}
	defer db.Close()

	srv := server.NewServer(db, cfg.Address, log)
	if err := srv.Start(); err != nil {
		log.WithError(err).Fatal("server shutdown failed")
	}
}
