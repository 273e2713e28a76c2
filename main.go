package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		Log.WithError(err).Fatal("invalid configuration")
	}
	InitLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	db, err := OpenDB(cfg.DBPath)
	if err != nil {
		Log.WithError(err).Fatal("open database")
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.AssetDir != "" {
		n, err := ImportAssetDir(ctx, db, cfg.AssetDir)
		if err != nil {
			Log.WithError(err).WithField("dir", cfg.AssetDir).Fatal("import assets")
		}
		Log.WithFields(logrus.Fields{"dir": cfg.AssetDir, "assets": n}).Info("assets imported")
	}

	srv, err := NewServer(cfg, db)
	if err != nil {
		Log.WithError(err).Fatal("create server")
	}
	if cfg.PlayerKeys != "" {
		n, err := srv.auth.ImportKeyFile(cfg.PlayerKeys)
		if err != nil {
			Log.WithError(err).WithField("file", cfg.PlayerKeys).Fatal("import player keys")
		}
		Log.WithField("keys", n).Info("player keys imported")
	}

	if err := srv.Run(ctx); err != nil {
		Log.WithError(err).Fatal("server stopped")
	}
}
