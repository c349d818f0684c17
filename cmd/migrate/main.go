package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/skiff-sh/skiff/internal/app/migrate"
	"github.com/skiff-sh/skiff/pkg/config"
	"github.com/skiff-sh/skiff/pkg/logger"
)

func main() {
	var (
		command = flag.String("command", "up", "one of: up, status, down")
		target  = flag.Int64("to", 0, "target version for down (0 rolls back one step)")
	)
	flag.Parse()

	cfg := config.LoadServerConfig()
	log := logger.New("migrate", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	migrator, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("migrator setup failed", "error", err)
		os.Exit(1)
	}

	switch *command {
	case "up":
		err = migrator.Up(ctx)
	case "status":
		err = migrator.Status(ctx)
	case "down":
		err = migrator.DownTo(ctx, *target)
	default:
		log.Error("unknown command", "command", *command)
		os.Exit(2)
	}
	if err != nil {
		log.Error("migration command failed", "command", *command, "error", err)
		os.Exit(1)
	}
}
