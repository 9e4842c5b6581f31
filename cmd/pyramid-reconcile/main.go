// One-shot tool: run end-of-day reconciliation for one user outside the
// scheduler, e.g. after a missed 16:30 run.
//
// Usage:
//
//	go run ./cmd/pyramid-reconcile -user alice [-date 2024-03-04]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pyramid/internal/config"
	"pyramid/internal/session"
	"pyramid/internal/util"
)

func main() {
	userID := flag.String("user", "", "user id from the config (required)")
	date := flag.String("date", "", "trading date YYYY-MM-DD in the market timezone (default today)")
	flag.Parse()

	cfgPath := "config/pyramid.yaml"
	if p := os.Getenv("PYRAMID_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *userID == "" {
		log.Fatal("-user is required")
	}
	var user *config.User
	for i := range cfg.Users {
		if cfg.Users[i].ID == *userID {
			user = &cfg.Users[i]
		}
	}
	if user == nil {
		log.Fatalf("user %q not found in %s", *userID, cfgPath)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shared, closeShared, err := session.NewShared(ctx, cfg, nil, logger)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer closeShared()

	day := time.Now()
	if *date != "" {
		// End of the requested day so the close-of-day snapshot is used.
		d, err := time.ParseInLocation(util.DateLayout, *date, shared.Calendar.Location())
		if err != nil {
			log.Fatalf("bad -date: %v", err)
		}
		day = d.Add(24*time.Hour - time.Minute)
	}

	b, md, err := session.DefaultConnector(cfg, logger)(*user)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	s := session.New(shared, *user, b, md)
	if err := s.Authenticate(ctx); err != nil {
		log.Fatalf("%v", err)
	}

	sum, err := s.Reconciler().RunDay(ctx, day)
	out, _ := json.MarshalIndent(sum, "", "  ")
	os.Stdout.Write(append(out, '\n'))
	if err != nil {
		logger.Error("reconciliation incomplete", "error", err)
		closeShared()
		os.Exit(1)
	}
}
