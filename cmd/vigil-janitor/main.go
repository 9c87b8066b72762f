package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/vigilops/vigil/pkg/deliverylog"
)

var (
	dbURL     = flag.String("db-url", getEnv("VIGIL_DATABASE_URL", "postgres://localhost/vigil?sslmode=disable"), "PostgreSQL connection URL")
	schedule  = flag.String("schedule", "30 0 * * *", "Cron schedule for history cleanup (default: 00:30 UTC)")
	retention = flag.Duration("retention", 30*24*time.Hour, "How long delivery records are kept")
	runOnce   = flag.Bool("run-once", false, "Run cleanup once and exit")
)

func main() {
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	db, err := sql.Open("postgres", *dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	store, err := deliverylog.NewDBStore(db, nil)
	if err != nil {
		log.Fatalf("Failed to initialize delivery history store: %v", err)
	}

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		removed, err := store.Cleanup(ctx, *retention)
		if err != nil {
			log.WithError(err).Error("delivery history cleanup failed")
			return
		}
		log.WithField("removed", removed).Info("delivery history cleanup complete")
	}

	if *runOnce {
		cleanup()
		return
	}

	c := cron.New()
	if _, err := c.AddFunc(*schedule, cleanup); err != nil {
		log.Fatalf("Invalid cron schedule %q: %v", *schedule, err)
	}
	c.Start()
	log.WithField("schedule", *schedule).Info("vigil-janitor started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	ctx := c.Stop()
	<-ctx.Done()
	log.Info("vigil-janitor stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
