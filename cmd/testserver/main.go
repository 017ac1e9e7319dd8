// testserver starts a chainlink API server over the scripted fake engine for
// E2E testing. Images "alpine" and "busybox" can be pulled; "local-only" is
// present without a registry.
//
// Usage: go run ./cmd/testserver
package main

import (
	"log"
	"os"
	"time"

	"github.com/seantiz/chainlink/internal/api"
	"github.com/seantiz/chainlink/internal/backend/fake"
	"github.com/seantiz/chainlink/internal/chain"
	"github.com/seantiz/chainlink/internal/config"
	"github.com/seantiz/chainlink/internal/engine"
	"github.com/seantiz/chainlink/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel, config.FormatText)

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	b := fake.New()
	b.AddImage("alpine", fake.Image{Remote: true})
	b.AddImage("busybox", fake.Image{Remote: true})
	b.AddImage("local-only", fake.Image{Local: true})

	eng := engine.NewEngine(b, db, engine.Options{
		Chain: chain.Options{
			WorkDir:     cfg.WorkDir,
			StopTimeout: 2 * time.Second,
		},
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
		Logger:            logger,
	})
	srv := api.NewServer(cfg.ListenAddr, db, eng, logger)

	logger.Info("testserver: starting", "addr", cfg.ListenAddr)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
