// novasqld opens a database directory and keeps its engine alive until
// interrupted, flushing cleanly on shutdown. It exposes no network
// listener or SQL layer — a caller embeds internal/engine directly; this
// binary exists to exercise that lifecycle standalone and to smoke-test a
// data directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tuannm99/novasql/internal/config"
	"github.com/tuannm99/novasql/internal/engine"
)

func main() {
	var (
		dataDir string
		cfgPath string
		init    bool
	)
	flag.StringVar(&dataDir, "data", "./data", "path to the database directory")
	flag.StringVar(&cfgPath, "config", "", "path to a novasql yaml config (optional)")
	flag.BoolVar(&init, "init", false, "format a fresh database at -data instead of reopening one")
	flag.Parse()

	if err := run(dataDir, cfgPath, init); err != nil {
		log.Fatalf("novasqld: %v", err)
	}
}

func run(dataDir, cfgPath string, init bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if init {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}

	e, err := engine.Open(dataDir, init, &cfg)
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer func() {
		if err := e.Close(); err != nil {
			log.Printf("novasqld: close engine: %v", err)
		}
	}()

	log.Printf("novasqld: engine open at %s (init=%v)", dataDir, init)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Printf("novasqld: shutting down")
	return nil
}
