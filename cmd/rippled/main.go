package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ripple-db/ripple/internal/agent"
	"github.com/ripple-db/ripple/internal/config"
)

// Flags mirror spec.md §6's recognized options.
var (
	flagBasePath   = flag.String("base-path", "./data", "directory for site id, sqlite state, and schema")
	flagGossip     = flag.String("gossip-addr", ":7946", "UDP address for SWIM gossip and broadcast fan-out")
	flagAPI        = flag.String("api-addr", ":8787", "HTTP address for the peer-facing sync surface (empty to disable)")
	flagBootstrap  = flag.String("bootstrap", "", "comma-separated list of host:port[@dns-server] bootstrap entries")
	flagSchema     = flag.String("schema-path", "", "directory of CREATE TABLE schema files to apply on startup (optional)")
	flagMaxRows    = flag.Int("max-rows-impacted", 10_000, "abort a write transaction touching more change-log rows than this")
	flagMaxSkew    = flag.Duration("max-skew", 300*time.Millisecond, "reject a remote clock reading further ahead than this")
	flagCheckpoint = flag.Duration("checkpoint-every", 15*time.Minute, "WAL checkpoint interval (0 selects the 15m default)")
	flagBootEvery  = flag.Duration("bootstrap-every", 5*time.Minute, "how often to re-resolve bootstrap DNS entries")
)

func main() {
	flag.Parse()

	cfg := config.Config{
		BasePath:        *flagBasePath,
		GossipAddr:      *flagGossip,
		APIAddr:         *flagAPI,
		Bootstrap:       splitNonEmpty(*flagBootstrap),
		SchemaPath:      *flagSchema,
		MaxRowsImpacted: *flagMaxRows,
		MaxSkew:         *flagMaxSkew,
		CheckpointEvery: *flagCheckpoint,
		BootstrapEvery:  *flagBootEvery,
	}

	a, err := agent.New(cfg)
	if err != nil {
		log.Fatalf("rippled: %v", err)
	}
	defer a.Close()

	log.Printf("rippled: site %s listening gossip=%s api=%s", a.Actor, cfg.GossipAddr, cfg.APIAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("rippled: %v", err)
	}
}

func splitNonEmpty(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
