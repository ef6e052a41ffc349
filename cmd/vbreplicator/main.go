// Command vbreplicator runs one replicator process: it loads a config
// file, resolves this process's position in its peer group, and streams
// mutations from the source database into the index cluster until an OS
// termination signal or a fatal pipeline error stops it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mvarga/vbreplicator/config"
	"github.com/mvarga/vbreplicator/internal/emit"
	"github.com/mvarga/vbreplicator/metrics"
	"github.com/mvarga/vbreplicator/request"
	"github.com/mvarga/vbreplicator/supervisor"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code: 0 for graceful shutdown, non-zero for
// any fatal path, per spec.md §6.
func run() int {
	configPath := flag.String("config", "vbreplicator.yaml", "path to the replicator config file")
	flag.Parse()

	cfg, warnings, err := config.Load(*configPath)
	if err != nil {
		log.Printf("fatal: %v", err)
		return 1
	}

	emitter := buildEmitter(cfg)
	for _, w := range warnings {
		emitter.Emit(emit.Event{Partition: -1, Msg: emit.MsgConfigWarning, Meta: map[string]interface{}{"message": w.Message}})
	}

	if err := config.CheckWatchReplicas(); err != nil {
		log.Printf("fatal: %v", err)
		return 1
	}

	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("fatal: resolve hostname: %v", err)
		return 1
	}
	group, err := config.ResolveMembership(cfg.Group, hostname)
	if err != nil {
		log.Printf("fatal: %v", err)
		return 1
	}

	indexClient, err := cfg.IndexClient()
	if err != nil {
		log.Printf("fatal: %v", err)
		return 1
	}
	sourceClient, err := cfg.SourceClient()
	if err != nil {
		log.Printf("fatal: %v", err)
		return 1
	}
	store, err := cfg.CheckpointStore()
	if err != nil {
		log.Printf("fatal: %v", err)
		return 1
	}

	rejectLog, closeRejects, err := buildRejectLog(cfg.Logging.RejectLogPath)
	if err != nil {
		log.Printf("fatal: %v", err)
		return 1
	}
	defer closeRejects()

	m := metrics.New()

	sup := supervisor.New(supervisor.Options{
		Group:                   group,
		Source:                  sourceClient,
		Store:                   store,
		IndexClient:             indexClient,
		Rules:                   cfg.TypeRules(),
		Rejects:                 rejectLog,
		Emitter:                 emitter,
		Metrics:                 m,
		WorkerConfig:            cfg.WorkerConfig(),
		MetricsAddr:             fmt.Sprintf(":%d", cfg.Metrics.HTTPPort),
		CheckpointFlushInterval: 10 * time.Second,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fatalErr := sup.Run(ctx)
	if fatalErr != nil {
		log.Printf("fatal: %v", fatalErr)
		// Give stdout/stderr a moment to drain before the process exits,
		// per spec.md §6, so the fatal stack isn't interleaved with an
		// abrupt process exit.
		time.Sleep(500 * time.Millisecond)
		return 1
	}
	return 0
}

func buildEmitter(cfg *config.Config) emit.Emitter {
	if !cfg.Logging.LogDocumentLifecycle {
		return emit.NewNullEmitter()
	}
	return emit.NewLogEmitter(os.Stdout, cfg.Logging.JSON, cfg.RedactionLevel())
}

func buildRejectLog(path string) (*request.RejectLog, func(), error) {
	if path == "" {
		path = "reject.log"
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, func() {}, fmt.Errorf("main: open reject log %s: %w", path, err)
	}
	return request.NewRejectLog(f), func() { _ = f.Close() }, nil
}
