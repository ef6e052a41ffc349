// Package supervisor composes membership, checkpointing, request
// translation, worker dispatch, and the replication pipeline into one
// process lifecycle: startup in dependency order, a quiet period, periodic
// checkpoint flushing, and a shutdown sequence that reverses construction
// order and skips the final checkpoint save on any fatal path.
//
// The composition mirrors how graph.Engine wires a reducer, a store, and an
// emitter into one runnable unit (graph/engine.go), generalized here to the
// seven components spec'd for this replicator.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mvarga/vbreplicator/checkpoint"
	"github.com/mvarga/vbreplicator/dcp"
	"github.com/mvarga/vbreplicator/index"
	"github.com/mvarga/vbreplicator/internal/emit"
	"github.com/mvarga/vbreplicator/membership"
	"github.com/mvarga/vbreplicator/metrics"
	"github.com/mvarga/vbreplicator/request"
	"github.com/mvarga/vbreplicator/worker"
)

// ErrNoOwnedPartitions is returned by Run when this member's partition set
// is empty after discovering the source's partition count — "more workers
// than partitions" per membership.ConfigError, surfaced here as the fatal
// startup condition spec.md §4.6 step 3 names.
var ErrNoOwnedPartitions = errors.New("supervisor: this member owns no partitions")

// Options configures a Supervisor. Source, Store, and IndexClient are
// interfaces so tests can inject memsource/memclient/in-memory fakes in
// place of the production sqlsource/sqlstore/HTTP adapters config.Config
// builds.
type Options struct {
	Group membership.Group

	Source      dcp.SourceClient
	Store       checkpoint.Store
	IndexClient index.Client
	Rules       []request.TypeRule

	Rejects dcp.RejectSink
	Emitter emit.Emitter
	Metrics *metrics.Metrics

	WorkerConfig            worker.Config
	CheckpointFlushInterval time.Duration // default 10s, per spec.md §4.3
	StartupQuietPeriod      time.Duration // spec.md §4.7 step 8, §9

	// MetricsAddr, if set, is the address the metrics HTTP surface listens
	// on (spec.md §6). Empty disables it, e.g. in tests.
	MetricsAddr string
}

func (o Options) withDefaults() Options {
	if o.CheckpointFlushInterval <= 0 {
		o.CheckpointFlushInterval = 10 * time.Second
	}
	if o.Emitter == nil {
		o.Emitter = emit.NewNullEmitter()
	}
	return o
}

// Supervisor owns the full component graph and its lifecycle: Membership
// through DcpPipeline (C1-C6), composed and torn down in the order spec.md
// §2 and §4.7 specify.
type Supervisor struct {
	opts Options

	checkpoints *checkpoint.Service
	workers     *worker.Group
	pipeline    *dcp.Pipeline
	fatal       *worker.FatalLatch

	metricsSrv *http.Server

	mu             sync.Mutex
	partitions     []int
	shutdownHookOn bool
}

// New constructs C2-C5 (CheckpointService, RequestFactory, WorkerGroup) in
// the Idle state, ready for Run to discover partitions and start streaming.
// Construction itself never fails: invalid options surface once Run
// attempts to use them.
func New(opts Options) *Supervisor {
	opts = opts.withDefaults()

	fatal := worker.NewFatalLatch()
	checkpoints := checkpoint.NewService(opts.Store, opts.Emitter)
	factory := request.NewFactory(opts.Rules)

	client := opts.IndexClient
	if opts.Metrics != nil {
		client = metrics.InstrumentClient(client, opts.Metrics)
	}
	workers := worker.NewGroup(client, checkpoints, opts.Rejects, opts.Emitter, fatal, opts.WorkerConfig)
	pipeline := dcp.NewPipeline(opts.Source, factory, workers, checkpoints, opts.Rejects, opts.Emitter, fatal)

	return &Supervisor{
		opts:        opts,
		checkpoints: checkpoints,
		workers:     workers,
		pipeline:    pipeline,
		fatal:       fatal,
	}
}

// Checkpoints exposes the CheckpointService for diagnostics and tests.
func (s *Supervisor) Checkpoints() *checkpoint.Service { return s.checkpoints }

// Fatal exposes the panic-button latch; AwaitFatalError blocks on the same
// signal, this is for callers that want to select on it alongside other
// channels.
func (s *Supervisor) Fatal() *worker.FatalLatch { return s.fatal }

// AwaitFatalError blocks until a fatal error is latched, then returns it.
// It also returns (with nil) if ctx is cancelled first, matching the
// "graceful termination signal" shutdown path.
func (s *Supervisor) AwaitFatalError(ctx context.Context) error {
	select {
	case <-s.fatal.Done():
		return s.fatal.Err()
	case <-ctx.Done():
		return nil
	}
}

// Run executes the full startup sequence (spec.md §4.7 steps 1-13, steps
// 1-4 assumed already done by the caller building Options), then blocks
// until ctx is cancelled (graceful shutdown) or a fatal error is latched,
// then runs the shutdown sequence (step reversed) and returns.
//
// A non-nil error return means a fatal path fired; the caller (cmd/main.go)
// maps that to a non-zero exit code. A nil return means graceful shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	numPartitions, err := s.opts.Source.NumPartitions(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: discover partitions: %w", err)
	}
	partitions, err := s.opts.Group.Partitions(numPartitions)
	if err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	if len(partitions) == 0 {
		return ErrNoOwnedPartitions
	}

	s.mu.Lock()
	s.partitions = partitions
	s.mu.Unlock()

	if err := s.checkpoints.Init(ctx, partitions, s.opts.Source.CurrentSeqnos); err != nil {
		return fmt.Errorf("supervisor: init checkpoints: %w", err)
	}

	s.workers.Start(ctx)

	if s.opts.StartupQuietPeriod > 0 {
		select {
		case <-time.After(s.opts.StartupQuietPeriod):
		case <-ctx.Done():
			return s.shutdown(true)
		}
	}

	flushStop := make(chan struct{})
	flushDone := make(chan struct{})
	go s.runCheckpointFlush(flushStop, flushDone)

	if s.opts.MetricsAddr != "" && s.opts.Metrics != nil {
		s.startMetricsServer()
	}

	s.mu.Lock()
	s.shutdownHookOn = true
	s.mu.Unlock()

	pipelineDone := make(chan error, 1)
	go func() { pipelineDone <- s.pipeline.Run(ctx, partitions) }()

	var fatalErr error
	select {
	case <-s.fatal.Done():
		// Pre-panic hook removal: deregister the save-on-shutdown hook
		// before tearing down, so a fatal path never writes a checkpoint
		// for data that may not have actually landed in the index.
		s.mu.Lock()
		s.shutdownHookOn = false
		s.mu.Unlock()
		fatalErr = s.fatal.Err()
	case err := <-pipelineDone:
		// ctx cancellation surfaces here as the source's StartStreaming
		// returning ctx.Err(); that is the graceful path, not a pipeline
		// fault, so it must not trip the fatal latch.
		if err != nil && ctx.Err() == nil {
			s.fatal.Trip(err)
			s.mu.Lock()
			s.shutdownHookOn = false
			s.mu.Unlock()
			fatalErr = err
		}
	case <-ctx.Done():
	}

	close(flushStop)
	<-flushDone

	graceful := fatalErr == nil
	if shutdownErr := s.shutdown(graceful); shutdownErr != nil && fatalErr == nil {
		fatalErr = shutdownErr
	}
	return fatalErr
}

// shutdown runs the teardown sequence in reverse construction order:
// stop metrics, disconnect the source (stopping event delivery), close the
// worker group (after the source, so no buffered events leak), and save a
// final checkpoint only on the graceful path.
func (s *Supervisor) shutdown(graceful bool) error {
	if s.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}

	_ = s.pipeline.Close()

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	_ = s.workers.Drain(drainCtx)
	cancel()

	s.mu.Lock()
	hookOn := s.shutdownHookOn
	s.mu.Unlock()

	if graceful && hookOn {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.checkpoints.Save(saveCtx); err != nil {
			return fmt.Errorf("supervisor: final checkpoint save: %w", err)
		}
	}
	return nil
}

// runCheckpointFlush saves the checkpoint state on a fixed cadence until
// stop is closed, then closes done. It never saves past a fatal error: Run
// closes stop and waits for this goroutine to exit before the fatal/graceful
// branch in shutdown decides whether a final save happens.
func (s *Supervisor) runCheckpointFlush(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.opts.CheckpointFlushInterval)
	defer ticker.Stop()

	metricsTicker := time.NewTicker(time.Second)
	defer metricsTicker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := s.checkpoints.Save(context.Background()); err != nil {
				s.opts.Emitter.Emit(emit.Event{Partition: -1, Msg: emit.MsgFatalError, Meta: map[string]interface{}{"error": err.Error(), "stage": "periodic_checkpoint_save"}})
			}
		case <-metricsTicker.C:
			s.reportMetrics()
		}
	}
}

func (s *Supervisor) reportMetrics() {
	if s.opts.Metrics == nil {
		return
	}
	s.opts.Metrics.SetWriteQueueDepth(s.workers.QueueLen())
	for p, obs := range s.checkpoints.Snapshot() {
		s.opts.Metrics.SetPartitionSeqnos(p, obs.Committed.Seqno, obs.Observed)
	}
}

func (s *Supervisor) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics/prometheus", s.opts.Metrics.PrometheusHandler())
	mux.Handle("/metrics/dropwizard", s.opts.Metrics.DropwizardHandler())
	s.metricsSrv = &http.Server{Addr: s.opts.MetricsAddr, Handler: mux}
	go func() {
		if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.opts.Emitter.Emit(emit.Event{Partition: -1, Msg: emit.MsgFatalError, Meta: map[string]interface{}{"error": err.Error(), "stage": "metrics_server"}})
		}
	}()
}

// Partitions returns the partition set this member owns, populated once Run
// has discovered the source's partition count.
func (s *Supervisor) Partitions() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.partitions))
	copy(out, s.partitions)
	return out
}
