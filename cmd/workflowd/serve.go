package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/runflow-dev/workflow/config"
	"github.com/runflow-dev/workflow/hook"
	"github.com/runflow-dev/workflow/httpapi"
	"github.com/runflow-dev/workflow/ids"
	"github.com/runflow-dev/workflow/manifest"
	"github.com/runflow-dev/workflow/metrics"
	"github.com/runflow-dev/workflow/orchestrator"
	"github.com/runflow-dev/workflow/queue"
	"github.com/runflow-dev/workflow/retry"
	"github.com/runflow-dev/workflow/serialize"
	"github.com/runflow-dev/workflow/stepexec"
	"github.com/runflow-dev/workflow/store"
	"github.com/runflow-dev/workflow/store/memstore"
	"github.com/runflow-dev/workflow/store/mysql"
	"github.com/runflow-dev/workflow/store/postgres"
	"github.com/runflow-dev/workflow/store/sqlite"
	"github.com/runflow-dev/workflow/telemetry"
	"github.com/runflow-dev/workflow/world"
)

// pollInterval is how often a worker goroutine retries an empty topic. The
// in-process Dispatcher has no blocking-pop primitive (it is deliberately a
// plain map + heap, not a channel, so httpapi's InvokeHandler can also drive
// it synchronously), so local/single-process delivery is a short poll loop
// rather than a blocking receive.
const pollInterval = 100 * time.Millisecond

func newServeCommand() *cobra.Command {
	var deploymentID string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the workflowd HTTP server",
		Long: `serve loads configuration from the environment (WORKFLOW_TARGET_WORLD,
WORKFLOW_LOCAL_DATA_DIR, WORKFLOW_POSTGRES_URL, WORKFLOW_MYSQL_DSN,
WORKFLOW_MANIFEST_PATH, PORT), constructs the selected store backend, and
serves the flow/step/webhook HTTP surface until SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if deploymentID == "" {
				deploymentID = ids.NewGenerator().New()
			}
			return runServe(cmd.Context(), deploymentID)
		},
	}

	cmd.Flags().StringVar(&deploymentID, "deployment-id", "", "Deployment identifier stamped on new runs (default: random)")

	return cmd
}

func runServe(ctx context.Context, deploymentID string) error {
	cfg := config.Load()
	log := telemetry.NewLogEmitter(os.Stdout, false)
	log.Emit(telemetry.Event{Msg: "starting workflowd", Meta: map[string]any{"target_world": string(cfg.TargetWorld), "port": cfg.Port}})

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("workflowd: open store: %w", err)
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	m.Enable()

	disp := queue.New(nil)
	w := retry.New(world.New(st, disp, world.NewMemStream(), deploymentID, m))

	orch := orchestrator.New(w)
	bg := serialize.NewBackgroundScheduler(4)
	codec := serialize.NewCodec(w, bg)
	exec := stepexec.New(w, codec, m)
	hooks := hook.New(w, m)

	registerBuiltins(orch, exec)

	topics := []string{queue.WorkflowTopic(demoWorkflowName), queue.StepTopic(demoStepName)}
	disp.RegisterHandler(queue.WorkflowTopic(demoWorkflowName), orch.Handle)
	disp.RegisterHandler(queue.StepTopic(demoStepName), exec.Handle)

	mf, err := loadManifest(cfg.ManifestPath, log)
	if err != nil {
		return err
	}
	watcher, err := watchManifest(cfg.ManifestPath, log, &mf)
	if err != nil {
		log.Emit(telemetry.Event{Msg: "manifest watch disabled", Meta: map[string]any{"error": err.Error()}})
	}
	if watcher != nil {
		defer watcher.Close()
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	for _, topic := range topics {
		go pollTopic(workerCtx, disp, m, topic)
	}
	defer cancelWorkers()

	mux := http.NewServeMux()
	mux.Handle("/", httpapi.NewRouter(disp, hooks))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: mux}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Emit(telemetry.Event{Msg: "shutdown signal received"})
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("workflowd: serve: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openStore constructs the store.Store backend config.TargetWorld selects.
func openStore(cfg config.Config) (store.Store, func(), error) {
	clock := ids.SystemClock{}
	switch cfg.TargetWorld {
	case config.TargetSQLite:
		path := cfg.LocalDataDir + "/workflow.db"
		s, err := sqlite.Open(path, clock)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.TargetPostgres:
		s, err := postgres.Open(cfg.PostgresURL, clock)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.TargetMySQL:
		s, err := mysql.Open(cfg.MySQLDSN, clock)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return memstore.New(clock), func() {}, nil
	}
}

func loadManifest(path string, log *telemetry.LogEmitter) (*manifest.Manifest, error) {
	mf, err := manifest.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Emit(telemetry.Event{Msg: "manifest not found, continuing without one", Meta: map[string]any{"path": path}})
			return &manifest.Manifest{Version: "0"}, nil
		}
		return nil, fmt.Errorf("workflowd: load manifest: %w", err)
	}
	return mf, nil
}

func watchManifest(path string, log *telemetry.LogEmitter, current **manifest.Manifest) (*config.Watcher, error) {
	w, err := config.NewWatcher(path)
	if err != nil {
		return nil, err
	}
	go w.Watch(
		func(mf *manifest.Manifest) {
			*current = mf
			log.Emit(telemetry.Event{Msg: "manifest reloaded", Meta: map[string]any{"version": mf.Version}})
		},
		func(err error) {
			log.Emit(telemetry.Event{Msg: "manifest reload failed", Meta: map[string]any{"error": err.Error()}})
		},
	)
	return w, nil
}

// pollTopic repeatedly drains topic, backing off when empty. This is the
// local-process worker loop; a deployment that fronts the Dispatcher with a
// real push queue (Cloud Tasks/Pub/Sub-style) instead drives delivery
// through httpapi's InvokeHandler path and never needs this loop, but it
// keeps workflowd runnable standalone against the in-memory/relational
// backends without any external queue infrastructure.
func pollTopic(ctx context.Context, disp *queue.Dispatcher, m *metrics.Metrics, topic string) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetQueueDepth(topic, disp.Depth(topic))
			for {
				delivered, err := disp.Deliver(ctx, topic)
				_ = err // handler failures already persist a classified event; redelivery is automatic
				if !delivered {
					break
				}
			}
		}
	}
}
