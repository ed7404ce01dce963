package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hostsentry/hostsentry/internal/authcache"
	"github.com/hostsentry/hostsentry/internal/authz"
	"github.com/hostsentry/hostsentry/internal/bundle"
	"github.com/hostsentry/hostsentry/internal/config"
	"github.com/hostsentry/hostsentry/internal/enrich"
	"github.com/hostsentry/hostsentry/internal/eventsource"
	"github.com/hostsentry/hostsentry/internal/export"
	"github.com/hostsentry/hostsentry/internal/metrics"
	"github.com/hostsentry/hostsentry/internal/mutes"
	"github.com/hostsentry/hostsentry/internal/notify"
	"github.com/hostsentry/hostsentry/internal/procfs"
	"github.com/hostsentry/hostsentry/internal/rules"
	"github.com/hostsentry/hostsentry/internal/server"
	"github.com/hostsentry/hostsentry/internal/watchitems"
	"github.com/hostsentry/hostsentry/pkg/types"
)

const defaultConfigPath = "/etc/hostsentry/config.yaml"

func newRunCmd(version string) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the authorization daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			setupLogging(cfg.Logging.Level)
			return runDaemon(ctx, cfg, version)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", defaultConfigPath, "Path to config YAML")
	return cmd
}

func setupLogging(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func runDaemon(ctx context.Context, cfg *config.Config, version string) error {
	store, err := rules.Open(cfg.Rules.DBPath)
	if err != nil {
		return fmt.Errorf("open rule store: %w", err)
	}
	defer store.Close()

	coll := metrics.New()
	notifier := notify.New(cfg.Notify.Buffer)
	notifier.OnDrop = coll.IncNotifyDropped

	var queue *export.Queue
	if cfg.Export.Enabled {
		queue, err = export.New(ctx, export.Config{
			Endpoint:     cfg.Export.Endpoint,
			Insecure:     cfg.Export.Insecure,
			BatchTimeout: cfg.Export.BatchTimeout,
			BatchMaxSize: cfg.Export.BatchMaxSize,
		})
		if err != nil {
			return fmt.Errorf("export queue: %w", err)
		}
		defer queue.Close()
	}

	mode := func() types.ClientMode { return cfg.Mode }

	var watch *watchitems.Manager
	var clearCache func()
	if cfg.WatchItems.Enabled {
		watch, err = watchitems.New(cfg.WatchItems.Path, func() {
			if clearCache != nil {
				clearCache()
			}
		})
		if err != nil {
			return fmt.Errorf("watch items: %w", err)
		}
	}

	var matcher rules.WatchMatcher
	if watch != nil {
		matcher = watch
	}
	evaluator := rules.NewEvaluator(store, mode, matcher)

	hasher := &bundle.Hasher{HashLimitBytes: 32 << 20}
	var hashedDirs sync.Map

	onDecision := func(em *authz.EnrichedMessage, d types.Decision) {
		ev := storedEvent(em, d)
		if queue != nil {
			queue.Submit(ctx, ev, nil)
		}
		if d.Action != types.ActionDeny {
			return
		}
		notifier.Publish(notify.Notification{
			Kind:     ev.Kind,
			Path:     ev.Path,
			FileHash: ev.FileHash,
			Vnode:    em.Msg.Vnode(),
			Decision: d.Action,
			Rule:     d.Rule,
			Message:  d.Message,
		})
		// Hash the denied binary's directory once, so sync learns about
		// sibling binaries before they run.
		if queue != nil && ev.Kind == types.KindExec && ev.Path != "" {
			dir := filepath.Dir(ev.Path)
			if _, seen := hashedDirs.LoadOrStore(dir, struct{}{}); !seen {
				go hashBundle(ctx, hasher, queue, ev, dir)
			}
		}
	}

	source := eventsource.NewFanotify(cfg.EventSource.Deadline, "/")
	cache := authcache.New(rootDevice(cfg), cfg.Cache.MaxPerScope)

	client, err := authz.NewClient(authz.Config{
		Source:        source,
		Cache:         cache,
		Mutes:         mutes.NewManager(),
		Enricher:      enrich.NewPipeline(cfg.EventSource.DeadlineSlack, 0),
		Evaluator:     evaluator,
		Metrics:       coll,
		DeadlineSlack: cfg.EventSource.DeadlineSlack,
		FailClosed:    cfg.FailClosed,
		Workers:       cfg.EventSource.Workers,
		OnDecision:    onDecision,
	})
	if err != nil {
		return err
	}
	clearCache = func() { _ = client.ClearCache() }

	// An event source that cannot be established is fatal: running
	// blind would mean enforcing nothing.
	if err := client.Establish(); err != nil {
		return exitf(2, "establish event source: %v", err)
	}
	defer source.Close()

	if err := client.SubscribeAndClearCache(cfg.SubscribedKinds()); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer func() { _ = client.UnsubscribeAll() }()

	if err := applyConfiguredMutes(client, cfg); err != nil {
		return err
	}

	app := server.NewApp(server.Options{
		Client:   client,
		Rules:    store,
		Watch:    watch,
		Notifier: notifier,
		Sync:     syncAdapter(queue),
		Metrics:  coll,
		Mode:     mode,
		Version:  version,
	})
	go func() {
		if err := app.Serve(ctx, cfg.Server.Addr); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("control surface stopped", "error", err)
		}
	}()

	if watch != nil {
		go func() {
			if err := watch.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("watch items watcher stopped", "error", err)
			}
		}()
	}

	slog.Info("hostsentryd running",
		"version", version, "mode", cfg.Mode, "kinds", cfg.SubscribedKinds())
	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func applyConfiguredMutes(client *authz.Client, cfg *config.Config) error {
	if len(cfg.Mutes.Paths) > 0 {
		if err := client.EnableTargetPathWatching(); err != nil {
			return fmt.Errorf("enable path watching: %w", err)
		}
		if err := client.MuteTargetPaths(cfg.Mutes.Paths); err != nil {
			return fmt.Errorf("mute paths: %w", err)
		}
	}
	if len(cfg.Mutes.Processes) > 0 {
		if err := client.EnableProcessWatching(); err != nil {
			return fmt.Errorf("enable process watching: %w", err)
		}
		for _, pid := range cfg.Mutes.Processes {
			tok, err := procfs.Token("", pid)
			if err != nil {
				slog.Warn("skipping mute for absent process", "pid", pid, "error", err)
				continue
			}
			if err := client.MuteProcess(tok); err != nil {
				return fmt.Errorf("mute process %d: %w", pid, err)
			}
		}
	}
	return nil
}

func rootDevice(cfg *config.Config) uint64 {
	if cfg.Cache.RootDevice != 0 {
		return cfg.Cache.RootDevice
	}
	return statRootDevice()
}

func storedEvent(em *authz.EnrichedMessage, d types.Decision) types.StoredEvent {
	return types.StoredEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Kind:      em.Msg.Kind(),
		PID:       em.Msg.Process().PID,
		UID:       em.Msg.Process().UID,
		Path:      em.Msg.TargetPath(),
		FileHash:  em.Context.FileHash,
		Decision:  d.Action,
		Rule:      d.Rule,
	}
}

func hashBundle(ctx context.Context, hasher *bundle.Hasher, queue *export.Queue, ev types.StoredEvent, dir string) {
	ev.BundlePath = dir
	res, err := hasher.HashBundleBinaries(ctx, ev, nil)
	if err != nil {
		slog.Debug("bundle hash failed", "dir", dir, "error", err)
		return
	}
	for _, rel := range res.Related {
		queue.Submit(ctx, rel, nil)
	}
	slog.Info("bundle hashed",
		"dir", dir, "hash", res.BundleHash, "binaries", len(res.Related), "elapsed", res.Elapsed)
}

// syncAdapter exposes the export queue on the control surface, flushing
// on query so operators see a fresh outcome.
func syncAdapter(q *export.Queue) server.SyncStatus {
	if q == nil {
		return nil
	}
	return &flushingStatus{q: q}
}

type flushingStatus struct{ q *export.Queue }

func (f *flushingStatus) StatusJSON(ctx context.Context) any {
	fctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = f.q.Flush(fctx)
	return f.q.Status()
}
