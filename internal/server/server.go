// Package server is the read-only control surface of the daemon. It
// answers operator queries about cache, rules, mutes, and sync state,
// streams notifications over a websocket, and serves metrics. Nothing
// here mutates policy; rule changes go through the rules store only.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hostsentry/hostsentry/internal/metrics"
	"github.com/hostsentry/hostsentry/internal/mutes"
	"github.com/hostsentry/hostsentry/internal/notify"
	"github.com/hostsentry/hostsentry/internal/watchitems"
	"github.com/hostsentry/hostsentry/pkg/types"
)

// AgentClient is the slice of the authorization client the control
// surface reads from.
type AgentClient interface {
	Subscriptions() []types.EventKind
	CacheCounts() (root, nonRoot uint64)
	CheckCacheForVnodeID(id types.VnodeID) types.Action
	MuteState() mutes.State
}

// RuleStore is the read side of the rule database.
type RuleStore interface {
	Counts(ctx context.Context) (types.RuleCounts, error)
	Hash(ctx context.Context) (string, error)
}

// SyncStatus abstracts the export queue so the surface works with
// export disabled.
type SyncStatus interface {
	StatusJSON(ctx context.Context) any
}

type App struct {
	client   AgentClient
	rules    RuleStore
	watch    *watchitems.Manager
	notifier *notify.Notifier
	sync     SyncStatus
	metrics  *metrics.Collector
	mode     func() types.ClientMode
	version  string
}

type Options struct {
	Client   AgentClient
	Rules    RuleStore
	Watch    *watchitems.Manager
	Notifier *notify.Notifier
	Sync     SyncStatus
	Metrics  *metrics.Collector
	Mode     func() types.ClientMode
	Version  string
}

func NewApp(opts Options) *App {
	return &App{
		client:   opts.Client,
		rules:    opts.Rules,
		watch:    opts.Watch,
		notifier: opts.Notifier,
		sync:     opts.Sync,
		metrics:  opts.Metrics,
		mode:     opts.Mode,
		version:  opts.Version,
	}
}

func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ok\n") })
	r.Method(http.MethodGet, "/metrics", a.metricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", a.getStatus)
		r.Get("/cache/counts", a.getCacheCounts)
		r.Get("/cache/check", a.checkCache)
		r.Get("/subscription", a.getSubscription)
		r.Get("/mutes", a.getMutes)
		r.Get("/watchitems", a.getWatchItems)
		r.Get("/rules/counts", a.getRuleCounts)
		r.Get("/rules/hash", a.getRulesHash)
		r.Get("/sync/status", a.getSyncStatus)
		r.Get("/notifications/ws", a.notificationsWS)
	})

	return r
}

// Serve runs the control surface until ctx is done, then drains.
func (a *App) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("control surface listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (a *App) metricsHandler() http.Handler {
	return a.metrics.Handler(metrics.HandlerOptions{
		CacheCounts: func() (uint64, uint64) { return a.client.CacheCounts() },
	})
}

func (a *App) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":       a.version,
		"mode":          a.mode(),
		"pid":           os.Getpid(),
		"subscriptions": a.client.Subscriptions(),
	})
}

func (a *App) getCacheCounts(w http.ResponseWriter, r *http.Request) {
	root, nonRoot := a.client.CacheCounts()
	writeJSON(w, http.StatusOK, map[string]any{"root": root, "non_root": nonRoot})
}

func (a *App) checkCache(w http.ResponseWriter, r *http.Request) {
	dev, err1 := strconv.ParseUint(r.URL.Query().Get("dev"), 10, 64)
	ino, err2 := strconv.ParseUint(r.URL.Query().Get("ino"), 10, 64)
	if err1 != nil || err2 != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "dev and ino are required numeric parameters"})
		return
	}
	id := types.VnodeID{Device: dev, Inode: ino}
	writeJSON(w, http.StatusOK, map[string]any{
		"vnode":  id.String(),
		"action": a.client.CheckCacheForVnodeID(id),
	})
}

func (a *App) getSubscription(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"kinds": a.client.Subscriptions()})
}

func (a *App) getMutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.client.MuteState())
}

func (a *App) getWatchItems(w http.ResponseWriter, r *http.Request) {
	if a.watch == nil {
		writeJSON(w, http.StatusOK, watchitems.State{Enabled: false})
		return
	}
	writeJSON(w, http.StatusOK, a.watch.State())
}

func (a *App) getRuleCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := a.rules.Counts(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (a *App) getRulesHash(w http.ResponseWriter, r *http.Request) {
	hash, err := a.rules.Hash(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hash": hash})
}

func (a *App) getSyncStatus(w http.ResponseWriter, r *http.Request) {
	if a.sync == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, a.sync.StatusJSON(r.Context()))
}

// notificationsWS streams decision notifications to an attached
// listener. The pending queue flushes on attach.
func (a *App) notificationsWS(w http.ResponseWriter, r *http.Request) {
	if a.notifier == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "notifications disabled"})
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "websocket upgrade required"})
		return
	}
	up := websocket.Upgrader{
		// The surface binds to loopback; origin checks add nothing.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := a.notifier.Subscribe(100)
	defer a.notifier.Unsubscribe(ch)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(n); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(s))
}
