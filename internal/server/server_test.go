package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostsentry/hostsentry/internal/metrics"
	"github.com/hostsentry/hostsentry/internal/mutes"
	"github.com/hostsentry/hostsentry/internal/notify"
	"github.com/hostsentry/hostsentry/pkg/types"
)

type stubClient struct {
	subs    []types.EventKind
	root    uint64
	nonRoot uint64
	cached  map[types.VnodeID]types.Action
	muteSt  mutes.State
}

func (s *stubClient) Subscriptions() []types.EventKind    { return s.subs }
func (s *stubClient) CacheCounts() (uint64, uint64)       { return s.root, s.nonRoot }
func (s *stubClient) MuteState() mutes.State              { return s.muteSt }
func (s *stubClient) CheckCacheForVnodeID(id types.VnodeID) types.Action {
	if a, ok := s.cached[id]; ok {
		return a
	}
	return types.ActionUnknown
}

type stubRules struct {
	counts types.RuleCounts
	hash   string
}

func (s *stubRules) Counts(context.Context) (types.RuleCounts, error) { return s.counts, nil }
func (s *stubRules) Hash(context.Context) (string, error)             { return s.hash, nil }

type stubSync struct{ payload any }

func (s *stubSync) StatusJSON(context.Context) any { return s.payload }

func newTestApp(notifier *notify.Notifier) *App {
	return NewApp(Options{
		Client: &stubClient{
			subs:    []types.EventKind{types.KindExec, types.KindOpen},
			root:    3,
			nonRoot: 7,
			cached:  map[types.VnodeID]types.Action{{Device: 1, Inode: 42}: types.ActionDeny},
		},
		Rules:    &stubRules{counts: types.RuleCounts{Binary: 12, TeamID: 2}, hash: "deadbeef"},
		Notifier: notifier,
		Sync:     &stubSync{payload: map[string]any{"enabled": true, "submitted": 9}},
		Metrics:  metrics.New(),
		Mode:     func() types.ClientMode { return types.ModeLockdown },
		Version:  "1.2.3",
	})
}

func getJSON(t *testing.T, srv *httptest.Server, path string, out any) *http.Response {
	t.Helper()
	resp, err := srv.Client().Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(newTestApp(nil).Router())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", string(b))
}

func TestStatusEndpoint(t *testing.T) {
	srv := httptest.NewServer(newTestApp(nil).Router())
	defer srv.Close()

	var got map[string]any
	resp := getJSON(t, srv, "/v1/status", &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1.2.3", got["version"])
	assert.Equal(t, "lockdown", got["mode"])
}

func TestCacheEndpoints(t *testing.T) {
	srv := httptest.NewServer(newTestApp(nil).Router())
	defer srv.Close()

	var counts map[string]float64
	getJSON(t, srv, "/v1/cache/counts", &counts)
	assert.Equal(t, float64(3), counts["root"])
	assert.Equal(t, float64(7), counts["non_root"])

	var check map[string]any
	getJSON(t, srv, "/v1/cache/check?dev=1&ino=42", &check)
	assert.Equal(t, "deny", check["action"])

	getJSON(t, srv, "/v1/cache/check?dev=1&ino=43", &check)
	assert.Equal(t, "unknown", check["action"])

	resp := getJSON(t, srv, "/v1/cache/check?dev=x&ino=42", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRulesEndpoints(t *testing.T) {
	srv := httptest.NewServer(newTestApp(nil).Router())
	defer srv.Close()

	var counts types.RuleCounts
	getJSON(t, srv, "/v1/rules/counts", &counts)
	assert.Equal(t, int64(12), counts.Binary)
	assert.Equal(t, int64(2), counts.TeamID)

	var hash map[string]string
	getJSON(t, srv, "/v1/rules/hash", &hash)
	assert.Equal(t, "deadbeef", hash["hash"])
}

func TestSubscriptionAndSyncEndpoints(t *testing.T) {
	srv := httptest.NewServer(newTestApp(nil).Router())
	defer srv.Close()

	var sub map[string][]string
	getJSON(t, srv, "/v1/subscription", &sub)
	assert.Equal(t, []string{"exec", "open"}, sub["kinds"])

	var sync map[string]any
	getJSON(t, srv, "/v1/sync/status", &sync)
	assert.Equal(t, true, sync["enabled"])
	assert.Equal(t, float64(9), sync["submitted"])
}

func TestSyncDisabled(t *testing.T) {
	app := newTestApp(nil)
	app.sync = nil
	srv := httptest.NewServer(app.Router())
	defer srv.Close()

	var sync map[string]any
	getJSON(t, srv, "/v1/sync/status", &sync)
	assert.Equal(t, false, sync["enabled"])
}

func TestWatchItemsDisabled(t *testing.T) {
	srv := httptest.NewServer(newTestApp(nil).Router())
	defer srv.Close()

	var st map[string]any
	getJSON(t, srv, "/v1/watchitems", &st)
	assert.Equal(t, false, st["enabled"])
}

func TestMetricsEndpoint(t *testing.T) {
	app := newTestApp(nil)
	srv := httptest.NewServer(app.Router())
	defer srv.Close()

	app.metrics.IncEvent("exec")
	app.metrics.IncDecision(false)

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	body := string(b)
	assert.Contains(t, body, "hostsentry_events_total 1")
	assert.Contains(t, body, "hostsentry_cache_entries{scope=\"root\"} 3")
}

func TestNotificationsWebsocket(t *testing.T) {
	notifier := notify.New(10)
	srv := httptest.NewServer(newTestApp(notifier).Router())
	defer srv.Close()

	// Queued before attach, flushed on connect.
	notifier.Publish(notify.Notification{
		Kind:     types.KindExec,
		Path:     "/usr/bin/bad",
		Vnode:    types.VnodeID{Device: 1, Inode: 1},
		Decision: types.ActionDeny,
	})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/notifications/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var first notify.Notification
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "/usr/bin/bad", first.Path)
	assert.Equal(t, types.ActionDeny, first.Decision)

	notifier.Publish(notify.Notification{
		Kind:     types.KindExec,
		Path:     "/usr/bin/worse",
		Vnode:    types.VnodeID{Device: 1, Inode: 2},
		Decision: types.ActionDeny,
	})
	var second notify.Notification
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "/usr/bin/worse", second.Path)
}

func TestNotificationsWSWithoutUpgrade(t *testing.T) {
	notifier := notify.New(10)
	srv := httptest.NewServer(newTestApp(notifier).Router())
	defer srv.Close()

	resp := getJSON(t, srv, "/v1/notifications/ws", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
