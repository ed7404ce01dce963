package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerOutput(t *testing.T) {
	c := New()
	c.IncEvent("exec")
	c.IncEvent("exec")
	c.IncEvent("open")
	c.IncDecision(true)
	c.IncDecision(false)
	c.IncCacheHit()
	c.IncCacheMiss()
	c.IncMutedDrop()
	c.IncDeadlineDefault()

	h := c.Handler(HandlerOptions{CacheCounts: func() (uint64, uint64) { return 3, 7 }})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Result().Body)
	out := string(body)

	for _, want := range []string{
		"hostsentry_up 1",
		"hostsentry_events_total 3",
		`hostsentry_events_by_kind_total{kind="exec"} 2`,
		`hostsentry_events_by_kind_total{kind="open"} 1`,
		`hostsentry_decisions_total{action="allow"} 1`,
		`hostsentry_decisions_total{action="deny"} 1`,
		`hostsentry_cache_lookups_total{result="hit"} 1`,
		"hostsentry_muted_drops_total 1",
		"hostsentry_deadline_defaults_total 1",
		`hostsentry_cache_entries{scope="root"} 3`,
		`hostsentry_cache_entries{scope="nonroot"} 7`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in output:\n%s", want, out)
		}
	}
}

func TestKindLabelEscapedOnce(t *testing.T) {
	c := New()
	c.IncEvent(`od"d\kind`)

	rec := httptest.NewRecorder()
	c.Handler(HandlerOptions{}).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Result().Body)
	want := `hostsentry_events_by_kind_total{kind="od\"d\\kind"} 1`
	if !strings.Contains(string(body), want) {
		t.Fatalf("missing %q in output:\n%s", want, body)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.IncEvent("exec")
	c.IncDecision(true)
	c.IncCacheHit()
	c.IncCacheMiss()
	c.IncMutedDrop()
	c.IncDeadlineDefault()
	c.IncRespondFailure()
	c.IncNotifyDropped()
}
