package httpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"

	"github.com/egparedes/hpx-dashboard/internal/duckdb"
	"github.com/egparedes/hpx-dashboard/internal/ingest"
	"github.com/egparedes/hpx-dashboard/internal/metrics"
	"github.com/egparedes/hpx-dashboard/internal/model"
	"github.com/egparedes/hpx-dashboard/internal/queue"
	"github.com/egparedes/hpx-dashboard/internal/registry"
	"github.com/egparedes/hpx-dashboard/internal/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const idleRateLine = "/threads{locality#0/pool#default/worker-thread#0}/idle-rate"

type fixture struct {
	srv    *Server
	router http.Handler
	store  *session.Store
	reg    *registry.Registry
	q      *queue.Queue
	mirror *duckdb.Store
	worker *ingest.Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)

	store := session.NewStore(session.Config{Logger: log})
	if err := store.StartSession(false, ""); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	reg := registry.New(store, registry.Config{Logger: log})
	t.Cleanup(reg.Close)

	mirror, err := duckdb.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { mirror.Close() })
	buf := duckdb.NewInsertBuffer(mirror, duckdb.InsertBufferConfig{FlushInterval: 5 * time.Millisecond})

	pm := metrics.New()
	q := queue.New(64)
	pm.RegisterQueueDepth(q.Len)
	worker := ingest.NewWorker(q, store, reg, ingest.Config{Sink: buf, Logger: log, Metrics: pm})

	ctx, cancel := context.WithCancel(context.Background())
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		_ = worker.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-exited
		buf.Stop()
	})

	srv := NewServer("127.0.0.1:0", Deps{
		Sessions:  store,
		Observers: reg,
		Worker:    worker,
		Queue:     q,
		Mirror:    mirror,
		Metrics:   pm,
	}, Config{Logger: log})
	return &fixture{srv: srv, router: srv.Handler(), store: store, reg: reg, q: q, mirror: mirror, worker: worker}
}

func (f *fixture) put(t *testing.T, lines ...string) {
	t.Helper()
	for _, l := range lines {
		if err := f.q.Put(context.Background(), model.IngestEnvelope{Source: "test", Line: l}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
}

func (f *fixture) waitSamples(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for f.store.CurrentCollection().Info().Samples < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d samples", n)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (f *fixture) do(t *testing.T, method, target string, body []byte) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var decoded map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("%s %s: unmarshal %q: %v", method, target, w.Body.String(), err)
		}
	}
	return w, decoded
}

func statsQuery(extra string) string {
	v := url.Values{}
	v.Set("counter", "/threads/idle-rate")
	v.Set("instance", "locality#0/pool#default/worker-thread#0")
	return v.Encode() + extra
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	w, body := f.do(t, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if body["status"] != "ok" {
		t.Errorf("health status = %v, want ok", body["status"])
	}
	queueInfo, _ := body["queue"].(map[string]any)
	if queueInfo["cap"] != float64(64) {
		t.Errorf("queue = %v, want cap 64", body["queue"])
	}
	if _, ok := body["worker"]; !ok {
		t.Error("health response has no worker section")
	}
	if body["backlog"] != float64(0) {
		t.Errorf("backlog = %v, want 0", body["backlog"])
	}
}

func TestHealthEndpoint_WrongMethod(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	w, _ := f.do(t, http.MethodPost, "/api/health", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("health POST status = %d, want 405", w.Code)
	}
}

func TestStatsAndHistoryEndpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.put(t, idleRateLine+",1,1,[s],42", idleRateLine+",2,2,[s],55")
	f.waitSamples(t, 2)

	w, body := f.do(t, http.MethodGet, "/api/stats?"+statsQuery(""), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats status = %d: %s", w.Code, w.Body.String())
	}
	st, _ := body["stats"].(map[string]any)
	if st["count"] != float64(2) || st["total"] != float64(97) || st["mean"] != 48.5 {
		t.Errorf("stats = %v", st)
	}

	w, body = f.do(t, http.MethodGet, "/api/history?"+statsQuery("&limit=1"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("history status = %d", w.Code)
	}
	points, _ := body["points"].([]any)
	if len(points) != 1 {
		t.Fatalf("points = %v, want the last one only", points)
	}
	if p := points[0].(map[string]any); p["x"] != float64(2) || p["y"] != float64(55) {
		t.Errorf("last point = %v", p)
	}

	// Wildcard thread aggregates every matching line.
	w, _ = f.do(t, http.MethodGet, "/api/stats?counter=/threads/idle-rate&instance="+url.QueryEscape("locality#0/pool#default/worker-thread#*"), nil)
	if w.Code != http.StatusOK {
		t.Errorf("wildcard stats status = %d", w.Code)
	}
}

func TestStatsEndpoint_BadRequests(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"missing counter", "/api/stats", http.StatusBadRequest},
		{"bad instance", "/api/stats?counter=/x&instance=" + url.QueryEscape("node#1"), http.StatusBadRequest},
		{"unknown line", "/api/stats?counter=/nothing", http.StatusNotFound},
		{"unknown collection", "/api/history?" + statsQuery("&collection=9999"), http.StatusNotFound},
	}
	for _, tt := range tests {
		w, _ := f.do(t, http.MethodGet, tt.target, nil)
		if w.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, w.Code, tt.want)
		}
	}
}

func TestCollectionsRolloverLinesAndDrop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.put(t, idleRateLine+",1,1,[s],1")
	f.waitSamples(t, 1)
	first := f.store.CurrentCollection().ID()

	w, body := f.do(t, http.MethodPost, "/api/collections", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("rollover status = %d: %s", w.Code, w.Body.String())
	}
	next, _ := body["id"].(string)
	if next == "" || next == first || body["active"] != true {
		t.Fatalf("rollover body = %v", body)
	}

	_, body = f.do(t, http.MethodGet, "/api/collections", nil)
	if cols, _ := body["collections"].([]any); len(cols) != 2 {
		t.Fatalf("collections = %v, want 2", body["collections"])
	}

	w, body = f.do(t, http.MethodGet, "/api/collections/"+first+"/lines", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("lines status = %d", w.Code)
	}
	lines, _ := body["lines"].([]any)
	if len(lines) != 1 || lines[0].(map[string]any)["hash"] != session.LineHash("/threads/idle-rate", model.NewInstance("0", "default", "0")) {
		t.Fatalf("lines = %v", lines)
	}
	if w, _ := f.do(t, http.MethodGet, "/api/collections/current/lines", nil); w.Code != http.StatusOK {
		t.Errorf("current lines status = %d", w.Code)
	}

	if w, _ := f.do(t, http.MethodDelete, "/api/collections/"+next, nil); w.Code != http.StatusConflict {
		t.Errorf("dropping the active collection: status = %d, want 409", w.Code)
	}
	if w, _ := f.do(t, http.MethodDelete, "/api/collections/4242", nil); w.Code != http.StatusNotFound {
		t.Errorf("dropping an unknown collection: status = %d, want 404", w.Code)
	}
	if w, _ := f.do(t, http.MethodDelete, "/api/collections/"+first, nil); w.Code != http.StatusOK {
		t.Fatalf("drop status = %d: %s", w.Code, w.Body.String())
	}
	if _, ok := f.store.GetCollection(first); ok {
		t.Error("dropped collection still listed")
	}
}

func TestQueryEndpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.put(t, idleRateLine+",1,1,[s],3", idleRateLine+",2,2,[s],5")

	deadline := time.Now().Add(5 * time.Second)
	for {
		if n, _ := f.mirror.TotalSampleCount(); n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("samples never reached the mirror")
		}
		time.Sleep(5 * time.Millisecond)
	}

	body, _ := json.Marshal(map[string]string{"sql": "SELECT SUM(value) AS total FROM samples"})
	w, resp := f.do(t, http.MethodPost, "/api/query", body)
	if w.Code != http.StatusOK {
		t.Fatalf("query status = %d: %s", w.Code, w.Body.String())
	}
	if resp["row_count"] != float64(1) {
		t.Errorf("row_count = %v, want 1", resp["row_count"])
	}

	body, _ = json.Marshal(map[string]string{"sql": "DELETE FROM samples"})
	if w, _ := f.do(t, http.MethodPost, "/api/query", body); w.Code != http.StatusBadRequest {
		t.Errorf("DELETE status = %d, want 400", w.Code)
	}
	if w, _ := f.do(t, http.MethodPost, "/api/query", []byte(`{}`)); w.Code != http.StatusBadRequest {
		t.Errorf("missing sql status = %d, want 400", w.Code)
	}

	w, resp = f.do(t, http.MethodGet, "/api/summaries?limit=5", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("summaries status = %d", w.Code)
	}
	if sums, _ := resp["summaries"].([]any); len(sums) != 1 {
		t.Errorf("summaries = %v, want one line", resp["summaries"])
	}
	w, resp = f.do(t, http.MethodGet, "/api/summaries?collection=current", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("current summaries status = %d", w.Code)
	}
	sums, _ := resp["summaries"].([]any)
	if len(sums) != 1 {
		t.Fatalf("current summaries = %v, want the active collection's line", resp["summaries"])
	}
	if got := sums[0].(map[string]any)["collection"]; got != f.store.CurrentCollection().ID() {
		t.Errorf("summary collection = %v, want %s", got, f.store.CurrentCollection().ID())
	}
	_, resp = f.do(t, http.MethodGet, "/api/summaries?collection=9999", nil)
	if other, _ := resp["summaries"].([]any); len(other) != 0 {
		t.Errorf("unknown collection summaries = %v, want none", resp["summaries"])
	}

	w, resp = f.do(t, http.MethodGet, "/api/schema", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("schema status = %d", w.Code)
	}
	if tables, _ := resp["tables"].(map[string]any); tables["samples"] == nil {
		t.Errorf("schema tables = %v, want samples", resp["tables"])
	}
}

func TestQueryEndpoint_MirrorDisabled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	srv := NewServer("", Deps{Sessions: f.store, Observers: f.reg})

	req := httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(`{"sql":"SELECT 1"}`))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.put(t, idleRateLine+",1,1,[s],1", "garbage")
	f.waitSamples(t, 1)

	w, _ := f.do(t, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	for _, name := range []string{"hpx_dashboard_queue_depth", "hpx_dashboard_samples_appended_total"} {
		if !strings.Contains(w.Body.String(), name) {
			t.Errorf("metrics output lacks %s", name)
		}
	}
}

func TestStreamEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ts := httptest.NewServer(f.router)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream?"+statsQuery(""), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q", ct)
	}

	events := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if name, ok := strings.CutPrefix(sc.Text(), "event:"); ok {
				events <- name
			}
		}
		close(events)
	}()

	next := func() string {
		select {
		case e, ok := <-events:
			if !ok {
				t.Fatal("stream closed early")
			}
			return e
		case <-ctx.Done():
			t.Fatal("timed out waiting for an event")
			return ""
		}
	}

	if e := next(); e != "subscribed" {
		t.Fatalf("first event = %q, want subscribed", e)
	}
	f.put(t, idleRateLine+",1,1,[s],7")
	if e := next(); e != "update" {
		t.Fatalf("event = %q, want update", e)
	}
	if _, err := f.worker.Rollover(ctx); err != nil {
		t.Fatalf("Rollover: %v", err)
	}
	if e := next(); e != "collection" {
		t.Fatalf("event = %q, want collection", e)
	}

	cancel()
	deadline := time.Now().Add(5 * time.Second)
	for f.reg.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stream subscriptions not released: %d live", f.reg.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
