package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"noteflow/server/internal/config"
	"noteflow/server/internal/gateway"
	"noteflow/server/internal/metrics"
	"noteflow/server/internal/model"
	"noteflow/server/internal/relay"
	"noteflow/server/internal/relay/relaytest"
	"noteflow/server/internal/service"
	"noteflow/server/internal/timeline"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeSource map[string]*relaytest.Link

func (f fakeSource) Links(urls []string) ([]relay.Link, error) {
	out := make([]relay.Link, 0, len(urls))
	for _, u := range urls {
		l, ok := f[u]
		if !ok {
			return nil, fmt.Errorf("unknown relay %s", u)
		}
		out = append(out, l)
	}
	return out, nil
}

func newTestServer(t *testing.T, tweak func(*config.Config), links ...*relaytest.Link) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Server.AllowedOrigins = []string{"http://app.example"}
	cfg.Publish.Timeout = 100 * time.Millisecond
	cfg.Publish.BaseBackoff = 5 * time.Millisecond
	cfg.Publish.MaxBackoff = 20 * time.Millisecond
	if tweak != nil {
		tweak(cfg)
	}

	src := fakeSource{}
	var urls []string
	for _, l := range links {
		src[l.URL()] = l
		urls = append(urls, l.URL())
	}
	m := metrics.New()
	svc := service.New(src, service.Config{
		DefaultRelays:  urls,
		PageSize:       cfg.Timeline.PageSize,
		EOSETimeout:    cfg.Timeline.EOSETimeout,
		LowWaterMark:   cfg.Timeline.LowWaterMark,
		PublishTimeout: cfg.Publish.Timeout,
		MaxRetries:     cfg.Publish.MaxRetries,
		BaseBackoff:    cfg.Publish.BaseBackoff,
		MaxBackoff:     cfg.Publish.MaxBackoff,

		PublishRetention: cfg.Publish.Retention,
	}, m, zerolog.Nop())
	t.Cleanup(svc.Close)
	return NewServer(cfg, svc, m, zerolog.Nop())
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t, nil).Routes()
	rec := doJSON(t, h, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, nil, relaytest.NewLink("wss://a")).Routes()
	doJSON(t, h, http.MethodPost, "/api/timelines", map[string]any{"filter": map[string]any{"kinds": []int{1}}})

	rec := doJSON(t, h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "noteflow_open_timelines 1") {
		t.Fatalf("open timeline gauge missing:\n%s", rec.Body.String())
	}
}

func TestTimelineLifecycle(t *testing.T) {
	a := relaytest.NewLink("wss://a")
	h := newTestServer(t, nil, a).Routes()

	rec := doJSON(t, h, http.MethodPost, "/api/timelines", map[string]any{
		"key":    "home",
		"filter": map[string]any{"kinds": []int{1}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	opened := decode[struct {
		Timeline timeline.Snapshot `json:"timeline"`
		Reused   bool              `json:"reused"`
	}](t, rec)
	id := opened.Timeline.ID
	if id == "" || opened.Reused {
		t.Fatalf("unexpected open response: %+v", opened)
	}

	// 同一个 key 复用
	rec = doJSON(t, h, http.MethodPost, "/api/timelines", map[string]any{"key": "home"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on reuse, got %d", rec.Code)
	}

	sub, err := a.WaitSubscription(1, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	sub.Send(relaytest.Event("e1", 200), relaytest.Event("e2", 100))
	sub.EndOfStored()

	deadline := time.Now().Add(2 * time.Second)
	var snap timeline.Snapshot
	for time.Now().Before(deadline) {
		rec = doJSON(t, h, http.MethodGet, "/api/timelines/"+id, nil)
		snap = decode[timeline.Snapshot](t, rec)
		if !snap.Loading && len(snap.Events) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(snap.Events) != 2 || snap.Events[0].ID != "e1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/timelines/"+id+"/advance", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("advance: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[map[string]bool](t, rec); !got["advanced"] {
		t.Fatalf("expected advance to open a page: %v", got)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/timelines", nil)
	list := decode[struct {
		Timelines []timeline.Snapshot `json:"timelines"`
	}](t, rec)
	if len(list.Timelines) != 1 {
		t.Fatalf("expected 1 timeline, got %d", len(list.Timelines))
	}

	if rec = doJSON(t, h, http.MethodDelete, "/api/timelines/"+id, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("close: %d", rec.Code)
	}
	if rec = doJSON(t, h, http.MethodGet, "/api/timelines/"+id, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after close, got %d", rec.Code)
	}
}

func TestTimelineNotFound(t *testing.T) {
	h := newTestServer(t, nil).Routes()
	for _, path := range []string{"/api/timelines/missing", "/api/publish/missing"} {
		if rec := doJSON(t, h, http.MethodGet, path, nil); rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, rec.Code)
		}
	}
	rec := doJSON(t, h, http.MethodPost, "/api/timelines/missing/visible", map[string]any{"ids": []string{"x"}})
	if rec.Code != http.StatusNotFound {
		t.Errorf("visible: expected 404, got %d", rec.Code)
	}
}

func TestPublishLifecycle(t *testing.T) {
	a := relaytest.NewLink("wss://a")
	b := relaytest.NewLink("wss://b").OnPublish(relaytest.Reject("blocked"))
	h := newTestServer(t, nil, a, b).Routes()

	rec := doJSON(t, h, http.MethodPost, "/api/publish", map[string]any{
		"event": relaytest.Event("p1", 100),
		"label": "note",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	st := decode[model.PublishStatus](t, rec)
	if st.ID == "" || st.EventID != "p1" || st.Total != 2 {
		t.Fatalf("unexpected initial status: %+v", st)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec = doJSON(t, h, http.MethodGet, "/api/publish/"+st.ID, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status: %d", rec.Code)
		}
		st = decode[model.PublishStatus](t, rec)
		if st.Done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !st.Done || !st.Success || st.Accepted != 1 {
		t.Fatalf("unexpected final status: %+v", st)
	}
	if v := st.PerRelay["wss://b"]; v.State != model.VerdictRejected || v.Reason != "blocked" {
		t.Fatalf("unexpected verdict for b: %+v", v)
	}

	// 终态读取后被移除
	if rec = doJSON(t, h, http.MethodGet, "/api/publish/"+st.ID, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after terminal read, got %d", rec.Code)
	}
}

func TestPublishRejectsInvalidEvent(t *testing.T) {
	h := newTestServer(t, nil, relaytest.NewLink("wss://a")).Routes()

	evt := relaytest.Event("p1", 100)
	evt.Sig = ""
	rec := doJSON(t, h, http.MethodPost, "/api/publish", map[string]any{"event": evt})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsigned event, got %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/publish", map[string]any{"label": "no event"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without event, got %d", rec.Code)
	}
}

func TestPublishNoRelays(t *testing.T) {
	h := newTestServer(t, nil).Routes()
	rec := doJSON(t, h, http.MethodPost, "/api/publish", map[string]any{"event": relaytest.Event("p1", 100)})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 with no relays, got %d", rec.Code)
	}
}

func TestAbandonPublish(t *testing.T) {
	a := relaytest.NewLink("wss://a").OnPublish(relaytest.Hang())
	h := newTestServer(t, func(c *config.Config) { c.Publish.Timeout = time.Minute }, a).Routes()

	rec := doJSON(t, h, http.MethodPost, "/api/publish", map[string]any{"event": relaytest.Event("p1", 100)})
	st := decode[model.PublishStatus](t, rec)

	rec = doJSON(t, h, http.MethodDelete, "/api/publish/"+st.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("abandon: %d %s", rec.Code, rec.Body.String())
	}
	st = decode[model.PublishStatus](t, rec)
	if !st.Abandoned || !st.Done {
		t.Fatalf("expected abandoned status, got %+v", st)
	}
}

func TestPublishRateLimit(t *testing.T) {
	a := relaytest.NewLink("wss://a")
	h := newTestServer(t, func(c *config.Config) {
		c.Server.PublishRate = 0.001
		c.Server.PublishBurst = 1
	}, a).Routes()

	body := map[string]any{"event": relaytest.Event("p1", 100)}
	if rec := doJSON(t, h, http.MethodPost, "/api/publish", body); rec.Code != http.StatusAccepted {
		t.Fatalf("first publish: %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodPost, "/api/publish", body); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newTestServer(t, nil).Routes()

	req := httptest.NewRequest(http.MethodOptions, "/api/publish", nil)
	req.Header.Set("Origin", "http://app.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://app.example" {
		t.Fatalf("unexpected allow origin %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/publish", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow origin for foreign site %q", got)
	}
}

func TestTimelineStream(t *testing.T) {
	a := relaytest.NewLink("wss://a")
	srv := newTestServer(t, nil, a)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	rec := doJSON(t, srv.Routes(), http.MethodPost, "/api/timelines", map[string]any{"filter": map[string]any{"kinds": []int{1}}})
	id := decode[struct {
		Timeline timeline.Snapshot `json:"timeline"`
	}](t, rec).Timeline.ID

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/timelines/" + id + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() gateway.ServerMessage {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg gateway.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		return msg
	}

	// 连接建立后先收到当前快照
	if msg := read(); msg.Type != gateway.MsgTimeline || msg.Timeline == nil || msg.Timeline.ID != id {
		t.Fatalf("unexpected first push: %+v", msg)
	}

	sub, err := a.WaitSubscription(1, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	sub.Send(relaytest.Event("e1", 100))
	sub.EndOfStored()

	for {
		msg := read()
		if msg.Type == gateway.MsgTimeline && msg.Timeline != nil && len(msg.Timeline.Events) == 1 && !msg.Timeline.Loading {
			break
		}
	}

	if err := conn.WriteJSON(gateway.ClientMessage{Type: gateway.MsgVisible, RequestID: "v1", IDs: []string{"e1"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	for {
		msg := read()
		if msg.Type == gateway.MsgAck {
			if msg.RequestID != "v1" || msg.Advanced == nil || !*msg.Advanced {
				t.Fatalf("unexpected ack: %+v", msg)
			}
			break
		}
	}
}

func TestPublishStreamDisconnectAbandons(t *testing.T) {
	a := relaytest.NewLink("wss://a").OnPublish(relaytest.Hang())
	srv := newTestServer(t, func(c *config.Config) { c.Publish.Timeout = time.Minute }, a)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	rec := doJSON(t, srv.Routes(), http.MethodPost, "/api/publish", map[string]any{"event": relaytest.Event("p1", 100)})
	st := decode[model.PublishStatus](t, rec)
	act, err := srv.svc.PublishAction(st.ID)
	if err != nil {
		t.Fatalf("publish action: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/publish/" + st.ID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg gateway.ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	_ = conn.Close()

	select {
	case <-act.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("closing the stream should abandon the pending publish")
	}
	if got := act.Status(); !got.Abandoned {
		t.Fatalf("expected abandoned status, got %+v", got)
	}
	if _, err := srv.svc.PublishAction(st.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("abandoned publish should be removed, got %v", err)
	}
}
