package admin

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prismhq/prism/internal/db"
	"github.com/prismhq/prism/internal/ledger"
	"github.com/prismhq/prism/internal/metrics"
	"github.com/prismhq/prism/internal/profile"
	"github.com/prismhq/prism/internal/proxyserver"
	internalsettings "github.com/prismhq/prism/internal/settings"
	"github.com/prismhq/prism/internal/stats"
	"github.com/prismhq/prism/internal/store"
)

type testEnv struct {
	engine *gin.Engine
	deps   Deps
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	conn, err := db.Open("file:" + filepath.Join(t.TempDir(), "prism-admin.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	settings := internalsettings.NewStore(conn)
	gs := store.NewGormStore(conn, settings)
	profiles := profile.NewStore(gs)
	if errLoad := profiles.Load(context.Background()); errLoad != nil {
		t.Fatalf("load profiles: %v", errLoad)
	}
	manager := proxyserver.NewManager(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), proxyserver.Options{DrainTimeout: time.Second})
	t.Cleanup(func() { _ = manager.Stop(context.Background()) })

	deps := Deps{
		DB:            conn,
		Profiles:      profiles,
		Ledger:        ledger.New(conn, ledger.NewBroker(nil)),
		Stats:         stats.NewAggregator(conn, time.UTC),
		Proxy:         manager,
		Configs:       gs,
		Settings:      settings,
		Metrics:       metrics.New(nil),
		Token:         token,
		StatsInterval: 50 * time.Millisecond,
	}
	r := gin.New()
	RegisterAdminRoutes(r, deps)
	return &testEnv{engine: r, deps: deps}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.engine.ServeHTTP(rec, req)
	return rec
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func TestProfilesLifecycle(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPost, "/v0/admin/profiles", gin.H{
		"name": "Bad", "apiBaseUrl": "https://api.anthropic.com", "modelMappingMode": "override",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for override without model, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/v0/admin/profiles", gin.H{
		"name":             "Main",
		"apiBaseUrl":       "https://api.anthropic.com",
		"apiKey":           "sk-1",
		"modelMappingMode": "map",
		"modelMappings":    []gin.H{{"pattern": "claude-.*", "target": "glm-4", "useRegex": true}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created profile.Profile
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" || created.IsActive {
		t.Fatalf("expected new inactive profile with id, got %+v", created)
	}

	rec = env.do(t, http.MethodPost, "/v0/admin/profiles/"+created.ID+"/activate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on activate, got %d: %s", rec.Code, rec.Body.String())
	}
	if active := env.deps.Profiles.Active(); active == nil || active.Profile.ID != created.ID {
		t.Fatalf("expected %s active", created.ID)
	}
	if got := env.deps.Profiles.Resolve("claude-sonnet").Model; got != "glm-4" {
		t.Fatalf("expected regex rule applied, got %q", got)
	}

	rec = env.do(t, http.MethodPost, "/v0/admin/profiles/missing/activate", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on unknown activate, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPut, "/v0/admin/profiles/"+created.ID, gin.H{
		"name": "Renamed", "apiBaseUrl": "https://api.openai.com", "modelMappingMode": "passthrough",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on update, got %d: %s", rec.Code, rec.Body.String())
	}
	var updated profile.Profile
	_ = json.Unmarshal(rec.Body.Bytes(), &updated)
	if updated.Name != "Renamed" || !updated.IsActive || updated.CreatedAt != created.CreatedAt {
		t.Fatalf("expected update to keep active flag and createdAt, got %+v", updated)
	}

	rec = env.do(t, http.MethodGet, "/v0/admin/profiles", nil)
	var list struct {
		Profiles []profile.Profile `json:"profiles"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list.Profiles) != 1 {
		t.Fatalf("expected 1 profile, got %d", len(list.Profiles))
	}

	rec = env.do(t, http.MethodDelete, "/v0/admin/profiles/"+created.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if env.deps.Profiles.Active() != nil {
		t.Fatalf("expected no active profile after deleting it")
	}
	rec = env.do(t, http.MethodGet, "/v0/admin/profiles/"+created.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestLogsAndStats(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	now := time.Now().UnixMilli()
	for i, id := range []string{"r1", "r2", "r3"} {
		if _, err := env.deps.Ledger.Create(ctx, ledger.Entry{
			RequestID: id, Timestamp: now + int64(i), ProfileID: "p1", ProfileName: "One",
			InputTokens: 10, OutputTokens: 5, StatusCode: 200,
		}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	rec := env.do(t, http.MethodGet, "/v0/admin/logs?limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var page struct {
		Logs []ledger.Entry `json:"logs"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &page)
	if len(page.Logs) != 2 || page.Logs[0].RequestID != "r3" {
		t.Fatalf("expected newest two entries, got %+v", page.Logs)
	}
	if page.Logs[0].ProfileName != "Deleted profile (p1)" {
		t.Fatalf("expected deleted profile label, got %q", page.Logs[0].ProfileName)
	}

	rec = env.do(t, http.MethodGet, "/v0/admin/logs?limit=abc", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/v0/admin/stats/dashboard", nil)
	var dash stats.DashboardStats
	_ = json.Unmarshal(rec.Body.Bytes(), &dash)
	if dash.TotalRequests != 3 || dash.TotalTokens != 45 {
		t.Fatalf("expected 3 requests and 45 tokens, got %+v", dash)
	}

	rec = env.do(t, http.MethodGet, "/v0/admin/stats/tokens?range=decade", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown range, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/v0/admin/stats/tokens?range=hour", nil)
	var series struct {
		Points []stats.TokenDataPoint `json:"points"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &series)
	if len(series.Points) != 13 {
		t.Fatalf("expected 13 hourly buckets, got %d", len(series.Points))
	}

	rec = env.do(t, http.MethodGet, "/v0/admin/stats/ranking", nil)
	var ranking struct {
		Ranking []stats.ProfileConsumption `json:"ranking"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &ranking)
	if len(ranking.Ranking) != 1 || ranking.Ranking[0].Percentage != 100 {
		t.Fatalf("expected single profile at 100%%, got %+v", ranking.Ranking)
	}
}

func TestProxyConfigAndAuth(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodGet, "/v0/admin/proxy/config", nil)
	var cfg proxyserver.Config
	_ = json.Unmarshal(rec.Body.Bytes(), &cfg)
	if cfg != proxyserver.DefaultConfig() {
		t.Fatalf("expected default config, got %+v", cfg)
	}

	rec = env.do(t, http.MethodPut, "/v0/admin/proxy/config", gin.H{"host": "localhost", "port": 8080})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for hostname, got %d", rec.Code)
	}

	port := freePort(t)
	rec = env.do(t, http.MethodPut, "/v0/admin/proxy/config", gin.H{"host": "127.0.0.1", "port": port})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var status proxyserver.Status
	_ = json.Unmarshal(rec.Body.Bytes(), &status)
	if !status.IsRunning || !strings.HasSuffix(status.Addr, ":"+strconv.Itoa(port)) {
		t.Fatalf("expected running on new port, got %+v", status)
	}
	stored, ok, err := env.deps.Configs.LoadProxyConfig(context.Background())
	if err != nil || !ok || stored.Port != port {
		t.Fatalf("expected config persisted, got %+v ok=%v err=%v", stored, ok, err)
	}

	busy, errListen := net.Listen("tcp", "127.0.0.1:0")
	if errListen != nil {
		t.Fatalf("listen: %v", errListen)
	}
	defer busy.Close()
	rec = env.do(t, http.MethodPut, "/v0/admin/proxy/config", gin.H{"host": "127.0.0.1", "port": busy.Addr().(*net.TCPAddr).Port})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on bind failure, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/v0/admin/proxy/status", nil)
	_ = json.Unmarshal(rec.Body.Bytes(), &status)
	if status.IsRunning || status.LastError == "" {
		t.Fatalf("expected stopped with lastError, got %+v", status)
	}

	rec = env.do(t, http.MethodPut, "/v0/admin/proxy/auth", gin.H{"enabled": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !env.deps.Settings.AuthEnabled() {
		t.Fatalf("expected auth enabled")
	}
	key := env.deps.Settings.ProxyAPIKey()
	if !strings.HasPrefix(key, internalsettings.APIKeyPrefix) {
		t.Fatalf("expected generated key, got %q", key)
	}
	rec = env.do(t, http.MethodPost, "/v0/admin/proxy/api-key/refresh", nil)
	var refreshed struct {
		APIKey string `json:"apiKey"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &refreshed)
	if refreshed.APIKey == "" || refreshed.APIKey == key {
		t.Fatalf("expected a new key, got %q", refreshed.APIKey)
	}
}

func TestSettingsValidation(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPut, "/v0/admin/settings/"+internalsettings.RateLimitKey, gin.H{"value": -1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative limit, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPut, "/v0/admin/settings/"+internalsettings.ProxyAPIKeyKey, gin.H{"value": "x"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-editable key, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPut, "/v0/admin/settings/"+internalsettings.RateLimitKey, gin.H{"value": 5})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := env.deps.Settings.Int(internalsettings.RateLimitKey, 0); got != 5 {
		t.Fatalf("expected rate limit 5, got %d", got)
	}
	_ = env.do(t, http.MethodPut, "/v0/admin/settings/"+internalsettings.RateLimitRedisPasswordKey, gin.H{"value": "hunter2"})
	rec = env.do(t, http.MethodGet, "/v0/admin/settings", nil)
	if strings.Contains(rec.Body.String(), "hunter2") {
		t.Fatalf("expected password masked, got %s", rec.Body.String())
	}
}

func TestAdminTokenRequired(t *testing.T) {
	env := newTestEnv(t, "admin-secret")

	rec := env.do(t, http.MethodGet, "/v0/admin/profiles", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/v0/admin/profiles", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", w.Code)
	}
	req = httptest.NewRequest(http.MethodGet, "/v0/admin/profiles?token=admin-secret", nil)
	w = httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with query token, got %d", w.Code)
	}

	rec = env.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected open healthz, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "prism_proxy_running") {
		t.Fatalf("expected metrics exposition, got %d", rec.Code)
	}
}

func TestEventStreamSSE(t *testing.T) {
	env := newTestEnv(t, "")
	srv := httptest.NewServer(env.engine)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v0/admin/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("expected event stream, got %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	waitFor := func(event string) {
		t.Helper()
		for {
			line, errRead := reader.ReadString('\n')
			if errRead != nil {
				t.Fatalf("waiting for %s: %v", event, errRead)
			}
			if strings.TrimSpace(line) == "event:"+event {
				return
			}
		}
	}
	waitFor("stats-update")

	if _, errCreate := env.deps.Ledger.Create(context.Background(), ledger.Entry{RequestID: "sse-1", StatusCode: 200}); errCreate != nil {
		t.Fatalf("create: %v", errCreate)
	}
	waitFor(string(ledger.EventCreated))
}

func TestEventStreamWebSocket(t *testing.T) {
	env := newTestEnv(t, "")
	srv := httptest.NewServer(env.engine)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/admin/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first envelope
	if errRead := conn.ReadJSON(&first); errRead != nil {
		t.Fatalf("read: %v", errRead)
	}
	if first.Event != "stats-update" {
		t.Fatalf("expected stats-update first, got %q", first.Event)
	}

	if _, errCreate := env.deps.Ledger.Create(context.Background(), ledger.Entry{RequestID: "ws-1", StatusCode: 200}); errCreate != nil {
		t.Fatalf("create: %v", errCreate)
	}
	for {
		var msg struct {
			Event   string       `json:"event"`
			Payload ledger.Entry `json:"payload"`
		}
		if errRead := conn.ReadJSON(&msg); errRead != nil {
			t.Fatalf("read: %v", errRead)
		}
		if msg.Event == string(ledger.EventCreated) {
			if msg.Payload.RequestID != "ws-1" {
				t.Fatalf("expected ws-1 payload, got %+v", msg.Payload)
			}
			return
		}
	}
}

type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}
