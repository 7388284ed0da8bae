package relay

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	"github.com/prismhq/prism/internal/db"
	"github.com/prismhq/prism/internal/ledger"
	"github.com/prismhq/prism/internal/modelmapping"
	"github.com/prismhq/prism/internal/profile"
	"github.com/prismhq/prism/internal/ratelimit"
	internalsettings "github.com/prismhq/prism/internal/settings"
	"github.com/tidwall/gjson"
)

type staticProfiles struct {
	active *profile.Active
}

func (s staticProfiles) Active() *profile.Active { return s.active }

type captureRecorder struct {
	mu      sync.Mutex
	created []ledger.Entry
	updates map[string]ledger.Update
}

func (r *captureRecorder) Create(e ledger.Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, e)
	return true
}

func (r *captureRecorder) Update(requestID string, u ledger.Update) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updates == nil {
		r.updates = make(map[string]ledger.Update)
	}
	r.updates[requestID] = u
	return true
}

func (r *captureRecorder) only(t *testing.T) ledger.Entry {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.created) != 1 {
		t.Fatalf("expected 1 recorded entry, got %d", len(r.created))
	}
	return r.created[0]
}

func activeProfile(t *testing.T, baseURL string, mode modelmapping.Mode, override string, rules []modelmapping.Rule) *profile.Active {
	t.Helper()
	table, err := modelmapping.Compile(mode, override, rules)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return &profile.Active{
		Profile: profile.Profile{ID: "p1", Name: "Primary", APIBaseURL: baseURL, APIKey: "upstream-key", ModelMappingMode: mode},
		Table:   table,
	}
}

func doPost(h http.Handler, path, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRelay_NoActiveProfile(t *testing.T) {
	rec := &captureRecorder{}
	r := New(Options{Profiles: staticProfiles{}, Recorder: rec})

	w := doPost(r.Handler(), "/v1/messages", `{"model":"claude-3"}`, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	e := rec.only(t)
	if e.StatusCode != http.StatusServiceUnavailable || e.ModelMode != "none" || e.OriginalModel != "claude-3" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if e.ErrorMessage == nil || *e.ErrorMessage != "no active profile" {
		t.Fatalf("expected error message recorded, got %v", e.ErrorMessage)
	}
}

func TestRelay_MapRewritesModelAndRecordsUsage(t *testing.T) {
	var gotBody []byte
	var gotHeader http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotBody, _ = io.ReadAll(req.Body)
		gotHeader = req.Header.Clone()
		if req.URL.Path != "/v1/messages" {
			t.Errorf("unexpected upstream path %s", req.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"content":[{"type":"text","text":"hi"}],"usage":{"input_tokens":12,"output_tokens":5,"cache_read_input_tokens":3}}`)
	}))
	defer upstream.Close()

	rec := &captureRecorder{}
	active := activeProfile(t, upstream.URL, modelmapping.ModeMap, "", []modelmapping.Rule{
		{Pattern: "claude-.*-haiku", Target: "fast-model", UseRegex: true},
	})
	r := New(Options{Profiles: staticProfiles{active: active}, Recorder: rec})

	w := doPost(r.Handler(), "/v1/messages", `{"model":"claude-3-haiku","max_tokens":10}`, http.Header{
		"X-Api-Key":     {"client-placeholder"},
		"Authorization": {"Bearer client"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := gjson.GetBytes(gotBody, "model").String(); got != "fast-model" {
		t.Fatalf("expected forwarded model fast-model, got %q", got)
	}
	if gjson.GetBytes(gotBody, "max_tokens").Int() != 10 {
		t.Fatalf("expected other fields preserved, got %s", gotBody)
	}
	if gotHeader.Get("Authorization") != "Bearer upstream-key" || gotHeader.Get("X-Api-Key") != "" {
		t.Fatalf("unexpected upstream auth headers %v", gotHeader)
	}

	e := rec.only(t)
	if e.ForwardedModel != "fast-model" || e.ModelMode != "map" || e.ProfileID != "p1" || e.Provider != "Custom" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if e.InputTokens != 12 || e.OutputTokens != 5 || e.CacheReadInputTokens != 3 {
		t.Fatalf("unexpected usage %+v", e)
	}
	if e.ResponseBody != nil {
		t.Fatalf("expected no stored body when output tokens were reported")
	}
	if e.UpstreamDurationMs == nil || e.ResponseSizeBytes == nil {
		t.Fatalf("expected upstream duration and response size set")
	}
}

func TestRelay_StreamCreatesThenUpdates(t *testing.T) {
	events := strings.Join([]string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"usage":{"input_tokens":20,"cache_creation_input_tokens":4}}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"hello"}}`,
		``,
		`event: message_delta`,
		`data: {"type":"message_delta","usage":{"output_tokens":7}}`,
		``,
	}, "\n")
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range strings.SplitAfter(events, "\n\n") {
			_, _ = io.WriteString(w, chunk)
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	rec := &captureRecorder{}
	r := New(Options{Profiles: staticProfiles{active: activeProfile(t, upstream.URL, modelmapping.ModePassthrough, "", nil)}, Recorder: rec})

	w := doPost(r.Handler(), "/v1/messages", `{"model":"claude-3","stream":true}`, nil)
	if w.Body.String() != events {
		t.Fatalf("expected stream forwarded verbatim, got %q", w.Body.String())
	}
	e := rec.only(t)
	if !e.IsStream || e.OutputTokens != 0 || e.StatusCode != http.StatusOK {
		t.Fatalf("unexpected initial entry %+v", e)
	}
	u, ok := rec.updates[e.RequestID]
	if !ok {
		t.Fatalf("expected update for %s", e.RequestID)
	}
	if *u.InputTokens != 20 || *u.OutputTokens != 7 || *u.CacheCreationInputTokens != 4 {
		t.Fatalf("unexpected stream usage in:%d out:%d cc:%d", *u.InputTokens, *u.OutputTokens, *u.CacheCreationInputTokens)
	}
	if *u.ResponseSizeBytes != int64(len(events)) {
		t.Fatalf("expected response size %d, got %d", len(events), *u.ResponseSizeBytes)
	}
}

func TestRelay_UpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	base := upstream.URL
	upstream.Close()

	rec := &captureRecorder{}
	r := New(Options{Profiles: staticProfiles{active: activeProfile(t, base, modelmapping.ModeOverride, "forced", nil)}, Recorder: rec})
	w := doPost(r.Handler(), "/v1/messages", `{"model":"claude-3"}`, nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	e := rec.only(t)
	if e.StatusCode != http.StatusBadGateway || e.ErrorMessage == nil || e.ForwardedModel != "forced" {
		t.Fatalf("unexpected entry %+v", e)
	}
}

func TestRelay_GzipResponseUsage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		_, _ = io.WriteString(gz, `{"usage":{"prompt_tokens":8,"completion_tokens":2}}`)
		_ = gz.Close()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	}))
	defer upstream.Close()

	rec := &captureRecorder{}
	r := New(Options{Profiles: staticProfiles{active: activeProfile(t, upstream.URL, modelmapping.ModePassthrough, "", nil)}, Recorder: rec})
	w := doPost(r.Handler(), "/v1/chat/completions", `{"model":"gpt-4o"}`, nil)
	if w.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected encoded body passed through")
	}
	e := rec.only(t)
	if e.InputTokens != 8 || e.OutputTokens != 2 {
		t.Fatalf("expected usage parsed from gzip body, got %+v", e)
	}
}

func TestRelay_ErrorBodyKeptWhenNoOutput(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer upstream.Close()

	rec := &captureRecorder{}
	r := New(Options{Profiles: staticProfiles{active: activeProfile(t, upstream.URL, modelmapping.ModePassthrough, "", nil)}, Recorder: rec})
	w := doPost(r.Handler(), "/v1/messages", `{"model":"claude-3"}`, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected upstream status forwarded, got %d", w.Code)
	}
	e := rec.only(t)
	if e.ErrorMessage == nil || *e.ErrorMessage != "slow down" {
		t.Fatalf("expected upstream error message, got %v", e.ErrorMessage)
	}
	if e.ResponseBody == nil || !strings.Contains(*e.ResponseBody, "rate_limit_error") {
		t.Fatalf("expected response body kept, got %v", e.ResponseBody)
	}
}

func TestRelay_AuthEnforced(t *testing.T) {
	conn, err := db.Open("file:" + filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	store := internalsettings.NewStore(conn)
	ctx := context.Background()
	if errSet := store.Set(ctx, internalsettings.EnableAuthKey, true); errSet != nil {
		t.Fatalf("set: %v", errSet)
	}
	if errSet := store.Set(ctx, internalsettings.ProxyAPIKeyKey, "sk-prism-test"); errSet != nil {
		t.Fatalf("set: %v", errSet)
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	}))
	defer upstream.Close()

	rec := &captureRecorder{}
	r := New(Options{
		Profiles: staticProfiles{active: activeProfile(t, upstream.URL, modelmapping.ModePassthrough, "", nil)},
		Recorder: rec,
		Settings: store,
	})
	h := r.Handler()

	if w := doPost(h, "/v1/messages", `{}`, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", w.Code)
	}
	if w := doPost(h, "/v1/messages", `{}`, http.Header{"Authorization": {"Bearer wrong"}}); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", w.Code)
	}
	if w := doPost(h, "/v1/messages", `{}`, http.Header{"X-Api-Key": {"sk-prism-test"}}); w.Code != http.StatusOK {
		t.Fatalf("expected 200 with x-api-key, got %d", w.Code)
	}
	if w := doPost(h, "/v1/messages", `{}`, http.Header{"Authorization": {"Bearer sk-prism-test"}}); w.Code != http.StatusOK {
		t.Fatalf("expected 200 with bearer key, got %d", w.Code)
	}
}

func TestRelay_RateLimitedEntryKeepsResolvedModel(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	defer upstream.Close()

	now := time.Date(2026, time.March, 15, 14, 30, 0, 0, time.UTC)
	limiter := ratelimit.NewManager(func() ratelimit.SettingsConfig {
		cfg := ratelimit.DefaultSettingsConfig()
		cfg.Limit = 1
		return cfg
	}, func() time.Time { return now }, nil)
	defer func() { _ = limiter.Close() }()

	rec := &captureRecorder{}
	active := activeProfile(t, upstream.URL, modelmapping.ModeOverride, "glm-4", nil)
	r := New(Options{Profiles: staticProfiles{active: active}, Recorder: rec, Limiter: limiter, NowFn: func() time.Time { return now }})
	h := r.Handler()

	if w := doPost(h, "/v1/messages", `{"model":"claude-3"}`, nil); w.Code != http.StatusOK {
		t.Fatalf("expected first request allowed, got %d", w.Code)
	}
	w := doPost(h, "/v1/messages", `{"model":"claude-3"}`, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" || w.Header().Get("X-RateLimit-Limit") != "1" {
		t.Fatalf("expected rate limit headers, got %v", w.Header())
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.created) != 2 {
		t.Fatalf("expected 2 recorded entries, got %d", len(rec.created))
	}
	limited := rec.created[1]
	if limited.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 entry, got %+v", limited)
	}
	if limited.ModelMode != "override" || limited.OriginalModel != "claude-3" || limited.ForwardedModel != "glm-4" {
		t.Fatalf("expected resolved model on rate limited entry, got %+v", limited)
	}
}

func TestRelay_MissingModelResolvedAsUnknown(t *testing.T) {
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotBody, _ = io.ReadAll(req.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	defer upstream.Close()

	cases := []struct {
		name      string
		active    *profile.Active
		body      string
		forwarded string
		injected  string
	}{
		{name: "override", active: activeProfile(t, upstream.URL, modelmapping.ModeOverride, "glm-4", nil), body: `{"max_tokens":5}`, forwarded: "glm-4", injected: "glm-4"},
		{name: "map catch-all", active: activeProfile(t, upstream.URL, modelmapping.ModeMap, "", []modelmapping.Rule{{Pattern: ".*", Target: "fallback", UseRegex: true}}), body: `{"max_tokens":5}`, forwarded: "fallback", injected: "fallback"},
		{name: "passthrough", active: activeProfile(t, upstream.URL, modelmapping.ModePassthrough, "", nil), body: `{"max_tokens":5}`, forwarded: "unknown"},
		{name: "not json", active: activeProfile(t, upstream.URL, modelmapping.ModeOverride, "glm-4", nil), body: `plain text`, forwarded: "unknown"},
	}
	for _, tc := range cases {
		gotBody = nil
		rec := &captureRecorder{}
		r := New(Options{Profiles: staticProfiles{active: tc.active}, Recorder: rec})
		if w := doPost(r.Handler(), "/v1/messages", tc.body, nil); w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", tc.name, w.Code)
		}
		e := rec.only(t)
		if e.OriginalModel != "unknown" || e.ForwardedModel != tc.forwarded {
			t.Fatalf("%s: expected unknown -> %s, got %+v", tc.name, tc.forwarded, e)
		}
		model := gjson.GetBytes(gotBody, "model")
		if tc.injected == "" {
			if string(gotBody) != tc.body {
				t.Fatalf("%s: expected body forwarded unchanged, got %s", tc.name, gotBody)
			}
			continue
		}
		if model.String() != tc.injected || gjson.GetBytes(gotBody, "max_tokens").Int() != 5 {
			t.Fatalf("%s: expected model %s injected, got %s", tc.name, tc.injected, gotBody)
		}
	}
}
