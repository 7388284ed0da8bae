// Package relay forwards client requests to the active profile and records the outcome.
package relay

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prismhq/prism/internal/ledger"
	"github.com/prismhq/prism/internal/metrics"
	"github.com/prismhq/prism/internal/modelmapping"
	"github.com/prismhq/prism/internal/profile"
	"github.com/prismhq/prism/internal/ratelimit"
	internalsettings "github.com/prismhq/prism/internal/settings"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	maxRequestBodyBytes = 32 << 20
	// maxCaptureBytes bounds how much of a response is kept for usage parsing.
	maxCaptureBytes  = 8 << 20
	maxStoredBody    = 4 << 10
	maxErrorMessage  = 1 << 10
	unknownModelName = "unknown"
)

// ProfileSource yields the active profile snapshot.
type ProfileSource interface {
	Active() *profile.Active
}

// Recorder receives ledger writes without blocking.
type Recorder interface {
	Create(e ledger.Entry) bool
	Update(requestID string, u ledger.Update) bool
}

// Options wires a Relay.
type Options struct {
	Profiles ProfileSource
	Upstream Upstream
	Recorder Recorder
	Settings *internalsettings.Store
	Limiter  *ratelimit.Manager
	Metrics  *metrics.Collector
	Tokens   *TokenCounter
	NowFn    func() time.Time
	NewID    func() string
}

// Relay is the proxy request pipeline.
type Relay struct {
	profiles ProfileSource
	upstream Upstream
	recorder Recorder
	settings *internalsettings.Store
	limiter  *ratelimit.Manager
	metrics  *metrics.Collector
	tokens   *TokenCounter
	nowFn    func() time.Time
	newID    func() string
}

// New constructs a Relay. Upstream defaults to an HTTPUpstream with default timeouts.
func New(opts Options) *Relay {
	r := &Relay{
		profiles: opts.Profiles,
		upstream: opts.Upstream,
		recorder: opts.Recorder,
		settings: opts.Settings,
		limiter:  opts.Limiter,
		metrics:  opts.Metrics,
		tokens:   opts.Tokens,
		nowFn:    opts.NowFn,
		newID:    opts.NewID,
	}
	if r.upstream == nil {
		r.upstream = NewHTTPUpstream(0, 0)
	}
	if r.nowFn == nil {
		r.nowFn = time.Now
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	return r
}

// Handler builds the gin engine served on the proxy listener.
func (r *Relay) Handler() http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	v1 := engine.Group("/v1")
	v1.Use(r.authMiddleware())
	v1.Any("/*path", r.handle)
	return engine
}

// attempt carries the per-request facts that end up in the ledger entry.
type attempt struct {
	entry   ledger.Entry
	started time.Time
}

func (r *Relay) newAttempt() *attempt {
	started := r.nowFn()
	return &attempt{
		started: started,
		entry: ledger.Entry{
			RequestID:     r.newID(),
			Timestamp:     started.UnixMilli(),
			ModelMode:     string(modelmapping.ModeNone),
			OriginalModel: unknownModelName,
		},
	}
}

func (r *Relay) elapsedMs(a *attempt) int64 {
	return r.nowFn().Sub(a.started).Milliseconds()
}

func (r *Relay) handle(c *gin.Context) {
	a := r.newAttempt()

	body, errRead := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBodyBytes))
	if errRead != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	size := int64(len(body))
	a.entry.RequestSizeBytes = &size
	a.entry.IsStream = gjson.GetBytes(body, "stream").Bool()
	if model := gjson.GetBytes(body, "model"); model.Exists() && model.String() != "" {
		a.entry.OriginalModel = model.String()
	}
	a.entry.ForwardedModel = a.entry.OriginalModel

	active := r.profiles.Active()
	if active == nil {
		r.fail(c, a, http.StatusServiceUnavailable, "no active profile")
		return
	}
	p := active.Profile
	a.entry.ProfileID = p.ID
	a.entry.ProfileName = p.Name
	a.entry.Provider = profile.ProviderName(p.APIBaseURL)

	resolved := modelmapping.Resolve(active.Table, a.entry.OriginalModel)
	a.entry.ModelMode = string(resolved.Mode)
	// A JSON body without a model resolves as "unknown"; override and matching map rules still inject one.
	if isJSONObject(body) {
		a.entry.ForwardedModel = resolved.Model
		if resolved.Model != a.entry.OriginalModel {
			rewritten, errSet := sjson.SetBytes(body, "model", resolved.Model)
			if errSet != nil {
				log.WithError(errSet).Warn("relay: failed to rewrite model, forwarding original body")
				a.entry.ForwardedModel = a.entry.OriginalModel
			} else {
				body = rewritten
				size = int64(len(body))
				a.entry.RequestSizeBytes = &size
			}
			log.Debugf("relay: model %s -> %s (%s)", a.entry.OriginalModel, resolved.Model, resolved.Mode)
		}
	}

	if !r.allow(c, p.ID) {
		r.fail(c, a, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	target := p.APIBaseURL + c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		target += "?" + raw
	}
	resp, errDo := r.upstream.Do(c.Request.Context(), UpstreamRequest{
		Method: c.Request.Method,
		URL:    target,
		APIKey: p.APIKey,
		Header: c.Request.Header,
		Body:   body,
	})
	if errDo != nil {
		log.WithError(errDo).Warnf("relay: upstream %s failed", target)
		r.fail(c, a, http.StatusBadGateway, "upstream request failed: "+errDo.Error())
		return
	}
	defer resp.Body.Close()

	upstreamMs := resp.Duration.Milliseconds()
	a.entry.UpstreamDurationMs = &upstreamMs
	a.entry.StatusCode = resp.StatusCode
	if strings.HasPrefix(strings.ToLower(resp.Header.Get("Content-Type")), "text/event-stream") {
		a.entry.IsStream = true
	}

	if a.entry.IsStream {
		r.relayStream(c, a, resp, body)
		return
	}
	r.relayBuffered(c, a, resp, body)
}

func (r *Relay) allow(c *gin.Context, profileID string) bool {
	if r.limiter == nil {
		return true
	}
	decision := ratelimit.ResolveLimit(r.limiter.Settings(), profileID)
	key := ratelimit.KeyForDecision(decision)
	if key == "" {
		return true
	}
	result, errAllow := r.limiter.Allow(c.Request.Context(), key, decision.Limit)
	if errAllow != nil {
		log.WithError(errAllow).Warn("relay: rate limit check failed, allowing request")
		return true
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	if !result.Allowed {
		c.Header("Retry-After", strconv.Itoa(result.RetryAfter(r.nowFn())))
		r.metrics.RateLimited()
		return false
	}
	return true
}

func isJSONObject(body []byte) bool {
	return gjson.ValidBytes(body) && gjson.ParseBytes(body).IsObject()
}

// fail answers with a JSON error and records the attempt.
func (r *Relay) fail(c *gin.Context, a *attempt, status int, message string) {
	a.entry.StatusCode = status
	a.entry.DurationMs = r.elapsedMs(a)
	msg := truncate(message, maxErrorMessage)
	a.entry.ErrorMessage = &msg
	r.record(a.entry)
	r.metrics.ObserveRequest(a.entry.Provider, a.entry.ModelMode, status, a.entry.IsStream, time.Duration(a.entry.DurationMs)*time.Millisecond)
	c.JSON(status, gin.H{"error": message})
}

func (r *Relay) relayBuffered(c *gin.Context, a *attempt, resp *UpstreamResponse, reqBody []byte) {
	raw, errRead := io.ReadAll(resp.Body)
	copyResponseHeader(c.Writer.Header(), resp.Header)
	c.Status(resp.StatusCode)
	if len(raw) > 0 {
		if _, errWrite := c.Writer.Write(raw); errWrite != nil {
			log.WithError(errWrite).Debug("relay: client went away")
		}
	}

	respSize := int64(len(raw))
	a.entry.ResponseSizeBytes = &respSize
	a.entry.DurationMs = r.elapsedMs(a)
	if errRead != nil {
		msg := truncate("failed to read upstream response: "+errRead.Error(), maxErrorMessage)
		a.entry.ErrorMessage = &msg
	}

	decoded, errDecode := decodeBody(resp.Header.Get("Content-Encoding"), raw)
	if errDecode != nil {
		log.WithError(errDecode).Debug("relay: cannot inspect response body")
		decoded = nil
	}
	usage := ParseUsage(decoded)
	if usage.Empty() && resp.StatusCode < http.StatusBadRequest && decoded != nil {
		usage = r.estimate(reqBody, decoded, false)
	}
	r.applyUsage(&a.entry, usage)

	if resp.StatusCode >= http.StatusBadRequest && a.entry.ErrorMessage == nil && decoded != nil {
		msg := ErrorMessage(decoded, maxErrorMessage)
		a.entry.ErrorMessage = &msg
	}
	if a.entry.OutputTokens == 0 && decoded != nil {
		stored := truncate(string(bytes.ToValidUTF8(decoded, []byte("?"))), maxStoredBody)
		a.entry.ResponseBody = &stored
	}

	r.record(a.entry)
	r.observe(a.entry)
}

func (r *Relay) relayStream(c *gin.Context, a *attempt, resp *UpstreamResponse, reqBody []byte) {
	a.entry.DurationMs = r.elapsedMs(a)
	r.record(a.entry)

	copyResponseHeader(c.Writer.Header(), resp.Header)
	c.Status(resp.StatusCode)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	capture := &cappedBuffer{limit: maxCaptureBytes}
	written, errCopy := copyFlushing(c.Writer, io.TeeReader(resp.Body, capture))

	update := ledger.Update{}
	duration := r.elapsedMs(a)
	update.DurationMs = &duration
	update.ResponseSizeBytes = &written
	if errCopy != nil {
		msg := truncate("stream interrupted: "+errCopy.Error(), maxErrorMessage)
		update.ErrorMessage = &msg
		log.WithError(errCopy).Warnf("relay: stream %s interrupted", a.entry.RequestID)
	}

	decoded, errDecode := decodeBody(resp.Header.Get("Content-Encoding"), capture.Bytes())
	if errDecode != nil {
		log.WithError(errDecode).Debug("relay: cannot inspect stream body")
		decoded = nil
	}
	usage := ParseStreamUsage(decoded)
	if usage.Empty() && resp.StatusCode < http.StatusBadRequest && decoded != nil {
		usage = r.estimate(reqBody, decoded, true)
	}
	if resp.StatusCode >= http.StatusBadRequest && update.ErrorMessage == nil && decoded != nil {
		msg := ErrorMessage(decoded, maxErrorMessage)
		update.ErrorMessage = &msg
	}
	update.InputTokens = &usage.InputTokens
	update.OutputTokens = &usage.OutputTokens
	update.CacheCreationInputTokens = &usage.CacheCreationInputTokens
	update.CacheReadInputTokens = &usage.CacheReadInputTokens
	if usage.OutputTokens == 0 && decoded != nil {
		stored := truncate(string(bytes.ToValidUTF8(decoded, []byte("?"))), maxStoredBody)
		update.ResponseBody = &stored
	}
	if r.recorder != nil {
		r.recorder.Update(a.entry.RequestID, update)
	}

	final := a.entry
	r.applyUsage(&final, usage)
	final.DurationMs = duration
	r.observe(final)
}

// estimate counts tokens locally when the upstream reported none.
func (r *Relay) estimate(reqBody, respBody []byte, stream bool) Usage {
	if r.tokens == nil {
		return Usage{}
	}
	return Usage{
		InputTokens:  r.tokens.CountInput(reqBody),
		OutputTokens: r.tokens.Count(ResponseText(respBody, stream)),
	}
}

func (r *Relay) applyUsage(e *ledger.Entry, u Usage) {
	e.InputTokens = u.InputTokens
	e.OutputTokens = u.OutputTokens
	e.CacheCreationInputTokens = u.CacheCreationInputTokens
	e.CacheReadInputTokens = u.CacheReadInputTokens
}

func (r *Relay) record(e ledger.Entry) {
	if r.recorder == nil {
		return
	}
	r.recorder.Create(e)
}

func (r *Relay) observe(e ledger.Entry) {
	r.metrics.ObserveRequest(e.Provider, e.ModelMode, e.StatusCode, e.IsStream, time.Duration(e.DurationMs)*time.Millisecond)
	r.metrics.AddTokens(e.Provider, e.InputTokens, e.OutputTokens, e.CacheCreationInputTokens, e.CacheReadInputTokens)
}

// copyFlushing copies src to w, flushing after every chunk.
func copyFlushing(w gin.ResponseWriter, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, errRead := src.Read(buf)
		if n > 0 {
			wn, errWrite := w.Write(buf[:n])
			written += int64(wn)
			if errWrite != nil {
				return written, fmt.Errorf("write to client: %w", errWrite)
			}
			w.Flush()
		}
		if errRead != nil {
			if errors.Is(errRead, io.EOF) {
				return written, nil
			}
			return written, errRead
		}
	}
}

// cappedBuffer keeps the first limit bytes written and discards the rest.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte {
	return b.buf.Bytes()
}
