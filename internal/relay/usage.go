package relay

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/tidwall/gjson"
)

// Usage is the token accounting reported by an upstream.
type Usage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// Empty reports whether no counter was found.
func (u Usage) Empty() bool {
	return u == Usage{}
}

// merge keeps the larger value of each counter. Streams repeat cumulative usage.
func (u *Usage) merge(o Usage) {
	u.InputTokens = max(u.InputTokens, o.InputTokens)
	u.OutputTokens = max(u.OutputTokens, o.OutputTokens)
	u.CacheCreationInputTokens = max(u.CacheCreationInputTokens, o.CacheCreationInputTokens)
	u.CacheReadInputTokens = max(u.CacheReadInputTokens, o.CacheReadInputTokens)
}

func usageFrom(node gjson.Result) Usage {
	if !node.Exists() || !node.IsObject() {
		return Usage{}
	}
	first := func(paths ...string) int64 {
		for _, p := range paths {
			if v := node.Get(p); v.Exists() {
				return v.Int()
			}
		}
		return 0
	}
	return Usage{
		InputTokens:              first("input_tokens", "prompt_tokens"),
		OutputTokens:             first("output_tokens", "completion_tokens"),
		CacheCreationInputTokens: first("cache_creation_input_tokens"),
		CacheReadInputTokens:     first("cache_read_input_tokens", "prompt_tokens_details.cached_tokens"),
	}
}

// ParseUsage reads the usage block of a JSON response body.
func ParseUsage(body []byte) Usage {
	if !gjson.ValidBytes(body) {
		return Usage{}
	}
	root := gjson.ParseBytes(body)
	u := usageFrom(root.Get("usage"))
	u.merge(usageFrom(root.Get("message.usage")))
	return u
}

// ParseStreamUsage scans SSE data lines and merges every usage block found.
func ParseStreamUsage(body []byte) Usage {
	var u Usage
	forEachSSEData(body, func(data []byte) {
		u.merge(ParseUsage(data))
	})
	return u
}

// ResponseText extracts generated text from a JSON or SSE body for local token counting.
func ResponseText(body []byte, stream bool) string {
	var b strings.Builder
	collect := func(root gjson.Result) {
		for _, path := range []string{"content.#.text", "delta.text", "choices.#.message.content", "choices.#.delta.content"} {
			v := root.Get(path)
			if !v.Exists() {
				continue
			}
			if v.IsArray() {
				for _, item := range v.Array() {
					b.WriteString(item.String())
				}
				continue
			}
			b.WriteString(v.String())
		}
	}
	if !stream {
		if gjson.ValidBytes(body) {
			collect(gjson.ParseBytes(body))
		}
		return b.String()
	}
	forEachSSEData(body, func(data []byte) {
		if gjson.ValidBytes(data) {
			collect(gjson.ParseBytes(data))
		}
	})
	return b.String()
}

func forEachSSEData(body []byte, fn func(data []byte)) {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(line[len("data:"):])
		if len(data) == 0 || bytes.Equal(data, []byte("[DONE]")) {
			continue
		}
		fn(data)
	}
}

// ErrorMessage pulls a readable message out of an upstream error body.
func ErrorMessage(body []byte, limit int) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "message", "error"} {
			if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String && v.String() != "" {
				return truncate(v.String(), limit)
			}
		}
	}
	return truncate(strings.TrimSpace(string(body)), limit)
}

// decodeBody undoes a Content-Encoding so the body can be inspected.
func decodeBody(encoding string, body []byte) ([]byte, error) {
	encoding = strings.ToLower(strings.TrimSpace(encoding))
	var r io.Reader
	switch encoding {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		gz, errGzip := gzip.NewReader(bytes.NewReader(body))
		if errGzip != nil {
			return nil, fmt.Errorf("relay: gzip: %w", errGzip)
		}
		defer gz.Close()
		r = gz
	case "deflate":
		fl := flate.NewReader(bytes.NewReader(body))
		defer fl.Close()
		r = fl
	case "br":
		r = brotli.NewReader(bytes.NewReader(body))
	case "zstd":
		zr, errZstd := zstd.NewReader(bytes.NewReader(body))
		if errZstd != nil {
			return nil, fmt.Errorf("relay: zstd: %w", errZstd)
		}
		defer zr.Close()
		r = zr
	default:
		return nil, fmt.Errorf("relay: unsupported content encoding %q", encoding)
	}
	out, errRead := io.ReadAll(r)
	if errRead != nil && len(out) == 0 {
		return nil, fmt.Errorf("relay: decode %s: %w", encoding, errRead)
	}
	return out, nil
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
