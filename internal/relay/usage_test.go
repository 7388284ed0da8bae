package relay

import (
	"testing"
)

func TestParseUsage_Shapes(t *testing.T) {
	cases := []struct {
		name string
		body string
		want Usage
	}{
		{"anthropic", `{"usage":{"input_tokens":3,"output_tokens":4,"cache_creation_input_tokens":5,"cache_read_input_tokens":6}}`, Usage{3, 4, 5, 6}},
		{"openai", `{"usage":{"prompt_tokens":7,"completion_tokens":8,"prompt_tokens_details":{"cached_tokens":2}}}`, Usage{7, 8, 0, 2}},
		{"missing", `{"id":"x"}`, Usage{}},
		{"not json", `oops`, Usage{}},
	}
	for _, tc := range cases {
		if got := ParseUsage([]byte(tc.body)); got != tc.want {
			t.Fatalf("%s: expected %+v, got %+v", tc.name, tc.want, got)
		}
	}
}

func TestParseStreamUsage_OpenAIFinalChunk(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n" +
		"data: {\"choices\":[],\"usage\":{\"prompt_tokens\":9,\"completion_tokens\":1}}\n\n" +
		"data: [DONE]\n\n"
	got := ParseStreamUsage([]byte(body))
	if got.InputTokens != 9 || got.OutputTokens != 1 {
		t.Fatalf("unexpected usage %+v", got)
	}
	if text := ResponseText([]byte(body), true); text != "a" {
		t.Fatalf("expected streamed text, got %q", text)
	}
}

func TestDecodeBody_Unsupported(t *testing.T) {
	if _, err := decodeBody("compress", []byte("x")); err == nil {
		t.Fatalf("expected error for unsupported encoding")
	}
	out, err := decodeBody("", []byte("plain"))
	if err != nil || string(out) != "plain" {
		t.Fatalf("expected identity passthrough, got %q err=%v", out, err)
	}
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	if got := truncate("héllo", 2); got != "h" {
		t.Fatalf("expected cut before multibyte rune, got %q", got)
	}
}

func TestTokenCounter_CountInput(t *testing.T) {
	tc := NewTokenCounter()
	body := []byte(`{"system":"be brief","messages":[{"role":"user","content":"Hello, how are you?"},{"role":"assistant","content":[{"type":"text","text":"Fine."}]}]}`)
	if got := tc.CountInput(body); got <= 0 {
		t.Fatalf("expected positive token estimate, got %d", got)
	}
	if got := tc.CountInput([]byte("nope")); got != 0 {
		t.Fatalf("expected 0 for invalid body, got %d", got)
	}
}
