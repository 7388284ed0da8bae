package relay

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter estimates tokens locally when an upstream omits usage.
// The encoding is loaded on first use.
type TokenCounter struct {
	once  sync.Once
	codec tokenizer.Codec
}

// NewTokenCounter returns a counter using the cl100k_base encoding.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{}
}

func (t *TokenCounter) load() tokenizer.Codec {
	t.once.Do(func() {
		codec, errGet := tokenizer.Get(tokenizer.Cl100kBase)
		if errGet != nil {
			log.WithError(errGet).Warn("relay: token counter unavailable")
			return
		}
		t.codec = codec
	})
	return t.codec
}

// Count returns the token count of text, or 0 when the encoding is unavailable.
func (t *TokenCounter) Count(text string) int64 {
	if t == nil || text == "" {
		return 0
	}
	codec := t.load()
	if codec == nil {
		return 0
	}
	ids, _, errEncode := codec.Encode(text)
	if errEncode != nil {
		return 0
	}
	return int64(len(ids))
}

// CountInput estimates prompt tokens of a messages request: system text plus each message's role and text parts.
func (t *TokenCounter) CountInput(body []byte) int64 {
	if t == nil || !gjson.ValidBytes(body) {
		return 0
	}
	root := gjson.ParseBytes(body)
	var total int64
	total += t.countContent(root.Get("system"))
	root.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		total += t.Count(msg.Get("role").String())
		total += t.countContent(msg.Get("content"))
		return true
	})
	return total
}

func (t *TokenCounter) countContent(content gjson.Result) int64 {
	switch {
	case !content.Exists():
		return 0
	case content.Type == gjson.String:
		return t.Count(content.String())
	case content.IsArray():
		var total int64
		content.ForEach(func(_, part gjson.Result) bool {
			if text := part.Get("text"); text.Exists() {
				total += t.Count(text.String())
			}
			return true
		})
		return total
	default:
		return 0
	}
}
