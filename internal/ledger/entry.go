// Package ledger stores request outcomes and fans them out to live subscribers.
package ledger

import "github.com/prismhq/prism/internal/models"

// Entry is one request outcome.
type Entry struct {
	ID                       int64   `json:"id"`
	RequestID                string  `json:"requestId"`
	Timestamp                int64   `json:"timestamp"`
	ProfileID                string  `json:"profileId"`
	ProfileName              string  `json:"profileName"`
	Provider                 string  `json:"provider"`
	OriginalModel            string  `json:"originalModel"`
	ModelMode                string  `json:"modelMode"`
	ForwardedModel           string  `json:"forwardedModel"`
	InputTokens              int64   `json:"inputTokens"`
	OutputTokens             int64   `json:"outputTokens"`
	CacheCreationInputTokens int64   `json:"cacheCreationInputTokens"`
	CacheReadInputTokens     int64   `json:"cacheReadInputTokens"`
	DurationMs               int64   `json:"durationMs"`
	UpstreamDurationMs       *int64  `json:"upstreamDurationMs"`
	StatusCode               int     `json:"statusCode"`
	ErrorMessage             *string `json:"errorMessage"`
	IsStream                 bool    `json:"isStream"`
	RequestSizeBytes         *int64  `json:"requestSizeBytes"`
	ResponseSizeBytes        *int64  `json:"responseSizeBytes"`
	ResponseBody             *string `json:"responseBody"`
}

// TotalTokens sums input, output and both cache counters.
func (e Entry) TotalTokens() int64 {
	return e.InputTokens + e.OutputTokens + e.CacheCreationInputTokens + e.CacheReadInputTokens
}

// Update carries the fields a completed stream may change. Nil fields are left as stored.
type Update struct {
	ForwardedModel           *string
	InputTokens              *int64
	OutputTokens             *int64
	CacheCreationInputTokens *int64
	CacheReadInputTokens     *int64
	DurationMs               *int64
	UpstreamDurationMs       *int64
	StatusCode               *int
	ErrorMessage             *string
	ResponseSizeBytes        *int64
	ResponseBody             *string
}

func (u Update) columns() map[string]any {
	out := make(map[string]any)
	if u.ForwardedModel != nil {
		out["forwarded_model"] = *u.ForwardedModel
	}
	if u.InputTokens != nil {
		out["input_tokens"] = *u.InputTokens
	}
	if u.OutputTokens != nil {
		out["output_tokens"] = *u.OutputTokens
	}
	if u.CacheCreationInputTokens != nil {
		out["cache_creation_input_tokens"] = *u.CacheCreationInputTokens
	}
	if u.CacheReadInputTokens != nil {
		out["cache_read_input_tokens"] = *u.CacheReadInputTokens
	}
	if u.DurationMs != nil {
		out["duration_ms"] = *u.DurationMs
	}
	if u.UpstreamDurationMs != nil {
		out["upstream_duration_ms"] = *u.UpstreamDurationMs
	}
	if u.StatusCode != nil {
		out["status_code"] = *u.StatusCode
	}
	if u.ErrorMessage != nil {
		out["error_message"] = *u.ErrorMessage
	}
	if u.ResponseSizeBytes != nil {
		out["response_size_bytes"] = *u.ResponseSizeBytes
	}
	if u.ResponseBody != nil {
		out["response_body"] = *u.ResponseBody
	}
	return out
}

func toRow(e Entry) models.RequestLog {
	return models.RequestLog{
		ID:                       e.ID,
		RequestID:                e.RequestID,
		Timestamp:                e.Timestamp,
		ProfileID:                e.ProfileID,
		ProfileName:              e.ProfileName,
		Provider:                 e.Provider,
		OriginalModel:            e.OriginalModel,
		ModelMode:                e.ModelMode,
		ForwardedModel:           e.ForwardedModel,
		InputTokens:              e.InputTokens,
		OutputTokens:             e.OutputTokens,
		CacheCreationInputTokens: e.CacheCreationInputTokens,
		CacheReadInputTokens:     e.CacheReadInputTokens,
		DurationMs:               e.DurationMs,
		UpstreamDurationMs:       e.UpstreamDurationMs,
		StatusCode:               e.StatusCode,
		ErrorMessage:             e.ErrorMessage,
		IsStream:                 e.IsStream,
		RequestSizeBytes:         e.RequestSizeBytes,
		ResponseSizeBytes:        e.ResponseSizeBytes,
		ResponseBody:             e.ResponseBody,
	}
}

func fromRow(row models.RequestLog) Entry {
	return Entry{
		ID:                       row.ID,
		RequestID:                row.RequestID,
		Timestamp:                row.Timestamp,
		ProfileID:                row.ProfileID,
		ProfileName:              row.ProfileName,
		Provider:                 row.Provider,
		OriginalModel:            row.OriginalModel,
		ModelMode:                row.ModelMode,
		ForwardedModel:           row.ForwardedModel,
		InputTokens:              row.InputTokens,
		OutputTokens:             row.OutputTokens,
		CacheCreationInputTokens: row.CacheCreationInputTokens,
		CacheReadInputTokens:     row.CacheReadInputTokens,
		DurationMs:               row.DurationMs,
		UpstreamDurationMs:       row.UpstreamDurationMs,
		StatusCode:               row.StatusCode,
		ErrorMessage:             row.ErrorMessage,
		IsStream:                 row.IsStream,
		RequestSizeBytes:         row.RequestSizeBytes,
		ResponseSizeBytes:        row.ResponseSizeBytes,
		ResponseBody:             row.ResponseBody,
	}
}
