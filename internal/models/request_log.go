package models

// RequestLog records the outcome of one proxied request.
type RequestLog struct {
	ID int64 `gorm:"primaryKey;autoIncrement"`

	RequestID string `gorm:"type:varchar(64);not null;uniqueIndex"`
	Timestamp int64  `gorm:"not null;index"` // Unix milliseconds.

	ProfileID      string `gorm:"type:varchar(64);not null;default:'';index"`
	ProfileName    string `gorm:"type:varchar(255);not null;default:''"`
	Provider       string `gorm:"type:varchar(64);not null;default:''"`
	OriginalModel  string `gorm:"type:varchar(255);not null;default:''"`
	ModelMode      string `gorm:"type:varchar(32);not null;default:''"`
	ForwardedModel string `gorm:"type:varchar(255);not null;default:''"`

	InputTokens              int64 `gorm:"not null;default:0"`
	OutputTokens             int64 `gorm:"not null;default:0"`
	CacheCreationInputTokens int64 `gorm:"not null;default:0"`
	CacheReadInputTokens     int64 `gorm:"not null;default:0"`

	DurationMs         int64  `gorm:"not null;default:0"`
	UpstreamDurationMs *int64 // Time to upstream response headers.
	StatusCode         int    `gorm:"not null;default:0"`
	ErrorMessage       *string
	IsStream           bool `gorm:"not null;default:false"`

	RequestSizeBytes  *int64
	ResponseSizeBytes *int64
	ResponseBody      *string `gorm:"type:text"` // Only kept when no output tokens were reported.
}
