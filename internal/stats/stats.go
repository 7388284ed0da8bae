// Package stats derives dashboard counters and time-bucketed token series from the request ledger.
package stats

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prismhq/prism/internal/db"
	"github.com/prismhq/prism/internal/models"
	"gorm.io/gorm"
)

// Range selects a bucket layout or ranking window.
type Range string

const (
	RangeHour  Range = "hour"
	RangeDay   Range = "day"
	RangeWeek  Range = "week"
	RangeMonth Range = "month"
)

const (
	DefaultRankingLimit = 10
	MaxRankingLimit     = 100
)

// ErrInvalidRange is returned for an unknown range name.
var ErrInvalidRange = errors.New("stats: invalid range")

// ParseRange validates a range name.
func ParseRange(raw string) (Range, error) {
	switch r := Range(strings.ToLower(strings.TrimSpace(raw))); r {
	case RangeHour, RangeDay, RangeWeek, RangeMonth:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRange, raw)
	}
}

// DashboardStats summarises today and all-time usage.
type DashboardStats struct {
	TodayRequests int64 `json:"todayRequests"`
	TodayTokens   int64 `json:"todayTokens"`
	TotalRequests int64 `json:"totalRequests"`
	TotalTokens   int64 `json:"totalTokens"`
}

// TokenDataPoint is one bucket of a token series.
type TokenDataPoint struct {
	Label           string `json:"label"`
	Tokens          int64  `json:"tokens"`
	CacheReadTokens int64  `json:"cache_read_tokens"`
}

// ProfileConsumption is one row of the consumption ranking.
type ProfileConsumption struct {
	ProfileID   string  `json:"profile_id"`
	ProfileName string  `json:"profile_name"`
	TotalTokens int64   `json:"total_tokens"`
	Percentage  float64 `json:"percentage"`
	Rank        int     `json:"rank"`
}

// Aggregator answers stats queries. Buckets are computed in loc.
type Aggregator struct {
	db    *gorm.DB
	loc   *time.Location
	nowFn func() time.Time
}

// NewAggregator constructs an Aggregator. A nil loc means time.Local.
func NewAggregator(conn *gorm.DB, loc *time.Location) *Aggregator {
	if loc == nil {
		loc = time.Local
	}
	return &Aggregator{db: conn, loc: loc, nowFn: time.Now}
}

type totals struct {
	Requests  int64
	Tokens    int64
	CacheRead int64
}

// sum aggregates entries with from <= timestamp < to. Zero bounds are open.
func (a *Aggregator) sum(ctx context.Context, from, to time.Time) (totals, error) {
	q := a.db.WithContext(ctx).Model(&models.RequestLog{}).Select(
		"COUNT(*) AS requests, " +
			"CAST(COALESCE(SUM(" + db.TokenSumExpr + "), 0) AS BIGINT) AS tokens, " +
			"CAST(COALESCE(SUM(cache_read_input_tokens), 0) AS BIGINT) AS cache_read",
	)
	if !from.IsZero() {
		q = q.Where("timestamp >= ?", from.UnixMilli())
	}
	if !to.IsZero() {
		q = q.Where("timestamp < ?", to.UnixMilli())
	}
	var out totals
	if errScan := q.Scan(&out).Error; errScan != nil {
		return totals{}, fmt.Errorf("stats: sum: %w", errScan)
	}
	return out, nil
}

func (a *Aggregator) todayStart() time.Time {
	now := a.nowFn().In(a.loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, a.loc)
}

// Dashboard returns today's and all-time request and token counts.
func (a *Aggregator) Dashboard(ctx context.Context) (DashboardStats, error) {
	today, errToday := a.sum(ctx, a.todayStart(), time.Time{})
	if errToday != nil {
		return DashboardStats{}, errToday
	}
	total, errTotal := a.sum(ctx, time.Time{}, time.Time{})
	if errTotal != nil {
		return DashboardStats{}, errTotal
	}
	return DashboardStats{
		TodayRequests: today.Requests,
		TodayTokens:   today.Tokens,
		TotalRequests: total.Requests,
		TotalTokens:   total.Tokens,
	}, nil
}

type bucket struct {
	label    string
	from, to time.Time
}

func (a *Aggregator) buckets(r Range) ([]bucket, error) {
	today := a.todayStart()
	switch r {
	case RangeHour:
		now := a.nowFn().In(a.loc)
		hour := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, a.loc)
		start := hour.Add(-5 * time.Hour)
		out := make([]bucket, 13)
		for i := range out {
			from := start.Add(time.Duration(i) * time.Hour)
			out[i] = bucket{label: from.In(a.loc).Format("15:04"), from: from, to: from.Add(time.Hour)}
		}
		return out, nil
	case RangeDay:
		out := make([]bucket, 7)
		for i := range out {
			from := today.AddDate(0, 0, i-6)
			out[i] = bucket{label: from.Format("Jan 2"), from: from, to: from.AddDate(0, 0, 1)}
		}
		return out, nil
	case RangeWeek:
		start := today.AddDate(0, 0, 1-28)
		out := make([]bucket, 4)
		for i := range out {
			from := start.AddDate(0, 0, 7*i)
			out[i] = bucket{label: fmt.Sprintf("Week %d", i+1), from: from, to: from.AddDate(0, 0, 7)}
		}
		return out, nil
	case RangeMonth:
		year := time.Date(today.Year(), time.January, 1, 0, 0, 0, 0, a.loc)
		out := make([]bucket, 12)
		for i := range out {
			from := year.AddDate(0, i, 0)
			out[i] = bucket{label: from.Format("Jan"), from: from, to: from.AddDate(0, 1, 0)}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidRange, string(r))
	}
}

// TokenStats returns a zero-filled token series for r, oldest bucket first.
func (a *Aggregator) TokenStats(ctx context.Context, r Range) ([]TokenDataPoint, error) {
	buckets, errBuckets := a.buckets(r)
	if errBuckets != nil {
		return nil, errBuckets
	}
	out := make([]TokenDataPoint, 0, len(buckets))
	for _, b := range buckets {
		t, errSum := a.sum(ctx, b.from, b.to)
		if errSum != nil {
			return nil, errSum
		}
		out = append(out, TokenDataPoint{Label: b.label, Tokens: t.Tokens, CacheReadTokens: t.CacheRead})
	}
	return out, nil
}

// Window returns the ranking window start for r. ok is false for the all-time window.
func (a *Aggregator) Window(r Range) (start time.Time, ok bool, err error) {
	today := a.todayStart()
	switch r {
	case "":
		return time.Time{}, false, nil
	case RangeHour:
		return today, true, nil
	case RangeDay:
		return today.AddDate(0, 0, -6), true, nil
	case RangeWeek:
		return today.AddDate(0, 0, 1-28), true, nil
	case RangeMonth:
		return time.Date(today.Year(), time.January, 1, 0, 0, 0, 0, a.loc), true, nil
	default:
		return time.Time{}, false, fmt.Errorf("%w: %q", ErrInvalidRange, string(r))
	}
}

type profileTotal struct {
	ProfileID   string
	TotalTokens int64
}

// Ranking returns profiles ordered by token consumption in the window of r.
// Ties keep profile creation order; profiles that no longer exist sort after, by id.
func (a *Aggregator) Ranking(ctx context.Context, r Range, limit int) ([]ProfileConsumption, error) {
	start, bounded, errWindow := a.Window(r)
	if errWindow != nil {
		return nil, errWindow
	}
	if limit <= 0 {
		limit = DefaultRankingLimit
	}
	if limit > MaxRankingLimit {
		limit = MaxRankingLimit
	}

	q := a.db.WithContext(ctx).Model(&models.RequestLog{}).
		Select("profile_id, CAST(SUM(" + db.TokenSumExpr + ") AS BIGINT) AS total_tokens").
		Where("profile_id <> ''")
	if bounded {
		q = q.Where("timestamp >= ?", start.UnixMilli())
	}
	var rows []profileTotal
	if errScan := q.Group("profile_id").Scan(&rows).Error; errScan != nil {
		return nil, fmt.Errorf("stats: ranking: %w", errScan)
	}
	if len(rows) == 0 {
		return []ProfileConsumption{}, nil
	}

	ids := make([]string, 0, len(rows))
	var windowTotal int64
	for _, row := range rows {
		ids = append(ids, row.ProfileID)
		windowTotal += row.TotalTokens
	}
	var profiles []models.Profile
	if errFind := a.db.WithContext(ctx).Select("id", "name", "created_at").Where("id IN ?", ids).Find(&profiles).Error; errFind != nil {
		return nil, fmt.Errorf("stats: ranking profiles: %w", errFind)
	}
	known := make(map[string]models.Profile, len(profiles))
	for _, p := range profiles {
		known[p.ID] = p
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].TotalTokens != rows[j].TotalTokens {
			return rows[i].TotalTokens > rows[j].TotalTokens
		}
		pi, okI := known[rows[i].ProfileID]
		pj, okJ := known[rows[j].ProfileID]
		if okI != okJ {
			return okI
		}
		if okI && pi.CreatedAt != pj.CreatedAt {
			return pi.CreatedAt < pj.CreatedAt
		}
		return rows[i].ProfileID < rows[j].ProfileID
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}

	out := make([]ProfileConsumption, 0, len(rows))
	for i, row := range rows {
		name, errName := a.profileName(ctx, row.ProfileID, known)
		if errName != nil {
			return nil, errName
		}
		pct := 0.0
		if windowTotal > 0 {
			pct = float64(row.TotalTokens) / float64(windowTotal) * 100
		}
		out = append(out, ProfileConsumption{
			ProfileID:   row.ProfileID,
			ProfileName: name,
			TotalTokens: row.TotalTokens,
			Percentage:  pct,
			Rank:        i + 1,
		})
	}
	return out, nil
}

// profileName prefers the live profile name and falls back to the most recent logged one.
func (a *Aggregator) profileName(ctx context.Context, id string, known map[string]models.Profile) (string, error) {
	if p, ok := known[id]; ok {
		return p.Name, nil
	}
	var names []string
	if errPluck := a.db.WithContext(ctx).Model(&models.RequestLog{}).
		Where("profile_id = ?", id).
		Order("timestamp DESC, id DESC").
		Limit(1).
		Pluck("profile_name", &names).Error; errPluck != nil {
		return "", fmt.Errorf("stats: ranking name: %w", errPluck)
	}
	if len(names) == 0 || names[0] == "" {
		return id, nil
	}
	return names[0], nil
}
