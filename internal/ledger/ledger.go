package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prismhq/prism/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// DefaultListLimit is the page size when List is given a non-positive limit.
	DefaultListLimit = 100
	// MaxListLimit caps the page size.
	MaxListLimit = 100
)

var (
	ErrDuplicate    = errors.New("ledger: duplicate request id")
	ErrNotFound     = errors.New("ledger: entry not found")
	errEmptyRequest = errors.New("ledger: request id is required")
)

// Ledger persists entries and publishes them to the broker.
type Ledger struct {
	db     *gorm.DB
	broker *Broker
	nowFn  func() time.Time
}

// New constructs a Ledger. broker may be nil when nobody subscribes.
func New(db *gorm.DB, broker *Broker) *Ledger {
	return &Ledger{db: db, broker: broker, nowFn: time.Now}
}

// Broker returns the event broker.
func (l *Ledger) Broker() *Broker {
	return l.broker
}

// Create stores e and publishes a created event. The returned entry carries the assigned id.
func (l *Ledger) Create(ctx context.Context, e Entry) (Entry, error) {
	if l == nil || l.db == nil {
		return Entry{}, fmt.Errorf("ledger: not initialized")
	}
	e.RequestID = strings.TrimSpace(e.RequestID)
	if e.RequestID == "" {
		return Entry{}, errEmptyRequest
	}
	if e.Timestamp <= 0 {
		e.Timestamp = l.nowFn().UnixMilli()
	}
	e.ID = 0
	row := toRow(e)
	res := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "request_id"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return Entry{}, fmt.Errorf("ledger: create: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return Entry{}, ErrDuplicate
	}
	created := fromRow(row)
	l.broker.Publish(Event{Kind: EventCreated, Entry: created})
	return created, nil
}

// Update applies u to the entry with requestID and publishes the full updated entry.
func (l *Ledger) Update(ctx context.Context, requestID string, u Update) (Entry, error) {
	if l == nil || l.db == nil {
		return Entry{}, fmt.Errorf("ledger: not initialized")
	}
	columns := u.columns()
	if len(columns) > 0 {
		res := l.db.WithContext(ctx).Model(&models.RequestLog{}).
			Where("request_id = ?", requestID).
			Updates(columns)
		if res.Error != nil {
			return Entry{}, fmt.Errorf("ledger: update: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return Entry{}, ErrNotFound
		}
	}
	updated, errGet := l.Get(ctx, requestID)
	if errGet != nil {
		return Entry{}, errGet
	}
	l.broker.Publish(Event{Kind: EventUpdated, Entry: updated})
	return updated, nil
}

// Get returns the entry with requestID.
func (l *Ledger) Get(ctx context.Context, requestID string) (Entry, error) {
	var row models.RequestLog
	if errFind := l.db.WithContext(ctx).Where("request_id = ?", requestID).First(&row).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("ledger: get: %w", errFind)
	}
	return fromRow(row), nil
}

// List returns entries most recent first. Profile names reflect the current profile;
// entries of deleted profiles are labelled as such.
func (l *Ledger) List(ctx context.Context, limit, offset int) ([]Entry, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("ledger: not initialized")
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	var rows []models.RequestLog
	if errFind := l.db.WithContext(ctx).
		Order("timestamp DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("ledger: list: %w", errFind)
	}

	ids := make([]string, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if row.ProfileID == "" {
			continue
		}
		if _, ok := seen[row.ProfileID]; ok {
			continue
		}
		seen[row.ProfileID] = struct{}{}
		ids = append(ids, row.ProfileID)
	}
	names := make(map[string]string, len(ids))
	if len(ids) > 0 {
		var profiles []models.Profile
		if errFind := l.db.WithContext(ctx).Select("id", "name").Where("id IN ?", ids).Find(&profiles).Error; errFind != nil {
			return nil, fmt.Errorf("ledger: list profile names: %w", errFind)
		}
		for _, p := range profiles {
			names[p.ID] = p.Name
		}
	}

	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		e := fromRow(row)
		if e.ProfileID != "" {
			if name, ok := names[e.ProfileID]; ok {
				e.ProfileName = name
			} else {
				e.ProfileName = fmt.Sprintf("Deleted profile (%s)", e.ProfileID)
			}
		}
		out = append(out, e)
	}
	return out, nil
}

// Cleanup deletes entries older than retentionDays and returns how many were removed.
// A non-positive retention keeps everything.
func (l *Ledger) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := l.nowFn().Add(-time.Duration(retentionDays) * 24 * time.Hour).UnixMilli()
	res := l.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&models.RequestLog{})
	if res.Error != nil {
		return 0, fmt.Errorf("ledger: cleanup: %w", res.Error)
	}
	return res.RowsAffected, nil
}
