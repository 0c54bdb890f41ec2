package policystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/throttlekit/throttled/internal/db"
	"github.com/throttlekit/throttled/internal/models"
	"github.com/throttlekit/throttled/internal/ratelimit"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound indicates no persisted policy has the requested name.
var ErrNotFound = errors.New("policy store: policy not found")

// Record is a persisted policy with its operator metadata.
type Record struct {
	Policy      ratelimit.Policy
	Labels      map[string]string
	Description string
	Enabled     bool
	UpdatedAt   time.Time
}

// Filter narrows List results.
type Filter struct {
	// Query matches policy names case-insensitively.
	Query string
	// LabelKey and LabelValue match one label exactly.
	LabelKey    string
	LabelValue  string
	EnabledOnly bool
}

// Fingerprint identifies the latest state of the policy table.
type Fingerprint struct {
	Count     int64
	LatestID  uint64
	LatestAt  time.Time
	HasLatest bool
}

// Store persists policies in the database.
type Store struct {
	db *gorm.DB
}

// New constructs a Store.
func New(conn *gorm.DB) *Store {
	return &Store{db: conn}
}

// Save validates and upserts the record by policy name.
func (s *Store) Save(ctx context.Context, rec Record) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("policy store: save: nil db")
	}
	row, errRow := toModel(rec)
	if errRow != nil {
		return fmt.Errorf("policy store: save: %w", errRow)
	}
	row.UpdatedAt = time.Now().UTC()

	errSave := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"algorithm",
			"quota_limit",
			"window_ms",
			"burst",
			"cost",
			"period",
			"labels",
			"description",
			"is_enabled",
			"updated_at",
		}),
	}).Create(&row).Error
	if errSave != nil {
		return fmt.Errorf("policy store: save %q: %w", row.Name, errSave)
	}
	return nil
}

// Delete removes a persisted policy and reports whether it existed.
func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	res := s.db.WithContext(ctx).Where("name = ?", strings.TrimSpace(name)).Delete(&models.Policy{})
	if res.Error != nil {
		return false, fmt.Errorf("policy store: delete %q: %w", name, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Get returns a persisted policy by name.
func (s *Store) Get(ctx context.Context, name string) (Record, error) {
	var row models.Policy
	errFind := s.db.WithContext(ctx).Where("name = ?", strings.TrimSpace(name)).Take(&row).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("policy store: get %q: %w", name, errFind)
	}
	return fromModel(row), nil
}

// List returns persisted policies matching the filter, ordered by name.
func (s *Store) List(ctx context.Context, filter Filter) ([]Record, error) {
	q := s.db.WithContext(ctx).Model(&models.Policy{})
	if query := strings.TrimSpace(filter.Query); query != "" {
		expr, pattern := db.DialectOf(s.db).NameMatch("name", query)
		q = q.Where(expr, pattern)
	}
	if key := strings.TrimSpace(filter.LabelKey); key != "" {
		if !validLabelKey(key) {
			return nil, fmt.Errorf("policy store: list: invalid label key %q", key)
		}
		q = q.Where(db.DialectOf(s.db).LabelEquals("labels", key), filter.LabelValue)
	}
	if filter.EnabledOnly {
		q = q.Where("is_enabled = ?", true)
	}

	var rows []models.Policy
	if errFind := q.Order("name ASC").Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("policy store: list: %w", errFind)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromModel(row))
	}
	return out, nil
}

// LoadEnabled returns every enabled policy as an engine policy.
func (s *Store) LoadEnabled(ctx context.Context) ([]ratelimit.Policy, error) {
	records, errList := s.List(ctx, Filter{EnabledOnly: true})
	if errList != nil {
		return nil, errList
	}
	out := make([]ratelimit.Policy, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Policy)
	}
	return out, nil
}

// Fingerprint reports the row count and the most recently updated row.
func (s *Store) Fingerprint(ctx context.Context) (Fingerprint, error) {
	type latestRow struct {
		ID        uint64     `gorm:"column:id"`
		UpdatedAt *time.Time `gorm:"column:updated_at"`
	}

	var fp Fingerprint
	if errCount := s.db.WithContext(ctx).Model(&models.Policy{}).Count(&fp.Count).Error; errCount != nil {
		return Fingerprint{}, fmt.Errorf("policy store: count: %w", errCount)
	}

	var latest latestRow
	errLatest := s.db.WithContext(ctx).
		Model(&models.Policy{}).
		Select("id", "updated_at").
		Order("updated_at DESC, id DESC").
		Limit(1).
		Take(&latest).Error
	switch {
	case errLatest == nil:
		fp.HasLatest = true
		fp.LatestID = latest.ID
		if latest.UpdatedAt != nil {
			fp.LatestAt = latest.UpdatedAt.UTC()
		}
	case errors.Is(errLatest, gorm.ErrRecordNotFound):
	default:
		return Fingerprint{}, fmt.Errorf("policy store: latest row: %w", errLatest)
	}
	return fp, nil
}

// Equal reports whether two fingerprints describe the same table state.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.Count == other.Count &&
		f.HasLatest == other.HasLatest &&
		f.LatestID == other.LatestID &&
		f.LatestAt.Equal(other.LatestAt)
}

// validLabelKey restricts label keys to characters that are safe inside a JSON path literal.
func validLabelKey(key string) bool {
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return key != ""
}

func toModel(rec Record) (models.Policy, error) {
	p := rec.Policy
	p.Name = strings.TrimSpace(p.Name)
	if errValidate := p.Validate(); errValidate != nil {
		return models.Policy{}, errValidate
	}
	algorithm, _ := ratelimit.ParseAlgorithm(string(p.Algorithm))
	period, _ := ratelimit.ParsePeriod(string(p.Period))
	windowMS := p.Window.Milliseconds()
	if period == ratelimit.PeriodNone && windowMS <= 0 {
		return models.Policy{}, fmt.Errorf("%w: %q: window must be at least 1ms", ratelimit.ErrInvalidPolicy, p.Name)
	}
	labels := rec.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	rawLabels, errMarshal := json.Marshal(labels)
	if errMarshal != nil {
		return models.Policy{}, fmt.Errorf("marshal labels: %w", errMarshal)
	}
	return models.Policy{
		Name:        p.Name,
		Algorithm:   string(algorithm),
		Limit:       p.Limit,
		WindowMS:    windowMS,
		Burst:       p.Burst,
		Cost:        p.Cost,
		Period:      string(period),
		Labels:      datatypes.JSON(rawLabels),
		Description: strings.TrimSpace(rec.Description),
		IsEnabled:   rec.Enabled,
	}, nil
}

func fromModel(row models.Policy) Record {
	labels := map[string]string{}
	if len(row.Labels) > 0 {
		_ = json.Unmarshal(row.Labels, &labels)
	}
	return Record{
		Policy: ratelimit.Policy{
			Name:      row.Name,
			Limit:     row.Limit,
			Window:    time.Duration(row.WindowMS) * time.Millisecond,
			Algorithm: ratelimit.Algorithm(row.Algorithm),
			Burst:     row.Burst,
			Cost:      row.Cost,
			Period:    ratelimit.Period(row.Period),
		},
		Labels:      labels,
		Description: row.Description,
		Enabled:     row.IsEnabled,
		UpdatedAt:   row.UpdatedAt,
	}
}
