package storage

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"yieldvault/core/events"
	"yieldvault/native/leverage"
)

// ErrDSNRequired is returned when no audit database is configured.
var ErrDSNRequired = errors.New("allocd audit DSN must be configured")

// GateRecord persists a single leverage gate evaluation.
type GateRecord struct {
	ID        uint      `gorm:"primaryKey"`
	Venue     string    `gorm:"size:64;index"`
	Gate      string    `gorm:"size:32;index"`
	GateIndex int       `gorm:"not null"`
	Outcome   string    `gorm:"size:8;index"`
	Reason    string    `gorm:"size:128"`
	At        time.Time `gorm:"index"`
	CreatedAt time.Time
}

// EventRecord persists an engine event in its attribute form. Digest is the
// blake3 hash of the canonical record and is unique.
type EventRecord struct {
	ID          uint      `gorm:"primaryKey"`
	Type        string    `gorm:"size:64;index"`
	OperationID string    `gorm:"size:64;index"`
	Venue       string    `gorm:"size:64;index"`
	Attributes  string    `gorm:"type:text"`
	Digest      string    `gorm:"size:64;uniqueIndex"`
	At          time.Time `gorm:"index"`
	CreatedAt   time.Time
}

// Store is the gorm-backed audit trail of allocd.
type Store struct {
	db     *gorm.DB
	logger *log.Logger
}

// Dialector picks the gorm driver for a DSN.
func Dialector(dsn string) (gorm.Dialector, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrDSNRequired
	}
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") || strings.Contains(lower, "host=") {
		return postgres.Open(trimmed), nil
	}
	return sqlite.Open(trimmed), nil
}

// Open connects to the audit database and migrates the schema.
func Open(dsn string, l *log.Logger) (*Store, error) {
	dialector, err := Dialector(dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	return New(db, l)
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, l *log.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("audit database not configured")
	}
	if l == nil {
		l = log.Default()
	}
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return &Store{db: db, logger: l}, nil
}

// AutoMigrate performs all schema migrations for the audit store.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&GateRecord{}, &EventRecord{}); err != nil {
		return fmt.Errorf("migrate audit schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordGate implements leverage.Recorder. Persistence failures are logged;
// the gate outcome itself is never affected.
func (s *Store) RecordGate(r leverage.GateResult) {
	if s == nil {
		return
	}
	rec := GateRecord{
		Venue:     r.Venue,
		Gate:      r.Gate.String(),
		GateIndex: int(r.Gate),
		Outcome:   string(r.Outcome),
		Reason:    r.Reason,
		At:        r.At.UTC(),
	}
	if err := s.db.Create(&rec).Error; err != nil {
		s.logger.Printf("allocd: audit gate %s/%s: %v", r.Venue, r.Gate, err)
	}
}

// SaveEvent persists an event record. Records already stored are ignored.
func (s *Store) SaveEvent(ctx context.Context, rec events.Record) error {
	if s == nil {
		return fmt.Errorf("audit store not configured")
	}
	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	row := EventRecord{
		Type:        rec.Type,
		OperationID: rec.Attributes["operation"],
		Venue:       rec.Attributes["venue"],
		Attributes:  string(attrs),
		Digest:      Digest(rec),
		At:          rec.At.UTC(),
	}
	var existing int64
	if err := s.db.WithContext(ctx).Model(&EventRecord{}).Where("digest = ?", row.Digest).Count(&existing).Error; err != nil {
		return fmt.Errorf("lookup event: %w", err)
	}
	if existing > 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Consume drains records until the channel closes or ctx is cancelled.
func (s *Store) Consume(ctx context.Context, records <-chan events.Record) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-records:
			if !ok {
				return
			}
			if err := s.SaveEvent(context.WithoutCancel(ctx), rec); err != nil {
				s.logger.Printf("allocd: audit event %s: %v", rec.Type, err)
			}
		}
	}
}

// Query filters audit reads. Zero values match everything.
type Query struct {
	Type  string
	Venue string
	Since time.Time
	Limit int
}

func (q Query) apply(tx *gorm.DB) *gorm.DB {
	if q.Venue != "" {
		tx = tx.Where("venue = ?", q.Venue)
	}
	if !q.Since.IsZero() {
		tx = tx.Where("at >= ?", q.Since.UTC())
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	return tx.Order("id ASC")
}

// Gates lists gate outcomes in insertion order.
func (s *Store) Gates(ctx context.Context, q Query) ([]GateRecord, error) {
	var out []GateRecord
	if err := q.apply(s.db.WithContext(ctx).Model(&GateRecord{})).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query gates: %w", err)
	}
	return out, nil
}

// Events lists persisted events in insertion order.
func (s *Store) Events(ctx context.Context, q Query) ([]EventRecord, error) {
	tx := s.db.WithContext(ctx).Model(&EventRecord{})
	if q.Type != "" {
		tx = tx.Where("type = ?", q.Type)
	}
	var out []EventRecord
	if err := q.apply(tx).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return out, nil
}

// Digest hashes a record over its type, timestamp and sorted attributes.
func Digest(rec events.Record) string {
	keys := make([]string, 0, len(rec.Attributes))
	for k := range rec.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := blake3.New(32, nil)
	h.Write([]byte(rec.Type))
	h.Write([]byte{0})
	h.Write([]byte(rec.At.UTC().Format(time.RFC3339Nano)))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(rec.Attributes[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}
