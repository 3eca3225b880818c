package idempotency

import (
	"context"
	"errors"
	"net/http"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore keeps entries in the idempotency_keys table created by the postgres migrations.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

type keyRow struct {
	Key         string              `gorm:"primaryKey"`
	Fingerprint string              `gorm:"not null"`
	Completed   bool                `gorm:"not null"`
	Status      int                 `gorm:"column:response_status"`
	Header      map[string][]string `gorm:"column:response_header;serializer:json"`
	Body        []byte              `gorm:"column:response_body"`
	CreatedAt   time.Time           `gorm:"autoCreateTime:false"`
	ExpiresAt   time.Time
}

func (keyRow) TableName() string { return "idempotency_keys" }

func rowFromEntry(e Entry) keyRow {
	return keyRow{
		Key: e.Key, Fingerprint: e.Fingerprint, Completed: e.Completed,
		Status: e.Status, Header: e.Header, Body: e.Body,
		CreatedAt: e.CreatedAt, ExpiresAt: e.ExpiresAt,
	}
}

func (r keyRow) entry() Entry {
	return Entry{
		Key: r.Key, Fingerprint: r.Fingerprint, Completed: r.Completed,
		Status: r.Status, Header: http.Header(r.Header), Body: r.Body,
		CreatedAt: r.CreatedAt, ExpiresAt: r.ExpiresAt,
	}
}

// lockRow selects the row for key FOR UPDATE; a missing row yields nil.
func lockRow(tx *gorm.DB, key string) (*Entry, error) {
	var row keyRow
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry := row.entry()
	return &entry, nil
}

func (s *GormStore) Claim(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error) {
	var (
		outcome Outcome
		entry   Entry
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := lockRow(tx, key)
		if err != nil {
			return err
		}
		outcome, entry, err = claimOutcome(existing, key, fingerprint, now.UTC(), ttl)
		if err != nil || outcome != OutcomeFresh {
			return err
		}
		if existing != nil {
			return tx.Select("*").Save(rowPtr(rowFromEntry(entry))).Error
		}
		// A concurrent claim may insert between the lock and here; the loser sees a no-op
		// insert and reports in-flight.
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(rowPtr(rowFromEntry(entry)))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			outcome = OutcomeInFlight
		}
		return nil
	})
	if err != nil {
		return 0, Entry{}, err
	}
	return outcome, entry, nil
}

func (s *GormStore) Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := lockRow(tx, key)
		if err != nil {
			return err
		}
		entry := Entry{Key: key, Fingerprint: fingerprint, CreatedAt: now}
		if existing != nil {
			if existing.Fingerprint != fingerprint {
				return ErrFingerprintMismatch
			}
			entry = *existing
		}
		entry.Completed = true
		entry.Status = resp.Status
		entry.Header = replayableHeader(resp.Header)
		entry.Body = resp.Body
		entry.ExpiresAt = now.Add(ttl)
		return tx.Select("*").Save(rowPtr(rowFromEntry(entry))).Error
	})
}

func (s *GormStore) Abandon(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("key = ?", key).Delete(&keyRow{}).Error
}

func (s *GormStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	expired := s.db.Model(&keyRow{}).Select("key").Where("expires_at <= ?", now.UTC()).Limit(limit)
	res := s.db.WithContext(ctx).Where("key IN (?)", expired).Delete(&keyRow{})
	return int(res.RowsAffected), res.Error
}

func rowPtr(r keyRow) *keyRow { return &r }
