package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ggonzalez94/bridge-quotes/internal/model"
	"github.com/gofrs/flock"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// Store keeps native-currency rate snapshots and the last quote batch per
// request on disk so they survive between invocations.
type Store struct {
	db        *sql.DB
	lock      *flock.Flock
	retention time.Duration
	now       func() time.Time
}

// Entry describes the freshness of a cached value.
type Entry struct {
	Hit       bool
	FetchedAt time.Time
	Age       time.Duration
	Stale     bool
}

type RateEntry struct {
	Entry
	Rate decimal.Decimal
}

type BatchEntry struct {
	Entry
	Quotes []model.QuoteResponse
}

func Open(path, lockPath string, retention time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"CREATE TABLE IF NOT EXISTS native_rates (chain_id INTEGER NOT NULL, currency TEXT NOT NULL, rate TEXT NOT NULL, fetched_at INTEGER NOT NULL, PRIMARY KEY (chain_id, currency));",
		"CREATE TABLE IF NOT EXISTS quote_batches (request_key TEXT PRIMARY KEY, body BLOB NOT NULL, fetched_at INTEGER NOT NULL);",
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init cache schema: %w", err)
		}
	}

	if retention <= 0 {
		retention = 24 * time.Hour
	}
	store := &Store{db: db, lock: flock.New(lockPath), retention: retention, now: time.Now}
	_ = store.Prune()
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Prune deletes rows older than the retention window.
func (s *Store) Prune() error {
	if s == nil || s.db == nil {
		return nil
	}
	cutoff := s.now().UTC().Add(-s.retention).Unix()
	for _, table := range []string{"native_rates", "quote_batches"} {
		if _, err := s.db.Exec("DELETE FROM "+table+" WHERE fetched_at < ?", cutoff); err != nil {
			return fmt.Errorf("prune %s: %w", table, err)
		}
	}
	return nil
}

func (s *Store) PutNativeRate(chainID int64, currency string, rate decimal.Decimal, fetchedAt time.Time) error {
	return s.write(`
		INSERT INTO native_rates (chain_id, currency, rate, fetched_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chain_id, currency) DO UPDATE SET
			rate=excluded.rate,
			fetched_at=excluded.fetched_at
	`, chainID, normalizeCurrency(currency), rate.String(), fetchedAt.UTC().Unix())
}

// NativeRate returns the last rate stored for chainID. The entry is marked
// stale when it is older than maxAge.
func (s *Store) NativeRate(chainID int64, currency string, maxAge time.Duration) (RateEntry, error) {
	var raw string
	var fetchedUnix int64
	err := s.db.QueryRow("SELECT rate, fetched_at FROM native_rates WHERE chain_id = ? AND currency = ?", chainID, normalizeCurrency(currency)).Scan(&raw, &fetchedUnix)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RateEntry{}, nil
		}
		return RateEntry{}, fmt.Errorf("cache read: %w", err)
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return RateEntry{}, fmt.Errorf("decode cached rate: %w", err)
	}
	return RateEntry{Entry: s.entry(fetchedUnix, maxAge), Rate: rate}, nil
}

func (s *Store) PutBatch(requestKey string, quotes []model.QuoteResponse, fetchedAt time.Time) error {
	body, err := json.Marshal(quotes)
	if err != nil {
		return fmt.Errorf("encode quote batch: %w", err)
	}
	return s.write(`
		INSERT INTO quote_batches (request_key, body, fetched_at)
		VALUES (?, ?, ?)
		ON CONFLICT(request_key) DO UPDATE SET
			body=excluded.body,
			fetched_at=excluded.fetched_at
	`, requestKey, body, fetchedAt.UTC().Unix())
}

func (s *Store) Batch(requestKey string, maxAge time.Duration) (BatchEntry, error) {
	var body []byte
	var fetchedUnix int64
	err := s.db.QueryRow("SELECT body, fetched_at FROM quote_batches WHERE request_key = ?", requestKey).Scan(&body, &fetchedUnix)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BatchEntry{}, nil
		}
		return BatchEntry{}, fmt.Errorf("cache read: %w", err)
	}
	var quotes []model.QuoteResponse
	if err := json.Unmarshal(body, &quotes); err != nil {
		return BatchEntry{}, fmt.Errorf("decode cached batch: %w", err)
	}
	return BatchEntry{Entry: s.entry(fetchedUnix, maxAge), Quotes: quotes}, nil
}

func (s *Store) entry(fetchedUnix int64, maxAge time.Duration) Entry {
	fetched := time.Unix(fetchedUnix, 0).UTC()
	age := s.now().Sub(fetched)
	if age < 0 {
		age = 0
	}
	return Entry{Hit: true, FetchedAt: fetched, Age: age, Stale: maxAge >= 0 && age > maxAge}
}

func (s *Store) write(query string, args ...any) error {
	locked, err := s.lock.TryLockContext(context.Background(), 5*time.Second)
	if err != nil {
		return fmt.Errorf("lock cache: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock cache: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}

func normalizeCurrency(currency string) string {
	return strings.ToLower(strings.TrimSpace(currency))
}
