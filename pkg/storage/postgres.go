package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/84hero/dapp-scout/pkg/aggregate"
	_ "github.com/lib/pq"
)

// PostgresCache implements the Cache interface over a JSONB table.
type PostgresCache struct {
	db        *sql.DB
	tableName string
}

// NewPostgresCache initializes PostgreSQL-backed caching.
// connStr: connection string
// tablePrefix: table prefix (defaults to "dappscout_") -> resulting table is prefix + "scan_cache"
func NewPostgresCache(connStr string, tablePrefix string) (*PostgresCache, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if tablePrefix == "" {
		tablePrefix = "dappscout_"
	}
	tableName := tablePrefix + "scan_cache"

	cache := &PostgresCache{
		db:        db,
		tableName: tableName,
	}

	if err := cache.initTable(); err != nil {
		return nil, err
	}

	return cache, nil
}

// initTable automatically creates the cache table
func (p *PostgresCache) initTable() error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		cache_key VARCHAR(255) PRIMARY KEY,
		summary JSONB NOT NULL,
		expires_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ DEFAULT NOW()
	);
	`, p.tableName)
	_, err := p.db.Exec(query)
	return err
}

func (p *PostgresCache) Load(key string) (*aggregate.InteractionSummary, bool, error) {
	var (
		payload   []byte
		expiresAt sql.NullTime
	)
	query := fmt.Sprintf("SELECT summary, expires_at FROM %s WHERE cache_key = $1", p.tableName)
	err := p.db.QueryRow(query, key).Scan(&payload, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if expiresAt.Valid && expiresAt.Time.Before(time.Now()) {
		// Expired entries are dropped lazily on read.
		del := fmt.Sprintf("DELETE FROM %s WHERE cache_key = $1", p.tableName)
		_, _ = p.db.Exec(del, key)
		return nil, false, nil
	}

	var summary aggregate.InteractionSummary
	if err := json.Unmarshal(payload, &summary); err != nil {
		return nil, false, err
	}
	return &summary, true, nil
}

func (p *PostgresCache) Save(key string, summary *aggregate.InteractionSummary, ttl time.Duration) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return err
	}

	var expiresAt interface{}
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	// Upsert using Postgres ON CONFLICT syntax
	query := fmt.Sprintf(`
	INSERT INTO %s (cache_key, summary, expires_at, updated_at)
	VALUES ($1, $2, $3, NOW())
	ON CONFLICT (cache_key)
	DO UPDATE SET summary = EXCLUDED.summary, expires_at = EXCLUDED.expires_at, updated_at = NOW();
	`, p.tableName)
	_, err = p.db.Exec(query, key, payload, expiresAt)
	return err
}

func (p *PostgresCache) Close() error {
	return p.db.Close()
}
