package registry

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresRegistry reads tracked contracts from PostgreSQL.
type PostgresRegistry struct {
	db        *sql.DB
	tableName string
}

// NewPostgresRegistry opens the registry table.
// connStr: connection string
// tablePrefix: table prefix (defaults to "dappscout_") -> resulting table is prefix + "contracts"
func NewPostgresRegistry(connStr string, tablePrefix string) (*PostgresRegistry, error) {
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
	tableName := tablePrefix + "contracts"

	reg := &PostgresRegistry{
		db:        db,
		tableName: tableName,
	}

	if err := reg.initTable(); err != nil {
		return nil, err
	}

	return reg, nil
}

// initTable creates the contract table if the external pipeline has not
// provisioned it yet.
func (p *PostgresRegistry) initTable() error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		address VARCHAR(64) PRIMARY KEY,
		dapp_id VARCHAR(255) NOT NULL,
		dapp_name TEXT,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_%s_dapp ON %s (dapp_id);
	`, p.tableName, p.tableName, p.tableName)
	_, err := p.db.Exec(query)
	return err
}

func (p *PostgresRegistry) LoadTrackedContracts(ctx context.Context, dappID string) ([]TrackedContract, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if dappID != "" {
		query := fmt.Sprintf("SELECT address, dapp_id, COALESCE(dapp_name, '') FROM %s WHERE dapp_id = $1", p.tableName)
		rows, err = p.db.QueryContext(ctx, query, dappID)
	} else {
		query := fmt.Sprintf("SELECT address, dapp_id, COALESCE(dapp_name, '') FROM %s", p.tableName)
		rows, err = p.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var raw []TrackedContract
	for rows.Next() {
		var c TrackedContract
		if err := rows.Scan(&c.Address, &c.DappID, &c.DappName); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		raw = append(raw, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return sanitize(raw), nil
}

func (p *PostgresRegistry) Close() error {
	return p.db.Close()
}
