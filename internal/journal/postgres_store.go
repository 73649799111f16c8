package journal

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"cardpay/internal/payment"
)

// PostgresStore keeps the journal in a PostgreSQL table.
type PostgresStore struct {
	pool      *pgxpool.Pool
	retention time.Duration
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS pending_transfers (
    tx_hash TEXT PRIMARY KEY,
    attempt_id TEXT NOT NULL,
    from_address TEXT NOT NULL,
    to_address TEXT NOT NULL,
    amount_wei NUMERIC(78, 0) NOT NULL,
    chain_id BIGINT NOT NULL,
    submitted_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore connects using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string, retention time.Duration) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	if retention <= 0 {
		retention = DefaultRetention
	}
	return &PostgresStore{pool: pool, retention: retention}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Record(ctx context.Context, t payment.PendingTransfer) error {
	if err := validate(t); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO pending_transfers (tx_hash, attempt_id, from_address, to_address, amount_wei, chain_id, submitted_at)
VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)
ON CONFLICT (tx_hash) DO UPDATE
SET attempt_id = EXCLUDED.attempt_id,
    from_address = EXCLUDED.from_address,
    to_address = EXCLUDED.to_address,
    amount_wei = EXCLUDED.amount_wei,
    chain_id = EXCLUDED.chain_id,
    submitted_at = EXCLUDED.submitted_at
`, t.Handle.Hash, t.AttemptID, t.Handle.FromAddress, t.To, t.AmountWei, t.ChainID, t.SubmittedAt)
	return err
}

func (p *PostgresStore) Resolve(ctx context.Context, hash string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM pending_transfers WHERE tx_hash = $1`, hash)
	return err
}

func (p *PostgresStore) Pending(ctx context.Context) ([]payment.PendingTransfer, error) {
	rows, err := p.pool.Query(ctx, `
SELECT tx_hash, attempt_id, from_address, to_address, amount_wei::text, chain_id, submitted_at
FROM pending_transfers
WHERE submitted_at > $1
ORDER BY submitted_at
`, time.Now().Add(-p.retention))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []payment.PendingTransfer
	for rows.Next() {
		var t payment.PendingTransfer
		if err := rows.Scan(&t.Handle.Hash, &t.AttemptID, &t.Handle.FromAddress, &t.To, &t.AmountWei, &t.ChainID, &t.SubmittedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
