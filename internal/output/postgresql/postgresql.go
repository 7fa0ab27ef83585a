package postgresql

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/manifest-network/ledgersync/internal/models"
	"github.com/manifest-network/ledgersync/internal/output"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresOutputHandler stores channels, blocks and transactions in PostgreSQL.
type PostgresOutputHandler struct {
	db *sql.DB
}

var _ output.OutputHandler = (*PostgresOutputHandler)(nil)

// NewPostgresOutputHandler connects to the database at dsn.
func NewPostgresOutputHandler(ctx context.Context, dsn string) (*PostgresOutputHandler, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return NewWithDB(db), nil
}

// NewWithDB wraps an existing connection pool.
func NewWithDB(db *sql.DB) *PostgresOutputHandler {
	return &PostgresOutputHandler{db: db}
}

// Migrate applies the embedded schema migrations.
func (h *PostgresOutputHandler) Migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := pgxmigrate.WithInstance(h.db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	slog.Info("Database schema is up to date")
	return nil
}

func (h *PostgresOutputHandler) ChannelExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := h.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM channels WHERE name = $1)`, name,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query channel %s: %w", name, err)
	}
	return exists, nil
}

func (h *PostgresOutputHandler) UpsertChannel(ctx context.Context, channel *models.Channel) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO channels (name, peer_name, peer_address, mspid, genesis_hash)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			peer_name = EXCLUDED.peer_name,
			peer_address = EXCLUDED.peer_address,
			mspid = EXCLUDED.mspid,
			genesis_hash = EXCLUDED.genesis_hash,
			updated_at = now()`,
		channel.Name, channel.Peer.Name, channel.Peer.Address, channel.Peer.MSPID, channel.GenesisHash,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert channel %s: %w", channel.Name, err)
	}
	return nil
}

func (h *PostgresOutputHandler) BlockExists(ctx context.Context, channel string, number uint64) (bool, error) {
	var exists bool
	err := h.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM blocks WHERE channel = $1 AND number = $2)`, channel, int64(number),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query block %s/%d: %w", channel, number, err)
	}
	return exists, nil
}

func (h *PostgresOutputHandler) WriteBlockWithTransactions(ctx context.Context, channel string, block *models.Block) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.Error("Failed to rollback transaction", "error", err)
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO blocks (channel, number, hash, previous_hash, data_hash, tx_count, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (channel, number) DO NOTHING`,
		channel, int64(block.Number), block.Hash, block.PreviousHash, block.DataHash,
		len(block.Transactions), nullableJSON(block.Data),
	)
	if err != nil {
		return fmt.Errorf("failed to insert block %d: %w", block.Number, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		slog.Debug("Block already stored", "channel", channel, "number", block.Number)
		return tx.Commit()
	}

	for _, t := range block.Transactions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transactions (channel, hash, block_number, type, chaincode, validation_code, validation_status)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (channel, hash) DO NOTHING`,
			channel, t.Hash, int64(block.Number), t.Type, t.Chaincode, t.ValidationCode, t.ValidationStatus,
		)
		if err != nil {
			return fmt.Errorf("failed to insert transaction %s: %w", t.Hash, err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE channels SET height = GREATEST(height, $2), updated_at = now() WHERE name = $1`,
		channel, int64(block.Number),
	)
	if err != nil {
		return fmt.Errorf("failed to update height of channel %s: %w", channel, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (h *PostgresOutputHandler) GetLatestBlock(ctx context.Context, channel string) (*models.Block, error) {
	var block models.Block
	var data []byte
	err := h.db.QueryRowContext(ctx, `
		SELECT number, hash, previous_hash, data_hash, data
		FROM blocks WHERE channel = $1
		ORDER BY number DESC LIMIT 1`, channel,
	).Scan(&block.Number, &block.Hash, &block.PreviousHash, &block.DataHash, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest block of %s: %w", channel, err)
	}
	block.Data = data
	return &block, nil
}

func (h *PostgresOutputHandler) GetMissingBlockIds(ctx context.Context, channel string) ([]uint64, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT s.i
		FROM generate_series(1, (SELECT COALESCE(MAX(number), 0) FROM blocks WHERE channel = $1)) AS s(i)
		LEFT JOIN blocks b ON b.channel = $1 AND b.number = s.i
		WHERE b.number IS NULL
		ORDER BY s.i`, channel,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query missing blocks of %s: %w", channel, err)
	}
	defer rows.Close()

	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan missing block id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate missing blocks: %w", err)
	}
	return ids, nil
}

func (h *PostgresOutputHandler) Close() error {
	return h.db.Close()
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
