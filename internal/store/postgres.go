package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"math/bits"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/pool-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgreSQL error codes
const (
	pgErrUniqueViolation = "23505"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Amounts are stored as NUMERIC(20,0) and exchanged as decimal text so no
// value passes through a signed or floating type.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema files in lexicographic order, skipping
// those already recorded in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", name, err)
		}

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			var applied bool
			if err := tx.QueryRow(ctx,
				"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)", name,
			).Scan(&applied); err != nil {
				return err
			}
			if applied {
				return nil
			}
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", name)
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, fn func(Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx, writable: true})
	})
}

func (s *PostgresStore) View(ctx context.Context, fn func(ReadTx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

type pgTx struct {
	tx       pgx.Tx
	writable bool
}

const poolColumns = `address, admin, moderator, stream_id, betting_deadline,
	total_pool::TEXT, side_a_total::TEXT, side_b_total::TEXT,
	side_a_count, side_b_count, status, winning_side,
	creator_fee_bps, platform_fee_bps, payout_complete, created_at, bump`

const betColumns = `address, pool, bettor, amount::TEXT, side, bet_index, status, placed_at, bump`

// GetPool locks the row inside Update. PutPool writes back every column it
// read, so two writers must not interleave between the read and the write.
func (t *pgTx) GetPool(ctx context.Context, addr string) (*model.Pool, error) {
	q := `SELECT ` + poolColumns + ` FROM pools WHERE address = $1`
	if t.writable {
		q += ` FOR UPDATE`
	}
	row := t.tx.QueryRow(ctx, q, addr)
	p, err := scanPool(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pool %s: %w", addr, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", addr, err)
	}
	return p, nil
}

// GetBet locks the row inside Update so two payouts of one bet serialize
// on it even across engine instances.
func (t *pgTx) GetBet(ctx context.Context, addr string) (*model.Bet, error) {
	q := `SELECT ` + betColumns + ` FROM bets WHERE address = $1`
	if t.writable {
		q += ` FOR UPDATE`
	}
	row := t.tx.QueryRow(ctx, q, addr)
	b, err := scanBet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("bet %s: %w", addr, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get bet %s: %w", addr, err)
	}
	return b, nil
}

func (t *pgTx) ListBets(ctx context.Context, pool string) ([]model.Bet, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+betColumns+` FROM bets WHERE pool = $1 ORDER BY bet_index`, pool)
	if err != nil {
		return nil, fmt.Errorf("list bets %s: %w", pool, err)
	}
	defer rows.Close()

	var bets []model.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		bets = append(bets, *b)
	}
	return bets, rows.Err()
}

func (t *pgTx) ListPools(ctx context.Context) ([]model.Pool, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+poolColumns+` FROM pools ORDER BY created_at DESC, address`)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	defer rows.Close()

	var pools []model.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, *p)
	}
	return pools, rows.Err()
}

func (t *pgTx) Balance(ctx context.Context, owner string) (uint64, error) {
	var amt string
	err := t.tx.QueryRow(ctx, `SELECT amount::TEXT FROM balances WHERE owner = $1`, owner).Scan(&amt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("balance %s: %w", owner, err)
	}
	return parseUnits(amt)
}

func (t *pgTx) InsertPool(ctx context.Context, p *model.Pool) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO pools (address, admin, moderator, stream_id, betting_deadline,
		                    total_pool, side_a_total, side_b_total, side_a_count, side_b_count,
		                    status, winning_side, creator_fee_bps, platform_fee_bps,
		                    payout_complete, created_at, bump)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10,
		         $11, $12, $13, $14, $15, $16, $17)`,
		p.Address, p.Admin, p.Moderator, p.StreamID, p.BettingDeadline,
		units(p.TotalPool), units(p.SideATotal), units(p.SideBTotal),
		int64(p.SideACount), int64(p.SideBCount),
		string(p.Status), int16(p.WinningSide),
		int32(p.CreatorFeeBps), int32(p.PlatformFeeBps),
		p.PayoutComplete, p.CreatedAt, int16(p.Bump),
	)
	if isDuplicateKeyError(err) {
		return fmt.Errorf("pool %s: %w", p.Address, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert pool %s: %w", p.Address, err)
	}
	return nil
}

// PutPool writes the mutable fields; identity, fees and creation data are
// fixed at insert.
func (t *pgTx) PutPool(ctx context.Context, p *model.Pool) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE pools
		 SET total_pool = $2::NUMERIC, side_a_total = $3::NUMERIC, side_b_total = $4::NUMERIC,
		     side_a_count = $5, side_b_count = $6,
		     status = $7, winning_side = $8, payout_complete = $9
		 WHERE address = $1`,
		p.Address,
		units(p.TotalPool), units(p.SideATotal), units(p.SideBTotal),
		int64(p.SideACount), int64(p.SideBCount),
		string(p.Status), int16(p.WinningSide), p.PayoutComplete,
	)
	if err != nil {
		return fmt.Errorf("update pool %s: %w", p.Address, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pool %s: %w", p.Address, ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertBet(ctx context.Context, b *model.Bet) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO bets (address, pool, bettor, amount, side, bet_index, status, placed_at, bump)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8, $9)`,
		b.Address, b.Pool, b.Bettor, units(b.Amount),
		int16(b.Side), int64(b.Index), string(b.Status), b.PlacedAt, int16(b.Bump),
	)
	if isDuplicateKeyError(err) {
		return fmt.Errorf("bet %s: %w", b.Address, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert bet %s: %w", b.Address, err)
	}
	return nil
}

func (t *pgTx) PutBet(ctx context.Context, b *model.Bet) error {
	tag, err := t.tx.Exec(ctx, `UPDATE bets SET status = $2 WHERE address = $1`,
		b.Address, string(b.Status))
	if err != nil {
		return fmt.Errorf("update bet %s: %w", b.Address, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bet %s: %w", b.Address, ErrNotFound)
	}
	return nil
}

// Transfer locks both balance rows in address order before checking the
// source, so concurrent transfers between the same owners cannot deadlock.
func (t *pgTx) Transfer(ctx context.Context, from, to string, amount uint64) error {
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO balances (owner, amount) VALUES ($1, 0), ($2, 0) ON CONFLICT (owner) DO NOTHING`,
		from, to,
	); err != nil {
		return fmt.Errorf("ensure balances: %w", err)
	}

	rows, err := t.tx.Query(ctx,
		`SELECT owner, amount::TEXT FROM balances WHERE owner = ANY($1) ORDER BY owner FOR UPDATE`,
		[]string{from, to})
	if err != nil {
		return fmt.Errorf("lock balances: %w", err)
	}
	held := make(map[string]uint64, 2)
	for rows.Next() {
		var owner, amt string
		if err := rows.Scan(&owner, &amt); err != nil {
			rows.Close()
			return err
		}
		v, err := parseUnits(amt)
		if err != nil {
			rows.Close()
			return err
		}
		held[owner] = v
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("lock balances: %w", err)
	}

	if held[from] < amount {
		return fmt.Errorf("%s holds %d, needs %d: %w", from, held[from], amount, ErrInsufficientFunds)
	}
	if from == to {
		return nil
	}
	if _, carry := bits.Add64(held[to], amount, 0); carry != 0 {
		return fmt.Errorf("credit %s: %w", to, ErrBalanceOverflow)
	}

	if _, err := t.tx.Exec(ctx,
		`UPDATE balances SET amount = amount - $2::NUMERIC WHERE owner = $1`, from, units(amount),
	); err != nil {
		return fmt.Errorf("debit %s: %w", from, err)
	}
	if _, err := t.tx.Exec(ctx,
		`UPDATE balances SET amount = amount + $2::NUMERIC WHERE owner = $1`, to, units(amount),
	); err != nil {
		return fmt.Errorf("credit %s: %w", to, err)
	}
	return nil
}

func (t *pgTx) Credit(ctx context.Context, owner string, amount uint64) error {
	var amt string
	err := t.tx.QueryRow(ctx,
		`INSERT INTO balances (owner, amount) VALUES ($1, 0)
		 ON CONFLICT (owner) DO UPDATE SET owner = EXCLUDED.owner
		 RETURNING amount::TEXT`, owner).Scan(&amt)
	if err != nil {
		return fmt.Errorf("lock balance %s: %w", owner, err)
	}
	held, err := parseUnits(amt)
	if err != nil {
		return err
	}
	if _, carry := bits.Add64(held, amount, 0); carry != 0 {
		return fmt.Errorf("credit %s: %w", owner, ErrBalanceOverflow)
	}
	if _, err := t.tx.Exec(ctx,
		`UPDATE balances SET amount = amount + $2::NUMERIC WHERE owner = $1`, owner, units(amount),
	); err != nil {
		return fmt.Errorf("credit %s: %w", owner, err)
	}
	return nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPool(row rowScanner) (*model.Pool, error) {
	var (
		p                       model.Pool
		total, sideA, sideB     string
		countA, countB          int64
		status                  string
		winning, bump           int16
		creatorBps, platformBps int32
	)
	if err := row.Scan(&p.Address, &p.Admin, &p.Moderator, &p.StreamID, &p.BettingDeadline,
		&total, &sideA, &sideB, &countA, &countB, &status, &winning,
		&creatorBps, &platformBps, &p.PayoutComplete, &p.CreatedAt, &bump); err != nil {
		return nil, err
	}

	var err error
	if p.TotalPool, err = parseUnits(total); err != nil {
		return nil, err
	}
	if p.SideATotal, err = parseUnits(sideA); err != nil {
		return nil, err
	}
	if p.SideBTotal, err = parseUnits(sideB); err != nil {
		return nil, err
	}
	p.SideACount = uint32(countA)
	p.SideBCount = uint32(countB)
	p.Status = model.PoolStatus(status)
	p.WinningSide = model.Side(winning)
	p.CreatorFeeBps = uint16(creatorBps)
	p.PlatformFeeBps = uint16(platformBps)
	p.Bump = uint8(bump)
	p.BettingDeadline = p.BettingDeadline.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func scanBet(row rowScanner) (*model.Bet, error) {
	var (
		b          model.Bet
		amount     string
		side, bump int16
		index      int64
		status     string
		placedAt   time.Time
	)
	if err := row.Scan(&b.Address, &b.Pool, &b.Bettor, &amount, &side, &index,
		&status, &placedAt, &bump); err != nil {
		return nil, err
	}
	var err error
	if b.Amount, err = parseUnits(amount); err != nil {
		return nil, err
	}
	b.Side = model.Side(side)
	b.Index = uint32(index)
	b.Status = model.BetStatus(status)
	b.PlacedAt = placedAt.UTC()
	b.Bump = uint8(bump)
	return &b, nil
}

func units(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseUnits(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("postgres: amount %q out of range: %w", s, err)
	}
	return v, nil
}

// isDuplicateKeyError checks if error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}
	return false
}
