package writer

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"traderflow/aggregate"
	appconfig "traderflow/config"
	"traderflow/logger"
	"traderflow/models"
)

// StatStore persists point-in-time stats to Postgres. Recomputed batches
// land in wallet_stats_staging first; Promote moves them into wallet_stats
// only after VerifyUnchanged confirms that rows for trades older than the
// new data window still carry the same numbers.
type StatStore struct {
	db  *sql.DB
	log *logger.Log
}

func NewStatStore(cfg *appconfig.Config) (*StatStore, error) {
	db, err := sql.Open("pgx", cfg.Storage.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &StatStore{db: db, log: logger.GetLogger()}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *StatStore) Close() error {
	return s.db.Close()
}

// statColumns are the per-window measure columns shared by the staging and
// production tables, in insert order.
var statColumns = []string{
	"l_resolved_count", "l_win_count", "l_win_rate", "l_total_pnl", "l_total_invested", "l_roi", "l_confidence",
	"d30_resolved_count", "d30_win_count", "d30_win_rate", "d30_total_pnl", "d30_total_invested", "d30_roi", "d30_confidence",
	"d7_resolved_count", "d7_win_count", "d7_win_rate", "d7_total_pnl", "d7_total_invested", "d7_roi", "d7_confidence",
}

func statTableDDL(name string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		trade_key TEXT NOT NULL,
		dimension TEXT NOT NULL,
		slice_value TEXT NOT NULL,
		wallet TEXT NOT NULL,
		as_of BIGINT NOT NULL,
		taxonomy_version TEXT NOT NULL,
		l_resolved_count BIGINT NOT NULL,
		l_win_count BIGINT NOT NULL,
		l_win_rate DOUBLE PRECISION NOT NULL,
		l_total_pnl DOUBLE PRECISION NOT NULL,
		l_total_invested DOUBLE PRECISION NOT NULL,
		l_roi DOUBLE PRECISION NOT NULL,
		l_confidence TEXT NOT NULL,
		d30_resolved_count BIGINT NOT NULL,
		d30_win_count BIGINT NOT NULL,
		d30_win_rate DOUBLE PRECISION NOT NULL,
		d30_total_pnl DOUBLE PRECISION NOT NULL,
		d30_total_invested DOUBLE PRECISION NOT NULL,
		d30_roi DOUBLE PRECISION NOT NULL,
		d30_confidence TEXT NOT NULL,
		d7_resolved_count BIGINT NOT NULL,
		d7_win_count BIGINT NOT NULL,
		d7_win_rate DOUBLE PRECISION NOT NULL,
		d7_total_pnl DOUBLE PRECISION NOT NULL,
		d7_total_invested DOUBLE PRECISION NOT NULL,
		d7_roi DOUBLE PRECISION NOT NULL,
		d7_confidence TEXT NOT NULL,
		computed_at BIGINT NOT NULL,
		PRIMARY KEY (trade_key, dimension)
	);`, name)
}

func (s *StatStore) migrate(ctx context.Context) error {
	ddl := []string{
		statTableDDL("wallet_stats_staging"),
		statTableDDL("wallet_stats"),
		`CREATE INDEX IF NOT EXISTS idx_wallet_stats_wallet_asof ON wallet_stats(wallet, as_of DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_wallet_stats_staging_asof ON wallet_stats_staging(as_of);`,
		`CREATE TABLE IF NOT EXISTS profile_stats (
			wallet TEXT PRIMARY KEY,
			trade_count BIGINT NOT NULL,
			resolved_count BIGINT NOT NULL,
			win_count BIGINT NOT NULL,
			win_rate DOUBLE PRECISION NOT NULL,
			total_pnl DOUBLE PRECISION NOT NULL,
			total_invested DOUBLE PRECISION NOT NULL,
			roi DOUBLE PRECISION NOT NULL,
			last_trade_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS niche_stats (
			niche TEXT PRIMARY KEY,
			trade_count BIGINT NOT NULL,
			resolved_count BIGINT NOT NULL,
			win_count BIGINT NOT NULL,
			total_pnl DOUBLE PRECISION NOT NULL,
			total_invested DOUBLE PRECISION NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS global_stats (
			id BIGINT PRIMARY KEY CHECK (id = 1),
			wallets BIGINT NOT NULL,
			trade_count BIGINT NOT NULL,
			resolved_count BIGINT NOT NULL,
			win_count BIGINT NOT NULL,
			win_rate DOUBLE PRECISION NOT NULL,
			total_pnl DOUBLE PRECISION NOT NULL,
			total_invested DOUBLE PRECISION NOT NULL,
			roi DOUBLE PRECISION NOT NULL,
			computed_at BIGINT NOT NULL
		);`,
	}

	for _, query := range ddl {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// statRow is one (trade, dimension) slice flattened for storage.
type statRow struct {
	TradeKey        string
	Dimension       string
	SliceValue      string
	Wallet          string
	AsOf            time.Time
	TaxonomyVersion string
	Windows         map[models.Window]models.WindowAggregate
}

// rowsForStat flattens a point-in-time stat into one row per dimension.
func rowsForStat(stat models.PointInTimeStat) []statRow {
	rows := make([]statRow, 0, len(stat.Slices))
	for _, slice := range stat.Slices {
		rows = append(rows, statRow{
			TradeKey:        stat.TradeKey,
			Dimension:       slice.Dimension,
			SliceValue:      slice.Value,
			Wallet:          stat.Wallet,
			AsOf:            stat.AsOf,
			TaxonomyVersion: stat.TaxonomyVersion,
			Windows:         slice.Windows,
		})
	}
	return rows
}

func (r statRow) args(computedAt time.Time) []any {
	args := []any{
		r.TradeKey,
		r.Dimension,
		r.SliceValue,
		r.Wallet,
		r.AsOf.UnixMilli(),
		r.TaxonomyVersion,
	}
	for _, window := range models.Windows() {
		agg := r.Windows[window]
		args = append(args,
			agg.ResolvedCount,
			agg.WinCount,
			agg.WinRate,
			agg.TotalPnl,
			agg.TotalInvested,
			agg.ROI,
			agg.Confidence,
		)
	}
	return append(args, computedAt.UnixMilli())
}

// upsertStatSQL builds the staging upsert statement once per process.
func upsertStatSQL(table string) string {
	cols := append([]string{"trade_key", "dimension", "slice_value", "wallet", "as_of", "taxonomy_version"}, statColumns...)
	cols = append(cols, "computed_at")

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = "$" + strconv.Itoa(i+1)
	}

	assignments := make([]string, 0, len(cols)-2)
	for _, col := range cols {
		if col == "trade_key" || col == "dimension" {
			continue
		}
		assignments = append(assignments, col+" = excluded."+col)
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (trade_key, dimension) DO UPDATE SET %s",
		table,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(assignments, ", "),
	)
}

// WriteStatBatch upserts one wallet batch into the staging table.
func (s *StatStore) WriteStatBatch(ctx context.Context, batch models.StatBatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin stat batch %s: %w", batch.BatchID, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, upsertStatSQL("wallet_stats_staging"))
	if err != nil {
		return fmt.Errorf("prepare stat upsert: %w", err)
	}
	defer stmt.Close()

	for _, stat := range batch.Stats {
		for _, row := range rowsForStat(stat) {
			if _, err := stmt.ExecContext(ctx, row.args(batch.ComputedAt)...); err != nil {
				return fmt.Errorf("upsert stat %s/%s: %w", row.TradeKey, row.Dimension, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit stat batch %s: %w", batch.BatchID, err)
	}
	return nil
}

// VerifyUnchanged counts staging rows that disagree with production for
// trades that predate since. Stats are a pure function of history, so a
// recomputation over the same inputs must reproduce old rows exactly; any
// mismatch means the inputs or the computation drifted.
func (s *StatStore) VerifyUnchanged(ctx context.Context, since time.Time) (int64, error) {
	conditions := make([]string, 0, len(statColumns)+1)
	for _, col := range statColumns {
		conditions = append(conditions, fmt.Sprintf("stg.%s IS DISTINCT FROM prod.%s", col, col))
	}
	conditions = append(conditions, "stg.slice_value IS DISTINCT FROM prod.slice_value")

	query := fmt.Sprintf(`
		SELECT COUNT(*)
		FROM wallet_stats_staging stg
		JOIN wallet_stats prod
		  ON prod.trade_key = stg.trade_key
		 AND prod.dimension = stg.dimension
		WHERE prod.as_of < $1
		  AND (%s)
	`, strings.Join(conditions, " OR "))

	var mismatches int64
	if err := s.db.QueryRowContext(ctx, query, since.UnixMilli()).Scan(&mismatches); err != nil {
		return 0, fmt.Errorf("verify staged stats: %w", err)
	}
	return mismatches, nil
}

// Promote moves the staged rows into production and clears the staging
// table. Runs in one transaction so readers never see a partial promotion.
func (s *StatStore) Promote(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin promotion: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	cols := append([]string{"trade_key", "dimension", "slice_value", "wallet", "as_of", "taxonomy_version"}, statColumns...)
	cols = append(cols, "computed_at")
	assignments := make([]string, 0, len(cols)-2)
	for _, col := range cols {
		if col == "trade_key" || col == "dimension" {
			continue
		}
		assignments = append(assignments, col+" = excluded."+col)
	}

	promote := fmt.Sprintf(`
		INSERT INTO wallet_stats (%s)
		SELECT %s FROM wallet_stats_staging
		ON CONFLICT (trade_key, dimension) DO UPDATE SET %s
	`, strings.Join(cols, ", "), strings.Join(cols, ", "), strings.Join(assignments, ", "))

	result, err := tx.ExecContext(ctx, promote)
	if err != nil {
		return fmt.Errorf("promote staged stats: %w", err)
	}
	promoted, _ := result.RowsAffected()

	if _, err := tx.ExecContext(ctx, `DELETE FROM wallet_stats_staging`); err != nil {
		return fmt.Errorf("clear staging table: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit promotion: %w", err)
	}

	s.log.WithFields(logger.Fields{
		"component": "stat_store",
		"rows":      promoted,
	}).Info("Promoted staged stats to production")
	return nil
}

// WriteProfiles upserts the per-wallet dashboard table.
func (s *StatStore) WriteProfiles(ctx context.Context, profiles []aggregate.ProfileStats) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin profile write: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO profile_stats (
			wallet, trade_count, resolved_count, win_count, win_rate,
			total_pnl, total_invested, roi, last_trade_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (wallet) DO UPDATE SET
			trade_count = excluded.trade_count,
			resolved_count = excluded.resolved_count,
			win_count = excluded.win_count,
			win_rate = excluded.win_rate,
			total_pnl = excluded.total_pnl,
			total_invested = excluded.total_invested,
			roi = excluded.roi,
			last_trade_at = excluded.last_trade_at,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("prepare profile upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, profile := range profiles {
		if _, err := stmt.ExecContext(ctx,
			profile.Wallet,
			profile.TradeCount,
			profile.ResolvedCount,
			profile.WinCount,
			profile.WinRate,
			profile.TotalPnl,
			profile.TotalInvested,
			profile.ROI,
			profile.LastTradeAt.UnixMilli(),
			now,
		); err != nil {
			return fmt.Errorf("upsert profile %s: %w", profile.Wallet, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit profile write: %w", err)
	}
	return nil
}

// WriteGlobal upserts the platform-wide summary and its niche breakdown.
func (s *StatStore) WriteGlobal(ctx context.Context, global aggregate.GlobalStats) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin global write: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO global_stats (
			id, wallets, trade_count, resolved_count, win_count,
			win_rate, total_pnl, total_invested, roi, computed_at
		) VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			wallets = excluded.wallets,
			trade_count = excluded.trade_count,
			resolved_count = excluded.resolved_count,
			win_count = excluded.win_count,
			win_rate = excluded.win_rate,
			total_pnl = excluded.total_pnl,
			total_invested = excluded.total_invested,
			roi = excluded.roi,
			computed_at = excluded.computed_at
	`,
		global.Wallets,
		global.TradeCount,
		global.ResolvedCount,
		global.WinCount,
		global.WinRate,
		global.TotalPnl,
		global.TotalInvested,
		global.ROI,
		global.ComputedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("upsert global stats: %w", err)
	}

	now := time.Now().UnixMilli()
	for _, niche := range global.Niches {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO niche_stats (
				niche, trade_count, resolved_count, win_count,
				total_pnl, total_invested, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (niche) DO UPDATE SET
				trade_count = excluded.trade_count,
				resolved_count = excluded.resolved_count,
				win_count = excluded.win_count,
				total_pnl = excluded.total_pnl,
				total_invested = excluded.total_invested,
				updated_at = excluded.updated_at
		`,
			niche.Niche,
			niche.TradeCount,
			niche.ResolvedCount,
			niche.WinCount,
			niche.TotalPnl,
			niche.TotalInvested,
			now,
		); err != nil {
			return fmt.Errorf("upsert niche %s: %w", niche.Niche, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit global write: %w", err)
	}
	return nil
}
