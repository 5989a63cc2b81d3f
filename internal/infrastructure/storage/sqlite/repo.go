package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"momo/internal/application/port"
	"momo/internal/domain/model"
)

const dateLayout = "2006-01-02"

type Repo struct {
	db *sql.DB
}

func New(path string) (*Repo, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) GetDB() *sql.DB {
	return r.db
}

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS prices (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  symbol TEXT NOT NULL,
  price REAL NOT NULL,
  ts_ms INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  UNIQUE(symbol)
);
CREATE INDEX IF NOT EXISTS idx_prices_ts ON prices(ts_ms);

CREATE TABLE IF NOT EXISTS trade_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  ts_ms INTEGER NOT NULL,
  symbol TEXT NOT NULL,
  kind TEXT NOT NULL,
  payload TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trade_events_ts ON trade_events(ts_ms);
CREATE INDEX IF NOT EXISTS idx_trade_events_symbol ON trade_events(symbol);

CREATE TABLE IF NOT EXISTS snapshots (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  ts_ms INTEGER NOT NULL,
  payload TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_ts ON snapshots(ts_ms);

CREATE TABLE IF NOT EXISTS daily_closes (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  symbol TEXT NOT NULL,
  date TEXT NOT NULL,
  close REAL NOT NULL,
  created_at INTEGER NOT NULL,
  UNIQUE(symbol, date)
);
CREATE INDEX IF NOT EXISTS idx_daily_closes_date ON daily_closes(date);
`)
	return err
}

func (r *Repo) UpsertLatestPrice(ctx context.Context, symbol string, price float64, ts int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO prices(symbol, price, ts_ms, created_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
		price=excluded.price, ts_ms=excluded.ts_ms
	`, symbol, price, ts, ts)
	return err
}

func (r *Repo) InsertTradeEvent(ctx context.Context, ts int64, symbol, kind, payload string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trade_events(ts_ms, symbol, kind, payload, created_at)
		VALUES(?, ?, ?, ?, ?)
	`, ts, symbol, kind, payload, ts)
	return err
}

func (r *Repo) InsertSnapshot(ctx context.Context, ts int64, payload string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO snapshots(ts_ms, payload, created_at) VALUES(?, ?, ?)`, ts, payload, ts)
	return err
}

func (r *Repo) UpsertDailyClose(ctx context.Context, symbol string, date time.Time, close float64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO daily_closes(symbol, date, close, created_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(symbol, date) DO UPDATE SET
		close=excluded.close
	`, symbol, date.Format(dateLayout), close, time.Now().UnixMilli())
	return err
}

func (r *Repo) DailyCloses(ctx context.Context, symbols []string, from, to time.Time) (map[string][]model.ClosePoint, error) {
	out := make(map[string][]model.ClosePoint, len(symbols))
	for _, sym := range symbols {
		rows, err := r.db.QueryContext(ctx, `
			SELECT date, close FROM daily_closes
			WHERE symbol=? AND date>=? AND date<=?
			ORDER BY date ASC
		`, sym, from.Format(dateLayout), to.Format(dateLayout))
		if err != nil {
			return nil, err
		}
		points, err := scanClosePoints(rows)
		if err != nil {
			return nil, err
		}
		if len(points) > 0 {
			out[sym] = points
		}
	}
	return out, nil
}

func scanClosePoints(rows *sql.Rows) ([]model.ClosePoint, error) {
	defer rows.Close()
	var points []model.ClosePoint
	for rows.Next() {
		var dateStr string
		var close float64
		if err := rows.Scan(&dateStr, &close); err != nil {
			return nil, err
		}
		d, err := time.ParseInLocation(dateLayout, dateStr, time.UTC)
		if err != nil {
			return nil, err
		}
		points = append(points, model.ClosePoint{Date: d, Close: close})
	}
	return points, rows.Err()
}

var _ port.EventRepo = (*Repo)(nil)
var _ port.PriceHistory = (*Repo)(nil)
