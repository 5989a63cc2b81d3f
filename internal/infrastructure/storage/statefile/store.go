package statefile

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"momo/internal/domain/model"
)

const (
	activeFile   = "active_trades.json"
	realizedFile = "realized_trades.csv"
)

// Store 把交易状态落到每个交易日独立的目录下：
// <root>/<YYYYMMDD>/active_trades.json + realized_trades.csv。
// 写入先落临时文件再 rename，读者永远看不到半截快照。
type Store struct {
	dir string
}

func New(root string, now func() time.Time) (*Store, error) {
	if now == nil {
		now = time.Now
	}
	dir := filepath.Join(root, now().Format("20060102"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir 当前交易日的状态目录
func (s *Store) Dir() string { return s.dir }

func (s *Store) Save(ctx context.Context, st model.TradeState) error {
	if err := s.saveActive(st.Open); err != nil {
		return err
	}
	return s.saveRealized(st.Realized)
}

func (s *Store) saveActive(open map[string]model.Position) error {
	if open == nil {
		open = map[string]model.Position{}
	}
	data, err := json.MarshalIndent(open, "", "  ")
	if err != nil {
		return fmt.Errorf("encode active trades: %w", err)
	}
	return atomicWrite(filepath.Join(s.dir, activeFile), data)
}

func (s *Store) saveRealized(trades []model.RealizedTrade) error {
	tmp, err := os.CreateTemp(s.dir, realizedFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("temp realized file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write([]string{"symbol", "entry_price", "exit_price", "qty", "pnl"}); err != nil {
		tmp.Close()
		return err
	}
	for _, t := range trades {
		row := []string{
			t.Symbol,
			strconv.FormatFloat(t.EntryPrice, 'f', 2, 64),
			strconv.FormatFloat(t.ExitPrice, 'f', 2, 64),
			strconv.Itoa(t.Qty),
			strconv.FormatFloat(t.PnL, 'f', 2, 64),
		}
		if err := w.Write(row); err != nil {
			tmp.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(s.dir, realizedFile))
}

func (s *Store) Load(ctx context.Context) (model.TradeState, error) {
	st := model.EmptyTradeState()

	data, err := os.ReadFile(filepath.Join(s.dir, activeFile))
	switch {
	case os.IsNotExist(err):
		// first run of the day
	case err != nil:
		return model.TradeState{}, fmt.Errorf("read active trades: %w", err)
	default:
		if err := json.Unmarshal(data, &st.Open); err != nil {
			return model.TradeState{}, fmt.Errorf("decode active trades: %w", err)
		}
	}

	realized, err := s.loadRealized()
	if err != nil {
		return model.TradeState{}, err
	}
	st.Realized = realized
	return st, nil
}

func (s *Store) loadRealized() ([]model.RealizedTrade, error) {
	f, err := os.Open(filepath.Join(s.dir, realizedFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read realized trades: %w", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("decode realized trades: %w", err)
	}

	var out []model.RealizedTrade
	for i, row := range rows {
		if i == 0 {
			continue // header
		}
		if len(row) != 5 {
			return nil, fmt.Errorf("realized trades row %d: want 5 fields, got %d", i, len(row))
		}
		entry, err1 := strconv.ParseFloat(row[1], 64)
		exit, err2 := strconv.ParseFloat(row[2], 64)
		qty, err3 := strconv.Atoi(row[3])
		pnl, err4 := strconv.ParseFloat(row[4], 64)
		for _, e := range []error{err1, err2, err3, err4} {
			if e != nil {
				return nil, fmt.Errorf("realized trades row %d: %w", i, e)
			}
		}
		out = append(out, model.RealizedTrade{
			Symbol:     row[0],
			EntryPrice: entry,
			ExitPrice:  exit,
			Qty:        qty,
			PnL:        pnl,
		})
	}
	return out, nil
}

// atomicWrite 同目录临时文件 + rename
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
