package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	App struct {
		LogLevel string `toml:"log_level"`
	} `toml:"app"`

	Strategy struct {
		EntryPctChange  float64 `toml:"entry_pct_change_threshold"`
		StopLossPct     float64 `toml:"stop_loss_pct"`
		MinVolumeFloor  int64   `toml:"min_volume_floor"`
		MaxOpenTrades   int     `toml:"max_open_trades"`
		CapitalPerTrade float64 `toml:"capital_per_trade"`
		ScanIntervalSec int     `toml:"scan_interval_seconds"`
		VWAPLookbackMin int     `toml:"vwap_trend_lookback_minutes"`
		VWAPCacheTTLSec int     `toml:"vwap_cache_ttl_seconds"`
	} `toml:"strategy"`

	Signal struct {
		LookbackWeeks int     `toml:"rebalance_lookback_weeks"`
		TopN          int     `toml:"top_n"`
		CashThreshold float64 `toml:"cash_score_threshold"`
		TotalCapital  float64 `toml:"total_capital"`
	} `toml:"signal"`

	Universe struct {
		List []string `toml:"list"`
		File string   `toml:"file"` // CSV, one symbol per row; merged with list
	} `toml:"universe"`

	Kite struct {
		APIKey      string `toml:"api_key"`
		AccessToken string `toml:"access_token"`
		BaseURL     string `toml:"base_url"`
		WsURL       string `toml:"ws_url"`
	} `toml:"kite"`

	Ticker struct {
		Enabled bool `toml:"enabled"`
	} `toml:"ticker"`

	Storage struct {
		StateDir string `toml:"state_dir"`

		Sqlite struct {
			Enabled bool   `toml:"enabled"`
			Path    string `toml:"path"`
		} `toml:"sqlite"`

		Postgres struct {
			Enabled bool   `toml:"enabled"`
			DSN     string `toml:"dsn"`
		} `toml:"postgres"`

		Redis struct {
			Enabled bool   `toml:"enabled"`
			Addr    string `toml:"addr"`
			Pass    string `toml:"pass"`
			DB      int    `toml:"db"`
		} `toml:"redis"`
	} `toml:"storage"`
}

func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Strategy.EntryPctChange <= 0 {
		cfg.Strategy.EntryPctChange = 2.0
	}
	if cfg.Strategy.StopLossPct <= 0 {
		cfg.Strategy.StopLossPct = 1.0
	}
	if cfg.Strategy.MinVolumeFloor <= 0 {
		cfg.Strategy.MinVolumeFloor = 1_000_000
	}
	if cfg.Strategy.MaxOpenTrades <= 0 {
		cfg.Strategy.MaxOpenTrades = 5
	}
	if cfg.Strategy.CapitalPerTrade <= 0 {
		cfg.Strategy.CapitalPerTrade = 20_000
	}
	if cfg.Strategy.ScanIntervalSec <= 0 {
		cfg.Strategy.ScanIntervalSec = 30
	}
	if cfg.Strategy.VWAPLookbackMin <= 0 {
		cfg.Strategy.VWAPLookbackMin = 15
	}
	if cfg.Strategy.VWAPCacheTTLSec <= 0 {
		cfg.Strategy.VWAPCacheTTLSec = 180
	}

	if cfg.Signal.LookbackWeeks <= 0 {
		cfg.Signal.LookbackWeeks = 12
	}
	if cfg.Signal.TopN <= 0 {
		cfg.Signal.TopN = 10
	}
	if cfg.Signal.CashThreshold <= 0 {
		cfg.Signal.CashThreshold = 4.5
	}
	if cfg.Signal.TotalCapital <= 0 {
		cfg.Signal.TotalCapital = 500_000
	}

	if cfg.Kite.BaseURL == "" {
		cfg.Kite.BaseURL = "https://api.kite.trade"
	}
	if cfg.Kite.WsURL == "" {
		cfg.Kite.WsURL = "wss://ws.kite.trade"
	}
	// credentials are usually kept out of the config file
	if cfg.Kite.APIKey == "" {
		cfg.Kite.APIKey = os.Getenv("KITE_API_KEY")
	}
	if cfg.Kite.AccessToken == "" {
		cfg.Kite.AccessToken = os.Getenv("KITE_ACCESS_TOKEN")
	}

	if cfg.Storage.StateDir == "" {
		cfg.Storage.StateDir = "logs"
	}
	if cfg.Storage.Sqlite.Path == "" {
		cfg.Storage.Sqlite.Path = "momo.db"
	}
}

func validate(cfg *Config) error {
	cfg.Universe.List = normalizeSymbols(cfg.Universe.List)
	if len(cfg.Universe.List) == 0 && strings.TrimSpace(cfg.Universe.File) == "" {
		return errors.New("universe is empty: set universe.list or universe.file")
	}

	if strings.TrimSpace(cfg.Kite.APIKey) == "" {
		return errors.New("kite.api_key missing (config or KITE_API_KEY)")
	}
	if strings.TrimSpace(cfg.Kite.AccessToken) == "" {
		return errors.New("kite.access_token missing (config or KITE_ACCESS_TOKEN)")
	}

	if cfg.Storage.Postgres.Enabled && strings.TrimSpace(cfg.Storage.Postgres.DSN) == "" {
		return errors.New("storage.postgres.dsn empty but enabled")
	}
	if cfg.Storage.Redis.Enabled && strings.TrimSpace(cfg.Storage.Redis.Addr) == "" {
		return errors.New("storage.redis.addr empty but enabled")
	}
	return nil
}

func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Strategy.ScanIntervalSec) * time.Second
}

func (c *Config) VWAPLookback() time.Duration {
	return time.Duration(c.Strategy.VWAPLookbackMin) * time.Minute
}

func (c *Config) VWAPCacheTTL() time.Duration {
	return time.Duration(c.Strategy.VWAPCacheTTLSec) * time.Second
}

func normalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		u := strings.ToUpper(strings.TrimSpace(s))
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
