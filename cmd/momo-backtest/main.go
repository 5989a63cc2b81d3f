package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"momo/internal/application/usecase/backtest"
	"momo/internal/domain/signal"
	"momo/internal/infrastructure/config"
	"momo/internal/infrastructure/kite"
	"momo/internal/infrastructure/logger"
	"momo/internal/infrastructure/storage/sqlite"
	"momo/internal/infrastructure/universe"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "configs/momo.toml", "path to momo.toml")
	sync := flag.Bool("sync", false, "download daily closes before running")
	fromStr := flag.String("from", "", "history start date (2006-01-02), default 3y back")
	csvOut := flag.String("csv", "", "optional path for the weekly returns csv")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Setup("")
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}
	logger.Setup(cfg.App.LogLevel)

	ctx := context.Background()

	symbols, err := universe.Load(cfg.Universe.List, cfg.Universe.File)
	if err != nil {
		log.Fatal().Err(err).Msg("load universe failed")
	}

	repo, err := sqlite.New(cfg.Storage.Sqlite.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("open sqlite failed")
	}
	defer repo.Close()

	to := time.Now()
	from := to.AddDate(-3, 0, 0)
	if *fromStr != "" {
		from, err = time.ParseInLocation("2006-01-02", *fromStr, time.UTC)
		if err != nil {
			log.Fatal().Err(err).Msg("bad -from date")
		}
	}

	if *sync {
		syncCloses(ctx, cfg, repo, symbols, from, to)
	}

	series, err := repo.DailyCloses(ctx, symbols, from, to)
	if err != nil {
		log.Fatal().Err(err).Msg("load daily closes failed")
	}
	if len(series) == 0 {
		log.Fatal().Msg("no price history; run with -sync first")
	}

	daily := signal.NewDailyMatrix(symbols, series)
	sim := &backtest.Simulator{
		Lookback:      cfg.Signal.LookbackWeeks,
		TopN:          cfg.Signal.TopN,
		CashThreshold: cfg.Signal.CashThreshold,
	}

	result := sim.Run(daily)
	summary := result.Summarize()

	alloc, signalDate, hasSignal := sim.LatestSignal(daily)

	fmt.Println()
	for _, line := range backtest.RenderSummary(summary, signalDate) {
		fmt.Println(line)
	}
	fmt.Println()

	if !hasSignal {
		log.Warn().Msg("not enough history for a live signal")
	} else if alloc.Cash {
		fmt.Printf("signal: CASH (avg score %.2f below threshold %.2f)\n",
			alloc.AvgScore, cfg.Signal.CashThreshold)
	} else {
		printAllocation(alloc, daily, cfg.Signal.TotalCapital)
	}

	if *csvOut != "" {
		if err := writeWeeksCSV(*csvOut, result); err != nil {
			log.Fatal().Err(err).Msg("write weekly returns csv failed")
		}
		log.Info().Str("path", *csvOut).Int("weeks", len(result.Weeks)).Msg("weekly returns written")
	}
}

func syncCloses(ctx context.Context, cfg *config.Config, repo *sqlite.Repo, symbols []string, from, to time.Time) {
	client := kite.NewClient(cfg.Kite.BaseURL, cfg.Kite.APIKey, cfg.Kite.AccessToken)
	if err := client.CheckSession(ctx); err != nil {
		log.Fatal().Err(err).Msg("kite session check failed")
	}
	instruments, err := client.Instruments(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load instrument dump failed")
	}
	resolver := kite.NewResolver(instruments, "NSE")

	for _, sym := range symbols {
		token, ok := resolver.Token(sym)
		if !ok {
			log.Warn().Str("symbol", sym).Msg("no instrument token, skipped")
			continue
		}
		bars, err := client.DayBars(ctx, token, from, to)
		if err != nil {
			log.Fatal().Str("symbol", sym).Err(err).Msg("fetch day bars failed")
		}
		for _, b := range bars {
			if err := repo.UpsertDailyClose(ctx, sym, b.Timestamp, b.Close); err != nil {
				log.Fatal().Str("symbol", sym).Err(err).Msg("store daily close failed")
			}
		}
		log.Info().Str("symbol", sym).Int("bars", len(bars)).Msg("history synced")
	}
}

func printAllocation(alloc signal.Allocation, daily *signal.DailyMatrix, totalCapital float64) {
	rows, err := backtest.AllocationTable(alloc, daily, totalCapital)
	if err != nil {
		log.Warn().Err(err).Msg("allocation table unavailable")
		return
	}
	fmt.Printf("allocation for ₹%.0f (avg score %.2f):\n", totalCapital, alloc.AvgScore)
	fmt.Printf("%-14s %10s %8s %8s %6s %12s\n", "symbol", "price", "want%", "got%", "qty", "value")
	for _, r := range rows {
		fmt.Printf("%-14s %10.2f %7.2f%% %7.2f%% %6d %12.2f\n",
			r.Symbol, r.Price, r.DesiredWeight, r.AchievedWeight, r.Qty, r.Value)
	}
}

func writeWeeksCSV(path string, result *backtest.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"signal_date", "entry_date", "return", "cash"}); err != nil {
		return err
	}
	for _, wk := range result.Weeks {
		row := []string{
			wk.SignalDate.Format("2006-01-02"),
			wk.EntryDate.Format("2006-01-02"),
			strconv.FormatFloat(wk.Return, 'f', 6, 64),
			strconv.FormatBool(wk.Cash),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
