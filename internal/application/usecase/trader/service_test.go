package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"momo/internal/application/port"
	"momo/internal/application/service"
	"momo/internal/domain/model"
)

// ---- mocks ----

type mockQuotes struct {
	quotes   map[string]model.Quote
	ltp      map[string]float64
	quoteErr error
	ltpErr   error
}

func (m *mockQuotes) BatchQuote(ctx context.Context, symbols []string) (map[string]model.Quote, error) {
	if m.quoteErr != nil {
		return nil, m.quoteErr
	}
	out := make(map[string]model.Quote)
	for _, s := range symbols {
		if q, ok := m.quotes[s]; ok {
			out[s] = q
		}
	}
	return out, nil
}

func (m *mockQuotes) LTP(ctx context.Context, symbols []string) (map[string]float64, error) {
	if m.ltpErr != nil {
		return nil, m.ltpErr
	}
	out := make(map[string]float64)
	for _, s := range symbols {
		if v, ok := m.ltp[s]; ok {
			out[s] = v
		}
	}
	return out, nil
}

type mockResolver map[string]string

func (m mockResolver) Token(symbol string) (string, bool) {
	t, ok := m[symbol]
	return t, ok
}

type mockStore struct {
	mu      sync.Mutex
	saved   []model.TradeState
	load    model.TradeState
	loadErr error
	saveErr error
}

func (m *mockStore) Save(ctx context.Context, st model.TradeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = append(m.saved, st)
	return nil
}

func (m *mockStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

func (m *mockStore) Load(ctx context.Context) (model.TradeState, error) {
	if m.loadErr != nil {
		return model.TradeState{}, m.loadErr
	}
	if m.load.Open == nil {
		return model.EmptyTradeState(), nil
	}
	return m.load, nil
}

type mockEvents struct {
	entries   int
	exits     int
	snapshots int
}

func (m *mockEvents) UpsertLatestPrice(ctx context.Context, symbol string, price float64, ts int64) error {
	return nil
}

func (m *mockEvents) InsertTradeEvent(ctx context.Context, ts int64, symbol, kind, payload string) error {
	switch kind {
	case model.EventEntry:
		m.entries++
	case model.EventExit:
		m.exits++
	}
	return nil
}

func (m *mockEvents) InsertSnapshot(ctx context.Context, ts int64, payload string) error {
	m.snapshots++
	return nil
}

func (m *mockEvents) Close() error { return nil }

type mockSink struct {
	events    []string
	summaries int
}

func (m *mockSink) WriteEvent(line string) error { m.events = append(m.events, line); return nil }

func (m *mockSink) WriteSummary(ts time.Time, lines []string) error {
	m.summaries++
	return nil
}

// countingBars fails every fetch and counts attempts. Tests that want a
// defined VWAP pre-seed the cache with Put instead of serving bars.
type countingBars struct {
	fetches int
	err     error
}

func (b *countingBars) MinuteBars(ctx context.Context, token string, from, to time.Time) ([]model.Bar, error) {
	b.fetches++
	if b.err != nil {
		return nil, b.err
	}
	return nil, errors.New("no bars in test")
}

func (b *countingBars) DayBars(ctx context.Context, token string, from, to time.Time) ([]model.Bar, error) {
	return nil, errors.New("no bars in test")
}

// ---- harness ----

type harness struct {
	svc    *Service
	quotes *mockQuotes
	store  *mockStore
	events *mockEvents
	sink   *mockSink
	bars   *countingBars
	cache  *service.VWAPCache
	now    time.Time
}

func rising(now, prev float64) service.VWAPPair {
	return service.VWAPPair{Now: now, Prev: prev, HasNow: true, HasPrev: true}
}

func newHarness(t *testing.T, cfg Config, universe []string, resolver mockResolver) *harness {
	t.Helper()
	h := &harness{
		quotes: &mockQuotes{quotes: map[string]model.Quote{}, ltp: map[string]float64{}},
		store:  &mockStore{},
		events: &mockEvents{},
		sink:   &mockSink{},
		bars:   &countingBars{},
		now:    time.Date(2024, 6, 10, 10, 30, 0, 0, time.Local),
	}
	h.cache = service.NewVWAPCache(h.bars, 180*time.Second, 15*time.Minute)
	h.cache.SetClock(func() time.Time { return h.now })
	h.svc = New(Deps{
		Quotes:   h.quotes,
		Resolver: resolver,
		VWAP:     h.cache,
		Store:    h.store,
		Events:   h.events,
		Sink:     h.sink,
		Universe: universe,
		Cfg:      cfg,
		Now:      func() time.Time { return h.now },
	})
	return h
}

func baseConfig() Config {
	return Config{
		EntryPctChange:  2.0,
		StopLossPct:     1.0,
		MinVolumeFloor:  1_000_000,
		MaxOpenTrades:   5,
		CapitalPerTrade: 20_000,
		ScanInterval:    30 * time.Second,
	}
}

// ---- tests ----

func TestCycleOpensQualifyingCandidate(t *testing.T) {
	h := newHarness(t, baseConfig(), []string{"AAA"}, mockResolver{"AAA": "111"})
	h.quotes.quotes["AAA"] = model.Quote{Symbol: "AAA", Open: 100, LastPrice: 103, Volume: 2_000_000}
	h.cache.Put("111", rising(101, 100), h.now)

	if err := h.svc.Cycle(context.Background(), h.now); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	open := h.svc.OpenPositions()
	p, ok := open["AAA"]
	if !ok {
		t.Fatal("expected AAA to be opened")
	}
	if p.Qty != 194 { // floor(20000/103)
		t.Errorf("qty = %d, want 194", p.Qty)
	}
	if p.EntryPrice != 103 {
		t.Errorf("entry price = %v, want 103", p.EntryPrice)
	}
	if h.events.entries != 1 {
		t.Errorf("entry events = %d, want 1", h.events.entries)
	}
}

func TestCycleRanksByScoreAndFillsSlots(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxOpenTrades = 2
	universe := []string{"LOW", "MID", "TOP"}
	h := newHarness(t, cfg, universe, mockResolver{"LOW": "1", "MID": "2", "TOP": "3"})

	// pct change dominates the 0.8/0.2 score; vwap deviation is kept
	// small and equal so the ranking is decided by momentum alone
	h.quotes.quotes["LOW"] = model.Quote{Symbol: "LOW", Open: 100, LastPrice: 102.5, Volume: 2_000_000}
	h.quotes.quotes["MID"] = model.Quote{Symbol: "MID", Open: 100, LastPrice: 104, Volume: 2_000_000}
	h.quotes.quotes["TOP"] = model.Quote{Symbol: "TOP", Open: 100, LastPrice: 106, Volume: 2_000_000}
	for sym, token := range map[string]string{"LOW": "1", "MID": "2", "TOP": "3"} {
		q := h.quotes.quotes[sym]
		h.cache.Put(token, rising(q.LastPrice-1, q.LastPrice-2), h.now)
	}

	if err := h.svc.Cycle(context.Background(), h.now); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	open := h.svc.OpenPositions()
	if len(open) != 2 {
		t.Fatalf("open = %d, want 2", len(open))
	}
	if _, ok := open["TOP"]; !ok {
		t.Error("expected TOP in book")
	}
	if _, ok := open["MID"]; !ok {
		t.Error("expected MID in book")
	}
	if _, ok := open["LOW"]; ok {
		t.Error("LOW should have been ranked out")
	}
}

func TestCycleSkipsWhenBookFull(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxOpenTrades = 1
	h := newHarness(t, cfg, []string{"AAA", "BBB"}, mockResolver{"AAA": "1", "BBB": "2"})
	h.quotes.quotes["AAA"] = model.Quote{Symbol: "AAA", Open: 100, LastPrice: 105, Volume: 2_000_000}
	h.quotes.quotes["BBB"] = model.Quote{Symbol: "BBB", Open: 100, LastPrice: 104, Volume: 2_000_000}
	h.cache.Put("1", rising(102, 101), h.now)
	h.cache.Put("2", rising(102, 101), h.now)
	h.quotes.ltp["AAA"] = 105

	if err := h.svc.Cycle(context.Background(), h.now); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if got := len(h.svc.OpenPositions()); got != 1 {
		t.Fatalf("open = %d, want 1", got)
	}

	// second cycle: slot taken, BBB must not be admitted
	if err := h.svc.Cycle(context.Background(), h.now.Add(30*time.Second)); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if _, ok := h.svc.OpenPositions()["BBB"]; ok {
		t.Error("BBB admitted past the position cap")
	}
}

func TestVolumeFloorBlocksBeforeBarFetch(t *testing.T) {
	h := newHarness(t, baseConfig(), []string{"THIN"}, mockResolver{"THIN": "9"})
	// strong momentum but thin volume; the vwap cache must never be asked
	h.quotes.quotes["THIN"] = model.Quote{Symbol: "THIN", Open: 100, LastPrice: 110, Volume: 50_000}

	if err := h.svc.Cycle(context.Background(), h.now); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(h.svc.OpenPositions()) != 0 {
		t.Error("thin symbol should not open")
	}
	if h.bars.fetches != 0 {
		t.Errorf("bar fetches = %d, want 0: volume gate must precede vwap", h.bars.fetches)
	}
}

func TestEntryRequiresPriceAboveRisingVWAP(t *testing.T) {
	h := newHarness(t, baseConfig(), []string{"AAA", "BBB"}, mockResolver{"AAA": "1", "BBB": "2"})
	// AAA trades below its vwap, BBB's vwap is falling
	h.quotes.quotes["AAA"] = model.Quote{Symbol: "AAA", Open: 100, LastPrice: 103, Volume: 2_000_000}
	h.quotes.quotes["BBB"] = model.Quote{Symbol: "BBB", Open: 100, LastPrice: 103, Volume: 2_000_000}
	h.cache.Put("1", rising(104, 103), h.now)
	h.cache.Put("2", rising(102, 102.5), h.now)

	if err := h.svc.Cycle(context.Background(), h.now); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if got := len(h.svc.OpenPositions()); got != 0 {
		t.Errorf("open = %d, want 0", got)
	}
}

func TestEntryAllowedWhenPrevVWAPNotEstablished(t *testing.T) {
	h := newHarness(t, baseConfig(), []string{"AAA"}, mockResolver{"AAA": "1"})
	h.quotes.quotes["AAA"] = model.Quote{Symbol: "AAA", Open: 100, LastPrice: 103, Volume: 2_000_000}
	h.cache.Put("1", service.VWAPPair{Now: 101, HasNow: true}, h.now)

	if err := h.svc.Cycle(context.Background(), h.now); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if _, ok := h.svc.OpenPositions()["AAA"]; !ok {
		t.Error("early-session candidate without prev vwap should open")
	}
}

func TestStopLossExit(t *testing.T) {
	h := newHarness(t, baseConfig(), []string{"AAA"}, mockResolver{"AAA": "1"})
	h.quotes.quotes["AAA"] = model.Quote{Symbol: "AAA", Open: 100, LastPrice: 103, Volume: 2_000_000}
	h.cache.Put("1", rising(101, 100), h.now)
	if err := h.svc.Cycle(context.Background(), h.now); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	// stop = 103 * (1 - 1/100) = 101.97; ltp just below triggers
	h.quotes.quotes["AAA"] = model.Quote{Symbol: "AAA", Open: 100, LastPrice: 101.9, Volume: 2_000_000}
	h.quotes.ltp["AAA"] = 101.9
	later := h.now.Add(5 * time.Minute)
	h.cache.Put("1", rising(101, 100), later)
	h.now = later
	if err := h.svc.Cycle(context.Background(), later); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	if got := len(h.svc.OpenPositions()); got != 0 {
		t.Fatalf("open = %d, want 0 after stop", got)
	}
	rt := h.svc.RealizedTrades()
	if len(rt) != 1 {
		t.Fatalf("realized = %d, want 1", len(rt))
	}
	wantPnL := (101.9 - 103) * 194
	if diff := rt[0].PnL - wantPnL; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("pnl = %v, want %v", rt[0].PnL, wantPnL)
	}
	if h.events.exits != 1 {
		t.Errorf("exit events = %d, want 1", h.events.exits)
	}
}

func TestVWAPDowntrendExit(t *testing.T) {
	h := newHarness(t, baseConfig(), []string{"AAA"}, mockResolver{"AAA": "1"})
	h.quotes.quotes["AAA"] = model.Quote{Symbol: "AAA", Open: 100, LastPrice: 103, Volume: 2_000_000}
	h.cache.Put("1", rising(101, 100), h.now)
	if err := h.svc.Cycle(context.Background(), h.now); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	// price above the stop (101.97) but at or below a non-rising vwap
	h.quotes.quotes["AAA"] = model.Quote{Symbol: "AAA", Open: 100, LastPrice: 102.5, Volume: 2_000_000}
	h.quotes.ltp["AAA"] = 102.5
	later := h.now.Add(5 * time.Minute)
	h.cache.Put("1", service.VWAPPair{Now: 102.6, Prev: 102.8, HasNow: true, HasPrev: true}, later)
	h.now = later
	if err := h.svc.Cycle(context.Background(), later); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	if got := len(h.svc.OpenPositions()); got != 0 {
		t.Fatalf("open = %d, want 0 after trend break", got)
	}
	rt := h.svc.RealizedTrades()
	if len(rt) != 1 || rt[0].ExitPrice != 102.5 {
		t.Fatalf("realized = %+v, want one exit at 102.5", rt)
	}
}

func TestHoldWhenAboveStopAndVWAPRising(t *testing.T) {
	h := newHarness(t, baseConfig(), []string{"AAA"}, mockResolver{"AAA": "1"})
	h.quotes.quotes["AAA"] = model.Quote{Symbol: "AAA", Open: 100, LastPrice: 103, Volume: 2_000_000}
	h.cache.Put("1", rising(101, 100), h.now)
	if err := h.svc.Cycle(context.Background(), h.now); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	h.quotes.ltp["AAA"] = 104
	later := h.now.Add(5 * time.Minute)
	h.cache.Put("1", rising(101.5, 101), later)
	h.now = later
	if err := h.svc.Cycle(context.Background(), later); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	if got := len(h.svc.OpenPositions()); got != 1 {
		t.Fatalf("open = %d, want 1: winner must be held", got)
	}
	if len(h.svc.RealizedTrades()) != 0 {
		t.Error("no exits expected")
	}
}

func TestBatchQuoteFailureAbortsEntryScan(t *testing.T) {
	h := newHarness(t, baseConfig(), []string{"AAA"}, mockResolver{"AAA": "1"})
	h.quotes.quoteErr = errors.New("gateway timeout")

	if err := h.svc.Cycle(context.Background(), h.now); err != nil {
		t.Fatalf("quote failure must not be fatal: %v", err)
	}
	if len(h.svc.OpenPositions()) != 0 {
		t.Error("no entries expected on failed scan")
	}
	// cycle still completes its bookkeeping
	if len(h.store.saved) != 1 {
		t.Errorf("saves = %d, want 1", len(h.store.saved))
	}
}

func TestSessionExpiryOnQuoteScanStopsLoop(t *testing.T) {
	h := newHarness(t, baseConfig(), []string{"AAA"}, mockResolver{"AAA": "1"})
	h.quotes.quoteErr = fmt.Errorf("kite /quote: %w", port.ErrSessionExpired)

	err := h.svc.Cycle(context.Background(), h.now)
	if !errors.Is(err, port.ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired: an invalid token must not be retried", err)
	}
	// state is persisted before the loop stops
	if got := h.store.saveCount(); got != 1 {
		t.Errorf("saves = %d, want 1", got)
	}
}

func TestSessionExpiryOnLTPStopsLoop(t *testing.T) {
	h := newHarness(t, baseConfig(), []string{"AAA"}, mockResolver{"AAA": "1"})
	h.quotes.quotes["AAA"] = model.Quote{Symbol: "AAA", Open: 100, LastPrice: 103, Volume: 2_000_000}
	h.cache.Put("1", rising(101, 100), h.now)
	if err := h.svc.Cycle(context.Background(), h.now); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	h.quotes.quotes = map[string]model.Quote{}
	h.quotes.ltpErr = fmt.Errorf("kite /quote/ltp: %w", port.ErrSessionExpired)
	err := h.svc.Cycle(context.Background(), h.now.Add(time.Minute))
	if !errors.Is(err, port.ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
	if got := h.store.saveCount(); got != 2 {
		t.Errorf("saves = %d, want 2: open positions must be persisted before stopping", got)
	}
	if got := len(h.svc.OpenPositions()); got != 1 {
		t.Errorf("open = %d, want 1: the position survives into the saved state", got)
	}
}

func TestSessionExpiryOnVWAPFetchStopsLoop(t *testing.T) {
	h := newHarness(t, baseConfig(), []string{"AAA"}, mockResolver{"AAA": "1"})
	h.quotes.quotes["AAA"] = model.Quote{Symbol: "AAA", Open: 100, LastPrice: 103, Volume: 2_000_000}
	// cache not seeded: the entry gate reaches the bar provider
	h.bars.err = fmt.Errorf("kite historical: %w", port.ErrSessionExpired)

	err := h.svc.Cycle(context.Background(), h.now)
	if !errors.Is(err, port.ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
	if len(h.svc.OpenPositions()) != 0 {
		t.Error("no entries expected on expired session")
	}
}

func TestLTPFailureDefersExits(t *testing.T) {
	h := newHarness(t, baseConfig(), []string{"AAA"}, mockResolver{"AAA": "1"})
	h.quotes.quotes["AAA"] = model.Quote{Symbol: "AAA", Open: 100, LastPrice: 103, Volume: 2_000_000}
	h.cache.Put("1", rising(101, 100), h.now)
	if err := h.svc.Cycle(context.Background(), h.now); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	h.quotes.quotes = map[string]model.Quote{} // nothing qualifies
	h.quotes.ltpErr = errors.New("gateway timeout")
	if err := h.svc.Cycle(context.Background(), h.now.Add(time.Minute)); err != nil {
		t.Fatalf("ltp failure must not be fatal: %v", err)
	}
	if got := len(h.svc.OpenPositions()); got != 1 {
		t.Errorf("open = %d, want 1: position stays put without prices", got)
	}
}

func TestPersistEveryCycleAndFatalOnSaveError(t *testing.T) {
	h := newHarness(t, baseConfig(), []string{"AAA"}, mockResolver{"AAA": "1"})
	h.quotes.quotes["AAA"] = model.Quote{Symbol: "AAA", Open: 100, LastPrice: 103, Volume: 2_000_000}
	h.cache.Put("1", rising(101, 100), h.now)

	if err := h.svc.Cycle(context.Background(), h.now); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(h.store.saved) != 1 {
		t.Fatalf("saves = %d, want 1", len(h.store.saved))
	}
	if _, ok := h.store.saved[0].Open["AAA"]; !ok {
		t.Error("saved snapshot missing open position")
	}

	h.store.saveErr = errors.New("disk full")
	if err := h.svc.Cycle(context.Background(), h.now.Add(time.Minute)); err == nil {
		t.Fatal("expected fatal error when state save fails")
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	h := newHarness(t, baseConfig(), []string{"AAA"}, mockResolver{"AAA": "1"})
	h.store.load = model.TradeState{
		Open: map[string]model.Position{
			"AAA": {EntryPrice: 103, Qty: 194, EntryTime: "2024-06-10 09:40:00", Token: "1"},
		},
		Realized: []model.RealizedTrade{
			{Symbol: "ZZZ", EntryPrice: 50, ExitPrice: 55, Qty: 10, PnL: 50},
		},
	}

	if err := h.svc.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	p, ok := h.svc.OpenPositions()["AAA"]
	if !ok {
		t.Fatal("restored position missing")
	}
	if p.Symbol != "AAA" {
		t.Errorf("restored symbol = %q, want AAA", p.Symbol)
	}
	if got := h.svc.RealizedTrades(); len(got) != 1 || got[0].PnL != 50 {
		t.Fatalf("restored realized = %+v", got)
	}

	// restored position must not be re-opened by the next scan
	h.quotes.quotes["AAA"] = model.Quote{Symbol: "AAA", Open: 100, LastPrice: 105, Volume: 2_000_000}
	h.quotes.ltp["AAA"] = 105
	h.cache.Put("1", rising(104, 103), h.now)
	if err := h.svc.Cycle(context.Background(), h.now); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if h.events.entries != 0 {
		t.Errorf("entry events = %d, want 0 for an already-open symbol", h.events.entries)
	}
}

func TestRestoreCorruptStateIsFatal(t *testing.T) {
	h := newHarness(t, baseConfig(), nil, mockResolver{})
	h.store.loadErr = errors.New("unexpected end of JSON input")
	if err := h.svc.Restore(context.Background()); err == nil {
		t.Fatal("expected error on corrupt state")
	}
}

func TestRunDrainsOnCancel(t *testing.T) {
	h := newHarness(t, baseConfig(), nil, mockResolver{})
	ticks := make(chan time.Time)
	h.svc.deps.Ticks = ticks

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.svc.Run(ctx) }()

	// first cycle runs unconditionally before the loop
	deadline := time.After(2 * time.Second)
	for h.store.saveCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("first cycle never persisted")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	// shutdown persists once more
	if got := h.store.saveCount(); got < 2 {
		t.Errorf("saves = %d, want at least 2 (cycle + shutdown)", got)
	}
}
