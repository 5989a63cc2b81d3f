package trader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"momo/internal/application/port"
	"momo/internal/application/service"
	"momo/internal/domain/model"
)

const defaultBatchSize = 200

// Config are the strategy knobs of the live loop.
type Config struct {
	EntryPctChange  float64       // entry gate: % change from open must exceed this
	StopLossPct     float64       // exit gate: % below entry price
	MinVolumeFloor  int64         // below this the session VWAP is statistically unreliable
	MaxOpenTrades   int           // position slots
	CapitalPerTrade float64       // sizing: qty = floor(capital / entry price), min 1
	ScanInterval    time.Duration // sleep between cycles
	BatchSize       int           // quote request chunking, defaults to 200
}

// Deps wires the loop to its collaborators.
type Deps struct {
	Quotes   port.QuoteProvider
	Resolver port.InstrumentResolver
	VWAP     *service.VWAPCache
	Store    port.StateStore
	Events   port.EventRepo
	Sink     port.Sink
	Stream   port.TickStream // optional streaming LTP source
	Universe []string
	Cfg      Config
	Now      func() time.Time  // defaults to time.Now
	Ticks    <-chan time.Time  // overrides the interval ticker, for tests
}

// Service drives the trade lifecycle: scan, gate, rank, admit, exit,
// persist, sleep. Single logical thread of control; the tick stream is
// the only concurrent writer and touches nothing but the last-tick
// table.
type Service struct {
	deps     Deps
	book     *Book
	realized []model.RealizedTrade

	mu       sync.Mutex
	lastTick map[string]float64 // token -> streamed LTP
}

func New(deps Deps) *Service {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Cfg.BatchSize <= 0 {
		deps.Cfg.BatchSize = defaultBatchSize
	}
	return &Service{
		deps:     deps,
		book:     NewBook(),
		lastTick: make(map[string]float64),
	}
}

// Restore reloads open positions and realized history from the state
// store. Corrupt state is a fatal startup error: starting empty over a
// damaged file would silently lose position bookkeeping.
func (s *Service) Restore(ctx context.Context) error {
	st, err := s.deps.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("restore trade state: %w", err)
	}
	s.book.Restore(st.Open)
	s.realized = st.Realized
	if s.book.Len() > 0 || len(s.realized) > 0 {
		log.Info().Int("open", s.book.Len()).Int("realized", len(s.realized)).Msg("resumed trade state")
	}
	return nil
}

// Run executes scan cycles until ctx is cancelled or a fatal error
// occurs. Cancellation drains: the in-flight cycle finishes, state is
// persisted and the final P&L summary written before returning.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Stream != nil {
		ticks, err := s.deps.Stream.Subscribe(ctx, s.openAndUniverseTokens())
		if err != nil {
			log.Warn().Err(err).Msg("tick stream unavailable, exits will use batch quotes only")
		} else {
			go s.consumeTicks(ctx, ticks)
			log.Info().Str("feed", s.deps.Stream.Name()).Msg("tick stream started")
		}
	}

	ticks := s.deps.Ticks
	if ticks == nil {
		t := time.NewTicker(s.deps.Cfg.ScanInterval)
		defer t.Stop()
		ticks = t.C
	}

	// first cycle immediately, then on every tick
	if err := s.Cycle(ctx, s.deps.Now()); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return s.shutdown()
		case now := <-ticks:
			if err := s.Cycle(ctx, now); err != nil {
				return err
			}
		}
	}
}

func (s *Service) shutdown() error {
	ctx := context.Background() // run ctx is already cancelled
	if err := s.persist(ctx); err != nil {
		log.Error().Err(err).Msg("final state save failed")
		return err
	}
	realized := s.realizedTotal()
	log.Info().Float64("realized_pnl", realized).Int("open", s.book.Len()).Msg("interrupted, state saved")
	return nil
}

// Cycle is one full scan: entries, exits, summary, persist. Exposed so
// tests can drive the loop body with synthetic ticks. Only fatal errors
// are returned; transient and data-quality problems degrade to skips.
// Expired credentials are fatal: state is persisted first, then the
// error stops the loop so the operator can re-authenticate.
func (s *Service) Cycle(ctx context.Context, now time.Time) error {
	log.Debug().Time("at", now).Int("open", s.book.Len()).Msg("scan cycle")

	fatal := s.scanEntries(ctx, now)
	if fatal == nil {
		var prices map[string]float64
		prices, fatal = s.evaluateExits(ctx, now)
		if fatal == nil {
			s.summarize(ctx, now, prices)
		}
	}

	if err := s.persist(ctx); err != nil {
		// losing position bookkeeping is the most damaging failure
		// mode of this system, so it stops the loop
		log.Error().Err(err).Msg("state save failed")
		return fmt.Errorf("persist trade state: %w", err)
	}

	if fatal != nil {
		log.Error().Err(fatal).Int("open", s.book.Len()).
			Msg("session expired, state saved; re-login and restart")
		return fatal
	}
	return nil
}

// scanEntries performs steps 1-5 of the cycle: quote scan, candidate
// gates, VWAP gate, scoring and admission. The returned error is
// non-nil only for expired credentials.
func (s *Service) scanEntries(ctx context.Context, now time.Time) error {
	slots := s.deps.Cfg.MaxOpenTrades - s.book.Len()
	if slots <= 0 {
		log.Info().Msg("max open trades reached, skipping entry scan")
		return nil
	}

	quotes, err := s.batchQuotes(ctx)
	if err != nil {
		return err
	}
	if quotes == nil {
		return nil // transient failure, scan retried next cycle
	}

	candidates := make([]model.Candidate, 0, slots*4)
	for _, sym := range s.deps.Universe {
		q, ok := quotes[sym]
		if !ok {
			continue // partial response, silently skipped
		}
		c, outcome := s.evaluateCandidate(ctx, q)
		switch outcome.Kind {
		case OutcomeOK:
			candidates = append(candidates, c)
		case OutcomeSkip:
			log.Debug().Str("symbol", sym).Str("reason", outcome.Reason).Msg("entry skipped")
		case OutcomeFatal:
			return outcome.Err
		}
	}

	// rank by score, scan order breaking ties
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > slots {
		candidates = candidates[:slots]
	}

	for _, c := range candidates {
		s.admit(ctx, c, now)
	}
	return nil
}

// batchQuotes fetches the universe in chunks. A transient chunk failure
// aborts the remainder of the entry scan (nil map, nil error) and the
// next cycle retries; expired credentials come back as an error.
func (s *Service) batchQuotes(ctx context.Context) (map[string]model.Quote, error) {
	size := s.deps.Cfg.BatchSize
	out := make(map[string]model.Quote, len(s.deps.Universe))
	for start := 0; start < len(s.deps.Universe); start += size {
		end := start + size
		if end > len(s.deps.Universe) {
			end = len(s.deps.Universe)
		}
		batch, err := s.deps.Quotes.BatchQuote(ctx, s.deps.Universe[start:end])
		if err != nil {
			if errors.Is(err, port.ErrSessionExpired) {
				return nil, fmt.Errorf("batch quote: %w", err)
			}
			log.Warn().Err(err).Int("offset", start).Msg("batch quote failed, entry scan aborted")
			return nil, nil
		}
		for sym, q := range batch {
			out[sym] = q
		}
	}
	return out, nil
}

// evaluateCandidate runs the entry gates in their deliberate order:
// momentum first, then the volume floor, and only then the VWAP lookup.
// Low-volume instruments never reach the bar API — their VWAP would be
// noise anyway.
func (s *Service) evaluateCandidate(ctx context.Context, q model.Quote) (model.Candidate, Outcome) {
	if s.book.Has(q.Symbol) {
		return model.Candidate{}, skipOutcome("already open")
	}
	pct := q.PctChange()
	if pct <= s.deps.Cfg.EntryPctChange {
		return model.Candidate{}, skipOutcome("below entry threshold")
	}
	if q.Volume < s.deps.Cfg.MinVolumeFloor {
		log.Info().Str("symbol", q.Symbol).Int64("volume", q.Volume).
			Int64("floor", s.deps.Cfg.MinVolumeFloor).Msg("skipped, vwap unreliable below volume floor")
		return model.Candidate{}, skipOutcome("below volume floor")
	}

	token, ok := s.deps.Resolver.Token(q.Symbol)
	if !ok {
		return model.Candidate{}, skipOutcome("unknown instrument token")
	}

	pair, err := s.deps.VWAP.Get(ctx, token)
	if err != nil {
		if errors.Is(err, port.ErrSessionExpired) {
			return model.Candidate{}, fatalOutcome(fmt.Errorf("vwap fetch: %w", err))
		}
		log.Warn().Str("symbol", q.Symbol).Err(err).Msg("vwap fetch failed")
		return model.Candidate{}, skipOutcome("vwap fetch failed")
	}
	if !pair.HasNow {
		return model.Candidate{}, skipOutcome("vwap undefined")
	}
	if q.LastPrice <= pair.Now {
		return model.Candidate{}, skipOutcome("price at or below vwap")
	}
	// vwap must be rising, or not yet established
	if pair.HasPrev && pair.Now <= pair.Prev {
		return model.Candidate{}, skipOutcome("vwap not rising")
	}

	c := model.Candidate{
		Symbol:    q.Symbol,
		Token:     token,
		LastPrice: q.LastPrice,
		PctChange: pct,
		Volume:    q.Volume,
		VWAP:      pair.Now,
		VWAPPrev:  pair.Prev,
		HasPrev:   pair.HasPrev,
		Score:     0.8*pct + 0.2*((q.LastPrice-pair.Now)/pair.Now*100),
	}
	return c, okOutcome()
}

func (s *Service) admit(ctx context.Context, c model.Candidate, now time.Time) {
	qty := int(math.Floor(s.deps.Cfg.CapitalPerTrade / c.LastPrice))
	if qty < 1 {
		qty = 1
	}
	p := model.Position{
		Symbol:         c.Symbol,
		EntryPrice:     c.LastPrice,
		Qty:            qty,
		EntryTime:      now.Format("2006-01-02 15:04:05"),
		Token:          c.Token,
		EntryPctChange: c.PctChange,
		EntryVWAP:      c.VWAP,
		EntryScore:     c.Score,
	}
	if err := s.book.Open(p); err != nil {
		log.Error().Str("symbol", c.Symbol).Err(err).Msg("admit rejected")
		return
	}

	line := entryLine(c, qty)
	log.Info().Str("symbol", c.Symbol).Float64("price", c.LastPrice).
		Int("qty", qty).Float64("score", c.Score).Msg("entry")
	_ = s.deps.Sink.WriteEvent(line)

	payload, _ := json.Marshal(c)
	if err := s.deps.Events.InsertTradeEvent(ctx, now.UnixMilli(), c.Symbol, model.EventEntry, string(payload)); err != nil {
		log.Warn().Err(err).Msg("entry event not recorded")
	}
	_ = s.deps.Events.UpsertLatestPrice(ctx, c.Symbol, c.LastPrice, now.UnixMilli())
}

// evaluateExits runs steps 6-7 over every open position and returns the
// prices used, for the cycle summary. The returned error is non-nil
// only for expired credentials.
func (s *Service) evaluateExits(ctx context.Context, now time.Time) (map[string]float64, error) {
	prices := make(map[string]float64)
	if s.book.Len() == 0 {
		return prices, nil
	}

	ltp, err := s.deps.Quotes.LTP(ctx, s.book.Symbols())
	if err != nil {
		if errors.Is(err, port.ErrSessionExpired) {
			return prices, fmt.Errorf("ltp fetch: %w", err)
		}
		log.Warn().Err(err).Msg("ltp fetch failed, exit evaluation deferred to next cycle")
		return prices, nil
	}

	for _, sym := range s.book.Symbols() {
		p, _ := s.book.Get(sym)
		price := s.currentPrice(p, ltp)
		prices[sym] = price

		pair, err := s.deps.VWAP.Get(ctx, p.Token)
		if err != nil {
			if errors.Is(err, port.ErrSessionExpired) {
				return prices, fmt.Errorf("vwap fetch: %w", err)
			}
			log.Warn().Str("symbol", sym).Err(err).Msg("vwap fetch failed, trend exit unavailable this cycle")
			pair = service.VWAPPair{}
		}

		stop := p.StopPrice(s.deps.Cfg.StopLossPct)
		stopHit := price <= stop
		// price fallen to a VWAP that is itself flat or falling
		trendBroken := pair.HasNow && pair.HasPrev && price <= pair.Now && pair.Now <= pair.Prev

		if stopHit || trendBroken {
			s.exit(ctx, p, price, pair, stop, now)
			continue
		}
		_ = s.deps.Sink.WriteEvent(holdLine(p, price, pair))
	}
	return prices, nil
}

// currentPrice prefers a streamed tick over the batch LTP, and falls
// back to the entry price when a partial response dropped the symbol.
func (s *Service) currentPrice(p model.Position, ltp map[string]float64) float64 {
	if v, ok := s.tickPrice(p.Token); ok {
		return v
	}
	if v, ok := ltp[p.Symbol]; ok {
		return v
	}
	return p.EntryPrice
}

func (s *Service) exit(ctx context.Context, p model.Position, price float64, pair service.VWAPPair, stop float64, now time.Time) {
	pnl := (price - p.EntryPrice) * float64(p.Qty)
	rt := model.RealizedTrade{
		Symbol:     p.Symbol,
		EntryPrice: p.EntryPrice,
		ExitPrice:  price,
		Qty:        p.Qty,
		PnL:        pnl,
	}
	s.realized = append(s.realized, rt)
	s.book.Close(p.Symbol)

	log.Info().Str("symbol", p.Symbol).Float64("exit", price).Float64("pnl", pnl).Msg("exit")
	_ = s.deps.Sink.WriteEvent(exitLine(p, price, pair, stop, pnl))

	payload, _ := json.Marshal(rt)
	if err := s.deps.Events.InsertTradeEvent(ctx, now.UnixMilli(), p.Symbol, model.EventExit, string(payload)); err != nil {
		log.Warn().Err(err).Msg("exit event not recorded")
	}
}

func (s *Service) summarize(ctx context.Context, now time.Time, prices map[string]float64) {
	var unrealized float64
	for _, sym := range s.book.Symbols() {
		p, _ := s.book.Get(sym)
		price, ok := prices[sym]
		if !ok {
			price = p.EntryPrice
		}
		unrealized += p.UnrealizedPnL(price)
	}
	realized := s.realizedTotal()
	capital := float64(s.deps.Cfg.MaxOpenTrades) * s.deps.Cfg.CapitalPerTrade

	_ = s.deps.Sink.WriteSummary(now, summaryLines(s.book.Len(), len(s.realized), unrealized, realized, capital))

	payload, _ := json.Marshal(map[string]any{
		"open":           s.book.Len(),
		"realized":       len(s.realized),
		"unrealized_pnl": unrealized,
		"realized_pnl":   realized,
	})
	if err := s.deps.Events.InsertSnapshot(ctx, now.UnixMilli(), string(payload)); err != nil {
		log.Warn().Err(err).Msg("cycle snapshot not recorded")
	}
}

func (s *Service) persist(ctx context.Context) error {
	return s.deps.Store.Save(ctx, model.TradeState{
		Open:     s.book.Snapshot(),
		Realized: s.realized,
	})
}

func (s *Service) realizedTotal() float64 {
	var total float64
	for _, rt := range s.realized {
		total += rt.PnL
	}
	return total
}

// RealizedTrades returns the append-only history (for reporting).
func (s *Service) RealizedTrades() []model.RealizedTrade {
	out := make([]model.RealizedTrade, len(s.realized))
	copy(out, s.realized)
	return out
}

// OpenPositions returns a copy of the current book.
func (s *Service) OpenPositions() map[string]model.Position {
	return s.book.Snapshot()
}

// ---- streaming ticks ----

func (s *Service) openAndUniverseTokens() []string {
	seen := make(map[string]struct{})
	var tokens []string
	for _, sym := range s.book.Symbols() {
		p, _ := s.book.Get(sym)
		if _, ok := seen[p.Token]; !ok {
			seen[p.Token] = struct{}{}
			tokens = append(tokens, p.Token)
		}
	}
	for _, sym := range s.deps.Universe {
		if token, ok := s.deps.Resolver.Token(sym); ok {
			if _, dup := seen[token]; !dup {
				seen[token] = struct{}{}
				tokens = append(tokens, token)
			}
		}
	}
	return tokens
}

func (s *Service) consumeTicks(ctx context.Context, in <-chan model.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-in:
			if !ok {
				return
			}
			if t.Price <= 0 {
				continue
			}
			s.mu.Lock()
			s.lastTick[t.Token] = t.Price
			s.mu.Unlock()
		}
	}
}

func (s *Service) tickPrice(token string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.lastTick[token]
	return v, ok
}
