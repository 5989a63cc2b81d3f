package model

import "time"

// ========== Market Data Models ==========

// Quote 实时行情快照（批量行情接口返回）
type Quote struct {
	Symbol    string  `json:"symbol"`
	Open      float64 `json:"open"`       // 当日开盘价
	LastPrice float64 `json:"last_price"` // 最新成交价
	Volume    int64   `json:"volume"`     // 当日累计成交量
	Timestamp int64   `json:"ts_ms"`
}

// PctChange 相对开盘价的涨跌幅（百分比）
func (q Quote) PctChange() float64 {
	if q.Open == 0 {
		return 0
	}
	return (q.LastPrice - q.Open) / q.Open * 100
}

// Bar 单根K线（分钟或日线）
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// TypicalPrice (high+low+close)/3，VWAP 的成交量加权对象
func (b Bar) TypicalPrice() float64 {
	return (b.High + b.Low + b.Close) / 3
}

// Tick 流式行情的最新价更新
type Tick struct {
	Token string  `json:"token"`
	Price float64 `json:"price"`
	Ts    int64   `json:"ts_ms"`
}

// ClosePoint 单个交易日的收盘价
type ClosePoint struct {
	Date  time.Time `json:"date"`
	Close float64   `json:"close"`
}

// ========== Trade Lifecycle Models ==========

// Candidate 通过入场筛选的候选标的（保留打分时的全部输入，便于审计）
type Candidate struct {
	Symbol    string
	Token     string
	LastPrice float64
	PctChange float64 // 相对开盘涨幅 %
	Volume    int64
	VWAP      float64 // 当前 VWAP
	VWAPPrev  float64 // lookback 分钟前的 VWAP，0 表示未建立
	HasPrev   bool
	Score     float64 // 0.8*pct_change + 0.2*VWAP 偏离度
}

// Position 一笔在场内的持仓。数量在开仓时确定，不做加减仓。
// JSON 字段即落盘布局，恢复时按 symbol 建键。
type Position struct {
	Symbol     string  `json:"-"`
	EntryPrice float64 `json:"entry_price"`
	Qty        int     `json:"qty"`
	EntryTime  string  `json:"entry_time"` // "2006-01-02 15:04:05"
	Token      string  `json:"token"`

	// 开仓时的打分输入，只用于日志/审计，不落盘
	EntryPctChange float64 `json:"-"`
	EntryVWAP      float64 `json:"-"`
	EntryScore     float64 `json:"-"`
}

// UnrealizedPnL 按最新价计算的浮动盈亏
func (p Position) UnrealizedPnL(lastPrice float64) float64 {
	return (lastPrice - p.EntryPrice) * float64(p.Qty)
}

// StopPrice 止损触发价：entry * (1 - pct/100)
func (p Position) StopPrice(stopLossPct float64) float64 {
	return p.EntryPrice * (1 - stopLossPct/100)
}

// RealizedTrade 已平仓交易，追加后不可变
type RealizedTrade struct {
	Symbol     string  `json:"symbol"`
	EntryPrice float64 `json:"entry_price"`
	ExitPrice  float64 `json:"exit_price"`
	Qty        int     `json:"qty"`
	PnL        float64 `json:"pnl"`
}

// TradeState 跨重启的全部状态投影：持仓 + 已实现交易
type TradeState struct {
	Open     map[string]Position
	Realized []RealizedTrade
}

// EmptyTradeState 无历史状态时的起点
func EmptyTradeState() TradeState {
	return TradeState{Open: make(map[string]Position)}
}

// ========== Event Models ==========

// 交易事件类型（事件仓库用）
const (
	EventEntry = "ENTRY"
	EventExit  = "EXIT"
)
