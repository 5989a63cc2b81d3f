package kite

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// Instrument 来自 /instruments 全量 CSV 的一行（只保留用到的列）
type Instrument struct {
	Token         string
	TradingSymbol string
	Name          string
	Segment       string
	Exchange      string
}

// Instruments 拉取指定交易所的全量合约表。CSV 每天更新一次，
// 进程启动时取一遍即可。
func (c *Client) Instruments(ctx context.Context) ([]Instrument, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/instruments/" + c.exchange)
	if err != nil {
		return nil, fmt.Errorf("kite /instruments: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("kite /instruments: http %d", resp.StatusCode())
	}
	return parseInstruments(strings.NewReader(resp.String()))
}

func parseInstruments(r io.Reader) ([]Instrument, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("instruments csv: %w", err)
	}
	col := map[string]int{}
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, need := range []string{"instrument_token", "tradingsymbol"} {
		if _, ok := col[need]; !ok {
			return nil, fmt.Errorf("instruments csv: missing column %q", need)
		}
	}

	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var out []Instrument
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("instruments csv: %w", err)
		}
		out = append(out, Instrument{
			Token:         field(row, "instrument_token"),
			TradingSymbol: field(row, "tradingsymbol"),
			Name:          field(row, "name"),
			Segment:       field(row, "segment"),
			Exchange:      field(row, "exchange"),
		})
	}
	return out, nil
}

// Resolver 符号到 instrument_token 的内存映射，构建后只读
type Resolver struct {
	tokens map[string]string
}

// NewResolver 只收股票段（segment == exchange），衍生品同名合约会
// 覆盖现货 token，必须过滤掉。
func NewResolver(instruments []Instrument, exchange string) *Resolver {
	tokens := make(map[string]string)
	for _, in := range instruments {
		if in.Segment != exchange {
			continue
		}
		if in.Token == "" || in.TradingSymbol == "" {
			continue
		}
		tokens[strings.ToUpper(in.TradingSymbol)] = in.Token
	}
	return &Resolver{tokens: tokens}
}

func (r *Resolver) Token(symbol string) (string, bool) {
	t, ok := r.tokens[strings.ToUpper(strings.TrimSpace(symbol))]
	return t, ok
}

func (r *Resolver) Len() int { return len(r.tokens) }
