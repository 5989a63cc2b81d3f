package kite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"momo/internal/application/port"
	"momo/internal/domain/model"
)

const (
	apiVersion   = "3"
	timeLayout   = "2006-01-02 15:04:05"
	candleLayout = "2006-01-02T15:04:05-0700"

	IntervalMinute = "minute"
	IntervalDay    = "day"
)

// ErrSessionExpired 访问令牌已失效，需要重新登录获取。
// 暴露为应用层的哨兵错误，交易循环据此判定必须停机。
var ErrSessionExpired = port.ErrSessionExpired

// Client 封装 Kite Connect v3 REST 接口。报价按 tradingsymbol 取，
// 历史K线按 instrument_token 取，两套键并存是上游接口的设计。
type Client struct {
	http     *resty.Client
	exchange string // e.g. NSE
}

func NewClient(baseURL, apiKey, accessToken string) *Client {
	http := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(15 * time.Second).
		SetHeader("X-Kite-Version", apiVersion).
		SetHeader("Authorization", "token "+apiKey+":"+accessToken)
	return &Client{http: http, exchange: "NSE"}
}

// envelope 所有 JSON 接口的统一外层
type envelope struct {
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

func (c *Client) get(ctx context.Context, path string, query map[string]string) (json.RawMessage, error) {
	req := c.http.R().SetContext(ctx)
	for k, v := range query {
		req.SetQueryParam(k, v)
	}
	resp, err := req.Get(path)
	if err != nil {
		return nil, fmt.Errorf("kite %s: %w", path, err)
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, fmt.Errorf("kite %s: decode response: %w", path, err)
	}
	if resp.IsError() || env.Status != "success" {
		if env.ErrorType == "TokenException" {
			return nil, fmt.Errorf("%w: %s", ErrSessionExpired, env.Message)
		}
		return nil, fmt.Errorf("kite %s: %s (%s)", path, env.Message, env.ErrorType)
	}
	return env.Data, nil
}

// CheckSession 探测访问令牌是否仍然有效。启动时调用，失效直接退出
// 比开盘后半小时发现静默失败要好。
func (c *Client) CheckSession(ctx context.Context) error {
	_, err := c.get(ctx, "/user/profile", nil)
	return err
}

type quoteData struct {
	InstrumentToken int64   `json:"instrument_token"`
	LastPrice       float64 `json:"last_price"`
	Volume          int64   `json:"volume"`
	OHLC            struct {
		Open float64 `json:"open"`
	} `json:"ohlc"`
	Timestamp string `json:"timestamp"`
}

// BatchQuote 批量取行情快照。接口上限 500 个标的，调用方自行分批。
func (c *Client) BatchQuote(ctx context.Context, symbols []string) (map[string]model.Quote, error) {
	if len(symbols) == 0 {
		return map[string]model.Quote{}, nil
	}

	req := c.http.R().SetContext(ctx)
	for _, s := range symbols {
		req.QueryParam.Add("i", c.exchange+":"+s)
	}
	resp, err := req.Get("/quote")
	if err != nil {
		return nil, fmt.Errorf("kite /quote: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, fmt.Errorf("kite /quote: decode response: %w", err)
	}
	if resp.IsError() || env.Status != "success" {
		if env.ErrorType == "TokenException" {
			return nil, fmt.Errorf("%w: %s", ErrSessionExpired, env.Message)
		}
		return nil, fmt.Errorf("kite /quote: %s (%s)", env.Message, env.ErrorType)
	}

	raw := map[string]quoteData{}
	if err := json.Unmarshal(env.Data, &raw); err != nil {
		return nil, fmt.Errorf("kite /quote: decode data: %w", err)
	}

	out := make(map[string]model.Quote, len(raw))
	for key, q := range raw {
		sym := strings.TrimPrefix(key, c.exchange+":")
		out[sym] = model.Quote{
			Symbol:    sym,
			Open:      q.OHLC.Open,
			LastPrice: q.LastPrice,
			Volume:    q.Volume,
			Timestamp: time.Now().UnixMilli(),
		}
	}
	return out, nil
}

// LTP 只取最新价，比完整快照轻
func (c *Client) LTP(ctx context.Context, symbols []string) (map[string]float64, error) {
	if len(symbols) == 0 {
		return map[string]float64{}, nil
	}

	req := c.http.R().SetContext(ctx)
	for _, s := range symbols {
		req.QueryParam.Add("i", c.exchange+":"+s)
	}
	resp, err := req.Get("/quote/ltp")
	if err != nil {
		return nil, fmt.Errorf("kite /quote/ltp: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, fmt.Errorf("kite /quote/ltp: decode response: %w", err)
	}
	if resp.IsError() || env.Status != "success" {
		if env.ErrorType == "TokenException" {
			return nil, fmt.Errorf("%w: %s", ErrSessionExpired, env.Message)
		}
		return nil, fmt.Errorf("kite /quote/ltp: %s (%s)", env.Message, env.ErrorType)
	}

	raw := map[string]struct {
		LastPrice float64 `json:"last_price"`
	}{}
	if err := json.Unmarshal(env.Data, &raw); err != nil {
		return nil, fmt.Errorf("kite /quote/ltp: decode data: %w", err)
	}

	out := make(map[string]float64, len(raw))
	for key, v := range raw {
		out[strings.TrimPrefix(key, c.exchange+":")] = v.LastPrice
	}
	return out, nil
}

func (c *Client) MinuteBars(ctx context.Context, token string, from, to time.Time) ([]model.Bar, error) {
	return c.historical(ctx, token, IntervalMinute, from, to)
}

func (c *Client) DayBars(ctx context.Context, token string, from, to time.Time) ([]model.Bar, error) {
	return c.historical(ctx, token, IntervalDay, from, to)
}

// historical 取K线。candles 是混合类型的数组：
// [timestamp, open, high, low, close, volume]
func (c *Client) historical(ctx context.Context, token, interval string, from, to time.Time) ([]model.Bar, error) {
	path := fmt.Sprintf("/instruments/historical/%s/%s", token, interval)
	data, err := c.get(ctx, path, map[string]string{
		"from": from.Format(timeLayout),
		"to":   to.Format(timeLayout),
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Candles [][]any `json:"candles"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("kite %s: decode candles: %w", path, err)
	}

	bars := make([]model.Bar, 0, len(payload.Candles))
	for _, row := range payload.Candles {
		bar, ok := parseCandle(row)
		if !ok {
			log.Warn().Str("token", token).Msg("malformed candle row skipped")
			continue
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func parseCandle(row []any) (model.Bar, bool) {
	if len(row) < 6 {
		return model.Bar{}, false
	}
	tsStr, ok := row[0].(string)
	if !ok {
		return model.Bar{}, false
	}
	ts, err := time.Parse(candleLayout, tsStr)
	if err != nil {
		return model.Bar{}, false
	}

	nums := make([]float64, 5)
	for i := 1; i <= 5; i++ {
		v, ok := row[i].(float64)
		if !ok {
			return model.Bar{}, false
		}
		nums[i-1] = v
	}
	return model.Bar{
		Timestamp: ts,
		Open:      nums[0],
		High:      nums[1],
		Low:       nums[2],
		Close:     nums[3],
		Volume:    int64(nums[4]),
	}, true
}
