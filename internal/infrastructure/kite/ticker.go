package kite

import (
	"context"
	"encoding/binary"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"momo/internal/domain/model"
)

// Ticker 订阅流式最新价。二进制协议：每条消息先是 2 字节大端的
// packet 数，然后每个 packet 前缀 2 字节长度。LTP 模式下 packet 固定
// 8 字节：uint32 token + int32 价格（价格放大 100 倍）。
// 单字节消息是心跳，直接丢弃。
type Ticker struct {
	wsURL       string
	apiKey      string
	accessToken string
}

func NewTicker(wsURL, apiKey, accessToken string) *Ticker {
	return &Ticker{wsURL: wsURL, apiKey: apiKey, accessToken: accessToken}
}

func (t *Ticker) Name() string { return "kite-ticker" }

func (t *Ticker) Subscribe(ctx context.Context, tokens []string) (<-chan model.Tick, error) {
	if t.wsURL == "" {
		return nil, errors.New("ticker ws url empty")
	}
	nums := make([]uint32, 0, len(tokens))
	for _, s := range tokens {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			log.Warn().Str("token", s).Msg("non-numeric instrument token skipped")
			continue
		}
		nums = append(nums, uint32(n))
	}
	if len(nums) == 0 {
		return nil, errors.New("no subscribable tokens")
	}

	u, err := url.Parse(t.wsURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("api_key", t.apiKey)
	q.Set("access_token", t.accessToken)
	u.RawQuery = q.Encode()

	out := make(chan model.Tick, 1024)
	go t.run(ctx, u.String(), nums, out)
	return out, nil
}

func (t *Ticker) run(ctx context.Context, wsURL string, tokens []uint32, out chan<- model.Tick) {
	defer close(out)

	backoff := 500 * time.Millisecond
	maxBackoff := 10 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn, _, err := websocket.DefaultDialer.DialContext(cctx, wsURL, nil)
		cancel()
		if err != nil {
			log.Error().Str("feed", t.Name()).Err(err).Msg("ws dial failed")
			time.Sleep(backoff)
			backoff = minDur(backoff*2, maxBackoff)
			continue
		}

		backoff = 500 * time.Millisecond
		log.Info().Str("feed", t.Name()).Int("tokens", len(tokens)).Msg("ws connected")

		err = t.subscribeAndRead(ctx, conn, tokens, out)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}

		log.Warn().Str("feed", t.Name()).Err(err).Msg("ws disconnected, reconnecting")
		time.Sleep(backoff)
		backoff = minDur(backoff*2, maxBackoff)
	}
}

type wsCommand struct {
	A string `json:"a"`
	V any    `json:"v"`
}

func (t *Ticker) subscribeAndRead(ctx context.Context, conn *websocket.Conn, tokens []uint32, out chan<- model.Tick) error {
	if err := conn.WriteJSON(wsCommand{A: "subscribe", V: tokens}); err != nil {
		return err
	}
	if err := conn.WriteJSON(wsCommand{A: "mode", V: []any{"ltp", tokens}}); err != nil {
		return err
	}

	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			msgType, b, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			if msgType != websocket.BinaryMessage || len(b) <= 1 {
				continue // 文本回执或心跳
			}
			for _, tick := range parseBinaryTicks(b) {
				select {
				case out <- tick:
				default:
					// 消费端落后时丢最新一条，不阻塞读循环
				}
			}
		}
	}()

	select {
	case <-ctx.Done():
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func parseBinaryTicks(b []byte) []model.Tick {
	if len(b) < 2 {
		return nil
	}
	count := int(binary.BigEndian.Uint16(b[0:2]))
	offset := 2

	ticks := make([]model.Tick, 0, count)
	now := time.Now().UnixMilli()
	for i := 0; i < count; i++ {
		if offset+2 > len(b) {
			break
		}
		plen := int(binary.BigEndian.Uint16(b[offset : offset+2]))
		offset += 2
		if offset+plen > len(b) {
			break
		}
		pkt := b[offset : offset+plen]
		offset += plen

		if plen < 8 {
			continue
		}
		token := binary.BigEndian.Uint32(pkt[0:4])
		paise := int32(binary.BigEndian.Uint32(pkt[4:8]))
		ticks = append(ticks, model.Tick{
			Token: strconv.FormatUint(uint64(token), 10),
			Price: float64(paise) / 100,
			Ts:    now,
		})
	}
	return ticks
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
