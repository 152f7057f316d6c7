package dataapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"polywatch/internal/pipeline"
)

const DefaultTradeWSSURL = "wss://ws-live-data.polymarket.com"

type tradeSubscribeRequest struct {
	Action        string              `json:"action"`
	Subscriptions []tradeSubscription `json:"subscriptions"`
}

type tradeSubscription struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
}

type tradeEnvelope struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type TradeStreamOptions struct {
	URL               string
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	Logger            *zap.Logger
}

// TradeStream is a live counterpart to FetchTrades. It feeds the same
// normalization path as the poller, so a dropped connection costs
// nothing but latency: the next poll re-reads the gap.
type TradeStream struct {
	opts      TradeStreamOptions
	seenFirst bool
}

func NewTradeStream(opts TradeStreamOptions) *TradeStream {
	if opts.URL == "" {
		opts.URL = DefaultTradeWSSURL
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 20 * time.Second
	}
	if opts.PingTimeout == 0 {
		opts.PingTimeout = 5 * time.Second
	}
	if opts.BackoffMin == 0 {
		opts.BackoffMin = 1 * time.Second
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 30 * time.Second
	}
	return &TradeStream{opts: opts}
}

func (s *TradeStream) Run(ctx context.Context, onTrade func(TradePayload)) error {
	if s == nil {
		return fmt.Errorf("stream is nil")
	}
	backoff := s.opts.BackoffMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, _, err := websocket.Dial(ctx, s.opts.URL, nil)
		if err != nil {
			if s.opts.Logger != nil {
				s.opts.Logger.Warn("trade ws connect failed", zap.Error(err))
			}
			if err := pipeline.SleepWithJitter(ctx, backoff); err != nil {
				return err
			}
			backoff = pipeline.NextBackoff(backoff, s.opts.BackoffMax)
			continue
		}
		conn.SetReadLimit(2 << 20)
		if err := s.subscribe(ctx, conn); err != nil {
			if s.opts.Logger != nil {
				s.opts.Logger.Warn("trade ws subscribe failed", zap.Error(err))
			}
			_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
			if err := pipeline.SleepWithJitter(ctx, backoff); err != nil {
				return err
			}
			backoff = pipeline.NextBackoff(backoff, s.opts.BackoffMax)
			continue
		}
		if s.opts.Logger != nil {
			s.opts.Logger.Info("trade ws connected")
		}
		backoff = s.opts.BackoffMin

		err = s.consume(ctx, conn, onTrade)
		_ = conn.Close(websocket.StatusNormalClosure, "reconnect")
		if err == nil || errors.Is(err, context.Canceled) {
			return err
		}
		if err := pipeline.SleepWithJitter(ctx, backoff); err != nil {
			return err
		}
		backoff = pipeline.NextBackoff(backoff, s.opts.BackoffMax)
	}
}

func (s *TradeStream) subscribe(ctx context.Context, conn *websocket.Conn) error {
	req := tradeSubscribeRequest{
		Action: "subscribe",
		Subscriptions: []tradeSubscription{
			{Topic: "activity", Type: "trades"},
		},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

func (s *TradeStream) consume(ctx context.Context, conn *websocket.Conn, onTrade func(TradePayload)) error {
	heartbeatErr := make(chan error, 1)
	heartbeatCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(s.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatCtx.Done():
				heartbeatErr <- heartbeatCtx.Err()
				return
			case <-ticker.C:
				pingCtx, cancelPing := context.WithTimeout(heartbeatCtx, s.opts.PingTimeout)
				err := conn.Ping(pingCtx)
				cancelPing()
				if err != nil {
					heartbeatErr <- err
					return
				}
			}
		}
	}()

	for {
		select {
		case err := <-heartbeatErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		default:
		}
		_, data, err := conn.Read(ctx)
		if err != nil {
			if s.opts.Logger != nil && !errors.Is(err, context.Canceled) {
				s.opts.Logger.Warn("trade ws read failed", zap.Error(err))
			}
			return err
		}
		if strings.TrimSpace(string(data)) == "ping" {
			_ = conn.Write(ctx, websocket.MessageText, []byte("pong"))
			continue
		}
		var env tradeEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Topic != "activity" || env.Type != "trades" || len(env.Payload) == 0 {
			continue
		}
		if s.opts.Logger != nil && !s.seenFirst {
			s.seenFirst = true
			s.opts.Logger.Info("trade ws first message")
		}
		var trade TradePayload
		if err := json.Unmarshal(env.Payload, &trade); err != nil {
			continue
		}
		if onTrade != nil {
			onTrade(trade)
		}
	}
}
