package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"smart-exec/internal/config"
	"smart-exec/internal/market"
	"smart-exec/internal/marketdata"
)

// KoreanEquityClient 通过 Kiwoom REST 接口交易韩股，同时充当韩股行情端。
// Kiwoom 没有官方 Go SDK，这里直接封装其 JSON REST 接口。
type KoreanEquityClient struct {
	cfg    config.KiwoomConfig
	retry  config.RetryConfig
	http   *http.Client
	logger *zap.Logger

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewKoreanEquityClient 构造 Kiwoom REST 客户端。
func NewKoreanEquityClient(cfg config.ExchangeConfig, logger *zap.Logger) *KoreanEquityClient {
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.Kiwoom.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &KoreanEquityClient{
		cfg:    cfg.Kiwoom,
		retry:  cfg.Retry,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Configured 返回客户端是否具备可用的接入配置。
func (c *KoreanEquityClient) Configured() bool {
	return c.cfg.BaseURL != "" && c.cfg.AppKey != "" && c.cfg.AppSecret != ""
}

// Market 返回客户端服务的市场类别。
func (c *KoreanEquityClient) Market() market.Market {
	return market.KREquity
}

// PlaceOrder 以市价提交整数股委托。
func (c *KoreanEquityClient) PlaceOrder(ctx context.Context, payload OrderPayload) (Response, error) {
	qty := int(math.Round(payload.Qty))
	if qty <= 0 {
		return Response{Result: ResultInvalidQty, Market: market.KREquity}, nil
	}
	if !c.Configured() {
		return Response{Result: ResultNoClient, Market: market.KREquity}, nil
	}

	code := market.QuoteSymbol(payload.Symbol, market.KREquity)
	body := map[string]interface{}{
		"account":    c.cfg.Account,
		"stock_code": code,
		"order_type": string(payload.Side),
		"quantity":   qty,
		// 价格 0 表示市价委托。
		"price": 0,
	}

	var out struct {
		OrderNo string  `json:"order_no"`
		Price   float64 `json:"executed_price"`
		Filled  float64 `json:"executed_qty"`
	}
	err := c.call(ctx, "kiwoom_place_order", http.MethodPost, "/api/v1/orders", body, &out)
	if err != nil {
		return Response{Result: ResultError, Market: market.KREquity, Error: err.Error()}, nil
	}

	return Response{
		Result:    ResultOK,
		Market:    market.KREquity,
		OrderID:   out.OrderNo,
		FilledQty: out.Filled,
		AvgPrice:  out.Price,
	}, nil
}

// CurrentPrice 返回当前成交价。
func (c *KoreanEquityClient) CurrentPrice(ctx context.Context, code string) (float64, error) {
	if !c.Configured() {
		return 0, fmt.Errorf("broker: Kiwoom 接入未配置")
	}

	var out struct {
		Price float64 `json:"current_price"`
	}
	if err := c.call(ctx, "kiwoom_current_price", http.MethodGet, "/api/v1/quotes/"+code, nil, &out); err != nil {
		return 0, err
	}
	return out.Price, nil
}

// BestQuote 返回最优买卖价。
func (c *KoreanEquityClient) BestQuote(ctx context.Context, code string) (float64, float64, error) {
	if !c.Configured() {
		return 0, 0, fmt.Errorf("broker: Kiwoom 接入未配置")
	}

	var out struct {
		BestBid float64 `json:"best_bid"`
		BestAsk float64 `json:"best_ask"`
	}
	if err := c.call(ctx, "kiwoom_orderbook", http.MethodGet, "/api/v1/quotes/"+code+"/orderbook", nil, &out); err != nil {
		return 0, 0, err
	}
	return out.BestBid, out.BestAsk, nil
}

// IntradayVolumes 返回近 lookbackDays 天的 5 分钟成交量序列。
func (c *KoreanEquityClient) IntradayVolumes(ctx context.Context, code string, lookbackDays int) ([]float64, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("broker: Kiwoom 接入未配置")
	}
	if lookbackDays < 1 {
		lookbackDays = 1
	}

	var out struct {
		Bars []struct {
			Volume float64 `json:"volume"`
		} `json:"bars"`
	}
	path := fmt.Sprintf("/api/v1/charts/%s/minutes?interval=5&days=%d", code, lookbackDays)
	if err := c.call(ctx, "kiwoom_intraday_chart", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}

	vols := make([]float64, 0, len(out.Bars))
	for _, bar := range out.Bars {
		vols = append(vols, bar.Volume)
	}
	return vols, nil
}

func (c *KoreanEquityClient) call(ctx context.Context, operation, method, path string, body interface{}, out interface{}) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}

	return marketdata.CallWithRetry(ctx, c.retry, c.logger, operation, func() error {
		var reader io.Reader
		if body != nil {
			encoded, marshalErr := json.Marshal(body)
			if marshalErr != nil {
				return fmt.Errorf("broker: 序列化请求失败: %w", marshalErr)
			}
			reader = bytes.NewReader(encoded)
		}

		req, reqErr := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, doErr := c.http.Do(req)
		if doErr != nil {
			return doErr
		}
		defer resp.Body.Close()

		payload, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("broker: Kiwoom 接口返回 %d: %s", resp.StatusCode, bytes.TrimSpace(payload))
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(payload, out)
	})
}

func (c *KoreanEquityClient) ensureToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry.Add(-time.Minute)) {
		return c.accessToken, nil
	}

	body := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     c.cfg.AppKey,
		"secretkey":  c.cfg.AppSecret,
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("broker: 序列化令牌请求失败: %w", err)
	}

	var out struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expires_in"`
	}
	err = marketdata.CallWithRetry(ctx, c.retry, c.logger, "kiwoom_token", func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/oauth2/token", bytes.NewReader(encoded))
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Content-Type", "application/json")

		resp, doErr := c.http.Do(req)
		if doErr != nil {
			return doErr
		}
		defer resp.Body.Close()

		payload, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("broker: Kiwoom 令牌接口返回 %d", resp.StatusCode)
		}
		return json.Unmarshal(payload, &out)
	})
	if err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", fmt.Errorf("broker: Kiwoom 令牌响应为空")
	}

	expiresIn := out.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	c.accessToken = out.Token
	c.tokenExpiry = time.Now().Add(time.Duration(expiresIn) * time.Second)
	return c.accessToken, nil
}
