// Package origin はオリジンAPIの空き状況エンドポイントのクライアントを提供する。
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultAvailabilityPath は空き状況エンドポイントの既定のパス。
	DefaultAvailabilityPath = "/availability"
	// DefaultTimeout は1回の問い合わせの既定のタイムアウト。
	DefaultTimeout = 10 * time.Second

	maxBodyRead = 4096
)

// ErrTimeout は問い合わせが時間内に完了しなかったことを示す。
// 送出スロットルの待機が期限内に終わらない場合も含む。
var ErrTimeout = errors.New("origin: request timed out")

// Config はClientの設定を保持する。
type Config struct {
	BaseURL          string
	AvailabilityPath string
	Timeout          time.Duration
	// MaxRPS と Burst はプロセス全体のオリジンへの送出レート。MaxRPSが0以下なら無制限。
	MaxRPS float64
	Burst  int
}

// Client はオリジンAPIのクライアント。
// 渡されたhttp.Client（セッションのクッキージャー付き）と同じジャーとトランスポートで問い合わせる。
// リダイレクトは追跡せず、3xxはそのままステータスとして返す。
type Client struct {
	httpClient *http.Client
	endpoint   *url.URL
	timeout    time.Duration
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient はClientを生成する。
func NewClient(httpClient *http.Client, cfg Config, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid origin base url: %q", cfg.BaseURL)
	}
	if cfg.AvailabilityPath == "" {
		cfg.AvailabilityPath = DefaultAvailabilityPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.MaxRPS > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxRPS), burst)
	}

	if httpClient == nil {
		httpClient = &http.Client{}
	}
	probeClient := *httpClient
	probeClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &Client{
		httpClient: &probeClient,
		endpoint:   base.JoinPath(cfg.AvailabilityPath),
		timeout:    cfg.Timeout,
		limiter:    limiter,
		logger:     logger,
	}, nil
}

// Probe はユーザー名の空き状況を問い合わせ、HTTPステータスコードを返す。
// ユーザー名は正規化せず、そのままクエリに含める。
// ステータスの解釈（200=空きあり、400=取得済み）は呼び出し元が行う。
func (c *Client) Probe(ctx context.Context, username string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("%w: throttle wait: %v", ErrTimeout, err)
	}

	u := *c.endpoint
	u.RawQuery = url.Values{"username": {username}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build origin request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return 0, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return 0, fmt.Errorf("origin request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyRead))

	c.logger.Debug("origin availability probe",
		slog.String("username", username),
		slog.Int("http_status", resp.StatusCode),
	)

	return resp.StatusCode, nil
}

// StatusForError は問い合わせエラーを呼び出し元に返す番兵ステータスに変換する。
// タイムアウトは504、それ以外の通信エラーは502。
func StatusForError(err error) int {
	if errors.Is(err, ErrTimeout) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
