// Package ratelimit はRedis上のスライディングウィンドウによる分散レート制限を提供する。
//
// ウィンドウは「現在の固定ウィンドウのカウント」と「直前の固定ウィンドウのカウントを
// 未経過割合で重み付けした値」の和で近似する。読み取りから加算までを1本のLuaスクリプトで
// 実行するため、複数プロセスから同時に呼び出されても上限を超えて許可することはない。
package ratelimit

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/hitoshi/namecheck/internal/store"
)

//go:embed sliding_window.lua
var slidingWindowScript string

const (
	// DefaultLimit はウィンドウあたりの既定の許可数。
	DefaultLimit = 30
	// DefaultWindow は既定のウィンドウ幅。
	DefaultWindow = 60 * time.Second

	defaultPrefix   = "namecheck:ratelimit:"
	unknownIdentity = "unknown"
)

// Config はLimiterの設定を保持する。
type Config struct {
	Limit  int
	Window time.Duration
	Prefix string
}

// Result はLimitの判定結果。
type Result struct {
	Success   bool
	Limit     int
	Remaining int
	// ResetAt は現在の固定ウィンドウが終わる時刻。
	ResetAt time.Time
}

// ResetAtEpochMs はResetAtをエポックミリ秒で返す。
func (r Result) ResetAtEpochMs() int64 {
	return r.ResetAt.UnixMilli()
}

// Limiter はスライディングウィンドウのレートリミッター。
type Limiter struct {
	store  store.KeyValueStore
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

// New はLimiterを生成する。ゼロ値の設定項目には既定値を使用する。
func New(s store.KeyValueStore, cfg Config) *Limiter {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Window < time.Millisecond {
		cfg.Window = DefaultWindow
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	return &Limiter{
		store:  s,
		limit:  cfg.Limit,
		window: cfg.Window,
		prefix: cfg.Prefix,
		now:    time.Now,
	}
}

// Limit はkey（操作名）とidentity（呼び出し元）の組に対して1単位の消費を試みる。
// ストアの障害はエラーとして返し、許可扱いにはしない。
func (l *Limiter) Limit(ctx context.Context, key, identity string) (Result, error) {
	if identity == "" {
		identity = unknownIdentity
	}

	now := l.now()
	nowMs := now.UnixMilli()
	windowMs := l.window.Milliseconds()
	bucket := nowMs / windowMs

	base := l.prefix + key + ":" + identity
	currentKey := base + ":" + strconv.FormatInt(bucket, 10)
	previousKey := base + ":" + strconv.FormatInt(bucket-1, 10)

	raw, err := l.store.Eval(ctx, slidingWindowScript,
		[]string{currentKey, previousKey},
		l.limit,  // ARGV[1]
		nowMs,    // ARGV[2]
		windowMs, // ARGV[3]
		1,        // ARGV[4]
	)
	if err != nil {
		return Result{}, fmt.Errorf("rate limit evaluation failed: %w", err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return Result{}, errors.New("invalid rate limit script response")
	}

	remaining := int(toInt64(values[1]))
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Success:   toInt64(values[0]) == 1,
		Limit:     l.limit,
		Remaining: remaining,
		ResetAt:   time.UnixMilli((bucket + 1) * windowMs),
	}, nil
}

// RetryAfterSeconds はresetAtまでの待ち秒数を切り上げで返す。最小値は1。
func RetryAfterSeconds(resetAt, now time.Time) int {
	ms := resetAt.UnixMilli() - now.UnixMilli()
	secs := int(math.Ceil(float64(ms) / 1000))
	if secs < 1 {
		return 1
	}
	return secs
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}
